package validate

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestString(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		rules   StringRules
		want    string
		wantErr string
	}{
		{name: "trims whitespace", value: "  hello  ", rules: StringRules{Max: 10}, want: "hello"},
		{name: "number is stringified", value: float64(42), rules: StringRules{}, want: "42"},
		{name: "null rejected", value: nil, wantErr: "cannot be null"},
		{name: "object rejected", value: map[string]any{}, wantErr: "expected a string"},
		{name: "too short", value: "ab", rules: StringRules{Min: 3}, wantErr: "too short"},
		{name: "too long", value: "abcdef", rules: StringRules{Max: 5}, wantErr: "too long"},
		{name: "named pattern", value: "abc123", rules: StringRules{Pattern: "alphanumeric"}, want: "abc123"},
		{name: "named pattern mismatch", value: "abc-123", rules: StringRules{Pattern: "alphanumeric"}, wantErr: "pattern"},
		{name: "custom pattern is anchored", value: "xabc", rules: StringRules{Pattern: "abc"}, wantErr: "pattern"},
		{name: "allowed chars", value: "aab", rules: StringRules{AllowedChars: "ab"}, want: "aab"},
		{name: "disallowed char", value: "abc", rules: StringRules{AllowedChars: "ab"}, wantErr: "not allowed"},
		{name: "length counts runes", value: "ééé", rules: StringRules{Max: 3}, want: "ééé"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := String("field", tt.value, tt.rules)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.True(t, errors.Is(err, ErrValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestError_NamesField(t *testing.T) {
	_, err := String("project_name", "", StringRules{Min: 1})
	require.Error(t, err)

	var verr *Error
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "project_name", verr.Field)
	assert.Contains(t, err.Error(), "invalid project_name")
}

func TestNumber(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		rules   NumberRules
		want    float64
		wantErr string
	}{
		{name: "integer", value: float64(5), want: 5},
		{name: "numeric string", value: " 12 ", want: 12},
		{name: "garbage string", value: "12abc", wantErr: "invalid number"},
		{name: "decimal rejected by default", value: 1.5, wantErr: "decimal"},
		{name: "decimal allowed", value: 1.5, rules: NumberRules{AllowDecimal: true}, want: 1.5},
		{name: "negative rejected by default", value: float64(-1), wantErr: "negative"},
		{name: "negative allowed", value: float64(-1), rules: NumberRules{AllowNegative: true}, want: -1},
		{name: "below min", value: float64(1), rules: NumberRules{Min: Float(2)}, wantErr: "too small"},
		{name: "above max", value: float64(9), rules: NumberRules{Max: Float(8)}, wantErr: "too large"},
		{name: "NaN string", value: "NaN", rules: NumberRules{AllowDecimal: true}, wantErr: "finite"},
		{name: "bool rejected", value: true, wantErr: "invalid number"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Number("n", tt.value, tt.rules)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBool(t *testing.T) {
	for _, v := range []any{true, "true", "YES", "1", "on", float64(1)} {
		got, err := Bool("flag", v)
		require.NoError(t, err, "value %v", v)
		assert.True(t, got, "value %v", v)
	}
	for _, v := range []any{false, "false", "no", "0", "off", float64(0)} {
		got, err := Bool("flag", v)
		require.NoError(t, err, "value %v", v)
		assert.False(t, got, "value %v", v)
	}

	_, err := Bool("flag", "maybe")
	assert.Error(t, err)
	_, err = Bool("flag", float64(2))
	assert.Error(t, err)
}

func TestSessionID(t *testing.T) {
	valid := []string{"abcdefgh", "0f8fad5b-d9cb-469f-a165-70867728950e", strings.Repeat("a", 64)}
	for _, id := range valid {
		got, err := SessionID(id)
		require.NoError(t, err, id)
		assert.Equal(t, id, got)
	}

	invalid := []any{
		"short", strings.Repeat("a", 65), "../../etc", "abc def gh", "abcdefgh;rm", "",
		" abcdefgh", "abcdefgh\n", "\tabcdefgh", "abcdefgh ",
		nil, float64(12345678.5), float64(12345678), 12345678, json.Number("12345678"), []byte("abcdefgh"),
	}
	for _, id := range invalid {
		_, err := SessionID(id)
		assert.Error(t, err, "%v", id)
	}
}

func TestFilename(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		exts    []string
		wantErr string
	}{
		{name: "plain", value: "data.csv"},
		{name: "slash", value: "dir/data.csv", wantErr: "path separators"},
		{name: "backslash", value: `dir\data.csv`, wantErr: "path separators"},
		{name: "traversal", value: "..data.csv", wantErr: "path separators"},
		{name: "space rejected", value: "my data.csv", wantErr: "pattern"},
		{name: "empty", value: "", wantErr: "too short"},
		{name: "extension allowed", value: "DATA.CSV", exts: []string{".csv"}},
		{name: "extension rejected", value: "data.exe", exts: []string{".csv"}, wantErr: "extension"},
		{name: "too long", value: strings.Repeat("a", 252) + ".csv", wantErr: "too long"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Filename("filename", tt.value, tt.exts)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.value, got)
		})
	}
}

func TestBase64(t *testing.T) {
	payload := []byte("study,n\nA,10\n")
	encoded := base64.StdEncoding.EncodeToString(payload)

	got, err := Base64("content", encoded, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = Base64("content", "", 0)
	assert.ErrorContains(t, err, "empty")

	_, err = Base64("content", "not base64!", 0)
	assert.ErrorContains(t, err, "format")

	_, err = Base64("content", "abc", 0)
	assert.ErrorContains(t, err, "encoding")

	_, err = Base64("content", encoded, 4)
	assert.ErrorContains(t, err, "too large")

	// The encoded ceiling follows the decoded one, which base64 outgrows by a third
	nine := base64.StdEncoding.EncodeToString([]byte("123456789"))
	got, err = Base64("content", nine, 9)
	require.NoError(t, err)
	assert.Len(t, got, 9)
}

func TestEncodedLimit(t *testing.T) {
	assert.Equal(t, MaxBase64Length, EncodedLimit(0))
	assert.Equal(t, 4, EncodedLimit(3))
	assert.Equal(t, 12, EncodedLimit(9))
	assert.Equal(t, 66_666_668, EncodedLimit(50_000_000))
}

func TestCSVContent(t *testing.T) {
	ok := "study,event1,n1,event2,n2\nSmith 2020,10,100,15,100\n"
	got, err := CSVContent("csv_content", ok, 100)
	require.NoError(t, err)
	assert.Equal(t, strings.TrimSpace(ok), got)

	// CRITICAL SECURITY: formula injection must be caught on any row
	for _, payload := range []string{"=cmd|' /C calc'!A0", "+1+1", "-2+3", "@SUM(A1)", "|calc"} {
		_, err := CSVContent("csv_content", "study,n\n"+payload+",1\n", 100)
		require.Error(t, err, payload)
		assert.Contains(t, err.Error(), "formula injection")
	}

	_, err = CSVContent("csv_content", "study,n\n   =1+1,2\n", 100)
	assert.Error(t, err, "leading whitespace must not hide a formula")

	_, err = CSVContent("csv_content", "a\nb\nc\nd\n", 3)
	assert.ErrorContains(t, err, "too many rows")
}

func TestJSONObject(t *testing.T) {
	obj, err := JSONObject("params", `{"a": 1}`)
	require.NoError(t, err)
	assert.Equal(t, float64(1), obj["a"])

	obj, err = JSONObject("params", map[string]any{"b": "x"})
	require.NoError(t, err)
	assert.Equal(t, "x", obj["b"])

	_, err = JSONObject("params", `[1,2]`)
	assert.ErrorContains(t, err, "must be an object")

	_, err = JSONObject("params", `{bad`)
	assert.ErrorContains(t, err, "invalid JSON")

	_, err = JSONObject("params", float64(3))
	assert.Error(t, err)
}

func TestList(t *testing.T) {
	got, err := List("methods", "funnel_plot, egger_test", ListRules{Allowed: BiasMethods})
	require.NoError(t, err)
	assert.Equal(t, []string{"funnel_plot", "egger_test"}, got)

	got, err = List("methods", []any{"trim_fill"}, ListRules{Allowed: BiasMethods, Min: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"trim_fill"}, got)

	_, err = List("methods", []any{"system"}, ListRules{Allowed: BiasMethods})
	assert.ErrorContains(t, err, "not allowed")

	_, err = List("methods", []any{}, ListRules{Min: 1})
	assert.ErrorContains(t, err, "too few")

	_, err = List("methods", "a,b,c", ListRules{Max: 2})
	assert.ErrorContains(t, err, "too many")

	_, err = List("methods", float64(1), ListRules{})
	assert.Error(t, err)
}

func TestEnum(t *testing.T) {
	got, err := Enum("effect_measure", "OR", "effect_measure")
	require.NoError(t, err)
	assert.Equal(t, "OR", got)

	got, err = Enum("effect_measure", " or ", "effect_measure")
	require.NoError(t, err)
	assert.Equal(t, "OR", got, "canonical spelling is returned")

	got, err = Enum("format", "HTML", "report_format")
	require.NoError(t, err)
	assert.Equal(t, "html", got)

	// CRITICAL SECURITY: anything outside the vocabulary is rejected
	for _, v := range []any{"OR; system('id')", "../../../etc/passwd", "", float64(1), nil} {
		_, err := Enum("effect_measure", v, "effect_measure")
		assert.Error(t, err, "%v", v)
	}

	_, err = Enum("x", "csv", "no_such_enum")
	assert.ErrorContains(t, err, "unknown enum type")
}

func TestEnumValues(t *testing.T) {
	assert.Equal(t, []string{"planning", "execution", "interpretation"}, EnumValues("analysis_stage"))
	assert.Nil(t, EnumValues("nope"))

	v := EnumValues("study_type")
	v[0] = "mutated"
	assert.Equal(t, "clinical_trial", EnumValues("study_type")[0])
}

func TestName(t *testing.T) {
	got, err := Name("name", "Statin trials (2024), v2")
	require.NoError(t, err)
	assert.Equal(t, "Statin trials (2024), v2", got)

	_, err = Name("name", "x`id`")
	assert.Error(t, err)
	_, err = Name("name", "a; b")
	assert.Error(t, err)
}

func TestConfidenceLevel(t *testing.T) {
	got, err := ConfidenceLevel(0.95)
	require.NoError(t, err)
	assert.Equal(t, 0.95, got)

	for _, v := range []any{0.49, 1.0, float64(95), "abc"} {
		_, err := ConfidenceLevel(v)
		assert.Error(t, err, "%v", v)
	}
}

func TestStudyData(t *testing.T) {
	rows := []map[string]any{
		{"study": "Smith 2020", "event1": float64(10), "n1": float64(100), "event2": "15", "n2": float64(100), "note": "x"},
	}
	got, err := StudyData(rows, "OR")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, float64(15), got[0]["event2"])
	assert.Equal(t, "x", got[0]["note"])

	_, err = StudyData([]map[string]any{{"study": "A", "hr": 0.8}}, "HR")
	assert.ErrorContains(t, err, "se_hr")

	_, err = StudyData([]map[string]any{{"study": "A", "events": float64(1), "n": float64(0)}}, "PROP")
	assert.ErrorContains(t, err, "too small")

	_, err = StudyData([]map[string]any{{"study": "A", "n": 10.5, "mean": 1.0, "sd": 0.2}}, "MEAN")
	assert.ErrorContains(t, err, "decimal")

	_, err = StudyData(rows, "XYZ")
	assert.ErrorContains(t, err, "unsupported")

	_, err = StudyData(nil, "OR")
	assert.ErrorContains(t, err, "no studies")
}

func TestRequiredColumns_ReturnsCopy(t *testing.T) {
	cols := RequiredColumns("HR")
	cols[0] = "mutated"
	assert.Equal(t, "study", RequiredColumns("HR")[0])
	assert.Empty(t, RequiredColumns("nope"))
}

func TestModeFor(t *testing.T) {
	assert.Equal(t, Strict, ModeFor(true))
	assert.Equal(t, Lenient, ModeFor(false))
	assert.Equal(t, "strict", Strict.String())
	assert.Equal(t, "lenient", Lenient.String())
	assert.Equal(t, "Mode(7)", Mode(7).String())
}
