package rsanitize

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeString_StripsMetacharacters(t *testing.T) {
	s := New(t.TempDir())

	tests := []struct {
		in   string
		want string
	}{
		{"Smith 2020", "Smith 2020"},
		{"  padded  ", "padded"},
		{"a;b|c&d", "abcd"},
		{`quote"d 'value'`, "quoted value"},
		{"line\nbreak\ttab", "linebreaktab"},
		{"budget forecast", "budget forecast"},
		{"", ""},
	}

	for _, tt := range tests {
		got, err := s.SanitizeString(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestSanitizeString_RejectsInjection(t *testing.T) {
	s := New(t.TempDir())

	// CRITICAL SECURITY: each of these must be rejected, not rewritten
	payloads := []string{
		`system("rm -rf /")`,
		"x; system2('id')",
		"sys`tem(",
		"Sys.setenv(PATH='')",
		"base:::eval",
		"`ls`",
		"$(whoami)",
		"x <<- 1",
		"1 ->> x",
		"f(...)",
		"hello ! rm",
		"source",
		"LIBRARY",
		"do.call",
		"readRDS",
		"get-well",
	}

	for _, p := range payloads {
		_, err := s.SanitizeString(p)
		require.Error(t, err, "payload %q", p)
		assert.True(t, errors.Is(err, ErrInjection), "payload %q", p)
	}
}

func TestSanitizeString_WholeIdentifierMatching(t *testing.T) {
	s := New(t.TempDir())

	for _, ok := range []string{"budget", "systematic review", "reload", "parsed", "evaluation", "sources"} {
		_, err := s.SanitizeString(ok)
		assert.NoError(t, err, ok)
	}
}

func TestSanitizeString_Truncates(t *testing.T) {
	s := New(t.TempDir())

	got, err := s.SanitizeString(strings.Repeat("a", 5000))
	require.NoError(t, err)
	assert.Len(t, got, MaxStringLength)
}

func TestSanitizeString_Idempotent(t *testing.T) {
	s := New(t.TempDir())

	inputs := []string{
		"Smith 2020",
		"a;b|c&d",
		"  ((nested)) [brackets] {braces}  ",
		"tabs\tand\nnewlines\r",
		"unicode: café ünïcödé",
		strings.Repeat("x ", 800),
		"percent 50% #hash @at ^caret *star",
		"  <html>?  ",
	}

	for _, in := range inputs {
		once, err := s.SanitizeString(in)
		require.NoError(t, err, in)
		twice, err := s.SanitizeString(once)
		require.NoError(t, err, in)
		assert.Equal(t, once, twice, "not idempotent for %q", in)
	}
}

func TestSanitizeIdentifier(t *testing.T) {
	s := New(t.TempDir())

	tests := []struct {
		in   string
		want string
	}{
		{"effect_measure", "effect_measure"},
		{"my-var", "my_var"},
		{"1abc", "X1abc"},
		{"_private", "X_private"},
		{".hidden", ".hidden"},
		{".5", "X.5"},
		{"a b;c", "a_b_c"},
		{"", "X"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.SanitizeIdentifier(tt.in), tt.in)
	}

	long := s.SanitizeIdentifier(strings.Repeat("a", 300))
	assert.Len(t, long, MaxIdentifierLength)
}

func TestScanCode(t *testing.T) {
	s := New(t.TempDir())

	assert.NoError(t, s.ScanCode("x <- c(1, 2, 3)\nmean(x)"))

	for _, code := range []string{
		"system('id')",
		"library(meta)",
		"eval(parse(text = y))",
		"f <- function(...) 1",
		"x <<- 2",
		"base:::.Internal",
	} {
		err := s.ScanCode(code)
		require.Error(t, err, code)
		assert.True(t, errors.Is(err, ErrInjection), code)
	}

	err := s.ScanCode("   ")
	assert.True(t, errors.Is(err, ErrUnsupported))

	err = s.ScanCode(strings.Repeat("x", MaxCodeLength+1))
	assert.True(t, errors.Is(err, ErrUnsupported))
}

func TestCreateTempDataFile_JSON(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	path, err := s.CreateTempDataFile(map[string]any{
		"study-name": "Smith; 2020",
		"values":     []any{float64(1), "a|b"},
		"flag":       true,
	}, "json")
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))
	assert.True(t, strings.HasSuffix(path, ".json"))

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "Smith 2020", decoded["study_name"])
	assert.Equal(t, []any{float64(1), "ab"}, decoded["values"])
	assert.Equal(t, true, decoded["flag"])
}

func TestCreateTempDataFile_UniqueNames(t *testing.T) {
	s := New(t.TempDir())

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		path, err := s.CreateTempDataFile("same", "csv")
		require.NoError(t, err)
		assert.False(t, seen[path], "duplicate temp file %s", path)
		seen[path] = true
	}
}

func TestCreateTempDataFile_Errors(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	_, err := s.CreateTempDataFile(map[string]any{"x": "system('id')"}, "json")
	assert.True(t, errors.Is(err, ErrInjection))

	_, err = s.CreateTempDataFile(42, "csv")
	assert.True(t, errors.Is(err, ErrUnsupported))

	_, err = s.CreateTempDataFile("x", "rds")
	assert.True(t, errors.Is(err, ErrUnsupported))

	_, err = s.CreateTempDataFile("library(x)", "R")
	assert.True(t, errors.Is(err, ErrInjection))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "failed writes must not leave files behind")
}

func TestPrepareArguments(t *testing.T) {
	tmp := t.TempDir()
	uploads := t.TempDir()
	dataFile := filepath.Join(uploads, "data.csv")
	require.NoError(t, os.WriteFile(dataFile, []byte("study,n\n"), 0o600))

	s := New(tmp, WithFileRoots(uploads))

	p, err := s.PrepareArguments(map[string]any{
		"name":             "Statins; trial",
		"confidence_level": 0.95,
		"heterogeneity":    true,
		"empty":            nil,
		"methods":          []any{"funnel_plot", "egger_test"},
		"data_path":        dataFile,
		"outside":          "/etc/passwd",
	})
	require.NoError(t, err)

	assert.Equal(t, "Statins trial", p.Values["name"])
	assert.Equal(t, 0.95, p.Values["confidence_level"])
	assert.Equal(t, true, p.Values["heterogeneity"])
	assert.Contains(t, p.Values, "empty")
	assert.Nil(t, p.Values["empty"])

	resolvedData, err := filepath.EvalSymlinks(dataFile)
	require.NoError(t, err)
	assert.Equal(t, resolvedData, p.Values["data_path"])
	assert.Equal(t, "/etc/passwd", p.Values["outside"], "files outside roots are plain strings")

	require.Len(t, p.TempFiles, 1)
	assert.Equal(t, p.TempFiles[0], p.Values["methods_file"])
	assert.NotContains(t, p.Values, "methods")
	assert.FileExists(t, p.TempFiles[0])

	s.Cleanup(p.TempFiles)
	assert.NoFileExists(t, p.TempFiles[0])
}

func TestPrepareArguments_CleansUpOnError(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	_, err := s.PrepareArguments(map[string]any{
		"a": []any{"x"},
		"b": []any{"y"},
		"c": map[string]any{"z": "eval(1)"},
		"d": "fine",
	})
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	// Map iteration order is random, so the failing key may come first or last
	assert.Empty(t, entries)
}

func TestPrepareArguments_UnsupportedType(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.PrepareArguments(map[string]any{"x": struct{}{}})
	assert.True(t, errors.Is(err, ErrUnsupported))
}

func TestSpill(t *testing.T) {
	s := New(t.TempDir())
	p, err := s.PrepareArguments(map[string]any{})
	require.NoError(t, err)

	require.NoError(t, s.Spill(p, "csv_content", "study,n\nA,1\n", "csv"))
	path, ok := p.Values["csv_content_file"].(string)
	require.True(t, ok)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "study,n\nA,1\n", string(raw))

	err = s.Spill(p, "code", "system('x')", "R")
	assert.True(t, errors.Is(err, ErrInjection))
	assert.Len(t, p.TempFiles, 1)
}

func writeScript(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("cat('{}')\n"), 0o644))
	return path
}

func TestValidateScriptPath(t *testing.T) {
	scripts := t.TempDir()
	entry := writeScript(t, scripts, "entry/mcp_tools.R")
	s := New(t.TempDir(), WithScriptDirs(scripts))

	got, err := s.ValidateScriptPath(entry)
	require.NoError(t, err)
	want, _ := filepath.EvalSymlinks(entry)
	assert.Equal(t, want, got)

	_, err = s.ValidateScriptPath(filepath.Join(scripts, "missing.R"))
	assert.True(t, errors.Is(err, ErrScriptPath))

	_, err = s.ValidateScriptPath(scripts)
	assert.ErrorContains(t, err, "not a file")

	py := writeScript(t, scripts, "tool.py")
	_, err = s.ValidateScriptPath(py)
	assert.ErrorContains(t, err, "not an R script")

	outside := writeScript(t, t.TempDir(), "evil.R")
	_, err = s.ValidateScriptPath(outside)
	assert.ErrorContains(t, err, "outside allowed directories")

	_, err = s.ValidateScriptPath("")
	assert.True(t, errors.Is(err, ErrScriptPath))
}

func TestValidateScriptPath_SymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	scripts := t.TempDir()
	outside := writeScript(t, t.TempDir(), "evil.R")
	link := filepath.Join(scripts, "innocent.R")
	require.NoError(t, os.Symlink(outside, link))

	s := New(t.TempDir(), WithScriptDirs(scripts))
	_, err := s.ValidateScriptPath(link)
	assert.True(t, errors.Is(err, ErrScriptPath))
}

func TestBuildCommand(t *testing.T) {
	scripts := t.TempDir()
	entry := writeScript(t, scripts, "mcp_tools.R")
	s := New(t.TempDir(), WithScriptDirs(scripts))

	argsFile := filepath.Join(t.TempDir(), "args.json")
	sessionDir := t.TempDir()

	argv, err := s.BuildCommand("Rscript", entry, "perform_meta_analysis", argsFile, sessionDir)
	require.NoError(t, err)
	resolved, _ := filepath.EvalSymlinks(entry)
	assert.Equal(t, []string{"Rscript", "--vanilla", resolved, "perform_meta_analysis", argsFile, sessionDir}, argv)

	_, err = s.BuildCommand("Rscript", entry, "tool; rm -rf /", argsFile, sessionDir)
	assert.True(t, errors.Is(err, ErrInjection))

	_, err = s.BuildCommand("Rscript", entry, "health_check", "relative.json", sessionDir)
	assert.True(t, errors.Is(err, ErrUnsupported))

	_, err = s.BuildCommand("", entry, "health_check", argsFile, sessionDir)
	assert.True(t, errors.Is(err, ErrUnsupported))
}

func TestCleanup_OnlyTempDir(t *testing.T) {
	tmp := t.TempDir()
	s := New(tmp)

	inside, err := s.CreateTempDataFile("x", "csv")
	require.NoError(t, err)

	outside := filepath.Join(t.TempDir(), "keep.txt")
	require.NoError(t, os.WriteFile(outside, []byte("keep"), 0o600))

	s.Cleanup([]string{inside, outside, filepath.Join(tmp, "already-gone.json")})

	assert.NoFileExists(t, inside)
	assert.FileExists(t, outside)
}

func TestIn(t *testing.T) {
	base := New(t.TempDir())
	sessionTmp := t.TempDir()

	scoped := base.In(sessionTmp)
	assert.Equal(t, sessionTmp, scoped.TempDir())
	assert.NotEqual(t, sessionTmp, base.TempDir())

	path, err := scoped.CreateTempDataFile("x", "csv")
	require.NoError(t, err)
	assert.Equal(t, sessionTmp, filepath.Dir(path))
}
