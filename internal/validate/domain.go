package validate

import (
	"fmt"
	"strings"
)

// Enumerated vocabularies accepted by the analysis tools
var (
	StudyTypes       = []string{"clinical_trial", "observational", "diagnostic"}
	EffectMeasures   = []string{"OR", "RR", "MD", "SMD", "HR", "PROP", "MEAN"}
	AnalysisModels   = []string{"fixed", "random", "auto"}
	DataFormats      = []string{"csv", "excel", "revman"}
	ValidationLevels = []string{"basic", "comprehensive"}
	PlotStyles       = []string{"classic", "modern", "journal_specific"}
	ReportFormats    = []string{"html", "pdf", "word"}
	BiasMethods      = []string{"funnel_plot", "egger_test", "begg_test", "trim_fill"}
	FileExtensions   = []string{".csv", ".xlsx", ".xls", ".rds", ".png", ".jpg", ".pdf"}
	AnalysisStages   = []string{"planning", "execution", "interpretation"}
)

var enums = map[string][]string{
	"study_type":       StudyTypes,
	"effect_measure":   EffectMeasures,
	"analysis_model":   AnalysisModels,
	"data_format":      DataFormats,
	"validation_level": ValidationLevels,
	"plot_style":       PlotStyles,
	"report_format":    ReportFormats,
	"bias_methods":     BiasMethods,
	"file_extension":   FileExtensions,
	"analysis_stage":   AnalysisStages,
}

// EnumValues returns a copy of the named vocabulary, or nil if unknown
func EnumValues(enumName string) []string {
	values, ok := enums[enumName]
	if !ok {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}

// requiredColumns lists the study-data fields each effect measure needs
var requiredColumns = map[string][]string{
	"OR":   {"study", "event1", "n1", "event2", "n2"},
	"RR":   {"study", "event1", "n1", "event2", "n2"},
	"MD":   {"study", "mean1", "sd1", "n1", "mean2", "sd2", "n2"},
	"SMD":  {"study", "mean1", "sd1", "n1", "mean2", "sd2", "n2"},
	"HR":   {"study", "hr", "se_hr"},
	"PROP": {"study", "events", "n"},
	"MEAN": {"study", "n", "mean", "sd"},
}

// RequiredColumns returns the fields a study row must carry for measure
func RequiredColumns(measure string) []string {
	cols := requiredColumns[measure]
	out := make([]string, len(cols))
	copy(out, cols)
	return out
}

// Enum matches value case-insensitively against the named vocabulary and
// returns the vocabulary's canonical spelling.
func Enum(field string, value any, enumName string) (string, error) {
	allowed, ok := enums[enumName]
	if !ok {
		return "", fail(field, "unknown enum type %q", enumName)
	}
	s, ok := value.(string)
	if !ok {
		return "", fail(field, "expected one of %s", strings.Join(allowed, ", "))
	}
	s = strings.TrimSpace(s)
	for _, a := range allowed {
		if strings.EqualFold(a, s) {
			return a, nil
		}
	}
	return "", fail(field, "invalid value %q: must be one of %s", s, strings.Join(allowed, ", "))
}

// Name validates a human-facing project name
func Name(field string, value any) (string, error) {
	return String(field, value, StringRules{Min: 1, Max: MaxNameLength, Pattern: "safe_text"})
}

// ConfidenceLevel accepts a value in [0.5, 0.99]
func ConfidenceLevel(value any) (float64, error) {
	return Number("confidence_level", value, NumberRules{
		Min:          Float(0.5),
		Max:          Float(0.99),
		AllowDecimal: true,
	})
}

// StudyData checks that every row carries the fields required for measure and
// that numeric fields are numbers. Only means may be negative, and sample
// sizes must be positive integers.
func StudyData(rows []map[string]any, measure string) ([]map[string]any, error) {
	cols, ok := requiredColumns[measure]
	if !ok {
		return nil, fail("effect_measure", "unsupported effect measure %q", measure)
	}
	if len(rows) == 0 {
		return nil, fail("study_data", "no studies provided")
	}

	out := make([]map[string]any, 0, len(rows))
	for i, row := range rows {
		clean := make(map[string]any, len(row))
		for k, v := range row {
			clean[k] = v
		}

		for _, col := range cols {
			raw, present := row[col]
			if !present || raw == nil || raw == "" {
				return nil, fail("study_data", "row %d: missing required field %q", i+1, col)
			}

			if col == "study" {
				name, err := String(fmt.Sprintf("study_data[%d].study", i), raw, StringRules{Min: 1, Max: MaxNameLength})
				if err != nil {
					return nil, err
				}
				clean[col] = name
				continue
			}

			rules := NumberRules{AllowDecimal: true, AllowNegative: isMean(col)}
			if isSampleSize(col) {
				rules = NumberRules{Min: Float(1)}
			}
			n, err := Number(fmt.Sprintf("study_data[%d].%s", i, col), raw, rules)
			if err != nil {
				return nil, err
			}
			clean[col] = n
		}
		out = append(out, clean)
	}
	return out, nil
}

func isSampleSize(col string) bool {
	switch col {
	case "n", "n1", "n2":
		return true
	}
	return false
}

func isMean(col string) bool {
	switch col {
	case "mean", "mean1", "mean2":
		return true
	}
	return false
}
