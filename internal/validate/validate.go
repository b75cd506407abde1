// Package validate implements whitelist-style validators for tool arguments.
//
// Every validator is a pure function: it returns the sanitized value or a
// *Error naming the field and the reason. Nothing here touches the
// filesystem or spawns processes.
package validate

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ErrValidation is the sentinel wrapped by every *Error
var ErrValidation = errors.New("validation failed")

// Error is a validation failure for a single field
type Error struct {
	Field  string
	Reason string
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation
func (e *Error) Unwrap() error {
	return ErrValidation
}

func fail(field, format string, args ...any) *Error {
	return &Error{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Maximum lengths for different input types
const (
	MaxNameLength       = 255
	MaxSessionIDLength  = 64
	MaxFilenameLength   = 255
	MaxTextLength       = 10000
	MaxCSVContentLength = 10 * 1024 * 1024
	MaxBase64Length     = 50 * 1024 * 1024
)

// patterns are matched against the whole value
var patterns = map[string]*regexp.Regexp{
	"session_id":   regexp.MustCompile(`^[A-Za-z0-9-]{8,64}$`),
	"alphanumeric": regexp.MustCompile(`^[A-Za-z0-9]+$`),
	"alpha":        regexp.MustCompile(`^[A-Za-z]+$`),
	"numeric":      regexp.MustCompile(`^[0-9]+$`),
	"decimal":      regexp.MustCompile(`^-?\d+\.?\d*$`),
	"email":        regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`),
	"filename":     regexp.MustCompile(`^[A-Za-z0-9\-_.]+$`),
	"safe_text":    regexp.MustCompile(`^[A-Za-z0-9\s\-_.,!?()'"]+$`),
	"tool_name":    regexp.MustCompile(`^[a-z][a-z0-9_]{0,49}$`),
}

var base64Shape = regexp.MustCompile(`^[A-Za-z0-9+/]*={0,2}$`)

// StringRules constrains String
type StringRules struct {
	Min          int
	Max          int    // 0 means unbounded
	Pattern      string // named pattern or a custom regular expression
	AllowedChars string // empty means any
}

// String trims value and enforces the rules.
func String(field string, value any, rules StringRules) (string, error) {
	if value == nil {
		return "", fail(field, "value cannot be null")
	}
	s, ok := value.(string)
	if !ok {
		switch v := value.(type) {
		case float64, bool, json.Number, int, int64:
			s = fmt.Sprint(v)
		default:
			return "", fail(field, "expected a string, got %T", value)
		}
	}
	s = strings.TrimSpace(s)

	n := utf8.RuneCountInString(s)
	if n < rules.Min {
		return "", fail(field, "string too short (min: %d)", rules.Min)
	}
	if rules.Max > 0 && n > rules.Max {
		return "", fail(field, "string too long (max: %d)", rules.Max)
	}

	if rules.Pattern != "" {
		re, err := compilePattern(rules.Pattern)
		if err != nil {
			return "", fail(field, "invalid pattern %q: %v", rules.Pattern, err)
		}
		if !re.MatchString(s) {
			return "", fail(field, "does not match required pattern %s", rules.Pattern)
		}
	}

	if rules.AllowedChars != "" {
		for _, r := range s {
			if !strings.ContainsRune(rules.AllowedChars, r) {
				return "", fail(field, "character %q not allowed", r)
			}
		}
	}

	return s, nil
}

// compilePattern resolves a named pattern or anchors a custom expression so
// that it must match the full value.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if re, ok := patterns[pattern]; ok {
		return re, nil
	}
	return regexp.Compile(`^(?:` + pattern + `)$`)
}

// HasPattern reports whether name is a known named pattern
func HasPattern(name string) bool {
	_, ok := patterns[name]
	return ok
}

// NumberRules constrains Number
type NumberRules struct {
	Min           *float64
	Max           *float64
	AllowNegative bool
	AllowDecimal  bool
}

// Float is a convenience for building NumberRules bounds
func Float(v float64) *float64 { return &v }

// Number parses value as a number and range-checks it.
func Number(field string, value any, rules NumberRules) (float64, error) {
	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, fail(field, "invalid number: %s", v)
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fail(field, "invalid number: %q", v)
		}
		f = parsed
	default:
		return 0, fail(field, "invalid number: %v", value)
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fail(field, "number must be finite")
	}
	if !rules.AllowDecimal && f != math.Trunc(f) {
		return 0, fail(field, "decimal numbers not allowed")
	}
	if !rules.AllowNegative && f < 0 {
		return 0, fail(field, "negative numbers not allowed")
	}
	if rules.Min != nil && f < *rules.Min {
		return 0, fail(field, "number too small (min: %v)", *rules.Min)
	}
	if rules.Max != nil && f > *rules.Max {
		return 0, fail(field, "number too large (max: %v)", *rules.Max)
	}
	return f, nil
}

// Bool accepts a JSON bool or one of the usual textual spellings
func Bool(field string, value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "on":
			return true, nil
		case "false", "0", "no", "off":
			return false, nil
		}
	case float64:
		if v == 1 {
			return true, nil
		}
		if v == 0 {
			return false, nil
		}
	}
	return false, fail(field, "invalid boolean value: %v", value)
}

// SessionID validates the opaque session identifier format. Only a string
// is accepted and it is matched as given, without trimming.
func SessionID(value any) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", fail("session_id", "expected a string, got %T", value)
	}
	if !patterns["session_id"].MatchString(s) {
		return "", fail("session_id", "invalid format")
	}
	return s, nil
}

// Filename rejects path separators and traversal, and optionally enforces an
// extension whitelist (compared case-insensitively, with the leading dot).
func Filename(field string, value any, allowedExtensions []string) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", fail(field, "expected a string, got %T", value)
	}
	if strings.Contains(s, "/") || strings.Contains(s, `\`) || strings.Contains(s, "..") {
		return "", fail(field, "contains path separators")
	}

	name, err := String(field, s, StringRules{Min: 1, Max: MaxFilenameLength, Pattern: "filename"})
	if err != nil {
		return "", err
	}

	if len(allowedExtensions) > 0 {
		ext := strings.ToLower(filepath.Ext(name))
		allowed := false
		for _, a := range allowedExtensions {
			if strings.ToLower(a) == ext {
				allowed = true
				break
			}
		}
		if !allowed {
			return "", fail(field, "file extension %q not allowed", ext)
		}
	}
	return name, nil
}

// EncodedLimit is the longest base64 text that can decode to maxDecoded
// bytes, or MaxBase64Length when maxDecoded <= 0
func EncodedLimit(maxDecoded int) int {
	if maxDecoded <= 0 {
		return MaxBase64Length
	}
	return base64.StdEncoding.EncodedLen(maxDecoded)
}

// Base64 shape-checks and decodes value, returning the decoded bytes. The
// encoded text may be at most EncodedLimit(maxDecoded) long; maxDecoded <= 0
// disables the decoded-size ceiling.
func Base64(field string, value any, maxDecoded int) ([]byte, error) {
	s, ok := value.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return nil, fail(field, "empty base64 data")
	}
	s = strings.TrimSpace(s)

	if len(s) > EncodedLimit(maxDecoded) {
		return nil, fail(field, "base64 data too large")
	}
	if !base64Shape.MatchString(s) {
		return nil, fail(field, "invalid base64 format")
	}

	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fail(field, "invalid base64 encoding")
	}
	if maxDecoded > 0 && len(decoded) > maxDecoded {
		return nil, fail(field, "decoded data too large (max: %d bytes)", maxDecoded)
	}
	return decoded, nil
}

// formulaPrefixes start a spreadsheet formula when a CSV is opened
const formulaPrefixes = "=+-@|"

// CSVContent enforces the row ceiling and the formula-injection heuristic:
// a row whose first non-whitespace character is one of = + - @ | is rejected.
func CSVContent(field string, value any, maxRows int) (string, error) {
	content, err := String(field, value, StringRules{Max: MaxCSVContentLength})
	if err != nil {
		return "", err
	}

	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
	if maxRows > 0 && len(lines) > maxRows {
		return "", fail(field, "CSV has too many rows (max: %d)", maxRows)
	}

	for i, line := range lines {
		trimmed := strings.TrimLeft(line, " \t\r\v\f")
		if trimmed == "" {
			continue
		}
		if strings.ContainsRune(formulaPrefixes, rune(trimmed[0])) {
			return "", fail(field, "potential formula injection on row %d", i+1)
		}
	}
	return content, nil
}

// JSONObject accepts a decoded object or a string that parses to an object
func JSONObject(field string, value any) (map[string]any, error) {
	switch v := value.(type) {
	case map[string]any:
		return v, nil
	case string:
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err != nil {
			return nil, fail(field, "invalid JSON: %v", err)
		}
		obj, ok := parsed.(map[string]any)
		if !ok {
			return nil, fail(field, "JSON must be an object")
		}
		return obj, nil
	default:
		return nil, fail(field, "value must be a JSON object or string")
	}
}

// ListRules constrains List
type ListRules struct {
	Allowed []string
	Min     int
	Max     int // 0 means unbounded
}

// List accepts a list or a comma-separated string
func List(field string, value any, rules ListRules) ([]string, error) {
	var items []string
	switch v := value.(type) {
	case string:
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				items = append(items, p)
			}
		}
	case []string:
		for _, item := range v {
			items = append(items, strings.TrimSpace(item))
		}
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				s = fmt.Sprint(item)
			}
			items = append(items, strings.TrimSpace(s))
		}
	default:
		return nil, fail(field, "value must be a list or comma-separated string")
	}

	if len(items) < rules.Min {
		return nil, fail(field, "too few items (min: %d)", rules.Min)
	}
	if rules.Max > 0 && len(items) > rules.Max {
		return nil, fail(field, "too many items (max: %d)", rules.Max)
	}

	if len(rules.Allowed) > 0 {
		for _, item := range items {
			if !contains(rules.Allowed, item) {
				return nil, fail(field, "value %q not allowed", item)
			}
		}
	}
	return items, nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
