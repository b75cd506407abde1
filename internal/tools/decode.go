package tools

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/matheus-rech/meta-analysis-chatbot/internal/validate"
)

// Substitution records an optional field that lenient mode replaced with its
// default instead of rejecting the call
type Substitution struct {
	Field   string
	Reason  string
	Default any
}

// decoder walks one argument map. The first hard failure sticks and turns
// every later lookup into a no-op.
type decoder struct {
	args   map[string]any
	mode   validate.Mode
	bounds Bounds
	subs   []Substitution
	err    error
}

// Bounds caps content accepted by the decoders
type Bounds struct {
	MaxCSVRows int
	MaxCode    int
	MaxUpload  int64 // decoded bytes accepted by upload_file
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

// required returns the validated value of a field that must be present
func required[T any](d *decoder, field string, fn func(any) (T, error)) T {
	var zero T
	if d.err != nil {
		return zero
	}
	v, ok := d.args[field]
	if !ok || v == nil {
		d.fail(&validate.Error{Field: field, Reason: "required field missing"})
		return zero
	}
	out, err := fn(v)
	if err != nil {
		d.fail(err)
		return zero
	}
	return out
}

// optional returns def when the field is absent. An invalid value is an
// error in strict mode and is replaced by def in lenient mode.
func optional[T any](d *decoder, field string, def T, fn func(any) (T, error)) T {
	if d.err != nil {
		return def
	}
	v, ok := d.args[field]
	if !ok || v == nil {
		return def
	}
	out, err := fn(v)
	if err == nil {
		return out
	}
	if d.mode == validate.Strict {
		d.fail(err)
		return def
	}
	d.subs = append(d.subs, Substitution{Field: field, Reason: err.Error(), Default: def})
	return def
}

// present validates a field only when it is given. It has no default, so an
// invalid value always fails regardless of mode.
func present[T any](d *decoder, field string, fn func(any) (T, error)) T {
	var zero T
	if d.err != nil {
		return zero
	}
	v, ok := d.args[field]
	if !ok || v == nil || v == "" {
		return zero
	}
	out, err := fn(v)
	if err != nil {
		d.fail(err)
		return zero
	}
	return out
}

func sessionID(v any) (string, error) {
	return validate.SessionID(v)
}

func enumOf(field, enumName string) func(any) (string, error) {
	return func(v any) (string, error) {
		return validate.Enum(field, v, enumName)
	}
}

func oneOf(field string, allowed []string) func(any) (string, error) {
	return func(v any) (string, error) {
		s, err := validate.String(field, v, validate.StringRules{Min: 1, Max: 64})
		if err != nil {
			return "", err
		}
		for _, a := range allowed {
			if strings.EqualFold(a, s) {
				return a, nil
			}
		}
		return "", &validate.Error{Field: field, Reason: fmt.Sprintf("invalid value %q: must be one of %s", s, strings.Join(allowed, ", "))}
	}
}

func boolOf(field string) func(any) (bool, error) {
	return func(v any) (bool, error) {
		return validate.Bool(field, v)
	}
}

func nameOf(field string) func(any) (string, error) {
	return func(v any) (string, error) {
		return validate.Name(field, v)
	}
}

func confidenceLevel(v any) (float64, error) {
	return validate.ConfidenceLevel(v)
}

func intRange(field string, lo, hi float64) func(any) (int, error) {
	return func(v any) (int, error) {
		n, err := validate.Number(field, v, validate.NumberRules{Min: validate.Float(lo), Max: validate.Float(hi)})
		if err != nil {
			return 0, err
		}
		return int(n), nil
	}
}

func listOf(field, enumName string) func(any) ([]string, error) {
	return func(v any) ([]string, error) {
		items, err := validate.List(field, v, validate.ListRules{Min: 1, Max: 16})
		if err != nil {
			return nil, err
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			canonical, err := validate.Enum(field, item, enumName)
			if err != nil {
				return nil, err
			}
			out = append(out, canonical)
		}
		return out, nil
	}
}

func stringOf(field string, maxLen int) func(any) (string, error) {
	return func(v any) (string, error) {
		s, ok := v.(string)
		if !ok {
			return "", &validate.Error{Field: field, Reason: fmt.Sprintf("expected a string, got %T", v)}
		}
		if strings.TrimSpace(s) == "" {
			return "", &validate.Error{Field: field, Reason: "value cannot be empty"}
		}
		if maxLen > 0 && len(s) > maxLen {
			return "", &validate.Error{Field: field, Reason: fmt.Sprintf("value too long (max: %d bytes)", maxLen)}
		}
		return s, nil
	}
}

// csvContent accepts plain CSV text, or base64-encoded CSV behind a data URI
// prefix ("data:text/csv;base64,..."). Text without the prefix is taken
// literally, even when it happens to be valid base64.
func csvContent(field string, maxRows int) func(any) (string, error) {
	return func(v any) (string, error) {
		s, ok := v.(string)
		if !ok {
			return "", &validate.Error{Field: field, Reason: fmt.Sprintf("expected a string, got %T", v)}
		}
		if payload, ok := dataURIPayload(strings.TrimSpace(s)); ok {
			decoded, err := validate.Base64(field, payload, validate.MaxCSVContentLength)
			if err != nil {
				return "", err
			}
			if !utf8.Valid(decoded) {
				return "", &validate.Error{Field: field, Reason: "decoded content is not UTF-8 text"}
			}
			s = string(decoded)
		}
		return validate.CSVContent(field, s, maxRows)
	}
}

// dataURIPayload returns the encoded part of a base64 data URI
func dataURIPayload(s string) (string, bool) {
	const marker = ";base64,"
	if len(s) < len("data:") || !strings.EqualFold(s[:len("data:")], "data:") {
		return "", false
	}
	i := strings.Index(s, marker)
	if i < 0 || strings.Contains(s[:i], ",") {
		return "", false
	}
	return s[i+len(marker):], true
}

// studyRows shape-checks the rows; the per-measure check needs the session's
// effect measure and runs once the session is known
func studyRows(field string) func(any) ([]map[string]any, error) {
	return func(v any) ([]map[string]any, error) {
		list, ok := v.([]any)
		if !ok {
			return nil, &validate.Error{Field: field, Reason: "value must be a list of objects"}
		}
		if len(list) == 0 {
			return nil, &validate.Error{Field: field, Reason: "no studies provided"}
		}
		rows := make([]map[string]any, 0, len(list))
		for i, item := range list {
			row, err := validate.JSONObject(fmt.Sprintf("%s[%d]", field, i), item)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
		return rows, nil
	}
}
