package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Category groups security events
type Category string

const (
	CategoryAuthentication  Category = "AUTHENTICATION"
	CategoryAuthorization   Category = "AUTHORIZATION"
	CategoryFileUpload      Category = "FILE_UPLOAD"
	CategorySubprocess      Category = "SUBPROCESS"
	CategoryInputValidation Category = "INPUT_VALIDATION"
	CategoryDataAccess      Category = "DATA_ACCESS"
	CategoryConfiguration   Category = "CONFIGURATION"
)

// Severity of a security event
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Level maps a severity to the slog level used when mirroring events
func (s Severity) Level() slog.Level {
	switch s {
	case SeverityWarning:
		return slog.LevelWarn
	case SeverityError, SeverityCritical:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Event is one security event. Events are never modified after creation.
type Event struct {
	EventID   string         `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"event_type"`
	Category  Category       `json:"category"`
	Severity  Severity       `json:"severity"`
	SessionID string         `json:"session_id,omitempty"`
	Details   map[string]any `json:"details"`
}

// eventID derives a 16-hex-char id from the event content and a sequence number
func eventID(e *Event, seq uint64) string {
	details, _ := json.Marshal(e.Details) //nolint:errcheck // maps of JSON values always marshal
	h := sha256.New()
	h.Write([]byte(strings.Join([]string{
		e.Type,
		string(e.Category),
		string(e.Severity),
		e.Timestamp.Format(time.RFC3339Nano),
		string(details),
		e.SessionID,
		strconv.FormatUint(seq, 10),
	}, "|")))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// clone returns a copy whose Details can be handed to callers
func (e Event) clone() Event {
	e.Details = cloneDetails(e.Details)
	return e
}

// cloneDetails copies details along with the maps and slices nested in it.
// Values of other reference types are shared, so callers must not mutate
// them after logging.
func cloneDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneDetails(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i := range t {
			out[i] = cloneDetails(t[i])
		}
		return out
	case map[string]string:
		return maps.Clone(t)
	case []string:
		return slices.Clone(t)
	case []int:
		return slices.Clone(t)
	case []float64:
		return slices.Clone(t)
	case []byte:
		return slices.Clone(t)
	}
	return v
}

// Filter narrows Recent and Search results. Zero fields match everything.
type Filter struct {
	Type      string
	Category  Category
	Severity  Severity
	SessionID string
	Limit     int
}

func (f Filter) match(e *Event) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	return true
}
