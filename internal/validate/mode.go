package validate

import "fmt"

// Mode selects how failures of optional, defaulted fields are handled
type Mode int

const (
	// Lenient replaces an invalid optional field with its default
	Lenient Mode = iota
	// Strict rejects every validation failure
	Strict
)

// String implements fmt.Stringer
func (m Mode) String() string {
	switch m {
	case Strict:
		return "strict"
	case Lenient:
		return "lenient"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ModeFor maps the strict_mode configuration flag to a Mode
func ModeFor(strict bool) Mode {
	if strict {
		return Strict
	}
	return Lenient
}
