package executor

import (
	"errors"
	"fmt"
)

// Kind classifies executor failures
type Kind int

const (
	KindPolicy Kind = iota + 1
	KindSpawn
	KindTimeout
	KindCanceled
	KindOutputTooLarge
)

func (k Kind) String() string {
	switch k {
	case KindPolicy:
		return "policy"
	case KindSpawn:
		return "spawn"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	case KindOutputTooLarge:
		return "output_too_large"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is returned when the executor refuses, cannot start, or has to stop a process
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ExitError is returned when the interpreter exits non-zero
type ExitError struct {
	ExitCode int
	Stderr   []byte
	Err      error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("process exited with code %d", e.ExitCode)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an *Error of the given kind
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
