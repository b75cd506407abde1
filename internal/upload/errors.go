package upload

import (
	"errors"
	"fmt"
)

// ErrFileSecurity is wrapped by every upload rejection
var ErrFileSecurity = errors.New("file security violation")

// Stage names the pipeline step that rejected a file
type Stage string

const (
	StageFilename    Stage = "filename"
	StageDecode      Stage = "decode"
	StageSize        Stage = "size"
	StageSandbox     Stage = "sandbox"
	StageContentType Stage = "content_type"
	StageScan        Stage = "scan"
	StageIntegrity   Stage = "integrity"
	StageStore       Stage = "store"
)

// Error describes a rejected or quarantined upload
type Error struct {
	Stage   Stage
	Message string
	Record  *Record // set when the file was quarantined
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrFileSecurity, e.Err}
	}
	return []error{ErrFileSecurity}
}

func reject(stage Stage, err error, format string, args ...any) *Error {
	return &Error{Stage: stage, Message: fmt.Sprintf(format, args...), Err: err}
}
