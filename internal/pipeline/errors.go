package pipeline

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindArtifactLoad  Kind = "artifact_load"
	KindInputDecode   Kind = "input_decode"
	KindInference     Kind = "inference"
	KindLabelMismatch Kind = "label_mismatch"
)

// Error is a pipeline failure. A low-confidence verdict is never an Error.
type Error struct {
	Kind  Kind
	Op    string
	Cause error
}

// Sentinels for errors.Is; an *Error matches the sentinel of its Kind.
var (
	ErrArtifactLoad  = &Error{Kind: KindArtifactLoad}
	ErrInputDecode   = &Error{Kind: KindInputDecode}
	ErrInference     = &Error{Kind: KindInference}
	ErrLabelMismatch = &Error{Kind: KindLabelMismatch}
)

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Cause == nil:
		return string(e.Kind)
	case e.Cause == nil:
		return fmt.Sprintf("[%s:%s]", e.Kind, e.Op)
	}
	return fmt.Sprintf("[%s:%s] %v", e.Kind, e.Op, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Cause != nil {
		return false
	}
	return t.Kind == e.Kind
}

func wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Cause: err}
}

func newError(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Cause: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in the chain, or "" when err
// is not a pipeline error.
func KindOf(err error) Kind {
	var target *Error
	if errors.As(err, &target) {
		return target.Kind
	}
	return ""
}
