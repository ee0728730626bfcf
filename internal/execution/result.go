// Package execution drives bounded, session-scoped evaluation and shapes the
// results for display.
package execution

import (
	"errors"
	"fmt"

	"github.com/ashureev/shsh-eval/internal/domain"
	"github.com/ashureev/shsh-eval/internal/engine"
)

// ErrorKind classifies an evaluation failure.
type ErrorKind string

const (
	// KindUnsupported means the code cannot be evaluated in the current mode.
	KindUnsupported ErrorKind = "unsupported"
	// KindTimeExceeded means the evaluation ran past its time bound.
	KindTimeExceeded ErrorKind = "time_exceeded"
	// KindEngine means the engine itself failed (unavailable, crashed).
	KindEngine ErrorKind = "engine"
)

// Error is a failed evaluation. It never carries partial results.
type Error struct {
	Kind  ErrorKind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is match the engine sentinels by kind.
func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindUnsupported:
		return target == engine.ErrUnsupported
	case KindTimeExceeded:
		return target == engine.ErrTimeExceeded
	}
	return false
}

// classify maps an engine error onto an ErrorKind.
func classify(err error) *Error {
	switch {
	case errors.Is(err, engine.ErrTimeExceeded):
		return &Error{Kind: KindTimeExceeded, Cause: err}
	case errors.Is(err, engine.ErrUnsupported):
		return &Error{Kind: KindUnsupported, Cause: err}
	default:
		return &Error{Kind: KindEngine, Cause: err}
	}
}

// Result is either a list of units or an error, never both.
type Result struct {
	Units []domain.EvaluationUnit
	Err   *Error
}

// OK reports whether the evaluation succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}

func failed(err *Error) Result {
	return Result{Err: err}
}
