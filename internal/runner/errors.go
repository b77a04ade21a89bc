package runner

import "fmt"

// FailureKind classifies why a review run failed.
type FailureKind string

const (
	FailSpawn         FailureKind = "spawn-failed"
	FailExitNonZero   FailureKind = "process-exit-nonzero"
	FailTimedOut      FailureKind = "timed-out"
	FailCancelled     FailureKind = "cancelled"
	FailResourceLimit FailureKind = "resource-limit-exceeded"
)

// RunError is a classified failure from a review run.
type RunError struct {
	Kind FailureKind
	Msg  string
	Err  error
}

func (e *RunError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return string(e.Kind)
}

func (e *RunError) Unwrap() error { return e.Err }

func runErrorf(kind FailureKind, err error, format string, args ...any) *RunError {
	return &RunError{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}
