package testwire

import (
	"errors"
	"fmt"
)

// RuntimeError is an operational failure of the orchestrator itself, as
// opposed to a suite reporting failing tests. Bad configuration, a missing
// manifest or a runner that cannot be built all land here. The process exits
// with code 2 for these.
type RuntimeError struct {
	Err error
}

func NewRuntimeError(err error) *RuntimeError {
	return &RuntimeError{Err: err}
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error: %v", e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// IsRuntimeError reports whether err is or wraps a RuntimeError.
func IsRuntimeError(err error) bool {
	var runtimeErr *RuntimeError
	return err != nil && errors.As(err, &runtimeErr)
}

// TestFailureError signals that the run completed but one or more suites
// failed. The process exits with code 1, carrying the run summary as the
// message.
type TestFailureError struct {
	Summary string
}

func NewTestFailureError(summary string) *TestFailureError {
	return &TestFailureError{Summary: summary}
}

func (e *TestFailureError) Error() string {
	return fmt.Sprintf("test failure: %s", e.Summary)
}

// IsTestFailureError reports whether err is or wraps a TestFailureError.
func IsTestFailureError(err error) bool {
	var failErr *TestFailureError
	return err != nil && errors.As(err, &failErr)
}
