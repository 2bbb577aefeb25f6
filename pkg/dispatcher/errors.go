package dispatcher

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

var (
	// ErrUnsupportedRuntime rejects registrations for a runtime that was never initialized
	ErrUnsupportedRuntime = errors.New("unsupported runtime")
	// ErrShutdown rejects registrations after Shutdown
	ErrShutdown = errors.New("dispatcher is shut down")
)

// RuntimeFailedError is the terminal error of a runtime that exhausted its restarts,
// errors.Is and errors.As reach every recorded cause
type RuntimeFailedError struct {
	Runtime string
	Causes  []error
}

func newRuntimeFailedError(runtime string, causes []error) *RuntimeFailedError {
	return &RuntimeFailedError{
		Runtime: runtime,
		Causes:  multierr.Errors(multierr.Combine(causes...)),
	}
}

func (e *RuntimeFailedError) Error() string {
	msg := "failed to start language worker for: " + e.Runtime
	if len(e.Causes) == 0 {
		return msg
	}
	return fmt.Sprintf("%s: %v", msg, multierr.Combine(e.Causes...))
}

func (e *RuntimeFailedError) Unwrap() []error {
	return e.Causes
}
