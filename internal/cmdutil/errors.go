package cmdutil

import (
	"errors"
	"fmt"
)

// ExitError carries an exact exit status: 1 when a variant failed its
// integration test, 130 after a termination signal. Returning it instead
// of exiting lets deferred teardown run.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// FlagError reports unusable flags or an invalid cit: section. The entry
// point prints it with a "--help" hint and exits 2.
type FlagError struct {
	err error
}

func (e *FlagError) Error() string { return e.err.Error() }
func (e *FlagError) Unwrap() error { return e.err }

// FlagErrorf creates a FlagError with a formatted message.
func FlagErrorf(format string, args ...any) error {
	return &FlagError{err: fmt.Errorf(format, args...)}
}

// FlagErrorWrap wraps an existing error as a FlagError.
func FlagErrorWrap(err error) error {
	return &FlagError{err: err}
}

// SilentError means the command already printed the problem (preflight
// does this for configuration errors); the process exits 1 quietly.
var SilentError = errors.New("SilentError")
