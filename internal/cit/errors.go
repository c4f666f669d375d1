package cit

import (
	"errors"
	"fmt"
	"strings"
)

// Failure kinds. A run that ends on one of these reports result=fail,
// except ErrReadyTimeout and ErrCleanup which are only logged.
var (
	ErrStartup           = errors.New("workload failed to start")
	ErrShell             = errors.New("shell check failed")
	ErrReadyTimeout      = errors.New("no ready signal observed")
	ErrAddress           = errors.New("could not resolve workload address")
	ErrPortTimeout       = errors.New("port check failed")
	ErrHealthTimeout     = errors.New("health check failed")
	ErrScreenshotCapture = errors.New("screenshot capture failed")
	ErrScreenshotVerify  = errors.New("screenshot verification failed")
	ErrCapabilityMissing = errors.New("screenshot capability missing")
	ErrCleanup           = errors.New("cleanup failed")
)

// Failure is a failed check together with the tail of the workload log
// captured for diagnosis.
type Failure struct {
	Kind error
	Err  error
	Logs []string
}

func newFailure(kind, err error, logs []string) *Failure {
	return &Failure{Kind: kind, Err: err, Logs: logs}
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (f *Failure) Unwrap() []error {
	if f.Err == nil {
		return []error{f.Kind}
	}
	return []error{f.Kind, f.Err}
}

// Detail renders the failure followed by its log tail, one line each.
func (f *Failure) Detail() string {
	if len(f.Logs) == 0 {
		return f.Error()
	}
	var b strings.Builder
	b.WriteString(f.Error())
	for _, l := range f.Logs {
		b.WriteString("\n  ")
		b.WriteString(l)
	}
	return b.String()
}
