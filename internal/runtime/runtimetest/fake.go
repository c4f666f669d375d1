// Package runtimetest provides an in-memory runtime.Runtime for exercising
// the integration test engine without a container daemon.
package runtimetest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/daemonless/dbuild/internal/runtime"
)

// Runtime is a function-field fake. A nil Fn panics when called so
// unexpected calls fail loudly.
type Runtime struct {
	mu sync.Mutex

	// Calls records "Method:arg" entries in call order.
	Calls []string

	StartFn        func(ctx context.Context, image string, opts runtime.StartOptions) (string, error)
	IsRunningFn    func(ctx context.Context, name string) (bool, error)
	LogsFn         func(ctx context.Context, name string, tail int) (string, error)
	ExecFn         func(ctx context.Context, name string, cmd []string) (int, error)
	AddressFn      func(ctx context.Context, name string) (string, error)
	StopFn         func(ctx context.Context, name string) error
	RemoveFn       func(ctx context.Context, name string) error
	ComposeStartFn func(ctx context.Context, file string) error
	ComposeLogsFn  func(ctx context.Context, file string, tail int) (string, error)
	ComposeStopFn  func(ctx context.Context, file string) error
	ImageLabelsFn  func(ctx context.Context, ref string) (map[string]string, error)
	TagImageFn     func(ctx context.Context, source, target string) error
}

var _ runtime.Runtime = (*Runtime)(nil)

func (f *Runtime) record(method, arg string) {
	f.mu.Lock()
	f.Calls = append(f.Calls, method+":"+arg)
	f.mu.Unlock()
}

// Called returns a copy of the recorded calls.
func (f *Runtime) Called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Calls))
	copy(out, f.Calls)
	return out
}

// Count returns how many times method was called.
func (f *Runtime) Count(method string) int {
	n := 0
	for _, c := range f.Called() {
		if strings.HasPrefix(c, method+":") {
			n++
		}
	}
	return n
}

func notImplemented(method string) {
	panic(fmt.Sprintf("not implemented: %s (set %sFn on runtimetest.Runtime)", method, method))
}

func (f *Runtime) Start(ctx context.Context, image string, opts runtime.StartOptions) (string, error) {
	if f.StartFn == nil {
		notImplemented("Start")
	}
	f.record("Start", image)
	return f.StartFn(ctx, image, opts)
}

func (f *Runtime) IsRunning(ctx context.Context, name string) (bool, error) {
	if f.IsRunningFn == nil {
		notImplemented("IsRunning")
	}
	f.record("IsRunning", name)
	return f.IsRunningFn(ctx, name)
}

func (f *Runtime) Logs(ctx context.Context, name string, tail int) (string, error) {
	if f.LogsFn == nil {
		notImplemented("Logs")
	}
	f.record("Logs", name)
	return f.LogsFn(ctx, name, tail)
}

func (f *Runtime) Exec(ctx context.Context, name string, cmd []string) (int, error) {
	if f.ExecFn == nil {
		notImplemented("Exec")
	}
	f.record("Exec", name)
	return f.ExecFn(ctx, name, cmd)
}

func (f *Runtime) Address(ctx context.Context, name string) (string, error) {
	if f.AddressFn == nil {
		notImplemented("Address")
	}
	f.record("Address", name)
	return f.AddressFn(ctx, name)
}

func (f *Runtime) Stop(ctx context.Context, name string) error {
	if f.StopFn == nil {
		notImplemented("Stop")
	}
	f.record("Stop", name)
	return f.StopFn(ctx, name)
}

func (f *Runtime) Remove(ctx context.Context, name string) error {
	if f.RemoveFn == nil {
		notImplemented("Remove")
	}
	f.record("Remove", name)
	return f.RemoveFn(ctx, name)
}

func (f *Runtime) ComposeStart(ctx context.Context, file string) error {
	if f.ComposeStartFn == nil {
		notImplemented("ComposeStart")
	}
	f.record("ComposeStart", file)
	return f.ComposeStartFn(ctx, file)
}

func (f *Runtime) ComposeLogs(ctx context.Context, file string, tail int) (string, error) {
	if f.ComposeLogsFn == nil {
		notImplemented("ComposeLogs")
	}
	f.record("ComposeLogs", file)
	return f.ComposeLogsFn(ctx, file, tail)
}

func (f *Runtime) ComposeStop(ctx context.Context, file string) error {
	if f.ComposeStopFn == nil {
		notImplemented("ComposeStop")
	}
	f.record("ComposeStop", file)
	return f.ComposeStopFn(ctx, file)
}

func (f *Runtime) ImageLabels(ctx context.Context, ref string) (map[string]string, error) {
	if f.ImageLabelsFn == nil {
		notImplemented("ImageLabels")
	}
	f.record("ImageLabels", ref)
	return f.ImageLabelsFn(ctx, ref)
}

func (f *Runtime) TagImage(ctx context.Context, source, target string) error {
	if f.TagImageFn == nil {
		notImplemented("TagImage")
	}
	f.record("TagImage", source+"->"+target)
	return f.TagImageFn(ctx, source, target)
}

// NewHealthy returns a fake whose workloads and stacks start, stay running,
// accept exec and resolve to addr. Logs return logs; images carry labels.
func NewHealthy(addr, logs string, labels map[string]string) *Runtime {
	f := &Runtime{}
	f.StartFn = func(_ context.Context, _ string, opts runtime.StartOptions) (string, error) {
		return "id-" + opts.Name, nil
	}
	f.IsRunningFn = func(context.Context, string) (bool, error) { return true, nil }
	f.LogsFn = func(context.Context, string, int) (string, error) { return logs, nil }
	f.ExecFn = func(context.Context, string, []string) (int, error) { return 0, nil }
	f.AddressFn = func(context.Context, string) (string, error) { return addr, nil }
	f.StopFn = func(context.Context, string) error { return nil }
	f.RemoveFn = func(context.Context, string) error { return nil }
	f.ComposeStartFn = func(context.Context, string) error { return nil }
	f.ComposeLogsFn = func(context.Context, string, int) (string, error) { return logs, nil }
	f.ComposeStopFn = func(context.Context, string) error { return nil }
	f.ImageLabelsFn = func(context.Context, string) (map[string]string, error) {
		out := make(map[string]string, len(labels))
		for k, v := range labels {
			out[k] = v
		}
		return out, nil
	}
	f.TagImageFn = func(context.Context, string, string) error { return nil }
	return f
}
