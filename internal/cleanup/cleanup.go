// Package cleanup tracks resources that are owed a teardown so that both the
// normal completion path and an asynchronous termination handler can release
// them exactly once.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/daemonless/dbuild/internal/logger"
)

// Kind identifies what a Target tears down.
type Kind string

const (
	KindWorkload Kind = "workload"
	KindStack    Kind = "stack"
)

// TeardownFunc releases the resource behind a Target.
type TeardownFunc func(ctx context.Context) error

// Target is a handle to exactly one external resource. It holds enough to
// destroy the resource but never to create one.
type Target struct {
	Kind Kind
	Name string

	teardown TeardownFunc
	once     sync.Once
	err      error
}

// NewTarget returns a Target that runs teardown on its first Destroy.
func NewTarget(kind Kind, name string, teardown TeardownFunc) *Target {
	return &Target{Kind: kind, Name: name, teardown: teardown}
}

// Destroy runs the teardown the first time it is called and returns its
// error. Every later call is a no-op returning nil. Concurrent callers block
// until the first teardown finishes.
func (t *Target) Destroy(ctx context.Context) error {
	first := false
	t.once.Do(func() {
		first = true
		t.err = t.run(ctx)
	})
	if !first {
		return nil
	}
	return t.err
}

func (t *Target) run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("teardown of %s %s panicked: %v", t.Kind, t.Name, r)
		}
	}()
	if t.teardown == nil {
		return nil
	}
	return t.teardown(ctx)
}

func (t *Target) String() string {
	return string(t.Kind) + "/" + t.Name
}

// Registry is an ordered, mutex-guarded list of pending targets. It is
// passed down the call chain and shared with the termination handler.
type Registry struct {
	mu      sync.Mutex
	targets []*Target
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends t to the pending list.
func (r *Registry) Register(t *Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = append(r.targets, t)
}

// Deregister removes t by identity. Unknown targets are ignored.
func (r *Registry) Deregister(t *Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.targets {
		if cur == t {
			r.targets = append(r.targets[:i], r.targets[i+1:]...)
			return
		}
	}
}

// Len returns the number of pending targets.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.targets)
}

// Pending returns a snapshot of the pending targets in registration order.
func (r *Registry) Pending() []*Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Target, len(r.targets))
	copy(out, r.targets)
	return out
}

// Drain empties the registry and attempts teardown of every target that was
// pending. A failing teardown never stops the rest; all failures are
// returned joined.
func (r *Registry) Drain(ctx context.Context) error {
	r.mu.Lock()
	pending := r.targets
	r.targets = nil
	r.mu.Unlock()

	var errs []error
	for _, t := range pending {
		logger.Info().Str("target", t.String()).Msg("emergency cleanup")
		if err := t.Destroy(ctx); err != nil {
			logger.Warn().Err(err).Str("target", t.String()).Msg("cleanup failed")
			errs = append(errs, fmt.Errorf("cleanup %s: %w", t, err))
		}
	}
	return errors.Join(errs...)
}
