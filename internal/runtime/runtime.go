// Package runtime defines the workload runtime the integration test engine
// drives. Implementations live in subpackages; the engine only sees these
// interfaces so it can run against an in-memory fake.
package runtime

import (
	"context"
	"strings"
)

// StartOptions configures a detached standalone workload.
type StartOptions struct {
	Name        string
	Labels      map[string]string
	Annotations map[string]string
}

// Workloads manages single detached workload instances.
type Workloads interface {
	// Start launches image detached and returns the workload ID.
	Start(ctx context.Context, image string, opts StartOptions) (string, error)
	IsRunning(ctx context.Context, name string) (bool, error)
	// Logs returns combined stdout/stderr, limited to the last tail lines
	// when tail > 0.
	Logs(ctx context.Context, name string, tail int) (string, error)
	// Exec runs cmd inside the workload and returns its exit code.
	Exec(ctx context.Context, name string, cmd []string) (int, error)
	// Address returns the workload's IP address on its network.
	Address(ctx context.Context, name string) (string, error)
	Stop(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
}

// Stacks manages multi-service stacks described by a compose file.
type Stacks interface {
	ComposeStart(ctx context.Context, file string) error
	ComposeLogs(ctx context.Context, file string, tail int) (string, error)
	ComposeStop(ctx context.Context, file string) error
}

// Images reads and tags built images.
type Images interface {
	ImageLabels(ctx context.Context, ref string) (map[string]string, error)
	TagImage(ctx context.Context, source, target string) error
}

// Runtime is everything the engine needs from the environment.
type Runtime interface {
	Workloads
	Stacks
	Images
}

// Composite assembles a Runtime from independent implementations.
type Composite struct {
	Workloads
	Stacks
	Images
}

var _ Runtime = Composite{}

// Pinger is implemented by runtimes that can check daemon reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks the workload runtime when it supports it.
func (c Composite) Ping(ctx context.Context) error {
	if p, ok := c.Workloads.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// UnavailableStacks returns Stacks whose every operation fails with err,
// for hosts without a compose command.
func UnavailableStacks(err error) Stacks {
	return unavailableStacks{err: err}
}

type unavailableStacks struct{ err error }

func (u unavailableStacks) ComposeStart(context.Context, string) error { return u.err }

func (u unavailableStacks) ComposeLogs(context.Context, string, int) (string, error) {
	return "", u.err
}

func (u unavailableStacks) ComposeStop(context.Context, string) error { return u.err }

// TailLines returns the last n non-empty lines of output.
func TailLines(output string, n int) []string {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	var out []string
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}
