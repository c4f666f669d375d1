package cmdutil

import (
	"context"

	"github.com/daemonless/dbuild/internal/cleanup"
	"github.com/daemonless/dbuild/internal/config"
	"github.com/daemonless/dbuild/internal/directive"
	"github.com/daemonless/dbuild/internal/iostreams"
	"github.com/daemonless/dbuild/internal/runtime"
)

// Factory provides shared dependencies for CLI commands.
// It is a dependency injection container: the struct defines what
// dependencies exist, while internal/cmd/factory wires the real
// implementations.
//
// Closure fields are set by the factory constructor and use lazy
// initialization internally. Commands extract only the fields they
// need into per-command Options structs.
type Factory struct {
	// Configuration from flags (set before command execution)
	WorkDir string
	Debug   bool

	// Version info (set at build time via ldflags)
	Version   string
	BuildDate string

	IOStreams *iostreams.IOStreams

	// Cleanup is the process-wide registry drained on SIGINT/SIGTERM.
	Cleanup *cleanup.Registry

	Config func() (*config.Config, error)

	Runtime      func(context.Context) (runtime.Runtime, error)
	CloseRuntime func()

	// ComposeCommand resolves the compose CLI, empty when none is installed.
	ComposeCommand func() ([]string, error)

	// CI returns the detected CI backend.
	CI func() directive.Backend
}
