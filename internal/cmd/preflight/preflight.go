// Package preflight implements the "dbuild preflight" command.
package preflight

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/daemonless/dbuild/internal/cmdutil"
	"github.com/daemonless/dbuild/internal/config"
	"github.com/daemonless/dbuild/internal/iostreams"
	"github.com/daemonless/dbuild/internal/logger"
	"github.com/daemonless/dbuild/internal/runtime"
	"github.com/daemonless/dbuild/internal/screenshot"
)

const pingTimeout = 10 * time.Second

// PreflightOptions holds options for the preflight command.
type PreflightOptions struct {
	IOStreams      *iostreams.IOStreams
	Config         func() (*config.Config, error)
	Runtime        func(context.Context) (runtime.Runtime, error)
	ComposeCommand func() ([]string, error)
	LocateBrowser  func(explicit string) (string, bool)
}

// NewCmdPreflight creates the preflight command.
func NewCmdPreflight(f *cmdutil.Factory, runF func(context.Context, *PreflightOptions) error) *cobra.Command {
	opts := &PreflightOptions{
		IOStreams:      f.IOStreams,
		Config:         f.Config,
		Runtime:        f.Runtime,
		ComposeCommand: f.ComposeCommand,
		LocateBrowser:  screenshot.LocateBrowser,
	}

	cmd := &cobra.Command{
		Use:   "preflight",
		Short: "Check that the host can run container integration tests",
		Long: `Reports whether the container runtime answers, a compose command is
installed, a headless browser is available for screenshot mode and which
variants have a screenshot baseline.

Exits 1 when the container runtime is unreachable. Missing optional tools
are reported as warnings; the test command downgrades the mode instead.`,
		Args: cmdutil.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if runF != nil {
				return runF(cmd.Context(), opts)
			}
			return preflightRun(cmd.Context(), opts)
		},
	}

	return cmd
}

func preflightRun(ctx context.Context, opts *PreflightOptions) error {
	ios := opts.IOStreams
	cs := ios.ColorScheme()

	ok := func(format string, a ...any) {
		fmt.Fprintf(ios.Out, "%s %s\n", cs.SuccessIcon(), fmt.Sprintf(format, a...))
	}
	warn := func(format string, a ...any) {
		fmt.Fprintf(ios.Out, "%s %s\n", cs.WarningIcon(), fmt.Sprintf(format, a...))
	}
	fail := func(format string, a ...any) {
		fmt.Fprintf(ios.Out, "%s %s\n", cs.FailureIcon(), fmt.Sprintf(format, a...))
	}

	cfg, err := opts.Config()
	if err != nil {
		fail("configuration: %s", err)
		return cmdutil.SilentError
	}
	ok("image %s", cs.Bold(cfg.FullImage()))

	healthy := true
	if err := pingRuntime(ctx, opts); err != nil {
		logger.Debug().Err(err).Msg("runtime ping")
		fail("container runtime: %s", err)
		healthy = false
	} else {
		ok("container runtime reachable")
	}

	if opts.ComposeCommand != nil {
		if argv, err := opts.ComposeCommand(); err != nil || len(argv) == 0 {
			warn("compose: not available (stack mode will fail)")
		} else {
			ok("compose: %s", strings.Join(argv, " "))
		}
	}

	if path, found := opts.LocateBrowser(cfg.Screenshot.Browser); found {
		ok("browser: %s", path)
	} else {
		warn("browser: not found (screenshot mode downgrades to health)")
	}

	for _, v := range cfg.Build.Variants {
		if baseline, found := config.FindBaseline(cfg.Dir, v.Tag); found {
			ok("baseline :%s %s", v.Tag, cs.Muted(baseline))
		} else {
			warn("baseline :%s none", v.Tag)
		}
	}

	if cfg.Test == nil {
		warn("no cit: section, dbuild test will skip")
	} else if cfg.Test.Compose {
		if file, found := config.FindComposeFile(cfg.Dir); found {
			ok("compose file %s", cs.Muted(file))
		} else {
			fail("cit.compose is set but .daemonless/compose.yaml is missing")
			healthy = false
		}
	}

	if !healthy {
		return &cmdutil.ExitError{Code: 1}
	}
	return nil
}

func pingRuntime(ctx context.Context, opts *PreflightOptions) error {
	rt, err := opts.Runtime(ctx)
	if err != nil {
		return err
	}
	p, isPinger := rt.(runtime.Pinger)
	if !isPinger {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return p.Ping(ctx)
}
