// Package dbuild is the CLI entry point.
package dbuild

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/daemonless/dbuild/internal/build"
	"github.com/daemonless/dbuild/internal/cmd/factory"
	"github.com/daemonless/dbuild/internal/cmd/root"
	"github.com/daemonless/dbuild/internal/cmdutil"
	"github.com/daemonless/dbuild/internal/logger"
	"github.com/daemonless/dbuild/internal/signals"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

// Main runs dbuild and returns the process exit status.
func Main() int {
	defer func() { _ = logger.CloseFileWriter() }()

	f := factory.New(build.Version, build.Date)
	defer f.CloseRuntime()

	ctx, cancel := signals.SetupSignalContext(context.Background())
	defer cancel()

	return run(ctx, f, os.Args[1:])
}

func run(ctx context.Context, f *cmdutil.Factory, args []string) int {
	rootCmd := root.NewCmdRoot(f, f.Version, f.BuildDate)
	rootCmd.SetArgs(args)
	rootCmd.SetIn(f.IOStreams.In)
	rootCmd.SetOut(f.IOStreams.Out)
	rootCmd.SetErr(f.IOStreams.ErrOut)

	cmd, err := rootCmd.ExecuteContextC(ctx)
	if err == nil {
		return exitOK
	}

	stderr := f.IOStreams.ErrOut
	var (
		exitErr *cmdutil.ExitError
		flagErr *cmdutil.FlagError
	)
	switch {
	case errors.As(err, &exitErr):
		return exitErr.Code
	case errors.Is(err, cmdutil.SilentError):
		return exitError
	case errors.As(err, &flagErr):
		fmt.Fprintf(stderr, "Error: %s\n", err)
		fmt.Fprintln(stderr, root.UsageHint(cmd))
		return exitUsage
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return signals.InterruptedExitCode
	default:
		fmt.Fprintf(stderr, "Error: %s\n", err)
		return exitError
	}
}
