package factory

import (
	"context"
	"os"
	"os/exec"
	"sync"

	"github.com/daemonless/dbuild/internal/cleanup"
	"github.com/daemonless/dbuild/internal/cmdutil"
	"github.com/daemonless/dbuild/internal/config"
	"github.com/daemonless/dbuild/internal/directive"
	"github.com/daemonless/dbuild/internal/git"
	"github.com/daemonless/dbuild/internal/iostreams"
	"github.com/daemonless/dbuild/internal/logger"
	"github.com/daemonless/dbuild/internal/runtime"
	"github.com/daemonless/dbuild/internal/runtime/compose"
	"github.com/daemonless/dbuild/internal/runtime/docker"
)

// New creates a fully-wired Factory with lazy-initialized dependency closures.
// Called exactly once at the CLI entry point (internal/dbuild/main.go).
// Tests should NOT import this package; construct &cmdutil.Factory{} directly.
func New(version, buildDate string) *cmdutil.Factory {
	ios := iostreams.NewIOStreams()
	if !ios.IsOutputTTY() || os.Getenv("NO_COLOR") != "" {
		ios.SetColorEnabled(false)
	}

	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}

	f := &cmdutil.Factory{
		WorkDir:   wd,
		Version:   version,
		BuildDate: buildDate,
		IOStreams: ios,
		Cleanup:   cleanup.NewRegistry(),
	}

	openRepo := func() (*git.GitManager, error) {
		return git.NewGitManager(f.WorkDir)
	}

	// Config
	var (
		configOnce sync.Once
		configData *config.Config
		configErr  error
	)
	f.Config = func() (*config.Config, error) {
		configOnce.Do(func() {
			loader := config.NewLoader(f.WorkDir, config.WithRemoteURL(func() (string, error) {
				repo, err := openRepo()
				if err != nil {
					return "", err
				}
				return repo.OriginURL()
			}))
			configData, configErr = loader.Load()
		})
		return configData, configErr
	}

	// Compose command
	f.ComposeCommand = func() ([]string, error) {
		cli, err := composeCLI(f)
		if err != nil {
			return nil, err
		}
		return cli.Command(), nil
	}

	// Runtime
	var (
		runtimeOnce sync.Once
		workloads   *docker.Runtime
		rt          runtime.Runtime
		runtimeErr  error
	)
	f.Runtime = func(ctx context.Context) (runtime.Runtime, error) {
		runtimeOnce.Do(func() {
			workloads, runtimeErr = docker.New()
			if runtimeErr != nil {
				return
			}
			rt = runtime.Composite{
				Workloads: workloads,
				Stacks:    newStacks(f),
				Images:    workloads,
			}
		})
		return rt, runtimeErr
	}
	f.CloseRuntime = func() {
		if workloads != nil {
			if err := workloads.Close(); err != nil {
				logger.Debug().Err(err).Msg("closing runtime client")
			}
		}
	}

	// CI backend
	var (
		ciOnce    sync.Once
		ciBackend directive.Backend
	)
	f.CI = func() directive.Backend {
		ciOnce.Do(func() {
			ciBackend = directive.Detect(os.Getenv, func() (directive.MessageSource, error) {
				return openRepo()
			})
			logger.Debug().Str("ci", ciBackend.Name()).Bool("pr", ciBackend.IsPR()).Msg("ci backend")
		})
		return ciBackend
	}

	return f
}

// composeCLI resolves the compose command: project config, then
// DBUILD_COMPOSE, then whatever is on PATH.
func composeCLI(f *cmdutil.Factory) (*compose.CLI, error) {
	override := os.Getenv("DBUILD_COMPOSE")
	if cfg, err := f.Config(); err == nil && cfg.ComposeCommand != "" {
		override = cfg.ComposeCommand
	}
	command, err := compose.Detect(override, exec.LookPath)
	if err != nil {
		return nil, err
	}
	return compose.New(command, compose.ExecRunner)
}

func newStacks(f *cmdutil.Factory) runtime.Stacks {
	cli, err := composeCLI(f)
	if err != nil {
		return runtime.UnavailableStacks(err)
	}
	logger.Debug().Strs("compose", cli.Command()).Msg("compose command")
	return cli
}
