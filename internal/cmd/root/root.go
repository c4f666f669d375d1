package root

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	preflightcmd "github.com/daemonless/dbuild/internal/cmd/preflight"
	testcmd "github.com/daemonless/dbuild/internal/cmd/test"
	versioncmd "github.com/daemonless/dbuild/internal/cmd/version"
	"github.com/daemonless/dbuild/internal/cmdutil"
	"github.com/daemonless/dbuild/internal/logger"
)

// NewCmdRoot creates the root command for the dbuild CLI.
func NewCmdRoot(f *cmdutil.Factory, version, buildDate string) *cobra.Command {
	var (
		workDir string
		logDir  string
	)

	cmd := &cobra.Command{
		Use:   "dbuild",
		Short: "Build and test daemonless container images",
		Long: `dbuild builds, tests and publishes daemonless container images.

Quick start:
  dbuild preflight    # Check runtime, compose and browser availability
  dbuild test         # Run container integration tests for every variant

Project configuration is read from .dbuild.yaml (or .daemonless/config.yaml).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if workDir != "" {
				abs, err := filepath.Abs(workDir)
				if err != nil {
					return cmdutil.FlagErrorf("invalid --workdir: %s", err)
				}
				f.WorkDir = abs
			}

			if err := logger.Init(logger.Options{Debug: f.Debug, FileDir: logDir}); err != nil {
				_ = logger.Init(logger.Options{Debug: f.Debug})
				logger.Warn().Err(err).Msg("file logging unavailable")
			}

			logger.Debug().
				Str("version", f.Version).
				Str("workdir", f.WorkDir).
				Bool("debug", f.Debug).
				Msg("dbuild starting")
			return nil
		},
		Version: version,
	}

	cmd.PersistentFlags().BoolVarP(&f.Debug, "debug", "D", false, "Enable debug logging")
	cmd.PersistentFlags().StringVarP(&workDir, "workdir", "C", "", "Run as if dbuild was started in `DIR`")
	cmd.PersistentFlags().StringVar(&logDir, "log-dir", os.Getenv("DBUILD_LOG_DIR"), "Also write a rotated JSON log to `DIR`")

	cmd.SetVersionTemplate(versioncmd.Format(version, buildDate))
	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return cmdutil.FlagErrorWrap(err)
	})

	cmd.AddCommand(testcmd.NewCmdTest(f, nil))
	cmd.AddCommand(preflightcmd.NewCmdPreflight(f, nil))
	cmd.AddCommand(versioncmd.NewCmdVersion(f, version, buildDate))

	return cmd
}

// UsageHint is printed after flag errors.
func UsageHint(cmd *cobra.Command) string {
	return fmt.Sprintf("Run '%s --help' for usage.", cmd.CommandPath())
}
