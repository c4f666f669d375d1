// Package test implements the "dbuild test" command.
package test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/daemonless/dbuild/internal/cit"
	"github.com/daemonless/dbuild/internal/cit/mode"
	"github.com/daemonless/dbuild/internal/cleanup"
	"github.com/daemonless/dbuild/internal/cmdutil"
	"github.com/daemonless/dbuild/internal/config"
	"github.com/daemonless/dbuild/internal/directive"
	"github.com/daemonless/dbuild/internal/iostreams"
	"github.com/daemonless/dbuild/internal/logger"
	"github.com/daemonless/dbuild/internal/runtime"
	"github.com/daemonless/dbuild/internal/screenshot"
	"github.com/daemonless/dbuild/internal/signals"
	"github.com/daemonless/dbuild/internal/visual"
)

// TestOptions holds options for the test command.
type TestOptions struct {
	IOStreams *iostreams.IOStreams
	Config    func() (*config.Config, error)
	Runtime   func(context.Context) (runtime.Runtime, error)
	CI        func() directive.Backend
	Cleanup   *cleanup.Registry

	// Tools builds the screenshot capturer, verifier and capability probe.
	Tools func(cfg *config.Config) (cit.Capturer, cit.ImageVerifier, mode.CapabilityCheck)
	// Timing overrides the check intervals; zero means production values.
	Timing cit.Timing
	// Exit terminates the process after an emergency cleanup.
	Exit func(code int)
	// OnTermination, when set, receives the termination handler once it is
	// listening.
	OnTermination func(*signals.TerminationHandler)

	Variant        string
	JSONOutput     string
	Mode           string
	Port           int
	Health         string
	Wait           int
	Compose        bool
	SaveScreenshot string
	IgnoreSkip     bool

	changed func(name string) bool
}

// NewCmdTest creates the test command.
func NewCmdTest(f *cmdutil.Factory, runF func(context.Context, *TestOptions) error) *cobra.Command {
	opts := &TestOptions{
		IOStreams: f.IOStreams,
		Config:    f.Config,
		Runtime:   f.Runtime,
		CI:        f.CI,
		Cleanup:   f.Cleanup,
		Tools:     DefaultTools,
		Exit:      exitProcess,
	}

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Run container integration tests against built images",
		Long: `Runs the container integration test (CIT) for every variant of the image.

Each variant's build image ({registry}/{image}:build-{tag}) is started and
checked up to its test mode. Modes are cumulative:

  shell       the container stays up and accepts exec
  port        the service port accepts TCP connections
  health      the health endpoint answers (502/503 mean not ready)
  screenshot  the web UI renders, is not blank and matches the baseline

Without a mode the highest mode the configuration supports is chosen, and
screenshot mode falls back when no headless browser is installed.

A "[skip test]" directive in the triggering commit message skips the run.`,
		Example: `  # Test every variant
  dbuild test

  # Test one variant and write the result artifact
  dbuild test --variant pkg --json cit-result.json

  # Force health mode on a given port
  dbuild test --mode health --port 8989 --health /ping`,
		Args: cmdutil.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.changed = cmd.Flags().Changed
			if opts.Mode != "" {
				if _, err := mode.Parse(opts.Mode); err != nil {
					return cmdutil.FlagErrorWrap(err)
				}
			}
			if opts.Port < 0 || opts.Port > 65535 {
				return cmdutil.FlagErrorf("invalid --port %d", opts.Port)
			}
			if opts.Wait < 0 {
				return cmdutil.FlagErrorf("invalid --wait %d", opts.Wait)
			}
			if runF != nil {
				return runF(cmd.Context(), opts)
			}
			return testRun(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Variant, "variant", "", "Test only the variant with this tag")
	cmd.Flags().StringVar(&opts.JSONOutput, "json", "", "Write the result artifact to `PATH`")
	cmd.Flags().StringVar(&opts.Mode, "mode", "", "Test mode: shell, port, health or screenshot (default: auto-detect)")
	cmd.Flags().IntVar(&opts.Port, "port", 0, "Service port (overrides config and image labels)")
	cmd.Flags().StringVar(&opts.Health, "health", "", "Health endpoint path (overrides config and image labels)")
	cmd.Flags().IntVar(&opts.Wait, "wait", 0, "Seconds to wait for readiness (default from config, 120)")
	cmd.Flags().BoolVar(&opts.Compose, "compose", false, "Run the compose stack in .daemonless/ instead of a single container")
	cmd.Flags().StringVar(&opts.SaveScreenshot, "save-screenshot", "", "Keep the captured screenshot at `PATH`")
	cmd.Flags().BoolVar(&opts.IgnoreSkip, "ignore-skip", false, "Ignore [skip test] commit directives")

	return cmd
}

func exitProcess(code int) {
	_ = logger.CloseFileWriter()
	os.Exit(code)
}

// DefaultTools wires the chromedp capturer and the built-in verifier.
func DefaultTools(cfg *config.Config) (cit.Capturer, cit.ImageVerifier, mode.CapabilityCheck) {
	verifier := visual.New(visual.Thresholds{
		Blank:       cfg.Verify.Blank,
		EdgeDensity: cfg.Verify.Edge,
		SSIM:        cfg.Verify.SSIM,
	})

	w, h, err := screenshot.ParseSize(cfg.Screenshot.Size)
	if err != nil {
		logger.Warn().Err(err).Str("size", cfg.Screenshot.Size).Msg("invalid screenshot size, using default")
		w, h, _ = screenshot.ParseSize(screenshot.DefaultSize)
	}
	capturer := screenshot.New(screenshot.Options{
		BrowserPath: cfg.Screenshot.Browser,
		Width:       w,
		Height:      h,
	})
	return capturer, verifier, mode.BrowserCapability(cfg.Screenshot.Browser)
}

// applyOverrides returns the test configuration with command-line flags
// applied. It returns nil when neither the config nor the flags ask for a
// test.
func (opts *TestOptions) applyOverrides(base *config.TestConfig) *config.TestConfig {
	changed := opts.changed
	if changed == nil {
		changed = func(string) bool { return false }
	}
	anyFlag := changed("mode") || changed("port") || changed("health") || changed("wait") || changed("compose")
	if base == nil && !anyFlag {
		return nil
	}

	var t config.TestConfig
	if base != nil {
		t = *base
	} else {
		t = config.DefaultTestConfig()
	}
	if changed("mode") {
		t.Mode = opts.Mode
	}
	if changed("port") {
		t.Port = opts.Port
	}
	if changed("health") {
		t.Health = opts.Health
	}
	if changed("wait") && opts.Wait > 0 {
		t.Wait = opts.Wait
	}
	if changed("compose") {
		t.Compose = opts.Compose
	}
	return &t
}

func testRun(ctx context.Context, opts *TestOptions) error {
	ios := opts.IOStreams
	cs := ios.ColorScheme()

	if !opts.IgnoreSkip && opts.CI != nil {
		backend := opts.CI()
		skip, err := directive.Skip(backend, "test")
		if err != nil {
			logger.Debug().Err(err).Str("ci", backend.Name()).Msg("reading commit message")
		}
		if skip {
			logger.Info().Str("ci", backend.Name()).Msg("skipping tests ([skip test] in commit message)")
			fmt.Fprintf(ios.ErrOut, "%s tests skipped by commit directive\n", cs.WarningIcon())
			return nil
		}
	}

	cfg, err := opts.Config()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	test := opts.applyOverrides(cfg.Test)
	if test == nil {
		logger.Warn().Msg("no test configuration found, skipping CIT")
		fmt.Fprintf(ios.ErrOut, "%s no cit: section in %s, nothing to test\n", cs.WarningIcon(), config.ConfigFileName)
		return nil
	}
	if err := test.Validate(); err != nil {
		return cmdutil.FlagErrorWrap(err)
	}

	variants := config.SelectVariants(cfg.Build.Variants, opts.Variant)
	if len(variants) == 0 {
		logger.Warn().Str("variant", opts.Variant).Msg("no variants matched")
		fmt.Fprintf(ios.ErrOut, "%s no variants matched %q\n", cs.WarningIcon(), opts.Variant)
		return nil
	}

	rt, err := opts.Runtime(ctx)
	if err != nil {
		return fmt.Errorf("connecting to container runtime: %w", err)
	}

	registry := opts.Cleanup
	if registry == nil {
		registry = cleanup.NewRegistry()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	handler := signals.NewTerminationHandler(func(sig os.Signal) {
		logger.Warn().Str("signal", sig.String()).Int("pending", registry.Len()).Msg("terminating, cleaning up")
		cancel()
		if err := registry.Drain(context.Background()); err != nil {
			logger.Error().Err(err).Msg("emergency cleanup")
		}
		opts.Exit(signals.InterruptedExitCode)
	})
	handler.Start()
	defer handler.Stop()
	if opts.OnTermination != nil {
		opts.OnTermination(handler)
	}

	capturer, verifier, capabilities := opts.Tools(cfg)
	runner := &cit.Runner{
		Runtime:      rt,
		Registry:     registry,
		Capturer:     capturer,
		Verifier:     verifier,
		Capabilities: capabilities,
		Log:          logger.Default(),
		Timing:       opts.Timing,
	}

	var composeFile string
	if test.Compose {
		composeFile, _ = config.FindComposeFile(cfg.Dir)
	}

	var results []*cit.Result
	var failed int
	for _, v := range variants {
		logger.SetVariant(v.Tag)
		baseline, _ := config.FindBaseline(cfg.Dir, v.Tag)

		res, runErr := runner.Run(ctx, cit.Options{
			Image:          cfg.BuildRef(v.Tag),
			Variant:        v.Tag,
			StackImage:     cfg.FullImage() + ":build",
			ComposeFile:    composeFile,
			Baseline:       baseline,
			Test:           *test,
			ResultPath:     opts.JSONOutput,
			SaveScreenshot: opts.SaveScreenshot,
		})
		results = append(results, res)
		if runErr != nil {
			failed++
		}
		if ctx.Err() != nil {
			break
		}
	}
	logger.SetVariant("")

	printSummary(ios, results)

	if ctx.Err() != nil {
		return &cmdutil.ExitError{Code: signals.InterruptedExitCode}
	}
	if failed > 0 {
		return &cmdutil.ExitError{Code: 1}
	}
	return nil
}

func printSummary(ios *iostreams.IOStreams, results []*cit.Result) {
	cs := ios.ColorScheme()
	passed := 0
	for _, r := range results {
		icon := cs.SuccessIcon()
		status := cs.Green("pass")
		if r.Passed() {
			passed++
		} else {
			icon = cs.FailureIcon()
			status = cs.Red("fail")
		}
		line := fmt.Sprintf("%s %s %s %s", icon, cs.Bold(r.Image), status, cs.Muted(checkLine(r)))
		if r.Elapsed > 0 {
			line += cs.Muted(" in " + units.HumanDuration(r.Elapsed))
		}
		fmt.Fprintln(ios.Out, line)
		var f *cit.Failure
		if errors.As(r.Err, &f) {
			fmt.Fprintf(ios.Out, "    %s\n", f.Error())
		}
	}
	if len(results) > 1 {
		fmt.Fprintln(ios.Out, cs.Boldf("%d/%d variant(s) passed", passed, len(results)))
	}
}

func checkLine(r *cit.Result) string {
	effective := r.Mode
	if effective == "" {
		effective = "-"
	}
	parts := []string{
		"mode=" + effective,
		"shell=" + string(r.Shell),
		"port=" + string(r.Port),
		"health=" + string(r.Health),
		"screenshot=" + string(r.Screenshot),
		"verify=" + string(r.Verify),
	}
	return "(" + strings.Join(parts, " ") + ")"
}
