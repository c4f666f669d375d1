// Package cit runs container integration tests: it starts a built image (or
// a compose stack), climbs the check ladder up to the effective mode, and
// always tears the workload down afterwards.
package cit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/daemonless/dbuild/internal/cit/mode"
	"github.com/daemonless/dbuild/internal/cleanup"
	"github.com/daemonless/dbuild/internal/config"
	"github.com/daemonless/dbuild/internal/logger"
	"github.com/daemonless/dbuild/internal/runtime"
)

// Defaults applied after mode resolution when neither config nor labels
// name a port or health path.
const (
	DefaultPort   = 8080
	DefaultHealth = "/"
	// StackAddress is where compose stacks publish their ports.
	StackAddress = "127.0.0.1"
	// LabelRunID tags every workload started by a run.
	LabelRunID = "io.daemonless.cit.run"
)

var shellProbe = []string{"/bin/sh", "-c", "echo ok"}

// Capturer renders a URL into a PNG file.
type Capturer interface {
	Capture(ctx context.Context, url, outputPath string, pageLoadTimeout, minWait time.Duration) error
}

// ImageVerifier judges a captured screenshot, optionally against a baseline.
type ImageVerifier interface {
	Verify(imagePath, baselinePath string) (bool, string)
}

// Timing holds the fixed intervals of the check ladder.
type Timing struct {
	ShellGrace      time.Duration
	ReadyInterval   time.Duration
	ReadySettle     time.Duration
	PortInterval    time.Duration
	DialTimeout     time.Duration
	HealthInterval  time.Duration
	RequestTimeout  time.Duration
	TeardownTimeout time.Duration
}

// DefaultTiming returns the production intervals.
func DefaultTiming() Timing {
	return Timing{
		ShellGrace:      2 * time.Second,
		ReadyInterval:   3 * time.Second,
		ReadySettle:     2 * time.Second,
		PortInterval:    time.Second,
		DialTimeout:     2 * time.Second,
		HealthInterval:  2 * time.Second,
		RequestTimeout:  5 * time.Second,
		TeardownTimeout: time.Minute,
	}
}

// Options describe one run.
type Options struct {
	// Image is the build reference under test.
	Image string
	// Variant is the tag of the variant, used in log lines.
	Variant string
	// StackImage is the reference the compose file expects; Image is
	// tagged to it before the stack starts.
	StackImage string
	// ComposeFile is required when Test.Compose is set.
	ComposeFile string
	// Baseline is the reference screenshot, empty when there is none.
	Baseline string

	Test config.TestConfig

	// ResultPath receives the JSON artifact when set.
	ResultPath string
	// SaveScreenshot receives a copy of the captured frame when set.
	SaveScreenshot string
}

// Runner drives the lifecycle of a single test run.
type Runner struct {
	Runtime  runtime.Runtime
	Registry *cleanup.Registry
	// Capturer and Verifier may be nil; screenshot mode then fails with
	// ErrCapabilityMissing.
	Capturer     Capturer
	Verifier     ImageVerifier
	Capabilities mode.CapabilityCheck
	Log          logger.Logger
	Timing       Timing
	Now          func() time.Time
}

// settings are the merged inputs of a run.
type settings struct {
	port        int
	health      string
	annotations map[string]string
	stack       bool
	address     string
	res         mode.Resolution
}

// Run executes the check ladder. It always returns a Result; the error is
// the *Failure that ended the run, or nil when it passed. Teardown runs on
// every path, including context cancellation.
func (r *Runner) Run(ctx context.Context, opts Options) (res *Result, err error) {
	log := orDefault(r.Log)
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	start := now()
	res = NewResult(opts.Image, start)

	log.Info().Str("image", opts.Image).Str("variant", opts.Variant).Msgf("testing :%s", opts.Variant)

	s, err := r.prepare(ctx, opts)
	if err != nil {
		res.Err = err
		return res, err
	}
	res.Mode = s.res.Effective.String()
	log.Info().Str("mode", res.Mode).Bool("auto", s.res.AutoDetected).Msgf("mode: %s", res.Mode)

	name := workloadName(start)
	target := r.newTarget(s, opts, name)
	r.Registry.Register(target)

	defer func() {
		r.finish(ctx, opts, target, res, err)
		res.Elapsed = now().Sub(start)
		if res.Passed() {
			log.Info().Str("mode", res.Mode).Msgf("PASS :%s (%s) in %s", opts.Variant, res.Mode, units.HumanDuration(res.Elapsed))
		} else {
			log.Error().Str("mode", res.Mode).Msgf("FAIL :%s (%s)", opts.Variant, res.Mode)
		}
	}()

	err = r.ladder(ctx, opts, s, name, res)
	res.Err = err
	if err == nil {
		res.Result = StatusPass
	}
	return res, err
}

// prepare merges config, image labels and defaults, and resolves the mode.
func (r *Runner) prepare(ctx context.Context, opts Options) (settings, error) {
	log := orDefault(r.Log)
	test := opts.Test
	s := settings{stack: test.Compose}

	var labels runtime.Labels
	if s.stack {
		if opts.ComposeFile == "" {
			return s, newFailure(ErrStartup, errors.New("compose mode enabled but no compose file found"), nil)
		}
		if opts.StackImage != "" {
			if err := r.Runtime.TagImage(ctx, opts.Image, opts.StackImage); err != nil {
				return s, newFailure(ErrStartup, err, nil)
			}
		}
		log.Info().Str("compose_file", opts.ComposeFile).Msg("compose mode")
		s.address = StackAddress
	} else {
		raw, err := r.Runtime.ImageLabels(ctx, opts.Image)
		if err != nil {
			log.Warn().Err(err).Msg("reading image labels")
		}
		labels = runtime.ParseLabels(raw)
		if v := raw[ocispec.AnnotationVersion]; v != "" {
			log.Info().Str("version", v).Str("revision", raw[ocispec.AnnotationRevision]).Msg("image metadata")
		}
	}

	s.port = test.Port
	if s.port == 0 {
		s.port = labels.Port
	}
	s.health = test.Health
	if s.health == "" {
		s.health = labels.Health
	}
	s.annotations = map[string]string{}
	maps.Copy(s.annotations, labels.Annotations)
	maps.Copy(s.annotations, test.AnnotationMap())

	requested, err := test.ParsedMode()
	if err != nil {
		return s, err
	}
	s.res = mode.Resolve(requested, s.port, s.health, opts.Baseline != "", r.Capabilities, log)

	if s.res.Effective.Includes(mode.Port) && s.port == 0 {
		s.port = DefaultPort
	}
	if s.res.Effective.Includes(mode.Health) && s.health == "" {
		s.health = DefaultHealth
	}
	return s, nil
}

func (r *Runner) timing() Timing {
	if r.Timing == (Timing{}) {
		return DefaultTiming()
	}
	return r.Timing
}

func workloadName(t time.Time) string {
	return fmt.Sprintf("cit-%d-%s", t.Unix(), strings.SplitN(uuid.NewString(), "-", 2)[0])
}

// newTarget builds the cleanup handle for the resource the run will start.
func (r *Runner) newTarget(s settings, opts Options, name string) *cleanup.Target {
	rt := r.Runtime
	if s.stack {
		file := opts.ComposeFile
		return cleanup.NewTarget(cleanup.KindStack, file, func(ctx context.Context) error {
			return rt.ComposeStop(ctx, file)
		})
	}
	return cleanup.NewTarget(cleanup.KindWorkload, name, func(ctx context.Context) error {
		return errors.Join(rt.Stop(ctx, name), rt.Remove(ctx, name))
	})
}

// finish tears the workload down, writes the artifact and deregisters the
// target. It runs on a context detached from cancellation.
func (r *Runner) finish(ctx context.Context, opts Options, target *cleanup.Target, res *Result, runErr error) {
	log := orDefault(r.Log)
	timeout := r.timing().TeardownTimeout
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	log.Info().Str("target", target.String()).Msg("cleaning up")
	if err := target.Destroy(tctx); err != nil {
		log.Warn().Err(fmt.Errorf("%w: %w", ErrCleanup, err)).Str("target", target.String()).Msg("teardown failed")
	}

	if opts.ResultPath != "" {
		if err := WriteResult(tctx, opts.ResultPath, res); err != nil {
			log.Error().Err(err).Str("path", opts.ResultPath).Msg("writing result artifact")
		} else {
			log.Debug().Str("path", opts.ResultPath).Msg("result artifact written")
		}
	}

	r.Registry.Deregister(target)

	var f *Failure
	if errors.As(runErr, &f) {
		log.Error().Err(f).Msg(f.Kind.Error())
		for _, l := range f.Logs {
			log.Info().Msgf("  %s", l)
		}
	}
}

// ladder starts the workload and climbs the checks the effective mode
// includes. The first failing check ends it.
func (r *Runner) ladder(ctx context.Context, opts Options, s settings, name string, res *Result) error {
	log := orDefault(r.Log)
	test := opts.Test
	effective := s.res.Effective

	if s.stack {
		if err := r.Runtime.ComposeStart(ctx, opts.ComposeFile); err != nil {
			return newFailure(ErrStartup, err, r.diagnostics(ctx, s, opts, name, 20))
		}
		log.Info().Str("compose_file", opts.ComposeFile).Msg("stack started")
		if effective == mode.Shell {
			return nil
		}
	} else {
		id, err := r.Runtime.Start(ctx, opts.Image, runtime.StartOptions{
			Name:        name,
			Labels:      map[string]string{LabelRunID: name},
			Annotations: s.annotations,
		})
		if err != nil {
			return newFailure(ErrStartup, err, nil)
		}
		log.Info().Str("container", name).Str("id", id).Msg("started")

		if err := r.shellCheck(ctx, name); err != nil {
			res.Shell = StatusFail
			return err
		}
		res.Shell = StatusPass
		log.Info().Msg("shell check passed")
		if effective == mode.Shell {
			return nil
		}

		addr, err := r.Runtime.Address(ctx, name)
		if err != nil {
			return newFailure(ErrAddress, err, nil)
		}
		if addr == "" {
			return newFailure(ErrAddress, fmt.Errorf("%s has no network address", name), nil)
		}
		s.address = addr
		log.Info().Str("address", addr).Msg("workload address")

		// Ready is best effort: a timeout falls through to the port check.
		if effective.Includes(mode.Health) {
			pattern, err := regexp.Compile(test.ReadyPattern())
			if err != nil {
				return newFailure(ErrStartup, fmt.Errorf("ready pattern: %w", err), nil)
			}
			w := ReadyWaiter{Interval: r.timing().ReadyInterval, Settle: r.timing().ReadySettle, Log: log}
			if err := w.Wait(ctx, r.Runtime, name, pattern, test.WaitTimeout()); err != nil && !errors.Is(err, ErrReadyTimeout) {
				return err
			}
		}
	}

	pp := PortProbe{Interval: r.timing().PortInterval, DialTimeout: r.timing().DialTimeout, Log: log}
	if err := pp.Wait(ctx, s.address, s.port, test.WaitTimeout()); err != nil {
		res.Port = StatusFail
		return newFailure(ErrPortTimeout, err, r.diagnostics(ctx, s, opts, name, 10))
	}
	res.Port = StatusPass
	if effective == mode.Port {
		return nil
	}

	hp := HealthProbe{Interval: r.timing().HealthInterval, RequestTimeout: r.timing().RequestTimeout, Log: log}
	if err := hp.Wait(ctx, HealthURL(s.address, s.port, s.health, test.HTTPS), test.WaitTimeout()); err != nil {
		res.Health = StatusFail
		return newFailure(ErrHealthTimeout, err, r.diagnostics(ctx, s, opts, name, 10))
	}
	res.Health = StatusPass
	if effective == mode.Health {
		return nil
	}

	return r.screenshotCheck(ctx, opts, s, res)
}

func (r *Runner) shellCheck(ctx context.Context, name string) error {
	if err := sleepCtx(ctx, r.timing().ShellGrace); err != nil {
		return err
	}
	running, err := r.Runtime.IsRunning(ctx, name)
	if err != nil {
		return newFailure(ErrStartup, err, nil)
	}
	if !running {
		out, _ := r.Runtime.Logs(ctx, name, 0)
		return newFailure(ErrStartup, errors.New("workload exited immediately"), runtime.TailLines(out, 20))
	}
	code, err := r.Runtime.Exec(ctx, name, shellProbe)
	if err == nil && code != 0 {
		err = fmt.Errorf("exec exited with code %d", code)
	}
	if err != nil {
		out, _ := r.Runtime.Logs(context.WithoutCancel(ctx), name, 0)
		return newFailure(ErrShell, err, runtime.TailLines(out, 20))
	}
	return nil
}

func (r *Runner) screenshotCheck(ctx context.Context, opts Options, s settings, res *Result) error {
	log := orDefault(r.Log)
	if r.Capturer == nil || r.Verifier == nil {
		res.Screenshot = StatusFail
		return newFailure(ErrCapabilityMissing, errors.New("no screenshot capturer or verifier available"), nil)
	}

	tmp, err := os.CreateTemp("", "dbuild-screenshot-*.png")
	if err != nil {
		res.Screenshot = StatusFail
		return newFailure(ErrScreenshotCapture, err, nil)
	}
	frame := tmp.Name()
	_ = tmp.Close()
	defer func() { _ = os.Remove(frame) }()

	test := opts.Test
	url := HealthURL(s.address, s.port, test.ScreenshotPath, test.HTTPS)
	log.Info().Str("url", url).Msg("screenshot")

	if err := r.Capturer.Capture(ctx, url, frame, test.PageLoadTimeout, test.MinStabilityWait()); err != nil {
		res.Screenshot = StatusFail
		return newFailure(ErrScreenshotCapture, err, nil)
	}
	res.Screenshot = StatusPass

	keep := func() {
		if opts.SaveScreenshot == "" {
			return
		}
		if err := copyFile(frame, opts.SaveScreenshot); err != nil {
			log.Warn().Err(err).Str("path", opts.SaveScreenshot).Msg("saving screenshot")
			return
		}
		log.Info().Str("path", opts.SaveScreenshot).Msg("screenshot saved")
	}

	if ok, msg := r.Verifier.Verify(frame, ""); !ok {
		res.Verify = StatusFail
		keep()
		return newFailure(ErrScreenshotVerify, errors.New(msg), nil)
	}
	if opts.Baseline != "" {
		log.Info().Str("baseline", opts.Baseline).Msg("comparing to baseline")
		ok, msg := r.Verifier.Verify(frame, opts.Baseline)
		if !ok {
			res.Verify = StatusFail
			keep()
			return newFailure(ErrScreenshotVerify, fmt.Errorf("baseline comparison: %s", msg), nil)
		}
		log.Info().Msg(msg)
	}
	res.Verify = StatusPass
	keep()
	return nil
}

// diagnostics returns the last n log lines of the workload or stack.
func (r *Runner) diagnostics(ctx context.Context, s settings, opts Options, name string, n int) []string {
	ctx = context.WithoutCancel(ctx)
	var out string
	var err error
	if s.stack {
		out, err = r.Runtime.ComposeLogs(ctx, opts.ComposeFile, 20)
	} else {
		out, err = r.Runtime.Logs(ctx, name, 0)
	}
	if err != nil {
		orDefault(r.Log).Debug().Err(err).Msg("collecting diagnostics")
	}
	return runtime.TailLines(out, n)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
