package cit

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daemonless/dbuild/internal/cleanup"
	"github.com/daemonless/dbuild/internal/config"
	"github.com/daemonless/dbuild/internal/logger/loggertest"
	"github.com/daemonless/dbuild/internal/runtime"
	"github.com/daemonless/dbuild/internal/runtime/runtimetest"
)

const testImage = "ghcr.io/daemonless/app:build-latest"

func testTiming() Timing {
	return Timing{
		ShellGrace:      time.Millisecond,
		ReadyInterval:   10 * time.Millisecond,
		ReadySettle:     time.Millisecond,
		PortInterval:    20 * time.Millisecond,
		DialTimeout:     100 * time.Millisecond,
		HealthInterval:  20 * time.Millisecond,
		RequestTimeout:  500 * time.Millisecond,
		TeardownTimeout: 5 * time.Second,
	}
}

func newTestRunner(rt runtime.Runtime) (*Runner, *loggertest.TestLogger) {
	log := loggertest.New()
	return &Runner{
		Runtime:  rt,
		Registry: cleanup.NewRegistry(),
		Log:      log,
		Timing:   testTiming(),
	}, log
}

func testConfig(mutate func(*config.TestConfig)) config.TestConfig {
	c := config.DefaultTestConfig()
	c.Wait = 2
	if mutate != nil {
		mutate(&c)
	}
	return c
}

// freePort returns a loopback port that nothing listens on.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, port := splitHostPort(t, srv.Listener.Addr().String())
	return port
}

type fakeCapturer struct {
	err   error
	urls  []string
	calls int
}

func (f *fakeCapturer) Capture(_ context.Context, url, outputPath string, _, _ time.Duration) error {
	f.calls++
	f.urls = append(f.urls, url)
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(outputPath, []byte("frame"), 0o644)
}

type fakeVerifier struct {
	basic    bool
	baseline bool
	seen     []string
}

func (f *fakeVerifier) Verify(imagePath, baselinePath string) (bool, string) {
	f.seen = append(f.seen, baselinePath)
	if baselinePath == "" {
		if !f.basic {
			return false, "image is blank (failed render)"
		}
		return true, "screenshot looks valid"
	}
	if !f.baseline {
		return false, "SSIM 0.412 below threshold 0.95"
	}
	return true, "screenshot matches baseline (SSIM 0.998)"
}

func assertTornDown(t *testing.T, rt *runtimetest.Runtime, r *Runner) {
	t.Helper()
	assert.Equal(t, 1, rt.Count("Stop"), "stop exactly once")
	assert.Equal(t, 1, rt.Count("Remove"), "remove exactly once")
	assert.Equal(t, 0, r.Registry.Len(), "target deregistered")
}

func TestRun_PortBecomesReachable(t *testing.T) {
	port := freePort(t)
	rt := runtimetest.NewHealthy("127.0.0.1", "", nil)
	r, _ := newTestRunner(rt)
	resultPath := filepath.Join(t.TempDir(), "cit.json")

	var ln net.Listener
	var mu sync.Mutex
	go func() {
		time.Sleep(2 * time.Second)
		l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			return
		}
		mu.Lock()
		ln = l
		mu.Unlock()
	}()
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		if ln != nil {
			_ = ln.Close()
		}
	})

	res, err := r.Run(context.Background(), Options{
		Image:      testImage,
		Variant:    "latest",
		Test:       testConfig(func(c *config.TestConfig) { c.Port = port; c.Wait = 10 }),
		ResultPath: resultPath,
	})
	require.NoError(t, err)

	assert.Equal(t, "port", res.Mode)
	assert.Equal(t, StatusPass, res.Shell)
	assert.Equal(t, StatusPass, res.Port)
	assert.Equal(t, StatusSkip, res.Health)
	assert.Equal(t, StatusSkip, res.Screenshot)
	assert.Equal(t, StatusSkip, res.Verify)
	assert.Equal(t, StatusPass, res.Result)
	assert.Zero(t, rt.Count("Logs"), "port mode skips the ready wait")
	assertTornDown(t, rt, r)

	data, err := os.ReadFile(resultPath)
	require.NoError(t, err)
	var artifact map[string]string
	require.NoError(t, json.Unmarshal(data, &artifact))
	assert.Equal(t, "pass", artifact["result"])
	assert.Equal(t, "port", artifact["mode"])
	assert.Equal(t, testImage, artifact["image"])
}

func TestRun_ShellMode(t *testing.T) {
	rt := runtimetest.NewHealthy("10.88.0.4", "", nil)
	var started runtime.StartOptions
	rt.StartFn = func(_ context.Context, _ string, opts runtime.StartOptions) (string, error) {
		started = opts
		return "abc123", nil
	}
	r, log := newTestRunner(rt)

	res, err := r.Run(context.Background(), Options{Image: testImage, Variant: "latest", Test: testConfig(nil)})
	require.NoError(t, err)

	assert.Equal(t, "shell", res.Mode)
	assert.Equal(t, StatusPass, res.Shell)
	assert.Equal(t, StatusSkip, res.Port)
	assert.True(t, res.Passed())
	assert.Zero(t, rt.Count("Address"))
	assert.Equal(t, started.Name, started.Labels[LabelRunID])
	assert.Regexp(t, `^cit-\d+-[0-9a-f]{8}$`, started.Name)
	assertTornDown(t, rt, r)
	assert.Contains(t, log.Output(), "PASS :latest (shell)")
}

func TestRun_ExitedImmediately(t *testing.T) {
	rt := runtimetest.NewHealthy("10.88.0.4", "starting\nfatal: no config\n", nil)
	rt.IsRunningFn = func(context.Context, string) (bool, error) { return false, nil }
	r, log := newTestRunner(rt)

	res, err := r.Run(context.Background(), Options{Image: testImage, Variant: "latest", Test: testConfig(nil)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStartup)

	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, []string{"starting", "fatal: no config"}, f.Logs)
	assert.Equal(t, StatusFail, res.Shell)
	assert.Equal(t, StatusFail, res.Result)
	assert.Zero(t, rt.Count("Exec"))
	assertTornDown(t, rt, r)
	assert.Contains(t, log.Output(), "FAIL :latest (shell)")
}

func TestRun_ExecFails(t *testing.T) {
	rt := runtimetest.NewHealthy("10.88.0.4", "init\nsh: not found\n", nil)
	var cmd []string
	rt.ExecFn = func(_ context.Context, _ string, c []string) (int, error) {
		cmd = c
		return 127, nil
	}
	r, _ := newTestRunner(rt)

	res, err := r.Run(context.Background(), Options{Image: testImage, Test: testConfig(nil)})
	assert.ErrorIs(t, err, ErrShell)
	assert.Equal(t, []string{"/bin/sh", "-c", "echo ok"}, cmd)
	assert.Equal(t, StatusFail, res.Shell)
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, []string{"init", "sh: not found"}, f.Logs)
	assertTornDown(t, rt, r)
}

func TestRun_StartFailureStillTearsDown(t *testing.T) {
	rt := runtimetest.NewHealthy("10.88.0.4", "", nil)
	rt.StartFn = func(context.Context, string, runtime.StartOptions) (string, error) {
		return "", errors.New("image not found")
	}
	r, _ := newTestRunner(rt)

	res, err := r.Run(context.Background(), Options{Image: testImage, Test: testConfig(nil)})
	assert.ErrorIs(t, err, ErrStartup)
	assert.Equal(t, StatusSkip, res.Shell)
	assert.Equal(t, StatusFail, res.Result)
	assertTornDown(t, rt, r)
}

func TestRun_HealthFromLabels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/api/ping" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rt := runtimetest.NewHealthy("127.0.0.1", "[ls.io-init] done.\nApplication started\n", map[string]string{
		runtime.LabelPort:        strconv.Itoa(serverPort(t, srv)),
		runtime.LabelHealthcheck: "http://localhost:7878/api/ping",
	})
	r, _ := newTestRunner(rt)

	res, err := r.Run(context.Background(), Options{Image: testImage, Test: testConfig(nil)})
	require.NoError(t, err)

	assert.Equal(t, "health", res.Mode, "health label auto-detects health mode")
	assert.Equal(t, StatusPass, res.Shell)
	assert.Equal(t, StatusPass, res.Port)
	assert.Equal(t, StatusPass, res.Health)
	assert.Equal(t, StatusSkip, res.Screenshot)
	assert.Positive(t, rt.Count("Logs"), "health mode waits for the ready signal")
	assertTornDown(t, rt, r)
}

func TestRun_HealthUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	logs := ""
	for i := range 15 {
		logs += "line " + strconv.Itoa(i) + "\n"
	}
	rt := runtimetest.NewHealthy("127.0.0.1", logs, nil)
	r, _ := newTestRunner(rt)

	res, err := r.Run(context.Background(), Options{
		Image: testImage,
		Test: testConfig(func(c *config.TestConfig) {
			c.Mode = "health"
			c.Port = serverPort(t, srv)
			c.Wait = 1
			c.Ready = "never printed"
		}),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHealthTimeout)
	assert.NotErrorIs(t, err, ErrReadyTimeout, "ready timeout is not fatal")

	var f *Failure
	require.ErrorAs(t, err, &f)
	require.Len(t, f.Logs, 10)
	assert.Equal(t, "line 5", f.Logs[0])
	assert.Equal(t, "line 14", f.Logs[9])

	assert.Equal(t, StatusPass, res.Port)
	assert.Equal(t, StatusFail, res.Health)
	assert.Equal(t, StatusFail, res.Result)
	assertTornDown(t, rt, r)
}

func TestRun_PortTimeout(t *testing.T) {
	rt := runtimetest.NewHealthy("127.0.0.1", "a\nb\n", nil)
	r, _ := newTestRunner(rt)

	res, err := r.Run(context.Background(), Options{
		Image: testImage,
		Test:  testConfig(func(c *config.TestConfig) { c.Port = freePort(t); c.Wait = 1 }),
	})
	assert.ErrorIs(t, err, ErrPortTimeout)
	assert.Equal(t, StatusFail, res.Port)
	assert.Equal(t, StatusSkip, res.Health)
	assertTornDown(t, rt, r)
}

func TestRun_AnnotationsMerge(t *testing.T) {
	rt := runtimetest.NewHealthy("10.88.0.4", "", map[string]string{
		"org.freebsd.jail.allow.raw_sockets": "required",
		"org.freebsd.jail.allow.mlock":       "true",
		"org.freebsd.jail.allow.sysvipc":     "optional",
	})
	var started runtime.StartOptions
	rt.StartFn = func(_ context.Context, _ string, opts runtime.StartOptions) (string, error) {
		started = opts
		return "id", nil
	}
	r, _ := newTestRunner(rt)

	_, err := r.Run(context.Background(), Options{
		Image: testImage,
		Test: testConfig(func(c *config.TestConfig) {
			c.Annotations = []string{"org.freebsd.jail.allow.mlock=false", "org.freebsd.jail.vnet=new"}
		}),
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"org.freebsd.jail.allow.raw_sockets": "true",
		"org.freebsd.jail.allow.mlock":       "false",
		"org.freebsd.jail.vnet":              "new",
	}, started.Annotations)
}

func screenshotServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRun_ScreenshotWithBaseline(t *testing.T) {
	srv := screenshotServer(t)
	rt := runtimetest.NewHealthy("127.0.0.1", "listening on", nil)
	r, _ := newTestRunner(rt)
	capt := &fakeCapturer{}
	ver := &fakeVerifier{basic: true, baseline: true}
	r.Capturer, r.Verifier = capt, ver
	r.Capabilities = func() []string { return nil }

	saved := filepath.Join(t.TempDir(), "shot.png")
	res, err := r.Run(context.Background(), Options{
		Image:          testImage,
		Baseline:       "/repo/.daemonless/baseline.png",
		SaveScreenshot: saved,
		Test: testConfig(func(c *config.TestConfig) {
			c.Port = serverPort(t, srv)
			c.ScreenshotPath = "/login"
		}),
	})
	require.NoError(t, err)

	assert.Equal(t, "screenshot", res.Mode, "baseline auto-detects screenshot mode")
	assert.Equal(t, StatusPass, res.Health)
	assert.Equal(t, StatusPass, res.Screenshot)
	assert.Equal(t, StatusPass, res.Verify)
	assert.Equal(t, []string{"http://127.0.0.1:" + strconv.Itoa(serverPort(t, srv)) + "/login"}, capt.urls)
	assert.Equal(t, []string{"", "/repo/.daemonless/baseline.png"}, ver.seen)

	data, err := os.ReadFile(saved)
	require.NoError(t, err)
	assert.Equal(t, "frame", string(data))
	assertTornDown(t, rt, r)
}

func TestRun_ScreenshotVerifyFails(t *testing.T) {
	srv := screenshotServer(t)
	rt := runtimetest.NewHealthy("127.0.0.1", "listening on", nil)
	r, _ := newTestRunner(rt)
	r.Capturer = &fakeCapturer{}
	r.Verifier = &fakeVerifier{basic: true, baseline: false}

	saved := filepath.Join(t.TempDir(), "failed.png")
	res, err := r.Run(context.Background(), Options{
		Image:          testImage,
		Baseline:       "/repo/baseline.png",
		SaveScreenshot: saved,
		Test:           testConfig(func(c *config.TestConfig) { c.Mode = "screenshot"; c.Port = serverPort(t, srv) }),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrScreenshotVerify)
	assert.Contains(t, err.Error(), "SSIM 0.412")
	assert.Equal(t, StatusPass, res.Screenshot)
	assert.Equal(t, StatusFail, res.Verify)
	assert.FileExists(t, saved, "failed frames are kept for inspection")
	assertTornDown(t, rt, r)
}

func TestRun_ScreenshotCaptureFails(t *testing.T) {
	srv := screenshotServer(t)
	rt := runtimetest.NewHealthy("127.0.0.1", "listening on", nil)
	r, _ := newTestRunner(rt)
	r.Capturer = &fakeCapturer{err: errors.New("net::ERR_CONNECTION_REFUSED")}
	r.Verifier = &fakeVerifier{basic: true, baseline: true}

	res, err := r.Run(context.Background(), Options{
		Image: testImage,
		Test:  testConfig(func(c *config.TestConfig) { c.Mode = "screenshot"; c.Port = serverPort(t, srv) }),
	})
	assert.ErrorIs(t, err, ErrScreenshotCapture)
	assert.Equal(t, StatusFail, res.Screenshot)
	assert.Equal(t, StatusSkip, res.Verify)
	assertTornDown(t, rt, r)
}

func TestRun_ScreenshotWithoutCapturer(t *testing.T) {
	srv := screenshotServer(t)
	rt := runtimetest.NewHealthy("127.0.0.1", "listening on", nil)
	r, _ := newTestRunner(rt)

	res, err := r.Run(context.Background(), Options{
		Image: testImage,
		Test:  testConfig(func(c *config.TestConfig) { c.Mode = "screenshot"; c.Port = serverPort(t, srv) }),
	})
	assert.ErrorIs(t, err, ErrCapabilityMissing)
	assert.Equal(t, "screenshot", res.Mode)
	assert.Equal(t, StatusFail, res.Screenshot)
	assertTornDown(t, rt, r)
}

func TestRun_ScreenshotDowngraded(t *testing.T) {
	srv := screenshotServer(t)
	rt := runtimetest.NewHealthy("127.0.0.1", "listening on", nil)
	r, log := newTestRunner(rt)
	capt := &fakeCapturer{}
	r.Capturer = capt
	r.Verifier = &fakeVerifier{basic: true}
	r.Capabilities = func() []string { return []string{"headless chromium"} }

	res, err := r.Run(context.Background(), Options{
		Image: testImage,
		Test:  testConfig(func(c *config.TestConfig) { c.Mode = "screenshot"; c.Port = serverPort(t, srv) }),
	})
	require.NoError(t, err)
	assert.Equal(t, "health", res.Mode)
	assert.Equal(t, StatusSkip, res.Screenshot)
	assert.Zero(t, capt.calls)
	assert.Contains(t, log.Output(), "downgrading: screenshot -> health")
}

func TestRun_StackMode(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	_, port := splitHostPort(t, ln.Addr().String())

	rt := runtimetest.NewHealthy("unused", "", nil)
	r, _ := newTestRunner(rt)

	res, err := r.Run(context.Background(), Options{
		Image:       testImage,
		StackImage:  "ghcr.io/daemonless/app:build",
		ComposeFile: "/repo/.daemonless/compose.yaml",
		Test:        testConfig(func(c *config.TestConfig) { c.Compose = true; c.Port = port }),
	})
	require.NoError(t, err)

	assert.Equal(t, "port", res.Mode)
	assert.Equal(t, StatusSkip, res.Shell, "stack mode skips the shell check")
	assert.Equal(t, StatusPass, res.Port)
	assert.Equal(t, []string{
		"TagImage:" + testImage + "->ghcr.io/daemonless/app:build",
		"ComposeStart:/repo/.daemonless/compose.yaml",
		"ComposeStop:/repo/.daemonless/compose.yaml",
	}, rt.Called())
	assert.Equal(t, 0, r.Registry.Len())
}

func TestRun_StackModeWithoutComposeFile(t *testing.T) {
	rt := runtimetest.NewHealthy("unused", "", nil)
	r, _ := newTestRunner(rt)

	res, err := r.Run(context.Background(), Options{
		Image: testImage,
		Test:  testConfig(func(c *config.TestConfig) { c.Compose = true }),
	})
	assert.ErrorIs(t, err, ErrStartup)
	assert.False(t, res.Passed())
	assert.Empty(t, rt.Called())
}

func TestRun_CancelledStillTearsDown(t *testing.T) {
	rt := runtimetest.NewHealthy("127.0.0.1", "", nil)
	r, _ := newTestRunner(rt)

	ctx, cancel := context.WithCancel(context.Background())
	rt.AddressFn = func(context.Context, string) (string, error) {
		cancel()
		return "127.0.0.1", nil
	}

	res, err := r.Run(ctx, Options{
		Image: testImage,
		Test:  testConfig(func(c *config.TestConfig) { c.Port = freePort(t); c.Wait = 30 }),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, res.Passed())
	assertTornDown(t, rt, r)
}

func TestRun_EmergencyDrainDuringRun(t *testing.T) {
	rt := runtimetest.NewHealthy("127.0.0.1", "", nil)
	r, _ := newTestRunner(rt)

	ctx, cancel := context.WithCancel(context.Background())
	rt.AddressFn = func(context.Context, string) (string, error) {
		require.Equal(t, 1, r.Registry.Len(), "target registered before checks")
		require.NoError(t, r.Registry.Drain(context.Background()))
		cancel()
		return "127.0.0.1", nil
	}

	_, err := r.Run(ctx, Options{
		Image: testImage,
		Test:  testConfig(func(c *config.TestConfig) { c.Port = freePort(t) }),
	})
	require.Error(t, err)
	assertTornDown(t, rt, r)
}

func TestRun_TeardownErrorIsNotPropagated(t *testing.T) {
	rt := runtimetest.NewHealthy("10.88.0.4", "", nil)
	rt.StopFn = func(context.Context, string) error { return errors.New("daemon gone") }
	r, log := newTestRunner(rt)

	res, err := r.Run(context.Background(), Options{Image: testImage, Test: testConfig(nil)})
	require.NoError(t, err)
	assert.True(t, res.Passed())
	assert.Equal(t, 1, rt.Count("Remove"), "remove still attempted")
	assert.Contains(t, log.Output(), "daemon gone")
}
