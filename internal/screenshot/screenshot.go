// Package screenshot renders a URL in a headless browser and captures a
// frame once the page has stopped changing.
package screenshot

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"

	"github.com/daemonless/dbuild/internal/logger"
)

const (
	// DefaultPoll is the interval between stability captures.
	DefaultPoll = 500 * time.Millisecond
	// DefaultCeiling bounds the stability loop unless minWait is longer.
	DefaultCeiling = 10 * time.Second
	// DefaultSize is the viewport used when none is configured.
	DefaultSize = "1920,1080"
	// DefaultBrowserPath is probed when CHROME_BIN is unset.
	DefaultBrowserPath = "/usr/local/bin/chrome"
)

var browserNames = []string{"chrome", "chromium", "chromium-browser", "google-chrome", "headless-shell"}

// Options configures a Capturer.
type Options struct {
	BrowserPath string
	Width       int
	Height      int
	Poll        time.Duration
	Ceiling     time.Duration
	Log         logger.Logger
}

// Capturer drives a headless browser. It is safe to reuse; each Capture
// launches and tears down its own browser process.
type Capturer struct {
	opts Options
}

// New creates a Capturer, filling zero options with defaults.
func New(opts Options) *Capturer {
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = 1920, 1080
	}
	if opts.Poll <= 0 {
		opts.Poll = DefaultPoll
	}
	if opts.Ceiling <= 0 {
		opts.Ceiling = DefaultCeiling
	}
	if opts.Log == nil {
		opts.Log = logger.Default()
	}
	return &Capturer{opts: opts}
}

// ParseSize parses a "width,height" viewport specification.
func ParseSize(s string) (int, int, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid screenshot size %q: want WIDTH,HEIGHT", s)
	}
	w, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || w <= 0 {
		return 0, 0, fmt.Errorf("invalid screenshot width in %q", s)
	}
	h, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || h <= 0 {
		return 0, 0, fmt.Errorf("invalid screenshot height in %q", s)
	}
	return w, h, nil
}

// LocateBrowser finds a headless-capable browser binary. An explicit path
// must exist; otherwise the default install location and PATH are searched.
func LocateBrowser(explicit string) (string, bool) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit, true
		}
		return "", false
	}
	if _, err := os.Stat(DefaultBrowserPath); err == nil {
		return DefaultBrowserPath, true
	}
	for _, name := range browserNames {
		if p, err := exec.LookPath(name); err == nil {
			return p, true
		}
	}
	return "", false
}

func (c *Capturer) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("ignore-certificate-errors", true),
		chromedp.WindowSize(c.opts.Width, c.opts.Height),
	)
	if c.opts.BrowserPath != "" {
		opts = append(opts, chromedp.ExecPath(c.opts.BrowserPath))
	}
	return opts
}

// Capture loads url, waits for the document to finish loading within
// pageLoadTimeout, waits for visual stability and writes the final frame to
// outputPath. Failing to reach stability is not an error.
func (c *Capturer) Capture(ctx context.Context, url, outputPath string, pageLoadTimeout, minWait time.Duration) error {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, c.allocatorOptions()...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	// Fixed metrics keep output identical across hosts and browser versions.
	viewport := emulation.SetDeviceMetricsOverride(int64(c.opts.Width), int64(c.opts.Height), 1, false)
	if err := chromedp.Run(browserCtx, viewport); err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}

	loadCtx, cancelLoad := context.WithTimeout(browserCtx, pageLoadTimeout)
	var ready bool
	err := chromedp.Run(loadCtx,
		chromedp.Navigate(url),
		chromedp.Poll(`document.readyState === "complete"`, &ready, chromedp.WithPollingInterval(100*time.Millisecond)),
	)
	cancelLoad()
	if err != nil {
		return fmt.Errorf("load %s: %w", url, err)
	}

	bound := c.opts.Ceiling
	if minWait > bound {
		bound = minWait
	}
	c.opts.Log.Info().
		Dur("max", bound).
		Dur("min", minWait).
		Msg("waiting for UI stability")

	frame := func(ctx context.Context) ([]byte, error) {
		var buf []byte
		if err := chromedp.Run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
			return nil, fmt.Errorf("capture frame: %w", err)
		}
		return buf, nil
	}

	res, err := WaitStable(browserCtx, frame, minWait, c.opts.Poll, c.opts.Ceiling)
	if err != nil {
		return err
	}
	if res.Stable {
		c.opts.Log.Info().Dur("elapsed", res.Elapsed).Int("frames", res.Frames).Msg("UI stabilized")
	} else {
		c.opts.Log.Warn().Int("frames", res.Frames).Msg("UI did not stabilize, using last frame")
	}

	if err := os.WriteFile(outputPath, res.Frame, 0o644); err != nil {
		return fmt.Errorf("write screenshot: %w", err)
	}
	return nil
}
