// Package config loads the project build and test configuration from
// .dbuild.yaml (or .daemonless/config.yaml), environment variables and
// defaults.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/daemonless/dbuild/internal/cit/mode"
)

// DefaultReadyPattern matches the startup banners of common service
// supervisors and frameworks.
const DefaultReadyPattern = `Warmup complete|services\.d.*done|Application started|Startup complete|listening on`

// Config is the merged project configuration.
type Config struct {
	Image    string `mapstructure:"image"`
	Registry string `mapstructure:"registry"`
	Type     string `mapstructure:"type"`

	Build      BuildConfig      `mapstructure:"build"`
	Test       *TestConfig      `mapstructure:"-"`
	Verify     VerifyConfig     `mapstructure:"verify"`
	Screenshot ScreenshotConfig `mapstructure:"screenshot"`

	// ComposeCommand overrides compose CLI detection, e.g. "docker compose".
	ComposeCommand string `mapstructure:"compose_command"`

	// Dir is the project directory the configuration was loaded for.
	Dir string `mapstructure:"-"`
	// File is the configuration file that was read, empty when none exists.
	File string `mapstructure:"-"`
}

// FullImage returns registry/image.
func (c *Config) FullImage() string {
	return c.Registry + "/" + c.Image
}

// BuildRef returns the reference a variant is built and tested under.
func (c *Config) BuildRef(tag string) string {
	return fmt.Sprintf("%s:build-%s", c.FullImage(), tag)
}

// BuildConfig is the build: section.
type BuildConfig struct {
	Variants      []Variant `mapstructure:"variants"`
	Ignore        []string  `mapstructure:"ignore"`
	Architectures []string  `mapstructure:"architectures"`
}

// Variant is one build flavour of the image, e.g. :latest or :pkg.
type Variant struct {
	Tag           string            `mapstructure:"tag"`
	Containerfile string            `mapstructure:"containerfile"`
	Args          map[string]string `mapstructure:"args"`
	Aliases       []string          `mapstructure:"aliases"`
	Default       bool              `mapstructure:"default"`
}

// TestConfig is the cit: section. Zero values mean "not configured" so
// image labels and defaults can fill them.
type TestConfig struct {
	Mode           string   `mapstructure:"mode"`
	Port           int      `mapstructure:"port"`
	Health         string   `mapstructure:"health"`
	Wait           int      `mapstructure:"wait"`
	Ready          string   `mapstructure:"ready"`
	ScreenshotWait int      `mapstructure:"screenshot_wait"`
	// ScreenshotPath is the URL path rendered in screenshot mode.
	ScreenshotPath string   `mapstructure:"screenshot"`
	HTTPS          bool     `mapstructure:"https"`
	Compose        bool     `mapstructure:"compose"`
	Annotations    []string `mapstructure:"annotations"`

	PageLoadTimeout time.Duration `mapstructure:"page_load_timeout"`
}

// DefaultTestConfig returns the values used when the cit: section omits them.
func DefaultTestConfig() TestConfig {
	return TestConfig{
		Wait:            120,
		PageLoadTimeout: 30 * time.Second,
	}
}

// WaitTimeout is Wait as a duration.
func (t TestConfig) WaitTimeout() time.Duration {
	return time.Duration(t.Wait) * time.Second
}

// MinStabilityWait is ScreenshotWait as a duration.
func (t TestConfig) MinStabilityWait() time.Duration {
	return time.Duration(t.ScreenshotWait) * time.Second
}

// ReadyPattern returns the configured pattern or the default one.
func (t TestConfig) ReadyPattern() string {
	if t.Ready != "" {
		return t.Ready
	}
	return DefaultReadyPattern
}

// ParsedMode returns the validated mode.
func (t TestConfig) ParsedMode() (mode.Mode, error) {
	return mode.Parse(t.Mode)
}

// AnnotationMap parses "key=value" annotations. Entries without "=" are
// skipped.
func (t TestConfig) AnnotationMap() map[string]string {
	out := make(map[string]string, len(t.Annotations))
	for _, a := range t.Annotations {
		k, v, ok := strings.Cut(a, "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

// Validate checks values that would otherwise fail deep inside a run.
func (t TestConfig) Validate() error {
	if _, err := t.ParsedMode(); err != nil {
		return err
	}
	if t.Port < 0 || t.Port > 65535 {
		return fmt.Errorf("invalid cit.port %d", t.Port)
	}
	if t.Wait <= 0 {
		return fmt.Errorf("cit.wait must be positive, got %d", t.Wait)
	}
	if t.ScreenshotWait < 0 {
		return fmt.Errorf("cit.screenshot_wait must not be negative, got %d", t.ScreenshotWait)
	}
	if _, err := regexp.Compile(t.ReadyPattern()); err != nil {
		return fmt.Errorf("invalid cit.ready pattern: %w", err)
	}
	if t.Health != "" && !strings.HasPrefix(t.Health, "/") {
		return fmt.Errorf("cit.health must be a path starting with /, got %q", t.Health)
	}
	if t.ScreenshotPath != "" && !strings.HasPrefix(t.ScreenshotPath, "/") {
		return fmt.Errorf("cit.screenshot must be a path starting with /, got %q", t.ScreenshotPath)
	}
	for _, a := range t.Annotations {
		if !strings.Contains(a, "=") {
			return fmt.Errorf("invalid cit annotation %q: want key=value", a)
		}
	}
	return nil
}

// VerifyConfig holds the screenshot verifier thresholds.
type VerifyConfig struct {
	Blank float64 `mapstructure:"blank"`
	Edge  float64 `mapstructure:"edge"`
	SSIM  float64 `mapstructure:"ssim"`
}

// ScreenshotConfig configures the headless browser.
type ScreenshotConfig struct {
	Size    string `mapstructure:"size"`
	Browser string `mapstructure:"browser"`
}
