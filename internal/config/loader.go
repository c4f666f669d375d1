package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigFileName is the project configuration file name.
	ConfigFileName = ".dbuild.yaml"
	// AltConfigFileName is checked when ConfigFileName is absent.
	AltConfigFileName = ".daemonless/config.yaml"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "DBUILD"
)

// RemoteURLFunc returns the URL of the origin remote of the project.
type RemoteURLFunc func() (string, error)

// Loader handles loading and parsing of the project configuration.
type Loader struct {
	workDir   string
	viper     *viper.Viper
	getenv    func(string) string
	remoteURL RemoteURLFunc
}

// LoaderOption customises a Loader.
type LoaderOption func(*Loader)

// WithGetenv replaces os.Getenv for registry detection.
func WithGetenv(fn func(string) string) LoaderOption {
	return func(l *Loader) { l.getenv = fn }
}

// WithRemoteURL sets the source of the git origin URL used to derive the
// registry.
func WithRemoteURL(fn RemoteURLFunc) LoaderOption {
	return func(l *Loader) { l.remoteURL = fn }
}

// NewLoader creates a configuration loader for the given project directory.
func NewLoader(workDir string, opts ...LoaderOption) *Loader {
	l := &Loader{
		workDir: workDir,
		viper:   viper.New(),
		getenv:  os.Getenv,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// ConfigPath returns the configuration file that exists, or "" when there
// is none.
func (l *Loader) ConfigPath() string {
	for _, name := range []string{ConfigFileName, AltConfigFileName} {
		p := filepath.Join(l.workDir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// Exists checks if a configuration file exists.
func (l *Loader) Exists() bool {
	return l.ConfigPath() != ""
}

// Load reads the configuration file, if any, applies environment overrides
// and defaults, and fills in the project facts (image, registry, variants).
// A missing file is not an error: every value then comes from detection.
func (l *Loader) Load() (*Config, error) {
	v := l.viper
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	l.setDefaults()
	if err := l.bindEnv(); err != nil {
		return nil, err
	}

	configPath := l.ConfigPath()
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.Dir = l.workDir
	cfg.File = configPath

	if v.InConfig("cit") {
		test := DefaultTestConfig()
		if err := v.UnmarshalKey("cit", &test, viper.DecodeHook(decodeHook())); err != nil {
			return nil, fmt.Errorf("failed to parse cit section: %w", err)
		}
		if err := test.Validate(); err != nil {
			return nil, err
		}
		cfg.Test = &test
	}

	if configPath != "" {
		// Viper lowercases map keys; build args are case-sensitive.
		if err := fixArgKeyCase(&cfg, configPath); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if cfg.Image == "" {
		cfg.Image = DetectImageName(l.workDir)
	}
	if cfg.Registry == "" {
		cfg.Registry = DetectRegistry(l.getenv, l.remoteURL)
	}

	if len(cfg.Build.Variants) == 0 {
		variants, err := DetectVariants(l.workDir, cfg.Build.Ignore)
		if err != nil {
			return nil, err
		}
		cfg.Build.Variants = variants
	} else {
		for i := range cfg.Build.Variants {
			if cfg.Build.Variants[i].Containerfile == "" {
				cfg.Build.Variants[i].Containerfile = DefaultContainerfile
			}
		}
	}

	return &cfg, nil
}

func (l *Loader) setDefaults() {
	v := l.viper
	v.SetDefault("type", "app")
	v.SetDefault("build.architectures", []string{"amd64"})
	v.SetDefault("verify.blank", 3.0)
	v.SetDefault("verify.edge", 0.005)
	v.SetDefault("verify.ssim", 0.95)
	v.SetDefault("screenshot.size", "1920,1080")
	v.SetDefault("screenshot.browser", "")
	v.SetDefault("compose_command", "")
}

// bindEnv maps the established environment variable names that do not
// follow the DBUILD_<KEY> pattern.
func (l *Loader) bindEnv() error {
	bindings := [][]string{
		{"registry", "DBUILD_REGISTRY"},
		{"verify.blank", "VERIFY_BLANK_THRESHOLD"},
		{"verify.edge", "VERIFY_EDGE_THRESHOLD"},
		{"verify.ssim", "VERIFY_SSIM_THRESHOLD"},
		{"screenshot.size", "SCREENSHOT_SIZE"},
		{"screenshot.browser", "CHROME_BIN"},
		{"compose_command", "DBUILD_COMPOSE"},
	}
	for _, b := range bindings {
		if err := l.viper.BindEnv(b...); err != nil {
			return fmt.Errorf("binding %s: %w", b[1], err)
		}
	}
	return nil
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// fixArgKeyCase re-reads the YAML to preserve the original case of
// build.variants[].args keys.
func fixArgKeyCase(cfg *Config, configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	var raw struct {
		Build struct {
			Variants []struct {
				Args map[string]string `yaml:"args"`
			} `yaml:"variants"`
		} `yaml:"build"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}

	for i, rv := range raw.Build.Variants {
		if i >= len(cfg.Build.Variants) || len(rv.Args) == 0 {
			continue
		}
		cfg.Build.Variants[i].Args = rv.Args
	}
	return nil
}

// ConfigNotFoundError is returned when a configuration file is required
// but absent.
type ConfigNotFoundError struct {
	Path string
}

func (e *ConfigNotFoundError) Error() string {
	return fmt.Sprintf("configuration file not found: %s", e.Path)
}

// IsConfigNotFound returns true if the error is a ConfigNotFoundError.
func IsConfigNotFound(err error) bool {
	var target *ConfigNotFoundError
	return errors.As(err, &target)
}

// Require returns a ConfigNotFoundError when no configuration file exists.
func (l *Loader) Require() error {
	if l.Exists() {
		return nil
	}
	return &ConfigNotFoundError{Path: filepath.Join(l.workDir, ConfigFileName)}
}
