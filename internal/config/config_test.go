package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daemonless/dbuild/internal/cit/mode"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func noEnv(string) string { return "" }

func newProject(t *testing.T, name string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.Mkdir(dir, 0o755))
	return dir
}

func TestLoad_NoConfigFile(t *testing.T) {
	dir := newProject(t, "radarr")
	writeFile(t, dir, "Containerfile", "FROM scratch\n")

	cfg, err := NewLoader(dir, WithGetenv(noEnv)).Load()
	require.NoError(t, err)

	assert.Equal(t, "radarr", cfg.Image)
	assert.Equal(t, DefaultRegistry, cfg.Registry)
	assert.Equal(t, "app", cfg.Type)
	assert.Empty(t, cfg.File)
	assert.Nil(t, cfg.Test, "no cit section means no test configuration")
	require.Len(t, cfg.Build.Variants, 1)
	assert.Equal(t, "latest", cfg.Build.Variants[0].Tag)
	assert.True(t, cfg.Build.Variants[0].Default)
	assert.Equal(t, 3.0, cfg.Verify.Blank)
	assert.Equal(t, 0.005, cfg.Verify.Edge)
	assert.Equal(t, 0.95, cfg.Verify.SSIM)
	assert.Equal(t, "1920,1080", cfg.Screenshot.Size)
}

func TestLoad_CITSection(t *testing.T) {
	dir := newProject(t, "sonarr")
	writeFile(t, dir, ConfigFileName, `
type: app
cit:
  mode: health
  port: 8989
  health: /ping
  ready: "Now listening"
  screenshot_wait: 5
  screenshot: /web/index.html
  https: true
  annotations:
    - org.freebsd.jail.allow.mlock=true
  page_load_timeout: 45s
build:
  variants:
    - tag: latest
      default: true
      args:
        BASE_VERSION: "15"
    - tag: pkg
      containerfile: Containerfile.pkg
`)

	cfg, err := NewLoader(dir, WithGetenv(noEnv)).Load()
	require.NoError(t, err)
	require.NotNil(t, cfg.Test)

	test := cfg.Test
	m, err := test.ParsedMode()
	require.NoError(t, err)
	assert.Equal(t, mode.Health, m)
	assert.Equal(t, 8989, test.Port)
	assert.Equal(t, "/ping", test.Health)
	assert.Equal(t, 120, test.Wait, "wait defaults to 120 seconds")
	assert.Equal(t, 120*time.Second, test.WaitTimeout())
	assert.Equal(t, "Now listening", test.ReadyPattern())
	assert.Equal(t, 5*time.Second, test.MinStabilityWait())
	assert.Equal(t, "/web/index.html", test.ScreenshotPath)
	assert.True(t, test.HTTPS)
	assert.False(t, test.Compose)
	assert.Equal(t, 45*time.Second, test.PageLoadTimeout)
	assert.Equal(t, map[string]string{"org.freebsd.jail.allow.mlock": "true"}, test.AnnotationMap())

	require.Len(t, cfg.Build.Variants, 2)
	assert.Equal(t, map[string]string{"BASE_VERSION": "15"}, cfg.Build.Variants[0].Args,
		"arg keys keep their case")
	assert.Equal(t, DefaultContainerfile, cfg.Build.Variants[0].Containerfile)
	assert.Equal(t, "Containerfile.pkg", cfg.Build.Variants[1].Containerfile)
}

func TestLoad_AltConfigLocation(t *testing.T) {
	dir := newProject(t, "jellyfin")
	writeFile(t, dir, AltConfigFileName, "cit:\n  port: 8096\n")

	cfg, err := NewLoader(dir, WithGetenv(noEnv)).Load()
	require.NoError(t, err)
	require.NotNil(t, cfg.Test)
	assert.Equal(t, 8096, cfg.Test.Port)
	assert.Equal(t, filepath.Join(dir, AltConfigFileName), cfg.File)
	assert.Equal(t, DefaultReadyPattern, cfg.Test.ReadyPattern())
	assert.Equal(t, 30*time.Second, cfg.Test.PageLoadTimeout)
}

func TestLoad_InvalidCIT(t *testing.T) {
	dir := newProject(t, "bad")
	writeFile(t, dir, ConfigFileName, "cit:\n  mode: magic\n")

	_, err := NewLoader(dir, WithGetenv(noEnv)).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "magic")
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := newProject(t, "app")
	t.Setenv("VERIFY_SSIM_THRESHOLD", "0.8")
	t.Setenv("SCREENSHOT_SIZE", "1280,720")
	t.Setenv("CHROME_BIN", "/opt/chrome")
	t.Setenv("DBUILD_COMPOSE", "docker compose")
	t.Setenv("DBUILD_REGISTRY", "registry.example.com/team")

	cfg, err := NewLoader(dir).Load()
	require.NoError(t, err)
	assert.Equal(t, 0.8, cfg.Verify.SSIM)
	assert.Equal(t, "1280,720", cfg.Screenshot.Size)
	assert.Equal(t, "/opt/chrome", cfg.Screenshot.Browser)
	assert.Equal(t, "docker compose", cfg.ComposeCommand)
	assert.Equal(t, "registry.example.com/team", cfg.Registry)
	assert.Equal(t, "registry.example.com/team/app:build-pkg", cfg.BuildRef("pkg"))
}

func TestLoad_RegistryFromRemote(t *testing.T) {
	dir := newProject(t, "radarr")
	remote := func() (string, error) { return "git@github.com:daemonless/radarr.git", nil }

	cfg, err := NewLoader(dir, WithGetenv(noEnv), WithRemoteURL(remote)).Load()
	require.NoError(t, err)
	assert.Equal(t, "ghcr.io/daemonless", cfg.Registry)
	assert.Equal(t, "ghcr.io/daemonless/radarr", cfg.FullImage())
}

func TestDetectRegistry(t *testing.T) {
	failing := func() (string, error) { return "", errors.New("no remote") }
	env := func(k string) string {
		if k == "DBUILD_REGISTRY" {
			return "quay.io/me"
		}
		return ""
	}

	assert.Equal(t, "quay.io/me", DetectRegistry(env, failing))
	assert.Equal(t, DefaultRegistry, DetectRegistry(noEnv, failing))
	assert.Equal(t, DefaultRegistry, DetectRegistry(noEnv, nil))
}

func TestParseRemoteOrg(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"git@github.com:daemonless/radarr.git", "daemonless"},
		{"https://github.com/daemonless/radarr.git", "daemonless"},
		{"http://gitea.local/home/app", "home"},
		{"ssh://git@github.com/org/repo", ""},
		{"not a url", ""},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseRemoteOrg(tt.url))
		})
	}
}

func TestTestConfig_Validate(t *testing.T) {
	valid := DefaultTestConfig()
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		modify func(*TestConfig)
	}{
		{"bad mode", func(c *TestConfig) { c.Mode = "visual" }},
		{"port out of range", func(c *TestConfig) { c.Port = 70000 }},
		{"zero wait", func(c *TestConfig) { c.Wait = 0 }},
		{"negative screenshot wait", func(c *TestConfig) { c.ScreenshotWait = -1 }},
		{"bad ready regex", func(c *TestConfig) { c.Ready = "([" }},
		{"relative health path", func(c *TestConfig) { c.Health = "health" }},
		{"annotation without value", func(c *TestConfig) { c.Annotations = []string{"flag"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultTestConfig()
			tt.modify(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestFindBaseline(t *testing.T) {
	dir := t.TempDir()
	_, ok := FindBaseline(dir, "latest")
	assert.False(t, ok)

	shared := writeFile(t, dir, ".daemonless/baselines/baseline.png", "x")
	p, ok := FindBaseline(dir, "pkg")
	require.True(t, ok)
	assert.Equal(t, shared, p)

	tagged := writeFile(t, dir, ".daemonless/baseline-pkg.png", "x")
	p, ok = FindBaseline(dir, "pkg")
	require.True(t, ok)
	assert.Equal(t, tagged, p)
}

func TestFindComposeFile(t *testing.T) {
	dir := t.TempDir()
	_, ok := FindComposeFile(dir)
	assert.False(t, ok)

	want := writeFile(t, dir, ".daemonless/compose.yml", "services: {}\n")
	got, ok := FindComposeFile(dir)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestRequire(t *testing.T) {
	dir := t.TempDir()
	err := NewLoader(dir).Require()
	require.Error(t, err)
	assert.True(t, IsConfigNotFound(err))

	writeFile(t, dir, ConfigFileName, "type: app\n")
	assert.NoError(t, NewLoader(dir).Require())
}
