package mode

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daemonless/dbuild/internal/logger/loggertest"
)

func available() []string { return nil }

func missing(what ...string) CapabilityCheck {
	return func() []string { return what }
}

func TestParse(t *testing.T) {
	for _, s := range []string{"", "shell", "port", "health", "screenshot", " Health "} {
		_, err := Parse(s)
		assert.NoError(t, err, s)
	}
	_, err := Parse("visual")
	assert.Error(t, err)
}

func TestRankOrder(t *testing.T) {
	assert.Less(t, Shell.Rank(), Port.Rank())
	assert.Less(t, Port.Rank(), Health.Rank())
	assert.Less(t, Health.Rank(), Screenshot.Rank())
	assert.True(t, Screenshot.Includes(Shell))
	assert.False(t, Port.Includes(Health))
	assert.Equal(t, "auto", Auto.String())
}

func TestResolve_AutoDetectsFromSingleSignal(t *testing.T) {
	tests := []struct {
		name     string
		port     int
		health   string
		baseline bool
		want     Mode
	}{
		{name: "nothing", want: Shell},
		{name: "port only", port: 8080, want: Port},
		{name: "health only", health: "/", want: Health},
		{name: "baseline only", baseline: true, want: Screenshot},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Resolve(Auto, tt.port, tt.health, tt.baseline, available, loggertest.NewNop())
			assert.Equal(t, tt.want, res.Effective)
			assert.True(t, res.AutoDetected)
			assert.False(t, res.Downgraded())
		})
	}
}

func TestResolve_ExplicitModeKept(t *testing.T) {
	for _, m := range Modes {
		res := Resolve(m, 0, "", false, available, loggertest.NewNop())
		assert.Equal(t, m, res.Effective)
		assert.False(t, res.AutoDetected)
	}
}

func TestResolve_DowngradesWhenCapabilityMissing(t *testing.T) {
	tests := []struct {
		name   string
		port   int
		health string
		want   Mode
	}{
		{name: "health known", health: "/status", want: Health},
		{name: "port known", port: 8080, want: Health},
		{name: "nothing known", want: Shell},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := loggertest.New()
			res := Resolve(Screenshot, tt.port, tt.health, true, missing("headless chromium (/usr/local/bin/chrome)"), log)
			assert.Equal(t, tt.want, res.Effective)
			assert.True(t, res.Downgraded())
			assert.Equal(t, []string{"headless chromium (/usr/local/bin/chrome)"}, res.Missing)
			assert.Contains(t, log.Output(), "headless chromium")
			assert.Contains(t, log.Output(), "downgrading: screenshot -> "+string(tt.want))
		})
	}
}

func TestResolve_NeverUpgrades(t *testing.T) {
	check := missing("browser")
	for _, requested := range Modes {
		for _, port := range []int{0, 8080} {
			for _, health := range []string{"", "/"} {
				for _, baseline := range []bool{false, true} {
					res := Resolve(requested, port, health, baseline, check, loggertest.NewNop())
					assert.LessOrEqual(t, res.Effective.Rank(), requested.Rank(),
						"requested=%s port=%d health=%q baseline=%v", requested, port, health, baseline)
				}
			}
		}
	}
}

func TestResolve_CapabilityOnlyProbedForScreenshot(t *testing.T) {
	probed := false
	check := func() []string {
		probed = true
		return []string{"browser"}
	}
	res := Resolve(Health, 8080, "/", true, check, loggertest.NewNop())
	assert.Equal(t, Health, res.Effective)
	assert.False(t, probed)
}

func TestBrowserCapability(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "chrome")
	require.NoError(t, os.WriteFile(bin, nil, 0o755))

	assert.Empty(t, BrowserCapability(bin)())

	got := BrowserCapability(filepath.Join(t.TempDir(), "absent"))()
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "absent")
}
