// Package mode decides which rung of the integration test ladder runs.
package mode

import (
	"fmt"
	"strings"

	"github.com/daemonless/dbuild/internal/logger"
	"github.com/daemonless/dbuild/internal/screenshot"
)

// Mode is a test ladder rung. Higher rungs include every lower check.
type Mode string

const (
	Auto       Mode = ""
	Shell      Mode = "shell"
	Port       Mode = "port"
	Health     Mode = "health"
	Screenshot Mode = "screenshot"
)

// Modes lists the concrete modes in ladder order.
var Modes = []Mode{Shell, Port, Health, Screenshot}

// Parse validates a configured mode. The empty string means auto-detect.
func Parse(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case Auto, Shell, Port, Health, Screenshot:
		return m, nil
	}
	return Auto, fmt.Errorf("invalid test mode %q (want one of shell, port, health, screenshot)", s)
}

// Rank orders modes: shell < port < health < screenshot. Auto ranks 0.
func (m Mode) Rank() int {
	for i, c := range Modes {
		if c == m {
			return i + 1
		}
	}
	return 0
}

// Includes reports whether running m also runs the checks of other.
func (m Mode) Includes(other Mode) bool {
	return m.Rank() >= other.Rank()
}

func (m Mode) String() string {
	if m == Auto {
		return "auto"
	}
	return string(m)
}

// CapabilityCheck returns a human-readable entry for every missing
// screenshot capability. An empty result means screenshots can run.
type CapabilityCheck func() []string

// Resolution is the outcome of Resolve.
type Resolution struct {
	// Requested is the configured mode, or the auto-detected one.
	Requested    Mode
	Effective    Mode
	AutoDetected bool
	Missing      []string
}

// Downgraded reports whether missing capabilities lowered the mode.
func (r Resolution) Downgraded() bool {
	return r.Effective != r.Requested
}

// Detect picks the highest mode the available signals support.
func Detect(port int, health string, baselinePresent bool) Mode {
	switch {
	case baselinePresent:
		return Screenshot
	case health != "":
		return Health
	case port > 0:
		return Port
	default:
		return Shell
	}
}

// Downgrade returns the fallback for a screenshot run that cannot capture.
// It is a single step; modes below screenshot need no extra capabilities.
func Downgrade(m Mode, port int, health string) Mode {
	if m != Screenshot {
		return m
	}
	if health != "" || port > 0 {
		return Health
	}
	return Shell
}

// Resolve computes the effective mode. It never fails: a missing capability
// is logged and answered with a downgrade.
func Resolve(requested Mode, port int, health string, baselinePresent bool, check CapabilityCheck, log logger.Logger) Resolution {
	if log == nil {
		log = logger.Default()
	}

	res := Resolution{Requested: requested}
	if requested == Auto {
		res.Requested = Detect(port, health, baselinePresent)
		res.AutoDetected = true
	}
	res.Effective = res.Requested

	if res.Requested != Screenshot || check == nil {
		return res
	}

	res.Missing = check()
	if len(res.Missing) == 0 {
		return res
	}

	res.Effective = Downgrade(res.Requested, port, health)
	log.Warn().Strs("missing", res.Missing).Msg("screenshot mode requires missing dependencies")
	for _, m := range res.Missing {
		log.Warn().Msgf("  - %s", m)
	}
	log.Warn().Msgf("downgrading: %s -> %s", res.Requested, res.Effective)
	return res
}

// BrowserCapability checks for a headless browser at explicit, or at the
// default locations when explicit is empty. Image verification is built in
// and needs no probe.
func BrowserCapability(explicit string) CapabilityCheck {
	return func() []string {
		if _, ok := screenshot.LocateBrowser(explicit); ok {
			return nil
		}
		where := explicit
		if where == "" {
			where = screenshot.DefaultBrowserPath + " or chromium on PATH"
		}
		return []string{fmt.Sprintf("headless chromium (%s)", where)}
	}
}
