package runtime

import (
	"net/url"
	"strconv"
	"strings"
)

// Image label keys understood by the test engine.
const (
	LabelPort        = "io.daemonless.port"
	LabelHealthcheck = "io.daemonless.healthcheck-url"
	LabelJailPrefix  = "org.freebsd.jail."

	// noValue is what template-based label tooling renders for unset keys.
	noValue = "<no value>"
)

// Labels are the test hints carried in an image's metadata. Zero values
// mean "not set".
type Labels struct {
	Port        int
	Health      string
	Annotations map[string]string
}

// ParseLabels extracts test hints from raw image labels.
func ParseLabels(raw map[string]string) Labels {
	l := Labels{Annotations: map[string]string{}}

	if v := strings.TrimSpace(raw[LabelPort]); v != "" && v != noValue {
		if p, err := strconv.Atoi(v); err == nil && p > 0 && p < 65536 {
			l.Port = p
		}
	}

	if v := strings.TrimSpace(raw[LabelHealthcheck]); v != "" && v != noValue {
		l.Health = healthPath(v)
	}

	for k, v := range raw {
		if !strings.HasPrefix(k, LabelJailPrefix) {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "required", "true":
			l.Annotations[k] = "true"
		}
	}
	return l
}

// healthPath reduces a health URL to its path and query, since the host is
// only known once the workload runs.
func healthPath(raw string) string {
	if !strings.Contains(raw, "://") {
		if !strings.HasPrefix(raw, "/") {
			return "/" + raw
		}
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "/"
	}
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}
