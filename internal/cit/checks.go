package cit

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/docker/go-units"

	"github.com/daemonless/dbuild/internal/logger"
	"github.com/daemonless/dbuild/internal/runtime"
)

// errPollTimeout is returned by poll when the deadline passes without the
// probe reporting done.
var errPollTimeout = errors.New("timed out")

// poll runs probe immediately and then every interval until it reports done,
// returns an error, timeout elapses or ctx ends.
func poll(ctx context.Context, timeout, interval time.Duration, probe func(ctx context.Context) (bool, error)) error {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		done, err := probe(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if !time.Now().Add(interval).Before(deadline) {
			return errPollTimeout
		}
		timer.Reset(interval)
	}
}

// PortProbe checks TCP reachability.
type PortProbe struct {
	Interval    time.Duration
	DialTimeout time.Duration
	Log         logger.Logger
}

// Wait blocks until host:port accepts a TCP connection or timeout elapses.
func (p PortProbe) Wait(ctx context.Context, host string, port int, timeout time.Duration) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	log := orDefault(p.Log)
	log.Info().Str("addr", addr).Msgf("waiting for %s (timeout %s)", addr, units.HumanDuration(timeout))

	start := time.Now()
	dialer := net.Dialer{Timeout: p.DialTimeout}
	err := poll(ctx, timeout, p.Interval, func(ctx context.Context) (bool, error) {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false, nil
		}
		_ = conn.Close()
		return true, nil
	})
	if err != nil {
		if errors.Is(err, errPollTimeout) {
			return fmt.Errorf("port %d not listening after %s", port, units.HumanDuration(timeout))
		}
		return err
	}
	log.Info().Dur("elapsed", time.Since(start)).Msg("port ready")
	return nil
}

// HealthProbe checks an HTTP(S) endpoint. Any response other than 502 or
// 503 means the server is up; connection errors and those two codes mean
// it is not ready yet.
type HealthProbe struct {
	Interval       time.Duration
	RequestTimeout time.Duration
	Log            logger.Logger
}

// HealthURL builds the URL of a health or screenshot endpoint.
func HealthURL(host string, port int, path string, https bool) string {
	scheme := "http"
	if https {
		scheme = "https"
	}
	if path == "" {
		path = "/"
	}
	return fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(host, strconv.Itoa(port)), path)
}

// NotReadyStatus reports whether an HTTP status means "not ready".
func NotReadyStatus(code int) bool {
	return code == http.StatusBadGateway || code == http.StatusServiceUnavailable
}

// Wait blocks until url answers with a ready status or timeout elapses.
// Certificate verification is disabled for https URLs.
func (p HealthProbe) Wait(ctx context.Context, url string, timeout time.Duration) error {
	log := orDefault(p.Log)
	log.Info().Str("url", url).Msgf("health check: %s (timeout %s)", url, units.HumanDuration(timeout))

	client := &http.Client{
		Timeout: p.RequestTimeout,
		Transport: &http.Transport{
			TLSClientConfig:   &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // workloads use self-signed certificates
			DisableKeepAlives: true,
		},
		// A redirect is an answer; its target is never fetched.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	defer client.CloseIdleConnections()

	start := time.Now()
	var last int
	err := poll(ctx, timeout, p.Interval, func(ctx context.Context) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return false, nil
		}
		_ = resp.Body.Close()
		last = resp.StatusCode
		return !NotReadyStatus(resp.StatusCode), nil
	})
	if err != nil {
		if errors.Is(err, errPollTimeout) {
			if last != 0 {
				return fmt.Errorf("still HTTP %d after %s", last, units.HumanDuration(timeout))
			}
			return fmt.Errorf("no response after %s", units.HumanDuration(timeout))
		}
		return err
	}
	log.Info().Int("status", last).Dur("elapsed", time.Since(start)).Msgf("health ready (HTTP %d)", last)
	return nil
}

// LogSource is the part of the workload runtime the ready wait observes.
type LogSource interface {
	IsRunning(ctx context.Context, name string) (bool, error)
	Logs(ctx context.Context, name string, tail int) (string, error)
}

// ReadyWaiter polls workload logs for a ready signal.
type ReadyWaiter struct {
	Interval time.Duration
	Settle   time.Duration
	Log      logger.Logger
}

// Wait polls name's logs for pattern. It returns nil once the pattern
// matches (after a settle delay), ErrReadyTimeout if it never does, and a
// *Failure of kind ErrStartup if the workload stops running meanwhile.
func (w ReadyWaiter) Wait(ctx context.Context, src LogSource, name string, pattern *regexp.Regexp, timeout time.Duration) error {
	log := orDefault(w.Log)
	start := time.Now()

	err := poll(ctx, timeout, w.Interval, func(ctx context.Context) (bool, error) {
		running, err := src.IsRunning(ctx, name)
		if err != nil {
			return false, newFailure(ErrStartup, err, nil)
		}
		if !running {
			out, _ := src.Logs(ctx, name, 0)
			return false, newFailure(ErrStartup, errors.New("workload exited during ready wait"), runtime.TailLines(out, 20))
		}
		out, err := src.Logs(ctx, name, 0)
		if err != nil {
			log.Debug().Err(err).Msg("reading logs during ready wait")
			return false, nil
		}
		return pattern.MatchString(out), nil
	})
	switch {
	case err == nil:
		log.Info().Dur("elapsed", time.Since(start)).Msgf("ready signal after %s", units.HumanDuration(time.Since(start)))
		return sleepCtx(ctx, w.Settle)
	case errors.Is(err, errPollTimeout):
		log.Info().Msgf("no ready signal after %s (continuing anyway)", units.HumanDuration(timeout))
		return ErrReadyTimeout
	default:
		return err
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func orDefault(l logger.Logger) logger.Logger {
	if l == nil {
		return logger.Default()
	}
	return l
}
