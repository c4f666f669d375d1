// Package compose implements runtime.Stacks by shelling out to a compose
// CLI such as `podman-compose` or `docker compose`.
package compose

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"github.com/daemonless/dbuild/internal/logger"
	"github.com/daemonless/dbuild/internal/runtime"
)

// ErrNotInstalled is returned by Detect when no compose CLI is available.
var ErrNotInstalled = errors.New("no compose command found (install podman-compose or docker compose, or set DBUILD_COMPOSE)")

// Runner executes argv and returns its captured output.
type Runner func(ctx context.Context, argv []string) (stdout, stderr []byte, err error)

// ExecRunner runs argv as a child process.
func ExecRunner(ctx context.Context, argv []string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// CLI drives stacks through a compose command line.
type CLI struct {
	command []string
	run     Runner
}

var _ runtime.Stacks = (*CLI)(nil)

// New parses command with shell quoting rules, e.g. "docker compose".
func New(command string, run Runner) (*CLI, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parse compose command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty compose command")
	}
	if run == nil {
		run = ExecRunner
	}
	return &CLI{command: argv, run: run}, nil
}

// Detect picks the compose command: an explicit override wins, then
// podman-compose, then the docker compose plugin.
func Detect(override string, lookPath func(string) (string, error)) (string, error) {
	if strings.TrimSpace(override) != "" {
		return override, nil
	}
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	if _, err := lookPath("podman-compose"); err == nil {
		return "podman-compose", nil
	}
	if _, err := lookPath("docker"); err == nil {
		return "docker compose", nil
	}
	return "", ErrNotInstalled
}

// Command returns the parsed compose argv.
func (c *CLI) Command() []string {
	out := make([]string, len(c.command))
	copy(out, c.command)
	return out
}

func (c *CLI) invoke(ctx context.Context, file string, args ...string) ([]byte, []byte, error) {
	argv := append(c.Command(), "-f", file)
	argv = append(argv, args...)
	logger.Debug().Strs("argv", argv).Msg("running compose")
	return c.run(ctx, argv)
}

// ComposeStart brings the stack up detached.
func (c *CLI) ComposeStart(ctx context.Context, file string) error {
	_, stderr, err := c.invoke(ctx, file, "up", "-d")
	if err != nil {
		return fmt.Errorf("compose up %s: %w: %s", file, err, strings.TrimSpace(string(stderr)))
	}
	return nil
}

// ComposeLogs returns recent output of every service in the stack.
func (c *CLI) ComposeLogs(ctx context.Context, file string, tail int) (string, error) {
	args := []string{"logs"}
	if tail > 0 {
		args = append(args, "--tail", strconv.Itoa(tail))
	}
	stdout, stderr, err := c.invoke(ctx, file, args...)
	out := string(stdout) + string(stderr)
	if err != nil {
		return out, fmt.Errorf("compose logs %s: %w", file, err)
	}
	return out, nil
}

// ComposeStop tears the stack down.
func (c *CLI) ComposeStop(ctx context.Context, file string) error {
	_, stderr, err := c.invoke(ctx, file, "down")
	if err != nil {
		return fmt.Errorf("compose down %s: %w: %s", file, err, strings.TrimSpace(string(stderr)))
	}
	return nil
}
