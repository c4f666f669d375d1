// Package docker implements runtime.Workloads and runtime.Images on top of
// the Docker Engine API. Any API-compatible daemon works, including a
// podman service socket selected through DOCKER_HOST.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"
	digest "github.com/opencontainers/go-digest"

	"github.com/daemonless/dbuild/internal/logger"
	"github.com/daemonless/dbuild/internal/runtime"
)

// APIClient is the subset of the Engine API client this runtime uses.
// *client.Client satisfies it; tests substitute a fake.
type APIClient interface {
	ContainerCreate(ctx context.Context, opts client.ContainerCreateOptions) (client.ContainerCreateResult, error)
	ContainerStart(ctx context.Context, container string, opts client.ContainerStartOptions) (client.ContainerStartResult, error)
	ContainerInspect(ctx context.Context, container string, opts client.ContainerInspectOptions) (client.ContainerInspectResult, error)
	ContainerLogs(ctx context.Context, container string, opts client.ContainerLogsOptions) (client.ContainerLogsResult, error)
	ContainerStop(ctx context.Context, container string, opts client.ContainerStopOptions) (client.ContainerStopResult, error)
	ContainerRemove(ctx context.Context, container string, opts client.ContainerRemoveOptions) (client.ContainerRemoveResult, error)
	ExecCreate(ctx context.Context, container string, opts client.ExecCreateOptions) (client.ExecCreateResult, error)
	ExecAttach(ctx context.Context, execID string, opts client.ExecAttachOptions) (client.ExecAttachResult, error)
	ExecInspect(ctx context.Context, execID string, opts client.ExecInspectOptions) (client.ExecInspectResult, error)
	ImageInspect(ctx context.Context, image string, opts ...client.ImageInspectOption) (client.ImageInspectResult, error)
	ImageTag(ctx context.Context, opts client.ImageTagOptions) (client.ImageTagResult, error)
	Ping(ctx context.Context, opts client.PingOptions) (client.PingResult, error)
	io.Closer
}

// StopTimeout is the grace period given to a workload before it is killed.
const StopTimeout = 10 * time.Second

// Runtime drives workloads through the Engine API.
type Runtime struct {
	api APIClient
}

var (
	_ runtime.Workloads = (*Runtime)(nil)
	_ runtime.Images    = (*Runtime)(nil)
)

// New connects using the standard DOCKER_* environment.
func New() (*Runtime, error) {
	cli, err := client.New(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Runtime{api: cli}, nil
}

// NewWithClient wraps an existing API client.
func NewWithClient(api APIClient) *Runtime {
	return &Runtime{api: api}
}

// Close releases the underlying client.
func (r *Runtime) Close() error {
	return r.api.Close()
}

// Ping checks that the daemon is reachable.
func (r *Runtime) Ping(ctx context.Context) error {
	if _, err := r.api.Ping(ctx, client.PingOptions{}); err != nil {
		return fmt.Errorf("runtime unreachable: %w", err)
	}
	return nil
}

// Start creates and starts a detached container.
func (r *Runtime) Start(ctx context.Context, image string, opts runtime.StartOptions) (string, error) {
	created, err := r.api.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name: opts.Name,
		Config: &container.Config{
			Image:  image,
			Labels: opts.Labels,
		},
		HostConfig: &container.HostConfig{
			Annotations: opts.Annotations,
		},
	})
	if err != nil {
		return "", fmt.Errorf("create %s: %w", opts.Name, err)
	}

	if _, err := r.api.ContainerStart(ctx, created.ID, client.ContainerStartOptions{}); err != nil {
		return created.ID, fmt.Errorf("start %s: %w", opts.Name, err)
	}

	logger.Debug().
		Str("container", opts.Name).
		Str("id", created.ID).
		Strs("annotations", annotationKeys(opts.Annotations)).
		Msg("workload started")
	return created.ID, nil
}

// IsRunning reports whether the container exists and is running.
func (r *Runtime) IsRunning(ctx context.Context, name string) (bool, error) {
	res, err := r.api.ContainerInspect(ctx, name, client.ContainerInspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect %s: %w", name, err)
	}
	return res.Container.State != nil && res.Container.State.Running, nil
}

// Logs returns the container's combined output.
func (r *Runtime) Logs(ctx context.Context, name string, tail int) (string, error) {
	opts := client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}

	reader, err := r.api.ContainerLogs(ctx, name, opts)
	if err != nil {
		return "", fmt.Errorf("logs %s: %w", name, err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil && !errors.Is(err, io.EOF) {
		return buf.String(), fmt.Errorf("read logs %s: %w", name, err)
	}
	return buf.String(), nil
}

// Exec runs cmd in the container and returns its exit code. Output is
// drained and logged at debug level.
func (r *Runtime) Exec(ctx context.Context, name string, cmd []string) (int, error) {
	created, err := r.api.ExecCreate(ctx, name, client.ExecCreateOptions{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
	})
	if err != nil {
		return -1, fmt.Errorf("exec create: %w", err)
	}

	hijacked, err := r.api.ExecAttach(ctx, created.ID, client.ExecAttachOptions{TTY: false})
	if err != nil {
		return -1, fmt.Errorf("exec attach: %w", err)
	}
	defer hijacked.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, hijacked.Reader); err != nil && !errors.Is(err, io.EOF) {
		return -1, fmt.Errorf("read exec output: %w", err)
	}

	inspected, err := r.api.ExecInspect(ctx, created.ID, client.ExecInspectOptions{})
	if err != nil {
		return -1, fmt.Errorf("exec inspect: %w", err)
	}

	logger.Debug().
		Str("container", name).
		Strs("cmd", cmd).
		Int("exit_code", inspected.ExitCode).
		Str("stdout", stdout.String()).
		Str("stderr", stderr.String()).
		Msg("exec finished")
	return inspected.ExitCode, nil
}

// Address returns the first valid IP address across the container's
// networks, preferring networks in name order for determinism.
func (r *Runtime) Address(ctx context.Context, name string) (string, error) {
	res, err := r.api.ContainerInspect(ctx, name, client.ContainerInspectOptions{})
	if err != nil {
		return "", fmt.Errorf("inspect %s: %w", name, err)
	}
	if res.Container.NetworkSettings == nil {
		return "", fmt.Errorf("container %s has no network settings", name)
	}

	networks := make([]string, 0, len(res.Container.NetworkSettings.Networks))
	for n := range res.Container.NetworkSettings.Networks {
		networks = append(networks, n)
	}
	sort.Strings(networks)

	for _, n := range networks {
		endpoint := res.Container.NetworkSettings.Networks[n]
		if endpoint != nil && endpoint.IPAddress.IsValid() {
			return endpoint.IPAddress.String(), nil
		}
	}
	return "", fmt.Errorf("no valid address found for container %s", name)
}

// Stop stops the container. A missing container is not an error.
func (r *Runtime) Stop(ctx context.Context, name string) error {
	timeout := int(StopTimeout.Seconds())
	_, err := r.api.ContainerStop(ctx, name, client.ContainerStopOptions{Timeout: &timeout})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("stop %s: %w", name, err)
	}
	return nil
}

// Remove force-removes the container. A missing container is not an error.
func (r *Runtime) Remove(ctx context.Context, name string) error {
	_, err := r.api.ContainerRemove(ctx, name, client.ContainerRemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

// ImageLabels returns the labels of a local image.
func (r *Runtime) ImageLabels(ctx context.Context, ref string) (map[string]string, error) {
	res, err := r.api.ImageInspect(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("inspect image %s: %w", ref, err)
	}
	logger.Debug().Str("image", ref).Str("id", ShortID(res.ID)).Msg("inspected image")
	if res.Config == nil {
		return map[string]string{}, nil
	}
	return res.Config.Labels, nil
}

// TagImage adds target as a tag for source.
func (r *Runtime) TagImage(ctx context.Context, source, target string) error {
	if _, err := r.api.ImageTag(ctx, client.ImageTagOptions{Source: source, Target: target}); err != nil {
		return fmt.Errorf("tag %s as %s: %w", source, target, err)
	}
	return nil
}

// ShortID renders an image ID digest as its first 12 hex characters.
// Values that are not digests are returned unchanged.
func ShortID(id string) string {
	d, err := digest.Parse(id)
	if err != nil {
		return id
	}
	enc := d.Encoded()
	if len(enc) > 12 {
		enc = enc[:12]
	}
	return enc
}

func annotationKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
