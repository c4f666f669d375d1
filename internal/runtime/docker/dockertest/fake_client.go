// Package dockertest provides a fake Engine API client for the docker
// runtime.
package dockertest

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	dockerspec "github.com/moby/docker-image-spec/specs-go/v1"
	"github.com/moby/moby/api/types/container"
	dockerimage "github.com/moby/moby/api/types/image"
	"github.com/moby/moby/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// FakeAPIClient satisfies docker.APIClient using the function-field
// pattern. Calling a method whose Fn field is nil panics.
type FakeAPIClient struct {
	mu sync.Mutex

	// Calls records the method names invoked on this fake, in order.
	Calls []string

	ContainerCreateFn  func(ctx context.Context, opts client.ContainerCreateOptions) (client.ContainerCreateResult, error)
	ContainerStartFn   func(ctx context.Context, container string, opts client.ContainerStartOptions) (client.ContainerStartResult, error)
	ContainerInspectFn func(ctx context.Context, container string, opts client.ContainerInspectOptions) (client.ContainerInspectResult, error)
	ContainerLogsFn    func(ctx context.Context, container string, opts client.ContainerLogsOptions) (client.ContainerLogsResult, error)
	ContainerStopFn    func(ctx context.Context, container string, opts client.ContainerStopOptions) (client.ContainerStopResult, error)
	ContainerRemoveFn  func(ctx context.Context, container string, opts client.ContainerRemoveOptions) (client.ContainerRemoveResult, error)
	ExecCreateFn       func(ctx context.Context, container string, opts client.ExecCreateOptions) (client.ExecCreateResult, error)
	ExecAttachFn       func(ctx context.Context, execID string, opts client.ExecAttachOptions) (client.ExecAttachResult, error)
	ExecInspectFn      func(ctx context.Context, execID string, opts client.ExecInspectOptions) (client.ExecInspectResult, error)
	ImageInspectFn     func(ctx context.Context, image string, opts ...client.ImageInspectOption) (client.ImageInspectResult, error)
	ImageTagFn         func(ctx context.Context, opts client.ImageTagOptions) (client.ImageTagResult, error)
	PingFn             func(ctx context.Context, opts client.PingOptions) (client.PingResult, error)
}

func (f *FakeAPIClient) record(method string) {
	f.mu.Lock()
	f.Calls = append(f.Calls, method)
	f.mu.Unlock()
}

// Called returns a copy of the recorded calls.
func (f *FakeAPIClient) Called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Calls))
	copy(out, f.Calls)
	return out
}

func notImplemented(method string) {
	panic(fmt.Sprintf("not implemented: %s (set %sFn on FakeAPIClient)", method, method))
}

func (f *FakeAPIClient) ContainerCreate(ctx context.Context, opts client.ContainerCreateOptions) (client.ContainerCreateResult, error) {
	if f.ContainerCreateFn == nil {
		notImplemented("ContainerCreate")
	}
	f.record("ContainerCreate")
	return f.ContainerCreateFn(ctx, opts)
}

func (f *FakeAPIClient) ContainerStart(ctx context.Context, container string, opts client.ContainerStartOptions) (client.ContainerStartResult, error) {
	if f.ContainerStartFn == nil {
		notImplemented("ContainerStart")
	}
	f.record("ContainerStart")
	return f.ContainerStartFn(ctx, container, opts)
}

func (f *FakeAPIClient) ContainerInspect(ctx context.Context, container string, opts client.ContainerInspectOptions) (client.ContainerInspectResult, error) {
	if f.ContainerInspectFn == nil {
		notImplemented("ContainerInspect")
	}
	f.record("ContainerInspect")
	return f.ContainerInspectFn(ctx, container, opts)
}

func (f *FakeAPIClient) ContainerLogs(ctx context.Context, container string, opts client.ContainerLogsOptions) (client.ContainerLogsResult, error) {
	if f.ContainerLogsFn == nil {
		notImplemented("ContainerLogs")
	}
	f.record("ContainerLogs")
	return f.ContainerLogsFn(ctx, container, opts)
}

func (f *FakeAPIClient) ContainerStop(ctx context.Context, container string, opts client.ContainerStopOptions) (client.ContainerStopResult, error) {
	if f.ContainerStopFn == nil {
		notImplemented("ContainerStop")
	}
	f.record("ContainerStop")
	return f.ContainerStopFn(ctx, container, opts)
}

func (f *FakeAPIClient) ContainerRemove(ctx context.Context, container string, opts client.ContainerRemoveOptions) (client.ContainerRemoveResult, error) {
	if f.ContainerRemoveFn == nil {
		notImplemented("ContainerRemove")
	}
	f.record("ContainerRemove")
	return f.ContainerRemoveFn(ctx, container, opts)
}

func (f *FakeAPIClient) ExecCreate(ctx context.Context, container string, opts client.ExecCreateOptions) (client.ExecCreateResult, error) {
	if f.ExecCreateFn == nil {
		notImplemented("ExecCreate")
	}
	f.record("ExecCreate")
	return f.ExecCreateFn(ctx, container, opts)
}

func (f *FakeAPIClient) ExecAttach(ctx context.Context, execID string, opts client.ExecAttachOptions) (client.ExecAttachResult, error) {
	if f.ExecAttachFn == nil {
		notImplemented("ExecAttach")
	}
	f.record("ExecAttach")
	return f.ExecAttachFn(ctx, execID, opts)
}

func (f *FakeAPIClient) ExecInspect(ctx context.Context, execID string, opts client.ExecInspectOptions) (client.ExecInspectResult, error) {
	if f.ExecInspectFn == nil {
		notImplemented("ExecInspect")
	}
	f.record("ExecInspect")
	return f.ExecInspectFn(ctx, execID, opts)
}

func (f *FakeAPIClient) ImageInspect(ctx context.Context, image string, opts ...client.ImageInspectOption) (client.ImageInspectResult, error) {
	if f.ImageInspectFn == nil {
		notImplemented("ImageInspect")
	}
	f.record("ImageInspect")
	return f.ImageInspectFn(ctx, image, opts...)
}

func (f *FakeAPIClient) ImageTag(ctx context.Context, opts client.ImageTagOptions) (client.ImageTagResult, error) {
	if f.ImageTagFn == nil {
		notImplemented("ImageTag")
	}
	f.record("ImageTag")
	return f.ImageTagFn(ctx, opts)
}

func (f *FakeAPIClient) Ping(ctx context.Context, opts client.PingOptions) (client.PingResult, error) {
	if f.PingFn == nil {
		notImplemented("Ping")
	}
	f.record("Ping")
	return f.PingFn(ctx, opts)
}

// Close is a no-op.
func (f *FakeAPIClient) Close() error { return nil }

// Stream identifiers used in multiplexed output headers.
const (
	StreamStdout byte = 1
	StreamStderr byte = 2
)

// Frame encodes payload as one multiplexed stream frame: an 8-byte header
// carrying the stream id and big-endian length, then the payload.
func Frame(stream byte, payload string) []byte {
	out := make([]byte, 8+len(payload))
	out[0] = stream
	binary.BigEndian.PutUint32(out[4:8], uint32(len(payload)))
	copy(out[8:], payload)
	return out
}

// --- fixtures ---

// SetupInspect answers ContainerInspect with the given running state.
func (f *FakeAPIClient) SetupInspect(running bool, exitCode int) {
	f.ContainerInspectFn = func(_ context.Context, id string, _ client.ContainerInspectOptions) (client.ContainerInspectResult, error) {
		return client.ContainerInspectResult{
			Container: container.InspectResponse{
				ID: id,
				State: &container.State{
					Running:  running,
					ExitCode: exitCode,
				},
			},
		}, nil
	}
}

// SetupNotFound makes every container lookup and teardown report not-found.
func (f *FakeAPIClient) SetupNotFound() {
	f.ContainerInspectFn = func(_ context.Context, id string, _ client.ContainerInspectOptions) (client.ContainerInspectResult, error) {
		return client.ContainerInspectResult{}, NotFoundError(id)
	}
	f.ContainerStopFn = func(_ context.Context, id string, _ client.ContainerStopOptions) (client.ContainerStopResult, error) {
		return client.ContainerStopResult{}, NotFoundError(id)
	}
	f.ContainerRemoveFn = func(_ context.Context, id string, _ client.ContainerRemoveOptions) (client.ContainerRemoveResult, error) {
		return client.ContainerRemoveResult{}, NotFoundError(id)
	}
}

// SetupLogs answers ContainerLogs with stdcopy-framed output, stdout then
// stderr.
func (f *FakeAPIClient) SetupLogs(stdout, stderr string) {
	f.ContainerLogsFn = func(_ context.Context, _ string, _ client.ContainerLogsOptions) (client.ContainerLogsResult, error) {
		var b bytes.Buffer
		if stdout != "" {
			b.Write(Frame(StreamStdout, stdout))
		}
		if stderr != "" {
			b.Write(Frame(StreamStderr, stderr))
		}
		return io.NopCloser(&b), nil
	}
}

// SetupExec wires ExecCreate, ExecAttach and ExecInspect for a command
// that prints output and exits with exitCode.
func (f *FakeAPIClient) SetupExec(output string, exitCode int) {
	f.ExecCreateFn = func(_ context.Context, _ string, _ client.ExecCreateOptions) (client.ExecCreateResult, error) {
		return client.ExecCreateResult{ID: "exec-1"}, nil
	}
	f.ExecAttachFn = func(_ context.Context, _ string, _ client.ExecAttachOptions) (client.ExecAttachResult, error) {
		clientConn, serverConn := net.Pipe()
		go func() {
			defer serverConn.Close()
			_, _ = serverConn.Write(Frame(StreamStdout, output))
		}()
		return client.ExecAttachResult{
			HijackedResponse: client.NewHijackedResponse(clientConn, "application/vnd.docker.multiplexed-stream"),
		}, nil
	}
	f.ExecInspectFn = func(_ context.Context, _ string, _ client.ExecInspectOptions) (client.ExecInspectResult, error) {
		return client.ExecInspectResult{ExitCode: exitCode, Running: false}, nil
	}
}

// SetupImageLabels answers ImageInspect for ref with the given labels and a
// not-found error for anything else.
func (f *FakeAPIClient) SetupImageLabels(ref string, labels map[string]string) {
	f.ImageInspectFn = func(_ context.Context, image string, _ ...client.ImageInspectOption) (client.ImageInspectResult, error) {
		if image != ref {
			return client.ImageInspectResult{}, NotFoundError(image)
		}
		return client.ImageInspectResult{
			InspectResponse: dockerimage.InspectResponse{
				ID: "sha256:4bcff63911fcb4448bd4fdacec207030997caf25e9bea4045fa6c8c44de311d1",
				Config: &dockerspec.DockerOCIImageConfig{
					ImageConfig: ocispec.ImageConfig{Labels: labels},
				},
			},
		}, nil
	}
}

// errNotFound satisfies errdefs.IsNotFound.
type errNotFound struct {
	msg string
}

func (e errNotFound) Error() string { return e.msg }
func (e errNotFound) NotFound()     {}

// NotFoundError creates an error that satisfies errdefs.IsNotFound.
func NotFoundError(ref string) error {
	return errNotFound{msg: "No such object: " + ref}
}
