package isolation

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

type createCall struct {
	name       string
	config     *container.Config
	hostConfig *container.HostConfig
}

type fakeDockerAPI struct {
	mu sync.Mutex

	pingErr    error
	inspectErr error
	pullErr    error
	pullBody   string
	createErr  error
	startErr   error
	stopErr    error
	removeErr  error
	logsErr    error
	statsErr   error
	statsBody  string

	// waitStatus is delivered on the status channel unless waitErr is set or
	// waitBlock makes the call hang until its context ends.
	waitStatus container.WaitResponse
	waitErr    error
	waitBlock  bool

	stdout string
	stderr string

	pulls       []string
	createCalls []createCall
	started     []string
	stopped     []string
	stopTimeout *int
	removed     []string
	removeCtx   []error
	closed      bool
}

func (f *fakeDockerAPI) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeDockerAPI) Ping(context.Context) (types.Ping, error) {
	return types.Ping{APIVersion: "1.47"}, f.pingErr
}

func (f *fakeDockerAPI) ImageInspect(_ context.Context, _ string, _ ...client.ImageInspectOption) (image.InspectResponse, error) {
	return image.InspectResponse{}, f.inspectErr
}

func (f *fakeDockerAPI) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	f.pulls = append(f.pulls, ref)
	f.mu.Unlock()
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return io.NopCloser(strings.NewReader(f.pullBody)), nil
}

func (f *fakeDockerAPI) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *specs.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.createCalls = append(f.createCalls, createCall{name: name, config: config, hostConfig: hostConfig})
	return container.CreateResponse{ID: "0123456789abcdef0123"}, nil
}

func (f *fakeDockerAPI) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeDockerAPI) ContainerWait(ctx context.Context, _ string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)

	switch {
	case f.waitBlock:
		go func() {
			<-ctx.Done()
			errCh <- ctx.Err()
		}()
	case f.waitErr != nil:
		errCh <- f.waitErr
	default:
		statusCh <- f.waitStatus
	}
	return statusCh, errCh
}

func (f *fakeDockerAPI) ContainerLogs(_ context.Context, _ string, opts container.LogsOptions) (io.ReadCloser, error) {
	if f.logsErr != nil {
		return nil, f.logsErr
	}
	var buf bytes.Buffer
	if opts.ShowStdout && f.stdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	}
	if opts.ShowStderr && f.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	}
	return io.NopCloser(&buf), nil
}

func (f *fakeDockerAPI) ContainerStats(_ context.Context, _ string, _ bool) (container.StatsResponseReader, error) {
	if f.statsErr != nil {
		return container.StatsResponseReader{}, f.statsErr
	}
	return container.StatsResponseReader{Body: io.NopCloser(strings.NewReader(f.statsBody)), OSType: "linux"}, nil
}

func (f *fakeDockerAPI) ContainerStop(_ context.Context, id string, opts container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	f.stopTimeout = opts.Timeout
	return f.stopErr
}

func (f *fakeDockerAPI) ContainerRemove(ctx context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	f.removeCtx = append(f.removeCtx, ctx.Err())
	return f.removeErr
}

var errBoom = errors.New("boom")
