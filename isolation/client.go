// Package isolation is a thin adapter over the container runtime used to
// isolate untrusted code. It talks to the Docker Engine API (or a compatible
// endpoint such as the Podman socket) through the official SDK.
//
// All methods block until the runtime answers. The Client keeps no per-run
// state; every container handle is owned by the caller until Remove.
package isolation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

// orphanRemoveTimeout bounds cleanup of a container whose create request failed.
const orphanRemoveTimeout = 30 * time.Second

var (
	// ErrConnection means the runtime could not be reached or did not answer a ping.
	ErrConnection = errors.New("container runtime unreachable")
	// ErrImagePull means a missing image could not be pulled.
	ErrImagePull = errors.New("image pull failed")
	// ErrTimeout means Wait gave up before the container exited.
	ErrTimeout = errors.New("container wait timed out")
	// ErrDaemon means the runtime itself reported that the run could not complete.
	ErrDaemon = errors.New("container runtime reported an execution error")
)

// dockerAPI is the subset of the Docker SDK client used by Client.
type dockerAPI interface {
	Close() error
	Ping(ctx context.Context) (types.Ping, error)
	ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerStats(ctx context.Context, containerID string, stream bool) (container.StatsResponseReader, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// ConnectOptions configures Connect.
type ConnectOptions struct {
	// Host overrides DOCKER_HOST, e.g. unix:///run/podman/podman.sock.
	Host string
	// Timeout bounds the connectivity check.
	Timeout time.Duration
}

// Client wraps a connected container runtime.
type Client struct {
	api    dockerAPI
	logger *zap.Logger
}

// Container is a handle to a started sandbox.
type Container struct {
	ID   string
	Name string
}

// ShortID returns the abbreviated container ID used in logs.
func (c *Container) ShortID() string {
	if len(c.ID) > 12 {
		return c.ID[:12]
	}
	return c.ID
}

// Stream selects one of the container's output streams.
type Stream int

// Output streams
const (
	Stdout Stream = iota + 1
	Stderr
)

// MemoryStats is a one-shot memory reading. Nil fields were not reported.
type MemoryStats struct {
	PeakBytes    *uint64
	CurrentBytes *uint64
}

// Connect creates a client and verifies the runtime answers within opts.Timeout.
func Connect(ctx context.Context, opts ConnectOptions, logger *zap.Logger) (*Client, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}

	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: create client: %w", ErrConnection, err)
	}

	c := newClient(cli, logger)
	if err := c.ping(ctx, opts.Timeout); err != nil {
		_ = cli.Close()
		return nil, err
	}
	return c, nil
}

func newClient(api dockerAPI, logger *zap.Logger) *Client {
	return &Client{api: api, logger: logger}
}

func (c *Client) ping(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if _, err := c.api.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	c.logger.Debug("container runtime connected")
	return nil
}

// Close releases the underlying HTTP connections.
func (c *Client) Close() error {
	return c.api.Close()
}

// ImageExists reports whether name is present in the local image cache.
func (c *Client) ImageExists(ctx context.Context, name string) (bool, error) {
	if _, err := c.api.ImageInspect(ctx, name); err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect image %s: %w", name, err)
	}
	return true, nil
}

// PullImage pulls name and waits for the pull to finish. Concurrent pulls of
// the same reference are safe; the runtime deduplicates them.
func (c *Client) PullImage(ctx context.Context, name string) error {
	reader, err := c.api.ImagePull(ctx, name, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrImagePull, name, err)
	}
	defer reader.Close()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("%w: %s: consume pull output: %w", ErrImagePull, name, err)
	}
	c.logger.Info("pulled image", zap.String("image", name))
	return nil
}

// Run creates and starts a container for spec and returns without waiting.
func (c *Client) Run(ctx context.Context, spec RunSpec) (*Container, error) {
	cfg, hostCfg := spec.containerConfig()

	resp, err := c.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		// The daemon may have created the container even though the request
		// failed, e.g. when ctx was cancelled mid-flight. Remove it by name.
		c.removeOrphan(ctx, spec.Name)
		return nil, fmt.Errorf("create container: %w", err)
	}
	for _, w := range resp.Warnings {
		c.logger.Warn("container create warning", zap.String("warning", w))
	}

	ctr := &Container{ID: resp.ID, Name: spec.Name}
	if err := c.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if rmErr := c.Remove(context.Background(), ctr, true); rmErr != nil {
			c.logger.Warn("failed to remove unstarted container", zap.String("container", ctr.ShortID()), zap.Error(rmErr))
		}
		return nil, fmt.Errorf("start container: %w", err)
	}
	return ctr, nil
}

func (c *Client) removeOrphan(ctx context.Context, name string) {
	if name == "" {
		return
	}
	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), orphanRemoveTimeout)
	defer cancel()
	if err := c.Remove(rmCtx, &Container{ID: name, Name: name}, true); err != nil {
		c.logger.Warn("failed to remove container after failed create", zap.String("name", name), zap.Error(err))
	}
}

// Wait blocks until the container stops or timeout elapses and returns its exit code.
func (c *Client) Wait(ctx context.Context, ctr *Container, timeout time.Duration) (int64, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusCh, errCh := c.api.ContainerWait(waitCtx, ctr.ID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return status.StatusCode, fmt.Errorf("%w: %s", ErrDaemon, status.Error.Message)
		}
		return status.StatusCode, nil
	case err := <-errCh:
		return -1, c.waitError(ctx, waitCtx, timeout, err)
	case <-waitCtx.Done():
		return -1, c.waitError(ctx, waitCtx, timeout, waitCtx.Err())
	}
}

func (*Client) waitError(parent, waitCtx context.Context, timeout time.Duration, err error) error {
	if errors.Is(waitCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	return fmt.Errorf("wait for container: %w", err)
}

// Logs returns everything the container wrote to one stream. Call it only
// after Wait has returned so the capture is complete.
func (c *Client) Logs(ctx context.Context, ctr *Container, stream Stream) ([]byte, error) {
	rc, err := c.api.ContainerLogs(ctx, ctr.ID, container.LogsOptions{
		ShowStdout: stream == Stdout,
		ShowStderr: stream == Stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch logs: %w", err)
	}
	defer rc.Close()

	return demux(rc, stream)
}

// Stats takes a single, non-streaming stats snapshot.
func (c *Client) Stats(ctx context.Context, ctr *Container) (MemoryStats, error) {
	resp, err := c.api.ContainerStats(ctx, ctr.ID, false)
	if err != nil {
		return MemoryStats{}, fmt.Errorf("fetch stats: %w", err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return MemoryStats{}, fmt.Errorf("decode stats: %w", err)
	}

	var out MemoryStats
	// The runtime reports zero for counters it does not track (max_usage on cgroup v2).
	if v := stats.MemoryStats.MaxUsage; v > 0 {
		out.PeakBytes = &v
	}
	if v := stats.MemoryStats.Usage; v > 0 {
		out.CurrentBytes = &v
	}
	return out, nil
}

// Stop asks the container to stop, killing it after grace.
func (c *Client) Stop(ctx context.Context, ctr *Container, grace time.Duration) error {
	secs := int(grace.Round(time.Second) / time.Second)
	if err := c.api.ContainerStop(ctx, ctr.ID, container.StopOptions{Timeout: &secs}); err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("stop container %s: %w", ctr.ShortID(), err)
	}
	return nil
}

// Remove deletes the container. A container that is already gone counts as removed.
func (c *Client) Remove(ctx context.Context, ctr *Container, force bool) error {
	err := c.api.ContainerRemove(ctx, ctr.ID, container.RemoveOptions{Force: force})
	switch {
	case err == nil:
		c.logger.Debug("container removed", zap.String("container", ctr.ShortID()))
		return nil
	case cerrdefs.IsNotFound(err):
		c.logger.Debug("container already removed", zap.String("container", ctr.ShortID()))
		return nil
	default:
		return fmt.Errorf("remove container %s: %w", ctr.ShortID(), err)
	}
}
