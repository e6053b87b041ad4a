package sandbox

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/coderun/config"
	"github.com/isdmx/coderun/isolation"
)

const rootfulPodmanSocket = "unix:///run/podman/podman.sock"

// NewExecutor creates an Executor for the configured backend
func NewExecutor(logger *zap.Logger, cfg *config.Config, ws Workspace, opts ...Option) (*Executor, error) {
	settings, err := SettingsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	dial, err := NewDialer(logger, cfg.Sandbox.Backend, cfg.Sandbox.Host, cfg.GetConnectTimeout())
	if err != nil {
		return nil, err
	}

	return New(logger, settings, ws, dial, opts...), nil
}

// SettingsFromConfig resolves the per-run settings from configuration.
func SettingsFromConfig(cfg *config.Config) (Settings, error) {
	memory, err := isolation.ParseMemory(cfg.Sandbox.MemoryLimit)
	if err != nil {
		return Settings{}, fmt.Errorf("invalid memory limit: %w", err)
	}

	return Settings{
		PythonImage: cfg.Languages.Python.Image,
		CPPImage:    cfg.Languages.CPP.Image,
		Timeout:     cfg.GetTimeout(),
		MemoryLimit: cfg.Sandbox.MemoryLimit,
		MemoryBytes: memory,
		CPULimit:    cfg.Sandbox.CPULimit,
		LogMaxSize:  cfg.Sandbox.LogMaxSize,
		StopGrace:   cfg.GetStopGrace(),
	}, nil
}

// NewDialer returns a Dialer for backend. Both backends speak the Docker
// Engine API; podman only needs its socket located when host is empty.
func NewDialer(logger *zap.Logger, backend, host string, timeout time.Duration) (Dialer, error) {
	switch backend {
	case "docker":
	case "podman":
		if host == "" {
			host = podmanHost()
		}
	default:
		return nil, fmt.Errorf("unsupported backend: %s", backend)
	}

	opts := isolation.ConnectOptions{Host: host, Timeout: timeout}
	return func(ctx context.Context) (Isolator, error) {
		c, err := isolation.Connect(ctx, opts, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	}, nil
}

func podmanHost() string {
	if h := os.Getenv("CONTAINER_HOST"); h != "" {
		return h
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" && os.Geteuid() != 0 {
		return "unix://" + dir + "/podman/podman.sock"
	}
	return rootfulPodmanSocket
}
