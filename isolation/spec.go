package isolation

import (
	"bytes"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
)

// RunIDLabel is set on every sandbox so leftovers can be traced to a run.
const RunIDLabel = "coderun.run_id"

const maxOpenFiles = 1024

// Mount binds a host path into the sandbox.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// RunSpec declares a sandbox. Network access and privilege escalation are
// always disabled and are not configurable here.
type RunSpec struct {
	Name           string
	Image          string
	Command        []string
	WorkingDir     string
	Mounts         []Mount
	MemoryBytes    int64
	NanoCPUs       int64
	ReadOnlyRootfs bool
	LogMaxSize     string
	Labels         map[string]string
}

func (s *RunSpec) containerConfig() (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:           s.Image,
		Cmd:             s.Command,
		WorkingDir:      s.WorkingDir,
		NetworkDisabled: true,
		AttachStdout:    true,
		AttachStderr:    true,
		Labels:          s.Labels,
	}

	mounts := make([]mount.Mount, 0, len(s.Mounts))
	for _, m := range s.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode("none"),
		SecurityOpt: []string{"no-new-privileges"},
		Resources: container.Resources{
			NanoCPUs: s.NanoCPUs,
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: maxOpenFiles, Hard: maxOpenFiles},
			},
		},
		ReadonlyRootfs: s.ReadOnlyRootfs,
	}
	if s.MemoryBytes > 0 {
		hostCfg.Resources.Memory = s.MemoryBytes
		// Equal to Memory: no swap beyond the limit.
		hostCfg.Resources.MemorySwap = s.MemoryBytes
	}
	if s.LogMaxSize != "" {
		hostCfg.LogConfig = container.LogConfig{
			Type:   "json-file",
			Config: map[string]string{"max-size": s.LogMaxSize},
		}
	}
	return cfg, hostCfg
}

// ParseMemory converts a human size such as "128m" into bytes.
func ParseMemory(limit string) (int64, error) {
	n, err := units.RAMInBytes(limit)
	if err != nil {
		return 0, fmt.Errorf("invalid memory limit %q: %w", limit, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid memory limit %q: must be positive", limit)
	}
	return n, nil
}

// NanoCPUs converts a fractional CPU count into the runtime's nano-CPU unit.
func NanoCPUs(cpus float64) int64 {
	return int64(cpus * 1e9)
}

func demux(r io.Reader, stream Stream) ([]byte, error) {
	var buf bytes.Buffer
	stdout, stderr := io.Discard, io.Discard
	if stream == Stdout {
		stdout = &buf
	} else {
		stderr = &buf
	}
	if _, err := stdcopy.StdCopy(stdout, stderr, r); err != nil {
		return nil, fmt.Errorf("demux logs: %w", err)
	}
	return buf.Bytes(), nil
}
