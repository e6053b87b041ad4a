package sandbox

import (
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/isdmx/coderun/isolation"
	"github.com/isdmx/coderun/language"
)

// SandboxDir is where run files appear inside the container.
const SandboxDir = "/app"

// MountMode says whether the sandbox may write to its mounted files.
type MountMode string

// Mount modes
const (
	MountReadOnly  MountMode = "ro"
	MountReadWrite MountMode = "rw"
)

// Settings holds the resource limits and images applied to every run.
type Settings struct {
	PythonImage string
	CPPImage    string
	Timeout     time.Duration
	MemoryLimit string // as configured, e.g. "128m"; shown in diagnostics
	MemoryBytes int64
	CPULimit    float64
	LogMaxSize  string
	StopGrace   time.Duration
}

// Plan is the per-language recipe for one run.
type Plan struct {
	Language         language.Language
	Image            string
	SourceFilename   string
	ArtifactFilename string
	Command          []string
	MountMode        MountMode
}

// NewPlan derives the plan for lang. It depends only on its inputs.
func NewPlan(lang language.Language, runID uuid.UUID, settings Settings) (Plan, error) {
	p := Plan{
		Language:         lang,
		SourceFilename:   lang.SourceFilename(runID),
		ArtifactFilename: lang.ArtifactFilename(runID),
	}
	src := path.Join(SandboxDir, p.SourceFilename)

	switch lang {
	case language.Python:
		p.Image = settings.PythonImage
		p.Command = []string{"python", src}
		p.MountMode = MountReadOnly
	case language.CPP:
		bin := path.Join(SandboxDir, p.ArtifactFilename)
		p.Image = settings.CPPImage
		// The binary only runs if compilation succeeded; otherwise the
		// compiler's stderr is the run's error output.
		p.Command = []string{"sh", "-c", fmt.Sprintf("g++ %s -std=c++17 -O2 -o %s && %s", src, bin, bin)}
		p.MountMode = MountReadWrite
	default:
		return Plan{}, fmt.Errorf("%w: %s", language.ErrUnsupported, lang)
	}

	if p.Image == "" {
		return Plan{}, fmt.Errorf("no image configured for language %s", lang)
	}
	return p, nil
}

// Mounts returns the bind mounts for the plan. Read-only plans get just their
// source file; writable plans get the whole workspace so the compiler can
// place its output next to the source.
func (p *Plan) Mounts(hostSourcePath, workspaceDir string) []isolation.Mount {
	if p.MountMode == MountReadOnly {
		return []isolation.Mount{{
			Source:   hostSourcePath,
			Target:   path.Join(SandboxDir, p.SourceFilename),
			ReadOnly: true,
		}}
	}
	return []isolation.Mount{{
		Source: workspaceDir,
		Target: SandboxDir,
	}}
}

func (p *Plan) runSpec(runID uuid.UUID, hostSourcePath, workspaceDir string, settings Settings) isolation.RunSpec {
	return isolation.RunSpec{
		Name:           "coderun-" + runID.String(),
		Image:          p.Image,
		Command:        p.Command,
		WorkingDir:     SandboxDir,
		Mounts:         p.Mounts(hostSourcePath, workspaceDir),
		MemoryBytes:    settings.MemoryBytes,
		NanoCPUs:       isolation.NanoCPUs(settings.CPULimit),
		ReadOnlyRootfs: p.MountMode == MountReadOnly,
		LogMaxSize:     settings.LogMaxSize,
		Labels:         map[string]string{isolation.RunIDLabel: runID.String()},
	}
}
