package sandbox

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/isdmx/coderun/isolation"
	"github.com/isdmx/coderun/language"
)

// Metric placeholders
const (
	NotAvailable = "N/A"
	StatsError   = "Error"
)

// Result is the caller-facing outcome of one run. It is always well formed:
// failures are reported through Error, never as a Go error.
type Result struct {
	Output  string    `json:"output"`
	Error   string    `json:"error"`
	Metrics Metrics   `json:"metrics"`
	RunID   uuid.UUID `json:"run_id"`
}

// Metrics describes resource usage of a run. RuntimeMs is -1 when the
// timed region was never entered.
type Metrics struct {
	RuntimeMs       int64  `json:"runtime_ms"`
	MemUsed         string `json:"mem_used"`
	CPUUsed         string `json:"cpu_used"`
	TimeComplexity  string `json:"time_complexity"`
	SpaceComplexity string `json:"space_complexity"`
}

func newResult(runID uuid.UUID) Result {
	return Result{
		RunID: runID,
		Metrics: Metrics{
			RuntimeMs:       -1,
			MemUsed:         NotAvailable,
			CPUUsed:         NotAvailable,
			TimeComplexity:  NotAvailable,
			SpaceComplexity: NotAvailable,
		},
	}
}

// Runner executes untrusted code submissions.
type Runner interface {
	Execute(ctx context.Context, code, lang string) Result
}

// Isolator is the container runtime as used by a single run.
type Isolator interface {
	ImageExists(ctx context.Context, name string) (bool, error)
	PullImage(ctx context.Context, name string) error
	Run(ctx context.Context, spec isolation.RunSpec) (*isolation.Container, error)
	Wait(ctx context.Context, ctr *isolation.Container, timeout time.Duration) (int64, error)
	Logs(ctx context.Context, ctr *isolation.Container, stream isolation.Stream) ([]byte, error)
	Stats(ctx context.Context, ctr *isolation.Container) (isolation.MemoryStats, error)
	Stop(ctx context.Context, ctr *isolation.Container, grace time.Duration) error
	Remove(ctx context.Context, ctr *isolation.Container, force bool) error
	Close() error
}

// Dialer opens a verified connection to the container runtime. Each run
// dials its own connection and closes it during teardown.
type Dialer func(ctx context.Context) (Isolator, error)

// Workspace stores run sources on the host.
type Workspace interface {
	Dir() string
	Write(runID uuid.UUID, lang language.Language, code string) (string, error)
	Cleanup(sourcePath string, lang language.Language) error
}

// Recorder receives per-run observations.
type Recorder interface {
	ObserveRun(lang, outcome string, runtimeMs int64)
	CleanupFailed()
}

type nopRecorder struct{}

func (nopRecorder) ObserveRun(string, string, int64) {}
func (nopRecorder) CleanupFailed()                   {}
