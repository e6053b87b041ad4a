package sandbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/isdmx/coderun/isolation"
)

var errBoom = errors.New("boom")

// fakeIsolator stands in for the container runtime. Zero value: the image
// is missing, pulls succeed and the container exits 0 with no output.
type fakeIsolator struct {
	mu sync.Mutex

	imagePresent bool
	imageErr     error
	pullErr      error
	runErr       error
	waitCode     int64
	waitErr      error
	waitPanic    any
	stdout       string
	stderr       string
	logsErr      error
	stats        isolation.MemoryStats
	statsErr     error
	stopErr      error
	removeErr    error
	onRun        func(spec isolation.RunSpec)
	onLogs       func(stream isolation.Stream)

	pulled    []string
	specs     []isolation.RunSpec
	stopped   []string
	stopGrace time.Duration
	removed   []string
	closed    int
}

func (f *fakeIsolator) dialer() Dialer {
	return func(context.Context) (Isolator, error) {
		return f, nil
	}
}

func (f *fakeIsolator) ImageExists(context.Context, string) (bool, error) {
	return f.imagePresent, f.imageErr
}

func (f *fakeIsolator) PullImage(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, name)
	return f.pullErr
}

func (f *fakeIsolator) Run(_ context.Context, spec isolation.RunSpec) (*isolation.Container, error) {
	if f.onRun != nil {
		f.onRun(spec)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	if f.runErr != nil {
		return nil, f.runErr
	}
	return &isolation.Container{ID: "c-" + spec.Labels[isolation.RunIDLabel], Name: spec.Name}, nil
}

func (f *fakeIsolator) Wait(context.Context, *isolation.Container, time.Duration) (int64, error) {
	if f.waitPanic != nil {
		panic(f.waitPanic)
	}
	return f.waitCode, f.waitErr
}

func (f *fakeIsolator) Logs(ctx context.Context, _ *isolation.Container, stream isolation.Stream) ([]byte, error) {
	if f.onLogs != nil {
		f.onLogs(stream)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.logsErr != nil {
		return nil, f.logsErr
	}
	if stream == isolation.Stderr {
		return []byte(f.stderr), nil
	}
	return []byte(f.stdout), nil
}

func (f *fakeIsolator) Stats(ctx context.Context, _ *isolation.Container) (isolation.MemoryStats, error) {
	if err := ctx.Err(); err != nil {
		return isolation.MemoryStats{}, err
	}
	return f.stats, f.statsErr
}

func (f *fakeIsolator) Stop(_ context.Context, ctr *isolation.Container, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, ctr.ID)
	f.stopGrace = grace
	return f.stopErr
}

func (f *fakeIsolator) Remove(_ context.Context, ctr *isolation.Container, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, ctr.ID)
	return f.removeErr
}

func (f *fakeIsolator) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

type observation struct {
	lang      string
	outcome   string
	runtimeMs int64
}

type fakeRecorder struct {
	mu              sync.Mutex
	runs            []observation
	cleanupFailures int
}

func (r *fakeRecorder) ObserveRun(lang, outcome string, runtimeMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, observation{lang, outcome, runtimeMs})
}

func (r *fakeRecorder) CleanupFailed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanupFailures++
}

// steppingClock returns start on its first call and start+elapsed after.
func steppingClock(elapsed time.Duration) func() time.Time {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	return func() time.Time {
		calls++
		if calls == 1 {
			return start
		}
		return start.Add(elapsed)
	}
}
