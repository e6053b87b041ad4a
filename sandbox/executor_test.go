package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/coderun/isolation"
	"github.com/isdmx/coderun/language"
	"github.com/isdmx/coderun/workspace"
)

const testWorkDir = "/srv/coderun/temp_code"

func testSettings() Settings {
	return Settings{
		PythonImage: "python:3.10-slim",
		CPPImage:    "gcc:11",
		Timeout:     2 * time.Second,
		MemoryLimit: "128m",
		MemoryBytes: 128 << 20,
		CPULimit:    0.5,
		LogMaxSize:  "1m",
		StopGrace:   time.Second,
	}
}

type harness struct {
	fs       afero.Fs
	iso      *fakeIsolator
	recorder *fakeRecorder
	dials    int
	exec     *Executor
}

func newHarness(t *testing.T, elapsed time.Duration, opts ...func(h *harness)) *harness {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(testWorkDir, workspace.DirPermission))

	h := &harness{fs: fs, iso: &fakeIsolator{imagePresent: true}, recorder: &fakeRecorder{}}
	for _, opt := range opts {
		opt(h)
	}

	logger := zaptest.NewLogger(t)
	ws := workspace.New(testWorkDir, logger, workspace.WithFs(h.fs))
	dial := func(ctx context.Context) (Isolator, error) {
		h.dials++
		return h.iso.dialer()(ctx)
	}
	h.exec = New(logger, testSettings(), ws, dial, WithRecorder(h.recorder), WithClock(steppingClock(elapsed)))
	return h
}

// workspaceFiles lists what is left in the workspace directory.
func (h *harness) workspaceFiles(t *testing.T) []string {
	t.Helper()
	entries, err := afero.ReadDir(h.fs, testWorkDir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func (h *harness) lastObservation(t *testing.T) observation {
	t.Helper()
	require.NotEmpty(t, h.recorder.runs)
	return h.recorder.runs[len(h.recorder.runs)-1]
}

func TestExecutePythonSuccess(t *testing.T) {
	h := newHarness(t, 250*time.Millisecond)
	h.iso.stdout = "hi\n"
	h.iso.stats = isolation.MemoryStats{PeakBytes: ptr(uint64(12 << 20))}

	var sourceExisted bool
	h.iso.onRun = func(spec isolation.RunSpec) {
		sourceExisted, _ = afero.Exists(h.fs, spec.Mounts[0].Source)
	}

	res := h.exec.Execute(context.Background(), `print("hi")`, "python")

	assert.Equal(t, "hi", res.Output)
	assert.Empty(t, res.Error)
	assert.Equal(t, int64(250), res.Metrics.RuntimeMs)
	assert.Equal(t, "12.00 MiB", res.Metrics.MemUsed)
	assert.Equal(t, NotAvailable, res.Metrics.CPUUsed)
	assert.Equal(t, NotAvailable, res.Metrics.TimeComplexity)
	assert.Equal(t, NotAvailable, res.Metrics.SpaceComplexity)
	assert.True(t, sourceExisted)

	require.Len(t, h.iso.specs, 1)
	spec := h.iso.specs[0]
	source := language.Python.SourceFilename(res.RunID)
	assert.Equal(t, "python:3.10-slim", spec.Image)
	assert.Equal(t, []string{"python", "/app/" + source}, spec.Command)
	assert.Equal(t, "coderun-"+res.RunID.String(), spec.Name)
	assert.Equal(t, res.RunID.String(), spec.Labels[isolation.RunIDLabel])
	assert.True(t, spec.ReadOnlyRootfs)
	assert.Equal(t, int64(128<<20), spec.MemoryBytes)
	assert.Equal(t, int64(500_000_000), spec.NanoCPUs)
	require.Len(t, spec.Mounts, 1)
	assert.Equal(t, filepath.Join(testWorkDir, source), spec.Mounts[0].Source)
	assert.True(t, spec.Mounts[0].ReadOnly)

	assert.Empty(t, h.iso.pulled)
	assert.Equal(t, []string{"c-" + res.RunID.String()}, h.iso.removed)
	assert.Equal(t, 1, h.iso.closed)
	assert.Empty(t, h.workspaceFiles(t))
	assert.Equal(t, observation{"python", "ok", 250}, h.lastObservation(t))
}

func TestExecuteCPPSuccess(t *testing.T) {
	h := newHarness(t, 900*time.Millisecond)
	h.iso.stdout = "42\n"
	h.iso.onRun = func(spec isolation.RunSpec) {
		// The compiler leaves its binary next to the source.
		id := spec.Labels[isolation.RunIDLabel]
		_ = afero.WriteFile(h.fs, filepath.Join(testWorkDir, id+"_main.out"), []byte("ELF"), 0o755)
	}

	res := h.exec.Execute(context.Background(), "int main(){}", "CPP")

	assert.Equal(t, "42", res.Output)
	assert.Empty(t, res.Error)

	require.Len(t, h.iso.specs, 1)
	spec := h.iso.specs[0]
	src := "/app/" + language.CPP.SourceFilename(res.RunID)
	bin := "/app/" + language.CPP.ArtifactFilename(res.RunID)
	assert.Equal(t, "gcc:11", spec.Image)
	assert.Equal(t, []string{"sh", "-c", fmt.Sprintf("g++ %s -std=c++17 -O2 -o %s && %s", src, bin, bin)}, spec.Command)
	assert.False(t, spec.ReadOnlyRootfs)
	require.Len(t, spec.Mounts, 1)
	assert.Equal(t, testWorkDir, spec.Mounts[0].Source)
	assert.Equal(t, "/app", spec.Mounts[0].Target)
	assert.False(t, spec.Mounts[0].ReadOnly)

	assert.Empty(t, h.workspaceFiles(t), "source and binary are removed")
	assert.Equal(t, "cpp", h.lastObservation(t).lang)
}

func TestExecuteRejectsBeforeTouchingAnything(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		lang    string
		wantErr string
	}{
		{"UnsupportedLanguage", "puts 1", "ruby", "Unsupported language: ruby"},
		{"EmptyLanguage", "print(1)", "", "Unsupported language: "},
		{"EmptyCode", "  \n\t", "python", "No code provided."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, time.Second)

			res := h.exec.Execute(context.Background(), tt.code, tt.lang)

			assert.Equal(t, tt.wantErr, res.Error)
			assert.Empty(t, res.Output)
			assert.Equal(t, int64(-1), res.Metrics.RuntimeMs)
			assert.Equal(t, NotAvailable, res.Metrics.MemUsed)
			assert.Zero(t, h.dials)
			assert.Empty(t, h.workspaceFiles(t))
			assert.Equal(t, "rejected", h.lastObservation(t).outcome)
		})
	}

	t.Run("UnsupportedLanguageLabel", func(t *testing.T) {
		h := newHarness(t, time.Second)
		h.exec.Execute(context.Background(), "x", "brainfuck")
		assert.Equal(t, unsupportedLabel, h.lastObservation(t).lang)
	})
}

func TestExecuteSetupFailures(t *testing.T) {
	t.Run("WorkspaceWriteFails", func(t *testing.T) {
		h := newHarness(t, time.Second, func(h *harness) {
			h.fs = afero.NewReadOnlyFs(h.fs)
		})

		res := h.exec.Execute(context.Background(), "print(1)", "python")

		assert.True(t, strings.HasPrefix(res.Error, "Failed to write code to temporary file: "), res.Error)
		assert.Equal(t, int64(-1), res.Metrics.RuntimeMs)
		assert.Zero(t, h.dials)
		assert.Equal(t, "workspace_error", h.lastObservation(t).outcome)
	})

	t.Run("ConnectFails", func(t *testing.T) {
		h := newHarness(t, time.Second)
		h.exec.dial = func(context.Context) (Isolator, error) {
			return nil, fmt.Errorf("%w: daemon unreachable", isolation.ErrConnection)
		}

		res := h.exec.Execute(context.Background(), "print(1)", "python")

		assert.True(t, strings.HasPrefix(res.Error, "Failed to connect to container runtime: "), res.Error)
		assert.Contains(t, res.Error, "daemon unreachable")
		assert.Empty(t, h.workspaceFiles(t), "written source is cleaned up")
		assert.Equal(t, "connection_error", h.lastObservation(t).outcome)
	})

	t.Run("ImageIsPulledWhenMissing", func(t *testing.T) {
		h := newHarness(t, time.Second)
		h.iso.imagePresent = false

		res := h.exec.Execute(context.Background(), "print(1)", "python")

		assert.Empty(t, res.Error)
		assert.Equal(t, []string{"python:3.10-slim"}, h.iso.pulled)
	})

	t.Run("PullFails", func(t *testing.T) {
		h := newHarness(t, time.Second)
		h.iso.imagePresent = false
		h.iso.pullErr = fmt.Errorf("%w: manifest unknown", isolation.ErrImagePull)

		res := h.exec.Execute(context.Background(), "print(1)", "python")

		assert.True(t, strings.HasPrefix(res.Error, "Failed to pull image python:3.10-slim: "), res.Error)
		assert.Empty(t, h.iso.specs, "no container is started")
		assert.Equal(t, 1, h.iso.closed)
		assert.Empty(t, h.workspaceFiles(t))
		assert.Equal(t, "image_error", h.lastObservation(t).outcome)
	})

	t.Run("ImageInspectFails", func(t *testing.T) {
		h := newHarness(t, time.Second)
		h.iso.imageErr = errBoom

		res := h.exec.Execute(context.Background(), "print(1)", "python")

		assert.Contains(t, res.Error, "Failed to inspect image python:3.10-slim")
		assert.Empty(t, h.iso.specs)
	})

	t.Run("RunFails", func(t *testing.T) {
		h := newHarness(t, time.Second)
		h.iso.runErr = errBoom

		res := h.exec.Execute(context.Background(), "print(1)", "python")

		assert.Equal(t, "Container runtime error: boom", res.Error)
		assert.Equal(t, int64(-1), res.Metrics.RuntimeMs)
		assert.Empty(t, h.iso.removed, "nothing to remove")
		assert.Equal(t, 1, h.iso.closed)
		assert.Empty(t, h.workspaceFiles(t))
	})
}

func TestExecuteNonZeroExit(t *testing.T) {
	t.Run("Segfault", func(t *testing.T) {
		h := newHarness(t, 300*time.Millisecond)
		h.iso.waitCode = 139
		h.iso.stderr = "Segmentation fault (core dumped)\n"

		res := h.exec.Execute(context.Background(), "int main(){int x[1]; x[100000000]=1;}", "cpp")

		assert.Equal(t,
			"Execution failed with exit code 139.\nSegmentation fault (core dumped) Process likely caused a Segmentation Fault.",
			res.Error)
		assert.Equal(t, int64(300), res.Metrics.RuntimeMs)
		assert.Equal(t, "nonzero_exit", h.lastObservation(t).outcome)
	})

	t.Run("CompileErrorWithoutDiagnostic", func(t *testing.T) {
		h := newHarness(t, 800*time.Millisecond)
		h.iso.waitCode = 1
		h.iso.stderr = "main.cpp:1:1: error: 'nope' does not name a type"

		res := h.exec.Execute(context.Background(), "nope", "cpp")

		assert.Equal(t, "Execution failed with exit code 1.\nmain.cpp:1:1: error: 'nope' does not name a type", res.Error)
	})

	t.Run("NoStderr", func(t *testing.T) {
		h := newHarness(t, 100*time.Millisecond)
		h.iso.waitCode = 3

		res := h.exec.Execute(context.Background(), "import sys; sys.exit(3)", "python")

		assert.Equal(t, "Execution failed with exit code 3.", res.Error)
	})

	t.Run("KilledNearDeadline", func(t *testing.T) {
		h := newHarness(t, 1900*time.Millisecond)
		h.iso.waitCode = 137

		res := h.exec.Execute(context.Background(), "while True: pass", "python")

		assert.Equal(t, "Execution failed with exit code 137. Process likely killed due to timeout (2s).", res.Error)
	})

	t.Run("KilledEarly", func(t *testing.T) {
		h := newHarness(t, 300*time.Millisecond)
		h.iso.waitCode = 137

		res := h.exec.Execute(context.Background(), "x = ' ' * 10**10", "python")

		assert.Equal(t, "Execution failed with exit code 137. Process likely killed due to memory limit (128m).", res.Error)
	})
}

func TestExecuteWaitFailures(t *testing.T) {
	t.Run("Timeout", func(t *testing.T) {
		h := newHarness(t, 2*time.Second)
		h.iso.waitErr = fmt.Errorf("%w after 2s", isolation.ErrTimeout)

		res := h.exec.Execute(context.Background(), "while True: pass", "python")

		assert.Equal(t, "Execution timed out after 2 seconds.", res.Error)
		assert.GreaterOrEqual(t, res.Metrics.RuntimeMs, int64(2000))
		assert.Len(t, h.iso.stopped, 1)
		assert.Equal(t, time.Second, h.iso.stopGrace)
		assert.Len(t, h.iso.removed, 1)
		assert.Empty(t, h.workspaceFiles(t))
		assert.Equal(t, "timeout", h.lastObservation(t).outcome)
	})

	t.Run("TimeoutWithinTolerance", func(t *testing.T) {
		h := newHarness(t, 1950*time.Millisecond)
		h.iso.waitErr = errBoom

		res := h.exec.Execute(context.Background(), "while True: pass", "python")

		assert.Equal(t, "Execution timed out after 2 seconds.", res.Error)
	})

	t.Run("StopFailureKeepsTimeoutResult", func(t *testing.T) {
		h := newHarness(t, 2*time.Second)
		h.iso.waitErr = isolation.ErrTimeout
		h.iso.stopErr = errBoom

		res := h.exec.Execute(context.Background(), "while True: pass", "python")

		assert.Equal(t, "Execution timed out after 2 seconds.", res.Error)
		assert.Len(t, h.iso.removed, 1)
	})

	t.Run("DaemonError", func(t *testing.T) {
		h := newHarness(t, 400*time.Millisecond)
		h.iso.waitErr = fmt.Errorf("%w: oci runtime failed", isolation.ErrDaemon)
		h.iso.stderr = "exec format error\n"

		res := h.exec.Execute(context.Background(), "print(1)", "python")

		assert.True(t, strings.HasPrefix(res.Error, "Container execution error: "), res.Error)
		assert.Contains(t, res.Error, "oci runtime failed")
		assert.True(t, strings.HasSuffix(res.Error, "\n--- Container Logs ---\nexec format error"), res.Error)
		assert.Empty(t, h.iso.stopped)
		assert.Len(t, h.iso.removed, 1)
		assert.Equal(t, "daemon_error", h.lastObservation(t).outcome)
	})

	t.Run("DaemonErrorWithoutLogs", func(t *testing.T) {
		h := newHarness(t, 400*time.Millisecond)
		h.iso.waitErr = fmt.Errorf("%w: oci runtime failed", isolation.ErrDaemon)
		h.iso.logsErr = errBoom

		res := h.exec.Execute(context.Background(), "print(1)", "python")

		assert.NotContains(t, res.Error, "--- Container Logs ---")
	})

	t.Run("GenericWaitError", func(t *testing.T) {
		h := newHarness(t, 500*time.Millisecond)
		h.iso.waitErr = fmt.Errorf("wait for container: %w", errBoom)
		h.iso.stderr = "partial"

		res := h.exec.Execute(context.Background(), "print(1)", "python")

		assert.Equal(t, "Error waiting for container results: wait for container: boom\n--- Container Logs ---\npartial", res.Error)
		assert.Equal(t, int64(500), res.Metrics.RuntimeMs)
		assert.Empty(t, h.iso.stopped)
		assert.Equal(t, "wait_error", h.lastObservation(t).outcome)
	})

	t.Run("LogRetrievalFails", func(t *testing.T) {
		h := newHarness(t, 500*time.Millisecond)
		h.iso.logsErr = errBoom

		res := h.exec.Execute(context.Background(), "print(1)", "python")

		assert.Equal(t, "Failed to retrieve container output: boom", res.Error)
		assert.Len(t, h.iso.removed, 1)
	})
}

func TestExecuteMemoryReporting(t *testing.T) {
	tests := []struct {
		name     string
		stats    isolation.MemoryStats
		statsErr error
		want     string
	}{
		{"Peak", isolation.MemoryStats{PeakBytes: ptr(uint64(3 << 19)), CurrentBytes: ptr(uint64(1 << 20))}, nil, "1.50 MiB"},
		{"CurrentOnly", isolation.MemoryStats{CurrentBytes: ptr(uint64(5 << 20))}, nil, "5.00 MiB (Final)"},
		{"NotReported", isolation.MemoryStats{}, nil, NotAvailable},
		{"StatsFail", isolation.MemoryStats{}, errBoom, StatsError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 100*time.Millisecond)
			h.iso.stats = tt.stats
			h.iso.statsErr = tt.statsErr

			res := h.exec.Execute(context.Background(), "print(1)", "python")

			assert.Empty(t, res.Error)
			assert.Equal(t, tt.want, res.Metrics.MemUsed)
		})
	}
}

func TestExecuteRecoversPanics(t *testing.T) {
	h := newHarness(t, time.Second)
	h.iso.waitPanic = "kaboom"

	var res Result
	require.NotPanics(t, func() {
		res = h.exec.Execute(context.Background(), "print(1)", "python")
	})

	assert.Equal(t, "An unexpected error occurred during execution: kaboom", res.Error)
	assert.NotEqual(t, uuid.Nil, res.RunID)
	assert.Len(t, h.iso.removed, 1)
	assert.Equal(t, 1, h.iso.closed)
	assert.Empty(t, h.workspaceFiles(t))
	assert.Equal(t, "internal_error", h.lastObservation(t).outcome)
}

func TestExecuteCleanupFailureDoesNotChangeResult(t *testing.T) {
	h := newHarness(t, 100*time.Millisecond)
	h.iso.stdout = "done"
	h.iso.removeErr = errBoom

	res := h.exec.Execute(context.Background(), "print('done')", "python")

	assert.Equal(t, "done", res.Output)
	assert.Empty(t, res.Error)
	assert.Equal(t, 1, h.recorder.cleanupFailures)
	assert.Equal(t, 1, h.iso.closed, "later releases still run")
	assert.Empty(t, h.workspaceFiles(t))
}

func TestExecuteCallerCancelledStillCollects(t *testing.T) {
	h := newHarness(t, 100*time.Millisecond)
	h.iso.stdout = "ok"

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.exec.Execute(ctx, "print('ok')", "python")

	assert.Equal(t, "ok", res.Output)
	assert.Len(t, h.iso.removed, 1)
}

func TestExecuteCallerCancelledDuringCollection(t *testing.T) {
	h := newHarness(t, 100*time.Millisecond)
	h.iso.stdout = "partial"
	h.iso.stderr = "warning"
	h.iso.stats = isolation.MemoryStats{PeakBytes: ptr(uint64(3 << 20))}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.iso.onLogs = func(stream isolation.Stream) {
		if stream == isolation.Stdout {
			cancel()
		}
	}

	res := h.exec.Execute(ctx, "print('partial')", "python")

	assert.Equal(t, "partial", res.Output)
	assert.Equal(t, "warning", res.Error)
	assert.Equal(t, "3.00 MiB", res.Metrics.MemUsed)
	assert.Len(t, h.iso.removed, 1)
	assert.Empty(t, h.workspaceFiles(t))
}

func TestExecuteConcurrentRunsAreIndependent(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(testWorkDir, workspace.DirPermission))
	logger := zaptest.NewLogger(t)
	iso := &fakeIsolator{imagePresent: true, stdout: "x"}
	exec := New(logger, testSettings(), workspace.New(testWorkDir, logger, workspace.WithFs(fs)), iso.dialer())

	const runs = 16
	results := make([]Result, runs)
	var wg sync.WaitGroup
	for i := range runs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lang := "python"
			if i%2 == 1 {
				lang = "cpp"
			}
			results[i] = exec.Execute(context.Background(), "code", lang)
		}()
	}
	wg.Wait()

	seen := make(map[string]bool, runs)
	for _, res := range results {
		assert.Empty(t, res.Error)
		assert.False(t, seen[res.RunID.String()], "run IDs are unique")
		seen[res.RunID.String()] = true
	}
	assert.Len(t, iso.removed, runs)
	assert.Equal(t, runs, iso.closed)

	entries, err := afero.ReadDir(fs, testWorkDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func ptr[T any](v T) *T {
	return &v
}
