package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/coderun/isolation"
	"github.com/isdmx/coderun/language"
	"github.com/isdmx/coderun/logger"
)

const (
	// timeoutTolerance is how far below the budget a failed wait may end and
	// still count as a timeout.
	timeoutTolerance = 100 * time.Millisecond
	// teardownTimeout bounds the background context used for cleanup.
	teardownTimeout = 30 * time.Second
	// unsupportedLabel replaces caller-supplied language names in metrics.
	unsupportedLabel = "unsupported"
	outcomeOK        = "ok"
	outcomeNonZero   = "nonzero_exit"
)

// Executor runs code submissions in disposable containers. It is safe for
// concurrent use: runs share nothing but the workspace directory and the
// runtime's image cache.
type Executor struct {
	logger    *zap.Logger
	settings  Settings
	workspace Workspace
	dial      Dialer
	recorder  Recorder
	now       func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithRecorder sets where run observations are reported.
func WithRecorder(r Recorder) Option {
	return func(e *Executor) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithClock replaces time.Now for measuring runtime.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

// New creates an Executor.
func New(logger *zap.Logger, settings Settings, ws Workspace, dial Dialer, opts ...Option) *Executor {
	e := &Executor{
		logger:    logger,
		settings:  settings,
		workspace: ws,
		dial:      dial,
		recorder:  nopRecorder{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// run is the state of one submission.
type run struct {
	id       uuid.UUID
	lang     language.Language
	plan     Plan
	logger   *zap.Logger
	result   Result
	outcome  string
	cleanups cleanupStack
}

// Execute runs code and reports the outcome. It never fails: every error,
// including a panic, ends up in Result.Error, and everything the run
// acquired is released before it returns.
func (e *Executor) Execute(ctx context.Context, code, lang string) (res Result) {
	r := &run{id: uuid.New()}
	r.result = newResult(r.id)
	r.logger = logger.ForRun(e.logger, r.id, lang)

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("unexpected panic during execution", zap.Any("panic", p), zap.Stack("stack"))
			e.fail(r, newRunError(KindInternal, nil, "An unexpected error occurred during execution: %v", p))
		}
		e.finish(r)
		res = r.result
	}()

	if err := e.execute(ctx, r, code, lang); err != nil {
		e.fail(r, err)
	}
	return r.result
}

func (e *Executor) fail(r *run, err *RunError) {
	r.result.Error = err.Msg
	r.outcome = err.Kind.String()
	r.logger.Warn("run failed", zap.Stringer("kind", err.Kind), zap.Error(err.Err))
}

// finish tears the run down and reports it. Teardown never changes the
// result.
func (e *Executor) finish(r *run) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if err := r.cleanups.unwind(ctx, r.logger); err != nil {
		e.recorder.CleanupFailed()
	}

	label := unsupportedLabel
	if r.lang != "" {
		label = r.lang.String()
	}
	e.recorder.ObserveRun(label, r.outcome, r.result.Metrics.RuntimeMs)
	r.logger.Info("run finished",
		zap.String("outcome", r.outcome),
		zap.Int64("runtime_ms", r.result.Metrics.RuntimeMs),
		zap.String("mem_used", r.result.Metrics.MemUsed))
}

func (e *Executor) execute(ctx context.Context, r *run, code, lang string) *RunError {
	l, err := language.Parse(lang)
	if err != nil {
		return newRunError(KindValidation, err, "Unsupported language: %s", lang)
	}
	if strings.TrimSpace(code) == "" {
		return newRunError(KindValidation, nil, "No code provided.")
	}
	r.lang = l

	plan, err := NewPlan(l, r.id, e.settings)
	if err != nil {
		return newRunError(KindInternal, err, "Failed to plan execution: %v", err)
	}
	r.plan = plan

	hostPath, err := e.workspace.Write(r.id, l, code)
	if err != nil {
		return newRunError(KindWorkspace, err, "Failed to write code to temporary file: %v", err)
	}
	r.cleanups.push("workspace files", func(context.Context) error {
		return e.workspace.Cleanup(hostPath, l)
	})
	r.logger.Debug("source written", zap.String("path", hostPath))

	iso, err := e.dial(ctx)
	if err != nil {
		return newRunError(KindConnection, err, "Failed to connect to container runtime: %v", err)
	}
	r.cleanups.push("runtime connection", func(context.Context) error {
		return iso.Close()
	})

	if rerr := e.ensureImage(ctx, r, iso); rerr != nil {
		return rerr
	}

	spec := plan.runSpec(r.id, hostPath, e.workspace.Dir(), e.settings)
	start := e.now()
	ctr, err := iso.Run(ctx, spec)
	if err != nil {
		return newRunError(KindRuntime, err, "Container runtime error: %v", err)
	}
	r.cleanups.push("container", func(ctx context.Context) error {
		return iso.Remove(ctx, ctr, true)
	})
	r.logger.Debug("container started", zap.String("container", ctr.ShortID()), zap.String("image", plan.Image))

	exitCode, waitErr := iso.Wait(ctx, ctr, e.settings.Timeout)
	elapsed := e.now().Sub(start)
	r.result.Metrics.RuntimeMs = elapsed.Round(time.Millisecond).Milliseconds()

	switch {
	case waitErr == nil:
		return e.collect(ctx, r, iso, ctr, exitCode, elapsed)
	case errors.Is(waitErr, isolation.ErrDaemon):
		return newRunError(KindDaemon, waitErr, "Container execution error: %v%s",
			waitErr, e.logsSuffix(ctx, r, iso, ctr))
	case elapsed >= e.settings.Timeout-timeoutTolerance:
		e.stop(r, iso, ctr)
		return newRunError(KindTimeout, waitErr, "Execution timed out after %g seconds.", e.settings.Timeout.Seconds())
	default:
		return newRunError(KindWait, waitErr, "Error waiting for container results: %v%s",
			waitErr, e.logsSuffix(ctx, r, iso, ctr))
	}
}

func (e *Executor) ensureImage(ctx context.Context, r *run, iso Isolator) *RunError {
	image := r.plan.Image
	ok, err := iso.ImageExists(ctx, image)
	if err != nil {
		return newRunError(KindImagePull, err, "Failed to inspect image %s: %v", image, err)
	}
	if ok {
		return nil
	}

	r.logger.Info("pulling image", zap.String("image", image))
	if err := iso.PullImage(ctx, image); err != nil {
		return newRunError(KindImagePull, err, "Failed to pull image %s: %v", image, err)
	}
	return nil
}

// collect fills the result of a run that completed on its own.
func (e *Executor) collect(ctx context.Context, r *run, iso Isolator, ctr *isolation.Container, exitCode int64, elapsed time.Duration) *RunError {
	ctx = detached(ctx)

	stdout, err := iso.Logs(ctx, ctr, isolation.Stdout)
	if err != nil {
		return newRunError(KindRuntime, err, "Failed to retrieve container output: %v", err)
	}
	stderr, err := iso.Logs(ctx, ctr, isolation.Stderr)
	if err != nil {
		return newRunError(KindRuntime, err, "Failed to retrieve container output: %v", err)
	}

	r.result.Output = strings.TrimSpace(string(stdout))
	r.result.Error = strings.TrimSpace(string(stderr))
	r.outcome = outcomeOK

	if exitCode != 0 {
		r.outcome = outcomeNonZero
		r.result.Error = exitMessage(exitCode, r.result.Error,
			Classify(exitCode, elapsed, e.settings.Timeout, e.settings.MemoryLimit))
		r.logger.Info("process exited with non-zero code", zap.Int64("exit_code", exitCode))
	}

	r.result.Metrics.MemUsed = e.memoryUsed(ctx, r, iso, ctr)
	return nil
}

func exitMessage(exitCode int64, stderr, diagnostic string) string {
	msg := fmt.Sprintf("Execution failed with exit code %d.", exitCode)
	if stderr != "" {
		msg += "\n" + stderr
	}
	if diagnostic != "" {
		msg += " " + diagnostic
	}
	return msg
}

func (e *Executor) memoryUsed(ctx context.Context, r *run, iso Isolator, ctr *isolation.Container) string {
	stats, err := iso.Stats(ctx, ctr)
	if err != nil {
		r.logger.Warn("failed to read container stats", zap.Error(err))
		return StatsError
	}
	switch {
	case stats.PeakBytes != nil:
		return fmt.Sprintf("%.2f MiB", mebibytes(*stats.PeakBytes))
	case stats.CurrentBytes != nil:
		return fmt.Sprintf("%.2f MiB (Final)", mebibytes(*stats.CurrentBytes))
	default:
		return NotAvailable
	}
}

func mebibytes(b uint64) float64 {
	return float64(b) / (1 << 20)
}

// logsSuffix returns whatever stderr can still be read, formatted for
// appending to an error message.
func (e *Executor) logsSuffix(ctx context.Context, r *run, iso Isolator, ctr *isolation.Container) string {
	logs, err := iso.Logs(detached(ctx), ctr, isolation.Stderr)
	if err != nil {
		r.logger.Debug("no logs available after failed wait", zap.Error(err))
		return ""
	}
	text := strings.TrimSpace(string(logs))
	if text == "" {
		return ""
	}
	return "\n--- Container Logs ---\n" + text
}

func (e *Executor) stop(r *run, iso Isolator, ctr *isolation.Container) {
	ctx, cancel := context.WithTimeout(context.Background(), e.settings.StopGrace+teardownTimeout)
	defer cancel()
	if err := iso.Stop(ctx, ctr, e.settings.StopGrace); err != nil {
		r.logger.Warn("failed to stop container after timeout", zap.String("container", ctr.ShortID()), zap.Error(err))
	}
}

// detached keeps post-wait calls working if the caller's context ends
// before or during collection.
func detached(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
