// Package metrics exposes Prometheus instruments for code runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder counts runs and their durations. It satisfies sandbox.Recorder.
type Recorder struct {
	// ExecutionsTotal counts runs by language and outcome.
	ExecutionsTotal *prometheus.CounterVec
	// ExecutionDuration tracks the timed part of each run in seconds.
	ExecutionDuration *prometheus.HistogramVec
	// CleanupFailures counts runs whose teardown left something behind.
	CleanupFailures prometheus.Counter
}

// New registers the run instruments with reg.
func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		ExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coderun_executions_total",
				Help: "Total number of code executions",
			},
			[]string{"language", "outcome"},
		),
		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coderun_execution_duration_seconds",
				Help:    "Duration of code executions in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			[]string{"language"},
		),
		CleanupFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "coderun_cleanup_failures_total",
				Help: "Total number of runs whose cleanup failed",
			},
		),
	}
}

// ObserveRun records one finished run. A negative runtime means the
// container never started and is not added to the histogram.
func (r *Recorder) ObserveRun(lang, outcome string, runtimeMs int64) {
	r.ExecutionsTotal.WithLabelValues(lang, outcome).Inc()
	if runtimeMs >= 0 {
		r.ExecutionDuration.WithLabelValues(lang).Observe(float64(runtimeMs) / 1000)
	}
}

// CleanupFailed records a run whose teardown failed.
func (r *Recorder) CleanupFailed() {
	r.CleanupFailures.Inc()
}
