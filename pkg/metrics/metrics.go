package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for dtrunner.
// Using promauto for automatic registration with default registry.
var (
	// --- Invocation Metrics ---

	// InvocationsTotal counts terminal invocations by scenario kind and outcome.
	InvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dtrunner",
			Subsystem: "invocations",
			Name:      "total",
			Help:      "Total number of engine invocations by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// AttemptsTotal counts engine child processes launched.
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dtrunner",
			Subsystem: "invocations",
			Name:      "attempts_total",
			Help:      "Total number of engine processes launched",
		},
		[]string{"kind"},
	)

	// RetriesTotal counts retries by failure category.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dtrunner",
			Subsystem: "invocations",
			Name:      "retries_total",
			Help:      "Total number of retried engine failures by category",
		},
		[]string{"category"},
	)

	// FailuresTotal counts classified engine failures, retried or not.
	FailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dtrunner",
			Subsystem: "invocations",
			Name:      "failures_total",
			Help:      "Total number of classified engine failures by category",
		},
		[]string{"category"},
	)

	// AttemptDuration tracks how long each engine process ran.
	AttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dtrunner",
			Subsystem: "invocations",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of engine processes in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14), // 0.5s to ~2.3h
		},
		[]string{"kind"},
	)

	// RunningProcesses tracks engine children currently alive.
	RunningProcesses = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dtrunner",
			Subsystem: "invocations",
			Name:      "running",
			Help:      "Number of engine processes currently running",
		},
	)

	// --- Worker Metrics ---

	// WorkersSpawned counts isolated worker processes started.
	WorkersSpawned = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dtrunner",
			Subsystem: "worker",
			Name:      "spawned_total",
			Help:      "Total number of isolated worker processes started",
		},
	)

	// --- Log Watcher Metrics ---

	// LogLinesForwarded counts engine log lines sent to the sink.
	LogLinesForwarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dtrunner",
			Subsystem: "logwatch",
			Name:      "lines_total",
			Help:      "Total number of engine log lines forwarded",
		},
	)

	// --- Sink Metrics ---

	// SinkDropped counts lines a sink discarded instead of blocking.
	SinkDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dtrunner",
			Subsystem: "sink",
			Name:      "dropped_total",
			Help:      "Total number of progress lines dropped by a sink",
		},
		[]string{"sink"},
	)

	// CircuitState reports each breaker's state (0 closed, 1 open, 2 half-open).
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dtrunner",
			Subsystem: "sink",
			Name:      "circuit_state",
			Help:      "Circuit breaker state guarding a remote sink",
		},
		[]string{"breaker"},
	)

	// --- Scheduler Metrics ---

	// ScheduledBatches counts scheduler firings.
	ScheduledBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dtrunner",
			Subsystem: "scheduler",
			Name:      "batches_total",
			Help:      "Total number of scheduled scenario batches started",
		},
		[]string{"entry"},
	)
)

// RecordInvocation records metrics for a finished invocation.
func RecordInvocation(kind, outcome string) {
	InvocationsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordAttempt records one engine process.
func RecordAttempt(kind string, durationSeconds float64) {
	AttemptsTotal.WithLabelValues(kind).Inc()
	AttemptDuration.WithLabelValues(kind).Observe(durationSeconds)
}
