package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CyclesTotal counts completed cycles.
	CyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "balance_cycles_total",
			Help: "Total number of completed query cycles",
		},
	)

	// CycleDuration observes the wall time of a cycle.
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "balance_cycle_duration_seconds",
			Help:    "Duration of a full query cycle",
			Buckets: []float64{1, 5, 10, 30, 60, 90, 120, 300},
		},
	)

	// CycleTotalBalance is the aggregate fresh balance of the last cycle.
	CycleTotalBalance = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "balance_cycle_total_usd",
			Help: "Sum of balances that succeeded in the last cycle",
		},
	)

	// AccountResults counts terminal results.
	AccountResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balance_account_results_total",
			Help: "Total number of per-account results by outcome, source and reason",
		},
		[]string{"outcome", "source", "reason"},
	)

	// QueryDuration observes each strategy call.
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "balance_query_duration_seconds",
			Help:    "Duration of fast and slow path queries",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"phase"},
	)

	// SlowPathRetries counts retries by failure reason.
	SlowPathRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balance_slow_path_retries_total",
			Help: "Total number of slow path retry attempts by reason",
		},
		[]string{"reason"},
	)

	// RetryBackoffSeconds observes the jittered backoff.
	RetryBackoffSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "balance_retry_backoff_seconds",
			Help:    "Backoff duration between slow path attempts",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	// RetryExhausted counts accounts whose retries ran out.
	RetryExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balance_retry_exhausted_total",
			Help: "Total number of times slow path retries were exhausted by reason",
		},
		[]string{"reason"},
	)

	// RecoveredPanics counts panics recovered from strategies and observers.
	RecoveredPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balance_recovered_panics_total",
			Help: "Total number of recovered panics by origin",
		},
		[]string{"origin"}, // "fast_path", "extractor", "observer", "worker"
	)

	// PersistFailures counts fresh balances that could not be written to
	// the state store.
	PersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "balance_persist_failures_total",
			Help: "Total number of successful queries whose balance was not persisted",
		},
	)
)
