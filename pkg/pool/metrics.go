package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PoolResources tracks resources by state (idle, busy, creating, destroying).
	PoolResources = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "balance_pool_resources",
			Help: "Current number of pooled session resources by state",
		},
		[]string{"state"},
	)

	// PoolCreated counts successfully created resources.
	PoolCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "balance_pool_created_total",
			Help: "Total number of pooled resources created",
		},
	)

	// PoolCreateFailures counts factory errors.
	PoolCreateFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "balance_pool_create_failures_total",
			Help: "Total number of failed resource creations",
		},
	)

	// PoolDestroyed counts destroyed resources by reason.
	PoolDestroyed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balance_pool_destroyed_total",
			Help: "Total number of pooled resources destroyed by reason",
		},
		[]string{"reason"}, // "reset_failed", "unhealthy", "idle", "shutdown"
	)

	// PoolReplacements counts resources created to restore the minimum size.
	PoolReplacements = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "balance_pool_replacements_total",
			Help: "Total number of resources created to replace destroyed ones",
		},
	)

	// PoolAcquireWait observes how long callers waited for a resource.
	PoolAcquireWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "balance_pool_acquire_wait_seconds",
			Help:    "Time spent waiting to acquire a pooled resource",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
		},
	)

	// PoolAcquireTimeouts counts acquisitions that hit the acquire timeout.
	PoolAcquireTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "balance_pool_acquire_timeouts_total",
			Help: "Total number of acquisitions that timed out",
		},
	)
)
