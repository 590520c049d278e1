package fastpath

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for billing API operations.
var (
	billingRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "balance_fastpath_requests_total",
		Help: "Total billing API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	billingRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "balance_fastpath_request_duration_seconds",
		Help:    "Billing API request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	billingErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "balance_fastpath_errors_total",
		Help: "Total billing API errors by class",
	}, []string{"class"})

	billingRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "balance_fastpath_retries_total",
		Help: "Total number of billing API retry attempts by error class",
	}, []string{"error_class"})

	cooldownActivations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "balance_fastpath_cooldowns_total",
		Help: "Total number of times a 429 response paused the fast path",
	})

	cooldownBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "balance_fastpath_cooldown_blocks_total",
		Help: "Total number of fast path queries skipped during a cooldown",
	})
)
