package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoreEntries tracks the number of accounts with a cached balance.
	StoreEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "balance_store_entries",
			Help: "Current number of accounts with a cached balance",
		},
	)

	// StoreWrites tracks successful entry updates by kind.
	StoreWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balance_store_writes_total",
			Help: "Total number of cached balance updates",
		},
		[]string{"kind"}, // "balance", "reauth"
	)

	// StoreErrors tracks backend errors by operation.
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balance_store_errors_total",
			Help: "Total number of state backend errors",
		},
		[]string{"backend", "operation"}, // operation: "load", "put", "close"
	)
)
