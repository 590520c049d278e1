// Package metrics exposes the Prometheus registry used by balance-monitor.
// Metrics are defined in their respective packages (pool, store,
// orchestrator, fastpath, session) via promauto so that every package stays
// self-contained; this package serves them and documents them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry. All metrics are registered
// via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler serves every registered metric in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Pool Metrics (pkg/pool):
//   - balance_pool_resources{state} (Gauge): Resources by state (idle, busy, creating, destroying)
//   - balance_pool_created_total (Counter): Resources created
//   - balance_pool_create_failures_total (Counter): Factory failures
//   - balance_pool_destroyed_total{reason} (Counter): Resources destroyed by reason
//   - balance_pool_replacements_total (Counter): Replacements started to keep the pool at its floor
//   - balance_pool_acquire_wait_seconds (Histogram): Time spent waiting in Acquire
//   - balance_pool_acquire_timeouts_total (Counter): Acquisitions that hit the acquire timeout
//
// Store Metrics (pkg/store):
//   - balance_store_entries (Gauge): Accounts with cached state
//   - balance_store_writes_total{kind} (Counter): Successful writes (fast, slow)
//   - balance_store_errors_total{backend, operation} (Counter): Backend failures
//
// Cycle Metrics (pkg/orchestrator):
//   - balance_cycles_total (Counter): Completed cycles
//   - balance_cycle_duration_seconds (Histogram): Cycle wall time
//   - balance_cycle_total_usd (Gauge): Sum of fresh balances in the last cycle
//   - balance_account_results_total{outcome, source, reason} (Counter): Per-account results
//   - balance_query_duration_seconds{phase} (Histogram): Fast and slow path query duration
//   - balance_slow_path_retries_total{reason} (Counter): Slow path retries
//   - balance_retry_backoff_seconds (Histogram): Jittered backoff between attempts
//   - balance_retry_exhausted_total{reason} (Counter): Accounts whose retries ran out
//   - balance_recovered_panics_total{origin} (Counter): Recovered panics
//
// Fast Path Metrics (pkg/fastpath):
//   - balance_fastpath_requests_total{endpoint, status} (Counter): Billing API requests
//   - balance_fastpath_request_duration_seconds{endpoint} (Histogram): Billing API latency
//   - balance_fastpath_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network, parse)
//   - balance_fastpath_retries_total{error_class} (Counter): Billing request retries
//   - balance_fastpath_cooldowns_total (Counter): 429 responses that paused the fast path
//   - balance_fastpath_cooldown_blocks_total (Counter): Queries skipped during a cooldown
//
// Slow Path Metrics (pkg/session):
//   - balance_session_requests_total{op, status} (Counter): Login and user requests
//
// Example Prometheus Queries:
//
//   # Slow path share of successful results
//   sum(rate(balance_account_results_total{outcome="success",source="slow"}[1h])) /
//   sum(rate(balance_account_results_total{outcome="success"}[1h]))
//
//   # Pool saturation
//   balance_pool_resources{state="busy"} / on() group_left sum(balance_pool_resources)
//
//   # P95 cycle duration
//   histogram_quantile(0.95, rate(balance_cycle_duration_seconds_bucket[1h]))
//
//   # Accounts failing with authentication errors
//   increase(balance_account_results_total{reason="auth_failed"}[1d])
