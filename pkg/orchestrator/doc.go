// Package orchestrator runs balance query cycles over a set of accounts.
//
// # Overview
//
// A cycle hands every account to a bounded pool of workers. Each worker runs
// a short strategy chain for its account:
//
//  1. Fast link: a lightweight API query with a short deadline. Skipped when
//     ForceDailyReauth is set and the account has not re-authenticated today.
//  2. Slow link: acquire a pooled session resource, run the Extractor with
//     retry and exponential backoff, release the resource on every exit path.
//
// A fast-path failure falls through to the slow link only when the fast path
// was not applicable or the account still needs its daily re-authentication.
// Otherwise the account fails with reason fast_path_failed and keeps its
// cached balance, marked stale.
//
// # Results
//
// RunCycle returns exactly one balance.Result per distinct account. Results
// reach the Observer in completion order. OnCycleComplete fires once, after
// every account is terminal and after abandoned slow-path extractions have
// returned their resources. The wait is bounded by Config.ReleaseGrace; an
// extractor that ignores its context past the grace period is reported
// through Cycle.Released.
//
// # Deadlines
//
// The cycle deadline is the earlier of the caller's context and
// Config.CycleTimeout. When it expires, accounts still in flight or not yet
// started fail with reason timeout. A slow-path extraction that is still
// running keeps its resource until it returns; the resource is then released
// through the same path as any other attempt.
//
// # Usage
//
//	orch, err := orchestrator.New(cfg, fastClient, extractor, resourcePool, st,
//		orchestrator.WithObserver(orchestrator.LogObserver(logger)))
//	results, err := orch.RunCycle(ctx, accounts, 0)
package orchestrator
