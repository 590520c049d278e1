package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/balance-monitor/pkg/balance"
	"github.com/Sternrassler/balance-monitor/pkg/pool"
)

// outcome is the result of one strategy call.
type outcome struct {
	amount float64
	err    error
}

// guard runs fn and converts a panic into an error.
func guard(origin string, fn func() (float64, error)) (out outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			RecoveredPanics.WithLabelValues(origin).Inc()
			out = outcome{err: fmt.Errorf("%s panicked: %v", origin, rec)}
		}
	}()
	amount, err := fn()
	return outcome{amount: amount, err: err}
}

func (r *cycleRun) queryFast(acct balance.Account) (float64, error) {
	if r.o.fast == nil {
		return 0, balance.ErrNotApplicable
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.o.cfg.FastPathTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		done <- guard("fast_path", func() (float64, error) {
			return r.o.fast.Query(ctx, acct)
		})
	}()

	select {
	case out := <-done:
		return out.amount, out.err
	case <-ctx.Done():
		select {
		case out := <-done:
			return out.amount, out.err
		default:
		}
		return 0, fmt.Errorf("fast path: %w", ctx.Err())
	}
}

func (r *cycleRun) querySlow(acct balance.Account) (float64, error) {
	logger := r.logger.With().Str("account", acct.ID()).Logger()

	var amount float64
	err := retryWithBackoff(r.ctx, r.o.cfg.retryConfig(), logger, r.retryable, func(attempt int) error {
		v, err := r.slowAttempt(acct, attempt)
		if err != nil {
			return err
		}
		amount = v
		return nil
	})
	return amount, err
}

// retryable accepts temporary extraction failures and attempt deadlines
// while the cycle is still running.
func (r *cycleRun) retryable(err error) bool {
	if r.ctx.Err() != nil {
		return false
	}
	var xe *balance.ExtractionError
	if errors.As(err, &xe) {
		return xe.Temporary()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// slowAttempt acquires a resource, extracts, and releases. The extraction
// runs in its own goroutine so the attempt returns at its deadline even if
// the extractor does not. The outcome is handed over before the resource is
// released, and the resource is released when the extractor returns.
func (r *cycleRun) slowAttempt(acct balance.Account, attempt int) (float64, error) {
	h, err := r.o.pool.Acquire(r.ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire session for %s: %w", acct.ID(), err)
	}

	r.logger.Debug().
		Str("account", acct.ID()).
		Str("resource_id", h.ID()).
		Int("attempt", attempt).
		Msg("Slow path attempt")

	ctx, cancel := context.WithTimeout(r.ctx, r.o.cfg.SlowPathTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		defer r.o.pool.Release(h)

		done <- guard("extractor", func() (float64, error) {
			return r.o.extractor.Extract(ctx, h.Resource(), acct)
		})
	}()

	select {
	case out := <-done:
		return out.amount, out.err
	case <-ctx.Done():
		// The extractor may have returned right at the deadline.
		select {
		case out := <-done:
			return out.amount, out.err
		default:
		}
		if err := r.ctx.Err(); err != nil {
			return 0, fmt.Errorf("slow path: %w", err)
		}
		return 0, balance.NewExtractionError(balance.KindTimeout,
			fmt.Sprintf("no result within %s", r.o.cfg.SlowPathTimeout), ctx.Err())
	}
}

// awaitReleases waits for abandoned extractions up to the grace period and
// reports whether every resource came back.
func (r *cycleRun) awaitReleases() bool {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()

	timer := time.NewTimer(r.o.cfg.ReleaseGrace)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		r.logger.Warn().
			Dur("grace", r.o.cfg.ReleaseGrace).
			Msg("Extractions still running after cycle end, resources released on return")
		return false
	}
}

var _ ResourcePool = (*pool.Pool)(nil)
