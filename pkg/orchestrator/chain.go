package orchestrator

import (
	"errors"
	"fmt"

	"github.com/Sternrassler/balance-monitor/pkg/balance"
)

// link is one strategy in the per-account chain. The first link that
// succeeds ends the chain.
type link struct {
	phase  Phase
	state  AccountState
	source balance.Source
	query  func(r *cycleRun, acct balance.Account) (float64, error)

	// skip reports whether the link does not run for the account.
	skip func(acct balance.Account, needsReauth bool) bool

	// next reports whether a failure falls through to the following link.
	next func(err error, needsReauth bool) bool

	// stop wraps the error when the chain ends at this link.
	stop func(err error) error
}

func (o *Orchestrator) buildChain() []link {
	fast := link{
		phase:  PhaseFast,
		state:  StateQueryingFast,
		source: balance.SourceFast,
		query:  (*cycleRun).queryFast,
		skip: func(acct balance.Account, needsReauth bool) bool {
			return o.fast == nil || (o.cfg.ForceDailyReauth && needsReauth)
		},
		next: func(err error, needsReauth bool) bool {
			return needsReauth || errors.Is(err, balance.ErrNotApplicable)
		},
		stop: func(err error) error {
			return fmt.Errorf("%w: %w", balance.ErrFastPath, err)
		},
	}

	slow := link{
		phase:  PhaseSlow,
		state:  StateQueryingSlow,
		source: balance.SourceSlow,
		query:  (*cycleRun).querySlow,
	}

	return []link{fast, slow}
}

// runChain walks the chain for one account and returns its terminal result.
func (r *cycleRun) runChain(acct balance.Account) balance.Result {
	id := acct.ID()
	needsReauth := r.o.store.NeedsFullReauth(id)
	chain := r.o.chain

	var lastErr error
	for i, l := range chain {
		if l.skip != nil && l.skip(acct, needsReauth) {
			continue
		}

		r.progress(id, l.phase, l.state)

		start := r.o.now()
		amount, err := l.query(r, acct)
		QueryDuration.WithLabelValues(string(l.phase)).Observe(r.o.now().Sub(start).Seconds())

		if err == nil {
			return r.succeed(id, amount, l.source)
		}
		lastErr = err

		if r.ctx.Err() != nil {
			break
		}
		if i == len(chain)-1 {
			break
		}
		if l.next == nil || !l.next(err, needsReauth) {
			if l.stop != nil {
				lastErr = l.stop(err)
			}
			break
		}

		if !errors.Is(err, balance.ErrNotApplicable) {
			r.logger.Warn().
				Err(err).
				Str("account", id).
				Str("phase", string(l.phase)).
				Msg("Query failed, falling through")
		}
	}

	if lastErr == nil {
		lastErr = errors.New("no strategy ran")
	}
	if ctxErr := r.ctx.Err(); ctxErr != nil && !errors.Is(lastErr, ctxErr) {
		lastErr = fmt.Errorf("%w: %w", ctxErr, lastErr)
	}
	return r.fail(id, lastErr)
}
