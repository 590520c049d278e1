package orchestrator

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/balance-monitor/pkg/balance"
)

// Phase is the query phase an account has entered.
type Phase string

const (
	PhaseFast Phase = "fast"
	PhaseSlow Phase = "slow"
)

// Cycle is the aggregate outcome passed to OnCycleComplete.
type Cycle struct {
	ID        string                    `json:"id"`
	Results   map[string]balance.Result `json:"results"`
	Total     float64                   `json:"total"`
	Succeeded int                       `json:"succeeded"`
	Failed    int                       `json:"failed"`
	StartedAt time.Time                 `json:"started_at"`
	Duration  time.Duration             `json:"duration"`

	// Released is false when an extraction ignored its deadline for longer
	// than Config.ReleaseGrace and still held a resource at completion.
	Released bool `json:"released"`
}

// Observer receives cycle events. Events are delivered synchronously from
// the worker that produced them, so handlers must return quickly.
//
// OnProgress fires at most once per account and phase. OnResult fires once
// per account, in completion order. OnCycleComplete fires once per cycle
// after every account is terminal.
type Observer interface {
	OnProgress(account string, phase Phase)
	OnResult(account string, res balance.Result)
	OnCycleComplete(cycle Cycle)
}

// ObserverFuncs adapts optional functions to Observer. Nil fields are
// ignored.
type ObserverFuncs struct {
	Progress func(account string, phase Phase)
	Result   func(account string, res balance.Result)
	Complete func(cycle Cycle)
}

func (f ObserverFuncs) OnProgress(account string, phase Phase) {
	if f.Progress != nil {
		f.Progress(account, phase)
	}
}

func (f ObserverFuncs) OnResult(account string, res balance.Result) {
	if f.Result != nil {
		f.Result(account, res)
	}
}

func (f ObserverFuncs) OnCycleComplete(cycle Cycle) {
	if f.Complete != nil {
		f.Complete(cycle)
	}
}

// Observers fans events out to every member in order.
type Observers []Observer

func (obs Observers) OnProgress(account string, phase Phase) {
	for _, o := range obs {
		o.OnProgress(account, phase)
	}
}

func (obs Observers) OnResult(account string, res balance.Result) {
	for _, o := range obs {
		o.OnResult(account, res)
	}
}

func (obs Observers) OnCycleComplete(cycle Cycle) {
	for _, o := range obs {
		o.OnCycleComplete(cycle)
	}
}

// LogObserver writes every result and the cycle summary to logger.
func LogObserver(logger zerolog.Logger) Observer {
	return ObserverFuncs{
		Result: func(account string, res balance.Result) {
			if res.OK() {
				logger.Info().
					Str("account", account).
					Str("source", string(res.Source)).
					Float64("balance", res.Balance).
					Msg("Balance updated")
				return
			}
			ev := logger.Warn().
				Str("account", account).
				Str("reason", string(res.Reason)).
				Bool("retriable", res.Retriable)
			if res.HasBalance {
				ev = ev.Float64("cached_balance", res.Balance).Time("cached_at", res.UpdatedAt)
			}
			ev.Str("error", res.Error()).Msg("Balance query failed")
		},
		Complete: func(cycle Cycle) {
			logger.Info().
				Str("cycle_id", cycle.ID).
				Int("succeeded", cycle.Succeeded).
				Int("failed", cycle.Failed).
				Float64("total", cycle.Total).
				Dur("duration", cycle.Duration).
				Msg("Cycle complete")
		},
	}
}
