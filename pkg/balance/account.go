// Package balance holds the domain types shared by the pool, the state store
// and the orchestrator: accounts, per-account query results and the error
// taxonomy used to classify failures.
package balance

import (
	"fmt"
	"strings"
	"time"
)

// Account is the immutable input to a query cycle.
type Account struct {
	// Username identifies the account. It is the key for cached state.
	Username string

	// Password is the credential used by the slow path to authenticate.
	Password string

	// APIKey is an optional pre-known key that enables the fast path.
	APIKey string
}

// ID returns the identifier used for cache entries and status tracking.
func (a Account) ID() string {
	return strings.TrimSpace(a.Username)
}

// HasAPIKey reports whether the fast path can be attempted for the account.
func (a Account) HasAPIKey() bool {
	return strings.TrimSpace(a.APIKey) != ""
}

// String never includes credentials.
func (a Account) String() string {
	return fmt.Sprintf("Account(%s)", a.ID())
}

// Source identifies where a balance came from.
type Source string

const (
	// SourceFast is the lightweight API query.
	SourceFast Source = "fast"

	// SourceSlow is a full authenticated session on a pooled resource.
	SourceSlow Source = "slow"

	// SourceCache is a previously stored balance offered on failure.
	SourceCache Source = "cache"
)

// Outcome is the terminal state of an account within one cycle.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Result is the per-account outcome of one cycle. It is produced once per
// account per cycle and is not modified afterwards.
type Result struct {
	Account string  `json:"account"`
	Outcome Outcome `json:"outcome"`

	// Balance is the fresh balance on success. On failure it is the last
	// cached balance when HasBalance is true, and Stale is set.
	Balance    float64 `json:"balance"`
	HasBalance bool    `json:"has_balance"`
	Stale      bool    `json:"stale"`
	Source     Source  `json:"source,omitempty"`

	// Reason and Retriable are only meaningful on failure.
	Reason    Reason `json:"reason,omitempty"`
	Retriable bool   `json:"retriable"`
	Err       error  `json:"-"`

	// UpdatedAt is when Balance was obtained; CheckedAt is when this
	// result was produced.
	UpdatedAt time.Time `json:"updated_at,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Success builds a fresh result.
func Success(account string, amount float64, source Source, at time.Time) Result {
	return Result{
		Account:    account,
		Outcome:    OutcomeSuccess,
		Balance:    amount,
		HasBalance: true,
		Source:     source,
		UpdatedAt:  at,
		CheckedAt:  at,
	}
}

// Failure builds a failed result classified from err.
func Failure(account string, err error, at time.Time) Result {
	reason, retriable := Classify(err)
	return Result{
		Account:   account,
		Outcome:   OutcomeFailure,
		Reason:    reason,
		Retriable: retriable,
		Err:       err,
		CheckedAt: at,
	}
}

// OK reports whether the result is a success.
func (r Result) OK() bool {
	return r.Outcome == OutcomeSuccess
}

// WithCached attaches a last known balance to a failed result.
func (r Result) WithCached(amount float64, updatedAt time.Time) Result {
	if r.OK() {
		return r
	}
	r.Balance = amount
	r.HasBalance = true
	r.Stale = true
	r.Source = SourceCache
	r.UpdatedAt = updatedAt
	return r
}

// Error returns the failure message, or "" on success.
func (r Result) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
