package orchestrator

import (
	"sort"
	"sync"
	"time"

	"github.com/Sternrassler/balance-monitor/pkg/balance"
)

// AccountState is the per-account state machine value.
type AccountState string

const (
	StatePending      AccountState = "pending"
	StateQueryingFast AccountState = "querying_fast"
	StateQueryingSlow AccountState = "querying_slow"
	StateSucceeded    AccountState = "succeeded"
	StateFailed       AccountState = "failed"
)

// Terminal reports whether no further transitions happen in this cycle.
func (s AccountState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// AccountStatus is a consistent snapshot of one account.
type AccountStatus struct {
	Account     string         `json:"account"`
	State       AccountState   `json:"state"`
	Balance     float64        `json:"balance"`
	HasBalance  bool           `json:"has_balance"`
	Stale       bool           `json:"stale"`
	Source      balance.Source `json:"source,omitempty"`
	Reason      balance.Reason `json:"reason,omitempty"`
	Message     string         `json:"message,omitempty"`
	ErrorCount  int            `json:"error_count"`
	UpdatedAt   time.Time      `json:"updated_at,omitempty"`
	LastChecked time.Time      `json:"last_checked,omitempty"`
}

// StatusBoard tracks AccountStatus across cycles. Balance and error counters
// survive cycles; the state is reset to Pending when a cycle starts.
type StatusBoard struct {
	mu       sync.RWMutex
	statuses map[string]*AccountStatus
}

// NewStatusBoard returns an empty board.
func NewStatusBoard() *StatusBoard {
	return &StatusBoard{statuses: make(map[string]*AccountStatus)}
}

// Seed shows a cached balance for an account that has no status yet.
func (b *StatusBoard) Seed(account string, amount float64, updatedAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.statuses[account]; ok {
		return
	}
	b.statuses[account] = &AccountStatus{
		Account:    account,
		State:      StatePending,
		Balance:    amount,
		HasBalance: true,
		Stale:      true,
		Source:     balance.SourceCache,
		UpdatedAt:  updatedAt,
	}
}

// begin resets the given accounts to Pending.
func (b *StatusBoard) begin(accounts []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, a := range accounts {
		st, ok := b.statuses[a]
		if !ok {
			st = &AccountStatus{Account: a}
			b.statuses[a] = st
		}
		st.State = StatePending
		st.Reason = ""
		st.Message = ""
	}
}

func (b *StatusBoard) setState(account string, state AccountState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if st, ok := b.statuses[account]; ok {
		st.State = state
	}
}

// apply records a terminal result.
func (b *StatusBoard) apply(res balance.Result) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.statuses[res.Account]
	if !ok {
		st = &AccountStatus{Account: res.Account}
		b.statuses[res.Account] = st
	}

	st.LastChecked = res.CheckedAt
	if res.OK() {
		st.State = StateSucceeded
		st.ErrorCount = 0
		st.Reason = ""
		st.Message = ""
	} else {
		st.State = StateFailed
		st.ErrorCount++
		st.Reason = res.Reason
		st.Message = res.Error()
	}

	if res.HasBalance {
		st.Balance = res.Balance
		st.HasBalance = true
		st.Stale = res.Stale
		st.Source = res.Source
		st.UpdatedAt = res.UpdatedAt
	} else if st.HasBalance {
		st.Stale = true
	}
}

// Get returns a copy of one account's status.
func (b *StatusBoard) Get(account string) (AccountStatus, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st, ok := b.statuses[account]
	if !ok {
		return AccountStatus{}, false
	}
	return *st, true
}

// Snapshot returns copies of every status sorted by account.
func (b *StatusBoard) Snapshot() []AccountStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]AccountStatus, 0, len(b.statuses))
	for _, st := range b.statuses {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}
