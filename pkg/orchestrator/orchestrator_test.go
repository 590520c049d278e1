package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/balance-monitor/internal/testutil"
	"github.com/Sternrassler/balance-monitor/pkg/balance"
	"github.com/Sternrassler/balance-monitor/pkg/pool"
	"github.com/Sternrassler/balance-monitor/pkg/store"
)

// recorder is an Observer that keeps every event.
type recorder struct {
	mu         sync.Mutex
	progress   map[string][]Phase
	results    []balance.Result
	resultAt   map[string]time.Time
	cycles     []Cycle
	onResult   func(balance.Result)
	onComplete func(Cycle)
}

func newRecorder() *recorder {
	return &recorder{
		progress: make(map[string][]Phase),
		resultAt: make(map[string]time.Time),
	}
}

func (r *recorder) OnProgress(account string, phase Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress[account] = append(r.progress[account], phase)
}

func (r *recorder) OnResult(account string, res balance.Result) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.resultAt[account] = time.Now()
	fn := r.onResult
	r.mu.Unlock()
	if fn != nil {
		fn(res)
	}
}

func (r *recorder) OnCycleComplete(c Cycle) {
	r.mu.Lock()
	r.cycles = append(r.cycles, c)
	fn := r.onComplete
	r.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (r *recorder) phases(account string) []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Phase(nil), r.progress[account]...)
}

func (r *recorder) completed() []Cycle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Cycle(nil), r.cycles...)
}

func testConfig() Config {
	return Config{
		MaxConcurrency:  4,
		RetryCount:      2,
		RetryBackoff:    time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
		FastPathTimeout: time.Second,
		SlowPathTimeout: 2 * time.Second,
		CycleTimeout:    10 * time.Second,
		ReleaseGrace:    time.Second,
	}
}

func accountsN(n int, withKey bool) []balance.Account {
	out := make([]balance.Account, n)
	for i := range out {
		out[i] = balance.Account{Username: fmt.Sprintf("user%02d", i), Password: "pw"}
		if withKey {
			out[i].APIKey = "sk-" + out[i].Username
		}
	}
	return out
}

// keyedFastPath serves accounts with an API key and is not applicable otherwise.
func keyedFastPath(amount float64) FastPath {
	return FastPathFunc(func(ctx context.Context, acct balance.Account) (float64, error) {
		if !acct.HasAPIKey() {
			return 0, balance.ErrNotApplicable
		}
		return amount, nil
	})
}

func constExtractor(amount float64, calls *atomic.Int32) Extractor {
	return ExtractorFunc(func(ctx context.Context, res pool.Resource, acct balance.Account) (float64, error) {
		if calls != nil {
			calls.Add(1)
		}
		return amount, nil
	})
}

func newTestOrchestrator(t *testing.T, cfg Config, fast FastPath, ex Extractor, p ResourcePool, st StateStore, obs Observer) *Orchestrator {
	t.Helper()
	o, err := New(cfg, fast, ex, p, st, WithObserver(obs), WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	return o
}

func TestNew_RequiresCollaborators(t *testing.T) {
	p, _ := testutil.NewPool(t, 1)
	st := testutil.NewMemoryStore(t, nil)

	_, err := New(testConfig(), nil, nil, p, st)
	assert.Error(t, err)
	_, err = New(testConfig(), nil, constExtractor(1, nil), nil, st)
	assert.Error(t, err)
	_, err = New(testConfig(), nil, constExtractor(1, nil), p, nil)
	assert.Error(t, err)

	o, err := New(Config{}, nil, constExtractor(1, nil), p, st)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().SlowPathTimeout, o.Config().SlowPathTimeout)
}

func TestRunCycle_OneResultPerAccount(t *testing.T) {
	p, _ := testutil.NewPool(t, 2)
	st := testutil.NewMemoryStore(t, nil)
	rec := newRecorder()
	o := newTestOrchestrator(t, testConfig(), keyedFastPath(10), constExtractor(3, nil), p, st, rec)

	accounts := append(accountsN(3, true), accountsN(2, false)[0], accountsN(3, true)[1])
	results, err := o.RunCycle(context.Background(), accounts, 3)
	require.NoError(t, err)

	got := make(map[string]float64, len(results))
	for id, res := range results {
		require.True(t, res.OK(), "account %s: %+v", id, res)
		got[id] = res.Balance
	}
	// The first occurrence of a repeated username wins.
	want := map[string]float64{"user00": 10, "user01": 10, "user02": 10}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}

	cycles := rec.completed()
	require.Len(t, cycles, 1)
	assert.Len(t, cycles[0].Results, 3)
	assert.Equal(t, 30.0, cycles[0].Total)
	assert.Len(t, rec.results, 3)
}

func TestRunCycle_ReleasesResourceWhenExtractorFails(t *testing.T) {
	tests := []struct {
		name string
		ex   Extractor
	}{
		{
			name: "returns error",
			ex: ExtractorFunc(func(ctx context.Context, res pool.Resource, acct balance.Account) (float64, error) {
				return 0, balance.NewExtractionError(balance.KindParseFailed, "layout changed", nil)
			}),
		},
		{
			name: "panics",
			ex: ExtractorFunc(func(ctx context.Context, res pool.Resource, acct balance.Account) (float64, error) {
				panic("selector not found")
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := testutil.NewPool(t, 2)
			_, err := p.WarmUp(context.Background(), 2)
			require.NoError(t, err)
			before := p.Stats()

			st := testutil.NewMemoryStore(t, nil)
			o := newTestOrchestrator(t, testConfig(), nil, tt.ex, p, st, nil)

			results, err := o.RunCycle(context.Background(), accountsN(4, false), 4)
			require.NoError(t, err)
			require.Len(t, results, 4)
			for _, res := range results {
				assert.False(t, res.OK())
			}

			after := p.Stats()
			assert.Equal(t, before.Idle, after.Idle, "idle count must be restored")
			assert.Zero(t, after.Busy)
		})
	}
}

func TestRunCycle_PoolOfOneSerializesSlowPath(t *testing.T) {
	p, _ := testutil.NewPool(t, 1)
	st := testutil.NewMemoryStore(t, nil)

	var (
		active    atomic.Int32
		maxActive atomic.Int32
	)
	const hold = 30 * time.Millisecond
	ex := ExtractorFunc(func(ctx context.Context, res pool.Resource, acct balance.Account) (float64, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			cur := maxActive.Load()
			if n <= cur || maxActive.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(hold)
		return 1, nil
	})

	o := newTestOrchestrator(t, testConfig(), nil, ex, p, st, nil)

	start := time.Now()
	results, err := o.RunCycle(context.Background(), accountsN(3, false), 3)
	require.NoError(t, err)
	elapsed := time.Since(start)

	for _, res := range results {
		assert.True(t, res.OK(), "waiting workers must block, not fail: %+v", res)
	}
	assert.Equal(t, int32(1), maxActive.Load())
	assert.GreaterOrEqual(t, elapsed, 3*hold)
}

func TestRunCycle_ReauthedTodaySkipsSlowPath(t *testing.T) {
	p, _ := testutil.NewPool(t, 1)
	st := testutil.NewMemoryStore(t, nil)
	_, err := st.RecordSuccess(context.Background(), "alice", 42, true)
	require.NoError(t, err)
	require.False(t, st.NeedsFullReauth("alice"))

	var slowCalls atomic.Int32
	fast := FastPathFunc(func(ctx context.Context, acct balance.Account) (float64, error) {
		return 0, errors.New("billing endpoint returned 502")
	})
	rec := newRecorder()
	o := newTestOrchestrator(t, testConfig(), fast, constExtractor(1, &slowCalls), p, st, rec)

	results, err := o.RunCycle(context.Background(), []balance.Account{{Username: "alice", APIKey: "sk-a"}}, 1)
	require.NoError(t, err)

	res := results["alice"]
	assert.Zero(t, slowCalls.Load(), "slow path must not run")
	assert.False(t, res.OK())
	assert.Equal(t, balance.ReasonFastPath, res.Reason)
	assert.True(t, res.Retriable)
	assert.True(t, res.Stale)
	assert.Equal(t, 42.0, res.Balance)
	assert.Equal(t, []Phase{PhaseFast}, rec.phases("alice"))

	cycles := rec.completed()
	require.Len(t, cycles, 1)
	assert.Zero(t, cycles[0].Total, "stale balances are not part of the total")
}

func TestRunCycle_FastPathFailureFallsThroughWhenReauthDue(t *testing.T) {
	p, _ := testutil.NewPool(t, 1)
	st := testutil.NewMemoryStore(t, nil)

	fast := FastPathFunc(func(ctx context.Context, acct balance.Account) (float64, error) {
		return 0, errors.New("billing endpoint returned 502")
	})
	rec := newRecorder()
	o := newTestOrchestrator(t, testConfig(), fast, constExtractor(6, nil), p, st, rec)

	results, err := o.RunCycle(context.Background(), []balance.Account{{Username: "bob", APIKey: "sk-b"}}, 1)
	require.NoError(t, err)

	res := results["bob"]
	require.True(t, res.OK())
	assert.Equal(t, balance.SourceSlow, res.Source)
	assert.Equal(t, []Phase{PhaseFast, PhaseSlow}, rec.phases("bob"))
	assert.False(t, st.NeedsFullReauth("bob"), "slow success marks the re-auth day")
}

func TestRunCycle_AllNotApplicable(t *testing.T) {
	p, _ := testutil.NewPool(t, 4)
	st := testutil.NewMemoryStore(t, nil)

	var completes atomic.Int32
	rec := newRecorder()
	rec.onComplete = func(Cycle) { completes.Add(1) }

	fast := FastPathFunc(func(ctx context.Context, acct balance.Account) (float64, error) {
		return 0, balance.ErrNotApplicable
	})
	o := newTestOrchestrator(t, testConfig(), fast, constExtractor(2.5, nil), p, st, rec)

	results, err := o.RunCycle(context.Background(), accountsN(8, true), 4)
	require.NoError(t, err)
	require.Len(t, results, 8)

	assert.Equal(t, int32(1), completes.Load())
	cycles := rec.completed()
	require.Len(t, cycles, 1)
	assert.Len(t, cycles[0].Results, 8)
	assert.Equal(t, 8, cycles[0].Succeeded)
	assert.InDelta(t, 20.0, cycles[0].Total, 1e-9)

	for id, res := range results {
		assert.Equal(t, balance.SourceSlow, res.Source, id)
		assert.False(t, st.NeedsFullReauth(id))
	}
	for _, s := range o.Status().Snapshot() {
		assert.Equal(t, StateSucceeded, s.State)
	}
}

func TestRunCycle_AuthErrorKeepsCachedBalance(t *testing.T) {
	p, _ := testutil.NewPool(t, 1)
	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := testutil.NewMemoryStore(t, map[string]store.Entry{
		"bob": {Balance: 7.5, UpdatedAt: updated, LastFullReauthDate: "2026-03-01"},
	})

	var calls atomic.Int32
	ex := ExtractorFunc(func(ctx context.Context, res pool.Resource, acct balance.Account) (float64, error) {
		calls.Add(1)
		return 0, balance.NewExtractionError(balance.KindAuthFailed, "invalid password", nil)
	})
	o := newTestOrchestrator(t, testConfig(), nil, ex, p, st, nil)

	results, err := o.RunCycle(context.Background(), []balance.Account{{Username: "bob"}}, 1)
	require.NoError(t, err)

	res := results["bob"]
	assert.Equal(t, balance.ReasonAuthFailed, res.Reason)
	assert.False(t, res.Retriable)
	assert.True(t, errors.Is(res.Err, balance.ErrAuth))
	assert.Equal(t, int32(1), calls.Load(), "auth failures are not retried")
	assert.True(t, res.Stale)
	assert.Equal(t, 7.5, res.Balance)

	e, ok := st.Get("bob")
	require.True(t, ok)
	assert.Equal(t, 7.5, e.Balance)
	assert.True(t, e.UpdatedAt.Equal(updated))
}

func TestRunCycle_CycleTimeoutReleasesResource(t *testing.T) {
	const unit = 40 * time.Millisecond

	p, _ := testutil.NewPool(t, 1)
	_, err := p.WarmUp(context.Background(), 1)
	require.NoError(t, err)
	st := testutil.NewMemoryStore(t, nil)

	ex := ExtractorFunc(func(ctx context.Context, res pool.Resource, acct balance.Account) (float64, error) {
		select {
		case <-time.After(10 * unit):
			return 1, nil
		case <-ctx.Done():
			return 0, balance.NewExtractionError(balance.KindTimeout, "page load", ctx.Err())
		}
	})

	var idleAtComplete, busyAtComplete int
	rec := newRecorder()
	rec.onComplete = func(Cycle) {
		ps := p.Stats()
		idleAtComplete, busyAtComplete = ps.Idle, ps.Busy
	}

	cfg := testConfig()
	cfg.CycleTimeout = 5 * unit
	cfg.SlowPathTimeout = 20 * unit
	o := newTestOrchestrator(t, cfg, nil, ex, p, st, rec)

	start := time.Now()
	results, err := o.RunCycle(context.Background(), []balance.Account{{Username: "carol"}}, 1)
	require.NoError(t, err)

	res := results["carol"]
	assert.Equal(t, balance.ReasonTimeout, res.Reason)
	assert.True(t, res.Retriable)

	rec.mu.Lock()
	reported := rec.resultAt["carol"].Sub(start)
	rec.mu.Unlock()
	assert.Less(t, reported, 8*unit, "timeout must be reported close to the cycle deadline")

	assert.Equal(t, 1, idleAtComplete, "resource must be back before OnCycleComplete")
	assert.Zero(t, busyAtComplete)

	c, ok := o.LastCycle()
	require.True(t, ok)
	assert.True(t, c.Released)
}

func TestRunCycle_ExtractorIgnoringDeadlineIsReported(t *testing.T) {
	const unit = 20 * time.Millisecond

	p, _ := testutil.NewPool(t, 1)
	st := testutil.NewMemoryStore(t, nil)

	unblock := make(chan struct{})
	ex := ExtractorFunc(func(ctx context.Context, res pool.Resource, acct balance.Account) (float64, error) {
		<-unblock
		return 1, nil
	})

	var released bool
	var busyAtComplete int
	rec := newRecorder()
	rec.onComplete = func(c Cycle) {
		released = c.Released
		busyAtComplete = p.Stats().Busy
	}

	cfg := testConfig()
	cfg.CycleTimeout = 2 * unit
	cfg.ReleaseGrace = unit
	o := newTestOrchestrator(t, cfg, nil, ex, p, st, rec)

	results, err := o.RunCycle(context.Background(), []balance.Account{{Username: "dave"}}, 1)
	require.NoError(t, err)
	assert.Equal(t, balance.ReasonTimeout, results["dave"].Reason)
	assert.False(t, released)
	assert.Equal(t, 1, busyAtComplete)

	close(unblock)
	require.Eventually(t, func() bool {
		st := p.Stats()
		return st.Busy == 0 && st.Idle == 1
	}, time.Second, 5*time.Millisecond, "resource is released once the extractor returns")
}

func TestRunCycle_UnstartedAccountsFailAtDeadline(t *testing.T) {
	p, _ := testutil.NewPool(t, 1)
	st := testutil.NewMemoryStore(t, nil)

	ex := ExtractorFunc(func(ctx context.Context, res pool.Resource, acct balance.Account) (float64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	cfg := testConfig()
	cfg.CycleTimeout = 50 * time.Millisecond
	o := newTestOrchestrator(t, cfg, nil, ex, p, st, nil)

	results, err := o.RunCycle(context.Background(), accountsN(5, false), 1)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for id, res := range results {
		assert.Equal(t, balance.ReasonTimeout, res.Reason, id)
	}
}

func TestRunCycle_RetriesTemporaryFailures(t *testing.T) {
	p, _ := testutil.NewPool(t, 1)
	st := testutil.NewMemoryStore(t, nil)

	var calls atomic.Int32
	ex := ExtractorFunc(func(ctx context.Context, res pool.Resource, acct balance.Account) (float64, error) {
		if calls.Add(1) == 1 {
			return 0, balance.NewExtractionError(balance.KindBlocked, "HTTP 429", nil)
		}
		return 9, nil
	})
	rec := newRecorder()
	o := newTestOrchestrator(t, testConfig(), nil, ex, p, st, rec)

	results, err := o.RunCycle(context.Background(), []balance.Account{{Username: "dave"}}, 1)
	require.NoError(t, err)

	assert.True(t, results["dave"].OK())
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []Phase{PhaseSlow}, rec.phases("dave"), "progress fires once per phase")
}

func TestRunCycle_RetryExhausted(t *testing.T) {
	p, _ := testutil.NewPool(t, 1)
	st := testutil.NewMemoryStore(t, nil)

	var calls atomic.Int32
	ex := ExtractorFunc(func(ctx context.Context, res pool.Resource, acct balance.Account) (float64, error) {
		calls.Add(1)
		return 0, balance.NewExtractionError(balance.KindTimeout, "login page", nil)
	})
	cfg := testConfig()
	cfg.RetryCount = 2
	o := newTestOrchestrator(t, cfg, nil, ex, p, st, nil)

	results, err := o.RunCycle(context.Background(), []balance.Account{{Username: "erin"}}, 1)
	require.NoError(t, err)

	res := results["erin"]
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, balance.ReasonTimeout, res.Reason)
	assert.True(t, res.Retriable)
	assert.True(t, errors.Is(res.Err, ErrRetryExhausted))
	assert.False(t, res.HasBalance, "no cached balance to offer")
}

func TestRunCycle_ForceDailyReauthSkipsFastPath(t *testing.T) {
	p, _ := testutil.NewPool(t, 1)
	st := testutil.NewMemoryStore(t, nil)

	var fastCalls atomic.Int32
	fast := FastPathFunc(func(ctx context.Context, acct balance.Account) (float64, error) {
		fastCalls.Add(1)
		return 1, nil
	})
	cfg := testConfig()
	cfg.ForceDailyReauth = true
	o := newTestOrchestrator(t, cfg, fast, constExtractor(4, nil), p, st, nil)
	acct := []balance.Account{{Username: "frank", APIKey: "sk-f"}}

	results, err := o.RunCycle(context.Background(), acct, 1)
	require.NoError(t, err)
	assert.Equal(t, balance.SourceSlow, results["frank"].Source)
	assert.Zero(t, fastCalls.Load())

	results, err = o.RunCycle(context.Background(), acct, 1)
	require.NoError(t, err)
	assert.Equal(t, balance.SourceFast, results["frank"].Source, "re-authenticated today, fast path is back")
	assert.Equal(t, int32(1), fastCalls.Load())
}

func TestRunCycle_FastSuccessDoesNotMarkReauth(t *testing.T) {
	p, _ := testutil.NewPool(t, 1)
	st := testutil.NewMemoryStore(t, nil)
	o := newTestOrchestrator(t, testConfig(), keyedFastPath(5), constExtractor(1, nil), p, st, nil)

	results, err := o.RunCycle(context.Background(), []balance.Account{{Username: "gina", APIKey: "sk-g"}}, 1)
	require.NoError(t, err)
	assert.Equal(t, balance.SourceFast, results["gina"].Source)

	e, ok := st.Get("gina")
	require.True(t, ok)
	assert.Equal(t, 5.0, e.Balance)
	assert.Empty(t, e.LastFullReauthDate)
}

func TestRunCycle_RejectsConcurrentCycle(t *testing.T) {
	p, _ := testutil.NewPool(t, 1)
	st := testutil.NewMemoryStore(t, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	ex := ExtractorFunc(func(ctx context.Context, res pool.Resource, acct balance.Account) (float64, error) {
		once.Do(func() { close(started) })
		<-release
		return 1, nil
	})
	o := newTestOrchestrator(t, testConfig(), nil, ex, p, st, nil)

	done := make(chan error, 1)
	go func() {
		_, err := o.RunCycle(context.Background(), []balance.Account{{Username: "hank"}}, 1)
		done <- err
	}()

	<-started
	assert.True(t, o.Running())
	_, err := o.RunCycle(context.Background(), []balance.Account{{Username: "hank"}}, 1)
	assert.True(t, errors.Is(err, ErrCycleInProgress))

	close(release)
	require.NoError(t, <-done)
	assert.False(t, o.Running())
}

func TestRunCycle_ObserverPanicDoesNotAbortCycle(t *testing.T) {
	p, _ := testutil.NewPool(t, 2)
	st := testutil.NewMemoryStore(t, nil)

	rec := newRecorder()
	panicky := ObserverFuncs{
		Result: func(account string, res balance.Result) { panic("ui crashed") },
	}
	o, err := New(testConfig(), keyedFastPath(1), constExtractor(1, nil), p, st,
		WithObserver(panicky), WithObserver(rec), WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	results, err := o.RunCycle(context.Background(), accountsN(3, true), 2)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Len(t, rec.results, 3, "other observers still receive every result")
	assert.Len(t, rec.completed(), 1)
}

func TestRunCycle_StatusBoardTracksErrors(t *testing.T) {
	p, _ := testutil.NewPool(t, 1)
	st := testutil.NewMemoryStore(t, map[string]store.Entry{
		"ivy": {Balance: 3, UpdatedAt: time.Now().Add(-time.Hour)},
	})

	var fail atomic.Bool
	fail.Store(true)
	ex := ExtractorFunc(func(ctx context.Context, res pool.Resource, acct balance.Account) (float64, error) {
		if fail.Load() {
			return 0, balance.NewExtractionError(balance.KindParseFailed, "quota missing", nil)
		}
		return 8, nil
	})
	o := newTestOrchestrator(t, testConfig(), nil, ex, p, st, nil)
	acct := []balance.Account{{Username: "ivy"}}

	o.Register(acct)
	seeded, ok := o.Status().Get("ivy")
	require.True(t, ok)
	assert.True(t, seeded.Stale)
	assert.Equal(t, 3.0, seeded.Balance)

	for i := 0; i < 2; i++ {
		_, err := o.RunCycle(context.Background(), acct, 1)
		require.NoError(t, err)
	}
	s, _ := o.Status().Get("ivy")
	assert.Equal(t, StateFailed, s.State)
	assert.Equal(t, 2, s.ErrorCount)
	assert.Equal(t, balance.ReasonParseFailed, s.Reason)
	assert.Equal(t, 3.0, s.Balance)

	fail.Store(false)
	_, err := o.RunCycle(context.Background(), acct, 1)
	require.NoError(t, err)
	s, _ = o.Status().Get("ivy")
	assert.Equal(t, StateSucceeded, s.State)
	assert.Zero(t, s.ErrorCount)
	assert.False(t, s.Stale)
	assert.Equal(t, 8.0, s.Balance)

	last, ok := o.LastCycle()
	require.True(t, ok)
	assert.Equal(t, 8.0, last.Total)
}

func TestRunCycle_EmptyAccounts(t *testing.T) {
	p, _ := testutil.NewPool(t, 1)
	st := testutil.NewMemoryStore(t, nil)
	rec := newRecorder()
	o := newTestOrchestrator(t, testConfig(), nil, constExtractor(1, nil), p, st, rec)

	results, err := o.RunCycle(context.Background(), nil, 4)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Len(t, rec.completed(), 1)
}

func TestRunCycle_SlowPathReportsExtractorOutcome(t *testing.T) {
	cfg := testConfig()
	cfg.RetryCount = 0

	t.Run("success", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			p, f := testutil.NewPool(t, 1)
			st := testutil.NewMemoryStore(t, nil)
			var calls atomic.Int32
			o := newTestOrchestrator(t, cfg, nil, constExtractor(5, &calls), p, st, nil)

			results, err := o.RunCycle(context.Background(), []balance.Account{{Username: "alice"}}, 1)
			require.NoError(t, err)

			res := results["alice"]
			require.True(t, res.OK(), "iteration %d: %s %v", i, res.Reason, res.Err)
			assert.Equal(t, balance.SourceSlow, res.Source)
			assert.Equal(t, 5.0, res.Balance)
			assert.Equal(t, int32(1), calls.Load())
			assert.Zero(t, p.Stats().Busy)
			assert.Equal(t, 1, f.Created())
		}
	})

	t.Run("auth failure", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			p, _ := testutil.NewPool(t, 1)
			st := testutil.NewMemoryStore(t, nil)
			var calls atomic.Int32
			ex := ExtractorFunc(func(ctx context.Context, res pool.Resource, acct balance.Account) (float64, error) {
				calls.Add(1)
				return 0, balance.NewExtractionError(balance.KindAuthFailed, "invalid password", nil)
			})
			o := newTestOrchestrator(t, cfg, nil, ex, p, st, nil)

			results, err := o.RunCycle(context.Background(), []balance.Account{{Username: "alice"}}, 1)
			require.NoError(t, err)

			res := results["alice"]
			assert.Equal(t, balance.ReasonAuthFailed, res.Reason, "iteration %d", i)
			assert.Equal(t, int32(1), calls.Load())
		}
	})
}

func TestRunCycle_RejectsAccountWithoutUsername(t *testing.T) {
	p, _ := testutil.NewPool(t, 1)
	st := testutil.NewMemoryStore(t, nil)
	rec := newRecorder()
	var calls atomic.Int32
	o := newTestOrchestrator(t, testConfig(), nil, constExtractor(1, &calls), p, st, rec)

	accounts := []balance.Account{{Username: "alice"}, {Username: "  "}, {Username: "bob"}}
	results, err := o.RunCycle(context.Background(), accounts, 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidAccount))
	assert.Contains(t, err.Error(), "#2")
	assert.Nil(t, results)
	assert.Zero(t, calls.Load())
	assert.Empty(t, rec.completed())
	assert.False(t, o.Running())

	// The orchestrator is usable again afterwards.
	results, err = o.RunCycle(context.Background(), []balance.Account{{Username: "alice"}}, 1)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

// failingStore accepts reads but fails every write.
type failingStore struct {
	*store.Store
}

func (s failingStore) RecordSuccess(ctx context.Context, account string, amount float64, markFullReauth bool) (store.Entry, error) {
	return store.Entry{}, errors.New("disk full")
}

func TestRunCycle_PersistFailureStillSucceeds(t *testing.T) {
	p, _ := testutil.NewPool(t, 1)
	st := failingStore{testutil.NewMemoryStore(t, nil)}

	var buf bytes.Buffer
	o, err := New(testConfig(), nil, constExtractor(3, nil), p, st, WithLogger(zerolog.New(&buf)))
	require.NoError(t, err)

	before := promtest.ToFloat64(PersistFailures)
	results, err := o.RunCycle(context.Background(), []balance.Account{{Username: "alice"}}, 1)
	require.NoError(t, err)

	res := results["alice"]
	assert.True(t, res.OK())
	assert.Equal(t, 3.0, res.Balance)
	assert.Equal(t, before+1, promtest.ToFloat64(PersistFailures))

	c, ok := o.LastCycle()
	require.True(t, ok)
	assert.Contains(t, buf.String(), `"message":"Failed to persist balance"`)
	assert.Contains(t, buf.String(), `"cycle_id":"`+c.ID+`"`)
	assert.Contains(t, buf.String(), "disk full")
}
