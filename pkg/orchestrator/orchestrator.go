package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/balance-monitor/pkg/balance"
	"github.com/Sternrassler/balance-monitor/pkg/pool"
	"github.com/Sternrassler/balance-monitor/pkg/store"
)

// persistTimeout bounds a store write after a successful query. It is
// detached from the cycle deadline so a late success is still recorded.
const persistTimeout = 10 * time.Second

// FastPath queries a balance without a full session.
// It returns balance.ErrNotApplicable when it cannot serve the account.
type FastPath interface {
	Query(ctx context.Context, acct balance.Account) (float64, error)
}

// FastPathFunc adapts a function to FastPath.
type FastPathFunc func(ctx context.Context, acct balance.Account) (float64, error)

func (f FastPathFunc) Query(ctx context.Context, acct balance.Account) (float64, error) {
	return f(ctx, acct)
}

// Extractor obtains a balance through a pooled session resource. Errors
// should be *balance.ExtractionError so they can be classified.
type Extractor interface {
	Extract(ctx context.Context, res pool.Resource, acct balance.Account) (float64, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, res pool.Resource, acct balance.Account) (float64, error)

func (f ExtractorFunc) Extract(ctx context.Context, res pool.Resource, acct balance.Account) (float64, error) {
	return f(ctx, res, acct)
}

// ResourcePool hands out session resources exclusively.
type ResourcePool interface {
	Acquire(ctx context.Context) (*pool.Handle, error)
	Release(h *pool.Handle)
}

// StateStore is the cached state the orchestrator reads and updates.
type StateStore interface {
	Get(account string) (store.Entry, bool)
	RecordSuccess(ctx context.Context, account string, balance float64, markFullReauth bool) (store.Entry, error)
	NeedsFullReauth(account string) bool
}

// Orchestrator runs query cycles. One cycle runs at a time.
type Orchestrator struct {
	cfg       Config
	fast      FastPath
	extractor Extractor
	pool      ResourcePool
	store     StateStore
	observers []Observer
	board     *StatusBoard
	logger    zerolog.Logger
	now       func() time.Time
	chain     []link

	running atomic.Bool
	last    atomic.Pointer[Cycle]
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithObserver adds an observer. Multiple observers receive events in the
// order they were added.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithStatusBoard shares a status board, e.g. with an HTTP handler.
func WithStatusBoard(board *StatusBoard) Option {
	return func(o *Orchestrator) { o.board = board }
}

// WithClock overrides the time source used for result timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator. fast may be nil, in which case every account
// takes the slow path.
func New(cfg Config, fast FastPath, extractor Extractor, resources ResourcePool, st StateStore, opts ...Option) (*Orchestrator, error) {
	if extractor == nil || resources == nil {
		return nil, errors.New("slow path requires an extractor and a resource pool")
	}
	if st == nil {
		return nil, errors.New("state store is required")
	}

	o := &Orchestrator{
		cfg:       cfg.withDefaults(),
		fast:      fast,
		extractor: extractor,
		pool:      resources,
		store:     st,
		logger:    log.With().Str("component", "orchestrator").Logger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.board == nil {
		o.board = NewStatusBoard()
	}
	o.chain = o.buildChain()

	return o, nil
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Status returns the status board.
func (o *Orchestrator) Status() *StatusBoard {
	return o.board
}

// Running reports whether a cycle is in progress.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// LastCycle returns the most recently completed cycle.
func (o *Orchestrator) LastCycle() (Cycle, bool) {
	c := o.last.Load()
	if c == nil {
		return Cycle{}, false
	}
	return *c, true
}

// Register seeds the status board with cached balances so they can be
// shown before the first cycle completes.
func (o *Orchestrator) Register(accounts []balance.Account) {
	for _, a := range accounts {
		if e, ok := o.store.Get(a.ID()); ok {
			o.board.Seed(a.ID(), e.Balance, e.UpdatedAt)
		}
	}
}

// RunCycle queries every account with at most maxConcurrency workers and
// returns one result per distinct account. A non-positive maxConcurrency
// uses Config.MaxConcurrency. Per-account failures are reported in the
// results, never as the returned error. An account without a username
// fails the call with ErrInvalidAccount before anything is queried.
func (o *Orchestrator) RunCycle(ctx context.Context, accounts []balance.Account, maxConcurrency int) (map[string]balance.Result, error) {
	for i, a := range accounts {
		if a.ID() == "" {
			return nil, fmt.Errorf("%w: account #%d has no username", ErrInvalidAccount, i+1)
		}
	}
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrCycleInProgress
	}
	defer o.running.Store(false)

	if maxConcurrency <= 0 {
		maxConcurrency = o.cfg.MaxConcurrency
	}
	accounts = o.dedupe(accounts)

	if o.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.CycleTimeout)
		defer cancel()
	}

	id := uuid.NewString()
	r := &cycleRun{
		o:       o,
		id:      id,
		ctx:     ctx,
		logger:  o.logger.With().Str("cycle_id", id).Logger(),
		results: make(map[string]balance.Result, len(accounts)),
	}

	ids := make([]string, len(accounts))
	for i, a := range accounts {
		ids[i] = a.ID()
	}
	o.Register(accounts)
	o.board.begin(ids)

	workers := maxConcurrency
	if workers > len(accounts) {
		workers = len(accounts)
	}

	start := o.now()
	r.logger.Info().
		Int("accounts", len(accounts)).
		Int("workers", workers).
		Msg("Cycle started")

	queue := make(chan balance.Account, len(accounts))
	for _, a := range accounts {
		queue <- a
	}
	close(queue)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go r.worker(queue, &wg, i)
	}
	wg.Wait()

	released := r.awaitReleases()

	cycle := r.summary(start)
	cycle.Released = released
	o.last.Store(&cycle)

	CyclesTotal.Inc()
	CycleDuration.Observe(cycle.Duration.Seconds())
	CycleTotalBalance.Set(cycle.Total)

	o.notify("cycle_complete", func(obs Observer) { obs.OnCycleComplete(cycle) })

	return r.copyResults(), nil
}

// dedupe drops repeated usernames; the first occurrence wins.
func (o *Orchestrator) dedupe(accounts []balance.Account) []balance.Account {
	seen := make(map[string]struct{}, len(accounts))
	out := make([]balance.Account, 0, len(accounts))
	for _, a := range accounts {
		id := a.ID()
		if _, dup := seen[id]; dup {
			o.logger.Warn().Str("account", id).Msg("Skipping duplicate account")
			continue
		}
		seen[id] = struct{}{}
		out = append(out, a)
	}
	return out
}

// notify delivers an event to every observer. A panicking handler is
// logged and does not affect the others.
func (o *Orchestrator) notify(event string, fn func(Observer)) {
	for _, obs := range o.observers {
		o.deliver(event, obs, fn)
	}
}

func (o *Orchestrator) deliver(event string, obs Observer, fn func(Observer)) {
	defer func() {
		if rec := recover(); rec != nil {
			RecoveredPanics.WithLabelValues("observer").Inc()
			o.logger.Error().
				Str("event", event).
				Interface("panic", rec).
				Msg("Observer handler panicked")
		}
	}()
	fn(obs)
}

// cycleRun is the state of one RunCycle call.
type cycleRun struct {
	o      *Orchestrator
	id     string
	ctx    context.Context
	logger zerolog.Logger

	// inflight counts extraction goroutines that still hold a resource.
	inflight sync.WaitGroup

	mu      sync.Mutex
	results map[string]balance.Result
}

// worker processes accounts from the queue until it is drained.
func (r *cycleRun) worker(queue <-chan balance.Account, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for acct := range queue {
		select {
		case <-r.ctx.Done():
			// Never started: Pending -> Failed.
			r.emit(r.fail(acct.ID(), r.ctx.Err()))
			continue
		default:
		}

		r.emit(r.query(acct))
		processed++
	}

	r.logger.Debug().
		Int("worker_id", workerID).
		Int("accounts_processed", processed).
		Msg("Worker completed")
}

// query runs the chain, converting a panic into an internal failure.
func (r *cycleRun) query(acct balance.Account) (res balance.Result) {
	defer func() {
		if rec := recover(); rec != nil {
			RecoveredPanics.WithLabelValues("worker").Inc()
			r.logger.Error().
				Str("account", acct.ID()).
				Interface("panic", rec).
				Msg("Account query panicked")
			res = balance.Failure(acct.ID(), errors.New("query panicked"), r.o.now())
		}
	}()
	return r.runChain(acct)
}

func (r *cycleRun) progress(account string, phase Phase, state AccountState) {
	r.o.board.setState(account, state)
	r.o.notify("progress", func(obs Observer) { obs.OnProgress(account, phase) })
}

func (r *cycleRun) succeed(account string, amount float64, source balance.Source) balance.Result {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), persistTimeout)
	defer cancel()

	// The fresh balance counts even when it could not be persisted.
	if _, err := r.o.store.RecordSuccess(ctx, account, amount, source == balance.SourceSlow); err != nil {
		PersistFailures.Inc()
		r.logger.Error().
			Err(err).
			Str("account", account).
			Str("source", string(source)).
			Msg("Failed to persist balance")
	}

	return balance.Success(account, amount, source, r.o.now())
}

func (r *cycleRun) fail(account string, err error) balance.Result {
	res := balance.Failure(account, err, r.o.now())
	if e, ok := r.o.store.Get(account); ok {
		res = res.WithCached(e.Balance, e.UpdatedAt)
	}
	return res
}

// emit records a terminal result once and notifies the observer.
func (r *cycleRun) emit(res balance.Result) {
	r.mu.Lock()
	if _, dup := r.results[res.Account]; dup {
		r.mu.Unlock()
		return
	}
	r.results[res.Account] = res
	r.mu.Unlock()

	r.o.board.apply(res)
	AccountResults.WithLabelValues(string(res.Outcome), string(res.Source), string(res.Reason)).Inc()

	if !res.OK() {
		r.logger.Debug().
			Str("account", res.Account).
			Str("reason", string(res.Reason)).
			Bool("stale", res.Stale).
			Msg("Account failed")
	}

	r.o.notify("result", func(obs Observer) { obs.OnResult(res.Account, res) })
}

func (r *cycleRun) copyResults() map[string]balance.Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]balance.Result, len(r.results))
	for k, v := range r.results {
		out[k] = v
	}
	return out
}

func (r *cycleRun) summary(start time.Time) Cycle {
	c := Cycle{
		ID:        r.id,
		Results:   r.copyResults(),
		StartedAt: start,
		Duration:  r.o.now().Sub(start),
	}
	for _, res := range c.Results {
		if res.OK() {
			c.Succeeded++
			c.Total += res.Balance
		} else {
			c.Failed++
		}
	}
	return c
}
