package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/balance-monitor/pkg/balance"
)

// Config holds pool sizing and timing.
type Config struct {
	// MinSize is the number of resources the pool tries to keep alive after
	// a resource is destroyed.
	MinSize int

	// MaxSize bounds live plus in-construction resources.
	MaxSize int

	// AcquireTimeout bounds how long Acquire waits when the pool is at
	// capacity. Zero waits for the caller's context only.
	AcquireTimeout time.Duration

	// ResetTimeout bounds Reset plus Healthy on release.
	ResetTimeout time.Duration

	// CreateTimeout bounds a single factory call. Zero disables it.
	CreateTimeout time.Duration

	// MaxIdle is how long a resource may sit unused before EvictIdle
	// closes it. Zero disables eviction.
	MaxIdle time.Duration
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		MinSize:        3,
		MaxSize:        9,
		AcquireTimeout: 2 * time.Minute,
		ResetTimeout:   10 * time.Second,
		CreateTimeout:  time.Minute,
		MaxIdle:        5 * time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxSize <= 0 {
		return fmt.Errorf("pool max size must be positive, got %d", c.MaxSize)
	}
	if c.MinSize < 0 || c.MinSize > c.MaxSize {
		return fmt.Errorf("pool min size %d outside [0, %d]", c.MinSize, c.MaxSize)
	}
	if c.AcquireTimeout < 0 || c.ResetTimeout < 0 || c.CreateTimeout < 0 || c.MaxIdle < 0 {
		return errors.New("pool timeouts must not be negative")
	}
	return nil
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Size       int `json:"size"`
	Idle       int `json:"idle"`
	Busy       int `json:"busy"`
	Creating   int `json:"creating"`
	Destroying int `json:"destroying"`
	MinSize    int `json:"min_size"`
	MaxSize    int `json:"max_size"`

	Created   int64 `json:"created"`
	Destroyed int64 `json:"destroyed"`
	Acquired  int64 `json:"acquired"`
	Reused    int64 `json:"reused"`
	Timeouts  int64 `json:"timeouts"`
}

// ReuseRate returns the share of acquisitions served by an existing resource.
func (s Stats) ReuseRate() float64 {
	if s.Acquired == 0 {
		return 0
	}
	return float64(s.Reused) / float64(s.Acquired)
}

// Pool is a bounded pool of reusable resources. It is safe for concurrent use.
//
// Every live or in-construction resource holds one token in slots, so the
// number of resources never exceeds MaxSize. Idle resources sit in idle.
type Pool struct {
	factory Factory
	cfg     Config
	logger  zerolog.Logger
	now     func() time.Time

	slots  chan struct{}
	idle   chan *Handle
	closed chan struct{}

	mu        sync.Mutex
	handles   map[string]*Handle
	creating  int
	seq       int
	shut      bool
	created   int64
	destroyed int64
	acquired  int64
	reused    int64
	timeouts  int64

	drained   chan struct{}
	drainOnce sync.Once

	replenishing atomic.Bool
}

// New creates an empty pool. Call WarmUp to pre-create resources.
func New(factory Factory, cfg Config, logger zerolog.Logger) (*Pool, error) {
	if factory == nil {
		return nil, errors.New("pool factory is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Pool{
		factory: factory,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		slots:   make(chan struct{}, cfg.MaxSize),
		idle:    make(chan *Handle, cfg.MaxSize),
		closed:  make(chan struct{}),
		handles: make(map[string]*Handle),
		drained: make(chan struct{}),
	}, nil
}

// Config returns the pool configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

// WarmUp creates resources in parallel until the pool holds n of them,
// bounded by MaxSize. It returns the number created.
func (p *Pool) WarmUp(ctx context.Context, n int) (int, error) {
	if p.isClosed() {
		return 0, balance.ErrPoolClosed
	}
	if n > p.cfg.MaxSize {
		n = p.cfg.MaxSize
	}

	start := time.Now()
	need := n - p.size()

	var (
		g       errgroup.Group
		created atomic.Int64
	)

reserve:
	for i := 0; i < need; i++ {
		select {
		case p.slots <- struct{}{}:
		default:
			break reserve
		}

		g.Go(func() error {
			h, err := p.create(ctx)
			if err != nil {
				return err
			}
			p.checkin(h)
			created.Add(1)
			return nil
		})
	}

	err := g.Wait()
	count := int(created.Load())

	p.logger.Info().
		Int("requested", n).
		Int("created", count).
		Dur("elapsed", time.Since(start)).
		Msg("Pool warm-up finished")

	if err != nil {
		return count, fmt.Errorf("warm up pool: %w", err)
	}
	return count, nil
}

// Acquire checks out a resource for exclusive use. It reuses an idle
// resource if one exists, creates one while below MaxSize, and otherwise
// waits until a resource is released, the acquire timeout elapses or ctx
// is done. Every successful Acquire must be paired with exactly one Release.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	start := time.Now()
	if p.isClosed() {
		return nil, balance.ErrPoolClosed
	}

	select {
	case h := <-p.idle:
		return p.checkout(h, start, true)
	default:
	}

	waitCtx := ctx
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	select {
	case h := <-p.idle:
		return p.checkout(h, start, true)

	case p.slots <- struct{}{}:
		h, err := p.create(ctx)
		if err != nil {
			return nil, err
		}
		return p.checkout(h, start, false)

	case <-p.closed:
		return nil, balance.ErrPoolClosed

	case <-waitCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("acquire resource: %w", err)
		}

		p.mu.Lock()
		p.timeouts++
		p.mu.Unlock()
		PoolAcquireTimeouts.Inc()

		p.logger.Warn().
			Dur("waited", time.Since(start)).
			Msg("Pool exhausted, acquire timed out")
		return nil, fmt.Errorf("%w: no resource within %s", balance.ErrPoolExhausted, p.cfg.AcquireTimeout)
	}
}

// Release returns a checked-out resource. The resource is reset and
// health-checked; on failure it is destroyed and a replacement is created
// in the background. Releasing a handle that is not checked out is a no-op.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	if !h.inUse.CompareAndSwap(true, false) {
		p.logger.Warn().Str("resource_id", h.id).Msg("Release of a resource that is not checked out")
		return
	}

	if p.isClosed() {
		p.destroy(h, "shutdown")
		return
	}

	ctx := context.Background()
	if p.cfg.ResetTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ResetTimeout)
		defer cancel()
	}

	if reason, err := p.recycle(ctx, h); err != nil {
		p.logger.Warn().
			Err(err).
			Str("resource_id", h.id).
			Str("reason", reason).
			Msg("Destroying resource")
		p.destroy(h, reason)
		p.replenish()
		return
	}

	p.checkin(h)
}

// Do acquires a resource, calls fn with it and releases it, also when fn
// panics.
func (p *Pool) Do(ctx context.Context, fn func(*Handle) error) error {
	h, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(h)
	return fn(h)
}

// EvictIdle closes idle resources that have not been used for maxIdle,
// keeping at least MinSize resources. It returns the number closed.
// A non-positive maxIdle evicts nothing.
func (p *Pool) EvictIdle(maxIdle time.Duration) int {
	if maxIdle <= 0 || p.isClosed() {
		return 0
	}

	var idle []*Handle
drain:
	for {
		select {
		case h := <-p.idle:
			idle = append(idle, h)
		default:
			break drain
		}
	}

	now := p.now()
	evicted := 0
	for _, h := range idle {
		p.mu.Lock()
		idleFor := now.Sub(h.idleSince())
		atMin := len(p.handles)+p.creating <= p.cfg.MinSize
		p.mu.Unlock()

		if idleFor >= maxIdle && !atMin {
			p.logger.Debug().
				Str("resource_id", h.id).
				Time("created_at", h.CreatedAt()).
				Dur("idle", idleFor).
				Msg("Evicting idle resource")
			p.destroy(h, "idle")
			evicted++
			continue
		}
		p.requeue(h)
	}

	if evicted > 0 {
		p.logger.Info().
			Int("evicted", evicted).
			Dur("max_idle", maxIdle).
			Msg("Idle resources evicted")
	}
	return evicted
}

// Shutdown stops handing out resources and destroys every resource.
// Idle resources are destroyed immediately; checked-out resources are
// destroyed when released. Shutdown waits until all are gone or ctx is done.
// It is safe to call more than once.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.shut {
		p.shut = true
		close(p.closed)
	}
	p.mu.Unlock()

	p.drainIdle()
	p.maybeDrained()

	select {
	case <-p.drained:
		p.logger.Info().Msg("Pool shut down")
		return nil
	case <-ctx.Done():
		st := p.Stats()
		return fmt.Errorf("shutdown pool with %d resources outstanding: %w", st.Size, ctx.Err())
	}
}

// Stats returns a snapshot of pool state and counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool) statsLocked() Stats {
	st := Stats{
		Creating:  p.creating,
		MinSize:   p.cfg.MinSize,
		MaxSize:   p.cfg.MaxSize,
		Created:   p.created,
		Destroyed: p.destroyed,
		Acquired:  p.acquired,
		Reused:    p.reused,
		Timeouts:  p.timeouts,
	}
	for _, h := range p.handles {
		switch h.state {
		case stateIdle:
			st.Idle++
		case stateBusy:
			st.Busy++
		case stateDestroying:
			st.Destroying++
		}
	}
	st.Size = len(p.handles) + p.creating
	return st
}

// create builds a resource. The caller must hold a slot token; it is
// returned on failure.
func (p *Pool) create(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	if p.shut {
		p.mu.Unlock()
		<-p.slots
		return nil, balance.ErrPoolClosed
	}
	p.creating++
	p.seq++
	id := fmt.Sprintf("resource-%d", p.seq)
	p.mu.Unlock()
	p.updateGauges()

	if p.cfg.CreateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.CreateTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := p.factory(ctx, id)
	if err == nil && res == nil {
		err = errors.New("factory returned no resource")
	}

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.mu.Unlock()
		<-p.slots
		PoolCreateFailures.Inc()
		p.updateGauges()
		p.maybeDrained()
		return nil, fmt.Errorf("create resource %s: %w", id, err)
	}

	now := p.now()
	h := &Handle{
		id:        id,
		resource:  res,
		createdAt: now,
		lastReset: now,
		state:     stateIdle,
	}
	p.handles[id] = h
	p.created++
	shut := p.shut
	p.mu.Unlock()

	PoolCreated.Inc()
	p.logger.Debug().
		Str("resource_id", id).
		Dur("elapsed", time.Since(start)).
		Msg("Resource created")

	if shut {
		p.destroy(h, "shutdown")
		return nil, balance.ErrPoolClosed
	}
	return h, nil
}

func (p *Pool) checkout(h *Handle, start time.Time, reused bool) (*Handle, error) {
	p.mu.Lock()
	if p.shut {
		p.mu.Unlock()
		p.destroy(h, "shutdown")
		return nil, balance.ErrPoolClosed
	}
	h.state = stateBusy
	h.uses++
	h.lastUsed = p.now()
	p.acquired++
	if reused {
		p.reused++
	}
	p.mu.Unlock()

	h.inUse.Store(true)
	PoolAcquireWait.Observe(time.Since(start).Seconds())
	p.updateGauges()

	p.logger.Debug().
		Str("resource_id", h.id).
		Bool("reused", reused).
		Msg("Resource acquired")
	return h, nil
}

// checkin marks h idle and queues it. The send happens under the lock so
// that Shutdown either sees the handle in idle or checkin sees shut.
func (p *Pool) checkin(h *Handle) {
	p.mu.Lock()
	if p.shut {
		p.mu.Unlock()
		p.destroy(h, "shutdown")
		return
	}
	h.state = stateIdle
	h.lastReset = p.now()
	h.lastUsed = h.lastReset
	p.idle <- h
	p.mu.Unlock()

	p.updateGauges()
}

// requeue returns an idle handle to the queue without touching its
// timestamps.
func (p *Pool) requeue(h *Handle) {
	p.mu.Lock()
	if p.shut {
		p.mu.Unlock()
		p.destroy(h, "shutdown")
		return
	}
	p.idle <- h
	p.mu.Unlock()
}

// recycle resets and health-checks a released resource. It returns the
// destroy reason on failure.
func (p *Pool) recycle(ctx context.Context, h *Handle) (reason string, err error) {
	defer func() {
		if r := recover(); r != nil {
			reason = "reset_failed"
			err = fmt.Errorf("%w: reset panicked: %v", balance.ErrResourceHealth, r)
		}
	}()

	if err := h.resource.Reset(ctx); err != nil {
		return "reset_failed", fmt.Errorf("%w: %v", balance.ErrResourceHealth, err)
	}
	if !h.resource.Healthy(ctx) {
		return "unhealthy", fmt.Errorf("%w: health check failed", balance.ErrResourceHealth)
	}
	return "", nil
}

func (p *Pool) destroy(h *Handle, reason string) {
	p.mu.Lock()
	if _, ok := p.handles[h.id]; !ok || h.state == stateDestroying {
		p.mu.Unlock()
		return
	}
	h.state = stateDestroying
	p.mu.Unlock()

	if err := h.resource.Close(); err != nil {
		p.logger.Warn().Err(err).Str("resource_id", h.id).Msg("Failed to close resource")
	}

	p.mu.Lock()
	delete(p.handles, h.id)
	p.destroyed++
	p.mu.Unlock()
	<-p.slots

	PoolDestroyed.WithLabelValues(reason).Inc()
	p.updateGauges()
	p.maybeDrained()
}

// replenish restores MinSize in the background. At most one replenisher
// runs at a time.
func (p *Pool) replenish() {
	if p.cfg.MinSize == 0 || p.isClosed() {
		return
	}
	if !p.replenishing.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer p.replenishing.Store(false)

		for p.size() < p.cfg.MinSize && !p.isClosed() {
			select {
			case p.slots <- struct{}{}:
			default:
				return
			}

			h, err := p.create(context.Background())
			if err != nil {
				p.logger.Warn().Err(err).Msg("Failed to replace destroyed resource")
				return
			}
			p.checkin(h)
			PoolReplacements.Inc()
		}
	}()
}

func (p *Pool) drainIdle() {
	for {
		select {
		case h := <-p.idle:
			p.destroy(h, "shutdown")
		default:
			return
		}
	}
}

func (p *Pool) maybeDrained() {
	p.mu.Lock()
	done := p.shut && len(p.handles) == 0 && p.creating == 0
	p.mu.Unlock()

	if done {
		p.drainOnce.Do(func() { close(p.drained) })
	}
}

func (p *Pool) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *Pool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles) + p.creating
}

func (p *Pool) updateGauges() {
	st := p.Stats()
	PoolResources.WithLabelValues("idle").Set(float64(st.Idle))
	PoolResources.WithLabelValues("busy").Set(float64(st.Busy))
	PoolResources.WithLabelValues("creating").Set(float64(st.Creating))
	PoolResources.WithLabelValues("destroying").Set(float64(st.Destroying))
}
