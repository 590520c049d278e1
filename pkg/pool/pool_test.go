package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/balance-monitor/pkg/balance"
)

type fakeResource struct {
	id       string
	inUse    atomic.Int32
	resets   atomic.Int32
	closed   atomic.Bool
	unhealth atomic.Bool
	resetErr error
}

func (r *fakeResource) Reset(ctx context.Context) error {
	r.resets.Add(1)
	return r.resetErr
}

func (r *fakeResource) Healthy(ctx context.Context) bool {
	return !r.unhealth.Load()
}

func (r *fakeResource) Close() error {
	r.closed.Store(true)
	return nil
}

type fakeFactory struct {
	mu        sync.Mutex
	resources []*fakeResource
	calls     atomic.Int32
	fail      atomic.Bool
	delay     time.Duration
	resetErr  error
}

func (f *fakeFactory) New(ctx context.Context, id string) (Resource, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		return nil, errors.New("factory down")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r := &fakeResource{id: id, resetErr: f.resetErr}
	f.mu.Lock()
	f.resources = append(f.resources, r)
	f.mu.Unlock()
	return r, nil
}

func (f *fakeFactory) all() []*fakeResource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeResource(nil), f.resources...)
}

func newTestPool(t *testing.T, f *fakeFactory, cfg Config) *Pool {
	t.Helper()
	p, err := New(f.New, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestNew_Validation(t *testing.T) {
	f := &fakeFactory{}
	tests := []struct {
		name    string
		factory Factory
		cfg     Config
		wantErr bool
	}{
		{"defaults", f.New, DefaultConfig(), false},
		{"nil factory", nil, DefaultConfig(), true},
		{"zero max", f.New, Config{MinSize: 0, MaxSize: 0}, true},
		{"min above max", f.New, Config{MinSize: 4, MaxSize: 2}, true},
		{"negative timeout", f.New, Config{MaxSize: 1, AcquireTimeout: -time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.factory, tt.cfg, zerolog.Nop())
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPool_AcquireReusesReleased(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, Config{MinSize: 0, MaxSize: 2, ResetTimeout: time.Second})
	ctx := context.Background()

	h1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	p.Release(h1)

	h2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer p.Release(h2)

	if h1.ID() != h2.ID() {
		t.Errorf("expected reuse of %s, got %s", h1.ID(), h2.ID())
	}
	if got := f.calls.Load(); got != 1 {
		t.Errorf("factory calls = %d, want 1", got)
	}

	st := p.Stats()
	if st.Acquired != 2 || st.Reused != 1 {
		t.Errorf("stats acquired/reused = %d/%d, want 2/1", st.Acquired, st.Reused)
	}
	if st.ReuseRate() != 0.5 {
		t.Errorf("ReuseRate() = %v, want 0.5", st.ReuseRate())
	}
	if r := h1.Resource().(*fakeResource); r.resets.Load() != 1 {
		t.Errorf("resets = %d, want 1", r.resets.Load())
	}
}

func TestPool_BoundedAndExclusive(t *testing.T) {
	const maxSize = 3
	f := &fakeFactory{delay: 5 * time.Millisecond}
	p := newTestPool(t, f, Config{MaxSize: maxSize, AcquireTimeout: 5 * time.Second, ResetTimeout: time.Second})

	var (
		wg          sync.WaitGroup
		concurrent  atomic.Int32
		maxObserved atomic.Int32
		violations  atomic.Int32
	)

	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.Acquire(context.Background())
			if err != nil {
				t.Errorf("Acquire() error = %v", err)
				return
			}
			r := h.Resource().(*fakeResource)
			if r.inUse.Add(1) != 1 {
				violations.Add(1)
			}
			n := concurrent.Add(1)
			for {
				cur := maxObserved.Load()
				if n <= cur || maxObserved.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			concurrent.Add(-1)
			r.inUse.Add(-1)
			p.Release(h)
		}()
	}
	wg.Wait()

	if violations.Load() != 0 {
		t.Errorf("%d resources were handed to two callers at once", violations.Load())
	}
	if maxObserved.Load() > maxSize {
		t.Errorf("observed %d concurrent resources, max is %d", maxObserved.Load(), maxSize)
	}
	if got := p.Stats().Created; got > maxSize {
		t.Errorf("created %d resources, max is %d", got, maxSize)
	}
}

func TestPool_AcquireTimeout(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, Config{MaxSize: 1, AcquireTimeout: 30 * time.Millisecond, ResetTimeout: time.Second})

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer p.Release(h)

	_, err = p.Acquire(context.Background())
	if !errors.Is(err, balance.ErrPoolExhausted) {
		t.Fatalf("Acquire() error = %v, want ErrPoolExhausted", err)
	}
	if reason, retriable := balance.Classify(err); reason != balance.ReasonPoolExhausted || !retriable {
		t.Errorf("Classify() = %s/%v", reason, retriable)
	}
	if p.Stats().Timeouts != 1 {
		t.Errorf("timeouts = %d, want 1", p.Stats().Timeouts)
	}
}

func TestPool_AcquireHonorsCallerContext(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, Config{MaxSize: 1, AcquireTimeout: time.Minute, ResetTimeout: time.Second})

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer p.Release(h)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = p.Acquire(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire() error = %v, want deadline exceeded", err)
	}
	if errors.Is(err, balance.ErrPoolExhausted) {
		t.Error("caller deadline must not be reported as pool exhaustion")
	}
}

func TestPool_WaiterGetsReleasedResource(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, Config{MaxSize: 1, AcquireTimeout: time.Second, ResetTimeout: time.Second})

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	got := make(chan *Handle, 1)
	go func() {
		h2, err := p.Acquire(context.Background())
		if err != nil {
			t.Errorf("waiting Acquire() error = %v", err)
			close(got)
			return
		}
		got <- h2
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(h)

	select {
	case h2 := <-got:
		if h2 == nil {
			return
		}
		if h2.ID() != h.ID() {
			t.Errorf("waiter got %s, want %s", h2.ID(), h.ID())
		}
		p.Release(h2)
	case <-time.After(time.Second):
		t.Fatal("waiter was not served")
	}
}

func TestPool_UnhealthyResourceIsReplaced(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, Config{MinSize: 1, MaxSize: 2, ResetTimeout: time.Second})

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	r := h.Resource().(*fakeResource)
	r.unhealth.Store(true)
	p.Release(h)

	if !r.closed.Load() {
		t.Error("unhealthy resource was not closed")
	}

	waitFor(t, time.Second, func() bool {
		st := p.Stats()
		return st.Idle == 1 && st.Destroyed == 1
	})

	h2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer p.Release(h2)
	if h2.ID() == h.ID() {
		t.Error("destroyed resource was handed out again")
	}
}

func TestPool_ResetFailureDestroys(t *testing.T) {
	f := &fakeFactory{resetErr: errors.New("session stuck")}
	p := newTestPool(t, f, Config{MaxSize: 1, ResetTimeout: time.Second})

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	p.Release(h)

	st := p.Stats()
	if st.Size != 0 || st.Destroyed != 1 {
		t.Errorf("stats after failed reset = %+v", st)
	}
}

func TestPool_DoubleReleaseIsNoop(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, Config{MaxSize: 2, ResetTimeout: time.Second})

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	p.Release(h)
	p.Release(h)

	st := p.Stats()
	if st.Idle != 1 || st.Size != 1 {
		t.Errorf("stats after double release = %+v", st)
	}
	if r := h.Resource().(*fakeResource); r.resets.Load() != 1 {
		t.Errorf("resets = %d, want 1", r.resets.Load())
	}
}

func TestPool_WarmUp(t *testing.T) {
	t.Run("creates in parallel up to max", func(t *testing.T) {
		f := &fakeFactory{delay: 50 * time.Millisecond}
		p := newTestPool(t, f, Config{MaxSize: 3})

		start := time.Now()
		n, err := p.WarmUp(context.Background(), 5)
		if err != nil {
			t.Fatalf("WarmUp() error = %v", err)
		}
		if n != 3 {
			t.Errorf("WarmUp() created %d, want 3", n)
		}
		if elapsed := time.Since(start); elapsed > 140*time.Millisecond {
			t.Errorf("WarmUp() took %s, creation was not parallel", elapsed)
		}
		if st := p.Stats(); st.Idle != 3 {
			t.Errorf("idle = %d, want 3", st.Idle)
		}
	})

	t.Run("factory failure", func(t *testing.T) {
		f := &fakeFactory{}
		f.fail.Store(true)
		p := newTestPool(t, f, Config{MaxSize: 2})

		n, err := p.WarmUp(context.Background(), 2)
		if err == nil {
			t.Fatal("WarmUp() expected error")
		}
		if n != 0 {
			t.Errorf("WarmUp() created %d, want 0", n)
		}
		if st := p.Stats(); st.Size != 0 {
			t.Errorf("size = %d, want 0 after failed creation", st.Size)
		}
	})
}

func TestPool_Shutdown(t *testing.T) {
	f := &fakeFactory{}
	p, err := New(f.New, Config{MaxSize: 3, ResetTimeout: time.Second}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := p.WarmUp(context.Background(), 2); err != nil {
		t.Fatalf("WarmUp() error = %v", err)
	}

	busy, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- p.Shutdown(context.Background()) }()

	select {
	case err := <-done:
		t.Fatalf("Shutdown() returned %v with a resource still busy", err)
	case <-time.After(30 * time.Millisecond):
	}

	if _, err := p.Acquire(context.Background()); !errors.Is(err, balance.ErrPoolClosed) {
		t.Errorf("Acquire() after shutdown error = %v, want ErrPoolClosed", err)
	}

	p.Release(busy)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Shutdown() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Shutdown() did not finish after release")
	}

	for _, r := range f.all() {
		if !r.closed.Load() {
			t.Errorf("resource %s not closed", r.id)
		}
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestPool_ShutdownDeadline(t *testing.T) {
	f := &fakeFactory{}
	p, err := New(f.New, Config{MaxSize: 1}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer p.Release(h)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown() error = %v, want deadline exceeded", err)
	}
}

func TestPool_DoReleasesOnPanic(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, Config{MaxSize: 1, ResetTimeout: time.Second})

	func() {
		defer func() { _ = recover() }()
		_ = p.Do(context.Background(), func(h *Handle) error {
			panic("extractor bug")
		})
	}()

	st := p.Stats()
	if st.Busy != 0 || st.Idle != 1 {
		t.Errorf("stats after panic = %+v, want the resource back idle", st)
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestPool_EvictIdle(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, Config{MinSize: 1, MaxSize: 3})
	clock := &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	p.now = clock.Now

	if _, err := p.WarmUp(context.Background(), 3); err != nil {
		t.Fatalf("WarmUp() error = %v", err)
	}

	clock.Advance(time.Minute)
	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	recent := h.Resource().(*fakeResource)
	p.Release(h)

	clock.Advance(4 * time.Minute)

	if n := p.EvictIdle(0); n != 0 {
		t.Errorf("EvictIdle(0) = %d, want 0", n)
	}
	if n := p.EvictIdle(5 * time.Minute); n != 2 {
		t.Fatalf("EvictIdle() = %d, want 2", n)
	}

	st := p.Stats()
	if st.Size != 1 || st.Idle != 1 {
		t.Errorf("size = %d, idle = %d, want 1 and 1", st.Size, st.Idle)
	}
	if recent.closed.Load() {
		t.Error("recently used resource was evicted")
	}
	closed := 0
	for _, r := range f.all() {
		if r.closed.Load() {
			closed++
		}
	}
	if closed != 2 {
		t.Errorf("closed = %d, want 2", closed)
	}

	// The pool never shrinks below MinSize.
	clock.Advance(time.Hour)
	if n := p.EvictIdle(5 * time.Minute); n != 0 {
		t.Errorf("EvictIdle() at min size = %d, want 0", n)
	}

	// The remaining resource is still handed out.
	h, err = p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() after eviction error = %v", err)
	}
	if h.Resource() != Resource(recent) {
		t.Error("Acquire() did not reuse the remaining resource")
	}
	p.Release(h)
}

func TestPool_EvictIdleSkipsBusy(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, Config{MaxSize: 2})
	clock := &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	p.now = clock.Now

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	clock.Advance(time.Hour)

	if n := p.EvictIdle(time.Minute); n != 0 {
		t.Errorf("EvictIdle() = %d, want 0 while the resource is busy", n)
	}
	p.Release(h)

	clock.Advance(time.Hour)
	if n := p.EvictIdle(time.Minute); n != 1 {
		t.Errorf("EvictIdle() = %d, want 1 after release", n)
	}
	if st := p.Stats(); st.Size != 0 {
		t.Errorf("size = %d, want 0", st.Size)
	}
}
