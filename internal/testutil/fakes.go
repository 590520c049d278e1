package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/balance-monitor/pkg/pool"
	"github.com/Sternrassler/balance-monitor/pkg/store"
)

// FakeResource is an in-memory pool.Resource.
type FakeResource struct {
	ID        string
	Resets    atomic.Int32
	Closed    atomic.Bool
	Unhealthy atomic.Bool
}

func (r *FakeResource) Reset(ctx context.Context) error {
	r.Resets.Add(1)
	return nil
}

func (r *FakeResource) Healthy(ctx context.Context) bool {
	return !r.Unhealthy.Load()
}

func (r *FakeResource) Close() error {
	r.Closed.Store(true)
	return nil
}

// FakeFactory records every resource it creates.
type FakeFactory struct {
	mu        sync.Mutex
	Resources []*FakeResource
}

// New implements pool.Factory.
func (f *FakeFactory) New(ctx context.Context, id string) (pool.Resource, error) {
	r := &FakeResource{ID: id}
	f.mu.Lock()
	f.Resources = append(f.Resources, r)
	f.mu.Unlock()
	return r, nil
}

// Created returns the number of resources created so far.
func (f *FakeFactory) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Resources)
}

// NewPool returns a pool of FakeResources that is shut down when the test
// ends.
func NewPool(t testing.TB, maxSize int) (*pool.Pool, *FakeFactory) {
	t.Helper()

	f := &FakeFactory{}
	p, err := pool.New(f.New, pool.Config{
		MinSize:        0,
		MaxSize:        maxSize,
		AcquireTimeout: 10 * time.Second,
		ResetTimeout:   time.Second,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("pool.New() error = %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p, f
}

// NewMemoryStore returns a store on a memory backend preloaded with seed.
func NewMemoryStore(t testing.TB, seed map[string]store.Entry, opts ...store.Option) *store.Store {
	t.Helper()

	opts = append([]store.Option{store.WithLogger(zerolog.Nop())}, opts...)
	st, err := store.New(context.Background(), store.NewMemoryBackend(seed), opts...)
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	return st
}
