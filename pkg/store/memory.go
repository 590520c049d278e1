package store

import (
	"context"
	"sync"
)

// MemoryBackend keeps entries in process memory.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]Entry
	puts    int
}

// NewMemoryBackend returns a backend preloaded with seed.
func NewMemoryBackend(seed ...map[string]Entry) *MemoryBackend {
	b := &MemoryBackend{entries: make(map[string]Entry)}
	for _, m := range seed {
		for k, v := range m {
			b.entries[k] = v
		}
	}
	return b
}

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) Load(ctx context.Context) (map[string]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]Entry, len(b.entries))
	for k, v := range b.entries {
		out[k] = v
	}
	return out, nil
}

func (b *MemoryBackend) Put(ctx context.Context, account string, e Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[account] = e
	b.puts++
	return nil
}

func (b *MemoryBackend) Delete(ctx context.Context, account string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, account)
	return nil
}

// Puts returns the number of Put calls.
func (b *MemoryBackend) Puts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.puts
}

func (b *MemoryBackend) Close() error { return nil }
