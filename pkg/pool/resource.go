// Package pool implements a bounded pool of reusable, expensive session
// resources. Resources are created on warm-up or on demand up to a maximum,
// handed out exclusively to one caller at a time, reset and health-checked
// when returned, and destroyed when unhealthy or on shutdown.
package pool

import (
	"context"
	"sync/atomic"
	"time"
)

// Resource is a stateful session handle managed by the pool.
type Resource interface {
	// Reset clears session-local state so the resource can be reused.
	Reset(ctx context.Context) error

	// Healthy reports whether the resource can serve another caller.
	Healthy(ctx context.Context) bool

	// Close releases everything the resource holds.
	Close() error
}

// Factory creates a new resource. id is unique within the pool.
type Factory func(ctx context.Context, id string) (Resource, error)

type handleState int

const (
	stateIdle handleState = iota
	stateBusy
	stateDestroying
)

func (s handleState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateBusy:
		return "busy"
	case stateDestroying:
		return "destroying"
	default:
		return "unknown"
	}
}

// Handle is a pooled resource checked out by exactly one caller.
// Callers acquire it, use it, and return it with Pool.Release; a handle is
// never held across query boundaries.
type Handle struct {
	id        string
	resource  Resource
	createdAt time.Time

	// guarded by Pool.mu
	state     handleState
	lastReset time.Time
	lastUsed  time.Time
	uses      int

	inUse atomic.Bool
}

// ID returns the pool-unique resource id.
func (h *Handle) ID() string {
	return h.id
}

// Resource returns the underlying session resource.
func (h *Handle) Resource() Resource {
	return h.resource
}

// CreatedAt returns when the resource was created.
func (h *Handle) CreatedAt() time.Time {
	return h.createdAt
}

// idleSince is when the resource was last returned, or created if it was
// never used. Callers hold Pool.mu.
func (h *Handle) idleSince() time.Time {
	if h.lastUsed.IsZero() {
		return h.createdAt
	}
	return h.lastUsed
}
