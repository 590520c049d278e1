package orchestrator

import (
	"errors"
	"fmt"
	"runtime"
	"time"
)

// maxDefaultConcurrency caps the CPU-derived default worker count.
const maxDefaultConcurrency = 9

// Common errors.
var (
	// ErrRetryExhausted is returned when every slow-path attempt failed.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrCycleInProgress is returned by RunCycle while another cycle runs.
	ErrCycleInProgress = errors.New("cycle already in progress")

	// ErrInvalidAccount is returned by RunCycle for an account without a
	// username. No cycle is started.
	ErrInvalidAccount = errors.New("invalid account")
)

// Config holds scheduler timing and concurrency.
type Config struct {
	// MaxConcurrency is the worker count used when RunCycle is called with
	// a non-positive maxConcurrency.
	MaxConcurrency int

	// RetryCount is the number of slow-path retries after the first attempt.
	RetryCount int

	// RetryBackoff is the initial backoff between slow-path attempts. It
	// doubles per retry up to MaxBackoff and carries ±20% jitter.
	RetryBackoff time.Duration
	MaxBackoff   time.Duration

	// FastPathTimeout bounds one fast-path query.
	FastPathTimeout time.Duration

	// SlowPathTimeout bounds one slow-path extraction attempt.
	SlowPathTimeout time.Duration

	// CycleTimeout bounds a whole cycle. Zero leaves the caller's context
	// as the only deadline.
	CycleTimeout time.Duration

	// ForceDailyReauth skips the fast path for accounts that have not
	// completed a full re-authentication today.
	ForceDailyReauth bool

	// ReleaseGrace bounds how long a finished cycle waits for abandoned
	// slow-path extractions to return their resources before
	// OnCycleComplete fires. An extractor that ignores its context for
	// longer still holds its resource at that point; Cycle.Released is
	// then false and the resource is released when the extractor returns.
	ReleaseGrace time.Duration
}

// DefaultMaxConcurrency returns the number of logical CPUs capped at 9.
func DefaultMaxConcurrency() int {
	n := runtime.NumCPU()
	if n > maxDefaultConcurrency {
		n = maxDefaultConcurrency
	}
	if n < 1 {
		n = 1
	}
	return n
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:  DefaultMaxConcurrency(),
		RetryCount:      2,
		RetryBackoff:    3 * time.Second,
		MaxBackoff:      30 * time.Second,
		FastPathTimeout: 8 * time.Second,
		SlowPathTimeout: 45 * time.Second,
		CycleTimeout:    90 * time.Second,
		ReleaseGrace:    5 * time.Second,
	}
}

// withDefaults fills unset fields so that a zero Config still runs.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.RetryCount < 0 {
		c.RetryCount = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.MaxBackoff < c.RetryBackoff {
		c.MaxBackoff = c.RetryBackoff
	}
	if c.FastPathTimeout <= 0 {
		c.FastPathTimeout = d.FastPathTimeout
	}
	if c.SlowPathTimeout <= 0 {
		c.SlowPathTimeout = d.SlowPathTimeout
	}
	if c.CycleTimeout < 0 {
		c.CycleTimeout = 0
	}
	if c.ReleaseGrace <= 0 {
		c.ReleaseGrace = d.ReleaseGrace
	}
	return c
}

// retryConfig derives the slow-path retry policy.
func (c Config) retryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       c.RetryCount + 1,
		InitialBackoff:    c.RetryBackoff,
		MaxBackoff:        c.MaxBackoff,
		BackoffMultiplier: 2.0,
	}
}

// String summarizes the configuration for logs.
func (c Config) String() string {
	return fmt.Sprintf("concurrency=%d retries=%d backoff=%s fast=%s slow=%s cycle=%s",
		c.MaxConcurrency, c.RetryCount, c.RetryBackoff, c.FastPathTimeout, c.SlowPathTimeout, c.CycleTimeout)
}
