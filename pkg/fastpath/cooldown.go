package fastpath

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultCooldown is used when a 429 response carries no usable Retry-After.
const DefaultCooldown = 30 * time.Second

// maxCooldown caps server-provided Retry-After values.
const maxCooldown = 10 * time.Minute

// Cooldown gates billing requests after the API signalled rate limiting.
// All accounts share one billing host, so one 429 pauses the fast path for
// every account until the window passes.
type Cooldown struct {
	mu     sync.Mutex
	until  time.Time
	now    func() time.Time
	logger zerolog.Logger
}

// NewCooldown creates an open cooldown gate.
func NewCooldown(logger zerolog.Logger) *Cooldown {
	return &Cooldown{now: time.Now, logger: logger}
}

// ShouldAllowRequest reports whether a request may be sent, and otherwise
// how long the gate stays closed.
func (c *Cooldown) ShouldAllowRequest() (bool, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wait := c.until.Sub(c.now())
	if wait <= 0 {
		return true, 0
	}
	cooldownBlocks.Inc()
	return false, wait
}

// UpdateFromResponse closes the gate after a 429 response.
func (c *Cooldown) UpdateFromResponse(status int, headers http.Header) {
	if status != http.StatusTooManyRequests {
		return
	}

	now := c.now()
	wait := parseRetryAfter(headers.Get("Retry-After"), now)
	if wait <= 0 {
		wait = DefaultCooldown
	}
	if wait > maxCooldown {
		wait = maxCooldown
	}

	c.mu.Lock()
	if until := now.Add(wait); until.After(c.until) {
		c.until = until
	}
	until := c.until
	c.mu.Unlock()

	cooldownActivations.Inc()
	c.logger.Warn().
		Dur("cooldown", wait).
		Time("until", until).
		Msg("Billing API rate limited, pausing fast path")
}

// Remaining returns how long the gate stays closed.
func (c *Cooldown) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d := c.until.Sub(c.now()); d > 0 {
		return d
	}
	return 0
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return t.Sub(now)
	}
	return 0
}
