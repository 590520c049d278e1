// Package session implements the slow path: pooled HTTP sessions with their
// own cookie jar, and an Extractor that logs in with username and password
// and reads the account quota.
//
// A Session is a pool.Resource. Reset swaps the cookie jar so no login state
// leaks between accounts; a session whose transport keeps failing reports
// itself unhealthy and is replaced by the pool.
package session

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/balance-monitor/pkg/pool"
)

// Config holds session and extractor settings.
type Config struct {
	// BaseURL is the site root, e.g. "https://anyrouter.top".
	BaseURL string

	// UserAgent is sent with every request.
	UserAgent string

	// RequestTimeout bounds one HTTP request. The attempt context bounds the
	// whole extraction.
	RequestTimeout time.Duration

	// MaxFailures is the number of consecutive transport failures after
	// which a session reports itself unhealthy.
	MaxFailures int
}

// DefaultConfig returns the default configuration for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) balance-monitor/1.0",
		RequestTimeout: 30 * time.Second,
		MaxFailures:    3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.BaseURL)
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = d.MaxFailures
	}
	return c
}

// Session is one isolated HTTP client with its own cookie jar.
type Session struct {
	id          string
	createdAt   time.Time
	transport   *http.Transport
	maxFailures int32

	mu     sync.Mutex
	client *http.Client

	failures atomic.Int32
	requests atomic.Int64
}

// New creates a session.
func New(id string, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          4,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	return &Session{
		id:          id,
		createdAt:   time.Now(),
		transport:   transport,
		maxFailures: int32(cfg.MaxFailures),
		client: &http.Client{
			Jar:       jar,
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		},
	}, nil
}

// NewFactory returns a pool.Factory producing sessions.
func NewFactory(cfg Config, logger zerolog.Logger) pool.Factory {
	return func(ctx context.Context, id string) (pool.Resource, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, err := New(id, cfg)
		if err != nil {
			return nil, err
		}
		logger.Debug().Str("resource_id", id).Msg("Session created")
		return s, nil
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// HTTPClient returns the client bound to the session's cookie jar.
func (s *Session) HTTPClient() *http.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Reset discards cookies and idle connections.
func (s *Session) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("reset cookie jar: %w", err)
	}

	s.mu.Lock()
	c := *s.client
	c.Jar = jar
	s.client = &c
	s.mu.Unlock()

	s.transport.CloseIdleConnections()
	return nil
}

// Healthy reports whether the session is still usable.
func (s *Session) Healthy(ctx context.Context) bool {
	return ctx.Err() == nil && s.failures.Load() < s.maxFailures
}

// Close releases idle connections.
func (s *Session) Close() error {
	s.transport.CloseIdleConnections()
	return nil
}

// Requests returns the number of requests sent through the session.
func (s *Session) Requests() int64 {
	return s.requests.Load()
}

func (s *Session) recordTransport(err error) {
	s.requests.Add(1)
	if err != nil {
		s.failures.Add(1)
		return
	}
	s.failures.Store(0)
}
