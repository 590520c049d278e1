package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Backend persists entries. Implementations must be safe for concurrent use.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Load returns every persisted entry. A missing store is not an error.
	Load(ctx context.Context) (map[string]Entry, error)

	// Put overwrites the entry for account.
	Put(ctx context.Context, account string, e Entry) error

	// Delete removes the entry for account. Deleting a missing entry is
	// not an error.
	Delete(ctx context.Context, account string) error

	// Close releases the backend.
	Close() error
}

// Store holds one live entry per account. Balances change only through
// RecordSuccess; entries are removed only by an explicit Forget.
type Store struct {
	backend      Backend
	logger       zerolog.Logger
	now          func() time.Time
	loc          *time.Location
	rolloverHour int

	mu      sync.RWMutex
	entries map[string]Entry
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRolloverHour sets the local hour at which a new day begins for
// re-authentication bookkeeping.
func WithRolloverHour(hour int) Option {
	return func(s *Store) { s.rolloverHour = hour }
}

// WithLocation sets the time zone used to compute the day. Default is local.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) { s.loc = loc }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New loads the backend into memory. Unreadable state is logged and the
// store starts empty. A nil backend keeps state in memory only.
func New(ctx context.Context, backend Backend, opts ...Option) (*Store, error) {
	if backend == nil {
		backend = NewMemoryBackend()
	}

	s := &Store{
		backend: backend,
		logger:  log.With().Str("component", "store").Logger(),
		now:     time.Now,
		loc:     time.Local,
		entries: make(map[string]Entry),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.rolloverHour < 0 || s.rolloverHour > 23 {
		return nil, fmt.Errorf("rollover hour must be within 0-23, got %d", s.rolloverHour)
	}
	if s.loc == nil {
		s.loc = time.Local
	}

	loaded, err := backend.Load(ctx)
	if err != nil {
		StoreErrors.WithLabelValues(backend.Name(), "load").Inc()
		s.logger.Warn().
			Err(err).
			Str("backend", backend.Name()).
			Msg("Persisted state unreadable, starting with empty store")
		loaded = nil
	}

	for account, e := range loaded {
		s.entries[account] = e
	}
	StoreEntries.Set(float64(len(s.entries)))

	s.logger.Info().
		Str("backend", backend.Name()).
		Int("entries", len(s.entries)).
		Msg("State store loaded")

	return s, nil
}

// Get returns the entry for account.
func (s *Store) Get(account string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[account]
	s.logger.Debug().Str("account", account).Bool("hit", ok).Msg("Store read")
	return e, ok
}

// RecordSuccess stores balance for account with the current time and, if
// markFullReauth is set, today's date as the last full re-authentication.
// The in-memory entry is updated even when persisting fails; the persist
// error is returned.
func (s *Store) RecordSuccess(ctx context.Context, account string, balance float64, markFullReauth bool) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e := s.entries[account]
	e.Balance = balance
	e.UpdatedAt = now
	if markFullReauth {
		e.LastFullReauthDate = s.dayOf(now)
		StoreWrites.WithLabelValues("reauth").Inc()
	}
	s.entries[account] = e
	StoreWrites.WithLabelValues("balance").Inc()
	StoreEntries.Set(float64(len(s.entries)))

	if err := s.backend.Put(ctx, account, e); err != nil {
		StoreErrors.WithLabelValues(s.backend.Name(), "put").Inc()
		s.logger.Error().
			Err(err).
			Str("account", account).
			Str("backend", s.backend.Name()).
			Msg("Failed to persist balance")
		return e, fmt.Errorf("persist %s: %w", account, err)
	}

	return e, nil
}

// Forget removes account from memory and from the backend. It reports
// whether an entry existed.
func (s *Store) Forget(ctx context.Context, account string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.entries[account]
	delete(s.entries, account)
	StoreEntries.Set(float64(len(s.entries)))

	if err := s.backend.Delete(ctx, account); err != nil {
		StoreErrors.WithLabelValues(s.backend.Name(), "delete").Inc()
		return ok, fmt.Errorf("delete %s: %w", account, err)
	}

	s.logger.Info().
		Str("account", account).
		Bool("existed", ok).
		Str("backend", s.backend.Name()).
		Msg("Cached balance removed")
	return ok, nil
}

// NeedsFullReauth reports whether account has not completed a full
// re-authentication during the current day.
func (s *Store) NeedsFullReauth(account string) bool {
	today := s.Today()

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[account]
	return !ok || !e.ReauthedOn(today)
}

// Today returns the current cycle day as YYYY-MM-DD.
func (s *Store) Today() string {
	return s.dayOf(s.now())
}

// Snapshot returns a copy of every entry.
func (s *Store) Snapshot() map[string]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Entry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Backend returns the configured backend.
func (s *Store) Backend() Backend {
	return s.backend
}

// Close closes the backend.
func (s *Store) Close() error {
	if err := s.backend.Close(); err != nil {
		StoreErrors.WithLabelValues(s.backend.Name(), "close").Inc()
		return fmt.Errorf("close %s backend: %w", s.backend.Name(), err)
	}
	return nil
}

func (s *Store) dayOf(t time.Time) string {
	return t.In(s.loc).Add(-time.Duration(s.rolloverHour) * time.Hour).Format(dayLayout)
}
