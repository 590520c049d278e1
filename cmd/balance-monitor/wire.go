package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/balance-monitor/internal/accounts"
	"github.com/Sternrassler/balance-monitor/internal/config"
	"github.com/Sternrassler/balance-monitor/pkg/balance"
	"github.com/Sternrassler/balance-monitor/pkg/fastpath"
	"github.com/Sternrassler/balance-monitor/pkg/logging"
	"github.com/Sternrassler/balance-monitor/pkg/orchestrator"
	"github.com/Sternrassler/balance-monitor/pkg/pool"
	"github.com/Sternrassler/balance-monitor/pkg/session"
	"github.com/Sternrassler/balance-monitor/pkg/store"
)

const redisPingTimeout = 5 * time.Second

// app holds the wired components for one command invocation.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	accounts []balance.Account
	store    *store.Store
	pool     *pool.Pool
	orch     *orchestrator.Orchestrator

	closers []func() error
}

// setupLogging configures the global logger and returns a closer for the
// log file, if any.
func setupLogging(cfg *config.Config, out io.Writer) (zerolog.Logger, func() error) {
	lc := cfg.Logging()
	lc.Output = out

	logger, closer, err := logging.SetupWithFile(lc)
	if err != nil {
		logger.Warn().Err(err).Str("file", lc.File).Msg("Log file unavailable, logging to console only")
	}
	if closer == nil {
		return logger, func() error { return nil }
	}
	return logger, closer.Close
}

// openStore opens the configured state backend.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*store.Store, func() error, error) {
	var (
		backend store.Backend
		extra   = func() error { return nil }
	)

	switch cfg.State.Backend {
	case config.BackendFile:
		backend = store.NewFileBackend(cfg.State.Path)
	case config.BackendSQLite:
		b, err := store.NewSQLiteBackend(ctx, cfg.State.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		backend = b
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr: cfg.State.RedisAddr,
			DB:   cfg.State.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.State.RedisAddr, err)
		}
		logger.Info().Str("addr", cfg.State.RedisAddr).Msg("Connected to Redis")
		backend = store.NewRedisBackend(client)
		extra = client.Close
	case config.BackendMemory:
		backend = store.NewMemoryBackend()
	default:
		return nil, nil, fmt.Errorf("unknown state backend %q", cfg.State.Backend)
	}

	st, err := store.New(ctx, backend,
		store.WithRolloverHour(cfg.State.RolloverHour),
		store.WithLogger(logger.With().Str("component", "store").Logger()),
	)
	if err != nil {
		_ = backend.Close()
		_ = extra()
		return nil, nil, err
	}

	return st, func() error {
		err := st.Close()
		if cerr := extra(); err == nil {
			err = cerr
		}
		return err
	}, nil
}

// wireApp loads accounts and builds the store, the session pool and the
// orchestrator.
func wireApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, observers ...orchestrator.Observer) (*app, error) {
	a := &app{cfg: cfg, log: logger}
	wired := false
	defer func() {
		if !wired {
			a.close()
		}
	}()

	var err error
	a.accounts, err = accounts.Load(cfg.Accounts.Path)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	a.store = st
	a.closers = append(a.closers, closeStore)

	sessCfg := cfg.Session()
	a.pool, err = pool.New(session.NewFactory(sessCfg, logger), cfg.PoolConfig(),
		logger.With().Str("component", "pool").Logger())
	if err != nil {
		return nil, fmt.Errorf("create session pool: %w", err)
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.pool.Shutdown(ctx)
	})

	extractor, err := session.NewExtractor(sessCfg)
	if err != nil {
		return nil, fmt.Errorf("create session extractor: %w", err)
	}
	extractor.SetLogger(logger.With().Str("component", "session").Logger())

	var fast orchestrator.FastPath
	if cfg.FastPath.Enabled {
		client, err := fastpath.New(cfg.FastPathClient())
		if err != nil {
			return nil, fmt.Errorf("create fast path client: %w", err)
		}
		client.SetLogger(logger.With().Str("component", "fastpath").Logger())
		fast = client
	}

	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger.With().Str("component", "orchestrator").Logger()),
	}
	for _, obs := range observers {
		opts = append(opts, orchestrator.WithObserver(obs))
	}

	a.orch, err = orchestrator.New(cfg.Orchestrator(), fast, extractor, a.pool, a.store, opts...)
	if err != nil {
		return nil, err
	}
	a.orch.Register(a.accounts)

	logger.Debug().
		Str("config", cfg.Orchestrator().String()).
		Str("state_backend", cfg.State.Backend).
		Bool("fast_path", cfg.FastPath.Enabled).
		Int("accounts", len(a.accounts)).
		Msg("Application wired")

	wired = true
	return a, nil
}

// runCycle runs one cycle over every configured account.
func (a *app) runCycle(ctx context.Context) (map[string]balance.Result, error) {
	return a.orch.RunCycle(ctx, a.accounts, a.cfg.MaxConcurrency)
}

// close releases components in reverse order.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn().Err(err).Msg("Shutdown step failed")
		}
	}
	a.closers = nil
}
