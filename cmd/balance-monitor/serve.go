package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/balance-monitor/internal/scheduler"
	"github.com/Sternrassler/balance-monitor/internal/server"
	"github.com/Sternrassler/balance-monitor/pkg/orchestrator"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(c *cli) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Query balances periodically and serve status over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				c.cfg.HTTP.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, c)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from http.addr)")
	return cmd
}

// serve runs until ctx is cancelled.
func serve(ctx context.Context, c *cli) error {
	log := c.log
	hub := server.NewHub(0, log)

	a, err := wireApp(ctx, c.cfg, log, orchestrator.LogObserver(log), hub)
	if err != nil {
		return err
	}
	defer a.close()

	if n := c.cfg.Pool.WarmUp; n > 0 {
		created, err := a.pool.WarmUp(ctx, n)
		if err != nil {
			log.Warn().Err(err).Int("created", created).Msg("Pool warm-up incomplete")
		} else {
			log.Info().Int("created", created).Msg("Pool warmed up")
		}
	}

	// Sessions left idle since the previous cycle are closed after each run.
	sched := scheduler.New(func(ctx context.Context) error {
		_, err := a.runCycle(ctx)
		a.pool.EvictIdle(c.cfg.Pool.MaxIdle)
		return err
	}, log)
	if err := sched.Every(c.cfg.Cycle.Interval); err != nil {
		return err
	}

	srv := server.New(server.Config{
		Addr:         c.cfg.HTTP.Addr,
		Log:          log,
		Orchestrator: a.orch,
		Store:        a.store,
		Pool:         a.pool,
		Hub:          hub,
		Trigger:      sched.Trigger,
	})

	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	// First cycle runs right away; the schedule takes over afterwards.
	if err := sched.Trigger(); err != nil {
		log.Warn().Err(err).Msg("Initial cycle not started")
	}
	sched.Start()

	log.Info().
		Str("addr", c.cfg.HTTP.Addr).
		Dur("interval", c.cfg.Cycle.Interval).
		Int("accounts", len(a.accounts)).
		Msg("Balance monitor running")

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case serveErr = <-errc:
		if serveErr != nil {
			log.Error().Err(serveErr).Msg("HTTP server failed")
		}
	}

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Warn().Err(err).Msg("HTTP shutdown failed")
	}

	return serveErr
}
