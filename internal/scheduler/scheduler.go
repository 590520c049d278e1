// Package scheduler runs query cycles on a fixed interval and on demand.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/balance-monitor/pkg/orchestrator"
)

// RunFunc runs one cycle.
type RunFunc func(ctx context.Context) error

// Scheduler triggers RunFunc every interval. At most one run is active at a
// time; scheduled ticks that find a run in progress are skipped.
type Scheduler struct {
	cron *cron.Cron
	run  RunFunc
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	busy atomic.Bool
	wg   sync.WaitGroup
}

// New creates a stopped scheduler.
func New(run RunFunc, log zerolog.Logger) *Scheduler {
	log = log.With().Str("component", "scheduler").Logger()
	cl := cronLogger{log: log}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
		run:    run,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Every registers the cycle job at a fixed interval.
func (s *Scheduler) Every(interval time.Duration) error {
	if interval < time.Second {
		return fmt.Errorf("interval must be at least 1s, got %s", interval)
	}
	schedule := "@every " + interval.String()
	if _, err := s.cron.AddFunc(schedule, func() { s.runOnce("schedule") }); err != nil {
		return fmt.Errorf("register cycle job: %w", err)
	}
	s.log.Info().Str("schedule", schedule).Msg("Cycle job registered")
	return nil
}

// Start starts the cron loop.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop stops scheduling, cancels the active run and waits for it.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	s.cancel()
	<-ctx.Done()
	s.wg.Wait()
	s.log.Info().Msg("Scheduler stopped")
}

// Trigger starts a run in the background. It returns
// orchestrator.ErrCycleInProgress when a run is active.
func (s *Scheduler) Trigger() error {
	if s.ctx.Err() != nil {
		return errors.New("scheduler stopped")
	}
	if !s.busy.CompareAndSwap(false, true) {
		return orchestrator.ErrCycleInProgress
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.busy.Store(false)
		s.execute("manual")
	}()
	return nil
}

// RunNow runs a cycle synchronously.
func (s *Scheduler) RunNow() error {
	if !s.busy.CompareAndSwap(false, true) {
		return orchestrator.ErrCycleInProgress
	}
	defer s.busy.Store(false)
	s.wg.Add(1)
	defer s.wg.Done()
	return s.execute("startup")
}

// Running reports whether a run is active.
func (s *Scheduler) Running() bool {
	return s.busy.Load()
}

func (s *Scheduler) runOnce(trigger string) {
	if !s.busy.CompareAndSwap(false, true) {
		s.log.Debug().Str("trigger", trigger).Msg("Cycle still running, tick skipped")
		return
	}
	defer s.busy.Store(false)
	s.wg.Add(1)
	defer s.wg.Done()
	_ = s.execute(trigger)
}

func (s *Scheduler) execute(trigger string) error {
	s.log.Debug().Str("trigger", trigger).Msg("Running cycle")
	err := s.run(s.ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error().Err(err).Str("trigger", trigger).Msg("Cycle failed")
	}
	return err
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
