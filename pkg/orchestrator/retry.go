package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/balance-monitor/pkg/balance"
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// retryWithBackoff calls fn until it succeeds, returns an error retryable
// rejects, or MaxAttempts is reached. Backoff is exponential with ±20%
// jitter and is cut short by ctx.
func retryWithBackoff(ctx context.Context, cfg RetryConfig, logger zerolog.Logger, retryable func(error) bool, fn func(attempt int) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 1
	}

	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			if attempt > 1 {
				logger.Info().
					Int("attempt", attempt).
					Msg("Slow path succeeded after retry")
			}
			return nil
		}

		lastErr = err
		reason, _ := balance.Classify(err)

		if !retryable(err) {
			return lastErr
		}

		if attempt >= cfg.MaxAttempts {
			break
		}

		SlowPathRetries.WithLabelValues(string(reason)).Inc()

		jitter := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		RetryBackoffSeconds.Observe(jitter.Seconds())

		logger.Warn().
			Err(err).
			Str("reason", string(reason)).
			Int("attempt", attempt).
			Dur("backoff", jitter).
			Msg("Retrying slow path after backoff")

		timer := time.NewTimer(jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry backoff: %w (last error: %v)", ctx.Err(), lastErr)
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	reason, _ := balance.Classify(lastErr)
	RetryExhausted.WithLabelValues(string(reason)).Inc()
	logger.Error().
		Err(lastErr).
		Int("max_attempts", cfg.MaxAttempts).
		Msg("Slow path retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, cfg.MaxAttempts, lastErr)
}
