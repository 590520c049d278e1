package fastpath

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration. The fast path
// runs under a short deadline, so backoffs are kept small.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       2,
		InitialBackoff:    250 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// retryConfigForErrorClass scales base for the failure class.
func retryConfigForErrorClass(base RetryConfig, class ErrorClass) RetryConfig {
	cfg := base
	if class == ErrorClassNetwork {
		// Network errors - medium backoff
		cfg.InitialBackoff *= 2
		if cfg.InitialBackoff > cfg.MaxBackoff {
			cfg.InitialBackoff = cfg.MaxBackoff
		}
	}
	return cfg
}

// retryWithBackoff executes fn with exponential backoff. The class of the
// last error decides whether another attempt is made.
func retryWithBackoff(ctx context.Context, base RetryConfig, logger zerolog.Logger, fn func() error) error {
	var lastErr error
	var backoff time.Duration

	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				logger.Debug().
					Int("attempt", attempt).
					Msg("Billing request succeeded after retry")
			}
			return nil
		}
		lastErr = err

		class := errorClassOf(err)
		if !shouldRetry(class) {
			return lastErr
		}

		config := retryConfigForErrorClass(base, class)
		if attempt >= config.MaxAttempts {
			break
		}
		if backoff == 0 {
			backoff = config.InitialBackoff
		}

		billingRetriesTotal.WithLabelValues(string(class)).Inc()

		// Add jitter (±20% randomness)
		jitter := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))

		logger.Debug().
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", jitter).
			Msg("Retrying billing request after backoff")

		timer := time.NewTimer(jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("billing retry: %w (last error: %v)", ctx.Err(), lastErr)
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return lastErr
}
