package embeddings

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/codechat/internal/config"
)

// RetryConfig configures exponential backoff for provider calls.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryConfig returns the configured defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: config.DefaultRetryMaxAttempts,
		BaseDelay:   config.DefaultRetryBaseDelay,
		MaxDelay:    config.DefaultRetryMaxDelay,
		Multiplier:  2,
	}
}

// retryWithBackoff runs fn until it succeeds, fails permanently, or attempts run out.
// It returns the attempt count alongside the last error.
func retryWithBackoff[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) (T, int, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2
	}
	backoff := cfg.BaseDelay

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err

		// Don't retry on caller cancellation
		if ctx.Err() != nil {
			return zero, attempt, ctx.Err()
		}
		if !IsTransient(err) || attempt == cfg.MaxAttempts {
			return zero, attempt, lastErr
		}

		wait := backoff
		if ra := retryAfter(err); ra > wait {
			wait = ra
		}
		if cfg.MaxDelay > 0 && wait > cfg.MaxDelay {
			wait = cfg.MaxDelay
		}
		log.Debug("Retrying embedding request", "attempt", attempt, "wait", wait, "error", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, attempt, ctx.Err()
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * cfg.Multiplier)
		if cfg.MaxDelay > 0 && backoff > cfg.MaxDelay {
			backoff = cfg.MaxDelay
		}
	}
	return zero, cfg.MaxAttempts, lastErr
}
