package errors

import (
	"context"
	"time"
)

// BackoffConfig controls bounded exponential retry behavior.
type BackoffConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultBackoff returns the default retry configuration.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// Retry runs fn up to cfg.MaxAttempts times with exponential backoff.
// It stops early on non-retriable errors and on context cancellation.
func Retry(ctx context.Context, cfg BackoffConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultBackoff()
	}

	var lastErr error
	delay := cfg.BaseDelay
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ContextCanceled(ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsRetriable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
