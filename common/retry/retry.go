// Package retry runs an operation again with exponential backoff when it
// fails.
//
//	err := retry.Do(ctx, retry.Config{MaxAttempts: 3}, func(ctx context.Context) error {
//	    return dial(ctx)
//	})
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Config controls how often and how patiently Do retries.
type Config struct {
	// MaxAttempts counts the first attempt. Values below 1 mean a single attempt.
	MaxAttempts int
	// InitialDelay is the pause before the second attempt; it doubles after
	// each failure up to MaxDelay.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Retryable classifies errors. Nil retries every error.
	Retryable func(err error) bool
}

// Default is tuned for spawning local processes and short network calls.
var Default = Config{
	MaxAttempts:  3,
	InitialDelay: 250 * time.Millisecond,
	MaxDelay:     5 * time.Second,
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// run out, or ctx is done. The last error from fn is returned, joined with
// the context error when cancellation cut the loop short.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	attempts := max(cfg.MaxAttempts, 1)
	delay := cfg.InitialDelay
	if delay <= 0 {
		delay = Default.InitialDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = Default.MaxDelay
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if cfg.Retryable != nil && !cfg.Retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		slog.Debug("retry: attempt failed",
			"attempt", attempt, "max", attempts, "delay", delay, "err", lastErr)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}
		delay = min(delay*2, maxDelay)
	}
	return lastErr
}
