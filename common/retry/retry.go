// Package retry provides exponential-backoff retry logic for transient errors.
//
// Backoff uses full jitter: each wait is a uniformly random duration between
// zero and the capped exponential bound, which avoids thundering-herd
// synchronization when many callers retry the same upstream.
//
// Usage:
//
//	err := retry.Do(ctx, retry.Config{MaxAttempts: 3, InitialDelay: 500*time.Millisecond}, func() error {
//	    return client.Call()
//	})
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Config controls the retry behaviour.
type Config struct {
	// MaxAttempts is the total number of attempts (including the first).
	// Zero or negative values are treated as 1 (no retries).
	MaxAttempts int
	// InitialDelay is the backoff bound before the second attempt.
	// Subsequent bounds double up to MaxDelay.
	InitialDelay time.Duration
	// MaxDelay caps the per-attempt backoff bound.
	MaxDelay time.Duration
	// ShouldRetry is an optional predicate that lets callers classify errors
	// as retryable.  When nil, all non-nil errors are retried.
	ShouldRetry func(err error) bool
	// RetryAfter optionally extracts a server-directed delay from the error
	// (e.g. a 429 Retry-After header).  When it returns > 0 the value
	// replaces the computed backoff for that attempt.
	RetryAfter func(err error) time.Duration
	// OnRetry is invoked before each backoff sleep with the attempt number
	// that just failed.  Used to increment retry counters.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig provides sensible defaults for short-lived network calls.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     10 * time.Second,
}

// Do calls fn up to cfg.MaxAttempts times, backing off with full jitter
// between attempts.  It stops early when ctx is cancelled or fn returns nil.
// The error from the last attempt is returned.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultConfig.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig.MaxDelay
	}
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(err error) bool { return true }
	}

	bound := cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !shouldRetry(lastErr) {
			return lastErr
		}

		if attempt < cfg.MaxAttempts {
			delay := jitter(bound)
			if cfg.RetryAfter != nil {
				if ra := cfg.RetryAfter(lastErr); ra > 0 {
					delay = ra
				}
			}

			if cfg.OnRetry != nil {
				cfg.OnRetry(attempt, lastErr, delay)
			}
			slog.Debug("retry: attempt failed, retrying",
				"attempt", attempt, "max", cfg.MaxAttempts,
				"err", lastErr, "delay", delay)

			select {
			case <-ctx.Done():
				return errors.Join(lastErr, ctx.Err())
			case <-time.After(delay):
			}

			bound *= 2
			if bound > cfg.MaxDelay {
				bound = cfg.MaxDelay
			}
		}
	}

	return lastErr
}

// jitter returns a uniformly random duration in [0, bound].
func jitter(bound time.Duration) time.Duration {
	if bound <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(bound) + 1))
}
