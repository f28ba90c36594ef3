package providers

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// RetryConfig controls transient-failure retries for provider calls.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig retries twice after the first failure, with jittered
// exponential backoff starting at 2s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// retryDo runs fn up to cfg.MaxAttempts times, backing off between attempts.
// Only errors IsRetryable considers transient trigger another attempt.
func retryDo[T any](ctx context.Context, cfg RetryConfig, provider string, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt == attempts {
			break
		}
		delay := backoffDelay(cfg, attempt)
		slog.Warn("provider call failed, retrying",
			"provider", provider, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
	return zero, lastErr
}

// backoffDelay doubles the base delay per attempt and adds up to 25% jitter.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	base := cfg.BaseDelay
	if base <= 0 {
		base = 2 * time.Second
	}
	delay := base << (attempt - 1)
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}
