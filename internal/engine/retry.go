package engine

import (
	"context"
	"time"
)

// Retry budget for retryable gateway failures. The same idempotency key is
// reused on every attempt so the external sender can deduplicate.
const (
	DefaultMaxAttempts = 5
	DefaultBackoffBase = 200 * time.Millisecond
	DefaultBackoffCap  = 10 * time.Second
)

// ComputeBackoff calculates the exponential delay before retry attempt n
// (0-based): base * 2^attempt, capped.
func ComputeBackoff(base, cap time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if cap <= 0 {
		cap = DefaultBackoffCap
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		delay = cap
	}
	return delay
}

// WaitForBackoff sleeps for the computed backoff duration or returns early if
// the context is cancelled. Returns an error if the context was cancelled
// during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
