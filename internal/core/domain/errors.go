package domain

import (
	"errors"
	"fmt"
	"time"
)

// Caller-visible outcomes of coordinator operations. The edge gateway maps
// each to a distinct response; nothing below is ever collapsed into a
// generic failure.
var (
	// ErrInvalidDelta rejects an update that would drive a quantity negative.
	// The update is refused outright, never clamped.
	ErrInvalidDelta = errors.New("delta would drive quantity negative")

	// ErrConcurrencyExhausted reports that the bounded retry budget was spent
	// on version conflicts. The committed state is intact; callers may retry.
	ErrConcurrencyExhausted = errors.New("retry budget exhausted under contention")

	// ErrRateLimitExceeded reports that admission was denied for the client.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrCircuitOpen reports that the dependency is isolated and the call was
	// rejected without being invoked.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrStorageUnavailable reports that the durable backend was unreachable.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrDeadlineExceeded reports that the caller's time budget ran out
	// before the operation could commit.
	ErrDeadlineExceeded = errors.New("deadline exceeded")

	// ErrServedStale marks a read answered from an expired cache entry while
	// the authoritative source was unreachable. The payload is usable but
	// older than the configured TTL window.
	ErrServedStale = errors.New("served stale cache entry")
)

// RateLimitError is the admission rejection returned to callers. It unwraps
// to ErrRateLimitExceeded and carries the limiter's retry hint for the edge
// to forward; a zero RetryAfter means no recommendation.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
	}
	return ErrRateLimitExceeded.Error()
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimitExceeded }
