package delegate

import (
	"errors"
	"math/rand"
	"time"
)

// ErrInvalidRetryPolicy is returned when a RetryPolicy is misconfigured.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// RetryPolicy defines how the client retries transient delegate failures.
//
// Exponential backoff with jitter is used between attempts.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of calls (including the first).
	// Must be >= 1. A value of 1 means no retries.
	MaxAttempts int

	// BaseDelay is the base delay for exponential backoff between retries.
	// The actual delay is computed as: min(BaseDelay * 2^attempt, MaxDelay) + jitter.
	BaseDelay time.Duration

	// MaxDelay is the maximum delay cap for exponential backoff.
	MaxDelay time.Duration

	// Retryable decides whether a classified failure is retried. If nil,
	// failures classified ClassTransient are retried.
	Retryable func(*Error) bool
}

// DefaultRetryPolicy retries three times in total, starting at 500ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// Validate checks if the RetryPolicy configuration is valid.
//   - MaxAttempts must be >= 1
//   - If both MaxDelay and BaseDelay are > 0, then MaxDelay must be >= BaseDelay
func (rp RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.BaseDelay < 0 || rp.MaxDelay < 0 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

func (rp RetryPolicy) retryable(err *Error) bool {
	if rp.Retryable != nil {
		return rp.Retryable(err)
	}
	return err.Class == ClassTransient
}

// computeBackoff calculates the delay before a retry using exponential
// backoff with jitter:
//
//	delay = min(base * 2^attempt, maxDelay) + jitter(0, base)
//
// attempt is zero-based (0 = first retry). With base=500ms, maxDelay=5s:
//   - attempt 0: 500ms-1s
//   - attempt 1: 1s-1.5s
//   - attempt 2: 2s-2.5s
//   - attempt 5: 5s-5.5s (capped)
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	exponentialDelay := base * (1 << attempt)
	if maxDelay > 0 && exponentialDelay > maxDelay {
		exponentialDelay = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter for retry timing, not security
	}
	return exponentialDelay + jitter
}
