package reliability

import (
	"context"
	"errors"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableRealtimeMessageType classifies retryable upstream streaming errors.
func IsRetryableRealtimeMessageType(messageType string) bool {
	switch messageType {
	case "rate_limited", "resource_exhausted", "queue_overflow", "error":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Retryable marks an error as worth another attempt.
type Retryable struct {
	Err error
}

func (e *Retryable) Error() string { return e.Err.Error() }
func (e *Retryable) Unwrap() error { return e.Err }

// Do runs fn up to attempts times, sleeping with ExponentialBackoff between
// attempts that fail with a *Retryable error. The last error is returned unwrapped
// from its Retryable marker.
func Do(ctx context.Context, attempts int, base, cap time.Duration, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn(ctx)
		var r *Retryable
		if err == nil || !errors.As(err, &r) {
			return err
		}
		if attempt == attempts-1 {
			return r.Err
		}
		timer := time.NewTimer(ExponentialBackoff(attempt, base, cap))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
