package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestIsRetryableRealtimeMessageType(t *testing.T) {
	for _, typ := range []string{"rate_limited", "queue_overflow", "error"} {
		if !IsRetryableRealtimeMessageType(typ) {
			t.Fatalf("IsRetryableRealtimeMessageType(%q) = false, want true", typ)
		}
	}
	for _, typ := range []string{"", "auth_error", "invalid_request"} {
		if IsRetryableRealtimeMessageType(typ) {
			t.Fatalf("IsRetryableRealtimeMessageType(%q) = true, want false", typ)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

func TestDoRetriesOnlyRetryable(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, 2*time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return &Retryable{Err: errors.New("busy")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}

	calls = 0
	permanent := errors.New("bad request")
	err = Do(context.Background(), 3, time.Millisecond, 2*time.Millisecond, func(context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("Do() = %v after %d calls, want permanent error after 1", err, calls)
	}
}

func TestDoUnwrapsLastRetryable(t *testing.T) {
	cause := errors.New("still busy")
	err := Do(context.Background(), 2, time.Millisecond, time.Millisecond, func(context.Context) error {
		return &Retryable{Err: cause}
	})
	var r *Retryable
	if errors.As(err, &r) {
		t.Fatalf("error still wrapped in Retryable: %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("error = %v, want %v", err, cause)
	}
}
