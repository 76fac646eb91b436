package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/satriahrh/duplex/domain"
)

func fastRetry(maxRetries int) RetryConfig {
	return RetryConfig{MaxRetries: maxRetries, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	got, err := RetryWithResult(context.Background(), fastRetry(3), zaptest.NewLogger(t), func() (string, error) {
		calls++
		if calls < 3 {
			return "", status.Error(codes.Unavailable, "transient")
		}
		return "ok", nil
	})

	if err != nil {
		t.Fatalf("RetryWithResult() = %v, want nil", err)
	}
	if got != "ok" || calls != 3 {
		t.Errorf("got %q after %d calls, want ok after 3", got, calls)
	}
}

func TestRetryExhaustsRetries(t *testing.T) {
	calls := 0
	retryErr := domain.Transient("stt", errors.New("503"))

	err := Retry(context.Background(), fastRetry(2), zaptest.NewLogger(t), func() error {
		calls++
		return retryErr
	})

	if !errors.Is(err, retryErr) {
		t.Errorf("Retry() = %v, want %v", err, retryErr)
	}
	if calls != 3 { // initial + 2 retries
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(3), nil, func() error {
		calls++
		return status.Error(codes.InvalidArgument, "bad audio")
	})

	if err == nil {
		t.Error("Expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryNeverRetriesCancellation(t *testing.T) {
	calls := 0
	_ = Retry(context.Background(), fastRetry(3), nil, func() error {
		calls++
		return context.Canceled
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, fastRetry(3), nil, func() error {
		calls++
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Retry() = %v, want context.Canceled", err)
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", domain.Transient("tts", errors.New("timeout")), true},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"grpc unavailable", status.Error(codes.Unavailable, "down"), true},
		{"grpc invalid", status.Error(codes.InvalidArgument, "bad"), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryable(tc.err); got != tc.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "tts", Threshold: 3, ResetTimeout: time.Hour}, zaptest.NewLogger(t))
	fail := errors.New("synthesis failed")

	for i := 0; i < 3; i++ {
		_, _ = Execute(b, func() ([]byte, error) { return nil, fail })
	}

	if b.State() != Open {
		t.Fatalf("state = %v, want Open", b.State())
	}

	calls := 0
	_, err := Execute(b, func() ([]byte, error) {
		calls++
		return []byte{1}, nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("Execute() = %v, want ErrOpen", err)
	}
	if calls != 0 {
		t.Error("Expected open breaker to fail fast")
	}
	if !domain.IsTransient(err) {
		t.Error("Expected open breaker error to be transient")
	}
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	b := NewBreaker(BreakerConfig{Threshold: 1, ResetTimeout: time.Hour}, nil)

	_, _ = Execute(b, func() (int, error) { return 0, context.Canceled })
	_, _ = Execute(b, func() (int, error) { return 0, domain.ErrTurnCancelled })

	if b.State() != Closed {
		t.Errorf("state = %v, want Closed", b.State())
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := NewBreaker(BreakerConfig{Threshold: 1, ResetTimeout: time.Millisecond, HalfOpenSuccesses: 2}, zaptest.NewLogger(t))
	b.Failure()

	time.Sleep(5 * time.Millisecond)

	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() = %v, want nil", err)
	}
	if b.State() != HalfOpen {
		t.Fatalf("state = %v, want HalfOpen", b.State())
	}

	b.Success()
	b.Success()
	if b.State() != Closed {
		t.Errorf("state = %v, want Closed", b.State())
	}
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	b := NewBreaker(BreakerConfig{Threshold: 1, ResetTimeout: time.Millisecond, HalfOpenSuccesses: 3}, nil)
	b.Failure()

	time.Sleep(5 * time.Millisecond)
	_ = b.Allow()
	b.Failure()

	if b.State() != Open {
		t.Errorf("state = %v, want Open", b.State())
	}
}
