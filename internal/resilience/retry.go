package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/satriahrh/duplex/domain"
)

const (
	DefaultMaxRetries   = 2
	DefaultBaseDelay    = 200 * time.Millisecond
	DefaultMaxDelay     = 2 * time.Second
	DefaultJitterFactor = 0.2 // 20% jitter
)

// RetryConfig holds retry settings.
type RetryConfig struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
	IsRetryable  func(error) bool
}

// DefaultRetryConfig returns the settings used for transcription and
// generator stream opening. Delays stay short because a user is waiting.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   DefaultMaxRetries,
		BaseDelay:    DefaultBaseDelay,
		MaxDelay:     DefaultMaxDelay,
		JitterFactor: DefaultJitterFactor,
		IsRetryable:  IsRetryable,
	}
}

// IsRetryable reports whether err is transient. Cancellation never is.
func IsRetryable(err error) bool {
	if err == nil || domain.IsCancellation(err) {
		return false
	}
	if domain.IsTransient(err) {
		return true
	}
	return IsRetryableGRPC(err)
}

// IsRetryableGRPC checks if a gRPC status error is worth retrying.
// Errors without a gRPC status are not.
func IsRetryableGRPC(err error) bool {
	s, ok := status.FromError(err)
	if !ok || s.Code() == codes.OK {
		return false
	}
	switch s.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal:
		return true
	default:
		return false
	}
}

// Retry executes fn with exponential backoff. Returns the last error if all
// retries fail.
func Retry(ctx context.Context, cfg RetryConfig, logger *zap.Logger, fn func() error) error {
	_, err := RetryWithResult(ctx, cfg, logger, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithResult is Retry for calls that return a value.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, logger *zap.Logger, fn func() (T, error)) (T, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !cfg.IsRetryable(err) || attempt == cfg.MaxRetries {
			return zero, err
		}

		delay := backoffDelay(cfg, attempt)
		logger.Debug("Retrying after error",
			zap.Int("attempt", attempt+1),
			zap.Int("max", cfg.MaxRetries),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
	return zero, lastErr
}

// backoffDelay calculates exponential backoff with jitter.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := cfg.BaseDelay << min(attempt, 6)
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	jitter := float64(delay) * cfg.JitterFactor * (rand.Float64() - 0.5)
	return time.Duration(float64(delay) + jitter)
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.JitterFactor <= 0 {
		c.JitterFactor = DefaultJitterFactor
	}
	if c.IsRetryable == nil {
		c.IsRetryable = IsRetryable
	}
	return c
}
