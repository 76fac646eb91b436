// Package resilience wraps collaborator calls with retry and circuit breaking.
package resilience

import (
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/duplex/domain"
)

// State represents circuit breaker state
type State uint32

const (
	Closed   State = iota // Normal operation
	Open                  // Failing fast
	HalfOpen              // Testing recovery
)

func (s State) String() string {
	return [...]string{"closed", "open", "half-open"}[s]
}

// ErrOpen is returned while the breaker rejects calls. It is transient so
// callers degrade the same way they do for a provider outage.
var ErrOpen = domain.Transient("circuit breaker", errors.New("circuit breaker open"))

const (
	DefaultThreshold         = 5
	DefaultResetTimeout      = 30 * time.Second
	DefaultHalfOpenSuccesses = 2
)

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	Name              string
	Threshold         int           // failures before opening
	ResetTimeout      time.Duration // wait before half-open attempt
	HalfOpenSuccesses int           // successes needed to close
}

// DefaultBreakerConfig returns production defaults.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:              name,
		Threshold:         DefaultThreshold,
		ResetTimeout:      DefaultResetTimeout,
		HalfOpenSuccesses: DefaultHalfOpenSuccesses,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.HalfOpenSuccesses <= 0 {
		c.HalfOpenSuccesses = DefaultHalfOpenSuccesses
	}
	return c
}

// Breaker implements the circuit breaker pattern with atomic state
type Breaker struct {
	cfg         BreakerConfig
	logger      *zap.Logger
	state       atomic.Uint32
	failures    atomic.Int32
	successes   atomic.Int32
	lastFailure atomic.Int64 // unix nano
}

// NewBreaker creates a closed breaker
func NewBreaker(cfg BreakerConfig, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{cfg: cfg.withDefaults(), logger: logger}
	b.state.Store(uint32(Closed))
	return b
}

// Allow returns nil if a call may proceed
func (b *Breaker) Allow() error {
	switch State(b.state.Load()) {
	case Open:
		if b.shouldAttemptReset() {
			b.transition(HalfOpen)
			return nil
		}
		return ErrOpen
	default:
		return nil
	}
}

// Success records a successful call
func (b *Breaker) Success() {
	switch State(b.state.Load()) {
	case HalfOpen:
		if b.successes.Add(1) >= int32(b.cfg.HalfOpenSuccesses) {
			b.transition(Closed)
		}
	case Closed:
		b.failures.Store(0)
	}
}

// Failure records a failed call
func (b *Breaker) Failure() {
	b.lastFailure.Store(time.Now().UnixNano())
	count := b.failures.Add(1)

	switch State(b.state.Load()) {
	case HalfOpen:
		b.transition(Open)
	case Closed:
		if count >= int32(b.cfg.Threshold) {
			b.transition(Open)
		}
	}
}

// State returns current state
func (b *Breaker) State() State {
	return State(b.state.Load())
}

// Reset forces the breaker closed
func (b *Breaker) Reset() {
	b.transition(Closed)
}

func (b *Breaker) transition(to State) {
	from := State(b.state.Swap(uint32(to)))
	if from == to {
		return
	}

	switch to {
	case Closed:
		b.failures.Store(0)
		b.successes.Store(0)
		b.logger.Info("Circuit breaker closed", zap.String("breaker", b.cfg.Name))
	case Open:
		b.successes.Store(0)
		b.logger.Warn("Circuit breaker opened",
			zap.String("breaker", b.cfg.Name),
			zap.Int32("failures", b.failures.Load()))
	case HalfOpen:
		b.successes.Store(0)
		b.logger.Info("Circuit breaker half-open", zap.String("breaker", b.cfg.Name))
	}
}

func (b *Breaker) shouldAttemptReset() bool {
	last := b.lastFailure.Load()
	if last == 0 {
		return true
	}
	return time.Since(time.Unix(0, last)) > b.cfg.ResetTimeout
}

// Execute runs fn with circuit breaker protection. Cancellation is neither
// a success nor a failure.
func Execute[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	if err := b.Allow(); err != nil {
		return zero, err
	}
	result, err := fn()
	switch {
	case err == nil:
		b.Success()
	case domain.IsCancellation(err):
	default:
		b.Failure()
	}
	if err != nil {
		return zero, err
	}
	return result, nil
}
