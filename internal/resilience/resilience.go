// Package resilience provides retry and circuit breaker primitives for
// provider invocations and persistence writes.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/sony/gobreaker"
)

// BreakerConfig tunes a per-provider circuit breaker.
type BreakerConfig struct {
	// Name identifies the breaker, usually the provider name.
	Name string

	// MaxRequests is how many probes the half-open state admits.
	MaxRequests uint32

	// Interval is the closed-state window after which counts reset.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	// ConsecutiveFailures trips the breaker once reached.
	ConsecutiveFailures uint32

	// OnStateChange is called on every state transition.
	OnStateChange func(name string, from, to gobreaker.State)

	// IsSuccessful decides whether an invocation error counts against
	// the breaker.
	IsSuccessful func(err error) bool
}

// DefaultBreakerConfig returns breaker settings for a provider. A
// cancelled context is the caller's doing and never counts as a
// provider failure.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:                name,
		MaxRequests:         1,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 3,
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
}

// Breaker wraps a gobreaker circuit breaker.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a circuit breaker from the given config.
func NewBreaker(cfg BreakerConfig) *Breaker {
	threshold := cfg.ConsecutiveFailures
	if threshold == 0 {
		threshold = 3
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: cfg.OnStateChange,
		IsSuccessful:  cfg.IsSuccessful,
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn under the breaker.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	return b.cb.Execute(fn)
}

// State returns the breaker's current state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Counts returns the breaker's current counts.
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}

// Name returns the breaker's name.
func (b *Breaker) Name() string {
	return b.cb.Name()
}

// RetryConfig tunes a retry policy.
type RetryConfig struct {
	// MaxRetries bounds retries after the initial attempt.
	MaxRetries int

	// BaseDelay is the first backoff delay.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration

	// Jitter is added to each delay when positive.
	Jitter time.Duration

	// ShouldRetry, when set, limits which errors are retried.
	ShouldRetry func(err error) bool
}

// DefaultPersistenceRetry covers transient database write failures.
var DefaultPersistenceRetry = RetryConfig{
	MaxRetries: 3,
	BaseDelay:  100 * time.Millisecond,
	MaxDelay:   2 * time.Second,
	Jitter:     50 * time.Millisecond,
}

// NewRetryPolicy builds a failsafe retry policy from the given config.
func NewRetryPolicy[R any](cfg RetryConfig) retrypolicy.RetryPolicy[R] {
	builder := retrypolicy.NewBuilder[R]().
		WithMaxRetries(cfg.MaxRetries).
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay)
	if cfg.Jitter > 0 {
		builder = builder.WithJitter(cfg.Jitter)
	}
	if cfg.ShouldRetry != nil {
		builder = builder.HandleIf(func(_ R, err error) bool {
			return err != nil && cfg.ShouldRetry(err)
		})
	}
	return builder.Build()
}

// Retrier runs functions under a fixed retry policy.
type Retrier[R any] struct {
	executor failsafe.Executor[R]
}

// NewRetrier creates a Retrier from the given config.
func NewRetrier[R any](cfg RetryConfig) *Retrier[R] {
	return &Retrier[R]{executor: failsafe.With(NewRetryPolicy[R](cfg))}
}

// Do runs fn with retries, honoring ctx cancellation between attempts.
func (r *Retrier[R]) Do(ctx context.Context, fn func() (R, error)) (R, error) {
	return r.executor.WithContext(ctx).Get(fn)
}
