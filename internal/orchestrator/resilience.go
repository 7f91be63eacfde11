package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/taskrelay/internal/transport"
)

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	MaxAttempts         int           // Total attempts including the first (default 3)
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 2s)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
	// CallTimeout bounds a single attempt so a hung call can be retried.
	// Zero leaves each attempt bounded only by the caller's context.
	CallTimeout time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:         3,
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         2 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// CircuitBreakerRegistry manages per-worker circuit breakers.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewCircuitBreakerRegistry creates a new circuit breaker registry.
func NewCircuitBreakerRegistry() *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for the given worker, creating it on first use.
func (r *CircuitBreakerRegistry) Get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // One probe in half-open state
		Interval:    0, // Don't clear counts automatically
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// Only an unreachable worker counts against the breaker. A worker
			// that answers, even badly, is up.
			return err == nil || !errors.Is(err, transport.ErrTransportUnavailable)
		},
	})

	r.breakers[name] = cb
	return cb
}

// callWithRetry runs op through the breaker, retrying only when the worker
// is unavailable. An open circuit is reported as unavailable without retrying.
func callWithRetry[T any](ctx context.Context, cb *gobreaker.CircuitBreaker, retryCfg RetryConfig, op func(context.Context) (T, error)) (T, error) {
	var result T
	attempts := 0

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		attempts++

		v, err := cb.Execute(func() (interface{}, error) {
			if retryCfg.CallTimeout <= 0 {
				return op(ctx)
			}
			callCtx, cancel := context.WithTimeout(ctx, retryCfg.CallTimeout)
			defer cancel()
			v, err := op(callCtx)
			if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) &&
				!errors.Is(err, transport.ErrTransportUnavailable) {
				err = fmt.Errorf("%w: call timed out after %s: %w", transport.ErrTransportUnavailable, retryCfg.CallTimeout, err)
			}
			return v, err
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(fmt.Errorf("%w: %s circuit: %w", transport.ErrTransportUnavailable, cb.Name(), err))
			}
			if ctx.Err() != nil || !errors.Is(err, transport.ErrTransportUnavailable) {
				return backoff.Permanent(err)
			}
			log.Printf("WARNING: attempt %d to reach %s failed: %v", attempts, cb.Name(), err)
			return err
		}

		result = v.(T)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryCfg.InitialInterval
	policy.MaxInterval = retryCfg.MaxInterval
	policy.Multiplier = retryCfg.Multiplier
	policy.RandomizationFactor = retryCfg.RandomizationFactor
	// The stage deadline bounds the elapsed time.
	policy.MaxElapsedTime = 0

	var b backoff.BackOff = policy
	if retryCfg.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(retryCfg.MaxAttempts-1))
	}

	err := backoff.Retry(operation, backoff.WithContext(b, ctx))
	return result, err
}
