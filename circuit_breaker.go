package crmbase

import (
	"context"
	"sync"
	"time"
)

// BreakerState is the state of a CircuitBreaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// CircuitBreaker fails calls fast once a dependency has failed MaxFailures
// times in a row. After ResetTimeout one trial call is let through; its
// success closes the breaker again.
//
// The remote API and Redis sessions run their network calls through one.
// Only infrastructure faults count as failures; business errors and
// "not found" answers mean the dependency is healthy.
type CircuitBreaker struct {
	mu            sync.Mutex
	cfg           BreakerConfig
	failures      int
	lastFailTime  time.Time
	state         BreakerState
	onStateChange func(from, to BreakerState)
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.Validate() != nil {
		cfg = DefaultBreakerConfig()
	}
	return &CircuitBreaker{cfg: cfg, state: BreakerClosed}
}

// OnStateChange registers fn to be called on every transition.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to BreakerState)) *CircuitBreaker {
	cb.onStateChange = fn
	return cb
}

// Execute runs fn unless the breaker is open, in which case it returns
// ErrBackendUnavailable without calling fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cb.allow() {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"reason": "circuit breaker is open",
		})
	}

	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen {
		if time.Since(cb.lastFailTime) < cb.cfg.ResetTimeout {
			return false
		}
		cb.transition(BreakerHalfOpen)
	}
	return true
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil || IsBusinessError(err) || IsNotFound(err) {
		cb.failures = 0
		if cb.state != BreakerClosed {
			cb.transition(BreakerClosed)
		}
		return
	}

	cb.failures++
	cb.lastFailTime = time.Now()
	if cb.state == BreakerHalfOpen || (cb.state == BreakerClosed && cb.failures >= cb.cfg.MaxFailures) {
		cb.transition(BreakerOpen)
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to BreakerState) {
	from := cb.state
	cb.state = to
	if cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
