package health

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitBreaker isolates calls to one unreliable dependency.
//
//	closed    --(failures >= threshold)-->        open
//	open      --(elapsed >= recovery timeout)-->  half_open   (evaluated on the next call)
//	half_open --(success)-->                      closed
//	any non-closed state --(failure)-->           open
type CircuitBreaker struct {
	name   string
	config BreakerConfig

	mu           sync.Mutex
	state        BreakerState
	failureCount int
	lastFailure  time.Time
	now          func() time.Time
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(name string, config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaultFailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = defaultRecoveryTimeout
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Name returns the dependency name
func (b *CircuitBreaker) Name() string {
	return b.name
}

// State returns the current state without evaluating the recovery timeout
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the consecutive failure count
func (b *CircuitBreaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// Allow decides whether a call may proceed. An open breaker whose recovery
// timeout has elapsed moves to half-open and lets the call through.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}
	if b.now().Sub(b.lastFailure) >= b.config.RecoveryTimeout {
		b.state = StateHalfOpen
		return nil
	}
	return &OpenError{Dependency: b.name, RetryAt: b.lastFailure.Add(b.config.RecoveryTimeout)}
}

// RecordSuccess closes the breaker and resets the failure count
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.state = StateClosed
}

// RecordFailure counts a failure and opens the breaker when required
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailure = b.now()
	if b.state != StateClosed || b.failureCount >= b.config.FailureThreshold {
		if b.state != StateOpen {
			log.WithField("dependency", b.name).Warnf("[BREAKER] %s opened after %d failures", b.name, b.failureCount)
		}
		b.state = StateOpen
	}
}

// Call runs fn under the breaker with the configured per-call deadline.
// Deadline expiry counts as a failure. Context cancellation by the caller does not.
func (b *CircuitBreaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}

	callCtx := ctx
	if b.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.config.CallTimeout)
		defer cancel()
	}

	err := fn(callCtx)
	switch {
	case err == nil:
		b.RecordSuccess()
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// caller went away; says nothing about the dependency
	default:
		b.RecordFailure()
	}
	return err
}

// CallTimeout returns the per-call deadline
func (b *CircuitBreaker) CallTimeout() time.Duration {
	return b.config.CallTimeout
}

// Snapshot returns a point-in-time view
func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		Name:             b.name,
		State:            b.state,
		FailureCount:     b.failureCount,
		LastFailure:      b.lastFailure,
		FailureThreshold: b.config.FailureThreshold,
		RecoveryTimeout:  b.config.RecoveryTimeout.String(),
	}
}

// RetryAfter returns how long an open breaker keeps failing fast, 0 otherwise
func (b *CircuitBreaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	remaining := b.config.RecoveryTimeout - b.now().Sub(b.lastFailure)
	if remaining < 0 {
		return 0
	}
	return remaining
}
