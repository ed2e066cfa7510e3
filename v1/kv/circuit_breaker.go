package kv

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"
	"time"

	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
)

// ErrCircuitOpen is returned while the breaker rejects calls. It wraps
// ErrStoreUnavailable so callers handle it like any other outage.
var ErrCircuitOpen = fmt.Errorf("circuit breaker is open: %w", leaseerrors.ErrStoreUnavailable)

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker decorates a Store and fails fast after repeated transport
// failures. Only errors wrapping ErrStoreUnavailable count as failures; a
// false result from a conditional operation is a normal answer.
type CircuitBreaker struct {
	store     Store
	mu        sync.RWMutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker returns a CircuitBreaker that opens after threshold
// consecutive failures and tries again once timeout has elapsed.
func NewCircuitBreaker(store Store, threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		store:     store,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// IsHealthy returns true if the circuit is closed or ready for a trial call.
func (cb *CircuitBreaker) IsHealthy() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

// allow handles the Open to Half-Open transition. Only one trial call is let
// through while half-open.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		return false
	}
	return false
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil || !stdErrors.Is(err, leaseerrors.ErrStoreUnavailable) {
		cb.failures = 0
		if cb.state == stateHalfOpen {
			cb.state = stateClosed
		}
		return
	}
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateClosed && cb.failures >= cb.threshold {
		cb.state = stateOpen
	} else if cb.state == stateHalfOpen {
		cb.state = stateOpen
	}
}

// SetIfAbsent implements Store.SetIfAbsent.
func (cb *CircuitBreaker) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if !cb.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := cb.store.SetIfAbsent(ctx, key, value, ttl)
	cb.record(err)
	return ok, err
}

// Get implements Store.Get.
func (cb *CircuitBreaker) Get(ctx context.Context, key string) (string, bool, error) {
	if !cb.allow() {
		return "", false, ErrCircuitOpen
	}
	v, ok, err := cb.store.Get(ctx, key)
	cb.record(err)
	return v, ok, err
}

// Set implements Store.Set.
func (cb *CircuitBreaker) Set(ctx context.Context, key, value string) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := cb.store.Set(ctx, key, value)
	cb.record(err)
	return err
}

// CompareAndDelete implements Store.CompareAndDelete.
func (cb *CircuitBreaker) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	if !cb.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := cb.store.CompareAndDelete(ctx, key, expected)
	cb.record(err)
	return ok, err
}

// CompareAndSet implements Store.CompareAndSet.
func (cb *CircuitBreaker) CompareAndSet(ctx context.Context, key, expected, newValue string, ttl time.Duration) (bool, error) {
	if !cb.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := cb.store.CompareAndSet(ctx, key, expected, newValue, ttl)
	cb.record(err)
	return ok, err
}
