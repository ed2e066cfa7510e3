// Package kv defines the key-value primitives the lock protocol is built on and
// provides in-memory and Redis implementations.
//
// Every method must be atomic at the store: SetIfAbsent, CompareAndDelete and
// CompareAndSet are the only coordination points between processes.
package kv

import (
	"context"
	"time"
)

// Store abstracts the shared key-value backend.
type Store interface {
	// SetIfAbsent stores value at key with the given ttl only if key does not
	// exist. A non-positive ttl stores the value without expiry.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get returns the value at key. The boolean reports whether it was found.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value at key without expiry, overwriting any previous value.
	Set(ctx context.Context, key, value string) error
	// CompareAndDelete removes key only if its current value equals expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	// CompareAndSet replaces the value at key with newValue and resets its
	// ttl, only if the current value equals expected. A non-positive ttl
	// removes any expiry.
	CompareAndSet(ctx context.Context, key, expected, newValue string, ttl time.Duration) (bool, error)
}
