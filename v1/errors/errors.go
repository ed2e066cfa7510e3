// Package errors holds the sentinel errors shared by the lease packages.
// Callers match them with errors.Is; components wrap them with fmt.Errorf.
package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrStoreUnavailable reports a transport or connection failure talking
	// to the KV backend. The lock core never retries it.
	ErrStoreUnavailable = errors.New("lease: store unavailable")

	// ErrLockUnavailable is returned when acquisition did not succeed within
	// the allowed wait.
	ErrLockUnavailable = errors.New("lease: lock unavailable")

	// ErrLeaseLost reports that a renewal found the lease gone or owned by
	// someone else.
	ErrLeaseLost = errors.New("lease: lease lost")

	ErrInvalidLeaseTTL = errors.New("lease: lease ttl must be positive")

	// ErrInsufficientInventory is an expected business outcome, not a failure.
	ErrInsufficientInventory = errors.New("lease: insufficient inventory")
)
