// Package lock provides fenced, leased mutual exclusion on top of a shared
// kv.Store.
//
// A Locker hands out one Handle per lock key and caller. Every acquisition
// writes a fresh owner token with SetIfAbsent, so the store alone decides who
// holds the lock. Leases carry a TTL so a crashed holder cannot block others
// forever, releases are CompareAndDelete calls so a holder whose lease already
// expired cannot free the next owner's lock, and handles acquired with
// WithAutoRenew are kept alive by a watchdog.Scheduler for as long as they are
// held.
//
// Acquisition is not fair. Acquire polls (optionally woken early by a
// syncbus notification when a lock is released) and a waiter can be starved
// indefinitely by other callers that keep re-acquiring the same key.
package lock
