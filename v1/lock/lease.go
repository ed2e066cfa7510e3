package lock

import "time"

// Lease is a time-bound ownership record for one acquisition of a key.
type Lease struct {
	Key       string
	Token     string
	TTL       time.Duration
	ExpiresAt time.Time
}

// Expired reports whether the lease would have expired at now, assuming no
// renewal happened since ExpiresAt was last updated.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Remaining returns the time left before expiry, or zero.
func (l Lease) Remaining(now time.Time) time.Duration {
	if d := l.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
