package lock

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-lease/v1/audit"
	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
	"github.com/mirkobrombin/go-lease/v1/metrics"
	"github.com/mirkobrombin/go-lease/v1/watchdog"
)

const abandonTimeout = time.Second

// HandleOption configures a Handle.
type HandleOption func(*Handle)

// WithAutoRenew keeps acquired leases alive through the Locker's watchdog
// until they are released or found lost.
func WithAutoRenew() HandleOption {
	return func(h *Handle) {
		h.autoRenew = true
	}
}

// WithRenewInterval overrides the watchdog interval, TTL/3 by default.
// It implies WithAutoRenew.
func WithRenewInterval(d time.Duration) HandleOption {
	return func(h *Handle) {
		h.autoRenew = true
		h.renewInterval = d
	}
}

// Handle is one caller's view of a lock key. It owns at most one live lease.
type Handle struct {
	l             *Locker
	key           string
	autoRenew     bool
	renewInterval time.Duration

	mu       sync.Mutex
	lease    *Lease
	reg      *watchdog.Registration
	lost     chan struct{}
	leaseErr bool
}

// Key returns the lock key.
func (h *Handle) Key() string {
	return h.key
}

// Lease returns the current lease. The boolean is false when nothing is
// held or the lease was lost.
func (h *Handle) Lease() (Lease, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lease == nil {
		return Lease{}, false
	}
	return *h.lease, !h.leaseErr
}

// LeaseLost reports whether the current lease was found lost by a renewal.
func (h *Handle) LeaseLost() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaseErr
}

// Lost returns a channel closed when the current lease is found lost.
func (h *Handle) Lost() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lost
}

// TryAcquire makes a single acquisition attempt. It returns false, without
// error, when another owner holds the key. If the attempt fails with an
// unknown outcome, such as a deadline hit mid-call, the attempted token is
// removed again so no unowned lease is left behind.
func (h *Handle) TryAcquire(ctx context.Context, ttl time.Duration) (Lease, bool, error) {
	if ttl <= 0 {
		return Lease{}, false, leaseerrors.ErrInvalidLeaseTTL
	}
	h.mu.Lock()
	if h.lease != nil && !h.leaseErr {
		h.mu.Unlock()
		return Lease{}, false, ErrAlreadyHeld
	}
	h.mu.Unlock()

	token := newToken(h.l.processID)
	ok, err := h.l.store.SetIfAbsent(ctx, h.key, token, ttl)
	if err != nil {
		if ctx.Err() != nil || outcomeUnknown(err) {
			// The write may still have been applied after the caller gave up.
			h.abandon(ctx, token)
		}
		metrics.AcquireCounter.WithLabelValues("error").Inc()
		return Lease{}, false, err
	}
	if !ok {
		metrics.AcquireCounter.WithLabelValues("busy").Inc()
		return Lease{}, false, nil
	}
	lease := Lease{Key: h.key, Token: token, TTL: ttl, ExpiresAt: time.Now().Add(ttl)}

	var reg *watchdog.Registration
	if h.autoRenew {
		reg, err = h.l.watchdog.Register(watchdog.Entry{
			Key:       h.key,
			Token:     token,
			TTL:       ttl,
			Interval:  h.renewInterval,
			OnRenewed: func(at time.Time) { h.renewed(token, at) },
			OnLost:    func(err error) { h.markLost(token, err) },
		})
		if err != nil {
			// Never hand out a lease that was promised renewal but has none.
			h.abandon(ctx, token)
			metrics.AcquireCounter.WithLabelValues("error").Inc()
			return Lease{}, false, fmt.Errorf("register watchdog: %w", err)
		}
	}

	h.mu.Lock()
	h.lease = &lease
	h.reg = reg
	h.leaseErr = false
	h.lost = make(chan struct{})
	h.mu.Unlock()

	metrics.AcquireCounter.WithLabelValues("acquired").Inc()
	h.record(ctx, audit.KindAcquired, token, nil)
	return lease, true, nil
}

// Acquire retries TryAcquire until it succeeds, maxWait elapses or ctx is
// done, sleeping pollInterval between attempts. A non-positive maxWait makes
// a single attempt; a non-positive pollInterval uses the Locker default.
// Failing to acquire in time yields an error wrapping ErrLockUnavailable.
// Store failures are returned as they are, without retry.
func (h *Handle) Acquire(ctx context.Context, ttl, maxWait, pollInterval time.Duration) (Lease, error) {
	ctx, span := tracer.Start(ctx, "Handle.Acquire", trace.WithAttributes(attribute.String("lease.key", h.key)))
	defer span.End()

	if maxWait <= 0 {
		lease, ok, err := h.TryAcquire(ctx, ttl)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return Lease{}, err
		}
		if !ok {
			return Lease{}, leaseerrors.ErrLockUnavailable
		}
		return lease, nil
	}
	if pollInterval <= 0 {
		pollInterval = h.l.pollInterval
	}

	ctx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	var notify chan struct{}
	if h.l.bus != nil {
		ch, err := h.l.bus.Subscribe(ctx, UnlockTopic(h.key))
		if err != nil {
			h.l.log.Debug("lease: unlock notifications unavailable, polling only", "key", h.key, "error", err)
		} else {
			notify = ch
		}
	}

	timer := time.NewTimer(pollInterval)
	defer timer.Stop()
	attempts := 0
	for {
		attempts++
		lease, ok, err := h.TryAcquire(ctx, ttl)
		if err != nil {
			if ctx.Err() != nil {
				// The wait expired while talking to the store.
				break
			}
			span.SetStatus(codes.Error, err.Error())
			return Lease{}, err
		}
		if ok {
			span.SetAttributes(attribute.Int("lease.attempts", attempts))
			return lease, nil
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(pollInterval)
		select {
		case <-ctx.Done():
		case <-timer.C:
			continue
		case _, open := <-notify:
			if !open {
				notify = nil
			}
			continue
		}
		break
	}
	span.SetAttributes(attribute.Int("lease.attempts", attempts))
	return Lease{}, fmt.Errorf("%w: %w", leaseerrors.ErrLockUnavailable, ctx.Err())
}

// Release frees the lease currently held by the handle. It returns false
// when there is nothing to release or the lease is no longer owned by this
// handle's token; neither case is an error.
func (h *Handle) Release(ctx context.Context) (bool, error) {
	h.mu.Lock()
	if h.lease == nil {
		h.mu.Unlock()
		return false, nil
	}
	token := h.lease.Token
	h.mu.Unlock()
	return h.ReleaseToken(ctx, token)
}

// ReleaseToken deletes the lock only if it is still held by token. Calling it
// twice with the same token returns true and then false.
func (h *Handle) ReleaseToken(ctx context.Context, token string) (bool, error) {
	ctx, span := tracer.Start(ctx, "Handle.Release", trace.WithAttributes(attribute.String("lease.key", h.key)))
	defer span.End()

	h.mu.Lock()
	var reg *watchdog.Registration
	if h.lease != nil && h.lease.Token == token {
		reg = h.reg
		h.lease = nil
		h.reg = nil
	}
	h.mu.Unlock()
	if reg != nil {
		reg.Cancel()
	}

	ok, err := h.l.store.CompareAndDelete(ctx, h.key, token)
	if err != nil {
		metrics.ReleaseCounter.WithLabelValues("error").Inc()
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	if !ok {
		metrics.ReleaseCounter.WithLabelValues("fenced").Inc()
		h.l.log.Info("lease: release skipped, lock not owned by token", "key", h.key, "token", token)
		h.record(ctx, audit.KindReleaseFenced, token, nil)
		return false, nil
	}
	metrics.ReleaseCounter.WithLabelValues("released").Inc()
	h.record(ctx, audit.KindReleased, token, nil)
	if h.l.bus != nil {
		if err := h.l.bus.Publish(ctx, UnlockTopic(h.key)); err != nil {
			h.l.log.Debug("lease: unlock notification failed", "key", h.key, "error", err)
		}
	}
	return true, nil
}

// Renew extends the current lease by its TTL. It returns false, and marks
// the lease lost, when the store no longer holds this handle's token.
func (h *Handle) Renew(ctx context.Context) (bool, error) {
	h.mu.Lock()
	if h.lease == nil || h.leaseErr {
		h.mu.Unlock()
		return false, nil
	}
	lease := *h.lease
	h.mu.Unlock()

	ok, err := h.l.store.CompareAndSet(ctx, h.key, lease.Token, lease.Token, lease.TTL)
	if err != nil {
		metrics.RenewCounter.WithLabelValues("error").Inc()
		return false, err
	}
	if !ok {
		metrics.RenewCounter.WithLabelValues("lost").Inc()
		h.markLost(lease.Token, leaseerrors.ErrLeaseLost)
		return false, nil
	}
	metrics.RenewCounter.WithLabelValues("renewed").Inc()
	h.renewed(lease.Token, time.Now().Add(lease.TTL))
	return true, nil
}

// outcomeUnknown reports whether a failed write may still have reached the
// store.
func outcomeUnknown(err error) bool {
	return stdErrors.Is(err, context.Canceled) ||
		stdErrors.Is(err, context.DeadlineExceeded) ||
		stdErrors.Is(err, leaseerrors.ErrTimeout)
}

// abandon removes token from the key if it got written, detached from the
// caller's context.
func (h *Handle) abandon(ctx context.Context, token string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
	defer cancel()
	if ok, err := h.l.store.CompareAndDelete(cctx, h.key, token); err != nil {
		h.l.log.Warn("lease: cleanup of abandoned acquisition failed, key left to expire", "key", h.key, "error", err)
	} else if ok {
		h.l.log.Debug("lease: removed acquisition written after the caller gave up", "key", h.key)
	}
}

func (h *Handle) renewed(token string, at time.Time) {
	h.mu.Lock()
	if h.lease != nil && h.lease.Token == token {
		h.lease.ExpiresAt = at
	}
	h.mu.Unlock()
}

func (h *Handle) markLost(token string, cause error) {
	h.mu.Lock()
	if h.lease == nil || h.lease.Token != token || h.leaseErr {
		h.mu.Unlock()
		return
	}
	h.leaseErr = true
	reg := h.reg
	h.reg = nil
	close(h.lost)
	h.mu.Unlock()
	if reg != nil {
		reg.Cancel()
	}

	metrics.LeaseLostCounter.Inc()
	h.l.log.Warn("lease: lease lost while held", "key", h.key, "token", token)
	h.record(context.Background(), audit.KindLeaseLost, token, cause)
}

func (h *Handle) record(ctx context.Context, kind audit.Kind, token string, cause error) {
	evt := audit.Event{Kind: kind, Key: h.key, Token: token, At: time.Now()}
	if cause != nil {
		evt.Error = cause.Error()
	}
	if err := h.l.audit.Record(context.WithoutCancel(ctx), evt); err != nil && !stdErrors.Is(err, context.Canceled) {
		h.l.log.Warn("lease: audit record failed", "key", h.key, "kind", string(kind), "error", err)
	}
}
