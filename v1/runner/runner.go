// Package runner executes business logic inside a leased critical section.
//
// Every Execute call walks the same state machine:
//
//	Idle -> Acquiring -> Held -> Executing -> Releasing -> Idle
//	Idle -> Acquiring -> AcquireFailed -> Idle
//
// The lock is released on every path out of Executing, including a panic in
// the business function.
package runner

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
	"github.com/mirkobrombin/go-lease/v1/kv"
	"github.com/mirkobrombin/go-lease/v1/lock"
	"github.com/mirkobrombin/go-lease/v1/metrics"
)

// ErrBusinessPanic wraps a value recovered from a panicking BusinessFunc.
var ErrBusinessPanic = stdErrors.New("runner: business function panicked")

const releaseTimeout = 5 * time.Second

var tracer = otel.Tracer("github.com/mirkobrombin/go-lease/v1/runner")

// BusinessFunc runs while the lock is held. It returns the resulting count.
type BusinessFunc func(ctx context.Context, store kv.Store) (int64, error)

// Status is the outcome of one Execute call.
type Status int

const (
	StatusSuccess Status = iota
	StatusInsufficientInventory
	StatusLockUnavailable
	StatusBusinessError
	StatusStoreUnavailable
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusInsufficientInventory:
		return "insufficient_inventory"
	case StatusLockUnavailable:
		return "lock_unavailable"
	case StatusBusinessError:
		return "business_error"
	case StatusStoreUnavailable:
		return "store_unavailable"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result reports what happened in Execute. Count is meaningful only for
// StatusSuccess. LeaseLost is set when the lease was found lost while the
// business function ran; its effects may then have overlapped another owner.
type Result struct {
	Status    Status
	Count     int64
	Err       error
	LeaseLost bool
}

// State is a step of the per-call state machine.
type State int

const (
	StateIdle State = iota
	StateAcquiring
	StateHeld
	StateExecuting
	StateReleasing
	StateAcquireFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateHeld:
		return "held"
	case StateExecuting:
		return "executing"
	case StateReleasing:
		return "releasing"
	case StateAcquireFailed:
		return "acquire_failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Runner) {
		if log != nil {
			r.log = log
		}
	}
}

// WithAutoRenew toggles watchdog renewal of the lease while the business
// function runs. Enabled by default.
func WithAutoRenew(enabled bool) Option {
	return func(r *Runner) {
		r.autoRenew = enabled
	}
}

// WithRenewInterval sets the watchdog interval for auto-renewed leases.
func WithRenewInterval(d time.Duration) Option {
	return func(r *Runner) {
		r.renewInterval = d
	}
}

// WithPollInterval sets the wait between acquisition attempts.
func WithPollInterval(d time.Duration) Option {
	return func(r *Runner) {
		r.pollInterval = d
	}
}

// WithStateHook registers a function called on every state transition.
// It runs synchronously and must not block.
func WithStateHook(hook func(key string, s State)) Option {
	return func(r *Runner) {
		r.hook = hook
	}
}

// Runner executes BusinessFuncs under a lock from its Locker.
type Runner struct {
	locker        *lock.Locker
	store         kv.Store
	log           *slog.Logger
	autoRenew     bool
	renewInterval time.Duration
	pollInterval  time.Duration
	hook          func(string, State)
}

// New returns a Runner. Business functions receive store; it is usually the
// same store the Locker coordinates through.
func New(locker *lock.Locker, store kv.Store, opts ...Option) *Runner {
	r := &Runner{
		locker:    locker,
		store:     store,
		log:       slog.Default(),
		autoRenew: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) enter(key string, s State) {
	if r.hook != nil {
		r.hook(key, s)
	}
}

// Execute acquires lockKey waiting at most maxWait, runs fn and releases the
// lock. A non-positive maxWait makes a single attempt.
func (r *Runner) Execute(ctx context.Context, lockKey string, maxWait, leaseTTL time.Duration, fn BusinessFunc) (res Result) {
	ctx, span := tracer.Start(ctx, "Runner.Execute", trace.WithAttributes(attribute.String("lease.key", lockKey)))
	defer func() {
		span.SetAttributes(attribute.String("lease.status", res.Status.String()))
		if res.Err != nil && res.Status != StatusInsufficientInventory {
			span.SetStatus(codes.Error, res.Err.Error())
		}
		span.End()
		metrics.RunnerOutcomeCounter.WithLabelValues(res.Status.String()).Inc()
	}()

	r.enter(lockKey, StateIdle)
	r.enter(lockKey, StateAcquiring)

	var hopts []lock.HandleOption
	if r.autoRenew {
		hopts = append(hopts, lock.WithRenewInterval(r.renewInterval))
	}
	h := r.locker.Handle(lockKey, hopts...)
	lease, err := h.Acquire(ctx, leaseTTL, maxWait, r.pollInterval)
	if err != nil {
		r.enter(lockKey, StateAcquireFailed)
		r.enter(lockKey, StateIdle)
		if stdErrors.Is(err, leaseerrors.ErrStoreUnavailable) {
			return Result{Status: StatusStoreUnavailable, Err: err}
		}
		return Result{Status: StatusLockUnavailable, Err: err}
	}
	r.enter(lockKey, StateHeld)

	defer func() {
		r.enter(lockKey, StateReleasing)
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		if _, err := h.ReleaseToken(rctx, lease.Token); err != nil {
			r.log.Warn("lease: release failed, lock left to expire", "key", lockKey, "error", err)
		}
		cancel()
		res.LeaseLost = h.LeaseLost()
		if res.LeaseLost {
			r.log.Warn("lease: critical section finished after its lease was lost", "key", lockKey, "status", res.Status.String())
		}
		r.enter(lockKey, StateIdle)
	}()

	r.enter(lockKey, StateExecuting)
	n, err := r.run(ctx, fn)
	switch {
	case err == nil:
		return Result{Status: StatusSuccess, Count: n}
	case stdErrors.Is(err, leaseerrors.ErrInsufficientInventory):
		return Result{Status: StatusInsufficientInventory, Err: err}
	default:
		return Result{Status: StatusBusinessError, Err: err}
	}
}

func (r *Runner) run(ctx context.Context, fn BusinessFunc) (n int64, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrBusinessPanic, p)
		}
	}()
	return fn(ctx, r.store)
}
