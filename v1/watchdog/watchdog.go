// Package watchdog keeps leases alive while their holders are still working.
//
// A single Scheduler goroutine serves every registration: registrations sit
// in a heap ordered by their next renewal time and the loop sleeps until the
// earliest one is due. Each renewal is one atomic CompareAndSet on the store,
// so a lease that was already reassigned is never extended. When a renewal
// finds the lease gone the registration is dropped and its OnLost callback
// runs; the critical section itself is never interrupted.
package watchdog

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
	"github.com/mirkobrombin/go-lease/v1/kv"
	"github.com/mirkobrombin/go-lease/v1/metrics"
)

// ErrSchedulerStopped is returned when registering on a stopped Scheduler.
var ErrSchedulerStopped = errors.New("lease: watchdog scheduler stopped")

const (
	defaultWorkers      = 8
	defaultRenewTimeout = 2 * time.Second
)

// Entry describes a lease to keep alive.
type Entry struct {
	Key   string
	Token string
	TTL   time.Duration
	// Interval between renewals. Zero, or anything not below TTL, means TTL/3
	// so two attempts fit before a single missed renewal lets the lease expire.
	Interval time.Duration
	// OnRenewed, if set, receives the new expiry after each renewal.
	OnRenewed func(expiresAt time.Time)
	// OnLost, if set, is called once with ErrLeaseLost when a renewal finds
	// the lease gone or owned by another token.
	OnLost func(err error)
}

// Registration is the scheduler's handle on one renewed lease.
type Registration struct {
	entry  Entry
	s      *Scheduler
	next   time.Time
	index  int
	active bool
}

// Key returns the lock key of the registration.
func (r *Registration) Key() string { return r.entry.Key }

// Interval returns the effective renewal interval.
func (r *Registration) Interval() time.Duration { return r.entry.Interval }

// Cancel stops renewing the lease. It does not touch the store; the lease
// stays until released or expired. Cancel is safe to call more than once.
func (r *Registration) Cancel() {
	r.s.cancel(r)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger used for renewal failures.
func WithLogger(log *slog.Logger) Option {
	return func(s *Scheduler) {
		if log != nil {
			s.log = log
		}
	}
}

// WithWorkers bounds how many renewals may hit the store concurrently.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithRenewTimeout bounds a single renewal round trip.
func WithRenewTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.renewTimeout = d
		}
	}
}

// Scheduler renews registered leases from a single loop.
type Scheduler struct {
	store        kv.Store
	log          *slog.Logger
	workers      int
	renewTimeout time.Duration

	mu      sync.Mutex
	queue   queue
	regs    map[*Registration]struct{}
	started bool
	stopped bool

	wake   chan struct{}
	ctx    context.Context
	stop   context.CancelFunc
	done   chan struct{}
	group  *errgroup.Group
	closed sync.Once
}

// New returns a Scheduler renewing leases in store. The loop starts on the
// first Register or on an explicit Start.
func New(store kv.Store, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:        store,
		log:          slog.Default(),
		workers:      defaultWorkers,
		renewTimeout: defaultRenewTimeout,
		regs:         make(map[*Registration]struct{}),
		wake:         make(chan struct{}, 1),
		ctx:          ctx,
		stop:         cancel,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.group, _ = errgroup.WithContext(ctx)
	s.group.SetLimit(s.workers)
	return s
}

// Start launches the scheduling loop. Calling it again has no effect.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked()
}

func (s *Scheduler) startLocked() {
	if s.started || s.stopped {
		return
	}
	s.started = true
	go s.loop()
}

// Register schedules entry for renewal. The first renewal fires one interval
// from now.
func (s *Scheduler) Register(entry Entry) (*Registration, error) {
	if entry.TTL <= 0 {
		return nil, leaseerrors.ErrInvalidLeaseTTL
	}
	if entry.Interval <= 0 || entry.Interval >= entry.TTL {
		entry.Interval = entry.TTL / 3
	}
	r := &Registration{entry: entry, s: s, index: -1}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrSchedulerStopped
	}
	s.startLocked()
	r.active = true
	r.next = time.Now().Add(entry.Interval)
	heap.Push(&s.queue, r)
	s.regs[r] = struct{}{}
	s.mu.Unlock()

	metrics.WatchdogGauge.Inc()
	s.signal()
	return r, nil
}

// Len returns the number of active registrations.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.regs)
}

// Stop cancels every registration and waits for in-flight renewals. Leases
// are left in the store to expire on their own TTL.
func (s *Scheduler) Stop() {
	s.closed.Do(func() {
		s.mu.Lock()
		s.stopped = true
		started := s.started
		for r := range s.regs {
			r.active = false
			r.index = -1
		}
		s.queue = nil
		metrics.WatchdogGauge.Sub(float64(len(s.regs)))
		s.regs = make(map[*Registration]struct{})
		s.mu.Unlock()

		s.stop()
		if started {
			<-s.done
		}
		_ = s.group.Wait()
	})
}

func (s *Scheduler) cancel(r *Registration) {
	s.mu.Lock()
	if !r.active {
		s.mu.Unlock()
		return
	}
	r.active = false
	if r.index >= 0 {
		heap.Remove(&s.queue, r.index)
	}
	delete(s.regs, r)
	s.mu.Unlock()
	metrics.WatchdogGauge.Dec()
	s.signal()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	defer close(s.done)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		now := time.Now()
		var due []*Registration
		for s.queue.Len() > 0 && !s.queue[0].next.After(now) {
			due = append(due, heap.Pop(&s.queue).(*Registration))
		}
		wait := time.Hour
		if s.queue.Len() > 0 {
			wait = s.queue[0].next.Sub(now)
		}
		s.mu.Unlock()

		for _, r := range due {
			r := r
			s.group.Go(func() error {
				s.renew(r)
				return nil
			})
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

func (s *Scheduler) renew(r *Registration) {
	e := r.entry
	ctx, cancel := context.WithTimeout(s.ctx, s.renewTimeout)
	ok, err := s.store.CompareAndSet(ctx, e.Key, e.Token, e.Token, e.TTL)
	cancel()
	now := time.Now()

	s.mu.Lock()
	if !r.active {
		// Cancelled or stopped while the renewal was in flight.
		s.mu.Unlock()
		return
	}
	switch {
	case err != nil:
		s.mu.Unlock()
		if s.ctx.Err() != nil {
			return
		}
		metrics.RenewCounter.WithLabelValues("error").Inc()
		s.log.Warn("lease: renewal failed, retrying next interval", "key", e.Key, "error", err)
		s.reschedule(r, now)
	case !ok:
		r.active = false
		delete(s.regs, r)
		s.mu.Unlock()
		metrics.WatchdogGauge.Dec()
		metrics.RenewCounter.WithLabelValues("lost").Inc()
		s.log.Warn("lease: lease lost during renewal", "key", e.Key)
		if e.OnLost != nil {
			e.OnLost(leaseerrors.ErrLeaseLost)
		}
	default:
		s.mu.Unlock()
		metrics.RenewCounter.WithLabelValues("renewed").Inc()
		if e.OnRenewed != nil {
			e.OnRenewed(now.Add(e.TTL))
		}
		s.reschedule(r, now)
	}
}

func (s *Scheduler) reschedule(r *Registration, from time.Time) {
	s.mu.Lock()
	if !r.active || s.stopped {
		s.mu.Unlock()
		return
	}
	r.next = from.Add(r.entry.Interval)
	heap.Push(&s.queue, r)
	s.mu.Unlock()
	s.signal()
}
