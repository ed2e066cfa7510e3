package lock

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/mirkobrombin/go-lease/v1/audit"
	"github.com/mirkobrombin/go-lease/v1/kv"
	"github.com/mirkobrombin/go-lease/v1/syncbus"
	"github.com/mirkobrombin/go-lease/v1/watchdog"
)

// ErrAlreadyHeld is returned when acquiring through a Handle that still holds
// a live lease.
var ErrAlreadyHeld = errors.New("lease: handle already holds the lock")

const defaultPollInterval = 10 * time.Millisecond

var tracer = otel.Tracer("github.com/mirkobrombin/go-lease/v1/lock")

// UnlockTopic is the syncbus topic a release of key is announced on.
func UnlockTopic(key string) string {
	return "unlock:" + key
}

// Option configures a Locker.
type Option func(*Locker)

// WithBus enables release notifications so waiters in Acquire retry as soon
// as the key is freed.
func WithBus(bus syncbus.Bus) Option {
	return func(l *Locker) {
		l.bus = bus
	}
}

// WithWatchdog sets the scheduler used for auto-renewed handles. By default
// each Locker owns a private scheduler.
func WithWatchdog(s *watchdog.Scheduler) Option {
	return func(l *Locker) {
		l.watchdog = s
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Locker) {
		if log != nil {
			l.log = log
		}
	}
}

// WithAudit sets the sink lease events are recorded to.
func WithAudit(sink audit.Sink) Option {
	return func(l *Locker) {
		if sink != nil {
			l.audit = sink
		}
	}
}

// WithAuditBuffer sets how many events may wait for the audit sink before
// new ones are dropped.
func WithAuditBuffer(n int) Option {
	return func(l *Locker) {
		l.auditBuffer = n
	}
}

// WithProcessID overrides the generated process identity used as token
// prefix.
func WithProcessID(id string) Option {
	return func(l *Locker) {
		if id != "" {
			l.processID = id
		}
	}
}

// WithPollInterval sets the default wait between attempts in Acquire.
func WithPollInterval(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.pollInterval = d
		}
	}
}

// Locker creates lock handles bound to one store.
type Locker struct {
	store        kv.Store
	bus          syncbus.Bus
	watchdog     *watchdog.Scheduler
	ownWatchdog  bool
	log          *slog.Logger
	audit        audit.Sink
	processID    string
	pollInterval time.Duration
	auditBuffer  int
	asyncAudit   *audit.Async
	closeOnce    sync.Once
}

// New returns a Locker over store.
func New(store kv.Store, opts ...Option) *Locker {
	l := &Locker{
		store:        store,
		log:          slog.Default(),
		audit:        audit.Nop{},
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.processID == "" {
		l.processID = newProcessID()
	}
	if _, nop := l.audit.(audit.Nop); !nop {
		// Lock operations never wait on the audit trail.
		l.asyncAudit = audit.NewAsync(l.audit, l.auditBuffer, l.log)
		l.audit = l.asyncAudit
	}
	if l.watchdog == nil {
		l.watchdog = watchdog.New(store, watchdog.WithLogger(l.log))
		l.ownWatchdog = true
	}
	return l
}

// ProcessID returns the identity prefixed to every token of this Locker.
func (l *Locker) ProcessID() string {
	return l.processID
}

// Store returns the store the Locker coordinates through.
func (l *Locker) Store() kv.Store {
	return l.store
}

// Handle returns a new handle for key. Handles are cheap and meant to be used
// by a single caller for one acquisition at a time.
func (l *Locker) Handle(key string, opts ...HandleOption) *Handle {
	h := &Handle{l: l, key: key, lost: make(chan struct{})}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Close stops the Locker's private watchdog, if it owns one, and flushes
// pending audit events. Held leases are not released; they expire on their
// own TTL. Close is safe to call more than once.
func (l *Locker) Close() {
	l.closeOnce.Do(func() {
		if l.ownWatchdog {
			l.watchdog.Stop()
		}
		if l.asyncAudit != nil {
			_ = l.asyncAudit.Close()
		}
	})
}
