package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mirkobrombin/go-lease/v1/metrics"
)

var (
	// ErrBufferFull is returned by Async.Record when the event was dropped.
	ErrBufferFull = errors.New("audit: buffer full, event dropped")
	// ErrClosed is returned by Async.Record after Close.
	ErrClosed = errors.New("audit: sink closed")
)

const defaultAsyncBuffer = 1024

// Async hands events to a background worker that writes them to the wrapped
// sink in order. Record never waits on the wrapped sink; when the buffer is
// full the event is dropped and counted.
type Async struct {
	sink    Sink
	log     *slog.Logger
	events  chan Event
	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Uint64
}

// NewAsync starts a worker for sink. A non-positive buffer uses 1024 and a
// nil logger uses slog.Default.
func NewAsync(sink Sink, buffer int, log *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = defaultAsyncBuffer
	}
	if log == nil {
		log = slog.Default()
	}
	a := &Async{
		sink:   sink,
		log:    log,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for evt := range a.events {
		if err := a.sink.Record(context.Background(), evt); err != nil {
			a.log.Warn("lease: audit record failed", "key", evt.Key, "kind", string(evt.Kind), "error", err)
		}
	}
}

// Record implements Sink.Record without blocking.
func (a *Async) Record(_ context.Context, evt Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.events <- evt:
		return nil
	default:
		a.dropped.Add(1)
		metrics.AuditDroppedCounter.Inc()
		return ErrBufferFull
	}
}

// Dropped returns the number of events dropped on a full buffer.
func (a *Async) Dropped() uint64 {
	return a.dropped.Load()
}

// Close stops accepting events and waits until the buffered ones reach the
// wrapped sink. The wrapped sink itself is not closed.
func (a *Async) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	a.mu.Unlock()
	<-a.done
	return nil
}
