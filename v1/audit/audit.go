// Package audit records lease lifecycle events. Lease loss in particular must
// reach an audit trail: the critical section may already have run partially
// when its lease disappeared.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Kind identifies a lease lifecycle event.
type Kind string

const (
	KindAcquired      Kind = "acquired"
	KindReleased      Kind = "released"
	KindReleaseFenced Kind = "release_fenced"
	KindLeaseLost     Kind = "lease_lost"
)

// Event describes one lease transition.
type Event struct {
	Kind  Kind      `json:"kind"`
	Key   string    `json:"key"`
	Token string    `json:"token"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

// Sink receives lease events. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, evt Event) error
}

// Nop discards every event.
type Nop struct{}

// Record implements Sink.Record.
func (Nop) Record(context.Context, Event) error { return nil }

// InMemory keeps events in memory, mainly for testing.
type InMemory struct {
	mu     sync.Mutex
	events []Event
}

// NewInMemory returns an empty InMemory sink.
func NewInMemory() *InMemory {
	return &InMemory{}
}

// Record implements Sink.Record.
func (s *InMemory) Record(_ context.Context, evt Event) error {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (s *InMemory) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Count returns how many events of kind were recorded.
func (s *InMemory) Count(kind Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Logger writes events to a slog.Logger. Lease loss is logged at warn level,
// everything else at debug.
type Logger struct {
	log *slog.Logger
}

// NewLogger returns a Logger sink. A nil logger uses slog.Default.
func NewLogger(log *slog.Logger) *Logger {
	if log == nil {
		log = slog.Default()
	}
	return &Logger{log: log}
}

// Record implements Sink.Record.
func (l *Logger) Record(ctx context.Context, evt Event) error {
	level := slog.LevelDebug
	if evt.Kind == KindLeaseLost {
		level = slog.LevelWarn
	}
	attrs := []any{"kind", string(evt.Kind), "key", evt.Key, "token", evt.Token}
	if evt.Error != "" {
		attrs = append(attrs, "error", evt.Error)
	}
	l.log.Log(ctx, level, "lease: audit event", attrs...)
	return nil
}

// Multi fans an event out to several sinks, returning the first error after
// trying all of them.
type Multi []Sink

// Record implements Sink.Record.
func (m Multi) Record(ctx context.Context, evt Event) error {
	var first error
	for _, s := range m {
		if err := s.Record(ctx, evt); err != nil && first == nil {
			first = err
		}
	}
	return first
}
