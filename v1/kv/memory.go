package kv

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value     string
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// InMemory is a Store backed by a map. A single mutex makes every operation
// atomic, which is enough to model one authoritative store in tests and in
// single-process deployments. Expired entries are dropped lazily on access.
type InMemory struct {
	mu    sync.Mutex
	items map[string]entry
	now   func() time.Time
}

// NewInMemory returns an empty InMemory store.
func NewInMemory() *InMemory {
	return &InMemory{items: make(map[string]entry), now: time.Now}
}

// lookup returns the live entry for key, evicting it if expired.
// Callers must hold s.mu.
func (s *InMemory) lookup(key string) (entry, bool) {
	e, ok := s.items[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(s.now()) {
		delete(s.items, key)
		return entry{}, false
	}
	return e, true
}

func (s *InMemory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// SetIfAbsent implements Store.SetIfAbsent.
func (s *InMemory) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	s.items[key] = entry{value: value, expiresAt: s.expiry(ttl)}
	return true, nil
}

// Get implements Store.Get.
func (s *InMemory) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	e, ok := s.lookup(key)
	s.mu.Unlock()
	return e.value, ok, nil
}

// Set implements Store.Set.
func (s *InMemory) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.items[key] = entry{value: value}
	s.mu.Unlock()
	return nil
}

// CompareAndDelete implements Store.CompareAndDelete.
func (s *InMemory) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok || e.value != expected {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}

// CompareAndSet implements Store.CompareAndSet.
func (s *InMemory) CompareAndSet(ctx context.Context, key, expected, newValue string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok || e.value != expected {
		return false, nil
	}
	s.items[key] = entry{value: newValue, expiresAt: s.expiry(ttl)}
	return true, nil
}

// Len returns the number of live entries.
func (s *InMemory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for k, e := range s.items {
		if e.expired(now) {
			delete(s.items, k)
			continue
		}
		n++
	}
	return n
}
