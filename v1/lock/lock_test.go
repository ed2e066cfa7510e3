package lock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mirkobrombin/go-lease/v1/audit"
	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
	"github.com/mirkobrombin/go-lease/v1/kv"
	"github.com/mirkobrombin/go-lease/v1/syncbus"
)

func newInMemoryLocker(t *testing.T, opts ...Option) (*Locker, *kv.InMemory) {
	t.Helper()
	store := kv.NewInMemory()
	l := New(store, opts...)
	t.Cleanup(l.Close)
	return l, store
}

func TestTryAcquireIsExclusive(t *testing.T) {
	l, _ := newInMemoryLocker(t)
	ctx := context.Background()

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := l.Handle("lock:stock").TryAcquire(ctx, time.Second)
			if err != nil {
				t.Errorf("try acquire: %v", err)
				return
			}
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestAcquireProvidesMutualExclusion(t *testing.T) {
	l, _ := newInMemoryLocker(t)
	ctx := context.Background()

	var inside, overlaps, done int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := l.Handle("lock:stock")
			if _, err := h.Acquire(ctx, time.Second, 2*time.Second, time.Millisecond); err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if atomic.AddInt32(&inside, 1) != 1 {
				atomic.AddInt32(&overlaps, 1)
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			atomic.AddInt32(&done, 1)
			if ok, err := h.Release(ctx); err != nil || !ok {
				t.Errorf("release: ok %v err %v", ok, err)
			}
		}()
	}
	wg.Wait()
	if overlaps != 0 {
		t.Fatalf("critical sections overlapped %d times", overlaps)
	}
	if done != 10 {
		t.Fatalf("expected 10 critical sections, got %d", done)
	}
}

func TestStaleTokenCannotReleaseNewOwner(t *testing.T) {
	l, store := newInMemoryLocker(t)
	ctx := context.Background()

	a := l.Handle("lock:stock")
	leaseA, ok, err := a.TryAcquire(ctx, 50*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("acquire a: ok %v err %v", ok, err)
	}
	time.Sleep(80 * time.Millisecond)

	b := l.Handle("lock:stock")
	leaseB, ok, err := b.TryAcquire(ctx, time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire b after expiry: ok %v err %v", ok, err)
	}

	released, err := a.ReleaseToken(ctx, leaseA.Token)
	if err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if released {
		t.Fatal("stale token released the new owner's lock")
	}
	v, found, _ := store.Get(ctx, "lock:stock")
	if !found || v != leaseB.Token {
		t.Fatalf("lock should still belong to b, got %q found %v", v, found)
	}
}

func TestWatchdogKeepsLeaseAlivePastTTL(t *testing.T) {
	l, _ := newInMemoryLocker(t)
	ctx := context.Background()

	h := l.Handle("lock:stock", WithRenewInterval(100*time.Millisecond))
	if _, err := h.Acquire(ctx, 300*time.Millisecond, 0, 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Work outlasts the TTL.
	time.Sleep(450 * time.Millisecond)

	if _, ok, err := l.Handle("lock:stock").TryAcquire(ctx, time.Second); err != nil || ok {
		t.Fatalf("renewed lease was taken over: ok %v err %v", ok, err)
	}
	if h.LeaseLost() {
		t.Fatal("lease reported lost")
	}
	lease, held := h.Lease()
	if !held || lease.Remaining(time.Now()) <= 0 {
		t.Fatalf("expected a live lease, got %+v held %v", lease, held)
	}
	if ok, err := h.Release(ctx); err != nil || !ok {
		t.Fatalf("release: ok %v err %v", ok, err)
	}
}

func TestShortWorkWithinRenewedLease(t *testing.T) {
	l, store := newInMemoryLocker(t)
	ctx := context.Background()

	h := l.Handle("lock:stock", WithRenewInterval(100*time.Millisecond))
	lease, err := h.Acquire(ctx, 300*time.Millisecond, 0, 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	time.Sleep(250 * time.Millisecond)
	if v, ok, _ := store.Get(ctx, "lock:stock"); !ok || v != lease.Token {
		t.Fatalf("lease should be intact after 250ms, got %q ok %v", v, ok)
	}
	if ok, err := h.Release(ctx); err != nil || !ok {
		t.Fatalf("release: ok %v err %v", ok, err)
	}
}

func TestLeaseExpiresWithoutRenewal(t *testing.T) {
	l, _ := newInMemoryLocker(t)
	ctx := context.Background()

	if _, ok, err := l.Handle("lock:stock").TryAcquire(ctx, 100*time.Millisecond); err != nil || !ok {
		t.Fatalf("acquire: ok %v err %v", ok, err)
	}
	if _, err := l.Handle("lock:stock").Acquire(ctx, time.Second, 150*time.Millisecond, 5*time.Millisecond); err != nil {
		t.Fatalf("second acquirer should get the expired lock within 150ms: %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	l, _ := newInMemoryLocker(t)
	ctx := context.Background()

	h := l.Handle("lock:stock")
	lease, ok, err := h.TryAcquire(ctx, time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire: ok %v err %v", ok, err)
	}
	if ok, err := h.ReleaseToken(ctx, lease.Token); err != nil || !ok {
		t.Fatalf("first release: ok %v err %v", ok, err)
	}
	if ok, err := h.ReleaseToken(ctx, lease.Token); err != nil || ok {
		t.Fatalf("second release: ok %v err %v", ok, err)
	}
	if ok, err := h.Release(ctx); err != nil || ok {
		t.Fatalf("release without lease: ok %v err %v", ok, err)
	}
}

func TestAcquireTimesOut(t *testing.T) {
	l, store := newInMemoryLocker(t)
	ctx := context.Background()

	held, ok, _ := l.Handle("lock:stock").TryAcquire(ctx, time.Minute)
	if !ok {
		t.Fatal("initial acquire failed")
	}
	start := time.Now()
	_, err := l.Handle("lock:stock").Acquire(ctx, time.Second, 50*time.Millisecond, 5*time.Millisecond)
	if !errors.Is(err, leaseerrors.ErrLockUnavailable) {
		t.Fatalf("expected ErrLockUnavailable, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected wrapped deadline, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond || elapsed > 500*time.Millisecond {
		t.Fatalf("acquire did not respect max wait: %v", elapsed)
	}
	if v, found, _ := store.Get(ctx, "lock:stock"); !found || v != held.Token {
		t.Fatalf("timed-out waiter disturbed the lock, got %q found %v", v, found)
	}
}

func TestAcquireHonoursCancellation(t *testing.T) {
	l, store := newInMemoryLocker(t)

	held, ok, _ := l.Handle("lock:stock").TryAcquire(context.Background(), time.Minute)
	if !ok {
		t.Fatal("initial acquire failed")
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := l.Handle("lock:stock").Acquire(ctx, time.Second, time.Minute, 5*time.Millisecond)
	if !errors.Is(err, leaseerrors.ErrLockUnavailable) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled ErrLockUnavailable, got %v", err)
	}
	if v, found, _ := store.Get(context.Background(), "lock:stock"); !found || v != held.Token {
		t.Fatalf("cancelled waiter disturbed the lock, got %q found %v", v, found)
	}
}

func TestAcquireWithoutWaitTriesOnce(t *testing.T) {
	l, _ := newInMemoryLocker(t)
	ctx := context.Background()

	if _, err := l.Handle("lock:stock").Acquire(ctx, time.Minute, 0, 0); err != nil {
		t.Fatalf("acquire free lock: %v", err)
	}
	start := time.Now()
	_, err := l.Handle("lock:stock").Acquire(ctx, time.Minute, 0, 0)
	if !errors.Is(err, leaseerrors.ErrLockUnavailable) {
		t.Fatalf("expected ErrLockUnavailable, got %v", err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Fatal("single attempt should not wait")
	}
}

func TestHandleRejectsSecondAcquire(t *testing.T) {
	l, _ := newInMemoryLocker(t)
	ctx := context.Background()

	h := l.Handle("lock:stock")
	if _, ok, _ := h.TryAcquire(ctx, time.Minute); !ok {
		t.Fatal("acquire failed")
	}
	if _, _, err := h.TryAcquire(ctx, time.Minute); !errors.Is(err, ErrAlreadyHeld) {
		t.Fatalf("expected ErrAlreadyHeld, got %v", err)
	}
	if _, _, err := l.Handle("lock:other").TryAcquire(ctx, 0); !errors.Is(err, leaseerrors.ErrInvalidLeaseTTL) {
		t.Fatalf("expected ErrInvalidLeaseTTL, got %v", err)
	}
}

func TestReleaseWakesWaiterThroughBus(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	l, _ := newInMemoryLocker(t, WithBus(bus), WithPollInterval(time.Minute))
	ctx := context.Background()

	holder := l.Handle("lock:stock")
	if _, ok, _ := holder.TryAcquire(ctx, time.Minute); !ok {
		t.Fatal("acquire failed")
	}
	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = holder.Release(ctx)
	}()

	start := time.Now()
	if _, err := l.Handle("lock:stock").Acquire(ctx, time.Minute, 5*time.Second, 0); err != nil {
		t.Fatalf("waiter acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("waiter was not woken by the release notification: %v", elapsed)
	}
	if bus.Metrics().Published == 0 {
		t.Fatal("release did not publish an unlock notification")
	}
}

func TestLeaseLossIsSignalled(t *testing.T) {
	sink := audit.NewInMemory()
	l, store := newInMemoryLocker(t, WithAudit(sink))
	ctx := context.Background()

	h := l.Handle("lock:stock", WithRenewInterval(30*time.Millisecond))
	if _, err := h.Acquire(ctx, 200*time.Millisecond, 0, 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := store.Set(ctx, "lock:stock", "intruder"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	select {
	case <-h.Lost():
	case <-time.After(time.Second):
		t.Fatal("lease loss was not signalled")
	}
	if !h.LeaseLost() {
		t.Fatal("LeaseLost should report true")
	}
	if ok, err := h.Release(ctx); err != nil || ok {
		t.Fatalf("release after loss: ok %v err %v", ok, err)
	}
	if v, _, _ := store.Get(ctx, "lock:stock"); v != "intruder" {
		t.Fatalf("release removed another owner's lock: %q", v)
	}
	l.Close()
	if sink.Count(audit.KindLeaseLost) != 1 {
		t.Fatalf("expected one lease_lost event, got %d", sink.Count(audit.KindLeaseLost))
	}
	if sink.Count(audit.KindReleaseFenced) != 1 {
		t.Fatalf("expected one release_fenced event, got %d", sink.Count(audit.KindReleaseFenced))
	}
}

func TestManualRenew(t *testing.T) {
	l, store := newInMemoryLocker(t)
	ctx := context.Background()

	h := l.Handle("lock:stock")
	first, ok, err := h.TryAcquire(ctx, 100*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("acquire: ok %v err %v", ok, err)
	}
	time.Sleep(60 * time.Millisecond)
	if ok, err := h.Renew(ctx); err != nil || !ok {
		t.Fatalf("renew: ok %v err %v", ok, err)
	}
	time.Sleep(60 * time.Millisecond)
	if v, found, _ := store.Get(ctx, "lock:stock"); !found || v != first.Token {
		t.Fatalf("renewed lease expired early, got %q found %v", v, found)
	}
	lease, _ := h.Lease()
	if !lease.ExpiresAt.After(first.ExpiresAt) {
		t.Fatal("renew did not move the expiry")
	}

	_ = store.Set(ctx, "lock:stock", "intruder")
	if ok, err := h.Renew(ctx); err != nil || ok {
		t.Fatalf("renew of a taken lock: ok %v err %v", ok, err)
	}
	if !h.LeaseLost() {
		t.Fatal("failed renew should mark the lease lost")
	}
}

func TestTokensAreUniquePerAcquisition(t *testing.T) {
	l, _ := newInMemoryLocker(t, WithProcessID("node-a"))
	ctx := context.Background()

	seen := make(map[string]struct{})
	h := l.Handle("lock:stock")
	for i := 0; i < 50; i++ {
		lease, ok, err := h.TryAcquire(ctx, time.Second)
		if err != nil || !ok {
			t.Fatalf("acquire %d: ok %v err %v", i, ok, err)
		}
		if !strings.HasPrefix(lease.Token, "node-a:") {
			t.Fatalf("token %q lacks process prefix", lease.Token)
		}
		if _, dup := seen[lease.Token]; dup {
			t.Fatalf("token %q reused", lease.Token)
		}
		seen[lease.Token] = struct{}{}
		if ok, _ := h.Release(ctx); !ok {
			t.Fatalf("release %d failed", i)
		}
	}
}

func TestAuditRecordsLifecycle(t *testing.T) {
	sink := audit.NewInMemory()
	l, _ := newInMemoryLocker(t, WithAudit(sink))
	ctx := context.Background()

	h := l.Handle("lock:stock")
	lease, _, _ := h.TryAcquire(ctx, time.Second)
	_, _ = h.ReleaseToken(ctx, lease.Token)
	_, _ = h.ReleaseToken(ctx, lease.Token)
	l.Close()

	events := sink.Events()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	want := []audit.Kind{audit.KindAcquired, audit.KindReleased, audit.KindReleaseFenced}
	for i, evt := range events {
		if evt.Kind != want[i] || evt.Key != "lock:stock" || evt.Token != lease.Token {
			t.Fatalf("event %d: %+v", i, evt)
		}
	}
}

func TestDistinctLockersDoNotShareProcessID(t *testing.T) {
	a, _ := newInMemoryLocker(t)
	b, _ := newInMemoryLocker(t)
	if a.ProcessID() == "" || a.ProcessID() == b.ProcessID() {
		t.Fatalf("process ids %q and %q", a.ProcessID(), b.ProcessID())
	}
}

// lateReplyStore applies SetIfAbsent but only answers once the caller's
// context is done, like a store whose reply arrives after the deadline.
type lateReplyStore struct {
	kv.Store
}

func (s lateReplyStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if _, err := s.Store.SetIfAbsent(context.WithoutCancel(ctx), key, value, ttl); err != nil {
		return false, err
	}
	<-ctx.Done()
	return false, ctx.Err()
}

func TestAcquireDeadlineDuringWriteLeavesNoEntry(t *testing.T) {
	store := kv.NewInMemory()
	l := New(lateReplyStore{store})
	defer l.Close()

	_, err := l.Handle("lock:stock").Acquire(context.Background(), time.Minute, 50*time.Millisecond, 0)
	if !errors.Is(err, leaseerrors.ErrLockUnavailable) {
		t.Fatalf("expected ErrLockUnavailable, got %v", err)
	}
	if v, found, _ := store.Get(context.Background(), "lock:stock"); found {
		t.Fatalf("timed-out acquire left %q in the store", v)
	}
	other := New(store)
	defer other.Close()
	if _, ok, err := other.Handle("lock:stock").TryAcquire(context.Background(), time.Second); err != nil || !ok {
		t.Fatalf("lock should be free: ok %v err %v", ok, err)
	}
}

func TestTryAcquireCancelledDuringWriteLeavesNoEntry(t *testing.T) {
	store := kv.NewInMemory()
	l := New(lateReplyStore{store})
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, ok, err := l.Handle("lock:stock").TryAcquire(ctx, time.Minute)
	if ok || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got ok %v err %v", ok, err)
	}
	if v, found, _ := store.Get(context.Background(), "lock:stock"); found {
		t.Fatalf("cancelled acquire left %q in the store", v)
	}
}

type slowSink struct {
	delay time.Duration
	inner *audit.InMemory
}

func (s slowSink) Record(ctx context.Context, evt audit.Event) error {
	time.Sleep(s.delay)
	return s.inner.Record(ctx, evt)
}

func TestSlowAuditSinkDoesNotDelayLock(t *testing.T) {
	inner := audit.NewInMemory()
	l, _ := newInMemoryLocker(t, WithAudit(slowSink{delay: 300 * time.Millisecond, inner: inner}))
	ctx := context.Background()

	h := l.Handle("lock:stock")
	start := time.Now()
	if _, ok, err := h.TryAcquire(ctx, time.Second); err != nil || !ok {
		t.Fatalf("acquire: ok %v err %v", ok, err)
	}
	if ok, err := h.Release(ctx); err != nil || !ok {
		t.Fatalf("release: ok %v err %v", ok, err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("lock operations waited on the audit sink: %v", elapsed)
	}

	l.Close()
	if inner.Count(audit.KindAcquired) != 1 || inner.Count(audit.KindReleased) != 1 {
		t.Fatalf("audit events lost: %+v", inner.Events())
	}
}
