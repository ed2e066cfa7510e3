package runner

import (
	"context"
	"fmt"
	"strconv"
	"time"

	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
	"github.com/mirkobrombin/go-lease/v1/kv"
)

// LockKey returns the lock key guarding resource.
func LockKey(resource string) string {
	return "lock:" + resource
}

// InitStock sets the stock counter of resource to n, without locking.
func (r *Runner) InitStock(ctx context.Context, resource string, n int64) error {
	if err := r.store.Set(ctx, resource, strconv.FormatInt(n, 10)); err != nil {
		return fmt.Errorf("init stock %s: %w", resource, err)
	}
	return nil
}

// Stock reads the current stock counter of resource. A missing counter reads
// as zero.
func (r *Runner) Stock(ctx context.Context, resource string) (int64, error) {
	return readStock(ctx, r.store, resource)
}

// DeductStock returns a BusinessFunc that takes one unit from resource. It
// must run under the resource's lock.
func DeductStock(resource string) BusinessFunc {
	return func(ctx context.Context, store kv.Store) (int64, error) {
		n, err := readStock(ctx, store, resource)
		if err != nil {
			return 0, err
		}
		if n <= 0 {
			return 0, leaseerrors.ErrInsufficientInventory
		}
		n--
		if err := store.Set(ctx, resource, strconv.FormatInt(n, 10)); err != nil {
			return 0, fmt.Errorf("write stock %s: %w", resource, err)
		}
		return n, nil
	}
}

// Deduct takes one unit from resource under the lock LockKey(resource).
func (r *Runner) Deduct(ctx context.Context, resource string, maxWait, leaseTTL time.Duration) Result {
	return r.Execute(ctx, LockKey(resource), maxWait, leaseTTL, DeductStock(resource))
}

func readStock(ctx context.Context, store kv.Store, resource string) (int64, error) {
	v, ok, err := store.Get(ctx, resource)
	if err != nil {
		return 0, fmt.Errorf("read stock %s: %w", resource, err)
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse stock %s: %w", resource, err)
	}
	return n, nil
}
