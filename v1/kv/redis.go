package kv

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var compareAndSetScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    if tonumber(ARGV[3]) > 0 then
        redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
    else
        redis.call("SET", KEYS[1], ARGV[2])
    end
    return 1
else
    return 0
end
`)

// Redis implements Store using a Redis backend.
type Redis struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// RedisOption configures a Redis store.
type RedisOption func(*redisOptions)

type redisOptions struct {
	timeout time.Duration
}

// WithTimeout sets the per-operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisOptions) {
		o.timeout = d
	}
}

// NewRedis returns a Redis store using the provided client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	o := redisOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Redis{client: client, timeout: o.timeout}
}

// translate maps transport failures onto the store error taxonomy. Caller
// cancellation is returned untouched.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, context.Canceled):
		return err
	case stdErrors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", leaseerrors.ErrStoreUnavailable, leaseerrors.ErrTimeout)
	case stdErrors.Is(err, redis.ErrClosed):
		return fmt.Errorf("%w: %w", leaseerrors.ErrStoreUnavailable, leaseerrors.ErrConnectionClosed)
	default:
		return fmt.Errorf("%w: %w", leaseerrors.ErrStoreUnavailable, err)
	}
}

func (s *Redis) opContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, translate(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return cctx, cancel, nil
}

// SetIfAbsent implements Store.SetIfAbsent with SET NX PX.
func (s *Redis) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	if ttl < 0 {
		ttl = 0
	}
	ok, err := s.client.SetNX(cctx, key, value, ttl).Result()
	if err != nil {
		return false, translate(err)
	}
	return ok, nil
}

// Get implements Store.Get.
func (s *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return "", false, err
	}
	defer cancel()
	v, err := s.client.Get(cctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, translate(err)
	}
	return v, true, nil
}

// Set implements Store.Set.
func (s *Redis) Set(ctx context.Context, key, value string) error {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return translate(s.client.Set(cctx, key, value, 0).Err())
}

// CompareAndDelete implements Store.CompareAndDelete with a Lua script so the
// comparison and the delete happen in one server-side step.
func (s *Redis) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := compareAndDeleteScript.Run(cctx, s.client, []string{key}, expected).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, translate(err)
	}
	return n == 1, nil
}

// pxMillis converts ttl for PX. Positive sub-millisecond TTLs round up to
// 1ms; zero or negative means no expiry.
func pxMillis(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return max(1, ttl.Milliseconds())
}

// CompareAndSet implements Store.CompareAndSet with a Lua script.
func (s *Redis) CompareAndSet(ctx context.Context, key, expected, newValue string, ttl time.Duration) (bool, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := compareAndSetScript.Run(cctx, s.client, []string{key}, expected, newValue, pxMillis(ttl)).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, translate(err)
	}
	return n == 1, nil
}
