package presets

import (
	"log/slog"
	"time"

	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-lease/v1/audit"
	"github.com/mirkobrombin/go-lease/v1/kv"
	"github.com/mirkobrombin/go-lease/v1/lock"
	"github.com/mirkobrombin/go-lease/v1/runner"
	"github.com/mirkobrombin/go-lease/v1/syncbus"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	// OpTimeout bounds every store call. Zero keeps the store default.
	OpTimeout time.Duration
	// BreakerThreshold is the number of consecutive transport failures that
	// open the circuit breaker. Zero disables the breaker.
	BreakerThreshold int
	BreakerTimeout   time.Duration

	Logger *slog.Logger
	Audit  audit.Sink
}

// Stack bundles a wired store, bus, locker and runner.
type Stack struct {
	Store  kv.Store
	Bus    syncbus.Bus
	Locker *lock.Locker
	Runner *runner.Runner

	closers []func() error
}

// Close stops the locker's watchdog and closes the connections the preset
// opened. Held leases are left to expire.
func (s *Stack) Close() error {
	s.Locker.Close()
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func newStack(store kv.Store, bus syncbus.Bus, log *slog.Logger, sink audit.Sink, ropts []runner.Option) *Stack {
	lopts := []lock.Option{lock.WithBus(bus), lock.WithLogger(log), lock.WithAudit(sink)}
	l := lock.New(store, lopts...)
	ropts = append([]runner.Option{runner.WithLogger(log)}, ropts...)
	return &Stack{
		Store:  store,
		Bus:    bus,
		Locker: l,
		Runner: runner.New(l, store, ropts...),
	}
}

// InMemoryOptions configures an in-memory Stack.
type InMemoryOptions struct {
	Logger *slog.Logger
	Audit  audit.Sink
}

// NewInMemory creates a Stack that runs entirely in-memory, logging and
// auditing through opts.
func NewInMemory(opts InMemoryOptions, ropts ...runner.Option) *Stack {
	return newStack(kv.NewInMemory(), syncbus.NewInMemoryBus(), opts.Logger, opts.Audit, ropts)
}

// NewInMemoryStandalone creates a Stack that runs entirely in-memory with no
// external dependencies. Useful for local development and tests.
func NewInMemoryStandalone(opts ...runner.Option) *Stack {
	return NewInMemory(InMemoryOptions{}, opts...)
}

func (o RedisOptions) store(client redis.UniversalClient) kv.Store {
	var kvOpts []kv.RedisOption
	if o.OpTimeout > 0 {
		kvOpts = append(kvOpts, kv.WithTimeout(o.OpTimeout))
	}
	var store kv.Store = kv.NewRedis(client, kvOpts...)
	if o.BreakerThreshold > 0 {
		timeout := o.BreakerTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		store = kv.NewCircuitBreaker(store, o.BreakerThreshold, timeout)
	}
	return store
}

func (o RedisOptions) client() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     o.Addr,
		Password: o.Password,
		DB:       o.DB,
	})
}

// NewRedis creates a Stack using Redis as both the store and the unlock
// notification bus.
func NewRedis(opts RedisOptions, ropts ...runner.Option) *Stack {
	client := opts.client()
	bus := syncbus.NewRedisBus(client)
	s := newStack(opts.store(client), bus, opts.Logger, opts.Audit, ropts)
	s.closers = append(s.closers, client.Close, bus.Close)
	return s
}

// NewRedisWithNATS creates a Stack storing leases in Redis and carrying
// unlock notifications over NATS. The caller keeps ownership of conn.
func NewRedisWithNATS(opts RedisOptions, conn *nats.Conn, ropts ...runner.Option) *Stack {
	client := opts.client()
	s := newStack(opts.store(client), syncbus.NewNATSBus(conn), opts.Logger, opts.Audit, ropts)
	s.closers = append(s.closers, client.Close)
	return s
}
