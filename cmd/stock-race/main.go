package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-lease/v1/presets"
	"github.com/mirkobrombin/go-lease/v1/runner"
)

func main() {
	stock := flag.Int64("stock", 20, "Initial stock")
	buyers := flag.Int("buyers", 25, "Concurrent buyers")
	ttl := flag.Duration("ttl", time.Second, "Lease TTL")
	maxWait := flag.Duration("max-wait", 2*time.Second, "Max wait for the lock")
	redisAddr := flag.String("redis", os.Getenv("LEASE_REDIS_ADDR"), "Redis address (empty runs in-memory)")
	trace := flag.Bool("trace", false, "Print OpenTelemetry spans to stdout")
	flag.Parse()

	ctx := context.Background()
	if *trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatal(err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(ctx) }()
		otel.SetTracerProvider(tp)
	}

	var stack *presets.Stack
	if *redisAddr != "" {
		stack = presets.NewRedis(presets.RedisOptions{Addr: *redisAddr})
	} else {
		stack = presets.NewInMemoryStandalone()
	}
	defer stack.Close()

	if err := stack.Runner.InitStock(ctx, "stock", *stock); err != nil {
		log.Fatalf("init stock: %v", err)
	}

	var mu sync.Mutex
	counts := make(map[runner.Status]int)
	var deducted []int64

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *buyers; i++ {
		g.Go(func() error {
			res := stack.Runner.Deduct(gctx, "stock", *maxWait, *ttl)
			mu.Lock()
			defer mu.Unlock()
			counts[res.Status]++
			switch res.Status {
			case runner.StatusSuccess:
				deducted = append(deducted, res.Count)
			case runner.StatusInsufficientInventory, runner.StatusLockUnavailable:
			default:
				return fmt.Errorf("buyer %d: %s: %w", i, res.Status, res.Err)
			}
			if res.LeaseLost {
				log.Printf("buyer %d: lease lost during deduction", i)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("race aborted: %v", err)
	}

	sort.Slice(deducted, func(i, j int) bool { return deducted[i] > deducted[j] })
	final, err := stack.Runner.Stock(ctx, "stock")
	if err != nil {
		log.Fatalf("read stock: %v", err)
	}
	fmt.Printf("buyers=%d elapsed=%v\n", *buyers, time.Since(start).Round(time.Millisecond))
	fmt.Printf("success=%d insufficient=%d lock_unavailable=%d final_stock=%d\n",
		counts[runner.StatusSuccess], counts[runner.StatusInsufficientInventory], counts[runner.StatusLockUnavailable], final)
	fmt.Printf("counts=%v\n", deducted)
}
