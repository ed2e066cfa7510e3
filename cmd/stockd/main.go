package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mirkobrombin/go-lease/v1/audit"
	"github.com/mirkobrombin/go-lease/v1/metrics"
	"github.com/mirkobrombin/go-lease/v1/presets"
	"github.com/mirkobrombin/go-lease/v1/runner"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	httpAddr := flag.String("http", envOr("LEASE_HTTP_ADDR", ":8080"), "HTTP listen address")
	respAddr := flag.String("resp", envOr("LEASE_RESP_ADDR", ""), "RESP listen address (empty disables)")
	redisAddr := flag.String("redis", envOr("LEASE_REDIS_ADDR", ""), "Redis address (empty runs in-memory)")
	natsURL := flag.String("nats", envOr("LEASE_NATS_URL", ""), "NATS URL for unlock notifications (defaults to Redis pub/sub)")
	kafkaBrokers := flag.String("kafka", envOr("LEASE_KAFKA_BROKERS", ""), "Comma-separated Kafka brokers for the lease audit log")
	kafkaTopic := flag.String("kafka-topic", audit.DefaultTopic, "Kafka audit topic")
	resource := flag.String("resource", "stock", "Inventory key")
	initial := flag.Int64("init", 20, "Stock set by /api/initStock")
	ttl := flag.Duration("ttl", 30*time.Second, "Lease TTL")
	maxWait := flag.Duration("max-wait", 0, "Max wait for the lock (0 fails fast with 'lock busy')")
	autoRenew := flag.Bool("auto-renew", true, "Renew leases while the deduction runs")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	sinks := audit.Multi{audit.NewLogger(logger)}
	if *kafkaBrokers != "" {
		ks, err := audit.NewKafkaSink(strings.Split(*kafkaBrokers, ","), nil, *kafkaTopic)
		if err != nil {
			log.Fatalf("kafka audit sink: %v", err)
		}
		defer ks.Close()
		sinks = append(sinks, ks)
	}

	ropts := []runner.Option{runner.WithAutoRenew(*autoRenew)}
	var stack *presets.Stack
	switch {
	case *redisAddr == "":
		stack = presets.NewInMemory(presets.InMemoryOptions{Logger: logger, Audit: sinks}, ropts...)
	case *natsURL != "":
		nc, err := nats.Connect(*natsURL)
		if err != nil {
			log.Fatalf("nats connect: %v", err)
		}
		defer nc.Close()
		stack = presets.NewRedisWithNATS(presets.RedisOptions{
			Addr: *redisAddr, BreakerThreshold: 5, Logger: logger, Audit: sinks,
		}, nc, ropts...)
	default:
		stack = presets.NewRedis(presets.RedisOptions{
			Addr: *redisAddr, BreakerThreshold: 5, Logger: logger, Audit: sinks,
		}, ropts...)
	}
	defer stack.Close()

	svc := &service{
		runner:   stack.Runner,
		resource: *resource,
		initial:  *initial,
		ttl:      *ttl,
		maxWait:  *maxWait,
	}

	reg := metrics.NewRegistry()
	metrics.RegisterMetrics(reg)
	mux := svc.routes()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *respAddr != "" {
		ln, err := net.Listen("tcp", *respAddr)
		if err != nil {
			log.Fatalf("failed to listen: %v", err)
		}
		defer ln.Close()
		logger.Info("stockd RESP listening", "addr", *respAddr)
		go svc.serveRESP(ctx, ln)
	}

	srv := &http.Server{Addr: *httpAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	logger.Info("stockd listening", "addr", *httpAddr, "resource", *resource, "redis", *redisAddr != "")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http: %v", err)
	}
}
