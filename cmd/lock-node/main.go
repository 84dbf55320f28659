package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-warp-lock/v1/directory"
	"github.com/mirkobrombin/go-warp-lock/v1/gateway"
	natsgw "github.com/mirkobrombin/go-warp-lock/v1/gateway/nats"
	"github.com/mirkobrombin/go-warp-lock/v1/lockproxy"
	"github.com/mirkobrombin/go-warp-lock/v1/master"
	"github.com/mirkobrombin/go-warp-lock/v1/metrics"
)

type config struct {
	address        string
	natsURL        string
	arbiter        string
	redisAddr      string
	kafkaBrokers   string
	kafkaTopic     string
	masters        string
	port           int
	trace          bool
	stall          bool
	debug          bool
	requestTimeout time.Duration
	acquireTimeout time.Duration
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseFlags() config {
	var cfg config
	flag.StringVar(&cfg.address, "addr", envOr("WARP_NODE_ADDR", "node-"+uuid.NewString()[:8]), "Address of this node")
	flag.StringVar(&cfg.natsURL, "nats", envOr("WARP_NATS_URL", nats.DefaultURL), "NATS URL")
	flag.StringVar(&cfg.arbiter, "arbiter", envOr("WARP_ARBITER", "memory"), "memory or redis")
	flag.StringVar(&cfg.redisAddr, "redis-addr", envOr("WARP_REDIS_ADDR", "localhost:6379"), "Redis address (redis arbiter and directory)")
	flag.StringVar(&cfg.kafkaBrokers, "kafka-brokers", envOr("WARP_KAFKA_BROKERS", ""), "Comma-separated Kafka brokers for the lock journal")
	flag.StringVar(&cfg.kafkaTopic, "kafka-topic", envOr("WARP_KAFKA_TOPIC", "warp-lock-events"), "Kafka topic for the lock journal")
	flag.StringVar(&cfg.masters, "masters", envOr("WARP_MASTERS", ""), "Owner assignments (e.g. 42=node-2,7=node-1)")
	flag.IntVar(&cfg.port, "port", 8080, "HTTP port for /lock, /release and /metrics")
	flag.DurationVar(&cfg.requestTimeout, "request-timeout", 5*time.Second, "Timeout of lock requests sent to other nodes")
	flag.DurationVar(&cfg.acquireTimeout, "acquire-timeout", 4*time.Second, "Longest this node waits for a holder before refusing a lock request")
	flag.BoolVar(&cfg.trace, "trace", false, "Print OpenTelemetry spans to stdout")
	flag.BoolVar(&cfg.stall, "stall", false, "Leave failed acquisitions pending instead of failing waiters")
	flag.BoolVar(&cfg.debug, "debug", false, "Log lock state transitions")
	flag.Parse()
	return cfg
}

func parseMasters(s string) (map[uint64]string, error) {
	out := make(map[uint64]string)
	if s == "" {
		return out, nil
	}
	for _, pair := range strings.Split(s, ",") {
		id, addr, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return nil, fmt.Errorf("invalid master assignment %q", pair)
		}
		n, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid owner id %q: %w", id, err)
		}
		out[n] = addr
	}
	return out, nil
}

func main() {
	cfg := parseFlags()

	level := slog.LevelInfo
	if cfg.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg config, logger *slog.Logger) error {
	if cfg.trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return err
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	reg := metrics.NewRegistry()
	metrics.RegisterLockMetrics(reg)

	assignments, err := parseMasters(cfg.masters)
	if err != nil {
		return err
	}

	var (
		arbiter master.Arbiter
		dir     directory.Directory
	)
	switch cfg.arbiter {
	case "memory":
		arbiter = master.NewInMemory()
		dir = directory.NewStatic(assignments)
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.redisAddr})
		defer client.Close()
		arbiter = master.NewRedis(client)
		cached, err := directory.NewCached(directory.NewRedis(client, ""))
		if err != nil {
			return err
		}
		defer cached.Close()
		for id, addr := range assignments {
			if err := cached.Assign(ctx, id, addr); err != nil {
				return err
			}
		}
		dir = cached
	default:
		return fmt.Errorf("unknown arbiter %q", cfg.arbiter)
	}

	serverOpts := []master.ServerOption{master.WithServerLogger(logger), master.WithAcquireTimeout(cfg.acquireTimeout)}
	if cfg.kafkaBrokers != "" {
		journal, err := master.DialKafkaJournal(strings.Split(cfg.kafkaBrokers, ","), cfg.kafkaTopic, sarama.NewConfig())
		if err != nil {
			return err
		}
		defer journal.Close()
		serverOpts = append(serverOpts, master.WithJournal(journal))
	}
	srv := master.NewServer(arbiter, serverOpts...)

	resolver := master.NewResolver(srv)
	owners := make([]uint64, 0, len(assignments))
	for id := range assignments {
		owners = append(owners, id)
	}
	if err := resolver.ClaimFrom(ctx, dir, cfg.address, owners...); err != nil {
		return err
	}

	nc, err := nats.Connect(cfg.natsURL, nats.Name(cfg.address))
	if err != nil {
		return err
	}
	defer nc.Close()

	gwOpts := []natsgw.Option{natsgw.WithLogger(logger)}
	if cfg.trace {
		gwOpts = append(gwOpts, natsgw.WithTracing())
	}
	natsServer := natsgw.NewServer(nc, cfg.address, srv, gwOpts...)
	if err := natsServer.Start(); err != nil {
		return err
	}
	defer natsServer.Close()

	proxyOpts := []lockproxy.Option{lockproxy.WithLogger(logger)}
	if cfg.stall {
		proxyOpts = append(proxyOpts, lockproxy.WithFailurePolicy(lockproxy.Stall))
	}
	if cfg.trace {
		proxyOpts = append(proxyOpts, lockproxy.WithTracing())
	}
	clientOpts := append([]natsgw.Option{natsgw.WithRequestTimeout(cfg.requestTimeout)}, gwOpts...)
	cb := gateway.NewCircuitBreaker(natsgw.NewClient(nc, clientOpts...), 5, 5*time.Second)
	proxies := lockproxy.NewRegistry(cfg.address, dir, cb, resolver, proxyOpts...)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/lock", proxyHandler(proxies, func(ctx context.Context, p *lockproxy.Proxy) error { return p.Lock(ctx) }))
	mux.HandleFunc("/release", proxyHandler(proxies, func(ctx context.Context, p *lockproxy.Proxy) error { return p.Release(ctx) }))
	httpServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.port), Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("warp: lock node listening", "address", cfg.address, "port", cfg.port, "arbiter", cfg.arbiter)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func proxyHandler(proxies *lockproxy.Registry, op func(context.Context, *lockproxy.Proxy) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, err := strconv.ParseUint(r.URL.Query().Get("owner"), 10, 64)
		if err != nil {
			http.Error(w, "warp: invalid owner", http.StatusBadRequest)
			return
		}
		p, err := proxies.Get(r.Context(), owner)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		defer proxies.Put(owner)
		if err := op(r.Context(), p); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintf(w, "%s holds=%d\n", p.Status(), p.Holds())
	}
}
