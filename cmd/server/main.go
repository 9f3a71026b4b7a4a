package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/kstore/settlement-core/internal/api"
	"github.com/kstore/settlement-core/internal/config"
	"github.com/kstore/settlement-core/internal/gateway"
	"github.com/kstore/settlement-core/internal/inventory"
	"github.com/kstore/settlement-core/internal/ledger"
	"github.com/kstore/settlement-core/internal/lock"
	"github.com/kstore/settlement-core/internal/metrics"
	"github.com/kstore/settlement-core/internal/notify"
	"github.com/kstore/settlement-core/internal/settlement"
	"github.com/kstore/settlement-core/internal/store"
	"github.com/kstore/settlement-core/internal/subscription"
	"github.com/kstore/settlement-core/internal/tracing"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Tracing ---
	if cfg.JaegerEndpoint != "" {
		shutdown, err := tracing.InitTracerProvider(cfg.ServiceName, cfg.JaegerEndpoint, cfg.TraceSampling)
		if err != nil {
			slog.Error("tracing init failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				slog.Error("tracer shutdown failed", "err", err)
			}
		})
	}

	// --- Redis (cache and/or distributed locks) ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	// --- Initialize store ---
	var st store.Store
	healthChecks := map[string]api.HealthCheck{}

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		healthChecks["postgres"] = pool.Ping
		slog.Info("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}
	if rdb != nil {
		healthChecks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	// --- Locks ---
	var locker lock.Locker
	if cfg.LockBackend == "redis" {
		locker = lock.NewRedisLocker(rdb, 30*time.Second, 10*time.Second)
		slog.Info("using Redis locks")
	} else {
		locker = lock.NewKeyedMutex()
	}

	// --- Notifications ---
	hub := notify.NewHub()
	sinks := notify.NewMulti().Add("log", notify.Log{}).Add("websocket", hub)
	if cfg.AMQPURL != "" {
		pub, err := notify.DialAMQP(cfg.AMQPURL)
		if err != nil {
			slog.Error("RabbitMQ connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { pub.Close() })
		sinks.Add("amqp", pub)
		healthChecks["amqp"] = func(context.Context) error {
			if !pub.IsHealthy() {
				return errors.New("connection closed")
			}
			return nil
		}
	}

	// --- Core ---
	subs := subscription.NewChecker(st)
	alloc := inventory.NewAllocator(st, locker)
	led := ledger.NewEngine(st, locker, subs, sinks)
	coord := settlement.NewCoordinator(st, locker, alloc, led, sinks).
		WithRetry(cfg.SettleAttempts, cfg.SettleBackoff)
	sweeper := inventory.NewSweeper(alloc, coord, cfg.ReservationTTL, cfg.SweepInterval)

	// --- HTTP router ---
	srv := api.NewServer(alloc, led, coord, subs, hub)
	for name, check := range healthChecks {
		srv.AddHealthCheck(name, check)
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for the store dashboards.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	srv.Routes(r)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Run ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })

	if len(cfg.KafkaBrokers) > 0 {
		consumer := gateway.NewConsumer(gateway.NewReader(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroup), coord)
		g.Go(func() error {
			defer consumer.Close()
			return consumer.Run(gctx)
		})
		slog.Info("consuming payment outcomes", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	g.Go(func() error {
		slog.Info("settlement-core listening", "port", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down settlement-core...")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("settlement-core stopped with error", "err", err)
		return
	}
	fmt.Println("settlement-core stopped")
}
