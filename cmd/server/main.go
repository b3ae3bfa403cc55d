package main

import (
	"context"
	"flag"
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

	"github.com/harbor/marks-engine/internal/api"
	"github.com/harbor/marks-engine/internal/config"
	"github.com/harbor/marks-engine/internal/ingest"
	"github.com/harbor/marks-engine/internal/leaderboard"
	"github.com/harbor/marks-engine/internal/ledger"
	"github.com/harbor/marks-engine/internal/metrics"
	"github.com/harbor/marks-engine/internal/rules"
	"github.com/harbor/marks-engine/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("MARKS_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Initialize store ---
	// st serves reads; ledgerStore backs the processor and registry, which
	// read-modify-write and must never see a cached copy.
	var st, ledgerStore store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			slog.Error("schema setup failed", "err", err)
			os.Exit(1)
		}
		st, ledgerStore = pg, pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			cached := store.NewCachedStore(pg, rdb, cfg.CacheTTL)
			st, ledgerStore = cached, cached.Direct()
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		mem := store.NewMemoryStore()
		st, ledgerStore = mem, mem
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Accrual rules ---
	registry := rules.NewRegistry(ledgerStore, cfg.GenesisWindow())
	overrides, err := cfg.RuleOverrides()
	if err != nil {
		slog.Error("invalid rule overrides", "err", err)
		os.Exit(1)
	}
	for _, rule := range overrides {
		if _, err := registry.Override(ctx, rule); err != nil {
			slog.Error("rule override failed", "key", rule.Key, "err", err)
			os.Exit(1)
		}
		slog.Info("rule override installed", "key", rule.Key, "type", rule.ContractType)
	}

	// --- Event processor ---
	processor := ledger.NewProcessor(ledgerStore, registry, cfg.Shards)

	// --- Leaderboard ---
	cache := leaderboard.NewSnapshotCache(leaderboard.NewLoader(st, registry), cfg.Known(),
		leaderboard.Options{TTL: cfg.LeaderboardTTL})
	refresher, err := leaderboard.NewRefresher(ctx, cache, cfg.LeaderboardRefresh)
	if err != nil {
		slog.Error("invalid leaderboard_refresh schedule", "schedule", cfg.LeaderboardRefresh, "err", err)
		os.Exit(1)
	}
	refresher.Start()

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)

	// --- API service ---
	svc := api.NewService(st, registry, processor, cache, wsHub)

	// --- NATS ingestion ---
	var sub *ingest.Subscriber
	if cfg.NatsURL != "" {
		nc, js, err := ingest.ConnectNATS(cfg.NatsURL)
		if err != nil {
			slog.Error("NATS connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, nc.Close)

		streamCfg := ingest.StreamConfig{
			Stream:   cfg.NatsStream,
			Subject:  cfg.NatsSubject,
			Consumer: cfg.NatsConsumer,
		}
		if err := ingest.EnsureStream(ctx, js, streamCfg); err != nil {
			slog.Error("stream setup failed", "err", err)
			os.Exit(1)
		}

		events := make(chan ingest.RawEvent, 256)
		sub = ingest.NewSubscriber(js, events)
		if err := sub.Subscribe(ctx, streamCfg); err != nil {
			slog.Error("subscribe failed", "err", err)
			os.Exit(1)
		}
		go ingest.Consume(ctx, processor, events)
	} else {
		slog.Warn("NATS_URL not set, events are accepted over HTTP only")
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"marks-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// The WebSocket route must not sit behind the request timeout.
		r.Get("/ws", wsHub.HandleWS)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Routes(r, nil)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("marks-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down marks-engine...")
	if sub != nil {
		sub.Stop()
	}
	refresher.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	stop()
	fmt.Println("marks-engine stopped")
}
