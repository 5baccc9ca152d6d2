// ChatDF API Gateway Service
//
// This is the process entry point: it loads configuration, builds every
// component the conversational analytics backend depends on, and wires
// them into an HTTP server.
//
// ARCHITECTURE ROLE:
// - API Gateway: serves the REST and WebSocket surface for the frontend
// - Query Engine Front: fronts the DuckDB-backed query engine with a
//   bounded worker pool and a two-tier result cache
// - Orchestrator Host: runs the chat orchestration loop per conversation
// - Rate Limit Accountant: enforces per-user token budgets
//
// STARTUP SEQUENCE:
// 1. Load configuration from environment variables / config file
// 2. Initialize structured logging with appropriate levels
// 3. Connect to PostgreSQL, run migrations
// 4. Build the query-result cache chain (memory + persistent two-tier)
// 5. Build the file cache, DNS resolver, and query engine
// 6. Build the worker pool fronting the query engine
// 7. Build the rate limit accountant, dataset catalog, auth service
// 8. Build the WebSocket hub (optionally fanning out through Redis)
// 9. Build the chat orchestrator
// 10. Assemble the HTTP router and start serving
// 11. Register graceful shutdown handling
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/dnscache"

	"chatdf/backend/internal/auth"
	"chatdf/backend/internal/cache"
	"chatdf/backend/internal/config"
	"chatdf/backend/internal/database"
	"chatdf/backend/internal/datasets"
	"chatdf/backend/internal/filecache"
	"chatdf/backend/internal/httpapi"
	"chatdf/backend/internal/orchestrator"
	"chatdf/backend/internal/queryengine"
	"chatdf/backend/internal/ratelimit"
	"chatdf/backend/internal/workerpool"
	"chatdf/backend/internal/wsconn"
)

func main() {
	// PHASE 1: CONFIGURATION AND LOGGING SETUP
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load configuration:", err)
	}

	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if cfg.Server.Environment == "development" {
		opts.Level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, opts)))

	// PHASE 2: DATABASE CONNECTION AND MIGRATIONS
	slog.Info("connecting to postgres database")
	db, err := database.NewConnection(cfg)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		log.Fatal("database connection required:", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		slog.Error("database migration failed", "error", err)
		log.Fatal(err)
	}
	slog.Info("database ready")

	// PHASE 3: QUERY RESULT CACHE (two-tier: in-process + Postgres)
	memCache, err := cache.NewMemoryCache(10_000)
	if err != nil {
		slog.Error("failed to build memory cache", "error", err)
		log.Fatal(err)
	}
	persistentCache := cache.NewPersistentCache(
		db.DB,
		time.Duration(cfg.Cache.PersistentTTLSeconds)*time.Second,
		cfg.Cache.MaxPersistentCacheSize,
	)
	resultCache := cache.NewTwoTier(memCache, persistentCache)

	// PHASE 4: FILE CACHE, DNS RESOLVER, QUERY ENGINE
	filesCache, err := filecache.New(
		cfg.Cache.CacheDir,
		cfg.Cache.MaxCacheBytes,
		cfg.Cache.MaxFileBytes,
		time.Duration(cfg.Cache.StaleTempMaxAgeSeconds)*time.Second,
	)
	if err != nil {
		slog.Error("failed to build file cache", "error", err)
		log.Fatal(err)
	}

	resolver := &dnscache.Resolver{}

	engine, err := queryengine.New(filesCache, resolver, cfg.WorkerPool.AllowPrivateURLs)
	if err != nil {
		slog.Error("failed to build query engine", "error", err)
		log.Fatal(err)
	}

	// PHASE 5: WORKER POOL
	pool := workerpool.New(workerpool.Config{
		PoolSize:         cfg.WorkerPool.DefaultPoolSize,
		MaxTasksPerChild: cfg.WorkerPool.MaxTasksPerChild,
		ValidateTimeout:  cfg.WorkerPool.ValidateTimeout,
		SchemaTimeout:    cfg.WorkerPool.SchemaTimeout,
		ProfileTimeout:   cfg.WorkerPool.ProfileTimeout,
		QueryTimeout:     cfg.WorkerPool.QueryTimeout,
		ResultCacheTTL:   time.Duration(cfg.Cache.PersistentTTLSeconds) * time.Second,
	}, engine, resultCache)
	defer pool.Shutdown()

	// PHASE 6: RATE LIMIT ACCOUNTANT, DATASET CATALOG, AUTH SERVICE
	accountant, err := ratelimit.New(db.DB, cfg.RateLimit.TokenLimit)
	if err != nil {
		slog.Error("failed to build rate limit accountant", "error", err)
		log.Fatal(err)
	}

	catalog := datasets.New(db, pool, cfg.Dataset.UploadDir)
	authService := auth.NewService(db)

	// PHASE 7: WEBSOCKET HUB
	// Redis fanout is optional: a single-process deployment runs with a
	// nil client and delivers events locally only.
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisAddr := cfg.Redis.URL
		if len(redisAddr) > 8 && redisAddr[:8] == "redis://" {
			redisAddr = redisAddr[8:]
		}
		redisClient = redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			slog.Warn("redis unavailable, websocket hub will run single-process", "error", err)
			redisClient.Close()
			redisClient = nil
		} else {
			slog.Info("redis connection established for websocket fanout", "addr", redisAddr)
		}
		pingCancel()
	}

	hub := wsconn.NewHub(redisClient)
	hubCtx, stopHub := context.WithCancel(context.Background())
	go hub.Run(hubCtx)

	// PHASE 8: CHAT ORCHESTRATOR
	engineOrch := orchestrator.New(db, accountant, catalog, pool, hub, cfg.Orchestrator, cfg.LLM)

	// PHASE 9: HTTP ROUTER
	router := httpapi.NewRouter(&httpapi.Deps{
		DB:           db,
		Auth:         authService,
		Catalog:      catalog,
		Pool:         pool,
		Accountant:   accountant,
		Orchestrator: engineOrch,
		Hub:          hub,
		ResultCache:  resultCache,
		Dataset:      cfg.Dataset,
		Environment:  cfg.Server.Environment,
	})

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// PHASE 10: GRACEFUL SHUTDOWN
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c

		slog.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", "error", err)
		}

		stopHub()
		pool.Shutdown()

		if err := resultCache.Close(); err != nil {
			slog.Error("result cache close error", "error", err)
		}
		if redisClient != nil {
			redisClient.Close()
		}
		if err := db.Close(); err != nil {
			slog.Error("database close error", "error", err)
		}

		slog.Info("server shutdown complete")
		os.Exit(0)
	}()

	// PHASE 11: SERVER STARTUP
	slog.Info("starting chatdf api server", "address", addr, "environment", cfg.Server.Environment)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		pool.Shutdown()
		log.Fatal(err)
	}
}
