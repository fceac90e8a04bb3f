package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tangy83/HandyConnect-sub003/internal/app/migrate"
	"github.com/tangy83/HandyConnect-sub003/internal/cache"
	httpx "github.com/tangy83/HandyConnect-sub003/internal/http"
	"github.com/tangy83/HandyConnect-sub003/internal/repository"
	"github.com/tangy83/HandyConnect-sub003/internal/repository/postgres"
	"github.com/tangy83/HandyConnect-sub003/internal/service/aggregate"
	"github.com/tangy83/HandyConnect-sub003/internal/service/collect"
	"github.com/tangy83/HandyConnect-sub003/internal/ws"
	"github.com/tangy83/HandyConnect-sub003/pkg/config"
	"github.com/tangy83/HandyConnect-sub003/pkg/logger"
)

func main() {
	cfg, err := config.LoadDashConfig()
	if err != nil {
		os.Stderr.WriteString("load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log := logger.New("dashcore", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rollups repository.RollupRepository
	var dbHealth func(context.Context) error
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
		if err != nil {
			log.Error("failed to configure migrations", "error", err)
			os.Exit(1)
		}
		defer runner.Close()
		if err := runner.Ping(ctx); err != nil {
			log.Error("database ping failed", "error", err)
			os.Exit(1)
		}
		if err := runner.Ensure(ctx); err != nil {
			log.Error("migrations failed", "error", err)
			os.Exit(1)
		}
		rollups = postgres.New(pool)
		dbHealth = pool.Ping
	} else {
		log.Warn("DATABASE_URL not set, rollups stay in memory only")
	}

	gens := aggregate.NewGenerations()
	views, err := cache.New(cfg.CacheCapacity, cfg.CacheTTL, gens, log)
	if err != nil {
		log.Error("failed to build view cache", "error", err)
		os.Exit(1)
	}

	registry := collect.NewRegistry()
	collector := collect.NewCollector(cfg.SourceTimeout, log)
	collector.Register(collect.NewRuntimeSource())
	collector.Register(registry)

	hub := ws.NewHub(ws.HubConfig{
		QueueCapacity: cfg.HubQueueCapacity,
		DropThreshold: cfg.HubDropThreshold,
		DropWindow:    cfg.HubDropWindow,
		IdleTimeout:   cfg.IdleTimeout,
	}, log)
	defer hub.Close()

	engine := aggregate.NewEngine(aggregate.Config{
		TickInterval:   cfg.TickInterval,
		FineCapacity:   cfg.FineCapacity,
		CoarseSpan:     cfg.CoarseSpan,
		CoarseCapacity: cfg.CoarseCapacity,
		HotSeries:      cfg.HotSeries,
	}, collector, gens, views, hub, rollups, log)
	go engine.Run(ctx)

	views.Preload(engine.PreloadKeys(), engine.BuildView)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, engine, views, hub, registry, rollups, limiter, cfg.FeedToken, cfg.PollMaxWait, cfg.PollMaxBatch, dbHealth)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("dashboard core starting", "addr", cfg.Addr, "tick_interval", cfg.TickInterval.String())
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("dashboard core stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
