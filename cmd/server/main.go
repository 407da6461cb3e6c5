package main

import (
	"context"
	"database/sql"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zonekit/zonecore/internal/adapter/bus"
	"github.com/zonekit/zonecore/internal/adapter/handler"
	"github.com/zonekit/zonecore/internal/adapter/storage"
	"github.com/zonekit/zonecore/internal/config"
	"github.com/zonekit/zonecore/internal/core/breaker"
	"github.com/zonekit/zonecore/internal/core/cache"
	"github.com/zonekit/zonecore/internal/core/ratelimit"
	"github.com/zonekit/zonecore/internal/core/service"
	"github.com/zonekit/zonecore/internal/core/store"
	"github.com/zonekit/zonecore/internal/observability"
	"github.com/zonekit/zonecore/internal/port"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config error", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to set up tracing", zap.Error(err))
	}

	// One Redis client serves both the storage backend and the invalidation
	// bus when either is configured.
	var rdb *redis.Client
	if cfg.StorageBackend == config.BackendRedis || cfg.InvalidationBus == config.BusRedis {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			PoolSize: 100,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect redis", zap.Error(err))
		}
		logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
	}

	var db *sql.DB
	var backend port.ConditionalStore
	switch cfg.StorageBackend {
	case config.BackendMySQL:
		db, err = sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			logger.Fatal("failed to connect mysql", zap.Error(err))
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("failed to ping mysql", zap.Error(err))
		}
		backend = storage.NewMySQLStore(db)
		logger.Info("connected to mysql")
	case config.BackendRedis:
		backend = storage.NewRedisStore(rdb)
	default:
		backend = storage.NewMemoryStore()
		logger.Info("using in-memory storage")
	}

	var eventBus port.InvalidationBus
	if cfg.InvalidationBus == config.BusRedis {
		eventBus = bus.NewRedisBus(rdb, "", logger)
	} else {
		eventBus = bus.NewChannelBus(cfg.BusBuffer, logger)
	}

	limiter, err := ratelimit.NewLimiter(ratelimit.Config{
		Capacity:     cfg.RateCapacity,
		RefillPerSec: cfg.RateRefillPerSec,
		IdleTTL:      cfg.RateIdleTTL,
		CleanupEvery: 2 * time.Minute,
	}, logger)
	if err != nil {
		logger.Fatal("failed to create rate limiter", zap.Error(err))
	}

	breakers, err := breaker.NewRegistry(breaker.Config{
		Threshold: uint32(cfg.BreakerThreshold),
		Timeout:   cfg.BreakerTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("failed to create circuit breakers", zap.Error(err))
	}

	readCache, err := cache.NewStore(cache.Config{
		DefaultTTL:   cfg.CacheTTL,
		StaleFor:     cfg.CacheStaleFor,
		CleanupEvery: time.Minute,
	}, logger)
	if err != nil {
		logger.Fatal("failed to create cache", zap.Error(err))
	}

	zoneStore, err := store.NewZoneStore(backend, store.RetryPolicy{
		MaxAttempts:  cfg.RetryMaxAttempts,
		BaseDelay:    cfg.RetryBaseDelay,
		JitterFactor: cfg.RetryJitter,
	}, logger)
	if err != nil {
		logger.Fatal("failed to create zone store", zap.Error(err))
	}

	coordinator, err := service.NewCoordinator(service.Config{
		NodeID:    cfg.NodeID,
		CacheTTL:  cfg.CacheTTL,
		OpTimeout: cfg.OpTimeout,
	}, service.Dependencies{
		Limiter:  limiter,
		Breakers: breakers,
		Store:    zoneStore,
		Cache:    readCache,
		Bus:      eventBus,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("failed to create coordinator", zap.Error(err))
	}
	logger.Info("coordinator ready", zap.String("node_id", coordinator.NodeID()))

	limiter.StartJanitor(ctx)
	readCache.StartJanitor(ctx)

	// The invalidation worker outlives the signal context so remote events
	// still land while in-flight requests drain.
	workerCtx, stopWorker := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := coordinator.RunInvalidationWorker(workerCtx); err != nil {
			logger.Error("invalidation worker exited", zap.Error(err))
		}
	}()

	httpHandler := handler.NewHTTPHandler(coordinator, logger)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", httpHandler.HealthCheck)
	mux.HandleFunc("/api/inventory/read", httpHandler.Read)
	mux.HandleFunc("/api/inventory/update", httpHandler.Update)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	logger.Info("HTTP server stopped")

	stopWorker()
	wg.Wait()
	logger.Info("invalidation worker stopped")

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := shutdownTracing(flushCtx); err != nil {
		logger.Warn("trace flush failed", zap.Error(err))
	}

	if rdb != nil {
		rdb.Close()
	}
	if db != nil {
		db.Close()
	}
	logger.Info("connections closed")
}
