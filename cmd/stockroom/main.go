package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/stockroom/stockroom/internal/app"
	"github.com/stockroom/stockroom/internal/catalog"
	"github.com/stockroom/stockroom/internal/inventory"
	"github.com/stockroom/stockroom/internal/observability"
	"github.com/stockroom/stockroom/internal/platform/cache"
	"github.com/stockroom/stockroom/internal/platform/db"
	"github.com/stockroom/stockroom/internal/rbac"
	"github.com/stockroom/stockroom/internal/sales"
	"github.com/stockroom/stockroom/internal/shared"
	"github.com/stockroom/stockroom/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN, db.PoolConfig{MaxConns: cfg.PGMaxConns, MaxConnLifetime: cfg.PGMaxConnLife})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	var redisClient *redis.Client
	if cfg.CacheEnabled {
		redisClient, err = cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Warn("redis unavailable, serving without read cache", slog.Any("error", err))
		} else {
			defer func() {
				if err := redisClient.Close(); err != nil {
					logger.Warn("redis close", slog.Any("error", err))
				}
			}()
		}
	}
	var stockCache inventory.CachePort
	if redisClient != nil {
		stockCache = cache.NewVersioned(redisClient, "stockroom", cfg.CacheTTL)
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)
	metrics := observability.NewMetrics()

	rbacService := rbac.NewService(dbpool)
	if err := rbacService.SyncPermissions(ctx, shared.AllScopes()); err != nil {
		logger.Error("sync permissions", slog.Any("error", err))
		os.Exit(1)
	}
	rbacMiddleware := rbac.Middleware{Service: rbacService, Logger: logger}

	inventoryService := inventory.NewService(inventory.NewRepository(dbpool), auditLogger, stockCache, metrics, logger, inventory.ServiceConfig{
		ConflictRetries: cfg.StockConflictRetries,
		OnAlerts: func(ctx context.Context, alerts []inventory.StockAlert) {
			enqueueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if _, err := jobClient.EnqueueAlertNotify(enqueueCtx, cfg.AlertSweepBatch); err != nil && !errors.Is(err, asynq.ErrDuplicateTask) {
				logger.Warn("enqueue alert sweep", slog.Int("alerts", len(alerts)), slog.Any("error", err))
			}
		},
	})
	salesService := sales.NewService(sales.NewRepository(dbpool), inventoryService, idempotencyStore, auditLogger, metrics, logger, sales.ServiceConfig{
		ConflictRetries: cfg.StockConflictRetries,
	})
	catalogService := catalog.NewService(catalog.NewRepository(dbpool), inventoryService, auditLogger, logger, catalog.ServiceConfig{
		ConflictRetries: cfg.StockConflictRetries,
	})

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		RBACMiddleware:   rbacMiddleware,
		InventoryHandler: inventory.NewHandler(logger, inventoryService, rbacMiddleware),
		SalesHandler:     sales.NewHandler(logger, salesService, rbacMiddleware),
		CatalogHandler:   catalog.NewHandler(logger, catalogService, rbacMiddleware),
		JobHandler:       jobs.NewHandler(inspector, logger),
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
