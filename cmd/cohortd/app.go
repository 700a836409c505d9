package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"cohort-engine/internal/compiler"
	"cohort-engine/internal/config"
	"cohort-engine/internal/coord"
	"cohort-engine/internal/dispatch"
	"cohort-engine/internal/logging"
	"cohort-engine/internal/repository"
	"cohort-engine/internal/scheduler"
	"cohort-engine/internal/services"
	"cohort-engine/internal/telemetry"
	"cohort-engine/internal/warehouse"
)

// app is the wired engine shared by serve and run-once.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	db        *pgxpool.Pool
	store     *repository.PostgresCohortStore
	warehouse *warehouse.Store
	redis     *redis.Client
	pool      *dispatch.Pool
	scheduler *scheduler.Scheduler
}

func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	universe, err := compiler.ParseUniverse(cfg.Scheduler.Universe)
	if err != nil {
		return nil, err
	}
	metrics, err := telemetry.NewMetrics(otel.Meter("cohort-engine"))
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if a.db, err = initDatabase(ctx, cfg, logger); err != nil {
		return nil, err
	}
	logger.Info("Database connected")
	a.store = repository.NewPostgresCohortStore(a.db)

	if a.warehouse, err = initWarehouse(ctx, cfg, logger); err != nil {
		return nil, err
	}
	logger.Info("Warehouse connected", "driver", cfg.Warehouse.Driver)

	if a.redis, err = initRedis(ctx, cfg, logger); err != nil {
		return nil, err
	}
	logger.Info("Redis connected")

	s := cfg.Scheduler
	a.pool = dispatch.NewPool(s.Concurrency, s.JobTimeout)
	executor := services.NewComputationService(a.store, a.warehouse, logger.With("component", "computation"),
		services.WithUniverse(universe))

	a.scheduler = scheduler.New(scheduler.Config{
		Interval:       s.Interval,
		StaleThreshold: s.StaleThreshold,
		MaxErrors:      s.MaxErrors,
		Backoff:        s.BackoffPolicy(),
		GCEveryNCycles: s.GCEveryNCycles,
	}, scheduler.Deps{
		Store:    a.store,
		Executor: executor,
		Lock:     coord.NewRedisLock(a.redis, cfg.Redis.LockKey, s.LockTTL),
		Counter:  coord.NewRedisCounter(a.redis, cfg.Redis.CounterKey),
		Pool:     a.pool,
		Metrics:  metrics,
	}, logger.With("component", "scheduler"), nil)

	ok = true
	return a, nil
}

// Close releases every connection opened by newApp.
func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.warehouse != nil {
		_ = a.warehouse.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}
