package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"cohort-engine/internal/config"
	"cohort-engine/internal/coord"
	"cohort-engine/internal/logging"
	"cohort-engine/internal/warehouse"
)

const connectTimeout = 2 * time.Minute

// withRetry retries op with exponential backoff until it succeeds,
// connectTimeout passes or ctx is done.
func withRetry(ctx context.Context, logger *logging.Logger, what string, op func() error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 500 * time.Millisecond
	exp.MaxInterval = 15 * time.Second
	exp.MaxElapsedTime = connectTimeout

	notify := func(err error, next time.Duration) {
		logger.Warn("connection attempt failed", "target", what, "retry_in", next, "error", err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(exp, ctx), notify); err != nil {
		return fmt.Errorf("connect to %s: %w", what, err)
	}
	return nil
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection")

	poolConfig, err := pgxpool.ParseConfig(cfg.PostgresDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	var pool *pgxpool.Pool
	err = withRetry(ctx, logger, "postgres", func() error {
		p, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create connection pool: %w", err))
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return fmt.Errorf("failed to ping database: %w", err)
		}
		pool = p
		return nil
	})
	return pool, err
}

func initWarehouse(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*warehouse.Store, error) {
	wh, err := warehouse.Open(warehouse.Config{Driver: cfg.Warehouse.Driver, DSN: cfg.Warehouse.DSN})
	if err != nil {
		return nil, err
	}
	if err := withRetry(ctx, logger, "warehouse", func() error { return wh.Ping(ctx) }); err != nil {
		wh.Close()
		return nil, err
	}
	return wh, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*redis.Client, error) {
	var client *redis.Client
	err := withRetry(ctx, logger, "redis", func() error {
		c, err := coord.NewClient(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	return client, err
}
