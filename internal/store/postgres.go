// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

// Package store connects to PostgreSQL and owns the credential schema.
package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// Connection retry defaults.
const (
	DefaultConnectAttempts = 5
	DefaultConnectBackoff  = 200 * time.Millisecond
	maxConnectBackoff      = 5 * time.Second
)

// ConnectConfig controls how Connect retries an unreachable database.
type ConnectConfig struct {
	// Attempts is the total number of pings tried. Zero uses DefaultConnectAttempts.
	Attempts uint64
	// Backoff is the first exponential delay. Zero uses DefaultConnectBackoff.
	Backoff time.Duration
	Logger  *slog.Logger
}

// Connect opens a pool and pings it, retrying with exponential backoff
// while the server is unreachable. A malformed URL fails immediately.
func Connect(ctx context.Context, databaseURL string, cfg ConnectConfig) (*pgxpool.Pool, error) {
	if cfg.Attempts == 0 {
		cfg.Attempts = DefaultConnectAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultConnectBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, oops.Code("DB_CONFIG_INVALID").With("operation", "parse database url").Wrap(err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, oops.Code("DB_CONNECT_FAILED").With("operation", "create pool").Wrap(err)
	}

	backoff := retry.WithMaxRetries(cfg.Attempts-1,
		retry.WithCappedDuration(maxConnectBackoff, retry.NewExponential(cfg.Backoff)))

	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if pingErr := pool.Ping(ctx); pingErr != nil {
			cfg.Logger.Warn("database not reachable", "attempt", attempt, "error", pingErr)
			return retry.RetryableError(pingErr)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, oops.Code("DB_CONNECT_FAILED").
			With("operation", "ping database").
			With("attempts", attempt).
			Wrap(err)
	}

	cfg.Logger.Info("connected to database", "attempts", attempt)
	return pool, nil
}
