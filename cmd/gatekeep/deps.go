// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package main

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/gatekeep/gatekeep/internal/auth"
	"github.com/gatekeep/gatekeep/internal/auth/memory"
	"github.com/gatekeep/gatekeep/internal/observability"
	"github.com/gatekeep/gatekeep/internal/ratelimit"
	"github.com/gatekeep/gatekeep/internal/store"
)

// ServeDeps contains injectable dependencies for the serve command.
// All fields with nil values will use their default implementations.
type ServeDeps struct {
	// PoolConnector opens the PostgreSQL pool.
	// Default: store.Connect
	PoolConnector func(ctx context.Context, url string, logger *slog.Logger) (Pool, error)

	// MigratorFactory creates a schema migrator.
	// Default: store.NewMigrator
	MigratorFactory func(url string) (AutoMigrator, error)

	// RedisClientFactory creates the client for shared rate-limit windows.
	// Default: redis.NewClient
	RedisClientFactory func(addr string) redis.UniversalClient

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer

	// DatabaseURLGetter supplies the database URL when the config has none.
	// Default: reads from DATABASE_URL environment variable
	DatabaseURLGetter func() string

	// LogWriter receives log output.
	// Default: os.Stderr
	LogWriter io.Writer

	// Ready is called once startup completes. Tests use it to drive the
	// running service and then cancel the context.
	Ready func(rt *Runtime)
}

func (d *ServeDeps) withDefaults() *ServeDeps {
	out := ServeDeps{}
	if d != nil {
		out = *d
	}
	if out.PoolConnector == nil {
		out.PoolConnector = func(ctx context.Context, url string, logger *slog.Logger) (Pool, error) {
			return store.Connect(ctx, url, store.ConnectConfig{Logger: logger})
		}
	}
	if out.MigratorFactory == nil {
		out.MigratorFactory = func(url string) (AutoMigrator, error) {
			return store.NewMigrator(url)
		}
	}
	if out.RedisClientFactory == nil {
		out.RedisClientFactory = func(addr string) redis.UniversalClient {
			return redis.NewClient(&redis.Options{Addr: addr})
		}
	}
	if out.ObservabilityServerFactory == nil {
		out.ObservabilityServerFactory = func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, readinessChecker)
		}
	}
	if out.DatabaseURLGetter == nil {
		out.DatabaseURLGetter = func() string {
			return os.Getenv("DATABASE_URL")
		}
	}
	if out.LogWriter == nil {
		out.LogWriter = os.Stderr
	}
	return &out
}

// Runtime is the assembled service handed to ServeDeps.Ready.
type Runtime struct {
	Service *auth.Service
	Guard   *ratelimit.Guard
	Store   *memory.Store
	Metrics *observability.Metrics
}

// Pool wraps the methods used from *pgxpool.Pool.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// AutoMigrator wraps the methods used from store.Migrator at startup.
type AutoMigrator interface {
	Up() error
	Close() error
}

// ObservabilityServer wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.Metrics
	Registry() prometheus.Registerer
}
