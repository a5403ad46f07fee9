// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/gatekeep/gatekeep/internal/auth"
	"github.com/gatekeep/gatekeep/internal/auth/memory"
	"github.com/gatekeep/gatekeep/internal/auth/postgres"
	"github.com/gatekeep/gatekeep/internal/config"
	"github.com/gatekeep/gatekeep/internal/logging"
	"github.com/gatekeep/gatekeep/internal/ratelimit"
	"github.com/gatekeep/gatekeep/internal/seed"
	"github.com/gatekeep/gatekeep/internal/webauthn"
	"github.com/gatekeep/gatekeep/pkg/errutil"
)

const shutdownTimeout = 5 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authentication service",
		Long: `Run the login service: the credential store and its sweeper, the
rate limiter, and the metrics/health endpoints. Users are loaded from
PostgreSQL when a database URL is configured and from the seed file.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServeWithDeps(cmd.Context(), cmd, nil)
		},
	}

	config.RegisterFlags(cmd.Flags())

	return cmd
}

// runServeWithDeps starts the service with injectable dependencies.
// If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cmd *cobra.Command, deps *ServeDeps) error {
	deps = deps.withDefaults()

	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = deps.DatabaseURLGetter()
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := logging.Setup(logging.Options{
		Service: serviceName,
		Version: version,
		Format:  cfg.Log.Format,
		Level:   level,
	}, deps.LogWriter)
	slog.SetDefault(logger)

	logger.Info("starting gatekeep",
		"environment", cfg.Environment,
		"origin", cfg.Origin,
		"database", cfg.DatabaseURL != "",
		"redis", cfg.RedisAddr != "",
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ready atomic.Bool
	obsServer := deps.ObservabilityServerFactory(cfg.MetricsAddr, ready.Load)
	if cfg.MetricsAddr != "" {
		obsErrChan, startErr := obsServer.Start()
		if startErr != nil {
			return oops.Code("OBSERVABILITY_START_FAILED").With("addr", cfg.MetricsAddr).Wrap(startErr)
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			if stopErr := obsServer.Stop(shutdownCtx); stopErr != nil {
				logger.Warn("error stopping observability server", "error", stopErr)
			}
		}()
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
	}
	metrics := obsServer.Metrics()

	var repo auth.UserRepository
	if cfg.DatabaseURL != "" {
		if cfg.AutoMigrate {
			if err := autoMigrate(deps, cfg.DatabaseURL); err != nil {
				return err
			}
		}
		pool, err := deps.PoolConnector(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		repo = postgres.NewUserRepository(pool)
	}

	storeOpts := []memory.Option{
		memory.WithLogger(logger),
		memory.WithEvictionObserver(metrics.RecordEviction),
	}
	if repo != nil {
		storeOpts = append(storeOpts, memory.WithUserRepository(repo))
	}
	credStore := memory.New(storeOpts...)

	hasher := auth.NewScryptHasher()
	if err := loadUsers(ctx, cfg, credStore, repo, hasher, logger); err != nil {
		return err
	}

	svc, err := auth.NewService(auth.ServiceDeps{
		Store:      credStore,
		Hasher:     hasher,
		Verifier:   webauthn.NewVerifier(),
		Dispatcher: dispatcherFor(cfg, logger),
		Origin:     cfg.Origin,
	},
		auth.WithLogger(logger),
		auth.WithWorkPool(auth.NewWorkPool(cfg.Workers)),
		auth.WithStepRecorder(metrics),
	)
	if err != nil {
		return err
	}

	windows, closeWindows, err := windowStore(ctx, cfg, deps, obsServer)
	if err != nil {
		return err
	}
	defer closeWindows()

	guard, err := ratelimit.NewGuard(svc, windows, cfg.Limits.Guard(),
		ratelimit.WithGuardLogger(logger),
		ratelimit.WithRejectionRecorder(metrics),
	)
	if err != nil {
		return err
	}

	credStore.Start(cfg.Sweep)
	defer credStore.Stop()

	ready.Store(true)
	cmd.Println("Gatekeep started")
	logger.Info("gatekeep ready",
		"users", credStore.UserCount(),
		"metrics_addr", obsServer.Addr(),
	)

	if deps.Ready != nil {
		deps.Ready(&Runtime{Service: svc, Guard: guard, Store: credStore, Metrics: metrics})
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	ready.Store(false)
	logger.Info("shutdown complete")
	return nil
}

func autoMigrate(deps *ServeDeps, databaseURL string) error {
	migrator, err := deps.MigratorFactory(databaseURL)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			slog.Warn("error closing migrator", "error", closeErr)
		}
	}()
	if err := migrator.Up(); err != nil {
		return oops.Code("MIGRATION_FAILED").With("operation", "auto migrate").Wrap(err)
	}
	slog.Info("database schema up to date")
	return nil
}

// loadUsers fills the store from the repository and the seed file. Seeded
// users are written to the repository first so counter write-through finds
// them. Without either source a development store gets the default admin
// account.
func loadUsers(ctx context.Context, cfg config.Config, s *memory.Store, repo auth.UserRepository, hasher auth.PasswordHasher, logger *slog.Logger) error {
	var seeded []*auth.User
	switch {
	case cfg.SeedFile != "":
		f, err := seed.LoadFile(cfg.SeedFile)
		if err != nil {
			return err
		}
		if seeded, err = f.Build(hasher); err != nil {
			return err
		}
	case repo == nil && !cfg.IsProduction():
		users, err := seed.DevDefault().Build(hasher)
		if err != nil {
			return err
		}
		seeded = users
		logger.Warn("no seed file configured, using development account", "username", seed.DevUsername)
	}

	if repo == nil {
		for _, u := range seeded {
			if err := s.AddUser(u); err != nil {
				return err
			}
		}
		return nil
	}

	for _, u := range seeded {
		if err := repo.Create(ctx, u); err != nil {
			if auth.IsCode(err, "AUTH_USERNAME_TAKEN") {
				logger.Info("seed user already exists, skipping", "username", u.Username)
				continue
			}
			return err
		}
	}
	n, err := s.LoadUsers(ctx, repo)
	if err != nil {
		return err
	}
	logger.Info("loaded users from database", "count", n)
	if n == 0 {
		logger.Warn("no users registered; every login will fail")
	}
	return nil
}

func dispatcherFor(cfg config.Config, logger *slog.Logger) auth.EmailDispatcher {
	if cfg.Email.Transport == config.EmailTransportLog {
		return auth.NewLogDispatcher(logger)
	}
	return auth.UnconfiguredDispatcher{}
}

// windowStore returns Redis-backed windows when configured, otherwise
// in-process windows reporting their key count to the metrics registry.
func windowStore(ctx context.Context, cfg config.Config, deps *ServeDeps, obs ObservabilityServer) (ratelimit.WindowStore, func(), error) {
	if cfg.RedisAddr == "" {
		mem := ratelimit.NewMemoryWindowsWithRegistry(ratelimit.MemoryConfig{}, obs.Registry())
		return mem, mem.Close, nil
	}

	client := deps.RedisClientFactory(cfg.RedisAddr)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, oops.Code("REDIS_CONNECT_FAILED").With("addr", cfg.RedisAddr).Wrap(err)
	}
	closeClient := func() {
		if err := client.Close(); err != nil {
			errutil.LogError(slog.Default(), "error closing redis client", err)
		}
	}
	return ratelimit.NewRedisWindows(client, ratelimit.DefaultRedisPrefix), closeClient, nil
}

// monitorServerErrors monitors a server's error channel and cancels the context on error.
// It exits when either an error is received, the channel is closed, or the context is cancelled.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
