// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/gatekeep/gatekeep/internal/auth"
	"github.com/gatekeep/gatekeep/internal/auth/postgres"
	"github.com/gatekeep/gatekeep/internal/seed"
	"github.com/gatekeep/gatekeep/internal/store"
)

const defaultSeedTimeout = 30 * time.Second

type seedConfig struct {
	file    string
	migrate bool
	timeout time.Duration
}

// repositoryOpener opens the user repository for seeding. The returned func
// releases the connection.
type repositoryOpener func(ctx context.Context, databaseURL string) (auth.UserRepository, func(), error)

// seedRepositoryOpener is replaced in tests.
var seedRepositoryOpener repositoryOpener = func(ctx context.Context, databaseURL string) (auth.UserRepository, func(), error) {
	pool, err := store.Connect(ctx, databaseURL, store.ConnectConfig{Logger: slog.Default()})
	if err != nil {
		return nil, nil, err
	}
	return postgres.NewUserRepository(pool), pool.Close, nil
}

// NewSeedCmd creates the seed subcommand.
func NewSeedCmd() *cobra.Command {
	cfg := seedConfig{}

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Register users from a seed file in the database",
		Long: `Register the users of a seed file in PostgreSQL. Without --file the
development admin account is created. Existing usernames are skipped, so
the command is safe to re-run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSeed(cmd, cfg, seedRepositoryOpener)
		},
	}

	cmd.Flags().StringVar(&cfg.file, "file", "", "seed file (default: development admin account)")
	cmd.Flags().BoolVar(&cfg.migrate, "migrate", false, "apply pending migrations first")
	cmd.Flags().DurationVar(&cfg.timeout, "timeout", defaultSeedTimeout, "overall timeout")

	return cmd
}

func runSeed(cmd *cobra.Command, cfg seedConfig, open repositoryOpener) error {
	databaseURL, err := getDatabaseURL()
	if err != nil {
		return err
	}

	f := seed.DevDefault()
	if cfg.file != "" {
		if f, err = seed.LoadFile(cfg.file); err != nil {
			return err
		}
	}
	users, err := f.Build(auth.NewScryptHasher())
	if err != nil {
		return err
	}

	if cfg.migrate {
		if err := withMigrator(cmd, migrateUp); err != nil {
			return oops.Code("MIGRATION_FAILED").With("operation", "seed migrate").Wrap(err)
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.timeout)
	defer cancel()

	repo, release, err := open(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer release()

	created := 0
	for _, u := range users {
		if err := repo.Create(ctx, u); err != nil {
			if auth.IsCode(err, "AUTH_USERNAME_TAKEN") {
				cmd.Printf("skipped %s: already registered\n", u.Username)
				continue
			}
			return oops.With("username", u.Username).Wrap(err)
		}
		created++
		cmd.Printf("created %s (%d passkeys)\n", u.Username, len(u.Passkeys))
	}
	cmd.Printf("Seed complete: %d created, %d skipped\n", created, len(users)-created)
	return nil
}
