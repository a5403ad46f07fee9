// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

// Package postgres persists users and passkeys in PostgreSQL.
package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/gatekeep/gatekeep/internal/auth"
)

// poolIface is satisfied by *pgxpool.Pool and pgxmock.PgxPoolIface.
type poolIface interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// UserRepository implements auth.UserRepository using PostgreSQL.
type UserRepository struct {
	pool poolIface
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(pool poolIface) *UserRepository {
	return &UserRepository{pool: pool}
}

// List returns every user with its passkeys, ordered by ID.
func (r *UserRepository) List(ctx context.Context) ([]*auth.User, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, username, email, password_hash, created_at
		FROM users
		ORDER BY id
	`)
	if err != nil {
		return nil, oops.Code("USER_LIST_FAILED").With("operation", "query users").Wrap(err)
	}
	defer rows.Close()

	var users []*auth.User
	byID := make(map[ulid.ULID]*auth.User)
	for rows.Next() {
		var idStr string
		u := &auth.User{}
		if err := rows.Scan(&idStr, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
			return nil, oops.Code("USER_LIST_FAILED").With("operation", "scan user").Wrap(err)
		}
		id, err := ulid.Parse(idStr)
		if err != nil {
			return nil, oops.Code("USER_LIST_FAILED").
				With("operation", "parse user id").
				With("id", idStr).
				Wrap(err)
		}
		u.ID = id
		users = append(users, u)
		byID[id] = u
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("USER_LIST_FAILED").With("operation", "iterate users").Wrap(err)
	}

	if err := r.attachPasskeys(ctx, byID); err != nil {
		return nil, err
	}
	return users, nil
}

func (r *UserRepository) attachPasskeys(ctx context.Context, byID map[ulid.ULID]*auth.User) error {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, credential_id, public_key, sign_count
		FROM passkeys
		ORDER BY created_at, credential_id
	`)
	if err != nil {
		return oops.Code("USER_LIST_FAILED").With("operation", "query passkeys").Wrap(err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			userIDStr string
			pk        auth.Passkey
			signCount int64
		)
		if err := rows.Scan(&userIDStr, &pk.CredentialID, &pk.PublicKey, &signCount); err != nil {
			return oops.Code("USER_LIST_FAILED").With("operation", "scan passkey").Wrap(err)
		}
		userID, err := ulid.Parse(userIDStr)
		if err != nil {
			return oops.Code("USER_LIST_FAILED").
				With("operation", "parse passkey owner").
				With("user_id", userIDStr).
				Wrap(err)
		}
		u, ok := byID[userID]
		if !ok {
			continue
		}
		pk.SignCount = uint32(signCount) //nolint:gosec // column is constrained to the uint32 range on write
		u.Passkeys = append(u.Passkeys, pk)
	}
	if err := rows.Err(); err != nil {
		return oops.Code("USER_LIST_FAILED").With("operation", "iterate passkeys").Wrap(err)
	}
	return nil
}

// Create stores a user and its passkeys in one transaction.
func (r *UserRepository) Create(ctx context.Context, user *auth.User) (err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return oops.Code("USER_CREATE_FAILED").With("operation", "begin transaction").Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx) //nolint:errcheck // original error takes precedence
		}
	}()

	_, err = tx.Exec(ctx, `
		INSERT INTO users (id, username, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, user.ID.String(), user.Username, user.Email, user.PasswordHash, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return oops.Code("AUTH_USERNAME_TAKEN").
				With("username", user.Username).
				Errorf("username already registered")
		}
		return oops.Code("USER_CREATE_FAILED").
			With("operation", "insert user").
			With("username", user.Username).
			Wrap(err)
	}

	for _, pk := range user.Passkeys {
		_, err = tx.Exec(ctx, `
			INSERT INTO passkeys (credential_id, user_id, public_key, sign_count)
			VALUES ($1, $2, $3, $4)
		`, pk.CredentialID, user.ID.String(), pk.PublicKey, int64(pk.SignCount))
		if err != nil {
			if isUniqueViolation(err) {
				return oops.Code("AUTH_CREDENTIAL_TAKEN").
					With("credential_id", pk.CredentialID).
					Errorf("passkey already registered")
			}
			return oops.Code("USER_CREATE_FAILED").
				With("operation", "insert passkey").
				With("credential_id", pk.CredentialID).
				Wrap(err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return oops.Code("USER_CREATE_FAILED").With("operation", "commit").Wrap(err)
	}
	return nil
}

// UpdateSignCount advances a passkey counter. The update only applies when
// signCount exceeds the stored value, so a lagging replica cannot move it
// backwards; that case reports auth.ErrStaleSignCount.
func (r *UserRepository) UpdateSignCount(ctx context.Context, userID ulid.ULID, credentialID string, signCount uint32) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE passkeys SET sign_count = $1
		WHERE user_id = $2 AND credential_id = $3 AND sign_count < $1
	`, int64(signCount), userID.String(), credentialID)
	if err != nil {
		return oops.Code("SIGN_COUNT_UPDATE_FAILED").
			With("operation", "update sign count").
			With("credential_id", credentialID).
			Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("SIGN_COUNT_STALE").
			With("credential_id", credentialID).
			Wrap(auth.ErrStaleSignCount)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

var _ auth.UserRepository = (*UserRepository)(nil)
