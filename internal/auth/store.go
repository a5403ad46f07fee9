// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package auth

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

// CredentialStore holds every record the login flow creates. Implementations
// must serialize read-then-write sequences per record: two concurrent
// consumers of the same challenge, code, or refresh token never both succeed.
//
// Missing records are reported as ErrNotFound and expired ones as ErrExpired.
type CredentialStore interface {
	// FindUserByUsername looks a user up by username (case-insensitive).
	FindUserByUsername(ctx context.Context, username string) (*User, error)

	// FindUserByID looks a user up by ID.
	FindUserByID(ctx context.Context, id ulid.ULID) (*User, error)

	// CreateTempSession starts a step-1 session and returns its bearer ID.
	CreateTempSession(ctx context.Context, userID ulid.ULID, ttl time.Duration) (string, error)

	// GetTempSession resolves a bearer session ID.
	GetTempSession(ctx context.Context, id string) (*TempSession, error)

	// SaveVerificationCode stores the hash of code, keeping the newest MaxCodesPerUser.
	SaveVerificationCode(ctx context.Context, userID ulid.ULID, code string, ttl time.Duration) error

	// VerifyLatestCode checks code against the newest usable code for the user.
	VerifyLatestCode(ctx context.Context, userID ulid.ULID, code string) (CodeResult, error)

	// CreateStep2Token issues a step-2 bearer token.
	CreateStep2Token(ctx context.Context, userID ulid.ULID, ttl time.Duration) (string, error)

	// ResolveStep2Token returns the user bound to token without consuming it.
	ResolveStep2Token(ctx context.Context, token string) (ulid.ULID, error)

	// SaveAuthChallenge records an issued challenge, keeping the newest MaxChallengesPerUser.
	SaveAuthChallenge(ctx context.Context, userID ulid.ULID, challenge string, ttl time.Duration) error

	// ConsumeAuthChallenge marks a matching unused challenge as used.
	// Returns false if none matched.
	ConsumeAuthChallenge(ctx context.Context, userID ulid.ULID, challenge string) (bool, error)

	// FindPasskey returns the user's passkey with the given credential ID.
	FindPasskey(ctx context.Context, userID ulid.ULID, credentialID string) (*Passkey, error)

	// UpdatePasskeySignCount advances the stored counter. Returns
	// ErrStaleSignCount unless newCount is greater than the stored value.
	UpdatePasskeySignCount(ctx context.Context, userID ulid.ULID, credentialID string, newCount uint32) error

	// IssueTokenPair mints an access and a refresh token.
	IssueTokenPair(ctx context.Context, userID ulid.ULID, accessTTL, refreshTTL time.Duration) (TokenPair, error)

	// VerifyOpaqueToken returns the owner of a valid token of the given type.
	VerifyOpaqueToken(ctx context.Context, token string, typ TokenType) (ulid.ULID, error)

	// RotateRefreshToken revokes old and returns its successor.
	RotateRefreshToken(ctx context.Context, old string, ttl time.Duration) (string, error)
}
