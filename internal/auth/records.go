// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package auth

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Record lifetimes and retention.
const (
	TempSessionTTL      = 10 * time.Minute
	VerificationCodeTTL = 5 * time.Minute
	Step2TokenTTL       = 10 * time.Minute
	ChallengeTTL        = 5 * time.Minute
	AccessTokenTTL      = 15 * time.Minute
	RefreshTokenTTL     = 30 * 24 * time.Hour

	// MaxCodesPerUser and MaxChallengesPerUser bound the per-user history.
	MaxCodesPerUser      = 5
	MaxChallengesPerUser = 5
)

// TempSession proves step 1 succeeded.
type TempSession struct {
	// IDHash is the SHA-256 of the bearer session ID.
	IDHash    string
	UserID    ulid.ULID
	ExpiresAt time.Time
}

// IsExpiredAt returns true if the session would be expired at the given time.
func (s *TempSession) IsExpiredAt(t time.Time) bool {
	return !t.Before(s.ExpiresAt)
}

// VerificationCode is an emailed one-time code.
type VerificationCode struct {
	ID             ulid.ULID
	UserID         ulid.ULID
	CodeHash       string
	ExpiresAt      time.Time
	UsedAt         *time.Time
	FailedAttempts int
	LockUntil      *time.Time
}

// IsUsableAt reports whether the code is unused and unexpired at t.
func (c *VerificationCode) IsUsableAt(t time.Time) bool {
	return c.UsedAt == nil && t.Before(c.ExpiresAt)
}

// Step2Token proves steps 1 and 2 succeeded.
type Step2Token struct {
	TokenHash string
	UserID    ulid.ULID
	ExpiresAt time.Time
}

// IsExpiredAt returns true if the token would be expired at the given time.
func (s *Step2Token) IsExpiredAt(t time.Time) bool {
	return !t.Before(s.ExpiresAt)
}

// AuthChallenge is a single-use WebAuthn challenge.
type AuthChallenge struct {
	ID        ulid.ULID
	Challenge string
	UserID    ulid.ULID
	ExpiresAt time.Time
	UsedAt    *time.Time
}

// IsUsableAt reports whether the challenge is unused and unexpired at t.
func (c *AuthChallenge) IsUsableAt(t time.Time) bool {
	return c.UsedAt == nil && t.Before(c.ExpiresAt)
}

// TokenType distinguishes access from refresh tokens.
type TokenType string

// Token types.
const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// OpaqueToken is a bearer token whose validity is decided only by lookup.
type OpaqueToken struct {
	TokenHash string
	UserID    ulid.ULID
	Type      TokenType
	ExpiresAt time.Time
	CreatedAt time.Time
	RevokedAt *time.Time
	// ReplacedBy is the hash of the successor refresh token.
	ReplacedBy string
}

// IsValidAt reports whether the token may be used at t.
func (o *OpaqueToken) IsValidAt(t time.Time) bool {
	return o.RevokedAt == nil && t.Before(o.ExpiresAt)
}

// TokenPair is the result of a completed login.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// CodeFailure explains why a verification code was rejected.
type CodeFailure string

// Code verification failure reasons.
const (
	FailMissing     CodeFailure = "missing"
	FailLocked      CodeFailure = "locked"
	FailInvalid     CodeFailure = "invalid"
	FailMaxAttempts CodeFailure = "max_attempts"
)

// CodeResult is the outcome of CredentialStore.VerifyLatestCode.
type CodeResult struct {
	OK        bool
	Reason    CodeFailure
	LockUntil *time.Time
}
