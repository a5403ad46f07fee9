// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package auth

import (
	"errors"
	"time"

	"github.com/samber/oops"
)

// Store outcomes. Store implementations report missing and expired records with
// these sentinels; only Service turns them into caller-visible errors.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExpired is returned when a record exists but is past its expiry.
	ErrExpired = errors.New("expired")

	// ErrStaleSignCount is returned when a passkey counter update would not
	// advance the stored counter.
	ErrStaleSignCount = errors.New("sign count not advanced")
)

// Caller-visible error codes.
const (
	CodeInvalidCredentials  = "AUTH_INVALID_CREDENTIALS"
	CodeSessionInvalid      = "AUTH_SESSION_INVALID"
	CodeCodeInvalid         = "AUTH_CODE_INVALID"
	CodeLocked              = "AUTH_LOCKED"
	CodeStep2TokenInvalid   = "AUTH_STEP2_TOKEN_INVALID"
	CodeChallengeInvalid    = "AUTH_CHALLENGE_INVALID"
	CodeUnknownPasskey      = "AUTH_UNKNOWN_PASSKEY"
	CodeSignatureInvalid    = "AUTH_SIGNATURE_INVALID"
	CodeRefreshTokenInvalid = "AUTH_REFRESH_INVALID"
	CodeAccessTokenInvalid  = "AUTH_ACCESS_INVALID"
	CodeRateLimited         = "AUTH_RATE_LIMITED"
	CodeInternal            = "AUTH_INTERNAL"
)

// Context keys attached to lockout-class errors.
const (
	keyLockUntil  = "lock_until"
	keyRetryAfter = "retry_after"
)

// InvalidCredentials is returned by step 1 for any username or password failure.
func InvalidCredentials() error {
	return oops.Code(CodeInvalidCredentials).Errorf("invalid username or password")
}

// SessionExpiredOrInvalid is returned when a temp session is unknown or expired.
func SessionExpiredOrInvalid() error {
	return oops.Code(CodeSessionInvalid).Errorf("session expired or invalid")
}

// InvalidOrExpiredCode is returned when no valid code matches.
func InvalidOrExpiredCode() error {
	return oops.Code(CodeCodeInvalid).Errorf("invalid or expired verification code")
}

// Locked is returned when further attempts are refused until lockUntil.
func Locked(lockUntil time.Time) error {
	return oops.Code(CodeLocked).
		With(keyLockUntil, lockUntil).
		Errorf("too many attempts, locked until %s", lockUntil.UTC().Format(time.RFC3339))
}

// InvalidStep2Token is returned when a step-2 token is unknown or expired.
func InvalidStep2Token() error {
	return oops.Code(CodeStep2TokenInvalid).Errorf("invalid or expired step-2 token")
}

// InvalidOrExpiredChallenge is returned when no unused challenge matches.
func InvalidOrExpiredChallenge() error {
	return oops.Code(CodeChallengeInvalid).Errorf("invalid or expired challenge")
}

// UnknownPasskey is returned when the credential is not registered to the user.
func UnknownPasskey() error {
	return oops.Code(CodeUnknownPasskey).Errorf("unknown passkey")
}

// SignatureVerificationFailed is returned when any assertion check fails.
func SignatureVerificationFailed() error {
	return oops.Code(CodeSignatureInvalid).Errorf("passkey signature verification failed")
}

// InvalidRefreshToken is returned when a refresh token cannot be rotated.
func InvalidRefreshToken() error {
	return oops.Code(CodeRefreshTokenInvalid).Errorf("invalid refresh token")
}

// InvalidAccessToken is returned when an access token is not valid.
func InvalidAccessToken() error {
	return oops.Code(CodeAccessTokenInvalid).Errorf("invalid access token")
}

// RateLimited is returned when a boundary window is exhausted.
func RateLimited(retryAfter time.Duration) error {
	return oops.Code(CodeRateLimited).
		With(keyRetryAfter, retryAfter).
		Errorf("rate limited, retry after %s", retryAfter.Round(time.Second))
}

// Code returns the oops error code carried by err, or "" if none.
func Code(err error) string {
	if oopsErr, ok := oops.AsOops(err); ok {
		if code, ok := oopsErr.Code().(string); ok {
			return code
		}
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code string) bool {
	return err != nil && Code(err) == code
}

// LockUntil extracts the unlock time from an AUTH_LOCKED error.
func LockUntil(err error) (time.Time, bool) {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return time.Time{}, false
	}
	t, ok := oopsErr.Context()[keyLockUntil].(time.Time)
	return t, ok
}

// RetryAfter extracts the wait duration from an AUTH_RATE_LIMITED error.
func RetryAfter(err error) (time.Duration, bool) {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return 0, false
	}
	d, ok := oopsErr.Context()[keyRetryAfter].(time.Duration)
	return d, ok
}
