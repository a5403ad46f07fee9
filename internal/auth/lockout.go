// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package auth

import (
	"time"
)

// Verification code lockout configuration.
const (
	// CodeShortLockThreshold is the failure count at which each further
	// failure locks the user out for FailedAttempts seconds.
	CodeShortLockThreshold = 3

	// CodeMaxAttempts is the failure count that burns the code and applies
	// CodeLockDuration.
	CodeMaxAttempts = 5

	// CodeLockDuration is the lock applied once CodeMaxAttempts is reached.
	CodeLockDuration = 15 * time.Minute
)

// IsLockedAt returns true if the lockout time is after t.
func IsLockedAt(lockedUntil *time.Time, t time.Time) bool {
	return lockedUntil != nil && lockedUntil.After(t)
}

// RecordCodeFailure applies one mismatch to c and returns the outcome.
// At CodeShortLockThreshold failures the lock escalates by one second per
// failure; at CodeMaxAttempts the code is burned and locked for CodeLockDuration.
func RecordCodeFailure(c *VerificationCode, now time.Time) CodeResult {
	c.FailedAttempts++

	if c.FailedAttempts >= CodeMaxAttempts {
		until := now.Add(CodeLockDuration)
		c.LockUntil = &until
		c.UsedAt = &now
		return CodeResult{Reason: FailMaxAttempts, LockUntil: &until}
	}

	if c.FailedAttempts >= CodeShortLockThreshold {
		until := now.Add(time.Duration(c.FailedAttempts) * time.Second)
		c.LockUntil = &until
		return CodeResult{Reason: FailInvalid, LockUntil: &until}
	}

	return CodeResult{Reason: FailInvalid}
}

// RecordCodeSuccess burns c and clears its failure state.
func RecordCodeSuccess(c *VerificationCode, now time.Time) CodeResult {
	c.UsedAt = &now
	c.FailedAttempts = 0
	c.LockUntil = nil
	return CodeResult{OK: true}
}

// ActiveCodeLock returns the latest lock among codes that is still in force at t.
// Locks outlive the code that triggered them.
func ActiveCodeLock(codes []*VerificationCode, t time.Time) *time.Time {
	var latest *time.Time
	for _, c := range codes {
		if IsLockedAt(c.LockUntil, t) && (latest == nil || c.LockUntil.After(*latest)) {
			latest = c.LockUntil
		}
	}
	return latest
}
