// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of a WindowStore.Allow call.
type Decision struct {
	Allowed bool
	// Count is the number of hits inside the window after the call.
	Count int
	// RetryAfter is how long until the oldest hit leaves the window.
	// Zero when Allowed.
	RetryAfter time.Duration
}

// WindowStore keeps sliding-window hit logs and lock deadlines. A hit at t
// belongs to the window ending at now when now-window < t <= now.
//
// Implementations must make each call atomic per key.
type WindowStore interface {
	// Allow records a hit unless limit hits already fall inside the window.
	// Rejected hits are not recorded.
	Allow(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Decision, error)

	// Add records a hit unconditionally and returns the count inside the window.
	Add(ctx context.Context, key string, now time.Time, window time.Duration) (int, error)

	// Reset forgets every hit for key.
	Reset(ctx context.Context, key string) error

	// Lock marks key as locked until the given time.
	Lock(ctx context.Context, key string, until, now time.Time) error

	// LockedUntil reports the lock deadline for key if one is still active at now.
	LockedUntil(ctx context.Context, key string, now time.Time) (time.Time, bool, error)
}

// retryAfter is the time until oldest leaves a window ending at now, never
// less than one millisecond.
func retryAfter(oldest, now time.Time, window time.Duration) time.Duration {
	d := oldest.Add(window).Sub(now)
	if d < time.Millisecond {
		return time.Millisecond
	}
	return d
}
