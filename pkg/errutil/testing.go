// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package errutil

import (
	"testing"
	"time"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Context keys carried by lockout and rate-limit errors.
const (
	LockUntilKey  = "lock_until"
	RetryAfterKey = "retry_after"
)

// AssertErrorCode asserts that err is an oops error with the given code.
func AssertErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	assert.Equal(t, code, mustOops(t, err).Code())
}

// AssertErrorContext asserts that err is an oops error with the given context key/value.
func AssertErrorContext(t *testing.T, err error, key string, value any) {
	t.Helper()
	ctx := mustOops(t, err).Context()
	assert.Contains(t, ctx, key)
	assert.Equal(t, value, ctx[key])
}

// AssertLockedUntil asserts that err carries code and a lock_until instant
// equal to want, and returns that instant.
func AssertLockedUntil(t *testing.T, err error, code string, want time.Time) time.Time {
	t.Helper()
	oopsErr := mustOops(t, err)
	assert.Equal(t, code, oopsErr.Code())
	until, ok := oopsErr.Context()[LockUntilKey].(time.Time)
	require.True(t, ok, "%s missing or not a time.Time", LockUntilKey)
	assert.True(t, want.Equal(until), "locked until %s, want %s", until, want)
	return until
}

// AssertRetryAfter asserts that err carries code and a retry_after wait of want.
func AssertRetryAfter(t *testing.T, err error, code string, want time.Duration) {
	t.Helper()
	oopsErr := mustOops(t, err)
	assert.Equal(t, code, oopsErr.Code())
	assert.Equal(t, want, oopsErr.Context()[RetryAfterKey])
}

func mustOops(t *testing.T, err error) oops.OopsError {
	t.Helper()
	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok, "expected oops error, got %T", err)
	return oopsErr
}
