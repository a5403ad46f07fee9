// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeep/gatekeep/internal/auth"
	"github.com/gatekeep/gatekeep/pkg/errutil"
)

func runHashPassword(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewHashPasswordCmd()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestHashPassword(t *testing.T) {
	hasher := auth.NewScryptHasher()

	t.Run("from flag", func(t *testing.T) {
		hash, err := runHashPassword(t, "", "--password", "ChangeMe#12345")
		require.NoError(t, err)
		ok, err := hasher.Verify("ChangeMe#12345", hash)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("from stdin ignores line ending", func(t *testing.T) {
		hash, err := runHashPassword(t, "s3cret value\r\nsecond line\n")
		require.NoError(t, err)
		ok, err := hasher.Verify("s3cret value", hash)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("empty stdin", func(t *testing.T) {
		_, err := runHashPassword(t, "")
		errutil.AssertErrorCode(t, err, "AUTH_EMPTY_PASSWORD")
	})

	t.Run("empty flag", func(t *testing.T) {
		_, err := runHashPassword(t, "ignored\n", "--password", "")
		errutil.AssertErrorCode(t, err, "AUTH_EMPTY_PASSWORD")
	})

	t.Run("rejects arguments", func(t *testing.T) {
		_, err := runHashPassword(t, "", "positional")
		assert.Error(t, err)
	})
}
