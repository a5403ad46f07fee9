// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package auth

import (
	"bytes"
	"encoding/base64"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateToken(t *testing.T) {
	t.Run("encodes 32 bytes as unpadded base64url", func(t *testing.T) {
		token, err := GenerateToken()
		require.NoError(t, err)
		raw, err := base64.RawURLEncoding.DecodeString(token)
		require.NoError(t, err)
		assert.Len(t, raw, TokenBytes)
	})

	t.Run("fails on short random source", func(t *testing.T) {
		_, err := generateToken(bytes.NewReader(make([]byte, TokenBytes-1)))
		assert.Error(t, err)
	})
}

func TestHashToken(t *testing.T) {
	assert.Equal(t, HashToken("a"), HashToken("a"))
	assert.NotEqual(t, HashToken("a"), HashToken("b"))
	assert.Len(t, HashToken("a"), 64)
}

func TestGenerateCode(t *testing.T) {
	t.Run("six digits in range", func(t *testing.T) {
		for i := 0; i < 200; i++ {
			code, err := GenerateCode()
			require.NoError(t, err)
			require.Len(t, code, 6)
			n, err := strconv.Atoi(code)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, n, 100000)
			assert.LessOrEqual(t, n, 999999)
		}
	})

	t.Run("zero draw maps to lower bound", func(t *testing.T) {
		code, err := generateCode(bytes.NewReader(make([]byte, 64)))
		require.NoError(t, err)
		assert.Equal(t, "100000", code)
	})

	t.Run("fails on empty random source", func(t *testing.T) {
		_, err := generateCode(bytes.NewReader(nil))
		assert.Error(t, err)
	})
}

func TestMatchCode(t *testing.T) {
	hash := HashCode("123456")
	assert.True(t, MatchCode("123456", hash))
	assert.False(t, MatchCode("654321", hash))
	assert.False(t, MatchCode("", hash))
	assert.False(t, MatchCode("123456", ""))
	assert.NotEqual(t, HashToken("123456"), hash, "codes are hashed under their own prefix")
}
