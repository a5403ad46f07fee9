// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/samber/oops"
	"golang.org/x/crypto/scrypt"
)

// scrypt parameters. The cost is fixed; hashes carry only salt and digest.
const (
	scryptN       = 1 << 14
	scryptR       = 8
	scryptP       = 1
	scryptSaltLen = 16
	scryptKeyLen  = 64
)

// ErrEmptyPassword is returned when attempting to hash an empty password.
var ErrEmptyPassword = oops.Code("AUTH_EMPTY_PASSWORD").Errorf("password cannot be empty")

// PasswordHasher provides password hashing and verification.
type PasswordHasher interface {
	// Hash produces an encoded hash of the password.
	Hash(password string) (string, error)

	// Verify checks if the password matches the hash.
	// Returns (true, nil) on match, (false, nil) on mismatch, or error on invalid hash.
	Verify(password, hash string) (bool, error)
}

// ScryptHasher implements PasswordHasher using scrypt with the encoding
// "<hex-salt>:<hex-digest>".
type ScryptHasher struct{}

// NewScryptHasher creates a new ScryptHasher.
func NewScryptHasher() *ScryptHasher {
	return &ScryptHasher{}
}

// dummyPasswordHash is verified when a user doesn't exist so that unknown
// usernames cost the same scrypt work as wrong passwords. It matches nothing.
//
//nolint:gosec // G101: intentionally fake hash for timing equalization, not a credential.
var dummyPasswordHash = strings.Repeat("00", scryptSaltLen) + ":" + strings.Repeat("00", scryptKeyLen)

// Hash produces a scrypt hash of the password.
func (h *ScryptHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}

	salt := make([]byte, scryptSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", oops.Code("AUTH_SALT_FAILED").Wrap(err)
	}

	digest, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", oops.Code("AUTH_HASH_FAILED").Wrap(err)
	}

	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(digest), nil
}

// Verify checks if the password matches the hash.
func (h *ScryptHasher) Verify(password, encodedHash string) (bool, error) {
	saltHex, digestHex, ok := strings.Cut(encodedHash, ":")
	if !ok {
		return false, oops.Code("AUTH_INVALID_HASH").Errorf("invalid hash format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}
	if len(salt) < scryptSaltLen {
		return false, oops.Code("AUTH_INVALID_HASH").Errorf("salt must be at least %d bytes, got %d", scryptSaltLen, len(salt))
	}

	expected, err := hex.DecodeString(digestHex)
	if err != nil {
		return false, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}
	if len(expected) == 0 || len(expected) > 1024 {
		return false, oops.Code("AUTH_INVALID_HASH").Errorf("invalid digest length: %d", len(expected))
	}

	computed, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, len(expected))
	if err != nil {
		return false, oops.Code("AUTH_HASH_FAILED").Wrap(err)
	}

	// Constant-time comparison
	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}
