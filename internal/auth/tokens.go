// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"

	"github.com/samber/oops"
)

// TokenBytes is the entropy of every bearer value (256 bits).
const TokenBytes = 32

// Verification codes are drawn uniformly from [codeMin, codeMin+codeSpan).
const (
	codeMin  = 100000
	codeSpan = 900000
)

// GenerateToken returns a random base64url (unpadded) bearer value.
func GenerateToken() (string, error) {
	return generateToken(rand.Reader)
}

func generateToken(r io.Reader) (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", oops.Code("AUTH_TOKEN_GENERATE_FAILED").
			With("requested_bytes", TokenBytes).
			Wrap(err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken computes the SHA-256 hex digest under which a bearer value is stored.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// GenerateCode returns a six-digit verification code.
func GenerateCode() (string, error) {
	return generateCode(rand.Reader)
}

func generateCode(r io.Reader) (string, error) {
	n, err := rand.Int(r, big.NewInt(codeSpan))
	if err != nil {
		return "", oops.Code("AUTH_CODE_GENERATE_FAILED").Wrap(err)
	}
	return fmt.Sprintf("%06d", n.Int64()+codeMin), nil
}

// HashCode computes the stored digest of a verification code.
func HashCode(code string) string {
	h := sha256.Sum256([]byte("gatekeep/code:" + code))
	return hex.EncodeToString(h[:])
}

// MatchCode compares a plaintext code with a stored digest in constant time.
func MatchCode(code, hash string) bool {
	if code == "" || hash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(HashCode(code)), []byte(hash)) == 1
}
