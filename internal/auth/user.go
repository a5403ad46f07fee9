// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package auth

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Username validation constraints.
const (
	MinUsernameLength = 3
	MaxUsernameLength = 64
)

// usernameRegex matches usernames that start with a letter and contain
// only letters, digits, dots, dashes, and underscores.
var usernameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.-]*$`)

// User is an account that can authenticate. Passkeys are owned by the user;
// stores index them by credential ID separately.
type User struct {
	ID           ulid.ULID
	Username     string
	Email        string
	PasswordHash string
	Passkeys     []Passkey
	CreatedAt    time.Time
}

// Passkey is a registered WebAuthn credential.
type Passkey struct {
	// CredentialID is the base64url (unpadded) credential identifier.
	CredentialID string
	// PublicKey is the PKIX (SubjectPublicKeyInfo) DER encoding of the key.
	PublicKey []byte
	// SignCount is the last authenticator counter seen. Never decreases.
	SignCount uint32
}

// NormalizeUsername returns the form usernames are indexed and rate-limited
// under. Lookups ignore case and surrounding whitespace.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// NewUser creates a validated User.
func NewUser(username, email, passwordHash string, passkeys ...Passkey) (*User, error) {
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	if strings.TrimSpace(passwordHash) == "" {
		return nil, oops.Code("AUTH_INVALID_PASSWORD").Errorf("password hash cannot be empty")
	}
	if !strings.Contains(email, "@") {
		return nil, oops.Code("AUTH_INVALID_EMAIL").With("email", email).Errorf("email address is invalid")
	}
	seen := make(map[string]struct{}, len(passkeys))
	for _, pk := range passkeys {
		if pk.CredentialID == "" {
			return nil, oops.Code("AUTH_INVALID_PASSKEY").Errorf("passkey credential id cannot be empty")
		}
		if len(pk.PublicKey) == 0 {
			return nil, oops.Code("AUTH_INVALID_PASSKEY").
				With("credential_id", pk.CredentialID).
				Errorf("passkey public key cannot be empty")
		}
		if _, dup := seen[pk.CredentialID]; dup {
			return nil, oops.Code("AUTH_INVALID_PASSKEY").
				With("credential_id", pk.CredentialID).
				Errorf("duplicate passkey credential id")
		}
		seen[pk.CredentialID] = struct{}{}
	}

	return &User{
		ID:           ulid.Make(),
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		Passkeys:     append([]Passkey(nil), passkeys...),
		CreatedAt:    time.Now(),
	}, nil
}

// Passkey returns the passkey with the given credential ID.
func (u *User) Passkey(credentialID string) (Passkey, bool) {
	for _, pk := range u.Passkeys {
		if pk.CredentialID == credentialID {
			return pk, true
		}
	}
	return Passkey{}, false
}

// Clone returns a deep copy so callers cannot mutate store-owned state.
func (u *User) Clone() *User {
	c := *u
	c.Passkeys = make([]Passkey, len(u.Passkeys))
	for i, pk := range u.Passkeys {
		pk.PublicKey = append([]byte(nil), pk.PublicKey...)
		c.Passkeys[i] = pk
	}
	return &c
}

// ValidateUsername validates a username against rules.
func ValidateUsername(username string) error {
	if username == "" {
		return oops.Code("AUTH_INVALID_USERNAME").Errorf("username cannot be empty")
	}
	if len(username) < MinUsernameLength {
		return oops.Code("AUTH_INVALID_USERNAME").
			With("min", MinUsernameLength).
			Errorf("username must be at least %d characters", MinUsernameLength)
	}
	if len(username) > MaxUsernameLength {
		return oops.Code("AUTH_INVALID_USERNAME").
			With("max", MaxUsernameLength).
			Errorf("username must be at most %d characters", MaxUsernameLength)
	}
	if !usernameRegex.MatchString(username) {
		return oops.Code("AUTH_INVALID_USERNAME").
			Errorf("username must start with a letter and contain only letters, numbers, '.', '-', and '_'")
	}
	return nil
}

// UserRepository is the durable home of users and their passkeys.
// Credential stores load users from it and write counter changes back.
type UserRepository interface {
	// List returns every user with its passkeys.
	List(ctx context.Context) ([]*User, error)

	// Create stores a new user and its passkeys.
	Create(ctx context.Context, user *User) error

	// UpdateSignCount persists a passkey's counter.
	UpdateSignCount(ctx context.Context, userID ulid.ULID, credentialID string, signCount uint32) error
}
