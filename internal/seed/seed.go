// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

// Package seed reads user definitions from YAML.
//
// A seed file looks like:
//
//	users:
//	  - username: admin
//	    email: admin@example.com
//	    password: ChangeMe#12345
//	    passkeys:
//	      - credential_id: 3q2-7w       # base64url, unpadded
//	        public_key: MFkwEwYH...     # base64 PKIX DER
//	        sign_count: 0
//
// password_hash may be given instead of password.
package seed

import (
	"crypto/x509"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"github.com/gatekeep/gatekeep/internal/auth"
)

// Development defaults used when no seed file is configured.
const (
	DevUsername = "admin"
	DevEmail    = "admin@example.com"
	DevPassword = "ChangeMe#12345"
)

// File is a decoded seed file.
type File struct {
	Users []User `yaml:"users"`
}

// User is one seeded account.
type User struct {
	Username     string    `yaml:"username"`
	Email        string    `yaml:"email"`
	Password     string    `yaml:"password,omitempty"`
	PasswordHash string    `yaml:"password_hash,omitempty"`
	Passkeys     []Passkey `yaml:"passkeys,omitempty"`
}

// Passkey is one seeded credential.
type Passkey struct {
	CredentialID string `yaml:"credential_id"`
	PublicKey    string `yaml:"public_key"`
	SignCount    uint32 `yaml:"sign_count,omitempty"`
}

// DevDefault is the development seed: one admin account without passkeys.
func DevDefault() *File {
	return &File{Users: []User{{
		Username: DevUsername,
		Email:    DevEmail,
		Password: DevPassword,
	}}}
}

// Parse decodes a seed file. Unknown fields are rejected.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &File{}, nil
		}
		return nil, oops.Code("SEED_INVALID").With("operation", "decode").Wrap(err)
	}
	return &f, nil
}

// LoadFile reads and decodes the seed file at path.
func LoadFile(path string) (*File, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, oops.Code("SEED_READ_FAILED").With("path", path).Wrap(err)
	}
	defer func() { _ = f.Close() }()

	parsed, err := Parse(f)
	if err != nil {
		return nil, oops.With("path", path).Wrap(err)
	}
	return parsed, nil
}

// Build validates the file and builds auth users, hashing plain passwords.
func (f *File) Build(hasher auth.PasswordHasher) ([]*auth.User, error) {
	users := make([]*auth.User, 0, len(f.Users))
	names := make(map[string]int, len(f.Users))
	creds := make(map[string]string)

	for i, entry := range f.Users {
		fail := func(format string, args ...any) error {
			return oops.Code("SEED_INVALID").
				With("index", i).
				With("username", entry.Username).
				Errorf(format, args...)
		}

		key := strings.ToLower(entry.Username)
		if prev, dup := names[key]; dup {
			return nil, fail("username duplicates entry %d", prev)
		}
		names[key] = i

		hash, err := passwordHash(hasher, entry)
		if err != nil {
			return nil, oops.With("index", i).With("username", entry.Username).Wrap(err)
		}

		passkeys := make([]auth.Passkey, 0, len(entry.Passkeys))
		for _, pk := range entry.Passkeys {
			if owner, dup := creds[pk.CredentialID]; dup {
				return nil, fail("credential %s already belongs to %s", pk.CredentialID, owner)
			}
			creds[pk.CredentialID] = entry.Username

			decoded, err := decodePasskey(pk)
			if err != nil {
				return nil, oops.With("index", i).With("username", entry.Username).Wrap(err)
			}
			passkeys = append(passkeys, decoded)
		}

		u, err := auth.NewUser(entry.Username, entry.Email, hash, passkeys...)
		if err != nil {
			return nil, oops.With("index", i).Wrap(err)
		}
		users = append(users, u)
	}
	return users, nil
}

func passwordHash(hasher auth.PasswordHasher, entry User) (string, error) {
	switch {
	case entry.Password != "" && entry.PasswordHash != "":
		return "", oops.Code("SEED_INVALID").Errorf("password and password_hash are mutually exclusive")
	case entry.PasswordHash != "":
		return entry.PasswordHash, nil
	case entry.Password != "":
		hash, err := hasher.Hash(entry.Password)
		if err != nil {
			return "", oops.Code("SEED_INVALID").With("operation", "hash password").Wrap(err)
		}
		return hash, nil
	default:
		return "", oops.Code("SEED_INVALID").Errorf("password or password_hash is required")
	}
}

func decodePasskey(pk Passkey) (auth.Passkey, error) {
	if _, err := base64.RawURLEncoding.DecodeString(pk.CredentialID); err != nil || pk.CredentialID == "" {
		return auth.Passkey{}, oops.Code("SEED_INVALID").
			With("credential_id", pk.CredentialID).
			Errorf("credential_id must be unpadded base64url")
	}
	der, err := base64.StdEncoding.DecodeString(pk.PublicKey)
	if err != nil {
		return auth.Passkey{}, oops.Code("SEED_INVALID").
			With("credential_id", pk.CredentialID).
			Wrapf(err, "public_key must be base64")
	}
	if _, err := x509.ParsePKIXPublicKey(der); err != nil {
		return auth.Passkey{}, oops.Code("SEED_INVALID").
			With("credential_id", pk.CredentialID).
			Wrapf(err, "public_key is not a PKIX public key")
	}
	return auth.Passkey{
		CredentialID: pk.CredentialID,
		PublicKey:    der,
		SignCount:    pk.SignCount,
	}, nil
}
