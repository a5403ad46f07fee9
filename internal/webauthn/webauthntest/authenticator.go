// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

// Package webauthntest provides a software authenticator for tests.
package webauthntest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gatekeep/gatekeep/internal/webauthn"
)

// Authenticator holds one ECDSA P-256 credential and a monotonic counter.
type Authenticator struct {
	CredentialID string

	key     *ecdsa.PrivateKey
	mu      sync.Mutex
	counter uint32
}

// AssertOptions controls one generated assertion.
type AssertOptions struct {
	Challenge string
	Origin    string
	RPID      string
	// ClientDataType defaults to webauthn.get.
	ClientDataType string
	// ClearFlags removes bits from the default UP|UV flags.
	ClearFlags byte
	// SignCount overrides the counter when non-zero. The internal counter
	// is not advanced in that case.
	SignCount uint32
}

// New creates an authenticator with a fresh key.
func New(tb testing.TB) *Authenticator {
	tb.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(tb, err)
	id := make([]byte, 16)
	_, err = rand.Read(id)
	require.NoError(tb, err)
	return &Authenticator{
		CredentialID: base64.RawURLEncoding.EncodeToString(id),
		key:          key,
	}
}

// PublicKeyDER returns the credential public key in PKIX DER.
func (a *Authenticator) PublicKeyDER(tb testing.TB) []byte {
	tb.Helper()
	der, err := x509.MarshalPKIXPublicKey(&a.key.PublicKey)
	require.NoError(tb, err)
	return der
}

// Counter returns the last sign count the authenticator emitted.
func (a *Authenticator) Counter() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counter
}

// Assert signs a new assertion.
func (a *Authenticator) Assert(tb testing.TB, opts AssertOptions) *webauthn.Assertion {
	tb.Helper()

	typ := opts.ClientDataType
	if typ == "" {
		typ = webauthn.ClientDataTypeGet
	}
	clientData, err := json.Marshal(webauthn.ClientData{
		Type:      typ,
		Challenge: opts.Challenge,
		Origin:    opts.Origin,
	})
	require.NoError(tb, err)

	count := opts.SignCount
	if count == 0 {
		a.mu.Lock()
		a.counter++
		count = a.counter
		a.mu.Unlock()
	}

	rpIDHash := sha256.Sum256([]byte(opts.RPID))
	authData := make([]byte, webauthn.MinAuthenticatorData)
	copy(authData, rpIDHash[:])
	authData[32] = (webauthn.FlagUserPresent | webauthn.FlagUserVerified) &^ opts.ClearFlags
	binary.BigEndian.PutUint32(authData[33:], count)

	clientDataHash := sha256.Sum256(clientData)
	digest := sha256.Sum256(append(append([]byte{}, authData...), clientDataHash[:]...))
	sig, err := ecdsa.SignASN1(rand.Reader, a.key, digest[:])
	require.NoError(tb, err)

	enc := base64.RawURLEncoding
	return &webauthn.Assertion{
		ID:    a.CredentialID,
		RawID: a.CredentialID,
		Type:  webauthn.CredentialTypePublic,
		Response: webauthn.AssertionResponse{
			ClientDataJSON:    enc.EncodeToString(clientData),
			AuthenticatorData: enc.EncodeToString(authData),
			Signature:         enc.EncodeToString(sig),
		},
	}
}
