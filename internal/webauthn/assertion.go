// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

// Package webauthn verifies WebAuthn authentication assertions.
//
// Only the assertion (login) ceremony is implemented. Registration is
// handled elsewhere; this package receives public keys as PKIX DER.
package webauthn

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/samber/oops"
)

// Client data and credential type literals.
const (
	ClientDataTypeGet    = "webauthn.get"
	CredentialTypePublic = "public-key"
	UserVerificationReq  = "required"
	DefaultTimeoutMillis = 60000
)

// Assertion is the JSON a browser produces from navigator.credentials.get.
type Assertion struct {
	ID       string            `json:"id"`
	RawID    string            `json:"rawId,omitempty"`
	Type     string            `json:"type"`
	Response AssertionResponse `json:"response"`
}

// AssertionResponse holds the base64url-encoded authenticator output.
type AssertionResponse struct {
	ClientDataJSON    string  `json:"clientDataJSON"`
	AuthenticatorData string  `json:"authenticatorData"`
	Signature         string  `json:"signature"`
	UserHandle        *string `json:"userHandle,omitempty"`
}

// ClientData is the decoded clientDataJSON.
type ClientData struct {
	Type        string `json:"type"`
	Challenge   string `json:"challenge"`
	Origin      string `json:"origin"`
	CrossOrigin bool   `json:"crossOrigin,omitempty"`
}

// CredentialDescriptor names a credential the client may use.
type CredentialDescriptor struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// AuthenticationOptions is sent to the client to start an assertion.
// An empty AllowCredentials list requests a discoverable credential.
type AuthenticationOptions struct {
	Challenge        string                 `json:"challenge"`
	Timeout          int                    `json:"timeout"`
	RPID             string                 `json:"rpId"`
	UserVerification string                 `json:"userVerification"`
	AllowCredentials []CredentialDescriptor `json:"allowCredentials"`
}

// DecodeBase64URL decodes base64url with or without padding.
func DecodeBase64URL(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, oops.Code("WEBAUTHN_BASE64_INVALID").Wrap(err)
	}
	return b, nil
}

// ParseClientData decodes and parses a base64url clientDataJSON value.
// It returns the raw JSON bytes alongside the parsed struct because the
// signature covers the exact bytes.
func ParseClientData(encoded string) (ClientData, []byte, error) {
	raw, err := DecodeBase64URL(encoded)
	if err != nil {
		return ClientData{}, nil, err
	}
	var cd ClientData
	if err := json.Unmarshal(raw, &cd); err != nil {
		return ClientData{}, nil, oops.Code("WEBAUTHN_CLIENT_DATA_INVALID").Wrap(err)
	}
	return cd, raw, nil
}

// ParseAssertion decodes assertion JSON.
func ParseAssertion(data []byte) (*Assertion, error) {
	var a Assertion
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, oops.Code("WEBAUTHN_ASSERTION_INVALID").Wrap(err)
	}
	if a.ID == "" {
		return nil, oops.Code("WEBAUTHN_ASSERTION_INVALID").Errorf("credential id is required")
	}
	return &a, nil
}
