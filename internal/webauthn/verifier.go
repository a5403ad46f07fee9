// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package webauthn

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"io"

	"github.com/samber/oops"
)

// ChallengeBytes is the entropy of a generated challenge.
const ChallengeBytes = 32

// Reason names the first check an assertion failed.
type Reason string

// Failure reasons, in check order.
const (
	ReasonCredentialType     Reason = "credential_type"
	ReasonClientDataInvalid  Reason = "client_data_invalid"
	ReasonClientDataType     Reason = "client_data_type"
	ReasonChallengeMismatch  Reason = "challenge_mismatch"
	ReasonOriginMismatch     Reason = "origin_mismatch"
	ReasonAuthDataInvalid    Reason = "authenticator_data_invalid"
	ReasonRPIDMismatch       Reason = "rp_id_mismatch"
	ReasonUserNotPresent     Reason = "user_not_present"
	ReasonUserNotVerified    Reason = "user_not_verified"
	ReasonSignCountReplay    Reason = "sign_count_not_increased"
	ReasonPublicKeyInvalid   Reason = "public_key_invalid"
	ReasonSignatureMalformed Reason = "signature_malformed"
	ReasonSignatureInvalid   Reason = "signature_invalid"
)

// VerifyInput is everything needed to check one assertion. PublicKey is
// PKIX DER.
type VerifyInput struct {
	Assertion         *Assertion
	ExpectedChallenge string
	ExpectedOrigin    string
	ExpectedRPID      string
	PublicKey         []byte
	PreviousSignCount uint32
}

// Result is the outcome of VerifyAuthentication. Reason is set when
// Verified is false.
type Result struct {
	Verified     bool
	NewSignCount uint32
	Reason       Reason
}

func reject(r Reason) Result { return Result{Reason: r} }

// Verifier generates challenges and verifies assertions. It holds no state
// besides its random source and is safe for concurrent use.
type Verifier struct {
	rand    io.Reader
	timeout int
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithRandom overrides the random source used for challenges.
func WithRandom(r io.Reader) Option {
	return func(v *Verifier) { v.rand = r }
}

// WithTimeoutMillis overrides the client timeout advertised in options.
func WithTimeoutMillis(ms int) Option {
	return func(v *Verifier) { v.timeout = ms }
}

// NewVerifier creates a Verifier.
func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{rand: rand.Reader, timeout: DefaultTimeoutMillis}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// GenerateChallenge returns a random base64url challenge.
func (v *Verifier) GenerateChallenge() (string, error) {
	b := make([]byte, ChallengeBytes)
	if _, err := io.ReadFull(v.rand, b); err != nil {
		return "", oops.Code("WEBAUTHN_CHALLENGE_FAILED").Wrap(err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateAuthenticationOptions builds options for a discoverable-credential login.
func (v *Verifier) GenerateAuthenticationOptions(challenge, rpID string) AuthenticationOptions {
	return AuthenticationOptions{
		Challenge:        challenge,
		Timeout:          v.timeout,
		RPID:             rpID,
		UserVerification: UserVerificationReq,
		AllowCredentials: []CredentialDescriptor{},
	}
}

// VerifyAuthentication runs every assertion check in order and stops at the
// first failure.
func (v *Verifier) VerifyAuthentication(in VerifyInput) Result {
	a := in.Assertion
	if a == nil || a.Type != CredentialTypePublic {
		return reject(ReasonCredentialType)
	}

	cd, clientDataRaw, err := ParseClientData(a.Response.ClientDataJSON)
	if err != nil {
		return reject(ReasonClientDataInvalid)
	}
	if cd.Type != ClientDataTypeGet {
		return reject(ReasonClientDataType)
	}
	if subtle.ConstantTimeCompare([]byte(cd.Challenge), []byte(in.ExpectedChallenge)) != 1 {
		return reject(ReasonChallengeMismatch)
	}
	if cd.Origin != in.ExpectedOrigin {
		return reject(ReasonOriginMismatch)
	}

	authDataRaw, err := DecodeBase64URL(a.Response.AuthenticatorData)
	if err != nil {
		return reject(ReasonAuthDataInvalid)
	}
	ad, err := ParseAuthenticatorData(authDataRaw)
	if err != nil {
		return reject(ReasonAuthDataInvalid)
	}

	rpIDHash := sha256.Sum256([]byte(in.ExpectedRPID))
	if subtle.ConstantTimeCompare(rpIDHash[:], ad.RPIDHash[:]) != 1 {
		return reject(ReasonRPIDMismatch)
	}
	if !ad.UserPresent() {
		return reject(ReasonUserNotPresent)
	}
	if !ad.UserVerified() {
		return reject(ReasonUserNotVerified)
	}
	if ad.SignCount <= in.PreviousSignCount {
		return reject(ReasonSignCountReplay)
	}

	sig, err := DecodeBase64URL(a.Response.Signature)
	if err != nil || len(sig) == 0 {
		return reject(ReasonSignatureMalformed)
	}
	pub, err := ParsePublicKey(in.PublicKey)
	if err != nil {
		return reject(ReasonPublicKeyInvalid)
	}

	clientDataHash := sha256.Sum256(clientDataRaw)
	signed := make([]byte, 0, len(authDataRaw)+len(clientDataHash))
	signed = append(signed, authDataRaw...)
	signed = append(signed, clientDataHash[:]...)

	if !verifySignature(pub, signed, sig) {
		return reject(ReasonSignatureInvalid)
	}

	return Result{Verified: true, NewSignCount: ad.SignCount}
}

// ParsePublicKey parses PKIX DER and accepts ECDSA (P-256/384/521),
// Ed25519, and RSA keys.
func ParsePublicKey(der []byte) (crypto.PublicKey, error) {
	if len(der) == 0 {
		return nil, oops.Code("WEBAUTHN_PUBLIC_KEY_INVALID").Errorf("public key is empty")
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, oops.Code("WEBAUTHN_PUBLIC_KEY_INVALID").Wrap(err)
	}
	switch k := pub.(type) {
	case *ecdsa.PublicKey, ed25519.PublicKey:
		return k, nil
	case *rsa.PublicKey:
		if k.N.BitLen() < 2048 {
			return nil, oops.Code("WEBAUTHN_PUBLIC_KEY_INVALID").
				With("bits", k.N.BitLen()).
				Errorf("rsa key too small")
		}
		return k, nil
	default:
		return nil, oops.Code("WEBAUTHN_PUBLIC_KEY_INVALID").Errorf("unsupported public key type %T", pub)
	}
}

// verifySignature checks sig over msg. ECDSA signatures are ASN.1 DER as
// authenticators emit them; the hash follows the curve (ES256/ES384/ES512).
func verifySignature(pub crypto.PublicKey, msg, sig []byte) bool {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		return ecdsa.VerifyASN1(k, ecdsaDigest(k.Curve, msg), sig)
	case ed25519.PublicKey:
		return ed25519.Verify(k, msg, sig)
	case *rsa.PublicKey:
		digest := sha256.Sum256(msg)
		return rsa.VerifyPKCS1v15(k, crypto.SHA256, digest[:], sig) == nil
	default:
		return false
	}
}

func ecdsaDigest(curve elliptic.Curve, msg []byte) []byte {
	switch curve {
	case elliptic.P384():
		d := sha512.Sum384(msg)
		return d[:]
	case elliptic.P521():
		d := sha512.Sum512(msg)
		return d[:]
	default:
		d := sha256.Sum256(msg)
		return d[:]
	}
}
