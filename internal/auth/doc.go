// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

// Package auth implements the Gatekeep login flow: password, then an
// emailed one-time code, then a WebAuthn passkey assertion.
//
// # Domain Types
//
// Users are created with NewUser, which validates the username, email,
// password hash, and passkeys. Step records (TempSession, VerificationCode,
// Step2Token, AuthChallenge, OpaqueToken) are created only by a
// CredentialStore.
//
// # Services
//
// Service coordinates the steps and is the only layer that produces the
// caller-visible error codes (see errors.go). CredentialStore and
// ChallengeVerifier report outcomes as sentinels or result values.
//
// Services are created with NewService, which validates dependencies.
package auth
