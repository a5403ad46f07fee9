// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/url"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/gatekeep/gatekeep/internal/webauthn"
	"github.com/gatekeep/gatekeep/pkg/errutil"
)

// Step labels used in logs and metrics.
const (
	StepPassword        = "password"
	StepEmailRequest    = "email_request"
	StepEmailVerify     = "email_verify"
	StepPasskeyBegin    = "passkey_begin"
	StepPasskeyComplete = "passkey_complete"
	StepRefresh         = "refresh"
	StepAccess          = "access"
)

// Step outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeLocked  = "locked"
	OutcomeError   = "error"
)

// Authenticator is the caller-facing login surface. Service implements it;
// ratelimit.Guard wraps one.
type Authenticator interface {
	BeginPassword(ctx context.Context, username, password string) (string, error)
	RequestEmailCode(ctx context.Context, sessionID string) error
	VerifyEmailCode(ctx context.Context, sessionID, code string) (string, error)
	BeginPasskey(ctx context.Context, step2Token string) (*PasskeyChallenge, error)
	CompletePasskey(ctx context.Context, step2Token string, assertion *webauthn.Assertion, expectedOrigin string) (TokenPair, error)
	RotateRefreshToken(ctx context.Context, refreshToken string) (string, error)
	VerifyAccessToken(ctx context.Context, accessToken string) (ulid.ULID, error)
}

// ChallengeVerifier is the WebAuthn logic the Service depends on.
// *webauthn.Verifier satisfies it.
type ChallengeVerifier interface {
	GenerateChallenge() (string, error)
	GenerateAuthenticationOptions(challenge, rpID string) webauthn.AuthenticationOptions
	VerifyAuthentication(in webauthn.VerifyInput) webauthn.Result
}

// StepRecorder observes the outcome of each step.
type StepRecorder interface {
	RecordStep(step, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RecordStep(string, string) {}

// PasskeyChallenge is returned by BeginPasskey.
type PasskeyChallenge struct {
	Challenge string
	Options   webauthn.AuthenticationOptions
}

// ServiceDeps are the collaborators a Service cannot run without.
type ServiceDeps struct {
	Store      CredentialStore
	Hasher     PasswordHasher
	Verifier   ChallengeVerifier
	Dispatcher EmailDispatcher
	// Origin is the canonical deployment origin, e.g. https://login.example.com.
	// The relying-party ID is its host.
	Origin string
}

// ServiceOption configures optional Service collaborators.
type ServiceOption func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithWorkPool sets the pool used for password and signature checks.
func WithWorkPool(pool *WorkPool) ServiceOption {
	return func(s *Service) { s.pool = pool }
}

// WithStepRecorder sets the observer for step outcomes.
func WithStepRecorder(r StepRecorder) ServiceOption {
	return func(s *Service) { s.recorder = r }
}

// Service sequences the three login steps.
type Service struct {
	store      CredentialStore
	hasher     PasswordHasher
	verifier   ChallengeVerifier
	dispatcher EmailDispatcher
	origin     string
	rpID       string

	pool     *WorkPool
	logger   *slog.Logger
	recorder StepRecorder
}

// NewService creates a Service, validating its dependencies.
func NewService(deps ServiceDeps, opts ...ServiceOption) (*Service, error) {
	switch {
	case deps.Store == nil:
		return nil, oops.Code("AUTH_SERVICE_INVALID").Errorf("credential store is required")
	case deps.Hasher == nil:
		return nil, oops.Code("AUTH_SERVICE_INVALID").Errorf("password hasher is required")
	case deps.Verifier == nil:
		return nil, oops.Code("AUTH_SERVICE_INVALID").Errorf("challenge verifier is required")
	case deps.Dispatcher == nil:
		return nil, oops.Code("AUTH_SERVICE_INVALID").Errorf("email dispatcher is required")
	}

	rpID, err := RPIDFromOrigin(deps.Origin)
	if err != nil {
		return nil, err
	}

	s := &Service{
		store:      deps.Store,
		hasher:     deps.Hasher,
		verifier:   deps.Verifier,
		dispatcher: deps.Dispatcher,
		origin:     deps.Origin,
		rpID:       rpID,
		logger:     slog.Default(),
		recorder:   nopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		return nil, oops.Code("AUTH_SERVICE_INVALID").Errorf("logger is required")
	}
	if s.recorder == nil {
		s.recorder = nopRecorder{}
	}
	if s.pool == nil {
		s.pool = NewWorkPool(0)
	}
	return s, nil
}

// RPIDFromOrigin extracts the relying-party ID (host without port) from an origin.
func RPIDFromOrigin(origin string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", oops.Code("AUTH_SERVICE_INVALID").With("origin", origin).Wrap(err)
	}
	if u.Scheme == "" || u.Hostname() == "" {
		return "", oops.Code("AUTH_SERVICE_INVALID").
			With("origin", origin).
			Errorf("origin must be an absolute URL such as https://login.example.com")
	}
	return u.Hostname(), nil
}

// RPID returns the relying-party ID assertions are bound to.
func (s *Service) RPID() string { return s.rpID }

// BeginPassword verifies a username and password and starts a temp session.
// Unknown users and wrong passwords fail identically; a dummy hash is
// verified for unknown users so both paths cost one scrypt evaluation.
func (s *Service) BeginPassword(ctx context.Context, username, password string) (string, error) {
	user, err := s.store.FindUserByUsername(ctx, username)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		user = nil
	default:
		return "", s.internal(StepPassword, "find user by username", err)
	}

	target := dummyPasswordHash
	if user != nil {
		target = user.PasswordHash
	}

	var valid bool
	var verifyErr error
	if err := s.pool.Do(ctx, func() {
		valid, verifyErr = s.hasher.Verify(password, target)
	}); err != nil {
		return "", s.internal(StepPassword, "acquire work slot", err)
	}

	if verifyErr != nil && user != nil {
		s.logger.WarnContext(ctx, "stored password hash is unreadable",
			"user_id", user.ID.String(), "error", verifyErr)
	}
	if user == nil || verifyErr != nil || !valid {
		s.recorder.RecordStep(StepPassword, OutcomeFailure)
		if user != nil {
			s.logger.InfoContext(ctx, "password step failed", "user_id", user.ID.String())
		} else {
			s.logger.InfoContext(ctx, "password step failed", "username", NormalizeUsername(username))
		}
		return "", InvalidCredentials()
	}

	sessionID, err := s.store.CreateTempSession(ctx, user.ID, TempSessionTTL)
	if err != nil {
		return "", s.internal(StepPassword, "create temp session", err)
	}

	s.recorder.RecordStep(StepPassword, OutcomeSuccess)
	s.logger.InfoContext(ctx, "password step succeeded", "user_id", user.ID.String())
	return sessionID, nil
}

// RequestEmailCode generates a code for the session's user and dispatches it.
// Dispatcher failures are returned to the caller.
func (s *Service) RequestEmailCode(ctx context.Context, sessionID string) error {
	session, err := s.resolveSession(ctx, StepEmailRequest, sessionID)
	if err != nil {
		return err
	}

	user, err := s.store.FindUserByID(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.recorder.RecordStep(StepEmailRequest, OutcomeFailure)
			return SessionExpiredOrInvalid()
		}
		return s.internal(StepEmailRequest, "find user by id", err)
	}

	code, err := GenerateCode()
	if err != nil {
		return s.internal(StepEmailRequest, "generate code", err)
	}
	if err := s.store.SaveVerificationCode(ctx, user.ID, code, VerificationCodeTTL); err != nil {
		return s.internal(StepEmailRequest, "save verification code", err)
	}
	if err := s.dispatcher.Send(ctx, user.Email, code); err != nil {
		return s.internal(StepEmailRequest, "dispatch verification code", err)
	}

	s.recorder.RecordStep(StepEmailRequest, OutcomeSuccess)
	s.logger.InfoContext(ctx, "verification code sent", "user_id", user.ID.String())
	return nil
}

// VerifyEmailCode checks a code and issues a step-2 token.
func (s *Service) VerifyEmailCode(ctx context.Context, sessionID, code string) (string, error) {
	session, err := s.resolveSession(ctx, StepEmailVerify, sessionID)
	if err != nil {
		return "", err
	}

	res, err := s.store.VerifyLatestCode(ctx, session.UserID, code)
	if err != nil {
		return "", s.internal(StepEmailVerify, "verify latest code", err)
	}
	if !res.OK {
		if (res.Reason == FailLocked || res.Reason == FailMaxAttempts) && res.LockUntil != nil {
			s.recorder.RecordStep(StepEmailVerify, OutcomeLocked)
			s.logger.WarnContext(ctx, "verification code locked",
				"user_id", session.UserID.String(),
				"reason", string(res.Reason),
				"lock_until", *res.LockUntil)
			return "", Locked(*res.LockUntil)
		}
		s.recorder.RecordStep(StepEmailVerify, OutcomeFailure)
		s.logger.InfoContext(ctx, "verification code rejected",
			"user_id", session.UserID.String(), "reason", string(res.Reason))
		return "", InvalidOrExpiredCode()
	}

	token, err := s.store.CreateStep2Token(ctx, session.UserID, Step2TokenTTL)
	if err != nil {
		return "", s.internal(StepEmailVerify, "create step-2 token", err)
	}

	s.recorder.RecordStep(StepEmailVerify, OutcomeSuccess)
	s.logger.InfoContext(ctx, "email step succeeded", "user_id", session.UserID.String())
	return token, nil
}

// BeginPasskey issues a WebAuthn challenge to the step-2 token's user.
// The token is not consumed.
func (s *Service) BeginPasskey(ctx context.Context, step2Token string) (*PasskeyChallenge, error) {
	userID, err := s.resolveStep2(ctx, StepPasskeyBegin, step2Token)
	if err != nil {
		return nil, err
	}

	challenge, err := s.verifier.GenerateChallenge()
	if err != nil {
		return nil, s.internal(StepPasskeyBegin, "generate challenge", err)
	}
	if err := s.store.SaveAuthChallenge(ctx, userID, challenge, ChallengeTTL); err != nil {
		return nil, s.internal(StepPasskeyBegin, "save challenge", err)
	}

	s.recorder.RecordStep(StepPasskeyBegin, OutcomeSuccess)
	return &PasskeyChallenge{
		Challenge: challenge,
		Options:   s.verifier.GenerateAuthenticationOptions(challenge, s.rpID),
	}, nil
}

// CompletePasskey verifies an assertion over an outstanding challenge and
// issues a token pair. The challenge is consumed before the signature is
// checked, so a failed attempt cannot be retried with the same challenge.
// An empty expectedOrigin means the configured origin.
func (s *Service) CompletePasskey(ctx context.Context, step2Token string, assertion *webauthn.Assertion, expectedOrigin string) (TokenPair, error) {
	userID, err := s.resolveStep2(ctx, StepPasskeyComplete, step2Token)
	if err != nil {
		return TokenPair{}, err
	}
	if expectedOrigin == "" {
		expectedOrigin = s.origin
	}

	if assertion == nil {
		s.recorder.RecordStep(StepPasskeyComplete, OutcomeFailure)
		return TokenPair{}, InvalidOrExpiredChallenge()
	}
	clientData, _, err := webauthn.ParseClientData(assertion.Response.ClientDataJSON)
	if err != nil || clientData.Challenge == "" {
		s.recorder.RecordStep(StepPasskeyComplete, OutcomeFailure)
		return TokenPair{}, InvalidOrExpiredChallenge()
	}

	consumed, err := s.store.ConsumeAuthChallenge(ctx, userID, clientData.Challenge)
	if err != nil {
		return TokenPair{}, s.internal(StepPasskeyComplete, "consume challenge", err)
	}
	if !consumed {
		s.recorder.RecordStep(StepPasskeyComplete, OutcomeFailure)
		s.logger.InfoContext(ctx, "challenge rejected", "user_id", userID.String())
		return TokenPair{}, InvalidOrExpiredChallenge()
	}

	passkey, err := s.store.FindPasskey(ctx, userID, assertion.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.recorder.RecordStep(StepPasskeyComplete, OutcomeFailure)
			s.logger.WarnContext(ctx, "unknown passkey", "user_id", userID.String())
			return TokenPair{}, UnknownPasskey()
		}
		return TokenPair{}, s.internal(StepPasskeyComplete, "find passkey", err)
	}

	var result webauthn.Result
	if err := s.pool.Do(ctx, func() {
		result = s.verifier.VerifyAuthentication(webauthn.VerifyInput{
			Assertion:         assertion,
			ExpectedChallenge: clientData.Challenge,
			ExpectedOrigin:    expectedOrigin,
			ExpectedRPID:      s.rpID,
			PublicKey:         passkey.PublicKey,
			PreviousSignCount: passkey.SignCount,
		})
	}); err != nil {
		return TokenPair{}, s.internal(StepPasskeyComplete, "acquire work slot", err)
	}
	if !result.Verified {
		s.recorder.RecordStep(StepPasskeyComplete, OutcomeFailure)
		s.logger.WarnContext(ctx, "passkey assertion rejected",
			"user_id", userID.String(), "reason", string(result.Reason))
		return TokenPair{}, SignatureVerificationFailed()
	}

	if err := s.store.UpdatePasskeySignCount(ctx, userID, passkey.CredentialID, result.NewSignCount); err != nil {
		switch {
		case errors.Is(err, ErrStaleSignCount):
			// A concurrent assertion advanced the counter first.
			s.recorder.RecordStep(StepPasskeyComplete, OutcomeFailure)
			s.logger.WarnContext(ctx, "passkey counter lost race",
				"user_id", userID.String(), "sign_count", result.NewSignCount)
			return TokenPair{}, SignatureVerificationFailed()
		case errors.Is(err, ErrNotFound):
			s.recorder.RecordStep(StepPasskeyComplete, OutcomeFailure)
			return TokenPair{}, UnknownPasskey()
		default:
			return TokenPair{}, s.internal(StepPasskeyComplete, "update sign count", err)
		}
	}

	pair, err := s.store.IssueTokenPair(ctx, userID, AccessTokenTTL, RefreshTokenTTL)
	if err != nil {
		return TokenPair{}, s.internal(StepPasskeyComplete, "issue token pair", err)
	}

	s.recorder.RecordStep(StepPasskeyComplete, OutcomeSuccess)
	s.logger.InfoContext(ctx, "login completed", "user_id", userID.String())
	return pair, nil
}

// RotateRefreshToken exchanges a refresh token for its single-use successor.
func (s *Service) RotateRefreshToken(ctx context.Context, refreshToken string) (string, error) {
	next, err := s.store.RotateRefreshToken(ctx, refreshToken, RefreshTokenTTL)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrExpired) {
			s.recorder.RecordStep(StepRefresh, OutcomeFailure)
			return "", InvalidRefreshToken()
		}
		return "", s.internal(StepRefresh, "rotate refresh token", err)
	}
	s.recorder.RecordStep(StepRefresh, OutcomeSuccess)
	return next, nil
}

// VerifyAccessToken returns the user an access token was issued to.
func (s *Service) VerifyAccessToken(ctx context.Context, accessToken string) (ulid.ULID, error) {
	userID, err := s.store.VerifyOpaqueToken(ctx, accessToken, TokenAccess)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrExpired) {
			s.recorder.RecordStep(StepAccess, OutcomeFailure)
			return ulid.ULID{}, InvalidAccessToken()
		}
		return ulid.ULID{}, s.internal(StepAccess, "verify access token", err)
	}
	s.recorder.RecordStep(StepAccess, OutcomeSuccess)
	return userID, nil
}

func (s *Service) resolveSession(ctx context.Context, step, sessionID string) (*TempSession, error) {
	session, err := s.store.GetTempSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrExpired) {
			s.recorder.RecordStep(step, OutcomeFailure)
			return nil, SessionExpiredOrInvalid()
		}
		return nil, s.internal(step, "get temp session", err)
	}
	return session, nil
}

func (s *Service) resolveStep2(ctx context.Context, step, token string) (ulid.ULID, error) {
	userID, err := s.store.ResolveStep2Token(ctx, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrExpired) {
			s.recorder.RecordStep(step, OutcomeFailure)
			return ulid.ULID{}, InvalidStep2Token()
		}
		return ulid.ULID{}, s.internal(step, "resolve step-2 token", err)
	}
	return userID, nil
}

// internal wraps an infrastructure fault. oops reports the innermost code,
// so a fault that already carries one keeps it.
func (s *Service) internal(step, operation string, err error) error {
	s.recorder.RecordStep(step, OutcomeError)
	wrapped := oops.Code(CodeInternal).
		With("step", step).
		With("operation", operation).
		Wrap(err)
	errutil.LogError(s.logger, "auth step failed", wrapped)
	return wrapped
}

var _ Authenticator = (*Service)(nil)
