// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

// Package ratelimit throttles the login flow per client IP and locks
// usernames and temporary sessions that keep failing.
//
// Guard wraps an auth.Authenticator. Hit logs and lock deadlines live in a
// WindowStore: MemoryWindows for a single process, RedisWindows to share
// them across processes.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/gatekeep/gatekeep/internal/auth"
	"github.com/gatekeep/gatekeep/internal/webauthn"
)

// Default policy values.
const (
	DefaultIPWindow              = time.Minute
	DefaultPasswordPerIP         = 20
	DefaultVerifyPerIP           = 30
	DefaultUsernameFailureLimit  = 5
	DefaultUsernameFailureWindow = 24 * time.Hour
	DefaultUsernameLockDuration  = 10 * time.Minute
	DefaultSessionFailureLimit   = 8
	DefaultSessionFailureWindow  = 10 * time.Minute
	DefaultSessionLockDuration   = 10 * time.Minute
)

// Rejection scopes reported to a RejectionRecorder.
const (
	ScopeIP       = "ip"
	ScopeUsername = "username"
	ScopeSession  = "session"
)

// Config is the Guard policy. Zero fields take the defaults above.
type Config struct {
	IPWindow      time.Duration
	PasswordPerIP int
	VerifyPerIP   int

	// UsernameFailureLimit consecutive step-1 failures lock the username
	// for UsernameLockDuration. A success resets the count.
	UsernameFailureLimit  int
	UsernameFailureWindow time.Duration
	UsernameLockDuration  time.Duration

	// SessionFailureLimit failed codes within SessionFailureWindow lock
	// the temporary session for SessionLockDuration.
	SessionFailureLimit  int
	SessionFailureWindow time.Duration
	SessionLockDuration  time.Duration
}

func (c Config) withDefaults() Config {
	setDur := func(v *time.Duration, d time.Duration) {
		if *v <= 0 {
			*v = d
		}
	}
	setInt := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	setDur(&c.IPWindow, DefaultIPWindow)
	setInt(&c.PasswordPerIP, DefaultPasswordPerIP)
	setInt(&c.VerifyPerIP, DefaultVerifyPerIP)
	setInt(&c.UsernameFailureLimit, DefaultUsernameFailureLimit)
	setDur(&c.UsernameFailureWindow, DefaultUsernameFailureWindow)
	setDur(&c.UsernameLockDuration, DefaultUsernameLockDuration)
	setInt(&c.SessionFailureLimit, DefaultSessionFailureLimit)
	setDur(&c.SessionFailureWindow, DefaultSessionFailureWindow)
	setDur(&c.SessionLockDuration, DefaultSessionLockDuration)
	return c
}

// RejectionRecorder counts requests the Guard turned away.
type RejectionRecorder interface {
	RecordRejection(scope string)
}

type nopRejections struct{}

func (nopRejections) RecordRejection(string) {}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithGuardClock overrides the time source.
func WithGuardClock(now func() time.Time) GuardOption {
	return func(g *Guard) { g.now = now }
}

// WithGuardLogger sets the logger used for rejections.
func WithGuardLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) { g.logger = logger }
}

// WithRejectionRecorder reports every rejection to r.
func WithRejectionRecorder(r RejectionRecorder) GuardOption {
	return func(g *Guard) { g.rejections = r }
}

// Guard applies the throttling and lockout policy in front of an
// auth.Authenticator. The client IP is supplied by the transport.
//
// Window store faults fail closed.
type Guard struct {
	next       auth.Authenticator
	windows    WindowStore
	cfg        Config
	now        func() time.Time
	logger     *slog.Logger
	rejections RejectionRecorder
}

// NewGuard creates a Guard.
func NewGuard(next auth.Authenticator, windows WindowStore, cfg Config, opts ...GuardOption) (*Guard, error) {
	if next == nil {
		return nil, oops.Code("RATELIMIT_INVALID").Errorf("authenticator is required")
	}
	if windows == nil {
		return nil, oops.Code("RATELIMIT_INVALID").Errorf("window store is required")
	}
	g := &Guard{
		next:       next,
		windows:    windows,
		cfg:        cfg.withDefaults(),
		now:        time.Now,
		logger:     slog.Default(),
		rejections: nopRejections{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Config returns the effective policy.
func (g *Guard) Config() Config {
	return g.cfg
}

// usernameKey shares the store's normalization so every spelling that
// reaches an account draws on the same failure budget.
func usernameKey(username string) string {
	return "user:" + auth.NormalizeUsername(username)
}

// sessionKey never embeds the bearer value itself.
func sessionKey(sessionID string) string {
	return "session:" + auth.HashToken(sessionID)
}

// BeginPassword is step 1 with per-IP throttling and username lockout.
func (g *Guard) BeginPassword(ctx context.Context, ip, username, password string) (string, error) {
	now := g.now()
	key := usernameKey(username)

	if err := g.checkLock(ctx, ScopeUsername, key, now); err != nil {
		return "", err
	}
	if err := g.throttle(ctx, "ip:password:"+ip, now, g.cfg.PasswordPerIP); err != nil {
		return "", err
	}

	sessionID, err := g.next.BeginPassword(ctx, username, password)
	switch {
	case err == nil:
		if resetErr := g.windows.Reset(ctx, "fail:"+key); resetErr != nil {
			return "", g.backendFault("reset username failures", resetErr)
		}
		return sessionID, nil
	case auth.IsCode(err, auth.CodeInvalidCredentials):
		return "", g.recordFailure(ctx, ScopeUsername, key, now,
			g.cfg.UsernameFailureWindow, g.cfg.UsernameFailureLimit, g.cfg.UsernameLockDuration, err)
	default:
		return "", err
	}
}

// RequestEmailCode is refused while the session is locked.
func (g *Guard) RequestEmailCode(ctx context.Context, sessionID string) error {
	if err := g.checkLock(ctx, ScopeSession, sessionKey(sessionID), g.now()); err != nil {
		return err
	}
	return g.next.RequestEmailCode(ctx, sessionID)
}

// VerifyEmailCode is step 2 with per-IP throttling and session lockout.
func (g *Guard) VerifyEmailCode(ctx context.Context, ip, sessionID, code string) (string, error) {
	now := g.now()
	key := sessionKey(sessionID)

	if err := g.checkLock(ctx, ScopeSession, key, now); err != nil {
		return "", err
	}
	if err := g.throttle(ctx, "ip:verify:"+ip, now, g.cfg.VerifyPerIP); err != nil {
		return "", err
	}

	token, err := g.next.VerifyEmailCode(ctx, sessionID, code)
	if err != nil && auth.IsCode(err, auth.CodeCodeInvalid) {
		return "", g.recordFailure(ctx, ScopeSession, key, now,
			g.cfg.SessionFailureWindow, g.cfg.SessionFailureLimit, g.cfg.SessionLockDuration, err)
	}
	return token, err
}

// BeginPasskey passes through.
func (g *Guard) BeginPasskey(ctx context.Context, step2Token string) (*auth.PasskeyChallenge, error) {
	return g.next.BeginPasskey(ctx, step2Token)
}

// CompletePasskey passes through.
func (g *Guard) CompletePasskey(ctx context.Context, step2Token string, assertion *webauthn.Assertion, expectedOrigin string) (auth.TokenPair, error) {
	return g.next.CompletePasskey(ctx, step2Token, assertion, expectedOrigin)
}

// RotateRefreshToken passes through.
func (g *Guard) RotateRefreshToken(ctx context.Context, refresh string) (string, error) {
	return g.next.RotateRefreshToken(ctx, refresh)
}

// VerifyAccessToken passes through.
func (g *Guard) VerifyAccessToken(ctx context.Context, access string) (ulid.ULID, error) {
	return g.next.VerifyAccessToken(ctx, access)
}

func (g *Guard) checkLock(ctx context.Context, scope, key string, now time.Time) error {
	until, locked, err := g.windows.LockedUntil(ctx, key, now)
	if err != nil {
		return g.backendFault("check lock", err)
	}
	if locked {
		g.reject(ctx, scope, "lock active")
		return auth.Locked(until)
	}
	return nil
}

func (g *Guard) throttle(ctx context.Context, key string, now time.Time, limit int) error {
	d, err := g.windows.Allow(ctx, key, now, g.cfg.IPWindow, limit)
	if err != nil {
		return g.backendFault("throttle", err)
	}
	if !d.Allowed {
		g.reject(ctx, ScopeIP, "rate exceeded")
		return auth.RateLimited(d.RetryAfter)
	}
	return nil
}

// recordFailure counts a failure and locks key once limit is reached. The
// caller's error is returned unless this failure triggered the lock.
func (g *Guard) recordFailure(ctx context.Context, scope, key string, now time.Time, span time.Duration, limit int, lockFor time.Duration, cause error) error {
	n, err := g.windows.Add(ctx, "fail:"+key, now, span)
	if err != nil {
		return g.backendFault("record failure", err)
	}
	if n < limit {
		return cause
	}

	until := now.Add(lockFor)
	if err := g.windows.Lock(ctx, key, until, now); err != nil {
		return g.backendFault("lock", err)
	}
	if err := g.windows.Reset(ctx, "fail:"+key); err != nil {
		return g.backendFault("reset failures", err)
	}
	g.logger.WarnContext(ctx, "lock engaged", "scope", scope, "failures", n, "lock_until", until)
	g.rejections.RecordRejection(scope)
	return auth.Locked(until)
}

func (g *Guard) reject(ctx context.Context, scope, reason string) {
	g.rejections.RecordRejection(scope)
	g.logger.InfoContext(ctx, "request rejected", "scope", scope, "reason", reason)
}

func (g *Guard) backendFault(operation string, err error) error {
	wrapped := oops.Code(auth.CodeInternal).With("operation", operation).Wrap(err)
	g.logger.Error("rate limit backend failed", "operation", operation, "error", err)
	return wrapped
}

// guardAdapter lets a Guard stand in where an auth.Authenticator is expected
// and the client IP is fixed, such as a single-client CLI.
type guardAdapter struct {
	*Guard
	ip string
}

// ForIP returns an auth.Authenticator that applies the Guard with a fixed
// client IP.
func (g *Guard) ForIP(ip string) auth.Authenticator {
	return guardAdapter{Guard: g, ip: ip}
}

func (a guardAdapter) BeginPassword(ctx context.Context, username, password string) (string, error) {
	return a.Guard.BeginPassword(ctx, a.ip, username, password)
}

func (a guardAdapter) VerifyEmailCode(ctx context.Context, sessionID, code string) (string, error) {
	return a.Guard.VerifyEmailCode(ctx, a.ip, sessionID, code)
}

var _ auth.Authenticator = guardAdapter{}
