// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

// Package memory provides the in-process CredentialStore.
//
// Locking: every read-then-write on a record runs under a per-key lock
// (user, user's codes, user's challenges, or token hash). The collection
// mutex only guards map structure and is never held while acquiring a key
// lock. The sweeper deletes under the same key locks.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/gatekeep/gatekeep/internal/auth"
)

// Collection names reported to the eviction observer.
const (
	CollectionSessions    = "sessions"
	CollectionCodes       = "codes"
	CollectionStep2Tokens = "step2_tokens"
	CollectionChallenges  = "challenges"
	CollectionTokens      = "tokens"
)

// EvictionObserver is told how many records a sweep removed per collection.
type EvictionObserver func(collection string, n int)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithUserRepository writes passkey counter changes through to repo.
func WithUserRepository(repo auth.UserRepository) Option {
	return func(s *Store) { s.repo = repo }
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithEvictionObserver receives sweep counts.
func WithEvictionObserver(fn EvictionObserver) Option {
	return func(s *Store) { s.onEvict = fn }
}

// Store is an in-memory auth.CredentialStore.
type Store struct {
	now     func() time.Time
	repo    auth.UserRepository
	logger  *slog.Logger
	onEvict EvictionObserver

	locks keyLocks

	mu           sync.RWMutex
	users        map[ulid.ULID]*auth.User
	byUsername   map[string]ulid.ULID
	byCredential map[string]ulid.ULID
	sessions     map[string]*auth.TempSession
	codes        map[ulid.ULID][]*auth.VerificationCode
	step2        map[string]*auth.Step2Token
	challenges   map[ulid.ULID][]*auth.AuthChallenge
	tokens       map[string]*auth.OpaqueToken

	sweepMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		now:          time.Now,
		logger:       slog.Default(),
		users:        make(map[ulid.ULID]*auth.User),
		byUsername:   make(map[string]ulid.ULID),
		byCredential: make(map[string]ulid.ULID),
		sessions:     make(map[string]*auth.TempSession),
		codes:        make(map[ulid.ULID][]*auth.VerificationCode),
		step2:        make(map[string]*auth.Step2Token),
		challenges:   make(map[ulid.ULID][]*auth.AuthChallenge),
		tokens:       make(map[string]*auth.OpaqueToken),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func userKey(id ulid.ULID) string       { return "user:" + id.String() }
func codesKey(id ulid.ULID) string      { return "codes:" + id.String() }
func challengesKey(id ulid.ULID) string { return "challenges:" + id.String() }
func tokenKey(hash string) string       { return "token:" + hash }

// AddUser registers a user and indexes its username and passkeys.
func (s *Store) AddUser(user *auth.User) error {
	if user == nil {
		return oops.Code("AUTH_USER_INVALID").Errorf("user is required")
	}
	u := user.Clone()
	name := auth.NormalizeUsername(u.Username)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byUsername[name]; taken {
		return oops.Code("AUTH_USERNAME_TAKEN").With("username", u.Username).Errorf("username already exists")
	}
	if _, taken := s.users[u.ID]; taken {
		return oops.Code("AUTH_USER_EXISTS").With("user_id", u.ID.String()).Errorf("user id already exists")
	}
	for _, pk := range u.Passkeys {
		if _, taken := s.byCredential[pk.CredentialID]; taken {
			return oops.Code("AUTH_CREDENTIAL_TAKEN").
				With("credential_id", pk.CredentialID).
				Errorf("passkey credential id already registered")
		}
	}

	s.users[u.ID] = u
	s.byUsername[name] = u.ID
	for _, pk := range u.Passkeys {
		s.byCredential[pk.CredentialID] = u.ID
	}
	return nil
}

// LoadUsers adds every user in repo.
func (s *Store) LoadUsers(ctx context.Context, repo auth.UserRepository) (int, error) {
	users, err := repo.List(ctx)
	if err != nil {
		return 0, oops.Code("AUTH_USER_LOAD_FAILED").Wrap(err)
	}
	for _, u := range users {
		if err := s.AddUser(u); err != nil {
			return 0, err
		}
	}
	return len(users), nil
}

// UserCount returns the number of registered users.
func (s *Store) UserCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

func (s *Store) user(id ulid.ULID) *auth.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[id]
}

// FindUserByUsername is case-insensitive.
func (s *Store) FindUserByUsername(ctx context.Context, username string) (*auth.User, error) {
	s.mu.RLock()
	id, ok := s.byUsername[auth.NormalizeUsername(username)]
	s.mu.RUnlock()
	if !ok {
		return nil, auth.ErrNotFound
	}
	return s.FindUserByID(ctx, id)
}

// FindUserByID returns a copy of the user.
func (s *Store) FindUserByID(_ context.Context, id ulid.ULID) (*auth.User, error) {
	unlock := s.locks.lock(userKey(id))
	defer unlock()

	u := s.user(id)
	if u == nil {
		return nil, auth.ErrNotFound
	}
	return u.Clone(), nil
}

// CreateTempSession stores a new session under the hash of its bearer ID.
func (s *Store) CreateTempSession(_ context.Context, userID ulid.ULID, ttl time.Duration) (string, error) {
	id, err := auth.GenerateToken()
	if err != nil {
		return "", err
	}
	session := &auth.TempSession{
		IDHash:    auth.HashToken(id),
		UserID:    userID,
		ExpiresAt: s.now().Add(ttl),
	}

	s.mu.Lock()
	s.sessions[session.IDHash] = session
	s.mu.Unlock()
	return id, nil
}

// GetTempSession resolves a bearer session ID.
func (s *Store) GetTempSession(_ context.Context, id string) (*auth.TempSession, error) {
	if id == "" {
		return nil, auth.ErrNotFound
	}
	s.mu.RLock()
	session, ok := s.sessions[auth.HashToken(id)]
	s.mu.RUnlock()
	if !ok {
		return nil, auth.ErrNotFound
	}
	if session.IsExpiredAt(s.now()) {
		return nil, auth.ErrExpired
	}
	c := *session
	return &c, nil
}

// SaveVerificationCode stores a new code as the user's newest. A lock still
// in force on an older code carries over so trimming never lifts it.
func (s *Store) SaveVerificationCode(_ context.Context, userID ulid.ULID, code string, ttl time.Duration) error {
	if code == "" {
		return oops.Code("AUTH_CODE_EMPTY").Errorf("verification code cannot be empty")
	}
	unlock := s.locks.lock(codesKey(userID))
	defer unlock()

	now := s.now()
	record := &auth.VerificationCode{
		ID:        ulid.Make(),
		UserID:    userID,
		CodeHash:  auth.HashCode(code),
		ExpiresAt: now.Add(ttl),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.codes[userID]
	if until := auth.ActiveCodeLock(existing, now); until != nil {
		t := *until
		record.LockUntil = &t
	}
	existing = append(existing, record)
	if len(existing) > auth.MaxCodesPerUser {
		existing = append([]*auth.VerificationCode(nil), existing[len(existing)-auth.MaxCodesPerUser:]...)
	}
	s.codes[userID] = existing
	return nil
}

// VerifyLatestCode checks code against the user's newest usable code.
// A success or a final failure burns every outstanding code for the user.
func (s *Store) VerifyLatestCode(_ context.Context, userID ulid.ULID, code string) (auth.CodeResult, error) {
	unlock := s.locks.lock(codesKey(userID))
	defer unlock()

	now := s.now()
	s.mu.RLock()
	codes := s.codes[userID]
	s.mu.RUnlock()

	if until := auth.ActiveCodeLock(codes, now); until != nil {
		t := *until
		return auth.CodeResult{Reason: auth.FailLocked, LockUntil: &t}, nil
	}

	var latest *auth.VerificationCode
	for i := len(codes) - 1; i >= 0; i-- {
		if codes[i].IsUsableAt(now) {
			latest = codes[i]
			break
		}
	}
	if latest == nil {
		return auth.CodeResult{Reason: auth.FailMissing}, nil
	}

	var res auth.CodeResult
	if auth.MatchCode(code, latest.CodeHash) {
		res = auth.RecordCodeSuccess(latest, now)
	} else {
		res = auth.RecordCodeFailure(latest, now)
	}
	if res.OK || res.Reason == auth.FailMaxAttempts {
		for _, c := range codes {
			if c.IsUsableAt(now) {
				used := now
				c.UsedAt = &used
			}
		}
	}
	if res.LockUntil != nil {
		t := *res.LockUntil
		res.LockUntil = &t
	}
	return res, nil
}

// CreateStep2Token stores a new step-2 token under its hash.
func (s *Store) CreateStep2Token(_ context.Context, userID ulid.ULID, ttl time.Duration) (string, error) {
	token, err := auth.GenerateToken()
	if err != nil {
		return "", err
	}
	record := &auth.Step2Token{
		TokenHash: auth.HashToken(token),
		UserID:    userID,
		ExpiresAt: s.now().Add(ttl),
	}

	s.mu.Lock()
	s.step2[record.TokenHash] = record
	s.mu.Unlock()
	return token, nil
}

// ResolveStep2Token does not consume the token.
func (s *Store) ResolveStep2Token(_ context.Context, token string) (ulid.ULID, error) {
	if token == "" {
		return ulid.ULID{}, auth.ErrNotFound
	}
	s.mu.RLock()
	record, ok := s.step2[auth.HashToken(token)]
	s.mu.RUnlock()
	if !ok {
		return ulid.ULID{}, auth.ErrNotFound
	}
	if record.IsExpiredAt(s.now()) {
		return ulid.ULID{}, auth.ErrExpired
	}
	return record.UserID, nil
}

// SaveAuthChallenge records a challenge, dropping the oldest beyond MaxChallengesPerUser.
func (s *Store) SaveAuthChallenge(_ context.Context, userID ulid.ULID, challenge string, ttl time.Duration) error {
	if challenge == "" {
		return oops.Code("AUTH_CHALLENGE_EMPTY").Errorf("challenge cannot be empty")
	}
	unlock := s.locks.lock(challengesKey(userID))
	defer unlock()

	record := &auth.AuthChallenge{
		ID:        ulid.Make(),
		Challenge: challenge,
		UserID:    userID,
		ExpiresAt: s.now().Add(ttl),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.challenges[userID], record)
	if len(list) > auth.MaxChallengesPerUser {
		list = append([]*auth.AuthChallenge(nil), list[len(list)-auth.MaxChallengesPerUser:]...)
	}
	s.challenges[userID] = list
	return nil
}

// ConsumeAuthChallenge marks the matching challenge used. Only challenges
// issued to userID are considered.
func (s *Store) ConsumeAuthChallenge(_ context.Context, userID ulid.ULID, challenge string) (bool, error) {
	if challenge == "" {
		return false, nil
	}
	unlock := s.locks.lock(challengesKey(userID))
	defer unlock()

	now := s.now()
	s.mu.RLock()
	list := s.challenges[userID]
	s.mu.RUnlock()

	for _, c := range list {
		if c.Challenge == challenge && c.IsUsableAt(now) {
			used := now
			c.UsedAt = &used
			return true, nil
		}
	}
	return false, nil
}

// FindPasskey returns a copy of the user's passkey.
func (s *Store) FindPasskey(_ context.Context, userID ulid.ULID, credentialID string) (*auth.Passkey, error) {
	s.mu.RLock()
	owner, ok := s.byCredential[credentialID]
	s.mu.RUnlock()
	if !ok || owner != userID {
		return nil, auth.ErrNotFound
	}

	unlock := s.locks.lock(userKey(userID))
	defer unlock()

	u := s.user(userID)
	if u == nil {
		return nil, auth.ErrNotFound
	}
	pk, ok := u.Passkey(credentialID)
	if !ok {
		return nil, auth.ErrNotFound
	}
	pk.PublicKey = append([]byte(nil), pk.PublicKey...)
	return &pk, nil
}

// UpdatePasskeySignCount is a compare-and-set: it fails with
// auth.ErrStaleSignCount unless newCount exceeds the stored counter. With a
// UserRepository configured the durable copy is written first.
func (s *Store) UpdatePasskeySignCount(ctx context.Context, userID ulid.ULID, credentialID string, newCount uint32) error {
	unlock := s.locks.lock(userKey(userID))
	defer unlock()

	u := s.user(userID)
	if u == nil {
		return auth.ErrNotFound
	}
	idx := -1
	for i := range u.Passkeys {
		if u.Passkeys[i].CredentialID == credentialID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return auth.ErrNotFound
	}
	if newCount <= u.Passkeys[idx].SignCount {
		return auth.ErrStaleSignCount
	}

	if s.repo != nil {
		if err := s.repo.UpdateSignCount(ctx, userID, credentialID, newCount); err != nil {
			return oops.Code("AUTH_SIGN_COUNT_PERSIST_FAILED").
				With("user_id", userID.String()).
				Wrap(err)
		}
	}
	u.Passkeys[idx].SignCount = newCount
	return nil
}

// IssueTokenPair mints an access and a refresh token.
func (s *Store) IssueTokenPair(_ context.Context, userID ulid.ULID, accessTTL, refreshTTL time.Duration) (auth.TokenPair, error) {
	access, err := auth.GenerateToken()
	if err != nil {
		return auth.TokenPair{}, err
	}
	refresh, err := auth.GenerateToken()
	if err != nil {
		return auth.TokenPair{}, err
	}

	now := s.now()
	s.mu.Lock()
	s.tokens[auth.HashToken(access)] = &auth.OpaqueToken{
		TokenHash: auth.HashToken(access),
		UserID:    userID,
		Type:      auth.TokenAccess,
		ExpiresAt: now.Add(accessTTL),
		CreatedAt: now,
	}
	s.tokens[auth.HashToken(refresh)] = &auth.OpaqueToken{
		TokenHash: auth.HashToken(refresh),
		UserID:    userID,
		Type:      auth.TokenRefresh,
		ExpiresAt: now.Add(refreshTTL),
		CreatedAt: now,
	}
	s.mu.Unlock()

	return auth.TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// VerifyOpaqueToken reports revoked and wrong-type tokens as not found.
func (s *Store) VerifyOpaqueToken(_ context.Context, token string, typ auth.TokenType) (ulid.ULID, error) {
	if token == "" {
		return ulid.ULID{}, auth.ErrNotFound
	}
	hash := auth.HashToken(token)
	unlock := s.locks.lock(tokenKey(hash))
	defer unlock()

	s.mu.RLock()
	record, ok := s.tokens[hash]
	s.mu.RUnlock()
	if !ok || record.Type != typ || record.RevokedAt != nil {
		return ulid.ULID{}, auth.ErrNotFound
	}
	if !record.IsValidAt(s.now()) {
		return ulid.ULID{}, auth.ErrExpired
	}
	return record.UserID, nil
}

// RotateRefreshToken revokes old and links it to a new refresh token.
func (s *Store) RotateRefreshToken(_ context.Context, old string, ttl time.Duration) (string, error) {
	if old == "" {
		return "", auth.ErrNotFound
	}
	oldHash := auth.HashToken(old)
	unlock := s.locks.lock(tokenKey(oldHash))
	defer unlock()

	now := s.now()
	s.mu.RLock()
	record, ok := s.tokens[oldHash]
	s.mu.RUnlock()
	if !ok || record.Type != auth.TokenRefresh || record.RevokedAt != nil {
		return "", auth.ErrNotFound
	}
	if !record.IsValidAt(now) {
		return "", auth.ErrExpired
	}

	next, err := auth.GenerateToken()
	if err != nil {
		return "", err
	}
	nextHash := auth.HashToken(next)

	s.mu.Lock()
	s.tokens[nextHash] = &auth.OpaqueToken{
		TokenHash: nextHash,
		UserID:    record.UserID,
		Type:      auth.TokenRefresh,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	s.mu.Unlock()

	revoked := now
	record.RevokedAt = &revoked
	record.ReplacedBy = nextHash
	return next, nil
}

var _ auth.CredentialStore = (*Store)(nil)
