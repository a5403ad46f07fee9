// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package memory

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/gatekeep/gatekeep/internal/auth"
)

// DefaultSweepInterval is how often RunSweeper evicts expired records.
const DefaultSweepInterval = 60 * time.Second

// SweepResult counts the records removed by one sweep.
type SweepResult map[string]int

// Total returns the number of records removed.
func (r SweepResult) Total() int {
	n := 0
	for _, v := range r {
		n += v
	}
	return n
}

// Sweep removes every record expired at now. Codes whose lock is still in
// force are kept so the lock survives the code.
func (s *Store) Sweep(now time.Time) SweepResult {
	res := SweepResult{
		CollectionSessions:    s.sweepSessions(now),
		CollectionStep2Tokens: s.sweepStep2(now),
		CollectionCodes:       s.sweepCodes(now),
		CollectionChallenges:  s.sweepChallenges(now),
		CollectionTokens:      s.sweepTokens(now),
	}
	if s.onEvict != nil {
		for collection, n := range res {
			if n > 0 {
				s.onEvict(collection, n)
			}
		}
	}
	if total := res.Total(); total > 0 {
		s.logger.Debug("swept expired records", "evicted", total)
	}
	return res
}

// Sessions and step-2 tokens are never mutated after creation, so the
// collection lock alone makes their delete conditional.
func (s *Store) sweepSessions(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for hash, rec := range s.sessions {
		if rec.IsExpiredAt(now) {
			delete(s.sessions, hash)
			n++
		}
	}
	return n
}

func (s *Store) sweepStep2(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for hash, rec := range s.step2 {
		if rec.IsExpiredAt(now) {
			delete(s.step2, hash)
			n++
		}
	}
	return n
}

func (s *Store) sweepCodes(now time.Time) int {
	s.mu.RLock()
	users := make([]ulid.ULID, 0, len(s.codes))
	for id := range s.codes {
		users = append(users, id)
	}
	s.mu.RUnlock()

	n := 0
	for _, id := range users {
		n += s.sweepUserCodes(id, now)
	}
	return n
}

func (s *Store) sweepUserCodes(userID ulid.ULID, now time.Time) int {
	unlock := s.locks.lock(codesKey(userID))
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	codes := s.codes[userID]
	kept := codes[:0:0]
	for _, c := range codes {
		if now.Before(c.ExpiresAt) || auth.IsLockedAt(c.LockUntil, now) {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		delete(s.codes, userID)
	} else {
		s.codes[userID] = kept
	}
	return len(codes) - len(kept)
}

func (s *Store) sweepChallenges(now time.Time) int {
	s.mu.RLock()
	users := make([]ulid.ULID, 0, len(s.challenges))
	for id := range s.challenges {
		users = append(users, id)
	}
	s.mu.RUnlock()

	n := 0
	for _, id := range users {
		n += s.sweepUserChallenges(id, now)
	}
	return n
}

func (s *Store) sweepUserChallenges(userID ulid.ULID, now time.Time) int {
	unlock := s.locks.lock(challengesKey(userID))
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.challenges[userID]
	kept := list[:0:0]
	for _, c := range list {
		if now.Before(c.ExpiresAt) {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		delete(s.challenges, userID)
	} else {
		s.challenges[userID] = kept
	}
	return len(list) - len(kept)
}

func (s *Store) sweepTokens(now time.Time) int {
	s.mu.RLock()
	var candidates []string
	for hash, rec := range s.tokens {
		if !now.Before(rec.ExpiresAt) {
			candidates = append(candidates, hash)
		}
	}
	s.mu.RUnlock()

	n := 0
	for _, hash := range candidates {
		if s.evictToken(hash, now) {
			n++
		}
	}
	return n
}

// evictToken re-checks expiry under the token's lock before deleting.
func (s *Store) evictToken(hash string, now time.Time) bool {
	unlock := s.locks.lock(tokenKey(hash))
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tokens[hash]
	if !ok || now.Before(rec.ExpiresAt) {
		return false
	}
	delete(s.tokens, hash)
	return true
}

// RunSweeper sweeps every interval until ctx is cancelled.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.now())
		}
	}
}

// Start runs the sweeper in the background. Calling Start on a running
// store is a no-op.
func (s *Store) Start(interval time.Duration) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		s.RunSweeper(ctx, interval)
	}(s.done)
}

// Stop cancels the background sweeper and waits for it to exit.
func (s *Store) Stop() {
	s.sweepMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.sweepMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
