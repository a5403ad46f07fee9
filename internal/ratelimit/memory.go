// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultCleanupInterval is how often MemoryWindows drops idle keys.
const DefaultCleanupInterval = time.Minute

// MemoryConfig configures MemoryWindows.
type MemoryConfig struct {
	// CleanupInterval defaults to DefaultCleanupInterval if zero.
	CleanupInterval time.Duration
}

type window struct {
	hits      []time.Time
	span      time.Duration
	lockUntil time.Time
}

// prune drops hits outside the window ending at now.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := sort.Search(len(w.hits), func(i int) bool { return w.hits[i].After(cutoff) })
	if i > 0 {
		w.hits = append(w.hits[:0], w.hits[i:]...)
	}
}

func (w *window) record(t time.Time) {
	w.hits = append(w.hits, t)
	if n := len(w.hits); n > 1 && t.Before(w.hits[n-2]) {
		sort.Slice(w.hits, func(i, j int) bool { return w.hits[i].Before(w.hits[j]) })
	}
}

// MemoryWindows is a process-local WindowStore. It is safe for concurrent use.
//
// A background goroutine periodically removes keys with no hits and no
// active lock. Call Close() to stop it.
type MemoryWindows struct {
	mu      sync.Mutex
	windows map[string]*window

	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	// keysGauge is nil unless a registry was provided.
	keysGauge prometheus.Gauge
}

// NewMemoryWindows creates a MemoryWindows and starts its cleanup goroutine.
func NewMemoryWindows(cfg MemoryConfig) *MemoryWindows {
	return newMemoryWindows(cfg, nil)
}

// NewMemoryWindowsWithRegistry also registers a tracked-key gauge with reg.
func NewMemoryWindowsWithRegistry(cfg MemoryConfig, reg prometheus.Registerer) *MemoryWindows {
	return newMemoryWindows(cfg, reg)
}

func newMemoryWindows(cfg MemoryConfig, reg prometheus.Registerer) *MemoryWindows {
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}

	m := &MemoryWindows{
		windows:  make(map[string]*window),
		stopChan: make(chan struct{}),
	}

	if reg != nil {
		m.keysGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatekeep_ratelimit_keys",
			Help: "Current number of tracked rate limit and lockout keys",
		})
		reg.MustRegister(m.keysGauge)
	}

	m.wg.Add(1)
	go m.cleanupLoop(interval)

	return m
}

func (m *MemoryWindows) get(key string, span time.Duration) *window {
	w, ok := m.windows[key]
	if !ok {
		w = &window{}
		m.windows[key] = w
	}
	if span > w.span {
		w.span = span
	}
	return w
}

// Allow implements WindowStore.
func (m *MemoryWindows) Allow(_ context.Context, key string, now time.Time, span time.Duration, limit int) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.get(key, span)
	w.prune(now)
	if len(w.hits) >= limit {
		return Decision{
			Count:      len(w.hits),
			RetryAfter: retryAfter(w.hits[0], now, span),
		}, nil
	}
	w.record(now)
	return Decision{Allowed: true, Count: len(w.hits)}, nil
}

// Add implements WindowStore.
func (m *MemoryWindows) Add(_ context.Context, key string, now time.Time, span time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.get(key, span)
	w.prune(now)
	w.record(now)
	return len(w.hits), nil
}

// Reset implements WindowStore. An active lock on key is kept.
func (m *MemoryWindows) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.windows[key]; ok {
		w.hits = nil
	}
	return nil
}

// Lock implements WindowStore.
func (m *MemoryWindows) Lock(_ context.Context, key string, until, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.get(key, 0)
	if until.After(w.lockUntil) {
		w.lockUntil = until
	}
	return nil
}

// LockedUntil implements WindowStore.
func (m *MemoryWindows) LockedUntil(_ context.Context, key string, now time.Time) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok || !w.lockUntil.After(now) {
		return time.Time{}, false, nil
	}
	return w.lockUntil, true, nil
}

// KeyCount returns the number of tracked keys.
func (m *MemoryWindows) KeyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

// Cleanup removes keys whose hits have all left their window and whose lock
// has lapsed at now. It returns the number removed.
func (m *MemoryWindows) Cleanup(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, w := range m.windows {
		w.prune(now)
		if len(w.hits) == 0 && !w.lockUntil.After(now) {
			delete(m.windows, key)
			removed++
		}
	}

	if m.keysGauge != nil {
		m.keysGauge.Set(float64(len(m.windows)))
	}
	return removed
}

func (m *MemoryWindows) cleanupLoop(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case now := <-ticker.C:
			m.Cleanup(now)
		}
	}
}

// Close stops the cleanup goroutine and waits for it to exit. It is safe to
// call more than once.
func (m *MemoryWindows) Close() {
	m.closeOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
}

var _ WindowStore = (*MemoryWindows)(nil)
