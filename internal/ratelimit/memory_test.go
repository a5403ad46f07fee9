// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package ratelimit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeep/gatekeep/internal/ratelimit"
)

func TestMemoryWindows_Cleanup(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := ratelimit.NewMemoryWindowsWithRegistry(ratelimit.MemoryConfig{CleanupInterval: time.Hour}, reg)
	defer m.Close()

	_, err := m.Allow(ctx, "ip:a", base, time.Minute, 5)
	require.NoError(t, err)
	_, err = m.Add(ctx, "fail:user:admin", base, time.Hour)
	require.NoError(t, err)
	require.NoError(t, m.Lock(ctx, "user:admin", base.Add(10*time.Minute), base))
	assert.Equal(t, 3, m.KeyCount())

	assert.Equal(t, 1, m.Cleanup(base.Add(2*time.Minute)), "only the ip window is idle")
	assert.Equal(t, 2, m.KeyCount())
	assert.Equal(t, float64(2), gaugeValue(t, reg))

	assert.Equal(t, 2, m.Cleanup(base.Add(2*time.Hour)))
	assert.Zero(t, m.KeyCount())
}

func gaugeValue(t *testing.T, reg *prometheus.Registry) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "gatekeep_ratelimit_keys", families[0].GetName())
	return families[0].GetMetric()[0].GetGauge().GetValue()
}

func TestMemoryWindows_ConcurrentAllow(t *testing.T) {
	ctx := context.Background()
	m := ratelimit.NewMemoryWindows(ratelimit.MemoryConfig{})
	defer m.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := m.Allow(ctx, "ip:a", base, time.Minute, 20)
			if err == nil && d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, allowed)
}

func TestMemoryWindows_OutOfOrderHits(t *testing.T) {
	ctx := context.Background()
	m := ratelimit.NewMemoryWindows(ratelimit.MemoryConfig{})
	defer m.Close()

	_, err := m.Add(ctx, "k", base.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	_, err = m.Add(ctx, "k", base, time.Minute)
	require.NoError(t, err)

	d, err := m.Allow(ctx, "k", base.Add(40*time.Second), time.Minute, 2)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 20*time.Second, d.RetryAfter, "oldest hit decides")
}

func TestMemoryWindows_CloseIsIdempotent(t *testing.T) {
	m := ratelimit.NewMemoryWindows(ratelimit.MemoryConfig{CleanupInterval: time.Millisecond})
	time.Sleep(5 * time.Millisecond)
	m.Close()
	m.Close()
}
