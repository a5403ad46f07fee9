// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package auth

import (
	"context"
	"runtime"

	"github.com/samber/oops"
	"golang.org/x/sync/semaphore"
)

// WorkPool bounds concurrent CPU-heavy work (scrypt, signature checks) so a
// burst of logins cannot starve lightweight lookups.
type WorkPool struct {
	sem *semaphore.Weighted
}

// NewWorkPool creates a pool with size slots. size <= 0 uses GOMAXPROCS.
func NewWorkPool(size int) *WorkPool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	return &WorkPool{sem: semaphore.NewWeighted(int64(size))}
}

// Do runs fn once a slot is free. It only fails if ctx ends while waiting.
func (p *WorkPool) Do(ctx context.Context, fn func()) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return oops.Code("WORKPOOL_ACQUIRE_FAILED").Wrap(err)
	}
	defer p.sem.Release(1)
	fn()
	return nil
}
