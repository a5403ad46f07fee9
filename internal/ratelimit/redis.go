// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
)

// DefaultRedisPrefix namespaces every key RedisWindows writes.
const DefaultRedisPrefix = "gatekeep"

// allowScript prunes the log, then adds a hit if the window has room.
// KEYS[1] log; ARGV now_ms, window_ms, limit, member.
// Returns {allowed, count, oldest_ms}.
var allowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local span = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - span)
local n = redis.call('ZCARD', KEYS[1])
if n >= limit then
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  return {0, n, tonumber(oldest[2])}
end
redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], span)
return {1, n + 1, 0}
`)

// addScript prunes the log and adds a hit unconditionally.
// KEYS[1] log; ARGV now_ms, window_ms, member. Returns the count.
var addScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local span = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - span)
redis.call('ZADD', KEYS[1], now, ARGV[3])
redis.call('PEXPIRE', KEYS[1], span)
return redis.call('ZCARD', KEYS[1])
`)

// RedisWindows is a WindowStore backed by Redis sorted sets, so several
// processes can share limits. Each key's log is one sorted set scored by
// hit time in milliseconds; locks are plain string keys with a TTL.
type RedisWindows struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisWindows creates a RedisWindows. An empty prefix uses DefaultRedisPrefix.
func NewRedisWindows(client redis.UniversalClient, prefix string) *RedisWindows {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisWindows{client: client, prefix: prefix}
}

func (r *RedisWindows) logKey(key string) string  { return r.prefix + ":rl:" + key }
func (r *RedisWindows) lockKey(key string) string { return r.prefix + ":lock:" + key }

// Allow implements WindowStore.
func (r *RedisWindows) Allow(ctx context.Context, key string, now time.Time, span time.Duration, limit int) (Decision, error) {
	res, err := allowScript.Run(ctx, r.client, []string{r.logKey(key)},
		now.UnixMilli(), span.Milliseconds(), limit, member(now)).Int64Slice()
	if err != nil {
		return Decision{}, oops.Code("RATELIMIT_BACKEND_FAILED").
			With("operation", "allow").
			With("key", key).
			Wrap(err)
	}
	if len(res) != 3 {
		return Decision{}, oops.Code("RATELIMIT_BACKEND_FAILED").
			With("operation", "allow").
			Errorf("unexpected script reply length %d", len(res))
	}

	d := Decision{Allowed: res[0] == 1, Count: int(res[1])}
	if !d.Allowed {
		d.RetryAfter = retryAfter(time.UnixMilli(res[2]), now, span)
	}
	return d, nil
}

// Add implements WindowStore.
func (r *RedisWindows) Add(ctx context.Context, key string, now time.Time, span time.Duration) (int, error) {
	n, err := addScript.Run(ctx, r.client, []string{r.logKey(key)},
		now.UnixMilli(), span.Milliseconds(), member(now)).Int()
	if err != nil {
		return 0, oops.Code("RATELIMIT_BACKEND_FAILED").
			With("operation", "add").
			With("key", key).
			Wrap(err)
	}
	return n, nil
}

// Reset implements WindowStore. An active lock on key is kept.
func (r *RedisWindows) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.logKey(key)).Err(); err != nil {
		return oops.Code("RATELIMIT_BACKEND_FAILED").
			With("operation", "reset").
			With("key", key).
			Wrap(err)
	}
	return nil
}

// Lock implements WindowStore. The lock key expires with the lock.
func (r *RedisWindows) Lock(ctx context.Context, key string, until, now time.Time) error {
	ttl := until.Sub(now)
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, r.lockKey(key), until.UnixMilli(), ttl).Err(); err != nil {
		return oops.Code("RATELIMIT_BACKEND_FAILED").
			With("operation", "lock").
			With("key", key).
			Wrap(err)
	}
	return nil
}

// LockedUntil implements WindowStore.
func (r *RedisWindows) LockedUntil(ctx context.Context, key string, now time.Time) (time.Time, bool, error) {
	raw, err := r.client.Get(ctx, r.lockKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, oops.Code("RATELIMIT_BACKEND_FAILED").
			With("operation", "locked until").
			With("key", key).
			Wrap(err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, oops.Code("RATELIMIT_BACKEND_FAILED").
			With("operation", "parse lock").
			With("key", key).
			Wrap(err)
	}
	until := time.UnixMilli(ms)
	if !until.After(now) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

// member makes each hit unique within a sorted set.
func member(now time.Time) string {
	return strconv.FormatInt(now.UnixMilli(), 10) + "-" + ulid.Make().String()
}

var _ WindowStore = (*RedisWindows)(nil)
