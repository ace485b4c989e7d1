// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package lockmgr

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"pin.256lights.llc/pkg/pinspec"
	"zombiezen.com/go/log"
)

// DefaultLease is the default lifetime of a [RedisBackend] lock
// that is not refreshed.
const DefaultLease = 15 * time.Second

// RedisBackend is a [Backend] that stores locks in a Redis server.
// Exclusive locks are plain keys;
// shared locks are sorted sets of holders scored by lease expiry.
// Held locks are refreshed in the background
// so that locks held by a crashed process expire after one lease.
type RedisBackend struct {
	Client redis.Scripter
	// Prefix is prepended to every key.
	// If empty, "pin:lock:" is used.
	Prefix string
	// Lease is the lifetime of an unrefreshed lock.
	// If zero, DefaultLease is used.
	Lease time.Duration

	now func() time.Time
}

// Both scripts take KEYS = [exclusive key, shared key]
// and ARGV = [token, lease in ms, now in ms].
// They return the empty string on success or the conflicting holder's token.
var (
	redisLockExclusive = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', ARGV[3])
local holder = redis.call('GET', KEYS[1])
if holder then
  return holder
end
local readers = redis.call('ZRANGE', KEYS[2], 0, 0)
if #readers > 0 then
  return readers[1]
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return ''
`)
	redisLockShared = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', ARGV[3])
local holder = redis.call('GET', KEYS[1])
if holder then
  return holder
end
redis.call('ZADD', KEYS[2], tonumber(ARGV[3]) + tonumber(ARGV[2]), ARGV[1])
redis.call('PEXPIRE', KEYS[2], ARGV[2])
return ''
`)
	// redisRefresh extends a held lock and returns 1, or returns 0 if it was lost.
	redisRefresh = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
if redis.call('ZSCORE', KEYS[2], ARGV[1]) then
  redis.call('ZADD', KEYS[2], tonumber(ARGV[3]) + tonumber(ARGV[2]), ARGV[1])
  redis.call('PEXPIRE', KEYS[2], ARGV[2])
  return 1
end
return 0
`)
	redisUnlock = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('DEL', KEYS[1])
end
redis.call('ZREM', KEYS[2], ARGV[1])
return 0
`)
)

func (b *RedisBackend) keys(hash pinspec.Hash) []string {
	prefix := b.Prefix
	if prefix == "" {
		prefix = "pin:lock:"
	}
	return []string{prefix + string(hash) + ":x", prefix + string(hash) + ":s"}
}

func (b *RedisBackend) lease() time.Duration {
	if b.Lease <= 0 {
		return DefaultLease
	}
	return b.Lease
}

func (b *RedisBackend) nowMillis() int64 {
	if b.now != nil {
		return b.now().UnixMilli()
	}
	return time.Now().UnixMilli()
}

// TryLock attempts to acquire the lock in a single round trip.
func (b *RedisBackend) TryLock(ctx context.Context, hash pinspec.Hash, mode Mode, owner Owner) (release func() error, ok bool, holder string, err error) {
	token := owner.String() + "/" + uuid.NewString()
	keys := b.keys(hash)
	script := redisLockShared
	if mode == Exclusive {
		script = redisLockExclusive
	}
	lease := b.lease()
	got, err := script.Run(ctx, b.Client, keys, token, lease.Milliseconds(), b.nowMillis()).Text()
	if err != nil {
		return nil, false, "", fmt.Errorf("lock %s: redis: %w", hash, err)
	}
	if got != "" {
		holder, _, _ = strings.Cut(got, "/")
		return nil, false, holder, nil
	}

	refreshCtx, stopRefresh := context.WithCancel(context.WithoutCancel(ctx))
	refreshDone := make(chan struct{})
	go func() {
		defer close(refreshDone)
		b.refresh(refreshCtx, hash, keys, token)
	}()
	var once sync.Once
	release = func() error {
		var err error
		once.Do(func() {
			stopRefresh()
			<-refreshDone
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lease)
			defer cancel()
			if e := redisUnlock.Run(ctx, b.Client, keys, token).Err(); e != nil {
				err = fmt.Errorf("unlock %s: redis: %w", hash, e)
			}
		})
		return err
	}
	return release, true, "", nil
}

// refresh extends the lease of a held lock until ctx is done.
func (b *RedisBackend) refresh(ctx context.Context, hash pinspec.Hash, keys []string, token string) {
	lease := b.lease()
	ticker := time.NewTicker(lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
		n, err := redisRefresh.Run(ctx, b.Client, keys, token, lease.Milliseconds(), b.nowMillis()).Int64()
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			log.Warnf(ctx, "Refresh lock on %s: %v", hash, err)
		case n == 0:
			log.Errorf(ctx, "Lock on %s expired before it was released", hash)
			return
		}
	}
}
