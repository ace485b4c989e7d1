// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package lockmgr

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"pin.256lights.llc/pkg/internal/testcontext"
)

func newRedisManagers(t *testing.T) (srv *miniredis.Miniredis, m1, m2 *Manager) {
	t.Helper()
	srv = miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	newManager := func(pid int) *Manager {
		return &Manager{
			Backend:     &RedisBackend{Client: client, Lease: time.Second},
			Owner:       Owner{Host: "builder", PID: pid},
			Timeout:     100 * time.Millisecond,
			MinInterval: 5 * time.Millisecond,
		}
	}
	return srv, newManager(1), newManager(2)
}

func TestRedisBackend(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	t.Run("Exclusive", func(t *testing.T) {
		_, m1, m2 := newRedisManagers(t)
		tok, err := m1.Lock(ctx, hashA, Exclusive)
		if err != nil {
			t.Fatal(err)
		}
		for _, mode := range []Mode{Shared, Exclusive} {
			_, err := m2.Lock(ctx, hashA, mode)
			var timeoutErr *TimeoutError
			if !errors.As(err, &timeoutErr) {
				t.Errorf("m2.Lock(%v) = %v; want *TimeoutError", mode, err)
				continue
			}
			if want := "1@builder"; timeoutErr.Holder != want {
				t.Errorf("TimeoutError.Holder = %q; want %q", timeoutErr.Holder, want)
			}
		}
		if err := tok.Release(); err != nil {
			t.Fatal(err)
		}
		tok2, err := m2.Lock(ctx, hashA, Exclusive)
		if err != nil {
			t.Fatal("m2.Lock after release:", err)
		}
		tok2.Release()
	})

	t.Run("Shared", func(t *testing.T) {
		_, m1, m2 := newRedisManagers(t)
		r1, err := m1.Lock(ctx, hashA, Shared)
		if err != nil {
			t.Fatal(err)
		}
		r2, err := m2.Lock(ctx, hashA, Shared)
		if err != nil {
			t.Fatal("second shared holder:", err)
		}
		if tokB, err := m2.Lock(ctx, hashB, Exclusive); err != nil {
			t.Error("exclusive lock on unrelated hash:", err)
		} else {
			tokB.Release()
		}
		r2.Release()
		if tok, err := m2.Lock(ctx, hashA, Exclusive); !errors.Is(err, ErrTimeout) {
			if err == nil {
				tok.Release()
			}
			t.Errorf("exclusive lock while shared lock held elsewhere = %v; want timeout", err)
		}
		r1.Release()
		w, err := m2.Lock(ctx, hashA, Exclusive)
		if err != nil {
			t.Fatal("exclusive lock after shared holders released:", err)
		}
		w.Release()
	})

	t.Run("LeaseExpires", func(t *testing.T) {
		srv, m1, m2 := newRedisManagers(t)
		stale, err := m1.Lock(ctx, hashA, Exclusive)
		if err != nil {
			t.Fatal(err)
		}
		defer stale.Release()
		// Simulate a holder that stopped refreshing its lease.
		srv.FastForward(2 * time.Second)
		tok, err := m2.Lock(ctx, hashA, Exclusive)
		if err != nil {
			t.Fatal("lock after lease expired:", err)
		}
		tok.Release()
	})

	t.Run("MutualExclusion", func(t *testing.T) {
		_, m1, m2 := newRedisManagers(t)
		m1.Timeout = -1
		m2.Timeout = -1
		testMutualExclusion(ctx, t, m1, m2)
	})
}

func TestRedisBackendLockWait(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	_, m1, m2 := newRedisManagers(t)
	m2.Timeout = -1
	tok, err := m1.Lock(ctx, hashA, Exclusive)
	if err != nil {
		t.Fatal(err)
	}
	var holders []string
	tok2, err := m2.LockWait(ctx, hashA, Shared, func(holder string) {
		holders = append(holders, holder)
		go tok.Release()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer tok2.Release()
	if want := []string{"1@builder"}; !slices.Equal(holders, want) {
		t.Errorf("onWait holders = %q; want %q", holders, want)
	}
}
