// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

// Package lockmgr provides advisory locks keyed by concrete spec hash
// that exclude other goroutines and other processes.
package lockmgr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"pin.256lights.llc/pkg/pinspec"
	"zombiezen.com/go/log"
)

// Mode is the kind of lock held on a hash.
type Mode int8

const (
	// Shared is held while reading or using an installed artifact.
	// Any number of shared holders may coexist.
	Shared Mode = 1 + iota
	// Exclusive is held while building an artifact.
	// It excludes every other holder.
	Exclusive
)

// String returns "shared" or "exclusive".
func (mode Mode) String() string {
	switch mode {
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("Mode(%d)", int8(mode))
	}
}

// ErrTimeout is matched by errors returned from [Manager.Lock]
// when a lock could not be acquired before the configured timeout.
var ErrTimeout = errors.New("lock timeout")

// TimeoutError is returned by [Manager.Lock]
// when a lock wait exceeds the configured timeout.
// The condition is retriable.
type TimeoutError struct {
	Hash   pinspec.Hash
	Mode   Mode
	Waited time.Duration
	// Holder is the owner reported by the backend, if known.
	Holder string
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s lock on %s: timed out after %v", e.Mode, e.Hash, e.Waited.Round(time.Millisecond))
	if e.Holder != "" {
		msg += " (held by " + e.Holder + ")"
	}
	return msg
}

// Is reports whether target is [ErrTimeout].
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Owner identifies the process holding a lock.
type Owner struct {
	Host string
	PID  int
}

// CurrentOwner returns the owner identity of the current process.
func CurrentOwner() Owner {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return Owner{Host: host, PID: os.Getpid()}
}

// String returns the owner as "pid@host".
func (o Owner) String() string {
	return fmt.Sprintf("%d@%s", o.PID, o.Host)
}

// Backend is a cross-process lock service.
// A Backend is only asked for one lock per hash at a time by a [Manager]:
// concurrent holders within a process share a single backend lock.
type Backend interface {
	// TryLock attempts to acquire a lock without waiting.
	// If the lock is held elsewhere in an incompatible mode,
	// TryLock returns ok = false and possibly a description of the holder.
	TryLock(ctx context.Context, hash pinspec.Hash, mode Mode, owner Owner) (release func() error, ok bool, holder string, err error)
}

// Default timing for a [Manager].
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMinInterval = 10 * time.Millisecond
	DefaultMaxInterval = 1 * time.Second
)

// Manager hands out locks on hashes.
// Goroutines in the same process are coordinated in memory;
// other processes are coordinated through the Backend.
// The zero value coordinates only goroutines in the current process.
// Methods on Manager are safe to call from multiple goroutines concurrently.
type Manager struct {
	// Backend is the cross-process lock service.
	// If nil, only the in-process layer is used.
	Backend Backend
	// Timeout bounds how long Lock waits.
	// If zero, DefaultTimeout is used.
	// If negative, Lock waits until its context is done.
	Timeout time.Duration
	// MinInterval and MaxInterval bound the polling backoff
	// used while a backend lock is held elsewhere.
	MinInterval time.Duration
	MaxInterval time.Duration
	// Owner identifies this process to the backend.
	// If zero, CurrentOwner is used.
	Owner Owner

	mu      sync.Mutex
	entries map[pinspec.Hash]*entry
}

// entry is the in-process state of a hash.
type entry struct {
	readers int
	writer  bool
	// busy is set while a holder acquires or releases the backend lock.
	busy    bool
	release func() error
	// changed is closed and replaced whenever the entry changes.
	changed chan struct{}
}

func (e *entry) notify() {
	close(e.changed)
	e.changed = make(chan struct{})
}

func (e *entry) idle() bool {
	return e.readers == 0 && !e.writer && !e.busy
}

// Token is a held lock.
type Token struct {
	m    *Manager
	hash pinspec.Hash
	mode Mode
	once sync.Once
	err  error
}

// Hash returns the locked hash.
func (tok *Token) Hash() pinspec.Hash { return tok.hash }

// Mode returns the mode the lock is held in.
func (tok *Token) Mode() Mode { return tok.mode }

// Release releases the lock.
// Calls after the first return the result of the first call.
func (tok *Token) Release() error {
	tok.once.Do(func() {
		tok.err = tok.m.release(tok.hash, tok.mode)
	})
	return tok.err
}

// Lock acquires a lock on hash in the given mode.
// It waits until the lock is acquired, ctx is done, or the timeout elapses.
// In the last case, the returned error is a [*TimeoutError].
func (m *Manager) Lock(ctx context.Context, hash pinspec.Hash, mode Mode) (*Token, error) {
	return m.LockWait(ctx, hash, mode, nil)
}

// LockWait is like [Manager.Lock],
// but if the lock is not immediately available,
// it calls onWait once before it starts waiting.
// holder describes the current holder if known.
// onWait is called on the goroutine that called LockWait
// and must not call methods on m.
func (m *Manager) LockWait(ctx context.Context, hash pinspec.Hash, mode Mode, onWait func(holder string)) (*Token, error) {
	if mode != Shared && mode != Exclusive {
		return nil, fmt.Errorf("lock %s: invalid mode %v", hash, mode)
	}
	start := time.Now()
	waitCtx := ctx
	timeout := m.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	holder, err := m.lock(waitCtx, hash, mode, &waitNotifier{f: onWait})
	if err != nil {
		if ctx.Err() == nil && waitCtx.Err() != nil {
			return nil, &TimeoutError{
				Hash:   hash,
				Mode:   mode,
				Waited: time.Since(start),
				Holder: holder,
			}
		}
		return nil, fmt.Errorf("%v lock on %s: %w", mode, hash, err)
	}
	log.Debugf(ctx, "Acquired %v lock on %s", mode, hash)
	return &Token{m: m, hash: hash, mode: mode}, nil
}

// waitNotifier reports the first time a lock request has to wait.
type waitNotifier struct {
	f    func(holder string)
	done bool
}

func (w *waitNotifier) wait(holder string) {
	if w.f == nil || w.done {
		return
	}
	w.done = true
	w.f(holder)
}

func (m *Manager) lock(ctx context.Context, hash pinspec.Hash, mode Mode, w *waitNotifier) (holder string, err error) {
	for {
		m.mu.Lock()
		if m.entries == nil {
			m.entries = make(map[pinspec.Hash]*entry)
		}
		e := m.entries[hash]
		if e == nil {
			e = &entry{changed: make(chan struct{})}
			m.entries[hash] = e
		}
		switch {
		case e.busy || e.writer:
		case mode == Shared && e.readers > 0:
			e.readers++
			m.mu.Unlock()
			return "", nil
		case mode == Shared || e.readers == 0:
			if mode == Shared {
				e.readers = 1
			} else {
				e.writer = true
			}
			e.busy = true
			m.mu.Unlock()
			release, holder, err := m.acquireBackend(ctx, hash, mode, w)
			m.mu.Lock()
			e.busy = false
			if err != nil {
				if mode == Shared {
					e.readers = 0
				} else {
					e.writer = false
				}
				m.forget(hash, e)
			} else {
				e.release = release
			}
			e.notify()
			m.mu.Unlock()
			return holder, err
		}
		wait := e.changed
		m.mu.Unlock()

		if e.writer || mode == Exclusive && e.readers > 0 {
			w.wait(m.owner().String())
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// forget removes e from the map if nothing references it.
// m.mu must be held.
func (m *Manager) forget(hash pinspec.Hash, e *entry) {
	if e.idle() && m.entries[hash] == e {
		delete(m.entries, hash)
	}
}

// acquireBackend polls the backend with exponential backoff
// until the lock is acquired or ctx is done.
func (m *Manager) acquireBackend(ctx context.Context, hash pinspec.Hash, mode Mode, w *waitNotifier) (release func() error, holder string, err error) {
	if m.Backend == nil {
		return nil, "", nil
	}
	owner := m.owner()
	interval := m.MinInterval
	if interval <= 0 {
		interval = DefaultMinInterval
	}
	maxInterval := m.MaxInterval
	if maxInterval <= 0 {
		maxInterval = DefaultMaxInterval
	}
	for {
		release, ok, h, err := m.Backend.TryLock(ctx, hash, mode, owner)
		if err != nil {
			return nil, h, err
		}
		if ok {
			return release, "", nil
		}
		holder = h
		w.wait(holder)
		log.Debugf(ctx, "%v lock on %s held elsewhere (%s); retrying in %v", mode, hash, holderOrUnknown(holder), interval)
		t := time.NewTimer(interval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, holder, ctx.Err()
		}
		interval = min(interval*2, maxInterval)
	}
}

func (m *Manager) owner() Owner {
	if m.Owner == (Owner{}) {
		return CurrentOwner()
	}
	return m.Owner
}

func holderOrUnknown(holder string) string {
	if holder == "" {
		return "unknown holder"
	}
	return holder
}

func (m *Manager) release(hash pinspec.Hash, mode Mode) error {
	m.mu.Lock()
	e := m.entries[hash]
	if e == nil {
		m.mu.Unlock()
		return fmt.Errorf("release %v lock on %s: not held", mode, hash)
	}
	if mode == Exclusive {
		e.writer = false
	} else {
		e.readers--
	}
	if e.readers > 0 || e.writer {
		m.mu.Unlock()
		return nil
	}
	release := e.release
	e.release = nil
	var err error
	if release != nil {
		// Keep other goroutines from acquiring the backend lock
		// until this process has given it up.
		e.busy = true
		m.mu.Unlock()
		err = release()
		m.mu.Lock()
		e.busy = false
	}
	m.forget(hash, e)
	e.notify()
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("release %v lock on %s: %w", mode, hash, err)
	}
	return nil
}
