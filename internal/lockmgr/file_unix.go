// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

//go:build unix

package lockmgr

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
	"pin.256lights.llc/pkg/pinspec"
)

// TryLock attempts to place a record lock on the byte for hash.
// Holder information is not available from record locks
// beyond the process ID of a conflicting holder on the same host.
func (b *FileBackend) TryLock(ctx context.Context, hash pinspec.Hash, mode Mode, owner Owner) (release func() error, ok bool, holder string, err error) {
	f, err := b.file()
	if err != nil {
		return nil, false, "", err
	}
	off := lockOffset(hash)
	lk := &unix.Flock_t{
		Type:   unix.F_RDLCK,
		Whence: 0,
		Start:  off,
		Len:    1,
	}
	if mode == Exclusive {
		lk.Type = unix.F_WRLCK
	}
	if err := unix.FcntlFlock(f.Fd(), unix.F_SETLK, lk); err != nil {
		if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EACCES) {
			return nil, false, "", fmt.Errorf("lock %s in %s: %w", hash, b.path, err)
		}
		probe := &unix.Flock_t{Type: lk.Type, Start: off, Len: 1}
		if unix.FcntlFlock(f.Fd(), unix.F_GETLK, probe) == nil && probe.Type != unix.F_UNLCK {
			holder = fmt.Sprintf("pid %d", probe.Pid)
		}
		return nil, false, holder, nil
	}
	release = func() error {
		unlk := &unix.Flock_t{Type: unix.F_UNLCK, Start: off, Len: 1}
		if err := unix.FcntlFlock(f.Fd(), unix.F_SETLK, unlk); err != nil {
			return fmt.Errorf("unlock %s in %s: %w", hash, b.path, err)
		}
		return nil
	}
	return release, true, "", nil
}
