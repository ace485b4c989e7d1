// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package lockmgr

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"pin.256lights.llc/pkg/pinspec"
	"zombiezen.com/go/nix"
)

// FileBackend is a [Backend] that uses POSIX record locks
// on a single lock file shared by every process.
// Each hash locks one byte at an offset derived from the hash.
// Distinct hashes may, with negligible probability, share an offset,
// in which case they only contend with each other.
//
// A FileBackend must be used by at most one [Manager] per process,
// since record locks are owned by the process.
type FileBackend struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// OpenFileBackend opens (creating if necessary) the lock file at path.
func OpenFileBackend(path string) (*FileBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return &FileBackend{path: path, f: f}, nil
}

// Path returns the path of the lock file.
func (b *FileBackend) Path() string {
	return b.path
}

// Close closes the lock file, releasing any locks still held.
func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return nil
	}
	err := b.f.Close()
	b.f = nil
	return err
}

// lockOffset returns the byte in the lock file that guards hash.
func lockOffset(hash pinspec.Hash) int64 {
	h := nix.NewHasher(nix.SHA256)
	h.WriteString(string(hash))
	sum := h.SumHash().Bytes(nil)
	// Keep the offset positive and clear of the top of the range.
	return int64(binary.BigEndian.Uint64(sum) >> 2)
}

func (b *FileBackend) file() (*os.File, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return nil, fmt.Errorf("%s: %w", b.path, os.ErrClosed)
	}
	return b.f, nil
}
