// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

//go:build !unix

package lockmgr

import (
	"context"
	"errors"
	"fmt"

	"pin.256lights.llc/pkg/pinspec"
)

// TryLock returns an error: record locks are not available on this platform.
func (b *FileBackend) TryLock(ctx context.Context, hash pinspec.Hash, mode Mode, owner Owner) (release func() error, ok bool, holder string, err error) {
	return nil, false, "", fmt.Errorf("lock %s in %s: %w", hash, b.path, errors.ErrUnsupported)
}
