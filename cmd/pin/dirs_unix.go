// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

//go:build unix

package main

import (
	"iter"
	"path/filepath"
	"slices"

	"go4.org/xdgdir"
)

func cacheDir() string {
	return xdgdir.Cache.Path()
}

func dataDir() string {
	return xdgdir.Data.Path()
}

// systemConfigDirs returns a sequence of configuration directory paths
// in increasing order of preference (i.e. later entries should override earlier entries).
func systemConfigDirs() iter.Seq[string] {
	return func(yield func(string) bool) {
		if !yield("/etc") {
			return
		}
		for _, dir := range slices.Backward(xdgdir.Config.SearchPaths()) {
			if !yield(filepath.Clean(dir)) {
				return
			}
		}
	}
}
