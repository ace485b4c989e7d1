// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package concretize

import (
	"cmp"
	"slices"

	"pin.256lights.llc/pkg/pinspec"
)

// reuseIndex is the set of installed specs available for reuse.
type reuseIndex struct {
	// byName lists the installed nodes with a name,
	// newest version first.
	byName map[string][]*pinspec.Concrete
	byHash map[pinspec.Hash]*pinspec.Concrete
}

func newReuseIndex(installed []*pinspec.Concrete) *reuseIndex {
	idx := &reuseIndex{
		byName: make(map[string][]*pinspec.Concrete),
		byHash: make(map[pinspec.Hash]*pinspec.Concrete),
	}
	for _, c := range pinspec.Traverse(installed...) {
		if c.Hash == "" {
			continue
		}
		if _, dup := idx.byHash[c.Hash]; dup {
			continue
		}
		idx.byHash[c.Hash] = c
		idx.byName[c.Name] = append(idx.byName[c.Name], c)
	}
	for _, list := range idx.byName {
		slices.SortFunc(list, func(a, b *pinspec.Concrete) int {
			if c := b.Version.Compare(a.Version); c != 0 {
				return c
			}
			return cmp.Compare(a.Hash, b.Hash)
		})
	}
	return idx
}

func (idx *reuseIndex) has(name string) bool {
	return idx != nil && len(idx.byName[name]) > 0
}
