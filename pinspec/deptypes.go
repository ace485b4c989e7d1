// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package pinspec

import (
	"fmt"
	"strings"
)

// DepTypes is a set of dependency kinds.
type DepTypes uint8

// Dependency kinds.
const (
	// Build dependencies are needed only while building the dependent.
	Build DepTypes = 1 << iota
	// Link dependencies are linked into the dependent.
	Link
	// Run dependencies are needed when the dependent is used.
	Run
	// Test dependencies are needed only to run the dependent's tests.
	Test

	// DefaultDepTypes is the set of kinds a dependency has
	// when none are declared.
	DefaultDepTypes = Build | Link
	allDepTypes     = Build | Link | Run | Test
)

var depTypeNames = [...]struct {
	t    DepTypes
	name string
}{
	{Build, "build"},
	{Link, "link"},
	{Run, "run"},
	{Test, "test"},
}

// ParseDepTypes parses a comma-separated list of dependency kinds.
func ParseDepTypes(s string) (DepTypes, error) {
	var t DepTypes
	if s == "" {
		return 0, nil
	}
	for part := range strings.SplitSeq(s, ",") {
		found := false
		for _, n := range depTypeNames {
			if part == n.name {
				t |= n.t
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("parse dependency types %q: unknown kind %q", s, part)
		}
	}
	return t, nil
}

// Has reports whether t includes all of the kinds in t2.
func (t DepTypes) Has(t2 DepTypes) bool {
	return t&t2 == t2
}

// Overlaps reports whether t and t2 share any kind.
func (t DepTypes) Overlaps(t2 DepTypes) bool {
	return t&t2 != 0
}

// Names returns the names of the kinds in t in canonical order.
func (t DepTypes) Names() []string {
	var names []string
	for _, n := range depTypeNames {
		if t&n.t != 0 {
			names = append(names, n.name)
		}
	}
	return names
}

// String returns the kinds in t as a comma-separated list.
func (t DepTypes) String() string {
	if t&^allDepTypes != 0 {
		return fmt.Sprintf("DepTypes(%#x)", uint8(t))
	}
	return strings.Join(t.Names(), ",")
}

// MarshalText returns the kinds in t as a comma-separated list.
func (t DepTypes) MarshalText() ([]byte, error) {
	if t&^allDepTypes != 0 {
		return nil, fmt.Errorf("marshal dependency types: invalid bits %#x", uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText parses a comma-separated list of dependency kinds.
func (t *DepTypes) UnmarshalText(data []byte) error {
	var err error
	*t, err = ParseDepTypes(string(data))
	return err
}
