// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package system

import (
	"fmt"
	"strings"
)

// Target is a microarchitecture.
// Code built for a target runs on any of its descendants.
type Target struct {
	Name   string
	Parent string
}

// knownTargets is ordered so that each family's generic target comes first.
var knownTargets = []Target{
	{Name: "x86_64"},
	{Name: "x86_64_v2", Parent: "x86_64"},
	{Name: "x86_64_v3", Parent: "x86_64_v2"},
	{Name: "haswell", Parent: "x86_64_v3"},
	{Name: "x86_64_v4", Parent: "x86_64_v3"},
	{Name: "icelake", Parent: "x86_64_v4"},
	{Name: "aarch64"},
	{Name: "neoverse_n1", Parent: "aarch64"},
	{Name: "m1", Parent: "aarch64"},
	{Name: "neoverse_v1", Parent: "neoverse_n1"},
	{Name: "ppc64le"},
	{Name: "power9le", Parent: "ppc64le"},
	{Name: "riscv64"},
	{Name: "i686"},
}

var targetIndex = func() map[string]int {
	m := make(map[string]int, len(knownTargets))
	for i, t := range knownTargets {
		m[t.Name] = i
	}
	return m
}()

// LookupTarget returns the target with the given name.
func LookupTarget(name string) (Target, bool) {
	i, ok := targetIndex[name]
	if !ok {
		return Target{}, false
	}
	return knownTargets[i], true
}

// Ancestors returns the target name followed by its ancestors,
// nearest first.
// Unknown targets have no ancestors.
func Ancestors(name string) []string {
	list := []string{name}
	for {
		t, ok := LookupTarget(name)
		if !ok || t.Parent == "" {
			return list
		}
		name = t.Parent
		list = append(list, name)
	}
}

// Family returns the generic target at the root of name's ancestry.
func Family(name string) string {
	a := Ancestors(name)
	return a[len(a)-1]
}

// IsDescendant reports whether target is equal to ancestor
// or was derived from it.
func IsDescendant(target, ancestor string) bool {
	for _, a := range Ancestors(target) {
		if a == ancestor {
			return true
		}
	}
	return false
}

// FamilyTargets returns the known targets in the same family as name
// in table order.
// For an unknown target, FamilyTargets returns just that target.
func FamilyTargets(name string) []string {
	if _, ok := LookupTarget(name); !ok {
		return []string{name}
	}
	fam := Family(name)
	var list []string
	for _, t := range knownTargets {
		if Family(t.Name) == fam {
			list = append(list, t.Name)
		}
	}
	return list
}

// TargetRange is a set of targets.
// "x86_64:" matches x86_64 and its descendants,
// ":x86_64_v3" matches x86_64_v3 and its ancestors,
// and a name without a colon matches only that target.
// The zero value matches any target.
type TargetRange struct {
	Lo    string
	Hi    string
	Range bool
}

// ParseTargetRange parses a target range string.
func ParseTargetRange(s string) (TargetRange, error) {
	lo, hi, isRange := strings.Cut(s, ":")
	if strings.Contains(hi, ":") {
		return TargetRange{}, fmt.Errorf("parse target %q: too many colons", s)
	}
	if !isRange {
		if s == "" {
			return TargetRange{}, fmt.Errorf("parse target: empty")
		}
		return TargetRange{Lo: s, Hi: s}, nil
	}
	if lo == "" && hi == "" {
		return TargetRange{}, fmt.Errorf("parse target %q: empty range", s)
	}
	return TargetRange{Lo: lo, Hi: hi, Range: true}, nil
}

// IsAny reports whether r matches every target.
func (r TargetRange) IsAny() bool {
	return r == TargetRange{}
}

// Contains reports whether the target is in the range.
func (r TargetRange) Contains(target string) bool {
	if !r.Range {
		return r.Lo == "" || r.Lo == target
	}
	return (r.Lo == "" || IsDescendant(target, r.Lo)) &&
		(r.Hi == "" || IsDescendant(r.Hi, target))
}

// String returns the range in a form accepted by [ParseTargetRange].
func (r TargetRange) String() string {
	if !r.Range {
		return r.Lo
	}
	return r.Lo + ":" + r.Hi
}
