// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

// Package pinspec provides the data model for package specs:
// abstract specs as written by users and catalogs,
// concrete specs produced by the concretizer,
// their canonical hashes, and lock-files.
package pinspec

import (
	"slices"
	"strings"

	"pin.256lights.llc/pkg/internal/system"
)

// Spec is an abstract spec: a package name with optional constraints.
// Spec syntax is documented on [Parse].
type Spec struct {
	Name     string
	Versions VersionList
	Compiler CompilerConstraint
	// Variants is sorted by name and has at most one constraint per name.
	Variants []VariantConstraint
	Arch     ArchConstraint
	// Deps are constraints on packages anywhere in the spec's dependency graph.
	Deps []*DepConstraint
}

// CompilerConstraint restricts the compiler used to build a package.
// The zero value allows any compiler.
type CompilerConstraint struct {
	Name     string
	Versions VersionList
}

// IsZero reports whether c allows any compiler.
func (c CompilerConstraint) IsZero() bool {
	return c.Name == "" && len(c.Versions) == 0
}

// SatisfiedBy reports whether the named compiler at the given version meets the constraint.
func (c CompilerConstraint) SatisfiedBy(name string, version Version) bool {
	return (c.Name == "" || c.Name == name) && c.Versions.Contains(version)
}

// String formats the constraint without the leading '%'.
func (c CompilerConstraint) String() string {
	if len(c.Versions) == 0 {
		return c.Name
	}
	return c.Name + "@" + c.Versions.String()
}

// ArchConstraint restricts the platform, operating system, and target.
// Empty fields are unconstrained.
type ArchConstraint struct {
	Platform string
	OS       string
	Target   system.TargetRange
}

// IsZero reports whether c allows any architecture.
func (c ArchConstraint) IsZero() bool {
	return c.Platform == "" && c.OS == "" && c.Target.IsAny()
}

// SatisfiedBy reports whether a concrete architecture meets the constraint.
func (c ArchConstraint) SatisfiedBy(sys system.System) bool {
	return (c.Platform == "" || c.Platform == sys.Platform) &&
		(c.OS == "" || c.OS == sys.OS) &&
		c.Target.Contains(sys.Target)
}

func (c ArchConstraint) appendTo(sb *strings.Builder) {
	if c.Platform != "" && c.OS != "" && !c.Target.IsAny() && !c.Target.Range {
		sb.WriteString(" arch=")
		sb.WriteString(c.Platform + "-" + c.OS + "-" + c.Target.Lo)
		return
	}
	if c.Platform != "" {
		sb.WriteString(" platform=")
		sb.WriteString(c.Platform)
	}
	if c.OS != "" {
		sb.WriteString(" os=")
		sb.WriteString(c.OS)
	}
	if !c.Target.IsAny() {
		sb.WriteString(" target=")
		sb.WriteString(c.Target.String())
	}
}

// DepConstraint is a constraint on a dependency of a spec.
type DepConstraint struct {
	Spec *Spec
	// Types is the set of kinds the dependency edge must have.
	// Zero means any kind.
	Types DepTypes
}

// Variant returns the constraint on the named variant.
func (s *Spec) Variant(name string) (_ VariantConstraint, ok bool) {
	i, found := slices.BinarySearchFunc(s.Variants, name, func(c VariantConstraint, name string) int {
		return strings.Compare(c.Name, name)
	})
	if !found {
		return VariantConstraint{}, false
	}
	return s.Variants[i], true
}

// SetVariant adds or replaces a variant constraint,
// keeping s.Variants sorted.
func (s *Spec) SetVariant(c VariantConstraint) {
	i, found := slices.BinarySearchFunc(s.Variants, c.Name, func(c VariantConstraint, name string) int {
		return strings.Compare(c.Name, name)
	})
	if found {
		s.Variants[i] = c
		return
	}
	s.Variants = slices.Insert(s.Variants, i, c)
}

// Dep returns the constraint on the named dependency or nil if none exists.
func (s *Spec) Dep(name string) *DepConstraint {
	for _, d := range s.Deps {
		if d.Spec.Name == name {
			return d
		}
	}
	return nil
}

// IsAnonymous reports whether the spec only carries constraints
// without naming a package,
// as in the conditions of catalog declarations.
func (s *Spec) IsAnonymous() bool {
	return s.Name == ""
}

// Clone returns a deep copy of s.
func (s *Spec) Clone() *Spec {
	if s == nil {
		return nil
	}
	s2 := &Spec{
		Name:     s.Name,
		Versions: slices.Clone(s.Versions),
		Compiler: CompilerConstraint{
			Name:     s.Compiler.Name,
			Versions: slices.Clone(s.Compiler.Versions),
		},
		Arch: s.Arch,
	}
	for _, v := range s.Variants {
		v.Values = slices.Clone(v.Values)
		s2.Variants = append(s2.Variants, v)
	}
	for _, d := range s.Deps {
		s2.Deps = append(s2.Deps, &DepConstraint{Spec: d.Spec.Clone(), Types: d.Types})
	}
	return s2
}

// String formats the spec in a form accepted by [Parse].
func (s *Spec) String() string {
	sb := new(strings.Builder)
	s.appendTo(sb)
	for _, d := range s.Deps {
		sb.WriteString(" ^")
		if d.Types != 0 {
			sb.WriteString("[deptypes=")
			sb.WriteString(d.Types.String())
			sb.WriteString("]")
		}
		d.Spec.appendTo(sb)
	}
	return strings.TrimSpace(sb.String())
}

// appendTo writes the node attributes of s, excluding dependencies.
func (s *Spec) appendTo(sb *strings.Builder) {
	sb.WriteString(s.Name)
	if len(s.Versions) > 0 {
		sb.WriteString("@")
		sb.WriteString(s.Versions.String())
	}
	if !s.Compiler.IsZero() {
		sb.WriteString("%")
		sb.WriteString(s.Compiler.String())
	}
	for _, v := range s.Variants {
		if v.isBool() {
			sb.WriteString(v.String())
		}
	}
	for _, v := range s.Variants {
		if !v.isBool() {
			sb.WriteString(" ")
			sb.WriteString(v.String())
		}
	}
	s.Arch.appendTo(sb)
}
