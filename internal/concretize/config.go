// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package concretize

import (
	"fmt"

	"pin.256lights.llc/pkg/internal/catalog"
	"pin.256lights.llc/pkg/internal/system"
	"pin.256lights.llc/pkg/pinspec"
)

// Strategy selects the solving algorithm.
type Strategy int8

// Strategies.
const (
	// Exhaustive searches with backtracking.
	// It finds a solution whenever one exists
	// and explains failures with a minimal set of conflicting constraints.
	Exhaustive Strategy = iota
	// Heuristic commits to the first consistent choice for every decision.
	// It is faster but may fail on satisfiable requests.
	Heuristic
)

// ParseStrategy parses "exhaustive" or "heuristic".
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "exhaustive":
		return Exhaustive, nil
	case "heuristic":
		return Heuristic, nil
	default:
		return 0, fmt.Errorf("unknown strategy %q", s)
	}
}

func (s Strategy) String() string {
	switch s {
	case Exhaustive:
		return "exhaustive"
	case Heuristic:
		return "heuristic"
	default:
		return fmt.Sprintf("Strategy(%d)", int8(s))
	}
}

// ReusePolicy decides how installed specs rank against newer versions.
type ReusePolicy int8

// Reuse policies.
const (
	// ReuseFirst prefers any compatible installed spec over building a newer version.
	ReuseFirst ReusePolicy = iota
	// NewestFirst only prefers an installed spec
	// if it is at the newest version that could otherwise be chosen.
	NewestFirst
)

// ParseReusePolicy parses "reuse" or "newest".
func ParseReusePolicy(s string) (ReusePolicy, error) {
	switch s {
	case "reuse":
		return ReuseFirst, nil
	case "newest":
		return NewestFirst, nil
	default:
		return 0, fmt.Errorf("unknown reuse policy %q", s)
	}
}

func (p ReusePolicy) String() string {
	switch p {
	case ReuseFirst:
		return "reuse"
	case NewestFirst:
		return "newest"
	default:
		return fmt.Sprintf("ReusePolicy(%d)", int8(p))
	}
}

// TestPolicy selects the packages whose test dependencies are included.
type TestPolicy int8

// Test policies.
const (
	TestNone TestPolicy = iota
	TestRoots
	TestAll
)

// ParseTestPolicy parses "none", "roots", or "all".
func ParseTestPolicy(s string) (TestPolicy, error) {
	switch s {
	case "none", "":
		return TestNone, nil
	case "roots":
		return TestRoots, nil
	case "all":
		return TestAll, nil
	default:
		return 0, fmt.Errorf("unknown test policy %q", s)
	}
}

func (p TestPolicy) String() string {
	switch p {
	case TestNone:
		return "none"
	case TestRoots:
		return "roots"
	case TestAll:
		return "all"
	default:
		return fmt.Sprintf("TestPolicy(%d)", int8(p))
	}
}

// UnifyPolicy decides whether roots share package configurations.
type UnifyPolicy int8

// Unify policies.
const (
	// UnifyTogether solves all roots at once
	// with one configuration per package name.
	UnifyTogether UnifyPolicy = iota
	// UnifySeparately solves each root independently.
	// Identical subtrees are still shared in the resulting graph.
	UnifySeparately
)

// ParseUnifyPolicy parses "together" or "separately".
func ParseUnifyPolicy(s string) (UnifyPolicy, error) {
	switch s {
	case "together", "true", "":
		return UnifyTogether, nil
	case "separately", "false":
		return UnifySeparately, nil
	default:
		return 0, fmt.Errorf("unknown unify policy %q", s)
	}
}

func (p UnifyPolicy) String() string {
	switch p {
	case UnifyTogether:
		return "together"
	case UnifySeparately:
		return "separately"
	default:
		return fmt.Sprintf("UnifyPolicy(%d)", int8(p))
	}
}

// DefaultMaxExplainSteps is the default search budget
// for each re-solve while minimizing an explanation.
const DefaultMaxExplainSteps = 100_000

// Config holds the solver's preferences.
// The zero value is a usable configuration
// that targets the host system.
type Config struct {
	Strategy Strategy
	// DefaultArch is the architecture used when nothing constrains it.
	// The zero value uses [system.Current].
	DefaultArch system.System
	// DefaultCompiler ranks matching compilers first
	// when a node does not inherit a compiler from its dependent.
	DefaultCompiler pinspec.CompilerConstraint
	ReusePolicy     ReusePolicy
	// ProviderPreferences maps a virtual name
	// to provider package names in order of preference.
	ProviderPreferences map[string][]string
	// VersionPreferences maps a package name
	// to version lists in order of preference.
	VersionPreferences map[string][]pinspec.VersionList
	// Externals maps a package name to installations managed outside pin.
	// They are considered in addition to the externals the catalog declares.
	Externals map[string][]*catalog.External
	// NotBuildable names packages that must come from
	// an installed spec or an external.
	// Packages the catalog marks as not buildable are never built either.
	NotBuildable map[string]bool
	Tests        TestPolicy
	Unify        UnifyPolicy
	// MaxExplainSteps bounds each search performed while minimizing
	// the explanation of an unsatisfiable request.
	// Zero means [DefaultMaxExplainSteps].
	MaxExplainSteps int
}

func (cfg *Config) defaultArch() system.System {
	if cfg == nil || cfg.DefaultArch.IsZero() {
		return system.Current()
	}
	return cfg.DefaultArch
}

func (cfg *Config) maxExplainSteps() int {
	if cfg == nil || cfg.MaxExplainSteps <= 0 {
		return DefaultMaxExplainSteps
	}
	return cfg.MaxExplainSteps
}
