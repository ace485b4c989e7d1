// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package concretize

import (
	"strings"

	"pin.256lights.llc/pkg/pinspec"
)

// Cause classifies why a constraint participates in a conflict.
type Cause string

// Causes.
const (
	CauseConflict       Cause = "conflict"
	CauseVersion        Cause = "version"
	CauseVariant        Cause = "variant"
	CauseCompiler       Cause = "compiler"
	CauseTarget         Cause = "target"
	CauseProvider       Cause = "provider"
	CauseCycle          Cause = "cycle"
	CauseReuse          Cause = "reuse"
	CauseUnknownPackage Cause = "unknown-package"
	CauseUnknownVariant Cause = "unknown-variant"
	CauseUnknownVersion Cause = "unknown-version"
	CauseNotADependency Cause = "not-a-dependency"
	CauseNotBuildable   Cause = "not-buildable"
)

// Conflict is one constraint in an explanation of an unsatisfiable request.
type Conflict struct {
	// ID identifies the constraint within the request.
	ID string
	// Node is the package or virtual the constraint applies to.
	Node string
	// Clause is the constraint in spec syntax.
	Clause string
	// Origin describes where the constraint came from.
	Origin string
	Cause  Cause
}

// String formats the conflict on a single line.
func (c Conflict) String() string {
	return c.Node + ": " + c.Clause + " [" + string(c.Cause) + "] (" + c.Origin + ")"
}

// Unsatisfiable is returned when no concrete graph satisfies a request.
type Unsatisfiable struct {
	Roots []*pinspec.Spec
	// Constraints is a set of constraints that cannot hold together.
	Constraints []Conflict
	// Minimal is true if removing any one of Constraints
	// would make the request satisfiable.
	Minimal bool
}

func (e *Unsatisfiable) Error() string {
	sb := new(strings.Builder)
	sb.WriteString("cannot concretize ")
	for i, r := range e.Roots {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(r.String())
	}
	if len(e.Constraints) == 0 {
		sb.WriteString(": no solution")
		return sb.String()
	}
	if e.Minimal {
		sb.WriteString(": conflicting constraints:")
	} else {
		sb.WriteString(": constraints involved:")
	}
	for _, c := range e.Constraints {
		sb.WriteString("\n\t")
		sb.WriteString(c.String())
	}
	return sb.String()
}

// HasCause reports whether any of the constraints has the given cause.
func (e *Unsatisfiable) HasCause(cause Cause) bool {
	for _, c := range e.Constraints {
		if c.Cause == cause {
			return true
		}
	}
	return false
}
