// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package pinspec

import (
	"slices"
	"strings"
)

// Boolean variant values.
const (
	True  = "true"
	False = "false"
)

// VariantValue is the sorted set of values of a concrete variant.
// Boolean variants have a single value of [True] or [False].
type VariantValue []string

// NewVariantValue returns a sorted, duplicate-free value set.
func NewVariantValue(values ...string) VariantValue {
	v := slices.Clone(values)
	slices.Sort(v)
	return slices.Compact(v)
}

// Bool returns the value of a boolean variant.
func Bool(b bool) VariantValue {
	if b {
		return VariantValue{True}
	}
	return VariantValue{False}
}

// Has reports whether value is in v.
func (v VariantValue) Has(value string) bool {
	_, found := slices.BinarySearch(v, value)
	return found
}

// Equal reports whether v and v2 contain the same values.
func (v VariantValue) Equal(v2 VariantValue) bool {
	return slices.Equal(v, v2)
}

// String returns the values separated by commas.
func (v VariantValue) String() string {
	return strings.Join(v, ",")
}

// VariantConstraint restricts the value of a variant.
type VariantConstraint struct {
	Name string
	// Values are the values that must be present
	// (or, if Negated is set, must be absent).
	Values VariantValue
	// Any is set for "name=*":
	// the variant must exist but may have any value.
	Any bool
	// Negated is set for "name!=value".
	Negated bool
}

// SatisfiedBy reports whether a concrete value meets the constraint.
// present is false if the node does not have the variant.
func (c VariantConstraint) SatisfiedBy(value VariantValue, present bool) bool {
	switch {
	case !present:
		return c.Negated
	case c.Any:
		return true
	case c.Negated:
		for _, x := range c.Values {
			if value.Has(x) {
				return false
			}
		}
		return true
	default:
		for _, x := range c.Values {
			if !value.Has(x) {
				return false
			}
		}
		return true
	}
}

// isBool reports whether the constraint is a boolean toggle
// that formats as "+name" or "~name".
func (c VariantConstraint) isBool() bool {
	return !c.Any && !c.Negated && len(c.Values) == 1 && (c.Values[0] == True || c.Values[0] == False)
}

// String formats the constraint in spec syntax.
func (c VariantConstraint) String() string {
	switch {
	case c.isBool() && c.Values[0] == True:
		return "+" + c.Name
	case c.isBool():
		return "~" + c.Name
	case c.Any:
		return c.Name + "=*"
	case c.Negated:
		return c.Name + "!=" + c.Values.String()
	default:
		return c.Name + "=" + c.Values.String()
	}
}
