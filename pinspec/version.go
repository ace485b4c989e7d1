// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package pinspec

import (
	"fmt"
	"strings"
)

// Version is a package version like "1.2.3", "2.0-rc1", or "develop".
// Versions are compared component by component,
// where components are maximal runs of digits or letters.
// Numeric components compare numerically and sort after alphabetic ones.
// Development branch names ("develop", "main", "master", "head", "trunk")
// sort after every other version.
type Version string

// ParseVersion validates a version string.
func ParseVersion(s string) (Version, error) {
	if s == "" {
		return "", fmt.Errorf("parse version: empty")
	}
	for i := 0; i < len(s); i++ {
		if !isVersionByte(s[i]) {
			return "", fmt.Errorf("parse version %q: invalid character %q", s, s[i])
		}
	}
	if isVersionSeparator(s[0]) || isVersionSeparator(s[len(s)-1]) {
		return "", fmt.Errorf("parse version %q: must start and end with a letter or digit", s)
	}
	return Version(s), nil
}

// String returns string(v).
func (v Version) String() string {
	return string(v)
}

// IsDevelop reports whether v names a development branch
// instead of a release.
func (v Version) IsDevelop() bool {
	comps := v.components()
	return len(comps) > 0 && infinityRank(comps[0]) > 0
}

// HasPrefix reports whether the components of prefix
// are a leading subsequence of v's components.
func (v Version) HasPrefix(prefix Version) bool {
	vc, pc := v.components(), prefix.components()
	if len(pc) > len(vc) {
		return false
	}
	for i := range pc {
		if compareComponents(vc[i], pc[i]) != 0 {
			return false
		}
	}
	return true
}

// Compare returns -1 if v < v2, 0 if v == v2, or 1 if v > v2.
// A version that is a strict prefix of another is smaller.
func (v Version) Compare(v2 Version) int {
	c1, c2 := v.components(), v2.components()
	for i := 0; i < len(c1) && i < len(c2); i++ {
		if c := compareComponents(c1[i], c2[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(c1) < len(c2):
		return -1
	case len(c1) > len(c2):
		return 1
	default:
		return 0
	}
}

func (v Version) components() []string {
	var comps []string
	s := string(v)
	for len(s) > 0 {
		if isVersionSeparator(s[0]) {
			s = s[1:]
			continue
		}
		n := 1
		digit := isDigit(s[0])
		for n < len(s) && !isVersionSeparator(s[n]) && isDigit(s[n]) == digit {
			n++
		}
		comps = append(comps, s[:n])
		s = s[n:]
	}
	return comps
}

var infinityVersions = []string{"stable", "trunk", "head", "master", "main", "develop"}

func infinityRank(comp string) int {
	for i, name := range infinityVersions {
		if comp == name {
			return i + 1
		}
	}
	return 0
}

func compareComponents(a, b string) int {
	classA, classB := componentClass(a), componentClass(b)
	if classA != classB {
		if classA < classB {
			return -1
		}
		return 1
	}
	switch classA {
	case 1:
		a, b = strings.TrimLeft(a, "0"), strings.TrimLeft(b, "0")
		if len(a) != len(b) {
			if len(a) < len(b) {
				return -1
			}
			return 1
		}
		return strings.Compare(a, b)
	case 2:
		ra, rb := infinityRank(a), infinityRank(b)
		switch {
		case ra < rb:
			return -1
		case ra > rb:
			return 1
		default:
			return 0
		}
	default:
		return strings.Compare(a, b)
	}
}

// componentClass orders alphabetic components before numbers
// and numbers before development branch names.
func componentClass(comp string) int {
	switch {
	case isDigit(comp[0]):
		return 1
	case infinityRank(comp) > 0:
		return 2
	default:
		return 0
	}
}

func isDigit(c byte) bool {
	return '0' <= c && c <= '9'
}

func isVersionSeparator(c byte) bool {
	return c == '.' || c == '-' || c == '_'
}

func isVersionByte(c byte) bool {
	return isDigit(c) || 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || isVersionSeparator(c)
}

// VersionRange is an inclusive range of versions.
// An empty bound is unbounded.
// The upper bound also admits any version that has it as a prefix,
// so ":2.0" contains "2.0.5".
// A range with Lo == Hi matches that version and versions prefixed by it
// unless Exact is set, in which case it matches only that version.
type VersionRange struct {
	Lo    Version
	Hi    Version
	Exact bool
}

// ExactVersion returns a range that matches only v.
func ExactVersion(v Version) VersionRange {
	return VersionRange{Lo: v, Hi: v, Exact: true}
}

// ParseVersionRange parses "1.2", "=1.2", "1.2:", ":1.2", or "1.0:1.2".
func ParseVersionRange(s string) (VersionRange, error) {
	if rest, ok := strings.CutPrefix(s, "="); ok {
		v, err := ParseVersion(rest)
		if err != nil {
			return VersionRange{}, err
		}
		return ExactVersion(v), nil
	}
	lo, hi, isRange := strings.Cut(s, ":")
	if !isRange {
		v, err := ParseVersion(s)
		if err != nil {
			return VersionRange{}, err
		}
		return VersionRange{Lo: v, Hi: v}, nil
	}
	var r VersionRange
	if lo != "" {
		v, err := ParseVersion(lo)
		if err != nil {
			return VersionRange{}, err
		}
		r.Lo = v
	}
	if hi != "" {
		v, err := ParseVersion(hi)
		if err != nil {
			return VersionRange{}, err
		}
		r.Hi = v
	}
	if !r.nonEmpty() {
		return VersionRange{}, fmt.Errorf("parse version range %q: empty range", s)
	}
	return r, nil
}

// String formats the range in the form accepted by [ParseVersionRange].
func (r VersionRange) String() string {
	switch {
	case r.Exact:
		return "=" + string(r.Lo)
	case r.Lo != "" && r.Lo == r.Hi:
		return string(r.Lo)
	default:
		return string(r.Lo) + ":" + string(r.Hi)
	}
}

// Contains reports whether v is in the range.
func (r VersionRange) Contains(v Version) bool {
	if r.Exact {
		return v.Compare(r.Lo) == 0
	}
	return (r.Lo == "" || v.Compare(r.Lo) >= 0) &&
		(r.Hi == "" || v.Compare(r.Hi) <= 0 || v.HasPrefix(r.Hi))
}

func (r VersionRange) nonEmpty() bool {
	return r.Lo == "" || r.Hi == "" || r.Lo.Compare(r.Hi) <= 0 || r.Lo.HasPrefix(r.Hi)
}

// Intersect returns the versions in both r and r2.
// ok is false if the intersection is empty.
func (r VersionRange) Intersect(r2 VersionRange) (_ VersionRange, ok bool) {
	if r.Exact {
		return r, r2.Contains(r.Lo)
	}
	if r2.Exact {
		return r2, r.Contains(r2.Lo)
	}
	result := VersionRange{Lo: r.Lo, Hi: r.Hi}
	if r2.Lo != "" && (result.Lo == "" || r2.Lo.Compare(result.Lo) > 0) {
		result.Lo = r2.Lo
	}
	switch {
	case r2.Hi == "":
	case result.Hi == "":
		result.Hi = r2.Hi
	case r2.Hi.HasPrefix(result.Hi):
		result.Hi = r2.Hi
	case result.Hi.HasPrefix(r2.Hi):
	case r2.Hi.Compare(result.Hi) < 0:
		result.Hi = r2.Hi
	}
	return result, result.nonEmpty()
}

// VersionList is a union of version ranges.
// An empty list matches any version.
type VersionList []VersionRange

// ParseVersionList parses a comma-separated list of version ranges.
func ParseVersionList(s string) (VersionList, error) {
	var list VersionList
	for part := range strings.SplitSeq(s, ",") {
		r, err := ParseVersionRange(part)
		if err != nil {
			return nil, err
		}
		list = append(list, r)
	}
	return list, nil
}

// IsAny reports whether the list matches any version.
func (list VersionList) IsAny() bool {
	return len(list) == 0
}

// Contains reports whether v is in any of the list's ranges.
func (list VersionList) Contains(v Version) bool {
	if len(list) == 0 {
		return true
	}
	for _, r := range list {
		if r.Contains(v) {
			return true
		}
	}
	return false
}

// Exact returns the version of an exact single-version list.
func (list VersionList) Exact() (_ Version, ok bool) {
	if len(list) != 1 || !list[0].Exact {
		return "", false
	}
	return list[0].Lo, true
}

// Intersect returns the versions in both lists.
// ok is false if the intersection is empty.
func (list VersionList) Intersect(list2 VersionList) (_ VersionList, ok bool) {
	if len(list) == 0 {
		return list2, true
	}
	if len(list2) == 0 {
		return list, true
	}
	var result VersionList
	for _, r := range list {
		for _, r2 := range list2 {
			if x, ok := r.Intersect(r2); ok {
				result = append(result, x)
			}
		}
	}
	return result, len(result) > 0
}

// String formats the list in the form accepted by [ParseVersionList].
func (list VersionList) String() string {
	sb := new(strings.Builder)
	for i, r := range list {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(r.String())
	}
	return sb.String()
}
