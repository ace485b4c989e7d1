// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package pinspec

import (
	"fmt"
	"strings"

	"pin.256lights.llc/pkg/internal/system"
)

// ParseError is returned by the spec parsers for malformed input.
type ParseError struct {
	Input  string
	Offset int
	Msg    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse spec %q: at %d: %s", e.Input, e.Offset, e.Msg)
}

// Parse parses a single abstract spec.
//
// The grammar is:
//
//	name[@versions][%compiler[@versions]][variants...][arch...][^dep ...]
//
// Versions are comma-separated ranges like "1.2", "=1.2", "1.0:", ":2.0", or "1.0:2.0".
// Variants are "+name" or "~name" (or "-name" at the start of a word) for booleans,
// "name=value", "name=a,b" for multi-valued variants,
// "name=*" for any value, and "name!=value" to forbid a value.
// Architecture is given as "platform=P", "os=O", "target=T" (T may be a range like "x86_64:"),
// or "arch=P-O-T".
// Each "^" introduces a constraint on a dependency anywhere in the graph,
// optionally restricted to edge kinds with "^[deptypes=build,link]name".
func Parse(s string) (*Spec, error) {
	specs, err := parse(s, false)
	if err != nil {
		return nil, err
	}
	if len(specs) != 1 {
		return nil, &ParseError{Input: s, Offset: 0, Msg: fmt.Sprintf("expected one spec, found %d", len(specs))}
	}
	return specs[0], nil
}

// ParseMany parses a whitespace-separated sequence of abstract specs,
// like "hdf5+mpi ^openmpi zlib@1.3".
func ParseMany(s string) ([]*Spec, error) {
	return parse(s, false)
}

// ParseCondition parses a spec that may omit the package name,
// like "+mpi" or "@2.0: %gcc".
// Conditions are used in catalog declarations to refer to the declaring package.
func ParseCondition(s string) (*Spec, error) {
	specs, err := parse(s, true)
	if err != nil {
		return nil, err
	}
	switch len(specs) {
	case 0:
		return new(Spec), nil
	case 1:
		return specs[0], nil
	default:
		return nil, &ParseError{Input: s, Offset: 0, Msg: "condition may only name one package"}
	}
}

type specParser struct {
	input     string
	pos       int
	anonymous bool

	specs []*Spec
	root  *Spec
	cur   *Spec
}

func parse(s string, anonymous bool) ([]*Spec, error) {
	p := &specParser{input: s, anonymous: anonymous}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) {
			return p.specs, nil
		}
		if err := p.item(); err != nil {
			return nil, err
		}
	}
}

func (p *specParser) errorf(offset int, format string, args ...any) error {
	return &ParseError{Input: p.input, Offset: offset, Msg: fmt.Sprintf(format, args...)}
}

func (p *specParser) skipSpace() {
	for p.pos < len(p.input) && isSpace(p.input[p.pos]) {
		p.pos++
	}
}

func (p *specParser) atWordStart() bool {
	return p.pos == 0 || isSpace(p.input[p.pos-1])
}

// current returns the spec that attributes apply to,
// starting an anonymous spec if permitted.
func (p *specParser) current() (*Spec, error) {
	if p.cur != nil {
		return p.cur, nil
	}
	if !p.anonymous {
		return nil, p.errorf(p.pos, "expected package name")
	}
	p.root = new(Spec)
	p.cur = p.root
	p.specs = append(p.specs, p.root)
	return p.cur, nil
}

func (p *specParser) item() error {
	start := p.pos
	switch c := p.input[p.pos]; {
	case c == '^':
		return p.dependency()
	case c == '@':
		spec, err := p.current()
		if err != nil {
			return err
		}
		p.pos++
		if spec.Versions != nil {
			return p.errorf(start, "versions given twice for %s", describeSpec(spec))
		}
		spec.Versions, err = p.versionList()
		return err
	case c == '%':
		spec, err := p.current()
		if err != nil {
			return err
		}
		p.pos++
		if spec.Compiler.Name != "" {
			return p.errorf(start, "compiler given twice for %s", describeSpec(spec))
		}
		spec.Compiler.Name = p.identifier()
		if spec.Compiler.Name == "" {
			return p.errorf(p.pos, "expected compiler name")
		}
		if p.pos < len(p.input) && p.input[p.pos] == '@' {
			p.pos++
			spec.Compiler.Versions, err = p.versionList()
			return err
		}
		return nil
	case c == '+' || c == '~' || c == '-' && p.atWordStart():
		spec, err := p.current()
		if err != nil {
			return err
		}
		p.pos++
		name := p.identifier()
		if name == "" {
			return p.errorf(p.pos, "expected variant name after %q", c)
		}
		return p.addVariant(start, spec, VariantConstraint{Name: name, Values: Bool(c == '+')})
	case isIdentStart(c):
		word := p.identifier()
		switch {
		case strings.HasPrefix(p.input[p.pos:], "!="):
			p.pos += len("!=")
			return p.keyValue(start, word, true)
		case p.pos < len(p.input) && p.input[p.pos] == '=':
			p.pos++
			return p.keyValue(start, word, false)
		}
		if p.anonymous && len(p.specs) > 0 {
			return p.errorf(start, "unexpected package name %q in condition", word)
		}
		p.root = &Spec{Name: word}
		p.cur = p.root
		p.specs = append(p.specs, p.root)
		return nil
	default:
		return p.errorf(start, "unexpected %q", c)
	}
}

func (p *specParser) dependency() error {
	start := p.pos
	p.pos++
	if p.root == nil {
		if !p.anonymous {
			return p.errorf(start, "dependency without a package")
		}
		if _, err := p.current(); err != nil {
			return err
		}
	}
	var types DepTypes
	if strings.HasPrefix(p.input[p.pos:], "[") {
		end := strings.IndexByte(p.input[p.pos:], ']')
		if end < 0 {
			return p.errorf(p.pos, "unterminated '['")
		}
		inner := p.input[p.pos+1 : p.pos+end]
		value, ok := strings.CutPrefix(inner, "deptypes=")
		if !ok {
			return p.errorf(p.pos, "unknown dependency attribute %q", inner)
		}
		var err error
		types, err = ParseDepTypes(value)
		if err != nil {
			return p.errorf(p.pos, "%v", err)
		}
		p.pos += end + 1
	}
	p.skipSpace()
	name := p.identifier()
	if name == "" {
		return p.errorf(p.pos, "expected dependency name after '^'")
	}
	if p.root.Dep(name) != nil {
		return p.errorf(start, "dependency %s given twice", name)
	}
	dep := &Spec{Name: name}
	p.root.Deps = append(p.root.Deps, &DepConstraint{Spec: dep, Types: types})
	p.cur = dep
	return nil
}

func (p *specParser) keyValue(start int, key string, negated bool) error {
	spec, err := p.current()
	if err != nil {
		return err
	}
	valueStart := p.pos
	for p.pos < len(p.input) && !isSpace(p.input[p.pos]) && !strings.ContainsRune("^%+~", rune(p.input[p.pos])) {
		p.pos++
	}
	value := p.input[valueStart:p.pos]
	if value == "" {
		return p.errorf(valueStart, "missing value for %s", key)
	}
	switch key {
	case "platform", "os", "target", "arch":
		if negated {
			return p.errorf(start, "%s cannot be negated", key)
		}
		return p.arch(start, spec, key, value)
	}
	c := VariantConstraint{Name: key, Negated: negated}
	if value == "*" {
		if negated {
			return p.errorf(start, "%s!=* matches nothing", key)
		}
		c.Any = true
	} else {
		c.Values = NewVariantValue(strings.Split(value, ",")...)
		for _, v := range c.Values {
			if v == "" || v == "*" {
				return p.errorf(valueStart, "invalid value %q for %s", value, key)
			}
		}
	}
	return p.addVariant(start, spec, c)
}

func (p *specParser) arch(start int, spec *Spec, key, value string) error {
	set := func(field *string, v string) error {
		if *field != "" && *field != v {
			return p.errorf(start, "%s given twice for %s", key, describeSpec(spec))
		}
		*field = v
		return nil
	}
	setTarget := func(v string) error {
		if !spec.Arch.Target.IsAny() {
			return p.errorf(start, "target given twice for %s", describeSpec(spec))
		}
		r, err := system.ParseTargetRange(v)
		if err != nil {
			return p.errorf(start, "%v", err)
		}
		spec.Arch.Target = r
		return nil
	}
	switch key {
	case "platform":
		return set(&spec.Arch.Platform, value)
	case "os":
		return set(&spec.Arch.OS, value)
	case "target":
		return setTarget(value)
	default:
		sys, err := system.Parse(value)
		if err != nil {
			return p.errorf(start, "%v", err)
		}
		if err := set(&spec.Arch.Platform, sys.Platform); err != nil {
			return err
		}
		if err := set(&spec.Arch.OS, sys.OS); err != nil {
			return err
		}
		return setTarget(sys.Target)
	}
}

func (p *specParser) addVariant(start int, spec *Spec, c VariantConstraint) error {
	if _, exists := spec.Variant(c.Name); exists {
		return p.errorf(start, "variant %s given twice for %s", c.Name, describeSpec(spec))
	}
	spec.SetVariant(c)
	return nil
}

func (p *specParser) versionList() (VersionList, error) {
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if !isVersionByte(c) && c != ':' && c != ',' && c != '=' {
			break
		}
		p.pos++
	}
	if start == p.pos {
		return nil, p.errorf(start, "expected version")
	}
	list, err := ParseVersionList(p.input[start:p.pos])
	if err != nil {
		return nil, p.errorf(start, "%v", err)
	}
	return list, nil
}

func (p *specParser) identifier() string {
	start := p.pos
	if p.pos < len(p.input) && isIdentStart(p.input[p.pos]) {
		p.pos++
		for p.pos < len(p.input) && isIdentByte(p.input[p.pos]) {
			p.pos++
		}
	}
	return p.input[start:p.pos]
}

func describeSpec(s *Spec) string {
	if s.Name == "" {
		return "condition"
	}
	return s.Name
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isIdentStart(c byte) bool {
	return 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' || c == '_'
}

func isIdentByte(c byte) bool {
	return isIdentStart(c) || c == '-' || c == '.'
}
