// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

// Package aterm implements the subset of the ASCII ATerm format
// used for canonical spec encodings:
// strings, lists, tuples, and constructor applications like Spec(...).
package aterm

import (
	"fmt"
	"slices"
	"strings"
)

// Kind is the type of a [Term].
type Kind int8

// Term kinds.
const (
	String Kind = 1 + iota
	List
	Tuple
)

func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case List:
		return "list"
	case Tuple:
		return "tuple"
	default:
		return fmt.Sprintf("Kind(%d)", int8(k))
	}
}

// A Term is a node in an ATerm tree.
// The zero value is not a valid term.
type Term struct {
	Kind Kind
	// Name is the constructor name of a tuple.
	// An empty Name is an anonymous tuple.
	Name string
	// Value is the content of a string term.
	Value string
	// Elems holds the children of a list or tuple.
	Elems []Term
}

// Str returns a string term.
func Str(s string) Term {
	return Term{Kind: String, Value: s}
}

// NewList returns a list term.
func NewList(elems ...Term) Term {
	return Term{Kind: List, Elems: elems}
}

// NewTuple returns an anonymous tuple term.
func NewTuple(elems ...Term) Term {
	return Term{Kind: Tuple, Elems: elems}
}

// Cons returns a tuple term with a constructor name.
func Cons(name string, elems ...Term) Term {
	return Term{Kind: Tuple, Name: name, Elems: elems}
}

// Strings returns a list of string terms.
func Strings(list []string) Term {
	t := Term{Kind: List, Elems: make([]Term, 0, len(list))}
	for _, s := range list {
		t.Elems = append(t.Elems, Str(s))
	}
	return t
}

// Append appends the ATerm text encoding of t to dst.
func (t Term) Append(dst []byte) []byte {
	switch t.Kind {
	case String:
		return AppendString(dst, t.Value)
	case List:
		dst = append(dst, '[')
		dst = appendElems(dst, t.Elems)
		return append(dst, ']')
	case Tuple:
		dst = append(dst, t.Name...)
		dst = append(dst, '(')
		dst = appendElems(dst, t.Elems)
		return append(dst, ')')
	default:
		panic("invalid aterm kind")
	}
}

func appendElems(dst []byte, elems []Term) []byte {
	for i, elem := range elems {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = elem.Append(dst)
	}
	return dst
}

// String returns the ATerm text encoding of t.
func (t Term) String() string {
	return string(t.Append(nil))
}

// StringList converts a list of string terms to a slice.
func (t Term) StringList() ([]string, error) {
	if t.Kind != List {
		return nil, fmt.Errorf("aterm: %v is not a list", t.Kind)
	}
	list := make([]string, 0, len(t.Elems))
	for _, elem := range t.Elems {
		if elem.Kind != String {
			return nil, fmt.Errorf("aterm: list element is a %v", elem.Kind)
		}
		list = append(list, elem.Value)
	}
	return list, nil
}

// AppendString appends the string to dst as an ATerm text format double-quoted string.
func AppendString(dst []byte, s string) []byte {
	dst = slices.Grow(dst, len(s)+len(`""`))
	dst = append(dst, '"')
	for _, c := range []byte(s) {
		switch c {
		case '"', '\\':
			dst = append(dst, '\\', c)
		case '\n':
			dst = append(dst, `\n`...)
		case '\r':
			dst = append(dst, `\r`...)
		case '\t':
			dst = append(dst, `\t`...)
		default:
			dst = append(dst, c)
		}
	}
	return append(dst, '"')
}

const maxDepth = 64

// Parse parses a single term from data.
// Trailing bytes after the term are an error.
func Parse(data []byte) (Term, error) {
	p := &parser{data: data}
	t, err := p.term(0)
	if err != nil {
		return Term{}, fmt.Errorf("parse aterm: %v", err)
	}
	if p.pos != len(p.data) {
		return Term{}, fmt.Errorf("parse aterm: trailing data at offset %d", p.pos)
	}
	return t, nil
}

type parser struct {
	data []byte
	pos  int
}

func (p *parser) term(depth int) (Term, error) {
	if depth > maxDepth {
		return Term{}, fmt.Errorf("nested too deeply")
	}
	if p.pos >= len(p.data) {
		return Term{}, fmt.Errorf("unexpected end of input")
	}
	switch c := p.data[p.pos]; {
	case c == '"':
		s, err := p.str()
		if err != nil {
			return Term{}, err
		}
		return Str(s), nil
	case c == '[':
		p.pos++
		elems, err := p.elems(']', depth)
		if err != nil {
			return Term{}, err
		}
		return Term{Kind: List, Elems: elems}, nil
	case c == '(' || isNameByte(c):
		start := p.pos
		for p.pos < len(p.data) && isNameByte(p.data[p.pos]) {
			p.pos++
		}
		name := string(p.data[start:p.pos])
		if p.pos >= len(p.data) || p.data[p.pos] != '(' {
			return Term{}, fmt.Errorf("expected '(' after %q at offset %d", name, p.pos)
		}
		p.pos++
		elems, err := p.elems(')', depth)
		if err != nil {
			return Term{}, err
		}
		return Term{Kind: Tuple, Name: name, Elems: elems}, nil
	default:
		return Term{}, fmt.Errorf("unexpected character %q at offset %d", c, p.pos)
	}
}

func (p *parser) elems(end byte, depth int) ([]Term, error) {
	var elems []Term
	for {
		if p.pos >= len(p.data) {
			return nil, fmt.Errorf("unexpected end of input (expected %q)", end)
		}
		if p.data[p.pos] == end {
			p.pos++
			return elems, nil
		}
		if len(elems) > 0 {
			if p.data[p.pos] != ',' {
				return nil, fmt.Errorf("unexpected %q at offset %d (expected ',' or %q)", p.data[p.pos], p.pos, end)
			}
			p.pos++
		}
		t, err := p.term(depth + 1)
		if err != nil {
			return nil, err
		}
		elems = append(elems, t)
	}
}

func (p *parser) str() (string, error) {
	p.pos++ // opening quote
	sb := new(strings.Builder)
	for p.pos < len(p.data) {
		c := p.data[p.pos]
		p.pos++
		switch c {
		case '"':
			return sb.String(), nil
		case '\\':
			if p.pos >= len(p.data) {
				return "", fmt.Errorf("unterminated escape")
			}
			c = p.data[p.pos]
			p.pos++
			switch c {
			case '"', '\\':
				sb.WriteByte(c)
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case 't':
				sb.WriteByte('\t')
			default:
				return "", fmt.Errorf("unknown escape sequence '\\%c'", c)
			}
		default:
			sb.WriteByte(c)
		}
	}
	return "", fmt.Errorf("unterminated string")
}

func isNameByte(c byte) bool {
	return 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' || c == '_'
}
