// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"pin.256lights.llc/pkg/pinspec"
)

// enumFlag is the implementation of [github.com/spf13/pflag.Value]
// for a value that has a parse function and a String method.
type enumFlag[T fmt.Stringer] struct {
	p        *T
	parse    func(string) (T, error)
	typeName string
}

func newEnumFlag[T fmt.Stringer](p *T, typeName string, parse func(string) (T, error)) *enumFlag[T] {
	return &enumFlag[T]{p: p, parse: parse, typeName: typeName}
}

func (f *enumFlag[T]) Type() string   { return f.typeName }
func (f *enumFlag[T]) String() string { return (*f.p).String() }
func (f *enumFlag[T]) Get() any       { return *f.p }

func (f *enumFlag[T]) Set(s string) error {
	x, err := f.parse(s)
	if err != nil {
		return err
	}
	*f.p = x
	return nil
}

// providerFlag is the implementation of [github.com/spf13/pflag.Value]
// for a repeatable "virtual=provider[,provider...]" preference flag.
type providerFlag struct {
	m *map[string][]string
}

func (f providerFlag) Type() string { return "virtual=provider" }
func (f providerFlag) Get() any     { return *f.m }

func (f providerFlag) String() string {
	sb := new(strings.Builder)
	first := true
	for _, virtual := range slices.Sorted(maps.Keys(*f.m)) {
		if !first {
			sb.WriteString(" ")
		}
		first = false
		sb.WriteString(virtual)
		sb.WriteString("=")
		sb.WriteString(strings.Join((*f.m)[virtual], ","))
	}
	return sb.String()
}

func (f providerFlag) Set(s string) error {
	virtual, list, ok := strings.Cut(s, "=")
	if !ok || virtual == "" || list == "" {
		return fmt.Errorf("%q is not in the form virtual=provider[,provider...]", s)
	}
	if *f.m == nil {
		*f.m = make(map[string][]string)
	}
	(*f.m)[virtual] = strings.Split(list, ",")
	return nil
}

// depTypesFlag is the implementation of [github.com/spf13/pflag.Value]
// for a comma-separated list of dependency types.
type depTypesFlag pinspec.DepTypes

func (f *depTypesFlag) Type() string  { return "deptypes" }
func (f depTypesFlag) String() string { return pinspec.DepTypes(f).String() }
func (f depTypesFlag) Get() any       { return pinspec.DepTypes(f) }

func (f *depTypesFlag) Set(s string) error {
	t, err := pinspec.ParseDepTypes(s)
	if err != nil {
		return err
	}
	*f = depTypesFlag(t)
	return nil
}
