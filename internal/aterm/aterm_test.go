// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package aterm

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

var stringTests = []struct {
	s     string
	aterm string
}{
	{"", `""`},
	{"x", `"x"`},
	{"\n", `"\n"`},
	{"\r", `"\r"`},
	{"\t", `"\t"`},
	{"\\", `"\\"`},
	{"\"", `"\""`},
}

func TestAppendString(t *testing.T) {
	for _, test := range stringTests {
		if got := string(AppendString(nil, test.s)); got != test.aterm {
			t.Errorf("AppendString(nil, %q) = %s; want %s", test.s, got, test.aterm)
		}
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		aterm string
		want  Term
		err   bool
	}{
		{aterm: `""`, want: Str("")},
		{aterm: `"a\"b"`, want: Str(`a"b`)},
		{aterm: `[]`, want: Term{Kind: List}},
		{aterm: `()`, want: Term{Kind: Tuple}},
		{aterm: `["x","y"]`, want: NewList(Str("x"), Str("y"))},
		{
			aterm: `Spec("zlib",("gcc","9"),[["a"]])`,
			want: Cons("Spec",
				Str("zlib"),
				NewTuple(Str("gcc"), Str("9")),
				NewList(NewList(Str("a"))),
			),
		},
		{aterm: `["x",]`, err: true},
		{aterm: `["x"`, err: true},
		{aterm: `"x"y`, err: true},
		{aterm: `Spec`, err: true},
		{aterm: `"\q"`, err: true},
	}
	for _, test := range tests {
		got, err := Parse([]byte(test.aterm))
		if err != nil {
			if !test.err {
				t.Errorf("Parse(%q): %v", test.aterm, err)
			}
			continue
		}
		if test.err {
			t.Errorf("Parse(%q) = %v; want error", test.aterm, got)
			continue
		}
		if diff := cmp.Diff(test.want, got); diff != "" {
			t.Errorf("Parse(%q) (-want +got):\n%s", test.aterm, diff)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for _, test := range stringTests {
		term := Cons("T", Str(test.s), Strings([]string{test.s, "z"}))
		got, err := Parse([]byte(term.String()))
		if err != nil {
			t.Errorf("Parse(%q): %v", term.String(), err)
			continue
		}
		if diff := cmp.Diff(term, got); diff != "" {
			t.Errorf("round trip of %q (-want +got):\n%s", term.String(), diff)
		}
	}
}
