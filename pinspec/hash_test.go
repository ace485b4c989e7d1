// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package pinspec

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"pin.256lights.llc/pkg/internal/system"
)

var testArch = system.System{Platform: "linux", OS: "ubuntu22.04", Target: "x86_64"}

var testCompiler = CompilerID{Name: "gcc", Version: "12.3.0"}

// hashGraph hashes every node reachable from roots, dependencies first.
func hashGraph(tb testing.TB, roots ...*Concrete) {
	tb.Helper()
	for _, n := range Traverse(roots...) {
		h, err := ComputeHash(n)
		if err != nil {
			tb.Fatal(err)
		}
		n.Hash = h
	}
}

// diamond returns app -> {libA, libB} -> zlib.
func diamond(tb testing.TB) *Concrete {
	zlib := &Concrete{
		Name:     "zlib",
		Version:  "1.3",
		Compiler: testCompiler,
		Arch:     testArch,
		Variants: map[string]VariantValue{"shared": Bool(true)},
	}
	libA := &Concrete{
		Name:     "liba",
		Version:  "2.0",
		Compiler: testCompiler,
		Arch:     testArch,
		Deps:     []*Edge{{Spec: zlib, Types: Build | Link}},
	}
	libB := &Concrete{
		Name:     "libb",
		Version:  "0.9.1",
		Compiler: testCompiler,
		Arch:     testArch,
		Variants: map[string]VariantValue{"codecs": NewVariantValue("png", "jpeg")},
		Deps:     []*Edge{{Spec: zlib, Types: Link}},
	}
	app := &Concrete{
		Name:     "app",
		Version:  "1.0",
		Compiler: testCompiler,
		Arch:     testArch,
		Variants: map[string]VariantValue{"mpi": Bool(false)},
		Deps: []*Edge{
			{Spec: libA, Types: Build | Link},
			{Spec: libB, Types: Build | Link | Run, Virtuals: []string{"codec"}},
		},
	}
	hashGraph(tb, app)
	return app
}

func TestHashDeterministic(t *testing.T) {
	a := diamond(t)
	b := diamond(t)
	if a.Hash != b.Hash {
		t.Errorf("identical graphs hash to %s and %s", a.Hash, b.Hash)
	}
	if len(a.Hash) != 52 {
		t.Errorf("len(hash) = %d; want 52", len(a.Hash))
	}
	if got := a.Hash.Short(); len(got) != ShortHashLength || !strings.HasPrefix(string(a.Hash), got) {
		t.Errorf("Short() = %q", got)
	}
}

func TestHashChangesWithDependency(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(zlib *Concrete)
	}{
		{"Version", func(zlib *Concrete) { zlib.Version = "1.3.1" }},
		{"Variant", func(zlib *Concrete) { zlib.Variants["shared"] = Bool(false) }},
		{"Compiler", func(zlib *Concrete) { zlib.Compiler.Version = "13.1.0" }},
		{"Target", func(zlib *Concrete) { zlib.Arch.Target = "x86_64_v3" }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			base := diamond(t)
			modified := diamond(t)
			zlib := modified.Dep("liba").Spec.Dep("zlib").Spec
			test.mutate(zlib)
			hashGraph(t, modified)
			if base.Hash == modified.Hash {
				t.Errorf("root hash unchanged after modifying zlib")
			}
			if base.Dep("libb").Spec.Hash == modified.Dep("libb").Spec.Hash {
				t.Errorf("libb hash unchanged after modifying zlib")
			}
		})
	}
}

func TestHashChangesWithEdge(t *testing.T) {
	base := diamond(t)
	modified := diamond(t)
	modified.Dep("libb").Types = Build | Link
	hashGraph(t, modified)
	if base.Hash == modified.Hash {
		t.Error("root hash unchanged after modifying edge types")
	}
	if base.Dep("libb").Spec.Hash != modified.Dep("libb").Spec.Hash {
		t.Error("dependency hash changed after modifying only the dependent's edge")
	}
}

func TestRecordRoundTrip(t *testing.T) {
	app := diamond(t)
	for _, n := range Traverse(app) {
		rec := n.Record()
		data, err := rec.MarshalText()
		if err != nil {
			t.Fatal(err)
		}
		got := new(NodeRecord)
		if err := got.UnmarshalText(data); err != nil {
			t.Fatalf("UnmarshalText(%s): %v", data, err)
		}
		h, err := got.ComputeHash()
		if err != nil {
			t.Fatal(err)
		}
		if h != n.Hash {
			t.Errorf("%s: re-hashed record = %s; want %s", n.Name, h, n.Hash)
		}
	}
}

func TestRecordExternal(t *testing.T) {
	built := &Concrete{
		Name:     "openssl",
		Version:  "3.0.2",
		Compiler: testCompiler,
		Arch:     testArch,
	}
	external := &Concrete{
		Name:     "openssl",
		Version:  "3.0.2",
		Compiler: testCompiler,
		Arch:     testArch,
		External: "/usr",
	}
	hashGraph(t, built, external)
	if built.Hash == external.Hash {
		t.Error("external spec hashes the same as a built one")
	}

	data, err := external.Record().MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	got := new(NodeRecord)
	if err := got.UnmarshalText(data); err != nil {
		t.Fatalf("UnmarshalText(%s): %v", data, err)
	}
	if got.External != "/usr" {
		t.Errorf("External = %q; want \"/usr\"", got.External)
	}
	specs, err := Reconstruct(map[Hash]*NodeRecord{external.Hash: got}, []Hash{external.Hash})
	if err != nil {
		t.Fatal(err)
	}
	if specs[0].External != "/usr" {
		t.Errorf("reconstructed External = %q; want \"/usr\"", specs[0].External)
	}

	withDeps := &NodeRecord{
		Name:     "openssl",
		Version:  "3.0.2",
		External: "/usr",
		Deps:     []EdgeRecord{{Hash: built.Hash, Name: "zlib", Types: Link}},
	}
	if _, err := withDeps.MarshalText(); err == nil {
		t.Error("MarshalText of external record with dependencies did not return an error")
	}
}

func TestConcreteSatisfiesOwnString(t *testing.T) {
	app := diamond(t)
	s := app.String()
	spec, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q): %v", s, err)
	}
	if !app.Satisfies(spec) {
		t.Errorf("%s does not satisfy its own string", s)
	}

	tests := []struct {
		spec string
		want bool
	}{
		{"app", true},
		{"app@1:", true},
		{"app@2:", false},
		{"app~mpi", true},
		{"app+mpi", false},
		{"app ^zlib+shared", true},
		{"app ^zlib~shared", false},
		{"app ^libb codecs=png", true},
		{"app ^libb codecs=tiff", false},
		{"app ^[deptypes=run]libb", true},
		{"app ^[deptypes=run]liba", false},
		{"app %gcc@12:", true},
		{"app %clang", false},
		{"app target=x86_64:", true},
		{"app target=aarch64:", false},
		{"app ^cmake", false},
		{"app debug=*", false},
	}
	for _, test := range tests {
		spec, err := Parse(test.spec)
		if err != nil {
			t.Errorf("Parse(%q): %v", test.spec, err)
			continue
		}
		if got := app.Satisfies(spec); got != test.want {
			t.Errorf("app.Satisfies(%q) = %t; want %t", test.spec, got, test.want)
		}
	}
}

func TestLockfileRoundTrip(t *testing.T) {
	app := diamond(t)
	d := NewDAG(app)
	req, err := Parse("app~mpi")
	if err != nil {
		t.Fatal(err)
	}
	buf := new(bytes.Buffer)
	if err := WriteLockfile(buf, d, []*Spec{req}); err != nil {
		t.Fatal(err)
	}
	first := buf.String()

	got, requests, err := ReadLockfile(strings.NewReader(first))
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Roots) != 1 || got.Roots[0].Hash != app.Hash {
		t.Errorf("roots = %v; want [%s]", got.Roots, app.Hash)
	}
	if len(got.Nodes) != 4 {
		t.Errorf("len(nodes) = %d; want 4", len(got.Nodes))
	}
	if diff := cmp.Diff([]string{"app~mpi"}, specStrings(requests)); diff != "" {
		t.Errorf("requests (-want +got):\n%s", diff)
	}
	if got.Roots[0].String() != app.String() {
		t.Errorf("reconstructed root = %q; want %q", got.Roots[0].String(), app.String())
	}
	libAZlib := got.Roots[0].Dep("liba").Spec.Dep("zlib").Spec
	libBZlib := got.Roots[0].Dep("libb").Spec.Dep("zlib").Spec
	if libAZlib != libBZlib {
		t.Error("shared dependency was not reconstructed as a single node")
	}

	buf.Reset()
	if err := WriteLockfile(buf, got, requests); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(first, buf.String()); diff != "" {
		t.Errorf("rewritten lock-file differs (-first +second):\n%s", diff)
	}
}

func TestReadLockfileRejectsTampering(t *testing.T) {
	app := diamond(t)
	buf := new(bytes.Buffer)
	if err := WriteLockfile(buf, NewDAG(app), nil); err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(buf.String(), `"1.3"`, `"1.4"`, 1)
	if tampered == buf.String() {
		t.Fatal("test setup: zlib version not found in lock-file")
	}
	if _, _, err := ReadLockfile(strings.NewReader(tampered)); err == nil {
		t.Error("ReadLockfile accepted a node whose content does not match its hash")
	}
}

func specStrings(specs []*Spec) []string {
	var list []string
	for _, s := range specs {
		list = append(list, s.String())
	}
	return list
}
