// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"
	"pin.256lights.llc/pkg/internal/system"
	"pin.256lights.llc/pkg/pinspec"
)

const hujsonCatalog = `{
	// Comments and trailing commas are allowed.
	"packages": [
		{
			"name": "hdf5",
			"versions": [
				{"version": "1.14.3", "preferred": true},
				{"version": "1.12.2"},
			],
			"variants": [
				{"name": "mpi", "default": true},
				{"name": "api", "values": ["v110", "v112"], "default": "v112"},
			],
			"dependencies": [
				{"spec": "mpi@2:", "when": "+mpi"},
				{"spec": "cmake@3.20:", "types": "build"},
			],
			"conflicts": [
				{"spec": "%clang", "when": "api=v110", "message": "old API needs gcc"},
			],
		},
		{
			"name": "mpich",
			"versions": [{"version": "4.1"}],
			"provides": [{"virtual": "mpi@:3", "when": "@3:"}],
		},
		{
			"name": "cmake",
			"versions": [{"version": "3.27.7"}],
		},
	],
	"compilers": [
		{"name": "gcc", "version": "12.3.0", "os": "ubuntu22.04", "targets": ["x86_64_v4"]},
	],
}
`

const tomlCatalog = `
[[packages]]
name = "hdf5"
versions = [
  { version = "1.14.3", preferred = true },
  { version = "1.12.2" },
]
variants = [
  { name = "mpi", default = true },
  { name = "api", values = ["v110", "v112"], default = "v112" },
]
dependencies = [
  { spec = "mpi@2:", when = "+mpi" },
  { spec = "cmake@3.20:", types = "build" },
]
conflicts = [
  { spec = "%clang", when = "api=v110", message = "old API needs gcc" },
]

[[packages]]
name = "mpich"
versions = [{ version = "4.1" }]
provides = [{ virtual = "mpi@:3", when = "@3:" }]

[[packages]]
name = "cmake"
versions = [{ version = "3.27.7" }]

[[compilers]]
name = "gcc"
version = "12.3.0"
os = "ubuntu22.04"
targets = ["x86_64_v4"]
`

const yamlCatalog = `
packages:
  - name: hdf5
    versions:
      - {version: "1.14.3", preferred: true}
      - {version: "1.12.2"}
    variants:
      - {name: mpi, default: true}
      - {name: api, values: [v110, v112], default: v112}
    dependencies:
      - {spec: "mpi@2:", when: "+mpi"}
      - {spec: "cmake@3.20:", types: build}
    conflicts:
      - {spec: "%clang", when: "api=v110", message: old API needs gcc}
  - name: mpich
    versions: [{version: "4.1"}]
    provides: [{virtual: "mpi@:3", when: "@3:"}]
  - name: cmake
    versions: [{version: "3.27.7"}]
compilers:
  - {name: gcc, version: "12.3.0", os: ubuntu22.04, targets: [x86_64_v4]}
`

func TestLoadDocument(t *testing.T) {
	tests := []struct {
		format Format
		data   string
	}{
		{JSON, hujsonCatalog},
		{TOML, tomlCatalog},
		{YAML, yamlCatalog},
	}
	for _, test := range tests {
		t.Run(string(test.format), func(t *testing.T) {
			r := NewRepo()
			if err := r.LoadDocument([]byte(test.data), test.format); err != nil {
				t.Fatal(err)
			}
			checkTestCatalog(t, r)
		})
	}
}

func checkTestCatalog(t *testing.T, r *Repo) {
	t.Helper()
	if diff := cmp.Diff([]string{"cmake", "hdf5", "mpich"}, r.PackageNames()); diff != "" {
		t.Errorf("packages (-want +got):\n%s", diff)
	}
	hdf5, err := r.Package("hdf5")
	if err != nil {
		t.Fatal(err)
	}
	wantVersions := []VersionDecl{
		{Version: "1.14.3", Preferred: true},
		{Version: "1.12.2"},
	}
	if diff := cmp.Diff(wantVersions, hdf5.Versions); diff != "" {
		t.Errorf("hdf5 versions (-want +got):\n%s", diff)
	}
	if v := hdf5.Variant("mpi"); v == nil || !v.IsBool() || !v.Default.Equal(pinspec.Bool(true)) {
		t.Errorf("hdf5 mpi variant = %+v; want boolean defaulting to true", v)
	}
	if v := hdf5.Variant("api"); v == nil || v.IsBool() || !v.Default.Equal(pinspec.VariantValue{"v112"}) {
		t.Errorf("hdf5 api variant = %+v; want v112 default", v)
	}
	if len(hdf5.Dependencies) != 2 {
		t.Fatalf("len(hdf5.Dependencies) = %d; want 2", len(hdf5.Dependencies))
	}
	if got := hdf5.Dependencies[0]; got.Spec.String() != "mpi@2:" || got.Types != pinspec.DefaultDepTypes || got.When.String() != "+mpi" {
		t.Errorf("hdf5 dependency[0] = %v %v when %v", got.Spec, got.Types, got.When)
	}
	if got := hdf5.Dependencies[1]; got.Types != pinspec.Build || got.When != nil {
		t.Errorf("hdf5 dependency[1] = %v %v when %v", got.Spec, got.Types, got.When)
	}
	if len(hdf5.Conflicts) != 1 || hdf5.Conflicts[0].Spec.Compiler.Name != "clang" {
		t.Errorf("hdf5 conflicts = %+v", hdf5.Conflicts)
	}

	if !r.IsVirtual("mpi") {
		t.Error("IsVirtual(\"mpi\") = false")
	}
	if r.IsVirtual("mpich") {
		t.Error("IsVirtual(\"mpich\") = true")
	}
	if diff := cmp.Diff([]string{"mpich"}, r.Providers("mpi")); diff != "" {
		t.Errorf("Providers(\"mpi\") (-want +got):\n%s", diff)
	}

	compilers := r.Compilers()
	if len(compilers) != 1 {
		t.Fatalf("len(Compilers()) = %d; want 1", len(compilers))
	}
	gcc := compilers[0]
	if gcc.String() != "gcc@12.3.0" {
		t.Errorf("compiler = %v; want gcc@12.3.0", gcc)
	}
	if !gcc.Supports(system.System{Platform: "linux", OS: "ubuntu22.04", Target: "x86_64_v3"}) {
		t.Error("gcc does not support ubuntu22.04 x86_64_v3")
	}
	if gcc.Supports(system.System{Platform: "linux", OS: "ubuntu22.04", Target: "icelake"}) {
		t.Error("gcc supports icelake, which is newer than its newest target")
	}
	if gcc.Supports(system.System{Platform: "linux", OS: "rhel9", Target: "x86_64"}) {
		t.Error("gcc supports rhel9")
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"10-base.toml":   tomlCatalog,
		"20-extra.yaml":  "packages:\n  - name: zlib\n    versions: [{version: \"1.3\"}]\n",
		"README.md":      "not a catalog",
		"30-empty.jsonc": "{}",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o666); err != nil {
			t.Fatal(err)
		}
	}
	r, err := LoadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"cmake", "hdf5", "mpich", "zlib"}, r.PackageNames()); diff != "" {
		t.Errorf("packages (-want +got):\n%s", diff)
	}
}

func TestLoadDocumentErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"UnknownField", `{"packages": [{"name": "x", "versions": [{"version": "1"}], "bogus": 1}]}`},
		{"NoVersions", `{"packages": [{"name": "x"}]}`},
		{"BadDefault", `{"packages": [{"name": "x", "versions": [{"version": "1"}], "variants": [{"name": "v", "values": ["a"], "default": "b"}]}]}`},
		{"BadSpec", `{"packages": [{"name": "x", "versions": [{"version": "1"}], "dependencies": [{"spec": "y@@"}]}]}`},
		{"SelfDependency", `{"packages": [{"name": "x", "versions": [{"version": "1"}], "dependencies": [{"spec": "x"}]}]}`},
		{"BadTypes", `{"packages": [{"name": "x", "versions": [{"version": "1"}], "dependencies": [{"spec": "y", "types": "compile"}]}]}`},
		{"ExternalRange", `{"packages": [{"name": "x", "versions": [{"version": "1"}], "externals": [{"spec": "x@1:", "prefix": "/usr"}]}]}`},
		{"ExternalOtherPackage", `{"packages": [{"name": "x", "versions": [{"version": "1"}], "externals": [{"spec": "y@=1", "prefix": "/usr"}]}]}`},
		{"ExternalRelativePrefix", `{"packages": [{"name": "x", "versions": [{"version": "1"}], "externals": [{"spec": "x@=1", "prefix": "usr"}]}]}`},
		{"ExternalUnknownVariant", `{"packages": [{"name": "x", "versions": [{"version": "1"}], "externals": [{"spec": "x@=1+ssl", "prefix": "/usr"}]}]}`},
		{"ExternalCompiler", `{"packages": [{"name": "x", "versions": [{"version": "1"}], "externals": [{"spec": "x@=1%gcc", "prefix": "/usr"}]}]}`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if err := NewRepo().LoadDocument([]byte(test.data), JSON); err == nil {
				t.Error("LoadDocument did not return an error")
			}
		})
	}
}

func TestLoadExternals(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("prefixes in this test are Unix paths")
	}
	const doc = `
packages:
  - name: openssl
    versions: [{version: "3.1.4"}]
    variants: [{name: shared, default: true}]
    build: [make, install]
    test: [make, check]
    buildable: false
    externals:
      - {spec: "openssl@=3.0.2~shared", prefix: /usr}
`
	r := NewRepo()
	if err := r.LoadDocument([]byte(doc), YAML); err != nil {
		t.Fatal(err)
	}
	pkg, err := r.Package("openssl")
	if err != nil {
		t.Fatal(err)
	}
	if !pkg.NotBuildable {
		t.Error("NotBuildable = false; want true")
	}
	if diff := cmp.Diff([]string{"make", "check"}, pkg.Test); diff != "" {
		t.Errorf("Test (-want +got):\n%s", diff)
	}
	if len(pkg.Externals) != 1 {
		t.Fatalf("len(Externals) = %d; want 1", len(pkg.Externals))
	}
	ext := pkg.Externals[0]
	if got, want := ext.Version(), pinspec.Version("3.0.2"); got != want {
		t.Errorf("external version = %v; want %v", got, want)
	}
	if ext.Prefix != "/usr" {
		t.Errorf("external prefix = %q; want \"/usr\"", ext.Prefix)
	}
	if v, ok := ext.Spec.Variant("shared"); !ok || !v.Values.Equal(pinspec.Bool(false)) {
		t.Errorf("external shared variant = %v, %t; want ~shared", v, ok)
	}
}

func TestUnknownPackage(t *testing.T) {
	_, err := NewRepo().Package("nope")
	if !errors.Is(err, ErrUnknownPackage) {
		t.Errorf("Package(\"nope\") error = %v; want ErrUnknownPackage", err)
	}
}
