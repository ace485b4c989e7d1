// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package concretize

import (
	"errors"
	"math/rand/v2"
	"runtime"
	"slices"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"
	"pin.256lights.llc/pkg/internal/catalog"
	"pin.256lights.llc/pkg/internal/dagbuild"
	"pin.256lights.llc/pkg/internal/system"
	"pin.256lights.llc/pkg/internal/testcontext"
	"pin.256lights.llc/pkg/pinspec"
)

const hdf5Catalog = `{
	"packages": [
		{
			"name": "zlib",
			"versions": [{"version": "1.3"}, {"version": "1.2.13"}],
			"variants": [
				{"name": "shared", "default": true},
				{"name": "pic", "default": false},
			],
		},
		{
			"name": "cmake",
			"versions": [{"version": "3.27.7"}, {"version": "3.20.1"}],
		},
		{
			"name": "hdf5",
			"versions": [{"version": "1.14.3"}, {"version": "1.12.2"}],
			"variants": [
				{"name": "mpi", "default": true},
				{"name": "api", "values": ["v110", "v112"], "default": "v112"},
			],
			"dependencies": [
				{"spec": "zlib@1.2:"},
				{"spec": "mpi@2:", "when": "+mpi"},
				{"spec": "cmake@3.20:", "types": "build"},
			],
			"conflicts": [
				{"spec": "%clang", "when": "api=v110", "message": "old API needs gcc"},
			],
		},
		{
			"name": "mpich",
			"versions": [{"version": "4.1"}, {"version": "3.4.3"}],
			"provides": [{"virtual": "mpi@:3"}],
			"dependencies": [{"spec": "zlib"}],
		},
		{
			"name": "openmpi",
			"versions": [{"version": "5.0.0"}],
			"variants": [{"name": "cuda", "default": false}],
			"provides": [{"virtual": "mpi@:3.1"}],
		},
		{
			"name": "py",
			"versions": [{"version": "3.11"}, {"version": "2.7"}],
			"variants": [{"name": "tkinter", "default": false, "when": "@3:"}],
		},
		{
			"name": "fftw",
			"versions": [{"version": "3.3.10"}],
			"variants": [
				{"name": "precision", "values": ["float", "double", "long"], "default": "double", "multi": true},
			],
		},
		{
			"name": "libfoo",
			"versions": [{"version": "1.0"}],
			"dependencies": [
				{"spec": "cmake", "types": "build"},
				{"spec": "check", "types": "test"},
			],
		},
		{
			"name": "check",
			"versions": [{"version": "0.15.2"}],
		},
	],
	"compilers": [
		{"name": "gcc", "version": "12.3.0", "targets": ["x86_64_v4"]},
		{"name": "gcc", "version": "11.4.0", "targets": ["x86_64_v3"]},
		{"name": "clang", "version": "16.0.0", "targets": ["x86_64_v3"]},
	],
}`

var testArch = system.System{Platform: "linux", OS: "ubuntu22.04", Target: "x86_64"}

const archSuffix = " arch=linux-ubuntu22.04-x86_64"

func testConfig() *Config {
	return &Config{
		DefaultArch:     testArch,
		DefaultCompiler: pinspec.CompilerConstraint{Name: "gcc"},
	}
}

func loadCatalog(tb testing.TB, src string) *catalog.Repo {
	tb.Helper()
	r := catalog.NewRepo()
	if err := r.LoadDocument([]byte(src), catalog.JSON); err != nil {
		tb.Fatal(err)
	}
	return r
}

func parseSpecs(tb testing.TB, s string) []*pinspec.Spec {
	tb.Helper()
	specs, err := pinspec.ParseMany(s)
	if err != nil {
		tb.Fatal(err)
	}
	return specs
}

func nodeStrings(dag *pinspec.DAG) map[string]string {
	m := make(map[string]string)
	for _, c := range pinspec.Traverse(dag.Roots...) {
		m[c.Name] = c.NodeString()
	}
	return m
}

func solve(tb testing.TB, cat catalog.Catalog, request string, installed []*pinspec.Concrete, cfg *Config) (*pinspec.DAG, error) {
	tb.Helper()
	ctx, cancel := testcontext.New(tb)
	defer cancel()
	return Solve(ctx, parseSpecs(tb, request), cat, installed, cfg)
}

func mustSolve(tb testing.TB, cat catalog.Catalog, request string, installed []*pinspec.Concrete, cfg *Config) *pinspec.DAG {
	tb.Helper()
	dag, err := solve(tb, cat, request, installed, cfg)
	if err != nil {
		tb.Fatalf("Solve(%q): %v", request, err)
	}
	return dag
}

func TestSolveDefaults(t *testing.T) {
	cat := loadCatalog(t, hdf5Catalog)
	dag := mustSolve(t, cat, "hdf5", nil, testConfig())

	want := map[string]string{
		"hdf5":  "hdf5@=1.14.3%gcc@=12.3.0+mpi api=v112" + archSuffix,
		"zlib":  "zlib@=1.3%gcc@=12.3.0~pic+shared" + archSuffix,
		"cmake": "cmake@=3.27.7%gcc@=12.3.0" + archSuffix,
		"mpich": "mpich@=4.1%gcc@=12.3.0" + archSuffix,
	}
	if diff := cmp.Diff(want, nodeStrings(dag)); diff != "" {
		t.Errorf("nodes (-want +got):\n%s", diff)
	}

	root := dag.Roots[0]
	if e := root.Dep("mpich"); e == nil {
		t.Error("hdf5 does not depend on mpich")
	} else {
		if diff := cmp.Diff([]string{"mpi"}, e.Virtuals); diff != "" {
			t.Errorf("hdf5 -> mpich virtuals (-want +got):\n%s", diff)
		}
		if want := pinspec.Build | pinspec.Link; e.Types != want {
			t.Errorf("hdf5 -> mpich types = %v; want %v", e.Types, want)
		}
	}
	if e := root.Dep("cmake"); e == nil || e.Types != pinspec.Build {
		t.Errorf("hdf5 -> cmake = %+v; want build-only edge", e)
	}
	if e := root.Dep("mpich"); e != nil && e.Spec.Dep("zlib") == nil {
		t.Error("mpich does not depend on zlib")
	}
	if e1, e2 := root.Dep("zlib"), root.Dep("mpich"); e1 != nil && e2 != nil && e2.Spec.Dep("zlib") != nil {
		if e1.Spec != e2.Spec.Dep("zlib").Spec {
			t.Error("zlib is not shared between hdf5 and mpich")
		}
	}
}

func TestSolveVariations(t *testing.T) {
	tests := []struct {
		name    string
		request string
		cfg     func(*Config)
		want    map[string]string
	}{
		{
			name:    "DisabledConditionalDependency",
			request: "hdf5~mpi",
			want: map[string]string{
				"hdf5":  "hdf5@=1.14.3%gcc@=12.3.0~mpi api=v112" + archSuffix,
				"zlib":  "zlib@=1.3%gcc@=12.3.0~pic+shared" + archSuffix,
				"cmake": "cmake@=3.27.7%gcc@=12.3.0" + archSuffix,
			},
		},
		{
			name:    "ProviderPreference",
			request: "hdf5",
			cfg: func(cfg *Config) {
				cfg.ProviderPreferences = map[string][]string{"mpi": {"openmpi"}}
			},
			want: map[string]string{
				"hdf5":    "hdf5@=1.14.3%gcc@=12.3.0+mpi api=v112" + archSuffix,
				"zlib":    "zlib@=1.3%gcc@=12.3.0~pic+shared" + archSuffix,
				"cmake":   "cmake@=3.27.7%gcc@=12.3.0" + archSuffix,
				"openmpi": "openmpi@=5.0.0%gcc@=12.3.0~cuda" + archSuffix,
			},
		},
		{
			name:    "ExplicitProvider",
			request: "hdf5 ^openmpi",
			want: map[string]string{
				"hdf5":    "hdf5@=1.14.3%gcc@=12.3.0+mpi api=v112" + archSuffix,
				"zlib":    "zlib@=1.3%gcc@=12.3.0~pic+shared" + archSuffix,
				"cmake":   "cmake@=3.27.7%gcc@=12.3.0" + archSuffix,
				"openmpi": "openmpi@=5.0.0%gcc@=12.3.0~cuda" + archSuffix,
			},
		},
		{
			name:    "ProviderVersion",
			request: "hdf5 ^mpich@3 ^zlib@1.2.13",
			want: map[string]string{
				"hdf5":  "hdf5@=1.14.3%gcc@=12.3.0+mpi api=v112" + archSuffix,
				"zlib":  "zlib@=1.2.13%gcc@=12.3.0~pic+shared" + archSuffix,
				"cmake": "cmake@=3.27.7%gcc@=12.3.0" + archSuffix,
				"mpich": "mpich@=3.4.3%gcc@=12.3.0" + archSuffix,
			},
		},
		{
			name:    "DependencyInheritsCompiler",
			request: "hdf5%clang",
			want: map[string]string{
				"hdf5":  "hdf5@=1.14.3%clang@=16.0.0+mpi api=v112" + archSuffix,
				"zlib":  "zlib@=1.3%clang@=16.0.0~pic+shared" + archSuffix,
				"cmake": "cmake@=3.27.7%clang@=16.0.0" + archSuffix,
				"mpich": "mpich@=4.1%clang@=16.0.0" + archSuffix,
			},
		},
		{
			name:    "VersionPreference",
			request: "zlib",
			cfg: func(cfg *Config) {
				cfg.VersionPreferences = map[string][]pinspec.VersionList{
					"zlib": {{pinspec.ExactVersion("1.2.13")}},
				}
			},
			want: map[string]string{
				"zlib": "zlib@=1.2.13%gcc@=12.3.0~pic+shared" + archSuffix,
			},
		},
		{
			name:    "CompilerFollowsTarget",
			request: "zlib target=x86_64_v4",
			cfg: func(cfg *Config) {
				cfg.DefaultCompiler = pinspec.CompilerConstraint{Name: "clang"}
			},
			want: map[string]string{
				"zlib": "zlib@=1.3%gcc@=12.3.0~pic+shared arch=linux-ubuntu22.04-x86_64_v4",
			},
		},
		{
			name:    "TargetRange",
			request: "zlib%gcc@11 target=x86_64_v2:",
			want: map[string]string{
				"zlib": "zlib@=1.3%gcc@=11.4.0~pic+shared arch=linux-ubuntu22.04-x86_64_v2",
			},
		},
		{
			name:    "ConditionalVariantAbsent",
			request: "py@2.7",
			want: map[string]string{
				"py": "py@=2.7%gcc@=12.3.0" + archSuffix,
			},
		},
		{
			name:    "ConditionalVariantPresent",
			request: "py",
			want: map[string]string{
				"py": "py@=3.11%gcc@=12.3.0~tkinter" + archSuffix,
			},
		},
		{
			name:    "MultiValuedVariant",
			request: "fftw precision=float",
			want: map[string]string{
				"fftw": "fftw@=3.3.10%gcc@=12.3.0 precision=float" + archSuffix,
			},
		},
		{
			name:    "MultiValuedVariantSet",
			request: "fftw precision=double,float",
			want: map[string]string{
				"fftw": "fftw@=3.3.10%gcc@=12.3.0 precision=double,float" + archSuffix,
			},
		},
		{
			name:    "NoTestDependencies",
			request: "libfoo",
			want: map[string]string{
				"libfoo": "libfoo@=1.0%gcc@=12.3.0" + archSuffix,
				"cmake":  "cmake@=3.27.7%gcc@=12.3.0" + archSuffix,
			},
		},
		{
			name:    "RootTestDependencies",
			request: "libfoo",
			cfg: func(cfg *Config) {
				cfg.Tests = TestRoots
			},
			want: map[string]string{
				"libfoo": "libfoo@=1.0%gcc@=12.3.0" + archSuffix,
				"cmake":  "cmake@=3.27.7%gcc@=12.3.0" + archSuffix,
				"check":  "check@=0.15.2%gcc@=12.3.0" + archSuffix,
			},
		},
	}
	cat := loadCatalog(t, hdf5Catalog)
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			for _, strategy := range []Strategy{Exhaustive, Heuristic} {
				cfg := testConfig()
				cfg.Strategy = strategy
				if test.cfg != nil {
					test.cfg(cfg)
				}
				dag := mustSolve(t, cat, test.request, nil, cfg)
				if diff := cmp.Diff(test.want, nodeStrings(dag)); diff != "" {
					t.Errorf("%v nodes (-want +got):\n%s", strategy, diff)
				}
			}
		})
	}
}

const backtrackCatalog = `{
	"packages": [
		{"name": "foo", "versions": [{"version": "1.0"}], "dependencies": [{"spec": "bar"}, {"spec": "baz"}]},
		{"name": "bar", "versions": [{"version": "2.0"}, {"version": "1.0"}]},
		{"name": "baz", "versions": [{"version": "1.0"}], "dependencies": [{"spec": "bar@:1.0"}]},
		{"name": "qux", "versions": [{"version": "1.0"}], "dependencies": [{"spec": "bar@2:"}, {"spec": "baz"}]},
		{"name": "a", "versions": [{"version": "1.0"}], "dependencies": [{"spec": "b"}]},
		{"name": "b", "versions": [{"version": "1.0"}], "dependencies": [{"spec": "a"}]},
	],
	"compilers": [
		{"name": "gcc", "version": "12.3.0"},
	],
}`

func TestHeuristicFailsWhereExhaustiveSucceeds(t *testing.T) {
	cat := loadCatalog(t, backtrackCatalog)

	cfg := testConfig()
	cfg.Strategy = Heuristic
	_, err := solve(t, cat, "foo", nil, cfg)
	unsat := new(Unsatisfiable)
	if !errors.As(err, &unsat) {
		t.Fatalf("heuristic Solve(foo) = _, %v; want *Unsatisfiable", err)
	}
	if unsat.Minimal {
		t.Error("heuristic explanation is marked minimal")
	}
	if diff := cmp.Diff([]string{"dep:baz:0:version"}, conflictIDs(unsat)); diff != "" {
		t.Errorf("heuristic conflicts (-want +got):\n%s", diff)
	}

	cfg.Strategy = Exhaustive
	dag := mustSolve(t, cat, "foo", nil, cfg)
	want := map[string]string{
		"foo": "foo@=1.0%gcc@=12.3.0" + archSuffix,
		"bar": "bar@=1.0%gcc@=12.3.0" + archSuffix,
		"baz": "baz@=1.0%gcc@=12.3.0" + archSuffix,
	}
	if diff := cmp.Diff(want, nodeStrings(dag)); diff != "" {
		t.Errorf("exhaustive nodes (-want +got):\n%s", diff)
	}
}

func TestUnsatisfiable(t *testing.T) {
	tests := []struct {
		name    string
		catalog string
		request string
		want    []string
		cause   Cause
	}{
		{
			name:    "Conflict",
			catalog: hdf5Catalog,
			request: "hdf5 api=v110 %clang",
			want:    []string{"root:0:compiler", "root:0:variant:api", "conflict:hdf5:0"},
			cause:   CauseConflict,
		},
		{
			name:    "DependencyVersions",
			catalog: backtrackCatalog,
			request: "qux",
			want:    []string{"dep:baz:0", "dep:baz:0:version", "dep:qux:0", "dep:qux:0:version", "dep:qux:1"},
			cause:   CauseVersion,
		},
		{
			name:    "UnknownPackage",
			catalog: hdf5Catalog,
			request: "nosuchpkg",
			want:    []string{"root:0"},
			cause:   CauseUnknownPackage,
		},
		{
			name:    "UnknownVariant",
			catalog: hdf5Catalog,
			request: "zlib+bogus",
			want:    []string{"root:0:variant:bogus"},
			cause:   CauseUnknownVariant,
		},
		{
			name:    "UnknownVersion",
			catalog: hdf5Catalog,
			request: "zlib@=9.9",
			want:    []string{"root:0:version"},
			cause:   CauseUnknownVersion,
		},
		{
			name:    "AbsentVariant",
			catalog: hdf5Catalog,
			request: "py@2.7+tkinter",
			want:    []string{"root:0:variant:tkinter", "root:0:version"},
			cause:   CauseVariant,
		},
		{
			name:    "CompilerCannotTarget",
			catalog: hdf5Catalog,
			request: "zlib%clang target=x86_64_v4",
			want:    []string{"root:0:compiler", "root:0:target", "compiler-support:zlib"},
			cause:   CauseCompiler,
		},
		{
			name:    "NotADependency",
			catalog: hdf5Catalog,
			request: "zlib ^cmake",
			want:    []string{"root:0:^cmake"},
			cause:   CauseNotADependency,
		},
		{
			name:    "Cycle",
			catalog: backtrackCatalog,
			request: "a",
			want:    []string{"dep:a:0", "dep:b:0"},
			cause:   CauseCycle,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cat := loadCatalog(t, test.catalog)
			_, err := solve(t, cat, test.request, nil, testConfig())
			unsat := new(Unsatisfiable)
			if !errors.As(err, &unsat) {
				t.Fatalf("Solve(%q) = _, %v; want *Unsatisfiable", test.request, err)
			}
			if !unsat.Minimal {
				t.Error("explanation is not minimal")
			}
			if diff := cmp.Diff(test.want, conflictIDs(unsat)); diff != "" {
				t.Errorf("conflicts (-want +got):\n%s", diff)
			}
			if !unsat.HasCause(test.cause) {
				t.Errorf("no conflict has cause %q:\n%v", test.cause, err)
			}
		})
	}
}

func TestUnsatisfiableProvider(t *testing.T) {
	cat := loadCatalog(t, hdf5Catalog)
	_, err := solve(t, cat, "hdf5 ^mpi@4:", nil, testConfig())
	unsat := new(Unsatisfiable)
	if !errors.As(err, &unsat) {
		t.Fatalf("Solve = _, %v; want *Unsatisfiable", err)
	}
	if !unsat.HasCause(CauseProvider) {
		t.Errorf("no conflict has cause %q:\n%v", CauseProvider, err)
	}
	ids := conflictIDs(unsat)
	found := false
	for _, id := range ids {
		found = found || id == "root:0:^mpi:version"
	}
	if !found {
		t.Errorf("conflicts = %q; want to include root:0:^mpi:version", ids)
	}
}

func conflictIDs(e *Unsatisfiable) []string {
	ids := make([]string, 0, len(e.Constraints))
	for _, c := range e.Constraints {
		ids = append(ids, c.ID)
	}
	return ids
}

func TestReuse(t *testing.T) {
	cat := loadCatalog(t, hdf5Catalog)
	installedDAG, err := dagbuild.Build([]*dagbuild.Node{{
		Name:     "zlib",
		Version:  "1.2.13",
		Compiler: pinspec.CompilerID{Name: "gcc", Version: "11.4.0"},
		Arch:     testArch,
		Variants: map[string]pinspec.VariantValue{
			"shared": pinspec.Bool(true),
			"pic":    pinspec.Bool(false),
		},
	}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	installed := installedDAG.Roots[0]

	t.Run("ReuseFirst", func(t *testing.T) {
		dag := mustSolve(t, cat, "zlib", []*pinspec.Concrete{installed}, testConfig())
		if got := dag.Roots[0].Hash; got != installed.Hash {
			t.Errorf("root = %v; want reused %v", dag.Roots[0].NodeString(), installed.NodeString())
		}
	})
	t.Run("NewestFirst", func(t *testing.T) {
		cfg := testConfig()
		cfg.ReusePolicy = NewestFirst
		dag := mustSolve(t, cat, "zlib", []*pinspec.Concrete{installed}, cfg)
		if got, want := dag.Roots[0].NodeString(), "zlib@=1.3%gcc@=12.3.0~pic+shared"+archSuffix; got != want {
			t.Errorf("root = %s; want %s", got, want)
		}
	})
	t.Run("NewestFirstAtNewestAllowed", func(t *testing.T) {
		cfg := testConfig()
		cfg.ReusePolicy = NewestFirst
		dag := mustSolve(t, cat, "zlib@1.2", []*pinspec.Concrete{installed}, cfg)
		if got := dag.Roots[0].Hash; got != installed.Hash {
			t.Errorf("root = %v; want reused %v", dag.Roots[0].NodeString(), installed.NodeString())
		}
	})
	t.Run("Incompatible", func(t *testing.T) {
		dag := mustSolve(t, cat, "zlib+pic", []*pinspec.Concrete{installed}, testConfig())
		if got := dag.Roots[0].Hash; got == installed.Hash {
			t.Errorf("reused %v for zlib+pic", installed.NodeString())
		}
	})
}

func TestReuseGraph(t *testing.T) {
	cat := loadCatalog(t, hdf5Catalog)
	clangConfig := testConfig()
	clangConfig.DefaultCompiler = pinspec.CompilerConstraint{Name: "clang"}
	installed := mustSolve(t, cat, "hdf5", nil, clangConfig)
	installedRoot := installed.Roots[0]

	dag := mustSolve(t, cat, "hdf5", []*pinspec.Concrete{installedRoot}, testConfig())
	if got := dag.Roots[0].Hash; got != installedRoot.Hash {
		t.Errorf("solved:\n%s\nwant reused:\n%s", dag.Roots[0].Tree(), installedRoot.Tree())
	}

	dag = mustSolve(t, cat, "hdf5%gcc", []*pinspec.Concrete{installedRoot}, testConfig())
	root := dag.Roots[0]
	if root.Compiler.Name != "gcc" {
		t.Errorf("root compiler = %v; want gcc", root.Compiler)
	}
	if root.Hash == installedRoot.Hash {
		t.Error("root reused despite compiler constraint")
	}
	if got, want := root.Dep("zlib").Spec.Hash, installedRoot.Dep("zlib").Spec.Hash; got != want {
		t.Errorf("zlib = %v; want reused %v", root.Dep("zlib").Spec.NodeString(), installedRoot.Dep("zlib").Spec.NodeString())
	}
}

func TestDeterministic(t *testing.T) {
	cat := loadCatalog(t, hdf5Catalog)
	var hashes []pinspec.Hash
	for _, strategy := range []Strategy{Exhaustive, Exhaustive, Heuristic} {
		cfg := testConfig()
		cfg.Strategy = strategy
		dag := mustSolve(t, cat, "hdf5 py", nil, cfg)
		for _, root := range dag.Roots {
			hashes = append(hashes, root.Hash)
		}
	}
	for i := 2; i < len(hashes); i += 2 {
		if hashes[i] != hashes[0] || hashes[i+1] != hashes[1] {
			t.Errorf("solve %d roots = %v, %v; want %v, %v", i/2, hashes[i], hashes[i+1], hashes[0], hashes[1])
		}
	}
}

func TestUnify(t *testing.T) {
	cat := loadCatalog(t, hdf5Catalog)

	together := mustSolve(t, cat, "hdf5 zlib@1.2.13", nil, testConfig())
	if got, want := together.Roots[0].Dep("zlib").Spec, together.Roots[1]; got != want {
		t.Errorf("together: hdf5 uses %s; want %s", got.NodeString(), want.NodeString())
	}

	cfg := testConfig()
	cfg.Unify = UnifySeparately
	separately := mustSolve(t, cat, "hdf5 zlib@1.2.13", nil, cfg)
	if got := separately.Roots[0].Dep("zlib").Spec.Version; got != "1.3" {
		t.Errorf("separately: hdf5 uses zlib@%v; want 1.3", got)
	}
	if got := separately.Roots[1].Version; got != "1.2.13" {
		t.Errorf("separately: root zlib@%v; want 1.2.13", got)
	}
	if a, b := separately.Roots[0].Dep("cmake").Spec, together.Roots[0].Dep("cmake").Spec; a.Hash != b.Hash {
		t.Errorf("cmake differs between unify policies: %s vs %s", a.NodeString(), b.NodeString())
	}
}

func TestSolveErrors(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	cat := loadCatalog(t, hdf5Catalog)
	if _, err := Solve(ctx, nil, cat, nil, testConfig()); err == nil {
		t.Error("Solve with no specs did not return an error")
	}
	anon, err := pinspec.ParseCondition("+mpi")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Solve(ctx, []*pinspec.Spec{anon}, cat, nil, testConfig()); err == nil {
		t.Error("Solve with anonymous spec did not return an error")
	}
}

const rangeCatalog = `{
	"packages": [
		{
			"name": "foo",
			"versions": [{"version": "1.5"}, {"version": "1.0"}, {"version": "0.9"}],
			"variants": [{"name": "x", "default": false}],
			"dependencies": [{"spec": "bar@1.5:"}],
		},
		{
			"name": "bar",
			"versions": [{"version": "2.5"}, {"version": "2.0"}, {"version": "1.5"}, {"version": "1.0"}],
		},
	],
	"compilers": [
		{"name": "gcc", "version": "12.3.0"},
	],
}`

func TestSolveRangeAndDependencyConstraint(t *testing.T) {
	cat := loadCatalog(t, rangeCatalog)
	for _, strategy := range []Strategy{Exhaustive, Heuristic} {
		cfg := testConfig()
		cfg.Strategy = strategy
		dag := mustSolve(t, cat, "foo@1.0: +x ^bar@:2.0", nil, cfg)
		want := map[string]string{
			"foo": "foo@=1.5%gcc@=12.3.0+x" + archSuffix,
			"bar": "bar@=2.0%gcc@=12.3.0" + archSuffix,
		}
		if diff := cmp.Diff(want, nodeStrings(dag)); diff != "" {
			t.Errorf("%v nodes (-want +got):\n%s", strategy, diff)
		}
	}
}

const externalCatalog = `{
	"packages": [
		{
			"name": "app",
			"versions": [{"version": "1.0"}],
			"dependencies": [{"spec": "openssl@3:"}],
		},
		{
			"name": "openssl",
			"versions": [{"version": "3.1.4"}, {"version": "3.0.2"}],
			"variants": [{"name": "shared", "default": true}],
			"dependencies": [{"spec": "zlib"}],
			"externals": [{"spec": "openssl@=3.0.2~shared", "prefix": "/usr"}],
		},
		{
			"name": "zlib",
			"versions": [{"version": "1.3"}],
		},
		{
			"name": "perl",
			"versions": [{"version": "5.38.0"}],
			"buildable": false,
		},
	],
	"compilers": [
		{"name": "gcc", "version": "12.3.0"},
	],
}`

func TestExternals(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("prefixes in this test are Unix paths")
	}
	cat := loadCatalog(t, externalCatalog)

	t.Run("Preferred", func(t *testing.T) {
		dag := mustSolve(t, cat, "app", nil, testConfig())
		ssl := dag.Roots[0].Dep("openssl").Spec
		if ssl.External != "/usr" || ssl.Version != "3.0.2" {
			t.Errorf("openssl = %s external %q; want 3.0.2 at /usr", ssl.NodeString(), ssl.External)
		}
		if len(ssl.Deps) > 0 {
			t.Errorf("external openssl has %d dependencies", len(ssl.Deps))
		}
		if got, want := ssl.Variants["shared"], pinspec.Bool(false); !got.Equal(want) {
			t.Errorf("openssl shared = %v; want %v", got, want)
		}
		if _, ok := nodeStrings(dag)["zlib"]; ok {
			t.Error("zlib is in the graph even though openssl is external")
		}
	})
	t.Run("ConstraintRejectsExternal", func(t *testing.T) {
		dag := mustSolve(t, cat, "app ^openssl+shared", nil, testConfig())
		ssl := dag.Roots[0].Dep("openssl").Spec
		if ssl.External != "" {
			t.Errorf("openssl+shared used external at %s", ssl.External)
		}
		if ssl.Version != "3.1.4" || ssl.Dep("zlib") == nil {
			t.Errorf("openssl = %s; want built 3.1.4 with zlib", ssl.NodeString())
		}
	})
	t.Run("NotBuildable", func(t *testing.T) {
		cfg := testConfig()
		cfg.NotBuildable = map[string]bool{"openssl": true}
		_, err := solve(t, cat, "app ^openssl@3.1:", nil, cfg)
		unsat := new(Unsatisfiable)
		if !errors.As(err, &unsat) {
			t.Fatalf("Solve = _, %v; want *Unsatisfiable", err)
		}
		if !unsat.HasCause(CauseNotBuildable) {
			t.Errorf("no conflict has cause %q:\n%v", CauseNotBuildable, err)
		}
		if ids := conflictIDs(unsat); !slices.Contains(ids, "buildable:openssl") {
			t.Errorf("conflicts = %q; want to include buildable:openssl", ids)
		}
	})
	t.Run("CatalogNotBuildable", func(t *testing.T) {
		_, err := solve(t, cat, "perl", nil, testConfig())
		unsat := new(Unsatisfiable)
		if !errors.As(err, &unsat) {
			t.Fatalf("Solve = _, %v; want *Unsatisfiable", err)
		}
		if ids := conflictIDs(unsat); !slices.Contains(ids, "buildable:perl") {
			t.Errorf("conflicts = %q; want to include buildable:perl", ids)
		}
	})
	t.Run("NotBuildableReusesInstalled", func(t *testing.T) {
		installed, err := dagbuild.Build([]*dagbuild.Node{{
			Name:     "perl",
			Version:  "5.38.0",
			Compiler: pinspec.CompilerID{Name: "gcc", Version: "12.3.0"},
			Arch:     testArch,
		}}, nil)
		if err != nil {
			t.Fatal(err)
		}
		dag := mustSolve(t, cat, "perl", installed.Roots, testConfig())
		if got, want := dag.Roots[0].Hash, installed.Roots[0].Hash; got != want {
			t.Errorf("perl = %s; want reused %s", got, want)
		}
	})
	t.Run("ConfiguredExternal", func(t *testing.T) {
		cfg := testConfig()
		cfg.Externals = map[string][]*catalog.External{
			"perl": {{Spec: parseSpecs(t, "perl@=5.36.0")[0], Prefix: "/usr"}},
		}
		dag := mustSolve(t, cat, "perl", nil, cfg)
		if got := dag.Roots[0]; got.External != "/usr" || got.Version != "5.36.0" {
			t.Errorf("perl = %s external %q; want 5.36.0 at /usr", got.NodeString(), got.External)
		}
	})
	t.Run("InvalidConfiguredExternal", func(t *testing.T) {
		cfg := testConfig()
		cfg.Externals = map[string][]*catalog.External{
			"perl": {{Spec: parseSpecs(t, "perl@5:")[0], Prefix: "/usr"}},
		}
		if _, err := solve(t, cat, "perl", nil, cfg); err == nil {
			t.Error("Solve with an unpinned external did not return an error")
		}
	})
}

// randomCatalog returns a small acyclic catalog:
// package p<i> may only depend on packages with a larger index.
func randomCatalog(tb testing.TB, rng *rand.Rand) *catalog.Repo {
	tb.Helper()
	n := 2 + rng.IntN(3)
	r := catalog.NewRepo()
	r.AddCompiler(&catalog.Compiler{Name: "gcc", Version: "12.3.0"})
	ranges := []string{"", "@:1", "@:2", "@2:", "@3:", "@=2"}
	for i := range n {
		pkg := &catalog.Package{Name: "p" + strconv.Itoa(i)}
		nv := 1 + rng.IntN(3)
		for v := nv; v >= 1; v-- {
			pkg.Versions = append(pkg.Versions, catalog.VersionDecl{Version: pinspec.Version(strconv.Itoa(v))})
		}
		hasX := rng.IntN(2) == 0
		if hasX {
			pkg.Variants = []*catalog.VariantDecl{{Name: "x", Default: pinspec.Bool(rng.IntN(2) == 0)}}
		}
		for j := i + 1; j < n; j++ {
			if rng.IntN(3) == 0 {
				continue
			}
			d := &catalog.DependencyDecl{
				Spec:  parseSpecs(tb, "p"+strconv.Itoa(j)+ranges[rng.IntN(len(ranges))])[0],
				Types: pinspec.DefaultDepTypes,
			}
			if rng.IntN(3) == 0 {
				d.When = randomCondition(tb, rng, nv, hasX)
			}
			pkg.Dependencies = append(pkg.Dependencies, d)
		}
		if rng.IntN(3) == 0 {
			pkg.Conflicts = append(pkg.Conflicts, &catalog.ConflictDecl{
				Spec: randomCondition(tb, rng, nv, hasX),
			})
		}
		if err := r.Add(pkg); err != nil {
			tb.Fatal(err)
		}
	}
	return r
}

// randomCondition returns a condition on a package's version and "x" variant.
func randomCondition(tb testing.TB, rng *rand.Rand, numVersions int, hasX bool) *pinspec.Spec {
	tb.Helper()
	s := ""
	if !hasX || rng.IntN(2) == 0 {
		s = "@=" + strconv.Itoa(1+rng.IntN(numVersions))
	}
	if hasX && (s == "" || rng.IntN(2) == 0) {
		s += []string{"+x", "~x"}[rng.IntN(2)]
	}
	spec, err := pinspec.ParseCondition(s)
	if err != nil {
		tb.Fatal(err)
	}
	return spec
}

// bruteForce reports whether any choice of version and "x" value per package
// satisfies the request.
func bruteForce(cat *catalog.Repo, request *pinspec.Spec) bool {
	names := cat.PackageNames()
	var options [][]*pinspec.Concrete
	for _, name := range names {
		pkg, _ := cat.Package(name)
		var list []*pinspec.Concrete
		for _, vd := range pkg.Versions {
			if pkg.Variant("x") == nil {
				list = append(list, &pinspec.Concrete{Name: name, Version: vd.Version})
				continue
			}
			for _, x := range []bool{false, true} {
				list = append(list, &pinspec.Concrete{
					Name:     name,
					Version:  vd.Version,
					Variants: map[string]pinspec.VariantValue{"x": pinspec.Bool(x)},
				})
			}
		}
		options = append(options, list)
	}
	choice := make(map[string]*pinspec.Concrete, len(names))
	var try func(i int) bool
	try = func(i int) bool {
		if i == len(names) {
			return assignmentValid(cat, choice, request)
		}
		for _, c := range options[i] {
			choice[names[i]] = c
			if try(i + 1) {
				return true
			}
		}
		return false
	}
	return try(0)
}

// assignmentValid checks one configuration per package name
// against the request, the active dependencies, and the conflicts
// of every package reachable from the root.
func assignmentValid(cat *catalog.Repo, choice map[string]*pinspec.Concrete, request *pinspec.Spec) bool {
	root := choice[request.Name]
	if !root.SatisfiesNode(request) {
		return false
	}
	seen := map[string]bool{root.Name: true}
	stack := []*pinspec.Concrete{root}
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		pkg, _ := cat.Package(c.Name)
		for _, cd := range pkg.Conflicts {
			if (cd.When == nil || c.SatisfiesNode(cd.When)) && c.SatisfiesNode(cd.Spec) {
				return false
			}
		}
		for _, d := range pkg.Dependencies {
			if d.When != nil && !c.SatisfiesNode(d.When) {
				continue
			}
			dep := choice[d.Spec.Name]
			if !dep.SatisfiesNode(d.Spec) {
				return false
			}
			if !seen[dep.Name] {
				seen[dep.Name] = true
				stack = append(stack, dep)
			}
		}
	}
	return true
}

// checkSolution verifies a solved graph against the same rules as [assignmentValid]
// and checks that every edge corresponds to an active dependency.
func checkSolution(tb testing.TB, cat *catalog.Repo, dag *pinspec.DAG, request *pinspec.Spec) {
	tb.Helper()
	root := dag.Roots[0]
	if !root.SatisfiesNode(request) {
		tb.Errorf("root %s does not satisfy %v", root.NodeString(), request)
	}
	for _, c := range pinspec.Traverse(root) {
		pkg, err := cat.Package(c.Name)
		if err != nil {
			tb.Error(err)
			continue
		}
		if !pkg.HasVersion(pinspec.VersionList{pinspec.ExactVersion(c.Version)}) {
			tb.Errorf("%s: version not declared", c.NodeString())
		}
		for _, cd := range pkg.Conflicts {
			if (cd.When == nil || c.SatisfiesNode(cd.When)) && c.SatisfiesNode(cd.Spec) {
				tb.Errorf("%s: conflicts with %v", c.NodeString(), cd.Spec)
			}
		}
		active := make(map[string]bool)
		for _, d := range pkg.Dependencies {
			if d.When != nil && !c.SatisfiesNode(d.When) {
				continue
			}
			active[d.Spec.Name] = true
			e := c.Dep(d.Spec.Name)
			if e == nil {
				tb.Errorf("%s: missing dependency %v", c.NodeString(), d.Spec)
				continue
			}
			if !e.Spec.SatisfiesNode(d.Spec) {
				tb.Errorf("%s: dependency %s does not satisfy %v", c.NodeString(), e.Spec.NodeString(), d.Spec)
			}
		}
		for _, e := range c.Deps {
			if !active[e.Spec.Name] {
				tb.Errorf("%s: unexpected dependency on %s", c.NodeString(), e.Spec.Name)
			}
		}
	}
}

func TestSolveAgreesWithBruteForce(t *testing.T) {
	const seeds = 300
	for seed := range uint64(seeds) {
		rng := rand.New(rand.NewPCG(seed, 0x70696e))
		cat := randomCatalog(t, rng)
		request := "p0" + []string{"", "@2:", "@:1", "@=3"}[rng.IntN(4)]
		if pkg, _ := cat.Package("p0"); pkg.Variant("x") != nil && rng.IntN(2) == 0 {
			request += []string{"+x", "~x"}[rng.IntN(2)]
		}
		req := parseSpecs(t, request)[0]
		want := bruteForce(cat, req)

		cfg := testConfig()
		dag, err := solve(t, cat, request, nil, cfg)
		switch {
		case want && err != nil:
			t.Errorf("seed %d: Solve(%q): %v; brute force found a solution", seed, request, err)
		case !want && err == nil:
			t.Errorf("seed %d: Solve(%q) found\n%s\nbut brute force found no solution", seed, request, dag.Roots[0].Tree())
		case !want:
			if unsat := new(Unsatisfiable); !errors.As(err, &unsat) {
				t.Errorf("seed %d: Solve(%q) = _, %v; want *Unsatisfiable", seed, request, err)
			}
		default:
			checkSolution(t, cat, dag, req)
			again := mustSolve(t, cat, request, nil, cfg)
			if got, want := again.Roots[0].Hash, dag.Roots[0].Hash; got != want {
				t.Errorf("seed %d: Solve(%q) not deterministic: %s then %s", seed, request, want, got)
			}
		}

		cfg.Strategy = Heuristic
		if dag, err := solve(t, cat, request, nil, cfg); err == nil {
			if !want {
				t.Errorf("seed %d: heuristic Solve(%q) found a solution to an unsatisfiable request", seed, request)
			} else {
				checkSolution(t, cat, dag, req)
			}
		}
	}
}
