// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

// Package catalog provides the read-only package catalog queried by the concretizer:
// package declarations, virtual package providers, and available compilers.
package catalog

import (
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strings"

	"pin.256lights.llc/pkg/internal/system"
	"pin.256lights.llc/pkg/pinspec"
)

// ErrUnknownPackage is returned by [Catalog.Package]
// when the catalog has no package with the requested name.
var ErrUnknownPackage = errors.New("unknown package")

// Catalog is the query interface the concretizer uses to read package declarations.
// Implementations must be safe to call concurrently.
type Catalog interface {
	// Package returns the declaration of the named package.
	// If there is no such package, Package returns an error
	// for which errors.Is(err, ErrUnknownPackage) reports true.
	Package(name string) (*Package, error)
	// IsVirtual reports whether name is provided by some package
	// rather than declared itself.
	IsVirtual(name string) bool
	// Providers returns the sorted names of the packages
	// that declare they may provide the virtual.
	Providers(virtual string) []string
	// Compilers returns the available compilers.
	Compilers() []*Compiler
}

// Package is a package declaration.
type Package struct {
	Name         string
	Versions     []VersionDecl
	Variants     []*VariantDecl
	Dependencies []*DependencyDecl
	Conflicts    []*ConflictDecl
	Provides     []*ProvidesDecl
	// Build is the command used to build and install the package.
	// It may be empty for packages that are never built by pin.
	Build []string
	// Test is the command run in the build directory after Build succeeds
	// when post-install tests are requested.
	// It may be empty.
	Test []string
	// Externals are installations of the package managed outside pin.
	Externals []*External
	// NotBuildable is set if the package must come from
	// an installed spec or an external rather than being built.
	NotBuildable bool
}

// External is an installation of a package that pin did not build.
type External struct {
	// Spec pins the version of the installation
	// and optionally the values of some of its variants.
	Spec *pinspec.Spec
	// Prefix is the absolute path of the installation.
	Prefix string
}

// Validate checks that the external pins an exact version
// of the named package and only constrains version and variants.
func (ext *External) Validate(name string) error {
	if ext.Spec == nil {
		return fmt.Errorf("external: missing spec")
	}
	if ext.Spec.Name != name {
		return fmt.Errorf("external %v: not a spec for %s", ext.Spec, name)
	}
	if _, ok := ext.Spec.Versions.Exact(); !ok {
		return fmt.Errorf("external %v: version must be pinned with @=", ext.Spec)
	}
	if !ext.Spec.Compiler.IsZero() || !ext.Spec.Arch.IsZero() || len(ext.Spec.Deps) > 0 {
		return fmt.Errorf("external %v: only version and variants may be given", ext.Spec)
	}
	for _, v := range ext.Spec.Variants {
		if v.Any || v.Negated {
			return fmt.Errorf("external %v: variant %s must have a value", ext.Spec, v.Name)
		}
	}
	if !filepath.IsAbs(ext.Prefix) {
		return fmt.Errorf("external %v: prefix %q is not absolute", ext.Spec, ext.Prefix)
	}
	return nil
}

// Version returns the pinned version of the external.
// It is only meaningful for a valid external.
func (ext *External) Version() pinspec.Version {
	v, _ := ext.Spec.Versions.Exact()
	return v
}

// VersionDecl is a version a package can be built at.
type VersionDecl struct {
	Version    pinspec.Version
	Preferred  bool
	Deprecated bool
}

// VariantDecl declares a build option.
type VariantDecl struct {
	Name string
	// Values is the set of allowed values.
	// A nil Values indicates a boolean variant.
	Values []string
	// Default is the value used when nothing requests otherwise.
	Default pinspec.VariantValue
	// Multi is set if more than one value may be chosen at once.
	Multi bool
	// When is the condition under which the variant exists.
	// nil means always.
	When        *pinspec.Spec
	Description string
}

// IsBool reports whether v is a boolean variant.
func (v *VariantDecl) IsBool() bool {
	return v.Values == nil
}

// Domain returns the allowed values of the variant.
func (v *VariantDecl) Domain() []string {
	if v.IsBool() {
		return []string{pinspec.False, pinspec.True}
	}
	return v.Values
}

// Allows reports whether value is in the variant's domain
// and has a legal number of elements.
func (v *VariantDecl) Allows(value pinspec.VariantValue) bool {
	if len(value) == 0 || !v.Multi && len(value) > 1 {
		return false
	}
	domain := v.Domain()
	for _, x := range value {
		if !slices.Contains(domain, x) {
			return false
		}
	}
	return true
}

// DependencyDecl declares a dependency on another package or a virtual.
type DependencyDecl struct {
	// Spec names the dependency and constrains it.
	Spec  *pinspec.Spec
	Types pinspec.DepTypes
	// When is the condition on the declaring package under which the dependency applies.
	When *pinspec.Spec
}

// ConflictDecl declares that a package cannot be configured a certain way.
type ConflictDecl struct {
	// Spec is the conflicting configuration of the declaring package.
	// It may constrain dependencies with "^".
	Spec    *pinspec.Spec
	When    *pinspec.Spec
	Message string
}

// ProvidesDecl declares that a package can satisfy a virtual dependency.
type ProvidesDecl struct {
	// Virtual is the virtual name with the version range provided.
	Virtual *pinspec.Spec
	When    *pinspec.Spec
}

// Variant returns the declaration of the named variant or nil if there is none.
func (pkg *Package) Variant(name string) *VariantDecl {
	for _, v := range pkg.Variants {
		if v.Name == name {
			return v
		}
	}
	return nil
}

// HasVersion reports whether the package declares some version satisfying list.
func (pkg *Package) HasVersion(list pinspec.VersionList) bool {
	for _, v := range pkg.Versions {
		if list.Contains(v.Version) {
			return true
		}
	}
	return false
}

// Validate checks the declaration for internal consistency.
func (pkg *Package) Validate() error {
	if pkg.Name == "" {
		return fmt.Errorf("package has no name")
	}
	if len(pkg.Versions) == 0 {
		return fmt.Errorf("package %s: no versions", pkg.Name)
	}
	seenVersions := make(map[pinspec.Version]bool)
	for _, v := range pkg.Versions {
		if seenVersions[v.Version] {
			return fmt.Errorf("package %s: version %v declared twice", pkg.Name, v.Version)
		}
		seenVersions[v.Version] = true
	}
	seenVariants := make(map[string]bool)
	for _, v := range pkg.Variants {
		if seenVariants[v.Name] {
			return fmt.Errorf("package %s: variant %s declared twice", pkg.Name, v.Name)
		}
		seenVariants[v.Name] = true
		if !v.Allows(v.Default) {
			return fmt.Errorf("package %s: variant %s: default %q not allowed", pkg.Name, v.Name, v.Default)
		}
	}
	for _, d := range pkg.Dependencies {
		if d.Spec == nil || d.Spec.Name == "" {
			return fmt.Errorf("package %s: dependency without a name", pkg.Name)
		}
		if d.Spec.Name == pkg.Name {
			return fmt.Errorf("package %s: depends on itself", pkg.Name)
		}
		if len(d.Spec.Deps) > 0 {
			return fmt.Errorf("package %s: dependency %s: constraints on transitive dependencies are not supported", pkg.Name, d.Spec.Name)
		}
	}
	for _, p := range pkg.Provides {
		if p.Virtual == nil || p.Virtual.Name == "" {
			return fmt.Errorf("package %s: provides without a virtual name", pkg.Name)
		}
	}
	for _, ext := range pkg.Externals {
		if err := pkg.CheckExternal(ext); err != nil {
			return fmt.Errorf("package %s: %v", pkg.Name, err)
		}
	}
	if err := pkg.checkConditions(); err != nil {
		return fmt.Errorf("package %s: %v", pkg.Name, err)
	}
	return nil
}

// CheckExternal validates ext as an installation of pkg:
// it may only set declared variants to allowed values.
func (pkg *Package) CheckExternal(ext *External) error {
	if err := ext.Validate(pkg.Name); err != nil {
		return err
	}
	for _, v := range ext.Spec.Variants {
		decl := pkg.Variant(v.Name)
		if decl == nil {
			return fmt.Errorf("external %v: unknown variant %s", ext.Spec, v.Name)
		}
		if !decl.Allows(v.Values) {
			return fmt.Errorf("external %v: variant %s: %v not allowed", ext.Spec, v.Name, v.Values)
		}
	}
	return nil
}

// checkConditions rejects "when" conditions that constrain dependencies.
// Conditions are evaluated against a single node.
func (pkg *Package) checkConditions() error {
	check := func(what string, when *pinspec.Spec) error {
		if when != nil && len(when.Deps) > 0 {
			return fmt.Errorf("%s: condition %v constrains dependencies", what, when)
		}
		return nil
	}
	for _, v := range pkg.Variants {
		if err := check("variant "+v.Name, v.When); err != nil {
			return err
		}
	}
	for _, d := range pkg.Dependencies {
		if err := check("dependency "+d.Spec.Name, d.When); err != nil {
			return err
		}
	}
	for _, c := range pkg.Conflicts {
		if err := check("conflict", c.When); err != nil {
			return err
		}
	}
	for _, p := range pkg.Provides {
		if err := check("provides "+p.Virtual.Name, p.When); err != nil {
			return err
		}
	}
	return nil
}

// Compiler is an available compiler.
type Compiler struct {
	Name    string
	Version pinspec.Version
	// OS is the operating system the compiler runs on and targets.
	// Empty means any.
	OS string
	// Targets lists the newest microarchitectures the compiler can generate code for.
	// A compiler that can generate code for a target
	// can generate code for all of its ancestors.
	// Empty means any target.
	Targets []string
}

// ID returns the compiler's name and version.
func (c *Compiler) ID() pinspec.CompilerID {
	return pinspec.CompilerID{Name: c.Name, Version: c.Version}
}

// String returns "name@version".
func (c *Compiler) String() string {
	return c.Name + "@" + string(c.Version)
}

// Supports reports whether c can build for the given system.
func (c *Compiler) Supports(sys system.System) bool {
	if c.OS != "" && sys.OS != "" && c.OS != sys.OS {
		return false
	}
	return c.SupportsTarget(sys.Target)
}

// SupportsTarget reports whether c can generate code for target.
func (c *Compiler) SupportsTarget(target string) bool {
	if len(c.Targets) == 0 {
		return true
	}
	for _, t := range c.Targets {
		if system.IsDescendant(t, target) {
			return true
		}
	}
	return false
}

// Repo is an in-memory [Catalog].
// A Repo must not be modified while it is being queried.
type Repo struct {
	packages  map[string]*Package
	providers map[string][]string
	compilers []*Compiler
}

// NewRepo returns an empty repository.
func NewRepo() *Repo {
	return &Repo{
		packages:  make(map[string]*Package),
		providers: make(map[string][]string),
	}
}

// Add validates pkg and adds it to the repository.
// A package with the same name replaces the existing declaration.
func (r *Repo) Add(pkg *Package) error {
	if err := pkg.Validate(); err != nil {
		return fmt.Errorf("add to catalog: %v", err)
	}
	if old := r.packages[pkg.Name]; old != nil {
		for _, p := range old.Provides {
			r.providers[p.Virtual.Name] = slices.DeleteFunc(r.providers[p.Virtual.Name], func(name string) bool {
				return name == pkg.Name
			})
		}
	}
	r.packages[pkg.Name] = pkg
	for _, p := range pkg.Provides {
		list := r.providers[p.Virtual.Name]
		if i, found := slices.BinarySearch(list, pkg.Name); !found {
			r.providers[p.Virtual.Name] = slices.Insert(list, i, pkg.Name)
		}
	}
	return nil
}

// AddCompiler adds a compiler to the repository.
func (r *Repo) AddCompiler(c *Compiler) {
	r.compilers = append(r.compilers, c)
}

// Package returns the named package declaration.
func (r *Repo) Package(name string) (*Package, error) {
	pkg := r.packages[name]
	if pkg == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownPackage)
	}
	return pkg, nil
}

// IsVirtual reports whether name is provided by a package and is not a package itself.
func (r *Repo) IsVirtual(name string) bool {
	return r.packages[name] == nil && len(r.providers[name]) > 0
}

// Providers returns the sorted names of the packages that may provide virtual.
func (r *Repo) Providers(virtual string) []string {
	return slices.Clone(r.providers[virtual])
}

// Compilers returns the compilers in the order they were added.
func (r *Repo) Compilers() []*Compiler {
	return slices.Clone(r.compilers)
}

// PackageNames returns the names of all packages in sorted order.
func (r *Repo) PackageNames() []string {
	return slices.Sorted(maps.Keys(r.packages))
}

// String returns a short summary of the repository's contents.
func (r *Repo) String() string {
	compilers := make([]string, 0, len(r.compilers))
	for _, c := range r.compilers {
		compilers = append(compilers, c.String())
	}
	return fmt.Sprintf("catalog{packages: %d, compilers: [%s]}", len(r.packages), strings.Join(compilers, " "))
}
