// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package concretize

import (
	"cmp"
	"maps"
	"slices"

	"pin.256lights.llc/pkg/internal/catalog"
	"pin.256lights.llc/pkg/internal/system"
	"pin.256lights.llc/pkg/pinspec"
)

type varKind int8

const (
	varReuse varKind = iota
	varVersion
	varVariant
	varCompiler
	varTarget
	varProvider
)

// variable is an undecided attribute.
type variable struct {
	kind varKind
	// node is the package name, or the virtual name for varProvider.
	node    string
	variant string
}

// candidate is a value for a variable.
type candidate struct {
	// reuse is the installed spec to reuse.
	// A varReuse candidate with neither reuse nor external means "build fresh".
	reuse    *pinspec.Concrete
	external *catalog.External
	version  pinspec.Version
	value    pinspec.VariantValue
	compiler *catalog.Compiler
	platform string
	os       string
	target   string
	provider string
}

// maxVariantSubsets is the largest multi-valued variant domain
// whose subsets are all enumerated.
const maxVariantSubsets = 8

// nextVar returns the next variable to decide.
// Nodes are decided in the order they were introduced.
// Within a node, the order is reuse, version, variants, compiler, and target.
// Variants whose conditions depend on the compiler or target
// are decided once those are.
func (st *state) nextVar() (variable, bool) {
	for _, name := range st.order {
		n := st.nodes[name]
		if !n.reuseDone {
			return variable{kind: varReuse, node: name}, true
		}
		if n.reuse != nil {
			continue
		}
		if n.version == "" {
			return variable{kind: varVersion, node: name}, true
		}
		if v := st.nextVariant(n); v != "" {
			return variable{kind: varVariant, node: name, variant: v}, true
		}
		if !n.compilerDone {
			return variable{kind: varCompiler, node: name}, true
		}
		if !n.targetDone {
			return variable{kind: varTarget, node: name}, true
		}
	}
	for _, v := range st.virtualOrder {
		if st.providers[v] == "" {
			return variable{kind: varProvider, node: v}, true
		}
	}
	return variable{}, false
}

// nextVariant returns the first undecided variant of n
// that is known to apply.
func (st *state) nextVariant(n *node) string {
	for _, decl := range n.pkg.Variants {
		if n.variantResolved(decl.Name) {
			continue
		}
		if decl.When == nil {
			return decl.Name
		}
		if ok, decidable := st.evalCondition(decl.When, n); ok && decidable {
			return decl.Name
		}
	}
	return ""
}

// evalCondition evaluates a condition against a partially decided node.
// decidable is false if the result depends on undecided attributes.
func (st *state) evalCondition(cond *pinspec.Spec, n *node) (ok, decidable bool) {
	if cond.Name != "" && cond.Name != n.name {
		return false, true
	}
	decidable = true
	if !cond.Versions.IsAny() {
		if n.version == "" {
			decidable = false
		} else if !cond.Versions.Contains(n.version) {
			return false, true
		}
	}
	if !cond.Compiler.IsZero() {
		if !n.compilerDone {
			decidable = false
		} else if !cond.Compiler.SatisfiedBy(n.compilerID.Name, n.compilerID.Version) {
			return false, true
		}
	}
	if cond.Arch.Platform != "" || cond.Arch.OS != "" {
		if !n.compilerDone {
			decidable = false
		} else if (cond.Arch.Platform != "" && cond.Arch.Platform != n.arch.Platform) ||
			(cond.Arch.OS != "" && cond.Arch.OS != n.arch.OS) {
			return false, true
		}
	}
	if !cond.Arch.Target.IsAny() {
		if !n.targetDone {
			decidable = false
		} else if !cond.Arch.Target.Contains(n.arch.Target) {
			return false, true
		}
	}
	for _, vc := range cond.Variants {
		if value, decided := n.variants[vc.Name]; decided {
			if !vc.SatisfiedBy(value, true) {
				return false, true
			}
		} else if n.absent[vc.Name] || n.pkg.Variant(vc.Name) == nil {
			if !vc.SatisfiedBy(nil, false) {
				return false, true
			}
		} else {
			decidable = false
		}
	}
	return decidable, decidable
}

// candidates returns the values for v in order of preference.
// If there are none, candidates returns the conflict that emptied the domain.
func (st *state) candidates(v variable) ([]candidate, *conflict) {
	switch v.kind {
	case varReuse:
		return st.reuseCandidates(st.nodes[v.node])
	case varVersion:
		return st.versionCandidates(st.nodes[v.node])
	case varVariant:
		return st.variantCandidates(st.nodes[v.node], v.variant)
	case varCompiler:
		return st.compilerCandidates(st.nodes[v.node])
	case varTarget:
		return st.targetCandidates(st.nodes[v.node])
	case varProvider:
		return st.providerCandidates(v.node)
	default:
		panic("unknown variable kind")
	}
}

// apply assigns c to v and checks the constraints it affects.
func (st *state) apply(v variable, c candidate) *conflict {
	switch v.kind {
	case varReuse:
		n := st.nodes[v.node]
		n.reuseDone = true
		switch {
		case c.reuse != nil:
			return st.applyReuse(n, c.reuse)
		case c.external != nil:
			return st.applyExternal(n, c.external)
		default:
			return st.checkNode(n)
		}
	case varVersion:
		n := st.nodes[v.node]
		n.version = c.version
		return st.checkNode(n)
	case varVariant:
		n := st.nodes[v.node]
		n.variants[v.variant] = c.value
		return st.checkNode(n)
	case varCompiler:
		n := st.nodes[v.node]
		n.compilerDone = true
		n.compiler = c.compiler
		n.compilerID = c.compiler.ID()
		n.arch.Platform = c.platform
		n.arch.OS = c.os
		return st.checkNode(n)
	case varTarget:
		n := st.nodes[v.node]
		n.targetDone = true
		n.arch.Target = c.target
		return st.checkNode(n)
	case varProvider:
		return st.chooseProvider(v.node, c.provider)
	default:
		panic("unknown variable kind")
	}
}

// reuseCandidates orders externals first, then installed specs, then a fresh build.
// Under [NewestFirst], installed specs older than the newest buildable version
// rank after the fresh build.
func (st *state) reuseCandidates(n *node) ([]candidate, *conflict) {
	var installed []*pinspec.Concrete
	if n.requiredHash != "" {
		if c := st.s.reuse.byHash[n.requiredHash]; c != nil {
			installed = []*pinspec.Concrete{c}
		}
	} else if st.s.reuse != nil {
		installed = st.s.reuse.byName[n.name]
	}
	var reusable []*pinspec.Concrete
	for _, c := range installed {
		if st.reusable(n, c) {
			reusable = append(reusable, c)
		}
	}
	fresh := n.requiredHash == "" && n.pkg != nil
	var cands []candidate
	canBuild := false
	if fresh {
		for _, ext := range st.s.externals(n.name) {
			if st.externalFits(n, ext) {
				cands = append(cands, candidate{external: ext})
			}
		}
		canBuild = st.s.buildable(n.name)
	}

	if canBuild && st.s.cfg.ReusePolicy == NewestFirst {
		newest, cf := st.versionCandidates(n)
		if cf != nil {
			newest = nil
		}
		var older []candidate
		for _, c := range reusable {
			if len(newest) > 0 && c.Version.Compare(newest[0].version) == 0 {
				cands = append(cands, candidate{reuse: c})
			} else {
				older = append(older, candidate{reuse: c})
			}
		}
		cands = append(cands, candidate{})
		cands = append(cands, older...)
		return cands, nil
	}
	for _, c := range reusable {
		cands = append(cands, candidate{reuse: c})
	}
	if canBuild {
		cands = append(cands, candidate{})
	}
	if len(cands) == 0 {
		keys := clauseKeys(st.activeClauses(n))
		cause := CauseReuse
		switch {
		case n.pkg == nil && n.requiredHash == "":
			cause = CauseUnknownPackage
		case fresh:
			cause = CauseNotBuildable
			keys = append(keys, buildableKey(n.name))
		}
		return nil, newConflict(cause, keys...).on(n.name)
	}
	return cands, nil
}

// externalFits reports whether the pinned attributes of an external
// meet the clauses on n.
func (st *state) externalFits(n *node, ext *catalog.External) bool {
	version := ext.Version()
	for _, cl := range st.activeClauses(n) {
		switch cl.kind {
		case clauseVersion:
			if cl.target == n.name && !cl.spec.Versions.Contains(version) {
				return false
			}
		case clauseVariant:
			vc := cl.spec.Variants[0]
			if v, ok := ext.Spec.Variant(vc.Name); ok && !vc.SatisfiedBy(pinspec.NewVariantValue(v.Values...), true) {
				return false
			}
		}
	}
	return true
}

// reusable reports whether an installed spec meets the clauses on n.
func (st *state) reusable(n *node, c *pinspec.Concrete) bool {
	for _, cl := range st.activeClauses(n) {
		if cl.kind == clauseVersion && cl.target != n.name {
			continue
		}
		if !c.SatisfiesNode(cl.spec) {
			return false
		}
	}
	return true
}

// activeClauses returns the enabled clauses on n
// and on the virtuals n was chosen to provide.
func (st *state) activeClauses(n *node) []*clause {
	var list []*clause
	for _, c := range st.clauses[n.name] {
		if !st.s.disabled[c.key] {
			list = append(list, c)
		}
	}
	for _, v := range st.virtualOrder {
		if st.providers[v] != n.name {
			continue
		}
		for _, c := range st.clauses[v] {
			if !st.s.disabled[c.key] {
				list = append(list, c)
			}
		}
	}
	return list
}

func (st *state) versionCandidates(n *node) ([]candidate, *conflict) {
	clauses := st.nodeClauses(n.name, clauseVersion)
	var decls []catalog.VersionDecl
	for _, vd := range n.pkg.Versions {
		if allContain(clauses, vd.Version) {
			decls = append(decls, vd)
		}
	}
	if len(decls) == 0 {
		cause := CauseVersion
		for _, c := range clauses {
			if !n.pkg.HasVersion(c.spec.Versions) {
				cause = CauseUnknownVersion
				break
			}
		}
		return nil, newConflict(cause, clauseKeys(clauses)...).on(n.name)
	}
	prefs := st.s.cfg.VersionPreferences[n.name]
	prefRank := func(v pinspec.Version) int {
		for i, list := range prefs {
			if list.Contains(v) {
				return i
			}
		}
		return len(prefs)
	}
	slices.SortStableFunc(decls, func(a, b catalog.VersionDecl) int {
		if c := compareBool(a.Deprecated, b.Deprecated); c != 0 {
			return c
		}
		if c := cmp.Compare(prefRank(a.Version), prefRank(b.Version)); c != 0 {
			return c
		}
		if c := compareBool(!a.Preferred, !b.Preferred); c != 0 {
			return c
		}
		if c := compareBool(a.Version.IsDevelop(), b.Version.IsDevelop()); c != 0 {
			return c
		}
		return b.Version.Compare(a.Version)
	})
	cands := make([]candidate, 0, len(decls))
	for _, vd := range decls {
		cands = append(cands, candidate{version: vd.Version})
	}
	return cands, nil
}

func allContain(clauses []*clause, v pinspec.Version) bool {
	for _, c := range clauses {
		if !c.spec.Versions.Contains(v) {
			return false
		}
	}
	return true
}

// compareBool orders false before true.
func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}

func (st *state) variantCandidates(n *node, name string) ([]candidate, *conflict) {
	decl := n.pkg.Variant(name)
	var clauses []*clause
	for _, c := range st.activeClauses(n) {
		if c.kind == clauseVariant && c.spec.Variants[0].Name == name {
			clauses = append(clauses, c)
		}
	}
	var cands []candidate
	for _, value := range variantValues(decl) {
		ok := decl.Allows(value)
		for _, c := range clauses {
			ok = ok && c.spec.Variants[0].SatisfiedBy(value, true)
		}
		if ok {
			cands = append(cands, candidate{value: value})
		}
	}
	if len(cands) == 0 {
		return nil, newConflict(CauseVariant, clauseKeys(clauses)...).on(n.name)
	}
	return cands, nil
}

// variantValues lists the possible values of a variant, default first.
func variantValues(decl *catalog.VariantDecl) []pinspec.VariantValue {
	list := []pinspec.VariantValue{decl.Default}
	add := func(v pinspec.VariantValue) {
		for _, old := range list {
			if old.Equal(v) {
				return
			}
		}
		list = append(list, v)
	}
	domain := decl.Domain()
	if !decl.Multi || len(domain) > maxVariantSubsets {
		for _, x := range domain {
			add(pinspec.NewVariantValue(x))
		}
		if decl.Multi {
			add(pinspec.NewVariantValue(domain...))
		}
		return list
	}
	var subsets []pinspec.VariantValue
	for mask := 1; mask < 1<<len(domain); mask++ {
		var values []string
		for i, x := range domain {
			if mask&(1<<i) != 0 {
				values = append(values, x)
			}
		}
		subsets = append(subsets, pinspec.NewVariantValue(values...))
	}
	slices.SortStableFunc(subsets, func(a, b pinspec.VariantValue) int {
		return cmp.Compare(len(a), len(b))
	})
	for _, v := range subsets {
		add(v)
	}
	return list
}

// baseArch returns the platform and operating system for n.
// Explicit clauses win, then the dependent's choice, then the default.
func (st *state) baseArch(n *node) (platform, os string, cf *conflict) {
	var platformKeys, osKeys []string
	for _, c := range st.activeClauses(n) {
		switch c.kind {
		case clausePlatform:
			p := c.spec.Arch.Platform
			if platform != "" && platform != p {
				return "", "", newConflict(CauseTarget, append(platformKeys, c.key)...).on(n.name)
			}
			platform = p
			platformKeys = append(platformKeys, c.key)
		case clauseOS:
			o := c.spec.Arch.OS
			if os != "" && os != o {
				return "", "", newConflict(CauseTarget, append(osKeys, c.key)...).on(n.name)
			}
			os = o
			osKeys = append(osKeys, c.key)
		}
	}
	parent := st.nodes[n.parent]
	if platform == "" {
		if parent != nil && parent.compilerDone {
			platform = parent.arch.Platform
		} else {
			platform = st.s.arch.Platform
		}
	}
	if os == "" {
		if parent != nil && parent.compilerDone {
			os = parent.arch.OS
		} else {
			os = st.s.arch.OS
		}
	}
	return platform, os, nil
}

func compilerSupportKey(name string) string {
	return "compiler-support:" + name
}

// supportEnforced reports whether target selection for n
// is limited to what the chosen compiler supports.
func (st *state) supportEnforced(n *node) bool {
	key := compilerSupportKey(n.name)
	st.s.register(key, n.name, "compiler target support", "available compilers", CauseCompiler)
	return !st.s.disabled[key]
}

func (st *state) compilerCandidates(n *node) ([]candidate, *conflict) {
	platform, os, cf := st.baseArch(n)
	if cf != nil {
		return nil, cf
	}
	var compilerKeys, osKeys []string
	var compilerClauses []*clause
	for _, c := range st.activeClauses(n) {
		switch c.kind {
		case clauseCompiler:
			compilerClauses = append(compilerClauses, c)
			compilerKeys = append(compilerKeys, c.key)
		case clausePlatform, clauseOS:
			osKeys = append(osKeys, c.key)
		}
	}
	targets, targetKeys := st.targetDomain(n)
	enforce := st.supportEnforced(n)

	var list []*catalog.Compiler
	filteredBySupport := false
	for _, c := range st.s.cat.Compilers() {
		ok := true
		for _, cl := range compilerClauses {
			ok = ok && cl.spec.Compiler.SatisfiedBy(c.Name, c.Version)
		}
		if !ok || (c.OS != "" && c.OS != os) {
			continue
		}
		if enforce && !slices.ContainsFunc(targets, c.SupportsTarget) {
			filteredBySupport = true
			continue
		}
		list = append(list, c)
	}
	if len(list) == 0 {
		keys := append(compilerKeys, osKeys...)
		if filteredBySupport {
			keys = append(keys, targetKeys...)
			keys = append(keys, compilerSupportKey(n.name))
		}
		return nil, newConflict(CauseCompiler, keys...).on(n.name)
	}

	var inherited pinspec.CompilerID
	if parent := st.nodes[n.parent]; parent != nil && parent.compilerDone {
		inherited = parent.compilerID
	}
	def := st.s.cfg.DefaultCompiler
	rank := func(c *catalog.Compiler) int {
		switch {
		case inherited.Name != "" && c.ID() == inherited:
			return 0
		case !def.IsZero() && def.SatisfiedBy(c.Name, c.Version):
			return 1
		default:
			return 2
		}
	}
	slices.SortStableFunc(list, func(a, b *catalog.Compiler) int {
		if c := cmp.Compare(rank(a), rank(b)); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return b.Version.Compare(a.Version)
	})
	cands := make([]candidate, 0, len(list))
	for _, c := range list {
		cands = append(cands, candidate{compiler: c, platform: platform, os: os})
	}
	return cands, nil
}

// targetDomain returns the targets n may use before considering the compiler,
// in order of preference, along with the keys of the target clauses.
func (st *state) targetDomain(n *node) ([]string, []string) {
	var clauses []*clause
	for _, c := range st.activeClauses(n) {
		if c.kind == clauseTarget {
			clauses = append(clauses, c)
		}
	}
	var ordered []string
	seen := make(map[string]bool)
	add := func(targets ...string) {
		for _, t := range targets {
			if t != "" && !seen[t] {
				seen[t] = true
				ordered = append(ordered, t)
			}
		}
	}
	if parent := st.nodes[n.parent]; parent != nil && parent.targetDone {
		add(parent.arch.Target)
	}
	def := st.s.arch.Target
	add(system.Ancestors(def)...)
	if parent := st.nodes[n.parent]; parent != nil && parent.targetDone {
		add(system.FamilyTargets(parent.arch.Target)...)
	}
	add(system.FamilyTargets(def)...)
	for _, c := range clauses {
		r := c.spec.Arch.Target
		if r.Lo != "" {
			add(system.FamilyTargets(r.Lo)...)
		}
		if r.Hi != "" {
			add(system.FamilyTargets(r.Hi)...)
		}
	}
	var domain []string
	for _, t := range ordered {
		ok := true
		for _, c := range clauses {
			ok = ok && c.spec.Arch.Target.Contains(t)
		}
		if ok {
			domain = append(domain, t)
		}
	}
	return domain, clauseKeys(clauses)
}

func (st *state) targetCandidates(n *node) ([]candidate, *conflict) {
	domain, keys := st.targetDomain(n)
	enforce := st.supportEnforced(n)
	var cands []candidate
	for _, t := range domain {
		if enforce && n.compiler != nil && !n.compiler.SupportsTarget(t) {
			continue
		}
		cands = append(cands, candidate{target: t})
	}
	if len(cands) == 0 {
		if enforce && len(domain) > 0 {
			keys = append(keys, compilerSupportKey(n.name))
		}
		for _, c := range st.activeClauses(n) {
			if c.kind == clauseCompiler {
				keys = append(keys, c.key)
			}
		}
		return nil, newConflict(CauseTarget, keys...).on(n.name)
	}
	return cands, nil
}

func (st *state) providerCandidates(virtual string) ([]candidate, *conflict) {
	all := st.s.cat.Providers(virtual)
	var explicit, explicitKeys []string
	for _, p := range all {
		if slices.Contains(st.rootNames, p) {
			explicit = append(explicit, p)
			continue
		}
		if key := st.s.requestedDep(p); key != "" {
			explicit = append(explicit, p)
			explicitKeys = append(explicitKeys, key)
		}
	}
	if len(explicit) > 0 {
		all = explicit
	}

	versionClauses := st.nodeClauses(virtual, clauseVersion)
	var list []string
	for _, p := range all {
		pkg, err := st.s.pkg(p)
		if err != nil {
			continue
		}
		if slices.ContainsFunc(pkg.Provides, func(decl *catalog.ProvidesDecl) bool {
			return decl.Virtual.Name == virtual && providesAll(decl, versionClauses)
		}) {
			list = append(list, p)
		}
	}
	if len(list) == 0 {
		return nil, newConflict(CauseProvider, append(clauseKeys(versionClauses), explicitKeys...)...).on(virtual)
	}

	prefs := st.s.cfg.ProviderPreferences[virtual]
	rank := func(p string) int {
		if i := slices.Index(prefs, p); i >= 0 {
			return i
		}
		if st.nodes[p] != nil {
			return len(prefs)
		}
		return len(prefs) + 1
	}
	slices.SortStableFunc(list, func(a, b string) int {
		if c := cmp.Compare(rank(a), rank(b)); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	cands := make([]candidate, 0, len(list))
	for _, p := range list {
		cands = append(cands, candidate{provider: p})
	}
	return cands, nil
}

// providesAll reports whether decl can satisfy every version clause.
func providesAll(decl *catalog.ProvidesDecl, versionClauses []*clause) bool {
	for _, c := range versionClauses {
		if !versionsOverlap(decl.Virtual.Versions, c.spec.Versions) {
			return false
		}
	}
	return true
}

func versionsOverlap(a, b pinspec.VersionList) bool {
	if a.IsAny() || b.IsAny() {
		return true
	}
	_, ok := a.Intersect(b)
	return ok
}

// demandVirtual records that a node depends on a virtual.
func (st *state) demandVirtual(parent, virtual string) {
	if _, ok := st.virtualParent[virtual]; ok {
		return
	}
	st.virtualParent[virtual] = parent
	st.virtualOrder = append(st.virtualOrder, virtual)
}

func (st *state) setProvider(virtual, provider string) {
	st.providers[virtual] = provider
	for i, v := range st.rootVirtuals {
		if v == virtual {
			st.rootNames[i] = provider
		}
	}
}

func (st *state) chooseProvider(virtual, provider string) *conflict {
	st.setProvider(virtual, provider)
	n, cf := st.ensureNode(provider, st.virtualParent[virtual])
	if cf != nil {
		return cf
	}
	if slices.Contains(st.rootNames, provider) {
		n.isRoot = true
	}
	if cf := st.checkNode(n); cf != nil {
		return cf
	}
	if n.checked {
		return st.checkProvides(n, virtual)
	}
	return nil
}

// applyExternal fixes n's version and the variants the external pins.
// The remaining variants, the compiler, and the target are decided as for a build.
// Externals have no dependencies.
func (st *state) applyExternal(n *node, ext *catalog.External) *conflict {
	n.external = ext
	n.version = ext.Version()
	for _, v := range ext.Spec.Variants {
		n.variants[v.Name] = pinspec.NewVariantValue(v.Values...)
	}
	n.expanded = true
	return st.checkNode(n)
}

// applyReuse fixes n to an installed spec
// and requires its dependencies to be reused as installed.
func (st *state) applyReuse(n *node, c *pinspec.Concrete) *conflict {
	n.reuse = c
	n.version = c.Version
	n.compilerDone = true
	n.compilerID = c.Compiler
	n.arch = c.Arch
	n.targetDone = true
	n.variants = maps.Clone(c.Variants)
	if n.variants == nil {
		n.variants = make(map[string]pinspec.VariantValue)
	}
	if cf := st.checkNode(n); cf != nil {
		return cf
	}
	for _, e := range c.Deps {
		dep := e.Spec
		dn, cf := st.ensureNode(dep.Name, n.name)
		if cf != nil {
			return cf
		}
		switch {
		case dn.reuseDone:
			if dn.reuse == nil || dn.reuse.Hash != dep.Hash {
				return newConflict(CauseReuse).on(n.name, dn.name)
			}
		case dn.requiredHash != "" && dn.requiredHash != dep.Hash:
			return newConflict(CauseReuse).on(n.name, dn.name)
		default:
			dn.requiredHash = dep.Hash
			dn.requiredBy = n.name
		}
		for _, v := range e.Virtuals {
			st.demandVirtual(n.name, v)
			switch p := st.providers[v]; p {
			case "":
				st.setProvider(v, dep.Name)
				st.providerSource[v] = n.name
				if dn.reuseDone {
					if cf := st.checkNode(dn); cf != nil {
						return cf
					}
				}
				if dn.checked {
					if cf := st.checkProvides(dn, v); cf != nil {
						return cf
					}
				}
			case dep.Name:
			default:
				return newConflict(CauseReuse).on(n.name, dn.name, v)
			}
		}
		n.addEdge(&depEdge{
			target:   dep.Name,
			types:    e.Types,
			virtuals: e.Virtuals,
		})
	}
	n.expanded = true
	return nil
}
