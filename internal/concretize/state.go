// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package concretize

import (
	"maps"
	"slices"
	"strings"

	"pin.256lights.llc/pkg/internal/catalog"
	"pin.256lights.llc/pkg/internal/system"
	"pin.256lights.llc/pkg/pinspec"
)

// clause is a single-attribute constraint on a package or virtual.
type clause struct {
	key string
	// target is the package or virtual name the clause applies to.
	target string
	// spec is an anonymous spec constraining exactly one attribute.
	spec *pinspec.Spec
	kind clauseKind
}

type clauseKind int8

const (
	clauseVersion clauseKind = iota
	clauseCompiler
	clauseVariant
	clausePlatform
	clauseOS
	clauseTarget
)

func (k clauseKind) cause() Cause {
	switch k {
	case clauseVersion:
		return CauseVersion
	case clauseCompiler:
		return CauseCompiler
	case clauseVariant:
		return CauseVariant
	default:
		return CauseTarget
	}
}

// splitSpec breaks the node constraints of spec
// into single-attribute clauses keyed under prefix.
// Dependency constraints are not included.
func splitSpec(prefix, target string, spec *pinspec.Spec) []*clause {
	var list []*clause
	add := func(suffix string, kind clauseKind, s *pinspec.Spec) {
		list = append(list, &clause{
			key:    prefix + ":" + suffix,
			target: target,
			spec:   s,
			kind:   kind,
		})
	}
	if !spec.Versions.IsAny() {
		add("version", clauseVersion, &pinspec.Spec{Versions: spec.Versions})
	}
	if !spec.Compiler.IsZero() {
		add("compiler", clauseCompiler, &pinspec.Spec{Compiler: spec.Compiler})
	}
	for _, v := range spec.Variants {
		add("variant:"+v.Name, clauseVariant, &pinspec.Spec{Variants: []pinspec.VariantConstraint{v}})
	}
	if spec.Arch.Platform != "" {
		add("platform", clausePlatform, &pinspec.Spec{Arch: pinspec.ArchConstraint{Platform: spec.Arch.Platform}})
	}
	if spec.Arch.OS != "" {
		add("os", clauseOS, &pinspec.Spec{Arch: pinspec.ArchConstraint{OS: spec.Arch.OS}})
	}
	if !spec.Arch.Target.IsAny() {
		add("target", clauseTarget, &pinspec.Spec{Arch: pinspec.ArchConstraint{Target: spec.Arch.Target}})
	}
	return list
}

// label formats the clause in spec syntax.
func (c *clause) label() string {
	switch c.kind {
	case clauseVersion:
		return "@" + c.spec.Versions.String()
	case clauseCompiler:
		return "%" + c.spec.Compiler.String()
	case clauseVariant:
		return c.spec.Variants[0].String()
	case clausePlatform:
		return "platform=" + c.spec.Arch.Platform
	case clauseOS:
		return "os=" + c.spec.Arch.OS
	default:
		return "target=" + c.spec.Arch.Target.String()
	}
}

// conflict is a failed check during search.
// keys are the constraints that together caused it.
// at names the nodes and virtuals whose decisions were involved
// in addition to the owners of keys.
// A global conflict may involve any decision.
type conflict struct {
	keys   []string
	cause  Cause
	at     []string
	global bool
}

func newConflict(cause Cause, keys ...string) *conflict {
	return &conflict{keys: keys, cause: cause}
}

// on adds names to the conflict's involved nodes and returns cf.
func (cf *conflict) on(names ...string) *conflict {
	cf.at = append(cf.at, names...)
	return cf
}

// keyOwner returns the package whose declaration introduced a constraint key
// or the empty string for constraints from the request.
func keyOwner(key string) string {
	for _, prefix := range []string{"dep:", "conflict:", "compiler-support:"} {
		if rest, ok := strings.CutPrefix(key, prefix); ok {
			name, _, _ := strings.Cut(rest, ":")
			return name
		}
	}
	return ""
}

// node is the solver's partial assignment for one package.
type node struct {
	name string
	// pkg is nil for reused dependencies that the catalog no longer declares.
	pkg *catalog.Package
	// parent is the dependent that first introduced the node
	// or empty for roots.
	parent string
	isRoot bool

	reuseDone    bool
	reuse        *pinspec.Concrete
	external     *catalog.External
	requiredHash pinspec.Hash
	// requiredBy is the reused dependent that set requiredHash.
	requiredBy string

	version      pinspec.Version
	variants     map[string]pinspec.VariantValue
	absent       map[string]bool
	compilerDone bool
	compiler     *catalog.Compiler
	compilerID   pinspec.CompilerID
	// arch has Platform and OS set once the compiler is decided
	// and Target set once the target is decided.
	arch       system.System
	targetDone bool

	checked  bool
	expanded bool
	deps     []*depEdge
}

// depEdge is an edge from a node to a package or virtual.
type depEdge struct {
	target string
	// virtual is set if target names a virtual.
	virtual bool
	types   pinspec.DepTypes
	// virtuals are the virtuals a reused edge satisfied.
	virtuals []string
	// keys are the declarations that introduced the edge.
	keys []string
}

func (n *node) clone() *node {
	n2 := new(node)
	*n2 = *n
	n2.variants = maps.Clone(n.variants)
	n2.absent = maps.Clone(n.absent)
	n2.deps = make([]*depEdge, len(n.deps))
	for i, e := range n.deps {
		e2 := *e
		e2.keys = slices.Clip(e.keys)
		n2.deps[i] = &e2
	}
	return n2
}

func (n *node) variantResolved(name string) bool {
	_, decided := n.variants[name]
	return decided || n.absent[name]
}

// complete reports whether every attribute of the node is decided.
func (n *node) complete() bool {
	if !n.reuseDone {
		return false
	}
	if n.reuse != nil {
		return true
	}
	if n.version == "" || !n.compilerDone || !n.targetDone {
		return false
	}
	for _, v := range n.pkg.Variants {
		if !n.variantResolved(v.Name) {
			return false
		}
	}
	return true
}

// view returns the node's attributes as a [pinspec.Concrete] without dependencies.
// The node must be complete.
func (n *node) view() *pinspec.Concrete {
	if n.reuse != nil {
		return n.reuse
	}
	return &pinspec.Concrete{
		Name:     n.name,
		Version:  n.version,
		Compiler: n.compilerID,
		Arch:     n.arch,
		Variants: n.variants,
	}
}

func (n *node) addEdge(e *depEdge) {
	for _, old := range n.deps {
		if old.target == e.target && old.virtual == e.virtual {
			old.types |= e.types
			old.keys = append(slices.Clip(old.keys), e.keys...)
			return
		}
	}
	n.deps = append(n.deps, e)
}

// state is a partial assignment during search.
// States are cloned at every choice point.
type state struct {
	s *solver

	nodes map[string]*node
	// order lists node names in the order they were introduced.
	order []string
	// clauses maps a package or virtual name to the clauses on it.
	clauses map[string][]*clause

	// providers maps a virtual to its chosen provider.
	providers map[string]string
	// virtualOrder lists virtuals in the order they were first demanded.
	virtualOrder []string
	// virtualParent maps a virtual to the node that first demanded it.
	virtualParent map[string]string
	// providerSource maps a virtual to the reused node
	// whose installed edge fixed its provider.
	providerSource map[string]string
	// rootNames are the package names of the solve's roots.
	// An entry is empty until a root virtual's provider is chosen.
	rootNames []string
	// rootVirtuals maps a root index to the virtual it named, if any.
	rootVirtuals map[int]string
}

func (st *state) clone() *state {
	st2 := &state{
		s:             st.s,
		nodes:         make(map[string]*node, len(st.nodes)),
		order:         slices.Clip(st.order),
		clauses:       make(map[string][]*clause, len(st.clauses)),
		providers:     maps.Clone(st.providers),
		virtualOrder:  slices.Clip(st.virtualOrder),
		virtualParent: maps.Clone(st.virtualParent),
		rootNames:     slices.Clone(st.rootNames),
		rootVirtuals:  st.rootVirtuals,

		providerSource: maps.Clone(st.providerSource),
	}
	for name, n := range st.nodes {
		st2.nodes[name] = n.clone()
	}
	for name, list := range st.clauses {
		st2.clauses[name] = slices.Clip(list)
	}
	return st2
}

// nodeClauses returns the clauses on the named package
// that have the given kind.
func (st *state) nodeClauses(name string, kind clauseKind) []*clause {
	var list []*clause
	for _, c := range st.clauses[name] {
		if c.kind == kind {
			list = append(list, c)
		}
	}
	return list
}

func clauseKeys(list []*clause) []string {
	keys := make([]string, 0, len(list))
	for _, c := range list {
		keys = append(keys, c.key)
	}
	return keys
}

// ensureNode returns the node with the given name, creating it if necessary.
func (st *state) ensureNode(name, parent string) (*node, *conflict) {
	if n := st.nodes[name]; n != nil {
		return n, nil
	}
	pkg, err := st.s.pkg(name)
	if err != nil && !st.s.reuse.has(name) {
		return nil, newConflict(CauseUnknownPackage).on(name)
	}
	n := &node{
		name:     name,
		pkg:      pkg,
		parent:   parent,
		variants: make(map[string]pinspec.VariantValue),
		absent:   make(map[string]bool),
	}
	st.nodes[name] = n
	st.order = append(st.order, name)
	for _, c := range st.clauses[name] {
		if cf := st.checkClause(n, c); cf != nil {
			return nil, cf
		}
	}
	return n, nil
}

// addClause records a clause and checks it against the current assignment.
func (st *state) addClause(c *clause, origin string) *conflict {
	if st.s.disabled[c.key] {
		return nil
	}
	st.s.register(c.key, c.target, c.label(), origin, c.kind.cause())
	st.clauses[c.target] = append(st.clauses[c.target], c)
	if st.s.cat.IsVirtual(c.target) {
		p := st.providers[c.target]
		if p == "" {
			return nil
		}
		pn := st.nodes[p]
		if c.kind == clauseVersion {
			if pn.checked {
				return st.checkProvides(pn, c.target)
			}
			return nil
		}
		return st.checkClause(pn, c)
	}
	if n := st.nodes[c.target]; n != nil {
		return st.checkClause(n, c)
	}
	return nil
}

// checkClause checks a clause against whatever of n is decided.
func (st *state) checkClause(n *node, c *clause) *conflict {
	if st.s.disabled[c.key] {
		return nil
	}
	fail := func(cause Cause) *conflict {
		return newConflict(cause, c.key).on(n.name, c.target)
	}
	spec := c.spec
	switch c.kind {
	case clauseVersion:
		if n.reuse == nil && n.external == nil && n.reuseDone && n.pkg != nil && !n.pkg.HasVersion(spec.Versions) {
			if _, exact := spec.Versions.Exact(); exact {
				return fail(CauseUnknownVersion)
			}
			return fail(CauseVersion)
		}
		v := n.version
		if n.reuse != nil {
			v = n.reuse.Version
		}
		if v != "" && !spec.Versions.Contains(v) {
			return fail(CauseVersion)
		}
	case clauseCompiler:
		if n.compilerDone && !spec.Compiler.SatisfiedBy(n.compilerID.Name, n.compilerID.Version) {
			return fail(CauseCompiler)
		}
	case clauseVariant:
		vc := spec.Variants[0]
		if n.reuse != nil {
			value, present := n.reuse.Variants[vc.Name]
			if !vc.SatisfiedBy(value, present) {
				return fail(CauseVariant)
			}
			return nil
		}
		if n.pkg == nil {
			return nil
		}
		decl := n.pkg.Variant(vc.Name)
		if decl == nil {
			if vc.Negated {
				return nil
			}
			return fail(CauseUnknownVariant)
		}
		if !vc.Any && !vc.Negated {
			for _, x := range vc.Values {
				if !slices.Contains(decl.Domain(), x) {
					return fail(CauseUnknownVariant)
				}
			}
		}
		if value, decided := n.variants[vc.Name]; decided {
			if !vc.SatisfiedBy(value, true) {
				return fail(CauseVariant)
			}
		} else if n.absent[vc.Name] && !vc.SatisfiedBy(nil, false) {
			return fail(CauseVariant)
		}
	case clausePlatform, clauseOS:
		if n.compilerDone && !spec.Arch.SatisfiedBy(system.System{Platform: n.arch.Platform, OS: n.arch.OS}) {
			return fail(CauseTarget)
		}
	case clauseTarget:
		if n.targetDone && !spec.Arch.Target.Contains(n.arch.Target) {
			return fail(CauseTarget)
		}
	}
	return nil
}

// checkNode checks every clause on n.
func (st *state) checkNode(n *node) *conflict {
	for _, c := range st.clauses[n.name] {
		if cf := st.checkClause(n, c); cf != nil {
			return cf
		}
	}
	for _, v := range st.virtualOrder {
		if st.providers[v] != n.name {
			continue
		}
		for _, c := range st.clauses[v] {
			if c.kind == clauseVersion {
				continue
			}
			if cf := st.checkClause(n, c); cf != nil {
				return cf
			}
		}
	}
	return nil
}

// culprits returns the nodes and virtuals whose decisions
// may have contributed to cf.
// It returns nil for a global conflict.
func (st *state) culprits(cf *conflict) map[string]bool {
	if cf.global {
		return nil
	}
	stack := slices.Clone(cf.at)
	for _, k := range cf.keys {
		if owner := keyOwner(k); owner != "" {
			stack = append(stack, owner)
		}
	}
	return st.closeCulprits(stack)
}

// closeCulprits adds everything that names depend on for their existence:
// the dependents that introduced them and the provider choices they satisfy.
func (st *state) closeCulprits(names []string) map[string]bool {
	set := make(map[string]bool)
	stack := names
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if name == "" || set[name] {
			continue
		}
		set[name] = true
		if n := st.nodes[name]; n != nil {
			stack = append(stack, n.parent, n.requiredBy)
			for v, p := range st.providers {
				if p == name {
					stack = append(stack, v)
				}
			}
			continue
		}
		if parent, ok := st.virtualParent[name]; ok {
			stack = append(stack, parent, st.providerSource[name])
		}
	}
	return set
}

// domainCulprits returns the nodes and virtuals
// whose decisions restricted the candidates of v.
func (st *state) domainCulprits(v variable) map[string]bool {
	names := []string{v.node}
	var clauses []*clause
	if n := st.nodes[v.node]; n != nil && v.kind != varProvider {
		clauses = st.activeClauses(n)
	} else {
		clauses = st.clauses[v.node]
	}
	for _, c := range clauses {
		if owner := keyOwner(c.key); owner != "" {
			names = append(names, owner)
		}
	}
	return st.closeCulprits(names)
}
