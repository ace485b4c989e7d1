// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package concretize

import (
	"maps"
	"slices"
	"strconv"

	"pin.256lights.llc/pkg/internal/catalog"
	"pin.256lights.llc/pkg/internal/dagbuild"
	"pin.256lights.llc/pkg/pinspec"
)

func depKey(pkg string, i int) string {
	return "dep:" + pkg + ":" + strconv.Itoa(i)
}

func conflictKey(pkg string, i int) string {
	return "conflict:" + pkg + ":" + strconv.Itoa(i)
}

// propagate derives everything that follows from the current decisions:
// variants whose conditions no longer hold are marked absent,
// and complete nodes are checked and their dependencies introduced.
func (st *state) propagate() *conflict {
	for i := 0; i < len(st.order); i++ {
		n := st.nodes[st.order[i]]
		if !n.reuseDone && n.requiredHash == "" && !st.s.reuse.has(n.name) &&
			len(st.s.externals(n.name)) == 0 && st.s.buildable(n.name) {
			n.reuseDone = true
		}
		if cf := st.resolveConditions(n); cf != nil {
			return cf
		}
		if n.checked || !n.complete() {
			continue
		}
		n.checked = true
		if cf := st.checkCompleted(n); cf != nil {
			return cf
		}
		if !n.expanded {
			n.expanded = true
			if cf := st.expand(n); cf != nil {
				return cf
			}
		}
	}
	return nil
}

// resolveConditions marks the conditional variants of n
// whose conditions are known to be false as absent.
func (st *state) resolveConditions(n *node) *conflict {
	if !n.reuseDone || n.reuse != nil || n.pkg == nil {
		return nil
	}
	changed := false
	for {
		marked := false
		for _, decl := range n.pkg.Variants {
			if decl.When == nil || n.variantResolved(decl.Name) {
				continue
			}
			if ok, decidable := st.evalCondition(decl.When, n); decidable && !ok {
				n.absent[decl.Name] = true
				marked = true
			}
		}
		if !marked {
			break
		}
		changed = true
	}
	if n.version != "" && n.compilerDone && n.targetDone && st.nextVariant(n) == "" {
		// Only variants whose conditions depend on each other remain.
		for _, decl := range n.pkg.Variants {
			if !n.variantResolved(decl.Name) {
				n.absent[decl.Name] = true
				changed = true
			}
		}
	}
	if !changed {
		return nil
	}
	return st.checkNode(n)
}

// checkCompleted runs the checks that need every attribute of n.
func (st *state) checkCompleted(n *node) *conflict {
	if n.external != nil {
		view := n.view()
		for _, v := range n.external.Spec.Variants {
			if decl := n.pkg.Variant(v.Name); decl.When != nil && !view.SatisfiesNode(decl.When) {
				return newConflict(CauseVariant).on(n.name)
			}
		}
	}
	if n.reuse == nil && n.pkg != nil {
		view := n.view()
		for i, c := range n.pkg.Conflicts {
			if len(c.Spec.Deps) > 0 {
				continue
			}
			key := st.registerConflict(n.pkg, i)
			if st.s.disabled[key] {
				continue
			}
			if (c.When == nil || view.SatisfiesNode(c.When)) && view.SatisfiesNode(c.Spec) {
				return newConflict(CauseConflict, key).on(n.name)
			}
		}
	}
	for _, v := range st.virtualOrder {
		if st.providers[v] != n.name {
			continue
		}
		if cf := st.checkProvides(n, v); cf != nil {
			return cf
		}
	}
	return nil
}

func (st *state) registerConflict(pkg *catalog.Package, i int) string {
	c := pkg.Conflicts[i]
	key := conflictKey(pkg.Name, i)
	origin := pkg.Name + " conflicts with " + c.Spec.String()
	if c.When != nil {
		origin += " when " + c.When.String()
	}
	if c.Message != "" {
		origin += ": " + c.Message
	}
	st.s.register(key, pkg.Name, c.Spec.String(), origin, CauseConflict)
	return key
}

// checkProvides verifies that the complete node n
// can provide the virtual at every requested version.
func (st *state) checkProvides(n *node, virtual string) *conflict {
	if n.pkg == nil {
		return nil
	}
	var versionClauses []*clause
	for _, c := range st.nodeClauses(virtual, clauseVersion) {
		if !st.s.disabled[c.key] {
			versionClauses = append(versionClauses, c)
		}
	}
	view := n.view()
	for _, decl := range n.pkg.Provides {
		if decl.Virtual.Name != virtual {
			continue
		}
		if decl.When != nil && !view.SatisfiesNode(decl.When) {
			continue
		}
		if providesAll(decl, versionClauses) {
			return nil
		}
	}
	return newConflict(CauseProvider, clauseKeys(versionClauses)...).on(n.name, virtual)
}

func (st *state) testsEnabled(n *node) bool {
	switch st.s.cfg.Tests {
	case TestAll:
		return true
	case TestRoots:
		return n.isRoot
	default:
		return false
	}
}

// expand introduces the dependencies that apply to the complete node n.
func (st *state) expand(n *node) *conflict {
	view := n.view()
	for i, d := range n.pkg.Dependencies {
		key := depKey(n.name, i)
		if st.s.disabled[key] {
			continue
		}
		if d.When != nil && !view.SatisfiesNode(d.When) {
			continue
		}
		types := d.Types
		if !st.testsEnabled(n) {
			types &^= pinspec.Test
		}
		if types == 0 {
			continue
		}
		target := d.Spec.Name
		origin := n.name + " depends on " + d.Spec.String()
		if d.When != nil {
			origin += " when " + d.When.String()
		}
		st.s.register(key, target, "^"+target, origin, CauseConflict)

		if st.s.cat.IsVirtual(target) {
			st.demandVirtual(n.name, target)
			n.addEdge(&depEdge{
				target:  target,
				virtual: true,
				types:   types,
				keys:    []string{key},
			})
		} else {
			n.addEdge(&depEdge{
				target: target,
				types:  types,
				keys:   []string{key},
			})
			if _, cf := st.ensureNode(target, n.name); cf != nil {
				cf.keys = append(cf.keys, key)
				return cf
			}
		}
		for _, c := range splitSpec(key, target, d.Spec) {
			if cf := st.addClause(c, origin); cf != nil {
				return cf
			}
		}
	}
	return nil
}

// resolvedEdge is an edge with virtuals replaced by their providers.
type resolvedEdge struct {
	target   string
	types    pinspec.DepTypes
	virtuals []string
	keys     []string
}

func (st *state) resolvedDeps(n *node) []*resolvedEdge {
	var list []*resolvedEdge
	for _, e := range n.deps {
		target, virtuals := e.target, e.virtuals
		if e.virtual {
			target = st.providers[e.target]
			virtuals = []string{e.target}
			if target == "" {
				continue
			}
		}
		i := slices.IndexFunc(list, func(r *resolvedEdge) bool { return r.target == target })
		if i < 0 {
			list = append(list, &resolvedEdge{
				target:   target,
				types:    e.types,
				virtuals: slices.Clone(virtuals),
				keys:     slices.Clone(e.keys),
			})
			continue
		}
		r := list[i]
		r.types |= e.types
		for _, v := range virtuals {
			if !slices.Contains(r.virtuals, v) {
				r.virtuals = append(r.virtuals, v)
			}
		}
		r.keys = append(r.keys, e.keys...)
	}
	return list
}

// finalCheck runs the checks that need the whole graph.
func (st *state) finalCheck() *conflict {
	for _, name := range st.order {
		n := st.nodes[name]
		if n.reuse != nil || n.pkg == nil {
			continue
		}
		view := n.view()
		for i, c := range n.pkg.Conflicts {
			if len(c.Spec.Deps) == 0 {
				continue
			}
			key := st.registerConflict(n.pkg, i)
			if st.s.disabled[key] {
				continue
			}
			if c.When != nil && !view.SatisfiesNode(c.When) || !view.SatisfiesNode(c.Spec) {
				continue
			}
			if !slices.ContainsFunc(c.Spec.Deps, func(d *pinspec.DepConstraint) bool {
				return !st.reaches(name, d)
			}) {
				cf := newConflict(CauseConflict, key)
				cf.global = true
				return cf
			}
		}
	}
	for i, r := range st.s.roots {
		for _, d := range r.Deps {
			key := rootDepKey(i, d.Spec.Name)
			if st.s.disabled[key] || st.rootNames[i] == "" {
				continue
			}
			if !st.reaches(st.rootNames[i], d) {
				cf := newConflict(CauseNotADependency, key)
				cf.global = true
				return cf
			}
		}
	}
	if keys := st.findCycle(); keys != nil {
		cf := newConflict(CauseCycle, keys...)
		cf.global = true
		return cf
	}
	return nil
}

// reaches reports whether some node reachable from the named node
// satisfies the dependency constraint.
func (st *state) reaches(from string, d *pinspec.DepConstraint) bool {
	isVirtual := st.s.cat.IsVirtual(d.Spec.Name)
	want := d.Spec
	if isVirtual {
		want = d.Spec.Clone()
		want.Name = ""
		want.Versions = nil
	}
	seen := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		curr := st.nodes[stack[len(stack)-1]]
		stack = stack[:len(stack)-1]
		if curr == nil {
			continue
		}
		for _, e := range st.resolvedDeps(curr) {
			dn := st.nodes[e.target]
			if dn == nil {
				continue
			}
			if e.types.Has(d.Types) && (!isVirtual || slices.Contains(e.virtuals, d.Spec.Name)) && dn.view().SatisfiesNode(want) {
				return true
			}
			if !seen[e.target] {
				seen[e.target] = true
				stack = append(stack, e.target)
			}
		}
	}
	return false
}

// findCycle returns the keys of the edges on a dependency cycle
// or nil if the graph is acyclic.
func (st *state) findCycle() []string {
	const (
		unvisited = iota
		onStack
		done
	)
	type frame struct {
		name  string
		edges []*resolvedEdge
		next  int
	}
	color := make(map[string]int)
	for _, start := range st.order {
		if color[start] != unvisited {
			continue
		}
		color[start] = onStack
		stack := []*frame{{name: start, edges: st.resolvedDeps(st.nodes[start])}}
		for len(stack) > 0 {
			f := stack[len(stack)-1]
			if f.next >= len(f.edges) {
				color[f.name] = done
				stack = stack[:len(stack)-1]
				continue
			}
			e := f.edges[f.next]
			f.next++
			switch color[e.target] {
			case onStack:
				var keys []string
				for i := len(stack) - 1; i >= 0; i-- {
					keys = append(keys, stack[i].edges[stack[i].next-1].keys...)
					if stack[i].name == e.target {
						break
					}
				}
				if keys == nil {
					keys = []string{}
				}
				return keys
			case unvisited:
				dn := st.nodes[e.target]
				if dn == nil {
					continue
				}
				color[e.target] = onStack
				stack = append(stack, &frame{name: e.target, edges: st.resolvedDeps(dn)})
			}
		}
	}
	return nil
}

// assignment converts a solved state into builder input.
func (st *state) assignment() []*dagbuild.Node {
	built := make(map[string]*dagbuild.Node, len(st.nodes))
	for _, name := range st.order {
		n := st.nodes[name]
		dn := &dagbuild.Node{
			Name:     n.name,
			Version:  n.version,
			Compiler: n.compilerID,
			Arch:     n.arch,
			Variants: maps.Clone(n.variants),
		}
		if n.reuse != nil {
			dn.Reused = n.reuse.Hash
		}
		if n.external != nil {
			dn.External = n.external.Prefix
		}
		built[name] = dn
	}
	for _, name := range st.order {
		dn := built[name]
		for _, e := range st.resolvedDeps(st.nodes[name]) {
			dn.Deps = append(dn.Deps, &dagbuild.Dep{
				Node:     built[e.target],
				Types:    e.types,
				Virtuals: e.virtuals,
			})
		}
	}
	roots := make([]*dagbuild.Node, 0, len(st.rootNames))
	for _, name := range st.rootNames {
		roots = append(roots, built[name])
	}
	return roots
}
