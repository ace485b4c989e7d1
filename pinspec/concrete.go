// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package pinspec

import (
	"maps"
	"slices"
	"strings"

	"pin.256lights.llc/pkg/internal/system"
)

// Concrete is a fully pinned node of a dependency graph.
// Concrete values are immutable once hashed:
// they may be shared between graphs and goroutines.
type Concrete struct {
	Name     string
	Version  Version
	Compiler CompilerID
	Arch     system.System
	// Variants holds a value for every variant the package declares
	// that applies to this node.
	Variants map[string]VariantValue
	// Deps is sorted by dependency name.
	Deps []*Edge
	// External is the prefix of an installation managed outside pin.
	// External nodes have no dependencies and are never built.
	External string
	Hash     Hash
}

// CompilerID is a concrete compiler.
type CompilerID struct {
	Name    string  `json:"name"`
	Version Version `json:"version"`
}

// String returns the compiler as "name@=version".
func (id CompilerID) String() string {
	return id.Name + "@=" + string(id.Version)
}

// Edge is a dependency edge in a concrete graph.
type Edge struct {
	Spec  *Concrete
	Types DepTypes
	// Virtuals lists the virtual package names this edge satisfies, sorted.
	Virtuals []string
}

// Dep returns the edge to the direct dependency with the given name
// or nil if there is none.
func (c *Concrete) Dep(name string) *Edge {
	for _, e := range c.Deps {
		if e.Spec.Name == name {
			return e
		}
	}
	return nil
}

// DepsOfType returns the direct dependencies reached by an edge
// with any of the given kinds.
func (c *Concrete) DepsOfType(types DepTypes) []*Concrete {
	var deps []*Concrete
	for _, e := range c.Deps {
		if e.Types.Overlaps(types) {
			deps = append(deps, e.Spec)
		}
	}
	return deps
}

// VariantNames returns the names of c's variants in sorted order.
func (c *Concrete) VariantNames() []string {
	return slices.Sorted(maps.Keys(c.Variants))
}

// SatisfiesNode reports whether c's own attributes meet the constraints in s.
// Dependency constraints in s are ignored.
// An anonymous s matches any name.
func (c *Concrete) SatisfiesNode(s *Spec) bool {
	if s.Name != "" && s.Name != c.Name {
		return false
	}
	if !s.Versions.Contains(c.Version) {
		return false
	}
	if !s.Compiler.SatisfiedBy(c.Compiler.Name, c.Compiler.Version) {
		return false
	}
	if !s.Arch.SatisfiedBy(c.Arch) {
		return false
	}
	for _, v := range s.Variants {
		value, present := c.Variants[v.Name]
		if !v.SatisfiedBy(value, present) {
			return false
		}
	}
	return true
}

// Satisfies reports whether c meets the constraints in s,
// including constraints on dependencies anywhere in c's graph.
func (c *Concrete) Satisfies(s *Spec) bool {
	if !c.SatisfiesNode(s) {
		return false
	}
	for _, d := range s.Deps {
		if !c.hasDepSatisfying(d) {
			return false
		}
	}
	return true
}

func (c *Concrete) hasDepSatisfying(d *DepConstraint) bool {
	seen := make(map[*Concrete]struct{})
	stack := []*Concrete{c}
	for len(stack) > 0 {
		curr := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range curr.Deps {
			if e.Spec.SatisfiesNode(d.Spec) && e.Types.Has(d.Types) {
				return true
			}
			if _, ok := seen[e.Spec]; !ok {
				seen[e.Spec] = struct{}{}
				stack = append(stack, e.Spec)
			}
		}
	}
	return false
}

// Traverse returns the nodes reachable from roots in post-order:
// every node appears after all of its dependencies.
// Each node appears once.
func Traverse(roots ...*Concrete) []*Concrete {
	type frame struct {
		node *Concrete
		next int
	}
	var order []*Concrete
	visited := make(map[*Concrete]struct{})
	var stack []frame
	for _, root := range roots {
		if _, ok := visited[root]; ok {
			continue
		}
		visited[root] = struct{}{}
		stack = append(stack, frame{node: root})
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next < len(top.node.Deps) {
				dep := top.node.Deps[top.next].Spec
				top.next++
				if _, ok := visited[dep]; !ok {
					visited[dep] = struct{}{}
					stack = append(stack, frame{node: dep})
				}
				continue
			}
			order = append(order, top.node)
			stack = stack[:len(stack)-1]
		}
	}
	return order
}

// String formats c and all of its transitive dependencies
// as a spec that c satisfies.
func (c *Concrete) String() string {
	sb := new(strings.Builder)
	c.appendNode(sb)
	nodes := Traverse(c)
	nodes = nodes[:len(nodes)-1]
	slices.SortFunc(nodes, func(a, b *Concrete) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(string(a.Hash), string(b.Hash))
	})
	for _, dep := range nodes {
		sb.WriteString(" ^")
		dep.appendNode(sb)
	}
	return sb.String()
}

// NodeString formats c's own attributes without dependencies.
func (c *Concrete) NodeString() string {
	sb := new(strings.Builder)
	c.appendNode(sb)
	return sb.String()
}

func (c *Concrete) appendNode(sb *strings.Builder) {
	sb.WriteString(c.Name)
	sb.WriteString("@=")
	sb.WriteString(string(c.Version))
	if c.Compiler.Name != "" {
		sb.WriteString("%")
		sb.WriteString(c.Compiler.String())
	}
	names := c.VariantNames()
	for _, name := range names {
		if v := c.Variants[name]; isBoolValue(v) {
			if v[0] == True {
				sb.WriteString("+")
			} else {
				sb.WriteString("~")
			}
			sb.WriteString(name)
		}
	}
	for _, name := range names {
		if v := c.Variants[name]; !isBoolValue(v) {
			sb.WriteString(" ")
			sb.WriteString(name)
			sb.WriteString("=")
			sb.WriteString(v.String())
		}
	}
	if !c.Arch.IsZero() {
		sb.WriteString(" arch=")
		sb.WriteString(c.Arch.String())
	}
}

func isBoolValue(v VariantValue) bool {
	return len(v) == 1 && (v[0] == True || v[0] == False)
}

// Tree formats c's dependency graph as an indented tree,
// one node per line prefixed by its short hash.
// Nodes that were already printed are not expanded again.
func (c *Concrete) Tree() string {
	type frame struct {
		edge  *Edge
		depth int
	}
	sb := new(strings.Builder)
	printed := make(map[*Concrete]bool)
	stack := []frame{{edge: &Edge{Spec: c}}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node := f.edge.Spec
		sb.WriteString(node.Hash.Short())
		sb.WriteString("  ")
		sb.WriteString(strings.Repeat("    ", f.depth))
		if f.depth > 0 {
			sb.WriteString("^")
		}
		sb.WriteString(node.NodeString())
		if node.External != "" {
			sb.WriteString(" (external ")
			sb.WriteString(node.External)
			sb.WriteString(")")
		}
		if f.edge.Types != 0 {
			sb.WriteString(" [")
			sb.WriteString(f.edge.Types.String())
			if len(f.edge.Virtuals) > 0 {
				sb.WriteString(" virtuals=")
				sb.WriteString(strings.Join(f.edge.Virtuals, ","))
			}
			sb.WriteString("]")
		}
		sb.WriteString("\n")
		if printed[node] {
			continue
		}
		printed[node] = true
		for i := len(node.Deps) - 1; i >= 0; i-- {
			stack = append(stack, frame{edge: node.Deps[i], depth: f.depth + 1})
		}
	}
	return sb.String()
}
