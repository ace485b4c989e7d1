// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

// Package dagbuild turns a solver's assignment into an immutable [pinspec.DAG].
// It validates that every node is fully pinned and the graph is acyclic,
// checks variants against the catalog when one is given,
// computes hashes bottom-up, and interns nodes with equal hashes
// so that identical subtrees are shared.
package dagbuild

import (
	"fmt"
	"slices"
	"strings"

	"pin.256lights.llc/pkg/internal/catalog"
	"pin.256lights.llc/pkg/internal/system"
	"pin.256lights.llc/pkg/pinspec"
)

// Node is a solver-assigned package node.
type Node struct {
	Name     string
	Version  pinspec.Version
	Compiler pinspec.CompilerID
	Arch     system.System
	Variants map[string]pinspec.VariantValue
	Deps     []*Dep
	// Reused is the hash of the installed spec this node was taken from, if any.
	// The built node must hash to the same value.
	Reused pinspec.Hash
	// External is the prefix of an installation managed outside pin, if any.
	External string
}

// Dep is an edge from a [Node] to one of its dependencies.
type Dep struct {
	Node     *Node
	Types    pinspec.DepTypes
	Virtuals []string
}

// InvariantViolation is returned by [Build] when an assignment is malformed.
// It indicates a bug in the solver, not a problem with the user's request.
type InvariantViolation struct {
	Node string
	Msg  string
}

func (e *InvariantViolation) Error() string {
	if e.Node == "" {
		return "internal invariant violation: " + e.Msg
	}
	return fmt.Sprintf("internal invariant violation: %s: %s", e.Node, e.Msg)
}

func violationf(node string, format string, args ...any) error {
	return &InvariantViolation{Node: node, Msg: fmt.Sprintf(format, args...)}
}

// Options holds optional parameters for [Build].
type Options struct {
	// Catalog, if not nil, is used to check that every node
	// that was not reused has a value for exactly the variants
	// its package declares and that apply to it.
	Catalog catalog.Catalog
}

// Build validates the assignment rooted at roots and returns the hashed graph.
// Roots appear in the returned DAG in the same order.
func Build(roots []*Node, opts *Options) (*pinspec.DAG, error) {
	if len(roots) == 0 {
		return nil, violationf("", "no roots")
	}
	if opts == nil {
		opts = new(Options)
	}
	b := &builder{
		cat:    opts.Catalog,
		built:  make(map[*Node]*pinspec.Concrete),
		intern: make(map[pinspec.Hash]*pinspec.Concrete),
	}
	result := make([]*pinspec.Concrete, 0, len(roots))
	for _, root := range roots {
		if root == nil {
			return nil, violationf("", "nil root")
		}
		c, err := b.build(root)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return pinspec.NewDAG(result...), nil
}

type builder struct {
	cat    catalog.Catalog
	built  map[*Node]*pinspec.Concrete
	intern map[pinspec.Hash]*pinspec.Concrete
}

// build converts the graph under root in post-order using an explicit stack.
func (b *builder) build(root *Node) (*pinspec.Concrete, error) {
	onStack := make(map[*Node]bool)
	stack := []buildFrame{{node: root}}
	onStack[root] = true
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(top.node.Deps) {
			d := top.node.Deps[top.next]
			top.next++
			if d == nil || d.Node == nil {
				return nil, violationf(top.node.Name, "edge to nil node")
			}
			if onStack[d.Node] {
				return nil, violationf(top.node.Name, "dependency cycle through %s", cyclePath(stack, d.Node))
			}
			if _, done := b.built[d.Node]; !done {
				onStack[d.Node] = true
				stack = append(stack, buildFrame{node: d.Node})
			}
			continue
		}
		n := top.node
		stack = stack[:len(stack)-1]
		delete(onStack, n)
		c, err := b.finish(n)
		if err != nil {
			return nil, err
		}
		b.built[n] = c
	}
	return b.built[root], nil
}

type buildFrame struct {
	node *Node
	next int
}

func cyclePath(stack []buildFrame, target *Node) string {
	var names []string
	for i := len(stack) - 1; i >= 0; i-- {
		names = append(names, stack[i].node.Name)
		if stack[i].node == target {
			break
		}
	}
	slices.Reverse(names)
	return strings.Join(append(names, target.Name), " -> ")
}

// finish validates a node whose dependencies have been built,
// then hashes and interns it.
func (b *builder) finish(n *Node) (*pinspec.Concrete, error) {
	if err := validate(n); err != nil {
		return nil, err
	}
	c := &pinspec.Concrete{
		Name:     n.Name,
		Version:  n.Version,
		Compiler: n.Compiler,
		Arch:     n.Arch,
		Variants: n.Variants,
		External: n.External,
	}
	for _, d := range n.Deps {
		c.Deps = append(c.Deps, &pinspec.Edge{
			Spec:     b.built[d.Node],
			Types:    d.Types,
			Virtuals: normalizeVirtuals(d.Virtuals),
		})
	}
	slices.SortFunc(c.Deps, func(a, b *pinspec.Edge) int {
		return strings.Compare(a.Spec.Name, b.Spec.Name)
	})
	if b.cat != nil && n.Reused == "" {
		if err := checkVariants(b.cat, c); err != nil {
			return nil, err
		}
	}
	h, err := pinspec.ComputeHash(c)
	if err != nil {
		return nil, violationf(n.Name, "%v", err)
	}
	if n.Reused != "" && h != n.Reused {
		return nil, violationf(n.Name, "reused spec %s rebuilt with hash %s", n.Reused.Short(), h.Short())
	}
	if existing := b.intern[h]; existing != nil {
		return existing, nil
	}
	c.Hash = h
	b.intern[h] = c
	return c, nil
}

func validate(n *Node) error {
	if n.Name == "" {
		return violationf("", "node without a name")
	}
	if n.Version == "" {
		return violationf(n.Name, "version not pinned")
	}
	if n.Compiler.Name == "" || n.Compiler.Version == "" {
		return violationf(n.Name, "compiler not pinned")
	}
	if n.Arch.Platform == "" || n.Arch.OS == "" || n.Arch.Target == "" {
		return violationf(n.Name, "architecture %q not pinned", n.Arch)
	}
	for name, v := range n.Variants {
		if len(v) == 0 {
			return violationf(n.Name, "variant %s has no value", name)
		}
		if !slices.IsSorted(v) {
			return violationf(n.Name, "variant %s values not sorted", name)
		}
	}
	if n.External != "" && len(n.Deps) > 0 {
		return violationf(n.Name, "external at %s has dependencies", n.External)
	}
	seen := make(map[string]bool, len(n.Deps))
	for _, d := range n.Deps {
		if seen[d.Node.Name] {
			return violationf(n.Name, "two edges to %s", d.Node.Name)
		}
		seen[d.Node.Name] = true
		if d.Types == 0 {
			return violationf(n.Name, "edge to %s has no dependency kinds", d.Node.Name)
		}
	}
	return nil
}

// checkVariants verifies that c has a value for every variant
// its package declares whose condition holds, and no others.
func checkVariants(cat catalog.Catalog, c *pinspec.Concrete) error {
	pkg, err := cat.Package(c.Name)
	if err != nil {
		return violationf(c.Name, "%v", err)
	}
	for name, v := range c.Variants {
		decl := pkg.Variant(name)
		if decl == nil {
			return violationf(c.Name, "variant %s is not declared", name)
		}
		if !decl.Allows(v) {
			return violationf(c.Name, "variant %s=%v is not allowed", name, v)
		}
	}
	for _, decl := range pkg.Variants {
		_, present := c.Variants[decl.Name]
		applies := decl.When == nil || c.SatisfiesNode(decl.When)
		switch {
		case applies && !present:
			return violationf(c.Name, "variant %s has no value", decl.Name)
		case !applies && present:
			return violationf(c.Name, "variant %s is set but its condition %v does not hold", decl.Name, decl.When)
		}
	}
	return nil
}

func normalizeVirtuals(v []string) []string {
	if len(v) == 0 {
		return nil
	}
	v = slices.Clone(v)
	slices.Sort(v)
	return slices.Compact(v)
}
