// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package pinspec

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"pin.256lights.llc/pkg/internal/aterm"
	"pin.256lights.llc/pkg/internal/system"
	"zombiezen.com/go/nix"
)

// Hash is the content hash of a concrete spec:
// the nix-base32 encoding of a SHA-256 digest.
type Hash string

// ShortHashLength is the number of characters in [Hash.Short].
const ShortHashLength = 7

// Short returns the abbreviated form of the hash used in listings.
func (h Hash) Short() string {
	if len(h) <= ShortHashLength {
		return string(h)
	}
	return string(h[:ShortHashLength])
}

// String returns string(h).
func (h Hash) String() string {
	return string(h)
}

// IsZero reports whether h is the empty string.
func (h Hash) IsZero() bool {
	return h == ""
}

const canonicalConstructor = "Spec"

// NodeRecord is a concrete node with its dependencies referenced by hash.
// It is the unit of storage in lock-files and the install index.
type NodeRecord struct {
	Name     string                  `json:"name"`
	Version  Version                 `json:"version"`
	Compiler CompilerID              `json:"compiler"`
	Arch     system.System           `json:"arch"`
	Variants map[string]VariantValue `json:"variants,omitempty"`
	Deps     []EdgeRecord            `json:"deps,omitempty"`
	External string                  `json:"external,omitempty"`
}

// EdgeRecord is a dependency edge of a [NodeRecord].
type EdgeRecord struct {
	Hash     Hash     `json:"hash"`
	Name     string   `json:"name"`
	Types    DepTypes `json:"types"`
	Virtuals []string `json:"virtuals,omitempty"`
}

// Record returns c's node record.
// Every dependency must already be hashed.
func (c *Concrete) Record() *NodeRecord {
	r := &NodeRecord{
		Name:     c.Name,
		Version:  c.Version,
		Compiler: c.Compiler,
		Arch:     c.Arch,
		Variants: c.Variants,
		External: c.External,
	}
	for _, e := range c.Deps {
		r.Deps = append(r.Deps, EdgeRecord{
			Hash:     e.Spec.Hash,
			Name:     e.Spec.Name,
			Types:    e.Types,
			Virtuals: e.Virtuals,
		})
	}
	return r
}

// MarshalText returns the canonical ATerm encoding of the record.
// Variants and edges are emitted in sorted order,
// so two records with the same content always encode the same way.
// The external prefix is appended as a seventh element only when set.
func (r *NodeRecord) MarshalText() ([]byte, error) {
	if r.Name == "" || r.Version == "" {
		return nil, fmt.Errorf("marshal %s: not concrete", r.describe())
	}
	if r.External != "" && len(r.Deps) > 0 {
		return nil, fmt.Errorf("marshal %s: external spec has dependencies", r.describe())
	}
	variants := aterm.NewList()
	for _, name := range slices.Sorted(maps.Keys(r.Variants)) {
		variants.Elems = append(variants.Elems, aterm.NewTuple(
			aterm.Str(name),
			aterm.Strings(r.Variants[name]),
		))
	}
	edges := slices.Clone(r.Deps)
	slices.SortFunc(edges, func(a, b EdgeRecord) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(string(a.Hash), string(b.Hash))
	})
	deps := aterm.NewList()
	for _, e := range edges {
		if e.Hash == "" {
			return nil, fmt.Errorf("marshal %s: dependency %s is not hashed", r.describe(), e.Name)
		}
		deps.Elems = append(deps.Elems, aterm.NewTuple(
			aterm.Str(string(e.Hash)),
			aterm.Str(e.Name),
			aterm.Strings(e.Types.Names()),
			aterm.Strings(e.Virtuals),
		))
	}
	elems := []aterm.Term{
		aterm.Str(r.Name),
		aterm.Str(string(r.Version)),
		aterm.NewTuple(aterm.Str(r.Compiler.Name), aterm.Str(string(r.Compiler.Version))),
		aterm.NewTuple(aterm.Str(r.Arch.Platform), aterm.Str(r.Arch.OS), aterm.Str(r.Arch.Target)),
		variants,
		deps,
	}
	if r.External != "" {
		elems = append(elems, aterm.Str(r.External))
	}
	term := aterm.Cons(canonicalConstructor, elems...)
	return term.Append(nil), nil
}

// UnmarshalText decodes the canonical ATerm encoding produced by [NodeRecord.MarshalText].
func (r *NodeRecord) UnmarshalText(data []byte) error {
	term, err := aterm.Parse(data)
	if err != nil {
		return fmt.Errorf("unmarshal spec record: %v", err)
	}
	if term.Kind != aterm.Tuple || term.Name != canonicalConstructor || (len(term.Elems) != 6 && len(term.Elems) != 7) {
		return fmt.Errorf("unmarshal spec record: not a %s(...) term", canonicalConstructor)
	}
	strs, err := tupleStrings(term.Elems[:2], 2)
	if err != nil {
		return fmt.Errorf("unmarshal spec record: %v", err)
	}
	compiler, err := tupleStrings(term.Elems[2].Elems, 2)
	if err != nil || term.Elems[2].Kind != aterm.Tuple {
		return fmt.Errorf("unmarshal spec record: compiler: malformed")
	}
	arch, err := tupleStrings(term.Elems[3].Elems, 3)
	if err != nil || term.Elems[3].Kind != aterm.Tuple {
		return fmt.Errorf("unmarshal spec record: arch: malformed")
	}
	*r = NodeRecord{
		Name:     strs[0],
		Version:  Version(strs[1]),
		Compiler: CompilerID{Name: compiler[0], Version: Version(compiler[1])},
		Arch:     system.System{Platform: arch[0], OS: arch[1], Target: arch[2]},
	}

	if term.Elems[4].Kind != aterm.List {
		return fmt.Errorf("unmarshal spec record %s: variants: not a list", r.Name)
	}
	for _, v := range term.Elems[4].Elems {
		if v.Kind != aterm.Tuple || len(v.Elems) != 2 || v.Elems[0].Kind != aterm.String {
			return fmt.Errorf("unmarshal spec record %s: variants: malformed", r.Name)
		}
		values, err := v.Elems[1].StringList()
		if err != nil {
			return fmt.Errorf("unmarshal spec record %s: variant %s: %v", r.Name, v.Elems[0].Value, err)
		}
		if r.Variants == nil {
			r.Variants = make(map[string]VariantValue)
		}
		r.Variants[v.Elems[0].Value] = values
	}

	if term.Elems[5].Kind != aterm.List {
		return fmt.Errorf("unmarshal spec record %s: deps: not a list", r.Name)
	}
	for _, d := range term.Elems[5].Elems {
		if d.Kind != aterm.Tuple || len(d.Elems) != 4 {
			return fmt.Errorf("unmarshal spec record %s: deps: malformed", r.Name)
		}
		ids, err := tupleStrings(d.Elems[:2], 2)
		if err != nil {
			return fmt.Errorf("unmarshal spec record %s: deps: %v", r.Name, err)
		}
		typeNames, err := d.Elems[2].StringList()
		if err != nil {
			return fmt.Errorf("unmarshal spec record %s: dependency %s: %v", r.Name, ids[1], err)
		}
		types, err := ParseDepTypes(strings.Join(typeNames, ","))
		if err != nil {
			return fmt.Errorf("unmarshal spec record %s: dependency %s: %v", r.Name, ids[1], err)
		}
		virtuals, err := d.Elems[3].StringList()
		if err != nil {
			return fmt.Errorf("unmarshal spec record %s: dependency %s: %v", r.Name, ids[1], err)
		}
		if len(virtuals) == 0 {
			virtuals = nil
		}
		r.Deps = append(r.Deps, EdgeRecord{
			Hash:     Hash(ids[0]),
			Name:     ids[1],
			Types:    types,
			Virtuals: virtuals,
		})
	}

	if len(term.Elems) == 7 {
		ext := term.Elems[6]
		if ext.Kind != aterm.String || ext.Value == "" {
			return fmt.Errorf("unmarshal spec record %s: external: malformed", r.Name)
		}
		r.External = ext.Value
	}
	return nil
}

func tupleStrings(elems []aterm.Term, n int) ([]string, error) {
	if len(elems) != n {
		return nil, fmt.Errorf("expected %d elements, found %d", n, len(elems))
	}
	strs := make([]string, n)
	for i, e := range elems {
		if e.Kind != aterm.String {
			return nil, fmt.Errorf("element %d is a %v", i, e.Kind)
		}
		strs[i] = e.Value
	}
	return strs, nil
}

// ComputeHash returns the hash of the record's canonical encoding.
func (r *NodeRecord) ComputeHash() (Hash, error) {
	data, err := r.MarshalText()
	if err != nil {
		return "", err
	}
	h := nix.NewHasher(nix.SHA256)
	h.WriteString("pin-spec:")
	h.Write(data)
	return Hash(h.SumHash().RawBase32()), nil
}

// ComputeHash returns the hash of c's pinned attributes and dependency edges.
// Every dependency must already be hashed.
func ComputeHash(c *Concrete) (Hash, error) {
	return c.Record().ComputeHash()
}

func (r *NodeRecord) describe() string {
	if r.Name == "" {
		return "spec"
	}
	return r.Name
}

// Reconstruct builds the concrete graph rooted at roots from hash-keyed records.
// Every record's hash is recomputed and must match its key.
// Nodes are shared between roots.
func Reconstruct(records map[Hash]*NodeRecord, roots []Hash) ([]*Concrete, error) {
	nodes := make(map[Hash]*Concrete, len(records))
	type frame struct {
		hash     Hash
		expanded bool
	}
	var result []*Concrete
	onStack := make(map[Hash]bool)
	for _, root := range roots {
		stack := []frame{{hash: root}}
		for len(stack) > 0 {
			f := stack[len(stack)-1]
			if _, done := nodes[f.hash]; done {
				stack = stack[:len(stack)-1]
				continue
			}
			rec := records[f.hash]
			if rec == nil {
				return nil, fmt.Errorf("reconstruct: missing record for %s", f.hash)
			}
			if !f.expanded {
				stack[len(stack)-1].expanded = true
				onStack[f.hash] = true
				for i := len(rec.Deps) - 1; i >= 0; i-- {
					dh := rec.Deps[i].Hash
					if onStack[dh] {
						return nil, fmt.Errorf("reconstruct: cycle through %s/%s", rec.Name, f.hash.Short())
					}
					if _, done := nodes[dh]; !done {
						stack = append(stack, frame{hash: dh})
					}
				}
				continue
			}
			stack = stack[:len(stack)-1]
			delete(onStack, f.hash)
			c := &Concrete{
				Name:     rec.Name,
				Version:  rec.Version,
				Compiler: rec.Compiler,
				Arch:     rec.Arch,
				Variants: rec.Variants,
				External: rec.External,
			}
			for _, e := range rec.Deps {
				dep := nodes[e.Hash]
				if dep.Name != e.Name {
					return nil, fmt.Errorf("reconstruct %s: dependency %s is named %s", rec.Name, e.Hash, dep.Name)
				}
				c.Deps = append(c.Deps, &Edge{Spec: dep, Types: e.Types, Virtuals: e.Virtuals})
			}
			slices.SortFunc(c.Deps, func(a, b *Edge) int {
				return strings.Compare(a.Spec.Name, b.Spec.Name)
			})
			h, err := ComputeHash(c)
			if err != nil {
				return nil, fmt.Errorf("reconstruct: %v", err)
			}
			if h != f.hash {
				return nil, fmt.Errorf("reconstruct %s: content hashes to %s, recorded as %s", rec.Name, h, f.hash)
			}
			c.Hash = h
			nodes[f.hash] = c
		}
		result = append(result, nodes[root])
	}
	return result, nil
}
