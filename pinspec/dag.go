// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package pinspec

import (
	"fmt"
	"io"
	"slices"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// DAG is a concrete dependency graph with one or more roots.
// Nodes with the same hash are the same object.
type DAG struct {
	Roots []*Concrete
	Nodes map[Hash]*Concrete
}

// NewDAG returns the graph reachable from roots.
// The nodes must already be hashed.
func NewDAG(roots ...*Concrete) *DAG {
	d := &DAG{
		Roots: roots,
		Nodes: make(map[Hash]*Concrete),
	}
	for _, n := range Traverse(roots...) {
		d.Nodes[n.Hash] = n
	}
	return d
}

// TopoOrder returns the graph's nodes with every node after its dependencies.
// The order is deterministic for a given graph.
func (d *DAG) TopoOrder() []*Concrete {
	return Traverse(d.Roots...)
}

// Dependents returns a map of node hash to the hashes of the nodes
// that depend on it directly.
func (d *DAG) Dependents() map[Hash][]Hash {
	m := make(map[Hash][]Hash)
	for _, n := range d.TopoOrder() {
		for _, e := range n.Deps {
			m[e.Spec.Hash] = append(m[e.Spec.Hash], n.Hash)
		}
	}
	return m
}

// LockfileVersion is the lock-file format written by [WriteLockfile].
const LockfileVersion = 1

// Lockfile is the serialized form of a concretized request.
type Lockfile struct {
	Version int `json:"version"`
	// Roots lists the requested abstract specs and the hash they concretized to.
	Roots []LockfileRoot       `json:"roots"`
	Nodes map[Hash]*NodeRecord `json:"nodes"`
}

// LockfileRoot is a root of a [Lockfile].
type LockfileRoot struct {
	Spec string `json:"spec"`
	Hash Hash   `json:"hash"`
}

// WriteLockfile writes the graph as a lock-file.
// requests holds the abstract spec for each root, if known.
// Output is deterministic.
func WriteLockfile(w io.Writer, d *DAG, requests []*Spec) error {
	lf := &Lockfile{
		Version: LockfileVersion,
		Nodes:   make(map[Hash]*NodeRecord, len(d.Nodes)),
	}
	for i, root := range d.Roots {
		r := LockfileRoot{Hash: root.Hash}
		if i < len(requests) && requests[i] != nil {
			r.Spec = requests[i].String()
		} else {
			r.Spec = root.Name
		}
		lf.Roots = append(lf.Roots, r)
	}
	for h, n := range d.Nodes {
		lf.Nodes[h] = n.Record()
	}
	data, err := jsonv2.Marshal(lf, jsonv2.Deterministic(true), jsontext.Multiline(true))
	if err != nil {
		return fmt.Errorf("write lock-file: %v", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write lock-file: %w", err)
	}
	return nil
}

// ReadLockfile reads a lock-file written by [WriteLockfile]
// and reconstructs its graph.
// Every node's hash is verified.
func ReadLockfile(r io.Reader) (*DAG, []*Spec, error) {
	var lf Lockfile
	if err := jsonv2.UnmarshalRead(r, &lf); err != nil {
		return nil, nil, fmt.Errorf("read lock-file: %v", err)
	}
	if lf.Version != LockfileVersion {
		return nil, nil, fmt.Errorf("read lock-file: unsupported version %d", lf.Version)
	}
	rootHashes := make([]Hash, 0, len(lf.Roots))
	requests := make([]*Spec, 0, len(lf.Roots))
	for _, r := range lf.Roots {
		rootHashes = append(rootHashes, r.Hash)
		s, err := Parse(r.Spec)
		if err != nil {
			return nil, nil, fmt.Errorf("read lock-file: root %s: %v", r.Hash, err)
		}
		requests = append(requests, s)
	}
	roots, err := Reconstruct(lf.Nodes, rootHashes)
	if err != nil {
		return nil, nil, fmt.Errorf("read lock-file: %v", err)
	}
	d := NewDAG(roots...)
	if len(d.Nodes) != len(lf.Nodes) {
		extra := 0
		for h := range lf.Nodes {
			if d.Nodes[h] == nil {
				extra++
			}
		}
		return nil, nil, fmt.Errorf("read lock-file: %d nodes unreachable from roots", extra)
	}
	return d, slices.Clip(requests), nil
}
