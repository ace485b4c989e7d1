// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

// Package concretize turns abstract specs into a fully pinned dependency graph.
package concretize

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"

	"pin.256lights.llc/pkg/internal/catalog"
	"pin.256lights.llc/pkg/internal/dagbuild"
	"pin.256lights.llc/pkg/internal/system"
	"pin.256lights.llc/pkg/pinspec"
	"zombiezen.com/go/log"
)

// errStepLimit is returned by a search that ran out of its step budget.
var errStepLimit = errors.New("search step limit reached")

// Solve concretizes the root specs against the catalog.
// Specs in installed (and their dependencies) may be reused
// in place of building new configurations.
// If no assignment satisfies the request,
// Solve returns an error of type [*Unsatisfiable].
func Solve(ctx context.Context, roots []*pinspec.Spec, cat catalog.Catalog, installed []*pinspec.Concrete, cfg *Config) (*pinspec.DAG, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("concretize: no specs given")
	}
	if cfg == nil {
		cfg = new(Config)
	}
	for _, r := range roots {
		if r.Name == "" {
			return nil, fmt.Errorf("concretize %v: anonymous spec", r)
		}
	}
	if err := checkExternals(cat, cfg.Externals); err != nil {
		return nil, err
	}
	reuse := newReuseIndex(installed)
	if cfg.Unify == UnifySeparately && len(roots) > 1 {
		var nodes []*dagbuild.Node
		for _, r := range roots {
			rootNodes, err := solveRoots(ctx, []*pinspec.Spec{r}, cat, reuse, cfg)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, rootNodes...)
		}
		return dagbuild.Build(nodes, &dagbuild.Options{Catalog: cat})
	}
	nodes, err := solveRoots(ctx, roots, cat, reuse, cfg)
	if err != nil {
		return nil, err
	}
	return dagbuild.Build(nodes, &dagbuild.Options{Catalog: cat})
}

// checkExternals validates configured externals against the catalog.
func checkExternals(cat catalog.Catalog, externals map[string][]*catalog.External) error {
	for _, name := range slices.Sorted(maps.Keys(externals)) {
		pkg, err := cat.Package(name)
		if err != nil {
			return fmt.Errorf("concretize: externals: %w", err)
		}
		for _, ext := range externals[name] {
			if err := pkg.CheckExternal(ext); err != nil {
				return fmt.Errorf("concretize: package %s: %v", name, err)
			}
		}
	}
	return nil
}

func solveRoots(ctx context.Context, roots []*pinspec.Spec, cat catalog.Catalog, reuse *reuseIndex, cfg *Config) ([]*dagbuild.Node, error) {
	s := newSolver(roots, cat, reuse, cfg, nil)
	log.Debugf(ctx, "Concretizing %v (%v)", roots, cfg.Strategy)
	st, blame, err := s.search(ctx, cfg.Strategy == Heuristic)
	if err != nil {
		return nil, err
	}
	if st != nil {
		log.Debugf(ctx, "Found solution for %v after %d steps", roots, s.steps)
		return st.assignment(), nil
	}
	log.Debugf(ctx, "No solution for %v after %d steps", roots, s.steps)
	if cfg.Strategy == Heuristic {
		return nil, s.unsatisfiable(blame.keys, false)
	}
	core, minimal, err := s.explain(ctx, blame)
	if err != nil {
		return nil, err
	}
	return nil, s.unsatisfiable(core, minimal)
}

// solver holds the inputs shared by every state of one search.
type solver struct {
	cat      catalog.Catalog
	cfg      *Config
	roots    []*pinspec.Spec
	reuse    *reuseIndex
	arch     system.System
	disabled map[string]bool

	// info describes every constraint key seen during the search.
	info map[string]*Conflict
	// keyOrder lists keys in registration order.
	keyOrder []string

	pkgCache map[string]*catalog.Package
	steps    int
	maxSteps int
}

func newSolver(roots []*pinspec.Spec, cat catalog.Catalog, reuse *reuseIndex, cfg *Config, disabled map[string]bool) *solver {
	return &solver{
		cat:      cat,
		cfg:      cfg,
		roots:    roots,
		reuse:    reuse,
		arch:     cfg.defaultArch(),
		disabled: disabled,
		info:     make(map[string]*Conflict),
		pkgCache: make(map[string]*catalog.Package),
	}
}

func (s *solver) pkg(name string) (*catalog.Package, error) {
	if pkg := s.pkgCache[name]; pkg != nil {
		return pkg, nil
	}
	pkg, err := s.cat.Package(name)
	if err != nil {
		return nil, err
	}
	s.pkgCache[name] = pkg
	return pkg, nil
}

// externals returns the configured externals for the named package
// followed by those the catalog declares.
func (s *solver) externals(name string) []*catalog.External {
	list := s.cfg.Externals[name]
	if pkg, err := s.pkg(name); err == nil && len(pkg.Externals) > 0 {
		list = append(slices.Clip(list), pkg.Externals...)
	}
	return list
}

func buildableKey(name string) string {
	return "buildable:" + name
}

// buildable reports whether the named package may be built from source.
func (s *solver) buildable(name string) bool {
	origin := ""
	if s.cfg.NotBuildable[name] {
		origin = "configuration"
	} else if pkg, err := s.pkg(name); err == nil && pkg.NotBuildable {
		origin = "catalog"
	}
	if origin == "" {
		return true
	}
	key := buildableKey(name)
	s.register(key, name, "buildable=false", origin, CauseNotBuildable)
	return s.disabled[key]
}

// register records the description of a constraint key.
// The first registration of a key wins.
func (s *solver) register(key, node, clause, origin string, cause Cause) {
	if _, ok := s.info[key]; ok {
		return
	}
	s.info[key] = &Conflict{
		ID:     key,
		Node:   node,
		Clause: clause,
		Origin: origin,
		Cause:  cause,
	}
	s.keyOrder = append(s.keyOrder, key)
}

// blameSet accumulates the keys involved in failed branches.
type blameSet struct {
	keys   []string
	seen   map[string]bool
	causes map[string]Cause
}

func (b *blameSet) add(cf *conflict) {
	if b.seen == nil {
		b.seen = make(map[string]bool)
		b.causes = make(map[string]Cause)
	}
	for _, k := range cf.keys {
		if !b.seen[k] {
			b.seen[k] = true
			b.keys = append(b.keys, k)
		}
		if _, ok := b.causes[k]; !ok {
			b.causes[k] = cf.cause
		}
	}
}

// choicePoint is an entry on the decision stack.
type choicePoint struct {
	v     variable
	cands []candidate
	// next is the index of the next candidate to try.
	next int
	// saved is the state before the decision.
	// It is nil if there are no alternatives.
	saved *state
	// domain holds the nodes and virtuals that restricted cands.
	domain map[string]bool
	// involved accumulates the culprits of failures below this point.
	// nil with all set means every decision is involved.
	involved map[string]bool
	all      bool
}

// absorb merges a failure's culprits into the choice point.
// A nil set means every decision.
func (cp *choicePoint) absorb(set map[string]bool) {
	if set == nil {
		cp.all = true
		return
	}
	if cp.involved == nil {
		cp.involved = make(map[string]bool)
	}
	for k := range set {
		cp.involved[k] = true
	}
}

// exhausted returns the culprits of the failure of every candidate.
func (cp *choicePoint) exhausted() map[string]bool {
	if cp.all {
		return nil
	}
	set := make(map[string]bool, len(cp.involved)+len(cp.domain))
	for k := range cp.involved {
		set[k] = true
	}
	for k := range cp.domain {
		set[k] = true
	}
	return set
}

// search runs the solver until it finds a solution or exhausts the search space.
// In greedy mode, search stops at the first conflict.
// Otherwise, search backtracks to the most recent decision involved in the conflict,
// skipping decisions that could not have caused it.
// If there is no solution, search returns the keys blamed by failed branches.
func (s *solver) search(ctx context.Context, greedy bool) (*state, *blameSet, error) {
	blame := new(blameSet)
	st, cf := s.initialState()
	var stack []*choicePoint
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		s.steps++
		if s.maxSteps > 0 && s.steps > s.maxSteps {
			return nil, nil, errStepLimit
		}
		if cf == nil {
			cf = st.propagate()
		}
		if cf == nil {
			v, ok := st.nextVar()
			if !ok {
				cf = st.finalCheck()
				if cf == nil {
					return st, nil, nil
				}
			} else {
				cands, empty := st.candidates(v)
				if empty == nil {
					if !greedy {
						cp := &choicePoint{
							v:      v,
							cands:  cands,
							next:   1,
							domain: st.domainCulprits(v),
						}
						if len(cands) > 1 {
							cp.saved = st.clone()
						}
						stack = append(stack, cp)
					}
					cf = st.apply(v, cands[0])
					continue
				}
				cf = empty
			}
		}

		blame.add(cf)
		if greedy {
			s.registerBlame(blame)
			return nil, blame, nil
		}
		set := st.culprits(cf)
		for len(stack) > 0 {
			cp := stack[len(stack)-1]
			if set != nil && !set[cp.v.node] {
				stack[len(stack)-1] = nil
				stack = stack[:len(stack)-1]
				continue
			}
			cp.absorb(set)
			if cp.next < len(cp.cands) {
				break
			}
			set = cp.exhausted()
			stack[len(stack)-1] = nil
			stack = stack[:len(stack)-1]
		}
		if len(stack) == 0 {
			s.registerBlame(blame)
			return nil, blame, nil
		}
		cp := stack[len(stack)-1]
		st = cp.saved
		if cp.next < len(cp.cands)-1 {
			st = st.clone()
		} else {
			cp.saved = nil
		}
		cf = st.apply(cp.v, cp.cands[cp.next])
		cp.next++
	}
}

// registerBlame updates the causes of blamed keys
// to the cause of the conflict that first blamed them.
func (s *solver) registerBlame(blame *blameSet) {
	for _, k := range blame.keys {
		if info := s.info[k]; info != nil {
			info.Cause = blame.causes[k]
		}
	}
}

// initialState returns the state with the roots' constraints applied.
func (s *solver) initialState() (*state, *conflict) {
	st := &state{
		s:             s,
		nodes:         make(map[string]*node),
		clauses:       make(map[string][]*clause),
		providers:     make(map[string]string),
		virtualParent: make(map[string]string),
		rootNames:     make([]string, len(s.roots)),
		rootVirtuals:  make(map[int]string),

		providerSource: make(map[string]string),
	}
	for i, r := range s.roots {
		prefix := rootKey(i)
		origin := "requested " + r.String()
		if s.cat.IsVirtual(r.Name) {
			st.rootVirtuals[i] = r.Name
			st.demandVirtual("", r.Name)
		} else {
			if _, err := s.pkg(r.Name); err != nil {
				s.register(prefix, r.Name, r.Name, origin, CauseUnknownPackage)
				if s.disabled[prefix] {
					continue
				}
				return st, newConflict(CauseUnknownPackage, prefix)
			}
			n, cf := st.ensureNode(r.Name, "")
			if cf != nil {
				return st, cf
			}
			n.isRoot = true
			st.rootNames[i] = r.Name
		}
		for _, c := range splitSpec(prefix, r.Name, r) {
			if cf := st.addClause(c, origin); cf != nil {
				return st, cf
			}
		}
		for _, d := range r.Deps {
			depPrefix := rootDepKey(i, d.Spec.Name)
			s.register(depPrefix, d.Spec.Name, "^"+d.Spec.String(), origin, CauseNotADependency)
			if !s.cat.IsVirtual(d.Spec.Name) {
				if _, err := s.pkg(d.Spec.Name); err != nil && !s.reuse.has(d.Spec.Name) {
					s.info[depPrefix].Cause = CauseUnknownPackage
					if !s.disabled[depPrefix] {
						return st, newConflict(CauseUnknownPackage, depPrefix)
					}
					continue
				}
			}
			for _, c := range splitSpec(depPrefix, d.Spec.Name, d.Spec) {
				if cf := st.addClause(c, origin); cf != nil {
					return st, cf
				}
			}
		}
	}
	return st, nil
}

// requestedDep returns the key of the first enabled root "^name" constraint
// or the empty string if no root requests the package.
func (s *solver) requestedDep(name string) string {
	for i, r := range s.roots {
		if r.Dep(name) == nil {
			continue
		}
		key := rootDepKey(i, name)
		if !s.disabled[key] {
			return key
		}
	}
	return ""
}

func rootKey(i int) string {
	return "root:" + strconv.Itoa(i)
}

func rootDepKey(i int, name string) string {
	return rootKey(i) + ":^" + name
}

// unsatisfiable builds the error for a failed solve.
func (s *solver) unsatisfiable(keys []string, minimal bool) *Unsatisfiable {
	e := &Unsatisfiable{
		Roots:   s.roots,
		Minimal: minimal,
	}
	for _, k := range keys {
		if info := s.info[k]; info != nil {
			e.Constraints = append(e.Constraints, *info)
		} else {
			e.Constraints = append(e.Constraints, Conflict{ID: k, Cause: CauseConflict})
		}
	}
	slices.SortStableFunc(e.Constraints, func(a, b Conflict) int {
		return compareKeys(a.ID, b.ID)
	})
	return e
}

// compareKeys orders root constraints first, then the rest lexically.
func compareKeys(a, b string) int {
	ra, rb := isRootKey(a), isRootKey(b)
	switch {
	case ra && !rb:
		return -1
	case !ra && rb:
		return 1
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func isRootKey(k string) bool {
	return len(k) >= 5 && k[:5] == "root:"
}
