// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package concretize

import (
	"context"
	"errors"
	"slices"

	"zombiezen.com/go/log"
)

// explain shrinks the set of constraints blamed by a failed search
// to a minimal set that is still unsatisfiable.
// It runs a deletion filter:
// each constraint is dropped in turn
// and kept out if the request remains unsatisfiable without it.
// minimal is false if some re-solve exceeded its step budget.
func (s *solver) explain(ctx context.Context, blame *blameSet) (core []string, minimal bool, err error) {
	universe := slices.Clone(s.keyOrder)
	unsat := func(enforced []string) (result, known bool, err error) {
		on := make(map[string]bool, len(enforced))
		for _, k := range enforced {
			on[k] = true
		}
		disabled := make(map[string]bool)
		for _, k := range universe {
			if !on[k] {
				disabled[k] = true
			}
		}
		sub := newSolver(s.roots, s.cat, s.reuse, s.cfg, disabled)
		sub.pkgCache = s.pkgCache
		sub.maxSteps = s.cfg.maxExplainSteps()
		st, _, err := sub.search(ctx, false)
		if errors.Is(err, errStepLimit) {
			return false, false, nil
		}
		if err != nil {
			return false, false, err
		}
		return st == nil, true, nil
	}

	for _, k := range blame.keys {
		if _, ok := s.info[k]; ok {
			core = append(core, k)
		}
	}
	result, known, err := unsat(core)
	if err != nil {
		return nil, false, err
	}
	if !result || !known {
		log.Debugf(ctx, "Blamed constraints %v are satisfiable; minimizing all %d constraints", core, len(universe))
		core = universe
	}

	minimal = true
	for i := 0; i < len(core); {
		trial := slices.Delete(slices.Clone(core), i, i+1)
		result, known, err := unsat(trial)
		if err != nil {
			return nil, false, err
		}
		switch {
		case !known:
			minimal = false
			i++
		case result:
			core = trial
		default:
			i++
		}
	}
	log.Debugf(ctx, "Minimal conflicting constraints: %v", core)
	return core, minimal, nil
}
