// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package scheduler

import (
	"errors"
	"fmt"
	"time"

	"pin.256lights.llc/pkg/internal/lockmgr"
	"pin.256lights.llc/pkg/pinspec"
)

// State is the state of a task.
type State int8

// Task states.
const (
	Pending State = iota
	WaitingOnDeps
	Ready
	LockedElsewhere
	Building
	Installed
	Failed
	SkippedCached
	// Skipped is used for tasks that never ran
	// because a dependency failed or the run was aborted.
	Skipped
)

var stateNames = [...]string{
	Pending:         "pending",
	WaitingOnDeps:   "waiting-on-deps",
	Ready:           "ready",
	LockedElsewhere: "locked-elsewhere",
	Building:        "building",
	Installed:       "installed",
	Failed:          "failed",
	SkippedCached:   "skipped-cached",
	Skipped:         "skipped",
}

// String returns the state's name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int8(s))
	}
	return stateNames[s]
}

// IsTerminal reports whether s is a final state.
func (s State) IsTerminal() bool {
	return s >= Installed
}

// IsSuccess reports whether s is a final state that dependents can build on.
func (s State) IsSuccess() bool {
	return s == Installed || s == SkippedCached
}

// TaskResult is the outcome of one task.
type TaskResult struct {
	Spec  *pinspec.Concrete
	State State
	// Prefix is the installed prefix for successful tasks.
	Prefix string
	// Err is set for Failed and Skipped tasks.
	Err error
	// LockRetries is the number of times a lock wait timed out and was retried.
	LockRetries int
	Duration    time.Duration
}

// BuildError is the error of a task whose builder failed.
type BuildError struct {
	Spec *pinspec.Concrete
	Err  error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s/%s: %v", e.Spec.Name, e.Spec.Hash.Short(), e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// DependencyError is the error of a task skipped because a dependency did not succeed.
type DependencyError struct {
	Spec *pinspec.Concrete
	Dep  *pinspec.Concrete
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s/%s: dependency %s/%s was not installed",
		e.Spec.Name, e.Spec.Hash.Short(), e.Dep.Name, e.Dep.Hash.Short())
}

// Outcome summarizes a run.
type Outcome int8

const (
	// Success means every task was installed or already present.
	Success Outcome = iota
	// PartialFailure means at least one task failed or was skipped.
	PartialFailure
	// LockTimeoutAbort means at least one task failed
	// because it could not acquire a lock after all retries.
	LockTimeoutAbort
)

// String returns a short description of the outcome.
func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case PartialFailure:
		return "partial failure"
	case LockTimeoutAbort:
		return "lock timeout"
	default:
		return fmt.Sprintf("Outcome(%d)", int8(o))
	}
}

// Report is the result of [Scheduler.Run].
type Report struct {
	// Results holds every task's result in the order the tasks finished.
	Results []*TaskResult
	byHash  map[pinspec.Hash]*TaskResult
}

// Result returns the result for the node with the given hash
// or nil if the node was not part of the run.
func (r *Report) Result(hash pinspec.Hash) *TaskResult {
	return r.byHash[hash]
}

// Count returns the number of tasks that finished in the given state.
func (r *Report) Count(state State) int {
	n := 0
	for _, res := range r.Results {
		if res.State == state {
			n++
		}
	}
	return n
}

// Outcome summarizes the results.
func (r *Report) Outcome() Outcome {
	outcome := Success
	for _, res := range r.Results {
		if res.State.IsSuccess() {
			continue
		}
		if errors.Is(res.Err, lockmgr.ErrTimeout) {
			return LockTimeoutAbort
		}
		outcome = PartialFailure
	}
	return outcome
}

// Err returns the errors of the failed tasks joined together
// or nil if no task failed.
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.State == Failed {
			errs = append(errs, res.Err)
		}
	}
	return errors.Join(errs...)
}
