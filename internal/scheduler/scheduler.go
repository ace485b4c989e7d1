// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

// Package scheduler installs concrete dependency graphs.
// It turns a graph into a task per node,
// runs the tasks on a bounded worker pool in dependency order,
// and coordinates with other processes through a lock manager
// and a shared install index.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"pin.256lights.llc/pkg/internal/buildcache"
	"pin.256lights.llc/pkg/internal/installdb"
	"pin.256lights.llc/pkg/internal/lockmgr"
	"pin.256lights.llc/pkg/pinspec"
	"zombiezen.com/go/log"
)

// BuildRequest is the input to a [Builder].
type BuildRequest struct {
	Spec *pinspec.Concrete
	// Prefix is the empty directory the builder installs into.
	// It is moved to its final location after the build succeeds.
	Prefix string
	// DepPrefixes maps the hash of every node in Spec's dependency closure
	// to its installed prefix.
	DepPrefixes map[pinspec.Hash]string
	RunID       uuid.UUID
	// RunTests is set if the package's tests should run after it is built.
	// A test failure fails the build.
	RunTests bool
}

// Builder builds and installs a single concrete spec.
type Builder interface {
	Build(ctx context.Context, req *BuildRequest) error
}

// Index is the install index the scheduler consults and updates.
// [*installdb.DB] implements Index.
type Index interface {
	Lookup(ctx context.Context, hash pinspec.Hash) (*installdb.Entry, error)
	Record(ctx context.Context, c *pinspec.Concrete, opts *installdb.RecordOptions) error
	Prefix(name string, version pinspec.Version, hash pinspec.Hash) string
	TempDir(hash pinspec.Hash) (string, error)
	Commit(ctx context.Context, c *pinspec.Concrete, tmpDir string, opts *installdb.RecordOptions) error
}

// Cache is a source of prebuilt prefixes.
// [*buildcache.HTTPCache] implements Cache.
type Cache interface {
	// Fetch extracts the prefix for hash into the existing directory dst.
	// It returns an error wrapping [buildcache.ErrNotFound]
	// if the cache does not have the hash.
	Fetch(ctx context.Context, hash pinspec.Hash, dst string) error
}

// Options is the set of parameters to [New].
type Options struct {
	Index   Index
	Locks   *lockmgr.Manager
	Builder Builder
	// Cache is an optional source of prebuilt prefixes.
	Cache Cache
}

// FailurePolicy determines what happens to the rest of a run when a task fails.
type FailurePolicy int8

const (
	// BestEffort keeps running independent tasks
	// and skips only the dependents of a failed task.
	BestEffort FailurePolicy = iota
	// FailFast skips every task that has not started yet.
	// Builders that are already running are allowed to finish.
	FailFast
)

// TestScope selects the tasks whose package tests run after building.
type TestScope int8

const (
	// TestNone runs no tests.
	TestNone TestScope = iota
	// TestRoots runs the tests of the explicitly requested nodes.
	TestRoots
	// TestAll runs the tests of every node that is built.
	TestAll
)

// Default retry timing for lock timeouts.
const (
	DefaultRetryBackoff    = 1 * time.Second
	DefaultMaxRetryBackoff = 30 * time.Second
)

// Policy controls a single [Scheduler.Run].
type Policy struct {
	// Jobs is the maximum number of tasks to run concurrently.
	// If Jobs <= 0, runtime.NumCPU() is used.
	Jobs      int
	OnFailure FailurePolicy
	// LockRetries is the number of times a task retries
	// after its lock wait times out.
	LockRetries int
	// RetryBackoff is the delay before the first retry.
	// It doubles on every retry.
	// If zero, DefaultRetryBackoff is used.
	RetryBackoff time.Duration
	Tests        TestScope
	// OnStateChange, if not nil, is called whenever a task enters a new state.
	// It may be called concurrently from multiple goroutines.
	OnStateChange func(c *pinspec.Concrete, s State)
}

func (p *Policy) stateChanged(c *pinspec.Concrete, s State) {
	if p.OnStateChange != nil {
		p.OnStateChange(c, s)
	}
}

func (p *Policy) runTests(explicit bool) bool {
	return p.Tests == TestAll || p.Tests == TestRoots && explicit
}

// Scheduler runs install tasks.
type Scheduler struct {
	index   Index
	locks   *lockmgr.Manager
	builder Builder
	cache   Cache
}

// New returns a new scheduler.
// opts.Index and opts.Builder must not be nil.
// If opts.Locks is nil, a lock manager that only coordinates
// goroutines of the current process is used.
func New(opts *Options) *Scheduler {
	s := &Scheduler{
		index:   opts.Index,
		locks:   opts.Locks,
		builder: opts.Builder,
		cache:   opts.Cache,
	}
	if s.locks == nil {
		s.locks = new(lockmgr.Manager)
	}
	return s
}

// task is the scheduler's bookkeeping for one node.
// Fields are only accessed by the goroutine running [Scheduler.Run].
type task struct {
	node       *pinspec.Concrete
	explicit   bool
	remaining  int
	dependents []*task
	state      State
}

// Run installs every node in dag.
// The roots of dag are recorded as explicitly installed.
// onResult, if not nil, is called with each task's result as it finishes.
// Calls to onResult are made from a single goroutine.
//
// Run returns an error only if the run could not complete,
// such as when ctx is canceled.
// Task failures are reported in the returned [Report].
func (s *Scheduler) Run(ctx context.Context, dag *pinspec.DAG, policy *Policy, onResult func(*TaskResult)) (*Report, error) {
	if policy == nil {
		policy = new(Policy)
	}
	jobs := policy.Jobs
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}
	runID := uuid.New()
	order := dag.TopoOrder()
	log.Debugf(ctx, "Starting run %v with %d task(s), %d job(s)", runID, len(order), jobs)

	tasks := make(map[pinspec.Hash]*task, len(order))
	for _, n := range order {
		tasks[n.Hash] = &task{node: n}
	}
	for _, root := range dag.Roots {
		tasks[root.Hash].explicit = true
	}
	for _, n := range order {
		t := tasks[n.Hash]
		seen := make(map[pinspec.Hash]bool)
		for _, e := range n.Deps {
			if seen[e.Spec.Hash] {
				continue
			}
			seen[e.Spec.Hash] = true
			t.remaining++
			dep := tasks[e.Spec.Hash]
			dep.dependents = append(dep.dependents, t)
		}
	}

	// abortCtx is canceled when a fail-fast run sees its first failure.
	// Tasks that have not started check it before doing any work.
	abortCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	grp := new(errgroup.Group)
	grp.SetLimit(jobs)
	// Every task sends exactly one result, so sends never block.
	done := make(chan *TaskResult, len(tasks))

	report := &Report{byHash: make(map[pinspec.Hash]*TaskResult, len(tasks))}
	prefixes := make(map[pinspec.Hash]string, len(tasks))
	pending := len(tasks)

	launch := func(t *task) {
		t.state = Ready
		policy.stateChanged(t.node, Ready)
		req := &BuildRequest{
			Spec:        t.node,
			DepPrefixes: make(map[pinspec.Hash]string),
			RunID:       runID,
			RunTests:    policy.runTests(t.explicit),
		}
		for _, n := range pinspec.Traverse(t.node) {
			if n != t.node {
				req.DepPrefixes[n.Hash] = prefixes[n.Hash]
			}
		}
		explicit := t.explicit
		grp.Go(func() error {
			done <- s.runTask(ctx, abortCtx, policy, req, explicit)
			return nil
		})
	}

	var finish func(res *TaskResult)
	finish = func(res *TaskResult) {
		t := tasks[res.Spec.Hash]
		t.state = res.State
		policy.stateChanged(t.node, res.State)
		pending--
		report.Results = append(report.Results, res)
		report.byHash[res.Spec.Hash] = res
		if onResult != nil {
			onResult(res)
		}
		switch {
		case res.State.IsSuccess():
			prefixes[t.node.Hash] = res.Prefix
			for _, d := range t.dependents {
				d.remaining--
				if d.remaining > 0 || d.state != WaitingOnDeps {
					continue
				}
				if err := context.Cause(abortCtx); err != nil {
					finish(&TaskResult{Spec: d.node, State: Skipped, Err: err})
				} else {
					launch(d)
				}
			}
		default:
			if res.State == Failed && policy.OnFailure == FailFast {
				abort(fmt.Errorf("aborted after %s/%s failed", t.node.Name, t.node.Hash.Short()))
			}
			for _, d := range t.dependents {
				if d.state == WaitingOnDeps {
					finish(&TaskResult{
						Spec:  d.node,
						State: Skipped,
						Err:   &DependencyError{Spec: d.node, Dep: t.node},
					})
				}
			}
		}
	}

	for _, n := range order {
		t := tasks[n.Hash]
		if t.remaining > 0 {
			t.state = WaitingOnDeps
			policy.stateChanged(t.node, WaitingOnDeps)
		}
	}
	for _, n := range order {
		if t := tasks[n.Hash]; t.remaining == 0 && t.state == Pending {
			launch(t)
		}
	}
	for pending > 0 {
		finish(<-done)
	}
	grp.Wait()

	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("install: %w", err)
	}
	log.Debugf(ctx, "Run %v finished: %v", runID, report.Outcome())
	return report, nil
}

// runTask runs a single task.
// It is called on its own goroutine.
func (s *Scheduler) runTask(ctx, abortCtx context.Context, policy *Policy, req *BuildRequest, explicit bool) *TaskResult {
	start := time.Now()
	c := req.Spec
	res := &TaskResult{Spec: c}
	defer func() {
		res.Duration = time.Since(start)
		log.Debugf(ctx, "%s/%s: %v", c.Name, c.Hash.Short(), res.State)
	}()
	if err := context.Cause(abortCtx); err != nil {
		res.State = Skipped
		res.Err = err
		return res
	}
	opts := &installdb.RecordOptions{Explicit: explicit, RunID: req.RunID}

	if prefix, ok, err := s.installed(ctx, c, opts); err != nil {
		res.State = Failed
		res.Err = err
		return res
	} else if ok {
		res.State = SkippedCached
		res.Prefix = prefix
		return res
	}
	if c.External != "" {
		if err := s.recordExternal(ctx, c, opts); err != nil {
			res.State = Failed
			res.Err = err
			return res
		}
		res.State = Installed
		res.Prefix = c.External
		return res
	}

	tokens, retries, err := s.lockWithRetry(abortCtx, policy, c)
	res.LockRetries = retries
	if err != nil {
		res.State = Failed
		if abortCtx.Err() != nil && ctx.Err() == nil {
			res.State = Skipped
			err = context.Cause(abortCtx)
		}
		res.Err = err
		return res
	}
	defer func() {
		// Release in reverse acquisition order.
		for _, tok := range slices.Backward(tokens) {
			if err := tok.Release(); err != nil {
				log.Warnf(ctx, "%v", err)
			}
		}
	}()

	// Another process may have installed the node while we waited.
	if prefix, ok, err := s.installed(ctx, c, opts); err != nil {
		res.State = Failed
		res.Err = err
		return res
	} else if ok {
		res.State = SkippedCached
		res.Prefix = prefix
		return res
	}
	// Fetch under the exclusive lock:
	// other processes wait here instead of downloading the same archive.
	if prefix, ok, err := s.fetch(ctx, c, opts); err != nil {
		log.Warnf(ctx, "Fetching %s/%s from buildcache failed; building from source: %v", c.Name, c.Hash.Short(), err)
	} else if ok {
		res.State = SkippedCached
		res.Prefix = prefix
		return res
	}

	policy.stateChanged(c, Building)
	log.Infof(ctx, "Building %s/%s", c.Name, c.Hash.Short())
	tmpDir, err := s.index.TempDir(c.Hash)
	if err != nil {
		res.State = Failed
		res.Err = err
		return res
	}
	req.Prefix = tmpDir
	if err := s.builder.Build(ctx, req); err != nil {
		if err := os.RemoveAll(tmpDir); err != nil {
			log.Warnf(ctx, "Clean up failed build of %s: %v", c.Name, err)
		}
		res.State = Failed
		res.Err = &BuildError{Spec: c, Err: err}
		return res
	}
	if err := s.index.Commit(ctx, c, tmpDir, opts); err != nil {
		res.State = Failed
		res.Err = err
		return res
	}
	log.Infof(ctx, "Installed %s/%s", c.Name, c.Hash.Short())
	res.State = Installed
	res.Prefix = s.index.Prefix(c.Name, c.Version, c.Hash)
	return res
}

// installed reports whether c is present in the index.
// Explicitly requested nodes that are already present are marked explicit.
func (s *Scheduler) installed(ctx context.Context, c *pinspec.Concrete, opts *installdb.RecordOptions) (prefix string, ok bool, err error) {
	entry, err := s.index.Lookup(ctx, c.Hash)
	if errors.Is(err, installdb.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if opts.Explicit && !entry.Explicit {
		if err := s.index.Record(ctx, c, opts); err != nil {
			return "", false, err
		}
	}
	return entry.Prefix, true, nil
}

// recordExternal adds an external spec to the index.
// Externals are never built or fetched: their prefix must already exist.
func (s *Scheduler) recordExternal(ctx context.Context, c *pinspec.Concrete, opts *installdb.RecordOptions) error {
	if _, err := os.Stat(c.External); err != nil {
		return fmt.Errorf("external %s/%s: %v", c.Name, c.Hash.Short(), err)
	}
	if err := s.index.Record(ctx, c, opts); err != nil {
		return err
	}
	log.Infof(ctx, "Using external %s/%s at %s", c.Name, c.Hash.Short(), c.External)
	return nil
}

// fetch tries to install c from the buildcache.
func (s *Scheduler) fetch(ctx context.Context, c *pinspec.Concrete, opts *installdb.RecordOptions) (prefix string, ok bool, err error) {
	if s.cache == nil {
		return "", false, nil
	}
	tmpDir, err := s.index.TempDir(c.Hash)
	if err != nil {
		return "", false, err
	}
	if err := s.cache.Fetch(ctx, c.Hash, tmpDir); err != nil {
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			log.Warnf(ctx, "Clean up %s: %v", tmpDir, rmErr)
		}
		if errors.Is(err, buildcache.ErrNotFound) {
			log.Debugf(ctx, "%s/%s not in buildcache", c.Name, c.Hash.Short())
			return "", false, nil
		}
		return "", false, err
	}
	if err := s.index.Commit(ctx, c, tmpDir, opts); err != nil {
		return "", false, err
	}
	log.Infof(ctx, "Fetched %s/%s from buildcache", c.Name, c.Hash.Short())
	return s.index.Prefix(c.Name, c.Version, c.Hash), true, nil
}

// lockWithRetry acquires the locks for building c,
// retrying with exponential backoff when a lock wait times out.
func (s *Scheduler) lockWithRetry(ctx context.Context, policy *Policy, c *pinspec.Concrete) (_ []*lockmgr.Token, retries int, err error) {
	backoff := policy.RetryBackoff
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}
	onWait := func(holder string) {
		log.Debugf(ctx, "%s/%s: waiting for lock held by %s", c.Name, c.Hash.Short(), holderOrUnknown(holder))
		policy.stateChanged(c, LockedElsewhere)
	}
	for {
		tokens, err := s.lock(ctx, c, onWait)
		if err == nil {
			return tokens, retries, nil
		}
		if !errors.Is(err, lockmgr.ErrTimeout) || retries >= policy.LockRetries {
			return nil, retries, err
		}
		retries++
		log.Infof(ctx, "%s/%s: %v (%v); retrying in %v", c.Name, c.Hash.Short(), LockedElsewhere, err, backoff)
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, retries, ctx.Err()
		}
		backoff = min(backoff*2, DefaultMaxRetryBackoff)
	}
}

// lock acquires shared locks on c's dependency closure in topological order
// followed by an exclusive lock on c.
// Acquiring in dependency order means no process holds a lock on a dependent
// while waiting for one of its dependencies.
// onWait is called each time a lock is not immediately available.
func (s *Scheduler) lock(ctx context.Context, c *pinspec.Concrete, onWait func(holder string)) ([]*lockmgr.Token, error) {
	var tokens []*lockmgr.Token
	for _, n := range pinspec.Traverse(c) {
		mode := lockmgr.Shared
		if n == c {
			mode = lockmgr.Exclusive
		}
		tok, err := s.locks.LockWait(ctx, n.Hash, mode, onWait)
		if err != nil {
			for _, tok := range slices.Backward(tokens) {
				tok.Release()
			}
			return nil, err
		}
		tokens = append(tokens, tok)
	}
	return tokens, nil
}

func holderOrUnknown(holder string) string {
	if holder == "" {
		return "another process"
	}
	return holder
}
