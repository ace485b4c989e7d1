// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"pin.256lights.llc/pkg/internal/builder"
	"pin.256lights.llc/pkg/internal/concretize"
	"pin.256lights.llc/pkg/internal/scheduler"
	"pin.256lights.llc/pkg/pinspec"
	"zombiezen.com/go/log"
)

type installOptions struct {
	concretizeOptions
	failFast     bool
	keepBuildDir bool
	noCache      bool
}

func newInstallCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "install [options] [SPEC [...]]",
		Short:                 "concretize and install specs",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ArbitraryArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(installOptions)
	opts.addFlags(c, g)
	c.Flags().Lookup("test").Usage = "include test dependencies and run post-install tests for none, roots, or all packages"
	c.Flags().StringVar(&opts.lockfile, "lockfile", "", "install the graph in the lock-file at `path` instead of solving")
	c.Flags().IntVarP(&g.Jobs, "jobs", "j", g.Jobs, "maximum number of concurrent builds (default is the number of CPUs)")
	c.Flags().BoolVar(&opts.failFast, "fail-fast", false, "stop starting new builds after the first failure")
	c.Flags().IntVar(&g.LockRetries, "lock-retries", g.LockRetries, "number of times to retry a timed out lock wait")
	c.Flags().DurationVar(&g.LockTimeout, "lock-timeout", g.LockTimeout, "maximum time to wait for a lock")
	c.Flags().StringVar(&g.LockBackend, "lock-backend", g.LockBackend, "cross-process lock `backend` (file or redis)")
	c.Flags().StringVar(&g.BuildDir, "build-dir", g.BuildDir, "`dir`ectory to create build directories in")
	c.Flags().BoolVar(&opts.keepBuildDir, "keep-build-dir", false, "do not remove build directories")
	c.Flags().BoolVar(&opts.noCache, "no-cache", false, "do not fetch from the buildcache")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.specs = args
		return runInstall(cmd.Context(), g, opts)
	}
	return c
}

func runInstall(ctx context.Context, g *globalConfig, opts *installOptions) error {
	dag, _, err := concretizeRequest(ctx, g, &opts.concretizeOptions)
	if err != nil {
		return err
	}
	cat, err := g.loadCatalog()
	if err != nil {
		return err
	}

	db, err := g.openIndex()
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()
	locks, closeLocks, err := g.lockManager()
	if err != nil {
		return err
	}
	defer func() {
		if err := closeLocks(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()

	schedOpts := &scheduler.Options{
		Index: db,
		Locks: locks,
		Builder: &builder.Exec{
			Catalog:      cat,
			BuildDir:     g.BuildDir,
			KeepBuildDir: opts.keepBuildDir,
		},
	}
	if !opts.noCache {
		cache, err := g.buildCache()
		if err != nil {
			return err
		}
		if cache != nil {
			schedOpts.Cache = cache
		}
	}
	p := newProgress(ctx, os.Stderr, term.IsTerminal(int(os.Stderr.Fd())), len(dag.Nodes))
	policy := &scheduler.Policy{
		Jobs:          g.Jobs,
		LockRetries:   g.LockRetries,
		Tests:         testScope(g.Tests),
		OnStateChange: p.stateChanged,
	}
	if opts.failFast {
		policy.OnFailure = scheduler.FailFast
	}

	report, err := scheduler.New(schedOpts).Run(ctx, dag, policy, p.result)
	if err != nil {
		return err
	}
	for _, root := range dag.Roots {
		if res := report.Result(root.Hash); res != nil && res.State.IsSuccess() {
			fmt.Println(res.Prefix)
		}
	}
	return installError(report)
}

// testScope returns the scheduler's equivalent of a test policy.
// Test dependencies and post-install tests are selected by the same setting.
func testScope(p concretize.TestPolicy) scheduler.TestScope {
	switch p {
	case concretize.TestRoots:
		return scheduler.TestRoots
	case concretize.TestAll:
		return scheduler.TestAll
	default:
		return scheduler.TestNone
	}
}

// installError converts a scheduler report into the command's error.
func installError(report *scheduler.Report) error {
	outcome := report.Outcome()
	if outcome == scheduler.Success {
		return nil
	}
	err := report.Err()
	if err == nil {
		var skipped []error
		for _, res := range report.Results {
			if res.State == scheduler.Skipped && res.Err != nil {
				skipped = append(skipped, res.Err)
			}
		}
		err = errors.Join(skipped...)
	}
	code := exitPartialFailure
	if outcome == scheduler.LockTimeoutAbort {
		code = exitLockTimeout
	}
	return &exitCodeError{code: code, err: err}
}

// progress reports task state changes and finished tasks.
type progress struct {
	ctx   context.Context
	w     io.Writer
	tty   bool
	total int

	mu   sync.Mutex
	done int
}

func newProgress(ctx context.Context, w io.Writer, tty bool, total int) *progress {
	return &progress{
		ctx:   ctx,
		w:     w,
		tty:   tty,
		total: total,
	}
}

// counter returns the "[done/total]" column.
// Lines without a count are padded to the same width.
func (p *progress) counter(count bool) string {
	width := len(fmt.Sprint(p.total))
	if !count {
		return strings.Repeat(" ", 2*width+3)
	}
	return fmt.Sprintf("[%*d/%d]", width, p.done, p.total)
}

// stateChanged reports tasks that start building or have to wait for a lock.
// Other transitions are either too frequent to be useful or reported by result.
func (p *progress) stateChanged(c *pinspec.Concrete, state scheduler.State) {
	if state != scheduler.Building && state != scheduler.LockedElsewhere {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.tty {
		log.Infof(p.ctx, "%s %s", state, nodeLabel(c))
		return
	}
	fmt.Fprintf(p.w, "%s %-16s %s\n", p.counter(false), state, nodeLabel(c))
}

func (p *progress) result(res *scheduler.TaskResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done++
	name := nodeLabel(res.Spec)
	if !p.tty {
		switch res.State {
		case scheduler.Failed:
			log.Errorf(p.ctx, "%s: %v", name, res.Err)
		case scheduler.Skipped:
			log.Warnf(p.ctx, "Skipped %s: %v", name, res.Err)
		default:
			log.Infof(p.ctx, "%s %s (%v)", res.State, name, res.Duration.Round(time.Millisecond))
		}
		return
	}
	fmt.Fprintf(p.w, "%s %-16s %s", p.counter(true), res.State, name)
	if res.Spec.External != "" {
		fmt.Fprintf(p.w, " [external %s]", res.Spec.External)
	}
	if res.Duration > 0 {
		fmt.Fprintf(p.w, " (%v)", res.Duration.Round(100*time.Millisecond))
	}
	if res.LockRetries > 0 {
		fmt.Fprintf(p.w, " [%d lock retries]", res.LockRetries)
	}
	fmt.Fprintln(p.w)
	if res.Err != nil && res.State == scheduler.Failed {
		fmt.Fprintf(p.w, "    %v\n", res.Err)
	}
}

func nodeLabel(c *pinspec.Concrete) string {
	return c.Name + "@" + string(c.Version) + "/" + c.Hash.Short()
}
