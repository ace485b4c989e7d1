// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"pin.256lights.llc/pkg/internal/concretize"
	"pin.256lights.llc/pkg/pinspec"
	"zombiezen.com/go/log"
)

// concretizeOptions is the set of flags shared by commands that concretize specs.
type concretizeOptions struct {
	fresh    bool
	lockfile string
	specs    []string
}

func (opts *concretizeOptions) addFlags(c *cobra.Command, g *globalConfig) {
	c.Flags().Var(newEnumFlag(&g.Strategy, "strategy", concretize.ParseStrategy), "strategy", "solving `strategy` (exhaustive or heuristic)")
	c.Flags().Var(newEnumFlag(&g.Reuse, "policy", concretize.ParseReusePolicy), "reuse", "prefer installed specs (reuse) or the newest versions (newest)")
	c.Flags().Var(newEnumFlag(&g.Unify, "policy", concretize.ParseUnifyPolicy), "unify", "solve roots together or separately")
	c.Flags().Var(newEnumFlag(&g.Tests, "policy", concretize.ParseTestPolicy), "test", "include test dependencies for none, roots, or all packages")
	c.Flags().StringVar(&g.Compiler, "compiler", g.Compiler, "default compiler `spec` (e.g. gcc@12)")
	c.Flags().Var(providerFlag{&g.Providers}, "provider", "prefer `virtual=provider` (can be passed multiple times)")
	c.Flags().BoolVar(&opts.fresh, "fresh", false, "do not reuse installed specs")
}

type specOptions struct {
	concretizeOptions
	output string
}

func newSpecCommand(g *globalConfig, name string) *cobra.Command {
	c := &cobra.Command{
		Use:                   name + " [options] SPEC [...]",
		Short:                 "concretize specs and show the result",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	if name != "spec" {
		c.Short = "concretize specs into a lock-file"
	}
	opts := new(specOptions)
	opts.addFlags(c, g)
	c.Flags().StringVarP(&opts.output, "output", "o", "", "write a lock-file to `path` (- for stdout)")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.specs = args
		return runSpec(cmd.Context(), g, opts)
	}
	return c
}

func runSpec(ctx context.Context, g *globalConfig, opts *specOptions) error {
	dag, requests, err := concretizeRequest(ctx, g, &opts.concretizeOptions)
	if err != nil {
		return err
	}
	if opts.output != "-" {
		for _, root := range dag.Roots {
			fmt.Print(root.Tree())
		}
	}
	if opts.output == "" {
		return nil
	}
	return writeLockfile(opts.output, dag, requests)
}

// concretizeRequest returns the graph for opts.
// If opts.lockfile is set, the graph is read from the lock-file
// instead of solving.
func concretizeRequest(ctx context.Context, g *globalConfig, opts *concretizeOptions) (*pinspec.DAG, []*pinspec.Spec, error) {
	if opts.lockfile != "" {
		if len(opts.specs) > 0 {
			return nil, nil, fmt.Errorf("cannot pass both specs and a lock-file")
		}
		return readLockfile(opts.lockfile)
	}
	if len(opts.specs) == 0 {
		return nil, nil, fmt.Errorf("no specs given")
	}
	roots, err := pinspec.ParseMany(strings.Join(opts.specs, " "))
	if err != nil {
		return nil, nil, err
	}
	cat, err := g.loadCatalog()
	if err != nil {
		return nil, nil, err
	}
	log.Debugf(ctx, "Loaded catalog: %v", cat)
	cfg, err := g.solverConfig()
	if err != nil {
		return nil, nil, err
	}

	var installed []*pinspec.Concrete
	if !opts.fresh {
		installed, err = installedSpecs(ctx, g)
		if err != nil {
			return nil, nil, err
		}
	}
	dag, err := concretize.Solve(ctx, roots, cat, installed, cfg)
	if err != nil {
		return nil, nil, err
	}
	return dag, roots, nil
}

// installedSpecs returns the specs in the install index.
// A missing index is treated as empty.
func installedSpecs(ctx context.Context, g *globalConfig) ([]*pinspec.Concrete, error) {
	if _, err := os.Stat(g.indexPath()); os.IsNotExist(err) {
		return nil, nil
	}
	db, err := g.openIndex()
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return db.Installed(ctx)
}

func readLockfile(path string) (*pinspec.DAG, []*pinspec.Spec, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, err
		}
		defer f.Close()
		r = f
	}
	dag, requests, err := pinspec.ReadLockfile(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	return dag, requests, nil
}

func writeLockfile(path string, dag *pinspec.DAG, requests []*pinspec.Spec) error {
	if path == "-" {
		return pinspec.WriteLockfile(os.Stdout, dag, requests)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := pinspec.WriteLockfile(f, dag, requests); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %v", path, err)
	}
	return f.Close()
}
