// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-graphviz"
	"github.com/spf13/cobra"
	"pin.256lights.llc/pkg/pinspec"
)

// Graph output formats.
const (
	dotFormat = "dot"
	svgFormat = "svg"
)

type graphOptions struct {
	concretizeOptions
	format    string
	depTypes  pinspec.DepTypes
	installed bool
	output    string
}

func newGraphCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "graph [options] [SPEC [...]]",
		Short:                 "draw a concrete dependency graph",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ArbitraryArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := &graphOptions{
		format:   dotFormat,
		depTypes: pinspec.Build | pinspec.Link | pinspec.Run,
	}
	opts.addFlags(c, g)
	c.Flags().StringVar(&opts.lockfile, "lockfile", "", "draw the graph in the lock-file at `path`")
	c.Flags().BoolVar(&opts.installed, "installed", false, "draw every installed spec")
	c.Flags().StringVar(&opts.format, "format", opts.format, "output `format` (dot or svg)")
	c.Flags().Var((*depTypesFlag)(&opts.depTypes), "deptypes", "comma-separated dependency `types` to draw")
	c.Flags().StringVarP(&opts.output, "output", "o", "", "write to `path` instead of stdout")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.specs = args
		return runGraph(cmd.Context(), g, opts)
	}
	return c
}

func runGraph(ctx context.Context, g *globalConfig, opts *graphOptions) error {
	if opts.format != dotFormat && opts.format != svgFormat {
		return fmt.Errorf("unknown format %q", opts.format)
	}
	var roots []*pinspec.Concrete
	if opts.installed {
		if len(opts.specs) > 0 || opts.lockfile != "" {
			return fmt.Errorf("--installed cannot be combined with specs or --lockfile")
		}
		var err error
		roots, err = installedSpecs(ctx, g)
		if err != nil {
			return err
		}
	} else {
		dag, _, err := concretizeRequest(ctx, g, &opts.concretizeOptions)
		if err != nil {
			return err
		}
		roots = dag.Roots
	}

	dot := toDOT(roots, opts.depTypes)
	out := []byte(dot)
	if opts.format == svgFormat {
		var err error
		out, err = renderSVG(ctx, dot)
		if err != nil {
			return err
		}
	}
	if opts.output != "" {
		return os.WriteFile(opts.output, out, 0o666)
	}
	_, err := os.Stdout.Write(out)
	return err
}

// toDOT formats the graph reachable from roots in Graphviz DOT format.
// Only edges with at least one of the given types are drawn.
// Roots are drawn with a bold outline.
func toDOT(roots []*pinspec.Concrete, types pinspec.DepTypes) string {
	buf := new(strings.Builder)
	buf.WriteString("digraph G {\n")
	buf.WriteString("  rankdir=TB;\n")
	buf.WriteString("  node [shape=box, style=\"rounded,filled\", fillcolor=white];\n")
	buf.WriteString("\n")

	isRoot := make(map[pinspec.Hash]bool, len(roots))
	for _, r := range roots {
		isRoot[r.Hash] = true
	}
	var nodes []*pinspec.Concrete
	seen := make(map[pinspec.Hash]bool)
	var visit func(c *pinspec.Concrete)
	visit = func(c *pinspec.Concrete) {
		if seen[c.Hash] {
			return
		}
		seen[c.Hash] = true
		nodes = append(nodes, c)
		for _, e := range c.Deps {
			if e.Types&types != 0 {
				visit(e.Spec)
			}
		}
	}
	for _, r := range roots {
		visit(r)
	}

	for _, n := range nodes {
		label := nodeLabel(n)
		attrs := fmt.Sprintf("label=%q", label)
		if isRoot[n.Hash] {
			attrs += ", penwidth=2"
		}
		fmt.Fprintf(buf, "  %q [%s];\n", string(n.Hash), attrs)
	}
	buf.WriteString("\n")
	for _, n := range nodes {
		for _, e := range n.Deps {
			if e.Types&types == 0 {
				continue
			}
			style := ""
			if e.Types&(pinspec.Build|pinspec.Link|pinspec.Run) == pinspec.Build {
				style = " [style=dashed]"
			}
			fmt.Fprintf(buf, "  %q -> %q%s;\n", string(n.Hash), string(e.Spec.Hash), style)
		}
	}
	buf.WriteString("}\n")
	return buf.String()
}

// renderSVG renders a DOT graph to SVG using Graphviz.
func renderSVG(ctx context.Context, dot string) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("init graphviz: %w", err)
	}
	defer gv.Close()

	g, err := graphviz.ParseBytes([]byte(dot))
	if err != nil {
		return nil, fmt.Errorf("parse DOT: %w", err)
	}
	defer g.Close()

	var buf bytes.Buffer
	if err := gv.Render(ctx, g, graphviz.SVG, &buf); err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	return buf.Bytes(), nil
}
