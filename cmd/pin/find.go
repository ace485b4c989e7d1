// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"pin.256lights.llc/pkg/internal/installdb"
	"pin.256lights.llc/pkg/internal/lockmgr"
	"pin.256lights.llc/pkg/pinspec"
	"zombiezen.com/go/log"
)

type findOptions struct {
	queries      []string
	explicitOnly bool
	long         bool
	paths        bool
	size         bool
}

func newFindCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "find [options] [SPEC|/HASH [...]]",
		Short:                 "list installed specs",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ArbitraryArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(findOptions)
	c.Flags().BoolVarP(&opts.explicitOnly, "explicit", "x", false, "only show explicitly installed specs")
	c.Flags().BoolVarP(&opts.long, "long", "l", false, "show the full spec and installation time")
	c.Flags().BoolVarP(&opts.paths, "paths", "p", false, "show installation prefixes")
	c.Flags().BoolVar(&opts.size, "size", false, "show the size of each prefix")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.queries = args
		return runFind(cmd.Context(), g, opts)
	}
	return c
}

func runFind(ctx context.Context, g *globalConfig, opts *findOptions) error {
	db, err := g.openIndex()
	if err != nil {
		return err
	}
	defer db.Close()

	entries, err := db.List(ctx, &installdb.ListOptions{ExplicitOnly: opts.explicitOnly})
	if err != nil {
		return err
	}
	matches, err := matchInstalled(ctx, db, opts.queries)
	if err != nil {
		return err
	}
	matchSet := make(map[pinspec.Hash]bool)
	for _, c := range matches {
		matchSet[c.Hash] = true
	}

	headers := []string{"SPEC", "INSTALLED AS"}
	if opts.long {
		headers = append(headers, "WHEN")
	}
	if opts.size {
		headers = append(headers, "SIZE")
	}
	if opts.paths {
		headers = append(headers, "PREFIX")
	}
	var rows [][]string
	for _, e := range entries {
		if !matchSet[e.Hash] {
			continue
		}
		c := specByHash(matches, e.Hash)
		label := nodeLabel(c)
		if opts.long {
			label = e.Hash.Short() + " " + c.NodeString()
		}
		cols := []string{label}
		switch {
		case c.External != "":
			cols = append(cols, "external")
		case e.Explicit:
			cols = append(cols, "explicit")
		default:
			cols = append(cols, "dependency")
		}
		if opts.long {
			cols = append(cols, humanize.Time(e.InstalledAt))
		}
		if opts.size {
			n, err := dirSize(e.Prefix)
			if err != nil {
				log.Warnf(ctx, "%v", err)
				cols = append(cols, "?")
			} else {
				cols = append(cols, humanize.IBytes(uint64(n)))
			}
		}
		if opts.paths {
			cols = append(cols, e.Prefix)
		}
		rows = append(rows, cols)
	}
	if len(rows) == 0 {
		log.Infof(ctx, "No installed specs match")
		return nil
	}
	_, err = fmt.Println(renderTable(headers, rows))
	return err
}

// renderTable lays out rows in aligned columns under a bold header.
func renderTable(headers []string, rows [][]string) string {
	headerStyle := lipgloss.NewStyle().Bold(true).PaddingRight(2)
	cellStyle := lipgloss.NewStyle().PaddingRight(2)
	t := table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderColumn(false).
		BorderHeader(false).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return t.Render()
}

// matchInstalled returns the installed specs matching any of the queries.
// A query is either an abstract spec or a "/" followed by a hash prefix.
// If there are no queries, every installed spec matches.
// The result is in dependency order.
func matchInstalled(ctx context.Context, db *installdb.DB, queries []string) ([]*pinspec.Concrete, error) {
	installed, err := db.Installed(ctx)
	if err != nil {
		return nil, err
	}
	all := pinspec.Traverse(installed...)
	if len(queries) == 0 {
		return all, nil
	}

	type matcher func(*pinspec.Concrete) bool
	var matchers []matcher
	for _, q := range queries {
		if prefix, ok := strings.CutPrefix(q, "/"); ok {
			if prefix == "" {
				return nil, fmt.Errorf("empty hash in query %q", q)
			}
			matchers = append(matchers, func(c *pinspec.Concrete) bool {
				return strings.HasPrefix(string(c.Hash), prefix)
			})
			continue
		}
		spec, err := pinspec.Parse(q)
		if err != nil {
			return nil, err
		}
		matchers = append(matchers, func(c *pinspec.Concrete) bool {
			return c.Satisfies(spec)
		})
	}
	var result []*pinspec.Concrete
	for _, c := range all {
		if slices.ContainsFunc(matchers, func(m matcher) bool { return m(c) }) {
			result = append(result, c)
		}
	}
	return result, nil
}

func specByHash(specs []*pinspec.Concrete, hash pinspec.Hash) *pinspec.Concrete {
	i := slices.IndexFunc(specs, func(c *pinspec.Concrete) bool { return c.Hash == hash })
	if i < 0 {
		return nil
	}
	return specs[i]
}

// dirSize returns the total size of the regular files under dir.
func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, ent fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !ent.Type().IsRegular() {
			return nil
		}
		info, err := ent.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

func newUninstallCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "uninstall [options] SPEC|/HASH [...]",
		Short:                 "remove installed specs",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.Flags().StringVar(&g.LockBackend, "lock-backend", g.LockBackend, "cross-process lock `backend` (file or redis)")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runUninstall(cmd.Context(), g, args)
	}
	return c
}

func runUninstall(ctx context.Context, g *globalConfig, queries []string) error {
	db, err := g.openIndex()
	if err != nil {
		return err
	}
	defer db.Close()
	locks, closeLocks, err := g.lockManager()
	if err != nil {
		return err
	}
	defer closeLocks()

	matches, err := matchInstalled(ctx, db, queries)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return fmt.Errorf("no installed specs match %q", queries)
	}
	// Remove dependents before their dependencies.
	for _, c := range slices.Backward(matches) {
		if err := uninstall(ctx, db, locks, c); err != nil {
			return err
		}
		fmt.Printf("Removed %s\n", nodeLabel(c))
	}
	return nil
}

func uninstall(ctx context.Context, db *installdb.DB, locks *lockmgr.Manager, c *pinspec.Concrete) error {
	tok, err := locks.Lock(ctx, c.Hash, lockmgr.Exclusive)
	if err != nil {
		return err
	}
	defer func() {
		if err := tok.Release(); err != nil {
			log.Warnf(ctx, "Release lock on %s: %v", c.Hash.Short(), err)
		}
	}()
	return db.Remove(ctx, c.Hash)
}
