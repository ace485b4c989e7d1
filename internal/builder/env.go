// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pin.256lights.llc/pkg/internal/scheduler"
	"pin.256lights.llc/pkg/pinspec"
)

// Path-list variables contributed by dependencies.
const (
	pathVar            = "PATH"
	libraryPathVar     = "LIBRARY_PATH"
	cpathVar           = "CPATH"
	pkgConfigPathVar   = "PKG_CONFIG_PATH"
	cmakePrefixPathVar = "CMAKE_PREFIX_PATH"
)

// Environment returns the environment variables for building req.Spec.
// Path-list variables are derived from the kinds of the spec's dependency edges:
//
//   - build and run dependencies (and their run dependencies) contribute bin to PATH
//   - link dependencies (and their link dependencies) contribute lib to LIBRARY_PATH,
//     include to CPATH, and lib/pkgconfig to PKG_CONFIG_PATH
//   - build and link dependencies contribute their prefix to CMAKE_PREFIX_PATH
//
// Every dependency contributing to the environment
// must have an entry in req.DepPrefixes.
func Environment(req *scheduler.BuildRequest) (map[string]string, error) {
	c := req.Spec
	env := map[string]string{
		"PREFIX":       req.Prefix,
		"PIN_HASH":     string(c.Hash),
		"PIN_NAME":     c.Name,
		"PIN_VERSION":  string(c.Version),
		"PIN_COMPILER": c.Compiler.String(),
		"PIN_ARCH":     c.Arch.String(),
		"PIN_TARGET":   c.Arch.Target,
	}
	for _, name := range c.VariantNames() {
		env[variantVar(name)] = c.Variants[name].String()
	}

	runClosure := closure(c.DepsOfType(pinspec.Build|pinspec.Run), pinspec.Run)
	linkClosure := closure(c.DepsOfType(pinspec.Link), pinspec.Link)
	cmakeClosure := closure(c.DepsOfType(pinspec.Build|pinspec.Link), pinspec.Link)

	lists := make(map[string][]string)
	add := func(key string, nodes []*pinspec.Concrete, subdir string) error {
		for _, dep := range nodes {
			prefix := req.DepPrefixes[dep.Hash]
			if prefix == "" {
				return fmt.Errorf("environment for %s: no prefix for dependency %s/%s", c.Name, dep.Name, dep.Hash.Short())
			}
			dir := prefix
			if subdir != "" {
				dir = filepath.Join(prefix, filepath.FromSlash(subdir))
			}
			lists[key] = append(lists[key], dir)
		}
		return nil
	}
	if err := add(pathVar, runClosure, "bin"); err != nil {
		return nil, err
	}
	if err := add(libraryPathVar, linkClosure, "lib"); err != nil {
		return nil, err
	}
	if err := add(cpathVar, linkClosure, "include"); err != nil {
		return nil, err
	}
	if err := add(pkgConfigPathVar, linkClosure, "lib/pkgconfig"); err != nil {
		return nil, err
	}
	if err := add(cmakePrefixPathVar, cmakeClosure, ""); err != nil {
		return nil, err
	}
	for key, dirs := range lists {
		env[key] = strings.Join(dirs, string(os.PathListSeparator))
	}
	return env, nil
}

// closure returns start followed by the nodes reachable from start
// over edges with any of the kinds in follow.
// Each node appears once, in breadth-first order.
func closure(start []*pinspec.Concrete, follow pinspec.DepTypes) []*pinspec.Concrete {
	seen := make(map[pinspec.Hash]bool)
	var result []*pinspec.Concrete
	queue := start
	for len(queue) > 0 {
		curr := queue[0]
		queue = queue[1:]
		if seen[curr.Hash] {
			continue
		}
		seen[curr.Hash] = true
		result = append(result, curr)
		queue = append(queue, curr.DepsOfType(follow)...)
	}
	return result
}

// variantVar returns the environment variable name for a variant,
// like "PIN_VARIANT_SHARED" for "shared".
func variantVar(name string) string {
	return "PIN_VARIANT_" + strings.Map(func(r rune) rune {
		switch {
		case 'a' <= r && r <= 'z':
			return r - 'a' + 'A'
		case 'A' <= r && r <= 'Z', '0' <= r && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
}

// mergeEnv overlays vars onto base, a list of "key=value" strings.
// Path-list variables in vars are prepended to the base value.
func mergeEnv(base []string, vars map[string]string) map[string]string {
	m := make(map[string]string, len(base)+len(vars))
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k != "" {
			m[k] = v
		}
	}
	for k, v := range vars {
		switch k {
		case pathVar, libraryPathVar, cpathVar, pkgConfigPathVar, cmakePrefixPathVar:
			if old := m[k]; old != "" {
				v += string(os.PathListSeparator) + old
			}
		}
		m[k] = v
	}
	return m
}
