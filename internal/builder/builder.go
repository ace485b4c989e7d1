// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

// Package builder runs package build commands for the scheduler.
package builder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sync"

	"pin.256lights.llc/pkg/internal/catalog"
	"pin.256lights.llc/pkg/internal/scheduler"
	"zombiezen.com/go/log"
)

// LogName is the path of the build log inside an installed prefix.
const LogName = ".pin/build.log"

// ErrNoBuildCommand is returned for packages that declare no build command.
var ErrNoBuildCommand = errors.New("package has no build command")

// ErrTestFailed is wrapped by errors from a package's test command.
var ErrTestFailed = errors.New("post-install tests failed")

// Exec is a [scheduler.Builder] that runs the build command
// a package declares in its catalog entry.
// Arguments are expanded with [os.Expand] against the build environment,
// so a command may refer to $PREFIX or ${PIN_VARIANT_SHARED}.
type Exec struct {
	Catalog catalog.Catalog
	// BuildDir is the directory in which per-build working directories are created.
	// If empty, [os.TempDir] is used.
	BuildDir string
	// Env is the base environment of the build command.
	// If nil, a minimal environment is used.
	Env []string
	// KeepBuildDir prevents the working directory from being removed
	// after the build finishes.
	KeepBuildDir bool
}

// Build runs req.Spec's build command with req.Prefix as the installation prefix.
// If req.RunTests is set, the package's test command runs afterward
// in the same working directory.
// The combined output of the commands is logged line by line
// and saved to [LogName] inside the prefix.
func (e *Exec) Build(ctx context.Context, req *scheduler.BuildRequest) error {
	c := req.Spec
	pkg, err := e.Catalog.Package(c.Name)
	if err != nil {
		return err
	}
	if len(pkg.Build) == 0 {
		return fmt.Errorf("%s: %w", c.Name, ErrNoBuildCommand)
	}
	vars, err := Environment(req)
	if err != nil {
		return err
	}

	workDir, err := os.MkdirTemp(e.BuildDir, "pin-build-"+c.Name+"-"+c.Hash.Short()+"-")
	if err != nil {
		return err
	}
	if e.KeepBuildDir {
		log.Infof(ctx, "Keeping build directory %s for %s", workDir, c.Name)
	} else {
		defer func() {
			if err := os.RemoveAll(workDir); err != nil {
				log.Warnf(ctx, "Clean up build directory for %s: %v", c.Name, err)
			}
		}()
	}

	env := e.Env
	if env == nil {
		env = defaultBaseEnv()
	}
	envMap := mergeEnv(env, vars)
	fillBuildDirEnv(envMap, workDir)
	expand := func(argv []string) []string {
		args := make([]string, len(argv))
		for i, arg := range argv {
			args[i] = os.Expand(arg, func(key string) string { return envMap[key] })
		}
		return args
	}

	logPath := filepath.Join(req.Prefix, filepath.FromSlash(LogName))
	if err := os.MkdirAll(filepath.Dir(logPath), 0o777); err != nil {
		return err
	}
	logFile, err := os.Create(logPath)
	if err != nil {
		return err
	}
	defer logFile.Close()
	lw := &lineLogger{
		ctx:    ctx,
		prefix: c.Name + ": ",
		file:   logFile,
	}
	run := func(args []string) error {
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		setCancelFunc(cmd)
		for _, k := range slices.Sorted(maps.Keys(envMap)) {
			cmd.Env = append(cmd.Env, k+"="+envMap[k])
		}
		cmd.Dir = workDir
		cmd.Stdout = lw
		cmd.Stderr = lw
		err := cmd.Run()
		lw.flush()
		if err != nil {
			return fmt.Errorf("%s: %w (log in %s)", args[0], err, logPath)
		}
		return nil
	}

	args := expand(pkg.Build)
	log.Debugf(ctx, "Starting build of %s/%s: %q", c.Name, c.Hash.Short(), args)
	if err := run(args); err != nil {
		return err
	}
	if req.RunTests && len(pkg.Test) > 0 {
		args := expand(pkg.Test)
		log.Infof(ctx, "Testing %s/%s", c.Name, c.Hash.Short())
		if err := run(args); err != nil {
			return fmt.Errorf("%w: %v", ErrTestFailed, err)
		}
	}
	if err := logFile.Close(); err != nil {
		return err
	}
	log.Debugf(ctx, "Build of %s/%s finished", c.Name, c.Hash.Short())
	return nil
}

// lineLogger is an [io.Writer] that copies everything to a file
// and logs each complete line at debug level.
type lineLogger struct {
	ctx    context.Context
	prefix string
	file   io.Writer

	mu      sync.Mutex
	partial []byte
}

func (ll *lineLogger) Write(p []byte) (int, error) {
	ll.mu.Lock()
	defer ll.mu.Unlock()
	n, err := ll.file.Write(p)
	ll.partial = append(ll.partial, p[:n]...)
	for {
		i := bytes.IndexByte(ll.partial, '\n')
		if i < 0 {
			break
		}
		log.Debugf(ll.ctx, "%s%s", ll.prefix, bytes.TrimSuffix(ll.partial[:i], []byte("\r")))
		ll.partial = ll.partial[i+1:]
	}
	return n, err
}

// flush logs any trailing output that did not end in a newline.
func (ll *lineLogger) flush() {
	ll.mu.Lock()
	defer ll.mu.Unlock()
	if len(ll.partial) > 0 {
		log.Debugf(ll.ctx, "%s%s", ll.prefix, ll.partial)
		ll.partial = nil
	}
}
