// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"sync"

	"github.com/spf13/cobra"
	"pin.256lights.llc/pkg/internal/concretize"
	"pin.256lights.llc/pkg/internal/lockmgr"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"
)

// Process exit codes.
const (
	exitSuccess        = 0
	exitPartialFailure = 1
	exitUnsatisfiable  = 2
	exitLockTimeout    = 3
	exitError          = 4
)

func main() {
	rootCommand := &cobra.Command{
		Use:           "pin",
		Short:         "concretize and install packages",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	g := defaultGlobalConfig()
	if err := g.mergeFiles(configFiles()); err != nil {
		initLogging(false)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(exitError)
	}
	if err := g.mergeEnvironment(); err != nil {
		initLogging(false)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(exitError)
	}

	rootCommand.PersistentFlags().StringVar(&g.StoreDir, "store", g.StoreDir, "path to store `dir`ectory")
	rootCommand.PersistentFlags().StringVar(&g.IndexDB, "index", g.IndexDB, "`path` to install index database (default is inside the store)")
	rootCommand.PersistentFlags().StringArrayVar(&g.CatalogDirs, "catalog", g.CatalogDirs, "catalog `dir`ectory (can be passed multiple times)")
	rootCommand.PersistentFlags().BoolVar(&g.Debug, "debug", g.Debug, "show debugging output")

	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(g.Debug)
		return g.validate()
	}

	rootCommand.AddCommand(
		newSpecCommand(g, "spec"),
		newSpecCommand(g, "concretize"),
		newInstallCommand(g),
		newFindCommand(g),
		newUninstallCommand(g),
		newGraphCommand(g),
		newServeCommand(g),
		newVersionCommand(g),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(g.Debug)
		var e *exitCodeError
		if !errors.As(err, &e) || e.err != nil {
			log.Errorf(context.Background(), "%v", err)
		}
		os.Exit(exitCode(err))
	}
}

// exitCodeError is an error that causes the process to exit with a specific code.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err == nil {
		return "exit status " + strconv.Itoa(e.code)
	}
	return e.err.Error()
}

func (e *exitCodeError) Unwrap() error {
	return e.err
}

// exitCode returns the process exit code for an error returned from a command.
func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	if e := (*exitCodeError)(nil); errors.As(err, &e) {
		return e.code
	}
	if e := (*concretize.Unsatisfiable)(nil); errors.As(err, &e) {
		return exitUnsatisfiable
	}
	if errors.Is(err, lockmgr.ErrTimeout) {
		return exitLockTimeout
	}
	return exitError
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "pin: ", log.StdFlags, nil),
		})
	})
}
