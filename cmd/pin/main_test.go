// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
	"testing"

	"pin.256lights.llc/pkg/internal/concretize"
	"pin.256lights.llc/pkg/internal/lockmgr"
	"pin.256lights.llc/pkg/internal/scheduler"
	"pin.256lights.llc/pkg/pinspec"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"Nil", nil, exitSuccess},
		{"Partial", &exitCodeError{code: exitPartialFailure, err: errors.New("boom")}, exitPartialFailure},
		{"Unsatisfiable", fmt.Errorf("spec: %w", &concretize.Unsatisfiable{}), exitUnsatisfiable},
		{"LockTimeout", &lockmgr.TimeoutError{Hash: "abc"}, exitLockTimeout},
		{"Parse", &pinspec.ParseError{Input: "@", Msg: "bad"}, exitError},
		{"Other", errors.New("bang"), exitError},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := exitCode(test.err); got != test.want {
				t.Errorf("exitCode(%v) = %d; want %d", test.err, got, test.want)
			}
		})
	}
}

func TestInstallError(t *testing.T) {
	zlib := &pinspec.Concrete{Name: "zlib", Version: "1.3", Hash: "zzzzzzzzzzzzzzzz"}
	app := &pinspec.Concrete{Name: "app", Version: "1.0", Hash: "aaaaaaaaaaaaaaaa"}

	t.Run("Success", func(t *testing.T) {
		report := &scheduler.Report{Results: []*scheduler.TaskResult{
			{Spec: zlib, State: scheduler.SkippedCached},
			{Spec: app, State: scheduler.Installed},
		}}
		if err := installError(report); err != nil {
			t.Errorf("installError(...) = %v; want <nil>", err)
		}
	})

	t.Run("BuildFailure", func(t *testing.T) {
		buildErr := &scheduler.BuildError{Spec: zlib, Err: errors.New("exit status 2")}
		report := &scheduler.Report{Results: []*scheduler.TaskResult{
			{Spec: zlib, State: scheduler.Failed, Err: buildErr},
			{Spec: app, State: scheduler.Skipped, Err: &scheduler.DependencyError{Spec: app, Dep: zlib}},
		}}
		err := installError(report)
		if got := exitCode(err); got != exitPartialFailure {
			t.Errorf("exitCode(installError(...)) = %d; want %d", got, exitPartialFailure)
		}
		if !errors.Is(err, buildErr) {
			t.Errorf("installError(...) = %v; want to wrap %v", err, buildErr)
		}
	})

	t.Run("LockTimeout", func(t *testing.T) {
		timeoutErr := &lockmgr.TimeoutError{Hash: zlib.Hash, Mode: lockmgr.Exclusive}
		report := &scheduler.Report{Results: []*scheduler.TaskResult{
			{Spec: zlib, State: scheduler.Skipped, Err: timeoutErr},
			{Spec: app, State: scheduler.Skipped, Err: &scheduler.DependencyError{Spec: app, Dep: zlib}},
		}}
		err := installError(report)
		if err == nil {
			t.Fatal("installError(...) = <nil>")
		}
		if got := exitCode(err); got != exitLockTimeout {
			t.Errorf("exitCode(installError(...)) = %d; want %d", got, exitLockTimeout)
		}
	})
}
