// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
	"pin.256lights.llc/pkg/internal/system"
	"zombiezen.com/go/log"
)

// pinVersion is the version string filled in by the linker (e.g. "1.2.3").
var pinVersion string

func newVersionCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "version",
		Short:                 "show version information",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		info := collectVersionInfo(cmd.Context(), g)
		_, err := fmt.Print(info)
		return err
	}
	return c
}

// versionInfo is what "pin version" reports.
// Empty fields are omitted from the output.
type versionInfo struct {
	Version      string
	GoVersion    string
	System       system.System
	CPUs         int
	OS           string
	Distribution string
	StoreDir     string
	LockBackend  string
	BuildCache   string
}

func collectVersionInfo(ctx context.Context, g *globalConfig) *versionInfo {
	info := &versionInfo{
		Version:     pinVersion,
		GoVersion:   runtime.Version(),
		System:      system.Current(),
		CPUs:        runtime.NumCPU(),
		StoreDir:    g.StoreDir,
		LockBackend: g.LockBackend,
		BuildCache:  g.BuildCache,
	}
	if info.Version == "" {
		if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
	}

	switch info.System.Platform {
	case "linux":
		info.OS = commandOutput(ctx, "uname", "-srv")
		info.Distribution = commandOutput(ctx, "lsb_release", "-ds")
	case "darwin":
		if v := commandOutput(ctx, "sw_vers", "--productVersion"); v != "" {
			info.OS = "macOS " + v
		}
	case "windows":
		info.OS = commandOutput(ctx, "cmd", "/c", "ver")
	}
	return info
}

// commandOutput returns the trimmed standard output of a command
// or the empty string if it fails.
// A missing program is only logged at debug level.
func commandOutput(ctx context.Context, name string, args ...string) string {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if errors.Is(err, exec.ErrNotFound) {
		log.Debugf(ctx, "%s: %v", name, err)
		return ""
	}
	if err != nil {
		log.Errorf(ctx, "%s: %v", name, err)
		return ""
	}
	return strings.TrimSpace(string(out))
}

func (info *versionInfo) String() string {
	sb := new(strings.Builder)
	if info.Version == "" {
		sb.WriteString("pin (version unknown)\n")
	} else {
		fmt.Fprintf(sb, "pin version %s\n", info.Version)
	}
	field := func(key, value string) {
		if value != "" {
			fmt.Fprintf(sb, "%-14s%s\n", key+":", value)
		}
	}
	field("Go", info.GoVersion)
	field("System", info.System.String())
	if info.CPUs > 0 {
		field("CPUs", fmt.Sprint(info.CPUs))
	}
	field("OS", info.OS)
	field("Distribution", info.Distribution)
	field("Store", info.StoreDir)
	field("Lock backend", info.LockBackend)
	field("Buildcache", info.BuildCache)
	return sb.String()
}
