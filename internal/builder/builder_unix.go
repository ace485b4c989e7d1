// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

//go:build unix

package builder

import (
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// defaultBaseEnv returns the variables the build command inherits
// when [Exec.Env] is nil.
func defaultBaseEnv() []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"TERM=xterm-256color",
	}
	if home := os.Getenv("HOME"); home != "" {
		env = append(env, "HOME="+home)
	}
	return env
}

func fillBuildDirEnv(m map[string]string, workDir string) {
	m["PIN_BUILD_TOP"] = workDir
	m["TMPDIR"] = workDir
	m["PWD"] = workDir
}

func setCancelFunc(c *exec.Cmd) {
	c.Cancel = func() error {
		return c.Process.Signal(unix.SIGTERM)
	}
}
