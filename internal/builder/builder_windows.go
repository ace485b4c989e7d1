// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"os"
	"os/exec"
)

func defaultBaseEnv() []string {
	var env []string
	for _, k := range []string{"PATH", "SYSTEMROOT", "USERPROFILE"} {
		if v := os.Getenv(k); v != "" {
			env = append(env, k+"="+v)
		}
	}
	return env
}

func fillBuildDirEnv(m map[string]string, workDir string) {
	m["PIN_BUILD_TOP"] = workDir
	m["TEMP"] = workDir
	m["TMP"] = workDir
}

func setCancelFunc(c *exec.Cmd) {
	// Default behavior of exec.CommandContext is fine, no-op.
}
