// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package system

import (
	"bufio"
	"bytes"
	"os"
	"runtime"
	"strings"
)

const osReleasePath = "/etc/os-release"

func hostOS() string {
	switch runtime.GOOS {
	case "linux":
		data, err := os.ReadFile(osReleasePath)
		if err != nil {
			return "linux"
		}
		if name := parseOSRelease(data); name != "" {
			return name
		}
		return "linux"
	case "darwin":
		return "macos"
	default:
		return runtime.GOOS
	}
}

// parseOSRelease returns the distribution identifier from an os-release(5) file,
// like "ubuntu22.04" or "rhel9".
func parseOSRelease(data []byte) string {
	var id, version string
	s := bufio.NewScanner(bytes.NewReader(data))
	for s.Scan() {
		k, v, ok := strings.Cut(s.Text(), "=")
		if !ok {
			continue
		}
		v = strings.Trim(v, `"'`)
		switch k {
		case "ID":
			id = v
		case "VERSION_ID":
			version = v
		}
	}
	if id == "" {
		return ""
	}
	if id == "rhel" || id == "rocky" || id == "almalinux" || id == "centos" {
		// Minor releases are binary compatible.
		version, _, _ = strings.Cut(version, ".")
	}
	return strings.ReplaceAll(id+version, "-", "_")
}
