// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

// Package system describes the platforms that specs are concretized for:
// a platform, an operating system, and a microarchitecture target.
package system

import (
	"fmt"
	"runtime"
	"strings"
)

// System is a platform-os-target triple like "linux-ubuntu22.04-x86_64_v3".
type System struct {
	Platform string
	OS       string
	Target   string
}

// Parse parses a "platform-os-target" string.
// The target may contain dashes.
func Parse(s string) (System, error) {
	platform, rest, ok := strings.Cut(s, "-")
	if !ok {
		return System{}, fmt.Errorf("parse system %q: missing operating system", s)
	}
	osName, target, ok := strings.Cut(rest, "-")
	if !ok {
		return System{}, fmt.Errorf("parse system %q: missing target", s)
	}
	if platform == "" || osName == "" || target == "" {
		return System{}, fmt.Errorf("parse system %q: empty component", s)
	}
	return System{Platform: platform, OS: osName, Target: target}, nil
}

// String returns sys as a string that can be passed to [Parse].
func (sys System) String() string {
	return sys.Platform + "-" + sys.OS + "-" + sys.Target
}

// IsZero reports whether sys is the zero value.
func (sys System) IsZero() bool {
	return sys == System{}
}

// Current returns a [System] value for the current process's execution environment.
// The target is the generic target for the CPU family:
// no microarchitecture detection is performed.
func Current() System {
	sys := System{
		Platform: runtime.GOOS,
		OS:       hostOS(),
	}
	switch runtime.GOARCH {
	case "386":
		sys.Target = "i686"
	case "amd64":
		sys.Target = "x86_64"
	case "arm64":
		sys.Target = "aarch64"
	case "ppc64le":
		sys.Target = "ppc64le"
	case "riscv64":
		sys.Target = "riscv64"
	default:
		sys.Target = runtime.GOARCH
	}
	return sys
}

// MarshalText returns sys in "platform-os-target" form.
func (sys System) MarshalText() ([]byte, error) {
	if sys.IsZero() {
		return nil, nil
	}
	return []byte(sys.String()), nil
}

// UnmarshalText parses a "platform-os-target" string.
// An empty string is the zero System.
func (sys *System) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*sys = System{}
		return nil
	}
	var err error
	*sys, err = Parse(string(data))
	return err
}
