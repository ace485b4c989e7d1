// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"pin.256lights.llc/pkg/internal/system"
)

func TestVersionInfoString(t *testing.T) {
	tests := []struct {
		name string
		info *versionInfo
		want string
	}{
		{
			name: "Full",
			info: &versionInfo{
				Version:      "0.3.0",
				GoVersion:    "go1.26.1",
				System:       system.System{Platform: "linux", OS: "ubuntu22.04", Target: "x86_64"},
				CPUs:         8,
				OS:           "Linux 6.8.0 #1 SMP",
				Distribution: "Ubuntu 22.04.4 LTS",
				StoreDir:     "/opt/pin/store",
				LockBackend:  "redis",
				BuildCache:   "https://cache.example.com/",
			},
			want: "pin version 0.3.0\n" +
				"Go:           go1.26.1\n" +
				"System:       linux-ubuntu22.04-x86_64\n" +
				"CPUs:         8\n" +
				"OS:           Linux 6.8.0 #1 SMP\n" +
				"Distribution: Ubuntu 22.04.4 LTS\n" +
				"Store:        /opt/pin/store\n" +
				"Lock backend: redis\n" +
				"Buildcache:   https://cache.example.com/\n",
		},
		{
			name: "Unknown",
			info: &versionInfo{
				System:      system.System{Platform: "darwin", OS: "sonoma", Target: "m1"},
				LockBackend: "file",
			},
			want: "pin (version unknown)\n" +
				"System:       darwin-sonoma-m1\n" +
				"Lock backend: file\n",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if diff := cmp.Diff(test.want, test.info.String()); diff != "" {
				t.Errorf("String() (-want +got):\n%s", diff)
			}
		})
	}
}
