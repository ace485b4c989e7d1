// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

// Package useragent contains the User-Agent HTTP header sent by pin.
package useragent

// String is the User-Agent header value for buildcache requests.
const String = "pin (+https://pin.256lights.llc/)"
