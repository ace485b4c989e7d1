// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

// Package buildcache provides a client and server
// for sharing installed prefixes over HTTP.
//
// A buildcache is described by a HAL discovery document
// with two templated links:
// [SpecRelation] to a JSON description of an installed spec,
// and [ArchiveRelation] to a tar archive of its prefix.
// Both templates take a "hash" parameter.
package buildcache

import (
	"errors"
	"net/http"
	"strconv"

	"pin.256lights.llc/pkg/pinspec"
)

// Link relation types used in the discovery document.
const (
	SpecRelation    = "https://pin.256lights.llc/rel/spec"
	ArchiveRelation = "https://pin.256lights.llc/rel/archive"
)

// ErrNotFound is returned when a hash is not in the buildcache.
var ErrNotFound = errors.New("not in buildcache")

// SpecInfo is the document served at the [SpecRelation] link.
type SpecInfo struct {
	Hash   pinspec.Hash        `json:"hash"`
	Record *pinspec.NodeRecord `json:"record"`
}

// Verify checks that the record hashes to info.Hash.
func (info *SpecInfo) Verify() error {
	if info.Record == nil {
		return errors.New("missing record")
	}
	h, err := info.Record.ComputeHash()
	if err != nil {
		return err
	}
	if h != info.Hash {
		return errors.New("record hashes to " + string(h) + ", not " + string(info.Hash))
	}
	return nil
}

type httpError struct {
	statusCode int
	status     string
}

func (e *httpError) Error() string {
	status := e.status
	if status == "" {
		status = http.StatusText(e.statusCode)
		if status == "" {
			status = strconv.Itoa(e.statusCode)
		}
	}
	return "http " + status
}

func errorStatusCode(err error) (statusCode int, ok bool) {
	var h *httpError
	if !errors.As(err, &h) {
		return 0, false
	}
	return h.statusCode, true
}
