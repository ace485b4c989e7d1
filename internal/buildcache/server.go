// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package buildcache

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/gorilla/handlers"
	"pin.256lights.llc/pkg/internal/hal"
	"pin.256lights.llc/pkg/internal/installdb"
	"pin.256lights.llc/pkg/pinspec"
	"zombiezen.com/go/log"
)

// Index is the subset of [installdb.DB] that a [Handler] serves from.
type Index interface {
	Lookup(ctx context.Context, hash pinspec.Hash) (*installdb.Entry, error)
}

// Handler serves the specs in an install index as a buildcache.
type Handler struct {
	Index Index
	mux   *http.ServeMux
}

// NewHandler returns a new buildcache handler for the index.
func NewHandler(index Index) *Handler {
	h := &Handler{Index: index, mux: http.NewServeMux()}
	h.mux.Handle("/{$}", handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(h.discovery),
		http.MethodHead: http.HandlerFunc(h.discovery),
	})
	h.mux.Handle("/spec/{file}", handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(h.spec),
		http.MethodHead: http.HandlerFunc(h.spec),
	})
	h.mux.Handle("/archive/{file}", handlers.MethodHandler{
		http.MethodGet: http.HandlerFunc(h.archive),
	})
	return h
}

// ServeHTTP routes the request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) discovery(w http.ResponseWriter, r *http.Request) {
	doc := new(hal.Resource)
	doc.SetLink(hal.SelfRelationType, &hal.Link{HRef: "./"})
	doc.SetLink(SpecRelation, &hal.Link{
		HRef:      "spec/{hash}.json",
		Templated: true,
		Type:      "application/json",
	})
	doc.SetLink(ArchiveRelation, &hal.Link{
		HRef:      "archive/{hash}.tar",
		Templated: true,
		Type:      "application/x-tar",
	})
	writeJSON(r.Context(), w, hal.MediaType, doc)
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request, ext string) *installdb.Entry {
	ctx := r.Context()
	file := r.PathValue("file")
	name, ok := strings.CutSuffix(file, ext)
	if !ok || name == "" {
		http.NotFound(w, r)
		return nil
	}
	entry, err := h.Index.Lookup(ctx, pinspec.Hash(name))
	if errors.Is(err, installdb.ErrNotFound) {
		http.NotFound(w, r)
		return nil
	}
	if err != nil {
		log.Errorf(ctx, "%v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return nil
	}
	if entry.Record != nil && entry.Record.External != "" {
		// Externals are specific to the host they were found on.
		http.NotFound(w, r)
		return nil
	}
	return entry
}

func (h *Handler) spec(w http.ResponseWriter, r *http.Request) {
	entry := h.lookup(w, r, ".json")
	if entry == nil {
		return
	}
	writeJSON(r.Context(), w, "application/json", &SpecInfo{
		Hash:   entry.Hash,
		Record: entry.Record,
	})
}

func (h *Handler) archive(w http.ResponseWriter, r *http.Request) {
	entry := h.lookup(w, r, ".tar")
	if entry == nil {
		return
	}
	ctx := r.Context()
	w.Header().Set("Content-Type", "application/x-tar")
	var dst io.Writer = w
	if acceptsGzip(r.Header.Get("Accept-Encoding")) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		zw := gzip.NewWriter(w)
		defer func() {
			if err := zw.Close(); err != nil {
				log.Warnf(ctx, "Finishing archive for %s: %v", entry.Hash, err)
			}
		}()
		dst = zw
	}
	if err := writeArchive(dst, entry.Prefix); err != nil {
		// Headers are already sent, so the client will see a truncated archive.
		log.Errorf(ctx, "Archive %s: %v", entry.Hash, err)
	}
}

func acceptsGzip(header string) bool {
	for part := range strings.SplitSeq(header, ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(strings.TrimSpace(coding), "gzip") && strings.TrimSpace(params) != "q=0" {
			return true
		}
	}
	return false
}

// writeArchive writes the directory tree at dir as a tar stream
// with paths relative to dir.
func writeArchive(w io.Writer, dir string) error {
	tw := tar.NewWriter(w)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			link, err = os.Readlink(path)
			if err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		hdr.Uname, hdr.Gname = "", ""
		hdr.Uid, hdr.Gid = 0, 0
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("archive %s: %v", dir, err)
	}
	return tw.Close()
}

func writeJSON(ctx context.Context, w http.ResponseWriter, contentType string, v any) {
	data, err := jsonv2.Marshal(v, jsonv2.Deterministic(true))
	if err != nil {
		log.Errorf(ctx, "Marshal response: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", fmt.Sprint(len(data)))
	w.Write(data)
}
