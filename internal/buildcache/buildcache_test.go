// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package buildcache

import (
	"archive/tar"
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"pin.256lights.llc/pkg/internal/installdb"
	"pin.256lights.llc/pkg/internal/system"
	"pin.256lights.llc/pkg/internal/testcontext"
	"pin.256lights.llc/pkg/internal/useragent"
	"pin.256lights.llc/pkg/pinspec"
)

func testSpec(tb testing.TB) *pinspec.Concrete {
	tb.Helper()
	c := &pinspec.Concrete{
		Name:     "zlib",
		Version:  "1.3",
		Compiler: pinspec.CompilerID{Name: "gcc", Version: "12.3.0"},
		Arch:     system.System{Platform: "linux", OS: "ubuntu22.04", Target: "x86_64"},
		Variants: map[string]pinspec.VariantValue{"shared": pinspec.Bool(true)},
	}
	h, err := pinspec.ComputeHash(c)
	if err != nil {
		tb.Fatal(err)
	}
	c.Hash = h
	return c
}

// readTree returns the regular files and symlinks under dir
// keyed by slash-separated relative path.
func readTree(tb testing.TB, dir string) map[string]string {
	tb.Helper()
	tree := make(map[string]string)
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		rel = filepath.ToSlash(rel)
		switch {
		case d.Type()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			tree[rel] = "-> " + target
		case d.Type().IsRegular():
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			tree[rel] = string(data)
		}
		return nil
	})
	if err != nil {
		tb.Fatal(err)
	}
	return tree
}

func TestHTTPCache(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	dir := t.TempDir()
	db, err := installdb.Open(filepath.Join(dir, "index.db"), filepath.Join(dir, "store"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	zlib := testSpec(t)
	tmp, err := db.TempDir(zlib.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(tmp, "lib"), 0o777); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tmp, "lib", "libz.so.1.3"), []byte("shared object"), 0o666); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("libz.so.1.3", filepath.Join(tmp, "lib", "libz.so")); err != nil {
		t.Fatal(err)
	}
	if err := db.Commit(ctx, zlib, tmp, nil); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(NewHandler(db))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	cache := &HTTPCache{URL: u, HTTPClient: srv.Client()}

	t.Run("Exists", func(t *testing.T) {
		if ok, err := cache.Exists(ctx, zlib.Hash); !ok || err != nil {
			t.Errorf("Exists(zlib) = %t, %v; want true, <nil>", ok, err)
		}
		missing := pinspec.Hash("1111111111111111111111111111111111111111111111111111")
		if ok, err := cache.Exists(ctx, missing); ok || err != nil {
			t.Errorf("Exists(missing) = %t, %v; want false, <nil>", ok, err)
		}
	})

	t.Run("Info", func(t *testing.T) {
		info, err := cache.Info(ctx, zlib.Hash)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(zlib.Record(), info.Record); diff != "" {
			t.Errorf("record (-want +got):\n%s", diff)
		}
	})

	t.Run("Fetch", func(t *testing.T) {
		dst := t.TempDir()
		if err := cache.Fetch(ctx, zlib.Hash, dst); err != nil {
			t.Fatal(err)
		}
		want := map[string]string{
			"lib/libz.so.1.3": "shared object",
			"lib/libz.so":     "-> libz.so.1.3",
		}
		if diff := cmp.Diff(want, readTree(t, dst)); diff != "" {
			t.Errorf("fetched tree (-want +got):\n%s", diff)
		}
	})

	t.Run("ExternalNotServed", func(t *testing.T) {
		openssl := &pinspec.Concrete{
			Name:     "openssl",
			Version:  "3.0.2",
			Compiler: zlib.Compiler,
			Arch:     zlib.Arch,
			External: t.TempDir(),
		}
		h, err := pinspec.ComputeHash(openssl)
		if err != nil {
			t.Fatal(err)
		}
		openssl.Hash = h
		if err := db.Record(ctx, openssl, nil); err != nil {
			t.Fatal(err)
		}
		if ok, err := cache.Exists(ctx, openssl.Hash); ok || err != nil {
			t.Errorf("Exists(external) = %t, %v; want false, <nil>", ok, err)
		}
		if err := cache.Fetch(ctx, openssl.Hash, t.TempDir()); !errors.Is(err, ErrNotFound) {
			t.Errorf("Fetch(external) = %v; want %v", err, ErrNotFound)
		}
	})

	t.Run("FetchMissing", func(t *testing.T) {
		err := cache.Fetch(ctx, "1111111111111111111111111111111111111111111111111111", t.TempDir())
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Fetch(missing) = %v; want %v", err, ErrNotFound)
		}
	})
}

func TestExtractRejectsEscape(t *testing.T) {
	for _, name := range []string{"../evil", "/etc/evil", "lib/../../evil"} {
		buf := new(bytes.Buffer)
		tw := tar.NewWriter(buf)
		content := []byte("boo")
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatal(err)
		}
		tw.Write(content)
		tw.Close()

		parent := t.TempDir()
		dst := filepath.Join(parent, "dst")
		if err := os.Mkdir(dst, 0o777); err != nil {
			t.Fatal(err)
		}
		if err := extract(dst, buf); err == nil {
			t.Errorf("extract(%q) did not return an error", name)
		}
		if _, err := os.Lstat(filepath.Join(parent, "evil")); err == nil {
			t.Errorf("extract(%q) wrote outside destination", name)
		}
	}
}

func TestAcceptsGzip(t *testing.T) {
	tests := []struct {
		header string
		want   bool
	}{
		{"", false},
		{"gzip", true},
		{"br, gzip;q=0.5", true},
		{"br,deflate", false},
		{"gzip;q=0", false},
	}
	for _, test := range tests {
		if got := acceptsGzip(test.header); got != test.want {
			t.Errorf("acceptsGzip(%q) = %t; want %t", test.header, got, test.want)
		}
	}
}

func TestHTTPCacheUserAgent(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	var mu sync.Mutex
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = append(got, r.Header.Get("User-Agent"))
		mu.Unlock()
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	cache := &HTTPCache{URL: u, HTTPClient: srv.Client()}
	cache.Exists(ctx, "1111111111111111111111111111111111111111111111111111")

	mu.Lock()
	defer mu.Unlock()
	if len(got) == 0 {
		t.Fatal("no requests made")
	}
	for i, ua := range got {
		if ua != useragent.String {
			t.Errorf("request %d User-Agent = %q; want %q", i, ua, useragent.String)
		}
	}
}
