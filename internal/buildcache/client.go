// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package buildcache

import (
	"archive/tar"
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/dsnet/compress/brotli"
	jsonv2 "github.com/go-json-experiment/json"
	"pin.256lights.llc/pkg/internal/hal"
	"pin.256lights.llc/pkg/internal/useragent"
	"pin.256lights.llc/pkg/pinspec"
	"zombiezen.com/go/log"
)

// HTTPCache is a read-only client for a buildcache served over HTTP.
type HTTPCache struct {
	// URL is the URL of the discovery document.
	// It must be non-nil or the cache's methods return errors.
	URL *url.URL
	// HTTPClient is used to make requests.
	// If nil, [http.DefaultClient] is used.
	HTTPClient *http.Client
}

func (c *HTTPCache) client() *http.Client {
	if c.HTTPClient == nil {
		return http.DefaultClient
	}
	return c.HTTPClient
}

func (c *HTTPCache) discover(ctx context.Context) (*hal.Resource, error) {
	if c.URL == nil {
		return nil, fmt.Errorf("get discovery document: url missing")
	}
	data, err := fetch(ctx, c.client(), c.URL, hal.MediaType+",application/json;q=0.9,*/*;q=0.8")
	if err != nil {
		return nil, fmt.Errorf("get discovery document: %v", err)
	}
	hr := new(hal.Resource)
	if err := jsonv2.Unmarshal(data, hr); err != nil {
		return nil, fmt.Errorf("get discovery document: %v", err)
	}
	return hr, nil
}

func (c *HTTPCache) link(hr *hal.Resource, rel string, hash pinspec.Hash) (*url.URL, error) {
	l := hr.Link(rel)
	if l == nil {
		return nil, fmt.Errorf("discovery document missing %s link", rel)
	}
	if !l.Templated {
		return nil, fmt.Errorf("discovery document link %s is not templated", rel)
	}
	return l.Expand(c.URL, map[string]string{"hash": string(hash)})
}

// Exists reports whether the buildcache has an artifact for hash.
func (c *HTTPCache) Exists(ctx context.Context, hash pinspec.Hash) (bool, error) {
	_, err := c.Info(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Info fetches and verifies the description of the artifact for hash.
// If the buildcache does not have it, Info returns an error wrapping [ErrNotFound].
func (c *HTTPCache) Info(ctx context.Context, hash pinspec.Hash) (*SpecInfo, error) {
	hr, err := c.discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("look up %s in buildcache: %v", hash, err)
	}
	u, err := c.link(hr, SpecRelation, hash)
	if err != nil {
		return nil, fmt.Errorf("look up %s in buildcache: %v", hash, err)
	}
	data, err := fetch(ctx, c.client(), u, "application/json")
	if statusCode, _ := errorStatusCode(err); statusCode == http.StatusNotFound {
		log.Debugf(ctx, "%s not in buildcache: %v", hash, err)
		return nil, fmt.Errorf("look up %s in buildcache: %w", hash, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("look up %s in buildcache: %v", hash, err)
	}
	info := new(SpecInfo)
	if err := jsonv2.Unmarshal(data, info); err != nil {
		return nil, fmt.Errorf("look up %s in buildcache: %v", hash, err)
	}
	if info.Hash != hash {
		return nil, fmt.Errorf("look up %s in buildcache: server returned %s", hash, info.Hash)
	}
	if err := info.Verify(); err != nil {
		return nil, fmt.Errorf("look up %s in buildcache: %v", hash, err)
	}
	return info, nil
}

// Fetch downloads the artifact for hash and extracts it into the directory dst,
// which must already exist.
// If the buildcache does not have it, Fetch returns an error wrapping [ErrNotFound].
func (c *HTTPCache) Fetch(ctx context.Context, hash pinspec.Hash, dst string) error {
	if _, err := c.Info(ctx, hash); err != nil {
		return err
	}
	hr, err := c.discover(ctx)
	if err != nil {
		return fmt.Errorf("download %s: %v", hash, err)
	}
	u, err := c.link(hr, ArchiveRelation, hash)
	if err != nil {
		return fmt.Errorf("download %s: %v", hash, err)
	}
	req := (&http.Request{
		Method: http.MethodGet,
		URL:    u,
		Header: http.Header{
			"Accept":          {"application/x-tar,*/*;q=0.8"},
			"Accept-Encoding": {acceptEncoding},
			"User-Agent":      {useragent.String},
		},
	}).WithContext(ctx)
	resp, err := c.client().Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %v", hash, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := &httpError{statusCode: resp.StatusCode, status: resp.Status}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("download %s: get %s: %v: %w", hash, u.Redacted(), err, ErrNotFound)
		}
		return fmt.Errorf("download %s: get %s: %v", hash, u.Redacted(), err)
	}
	body, err := decodeBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return fmt.Errorf("download %s: get %s: %v", hash, u.Redacted(), err)
	}
	defer body.Close()
	if err := extract(dst, body); err != nil {
		return fmt.Errorf("download %s: %v", hash, err)
	}
	log.Debugf(ctx, "Extracted %s from buildcache into %s", hash, dst)
	return nil
}

// extract unpacks a tar stream into dst.
// Entries may not escape dst.
func extract(dst string, r io.Reader) error {
	root, err := os.OpenRoot(dst)
	if err != nil {
		return err
	}
	defer root.Close()
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		name := path.Clean(strings.TrimPrefix(hdr.Name, "./"))
		if name == "." {
			continue
		}
		if !fs.ValidPath(name) {
			return fmt.Errorf("archive entry %q: invalid path", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := root.MkdirAll(name, 0o777); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := root.MkdirAll(path.Dir(name), 0o777); err != nil {
				return err
			}
			perm := fs.FileMode(0o666)
			if hdr.Mode&0o111 != 0 {
				perm = 0o777
			}
			f, err := root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
			if err != nil {
				return err
			}
			_, err = io.Copy(f, tr)
			err2 := f.Close()
			if err != nil {
				return fmt.Errorf("archive entry %s: %v", name, err)
			}
			if err2 != nil {
				return err2
			}
		case tar.TypeSymlink:
			if err := root.MkdirAll(path.Dir(name), 0o777); err != nil {
				return err
			}
			if err := root.Symlink(hdr.Linkname, name); err != nil {
				return err
			}
		default:
			return fmt.Errorf("archive entry %s: unsupported type %q", name, hdr.Typeflag)
		}
	}
}

func fetch(ctx context.Context, client *http.Client, u *url.URL, accept string) ([]byte, error) {
	req := (&http.Request{
		Method: http.MethodGet,
		URL:    u,
		Header: http.Header{
			"Accept":          {accept},
			"Accept-Encoding": {acceptEncoding},
			"User-Agent":      {useragent.String},
		},
	}).WithContext(ctx)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %v: %v", u.Redacted(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %v: %w", u.Redacted(), &httpError{
			statusCode: resp.StatusCode,
			status:     resp.Status,
		})
	}
	const mebibyte = 1 << 20
	const maxSize = 4 * mebibyte
	if resp.ContentLength > maxSize {
		return nil, fmt.Errorf("fetch %v: response too large (%.1f MiB)", u.Redacted(), float64(resp.ContentLength)/mebibyte)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("fetch %v: %v", u.Redacted(), err)
	}
	if len(data) > maxSize {
		return nil, fmt.Errorf("fetch %v: response too large", u.Redacted())
	}
	if e := resp.Header.Get("Content-Encoding"); e != "" {
		dec, err := decodeBody(bytes.NewReader(data), e)
		if err != nil {
			return nil, fmt.Errorf("fetch %v: %v", u.Redacted(), err)
		}
		defer dec.Close()
		data, err = io.ReadAll(dec)
		if err != nil {
			return nil, fmt.Errorf("fetch %v: %v", u.Redacted(), err)
		}
	}
	return data, nil
}

// acceptEncoding advertises the encodings that [decodeBody] supports.
const acceptEncoding = "br,gzip,deflate"

func decodeBody(r io.Reader, contentEncoding string) (io.ReadCloser, error) {
	switch contentEncoding {
	case "", "identity":
		return io.NopCloser(r), nil
	case "br":
		return brotli.NewReader(r, nil)
	case "gzip", "x-gzip":
		return gzip.NewReader(r)
	case "deflate":
		return flate.NewReader(r), nil
	default:
		return nil, fmt.Errorf("unsupported Content-Encoding %s", contentEncoding)
	}
}
