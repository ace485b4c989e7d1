// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
	"iter"
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/redis/go-redis/v9"
	"github.com/tailscale/hujson"
	"pin.256lights.llc/pkg/internal/buildcache"
	"pin.256lights.llc/pkg/internal/catalog"
	"pin.256lights.llc/pkg/internal/concretize"
	"pin.256lights.llc/pkg/internal/installdb"
	"pin.256lights.llc/pkg/internal/lockmgr"
	"pin.256lights.llc/pkg/pinspec"
)

// configFileName is the path of the configuration file
// relative to a configuration directory.
const configFileName = "pin/config.jsonc"

// Lock backends.
const (
	fileLockBackend  = "file"
	redisLockBackend = "redis"
)

type globalConfig struct {
	Debug       bool     `json:"debug"`
	StoreDir    string   `json:"storeDirectory"`
	IndexDB     string   `json:"indexDB"`
	CatalogDirs []string `json:"catalogDirectories"`

	Strategy  concretize.Strategy       `json:"strategy"`
	Reuse     concretize.ReusePolicy    `json:"reuse"`
	Unify     concretize.UnifyPolicy    `json:"unify"`
	Tests     concretize.TestPolicy     `json:"tests"`
	Compiler  string                    `json:"compiler"`
	Providers map[string][]string       `json:"providers"`
	Packages  map[string]*packageConfig `json:"packages"`

	Jobs        int           `json:"jobs"`
	LockBackend string        `json:"lockBackend"`
	LockFile    string        `json:"lockFile"`
	RedisURL    string        `json:"redisURL"`
	LockTimeout time.Duration `json:"lockTimeout"`
	LockRetries int           `json:"lockRetries"`
	BuildCache  string        `json:"buildCache"`
	BuildDir    string        `json:"buildDirectory"`
}

// packageConfig is the configuration for a single package.
type packageConfig struct {
	Externals []*externalConfig `json:"externals"`
	// Buildable is nil if the configuration does not say.
	Buildable *bool `json:"buildable"`
}

type externalConfig struct {
	Spec   string `json:"spec"`
	Prefix string `json:"prefix"`
}

// defaultGlobalConfig returns the configuration used before any files,
// environment variables, or flags are applied.
func defaultGlobalConfig() *globalConfig {
	g := &globalConfig{
		StoreDir:    defaultStoreDir(),
		LockBackend: fileLockBackend,
		LockTimeout: lockmgr.DefaultTimeout,
		LockRetries: 2,
	}
	for dir := range systemConfigDirs() {
		g.CatalogDirs = append(g.CatalogDirs, filepath.Join(dir, "pin", "catalog"))
	}
	return g
}

// defaultStoreDir returns the per-user directory that packages are installed into.
func defaultStoreDir() string {
	dir := dataDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "pin", "store")
}

// configFiles returns the paths of the configuration files to read
// in increasing order of preference.
func configFiles() iter.Seq[string] {
	return func(yield func(string) bool) {
		for dir := range systemConfigDirs() {
			if !yield(filepath.Join(dir, filepath.FromSlash(configFileName))) {
				return
			}
		}
		if path := os.Getenv("PIN_CONFIG"); path != "" {
			yield(path)
		}
	}
}

func (g *globalConfig) mergeEnvironment() error {
	if dir := os.Getenv("PIN_STORE_DIR"); dir != "" {
		g.StoreDir = dir
	}
	if path := os.Getenv("PIN_INDEX_DB"); path != "" {
		g.IndexDB = path
	}
	if dirs := os.Getenv("PIN_CATALOG"); dirs != "" {
		g.CatalogDirs = filepath.SplitList(dirs)
	}
	if backend := os.Getenv("PIN_LOCK_BACKEND"); backend != "" {
		g.LockBackend = backend
	}
	if u := os.Getenv("PIN_REDIS_URL"); u != "" {
		g.RedisURL = u
	}
	if u := os.Getenv("PIN_BUILD_CACHE"); u != "" {
		g.BuildCache = u
	}
	if s := os.Getenv("PIN_JOBS"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("PIN_JOBS: %v", err)
		}
		g.Jobs = n
	}
	return nil
}

func (g *globalConfig) mergeFiles(paths iter.Seq[string]) error {
	for path := range paths {
		huJSONData, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		jsonData, err := hujson.Standardize(huJSONData)
		if err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
		if err := jsonv2.Unmarshal(jsonData, g, jsonv2.RejectUnknownMembers(false)); err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
	}

	return nil
}

// UnmarshalJSONFrom unmarshals the configuration object from the JSON decoder,
// merging any fields in the JSON object with existing values.
func (g *globalConfig) UnmarshalJSONFrom(in *jsontext.Decoder) error {
	tok, err := in.ReadToken()
	if err != nil {
		return err
	}
	if got := tok.Kind(); got != '{' {
		return fmt.Errorf("config must be an object not a %v", got)
	}

	for {
		keyToken, err := in.ReadToken()
		if err != nil {
			return err
		}
		switch kind := keyToken.Kind(); kind {
		case '}':
			return nil
		case '"':
			// Keep going.
		default:
			return fmt.Errorf("unexpected non-string key (%v) in object", kind)
		}

		switch k := keyToken.String(); k {
		case "debug":
			err = jsonv2.UnmarshalDecode(in, &g.Debug)
		case "storeDirectory":
			err = jsonv2.UnmarshalDecode(in, &g.StoreDir)
		case "indexDB":
			err = jsonv2.UnmarshalDecode(in, &g.IndexDB)
		case "catalogDirectories":
			// Use any unused capacity at end of the slice.
			newDirs := g.CatalogDirs[len(g.CatalogDirs):]
			err = jsonv2.UnmarshalDecode(in, &newDirs)
			g.CatalogDirs = append(g.CatalogDirs, newDirs...)
		case "strategy":
			err = unmarshalEnum(in, &g.Strategy, concretize.ParseStrategy)
		case "reuse":
			err = unmarshalEnum(in, &g.Reuse, concretize.ParseReusePolicy)
		case "unify":
			err = unmarshalEnum(in, &g.Unify, concretize.ParseUnifyPolicy)
		case "tests":
			err = unmarshalEnum(in, &g.Tests, concretize.ParseTestPolicy)
		case "compiler":
			err = jsonv2.UnmarshalDecode(in, &g.Compiler)
		case "providers":
			if g.Providers == nil {
				g.Providers = make(map[string][]string)
			}
			err = jsonv2.UnmarshalDecode(in, &g.Providers)
		case "packages":
			// Later files replace a package's section as a whole.
			var packages map[string]*packageConfig
			err = jsonv2.UnmarshalDecode(in, &packages)
			if g.Packages == nil {
				g.Packages = make(map[string]*packageConfig)
			}
			maps.Copy(g.Packages, packages)
		case "jobs":
			err = jsonv2.UnmarshalDecode(in, &g.Jobs)
		case "lockBackend":
			err = jsonv2.UnmarshalDecode(in, &g.LockBackend)
		case "lockFile":
			err = jsonv2.UnmarshalDecode(in, &g.LockFile)
		case "redisURL":
			err = jsonv2.UnmarshalDecode(in, &g.RedisURL)
		case "lockTimeout":
			err = unmarshalEnum(in, &g.LockTimeout, time.ParseDuration)
		case "lockRetries":
			err = jsonv2.UnmarshalDecode(in, &g.LockRetries)
		case "buildCache":
			err = jsonv2.UnmarshalDecode(in, &g.BuildCache)
		case "buildDirectory":
			err = jsonv2.UnmarshalDecode(in, &g.BuildDir)
		default:
			if reject, _ := jsonv2.GetOption(in.Options(), jsonv2.RejectUnknownMembers); reject {
				return fmt.Errorf("unmarshal config: unknown field %q", k)
			}
			err = in.SkipValue()
		}
		if err != nil {
			return fmt.Errorf("unmarshal config.%s: %w", keyToken.String(), err)
		}
	}
}

// unmarshalEnum decodes a JSON string with parse.
func unmarshalEnum[T any](in *jsontext.Decoder, dst *T, parse func(string) (T, error)) error {
	var s string
	if err := jsonv2.UnmarshalDecode(in, &s); err != nil {
		return err
	}
	x, err := parse(s)
	if err != nil {
		return err
	}
	*dst = x
	return nil
}

func (g *globalConfig) validate() error {
	if g.StoreDir == "" {
		return fmt.Errorf("store directory not set")
	}
	if !filepath.IsAbs(g.StoreDir) {
		return fmt.Errorf("store directory %q is not absolute", g.StoreDir)
	}
	switch g.LockBackend {
	case fileLockBackend:
	case redisLockBackend:
		if g.RedisURL == "" {
			return fmt.Errorf("lock backend is %s but redisURL not set", redisLockBackend)
		}
	default:
		return fmt.Errorf("unknown lock backend %q", g.LockBackend)
	}
	if g.LockRetries < 0 {
		return fmt.Errorf("lockRetries is negative")
	}
	if g.Compiler != "" {
		if _, err := g.compilerConstraint(); err != nil {
			return err
		}
	}
	return nil
}

// indexPath returns the path of the install index database.
func (g *globalConfig) indexPath() string {
	if g.IndexDB != "" {
		return g.IndexDB
	}
	return filepath.Join(g.StoreDir, ".pin", "index.db")
}

// lockPath returns the path of the lock file used by the file lock backend.
func (g *globalConfig) lockPath() string {
	if g.LockFile != "" {
		return g.LockFile
	}
	return filepath.Join(g.StoreDir, ".pin", "lock")
}

func (g *globalConfig) compilerConstraint() (pinspec.CompilerConstraint, error) {
	if g.Compiler == "" {
		return pinspec.CompilerConstraint{}, nil
	}
	spec, err := pinspec.ParseCondition("%" + g.Compiler)
	if err != nil {
		return pinspec.CompilerConstraint{}, fmt.Errorf("compiler: %w", err)
	}
	return spec.Compiler, nil
}

// solverConfig returns the concretizer configuration.
func (g *globalConfig) solverConfig() (*concretize.Config, error) {
	compiler, err := g.compilerConstraint()
	if err != nil {
		return nil, err
	}
	cfg := &concretize.Config{
		Strategy:            g.Strategy,
		DefaultCompiler:     compiler,
		ReusePolicy:         g.Reuse,
		ProviderPreferences: g.Providers,
		Tests:               g.Tests,
		Unify:               g.Unify,
	}
	for name, pc := range g.Packages {
		if pc == nil {
			continue
		}
		if pc.Buildable != nil && !*pc.Buildable {
			if cfg.NotBuildable == nil {
				cfg.NotBuildable = make(map[string]bool)
			}
			cfg.NotBuildable[name] = true
		}
		for _, ec := range pc.Externals {
			spec, err := pinspec.Parse(ec.Spec)
			if err != nil {
				return nil, fmt.Errorf("packages.%s: external: %v", name, err)
			}
			ext := &catalog.External{Spec: spec, Prefix: ec.Prefix}
			if err := ext.Validate(name); err != nil {
				return nil, fmt.Errorf("packages.%s: %v", name, err)
			}
			if cfg.Externals == nil {
				cfg.Externals = make(map[string][]*catalog.External)
			}
			cfg.Externals[name] = append(cfg.Externals[name], ext)
		}
	}
	return cfg, nil
}

// loadCatalog reads the configured catalog directories.
// Directories that do not exist are skipped.
func (g *globalConfig) loadCatalog() (*catalog.Repo, error) {
	var dirs []string
	for _, dir := range g.CatalogDirs {
		if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
			continue
		}
		dirs = append(dirs, dir)
	}
	if len(dirs) == 0 {
		return nil, fmt.Errorf("no catalog directories found (searched %q)", g.CatalogDirs)
	}
	return catalog.LoadDir(dirs...)
}

func (g *globalConfig) openIndex() (*installdb.DB, error) {
	return installdb.Open(g.indexPath(), g.StoreDir)
}

// lockManager returns a lock manager for the configured backend.
// The caller is responsible for calling the returned close function.
func (g *globalConfig) lockManager() (_ *lockmgr.Manager, close func() error, err error) {
	m := &lockmgr.Manager{Timeout: g.LockTimeout}
	switch g.LockBackend {
	case redisLockBackend:
		opts, err := redis.ParseURL(g.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis lock backend: %v", err)
		}
		client := redis.NewClient(opts)
		m.Backend = &lockmgr.RedisBackend{Client: client}
		return m, client.Close, nil
	default:
		if err := os.MkdirAll(filepath.Dir(g.lockPath()), 0o777); err != nil {
			return nil, nil, err
		}
		b, err := lockmgr.OpenFileBackend(g.lockPath())
		if err != nil {
			return nil, nil, err
		}
		m.Backend = b
		return m, b.Close, nil
	}
}

// buildCache returns the configured remote buildcache
// or nil if none is configured.
func (g *globalConfig) buildCache() (*buildcache.HTTPCache, error) {
	if g.BuildCache == "" {
		return nil, nil
	}
	u, err := url.Parse(g.BuildCache)
	if err != nil {
		return nil, fmt.Errorf("buildCache: %v", err)
	}
	return &buildcache.HTTPCache{URL: u}, nil
}
