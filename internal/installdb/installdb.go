// Copyright 2025 The pin Authors
// SPDX-License-Identifier: MIT

// Package installdb provides the index of installed concrete specs
// and the store directory that holds their prefixes.
package installdb

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"pin.256lights.llc/pkg/pinspec"
	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"
)

// ErrNotFound is returned when a hash is not in the index.
var ErrNotFound = errors.New("not installed")

// ErrHasDependents is returned by [DB.Remove]
// when installed specs still depend on the spec being removed.
var ErrHasDependents = errors.New("installed specs depend on it")

// Entry is an installed spec.
type Entry struct {
	Hash     pinspec.Hash
	Name     string
	Version  pinspec.Version
	Record   *pinspec.NodeRecord
	Prefix   string
	Explicit bool
	// RunID identifies the scheduler run that installed the spec.
	// It is the zero UUID if unknown.
	RunID       uuid.UUID
	InstalledAt time.Time
}

// RecordOptions holds optional parameters for [DB.Record].
type RecordOptions struct {
	// Explicit marks the spec as requested by a user
	// rather than installed as a dependency.
	Explicit bool
	RunID    uuid.UUID
}

// DB is an install index backed by a SQLite database.
// Methods on DB are safe to call from multiple goroutines concurrently.
// Multiple processes may open the same database.
type DB struct {
	storeDir string
	pool     *sqlitemigration.Pool
	now      func() time.Time
}

// Open opens the index at dbPath for the store directory storeDir,
// creating both if necessary.
// The schema is migrated lazily on first use.
func Open(dbPath, storeDir string) (*DB, error) {
	storeDir, err := filepath.Abs(storeDir)
	if err != nil {
		return nil, fmt.Errorf("open install index: %v", err)
	}
	if err := os.MkdirAll(storeDir, 0o777); err != nil {
		return nil, fmt.Errorf("open install index: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o777); err != nil {
		return nil, fmt.Errorf("open install index: %v", err)
	}
	db := &DB{
		storeDir: storeDir,
		now:      time.Now,
		pool: sqlitemigration.NewPool(dbPath, loadSchema(), sqlitemigration.Options{
			Flags:       sqlite.OpenCreate | sqlite.OpenReadWrite,
			PrepareConn: prepareConn,
			OnStartMigrate: func() {
				log.Debugf(context.Background(), "Migrating install index...")
			},
			OnError: func(err error) {
				log.Errorf(context.Background(), "Install index migration: %v", err)
			},
		}),
	}
	return db, nil
}

// Close releases the database connections.
func (db *DB) Close() error {
	return db.pool.Close()
}

// StoreDir returns the absolute path of the store directory.
func (db *DB) StoreDir() string {
	return db.storeDir
}

// Prefix returns the installation prefix for the concrete spec
// with the given name, version, and hash.
func (db *DB) Prefix(name string, version pinspec.Version, hash pinspec.Hash) string {
	return filepath.Join(db.storeDir, name+"-"+string(version)+"-"+string(hash))
}

// PrefixFor returns the installation prefix of c.
// An external spec lives at its own prefix outside the store.
func (db *DB) PrefixFor(c *pinspec.Concrete) string {
	if c.External != "" {
		return c.External
	}
	return db.Prefix(c.Name, c.Version, c.Hash)
}

// inStore reports whether path is inside the store directory.
func (db *DB) inStore(path string) bool {
	rel, err := filepath.Rel(db.storeDir, path)
	return err == nil && rel != "." && filepath.IsLocal(rel)
}

// TempDir creates a new temporary directory in the store
// for building the spec with the given hash.
// It is renamed into place by [DB.Commit].
func (db *DB) TempDir(hash pinspec.Hash) (string, error) {
	dir, err := os.MkdirTemp(db.storeDir, ".tmp-"+hash.Short()+"-")
	if err != nil {
		return "", fmt.Errorf("create build prefix for %s: %v", hash, err)
	}
	return dir, nil
}

// Commit moves the directory tmpDir to c's prefix
// and then records c in the index.
// If the prefix already exists (another process won the race),
// tmpDir is removed and the existing prefix is kept.
func (db *DB) Commit(ctx context.Context, c *pinspec.Concrete, tmpDir string, opts *RecordOptions) error {
	prefix := db.Prefix(c.Name, c.Version, c.Hash)
	if err := os.Rename(tmpDir, prefix); err != nil {
		if _, statErr := os.Lstat(prefix); statErr != nil {
			return fmt.Errorf("install %s/%s: %v", c.Name, c.Hash.Short(), err)
		}
		log.Debugf(ctx, "%s already exists; discarding %s", prefix, tmpDir)
		if err := os.RemoveAll(tmpDir); err != nil {
			log.Warnf(ctx, "Clean up %s: %v", tmpDir, err)
		}
	}
	return db.Record(ctx, c, opts)
}

// Record adds c to the index in a single transaction.
// Every dependency of c must already be recorded.
// Recording a spec that is already present only updates its explicit flag.
func (db *DB) Record(ctx context.Context, c *pinspec.Concrete, opts *RecordOptions) (err error) {
	if opts == nil {
		opts = new(RecordOptions)
	}
	if c.Hash.IsZero() {
		return fmt.Errorf("record %s: spec is not hashed", c.Name)
	}
	canonical, err := c.Record().MarshalText()
	if err != nil {
		return fmt.Errorf("record %s: %v", c.Name, err)
	}

	conn, err := db.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("record %s/%s: %v", c.Name, c.Hash.Short(), err)
	}
	defer db.pool.Put(conn)
	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("record %s/%s: %v", c.Name, c.Hash.Short(), err)
	}
	defer endFn(&err)

	for _, e := range c.Deps {
		found, err := hasSpec(conn, e.Spec.Hash)
		if err != nil {
			return fmt.Errorf("record %s/%s: %v", c.Name, c.Hash.Short(), err)
		}
		if !found {
			return fmt.Errorf("record %s/%s: dependency %s/%s: %w", c.Name, c.Hash.Short(), e.Spec.Name, e.Spec.Hash.Short(), ErrNotFound)
		}
	}

	var runID any
	if opts.RunID != uuid.Nil {
		runID = opts.RunID.String()
	}
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "insert_spec.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":hash":         string(c.Hash),
			":name":         c.Name,
			":version":      string(c.Version),
			":canonical":    string(canonical),
			":prefix":       db.PrefixFor(c),
			":explicit":     opts.Explicit,
			":run_id":       runID,
			":installed_at": db.now().UnixMilli(),
		},
	})
	if err != nil {
		return fmt.Errorf("record %s/%s: %v", c.Name, c.Hash.Short(), err)
	}

	edgeStmt, err := sqlitex.PrepareTransientFS(conn, sqlFiles(), "insert_edge.sql")
	if err != nil {
		return fmt.Errorf("record %s/%s: %v", c.Name, c.Hash.Short(), err)
	}
	defer edgeStmt.Finalize()
	edgeStmt.SetText(":parent", string(c.Hash))
	for _, e := range c.Deps {
		edgeStmt.SetText(":child", string(e.Spec.Hash))
		edgeStmt.SetText(":types", e.Types.String())
		edgeStmt.SetText(":virtuals", strings.Join(e.Virtuals, ","))
		if _, err := edgeStmt.Step(); err != nil {
			return fmt.Errorf("record %s/%s: dependency %s: %v", c.Name, c.Hash.Short(), e.Spec.Name, err)
		}
		if err := edgeStmt.Reset(); err != nil {
			return fmt.Errorf("record %s/%s: dependency %s: %v", c.Name, c.Hash.Short(), e.Spec.Name, err)
		}
	}
	log.Debugf(ctx, "Recorded %s/%s in install index", c.Name, c.Hash.Short())
	return nil
}

// Has reports whether the hash is installed.
func (db *DB) Has(ctx context.Context, hash pinspec.Hash) (bool, error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return false, fmt.Errorf("look up %s: %v", hash, err)
	}
	defer db.pool.Put(conn)
	found, err := hasSpec(conn, hash)
	if err != nil {
		return false, fmt.Errorf("look up %s: %v", hash, err)
	}
	return found, nil
}

func hasSpec(conn *sqlite.Conn, hash pinspec.Hash) (bool, error) {
	found := false
	err := sqlitex.ExecuteTransient(conn, `select 1 from "specs" where "hash" = ?;`, &sqlitex.ExecOptions{
		Args: []any{string(hash)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			return nil
		},
	})
	return found, err
}

// Lookup returns the entry for the hash
// or an error wrapping [ErrNotFound].
func (db *DB) Lookup(ctx context.Context, hash pinspec.Hash) (*Entry, error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("look up %s: %v", hash, err)
	}
	defer db.pool.Put(conn)

	var entry *Entry
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "find_spec.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":hash": string(hash)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var err error
			entry, err = scanEntry(stmt)
			return err
		},
	})
	if err != nil {
		return nil, fmt.Errorf("look up %s: %v", hash, err)
	}
	if entry == nil {
		return nil, fmt.Errorf("look up %s: %w", hash, ErrNotFound)
	}
	return entry, nil
}

// ListOptions filters the result of [DB.List].
type ListOptions struct {
	// Name restricts the list to specs with the given package name.
	Name string
	// ExplicitOnly restricts the list to explicitly installed specs.
	ExplicitOnly bool
}

// List returns the installed entries ordered by name, version, and hash.
func (db *DB) List(ctx context.Context, opts *ListOptions) ([]*Entry, error) {
	if opts == nil {
		opts = new(ListOptions)
	}
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("list installed: %v", err)
	}
	defer db.pool.Put(conn)
	return list(conn, opts)
}

func list(conn *sqlite.Conn, opts *ListOptions) ([]*Entry, error) {
	var name any
	if opts.Name != "" {
		name = opts.Name
	}
	var entries []*Entry
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "list_specs.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":name":          name,
			":explicit_only": opts.ExplicitOnly,
		},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			entry, err := scanEntry(stmt)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list installed: %v", err)
	}
	return entries, nil
}

// Roots returns the hashes of the explicitly installed specs.
func (db *DB) Roots(ctx context.Context) ([]pinspec.Hash, error) {
	entries, err := db.List(ctx, &ListOptions{ExplicitOnly: true})
	if err != nil {
		return nil, err
	}
	roots := make([]pinspec.Hash, 0, len(entries))
	for _, e := range entries {
		roots = append(roots, e.Hash)
	}
	return roots, nil
}

// Installed reconstructs every installed spec with its dependencies.
// Every record's hash is verified.
func (db *DB) Installed(ctx context.Context) ([]*pinspec.Concrete, error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("read installed specs: %v", err)
	}
	defer db.pool.Put(conn)
	rollback, err := readonlySavepoint(conn)
	if err != nil {
		return nil, fmt.Errorf("read installed specs: %v", err)
	}
	defer rollback()

	entries, err := list(conn, new(ListOptions))
	if err != nil {
		return nil, fmt.Errorf("read installed specs: %v", err)
	}
	records := make(map[pinspec.Hash]*pinspec.NodeRecord, len(entries))
	hashes := make([]pinspec.Hash, 0, len(entries))
	for _, e := range entries {
		records[e.Hash] = e.Record
		hashes = append(hashes, e.Hash)
	}
	specs, err := pinspec.Reconstruct(records, hashes)
	if err != nil {
		return nil, fmt.Errorf("read installed specs: %v", err)
	}
	return specs, nil
}

// Remove deletes the hash from the index and removes its prefix.
// Prefixes outside the store, like those of externals, are left alone.
// It fails with [ErrHasDependents] if other installed specs depend on it.
func (db *DB) Remove(ctx context.Context, hash pinspec.Hash) (err error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("remove %s: %v", hash, err)
	}
	defer db.pool.Put(conn)

	var prefix string
	err = func() (err error) {
		endFn, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer endFn(&err)

		var dependents []string
		err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "dependents.sql", &sqlitex.ExecOptions{
			Named: map[string]any{":hash": string(hash)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				dependents = append(dependents, pinspec.Hash(stmt.GetText("hash")).Short())
				return nil
			},
		})
		if err != nil {
			return err
		}
		if len(dependents) > 0 {
			return fmt.Errorf("%w (%s)", ErrHasDependents, strings.Join(dependents, ", "))
		}
		err = sqlitex.ExecuteTransient(conn, `select "prefix" from "specs" where "hash" = ?;`, &sqlitex.ExecOptions{
			Args: []any{string(hash)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				prefix = stmt.ColumnText(0)
				return nil
			},
		})
		if err != nil {
			return err
		}
		if prefix == "" {
			return ErrNotFound
		}
		return sqlitex.ExecuteTransientFS(conn, sqlFiles(), "delete_spec.sql", &sqlitex.ExecOptions{
			Named: map[string]any{":hash": string(hash)},
		})
	}()
	if err != nil {
		return fmt.Errorf("remove %s: %w", hash, err)
	}
	if !db.inStore(prefix) {
		log.Debugf(ctx, "Leaving %s in place: outside of store", prefix)
		return nil
	}
	if err := os.RemoveAll(prefix); err != nil {
		log.Warnf(ctx, "Removed %s from index, but not from store: %v", hash, err)
	}
	return nil
}

func scanEntry(stmt *sqlite.Stmt) (*Entry, error) {
	hash := pinspec.Hash(stmt.GetText("hash"))
	rec := new(pinspec.NodeRecord)
	if err := rec.UnmarshalText([]byte(stmt.GetText("canonical"))); err != nil {
		return nil, fmt.Errorf("%s: %v", hash, err)
	}
	entry := &Entry{
		Hash:        hash,
		Name:        stmt.GetText("name"),
		Version:     pinspec.Version(stmt.GetText("version")),
		Record:      rec,
		Prefix:      stmt.GetText("prefix"),
		Explicit:    stmt.GetBool("explicit"),
		InstalledAt: time.UnixMilli(stmt.GetInt64("installed_at")),
	}
	if s := stmt.GetText("run_id"); s != "" {
		var err error
		entry.RunID, err = uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("%s: run ID: %v", hash, err)
		}
	}
	return entry, nil
}

func prepareConn(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode = wal;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA foreign_keys = on;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA busy_timeout = 10000;", nil); err != nil {
		return err
	}
	return nil
}

// readonlySavepoint starts a savepoint that is always rolled back,
// giving the caller a consistent snapshot across several queries.
func readonlySavepoint(conn *sqlite.Conn) (rollback func(), err error) {
	if err := sqlitex.ExecuteTransient(conn, "SAVEPOINT readonly;", nil); err != nil {
		return nil, err
	}
	return func() {
		if err := sqlitex.ExecuteTransient(conn, "ROLLBACK TO SAVEPOINT readonly;", nil); err != nil {
			log.Errorf(context.Background(), "Rolling back read-only savepoint: %v", err)
		}
		if err := sqlitex.ExecuteTransient(conn, "RELEASE SAVEPOINT readonly;", nil); err != nil {
			log.Errorf(context.Background(), "Releasing read-only savepoint: %v", err)
		}
	}, nil
}

//go:embed sql/*.sql
//go:embed sql/schema/*.sql
var rawSQLFiles embed.FS

func sqlFiles() fs.FS {
	sub, err := fs.Sub(rawSQLFiles, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

var schemaState struct {
	init   sync.Once
	schema sqlitemigration.Schema
	err    error
}

func loadSchema() sqlitemigration.Schema {
	schemaState.init.Do(func() {
		for i := 1; ; i++ {
			migration, err := fs.ReadFile(sqlFiles(), fmt.Sprintf("schema/%02d.sql", i))
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			if err != nil {
				schemaState.err = err
				return
			}
			schemaState.schema.Migrations = append(schemaState.schema.Migrations, string(migration))
		}
	})

	if schemaState.err != nil {
		panic(schemaState.err)
	}
	return schemaState.schema
}
