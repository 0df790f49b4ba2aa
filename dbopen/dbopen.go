// CLAUDE:SUMMARY Opens the livebundle SQLite database (sessions, cache tier, routes, audit) with WAL pragmas on every pooled connection; OpenMemory for tests.
// Package dbopen opens the SQLite database shared by the session store, the
// persistent cache tier, the route table and the audit log.
//
// Every pooled connection gets:
//
//	foreign_keys = ON
//	busy_timeout = 10000
//	journal_mode = WAL     (file databases)
//	synchronous  = NORMAL
//
// Usage:
//
//	db, err := dbopen.Open("data/livebundle.db", dbopen.WithMkdirAll(), dbopen.WithSchema(store.Schema))
//
// In tests:
//
//	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
package dbopen

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

const memoryPath = ":memory:"

type config struct {
	busyTimeout  int
	mkdirAll     bool
	maxOpenConns int
	schemas      []string
}

// Option customises Open.
type Option func(*config)

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeout = ms } }

// WithMkdirAll creates the parent directory of the database file.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

// WithMaxOpenConns caps the pool. 0 keeps the database/sql default.
func WithMaxOpenConns(n int) Option { return func(c *config) { c.maxOpenConns = n } }

// WithSchema queues DDL run after the pragmas, in order.
func WithSchema(s string) Option { return func(c *config) { c.schemas = append(c.schemas, s) } }

type pragma struct{ name, value string }

func (c *config) pragmas(path string) []pragma {
	p := []pragma{
		{"foreign_keys", "1"},
		{"busy_timeout", fmt.Sprint(c.busyTimeout)},
		{"synchronous", "NORMAL"},
	}
	if path != memoryPath {
		p = append(p, pragma{"journal_mode", "WAL"})
	}
	return p
}

// dsn carries the pragmas as modernc _pragma parameters, applied by the
// driver to each new connection. In-memory databases get them by Exec.
func (c *config) dsn(path string) string {
	if path == memoryPath {
		return path
	}
	q := url.Values{}
	for _, p := range c.pragmas(path) {
		q.Add("_pragma", p.name+"("+p.value+")")
	}
	return "file:" + path + "?" + q.Encode()
}

// Open opens the database at path, then runs every queued schema.
func Open(path string, opts ...Option) (*sql.DB, error) {
	cfg := config{busyTimeout: 10_000}
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll && path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.dsn(path))
	if err != nil {
		return nil, fmt.Errorf("dbopen: open: %w", err)
	}
	if cfg.maxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.maxOpenConns)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbopen: ping %s: %w", path, err)
	}
	if path == memoryPath {
		for _, p := range cfg.pragmas(path) {
			if _, err := db.Exec("PRAGMA " + p.name + " = " + p.value); err != nil {
				db.Close()
				return nil, fmt.Errorf("dbopen: pragma %s: %w", p.name, err)
			}
		}
	}
	for i, s := range cfg.schemas {
		if _, err := db.Exec(s); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: schema %d: %w", i, err)
		}
	}
	return db, nil
}

// OpenMemory opens a private in-memory database closed through t.Cleanup.
// The pool holds one connection: each ":memory:" connection is its own
// database.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(memoryPath, append(opts, WithMaxOpenConns(1))...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
