// CLAUDE:SUMMARY SQLite session store: one row per live artifact instance with revision-tracked transpile state.
// Package store persists live-artifact sessions in SQLite.
package store

import (
	"database/sql"
	"errors"

	"github.com/hazyhaar/livebundle/dbopen"
)

// ErrNotFound is returned by Get for an unknown instance.
var ErrNotFound = errors.New("store: session not found")

// Store is the session database handle. Safe for concurrent use.
type Store struct {
	DB *sql.DB
}

// Open opens (or creates) the session database at path and applies Schema.
func Open(path string, opts ...dbopen.Option) (*Store, error) {
	all := append([]dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(Schema),
	}, opts...)
	db, err := dbopen.Open(path, all...)
	if err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// New wraps an already opened database. The caller applies Schema.
func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}
