package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/livebundle/dbopen"
	"github.com/hazyhaar/livebundle/watch"
)

// Session is the per-instance state of a live artifact.
type Session struct {
	InstanceID     string `json:"instance_id"`
	SourceCode     string `json:"source_code"`
	TranspiledCode string `json:"transpiled_code,omitempty"`
	ScaffoldHTML   string `json:"scaffold_html,omitempty"`
	Stylesheet     string `json:"stylesheet,omitempty"`
	SourceRev      int64  `json:"source_rev"`
	TranspiledRev  int64  `json:"transpiled_rev"`
	LastError      string `json:"last_error,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

// Stale reports whether TranspiledCode does not reflect the current source.
func (s *Session) Stale() bool {
	if s.TranspiledRev != s.SourceRev {
		return true
	}
	return s.TranspiledCode == "" && s.SourceCode != ""
}

// MutateResult describes the effect of Mutate.
type MutateResult struct {
	Old     string
	New     string
	Rev     int64
	Changed bool
}

const sessionColumns = `instance_id, source_code, transpiled_code, scaffold_html, stylesheet,
	source_rev, transpiled_rev, last_error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	err := row.Scan(&s.InstanceID, &s.SourceCode, &s.TranspiledCode, &s.ScaffoldHTML, &s.Stylesheet,
		&s.SourceRev, &s.TranspiledRev, &s.LastError, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func ensureRow(ctx context.Context, db execer, id string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (instance_id, created_at, updated_at) VALUES (?, ?, ?)`,
		id, now, now)
	return err
}

// Ensure returns the session for id, creating an empty one on first reference.
func (s *Store) Ensure(ctx context.Context, id string) (*Session, error) {
	if err := ensureRow(ctx, s.DB, id); err != nil {
		return nil, fmt.Errorf("store: ensure %s: %w", id, err)
	}
	return s.Get(ctx, id)
}

// Get returns the session for id or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	sess, err := scanSession(s.DB.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE instance_id = ?`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("store: get %s: %w", id, err)
	}
	return sess, err
}

// Mutate applies fn to the current source inside one transaction. When fn
// returns a different source, the source revision is bumped. An error from
// fn aborts the transaction and leaves the session untouched. Concurrent
// mutations of the same instance are serialised by SQLite; the last commit
// wins.
func (s *Store) Mutate(ctx context.Context, id string, fn func(src string) (string, error)) (MutateResult, error) {
	var res MutateResult
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		res = MutateResult{}
		if err := ensureRow(ctx, tx, id); err != nil {
			return err
		}
		var rev int64
		if err := tx.QueryRowContext(ctx,
			`SELECT source_code, source_rev FROM sessions WHERE instance_id = ?`, id).
			Scan(&res.Old, &rev); err != nil {
			return err
		}
		next, err := fn(res.Old)
		if err != nil {
			return err
		}
		res.New, res.Rev = next, rev
		if next == res.Old {
			return nil
		}
		res.Changed = true
		res.Rev = rev + 1
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET source_code = ?, source_rev = ?, updated_at = ? WHERE instance_id = ?`,
			next, res.Rev, time.Now().UnixMilli(), id)
		return err
	})
	if err != nil {
		return MutateResult{}, err
	}
	return res, nil
}

// ReplaceSource replaces the whole source of id.
func (s *Store) ReplaceSource(ctx context.Context, id, src string) (MutateResult, error) {
	return s.Mutate(ctx, id, func(string) (string, error) { return src, nil })
}

// SetTranspiled stores code as the transpile result of revision rev. It is a
// no-op returning false when the source has moved past rev in the meantime.
func (s *Store) SetTranspiled(ctx context.Context, id string, rev int64, code string) (bool, error) {
	res, err := dbopen.Exec(ctx, s.DB,
		`UPDATE sessions SET transpiled_code = ?, transpiled_rev = ?, updated_at = ?
		 WHERE instance_id = ? AND source_rev = ?`,
		code, rev, time.Now().UnixMilli(), id, rev)
	if err != nil {
		return false, fmt.Errorf("store: set transpiled %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// SetScaffold replaces the scaffold markup shown before the app mounts.
func (s *Store) SetScaffold(ctx context.Context, id, html string) error {
	return s.setColumn(ctx, id, "scaffold_html", html)
}

// SetStylesheet replaces the session stylesheet.
func (s *Store) SetStylesheet(ctx context.Context, id, css string) error {
	return s.setColumn(ctx, id, "stylesheet", css)
}

// SetLastError records the last terminal execution error reported by a host.
func (s *Store) SetLastError(ctx context.Context, id, msg string) error {
	return s.setColumn(ctx, id, "last_error", msg)
}

func (s *Store) setColumn(ctx context.Context, id, column, value string) error {
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		if err := ensureRow(ctx, tx, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE sessions SET `+column+` = ?, updated_at = ? WHERE instance_id = ?`,
			value, time.Now().UnixMilli(), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: set %s %s: %w", column, id, err)
	}
	return nil
}

// Revisions returns the source revision of every session.
func (s *Store) Revisions(ctx context.Context) (map[string]int64, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT instance_id, source_rev FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("store: revisions: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var id string
		var rev int64
		if err := rows.Scan(&id, &rev); err != nil {
			return nil, err
		}
		out[id] = rev
	}
	return out, rows.Err()
}

// RevisionSum is a change token over every source revision. It moves only
// when some session's source changes.
var RevisionSum = watch.ColumnSum("sessions", "source_rev")
