package cache

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hazyhaar/livebundle/dbopen"
)

// Schema is the bundle_cache table used by the SQLite backend.
const Schema = `
CREATE TABLE IF NOT EXISTS bundle_cache (
    instance_id  TEXT NOT NULL,
    tier         TEXT NOT NULL CHECK(tier IN ('primary', 'fallback')),
    content_hash TEXT NOT NULL,
    payload      BLOB NOT NULL,
    created_at   INTEGER NOT NULL,
    expires_at   INTEGER NOT NULL,
    PRIMARY KEY (instance_id, tier, content_hash)
);

CREATE INDEX IF NOT EXISTS idx_bundle_cache_expires ON bundle_cache(expires_at);
`

// SQLite is a Backend persisted in the bundle_cache table.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite wraps db. The caller applies Schema.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db, now: time.Now}
}

func (s *SQLite) Load(ctx context.Context, k Key) ([]byte, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM bundle_cache
		 WHERE instance_id = ? AND tier = ? AND content_hash = ? AND expires_at > ?`,
		k.InstanceID, string(k.Tier), k.Hash, s.now().UnixMilli()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

func (s *SQLite) Store(ctx context.Context, k Key, v []byte, ttl time.Duration) error {
	now := s.now()
	_, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO bundle_cache (instance_id, tier, content_hash, payload, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(instance_id, tier, content_hash) DO UPDATE SET
		     payload = excluded.payload, created_at = excluded.created_at, expires_at = excluded.expires_at`,
		k.InstanceID, string(k.Tier), k.Hash, v, now.UnixMilli(), now.Add(ttl).UnixMilli())
	return err
}

func (s *SQLite) DeleteInstance(ctx context.Context, id string) error {
	_, err := dbopen.Exec(ctx, s.db, `DELETE FROM bundle_cache WHERE instance_id = ?`, id)
	return err
}

// Sweep deletes expired rows and returns how many were removed.
func (s *SQLite) Sweep(ctx context.Context) (int64, error) {
	res, err := dbopen.Exec(ctx, s.db, `DELETE FROM bundle_cache WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close is a no-op; the database belongs to the caller.
func (s *SQLite) Close() error { return nil }
