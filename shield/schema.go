package shield

import "database/sql"

// Schema defines the SQLite tables used by shield middlewares:
//   - rate_limits: per-endpoint rate limiting rules (used by RateLimiter)
//   - maintenance: global maintenance flag (used by MaintenanceMode)
//
// The seeded rules bound the endpoints that start work: bundling, tool
// calls and error reports. All statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS rate_limits (
    endpoint       TEXT PRIMARY KEY,
    max_requests   INTEGER NOT NULL DEFAULT 60,
    window_seconds INTEGER NOT NULL DEFAULT 60,
    enabled        INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS maintenance (
    id      INTEGER PRIMARY KEY CHECK (id = 1),
    active  INTEGER NOT NULL DEFAULT 0,
    message TEXT NOT NULL DEFAULT 'Live previews are paused for maintenance.'
);

INSERT OR IGNORE INTO maintenance (id, active) VALUES (1, 0);

INSERT OR IGNORE INTO rate_limits (endpoint, max_requests, window_seconds) VALUES
    ('GET /bundle/', 120, 60),
    ('POST /api/tools/', 240, 60),
    ('POST /api/sessions/', 60, 60),
    ('PUT /api/sessions/', 120, 60);
`

// Init creates the shield tables if they don't exist.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
