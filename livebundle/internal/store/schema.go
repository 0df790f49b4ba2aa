package store

// Schema holds the session table. source_rev is bumped by every source
// mutation; transpiled_code is current only while transpiled_rev matches it.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
    instance_id     TEXT PRIMARY KEY,
    source_code     TEXT NOT NULL DEFAULT '',
    transpiled_code TEXT NOT NULL DEFAULT '',
    scaffold_html   TEXT NOT NULL DEFAULT '',
    stylesheet      TEXT NOT NULL DEFAULT '',
    source_rev      INTEGER NOT NULL DEFAULT 0,
    transpiled_rev  INTEGER NOT NULL DEFAULT 0,
    last_error      TEXT NOT NULL DEFAULT '',
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
`
