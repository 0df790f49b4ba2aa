package observability

import "database/sql"

// Schema holds the live-edit audit trail and the build metrics timeseries.
// It can live in the session database or in a separate one.
const Schema = `
CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_id   INTEGER PRIMARY KEY AUTOINCREMENT,
    metric_name TEXT NOT NULL,
    timestamp   INTEGER NOT NULL,
    value       REAL NOT NULL,
    labels      TEXT,
    unit        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
    ON metrics_timeseries(metric_name, timestamp DESC);

CREATE TABLE IF NOT EXISTS audit_log (
    entry_id      TEXT PRIMARY KEY,
    timestamp     INTEGER NOT NULL,
    instance_id   TEXT NOT NULL,
    tool          TEXT NOT NULL,
    mode          TEXT NOT NULL DEFAULT '',
    transport     TEXT NOT NULL DEFAULT '',
    request_id    TEXT NOT NULL DEFAULT '',
    parameters    TEXT NOT NULL DEFAULT '{}',
    result        TEXT,
    error_message TEXT,
    changed       INTEGER NOT NULL DEFAULT 0,
    duration_ms   INTEGER NOT NULL DEFAULT 0,
    status        TEXT NOT NULL CHECK(status IN ('success', 'error'))
);
CREATE INDEX IF NOT EXISTS idx_audit_instance ON audit_log(instance_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_tool ON audit_log(tool, status);
`

// Init applies Schema to db.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
