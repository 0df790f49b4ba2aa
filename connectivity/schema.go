package connectivity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Route strategies accepted by the routes table.
const (
	StrategyLocal = "local"
	StrategyHTTP  = "http"
	StrategyNoop  = "noop"
)

// Schema is the routes table. Any write bumps PRAGMA data_version, which
// Watch polls to trigger a reload.
const Schema = `
CREATE TABLE IF NOT EXISTS routes (
    service_name TEXT PRIMARY KEY,
    strategy     TEXT NOT NULL CHECK(strategy IN ('local', 'http', 'noop')),
    endpoint     TEXT,
    config       TEXT DEFAULT '{}',
    updated_at   INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
`

// RouteRow is one row of the routes table.
type RouteRow struct {
	Service  string          `json:"service_name"`
	Strategy string          `json:"strategy"`
	Endpoint string          `json:"endpoint,omitempty"`
	Config   json.RawMessage `json:"config,omitempty"`
}

// UpsertRoute inserts or replaces the route for a service.
func UpsertRoute(ctx context.Context, db *sql.DB, rr RouteRow) error {
	cfg := rr.Config
	if len(cfg) == 0 {
		cfg = json.RawMessage(`{}`)
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO routes (service_name, strategy, endpoint, config)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(service_name) DO UPDATE SET
		     strategy   = excluded.strategy,
		     endpoint   = excluded.endpoint,
		     config     = excluded.config,
		     updated_at = strftime('%s', 'now')`,
		rr.Service, rr.Strategy, rr.Endpoint, string(cfg))
	if err != nil {
		return fmt.Errorf("connectivity: upsert route: %w", err)
	}
	return nil
}

// GetRoute returns the route for a service, or nil when absent.
func GetRoute(ctx context.Context, db *sql.DB, service string) (*RouteRow, error) {
	var rr RouteRow
	var cfg string
	err := db.QueryRowContext(ctx,
		`SELECT service_name, strategy, COALESCE(endpoint, ''), COALESCE(config, '{}') FROM routes WHERE service_name = ?`,
		service).Scan(&rr.Service, &rr.Strategy, &rr.Endpoint, &cfg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("connectivity: get route: %w", err)
	}
	rr.Config = json.RawMessage(cfg)
	return &rr, nil
}
