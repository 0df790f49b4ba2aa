package shield

import (
	"context"
	"database/sql"
	"encoding/json"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/livebundle/watch"
)

const defaultMaintenanceMessage = "Live previews are paused for maintenance."

// maintenanceRetryAfter is sent with every 503, in seconds.
const maintenanceRetryAfter = "300"

type maintenanceState struct {
	active  bool
	message string
}

// MaintenanceMode answers 503 to every request while the flag in the
// maintenance table (single row id=1) is set. A missing table or row means
// maintenance is off.
type MaintenanceMode struct {
	db      *sql.DB
	state   atomic.Pointer[maintenanceState]
	exclude []string
}

// NewMaintenanceMode reads the flag once. Paths under any of excludePrefixes
// are never blocked.
func NewMaintenanceMode(db *sql.DB, excludePrefixes ...string) *MaintenanceMode {
	m := &MaintenanceMode{db: db, exclude: excludePrefixes}
	m.state.Store(&maintenanceState{message: defaultMaintenanceMessage})
	m.reload(context.Background())
	return m
}

// Active reports whether maintenance mode is on.
func (m *MaintenanceMode) Active() bool { return m.state.Load().active }

// Message returns the text shown to blocked clients.
func (m *MaintenanceMode) Message() string { return m.state.Load().message }

// Set stores the flag and message and applies them at once. An empty
// message restores the default one.
func (m *MaintenanceMode) Set(ctx context.Context, active bool, message string) error {
	if message == "" {
		message = defaultMaintenanceMessage
	}
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO maintenance (id, active, message) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET active = excluded.active, message = excluded.message`, active, message)
	if err != nil {
		return err
	}
	m.reload(ctx)
	return nil
}

// StartReloader picks up flag changes written by other processes until ctx
// is cancelled.
func (m *MaintenanceMode) StartReloader(ctx context.Context) {
	w := watch.New(m.db, watch.Options{Name: "maintenance", Interval: 5 * time.Second})
	go w.OnChange(ctx, func() error {
		m.reload(ctx)
		return nil
	})
}

func (m *MaintenanceMode) reload(ctx context.Context) {
	next := &maintenanceState{}
	err := m.db.QueryRowContext(ctx, `SELECT active, message FROM maintenance WHERE id = 1`).Scan(&next.active, &next.message)
	if err != nil {
		next.active = false
	}
	if next.message == "" {
		next.message = defaultMaintenanceMessage
	}
	prev := m.state.Swap(next)
	switch {
	case next.active && !prev.active:
		slog.Warn("maintenance: mode enabled", "message", next.message)
	case !next.active && prev.active:
		slog.Info("maintenance: mode disabled")
	}
}

// Middleware blocks requests with 503 while maintenance is active. API and
// MCP clients get a JSON error, browsers a minimal page.
func (m *MaintenanceMode) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := m.state.Load()
		if !st.active || m.excluded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Retry-After", maintenanceRetryAfter)
		if strings.HasPrefix(r.URL.Path, "/api/") || strings.HasPrefix(r.URL.Path, "/mcp/") || strings.HasPrefix(r.URL.Path, "/events/") {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"error": st.message, "kind": "maintenance"})
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`<!DOCTYPE html><html lang="en"><head><meta charset="utf-8"><title>Maintenance</title></head>` +
			`<body style="font-family:system-ui,sans-serif;text-align:center;padding:4rem"><h1>Maintenance</h1><p>` +
			html.EscapeString(st.message) + `</p></body></html>`))
	})
}

func (m *MaintenanceMode) excluded(path string) bool {
	for _, prefix := range m.exclude {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
