// CLAUDE:SUMMARY HTTP middleware stack for livebundle: maintenance gate, HEAD handling, security headers, body limits, request ids, rate limits.
// Package shield provides the HTTP middleware shared by the livebundle
// routes: security headers, rate limiting, body limits, request ids and a
// maintenance gate, all driven by two small SQLite tables.
//
// Usage:
//
//	stack, mm, rl := shield.DefaultStack(db, "/health")
//	mm.StartReloader(ctx)
//	rl.StartReloader(ctx)
//	for _, mw := range stack {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// DefaultBodyLimit caps request bodies (sources are bounded well below).
const DefaultBodyLimit = 2 << 20

// DefaultStack returns the standard middleware stack:
// Maintenance → HeadToGet → MaxBody → RequestID → RateLimiter.
// Security headers differ between API responses and documents and are
// applied per route group. Paths under exclude bypass maintenance and rate
// limiting.
func DefaultStack(db *sql.DB, exclude ...string) ([]func(http.Handler) http.Handler, *MaintenanceMode, *RateLimiter) {
	mm := NewMaintenanceMode(db, exclude...)
	rl := NewRateLimiter(db, exclude...)
	return []func(http.Handler) http.Handler{
		mm.Middleware,
		HeadToGet,
		MaxBody(DefaultBodyLimit),
		RequestID(nil),
		rl.Middleware,
	}, mm, rl
}

// HeadToGet converts HEAD requests to GET so that route handlers registered
// with r.Get() respond with 200 instead of 405.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}
