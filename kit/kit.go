// CLAUDE:SUMMARY Transport-agnostic endpoint type, middleware chaining and request logging.
// Package kit holds the transport-neutral plumbing shared by the HTTP API
// and the MCP tool server: an Endpoint signature, middleware composition and
// per-request context values.
package kit

import (
	"context"
	"log/slog"
	"time"
)

// Endpoint is a transport-agnostic request handler.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so that the first one is the outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// WithLogging logs each endpoint call with its duration and the request
// metadata of ctx. Failed calls are logged at warn level.
func WithLogging(logger *slog.Logger, name string) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			attrs := append([]any{"endpoint", name, "duration", time.Since(start)}, Fields(ctx)...)
			if err != nil {
				logger.Warn("kit: endpoint failed", append(attrs, "error", err)...)
			} else {
				logger.Debug("kit: endpoint ok", attrs...)
			}
			return resp, err
		}
	}
}
