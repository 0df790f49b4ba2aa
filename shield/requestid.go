package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/livebundle/horosafe"
	"github.com/hazyhaar/livebundle/idgen"
	"github.com/hazyhaar/livebundle/kit"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// RequestID tags each request with an id, reusing a well-formed incoming
// X-Request-ID. The id, the transport and the client address are stored in
// the kit context, echoed in the response header, and attached to a
// per-request logger (GetLogger). gen defaults to "req_" + UUIDv7.
func RequestID(gen idgen.Generator) func(http.Handler) http.Handler {
	if gen == nil {
		gen = idgen.Prefixed("req_", idgen.Default)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if horosafe.ValidateInstanceID(id) != nil {
				id = gen()
			}
			w.Header().Set(RequestIDHeader, id)

			ctx := kit.WithRequestID(r.Context(), id)
			ctx = kit.WithTransport(ctx, "http")
			ctx = kit.WithRemoteAddr(ctx, ExtractIP(r))

			logger := slog.Default().With(
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
			)
			ctx = context.WithValue(ctx, LoggerKey, logger)
			logger.Debug("shield: request", kit.Fields(ctx)...)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
