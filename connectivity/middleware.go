package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/hazyhaar/livebundle/kit"
)

// HandlerMiddleware wraps a Handler without changing its signature.
type HandlerMiddleware func(next Handler) Handler

// Chain composes middlewares; the first one is the outermost.
func Chain(mws ...HandlerMiddleware) HandlerMiddleware {
	return func(next Handler) Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Logging logs every call of service with its duration, the payload sizes
// and the request metadata carried by ctx (instance id, request id).
func Logging(logger *slog.Logger, service string) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			start := time.Now()
			resp, err := next(ctx, payload)
			attrs := append([]any{
				"service", service,
				"duration_ms", time.Since(start).Milliseconds(),
				"payload_bytes", len(payload),
			}, kit.Fields(ctx)...)
			if err != nil {
				logger.WarnContext(ctx, "connectivity: call failed", append(attrs, "error", err)...)
				return nil, err
			}
			logger.DebugContext(ctx, "connectivity: call ok", append(attrs, "response_bytes", len(resp))...)
			return resp, nil
		}
	}
}

// Timeout bounds each attempt. Zero disables it.
func Timeout(d time.Duration) HandlerMiddleware {
	return func(next Handler) Handler {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, payload)
		}
	}
}

// Recovery turns a panic below it into *ErrPanic.
func Recovery(logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) (resp []byte, err error) {
			defer func() {
				if v := recover(); v != nil {
					logger.ErrorContext(ctx, "connectivity: handler panic recovered",
						"panic", v, "stack", string(debug.Stack()))
					err = &ErrPanic{Value: v}
				}
			}()
			return next(ctx, payload)
		}
	}
}

// maxBackoff caps the wait between two attempts.
const maxBackoff = 2 * time.Second

// Retryable reports whether another attempt can succeed where err failed.
// An open circuit, a panic and a remote status other than 502, 503 or 504
// will fail the same way again.
func Retryable(err error) bool {
	var (
		open     *ErrCircuitOpen
		panicked *ErrPanic
		status   *ErrRemoteStatus
	)
	switch {
	case err == nil:
		return false
	case errors.As(err, &open), errors.As(err, &panicked):
		return false
	case errors.As(err, &status):
		return status.Temporary()
	}
	return true
}

// WithRetry makes up to maxRetries further attempts after a Retryable
// failure, waiting base, 2*base, 4*base (capped at maxBackoff) in between.
// The caller's cancellation ends the loop with the last error.
func WithRetry(maxRetries int, base time.Duration, logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			wait := base
			for attempt := 0; ; attempt++ {
				resp, err := next(ctx, payload)
				if err == nil {
					return resp, nil
				}
				if attempt >= maxRetries || ctx.Err() != nil || !Retryable(err) {
					return nil, err
				}
				if logger != nil {
					logger.WarnContext(ctx, "connectivity: retrying call",
						"attempt", attempt+1, "max_retries", maxRetries,
						"backoff_ms", wait.Milliseconds(), "error", err)
				}
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					return nil, err
				case <-t.C:
				}
				wait = min(wait*2, maxBackoff)
			}
		}
	}
}

// WithFallback serves the call with local when the wrapped remote handler
// fails. Nothing falls back once the caller has given up.
func WithFallback(local Handler, service string, logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		if local == nil {
			return next
		}
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			resp, err := next(ctx, payload)
			if err == nil || ctx.Err() != nil {
				return resp, err
			}
			if logger != nil {
				logger.WarnContext(ctx, "connectivity: remote failed, using local",
					append([]any{"service", service, "error", err}, kit.Fields(ctx)...)...)
			}
			return local(ctx, payload)
		}
	}
}
