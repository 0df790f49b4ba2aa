package kit

import "context"

// ctxKey is unexported so only this package can set request metadata.
type ctxKey struct{ name string }

var (
	transportKey  = ctxKey{"transport"}
	requestIDKey  = ctxKey{"request_id"}
	instanceIDKey = ctxKey{"instance_id"}
	remoteAddrKey = ctxKey{"remote_addr"}
	editModeKey   = ctxKey{"edit_mode"}
)

// fieldKeys is the order Fields reports values in.
var fieldKeys = []ctxKey{transportKey, requestIDKey, instanceIDKey, editModeKey, remoteAddrKey}

func with(ctx context.Context, k ctxKey, v string) context.Context {
	return context.WithValue(ctx, k, v)
}

func get(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

// WithTransport records how the call arrived: "http" or "mcp".
func WithTransport(ctx context.Context, t string) context.Context { return with(ctx, transportKey, t) }

// GetTransport defaults to "http".
func GetTransport(ctx context.Context) string {
	if v := get(ctx, transportKey); v != "" {
		return v
	}
	return "http"
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return with(ctx, requestIDKey, id)
}
func GetRequestID(ctx context.Context) string { return get(ctx, requestIDKey) }

// WithInstanceID tags the call with the artifact instance it concerns.
func WithInstanceID(ctx context.Context, id string) context.Context {
	return with(ctx, instanceIDKey, id)
}
func GetInstanceID(ctx context.Context) string { return get(ctx, instanceIDKey) }

func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return with(ctx, remoteAddrKey, addr)
}
func GetRemoteAddr(ctx context.Context) string { return get(ctx, remoteAddrKey) }

// WithEditMode carries the live-edit permission of the caller ("read",
// "edit"). An absent mode means read-only to every consumer.
func WithEditMode(ctx context.Context, mode string) context.Context {
	return with(ctx, editModeKey, mode)
}
func GetEditMode(ctx context.Context) string { return get(ctx, editModeKey) }

// Fields returns the request metadata set on ctx as slog key/value pairs,
// skipping unset values.
func Fields(ctx context.Context) []any {
	var out []any
	for _, k := range fieldKeys {
		if v := get(ctx, k); v != "" {
			out = append(out, k.name, v)
		}
	}
	return out
}
