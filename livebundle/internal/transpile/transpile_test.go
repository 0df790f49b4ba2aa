package transpile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/livebundle/connectivity"
	"github.com/hazyhaar/livebundle/dbopen"
	"github.com/hazyhaar/livebundle/horosafe"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

const validApp = `import { useState } from "react";
export default function App() {
  const [n, setN] = useState<number>(0);
  return <button onClick={() => setN(n + 1)}>{n}</button>;
}
`

func localClient() *Client {
	return NewClient(NewRouter(RouterConfig{}, quiet), 5*time.Second, quiet)
}

func TestLocal_Transpiles(t *testing.T) {
	code, err := localClient().Transpile(context.Background(), validApp)
	if err != nil {
		t.Fatalf("transpile: %v", err)
	}
	if strings.Contains(code, "<button") {
		t.Fatalf("JSX not transformed:\n%s", code)
	}
	if !strings.Contains(code, "react/jsx-runtime") {
		t.Fatalf("expected automatic runtime import:\n%s", code)
	}
	if !strings.Contains(code, "export default") && !strings.Contains(code, "as default") {
		t.Fatalf("default export lost:\n%s", code)
	}
}

func TestLocal_Diagnostics(t *testing.T) {
	_, err := localClient().Transpile(context.Background(), "export default function App( {\n  return <div>;\n}")
	var te *TranspileError
	if !errors.As(err, &te) {
		t.Fatalf("expected TranspileError, got %v", err)
	}
	if te.Unavailable || len(te.Diagnostics) == 0 {
		t.Fatalf("expected diagnostics, got %+v", te)
	}
	if te.Diagnostics[0].Line < 1 || te.Diagnostics[0].Column < 1 {
		t.Fatalf("diagnostic position not 1-based: %+v", te.Diagnostics[0])
	}
}

func TestValidate(t *testing.T) {
	c := localClient()
	if r := c.Validate(context.Background(), validApp); !r.Valid {
		t.Fatalf("valid source reported invalid: %+v", r)
	}
	r := c.Validate(context.Background(), "const = ;")
	if r.Valid || len(r.Diagnostics) == 0 || r.Message == "" {
		t.Fatalf("invalid source: %+v", r)
	}
}

type callerFunc func(ctx context.Context, service string, payload []byte) ([]byte, error)

func (f callerFunc) Call(ctx context.Context, service string, payload []byte) ([]byte, error) {
	return f(ctx, service, payload)
}

func TestTranspile_Unavailable(t *testing.T) {
	c := NewClient(callerFunc(func(ctx context.Context, _ string, _ []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), 20*time.Millisecond, quiet)

	_, err := c.Transpile(context.Background(), validApp)
	var te *TranspileError
	if !errors.As(err, &te) || !te.Unavailable {
		t.Fatalf("expected unavailable TranspileError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("cause should be the deadline: %v", err)
	}
}

func TestDecodeResponse(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		want      string
		wantDiags int
		unavail   bool
	}{
		{"code", `{"transpiledCode":"export default 1"}`, "export default 1", 0, false},
		{"errors", `{"errors":[{"message":"bad","line":2,"column":5},{"message":"worse"}]}`, "", 2, false},
		{"garbage", `not json`, "", 0, true},
		{"empty object", `{}`, "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, err := decodeResponse([]byte(tt.body))
			if code != tt.want {
				t.Fatalf("code: got %q, want %q", code, tt.want)
			}
			if tt.want != "" {
				return
			}
			var te *TranspileError
			if !errors.As(err, &te) {
				t.Fatalf("expected TranspileError, got %v", err)
			}
			if len(te.Diagnostics) != tt.wantDiags || te.Unavailable != tt.unavail {
				t.Fatalf("got %+v", te)
			}
		})
	}
}

func TestRouter_RemoteAndFallback(t *testing.T) {
	var hits atomic.Int32
	var fail atomic.Bool
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if fail.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"transpiledCode":"/* remote */"}`))
	}))
	t.Cleanup(remote.Close)

	db := dbopen.OpenMemory(t, dbopen.WithSchema(connectivity.Schema))
	ctx := context.Background()
	router := NewRouter(RouterConfig{
		CallTimeout:      time.Second,
		MaxRetries:       1,
		RetryBackoff:     time.Millisecond,
		BreakerThreshold: 5,
		BreakerReset:     time.Minute,
		URLValidator:     horosafe.AllowAll,
	}, quiet)
	if err := connectivity.UpsertRoute(ctx, db, connectivity.RouteRow{Service: Service, Strategy: connectivity.StrategyHTTP, Endpoint: remote.URL}); err != nil {
		t.Fatal(err)
	}
	if err := router.Reload(ctx, db); err != nil {
		t.Fatal(err)
	}
	c := NewClient(router, 5*time.Second, quiet)

	code, err := c.Transpile(ctx, validApp)
	if err != nil || code != "/* remote */" {
		t.Fatalf("remote: code=%q err=%v", code, err)
	}

	fail.Store(true)
	code, err = c.Transpile(ctx, validApp)
	if err != nil {
		t.Fatalf("fallback: %v", err)
	}
	if code == "/* remote */" || !strings.Contains(code, "jsx") {
		t.Fatalf("expected local esbuild output after remote failure, got %q", code)
	}
	if hits.Load() != 3 {
		t.Fatalf("expected 1 + 2 attempts on the remote, got %d", hits.Load())
	}
}

func TestRouter_NoopRouteDisables(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(connectivity.Schema))
	ctx := context.Background()
	router := NewRouter(RouterConfig{}, quiet)
	connectivity.UpsertRoute(ctx, db, connectivity.RouteRow{Service: Service, Strategy: connectivity.StrategyNoop})
	router.Reload(ctx, db)

	_, err := NewClient(router, time.Second, quiet).Transpile(ctx, validApp)
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}
