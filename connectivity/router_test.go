package connectivity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/livebundle/dbopen"
	"github.com/hazyhaar/livebundle/horosafe"
	"github.com/hazyhaar/livebundle/kit"

	_ "modernc.org/sqlite"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
}

func echo(ctx context.Context, p []byte) ([]byte, error) { return p, nil }

func TestCall_Local(t *testing.T) {
	r := New(WithLogger(quiet))
	r.RegisterLocal("transpile", echo)

	resp, err := r.Call(context.Background(), "transpile", []byte("hello"))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(resp) != "hello" {
		t.Fatalf("got %q, want %q", resp, "hello")
	}
	if r.Local("transpile") == nil {
		t.Fatal("Local should return the registered handler")
	}
}

func TestCall_ServiceNotFound(t *testing.T) {
	r := New(WithLogger(quiet))
	_, err := r.Call(context.Background(), "missing", nil)
	var snf *ErrServiceNotFound
	if !errors.As(err, &snf) || snf.Service != "missing" {
		t.Fatalf("expected ErrServiceNotFound{missing}, got %v", err)
	}
}

func TestReload_Strategies(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	r := New(WithLogger(quiet))
	r.RegisterLocal("transpile", func(context.Context, []byte) ([]byte, error) { return []byte("local"), nil })
	r.RegisterTransport(StrategyHTTP, func(endpoint string, _ json.RawMessage) (Handler, func(), error) {
		return func(context.Context, []byte) ([]byte, error) { return []byte("remote:" + endpoint), nil }, nil, nil
	})

	tests := []struct {
		strategy string
		endpoint string
		want     string
	}{
		{StrategyLocal, "", "local"},
		{StrategyHTTP, "https://transpiler.example/run", "remote:https://transpiler.example/run"},
		{StrategyNoop, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.strategy, func(t *testing.T) {
			if err := UpsertRoute(ctx, db, RouteRow{Service: "transpile", Strategy: tt.strategy, Endpoint: tt.endpoint}); err != nil {
				t.Fatal(err)
			}
			if err := r.Reload(ctx, db); err != nil {
				t.Fatal(err)
			}
			resp, err := r.Call(ctx, "transpile", nil)
			if err != nil {
				t.Fatal(err)
			}
			if string(resp) != tt.want {
				t.Fatalf("got %q, want %q", resp, tt.want)
			}
		})
	}
}

func TestReload_PreservesUnchangedAndClosesReplaced(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	r := New(WithLogger(quiet))

	var built, closed atomic.Int32
	r.RegisterTransport(StrategyHTTP, func(string, json.RawMessage) (Handler, func(), error) {
		built.Add(1)
		return echo, func() { closed.Add(1) }, nil
	})

	UpsertRoute(ctx, db, RouteRow{Service: "transpile", Strategy: StrategyHTTP, Endpoint: "https://a.example"})
	r.Reload(ctx, db)
	r.Reload(ctx, db)
	if built.Load() != 1 {
		t.Fatalf("unchanged route rebuilt: built=%d", built.Load())
	}

	UpsertRoute(ctx, db, RouteRow{Service: "transpile", Strategy: StrategyHTTP, Endpoint: "https://b.example"})
	r.Reload(ctx, db)
	if built.Load() != 2 || closed.Load() != 1 {
		t.Fatalf("changed route: built=%d closed=%d", built.Load(), closed.Load())
	}

	if _, err := db.Exec(`DELETE FROM routes`); err != nil {
		t.Fatal(err)
	}
	r.Reload(ctx, db)
	if closed.Load() != 2 {
		t.Fatalf("removed route not closed: closed=%d", closed.Load())
	}
}

func TestReload_RemoteMiddlewareWraps(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	var wrapped atomic.Int32
	mw := func(next Handler) Handler {
		return func(ctx context.Context, p []byte) ([]byte, error) {
			wrapped.Add(1)
			return next(ctx, p)
		}
	}
	r := New(WithLogger(quiet), WithRemoteMiddleware(mw))
	r.RegisterTransport(StrategyHTTP, func(string, json.RawMessage) (Handler, func(), error) { return echo, nil, nil })
	UpsertRoute(ctx, db, RouteRow{Service: "transpile", Strategy: StrategyHTTP, Endpoint: "https://a.example"})
	r.Reload(ctx, db)

	if _, err := r.Call(ctx, "transpile", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if wrapped.Load() != 1 {
		t.Fatalf("remote middleware not applied")
	}
}

func TestGetRoute(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	rr, err := GetRoute(ctx, db, "transpile")
	if err != nil || rr != nil {
		t.Fatalf("absent route: %v %v", rr, err)
	}
	UpsertRoute(ctx, db, RouteRow{Service: "transpile", Strategy: StrategyHTTP, Endpoint: "https://a.example", Config: json.RawMessage(`{"timeout_ms":100}`)})
	rr, err = GetRoute(ctx, db, "transpile")
	if err != nil || rr == nil || rr.Endpoint != "https://a.example" {
		t.Fatalf("got %+v, %v", rr, err)
	}
}

func TestServices(t *testing.T) {
	r := New(WithLogger(quiet))
	r.RegisterLocal("transpile", echo)
	var names []string
	for s := range r.Services() {
		names = append(names, s.Name+"/"+s.Strategy)
	}
	if len(names) != 1 || names[0] != "transpile/local" {
		t.Fatalf("services: %v", names)
	}
}

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(
		WithBreakerThreshold(2),
		WithBreakerResetTimeout(time.Second),
		WithBreakerHalfOpenMax(1),
		WithBreakerClock(func() time.Time { return now }),
	)
	cb.RecordFailure()
	if cb.State() != BreakerClosed {
		t.Fatal("one failure should not open")
	}
	cb.RecordFailure()
	if cb.State() != BreakerOpen || cb.Allow() {
		t.Fatal("breaker should be open")
	}
	now = now.Add(time.Second)
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.State())
	}
	cb.RecordSuccess()
	if cb.State() != BreakerClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_NotifiesAndSnapshots(t *testing.T) {
	now := time.Unix(0, 0)
	var seen []string
	cb := NewCircuitBreaker(
		WithBreakerService("transpile"),
		WithBreakerThreshold(1),
		WithBreakerResetTimeout(10*time.Second),
		WithBreakerHalfOpenMax(1),
		WithBreakerClock(func() time.Time { return now }),
		WithBreakerNotify(func(tr BreakerTransition) {
			seen = append(seen, tr.From.String()+">"+tr.To.String())
		}),
	)
	cb.RecordFailure()
	now = now.Add(4 * time.Second)
	snap := cb.Snapshot()
	if snap.State != "open" || snap.RetryIn != 6*time.Second || snap.Service != "transpile" {
		t.Fatalf("snapshot: %+v", snap)
	}
	now = now.Add(6 * time.Second)
	if !cb.Allow() {
		t.Fatal("cooldown elapsed, probe should pass")
	}
	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("failed probe should reopen")
	}
	now = now.Add(10 * time.Second)
	if !cb.Allow() {
		t.Fatal("second probe should pass")
	}
	cb.RecordSuccess()
	want := []string{"closed>open", "open>half-open", "half-open>open", "open>half-open", "half-open>closed"}
	if strings.Join(seen, ",") != strings.Join(want, ",") {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
}

func TestWithCircuitBreaker_IgnoresCallerCancel(t *testing.T) {
	cb := NewCircuitBreaker(WithBreakerThreshold(1))
	h := WithCircuitBreaker(cb, "transpile")(func(ctx context.Context, _ []byte) ([]byte, error) {
		return nil, ctx.Err()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h(ctx, nil)
	if cb.State() != BreakerClosed {
		t.Fatal("caller cancellation should not trip the breaker")
	}

	fail := WithCircuitBreaker(cb, "transpile")(func(context.Context, []byte) ([]byte, error) {
		return nil, errors.New("boom")
	})
	fail(context.Background(), nil)
	_, err := fail(context.Background(), nil)
	var open *ErrCircuitOpen
	if !errors.As(err, &open) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestWithRetry(t *testing.T) {
	var calls atomic.Int32
	h := WithRetry(2, time.Millisecond, quiet)(func(context.Context, []byte) ([]byte, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return []byte("ok"), nil
	})
	resp, err := h(context.Background(), nil)
	if err != nil || string(resp) != "ok" || calls.Load() != 3 {
		t.Fatalf("resp=%q err=%v calls=%d", resp, err, calls.Load())
	}
}

func TestWithRetry_StopsOnCircuitOpen(t *testing.T) {
	var calls atomic.Int32
	h := WithRetry(3, time.Millisecond, nil)(func(context.Context, []byte) ([]byte, error) {
		calls.Add(1)
		return nil, &ErrCircuitOpen{Service: "transpile"}
	})
	h(context.Background(), nil)
	if calls.Load() != 1 {
		t.Fatalf("circuit open retried %d times", calls.Load())
	}
}

func TestRetryable(t *testing.T) {
	cases := map[string]struct {
		err  error
		want bool
	}{
		"nil":          {nil, false},
		"network":      {errors.New("connection refused"), true},
		"bad gateway":  {&ErrRemoteStatus{Code: 502}, true},
		"server error": {&ErrRemoteStatus{Code: 500}, false},
		"open circuit": {&ErrCircuitOpen{Service: "transpile"}, false},
		"panic":        {fmt.Errorf("wrapped: %w", &ErrPanic{Value: "x"}), false},
	}
	for name, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Errorf("%s: Retryable = %v, want %v", name, got, tc.want)
		}
	}

	var calls atomic.Int32
	h := WithRetry(3, time.Millisecond, nil)(func(context.Context, []byte) ([]byte, error) {
		calls.Add(1)
		return nil, &ErrRemoteStatus{Code: 500, Body: strings.Repeat("x", 1000)}
	})
	_, err := h(context.Background(), nil)
	if calls.Load() != 1 {
		t.Fatalf("500 retried %d times", calls.Load())
	}
	if len(err.Error()) > 300 {
		t.Fatalf("error page not truncated: %d bytes", len(err.Error()))
	}
}

func TestWithFallback(t *testing.T) {
	local := func(context.Context, []byte) ([]byte, error) { return []byte("local"), nil }
	h := WithFallback(local, "transpile", quiet)(func(context.Context, []byte) ([]byte, error) {
		return nil, errors.New("remote down")
	})
	resp, err := h(context.Background(), nil)
	if err != nil || string(resp) != "local" {
		t.Fatalf("resp=%q err=%v", resp, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h(ctx, nil); err == nil {
		t.Fatal("fallback must not run after caller cancellation")
	}
}

func TestTimeoutAndRecovery(t *testing.T) {
	slow := Timeout(10 * time.Millisecond)(func(ctx context.Context, _ []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if _, err := slow(context.Background(), nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	h := Chain(Logging(quiet, "transpile"), Recovery(quiet))(func(context.Context, []byte) ([]byte, error) {
		panic("kaboom")
	})
	_, err := h(context.Background(), nil)
	var p *ErrPanic
	if !errors.As(err, &p) || p.Value != "kaboom" {
		t.Fatalf("expected ErrPanic, got %v", err)
	}
}

func TestHTTPFactory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Key") != "k" {
			http.Error(w, "no key", http.StatusInternalServerError)
			return
		}
		body, _ := io.ReadAll(r.Body)
		w.Write(append([]byte("echo:"+r.Header.Get("X-Request-ID")+":"), body...))
	}))
	t.Cleanup(srv.Close)

	f := HTTPFactory(WithURLValidator(horosafe.AllowAll))
	h, closeFn, err := f(srv.URL, json.RawMessage(`{"timeout_ms":2000,"headers":{"X-Key":"k"}}`))
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()
	resp, err := h(kit.WithRequestID(context.Background(), "req_7"), []byte("abc"))
	if err != nil || string(resp) != "echo:req_7:abc" {
		t.Fatalf("resp=%q err=%v", resp, err)
	}

	h2, _, _ := f(srv.URL, nil)
	_, err = h2(context.Background(), nil)
	var st *ErrRemoteStatus
	if !errors.As(err, &st) || st.Code != http.StatusInternalServerError {
		t.Fatalf("expected ErrRemoteStatus 500, got %v", err)
	}
}

func TestHTTPFactory_RejectsPrivateURL(t *testing.T) {
	f := HTTPFactory()
	for _, u := range []string{"http://127.0.0.1:8080", "http://10.0.0.1:8080"} {
		if _, _, err := f(u, nil); err == nil {
			t.Fatalf("expected SSRF error for %s", u)
		}
	}
}

func TestWatch_DetectsChanges(t *testing.T) {
	// data_version only moves when another connection writes.
	path := filepath.Join(t.TempDir(), "routes.db")
	writer, err := dbopen.Open(path, dbopen.WithSchema(Schema))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { writer.Close() })
	reader, err := dbopen.Open(path, dbopen.WithMaxOpenConns(1))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reader.Close() })

	r := New(WithLogger(quiet))
	var built atomic.Int32
	r.RegisterTransport(StrategyHTTP, func(string, json.RawMessage) (Handler, func(), error) {
		built.Add(1)
		return echo, nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Watch(ctx, reader, 20*time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	if err := UpsertRoute(ctx, writer, RouteRow{Service: "transpile", Strategy: StrategyHTTP, Endpoint: "https://x.example"}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for built.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if built.Load() == 0 {
		t.Fatal("watcher did not pick up the new route")
	}
}
