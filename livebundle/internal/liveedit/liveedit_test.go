package liveedit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/livebundle/dbopen"
	"github.com/hazyhaar/livebundle/kit"
	"github.com/hazyhaar/livebundle/livebundle/internal/cache"
	"github.com/hazyhaar/livebundle/livebundle/internal/notify"
	"github.com/hazyhaar/livebundle/livebundle/internal/store"
	"github.com/hazyhaar/livebundle/livebundle/internal/transpile"

	_ "modernc.org/sqlite"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type recordedCall struct {
	tool    string
	changed bool
	err     error
}

type fakeAudit struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (f *fakeAudit) Record(_ context.Context, tool, _ string, _, _ any, changed bool, err error, _ time.Duration) {
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{tool, changed, err})
	f.mu.Unlock()
}

type fixture struct {
	svc   *Service
	store *store.Store
	cache *cache.Cache
	hub   *notify.Hub
	audit *fakeAudit
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.New(dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema)))
	c, err := cache.New(cache.NewMemory(), 0, 0, quiet)
	if err != nil {
		t.Fatal(err)
	}
	hub := notify.NewHub(quiet)
	audit := &fakeAudit{}
	client := transpile.NewClient(transpile.NewRouter(transpile.RouterConfig{}, quiet), 10*time.Second, quiet)
	svc, err := New(Config{Store: st, Transpiler: client, Cache: c, Notifier: hub, Audit: audit, Logger: quiet})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{svc: svc, store: st, cache: c, hub: hub, audit: audit}
}

func editCtx() context.Context { return kit.WithEditMode(context.Background(), string(ModeEdit)) }

// seed stores src and one cached document per tier for id.
func (f *fixture) seed(t *testing.T, id, src string) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.store.ReplaceSource(ctx, id, src); err != nil {
		t.Fatal(err)
	}
	for _, tier := range []cache.Tier{cache.TierPrimary, cache.TierFallback} {
		if err := f.cache.Set(ctx, id, "h", tier, &cache.Entry{Document: []byte("old " + src)}); err != nil {
			t.Fatal(err)
		}
	}
}

func (f *fixture) cached(t *testing.T, id string) int {
	t.Helper()
	n := 0
	for _, tier := range []cache.Tier{cache.TierPrimary, cache.TierFallback} {
		if _, ok, _ := f.cache.Get(context.Background(), id, "h", tier); ok {
			n++
		}
	}
	return n
}

func TestUpdateCode_InvalidatesTranspilesAndNotifies(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "demo-1", "export default () => <div>Hi</div>")
	events, cancel := f.hub.Subscribe("demo-1")
	defer cancel()

	res, err := f.svc.UpdateCode(editCtx(), "demo-1", "export default () => <div>Hello</div>")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Changed || !res.Transpiled || res.Revision != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if f.cached(t, "demo-1") != 0 {
		t.Fatal("cache tiers survived update_code")
	}
	select {
	case ev := <-events:
		if ev.Kind != notify.CodeUpdated {
			t.Fatalf("event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no code-updated event")
	}

	sess, _ := f.store.Get(context.Background(), "demo-1")
	if sess.Stale() || !strings.Contains(sess.TranspiledCode, "Hello") {
		t.Fatalf("session not transpiled: %+v", sess)
	}
}

func TestUpdateCode_SameSourceIsUnchanged(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", "export default () => null")
	res, err := f.svc.UpdateCode(editCtx(), "a", "export default () => null")
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed {
		t.Fatal("identical source reported as changed")
	}
	if f.cached(t, "a") != 2 {
		t.Fatal("unchanged update must not invalidate")
	}
}

func TestUpdateCode_Bounds(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", "export default () => null")
	var ve *EditValidationError
	if _, err := f.svc.UpdateCode(editCtx(), "a", ""); !errors.As(err, &ve) || ve.Reason != ReasonEmptySource {
		t.Fatalf("empty: %v", err)
	}
	big := strings.Repeat("x", DefaultMaxSourceBytes+1)
	if _, err := f.svc.UpdateCode(editCtx(), "a", big); !errors.As(err, &ve) || ve.Reason != ReasonTooLarge {
		t.Fatalf("too large: %v", err)
	}
	code, _ := f.svc.ReadCode(editCtx(), "a")
	if code.SourceCode != "export default () => null" {
		t.Fatal("rejected update modified the source")
	}
}

func TestUpdateCode_TranspileFailureKeepsEdit(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", "export default () => null")
	res, err := f.svc.UpdateCode(editCtx(), "a", "export default () => <div>")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Changed || res.Transpiled || len(res.Diagnostics) == 0 {
		t.Fatalf("expected changed, untranspiled with diagnostics: %+v", res)
	}
	sess, _ := f.store.Get(context.Background(), "a")
	if !sess.Stale() {
		t.Fatal("session with failed transpile should stay stale")
	}
	if f.cached(t, "a") != 0 {
		t.Fatal("cache must be invalidated even when transpile fails")
	}
}

func TestEditCode_OutOfRangeLeavesSessionUntouched(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", "line1\nline2\n")
	_, err := f.svc.EditCode(editCtx(), "a", LineEdit{Operation: OpReplace, StartLine: 3, Content: "x"})
	var ve *EditValidationError
	if !errors.As(err, &ve) || ve.Reason != ReasonOutOfRange {
		t.Fatalf("got %v", err)
	}
	code, _ := f.svc.ReadCode(editCtx(), "a")
	if code.SourceCode != "line1\nline2\n" || code.Revision != 1 {
		t.Fatalf("session modified: %+v", code)
	}
	if f.cached(t, "a") != 2 {
		t.Fatal("failed edit invalidated the cache")
	}
}

func TestSearchAndReplace_NoMatch(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", "export default () => <div>Hi</div>")
	events, cancel := f.hub.Subscribe("a")
	defer cancel()

	_, err := f.svc.SearchAndReplace(editCtx(), "a", Replace{Search: "Goodbye", Replacement: "x"})
	if !errors.Is(err, ErrNoMatch) {
		t.Fatalf("got %v, want no match", err)
	}
	if !strings.Contains(err.Error(), "no match") {
		t.Fatalf("message %q does not say no match", err)
	}
	if f.cached(t, "a") != 2 {
		t.Fatal("no-match invalidated the cache")
	}
	select {
	case ev := <-events:
		t.Fatalf("no-match published %+v", ev)
	default:
	}
}

func TestSearchAndReplace_Changes(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", "export default () => <div>Hi</div>")
	res, err := f.svc.SearchAndReplace(editCtx(), "a", Replace{Search: "Hi", Replacement: "Hello"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Changed || res.Replacements != 1 {
		t.Fatalf("%+v", res)
	}
	if f.cached(t, "a") != 0 {
		t.Fatal("cache not invalidated")
	}
}

func TestReads(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", "export default () => <div>Hi</div>\n")
	ctx := context.Background()
	if err := f.store.SetScaffold(ctx, "a", `<main><h1 class="t">Todo</h1><ul><li>one</li><li>two</li></ul></main>`); err != nil {
		t.Fatal(err)
	}

	out, err := f.svc.ReadRenderedOutput(ctx, "a", FormatMarkdown, "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.Content, "# Todo") || !strings.Contains(out.Content, "- one") {
		t.Fatalf("markdown %q", out.Content)
	}
	out, err = f.svc.ReadRenderedOutput(ctx, "a", FormatText, "li")
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Matches) != 2 || out.Content != "one\ntwo" {
		t.Fatalf("text %q matches %v", out.Content, out.Matches)
	}
	if _, err := f.svc.ReadRenderedOutput(ctx, "a", "pdf", ""); err == nil {
		t.Fatal("unknown format accepted")
	}

	sess, err := f.svc.ReadSession(ctx, "a")
	if err != nil || sess.SourceRev != 1 {
		t.Fatalf("%+v %v", sess, err)
	}
	lines, err := f.svc.FindLines(ctx, "a", "Hi", false)
	if err != nil || len(lines.Matches) != 1 {
		t.Fatalf("%+v %v", lines, err)
	}

	if _, err := f.svc.ReadCode(ctx, "../etc"); err == nil {
		t.Fatal("traversal id accepted")
	}
	fresh, err := f.svc.ReadCode(ctx, "never-seen")
	if err != nil || fresh.SourceCode != "" {
		t.Fatalf("first reference should create an empty session: %+v %v", fresh, err)
	}
}

func TestValidateCode_DryRun(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", "export default () => <div>Hi</div>")

	good, err := f.svc.ValidateCode(context.Background(), "a", "")
	if err != nil || !good.Valid {
		t.Fatalf("%+v %v", good, err)
	}
	bad, err := f.svc.ValidateCode(context.Background(), "a", "export default () => <div>")
	if err != nil {
		t.Fatal(err)
	}
	if bad.Valid || len(bad.Diagnostics) == 0 || bad.Diagnostics[0].Line != 1 {
		t.Fatalf("%+v", bad)
	}
	sess, _ := f.store.Get(context.Background(), "a")
	if sess.SourceRev != 1 || sess.TranspiledCode != "" {
		t.Fatal("validate_code persisted something")
	}
	if f.cached(t, "a") != 2 {
		t.Fatal("validate_code invalidated the cache")
	}
}

func TestCall_ModeGating(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", "x")
	read := kit.WithEditMode(context.Background(), string(ModeReadOnly))

	for _, tool := range []string{ToolUpdateCode, ToolEditCode, ToolSearchAndReplace} {
		if _, err := f.svc.Dispatch(read, tool, json.RawMessage(`{"instance_id":"a","source_code":"y"}`)); !errors.Is(err, ErrForbidden) {
			t.Errorf("%s in read mode: got %v", tool, err)
		}
		if _, err := f.svc.Dispatch(context.Background(), tool, json.RawMessage(`{"instance_id":"a"}`)); !errors.Is(err, ErrForbidden) {
			t.Errorf("%s without mode: got %v", tool, err)
		}
	}
	for _, tool := range []string{ToolReadCode, ToolReadSession, ToolReadRenderedOutput, ToolValidateCode} {
		if _, err := f.svc.Dispatch(read, tool, json.RawMessage(`{"instance_id":"a"}`)); err != nil {
			t.Errorf("%s in read mode: %v", tool, err)
		}
	}
	if _, err := f.svc.Dispatch(read, ToolFindLines, json.RawMessage(`{"instance_id":"a","pattern":"x"}`)); err != nil {
		t.Errorf("find_lines in read mode: %v", err)
	}
	if _, err := f.svc.Dispatch(editCtx(), "drop_table", nil); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("unknown tool: %v", err)
	}

	res, err := f.svc.Dispatch(editCtx(), ToolUpdateCode, json.RawMessage(`{"instance_id":"a","source_code":"export default () => null"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !res.(*MutationResult).Changed {
		t.Fatal("edit mode update did not change code")
	}

	f.audit.mu.Lock()
	defer f.audit.mu.Unlock()
	last := f.audit.calls[len(f.audit.calls)-1]
	if last.tool != ToolUpdateCode || !last.changed || last.err != nil {
		t.Fatalf("audit %+v", last)
	}
}

func TestConcurrentEdits_Serialised(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", "")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.EditCode(editCtx(), "a", LineEdit{Operation: OpInsert, StartLine: 1, Content: "//"}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	code, _ := f.svc.ReadCode(context.Background(), "a")
	if code.Lines != 8 || code.Revision != 8 {
		t.Fatalf("lost edits: %d lines, rev %d", code.Lines, code.Revision)
	}
}

func connectMCP(t *testing.T, f *fixture, mode Mode) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(&mcp.Implementation{Name: "liveedit-test", Version: "0"}, nil)
	f.svc.RegisterMCP(srv, mode)
	ctx := context.Background()
	st, ct := mcp.NewInMemoryTransports()
	if _, err := srv.Connect(ctx, st, nil); err != nil {
		t.Fatal(err)
	}
	cs, err := mcp.NewClient(&mcp.Implementation{Name: "agent", Version: "0"}, nil).Connect(ctx, ct, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cs.Close() })
	return cs
}

func toolNames(t *testing.T, cs *mcp.ClientSession) map[string]bool {
	t.Helper()
	res, err := cs.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	out := map[string]bool{}
	for _, tl := range res.Tools {
		out[tl.Name] = true
	}
	return out
}

func TestRegisterMCP_ReadOnlyHidesMutations(t *testing.T) {
	f := newFixture(t)
	names := toolNames(t, connectMCP(t, f, ModeReadOnly))
	if len(names) != 5 || names[ToolUpdateCode] || !names[ToolValidateCode] {
		t.Fatalf("read-only tools: %v", names)
	}
	if all := toolNames(t, connectMCP(t, f, ModeEdit)); len(all) != len(Tools) {
		t.Fatalf("edit tools: %v", all)
	}
}

func TestRegisterMCP_EndToEnd(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "demo-1", "export default () => <div>Hi</div>")
	cs := connectMCP(t, f, ModeEdit)
	ctx := context.Background()

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: ToolSearchAndReplace, Arguments: map[string]any{
		"instance_id": "demo-1", "search": "Nope", "replacement": "x",
	}})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || !strings.Contains(res.Content[0].(*mcp.TextContent).Text, "no match") {
		t.Fatalf("expected explicit no-match tool error, got %+v", res.Content)
	}
	sc, _ := res.StructuredContent.(map[string]any)
	if detail, _ := sc["detail"].(map[string]any); detail["reason"] != ReasonNoMatch {
		t.Fatalf("structured failure: %+v", res.StructuredContent)
	}

	res, err = cs.CallTool(ctx, &mcp.CallToolParams{Name: ToolUpdateCode, Arguments: map[string]any{
		"instance_id": "demo-1", "source_code": "export default () => <div>Hello</div>",
	}})
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("update_code failed: %+v", res.Content)
	}
	var mr MutationResult
	if err := json.Unmarshal([]byte(res.Content[0].(*mcp.TextContent).Text), &mr); err != nil {
		t.Fatal(err)
	}
	if !mr.Changed {
		t.Fatal("changed flag missing")
	}

	res, _ = cs.CallTool(ctx, &mcp.CallToolParams{Name: ToolReadCode, Arguments: map[string]any{"instance_id": "demo-1"}})
	var code CodeResult
	json.Unmarshal([]byte(res.Content[0].(*mcp.TextContent).Text), &code)
	if !strings.Contains(code.SourceCode, "Hello") {
		t.Fatalf("read_code after update: %+v", code)
	}
}
