package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/livebundle/dbopen"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return New(dbopen.OpenMemory(t, dbopen.WithSchema(Schema)))
}

func TestEnsure_CreatesOnFirstReference(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.Get(ctx, "demo-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get before Ensure: got %v, want ErrNotFound", err)
	}
	sess, err := s.Ensure(ctx, "demo-1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if sess.InstanceID != "demo-1" || sess.SourceCode != "" || sess.SourceRev != 0 {
		t.Fatalf("unexpected new session: %+v", sess)
	}
	if sess.Stale() {
		t.Fatal("empty session should not be stale")
	}
	again, err := s.Ensure(ctx, "demo-1")
	if err != nil || again.CreatedAt != sess.CreatedAt {
		t.Fatalf("second Ensure recreated the session: %+v %v", again, err)
	}
}

func TestReplaceSource_BumpsRevisionAndMarksStale(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	res, err := s.ReplaceSource(ctx, "a", "export default () => null")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Changed || res.Rev != 1 || res.Old != "" {
		t.Fatalf("first replace: %+v", res)
	}
	sess, _ := s.Get(ctx, "a")
	if !sess.Stale() {
		t.Fatal("session should be stale after source change")
	}

	ok, err := s.SetTranspiled(ctx, "a", res.Rev, "compiled")
	if err != nil || !ok {
		t.Fatalf("SetTranspiled: %v %v", ok, err)
	}
	sess, _ = s.Get(ctx, "a")
	if sess.Stale() || sess.TranspiledCode != "compiled" {
		t.Fatalf("session should be fresh: %+v", sess)
	}

	same, err := s.ReplaceSource(ctx, "a", "export default () => null")
	if err != nil || same.Changed || same.Rev != 1 {
		t.Fatalf("identical replace should be a no-op: %+v %v", same, err)
	}
}

func TestSetTranspiled_IgnoresOutdatedRevision(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first, _ := s.ReplaceSource(ctx, "a", "v1")
	s.ReplaceSource(ctx, "a", "v2")

	ok, err := s.SetTranspiled(ctx, "a", first.Rev, "compiled-v1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("outdated transpile result must not be stored")
	}
	sess, _ := s.Get(ctx, "a")
	if sess.TranspiledCode != "" || !sess.Stale() {
		t.Fatalf("session modified by outdated result: %+v", sess)
	}
}

func TestMutate_ErrorLeavesSessionUntouched(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.ReplaceSource(ctx, "a", "original")

	errReject := errors.New("reject")
	_, err := s.Mutate(ctx, "a", func(string) (string, error) { return "changed", errReject })
	if !errors.Is(err, errReject) {
		t.Fatalf("got %v, want errReject", err)
	}
	sess, _ := s.Get(ctx, "a")
	if sess.SourceCode != "original" || sess.SourceRev != 1 {
		t.Fatalf("session modified: %+v", sess)
	}
}

func TestMutate_ConcurrentEditsSerialise(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.ReplaceSource(ctx, "a", "")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Mutate(ctx, "a", func(src string) (string, error) { return src + "x", nil }); err != nil {
				t.Errorf("mutate: %v", err)
			}
		}()
	}
	wg.Wait()

	sess, _ := s.Get(ctx, "a")
	if sess.SourceCode != "xxxxxxxxxx" || sess.SourceRev != 10 {
		t.Fatalf("lost updates: source=%q rev=%d", sess.SourceCode, sess.SourceRev)
	}
}

func TestSetters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.SetScaffold(ctx, "b", "<p>loading</p>"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetStylesheet(ctx, "b", "body{margin:0}"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetLastError(ctx, "b", "boom"); err != nil {
		t.Fatal(err)
	}
	sess, err := s.Get(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if sess.ScaffoldHTML != "<p>loading</p>" || sess.Stylesheet != "body{margin:0}" || sess.LastError != "boom" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if sess.SourceRev != 0 {
		t.Fatalf("setters must not bump the source revision: %d", sess.SourceRev)
	}
}

func TestRevisions_TrackSourceChangesOnly(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.ReplaceSource(ctx, "a", "one")
	s.ReplaceSource(ctx, "b", "two")
	s.ReplaceSource(ctx, "b", "three")
	before, err := RevisionSum(ctx, s.DB)
	if err != nil || before != 3 {
		t.Fatalf("sum = %d, %v; want 3", before, err)
	}

	s.SetScaffold(ctx, "a", "<p>x</p>")
	s.SetTranspiled(ctx, "a", 1, "code")
	if after, _ := RevisionSum(ctx, s.DB); after != before {
		t.Fatalf("non-source writes moved the token: %d -> %d", before, after)
	}

	revs, err := s.Revisions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if revs["a"] != 1 || revs["b"] != 2 || len(revs) != 2 {
		t.Fatalf("revisions = %v", revs)
	}
}
