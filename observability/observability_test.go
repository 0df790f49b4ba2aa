package observability

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hazyhaar/livebundle/dbopen"
	"github.com/hazyhaar/livebundle/idgen"
	"github.com/hazyhaar/livebundle/kit"

	_ "modernc.org/sqlite"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
}

func TestInit_Idempotent(t *testing.T) {
	db := setupObsDB(t)
	if err := Init(db); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	for _, table := range []string{"metrics_timeseries", "audit_log"} {
		var n int
		db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
		if n != 1 {
			t.Fatalf("table %s missing", table)
		}
	}
}

func TestMetricsManager_RecordAndQuery(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour, quiet)

	mm.Observe(MetricBundleDurationMs, 1500*time.Millisecond, map[string]string{"strategy": "primary"})
	mm.Record(&Metric{Name: MetricDocumentBytes, Value: 2048, Unit: "bytes"})
	mm.Close()

	got, err := mm.Query(context.Background(), MetricBundleDurationMs, time.Now().Add(-time.Minute), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d datapoints, want 1", len(got))
	}
	if got[0].Value != 1500 || got[0].Unit != "milliseconds" || got[0].Labels["strategy"] != "primary" {
		t.Fatalf("unexpected datapoint %+v", got[0])
	}

	all, _ := mm.Query(context.Background(), "", time.Time{}, 10)
	if len(all) != 2 {
		t.Fatalf("got %d datapoints overall, want 2", len(all))
	}
}

func TestMetricsManager_DropsOldestOnOverflow(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 2, time.Hour, quiet)
	for i := 0; i < 5; i++ {
		mm.Record(&Metric{Name: "n", Value: float64(i)})
	}
	if mm.Dropped() != 3 {
		t.Fatalf("dropped = %d, want 3", mm.Dropped())
	}
	mm.Close()
	got, _ := mm.Query(context.Background(), "n", time.Time{}, 0)
	if len(got) != 2 {
		t.Fatalf("kept %d, want 2", len(got))
	}
	for _, m := range got {
		if m.Value < 3 {
			t.Fatalf("old datapoint %v survived", m.Value)
		}
	}
}

func TestMetricsManager_Cleanup(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 10, time.Hour, quiet)
	mm.Record(&Metric{Name: "old", Timestamp: time.Now().Add(-48 * time.Hour)})
	mm.Record(&Metric{Name: "new"})
	mm.Close()

	n, err := mm.Cleanup(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
}

func TestAuditLogger_RecordFromContext(t *testing.T) {
	db := setupObsDB(t)
	a := NewAuditLogger(db, 16, WithAuditLogger(quiet))

	ctx := kit.WithEditMode(kit.WithTransport(kit.WithRequestID(context.Background(), "req-1"), "mcp"), "edit")
	a.Record(ctx, "update_code", "demo-1", map[string]string{"source_code": "x"}, map[string]bool{"changed": true}, true, nil, 12*time.Millisecond)
	a.Record(ctx, "edit_code", "demo-1", nil, nil, false, errors.New("edit_code: line range out of bounds"), time.Millisecond)
	a.Close()

	entries, err := a.Query(context.Background(), AuditFilter{InstanceID: "demo-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	byTool := map[string]*AuditEntry{}
	for _, e := range entries {
		byTool[e.Tool] = e
	}
	up := byTool["update_code"]
	if up == nil || up.Status != "success" || !up.Changed || up.Mode != "edit" || up.Transport != "mcp" || up.RequestID != "req-1" {
		t.Fatalf("unexpected update entry %+v", up)
	}
	if up.Parameters != `{"source_code":"x"}` {
		t.Fatalf("parameters = %s", up.Parameters)
	}
	ed := byTool["edit_code"]
	if ed == nil || ed.Status != "error" || ed.ErrorMessage == "" || ed.Parameters != "{}" {
		t.Fatalf("unexpected edit entry %+v", ed)
	}

	failed, _ := a.Query(context.Background(), AuditFilter{Status: "error"})
	if len(failed) != 1 {
		t.Fatalf("status filter returned %d", len(failed))
	}
}

func TestAuditLogger_SyncAndIDGenerator(t *testing.T) {
	db := setupObsDB(t)
	a := NewAuditLogger(db, 1, WithAuditIDGenerator(idgen.Sequence("aud_")), WithAuditLogger(quiet))
	defer a.Close()

	if err := a.Log(context.Background(), &AuditEntry{InstanceID: "i", Tool: "read_code"}); err != nil {
		t.Fatal(err)
	}
	got, _ := a.Query(context.Background(), AuditFilter{Tool: "read_code"})
	if len(got) != 1 || got[0].EntryID != "aud_1" {
		t.Fatalf("unexpected %+v", got)
	}
}
