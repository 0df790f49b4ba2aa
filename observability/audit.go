package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/livebundle/idgen"
	"github.com/hazyhaar/livebundle/kit"
)

// AuditEntry is one live-edit tool invocation.
type AuditEntry struct {
	EntryID    string
	Timestamp  time.Time
	InstanceID string
	Tool       string
	Mode       string
	Transport  string
	RequestID  string

	Parameters   string // JSON
	Result       string // JSON
	ErrorMessage string
	Changed      bool
	DurationMs   int64
	Status       string // "success", "error"
}

// AuditFilter narrows Query. Zero fields match everything.
type AuditFilter struct {
	InstanceID string
	Tool       string
	Status     string
	Limit      int // default 100
}

// AuditLogger persists tool invocations asynchronously in batches.
type AuditLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
	ch     chan *AuditEntry
	stop   chan struct{}
	done   chan struct{}
}

// AuditOption configures an AuditLogger.
type AuditOption func(*AuditLogger)

// WithAuditIDGenerator sets the entry id generator.
func WithAuditIDGenerator(gen idgen.Generator) AuditOption {
	return func(a *AuditLogger) { a.newID = gen }
}

// WithAuditLogger sets the logger used for persistence failures.
func WithAuditLogger(l *slog.Logger) AuditOption {
	return func(a *AuditLogger) { a.logger = l }
}

// NewAuditLogger starts the flush goroutine. Recommended bufferSize: 256.
func NewAuditLogger(db *sql.DB, bufferSize int, opts ...AuditOption) *AuditLogger {
	a := &AuditLogger{
		db:     db,
		newID:  idgen.Prefixed("aud_", idgen.Default),
		logger: slog.Default(),
		ch:     make(chan *AuditEntry, bufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	go a.flushLoop()
	return a
}

// Record builds an entry for one tool call from the caller context and
// queues it.
func (a *AuditLogger) Record(ctx context.Context, tool, instanceID string, params, result any, changed bool, err error, d time.Duration) {
	e := &AuditEntry{
		InstanceID: instanceID,
		Tool:       tool,
		Mode:       kit.GetEditMode(ctx),
		Transport:  kit.GetTransport(ctx),
		RequestID:  kit.GetRequestID(ctx),
		Changed:    changed,
		DurationMs: d.Milliseconds(),
	}
	if params != nil {
		if b, jerr := json.Marshal(params); jerr == nil {
			e.Parameters = string(b)
		}
	}
	if err != nil {
		e.ErrorMessage = err.Error()
	} else if result != nil {
		if b, jerr := json.Marshal(result); jerr == nil {
			e.Result = string(b)
		}
	}
	a.LogAsync(e)
}

// Log inserts an entry synchronously.
func (a *AuditLogger) Log(ctx context.Context, e *AuditEntry) error {
	a.fillDefaults(e)
	return a.insert(ctx, e)
}

// LogAsync queues e, inserting synchronously when the buffer is full.
func (a *AuditLogger) LogAsync(e *AuditEntry) {
	a.fillDefaults(e)
	select {
	case a.ch <- e:
	default:
		a.logger.Warn("observability: audit buffer full, sync fallback", "tool", e.Tool)
		if err := a.insert(context.Background(), e); err != nil {
			a.logger.Error("observability: audit sync fallback failed", "error", err)
		}
	}
}

// Query returns entries matching f, newest first.
func (a *AuditLogger) Query(ctx context.Context, f AuditFilter) ([]*AuditEntry, error) {
	q := `SELECT entry_id, timestamp, instance_id, tool, mode, transport, request_id,
		parameters, result, error_message, changed, duration_ms, status
		FROM audit_log WHERE 1=1`
	var args []any
	if f.InstanceID != "" {
		q += " AND instance_id = ?"
		args = append(args, f.InstanceID)
	}
	if f.Tool != "" {
		q += " AND tool = ?"
		args = append(args, f.Tool)
	}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " ORDER BY timestamp DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query audit: %w", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts int64
		var result, errMsg sql.NullString
		if err := rows.Scan(&e.EntryID, &ts, &e.InstanceID, &e.Tool, &e.Mode, &e.Transport, &e.RequestID,
			&e.Parameters, &result, &errMsg, &e.Changed, &e.DurationMs, &e.Status); err != nil {
			return nil, fmt.Errorf("observability: scan audit: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		e.Result, e.ErrorMessage = result.String, errMsg.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Cleanup deletes entries older than retention.
func (a *AuditLogger) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := a.db.ExecContext(ctx, "DELETE FROM audit_log WHERE timestamp < ?", time.Now().Add(-retention).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup audit: %w", err)
	}
	return res.RowsAffected()
}

// Close drains the buffer and stops the flush goroutine.
func (a *AuditLogger) Close() error {
	close(a.stop)
	<-a.done
	return nil
}

func (a *AuditLogger) fillDefaults(e *AuditEntry) {
	if e.EntryID == "" {
		e.EntryID = a.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Parameters == "" {
		e.Parameters = "{}"
	}
	if e.Status == "" {
		if e.ErrorMessage != "" {
			e.Status = "error"
		} else {
			e.Status = "success"
		}
	}
}

const insertAudit = `INSERT INTO audit_log
	(entry_id, timestamp, instance_id, tool, mode, transport, request_id,
	 parameters, result, error_message, changed, duration_ms, status)
	VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`

func auditArgs(e *AuditEntry) []any {
	return []any{e.EntryID, e.Timestamp.UnixMilli(), e.InstanceID, e.Tool, e.Mode, e.Transport, e.RequestID,
		e.Parameters, e.Result, e.ErrorMessage, e.Changed, e.DurationMs, e.Status}
}

func (a *AuditLogger) flushLoop() {
	defer close(a.done)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	batch := make([]*AuditEntry, 0, 64)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		defer func() { batch = batch[:0] }()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		tx, err := a.db.BeginTx(ctx, nil)
		if err != nil {
			a.logger.Error("observability: audit begin tx", "error", err)
			return
		}
		stmt, err := tx.PrepareContext(ctx, insertAudit)
		if err != nil {
			tx.Rollback()
			a.logger.Error("observability: audit prepare", "error", err)
			return
		}
		defer stmt.Close()
		for _, e := range batch {
			if _, err := stmt.ExecContext(ctx, auditArgs(e)...); err != nil {
				a.logger.Error("observability: audit insert", "error", err, "entry_id", e.EntryID)
			}
		}
		if err := tx.Commit(); err != nil {
			a.logger.Error("observability: audit commit", "error", err)
		}
	}

	for {
		select {
		case <-a.stop:
			for {
				select {
				case e := <-a.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-a.ch:
			batch = append(batch, e)
			if len(batch) >= 64 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (a *AuditLogger) insert(ctx context.Context, e *AuditEntry) error {
	_, err := a.db.ExecContext(ctx, insertAudit, auditArgs(e)...)
	return err
}
