// CLAUDE:SUMMARY Poll-detect-debounce-run loop over a SQLite change token; drives route reloads and external session change detection.
// Package watch runs an action whenever a change token read from SQLite
// moves. The token comes from a Detector: PRAGMA data_version for "anything
// was written by another connection", or an aggregate over one column when
// only some writes matter.
//
//	w := watch.New(db, watch.Options{Name: "routes", Interval: 2 * time.Second})
//	go w.OnChange(ctx, func() error { return router.Reload(ctx, db) })
package watch

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Detector reads a change token. Two different values mean something
// changed; the magnitude carries no meaning.
type Detector func(ctx context.Context, db *sql.DB) (int64, error)

// Options tunes a Watcher.
type Options struct {
	// Name tags log lines. Default: "watch".
	Name string
	// Interval is the polling period. Default: 1s.
	Interval time.Duration
	// Debounce delays the action until the token has been stable for this
	// long. 0 runs the action on the first poll that sees a change.
	Debounce time.Duration
	// Detector defaults to DataVersion.
	Detector Detector
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Name == "" {
		o.Name = "watch"
	}
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Detector == nil {
		o.Detector = DataVersion
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher polls one database. Stats and Version are safe to call while
// OnChange runs.
type Watcher struct {
	db   *sql.DB
	opts Options
	log  *slog.Logger

	version atomic.Int64

	checks   atomic.Int64
	changes  atomic.Int64
	failures atomic.Int64
	runs     atomic.Int64
	runNs    atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Checks   int64         `json:"checks"`
	Changes  int64         `json:"changes"`
	Failures int64         `json:"failures"`
	Runs     int64         `json:"runs"`
	AvgRun   time.Duration `json:"avg_run"`
}

// New returns a Watcher. Nothing is polled until OnChange.
func New(db *sql.DB, opts Options) *Watcher {
	opts.defaults()
	return &Watcher{db: db, opts: opts, log: opts.Logger.With("watch", opts.Name)}
}

// Stats returns the counters.
func (w *Watcher) Stats() Stats {
	s := Stats{
		Checks:   w.checks.Load(),
		Changes:  w.changes.Load(),
		Failures: w.failures.Load(),
		Runs:     w.runs.Load(),
	}
	if s.Runs > 0 {
		s.AvgRun = time.Duration(w.runNs.Load() / s.Runs)
	}
	return s
}

// Version returns the token of the last successful action (or the seed).
func (w *Watcher) Version() int64 { return w.version.Load() }

// OnChange blocks until ctx is cancelled. The token read at start is the
// baseline; action runs for every later change that survives the debounce
// window. A failed action leaves the token where it was, so the change is
// retried on the next poll.
func (w *Watcher) OnChange(ctx context.Context, action func() error) {
	if v, err := w.opts.Detector(ctx, w.db); err != nil {
		w.log.Warn("watch: initial check failed", "error", err)
	} else {
		w.version.Store(v)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()
	var (
		debounce *time.Timer
		settle   <-chan time.Time
		pending  int64
		waiting  bool
	)
	stopDebounce := func() {
		if debounce != nil {
			debounce.Stop()
		}
	}
	defer stopDebounce()

	w.log.Debug("watch: started", "interval", w.opts.Interval, "debounce", w.opts.Debounce)
	for {
		select {
		case <-ctx.Done():
			w.log.Debug("watch: stopped", "runs", w.runs.Load())
			return

		case <-ticker.C:
			w.checks.Add(1)
			cur, err := w.opts.Detector(ctx, w.db)
			if err != nil {
				if ctx.Err() == nil {
					w.failures.Add(1)
					w.log.Warn("watch: check failed", "error", err)
				}
				continue
			}
			if cur == w.version.Load() || (waiting && cur == pending) {
				continue
			}
			w.changes.Add(1)
			pending, waiting = cur, true
			if w.opts.Debounce <= 0 {
				w.run(action, pending)
				waiting = false
				continue
			}
			stopDebounce()
			debounce = time.NewTimer(w.opts.Debounce)
			settle = debounce.C

		case <-settle:
			settle = nil
			if waiting {
				w.run(action, pending)
				waiting = false
			}
		}
	}
}

// run advances the token to v only when action succeeds.
func (w *Watcher) run(action func() error, v int64) {
	start := time.Now()
	if err := action(); err != nil {
		w.failures.Add(1)
		w.log.Error("watch: action failed", "error", err, "version", v)
		return
	}
	d := time.Since(start)
	w.runs.Add(1)
	w.runNs.Add(int64(d))
	w.log.Debug("watch: action ran", "old_version", w.version.Load(), "version", v, "duration", d)
	w.version.Store(v)
}

// DataVersion reads PRAGMA data_version. It moves when another connection
// commits to the same database file.
func DataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

// ColumnSum returns a Detector over SUM(column) of table. With a column that
// only ever grows per row, such as a revision counter, the sum moves exactly
// when some row's counter does.
func ColumnSum(table, column string) Detector {
	return aggregate("SUM", table, column)
}

// ColumnMax returns a Detector over MAX(column) of table.
func ColumnMax(table, column string) Detector {
	return aggregate("MAX", table, column)
}

func aggregate(fn, table, column string) Detector {
	query := "SELECT COALESCE(" + fn + "(" + quoteIdent(column) + "), 0) FROM " + quoteIdent(table)
	return func(ctx context.Context, db *sql.DB) (int64, error) {
		var v int64
		err := db.QueryRowContext(ctx, query).Scan(&v)
		return v, err
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
