package connectivity

import (
	"context"
	"database/sql"
	"time"

	"github.com/hazyhaar/livebundle/watch"
)

// Watch loads the routes table, then reloads it whenever another connection
// writes to db. It blocks until ctx is cancelled.
func (r *Router) Watch(ctx context.Context, db *sql.DB, interval time.Duration) {
	if err := r.Reload(ctx, db); err != nil {
		r.logger.Error("connectivity: initial reload failed", "error", err)
	}
	w := watch.New(db, watch.Options{
		Name:     "routes",
		Interval: interval,
		Detector: watch.DataVersion,
		Logger:   r.logger,
	})
	w.OnChange(ctx, func() error { return r.Reload(ctx, db) })
}
