package livebundle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hazyhaar/livebundle/livebundle/internal/notify"
	"github.com/hazyhaar/livebundle/livebundle/internal/store"
	"github.com/hazyhaar/livebundle/watch"
)

// revTracker remembers the newest source revision this process has
// announced for each instance.
type revTracker struct {
	mu    sync.Mutex
	known map[string]int64
}

func (t *revTracker) see(id string, rev int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rev > t.known[id] {
		t.known[id] = rev
	}
}

// advance records revs and returns, sorted, the instances whose revision
// moved past what was known.
func (t *revTracker) advance(revs map[string]int64) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var moved []string
	for id, rev := range revs {
		if rev > t.known[id] {
			t.known[id] = rev
			moved = append(moved, id)
		}
	}
	sort.Strings(moved)
	return moved
}

// watchSessions picks up sources changed behind the service's back, for
// example by `livebundle --import` against the same database, and treats
// them like an edit: cached documents are dropped and previews reload.
func (s *Service) watchSessions(ctx context.Context, interval time.Duration) {
	revs, err := s.store.Revisions(ctx)
	if err != nil {
		s.logger.Warn("livebundle: session watch disabled", "error", err)
		return
	}
	s.revs.advance(revs)

	w := watch.New(s.store.DB, watch.Options{
		Name:     "sessions",
		Interval: interval,
		Detector: store.RevisionSum,
		Logger:   s.logger,
	})
	w.OnChange(ctx, func() error {
		_, err := s.syncSessions(ctx)
		return err
	})
}

// syncSessions invalidates and announces every session whose source moved
// since the last call.
func (s *Service) syncSessions(ctx context.Context) ([]string, error) {
	revs, err := s.store.Revisions(ctx)
	if err != nil {
		return nil, err
	}
	moved := s.revs.advance(revs)
	for _, id := range moved {
		if err := s.cache.Invalidate(ctx, id); err != nil {
			s.logger.WarnContext(ctx, "livebundle: cache invalidation failed", "instance", id, "error", err)
		}
		n := s.hub.Publish(notify.Event{Kind: notify.Invalidated, InstanceID: id})
		s.logger.InfoContext(ctx, "livebundle: external source change", "instance", id, "rev", revs[id], "subscribers", n)
	}
	return moved, nil
}
