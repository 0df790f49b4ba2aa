// CLAUDE:SUMMARY Bundle service orchestrator: session, transpile, two-tier cache, bundler under deadline, primary or fallback document.
// Package livebundle turns the source of a live artifact into a document a
// browser can run, and keeps it editable.
//
// The serving path:
//
//	session → transpile (if stale) → primary cache → bundle (deadline) → primary document
//	                                                   ↘ failure/timeout → fallback cache → fallback document
//
// A transpile failure is terminal for the request. A bundler failure of any
// kind (entry shape, resolution, compile, timeout) never is: the fallback
// document loads the transpiled module at run time through an import map.
//
// Usage:
//
//	svc, err := livebundle.Open(ctx, cfg, logger)
//	defer svc.Close()
//	svc.Start(ctx)
//	http.ListenAndServe(cfg.Listen, svc.Handler(ctx))
package livebundle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hazyhaar/livebundle/connectivity"
	"github.com/hazyhaar/livebundle/horosafe"
	"github.com/hazyhaar/livebundle/idgen"
	"github.com/hazyhaar/livebundle/livebundle/internal/bundler"
	"github.com/hazyhaar/livebundle/livebundle/internal/cache"
	"github.com/hazyhaar/livebundle/livebundle/internal/liveedit"
	"github.com/hazyhaar/livebundle/livebundle/internal/notify"
	"github.com/hazyhaar/livebundle/livebundle/internal/store"
	"github.com/hazyhaar/livebundle/livebundle/internal/surface"
	"github.com/hazyhaar/livebundle/livebundle/internal/template"
	"github.com/hazyhaar/livebundle/observability"
)

// Bundler builds primary artifacts. *bundler.Bundler and *bundler.Lazy
// implement it.
type Bundler interface {
	Bundle(ctx context.Context, in bundler.Input) (*bundler.Artifact, error)
	Table() *bundler.Table
}

// Deps are the collaborators of a Service. Store, Cache, Bundler and
// Transpiler are required; the rest is optional.
type Deps struct {
	Store      *store.Store
	Cache      *cache.Cache
	Bundler    Bundler
	Transpiler liveedit.Transpiler
	Hub        *notify.Hub
	Metrics    *observability.MetricsManager
	Audit      *observability.AuditLogger
}

// Service is the bundle service.
type Service struct {
	cfg        *Config
	store      *store.Store
	cache      *cache.Cache
	bundler    Bundler
	transpiler liveedit.Transpiler
	hub        *notify.Hub
	edit       *liveedit.Service
	metrics    *observability.MetricsManager
	audit      *observability.AuditLogger
	reportIDs  idgen.Generator
	logger     *slog.Logger

	// Set by Open.
	router  *connectivity.Router
	breaker *connectivity.CircuitBreaker
	tables  *bundler.Tables
	sweeper *cache.SQLite
	closers []func() error

	revs     revTracker
	detached sync.WaitGroup
}

// New wires a Service from already built collaborators.
func New(cfg *Config, deps Deps, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Store == nil || deps.Cache == nil || deps.Bundler == nil || deps.Transpiler == nil {
		return nil, errors.New("livebundle: store, cache, bundler and transpiler are required")
	}
	if deps.Hub == nil {
		deps.Hub = notify.NewHub(logger)
	}
	s := &Service{
		cfg:        cfg,
		store:      deps.Store,
		cache:      deps.Cache,
		bundler:    deps.Bundler,
		transpiler: deps.Transpiler,
		hub:        deps.Hub,
		metrics:    deps.Metrics,
		audit:      deps.Audit,
		reportIDs:  idgen.Prefixed("exe_", idgen.Default),
		logger:     logger,
		revs:       revTracker{known: make(map[string]int64)},
	}
	ecfg := liveedit.Config{
		Store:          deps.Store,
		Transpiler:     deps.Transpiler,
		Cache:          deps.Cache,
		Notifier:       s,
		MaxSourceBytes: cfg.Edit.MaxSourceBytes,
		Logger:         logger,
	}
	if deps.Audit != nil {
		ecfg.Audit = deps.Audit
	}
	edit, err := liveedit.New(ecfg)
	if err != nil {
		return nil, err
	}
	s.edit = edit
	return s, nil
}

// Store returns the session store.
func (s *Service) Store() *store.Store { return s.store }

// Hub returns the refresh notification hub.
func (s *Service) Hub() *notify.Hub { return s.hub }

// Edit returns the live-edit tool service.
func (s *Service) Edit() *liveedit.Service { return s.edit }

// Publish forwards ev to the hub. The source revision behind a code-updated
// event is remembered so the session watcher does not report it twice.
func (s *Service) Publish(ev notify.Event) int {
	if ev.Kind == notify.CodeUpdated {
		if sess, err := s.store.Get(context.Background(), ev.InstanceID); err == nil {
			s.revs.see(ev.InstanceID, sess.SourceRev)
		}
	}
	return s.hub.Publish(ev)
}

// Request asks for the document of one instance.
type Request struct {
	InstanceID string
	Rebuild    bool
}

// Document is a served document.
type Document struct {
	InstanceID  string           `json:"instance_id"`
	HTML        []byte           `json:"-"`
	Strategy    bundler.Strategy `json:"strategy"`
	CacheHit    bool             `json:"cache_hit"`
	ContentHash string           `json:"content_hash"`
	Modules     []string         `json:"modules,omitempty"`
	Outcome     *Outcome         `json:"outcome"`
}

// Bundle returns the document for req. It fails only on an invalid id, a
// session without source, a transpile failure or a storage error; every
// bundler failure degrades to the fallback document.
func (s *Service) Bundle(ctx context.Context, req Request) (*Document, error) {
	start := time.Now()
	id := req.InstanceID
	if err := horosafe.ValidateInstanceID(id); err != nil {
		return nil, err
	}
	log := s.logger.With("instance", id)
	out := newOutcome()

	sess, err := s.store.Ensure(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.SourceCode == "" {
		return nil, ErrNoSource
	}

	transpiled := sess.TranspiledCode
	if sess.Stale() {
		out.advance(StateTranspiling)
		transpiled, err = s.transpiler.Transpile(ctx, sess.SourceCode)
		if err != nil {
			out.advance(StateTranspileFailed)
			log.WarnContext(ctx, "livebundle: transpile failed", "rev", sess.SourceRev, "error", err)
			return nil, err
		}
		if _, err := s.store.SetTranspiled(ctx, id, sess.SourceRev, transpiled); err != nil {
			log.WarnContext(ctx, "livebundle: persist transpiled", "error", err)
		}
	}

	table := s.bundler.Table()
	hash := cache.ContentHash(sess.SourceCode, sess.ScaffoldHTML, sess.Stylesheet, table.Version, template.FormatVersion)
	in := s.docInput(sess)
	doc := &Document{InstanceID: id, ContentHash: hash, Outcome: out}

	if req.Rebuild {
		if err := s.cache.Invalidate(ctx, id); err != nil {
			log.WarnContext(ctx, "livebundle: rebuild invalidation failed", "error", err)
		}
	} else if e := s.lookup(ctx, id, hash, cache.TierPrimary); e != nil {
		out.advance(StateCacheHit)
		return s.served(doc, e, bundler.StrategyPrimary, true, start), nil
	}

	out.advance(StateBundling)
	art, err := s.runBundle(ctx, bundler.Input{InstanceID: id, Source: sess.SourceCode},
		func(lctx context.Context, art *bundler.Artifact) {
			if e, err := primaryEntry(in, art); err == nil {
				s.put(lctx, id, hash, cache.TierPrimary, e)
				log.InfoContext(lctx, "livebundle: detached build cached", "hash", hash)
			}
		})
	if err == nil {
		out.advance(StateBundleSucceeded)
		var e *cache.Entry
		if e, err = primaryEntry(in, art); err == nil {
			out.advance(StateDocumentAssembled)
			s.put(ctx, id, hash, cache.TierPrimary, e)
			return s.served(doc, e, bundler.StrategyPrimary, false, start), nil
		}
	}
	out.fail(err)
	log.WarnContext(ctx, "livebundle: bundle failed, serving fallback", "error", err)

	if !req.Rebuild {
		if e := s.lookup(ctx, id, hash, cache.TierFallback); e != nil {
			out.advance(StateFallbackCacheHit)
			return s.served(doc, e, bundler.StrategyFallback, true, start), nil
		}
	}
	out.advance(StateFallbackAssembly)
	html, err := template.Fallback(in, transpiled, table.RuntimeMap(bundler.BareImports(transpiled)...))
	if err != nil {
		return nil, fmt.Errorf("livebundle: fallback document: %w", err)
	}
	out.advance(StateDocumentAssembled)
	e := &cache.Entry{Document: html, Script: transpiled}
	s.put(ctx, id, hash, cache.TierFallback, e)
	return s.served(doc, e, bundler.StrategyFallback, false, start), nil
}

func primaryEntry(in template.DocInput, art *bundler.Artifact) (*cache.Entry, error) {
	html, err := template.Primary(in, art)
	if err != nil {
		return nil, err
	}
	return &cache.Entry{Document: html, Script: art.Script, CSS: art.CSS, Modules: art.Modules}, nil
}

func (s *Service) served(doc *Document, e *cache.Entry, strategy bundler.Strategy, hit bool, start time.Time) *Document {
	doc.Outcome.advance(StateServed)
	doc.HTML = e.Document
	doc.Strategy = strategy
	doc.CacheHit = hit
	doc.Modules = e.Modules
	labels := map[string]string{"strategy": string(strategy), "cache": strconv.FormatBool(hit)}
	s.observe(observability.MetricBundleDurationMs, time.Since(start), labels)
	if s.metrics != nil {
		s.metrics.Record(&observability.Metric{
			Name: observability.MetricDocumentBytes, Value: float64(len(e.Document)), Labels: labels, Unit: "bytes",
		})
	}
	s.logger.Debug("livebundle: served", "instance", doc.InstanceID, "strategy", strategy, "cache_hit", hit,
		"trace", doc.Outcome.String(), "duration", time.Since(start))
	return doc
}

func (s *Service) lookup(ctx context.Context, id, hash string, tier cache.Tier) *cache.Entry {
	e, ok, err := s.cache.Get(ctx, id, hash, tier)
	if err != nil {
		s.logger.WarnContext(ctx, "livebundle: cache read failed", "instance", id, "tier", tier, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	return e
}

func (s *Service) put(ctx context.Context, id, hash string, tier cache.Tier, e *cache.Entry) {
	if err := s.cache.Set(ctx, id, hash, tier, e); err != nil {
		s.logger.WarnContext(ctx, "livebundle: cache write failed", "instance", id, "tier", tier, "error", err)
	}
}

func (s *Service) observe(name string, d time.Duration, labels map[string]string) {
	if s.metrics != nil {
		s.metrics.Observe(name, d, labels)
	}
}

func (s *Service) docInput(sess *store.Session) template.DocInput {
	return template.DocInput{
		InstanceID:        sess.InstanceID,
		ContainerID:       s.cfg.Document.ContainerID,
		ScaffoldHTML:      sess.ScaffoldHTML,
		Stylesheet:        sess.Stylesheet,
		StyleRuntimeURL:   s.cfg.Document.StyleRuntimeURL,
		FontStylesheetURL: s.cfg.Document.FontStylesheetURL,
		RenderTimeout:     s.cfg.Document.RenderTimeout,
	}
}

// runBundle runs the bundler under the request deadline. A build still
// running at the deadline is abandoned, not cancelled: it keeps going for up
// to the configured ceiling and hands a successful artifact to late.
func (s *Service) runBundle(ctx context.Context, in bundler.Input, late func(context.Context, *bundler.Artifact)) (*bundler.Artifact, error) {
	type result struct {
		art *bundler.Artifact
		err error
	}
	var (
		mu        sync.Mutex
		abandoned bool
		ch        = make(chan result, 1)
	)
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Bundle.Ceiling)
	start := time.Now()

	s.detached.Add(1)
	go func() {
		defer s.detached.Done()
		defer cancel()
		art, err := s.bundler.Bundle(bctx, in)
		s.observe(observability.MetricBuildDurationMs, time.Since(start), map[string]string{"ok": strconv.FormatBool(err == nil)})

		mu.Lock()
		if !abandoned {
			ch <- result{art, err}
			mu.Unlock()
			return
		}
		mu.Unlock()
		if err != nil {
			s.logger.Warn("livebundle: detached build failed", "instance", in.InstanceID, "error", err)
			return
		}
		late(bctx, art)
	}()

	timer := time.NewTimer(s.cfg.Bundle.Timeout)
	defer timer.Stop()
	var cause error
	select {
	case r := <-ch:
		return r.art, r.err
	case <-timer.C:
		cause = &BundleTimeout{After: s.cfg.Bundle.Timeout}
	case <-ctx.Done():
		cause = ctx.Err()
	}
	mu.Lock()
	abandoned = true
	mu.Unlock()
	select {
	case r := <-ch:
		return r.art, r.err
	default:
	}
	return nil, cause
}

// WaitDetached blocks until every abandoned build has finished.
func (s *Service) WaitDetached() { s.detached.Wait() }

// SessionUpdate is a direct replacement of session fields. Nil fields are
// left alone.
type SessionUpdate struct {
	SourceCode   *string `json:"source_code,omitempty"`
	ScaffoldHTML *string `json:"scaffold_html,omitempty"`
	Stylesheet   *string `json:"stylesheet,omitempty"`
}

// Replace applies u to the session of id. Any change drops the cached
// documents and tells open previews to reload.
func (s *Service) Replace(ctx context.Context, id string, u SessionUpdate) (*store.Session, error) {
	if err := horosafe.ValidateInstanceID(id); err != nil {
		return nil, err
	}
	before, err := s.store.Ensure(ctx, id)
	if err != nil {
		return nil, err
	}
	changed := false
	if u.SourceCode != nil && *u.SourceCode != before.SourceCode {
		if err := liveedit.CheckSource(*u.SourceCode, s.cfg.Edit.MaxSourceBytes); err != nil {
			return nil, err
		}
		if _, err := s.store.ReplaceSource(ctx, id, *u.SourceCode); err != nil {
			return nil, err
		}
		changed = true
	}
	if u.ScaffoldHTML != nil && *u.ScaffoldHTML != before.ScaffoldHTML {
		if err := s.store.SetScaffold(ctx, id, *u.ScaffoldHTML); err != nil {
			return nil, err
		}
		changed = true
	}
	if u.Stylesheet != nil && *u.Stylesheet != before.Stylesheet {
		if err := s.store.SetStylesheet(ctx, id, *u.Stylesheet); err != nil {
			return nil, err
		}
		changed = true
	}
	if changed {
		if err := s.cache.Invalidate(ctx, id); err != nil {
			s.logger.WarnContext(ctx, "livebundle: cache invalidation failed", "instance", id, "error", err)
		}
		s.Publish(notify.Event{Kind: notify.CodeUpdated, InstanceID: id})
		s.logger.InfoContext(ctx, "livebundle: session replaced", "instance", id)
	}
	return s.store.Get(ctx, id)
}

// ReportError records a terminal execution error forwarded by a host page
// and returns the report id.
func (s *Service) ReportError(ctx context.Context, e *surface.ExecutionError) (string, error) {
	if err := horosafe.ValidateInstanceID(e.InstanceID); err != nil {
		return "", err
	}
	msg := e.Message
	if e.Stack != "" {
		msg += "\n" + e.Stack
	}
	if err := s.store.SetLastError(ctx, e.InstanceID, msg); err != nil {
		return "", err
	}
	rid := s.reportIDs()
	s.logger.WarnContext(ctx, "livebundle: execution error reported", "instance", e.InstanceID, "report", rid, "message", e.Message)
	return rid, nil
}
