package livebundle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/livebundle/connectivity"
	"github.com/hazyhaar/livebundle/dbopen"
	"github.com/hazyhaar/livebundle/horosafe"
	"github.com/hazyhaar/livebundle/livebundle/internal/bundler"
	"github.com/hazyhaar/livebundle/livebundle/internal/cache"
	"github.com/hazyhaar/livebundle/livebundle/internal/notify"
	"github.com/hazyhaar/livebundle/livebundle/internal/store"
	"github.com/hazyhaar/livebundle/livebundle/internal/transpile"
	"github.com/hazyhaar/livebundle/observability"
	"github.com/hazyhaar/livebundle/shield"
)

// Open builds a Service from cfg: it opens the SQLite database at
// cfg.DBPath with every table the service uses, selects the cache backend,
// loads the import table and prepares the transpile router.
func Open(ctx context.Context, cfg *Config, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(cfg.DBPath,
		dbopen.WithSchema(cache.Schema),
		dbopen.WithSchema(connectivity.Schema),
		dbopen.WithSchema(observability.Schema),
		dbopen.WithSchema(shield.Schema),
	)
	if err != nil {
		return nil, fmt.Errorf("livebundle: open %s: %w", cfg.DBPath, err)
	}
	closers := []func() error{st.Close}
	fail := func(err error) (*Service, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		return nil, err
	}

	var backend cache.Backend
	var sweeper *cache.SQLite
	switch cfg.Cache.Backend {
	case "memory":
		backend = cache.NewMemory()
	case "sqlite":
		sweeper = cache.NewSQLite(st.DB)
		backend = sweeper
	case "redis":
		rb, err := cache.NewRedis(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
		if err != nil {
			return fail(err)
		}
		backend = rb
	default:
		return fail(fmt.Errorf("livebundle: unknown cache backend %q", cfg.Cache.Backend))
	}
	c, err := cache.New(backend, cfg.Cache.PrimaryTTL, cfg.Cache.FallbackTTL, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, c.Close)

	table := bundler.DefaultTable()
	if cfg.ImportsFile != "" {
		if table, err = bundler.LoadTable(cfg.ImportsFile); err != nil {
			return fail(err)
		}
	}
	tables := bundler.NewTables(table)

	validate := horosafe.ValidateURL
	if cfg.Bundle.AllowPrivate {
		validate = horosafe.AllowAll
	}
	lazy := bundler.NewLazy(bundler.Options{
		ContainerID:   cfg.Document.ContainerID,
		Tables:        tables,
		ValidateURL:   validate,
		MaxFetchBytes: cfg.Bundle.MaxFetchBytes,
		Logger:        logger,
	})

	breaker := transpile.NewBreaker(cfg.Transpile.BreakerThreshold, cfg.Transpile.BreakerReset, logger)
	router := transpile.NewRouter(transpile.RouterConfig{
		CallTimeout:  cfg.Transpile.Timeout,
		MaxRetries:   cfg.Transpile.MaxRetries,
		RetryBackoff: cfg.Transpile.RetryBackoff,
		URLValidator: validate,
		Breaker:      breaker,
	}, logger)
	closers = append(closers, router.Close)

	deps := Deps{
		Store:      st,
		Cache:      c,
		Bundler:    lazy,
		Transpiler: transpile.NewClient(router, cfg.Transpile.Timeout, logger),
		Hub:        notify.NewHub(logger),
	}
	if cfg.Observe.Enabled {
		deps.Metrics = observability.NewMetricsManager(st.DB, cfg.Observe.BufferSize, cfg.Observe.FlushInterval, logger)
		deps.Audit = observability.NewAuditLogger(st.DB, cfg.Observe.BufferSize, observability.WithAuditLogger(logger))
		closers = append(closers, deps.Metrics.Close, deps.Audit.Close)
	}

	s, err := New(cfg, deps, logger)
	if err != nil {
		return fail(err)
	}
	s.router, s.breaker, s.tables, s.sweeper, s.closers = router, breaker, tables, sweeper, closers
	return s, nil
}

// Start launches the background loops: route and import table hot reload,
// cache sweeping, observability retention and the session watcher. They
// stop with ctx.
func (s *Service) Start(ctx context.Context) {
	if s.router != nil {
		go s.router.Watch(ctx, s.store.DB, s.cfg.Transpile.RoutesPoll)
	}
	if s.tables != nil && s.cfg.ImportsFile != "" {
		err := s.tables.Watch(ctx, s.cfg.ImportsFile, s.logger, func(t *bundler.Table) {
			s.logger.Info("livebundle: import table version changed, new content hashes apply", "version", t.Version)
		})
		if err != nil {
			s.logger.Warn("livebundle: import table watch disabled", "error", err)
		}
	}
	go s.housekeeping(ctx)
	go s.watchSessions(ctx, s.cfg.Observe.SessionPoll)
	s.logger.Info("livebundle: started", "db", s.cfg.DBPath, "cache", s.cfg.Cache.Backend)
}

func (s *Service) housekeeping(ctx context.Context) {
	tick := time.NewTicker(s.cfg.Cache.SweepInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		if s.sweeper != nil {
			if n, err := s.sweeper.Sweep(ctx); err != nil {
				s.logger.Warn("livebundle: cache sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Debug("livebundle: cache swept", "removed", n)
			}
		}
		if s.metrics != nil {
			if _, err := s.metrics.Cleanup(ctx, s.cfg.Observe.Retention); err != nil {
				s.logger.Warn("livebundle: metrics cleanup failed", "error", err)
			}
		}
		if s.audit != nil {
			if _, err := s.audit.Cleanup(ctx, s.cfg.Observe.Retention); err != nil {
				s.logger.Warn("livebundle: audit cleanup failed", "error", err)
			}
		}
	}
}

// Close waits for abandoned builds and releases everything Open created.
func (s *Service) Close() error {
	s.detached.Wait()
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}
