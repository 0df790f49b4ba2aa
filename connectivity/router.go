// CLAUDE:SUMMARY Service router: dispatches named services to an in-process handler or a remote endpoint per the SQLite routes table.
// Package connectivity routes named service calls (the transpiler, in this
// system) either to an in-process Handler or to a remote endpoint, as decided
// by rows in the SQLite routes table. The table is re-read whenever it
// changes, so an operator can move the transpiler out of process, back in,
// or disable it without restarting the server.
//
//	router := connectivity.New(connectivity.WithLogger(logger))
//	router.RegisterTransport("http", connectivity.HTTPFactory())
//	router.RegisterLocal("transpile", transpile.LocalHandler())
//	go router.Watch(ctx, db, time.Second)
//
//	resp, err := router.Call(ctx, "transpile", payload)
package connectivity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"sync"
)

// Handler is a transport-agnostic service function: bytes in, bytes out.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// TransportFactory builds a Handler for a remote endpoint from the route's
// endpoint and config JSON. The close function, when non-nil, is invoked when
// the route is removed or replaced.
type TransportFactory func(endpoint string, config json.RawMessage) (handler Handler, close func(), err error)

type route struct {
	Service  string
	Strategy string
	Endpoint string
	Config   json.RawMessage
}

func (rt route) fingerprint() string {
	return rt.Strategy + "|" + rt.Endpoint + "|" + string(rt.Config)
}

type remoteEntry struct {
	handler Handler
	close   func()
}

// Router dispatches service calls. Safe for concurrent use.
type Router struct {
	mu        sync.RWMutex
	locals    map[string]Handler
	remotes   map[string]remoteEntry
	snapshot  map[string]route
	factories map[string]TransportFactory
	wrap      []HandlerMiddleware
	logger    *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithRemoteMiddleware wraps every remote handler built during Reload.
func WithRemoteMiddleware(mws ...HandlerMiddleware) Option {
	return func(r *Router) { r.wrap = append(r.wrap, mws...) }
}

// New creates an empty Router.
func New(opts ...Option) *Router {
	r := &Router{
		locals:    make(map[string]Handler),
		remotes:   make(map[string]remoteEntry),
		snapshot:  make(map[string]route),
		factories: make(map[string]TransportFactory),
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterLocal registers the in-process handler for service.
func (r *Router) RegisterLocal(service string, h Handler) {
	r.mu.Lock()
	r.locals[service] = h
	r.mu.Unlock()
}

// Local returns the in-process handler for service, or nil.
func (r *Router) Local(service string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.locals[service]
}

// RegisterTransport registers a factory for a route strategy ("http").
func (r *Router) RegisterTransport(strategy string, f TransportFactory) {
	r.mu.Lock()
	r.factories[strategy] = f
	r.mu.Unlock()
}

// Call dispatches a service call:
//  1. noop route: returns (nil, nil) without doing anything;
//  2. remote route with a built handler;
//  3. local handler;
//  4. otherwise ErrServiceNotFound.
func (r *Router) Call(ctx context.Context, service string, payload []byte) ([]byte, error) {
	r.mu.RLock()
	entry, hasRemote := r.remotes[service]
	local := r.locals[service]
	rt, hasRoute := r.snapshot[service]
	r.mu.RUnlock()

	if hasRoute && rt.Strategy == StrategyNoop {
		r.logger.DebugContext(ctx, "connectivity: noop", "service", service)
		return nil, nil
	}
	if hasRemote {
		r.logger.DebugContext(ctx, "connectivity: remote",
			"service", service, "strategy", rt.Strategy, "endpoint", rt.Endpoint)
		return entry.handler(ctx, payload)
	}
	if local != nil {
		return local(ctx, payload)
	}
	return nil, &ErrServiceNotFound{Service: service}
}

// Reload re-reads the routes table. Unchanged remote routes keep their
// handler; changed or removed ones are closed after the swap.
func (r *Router) Reload(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx,
		`SELECT service_name, strategy, COALESCE(endpoint, ''), COALESCE(config, '{}') FROM routes`)
	if err != nil {
		return fmt.Errorf("connectivity: query routes: %w", err)
	}
	defer rows.Close()

	next := make(map[string]route)
	for rows.Next() {
		var rt route
		var cfg string
		if err := rows.Scan(&rt.Service, &rt.Strategy, &rt.Endpoint, &cfg); err != nil {
			return fmt.Errorf("connectivity: scan route: %w", err)
		}
		rt.Config = json.RawMessage(cfg)
		next[rt.Service] = rt
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("connectivity: rows: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	built := make(map[string]remoteEntry, len(next))
	for name, rt := range next {
		if rt.Strategy == StrategyLocal || rt.Strategy == StrategyNoop {
			continue
		}
		if old, ok := r.snapshot[name]; ok && old.fingerprint() == rt.fingerprint() {
			if e, ok := r.remotes[name]; ok {
				built[name] = e
				continue
			}
		}
		factory, ok := r.factories[rt.Strategy]
		if !ok {
			r.logger.Warn("connectivity: no transport factory",
				"service", name, "strategy", rt.Strategy)
			continue
		}
		h, closeFn, err := factory(rt.Endpoint, rt.Config)
		if err != nil {
			r.logger.Error("connectivity: factory failed", "error",
				&ErrFactoryFailed{Service: name, Strategy: rt.Strategy, Endpoint: rt.Endpoint, Cause: err})
			continue
		}
		if len(r.wrap) > 0 {
			h = Chain(r.wrap...)(h)
		}
		built[name] = remoteEntry{handler: h, close: closeFn}
		r.logger.Info("connectivity: route built",
			"service", name, "strategy", rt.Strategy, "endpoint", rt.Endpoint)
	}

	for name, old := range r.remotes {
		if old.close == nil {
			continue
		}
		if _, kept := built[name]; !kept || r.snapshot[name].fingerprint() != next[name].fingerprint() {
			old.close()
		}
	}

	r.remotes = built
	r.snapshot = next
	r.logger.Info("connectivity: routes reloaded", "total", len(next), "remote", len(built))
	return nil
}

// Close shuts down all remote handlers.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.remotes {
		if e.close != nil {
			e.close()
		}
	}
	r.remotes = make(map[string]remoteEntry)
	r.snapshot = make(map[string]route)
	return nil
}

// ServiceInfo is a point-in-time view of one routed service.
type ServiceInfo struct {
	Name     string `json:"name"`
	Strategy string `json:"strategy"`
	Endpoint string `json:"endpoint,omitempty"`
	HasLocal bool   `json:"has_local"`
}

// Services iterates over every service known to the router, routed or
// local-only. Used by the health endpoint.
func (r *Router) Services() iter.Seq[ServiceInfo] {
	return func(yield func(ServiceInfo) bool) {
		r.mu.RLock()
		defer r.mu.RUnlock()
		for name, rt := range r.snapshot {
			_, hasLocal := r.locals[name]
			if !yield(ServiceInfo{Name: name, Strategy: rt.Strategy, Endpoint: rt.Endpoint, HasLocal: hasLocal}) {
				return
			}
		}
		for name := range r.locals {
			if _, routed := r.snapshot[name]; routed {
				continue
			}
			if !yield(ServiceInfo{Name: name, Strategy: StrategyLocal, HasLocal: true}) {
				return
			}
		}
	}
}
