package shield

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/livebundle/watch"
)

// RateLimitConfig is one row of rate_limits: at most MaxRequests per
// WindowSeconds, refilled continuously, with MaxRequests as the burst.
type RateLimitConfig struct {
	MaxRequests   int
	WindowSeconds int
	Enabled       bool
}

func (c RateLimitConfig) limit() rate.Limit {
	if c.WindowSeconds <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(c.MaxRequests) / float64(c.WindowSeconds))
}

type client struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter limits requests per client IP and rule. A rule's endpoint is
// "METHOD /path/prefix"; a request is governed by the longest prefix rule
// for its method. Rules come from the rate_limits table.
type RateLimiter struct {
	db      *sql.DB
	exclude []string
	now     func() time.Time

	mu      sync.Mutex
	rules   map[string]RateLimitConfig
	clients map[string]*client
}

// idleClient is how long an untouched limiter is kept.
const idleClient = 10 * time.Minute

// NewRateLimiter loads the rules of db. StartReloader keeps them current.
func NewRateLimiter(db *sql.DB, excludePrefixes ...string) *RateLimiter {
	rl := &RateLimiter{
		db:      db,
		exclude: excludePrefixes,
		now:     time.Now,
		rules:   make(map[string]RateLimitConfig),
		clients: make(map[string]*client),
	}
	rl.reload(context.Background())
	return rl
}

// StartReloader reloads the rules whenever the database changes and drops
// idle limiters, until ctx is cancelled.
func (rl *RateLimiter) StartReloader(ctx context.Context) {
	w := watch.New(rl.db, watch.Options{Name: "rate_limits", Interval: 30 * time.Second})
	go w.OnChange(ctx, func() error {
		rl.reload(ctx)
		rl.gc()
		return nil
	})
}

func (rl *RateLimiter) reload(ctx context.Context) {
	rows, err := rl.db.QueryContext(ctx, `SELECT endpoint, max_requests, window_seconds, enabled FROM rate_limits`)
	if err != nil {
		slog.Warn("ratelimit: failed to reload rules", "error", err)
		return
	}
	defer rows.Close()

	rules := make(map[string]RateLimitConfig)
	for rows.Next() {
		var endpoint string
		var cfg RateLimitConfig
		if err := rows.Scan(&endpoint, &cfg.MaxRequests, &cfg.WindowSeconds, &cfg.Enabled); err != nil {
			slog.Warn("ratelimit: bad rule", "error", err)
			continue
		}
		rules[endpoint] = cfg
	}

	rl.mu.Lock()
	changed := len(rules) != len(rl.rules)
	for k, v := range rules {
		if rl.rules[k] != v {
			changed = true
		}
	}
	rl.rules = rules
	if changed {
		// Limiters were sized for the old rules.
		clear(rl.clients)
	}
	rl.mu.Unlock()
	slog.Debug("ratelimit: rules reloaded", "count", len(rules), "changed", changed)
}

func (rl *RateLimiter) gc() {
	cutoff := rl.now().Add(-idleClient)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, key)
		}
	}
}

// match returns the rule with the longest endpoint prefix. Caller holds mu.
func (rl *RateLimiter) match(method, path string) (string, RateLimitConfig, bool) {
	var best string
	var cfg RateLimitConfig
	for endpoint, c := range rl.rules {
		m, prefix, ok := strings.Cut(endpoint, " ")
		if !ok || m != method || !strings.HasPrefix(path, prefix) {
			continue
		}
		if len(endpoint) > len(best) {
			best, cfg = endpoint, c
		}
	}
	return best, cfg, best != ""
}

// allow consumes one token for ip on the rule governing method and path.
// When refused it returns the wait until the next token.
func (rl *RateLimiter) allow(ip, method, path string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	endpoint, cfg, ok := rl.match(method, path)
	if !ok || !cfg.Enabled {
		return true, 0
	}
	now := rl.now()
	key := ip + "|" + endpoint
	c := rl.clients[key]
	if c == nil {
		c = &client{lim: rate.NewLimiter(cfg.limit(), cfg.MaxRequests)}
		rl.clients[key] = c
	}
	c.lastSeen = now
	if c.lim.AllowN(now, 1) {
		return true, 0
	}
	if c.lim.Limit() == 0 {
		return false, time.Duration(cfg.WindowSeconds) * time.Second
	}
	missing := 1 - c.lim.TokensAt(now)
	return false, time.Duration(missing / float64(c.lim.Limit()) * float64(time.Second))
}

// Middleware answers 429 with Retry-After once a client is out of tokens.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		ip := ExtractIP(r)
		ok, wait := rl.allow(ip, r.Method, r.URL.Path)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		GetLogger(r.Context()).Warn("ratelimit: request blocked", "ip", ip, "retry_in", wait)
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded", "kind": "rate_limit"})
	})
}

// ExtractIP returns the client IP: the first X-Forwarded-For hop, else the
// host of RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
