package surface

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
)

// ProbeConfig configures a headless execution probe.
type ProbeConfig struct {
	// RemoteURL is the DevTools WebSocket of an existing Chrome. Empty
	// launches a local headless Chrome.
	RemoteURL string
	// Window is how long the document runs before errors are collected.
	// It should exceed the document render timeout. Default: 6s.
	Window time.Duration
	Logger *slog.Logger
}

func (c *ProbeConfig) defaults() {
	if c.Window <= 0 {
		c.Window = 6 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// captureScript stands in for the host frame: a top-level document posts to
// itself, so messages land on its own window.
const captureScript = `(() => {
	window.__liveMessages = [];
	window.addEventListener("message", (ev) => {
		try { window.__liveMessages.push(JSON.stringify(ev.data)); } catch (e) {}
	});
})()`

// Probe runs doc in headless Chrome for the configured window and returns
// the execution errors it reported. Payloads that fail ParseMessage are
// dropped.
func Probe(ctx context.Context, doc []byte, cfg ProbeConfig) ([]*ExecutionError, error) {
	cfg.defaults()
	log := cfg.Logger

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("surface: probe listen: %w", err)
	}
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Write(doc)
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go srv.Serve(ln)
	defer srv.Close()

	wsURL := cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().Headless(true).Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("surface: launch chrome: %w", err)
		}
		defer l.Kill()
		wsURL = u
	}

	b := rod.New().ControlURL(wsURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("surface: connect chrome: %w", err)
	}
	defer b.Close()

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("surface: create page: %w", err)
	}
	defer page.Close()

	if _, err := page.EvalOnNewDocument(captureScript); err != nil {
		return nil, fmt.Errorf("surface: install capture: %w", err)
	}

	target := "http://" + ln.Addr().String() + "/"
	if err := page.Context(ctx).Navigate(target); err != nil {
		return nil, fmt.Errorf("surface: navigate: %w", err)
	}
	if err := page.Context(ctx).WaitLoad(); err != nil {
		log.Warn("surface: probe wait load", "error", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(cfg.Window):
	}

	res, err := page.Context(ctx).Eval(`() => JSON.stringify(window.__liveMessages || [])`)
	if err != nil {
		return nil, fmt.Errorf("surface: collect messages: %w", err)
	}
	var raw []string
	if err := json.Unmarshal([]byte(res.Value.Str()), &raw); err != nil {
		return nil, fmt.Errorf("surface: decode messages: %w", err)
	}
	var out []*ExecutionError
	for _, m := range raw {
		e, err := ParseMessage([]byte(m))
		if err != nil {
			if !errors.Is(err, ErrInvalidMessage) {
				return nil, err
			}
			log.Debug("surface: probe ignored message", "payload", m)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
