package connectivity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hazyhaar/livebundle/horosafe"
	"github.com/hazyhaar/livebundle/kit"
)

const maxHTTPResponseBody int64 = 10 << 20

type httpConfig struct {
	TimeoutMs   int64             `json:"timeout_ms"`
	ContentType string            `json:"content_type"`
	Headers     map[string]string `json:"headers"`
}

// HTTPOption configures HTTPFactory.
type HTTPOption func(*httpFactory)

type httpFactory struct {
	validate func(string) error
	client   *http.Client
}

// WithURLValidator replaces the SSRF guard applied to route endpoints.
func WithURLValidator(fn func(string) error) HTTPOption {
	return func(f *httpFactory) { f.validate = fn }
}

// WithHTTPClient sets the base client; the per-route timeout still applies.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(f *httpFactory) { f.client = c }
}

// HTTPFactory builds handlers that POST the payload to the route endpoint,
// forwarding the request id of ctx. Route config:
// {"timeout_ms": 5000, "content_type": "...", "headers": {...}}.
// Endpoints resolving to private or loopback addresses are rejected.
func HTTPFactory(opts ...HTTPOption) TransportFactory {
	f := &httpFactory{validate: horosafe.ValidateURL, client: http.DefaultClient}
	for _, o := range opts {
		o(f)
	}
	return func(endpoint string, config json.RawMessage) (Handler, func(), error) {
		if err := f.validate(endpoint); err != nil {
			return nil, nil, fmt.Errorf("connectivity/http: %w", err)
		}
		var cfg httpConfig
		if len(config) > 0 {
			if err := json.Unmarshal(config, &cfg); err != nil {
				return nil, nil, fmt.Errorf("connectivity/http: route config: %w", err)
			}
		}
		timeout := 30 * time.Second
		if cfg.TimeoutMs > 0 {
			timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
		}
		contentType := "application/json"
		if cfg.ContentType != "" {
			contentType = cfg.ContentType
		}
		client := &http.Client{Transport: f.client.Transport, Timeout: timeout}

		handler := func(ctx context.Context, payload []byte) ([]byte, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: create request: %w", err)
			}
			req.Header.Set("Content-Type", contentType)
			for k, v := range cfg.Headers {
				req.Header.Set(k, v)
			}
			// Lets the remote correlate its logs with ours.
			if id := kit.GetRequestID(ctx); id != "" {
				req.Header.Set("X-Request-ID", id)
			}
			resp, err := client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: do request: %w", err)
			}
			defer resp.Body.Close()

			body, err := horosafe.LimitedReadAll(resp.Body, maxHTTPResponseBody)
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: read response: %w", err)
			}
			// 4xx bodies still carry structured diagnostics for the caller.
			if resp.StatusCode >= 500 || resp.StatusCode < 200 {
				return nil, &ErrRemoteStatus{Code: resp.StatusCode, Body: string(body)}
			}
			return body, nil
		}
		return handler, client.CloseIdleConnections, nil
	}
}
