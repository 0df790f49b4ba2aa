// CLAUDE:SUMMARY Transpiler client: routes {sourceCode} requests through connectivity, decodes diagnostics with gjson.
// Package transpile turns application source (TSX) into an executable ES
// module. Calls go through the connectivity router as service "transpile",
// so the transpiler can run in process (esbuild) or behind an HTTP endpoint
// with the in-process handler as fallback.
//
// Boundary format, both directions JSON:
//
//	request:  {"sourceCode": "..."}
//	response: {"transpiledCode": "..."} | {"errors": [{"message", "line", "column"}]}
package transpile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/hazyhaar/livebundle/connectivity"
)

// Service is the router service name.
const Service = "transpile"

// Diagnostic is one compile error, positioned with 1-based line and column.
type Diagnostic struct {
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
}

func (d Diagnostic) String() string {
	if d.Line > 0 {
		return fmt.Sprintf("%d:%d: %s", d.Line, d.Column, d.Message)
	}
	return d.Message
}

// TranspileError is a terminal transpile failure. Unavailable is set when the
// transpiler could not be reached or timed out; otherwise Diagnostics holds
// the compile errors.
type TranspileError struct {
	Diagnostics []Diagnostic
	Unavailable bool
	Cause       error
}

func (e *TranspileError) Error() string {
	if e.Unavailable {
		return fmt.Sprintf("transpile: transpiler unavailable: %v", e.Cause)
	}
	parts := make([]string, 0, len(e.Diagnostics))
	for _, d := range e.Diagnostics {
		parts = append(parts, d.String())
	}
	return "transpile: " + strings.Join(parts, "; ")
}

func (e *TranspileError) Unwrap() error { return e.Cause }

// ToolDetail is the payload MCP clients receive with the failure.
func (e *TranspileError) ToolDetail() any {
	return map[string]any{"diagnostics": e.Diagnostics, "unavailable": e.Unavailable}
}

// ErrDisabled is the cause reported when the transpile route is a noop.
var ErrDisabled = errors.New("transpile: service disabled by route")

// Caller is the subset of *connectivity.Router used by Client.
type Caller interface {
	Call(ctx context.Context, service string, payload []byte) ([]byte, error)
}

// Client calls the transpile service.
type Client struct {
	caller  Caller
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient returns a client bounded by timeout per call (0 means no bound).
func NewClient(caller Caller, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{caller: caller, timeout: timeout, logger: logger}
}

type request struct {
	SourceCode string `json:"sourceCode"`
}

// Transpile returns the transpiled module for src or a *TranspileError.
func (c *Client) Transpile(ctx context.Context, src string) (string, error) {
	payload, err := json.Marshal(request{SourceCode: src})
	if err != nil {
		return "", fmt.Errorf("transpile: encode request: %w", err)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.caller.Call(ctx, Service, payload)
	if err != nil {
		c.logger.WarnContext(ctx, "transpile: call failed", "error", err)
		return "", &TranspileError{Unavailable: true, Cause: err}
	}
	if resp == nil {
		return "", &TranspileError{Unavailable: true, Cause: ErrDisabled}
	}
	return decodeResponse(resp)
}

func decodeResponse(resp []byte) (string, error) {
	if !gjson.ValidBytes(resp) {
		return "", &TranspileError{Unavailable: true, Cause: fmt.Errorf("transpile: malformed response (%d bytes)", len(resp))}
	}
	if errs := gjson.GetBytes(resp, "errors"); errs.IsArray() && len(errs.Array()) > 0 {
		var diags []Diagnostic
		errs.ForEach(func(_, v gjson.Result) bool {
			diags = append(diags, Diagnostic{
				Message: v.Get("message").String(),
				Line:    int(v.Get("line").Int()),
				Column:  int(v.Get("column").Int()),
			})
			return true
		})
		return "", &TranspileError{Diagnostics: diags}
	}
	code := gjson.GetBytes(resp, "transpiledCode")
	if !code.Exists() {
		return "", &TranspileError{Unavailable: true, Cause: errors.New("transpile: response has neither transpiledCode nor errors")}
	}
	return code.String(), nil
}

// Result is the outcome of a dry-run validation.
type Result struct {
	Valid       bool         `json:"valid"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
	Unavailable bool         `json:"unavailable,omitempty"`
	Message     string       `json:"message,omitempty"`
}

// Validate transpiles src without persisting anything. Failures are
// reported in the Result, never as an error.
func (c *Client) Validate(ctx context.Context, src string) Result {
	_, err := c.Transpile(ctx, src)
	if err == nil {
		return Result{Valid: true}
	}
	var te *TranspileError
	if errors.As(err, &te) {
		return Result{Diagnostics: te.Diagnostics, Unavailable: te.Unavailable, Message: te.Error()}
	}
	return Result{Unavailable: true, Message: err.Error()}
}

// RouterConfig tunes the remote transpile route.
type RouterConfig struct {
	CallTimeout      time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
	BreakerThreshold int
	BreakerReset     time.Duration
	URLValidator     func(string) error
	// Breaker guards the remote route. Nil builds one from BreakerThreshold
	// and BreakerReset.
	Breaker *connectivity.CircuitBreaker
}

// NewBreaker returns the breaker for the remote transpile route. State
// changes are logged.
func NewBreaker(threshold int, reset time.Duration, logger *slog.Logger) *connectivity.CircuitBreaker {
	if logger == nil {
		logger = slog.Default()
	}
	return connectivity.NewCircuitBreaker(
		connectivity.WithBreakerService(Service),
		connectivity.WithBreakerThreshold(threshold),
		connectivity.WithBreakerResetTimeout(reset),
		connectivity.WithBreakerNotify(func(tr connectivity.BreakerTransition) {
			if tr.To == connectivity.BreakerOpen {
				logger.Warn("transpile: remote route suspended, using in-process transpiler",
					"from", tr.From.String(), "failures", tr.Failures)
				return
			}
			logger.Info("transpile: breaker state changed", "from", tr.From.String(), "to", tr.To.String())
		}),
	)
}

// NewRouter returns a router with the esbuild handler registered locally
// and an HTTP transport whose handlers are wrapped with logging, fallback to
// the local handler, retry, circuit breaking, a per-attempt timeout and
// panic recovery.
func NewRouter(cfg RouterConfig, logger *slog.Logger) *connectivity.Router {
	if logger == nil {
		logger = slog.Default()
	}
	local := connectivity.Chain(connectivity.Recovery(logger))(LocalHandler())
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = NewBreaker(cfg.BreakerThreshold, cfg.BreakerReset, logger)
	}
	r := connectivity.New(
		connectivity.WithLogger(logger),
		connectivity.WithRemoteMiddleware(
			connectivity.Logging(logger, Service),
			connectivity.WithFallback(local, Service, logger),
			connectivity.WithRetry(cfg.MaxRetries, cfg.RetryBackoff, logger),
			connectivity.WithCircuitBreaker(breaker, Service),
			connectivity.Timeout(cfg.CallTimeout),
			connectivity.Recovery(logger),
		),
	)
	var httpOpts []connectivity.HTTPOption
	if cfg.URLValidator != nil {
		httpOpts = append(httpOpts, connectivity.WithURLValidator(cfg.URLValidator))
	}
	r.RegisterTransport(connectivity.StrategyHTTP, connectivity.HTTPFactory(httpOpts...))
	r.RegisterLocal(Service, local)
	return r
}
