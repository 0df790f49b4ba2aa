// CLAUDE:SUMMARY Live-edit tool service: read/search/update/patch/validate operations over the session store, mode-gated dispatch.
// Package liveedit is the only sanctioned way for an external agent to
// change a session's source. Mutations run inside one store transaction;
// when the source actually changed, the session is re-transpiled, both cache
// tiers are dropped and open previews are told to reload. Validation
// failures and no-match substitutions leave session and cache untouched.
package liveedit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	htmltomd "github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"

	"github.com/hazyhaar/livebundle/extract"
	"github.com/hazyhaar/livebundle/horosafe"
	"github.com/hazyhaar/livebundle/kit"
	"github.com/hazyhaar/livebundle/livebundle/internal/notify"
	"github.com/hazyhaar/livebundle/livebundle/internal/store"
	"github.com/hazyhaar/livebundle/livebundle/internal/transpile"
)

// DefaultMaxSourceBytes bounds update_code.
const DefaultMaxSourceBytes = 512 << 10

// Tool names.
const (
	ToolReadCode           = "read_code"
	ToolReadRenderedOutput = "read_rendered_output"
	ToolReadSession        = "read_session"
	ToolUpdateCode         = "update_code"
	ToolEditCode           = "edit_code"
	ToolSearchAndReplace   = "search_and_replace"
	ToolFindLines          = "find_lines"
	ToolValidateCode       = "validate_code"
)

// Tools lists every tool in registration order.
var Tools = []string{
	ToolReadCode, ToolReadRenderedOutput, ToolReadSession, ToolFindLines, ToolValidateCode,
	ToolUpdateCode, ToolEditCode, ToolSearchAndReplace,
}

// Mode is the permission granted to a caller.
type Mode string

const (
	ModeReadOnly Mode = "read"
	ModeEdit     Mode = "edit"
)

// ParseMode maps a header or config value to a Mode. Anything but "edit"
// is read-only.
func ParseMode(s string) Mode {
	if Mode(s) == ModeEdit {
		return ModeEdit
	}
	return ModeReadOnly
}

// Allowed reports whether mode may call tool.
func Allowed(mode Mode, tool string) bool {
	switch tool {
	case ToolReadCode, ToolReadRenderedOutput, ToolReadSession, ToolFindLines, ToolValidateCode:
		return mode == ModeReadOnly || mode == ModeEdit
	case ToolUpdateCode, ToolEditCode, ToolSearchAndReplace:
		return mode == ModeEdit
	}
	return false
}

// ErrForbidden is returned when the caller mode does not permit a tool.
var ErrForbidden = errors.New("liveedit: tool not permitted in this mode")

// ErrUnknownTool is returned by Dispatch for unknown names.
var ErrUnknownTool = errors.New("liveedit: unknown tool")

// Transpiler is the subset of *transpile.Client used here.
type Transpiler interface {
	Transpile(ctx context.Context, src string) (string, error)
	Validate(ctx context.Context, src string) transpile.Result
}

// Invalidator drops every cached document of an instance.
type Invalidator interface {
	Invalidate(ctx context.Context, instanceID string) error
}

// Publisher delivers refresh events.
type Publisher interface {
	Publish(ev notify.Event) int
}

// Auditor records tool calls.
type Auditor interface {
	Record(ctx context.Context, tool, instanceID string, params, result any, changed bool, err error, d time.Duration)
}

// Config wires a Service.
type Config struct {
	Store          *store.Store
	Transpiler     Transpiler
	Cache          Invalidator
	Notifier       Publisher
	Audit          Auditor // optional
	MaxSourceBytes int
	Logger         *slog.Logger
}

// Service implements the live-edit operations.
type Service struct {
	cfg Config
	md  *htmltomd.Converter
}

// New returns a Service. Store, Transpiler, Cache and Notifier are required.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil || cfg.Transpiler == nil || cfg.Cache == nil || cfg.Notifier == nil {
		return nil, fmt.Errorf("liveedit: store, transpiler, cache and notifier are required")
	}
	if cfg.MaxSourceBytes <= 0 {
		cfg.MaxSourceBytes = DefaultMaxSourceBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		cfg: cfg,
		md: htmltomd.NewConverter(htmltomd.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		)),
	}, nil
}

// --- results ---

// CodeResult is returned by read_code.
type CodeResult struct {
	InstanceID string `json:"instance_id"`
	SourceCode string `json:"source_code"`
	Lines      int    `json:"lines"`
	Revision   int64  `json:"revision"`
}

// RenderedResult is returned by read_rendered_output.
type RenderedResult struct {
	InstanceID string   `json:"instance_id"`
	Format     string   `json:"format"`
	Content    string   `json:"content"`
	Matches    []string `json:"matches,omitempty"`
}

// MutationResult is returned by every mutating tool.
type MutationResult struct {
	InstanceID   string                 `json:"instance_id"`
	Changed      bool                   `json:"changed"`
	Revision     int64                  `json:"revision"`
	Lines        int                    `json:"lines"`
	Replacements int                    `json:"replacements,omitempty"`
	Transpiled   bool                   `json:"transpiled"`
	Diagnostics  []transpile.Diagnostic `json:"diagnostics,omitempty"`
	Message      string                 `json:"message,omitempty"`
}

// FindResult is returned by find_lines.
type FindResult struct {
	InstanceID string      `json:"instance_id"`
	Matches    []LineMatch `json:"matches"`
}

// ValidateResult is returned by validate_code.
type ValidateResult struct {
	InstanceID string `json:"instance_id"`
	transpile.Result
}

// --- reads ---

func (s *Service) session(ctx context.Context, id string) (*store.Session, error) {
	if err := horosafe.ValidateInstanceID(id); err != nil {
		return nil, err
	}
	return s.cfg.Store.Ensure(ctx, id)
}

// ReadCode returns the current source.
func (s *Service) ReadCode(ctx context.Context, id string) (*CodeResult, error) {
	sess, err := s.session(ctx, id)
	if err != nil {
		return nil, err
	}
	return &CodeResult{InstanceID: id, SourceCode: sess.SourceCode, Lines: LineCount(sess.SourceCode), Revision: sess.SourceRev}, nil
}

// Rendered output formats.
const (
	FormatHTML     = "html"
	FormatMarkdown = "markdown"
	FormatText     = "text"
)

// ReadRenderedOutput returns the last scaffold markup, optionally narrowed
// by a CSS selector and converted to markdown or text.
func (s *Service) ReadRenderedOutput(ctx context.Context, id, format, selector string) (*RenderedResult, error) {
	sess, err := s.session(ctx, id)
	if err != nil {
		return nil, err
	}
	if format == "" {
		format = FormatHTML
	}
	res := &RenderedResult{InstanceID: id, Format: format}
	markup := sess.ScaffoldHTML
	if selector != "" {
		matches, err := extract.Select(markup, selector)
		if err != nil {
			return nil, &EditValidationError{Op: ToolReadRenderedOutput, Reason: ReasonInvalidPattern, Detail: err.Error()}
		}
		res.Matches = matches
		markup = strings.Join(matches, "\n")
	}
	switch format {
	case FormatHTML:
		res.Content = markup
	case FormatMarkdown:
		md, err := s.md.ConvertString(markup)
		if err != nil {
			return nil, fmt.Errorf("liveedit: markdown: %w", err)
		}
		res.Content = md
	case FormatText:
		txt, err := extract.Text(markup)
		if err != nil {
			return nil, err
		}
		res.Content = txt
	default:
		return nil, &EditValidationError{Op: ToolReadRenderedOutput, Reason: ReasonBadOperation, Detail: fmt.Sprintf("format %q", format)}
	}
	return res, nil
}

// ReadSession returns the full session snapshot.
func (s *Service) ReadSession(ctx context.Context, id string) (*store.Session, error) {
	return s.session(ctx, id)
}

// FindLines returns the lines of the source matching pattern.
func (s *Service) FindLines(ctx context.Context, id, pattern string, regex bool) (*FindResult, error) {
	sess, err := s.session(ctx, id)
	if err != nil {
		return nil, err
	}
	m, err := FindLines(sess.SourceCode, pattern, regex)
	if err != nil {
		return nil, err
	}
	return &FindResult{InstanceID: id, Matches: m}, nil
}

// ValidateCode transpiles source (the session source when empty) without
// persisting or invalidating anything.
func (s *Service) ValidateCode(ctx context.Context, id, source string) (*ValidateResult, error) {
	if source == "" {
		sess, err := s.session(ctx, id)
		if err != nil {
			return nil, err
		}
		source = sess.SourceCode
	} else if err := horosafe.ValidateInstanceID(id); err != nil {
		return nil, err
	}
	return &ValidateResult{InstanceID: id, Result: s.cfg.Transpiler.Validate(ctx, source)}, nil
}

// --- mutations ---

// UpdateCode replaces the whole source.
func (s *Service) UpdateCode(ctx context.Context, id, source string) (*MutationResult, error) {
	if err := CheckSource(source, s.cfg.MaxSourceBytes); err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, func(string) (string, int, error) { return source, 0, nil })
}

// EditCode applies a line-range edit.
func (s *Service) EditCode(ctx context.Context, id string, e LineEdit) (*MutationResult, error) {
	return s.mutate(ctx, id, func(src string) (string, int, error) {
		out, err := ApplyLineEdit(src, e)
		if err != nil {
			return "", 0, err
		}
		return out, 0, s.checkSize(ToolEditCode, out)
	})
}

// SearchAndReplace substitutes r across the source. Zero matches fails
// with a no-match EditValidationError.
func (s *Service) SearchAndReplace(ctx context.Context, id string, r Replace) (*MutationResult, error) {
	return s.mutate(ctx, id, func(src string) (string, int, error) {
		out, n, err := SearchReplace(src, r)
		if err != nil {
			return "", 0, err
		}
		return out, n, s.checkSize(ToolSearchAndReplace, out)
	})
}

func (s *Service) checkSize(op, src string) error {
	if len(src) > s.cfg.MaxSourceBytes {
		return invalid(op, ReasonTooLarge, "%d bytes exceeds limit of %d", len(src), s.cfg.MaxSourceBytes)
	}
	return nil
}

func (s *Service) mutate(ctx context.Context, id string, fn func(string) (string, int, error)) (*MutationResult, error) {
	if err := horosafe.ValidateInstanceID(id); err != nil {
		return nil, err
	}
	var replacements int
	mr, err := s.cfg.Store.Mutate(ctx, id, func(src string) (string, error) {
		out, n, err := fn(src)
		replacements = n
		return out, err
	})
	if err != nil {
		return nil, err
	}
	res := &MutationResult{
		InstanceID:   id,
		Changed:      mr.Changed,
		Revision:     mr.Rev,
		Lines:        LineCount(mr.New),
		Replacements: replacements,
	}
	if !mr.Changed {
		res.Message = "code unchanged"
		return res, nil
	}
	s.afterChange(ctx, id, mr, res)
	return res, nil
}

// afterChange transpiles the new revision, drops the cache and notifies
// previews. A transpile failure is reported in res; the edit stands.
func (s *Service) afterChange(ctx context.Context, id string, mr store.MutateResult, res *MutationResult) {
	log := s.cfg.Logger
	code, err := s.cfg.Transpiler.Transpile(ctx, mr.New)
	var te *transpile.TranspileError
	switch {
	case err == nil:
		ok, serr := s.cfg.Store.SetTranspiled(ctx, id, mr.Rev, code)
		if serr != nil {
			log.WarnContext(ctx, "liveedit: persist transpiled", "instance", id, "error", serr)
		}
		res.Transpiled = ok
	case errors.As(err, &te):
		res.Diagnostics = te.Diagnostics
		res.Message = te.Error()
	default:
		res.Message = err.Error()
	}
	if err := s.cfg.Cache.Invalidate(ctx, id); err != nil {
		log.WarnContext(ctx, "liveedit: cache invalidation failed", "instance", id, "error", err)
	}
	n := s.cfg.Notifier.Publish(notify.Event{Kind: notify.CodeUpdated, InstanceID: id})
	log.InfoContext(ctx, "liveedit: code updated", "instance", id, "rev", mr.Rev, "transpiled", res.Transpiled, "subscribers", n)
}

// --- dispatch ---

// Args is the union of tool arguments.
type Args struct {
	InstanceID  string `json:"instance_id"`
	SourceCode  string `json:"source_code,omitempty"`
	Format      string `json:"format,omitempty"`
	Selector    string `json:"selector,omitempty"`
	Pattern     string `json:"pattern,omitempty"`
	Regex       bool   `json:"regex,omitempty"`
	Operation   string `json:"operation,omitempty"`
	StartLine   int    `json:"start_line,omitempty"`
	EndLine     int    `json:"end_line,omitempty"`
	Content     string `json:"content,omitempty"`
	Search      string `json:"search,omitempty"`
	Replacement string `json:"replacement,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// Dispatch runs tool with raw JSON arguments. The caller mode is read from
// ctx (kit.GetEditMode); a missing mode is read-only.
func (s *Service) Dispatch(ctx context.Context, tool string, raw json.RawMessage) (any, error) {
	var a Args
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("liveedit: invalid arguments: %w", err)
		}
	}
	return s.Call(ctx, tool, &a)
}

// Call runs tool with decoded arguments after the mode check, auditing the
// invocation when an Auditor is configured.
func (s *Service) Call(ctx context.Context, tool string, a *Args) (any, error) {
	if !knownTool(tool) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, tool)
	}
	mode := ParseMode(kit.GetEditMode(ctx))
	if !Allowed(mode, tool) {
		return nil, fmt.Errorf("%w: %s requires edit mode", ErrForbidden, tool)
	}
	start := time.Now()
	res, err := s.call(ctx, tool, a)
	if s.cfg.Audit != nil {
		changed := false
		if mr, ok := res.(*MutationResult); ok && mr != nil {
			changed = mr.Changed
		}
		s.cfg.Audit.Record(ctx, tool, a.InstanceID, a, res, changed, err, time.Since(start))
	}
	return res, err
}

func (s *Service) call(ctx context.Context, tool string, a *Args) (any, error) {
	ctx = kit.WithInstanceID(ctx, a.InstanceID)
	switch tool {
	case ToolReadCode:
		return s.ReadCode(ctx, a.InstanceID)
	case ToolReadRenderedOutput:
		return s.ReadRenderedOutput(ctx, a.InstanceID, a.Format, a.Selector)
	case ToolReadSession:
		return s.ReadSession(ctx, a.InstanceID)
	case ToolFindLines:
		return s.FindLines(ctx, a.InstanceID, a.Pattern, a.Regex)
	case ToolValidateCode:
		return s.ValidateCode(ctx, a.InstanceID, a.SourceCode)
	case ToolUpdateCode:
		return s.UpdateCode(ctx, a.InstanceID, a.SourceCode)
	case ToolEditCode:
		return s.EditCode(ctx, a.InstanceID, LineEdit{Operation: a.Operation, StartLine: a.StartLine, EndLine: a.EndLine, Content: a.Content})
	case ToolSearchAndReplace:
		return s.SearchAndReplace(ctx, a.InstanceID, Replace{Search: a.Search, Replacement: a.Replacement, Regex: a.Regex, Limit: a.Limit})
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTool, tool)
}

func knownTool(name string) bool {
	for _, t := range Tools {
		if t == name {
			return true
		}
	}
	return false
}
