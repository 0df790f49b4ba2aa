package liveedit

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/livebundle/kit"
)

var instanceProp = map[string]any{"type": "string", "description": "Application instance id"}

var toolDefs = map[string]*mcp.Tool{
	ToolReadCode: {
		Description: "Return the current source code of an instance.",
		InputSchema: kit.InputSchema(map[string]any{"instance_id": instanceProp}, "instance_id"),
	},
	ToolReadRenderedOutput: {
		Description: "Return the last rendered scaffold markup, optionally narrowed by a CSS selector and converted to markdown or text.",
		InputSchema: kit.InputSchema(map[string]any{
			"instance_id": instanceProp,
			"format":      map[string]any{"type": "string", "enum": []any{FormatHTML, FormatMarkdown, FormatText}, "description": "Output format (default html)"},
			"selector":    map[string]any{"type": "string", "description": "Simple CSS selector (tag, .class, #id, [attr=val], descendant)"},
		}, "instance_id"),
	},
	ToolReadSession: {
		Description: "Return the full session snapshot: source, transpiled code, scaffold, stylesheet, revisions.",
		InputSchema: kit.InputSchema(map[string]any{"instance_id": instanceProp}, "instance_id"),
	},
	ToolFindLines: {
		Description: "Return the 1-based line numbers of the source matching a pattern. Does not modify anything.",
		InputSchema: kit.InputSchema(map[string]any{
			"instance_id": instanceProp,
			"pattern":     map[string]any{"type": "string", "description": "Literal text, or a regular expression when regex is true"},
			"regex":       map[string]any{"type": "boolean"},
		}, "instance_id", "pattern"),
	},
	ToolValidateCode: {
		Description: "Transpile source in dry-run mode and return structured diagnostics. Nothing is persisted.",
		InputSchema: kit.InputSchema(map[string]any{
			"instance_id": instanceProp,
			"source_code": map[string]any{"type": "string", "description": "Source to check; defaults to the current source"},
		}, "instance_id"),
	},
	ToolUpdateCode: {
		Description: "Replace the entire source code. Triggers transpile, cache invalidation and preview reload.",
		InputSchema: kit.InputSchema(map[string]any{
			"instance_id": instanceProp,
			"source_code": map[string]any{"type": "string", "description": "New source, non-empty"},
		}, "instance_id", "source_code"),
	},
	ToolEditCode: {
		Description: "Insert, replace or delete a 1-based inclusive line range of the source.",
		InputSchema: kit.InputSchema(map[string]any{
			"instance_id": instanceProp,
			"operation":   map[string]any{"type": "string", "enum": []any{OpInsert, OpReplace, OpDelete}},
			"start_line":  map[string]any{"type": "integer", "minimum": 1},
			"end_line":    map[string]any{"type": "integer", "description": "Defaults to start_line"},
			"content":     map[string]any{"type": "string", "description": "Lines to insert or substitute"},
		}, "instance_id", "operation", "start_line"),
	},
	ToolSearchAndReplace: {
		Description: "Substitute text across the source. Fails with \"no match\" when the search is absent.",
		InputSchema: kit.InputSchema(map[string]any{
			"instance_id": instanceProp,
			"search":      map[string]any{"type": "string"},
			"replacement": map[string]any{"type": "string", "description": "$1-style groups are expanded when regex is true"},
			"regex":       map[string]any{"type": "boolean"},
			"limit":       map[string]any{"type": "integer", "description": "Maximum replacements; 0 replaces all"},
		}, "instance_id", "search", "replacement"),
	},
}

// RegisterMCP registers the tools permitted in mode on srv. Every call made
// through srv carries mode in its context.
func (s *Service) RegisterMCP(srv *mcp.Server, mode Mode) {
	for _, name := range Tools {
		if !Allowed(mode, name) {
			continue
		}
		def := *toolDefs[name]
		def.Name = name
		tool := name
		endpoint := kit.WithLogging(s.cfg.Logger, tool)(func(ctx context.Context, req any) (any, error) {
			return s.Call(ctx, tool, req.(*Args))
		})
		kit.RegisterMCPTool(srv, &def, endpoint, kit.DecodeJSON(func(ctx context.Context, a *Args) context.Context {
			return kit.WithInstanceID(kit.WithEditMode(ctx, string(mode)), a.InstanceID)
		}))
	}
}
