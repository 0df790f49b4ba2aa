package kit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Detailer is implemented by errors that carry a machine-readable payload
// (compile diagnostics, the reason an edit was rejected). The payload is
// returned to MCP clients as structured content next to the message.
type Detailer interface {
	error
	ToolDetail() any
}

// ToolFailure is the structured content of a failed tool call.
type ToolFailure struct {
	Error  string `json:"error"`
	Detail any    `json:"detail,omitempty"`
}

// Decoder turns raw tool arguments into the request handed to an Endpoint,
// possibly enriching the call context on the way.
type Decoder func(ctx context.Context, req *mcp.CallToolRequest) (context.Context, any, error)

// RegisterMCPTool exposes endpoint as an MCP tool. Failures are tool errors
// (IsError) rather than protocol errors so the agent reads them and can
// retry with other arguments.
func RegisterMCPTool(srv *mcp.Server, tool *mcp.Tool, endpoint Endpoint, decode Decoder) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx = WithTransport(ctx, "mcp")
		ctx, in, err := decode(ctx, req)
		if err != nil {
			return toolError(fmt.Errorf("invalid arguments: %w", err)), nil
		}
		out, err := endpoint(ctx, in)
		if err != nil {
			return toolError(err), nil
		}
		data, err := json.Marshal(out)
		if err != nil {
			return toolError(fmt.Errorf("encode result: %w", err)), nil
		}
		res := &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(data)}}}
		// structured content must be an object
		if len(data) > 0 && data[0] == '{' {
			res.StructuredContent = json.RawMessage(data)
		}
		return res, nil
	})
}

func toolError(err error) *mcp.CallToolResult {
	res := &mcp.CallToolResult{}
	res.SetError(err)
	failure := ToolFailure{Error: err.Error()}
	var d Detailer
	if errors.As(err, &d) {
		failure.Detail = d.ToolDetail()
	}
	res.StructuredContent = failure
	return res
}

// DecodeJSON returns a Decoder that unmarshals the arguments into a fresh T.
// Missing arguments decode to the zero value. enrich, when set, sees the
// decoded value before the endpoint does.
func DecodeJSON[T any](enrich func(context.Context, *T) context.Context) Decoder {
	return func(ctx context.Context, req *mcp.CallToolRequest) (context.Context, any, error) {
		v := new(T)
		if req.Params != nil && len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, v); err != nil {
				return ctx, nil, err
			}
		}
		if enrich != nil {
			ctx = enrich(ctx, v)
		}
		return ctx, v, nil
	}
}

// InputSchema is a JSON object schema over properties.
func InputSchema(properties map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
