package livebundle

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/livebundle/livebundle/internal/liveedit"
)

// Version is reported by /health and the MCP servers.
const Version = "0.3.0"

// MCP endpoints. The path selects the edit mode.
const (
	MCPEditPath = "/mcp/edit"
	MCPReadPath = "/mcp/read"
)

// NewMCPServer returns an MCP server exposing the live-edit tools allowed
// in mode.
func (s *Service) NewMCPServer(mode liveedit.Mode) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "livebundle-" + string(mode), Version: Version}, nil)
	s.edit.RegisterMCP(srv, mode)
	return srv
}

func (s *Service) mountMCP(r chi.Router) {
	for path, mode := range map[string]liveedit.Mode{
		MCPEditPath: liveedit.ModeEdit,
		MCPReadPath: liveedit.ModeReadOnly,
	} {
		srv := s.NewMCPServer(mode)
		h := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil)
		r.Handle(path, h)
		s.logger.Debug("livebundle: mcp mounted", "path", path, "mode", mode)
	}
}
