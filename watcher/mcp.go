package watcher

import (
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/vintwatch/kit"
)

// RegisterMCP registers the read-only vintwatch tools on an MCP server.
func (w *Watcher) RegisterMCP(srv *mcp.Server) {
	w.registerStatusTool(srv)
	w.registerRecentFindsTool(srv)
	w.registerProfilesTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func noArgs(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	return &kit.MCPDecodeResult{}, nil
}

// --- status ---

func (w *Watcher) registerStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "vintwatch_status",
		Description: "Current poller status line, cycle number, profile counts and last heartbeat.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	kit.RegisterMCPTool(srv, tool, w.statusEndpoint(), noArgs)
}

// --- recent finds ---

func (w *Watcher) registerRecentFindsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "vintwatch_recent_finds",
		Description: "Most recent new listings found by the poller, newest first.",
		InputSchema: inputSchema(map[string]any{
			"limit":   map[string]any{"type": "integer", "description": "Max finds to return (default 20, max 500)"},
			"profile": map[string]any{"type": "string", "description": "Only finds of this profile name"},
		}, nil),
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r FindsRequest
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, w.findsEndpoint(), decode)
}

// --- profiles ---

func (w *Watcher) registerProfilesTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "vintwatch_profiles",
		Description: "Saved searches with their seen-set size and last poll outcome.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	kit.RegisterMCPTool(srv, tool, w.profilesEndpoint(), noArgs)
}
