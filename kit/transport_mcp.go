package kit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/vintwatch/idgen"
)

// MCPDecodeResult is a decoded tool request plus an optional context hook.
type MCPDecodeResult struct {
	Request   any
	EnrichCtx func(context.Context) context.Context
}

// RegisterMCPTool exposes endpoint as an MCP tool. Every call gets a fresh
// request id and the "mcp" transport in its context. decode turns the raw
// arguments into the endpoint's request; a nil result means no request. The
// response is returned as JSON text content. Failures are tool errors, never
// protocol errors.
func RegisterMCPTool(srv *mcp.Server, tool *mcp.Tool, endpoint Endpoint, decode func(*mcp.CallToolRequest) (*MCPDecodeResult, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := idgen.New()
		ctx = WithRequestID(WithTransport(ctx, "mcp"), id)

		decoded, err := decode(req)
		if err != nil {
			return toolError(fmt.Errorf("%s: invalid arguments: %w", tool.Name, err)), nil
		}
		var in any
		if decoded != nil {
			in = decoded.Request
			if decoded.EnrichCtx != nil {
				ctx = decoded.EnrichCtx(ctx)
			}
		}

		resp, err := endpoint(ctx, in)
		if err != nil {
			return toolError(mcpError(tool.Name, id, err)), nil
		}
		data, err := json.Marshal(resp)
		if err != nil {
			return toolError(fmt.Errorf("%s: marshal: %w", tool.Name, err)), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

// mcpError maps an endpoint failure to the text an MCP client sees. Panic
// values stay in the server log; the client gets the request id to quote.
func mcpError(tool, id string, err error) error {
	var p *ErrPanic
	switch {
	case errors.As(err, &p):
		return fmt.Errorf("%s: internal error (request %s)", tool, id)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: request cancelled", tool)
	default:
		return fmt.Errorf("%s: %w", tool, err)
	}
}

func toolError(err error) *mcp.CallToolResult {
	var res mcp.CallToolResult
	res.SetError(err)
	return &res
}
