package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jonwraymond/toolproxy/backend"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// mcpServer returns the go-sdk server with its tool set synced to the
// backend's last listed tools.
func (e *Endpoint) mcpServer(*http.Request) *mcp.Server {
	e.syncTools()
	return e.server
}

func (e *Endpoint) syncTools() {
	e.toolsMu.Lock()
	defer e.toolsMu.Unlock()

	current := make(map[string]struct{})
	for _, t := range e.transport.Tools() {
		current[t.Name] = struct{}{}
		if _, ok := e.served[t.Name]; ok {
			continue
		}
		tool := t.Tool
		tool.InputSchema = objectSchema(tool.InputSchema)
		e.server.AddTool(&tool, e.callTool(t.Name))
		e.served[t.Name] = struct{}{}
	}
	var gone []string
	for name := range e.served {
		if _, ok := current[name]; !ok {
			gone = append(gone, name)
			delete(e.served, name)
		}
	}
	if len(gone) > 0 {
		e.server.RemoveTools(gone...)
	}
}

func (e *Endpoint) callTool(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args any = map[string]any{}
		if len(req.Params.Arguments) > 0 {
			args = req.Params.Arguments
		}
		raw, err := e.transport.CallTool(ctx, name, args)
		if err != nil {
			var upstream *backend.UpstreamError
			if errors.As(err, &upstream) {
				return textResult(upstream.Message, true), nil
			}
			return nil, err
		}
		return toolResult(raw), nil
	}
}

// toolResult passes MCP-shaped results through and wraps anything else as
// JSON text content.
func toolResult(raw json.RawMessage) *mcp.CallToolResult {
	var shape struct {
		Content json.RawMessage `json:"content"`
	}
	if json.Unmarshal(raw, &shape) == nil && len(shape.Content) > 0 {
		var res mcp.CallToolResult
		if json.Unmarshal(raw, &res) == nil {
			return &res
		}
	}
	return textResult(string(raw), false)
}

func textResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: isError,
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

// objectSchema returns s when it describes an object and an empty object
// schema otherwise; the MCP server only accepts object input schemas.
func objectSchema(s any) any {
	if s != nil {
		raw, err := json.Marshal(s)
		if err == nil {
			var probe struct {
				Type any `json:"type"`
			}
			if json.Unmarshal(raw, &probe) == nil && probe.Type == "object" {
				return s
			}
		}
	}
	return map[string]any{"type": "object"}
}
