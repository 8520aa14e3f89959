// Package toolserver is a small tool server speaking line-delimited
// JSON-RPC on stdio or MCP streamable HTTP. It backs the example backend
// and the helper processes used in tests.
package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"github.com/jonwraymond/toolfoundation/model"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sourcegraph/jsonrpc2"
)

// HandlerFunc is the function signature for tool handlers.
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// ToolDef defines a tool with its handler.
type ToolDef struct {
	Name        string
	Title       string
	Description string
	InputSchema map[string]any
	Annotations *mcp.ToolAnnotations
	Tags        []string
	Handler     HandlerFunc
}

// Error is returned by handlers to control the JSON-RPC error code.
type Error struct {
	Code    int64
	Message string
}

func (e *Error) Error() string { return e.Message }

// Options configures a Server.
type Options struct {
	// SkipInitialize answers initialize with method-not-found.
	SkipInitialize bool

	// PageSize splits tools/list into pages when > 0.
	PageSize int

	// OnCall runs after every tools/call, before the response is written.
	OnCall func(tool string)
}

// Server dispatches tools/list and tools/call to registered handlers.
type Server struct {
	name string
	opts Options

	mu       sync.RWMutex
	handlers map[string]ToolDef
}

// New creates an empty server.
func New(name string, opts Options) *Server {
	return &Server{name: name, opts: opts, handlers: make(map[string]ToolDef)}
}

// RegisterHandler registers a tool handler.
func (s *Server) RegisterHandler(name string, def ToolDef) {
	if def.Name == "" {
		def.Name = name
	}
	if def.InputSchema == nil {
		def.InputSchema = map[string]any{"type": "object"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = def
}

// UnregisterHandler removes a tool handler.
func (s *Server) UnregisterHandler(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, name)
}

// Tools returns the registered tools sorted by name.
func (s *Server) Tools() []model.Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Tool, 0, len(s.handlers))
	for _, def := range s.handlers {
		out = append(out, model.Tool{
			Tool: mcp.Tool{
				Name:        def.Name,
				Title:       def.Title,
				Description: def.Description,
				InputSchema: def.InputSchema,
				Annotations: def.Annotations,
			},
			Namespace: s.name,
			Tags:      model.NormalizeTags(def.Tags),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute invokes a tool handler.
func (s *Server) Execute(ctx context.Context, tool string, args map[string]any) (any, error) {
	s.mu.RLock()
	def, ok := s.handlers[tool]
	s.mu.RUnlock()
	if !ok || def.Handler == nil {
		return nil, &Error{Code: jsonrpc2.CodeInvalidParams, Message: "unknown tool: " + tool}
	}
	return def.Handler(ctx, args)
}

type request struct {
	ID     *jsonrpc2.ID    `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Serve reads requests from r and writes responses to w until r is
// exhausted or ctx is done. Calls are handled concurrently.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	var (
		wmu sync.Mutex
		wg  sync.WaitGroup
	)
	bw := bufio.NewWriter(w)
	write := func(resp *jsonrpc2.Response) {
		data, err := json.Marshal(resp)
		if err != nil {
			return
		}
		wmu.Lock()
		defer wmu.Unlock()
		_, _ = bw.Write(append(data, '\n'))
		_ = bw.Flush()
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			write(&jsonrpc2.Response{Error: &jsonrpc2.Error{Code: jsonrpc2.CodeParseError, Message: err.Error()}})
			continue
		}
		if req.ID == nil {
			continue
		}
		wg.Add(1)
		go func(req request) {
			defer wg.Done()
			write(s.handle(ctx, req))
		}(req)
	}
	wg.Wait()
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return err
	}
	return ctx.Err()
}

func (s *Server) handle(ctx context.Context, req request) *jsonrpc2.Response {
	resp := &jsonrpc2.Response{ID: *req.ID}
	result, err := s.dispatch(ctx, req)
	if err != nil {
		var te *Error
		if errors.As(err, &te) {
			resp.Error = &jsonrpc2.Error{Code: te.Code, Message: te.Message}
		} else {
			resp.Error = &jsonrpc2.Error{Code: -32000, Message: err.Error()}
		}
		return resp
	}
	raw, err := json.Marshal(result)
	if err != nil {
		resp.Error = &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: err.Error()}
		return resp
	}
	msg := json.RawMessage(raw)
	resp.Result = &msg
	return resp
}

func (s *Server) dispatch(ctx context.Context, req request) (any, error) {
	switch req.Method {
	case "initialize":
		if s.opts.SkipInitialize {
			return nil, &Error{Code: jsonrpc2.CodeMethodNotFound, Message: "method not found: initialize"}
		}
		return map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": s.name, "version": "1.0.0"},
		}, nil
	case "ping":
		return map[string]any{}, nil
	case "tools/list":
		return s.listPage(req.Params)
	case "tools/call":
		var p struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, &Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
		}
		res, err := s.Execute(ctx, p.Name, p.Arguments)
		if s.opts.OnCall != nil {
			s.opts.OnCall(p.Name)
		}
		return res, err
	default:
		return nil, &Error{Code: jsonrpc2.CodeMethodNotFound, Message: "method not found: " + req.Method}
	}
}

func (s *Server) listPage(params json.RawMessage) (any, error) {
	tools := s.Tools()
	wire := make([]mcp.Tool, len(tools))
	for i, t := range tools {
		wire[i] = t.Tool
	}
	if s.opts.PageSize <= 0 {
		return map[string]any{"tools": wire}, nil
	}

	var p struct {
		Cursor string `json:"cursor"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	start := 0
	if p.Cursor != "" {
		n, err := strconv.Atoi(p.Cursor)
		if err != nil || n < 0 || n > len(wire) {
			return nil, &Error{Code: jsonrpc2.CodeInvalidParams, Message: fmt.Sprintf("bad cursor %q", p.Cursor)}
		}
		start = n
	}
	end := min(start+s.opts.PageSize, len(wire))
	out := map[string]any{"tools": wire[start:end]}
	if end < len(wire) {
		out["nextCursor"] = strconv.Itoa(end)
	}
	return out, nil
}
