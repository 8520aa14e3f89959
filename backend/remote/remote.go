// Package remote implements backend clients for MCP servers reached over
// the network: streamable HTTP and the legacy SSE transport.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/jonwraymond/toolfoundation/model"
	"github.com/jonwraymond/toolproxy/backend"
	"github.com/jonwraymond/toolproxy/channel"
	"github.com/jonwraymond/toolproxy/config"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sourcegraph/jsonrpc2"
)

const maxListPages = 100

// CodeToolError is the code reported for tool results flagged isError,
// which carry no JSON-RPC code of their own.
const CodeToolError = -32000

// ErrNotOpen is returned for calls made before Open succeeds.
var ErrNotOpen = errors.New("remote: session not open")

// Logger is the optional logging interface used by the transport.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options configures remote transports.
type Options struct {
	// HTTPClient is used for every request. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// ClientName and ClientVersion identify the proxy during initialize.
	ClientName    string
	ClientVersion string

	// Logger is optional.
	Logger Logger
}

// Dialer returns a backend.Dialer for http and sse descriptors.
func Dialer(opts Options) backend.Dialer {
	return func(desc config.Backend, _ backend.Conn) (backend.Transport, error) {
		if !desc.Transport.Network() {
			return nil, fmt.Errorf("%w: %s", backend.ErrUnsupportedTransport, desc.Transport)
		}
		return New(desc, opts), nil
	}
}

// Transport is an MCP client session to a network backend.
type Transport struct {
	desc   config.Backend
	opts   Options
	client *mcp.Client

	mu      sync.Mutex
	session *mcp.ClientSession

	tools backend.ToolSet
	done  chan struct{}
	once  sync.Once
}

var _ backend.Transport = (*Transport)(nil)

// New creates an unopened transport for desc.
func New(desc config.Backend, opts Options) *Transport {
	if opts.ClientName == "" {
		opts.ClientName = "toolproxy"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "dev"
	}
	return &Transport{
		desc:   desc,
		opts:   opts,
		client: mcp.NewClient(&mcp.Implementation{Name: opts.ClientName, Version: opts.ClientVersion}, nil),
		done:   make(chan struct{}),
	}
}

// Kind returns the descriptor's transport kind.
func (t *Transport) Kind() config.TransportKind { return t.desc.Transport }

// Name returns the backend name.
func (t *Transport) Name() string { return t.desc.Name }

// Open connects and completes the MCP handshake. Calling Open on an open
// transport is a no-op.
func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session != nil {
		return nil
	}
	select {
	case <-t.done:
		return channel.ErrChannelClosed
	default:
	}

	var tr mcp.Transport
	switch t.desc.Transport {
	case config.TransportHTTP:
		tr = &mcp.StreamableClientTransport{Endpoint: t.desc.URL, HTTPClient: t.opts.HTTPClient}
	case config.TransportSSE:
		tr = &mcp.SSEClientTransport{Endpoint: t.desc.URL, HTTPClient: t.opts.HTTPClient}
	default:
		return fmt.Errorf("%w: %s", backend.ErrUnsupportedTransport, t.desc.Transport)
	}
	session, err := t.client.Connect(ctx, tr, nil)
	if err != nil {
		return fmt.Errorf("%w: connect %s: %v", backend.ErrBackendUnavailable, t.desc.Name, err)
	}
	t.session = session
	go func() {
		err := session.Wait()
		if t.opts.Logger != nil && err != nil {
			t.opts.Logger.Warn("remote session ended", "backend", t.desc.Name, "error", err)
		}
		t.markDone()
	}()
	return nil
}

func (t *Transport) current() (*mcp.ClientSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return nil, channel.ErrChannelClosed
	default:
	}
	if t.session == nil {
		return nil, ErrNotOpen
	}
	return t.session, nil
}

// ListTools fetches every page of tools and refreshes the cache.
func (t *Transport) ListTools(ctx context.Context) ([]model.Tool, error) {
	s, err := t.current()
	if err != nil {
		return nil, err
	}
	var all []model.Tool
	params := &mcp.ListToolsParams{}
	for page := 0; page < maxListPages; page++ {
		res, err := s.ListTools(ctx, params)
		if err != nil {
			return nil, t.wrap(ctx, "tools/list", err)
		}
		for _, tool := range res.Tools {
			if tool != nil {
				all = append(all, model.Tool{Tool: *tool})
			}
		}
		if res.NextCursor == "" || res.NextCursor == params.Cursor {
			break
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
	return t.tools.Replace(t.desc.Name, all), nil
}

// Tools returns the last listed tools.
func (t *Transport) Tools() []model.Tool { return t.tools.List() }

// CallTool invokes a tool and returns the MCP result encoded as JSON.
func (t *Transport) CallTool(ctx context.Context, tool string, args any) (json.RawMessage, error) {
	if err := t.tools.Check(t.desc.Name, tool); err != nil {
		return nil, err
	}
	s, err := t.current()
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	res, err := s.CallTool(ctx, &mcp.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return nil, t.wrap(ctx, "tools/call", err)
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", tool, err)
	}
	if res.IsError {
		return nil, &backend.UpstreamError{
			Backend: t.desc.Name,
			Method:  "tools/call",
			Code:    CodeToolError,
			Message: resultText(res),
			Data:    raw,
		}
	}
	return raw, nil
}

// resultText joins the text content of a tool result.
func resultText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if text, ok := c.(*mcp.TextContent); ok && text.Text != "" {
			parts = append(parts, text.Text)
		}
	}
	if len(parts) == 0 {
		return "tool returned an error"
	}
	return strings.Join(parts, "\n")
}

// Call relays the subset of MCP methods the session exposes: tools/list,
// tools/call and ping.
func (t *Transport) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	switch method {
	case "tools/list":
		tools, err := t.ListTools(ctx)
		if err != nil {
			return nil, err
		}
		wire := make([]mcp.Tool, len(tools))
		for i, tool := range tools {
			wire[i] = tool.Tool
		}
		return json.Marshal(map[string]any{"tools": wire})
	case "tools/call":
		var p struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &backend.UpstreamError{Backend: t.desc.Name, Method: method, Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
		}
		var args any
		if len(p.Arguments) > 0 {
			args = p.Arguments
		}
		return t.CallTool(ctx, p.Name, args)
	case "ping":
		s, err := t.current()
		if err != nil {
			return nil, err
		}
		if err := s.Ping(ctx, nil); err != nil {
			return nil, t.wrap(ctx, method, err)
		}
		return json.RawMessage(`{}`), nil
	default:
		return nil, &backend.UpstreamError{
			Backend: t.desc.Name,
			Method:  method,
			Code:    jsonrpc2.CodeMethodNotFound,
			Message: "method not relayed to remote backends: " + method,
		}
	}
}

// Notify is accepted and dropped; the session owns its own notifications.
func (t *Transport) Notify(context.Context, string, json.RawMessage) error {
	_, err := t.current()
	return err
}

// OnNotification is a no-op: the go-sdk session consumes server
// notifications itself.
func (t *Transport) OnNotification(backend.NotificationHandler) {}

// Done is closed when the session ends.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Close ends the session.
func (t *Transport) Close() error {
	t.mu.Lock()
	s := t.session
	t.mu.Unlock()
	var err error
	if s != nil {
		err = s.Close()
	}
	t.markDone()
	return err
}

func (t *Transport) markDone() {
	t.once.Do(func() { close(t.done) })
}

func (t *Transport) wrap(ctx context.Context, method string, err error) error {
	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s %s: %v", channel.ErrTimeout, t.desc.Name, method, err)
	}
	var wireErr *jsonrpc.Error
	if errors.As(err, &wireErr) {
		return &backend.UpstreamError{
			Backend: t.desc.Name,
			Method:  method,
			Code:    wireErr.Code,
			Message: wireErr.Message,
			Data:    wireErr.Data,
		}
	}
	select {
	case <-t.done:
		return fmt.Errorf("%w: %s %s: %v", channel.ErrChannelClosed, t.desc.Name, method, err)
	default:
	}
	return fmt.Errorf("%s %s: %w", t.desc.Name, method, err)
}
