// Package stdio implements a backend client over a child process's
// stdin/stdout using line-delimited JSON-RPC 2.0.
package stdio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jonwraymond/toolfoundation/model"
	"github.com/jonwraymond/toolproxy/backend"
	"github.com/jonwraymond/toolproxy/channel"
	"github.com/jonwraymond/toolproxy/config"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// DefaultProtocolVersion is the MCP protocol version offered in initialize.
const DefaultProtocolVersion = "2024-11-05"

// maxListPages bounds tools/list pagination.
const maxListPages = 100

// Logger is the optional logging interface used by the client.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options configures a stdio client.
type Options struct {
	// Timeout is the default per-call deadline. When zero the descriptor's
	// timeout is used.
	Timeout time.Duration

	// MaxMessageSize bounds a single inbound line.
	MaxMessageSize int

	// ClientName and ClientVersion are sent in initialize.
	ClientName    string
	ClientVersion string

	// ProtocolVersion defaults to DefaultProtocolVersion.
	ProtocolVersion string

	// Logger is optional.
	Logger Logger
}

// Dialer returns a backend.Dialer building stdio clients from child pipes.
func Dialer(opts Options) backend.Dialer {
	return func(desc config.Backend, conn backend.Conn) (backend.Transport, error) {
		if conn.Stdin == nil || conn.Stdout == nil {
			return nil, fmt.Errorf("%w: stdio backend %s has no process pipes", backend.ErrUnsupportedTransport, desc.Name)
		}
		o := opts
		if o.Timeout <= 0 {
			o.Timeout = desc.Timeout()
		}
		return New(desc.Name, conn.Stdout, conn.Stdin, o), nil
	}
}

// Client is a backend client speaking JSON-RPC over a framed channel.
type Client struct {
	name   string
	opts   Options
	ch     *channel.Channel
	tools  backend.ToolSet
	logger Logger
}

var _ backend.Transport = (*Client)(nil)

// New creates a client reading responses from r and writing requests to w.
func New(name string, r io.ReadCloser, w io.WriteCloser, opts Options) *Client {
	if opts.ClientName == "" {
		opts.ClientName = "toolproxy"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "dev"
	}
	if opts.ProtocolVersion == "" {
		opts.ProtocolVersion = DefaultProtocolVersion
	}
	var chLogger channel.Logger
	if opts.Logger != nil {
		chLogger = opts.Logger
	}
	c := &Client{
		name:   name,
		opts:   opts,
		logger: opts.Logger,
		ch: channel.New(r, w, channel.Options{
			Name:           name,
			Timeout:        opts.Timeout,
			MaxMessageSize: opts.MaxMessageSize,
			Logger:         chLogger,
		}),
	}
	c.ch.OnNotification(c.handleListChanged)
	return c
}

// Kind returns config.TransportStdio.
func (c *Client) Kind() config.TransportKind { return config.TransportStdio }

// Name returns the backend name.
func (c *Client) Name() string { return c.name }

// Open performs the MCP initialize handshake. Backends that do not
// implement initialize are accepted as-is.
func (c *Client) Open(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": c.opts.ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    c.opts.ClientName,
			"version": c.opts.ClientVersion,
		},
	}
	if _, err := c.ch.Call(ctx, "initialize", params); err != nil {
		if channel.IsMethodNotFound(err) {
			c.logInfo("backend does not implement initialize", "backend", c.name)
			return nil
		}
		return fmt.Errorf("initialize %s: %w", c.name, backend.Upstream(c.name, "initialize", err))
	}
	return c.ch.Notify(ctx, "notifications/initialized", nil)
}

type listToolsResult struct {
	Tools      []mcp.Tool `json:"tools"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ListTools fetches every page of tools/list and refreshes the cache.
func (c *Client) ListTools(ctx context.Context) ([]model.Tool, error) {
	var all []model.Tool
	cursor := ""
	for page := 0; page < maxListPages; page++ {
		var params any
		if cursor != "" {
			params = map[string]string{"cursor": cursor}
		}
		raw, err := c.ch.Call(ctx, "tools/list", params)
		if err != nil {
			return nil, backend.Upstream(c.name, "tools/list", err)
		}
		res, err := decodeToolList(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s tools/list: %v", channel.ErrProtocol, c.name, err)
		}
		for _, t := range res.Tools {
			all = append(all, model.Tool{Tool: t})
		}
		if res.NextCursor == "" || res.NextCursor == cursor {
			break
		}
		cursor = res.NextCursor
	}
	return c.tools.Replace(c.name, all), nil
}

// decodeToolList accepts the MCP result object or a bare array of tools.
func decodeToolList(raw json.RawMessage) (listToolsResult, error) {
	var res listToolsResult
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err := json.Unmarshal(trimmed, &res.Tools)
		return res, err
	}
	err := json.Unmarshal(trimmed, &res)
	return res, err
}

// Tools returns the last listed tools.
func (c *Client) Tools() []model.Tool { return c.tools.List() }

// CallTool invokes tools/call and returns the result payload unchanged.
func (c *Client) CallTool(ctx context.Context, tool string, args any) (json.RawMessage, error) {
	if err := c.tools.Check(c.name, tool); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	raw, err := c.ch.Call(ctx, "tools/call", map[string]any{"name": tool, "arguments": args})
	if err != nil {
		return nil, backend.Upstream(c.name, "tools/call", err)
	}
	return raw, nil
}

// Call relays a raw request.
func (c *Client) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	raw, err := c.ch.Call(ctx, method, params)
	if err != nil {
		return nil, backend.Upstream(c.name, method, err)
	}
	return raw, nil
}

// Notify relays a raw notification.
func (c *Client) Notify(ctx context.Context, method string, params json.RawMessage) error {
	return c.ch.Notify(ctx, method, params)
}

// OnNotification registers h for backend notifications.
func (c *Client) OnNotification(h backend.NotificationHandler) {
	if h != nil {
		c.ch.OnNotification(channel.NotificationHandler(h))
	}
}

// Pending returns the number of requests awaiting a response.
func (c *Client) Pending() int { return c.ch.Pending() }

// Done is closed when the underlying channel closes.
func (c *Client) Done() <-chan struct{} { return c.ch.Done() }

// Err returns why the channel closed.
func (c *Client) Err() error { return c.ch.Err() }

// Close closes the channel and the child's stdin.
func (c *Client) Close() error { return c.ch.Close() }

func (c *Client) handleListChanged(method string, _ json.RawMessage) {
	if method != "notifications/tools/list_changed" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.ch.Timeout())
		defer cancel()
		if _, err := c.ListTools(ctx); err != nil {
			c.logWarn("refresh tool list failed", "backend", c.name, "error", err)
		}
	}()
}

func (c *Client) logInfo(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Info(msg, args...)
	}
}

func (c *Client) logWarn(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, args...)
	}
}
