package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonwraymond/toolproxy/backend"
	"github.com/jonwraymond/toolproxy/config"
	"github.com/jonwraymond/toolproxy/internal/toolserver"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHTTPBackend(t *testing.T) string {
	t.Helper()
	srv := toolserver.New("demo", toolserver.Options{})
	toolserver.RegisterDemoTools(srv)
	ts := httptest.NewServer(srv.HTTPHandler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func TestTransport_HTTPRoundTrip(t *testing.T) {
	url := startHTTPBackend(t)
	tr := New(config.Backend{Name: "demo", Transport: config.TransportHTTP, URL: url}, Options{})
	t.Cleanup(func() { _ = tr.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Open(ctx))

	tools, err := tr.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 3)
	assert.Equal(t, "demo", tools[0].Namespace)

	raw, err := tr.CallTool(ctx, "echo", map[string]any{"x": 1})
	require.NoError(t, err)
	var res struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(raw, &res))
	require.Len(t, res.Content, 1)
	assert.JSONEq(t, `{"x":1}`, res.Content[0].Text)

	_, err = tr.CallTool(ctx, "missing", nil)
	assert.ErrorIs(t, err, backend.ErrToolNotFound)

	_, err = tr.Call(ctx, "ping", nil)
	assert.NoError(t, err)
}

func TestTransport_CallBeforeOpen(t *testing.T) {
	tr := New(config.Backend{Name: "demo", Transport: config.TransportHTTP, URL: "http://127.0.0.1:1/mcp"}, Options{})
	_, err := tr.ListTools(context.Background())
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestTransport_UnrelayedMethod(t *testing.T) {
	tr := New(config.Backend{Name: "demo", Transport: config.TransportSSE, URL: "http://127.0.0.1:1/sse"}, Options{})
	_, err := tr.Call(context.Background(), "resources/list", nil)
	var up *backend.UpstreamError
	require.ErrorAs(t, err, &up)
	assert.Equal(t, int64(-32601), up.Code)
}

func TestDialer_RejectsStdio(t *testing.T) {
	_, err := Dialer(Options{})(config.Backend{Name: "x", Transport: config.TransportStdio}, backend.Conn{})
	assert.ErrorIs(t, err, backend.ErrUnsupportedTransport)
}

func openTransport(t *testing.T, url string) (*Transport, context.Context) {
	t.Helper()
	tr := New(config.Backend{Name: "demo", Transport: config.TransportHTTP, URL: url}, Options{})
	t.Cleanup(func() { _ = tr.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	require.NoError(t, tr.Open(ctx))
	_, err := tr.ListTools(ctx)
	require.NoError(t, err)
	return tr, ctx
}

func TestTransport_ErrorPayloadIsUpstream(t *testing.T) {
	srv := mcp.NewServer(&mcp.Implementation{Name: "demo", Version: "1"}, nil)
	srv.AddTool(&mcp.Tool{Name: "boom", InputSchema: map[string]any{"type": "object"}},
		func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return nil, &jsonrpc.Error{Code: -32050, Message: "boom"}
		})
	ts := httptest.NewServer(mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil))
	t.Cleanup(ts.Close)

	tr, ctx := openTransport(t, ts.URL)
	_, err := tr.CallTool(ctx, "boom", nil)
	assert.ErrorIs(t, err, backend.ErrUpstream)
	var up *backend.UpstreamError
	require.ErrorAs(t, err, &up)
	assert.Equal(t, int64(-32050), up.Code)
	assert.Equal(t, "boom", up.Message)
	assert.Equal(t, "tools/call", up.Method)
}

func TestTransport_ToolResultErrorIsUpstream(t *testing.T) {
	tr, ctx := openTransport(t, startHTTPBackend(t))

	_, err := tr.CallTool(ctx, "fail", map[string]any{"message": "bad input"})
	var up *backend.UpstreamError
	require.ErrorAs(t, err, &up)
	assert.Equal(t, int64(CodeToolError), up.Code)
	assert.Contains(t, up.Message, "bad input")
	assert.Contains(t, string(up.Data), `"isError":true`)
}
