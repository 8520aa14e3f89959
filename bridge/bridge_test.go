package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jonwraymond/toolproxy/backend/stdio"
	"github.com/jonwraymond/toolproxy/internal/toolserver"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int64  `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// newBackend connects a stdio client to an in-process tool server.
func newBackend(t *testing.T, timeout time.Duration) *stdio.Client {
	t.Helper()
	srv := toolserver.New("echo", toolserver.Options{})
	toolserver.RegisterDemoTools(srv)

	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()
	go func() {
		_ = srv.Serve(context.Background(), serverR, serverW)
		_ = serverW.Close()
	}()
	c := stdio.New("echo", clientR, clientW, stdio.Options{Timeout: timeout})
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	require.NoError(t, c.Open(ctx))
	_, err := c.ListTools(ctx)
	require.NoError(t, err)
	return c
}

func newEndpoint(t *testing.T, timeout time.Duration) (*Endpoint, *stdio.Client, *httptest.Server) {
	t.Helper()
	c := newBackend(t, timeout)
	e := New(c, Options{KeepAlive: 50 * time.Millisecond})
	ts := httptest.NewServer(e.Handler())
	t.Cleanup(func() {
		_ = e.Close()
		ts.Close()
	})
	return e, c, ts
}

func post(t *testing.T, url, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestEndpoint_RelayPreservesID(t *testing.T) {
	_, _, ts := newEndpoint(t, 5*time.Second)

	resp, body := post(t, ts.URL+"/mcp", `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"echo","arguments":{"x":1}}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var r rpcResponse
	require.NoError(t, json.Unmarshal(body, &r))
	assert.Equal(t, "7", string(r.ID))
	assert.JSONEq(t, `{"x":1}`, string(r.Result))

	_, body = post(t, ts.URL+"/mcp", `{"jsonrpc":"2.0","id":"abc","method":"ping"}`)
	require.NoError(t, json.Unmarshal(body, &r))
	assert.Equal(t, `"abc"`, string(r.ID))
}

func TestEndpoint_UpstreamErrorRelayed(t *testing.T) {
	_, _, ts := newEndpoint(t, 5*time.Second)

	resp, body := post(t, ts.URL+"/mcp", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"fail","arguments":{"message":"boom"}}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var r rpcResponse
	require.NoError(t, json.Unmarshal(body, &r))
	require.NotNil(t, r.Error)
	assert.Equal(t, int64(-32000), r.Error.Code)
	assert.Equal(t, "boom", r.Error.Message)
}

func TestEndpoint_Notification(t *testing.T) {
	_, _, ts := newEndpoint(t, 5*time.Second)
	resp, body := post(t, ts.URL+"/mcp", `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Empty(t, body)
}

func TestEndpoint_Batch(t *testing.T) {
	_, _, ts := newEndpoint(t, 5*time.Second)
	resp, body := post(t, ts.URL+"/mcp", `[
		{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"n":1}}},
		{"jsonrpc":"2.0","method":"notifications/initialized"},
		{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"n":2}}}
	]`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out []rpcResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out, 2)
	for _, r := range out {
		assert.JSONEq(t, `{"n":`+string(r.ID)+`}`, string(r.Result))
	}
}

func TestEndpoint_BadRequests(t *testing.T) {
	_, _, ts := newEndpoint(t, 5*time.Second)

	resp, _ := post(t, ts.URL+"/mcp", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = post(t, ts.URL+"/mcp", `[]`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = post(t, ts.URL+"/mcp", `{"jsonrpc":"2.0","id":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEndpoint_TimeoutIs504(t *testing.T) {
	_, _, ts := newEndpoint(t, 100*time.Millisecond)

	resp, body := post(t, ts.URL+"/mcp", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"sleep","arguments":{"ms":2000}}}`)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	var r rpcResponse
	require.NoError(t, json.Unmarshal(body, &r))
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeTimeout, r.Error.Code)
}

func TestEndpoint_ClosedBackendIs502(t *testing.T) {
	_, c, ts := newEndpoint(t, 5*time.Second)
	require.NoError(t, c.Close())

	resp, _ := post(t, ts.URL+"/mcp", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	hr, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	hr.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, hr.StatusCode)
}

type sseEvent struct {
	name string
	data string
}

func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.name != "" || ev.data != "" {
				return ev
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestEndpoint_SSESession(t *testing.T) {
	e, _, ts := newEndpoint(t, 5*time.Second)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/sse", nil)
	require.NoError(t, err)
	req.Header.Set(ForwardedPrefixHeader, "/echo")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := bufio.NewReader(resp.Body)
	ev := readEvent(t, events)
	require.Equal(t, "endpoint", ev.name)
	require.True(t, strings.HasPrefix(ev.data, "/echo/message?sessionId="), ev.data)
	assert.Equal(t, 1, e.Sessions())

	msgURL := ts.URL + strings.TrimPrefix(ev.data, "/echo")
	pr, _ := post(t, msgURL, `{"jsonrpc":"2.0","id":9,"method":"tools/call","params":{"name":"echo","arguments":{"via":"sse"}}}`)
	require.Equal(t, http.StatusAccepted, pr.StatusCode)

	ev = readEvent(t, events)
	require.Equal(t, "message", ev.name)
	var r rpcResponse
	require.NoError(t, json.Unmarshal([]byte(ev.data), &r))
	assert.Equal(t, "9", string(r.ID))
	assert.JSONEq(t, `{"via":"sse"}`, string(r.Result))

	e.broadcast("notifications/tools/list_changed", nil)
	ev = readEvent(t, events)
	assert.Equal(t, "message", ev.name)
	assert.Contains(t, ev.data, "notifications/tools/list_changed")
}

func TestEndpoint_MessageUnknownSession(t *testing.T) {
	_, _, ts := newEndpoint(t, 5*time.Second)
	resp, _ := post(t, ts.URL+"/message?sessionId=nope", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEndpoint_StreamableMCP(t *testing.T) {
	_, _, ts := newEndpoint(t, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client := mcp.NewClient(&mcp.Implementation{Name: "test", Version: "1"}, nil)
	session, err := client.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: ts.URL + "/stream"}, nil)
	require.NoError(t, err)
	defer session.Close()

	tools, err := session.ListTools(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, tools.Tools, 3)

	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: "echo", Arguments: map[string]any{"k": "v"}})
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	assert.JSONEq(t, `{"k":"v"}`, text.Text)

	res, err = session.CallTool(ctx, &mcp.CallToolParams{Name: "fail", Arguments: map[string]any{}})
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestEndpoint_ListenAndClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	e := New(newBackend(t, 5*time.Second), Options{})
	require.NoError(t, e.Listen("127.0.0.1", port))
	assert.Equal(t, "127.0.0.1:"+strconv.Itoa(port), e.Addr())

	resp, err := http.Get("http://" + e.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, e.Close())
	again, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	_ = again.Close()
}

func TestObjectSchema(t *testing.T) {
	assert.Equal(t, map[string]any{"type": "object"}, objectSchema(nil))
	assert.Equal(t, map[string]any{"type": "object"}, objectSchema(map[string]any{"type": "string"}))
	s := map[string]any{"type": "object", "properties": map[string]any{}}
	assert.Equal(t, s, objectSchema(s))
}
