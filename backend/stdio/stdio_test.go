package stdio

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jonwraymond/toolproxy/backend"
	"github.com/jonwraymond/toolproxy/channel"
	"github.com/jonwraymond/toolproxy/config"
	"github.com/jonwraymond/toolproxy/internal/toolserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// connect wires a client to an in-process tool server over pipes.
func connect(t *testing.T, opts toolserver.Options) (*Client, *io.PipeWriter) {
	t.Helper()
	srv := toolserver.New("demo", opts)
	toolserver.RegisterDemoTools(srv)

	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()
	go func() {
		_ = srv.Serve(context.Background(), serverR, serverW)
		_ = serverW.Close()
	}()

	c := New("demo", clientR, clientW, Options{Timeout: 2 * time.Second})
	t.Cleanup(func() { _ = c.Close() })
	return c, serverW
}

func TestClient_OpenAndListTools(t *testing.T) {
	c, _ := connect(t, toolserver.Options{})
	ctx := context.Background()

	require.NoError(t, c.Open(ctx))
	tools, err := c.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 3)
	assert.Equal(t, "echo", tools[0].Name)
	assert.Equal(t, "demo", tools[0].Namespace)
	assert.Len(t, c.Tools(), 3)
}

func TestClient_OpenWithoutInitialize(t *testing.T) {
	c, _ := connect(t, toolserver.Options{SkipInitialize: true})
	require.NoError(t, c.Open(context.Background()))
}

func TestClient_ListToolsPaginated(t *testing.T) {
	c, _ := connect(t, toolserver.Options{PageSize: 1})
	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	assert.Len(t, tools, 3)
}

func TestClient_CallToolRoundTrip(t *testing.T) {
	c, _ := connect(t, toolserver.Options{})
	ctx := context.Background()
	_, err := c.ListTools(ctx)
	require.NoError(t, err)

	got, err := c.CallTool(ctx, "echo", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(got))
}

func TestClient_ToolNotFound(t *testing.T) {
	c, _ := connect(t, toolserver.Options{})
	ctx := context.Background()
	_, err := c.ListTools(ctx)
	require.NoError(t, err)

	_, err = c.CallTool(ctx, "missing", nil)
	assert.ErrorIs(t, err, backend.ErrToolNotFound)
}

func TestClient_UpstreamError(t *testing.T) {
	c, _ := connect(t, toolserver.Options{})
	_, err := c.CallTool(context.Background(), "fail", map[string]any{"message": "boom"})
	require.ErrorIs(t, err, backend.ErrUpstream)

	var up *backend.UpstreamError
	require.ErrorAs(t, err, &up)
	assert.Equal(t, int64(-32000), up.Code)
	assert.Equal(t, "boom", up.Message)
}

func TestClient_ConcurrentCalls(t *testing.T) {
	c, _ := connect(t, toolserver.Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := c.CallTool(ctx, "echo", map[string]int{"i": i})
			if assert.NoError(t, err) {
				assert.JSONEq(t, `{"i":`+strconv.Itoa(i)+`}`, string(got))
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, c.Pending())
}

func TestClient_TimeoutThenRecover(t *testing.T) {
	c, _ := connect(t, toolserver.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.CallTool(ctx, "sleep", map[string]any{"ms": 1000})
	require.ErrorIs(t, err, channel.ErrTimeout)

	got, err := c.CallTool(context.Background(), "echo", map[string]any{"ok": true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(got))
}

func TestClient_BackendExit(t *testing.T) {
	c, serverW := connect(t, toolserver.Options{})
	require.NoError(t, serverW.Close())

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("client not done after backend exit")
	}
	_, err := c.CallTool(context.Background(), "echo", nil)
	assert.True(t, errors.Is(err, channel.ErrChannelClosed), "got %v", err)
}

func TestDialer_RequiresPipes(t *testing.T) {
	d := Dialer(Options{})
	_, err := d(config.Backend{Name: "x", Command: "x"}, backend.Conn{})
	assert.ErrorIs(t, err, backend.ErrUnsupportedTransport)
}
