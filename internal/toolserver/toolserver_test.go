package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcReply struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int64  `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func startServer(t *testing.T, s *Server) (func(line string) rpcReply, func()) {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Serve(context.Background(), inR, outW)
		_ = outW.Close()
	}()
	sc := bufio.NewScanner(outR)
	send := func(line string) rpcReply {
		_, err := io.WriteString(inW, line+"\n")
		require.NoError(t, err)
		require.True(t, sc.Scan())
		var r rpcReply
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		return r
	}
	stop := func() {
		_ = inW.Close()
		<-done
	}
	t.Cleanup(stop)
	return send, stop
}

func TestServer_EchoRoundTrip(t *testing.T) {
	s := New("demo", Options{})
	RegisterDemoTools(s)
	send, _ := startServer(t, s)

	r := send(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"x":1}}}`)
	require.Nil(t, r.Error)
	assert.JSONEq(t, `{"x":1}`, string(r.Result))
}

func TestServer_Errors(t *testing.T) {
	s := New("demo", Options{SkipInitialize: true})
	RegisterDemoTools(s)
	send, _ := startServer(t, s)

	r := send(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	require.NotNil(t, r.Error)
	assert.Equal(t, int64(-32601), r.Error.Code)

	r = send(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"nope"}}`)
	require.NotNil(t, r.Error)
	assert.Equal(t, int64(-32602), r.Error.Code)

	r = send(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"fail","arguments":{"message":"bad"}}}`)
	require.NotNil(t, r.Error)
	assert.Equal(t, "bad", r.Error.Message)
}

func TestServer_Pagination(t *testing.T) {
	s := New("demo", Options{PageSize: 2})
	RegisterDemoTools(s)
	send, _ := startServer(t, s)

	r := send(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	var page struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
		NextCursor string `json:"nextCursor"`
	}
	require.NoError(t, json.Unmarshal(r.Result, &page))
	require.Len(t, page.Tools, 2)
	assert.Equal(t, "echo", page.Tools[0].Name)
	assert.Equal(t, "2", page.NextCursor)

	r = send(`{"jsonrpc":"2.0","id":2,"method":"tools/list","params":{"cursor":"2"}}`)
	page.NextCursor = ""
	require.NoError(t, json.Unmarshal(r.Result, &page))
	require.Len(t, page.Tools, 1)
	assert.Equal(t, "sleep", page.Tools[0].Name)
	assert.Empty(t, page.NextCursor)
}
