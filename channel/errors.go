package channel

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sourcegraph/jsonrpc2"
)

// Channel errors.
var (
	ErrTimeout       = errors.New("channel: request timed out")
	ErrChannelClosed = errors.New("channel: closed")
	ErrProtocol      = errors.New("channel: protocol error")
)

// RPCError is a JSON-RPC error payload returned by the peer.
type RPCError struct {
	Code    int64
	Message string
	Data    json.RawMessage
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Wire converts e to its jsonrpc2 representation.
func (e *RPCError) Wire() *jsonrpc2.Error {
	out := &jsonrpc2.Error{Code: e.Code, Message: e.Message}
	if len(e.Data) > 0 {
		data := json.RawMessage(append([]byte(nil), e.Data...))
		out.Data = &data
	}
	return out
}

func rpcErrorFromWire(e *jsonrpc2.Error) *RPCError {
	out := &RPCError{Code: e.Code, Message: e.Message}
	if e.Data != nil {
		out.Data = append(json.RawMessage(nil), (*e.Data)...)
	}
	return out
}

// IsMethodNotFound reports whether err is a peer error with code -32601.
func IsMethodNotFound(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == jsonrpc2.CodeMethodNotFound
}
