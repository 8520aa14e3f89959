package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/jonwraymond/toolfoundation/model"
	"github.com/jonwraymond/toolproxy/channel"
	"github.com/jonwraymond/toolproxy/config"
)

// Common errors for backend operations.
var (
	ErrBackendNotFound      = errors.New("backend not found")
	ErrToolNotFound         = errors.New("tool not found in backend")
	ErrBackendUnavailable   = errors.New("backend unavailable")
	ErrUpstream             = errors.New("upstream error")
	ErrUnsupportedTransport = errors.New("unsupported transport")
)

// UpstreamError is an error payload returned by a backend.
type UpstreamError struct {
	Backend string
	Method  string
	Code    int64
	Message string
	Data    json.RawMessage
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %s %s: code %d: %s", ErrUpstream, e.Backend, e.Method, e.Code, e.Message)
}

// Is reports whether target is ErrUpstream.
func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }

// Upstream converts a peer error from the channel into an *UpstreamError.
// Other errors are returned unchanged.
func Upstream(backendName, method string, err error) error {
	var rpcErr *channel.RPCError
	if errors.As(err, &rpcErr) {
		return &UpstreamError{
			Backend: backendName,
			Method:  method,
			Code:    rpcErr.Code,
			Message: rpcErr.Message,
			Data:    rpcErr.Data,
		}
	}
	return err
}

// NotificationHandler receives backend-initiated notifications.
type NotificationHandler func(method string, params json.RawMessage)

// Transport is a connected backend client.
// A transport is created per backend incarnation and never reused after
// Close.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: methods must honor cancellation/deadlines.
// - Errors: CallTool returns ErrToolNotFound for tools missing from the last
// known list and *UpstreamError for backend error payloads; transport
// failures are returned as-is (channel.ErrTimeout, channel.ErrChannelClosed).
type Transport interface {
	// Kind returns the transport variant.
	Kind() config.TransportKind

	// Name returns the backend name.
	Name() string

	// Open performs the protocol handshake.
	Open(ctx context.Context) error

	// ListTools fetches the backend's tools and refreshes the cached list.
	ListTools(ctx context.Context) ([]model.Tool, error)

	// Tools returns the last known tool list without contacting the backend.
	Tools() []model.Tool

	// CallTool invokes a tool and returns its result payload unchanged.
	CallTool(ctx context.Context, tool string, args any) (json.RawMessage, error)

	// Call relays a raw JSON-RPC request.
	Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)

	// Notify relays a raw JSON-RPC notification.
	Notify(ctx context.Context, method string, params json.RawMessage) error

	// OnNotification registers a handler for backend notifications.
	OnNotification(h NotificationHandler)

	// Done is closed when the transport can no longer serve calls.
	Done() <-chan struct{}

	// Close releases the connection.
	Close() error
}

// Conn carries the child process pipes for stdio transports.
// Both fields are nil for network transports.
type Conn struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
}

// Dialer builds a transport for one incarnation of a backend.
type Dialer func(desc config.Backend, conn Conn) (Transport, error)

// ToolSet caches the last known tool list of a backend.
// The zero value is ready to use.
type ToolSet struct {
	mu     sync.RWMutex
	tools  []model.Tool
	byName map[string]struct{}
	known  bool
}

// Replace swaps in a new tool list, setting each tool's namespace.
func (s *ToolSet) Replace(namespace string, tools []model.Tool) []model.Tool {
	out := make([]model.Tool, len(tools))
	byName := make(map[string]struct{}, len(tools))
	for i, t := range tools {
		if t.Namespace == "" {
			t.Namespace = namespace
		}
		out[i] = t
		byName[t.Name] = struct{}{}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	s.mu.Lock()
	s.tools = out
	s.byName = byName
	s.known = true
	s.mu.Unlock()
	return s.List()
}

// List returns a copy of the cached tools.
func (s *ToolSet) List() []model.Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Tool(nil), s.tools...)
}

// Check returns ErrToolNotFound when a list is known and name is absent.
// Before the first list every name passes.
func (s *ToolSet) Check(backendName, name string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.known {
		return nil
	}
	if _, ok := s.byName[name]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrToolNotFound, backendName, name)
	}
	return nil
}
