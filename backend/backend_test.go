package backend

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/jonwraymond/toolfoundation/model"
	"github.com/jonwraymond/toolproxy/channel"
	"github.com/jonwraymond/toolproxy/config"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// mockTransport implements Transport for testing.
type mockTransport struct {
	name   string
	tools  ToolSet
	callFn func(ctx context.Context, tool string, args any) (json.RawMessage, error)
	done   chan struct{}
	once   sync.Once
}

func newMockTransport(name string, tools ...string) *mockTransport {
	m := &mockTransport{name: name, done: make(chan struct{})}
	list := make([]model.Tool, 0, len(tools))
	for _, n := range tools {
		list = append(list, model.Tool{Tool: mcp.Tool{
			Name:        n,
			Description: "tool " + n,
			InputSchema: map[string]any{"type": "object"},
		}})
	}
	m.tools.Replace(name, list)
	return m
}

func (m *mockTransport) Kind() config.TransportKind { return config.TransportStdio }
func (m *mockTransport) Name() string               { return m.name }
func (m *mockTransport) Open(context.Context) error { return nil }
func (m *mockTransport) Tools() []model.Tool        { return m.tools.List() }

func (m *mockTransport) ListTools(context.Context) ([]model.Tool, error) {
	return m.tools.List(), nil
}

func (m *mockTransport) CallTool(ctx context.Context, tool string, args any) (json.RawMessage, error) {
	if err := m.tools.Check(m.name, tool); err != nil {
		return nil, err
	}
	if m.callFn != nil {
		return m.callFn(ctx, tool, args)
	}
	return json.Marshal(args)
}

func (m *mockTransport) Call(context.Context, string, json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (m *mockTransport) Notify(context.Context, string, json.RawMessage) error { return nil }
func (m *mockTransport) OnNotification(NotificationHandler)                    {}
func (m *mockTransport) Done() <-chan struct{}                                 { return m.done }

func (m *mockTransport) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

type mockSource map[string]Transport

func (s mockSource) Transport(name string) (Transport, bool) {
	t, ok := s[name]
	return t, ok
}

func (s mockSource) Transports() []Transport {
	out := make([]Transport, 0, len(s))
	for _, t := range s {
		out = append(out, t)
	}
	return out
}

func TestTransport_Interface(t *testing.T) {
	t.Helper()
	var _ Transport = (*mockTransport)(nil)
}

func TestToolSet_Check(t *testing.T) {
	var s ToolSet
	if err := s.Check("b", "anything"); err != nil {
		t.Fatalf("Check() before first list error = %v, want nil", err)
	}

	s.Replace("b", []model.Tool{{Tool: mcp.Tool{Name: "echo"}}})
	if err := s.Check("b", "echo"); err != nil {
		t.Errorf("Check(echo) error = %v", err)
	}
	if err := s.Check("b", "missing"); !errors.Is(err, ErrToolNotFound) {
		t.Errorf("Check(missing) error = %v, want ErrToolNotFound", err)
	}

	tools := s.List()
	if len(tools) != 1 || tools[0].Namespace != "b" {
		t.Errorf("List() = %+v, want one tool namespaced b", tools)
	}
}

func TestUpstream(t *testing.T) {
	err := Upstream("time", "tools/call", &channel.RPCError{Code: -32000, Message: "boom"})
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("Upstream() = %v, want ErrUpstream", err)
	}
	var up *UpstreamError
	if !errors.As(err, &up) || up.Code != -32000 || up.Backend != "time" {
		t.Errorf("Upstream() = %#v", err)
	}

	plain := errors.New("plain")
	if got := Upstream("time", "x", plain); got != plain {
		t.Errorf("Upstream(non-rpc) = %v, want unchanged", got)
	}
	if got := Upstream("time", "x", channel.ErrTimeout); !errors.Is(got, channel.ErrTimeout) {
		t.Errorf("Upstream(timeout) = %v, want ErrTimeout", got)
	}
}
