package backend

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestAggregator_ListAllTools(t *testing.T) {
	src := mockSource{
		"b": newMockTransport("b", "two"),
		"a": newMockTransport("a", "one", "three"),
	}
	agg := NewAggregator(src, nil)

	tools := agg.ListAllTools(context.Background())
	if len(tools) != 3 {
		t.Fatalf("ListAllTools() returned %d tools, want 3", len(tools))
	}
	want := []string{"a:one", "a:three", "b:two"}
	for i, tool := range tools {
		if got := FormatToolID(tool.Namespace, tool.Name); got != want[i] {
			t.Errorf("tools[%d] = %q, want %q", i, got, want[i])
		}
	}
}

func TestAggregator_Execute(t *testing.T) {
	src := mockSource{"echo": newMockTransport("echo", "echo")}
	agg := NewAggregator(src, nil)

	got, err := agg.Execute(context.Background(), "echo:echo", map[string]any{"x": 1})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if string(got) != `{"x":1}` {
		t.Errorf("Execute() = %s, want {\"x\":1}", got)
	}
}

func TestAggregator_ExecuteErrors(t *testing.T) {
	closed := newMockTransport("gone", "echo")
	_ = closed.Close()
	src := mockSource{"echo": newMockTransport("echo", "echo"), "gone": closed}
	agg := NewAggregator(src, nil)

	tests := []struct {
		id   string
		want error
	}{
		{"nonexistent:tool", ErrBackendNotFound},
		{"echo:missing", ErrToolNotFound},
		{"gone:echo", ErrBackendUnavailable},
		{"", ErrInvalidToolID},
	}
	for _, tt := range tests {
		_, err := agg.Execute(context.Background(), tt.id, nil)
		if !errors.Is(err, tt.want) {
			t.Errorf("Execute(%q) error = %v, want %v", tt.id, err, tt.want)
		}
	}
}

func TestAggregator_SearchWithoutCatalog(t *testing.T) {
	agg := NewAggregator(mockSource{"a": newMockTransport("a", "one", "two")}, nil)

	got, err := agg.Search("a:two", 10)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "a:two" {
		t.Errorf("Search() = %+v, want a:two", got)
	}

	all, _ := agg.Search("", 1)
	if len(all) != 1 {
		t.Errorf("Search(\"\", 1) returned %d results, want 1", len(all))
	}
}

func TestAggregator_ParseToolID(t *testing.T) {
	backendName, tool, err := ParseToolID("time:get_current_time")
	if err != nil {
		t.Fatalf("ParseToolID() error = %v", err)
	}
	if backendName != "time" || tool != "get_current_time" {
		t.Errorf("ParseToolID() = (%q, %q)", backendName, tool)
	}
	if got := FormatToolID("time", "now"); got != "time:now" {
		t.Errorf("FormatToolID() = %q", got)
	}
	if got := FormatToolID("", "now"); got != "now" {
		t.Errorf("FormatToolID(\"\", now) = %q", got)
	}
}

func TestAggregator_ExecuteArgsPassThrough(t *testing.T) {
	m := newMockTransport("calc", "add")
	m.callFn = func(_ context.Context, tool string, args any) (json.RawMessage, error) {
		if tool != "add" {
			t.Errorf("tool = %q, want add", tool)
		}
		return json.RawMessage(`{"sum":3}`), nil
	}
	agg := NewAggregator(mockSource{"calc": m}, nil)
	got, err := agg.Execute(context.Background(), "calc:add", map[string]int{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if string(got) != `{"sum":3}` {
		t.Errorf("Execute() = %s", got)
	}
}
