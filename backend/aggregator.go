package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/jonwraymond/tooldiscovery/index"
	"github.com/jonwraymond/toolfoundation/model"
)

// ErrInvalidToolID is returned for malformed tool IDs.
var ErrInvalidToolID = errors.New("invalid tool ID format")

// Source provides the transports of backends currently able to serve calls.
type Source interface {
	Transport(name string) (Transport, bool)
	Transports() []Transport
}

// Aggregator combines tools from every live backend.
type Aggregator struct {
	source  Source
	catalog *Catalog
}

// NewAggregator creates a new tool aggregator. catalog may be nil, in which
// case Search only matches exact tool IDs.
func NewAggregator(source Source, catalog *Catalog) *Aggregator {
	return &Aggregator{source: source, catalog: catalog}
}

// ListAllTools returns the cached tools of every live backend, sorted by ID.
func (a *Aggregator) ListAllTools(_ context.Context) []model.Tool {
	all := make([]model.Tool, 0)
	for _, t := range a.source.Transports() {
		for _, tool := range t.Tools() {
			if tool.Namespace == "" {
				tool.Namespace = t.Name()
			}
			all = append(all, tool)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return FormatToolID(all[i].Namespace, all[i].Name) < FormatToolID(all[j].Namespace, all[j].Name)
	})
	return all
}

// Execute invokes a tool addressed as "backend:tool".
func (a *Aggregator) Execute(ctx context.Context, toolID string, args any) (json.RawMessage, error) {
	backendName, tool, err := ParseToolID(toolID)
	if err != nil {
		return nil, err
	}
	if backendName == "" {
		return nil, ErrInvalidToolID
	}

	t, ok := a.source.Transport(backendName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBackendNotFound, backendName)
	}
	select {
	case <-t.Done():
		return nil, fmt.Errorf("%w: %s", ErrBackendUnavailable, backendName)
	default:
	}
	return t.CallTool(ctx, tool, args)
}

// Search ranks tools across backends for query.
func (a *Aggregator) Search(query string, limit int) ([]index.Summary, error) {
	if a.catalog != nil {
		return a.catalog.Search(query, limit)
	}
	out := make([]index.Summary, 0)
	for _, tool := range a.ListAllTools(context.Background()) {
		id := FormatToolID(tool.Namespace, tool.Name)
		if query == "" || id == query || tool.Name == query {
			out = append(out, index.Summary{
				ID:               id,
				Name:             tool.Name,
				Namespace:        tool.Namespace,
				ShortDescription: tool.Description,
				Tags:             tool.Tags,
			})
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ParseToolID splits a tool ID into backend and tool name.
func ParseToolID(id string) (backendName, tool string, err error) {
	backendName, tool, err = model.ParseToolID(id)
	if err != nil {
		return "", "", ErrInvalidToolID
	}
	return backendName, tool, nil
}

// FormatToolID builds a tool ID from backend and tool name.
func FormatToolID(backendName, tool string) string {
	if backendName == "" {
		return tool
	}
	return fmt.Sprintf("%s:%s", backendName, tool)
}
