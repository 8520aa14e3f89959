package backend

import (
	"fmt"
	"sync"

	"github.com/jonwraymond/tooldiscovery/index"
	"github.com/jonwraymond/tooldiscovery/search"
	"github.com/jonwraymond/toolfoundation/model"
)

// Catalog indexes the tools of every running backend for ranked search.
// Each backend's entries are replaced wholesale when it restarts.
type Catalog struct {
	mu    sync.Mutex
	idx   index.Index
	owned map[string][]string // backend -> tool IDs
}

// NewCatalog creates a catalog backed by an in-memory BM25 index.
func NewCatalog() *Catalog {
	return NewCatalogWithIndex(index.NewInMemoryIndex(index.IndexOptions{
		Searcher: search.NewBM25Searcher(search.BM25Config{}),
	}))
}

// NewCatalogWithIndex creates a catalog over an existing index.
func NewCatalogWithIndex(idx index.Index) *Catalog {
	return &Catalog{idx: idx, owned: make(map[string][]string)}
}

// Index replaces the entries owned by backendName with tools.
func (c *Catalog) Index(backendName string, tools []model.Tool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.forgetLocked(backendName)
	if len(tools) == 0 {
		return nil
	}
	named := make([]model.Tool, len(tools))
	ids := make([]string, len(tools))
	for i, t := range tools {
		t.Namespace = backendName
		named[i] = t
		ids[i] = FormatToolID(backendName, t.Name)
	}
	if err := c.idx.RegisterToolsFromMCP(backendName, named); err != nil {
		return fmt.Errorf("index %s tools: %w", backendName, err)
	}
	c.owned[backendName] = ids
	return nil
}

// Forget drops every entry owned by backendName.
func (c *Catalog) Forget(backendName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgetLocked(backendName)
}

func (c *Catalog) forgetLocked(backendName string) {
	for _, id := range c.owned[backendName] {
		_ = c.idx.UnregisterBackend(id, model.BackendKindMCP, backendName)
	}
	delete(c.owned, backendName)
}

// Search returns up to limit summaries ranked for query.
func (c *Catalog) Search(query string, limit int) ([]index.Summary, error) {
	return c.idx.Search(query, limit)
}

// Len returns the number of indexed tools.
func (c *Catalog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ids := range c.owned {
		n += len(ids)
	}
	return n
}
