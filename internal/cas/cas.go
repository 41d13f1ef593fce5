// Package cas is the builder's content-addressed cache for downloaded
// wheel sets, keyed by internal/artifact.FetchKey: a Registry client for
// the remote blob store plus a small in-process index so one build never
// asks the remote twice about the same digest.
package cas

import (
	"context"
	"sync"

	"github.com/k8ika0s/island-registry/internal/artifact"
)

// Index answers whether a wheel-set digest is already cached.
type Index interface {
	Has(ctx context.Context, id artifact.ID) (bool, error)
}

// MemoryIndex is a thread-safe in-process Index, layered in front of the
// remote Registry to memoize its answers within one builder process.
type MemoryIndex struct {
	mu    sync.RWMutex
	items map[string]struct{}
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{items: make(map[string]struct{})}
}

func (m *MemoryIndex) Has(_ context.Context, id artifact.ID) (bool, error) {
	m.mu.RLock()
	_, ok := m.items[id.Digest]
	m.mu.RUnlock()
	return ok, nil
}

// Add records an artifact digest as present.
func (m *MemoryIndex) Add(id artifact.ID) {
	m.mu.Lock()
	m.items[id.Digest] = struct{}{}
	m.mu.Unlock()
}
