package storage

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/hupe1980/segtable/internal/fs"
)

// Env carries the collaborators handed to backend constructors.
type Env struct {
	FS     fs.FileSystem
	Logger *slog.Logger
}

// IndexOptions describe the index a backend is asked to build.
type IndexOptions struct {
	Name    string
	Unique  bool
	Ordered bool
	// Compare orders encoded keys.
	Compare func(a, b []byte) int
}

// StoreBackend constructs and loads writable stores.
type StoreBackend struct {
	New  func(env Env) WritableStore
	Load func(env Env, path string) (WritableStore, error)
}

// IndexBackend constructs and loads writable indexes.
type IndexBackend struct {
	// Ordered reports whether the backend keeps keys sorted.
	Ordered bool
	New     func(env Env, opts IndexOptions) WritableIndex
	Load    func(env Env, opts IndexOptions, path string) (WritableIndex, error)
}

// Registry maps backend names to constructors. A registry is built
// explicitly by its owner, there is no package level registration.
type Registry struct {
	mu      sync.RWMutex
	stores  map[string]StoreBackend
	indexes map[string]IndexBackend
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		stores:  make(map[string]StoreBackend),
		indexes: make(map[string]IndexBackend),
	}
}

// RegisterStore adds or replaces a store backend.
func (r *Registry) RegisterStore(name string, b StoreBackend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[name] = b
}

// RegisterIndex adds or replaces an index backend.
func (r *Registry) RegisterIndex(name string, b IndexBackend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexes[name] = b
}

// Store looks up a store backend.
func (r *Registry) Store(name string) (StoreBackend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.stores[name]
	if !ok {
		return StoreBackend{}, fmt.Errorf("%w: store %q", ErrUnknownBackend, name)
	}
	return b, nil
}

// Index looks up an index backend.
func (r *Registry) Index(name string) (IndexBackend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.indexes[name]
	if !ok {
		return IndexBackend{}, fmt.Errorf("%w: index %q", ErrUnknownBackend, name)
	}
	return b, nil
}

// Names lists registered store and index backend names, sorted.
func (r *Registry) Names() (stores, indexes []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for n := range r.stores {
		stores = append(stores, n)
	}
	for n := range r.indexes {
		indexes = append(indexes, n)
	}
	sort.Strings(stores)
	sort.Strings(indexes)
	return stores, indexes
}
