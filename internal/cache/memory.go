package cache

import (
	"context"
	"sync"
)

// InMemoryStorage keeps every namespace in process memory.
type InMemoryStorage struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]Entry
	opts       options
}

// NewInMemoryStorage creates an empty in-memory storage.
func NewInMemoryStorage(opts ...Option) *InMemoryStorage {
	return &InMemoryStorage{
		namespaces: make(map[string]map[string]Entry),
		opts:       buildOptions(opts),
	}
}

func (s *InMemoryStorage) Backend() string { return "in_memory" }

// Open returns the cache for namespace. Nothing is allocated until the first Store.
func (s *InMemoryStorage) Open(namespace string) Cache {
	return &namespaceCache{
		store:   &memoryNamespace{storage: s, name: namespace},
		backend: s.Backend(),
		opts:    s.opts,
	}
}

// Delete drops the namespace and all its entries.
func (s *InMemoryStorage) Delete(ctx context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.namespaces, namespace)
	return nil
}

// Len returns the number of entries in namespace, stale ones included.
func (s *InMemoryStorage) Len(namespace string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.namespaces[namespace])
}

type memoryNamespace struct {
	storage *InMemoryStorage
	name    string
}

func (m *memoryNamespace) get(ctx context.Context, key string) (Entry, bool, error) {
	m.storage.mu.RLock()
	defer m.storage.mu.RUnlock()
	e, ok := m.storage.namespaces[m.name][key]
	return e, ok, nil
}

func (m *memoryNamespace) put(ctx context.Context, key string, e Entry) error {
	m.storage.mu.Lock()
	defer m.storage.mu.Unlock()
	ns, ok := m.storage.namespaces[m.name]
	if !ok {
		ns = make(map[string]Entry)
		m.storage.namespaces[m.name] = ns
	}
	ns[key] = e
	return nil
}

func (m *memoryNamespace) clear(ctx context.Context) error {
	m.storage.mu.Lock()
	defer m.storage.mu.Unlock()
	delete(m.storage.namespaces, m.name)
	return nil
}
