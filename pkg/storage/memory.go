package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store safe for concurrent use.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Artifact
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Artifact), now: time.Now}
}

// Put stores a copy of a and returns its version.
func (m *MemoryStore) Put(ctx context.Context, a Artifact) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validateKey(a.Key); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a.Version = m.items[a.Key].Version + 1
	a.UpdatedAt = m.now().UTC()
	a.Data = append([]byte(nil), a.Data...)
	m.items[a.Key] = a
	return a.Version, nil
}

// GetLatest returns a copy of the artifact stored under key.
func (m *MemoryStore) GetLatest(ctx context.Context, key string) (Artifact, bool, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.items[key]
	if !ok {
		return Artifact{}, false, nil
	}
	a.Data = append([]byte(nil), a.Data...)
	return a, true, nil
}

// List returns the sorted keys starting with prefix.
func (m *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes key.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}
