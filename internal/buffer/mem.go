package buffer

import (
	"context"
	"sync"
)

type memStore struct {
	mu    sync.RWMutex
	items []Item
}

func newMemStore() *memStore { return &memStore{} }

func (m *memStore) Add(ctx context.Context, it Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, it)
	return nil
}

func (m *memStore) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, it := range m.items {
		if it.ID == id {
			m.items = append(m.items[:i], m.items[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *memStore) List(ctx context.Context) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Item(nil), m.items...), nil
}

func (m *memStore) Close() error { return nil }
