package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

// Memory is a Store held in process memory. It is safe for concurrent use.
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string][]byte)}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, collection, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[collection][id]
	if !ok {
		return nil, NotFound(collection, id)
	}
	return clone(v), nil
}

// GetAll implements Store.
func (m *Memory) GetAll(_ context.Context, collection string) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([][]byte, 0, len(m.data[collection]))
	for _, id := range m.sortedIDs(collection) {
		out = append(out, clone(m.data[collection][id]))
	}
	return out, nil
}

// Put implements Store.
func (m *Memory) Put(_ context.Context, collection, id string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.data[collection]
	if !ok {
		c = make(map[string][]byte)
		m.data[collection] = c
	}
	c[id] = clone(data)
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data[collection], id)
	return nil
}

// CompareAndSwap implements Store.
func (m *Memory) CompareAndSwap(_ context.Context, collection, id string, old, new []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.data[collection][id]
	if !ok {
		return false, NotFound(collection, id)
	}
	if !bytes.Equal(cur, old) {
		return false, nil
	}
	m.data[collection][id] = clone(new)
	return true, nil
}

// Page implements Store.
func (m *Memory) Page(_ context.Context, collection, afterID string, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.sortedIDs(collection)
	start := sort.SearchStrings(ids, afterID)
	if start < len(ids) && ids[start] == afterID {
		start++
	}

	var out []Entry
	for _, id := range ids[start:] {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, Entry{ID: id, Data: clone(m.data[collection][id])})
	}
	return out, nil
}

// Len returns the number of records in a collection.
func (m *Memory) Len(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data[collection])
}

func (m *Memory) sortedIDs(collection string) []string {
	ids := make([]string, 0, len(m.data[collection]))
	for id := range m.data[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

var _ Store = (*Memory)(nil)
