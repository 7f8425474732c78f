package store

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore keeps the tree in process memory. Conditional updates still
// run optimistically and retry on conflict, so it behaves like the shared
// backend under concurrent goroutines.
type MemoryStore struct {
	*tree
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts Options) (*MemoryStore, error) {
	mem := &memoryEngine{entries: make(map[string]memoryEntry)}
	t, err := newTree(mem, opts)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{tree: t}, nil
}

type memoryEntry struct {
	value   json.RawMessage
	version int64
}

type memoryEngine struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

func (m *memoryEngine) get(_ context.Context, path string) (json.RawMessage, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e := m.entries[path]
	return e.value, e.version, nil
}

func (m *memoryEngine) children(_ context.Context, parent string) (map[string]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]json.RawMessage)
	for path, e := range m.entries {
		if e.value == nil {
			continue
		}
		if name, ok := childName(parent, path); ok {
			out[name] = e.value
		}
	}
	return out, nil
}

func (m *memoryEngine) put(_ context.Context, path string, value json.RawMessage, expect int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entries[path]
	if e.version != expect {
		return false, nil
	}
	next := memoryEntry{version: e.version + 1}
	if value != nil {
		next.value = append(json.RawMessage(nil), value...)
	}
	m.entries[path] = next
	return true, nil
}
