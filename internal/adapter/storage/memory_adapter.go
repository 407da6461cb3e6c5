package storage

import (
	"context"
	"sync"
)

type memoryRecord struct {
	quantity int64
	version  int64
}

// MemoryStore is an in-memory ConditionalStore for tests and single-node
// deployments without a durable backend. The mutex makes ConditionalPut a
// true atomic compare-and-swap.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]memoryRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]memoryRecord)}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (int64, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[key]
	if !ok {
		return 0, 0, nil
	}
	return rec.quantity, rec.version, nil
}

func (m *MemoryStore) ConditionalPut(ctx context.Context, key string, quantity int64, expectedVersion int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.records[key].version
	if current != expectedVersion {
		return false, nil
	}

	m.records[key] = memoryRecord{quantity: quantity, version: current + 1}
	return true, nil
}

// Seed installs a record directly, bypassing version checks. Test setup only.
func (m *MemoryStore) Seed(key string, quantity, version int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = memoryRecord{quantity: quantity, version: version}
}
