package ledger

import (
	"context"
	"sync"
	"time"
)

type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryStore creates a store that keeps entries in memory only.
// It is used by preview runs and tests.
func NewMemoryStore() Store {
	return &memoryStore{entries: make(map[string]*Entry)}
}

func (m *memoryStore) Load(_ context.Context) (map[string]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	recoverInterrupted(m.entries, time.Now().UTC())

	result := make(map[string]*Entry, len(m.entries))
	for id, e := range m.entries {
		result[id] = e.Clone()
	}
	return result, nil
}

func (m *memoryStore) Upsert(_ context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.entries[entry.ItemID]; ok && existing.AttemptCount > entry.AttemptCount {
		return nil
	}
	m.entries[entry.ItemID] = entry.Clone()
	return nil
}

func (*memoryStore) Flush(_ context.Context) error {
	return nil
}

func (*memoryStore) Close() error {
	return nil
}
