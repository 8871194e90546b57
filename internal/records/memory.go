package records

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory record Store with the same merge rules as PostgresStore
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[Key]ImageRecord
}

// NewMemoryStore creates a store seeded with recs
func NewMemoryStore(recs ...ImageRecord) *MemoryStore {
	m := &MemoryStore{recs: make(map[Key]ImageRecord, len(recs))}
	for _, r := range recs {
		m.recs[r.Key()] = r
	}
	return m
}

// Page implements Store
func (m *MemoryStore) Page(_ context.Context, filter Filter, after *Key, limit int) ([]ImageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []ImageRecord
	for key, r := range m.recs {
		if after != nil && !after.Less(key) {
			continue
		}
		if filter.Match(&r) {
			matched = append(matched, r)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Key().Less(matched[j].Key()) })
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// Get implements Store
func (m *MemoryStore) Get(_ context.Context, key Key) (*ImageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.recs[key]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

// Upsert implements Store
func (m *MemoryStore) Upsert(_ context.Context, recs []ImageRecord) error {
	for i := range recs {
		if err := recs[i].Validate(); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range recs {
		existing, ok := m.recs[r.Key()]
		if !ok {
			m.recs[r.Key()] = r
			continue
		}
		if r.OptimizedURL == nil {
			r.OptimizedURL = existing.OptimizedURL
		}
		r.IsOptimized = r.IsOptimized || existing.IsOptimized
		r.IsUploaded = r.IsUploaded || existing.IsUploaded
		r.IsPerfect = r.IsPerfect || existing.IsPerfect
		if existing.UpdatedAt.After(r.UpdatedAt) {
			r.UpdatedAt = existing.UpdatedAt
		}
		r.ImageType = existing.ImageType
		r.SourceURL = existing.SourceURL
		m.recs[r.Key()] = r
	}
	return nil
}

// Insert implements Store
func (m *MemoryStore) Insert(_ context.Context, recs []ImageRecord) (int, error) {
	for i := range recs {
		if err := recs[i].Validate(); err != nil {
			return 0, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	inserted := 0
	for _, r := range recs {
		if _, ok := m.recs[r.Key()]; ok {
			continue
		}
		m.recs[r.Key()] = r
		inserted++
	}
	return inserted, nil
}

// Count implements Store
func (m *MemoryStore) Count(_ context.Context, filter Filter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, r := range m.recs {
		if filter.Match(&r) {
			count++
		}
	}
	return count, nil
}

// All returns every record ordered by key
func (m *MemoryStore) All() []ImageRecord {
	recs, _ := m.Page(context.Background(), FilterAll, nil, int(^uint(0)>>1))
	return recs
}
