package index

import (
	"context"
	"sync"
)

// MemoryIndex is an in-memory Index for tests and ephemeral servers.
type MemoryIndex struct {
	mu      sync.RWMutex
	records map[string]FileRecord
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{records: make(map[string]FileRecord)}
}

func (m *MemoryIndex) Get(ctx context.Context, name string) (FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[name]
	if !ok {
		return FileRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryIndex) Create(ctx context.Context, rec FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.Name]; ok {
		return ErrAlreadyExists
	}
	m.records[rec.Name] = rec
	return nil
}

func (m *MemoryIndex) Replace(ctx context.Context, rec FileRecord) (*FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.records[rec.Name]
	if ok {
		rec.CreatedAt = prev.CreatedAt
	}
	m.records[rec.Name] = rec
	if !ok {
		return nil, nil
	}
	return &prev, nil
}

func (m *MemoryIndex) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, name)
	return nil
}

func (m *MemoryIndex) CountByHash(ctx context.Context, hash string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, rec := range m.records {
		if rec.Hash == hash {
			n++
		}
	}
	return n, nil
}

func (m *MemoryIndex) Walk(ctx context.Context, fn func(FileRecord) error) error {
	m.mu.RLock()
	recs := make([]FileRecord, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec)
	}
	m.mu.RUnlock()

	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryIndex) Close() error { return nil }
