package embedding

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a Store kept in process memory. Used for local runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	dim     int
	records map[int64]Record
	now     func() time.Time
}

// NewMemoryStore creates an empty store for vectors of length dim.
func NewMemoryStore(dim int) *MemoryStore {
	return &MemoryStore{
		dim:     dim,
		records: make(map[int64]Record),
		now:     time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, productID int64) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[productID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (m *MemoryStore) Put(_ context.Context, rec *Record) error {
	if err := CheckDim(rec.Vector, m.dim); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	stored := *copyRecord(*rec)
	stored.Dim = m.dim
	stored.CreatedAt = now
	if prev, ok := m.records[rec.ProductID]; ok {
		stored.CreatedAt = prev.CreatedAt
	}
	stored.UpdatedAt = now
	m.records[rec.ProductID] = stored

	rec.Dim = stored.Dim
	rec.CreatedAt = stored.CreatedAt
	rec.UpdatedAt = stored.UpdatedAt
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, productID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[productID]; !ok {
		return ErrNotFound
	}
	delete(m.records, productID)
	return nil
}

func (m *MemoryStore) ListIDs(_ context.Context) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedIDs(), nil
}

func (m *MemoryStore) Count(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.records)), nil
}

func (m *MemoryStore) MarkDirty(_ context.Context, productID int64, dirty bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[productID]
	if !ok {
		return ErrNotFound
	}
	rec.IndexDirty = dirty
	m.records[productID] = rec
	return nil
}

func (m *MemoryStore) ListDirty(_ context.Context) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []int64
	for _, id := range m.sortedIDs() {
		if m.records[id].IndexDirty {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *MemoryStore) UpdateRowIDs(_ context.Context, rows map[int64]int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, row := range rows {
		rec, ok := m.records[id]
		if !ok {
			continue
		}
		rec.RowID = row
		rec.IndexDirty = false
		m.records[id] = rec
	}
	return nil
}

func (m *MemoryStore) Scan(ctx context.Context, fn func(*Record) error) error {
	m.mu.RLock()
	ids := m.sortedIDs()
	m.mu.RUnlock()

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := m.Get(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

// sortedIDs must be called with m.mu held.
func (m *MemoryStore) sortedIDs() []int64 {
	ids := make([]int64, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func copyRecord(rec Record) *Record {
	out := rec
	out.Vector = make([]float32, len(rec.Vector))
	copy(out.Vector, rec.Vector)
	return &out
}
