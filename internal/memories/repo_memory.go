package memories

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo keeps encrypted records in memory. Tests only.
type MemoryRepo struct {
	mu    sync.Mutex
	items map[string]Record
	seq   int
	order map[string]int
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{items: make(map[string]Record), order: make(map[string]int)}
}

func (m *MemoryRepo) Insert(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.order[r.ID] = m.seq
	m.items[r.ID] = r
	return nil
}

func (m *MemoryRepo) Get(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.items[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryRepo) Deactivate(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	r.Active = false
	m.items[id] = r
	return nil
}

func (m *MemoryRepo) SetPrivate(_ context.Context, id string, private bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	r.Private = private
	m.items[id] = r
	return nil
}

func (m *MemoryRepo) ListActive(_ context.Context, lineID string, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.items {
		if r.LineID == lineID && r.Active {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.order[out[i].ID] > m.order[out[j].ID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Corrupt flips a byte of a record's ciphertext. Test helper for the
// decrypt-isolation path.
func (m *MemoryRepo) Corrupt(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.items[id]
	if len(r.Ciphertext) > 0 {
		r.Ciphertext[0] ^= 0xff
	}
	m.items[id] = r
}
