package reminders

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrNotFound = errors.New("reminders: not found")

// Repository is the persistence contract for reminders.
type Repository interface {
	Insert(ctx context.Context, r Reminder) error
	Get(ctx context.Context, id string) (Reminder, error)
	Update(ctx context.Context, r Reminder) error

	// ListDue returns unpaused scheduled reminders with due_at <= now,
	// ascending, at most limit rows.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Reminder, error)

	// ListByLine returns a line's non-terminal reminders, soonest first.
	ListByLine(ctx context.Context, lineID string, limit int) ([]Reminder, error)
}

// MemoryRepo is an in-memory reminder repository for tests.
type MemoryRepo struct {
	mu    sync.Mutex
	items map[string]Reminder
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{items: make(map[string]Reminder)}
}

func (m *MemoryRepo) Insert(_ context.Context, r Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[r.ID] = r
	return nil
}

func (m *MemoryRepo) Get(_ context.Context, id string) (Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.items[id]
	if !ok {
		return Reminder{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryRepo) Update(_ context.Context, r Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[r.ID]; !ok {
		return ErrNotFound
	}
	m.items[r.ID] = r
	return nil
}

func (m *MemoryRepo) ListDue(_ context.Context, now time.Time, limit int) ([]Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Reminder
	for _, r := range m.items {
		if r.Status == StatusScheduled && !r.Paused && !r.DueAt.After(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepo) ListByLine(_ context.Context, lineID string, limit int) ([]Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Reminder
	for _, r := range m.items {
		if r.LineID == lineID && !r.Status.Terminal() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
