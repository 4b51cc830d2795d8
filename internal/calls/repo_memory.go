package calls

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo is an in-memory session repository for tests and early
// development. Events are kept in append order per session.
type MemoryRepo struct {
	mu       sync.Mutex
	sessions map[string]Session
	events   map[string][]Event
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		sessions: make(map[string]Session),
		events:   make(map[string][]Event),
	}
}

func (m *MemoryRepo) Insert(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryRepo) Get(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryRepo) GetByCarrierCallID(_ context.Context, carrierCallID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.CarrierCallID != "" && s.CarrierCallID == carrierCallID {
			return s, nil
		}
	}
	return Session{}, ErrNotFound
}

func (m *MemoryRepo) Update(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return ErrNotFound
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryRepo) AppendEvent(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.SessionID] = append(m.events[e.SessionID], e)
	return nil
}

func (m *MemoryRepo) IncrementToolInvocations(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return 0, ErrNotFound
	}
	s.ToolInvocations++
	m.sessions[id] = s
	return s.ToolInvocations, nil
}

func (m *MemoryRepo) ListCompletedSince(_ context.Context, lineID string, since time.Time) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if s.LineID == lineID && s.Status == StatusCompleted && !s.UpdatedAt.Before(since) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Events returns the recorded events for a session, in order. Test helper.
func (m *MemoryRepo) Events(sessionID string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events[sessionID]))
	copy(out, m.events[sessionID])
	return out
}
