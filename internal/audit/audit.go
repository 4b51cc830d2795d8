package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is an immutable, append-only audit record.
//
// Invariants:
// - Events are never updated or deleted.
// - Audit logging is best-effort; critical flows never block on it.

type Event struct {
	ID string `json:"id" db:"id"`

	Type EventType `json:"type" db:"type"`

	AccountID string `json:"account_id,omitempty" db:"account_id"`
	LineID    string `json:"line_id,omitempty" db:"line_id"`
	SessionID string `json:"session_id,omitempty" db:"session_id"`

	// Scope and Key identify the subject of rate-limit decisions.
	Scope string `json:"scope,omitempty" db:"scope"`
	Key   string `json:"key,omitempty" db:"key"`

	Message  string `json:"message,omitempty" db:"message"`
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeRateLimitAllowed EventType = "rate_limit_allowed"
	EventTypeRateLimitBlocked EventType = "rate_limit_blocked"
	EventTypeRateLimitBypass  EventType = "rate_limit_bypass"
	EventTypeReminderMutation EventType = "reminder_mutation"
	EventTypeOptOut           EventType = "line_opt_out"
	EventTypeSafetyNotify     EventType = "safety_notification"
)

// Repository is the persistence contract. It MUST be append-only; no
// Update/Delete methods are provided.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

var ErrInvalidEvent = errors.New("audit: invalid event")

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// LogRateLimit records one limiter decision (allowed, blocked or bypass).
func (s *Service) LogRateLimit(ctx context.Context, typ EventType, scope, key, reason string) error {
	return s.Append(ctx, Event{Type: typ, Scope: scope, Key: key, Message: reason})
}

// LogReminderMutation records before/after values for a voice-driven
// reminder change.
func (s *Service) LogReminderMutation(ctx context.Context, lineID, sessionID, reminderID, beforeAfter string) error {
	return s.Append(ctx, Event{
		Type:      EventTypeReminderMutation,
		LineID:    lineID,
		SessionID: sessionID,
		Key:       reminderID,
		Metadata:  beforeAfter,
	})
}

// MemoryRepo keeps events in memory, append order preserved. Tests only.
type MemoryRepo struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (m *MemoryRepo) Append(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *MemoryRepo) All() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}
