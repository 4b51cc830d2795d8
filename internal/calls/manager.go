package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"companion-voice/internal/sanitize"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("calls: session not found")
	ErrInvalidTransition = errors.New("calls: invalid status transition")
)

// Repository is the persistence contract for call sessions and their events.
type Repository interface {
	Insert(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	GetByCarrierCallID(ctx context.Context, carrierCallID string) (Session, error)
	Update(ctx context.Context, s Session) error
	AppendEvent(ctx context.Context, e Event) error
	IncrementToolInvocations(ctx context.Context, id string) (int, error)
	ListCompletedSince(ctx context.Context, lineID string, since time.Time) ([]Session, error)
}

// Manager owns the call-session lifecycle. All event payloads pass through
// the sanitizer before they are persisted; callers never write events
// directly.
type Manager struct {
	repo  Repository
	log   *slog.Logger
	clock func() time.Time

	// OnComplete runs asynchronously after a session reaches completed.
	// Used for post-call bookkeeping like baseline recomputation; may be nil.
	OnComplete func(ctx context.Context, s Session)
}

func NewManager(repo Repository, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{repo: repo, log: log, clock: time.Now}
}

// WithClock overrides the clock for tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

type CreateParams struct {
	AccountID     string
	LineID        string
	Direction     Direction
	CarrierCallID string
	ReminderID    string
	TestCall      bool
}

func (m *Manager) Create(ctx context.Context, p CreateParams) (Session, error) {
	if p.AccountID == "" || p.LineID == "" {
		return Session{}, fmt.Errorf("calls: account and line are required")
	}
	if p.Direction != DirectionInbound && p.Direction != DirectionOutbound {
		return Session{}, fmt.Errorf("calls: invalid direction %q", p.Direction)
	}
	now := m.clock().UTC()
	s := Session{
		ID:            uuid.NewString(),
		AccountID:     p.AccountID,
		LineID:        p.LineID,
		Direction:     p.Direction,
		CarrierCallID: p.CarrierCallID,
		Status:        StatusInitiated,
		ReminderID:    p.ReminderID,
		TestCall:      p.TestCall,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.repo.Insert(ctx, s); err != nil {
		return Session{}, err
	}
	m.log.Info("call session created",
		"session_id", s.ID, "line_id", s.LineID, "direction", s.Direction, "test", s.TestCall)
	return s, nil
}

func (m *Manager) GetByID(ctx context.Context, id string) (Session, error) {
	return m.repo.Get(ctx, id)
}

// GetByCarrierCallID resolves the session for a carrier callback.
func (m *Manager) GetByCarrierCallID(ctx context.Context, carrierCallID string) (Session, error) {
	return m.repo.GetByCarrierCallID(ctx, carrierCallID)
}

// UpdateStatus applies a state-machine transition and records it as a
// state_change event.
func (m *Manager) UpdateStatus(ctx context.Context, id string, to Status, reason string) (Session, error) {
	s, err := m.repo.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if s.Status == to {
		return s, nil
	}
	if !canTransition(s.Status, to) {
		return Session{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}

	from := s.Status
	now := m.clock().UTC()
	s.Status = to
	s.UpdatedAt = now
	if to == StatusInProgress && s.ConnectedAt == nil {
		s.ConnectedAt = &now
	}
	if to.Terminal() {
		s.EndReason = reason
		if s.ConnectedAt != nil {
			s.SecondsConnected = int(now.Sub(*s.ConnectedAt) / time.Second)
		}
	}
	if err := m.repo.Update(ctx, s); err != nil {
		return Session{}, err
	}

	m.RecordEvent(ctx, id, sanitize.EventStateChange, map[string]any{
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
	}, RecordOpts{})
	return s, nil
}

// RecordOpts controls event persistence.
type RecordOpts struct {
	// SkipDebugLog suppresses the stored event for noisy tool traffic that
	// still needs the metrics side effects.
	SkipDebugLog bool
}

// RecordEvent sanitizes payload and appends it to the session's event log.
// Failures are logged, not propagated: event recording is best-effort and
// must never interrupt a live call.
func (m *Manager) RecordEvent(ctx context.Context, sessionID string, typ sanitize.EventType, payload map[string]any, opts RecordOpts) {
	kept, stripped := sanitize.Event(typ, payload)
	if len(stripped) > 0 {
		m.log.Debug("event fields redacted", "session_id", sessionID, "type", typ, "redacted", len(stripped))
	}
	if opts.SkipDebugLog {
		return
	}
	e := Event{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      string(typ),
		Payload:   kept,
		CreatedAt: m.clock().UTC(),
	}
	if err := m.repo.AppendEvent(ctx, e); err != nil {
		m.log.Warn("event append failed", "session_id", sessionID, "type", typ, "err", err)
	}
}

func (m *Manager) IncrementToolInvocations(ctx context.Context, sessionID string) (int, error) {
	return m.repo.IncrementToolInvocations(ctx, sessionID)
}

// Complete finalizes a session exactly once. Completing an already-terminal
// session is a no-op, which makes bridge teardown idempotent.
func (m *Manager) Complete(ctx context.Context, id, endReason string) (Session, error) {
	s, err := m.repo.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if s.Status.Terminal() {
		return s, nil
	}
	s, err = m.UpdateStatus(ctx, id, StatusCompleted, endReason)
	if err != nil {
		return Session{}, err
	}
	if m.OnComplete != nil {
		done := s
		go m.OnComplete(context.WithoutCancel(ctx), done)
	}
	return s, nil
}

// Fail marks a session failed with a sanitized error event carrying a fixed
// non-sensitive fallback message.
func (m *Manager) Fail(ctx context.Context, id, code string) (Session, error) {
	s, err := m.repo.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if s.Status.Terminal() {
		return s, nil
	}
	m.RecordEvent(ctx, id, sanitize.EventError, map[string]any{
		"code":             code,
		"source":           "bridge",
		"fallback_message": "The call could not be connected. Please try again shortly.",
	}, RecordOpts{})
	return m.UpdateStatus(ctx, id, StatusFailed, code)
}

// BackfillDuration updates seconds_connected on a terminal session, the one
// permitted post-completion mutation (carrier CDRs can arrive late).
func (m *Manager) BackfillDuration(ctx context.Context, id string, seconds int) error {
	s, err := m.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !s.Status.Terminal() {
		return fmt.Errorf("calls: duration backfill requires a terminal session")
	}
	s.SecondsConnected = seconds
	s.UpdatedAt = m.clock().UTC()
	return m.repo.Update(ctx, s)
}
