package schedule

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"companion-voice/internal/localtime"
)

var (
	ErrNotFound    = errors.New("schedule: not found")
	ErrInvalidTime = errors.New("schedule: invalid time of day")
	ErrNoDays      = errors.New("schedule: empty weekday set")
)

// Schedule is a recurring outbound-call plan for a line: on the given local
// weekdays, at the given local wall-clock time, place a companionship call.
//
// next_run_at is stored UTC and recomputed from the line's timezone after
// every attempt, so wall-clock times survive DST transitions.
type Schedule struct {
	ID        string `json:"id" db:"id"`
	AccountID string `json:"account_id" db:"account_id"`
	LineID    string `json:"line_id" db:"line_id"`

	Days   []time.Weekday `json:"days_of_week" db:"days_of_week"`
	Hour   int            `json:"hour" db:"hour"`
	Minute int            `json:"minute" db:"minute"`

	Enabled bool `json:"enabled" db:"enabled"`

	NextRunAt time.Time `json:"next_run_at" db:"next_run_at"`

	// RetryCount tracks failed attempts for the current occurrence only.
	RetryCount int `json:"retry_count" db:"retry_count"`

	LastRunAt  *time.Time `json:"last_run_at,omitempty" db:"last_run_at"`
	LastResult string     `json:"last_result,omitempty" db:"last_result"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

func (s Schedule) validate() error {
	if s.Hour < 0 || s.Hour > 23 || s.Minute < 0 || s.Minute > 59 {
		return ErrInvalidTime
	}
	if len(s.Days) == 0 {
		return ErrNoDays
	}
	return nil
}

// NextRun computes the earliest occurrence at or after from in loc.
func (s Schedule) NextRun(from time.Time, loc *time.Location) (time.Time, error) {
	if err := s.validate(); err != nil {
		return time.Time{}, err
	}
	next, err := localtime.NextWeekday(from, s.Days, s.Hour, s.Minute, loc)
	if err != nil {
		return time.Time{}, err
	}
	return next.UTC(), nil
}

type Repository interface {
	Insert(ctx context.Context, s Schedule) error
	Get(ctx context.Context, id string) (Schedule, error)
	Update(ctx context.Context, s Schedule) error

	// ListDue returns enabled schedules with next_run_at <= now, ascending,
	// at most limit rows.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Schedule, error)
	ListByLine(ctx context.Context, lineID string) ([]Schedule, error)
}

// MemoryRepo is an in-memory schedule repository for tests.
type MemoryRepo struct {
	mu        sync.Mutex
	schedules map[string]Schedule
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{schedules: make(map[string]Schedule)}
}

func (m *MemoryRepo) Insert(_ context.Context, s Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[s.ID] = s
	return nil
}

func (m *MemoryRepo) Get(_ context.Context, id string) (Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return Schedule{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryRepo) Update(_ context.Context, s Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; !ok {
		return ErrNotFound
	}
	m.schedules[s.ID] = s
	return nil
}

func (m *MemoryRepo) ListDue(_ context.Context, now time.Time, limit int) ([]Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Schedule
	for _, s := range m.schedules {
		if s.Enabled && !s.NextRunAt.After(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(out[j].NextRunAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepo) ListByLine(_ context.Context, lineID string) ([]Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Schedule
	for _, s := range m.schedules {
		if s.LineID == lineID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
