package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"companion-voice/internal/schedule"
)

// ScheduleStore implements schedule.Repository on Postgres.
type ScheduleStore struct {
	db *sql.DB
}

func NewScheduleStore(db *sql.DB) *ScheduleStore {
	return &ScheduleStore{db: db}
}

const scheduleColumns = `
id, account_id, line_id, days, hour, minute, enabled, next_run_at,
retry_count, last_run_at, last_result, created_at, updated_at`

func (s *ScheduleStore) Insert(ctx context.Context, sc schedule.Schedule) error {
	days, err := jsonColumn(sc.Days)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO call_schedules (` + scheduleColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err = s.db.ExecContext(ctx, q,
		sc.ID, sc.AccountID, sc.LineID, days, sc.Hour, sc.Minute, sc.Enabled,
		sc.NextRunAt.UTC(), sc.RetryCount, nullTime(sc.LastRunAt),
		nullString(sc.LastResult), sc.CreatedAt, sc.UpdatedAt,
	)
	return err
}

func (s *ScheduleStore) Get(ctx context.Context, id string) (schedule.Schedule, error) {
	const q = `SELECT` + scheduleColumns + `
FROM call_schedules
WHERE id = $1`
	sc, err := scanSchedule(s.db.QueryRowContext(ctx, q, id).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return schedule.Schedule{}, schedule.ErrNotFound
		}
		return schedule.Schedule{}, err
	}
	return sc, nil
}

func (s *ScheduleStore) Update(ctx context.Context, sc schedule.Schedule) error {
	days, err := jsonColumn(sc.Days)
	if err != nil {
		return err
	}
	const q = `
UPDATE call_schedules
SET days = $2, hour = $3, minute = $4, enabled = $5, next_run_at = $6,
    retry_count = $7, last_run_at = $8, last_result = $9, updated_at = $10
WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q,
		sc.ID, days, sc.Hour, sc.Minute, sc.Enabled, sc.NextRunAt.UTC(),
		sc.RetryCount, nullTime(sc.LastRunAt), nullString(sc.LastResult),
		sc.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return requireRow(res, schedule.ErrNotFound)
}

func (s *ScheduleStore) ListDue(ctx context.Context, now time.Time, limit int) ([]schedule.Schedule, error) {
	const q = `SELECT` + scheduleColumns + `
FROM call_schedules
WHERE enabled = true AND next_run_at <= $1
ORDER BY next_run_at
LIMIT $2`
	return s.list(ctx, q, now.UTC(), limit)
}

func (s *ScheduleStore) ListByLine(ctx context.Context, lineID string) ([]schedule.Schedule, error) {
	const q = `SELECT` + scheduleColumns + `
FROM call_schedules
WHERE line_id = $1
ORDER BY created_at`
	return s.list(ctx, q, lineID)
}

func (s *ScheduleStore) list(ctx context.Context, q string, args ...any) ([]schedule.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func scanSchedule(scan func(...any) error) (schedule.Schedule, error) {
	var (
		sc         schedule.Schedule
		days       []byte
		lastRunAt  sql.NullTime
		lastResult sql.NullString
	)
	err := scan(
		&sc.ID,
		&sc.AccountID,
		&sc.LineID,
		&days,
		&sc.Hour,
		&sc.Minute,
		&sc.Enabled,
		&sc.NextRunAt,
		&sc.RetryCount,
		&lastRunAt,
		&lastResult,
		&sc.CreatedAt,
		&sc.UpdatedAt,
	)
	if err != nil {
		return schedule.Schedule{}, err
	}
	if err := scanJSON(days, &sc.Days); err != nil {
		return schedule.Schedule{}, err
	}
	sc.LastRunAt = timePtr(lastRunAt)
	sc.LastResult = lastResult.String
	return sc, nil
}
