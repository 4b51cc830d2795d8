package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"companion-voice/internal/reminders"
)

// ReminderStore implements reminders.Repository on Postgres. The recurrence
// is stored as its rule string and parsed on read.
type ReminderStore struct {
	db *sql.DB
}

func NewReminderStore(db *sql.DB) *ReminderStore {
	return &ReminderStore{db: db}
}

const reminderColumns = `
id, account_id, line_id, due_at, timezone, message, recur_rule, status, paused,
original_due_at, snooze_count, private, created_in_session, created_at, updated_at`

func (s *ReminderStore) Insert(ctx context.Context, r reminders.Reminder) error {
	const q = `
INSERT INTO reminders (` + reminderColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err := s.db.ExecContext(ctx, q,
		r.ID, r.AccountID, r.LineID, r.DueAt.UTC(), r.Timezone, r.Message,
		nullString(r.Recur.String()), r.Status, r.Paused,
		nullTime(r.OriginalDueAt), r.SnoozeCount, r.Private,
		nullString(r.CreatedInSession), r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func (s *ReminderStore) Get(ctx context.Context, id string) (reminders.Reminder, error) {
	const q = `SELECT` + reminderColumns + `
FROM reminders
WHERE id = $1`
	r, err := scanReminder(s.db.QueryRowContext(ctx, q, id).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return reminders.Reminder{}, reminders.ErrNotFound
		}
		return reminders.Reminder{}, err
	}
	return r, nil
}

func (s *ReminderStore) Update(ctx context.Context, r reminders.Reminder) error {
	const q = `
UPDATE reminders
SET due_at = $2, message = $3, recur_rule = $4, status = $5, paused = $6,
    original_due_at = $7, snooze_count = $8, private = $9, updated_at = $10
WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q,
		r.ID, r.DueAt.UTC(), r.Message, nullString(r.Recur.String()),
		r.Status, r.Paused, nullTime(r.OriginalDueAt), r.SnoozeCount,
		r.Private, r.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return requireRow(res, reminders.ErrNotFound)
}

func (s *ReminderStore) ListDue(ctx context.Context, now time.Time, limit int) ([]reminders.Reminder, error) {
	const q = `SELECT` + reminderColumns + `
FROM reminders
WHERE status = $1 AND paused = false AND due_at <= $2
ORDER BY due_at
LIMIT $3`
	return s.list(ctx, q, reminders.StatusScheduled, now.UTC(), limit)
}

func (s *ReminderStore) ListByLine(ctx context.Context, lineID string, limit int) ([]reminders.Reminder, error) {
	const q = `SELECT` + reminderColumns + `
FROM reminders
WHERE line_id = $1 AND status = $2
ORDER BY due_at
LIMIT $3`
	return s.list(ctx, q, lineID, reminders.StatusScheduled, limit)
}

func (s *ReminderStore) list(ctx context.Context, q string, args ...any) ([]reminders.Reminder, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []reminders.Reminder
	for rows.Next() {
		r, err := scanReminder(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanReminder(scan func(...any) error) (reminders.Reminder, error) {
	var (
		r             reminders.Reminder
		rule          sql.NullString
		originalDueAt sql.NullTime
		session       sql.NullString
	)
	err := scan(
		&r.ID,
		&r.AccountID,
		&r.LineID,
		&r.DueAt,
		&r.Timezone,
		&r.Message,
		&rule,
		&r.Status,
		&r.Paused,
		&originalDueAt,
		&r.SnoozeCount,
		&r.Private,
		&session,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return reminders.Reminder{}, err
	}
	if rule.Valid && rule.String != "" {
		recur, err := reminders.ParseRule(rule.String)
		if err != nil {
			return reminders.Reminder{}, err
		}
		r.Recur = recur
	}
	r.OriginalDueAt = timePtr(originalDueAt)
	r.CreatedInSession = session.String
	return r, nil
}
