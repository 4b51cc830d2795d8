package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"companion-voice/internal/calls"
)

// CallStore implements calls.Repository on Postgres. call_events is
// append-only.
type CallStore struct {
	db *sql.DB
}

func NewCallStore(db *sql.DB) *CallStore {
	return &CallStore{db: db}
}

const sessionColumns = `
id, account_id, line_id, direction, carrier_call_id, status, connected_at,
seconds_connected, reminder_id, test_call, tool_invocations, end_reason,
created_at, updated_at`

func scanSession(row *sql.Row) (calls.Session, error) {
	var (
		s           calls.Session
		connectedAt sql.NullTime
		reminderID  sql.NullString
	)
	err := row.Scan(
		&s.ID,
		&s.AccountID,
		&s.LineID,
		&s.Direction,
		&s.CarrierCallID,
		&s.Status,
		&connectedAt,
		&s.SecondsConnected,
		&reminderID,
		&s.TestCall,
		&s.ToolInvocations,
		&s.EndReason,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calls.Session{}, calls.ErrNotFound
		}
		return calls.Session{}, err
	}
	s.ConnectedAt = timePtr(connectedAt)
	s.ReminderID = reminderID.String
	return s, nil
}

func (s *CallStore) Insert(ctx context.Context, sess calls.Session) error {
	const q = `
INSERT INTO call_sessions (` + sessionColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := s.db.ExecContext(ctx, q,
		sess.ID, sess.AccountID, sess.LineID, sess.Direction, sess.CarrierCallID,
		sess.Status, nullTime(sess.ConnectedAt), sess.SecondsConnected,
		nullString(sess.ReminderID), sess.TestCall, sess.ToolInvocations,
		sess.EndReason, sess.CreatedAt, sess.UpdatedAt,
	)
	return err
}

func (s *CallStore) Get(ctx context.Context, id string) (calls.Session, error) {
	const q = `SELECT` + sessionColumns + `
FROM call_sessions
WHERE id = $1`
	return scanSession(s.db.QueryRowContext(ctx, q, id))
}

func (s *CallStore) GetByCarrierCallID(ctx context.Context, carrierCallID string) (calls.Session, error) {
	const q = `SELECT` + sessionColumns + `
FROM call_sessions
WHERE carrier_call_id = $1
ORDER BY created_at DESC
LIMIT 1`
	return scanSession(s.db.QueryRowContext(ctx, q, carrierCallID))
}

func (s *CallStore) Update(ctx context.Context, sess calls.Session) error {
	const q = `
UPDATE call_sessions
SET status = $2, connected_at = $3, seconds_connected = $4,
    tool_invocations = $5, end_reason = $6, updated_at = $7
WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q,
		sess.ID, sess.Status, nullTime(sess.ConnectedAt), sess.SecondsConnected,
		sess.ToolInvocations, sess.EndReason, sess.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return requireRow(res, calls.ErrNotFound)
}

func (s *CallStore) AppendEvent(ctx context.Context, e calls.Event) error {
	payload, err := jsonColumn(e.Payload)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO call_events (id, session_id, type, payload, created_at)
VALUES ($1, $2, $3, $4, $5)`
	_, err = s.db.ExecContext(ctx, q, e.ID, e.SessionID, e.Type, payload, e.CreatedAt)
	return err
}

func (s *CallStore) IncrementToolInvocations(ctx context.Context, id string) (int, error) {
	const q = `
UPDATE call_sessions
SET tool_invocations = tool_invocations + 1, updated_at = now()
WHERE id = $1
RETURNING tool_invocations`
	var n int
	if err := s.db.QueryRowContext(ctx, q, id).Scan(&n); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, calls.ErrNotFound
		}
		return 0, err
	}
	return n, nil
}

func (s *CallStore) ListCompletedSince(ctx context.Context, lineID string, since time.Time) ([]calls.Session, error) {
	const q = `SELECT` + sessionColumns + `
FROM call_sessions
WHERE line_id = $1 AND status = $2 AND updated_at >= $3
ORDER BY updated_at`
	rows, err := s.db.QueryContext(ctx, q, lineID, calls.StatusCompleted, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calls.Session
	for rows.Next() {
		var (
			sess        calls.Session
			connectedAt sql.NullTime
			reminderID  sql.NullString
		)
		err := rows.Scan(
			&sess.ID,
			&sess.AccountID,
			&sess.LineID,
			&sess.Direction,
			&sess.CarrierCallID,
			&sess.Status,
			&connectedAt,
			&sess.SecondsConnected,
			&reminderID,
			&sess.TestCall,
			&sess.ToolInvocations,
			&sess.EndReason,
			&sess.CreatedAt,
			&sess.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		sess.ConnectedAt = timePtr(connectedAt)
		sess.ReminderID = reminderID.String
		out = append(out, sess)
	}
	return out, rows.Err()
}
