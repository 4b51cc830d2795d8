package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"companion-voice/internal/insights"
)

// InsightStore implements insights.Repository on Postgres. The session_id
// unique constraint enforces at-most-once insights per call.
type InsightStore struct {
	db *sql.DB
}

func NewInsightStore(db *sql.DB) *InsightStore {
	return &InsightStore{db: db}
}

func (s *InsightStore) Insert(ctx context.Context, r insights.Record) error {
	const q = `
INSERT INTO insight_records (id, session_id, account_id, line_id, ciphertext, nonce, tag, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.db.ExecContext(ctx, q,
		r.ID, r.SessionID, r.AccountID, r.LineID, r.Ciphertext, r.Nonce, r.Tag, r.CreatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return insights.ErrDuplicate
	}
	return err
}

func (s *InsightStore) GetBySession(ctx context.Context, sessionID string) (insights.Record, error) {
	const q = `
SELECT id, session_id, account_id, line_id, ciphertext, nonce, tag, created_at
FROM insight_records
WHERE session_id = $1`
	var r insights.Record
	err := s.db.QueryRowContext(ctx, q, sessionID).Scan(
		&r.ID, &r.SessionID, &r.AccountID, &r.LineID,
		&r.Ciphertext, &r.Nonce, &r.Tag, &r.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return insights.Record{}, insights.ErrNotFound
		}
		return insights.Record{}, err
	}
	return r, nil
}

func (s *InsightStore) ListByLine(ctx context.Context, lineID string, since time.Time) ([]insights.Record, error) {
	const q = `
SELECT id, session_id, account_id, line_id, ciphertext, nonce, tag, created_at
FROM insight_records
WHERE line_id = $1 AND created_at >= $2
ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, q, lineID, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []insights.Record
	for rows.Next() {
		var r insights.Record
		err := rows.Scan(
			&r.ID, &r.SessionID, &r.AccountID, &r.LineID,
			&r.Ciphertext, &r.Nonce, &r.Tag, &r.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *InsightStore) GetBaseline(ctx context.Context, lineID string) (insights.Baseline, error) {
	const q = `
SELECT line_id, avg_engagement, avg_duration_seconds, calls_per_week, answer_rate,
       mood_distribution, recent_concern_codes, sample_size, updated_at
FROM line_baselines
WHERE line_id = $1`
	var (
		b     insights.Baseline
		mood  []byte
		codes []byte
	)
	err := s.db.QueryRowContext(ctx, q, lineID).Scan(
		&b.LineID, &b.AvgEngagement, &b.AvgDurationSeconds, &b.CallsPerWeek,
		&b.AnswerRate, &mood, &codes, &b.SampleSize, &b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return insights.Baseline{}, insights.ErrNotFound
		}
		return insights.Baseline{}, err
	}
	if err := scanJSON(mood, &b.MoodDistribution); err != nil {
		return insights.Baseline{}, err
	}
	if err := scanJSON(codes, &b.RecentConcernCodes); err != nil {
		return insights.Baseline{}, err
	}
	return b, nil
}

func (s *InsightStore) PutBaseline(ctx context.Context, b insights.Baseline) error {
	mood, err := jsonColumn(b.MoodDistribution)
	if err != nil {
		return err
	}
	codes, err := jsonColumn(b.RecentConcernCodes)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO line_baselines (line_id, avg_engagement, avg_duration_seconds, calls_per_week,
                            answer_rate, mood_distribution, recent_concern_codes, sample_size, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (line_id) DO UPDATE
SET avg_engagement = EXCLUDED.avg_engagement,
    avg_duration_seconds = EXCLUDED.avg_duration_seconds,
    calls_per_week = EXCLUDED.calls_per_week,
    answer_rate = EXCLUDED.answer_rate,
    mood_distribution = EXCLUDED.mood_distribution,
    recent_concern_codes = EXCLUDED.recent_concern_codes,
    sample_size = EXCLUDED.sample_size,
    updated_at = EXCLUDED.updated_at`
	_, err = s.db.ExecContext(ctx, q,
		b.LineID, b.AvgEngagement, b.AvgDurationSeconds, b.CallsPerWeek,
		b.AnswerRate, mood, codes, b.SampleSize, b.UpdatedAt,
	)
	return err
}

// isUniqueViolation matches Postgres unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
