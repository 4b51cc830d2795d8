package store

import (
	"context"
	"database/sql"
	"errors"

	"companion-voice/internal/memories"
)

// MemoryStore implements memories.Repository on Postgres. Rows are
// append-only history; updates deactivate the predecessor and insert a new
// version.
type MemoryStore struct {
	db *sql.DB
}

func NewMemoryStore(db *sql.DB) *MemoryStore {
	return &MemoryStore{db: db}
}

const memoryColumns = `
id, account_id, line_id, kind, key, ciphertext, nonce, tag, confidence,
source, private, version, active, supersedes, created_at`

func (s *MemoryStore) Insert(ctx context.Context, r memories.Record) error {
	const q = `
INSERT INTO memory_records (` + memoryColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err := s.db.ExecContext(ctx, q,
		r.ID, r.AccountID, r.LineID, r.Kind, r.Key, r.Ciphertext, r.Nonce,
		r.Tag, r.Confidence, r.Source, r.Private, r.Version, r.Active,
		nullString(r.Supersedes), r.CreatedAt,
	)
	return err
}

func (s *MemoryStore) Get(ctx context.Context, id string) (memories.Record, error) {
	const q = `SELECT` + memoryColumns + `
FROM memory_records
WHERE id = $1`
	r, err := scanMemoryRecord(s.db.QueryRowContext(ctx, q, id).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return memories.Record{}, memories.ErrNotFound
		}
		return memories.Record{}, err
	}
	return r, nil
}

func (s *MemoryStore) Deactivate(ctx context.Context, id string) error {
	const q = `
UPDATE memory_records
SET active = false
WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return err
	}
	return requireRow(res, memories.ErrNotFound)
}

func (s *MemoryStore) SetPrivate(ctx context.Context, id string, private bool) error {
	const q = `
UPDATE memory_records
SET private = $2
WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q, id, private)
	if err != nil {
		return err
	}
	return requireRow(res, memories.ErrNotFound)
}

func (s *MemoryStore) ListActive(ctx context.Context, lineID string, limit int) ([]memories.Record, error) {
	const q = `SELECT` + memoryColumns + `
FROM memory_records
WHERE line_id = $1 AND active = true
ORDER BY created_at DESC
LIMIT $2`
	rows, err := s.db.QueryContext(ctx, q, lineID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []memories.Record
	for rows.Next() {
		r, err := scanMemoryRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanMemoryRecord(scan func(...any) error) (memories.Record, error) {
	var (
		r          memories.Record
		supersedes sql.NullString
	)
	err := scan(
		&r.ID,
		&r.AccountID,
		&r.LineID,
		&r.Kind,
		&r.Key,
		&r.Ciphertext,
		&r.Nonce,
		&r.Tag,
		&r.Confidence,
		&r.Source,
		&r.Private,
		&r.Version,
		&r.Active,
		&supersedes,
		&r.CreatedAt,
	)
	if err != nil {
		return memories.Record{}, err
	}
	r.Supersedes = supersedes.String
	return r, nil
}
