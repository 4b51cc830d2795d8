package store

import (
	"context"
	"database/sql"

	"companion-voice/internal/audit"
)

// AuditStore implements audit.Repository on Postgres. The table is
// append-only; no update or delete statements exist here.
type AuditStore struct {
	db *sql.DB
}

func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

func (s *AuditStore) Append(ctx context.Context, e audit.Event) error {
	const q = `
INSERT INTO audit_events (id, type, account_id, line_id, session_id, scope, key, message, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.db.ExecContext(ctx, q,
		e.ID, e.Type, nullString(e.AccountID), nullString(e.LineID),
		nullString(e.SessionID), nullString(e.Scope), nullString(e.Key),
		nullString(e.Message), nullString(e.Metadata), e.CreatedAt,
	)
	return err
}
