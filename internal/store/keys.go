package store

import (
	"context"
	"database/sql"
	"errors"

	"companion-voice/internal/encryption"
)

// KeyStore implements encryption.KeyStore on Postgres. Rows hold wrapped
// DEKs only; the KEK never touches the database.
type KeyStore struct {
	db *sql.DB
}

func NewKeyStore(db *sql.DB) *KeyStore {
	return &KeyStore{db: db}
}

func (s *KeyStore) GetWrappedDEK(ctx context.Context, accountID string) ([]byte, error) {
	const q = `
SELECT wrapped_dek
FROM account_keys
WHERE account_id = $1`
	var wrapped []byte
	if err := s.db.QueryRowContext(ctx, q, accountID).Scan(&wrapped); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, encryption.ErrNoKey
		}
		return nil, err
	}
	return wrapped, nil
}

func (s *KeyStore) PutWrappedDEK(ctx context.Context, accountID string, wrapped []byte) error {
	// First write wins. A losing racer must not proceed with its own key,
	// so the conflict surfaces as an error and the caller re-reads the
	// stored one.
	const q = `
INSERT INTO account_keys (account_id, wrapped_dek, created_at)
VALUES ($1, $2, now())
ON CONFLICT (account_id) DO NOTHING`
	res, err := s.db.ExecContext(ctx, q, accountID, wrapped)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return encryption.ErrKeyConflict
	}
	return nil
}
