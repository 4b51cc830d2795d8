// Package store holds the Postgres repositories. Each store implements its
// domain package's Repository interface; the in-memory repos in those
// packages remain the test doubles.
//
// Slice and map columns are stored as JSONB. Tables are created by
// schema.sql, applied out of band.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"companion-voice/internal/audit"
	"companion-voice/internal/calls"
	"companion-voice/internal/encryption"
	"companion-voice/internal/insights"
	"companion-voice/internal/lines"
	"companion-voice/internal/memories"
	"companion-voice/internal/reminders"
	"companion-voice/internal/schedule"
)

var (
	_ lines.Repository     = (*LineStore)(nil)
	_ calls.Repository     = (*CallStore)(nil)
	_ reminders.Repository = (*ReminderStore)(nil)
	_ schedule.Repository  = (*ScheduleStore)(nil)
	_ memories.Repository  = (*MemoryStore)(nil)
	_ insights.Repository  = (*InsightStore)(nil)
	_ audit.Repository     = (*AuditStore)(nil)
	_ encryption.KeyStore  = (*KeyStore)(nil)
)

// jsonColumn marshals a slice or map field for a JSONB column. Nil values
// store as SQL NULL.
func jsonColumn(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: encode json column: %w", err)
	}
	return encoded, nil
}

// scanJSON unmarshals a JSONB column into dst, treating NULL as empty.
func scanJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("store: decode json column: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// requireRow maps a zero-row UPDATE to the domain's not-found sentinel.
func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
