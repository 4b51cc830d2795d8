package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"companion-voice/internal/lines"
)

// LineStore implements lines.Repository on Postgres.
type LineStore struct {
	db *sql.DB
}

func NewLineStore(db *sql.DB) *LineStore {
	return &LineStore{db: db}
}

const lineColumns = `
id, account_id, phone_number, timezone, quiet_hours_start, quiet_hours_end,
do_not_call, inbound_allowed, allow_voice_reminder_control, verified, enabled,
seed_interests, avoid_topics, last_call_at, created_at, updated_at`

func scanLine(row *sql.Row) (lines.Line, error) {
	var (
		l          lines.Line
		interests  []byte
		avoid      []byte
		lastCallAt sql.NullTime
	)
	err := row.Scan(
		&l.ID,
		&l.AccountID,
		&l.PhoneNumber,
		&l.Timezone,
		&l.QuietHoursStart,
		&l.QuietHoursEnd,
		&l.DoNotCall,
		&l.InboundAllowed,
		&l.AllowVoiceReminderControl,
		&l.Verified,
		&l.Enabled,
		&interests,
		&avoid,
		&lastCallAt,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return lines.Line{}, lines.ErrNotFound
		}
		return lines.Line{}, err
	}
	if err := scanJSON(interests, &l.SeedInterests); err != nil {
		return lines.Line{}, err
	}
	if err := scanJSON(avoid, &l.AvoidTopics); err != nil {
		return lines.Line{}, err
	}
	l.LastCallAt = timePtr(lastCallAt)
	return l, nil
}

func (s *LineStore) GetLine(ctx context.Context, id string) (lines.Line, error) {
	const q = `SELECT` + lineColumns + `
FROM lines
WHERE id = $1`
	return scanLine(s.db.QueryRowContext(ctx, q, id))
}

func (s *LineStore) GetLineByPhone(ctx context.Context, phone string) (lines.Line, error) {
	const q = `SELECT` + lineColumns + `
FROM lines
WHERE phone_number = $1`
	return scanLine(s.db.QueryRowContext(ctx, q, phone))
}

func (s *LineStore) GetAccount(ctx context.Context, id string) (lines.Account, error) {
	const q = `
SELECT id, status, plan_id, included_minutes, minutes_used, overage_allowed,
       spending_cap_minor, spent_minor, insights_enabled, trusted_contact_consent,
       billing_email, billing_phone
FROM accounts
WHERE id = $1`
	var a lines.Account
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&a.ID,
		&a.Status,
		&a.PlanID,
		&a.IncludedMinutes,
		&a.MinutesUsed,
		&a.OverageAllowed,
		&a.SpendingCapMinor,
		&a.SpentMinor,
		&a.InsightsEnabled,
		&a.TrustedContactConsent,
		&a.BillingEmail,
		&a.BillingPhone,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return lines.Account{}, lines.ErrNotFound
		}
		return lines.Account{}, err
	}
	return a, nil
}

func (s *LineStore) ListTrustedContacts(ctx context.Context, accountID string) ([]lines.TrustedContact, error) {
	const q = `
SELECT id, account_id, name, email, phone, enabled, notify_high_tier, prefer_sms
FROM trusted_contacts
WHERE account_id = $1
ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, q, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []lines.TrustedContact
	for rows.Next() {
		var c lines.TrustedContact
		if err := rows.Scan(
			&c.ID,
			&c.AccountID,
			&c.Name,
			&c.Email,
			&c.Phone,
			&c.Enabled,
			&c.NotifyHighTier,
			&c.PreferSMS,
		); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *LineStore) SetDoNotCall(ctx context.Context, lineID string, optOut bool) error {
	const q = `
UPDATE lines
SET do_not_call = $2, updated_at = now()
WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q, lineID, optOut)
	if err != nil {
		return err
	}
	return requireRow(res, lines.ErrNotFound)
}

func (s *LineStore) TouchLastCall(ctx context.Context, lineID string, at time.Time) error {
	const q = `
UPDATE lines
SET last_call_at = $2, updated_at = now()
WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q, lineID, at.UTC())
	if err != nil {
		return err
	}
	return requireRow(res, lines.ErrNotFound)
}
