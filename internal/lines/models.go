package lines

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Line is a phone line belonging to an elderly user.
//
// Owned by an Account. Mutated by the dashboard and by voice tools
// (opt-out, privacy). The core treats Account as read-only.

type Line struct {
	ID        string `json:"id" db:"id"`
	AccountID string `json:"account_id" db:"account_id"`

	PhoneNumber string `json:"phone_number" db:"phone_number"`

	// Timezone is an IANA zone name; empty falls back to the account default.
	Timezone string `json:"timezone" db:"timezone"`

	// Quiet hours are local wall-clock times "HH:MM". Equal values disable
	// the window. End before start means the window crosses midnight.
	QuietHoursStart string `json:"quiet_hours_start" db:"quiet_hours_start"`
	QuietHoursEnd   string `json:"quiet_hours_end" db:"quiet_hours_end"`

	DoNotCall                 bool `json:"do_not_call" db:"do_not_call"`
	InboundAllowed            bool `json:"inbound_allowed" db:"inbound_allowed"`
	AllowVoiceReminderControl bool `json:"allow_voice_reminder_control" db:"allow_voice_reminder_control"`
	Verified                  bool `json:"verified" db:"verified"`
	Enabled                   bool `json:"enabled" db:"enabled"`

	SeedInterests []string `json:"seed_interests" db:"seed_interests"`
	AvoidTopics   []string `json:"avoid_topics" db:"avoid_topics"`

	LastCallAt *time.Time `json:"last_call_at,omitempty" db:"last_call_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Location resolves the line's timezone, falling back to defaultTZ and
// finally UTC. Invalid zones on a stored line degrade rather than fail:
// scheduling validation rejects bad zones at write time.
func (l Line) Location(defaultTZ string) *time.Location {
	for _, name := range []string{l.Timezone, defaultTZ} {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}

// InQuietHours reports whether t falls inside the line's quiet window,
// evaluated in the line's local timezone.
func (l Line) InQuietHours(t time.Time, defaultTZ string) bool {
	startMin, err1 := parseClock(l.QuietHoursStart)
	endMin, err2 := parseClock(l.QuietHoursEnd)
	if err1 != nil || err2 != nil || startMin == endMin {
		return false
	}
	local := t.In(l.Location(defaultTZ))
	nowMin := local.Hour()*60 + local.Minute()
	if startMin < endMin {
		return nowMin >= startMin && nowMin < endMin
	}
	// window crosses midnight
	return nowMin >= startMin || nowMin < endMin
}

func parseClock(s string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("lines: invalid clock %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("lines: invalid hour %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("lines: invalid minute %q", s)
	}
	return h*60 + m, nil
}

type AccountStatus string

const (
	AccountStatusTrial    AccountStatus = "trial"
	AccountStatusActive   AccountStatus = "active"
	AccountStatusPastDue  AccountStatus = "past_due"
	AccountStatusCanceled AccountStatus = "canceled"
)

// Account is read-only to the core; referenced for access checks.
type Account struct {
	ID     string        `json:"id" db:"id"`
	Status AccountStatus `json:"status" db:"status"`
	PlanID string        `json:"plan_id" db:"plan_id"`

	IncludedMinutes int  `json:"included_minutes" db:"included_minutes"`
	MinutesUsed     int  `json:"minutes_used" db:"minutes_used"`
	OverageAllowed  bool `json:"overage_allowed" db:"overage_allowed"`

	// SpendingCapMinor limits overage spend; 0 means no cap.
	SpendingCapMinor int64 `json:"spending_cap_minor" db:"spending_cap_minor"`
	SpentMinor       int64 `json:"spent_minor" db:"spent_minor"`

	InsightsEnabled       bool `json:"insights_enabled" db:"insights_enabled"`
	TrustedContactConsent bool `json:"trusted_contact_consent" db:"trusted_contact_consent"`

	BillingEmail string `json:"billing_email" db:"billing_email"`
	BillingPhone string `json:"billing_phone" db:"billing_phone"`
}

// MinutesRemaining never returns a negative value.
func (a Account) MinutesRemaining() int {
	rem := a.IncludedMinutes - a.MinutesUsed
	if rem < 0 {
		return 0
	}
	return rem
}

// SpendingCapReached reports whether overage spend hit the configured cap.
func (a Account) SpendingCapReached() bool {
	return a.SpendingCapMinor > 0 && a.SpentMinor >= a.SpendingCapMinor
}

// Callable reports whether the account may be connected at all.
func (a Account) Callable() bool {
	switch a.Status {
	case AccountStatusTrial, AccountStatusActive, AccountStatusPastDue:
		return true
	default:
		return false
	}
}

// TrustedContact receives safety notifications, gated by account-level
// consent and the contact's own preferences.
type TrustedContact struct {
	ID        string `json:"id" db:"id"`
	AccountID string `json:"account_id" db:"account_id"`

	Name  string `json:"name" db:"name"`
	Email string `json:"email" db:"email"`
	Phone string `json:"phone" db:"phone"`

	Enabled        bool `json:"enabled" db:"enabled"`
	NotifyHighTier bool `json:"notify_high_tier" db:"notify_high_tier"`

	// PreferSMS selects the channel; email is the default.
	PreferSMS bool `json:"prefer_sms" db:"prefer_sms"`
}
