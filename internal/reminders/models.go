package reminders

import "time"

// Reminder is a message delivered to a line via an outbound call at due_at.
//
// Terminal states are sent, missed and canceled. due_at is stored UTC; the
// timezone is kept so recurrence math can run in the user's local time.
type Reminder struct {
	ID        string `json:"id" db:"id"`
	AccountID string `json:"account_id" db:"account_id"`
	LineID    string `json:"line_id" db:"line_id"`

	DueAt    time.Time `json:"due_at" db:"due_at"`
	Timezone string    `json:"timezone" db:"timezone"`

	Message string `json:"message" db:"message"`

	// Recur is empty for one-shot reminders.
	Recur Recurrence `json:"recur" db:"recur"`

	Status Status `json:"status" db:"status"`
	Paused bool   `json:"paused" db:"paused"`

	// OriginalDueAt anchors the pre-snooze due time so repeated snoozes
	// never lose the original schedule.
	OriginalDueAt *time.Time `json:"original_due_at,omitempty" db:"original_due_at"`
	SnoozeCount   int        `json:"snooze_count" db:"snooze_count"`

	// Private reminders are excluded from summaries shared with contacts.
	Private bool `json:"private" db:"private"`

	// CreatedInSession links voice-created reminders to their call.
	CreatedInSession string `json:"created_in_session,omitempty" db:"created_in_session"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusSent      Status = "sent"
	StatusMissed    Status = "missed"
	StatusCanceled  Status = "canceled"
)

func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusMissed || s == StatusCanceled
}

// SnoozeMinutes is the only set of accepted snooze durations.
var SnoozeMinutes = []int{15, 30, 60, 120, 1440}

func ValidSnooze(minutes int) bool {
	for _, m := range SnoozeMinutes {
		if m == minutes {
			return true
		}
	}
	return false
}

// DefaultMessage is used when the agent prompted twice and the caller never
// supplied reminder text.
const DefaultMessage = "You asked me to remind you about something."

// MaxMessageLen bounds reminder text; longer input is a business-rule
// violation, not a protocol error.
const MaxMessageLen = 500
