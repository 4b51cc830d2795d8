package calls

import "time"

// Session is one phone call, inbound or outbound.
//
// Lifecycle invariant: initiated -> in_progress -> {completed, failed}.
// completed is also reachable straight from initiated (immediate hangup),
// and failed is reachable from any non-terminal state. Terminal sessions
// are immutable except for duration backfill.

type Session struct {
	ID        string `json:"id" db:"id"`
	AccountID string `json:"account_id" db:"account_id"`
	LineID    string `json:"line_id" db:"line_id"`

	Direction Direction `json:"direction" db:"direction"`

	// CarrierCallID is the carrier's identifier (e.g. CallSid).
	CarrierCallID string `json:"carrier_call_id" db:"carrier_call_id"`

	Status Status `json:"status" db:"status"`

	ConnectedAt      *time.Time `json:"connected_at,omitempty" db:"connected_at"`
	SecondsConnected int        `json:"seconds_connected" db:"seconds_connected"`

	// ReminderID links reminder-delivery calls to their reminder.
	ReminderID string `json:"reminder_id,omitempty" db:"reminder_id"`

	TestCall bool `json:"test_call" db:"test_call"`

	ToolInvocations int `json:"tool_invocations" db:"tool_invocations"`

	EndReason string `json:"end_reason,omitempty" db:"end_reason"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// canTransition encodes the session state machine.
func canTransition(from, to Status) bool {
	switch to {
	case StatusInProgress:
		return from == StatusInitiated
	case StatusCompleted:
		return from == StatusInitiated || from == StatusInProgress
	case StatusFailed:
		return !from.Terminal()
	default:
		return false
	}
}

// Event is an append-only, pre-sanitized record of something that happened
// on a call. Payload has already passed through the sanitizer allowlist.
type Event struct {
	ID        string `json:"id" db:"id"`
	SessionID string `json:"session_id" db:"session_id"`

	Type    string         `json:"type" db:"type"`
	Payload map[string]any `json:"payload" db:"payload"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
