package tools

import (
	"encoding/json"

	"companion-voice/internal/agent"
)

// Schemas returns the tool definitions advertised to the agent. Keep the
// names aligned with the sanitizer's canonical tool list.
func Schemas() []agent.ToolSchema {
	obj := func(props string) json.RawMessage {
		return json.RawMessage(`{"type":"object","properties":` + props + `}`)
	}
	return []agent.ToolSchema{
		{
			Name:        "set_reminder",
			Description: "Set a reminder for the caller at a local date and time. Ask for the message first; confirm before setting.",
			Parameters: obj(`{
				"date":{"type":"string","description":"YYYY-MM-DD in the caller's timezone"},
				"time":{"type":"string","description":"HH:MM 24-hour, caller-local"},
				"message":{"type":"string"},
				"recurrence":{"type":"string","description":"Optional FREQ=DAILY|WEEKLY|MONTHLY rule"},
				"private":{"type":"boolean"}}`),
		},
		{
			Name:        "snooze_reminder",
			Description: "Push a reminder back by an accepted number of minutes: 15, 30, 60, 120 or 1440.",
			Parameters: obj(`{
				"reminder_id":{"type":"string"},
				"minutes":{"type":"integer"}}`),
		},
		{
			Name:        "edit_reminder",
			Description: "Change a reminder's message or its date and time.",
			Parameters: obj(`{
				"reminder_id":{"type":"string"},
				"message":{"type":"string"},
				"date":{"type":"string"},
				"time":{"type":"string"}}`),
		},
		{
			Name:        "pause_reminder",
			Description: "Pause a reminder without deleting it.",
			Parameters:  obj(`{"reminder_id":{"type":"string"}}`),
		},
		{
			Name:        "resume_reminder",
			Description: "Resume a paused reminder.",
			Parameters:  obj(`{"reminder_id":{"type":"string"}}`),
		},
		{
			Name:        "cancel_reminder",
			Description: "Cancel a reminder permanently.",
			Parameters:  obj(`{"reminder_id":{"type":"string"}}`),
		},
		{
			Name:        "store_memory",
			Description: "Remember a fact, preference or follow-up the caller shared.",
			Parameters: obj(`{
				"kind":{"type":"string","enum":["fact","preference","follow_up"]},
				"key":{"type":"string","description":"Short label, e.g. grandson_name"},
				"value":{"type":"string"},
				"confidence":{"type":"number"},
				"private":{"type":"boolean"}}`),
		},
		{
			Name:        "update_memory",
			Description: "Correct something previously remembered.",
			Parameters: obj(`{
				"query":{"type":"string","description":"Words describing the existing note"},
				"new_value":{"type":"string"}}`),
		},
		{
			Name:        "forget_memory",
			Description: "Forget a remembered note the caller no longer wants kept.",
			Parameters:  obj(`{"query":{"type":"string"}}`),
		},
		{
			Name:        "mark_private",
			Description: "Keep a remembered note out of any family summaries.",
			Parameters:  obj(`{"query":{"type":"string"}}`),
		},
		{
			Name:        "log_safety_concern",
			Description: "Record a wellbeing concern heard on the call. Use tier high only for immediate danger.",
			Parameters: obj(`{
				"tier":{"type":"string","enum":["low","medium","high"]},
				"description":{"type":"string"}}`),
		},
		{
			Name:        "choose_overage_action",
			Description: "Apply the caller's choice when included minutes run out mid-call.",
			Parameters:  obj(`{"action":{"type":"string","enum":["continue","end"]}}`),
		},
		{
			Name:        "request_upgrade",
			Description: "Send the family a plan-upgrade link when the caller asks for more time.",
			Parameters:  obj(`{}`),
		},
		{
			Name:        "log_call_insights",
			Description: "At the end of a substantial call, record mood, engagement, topics and concerns.",
			Parameters: obj(`{
				"mood":{"type":"number"},
				"engagement":{"type":"number"},
				"social_need":{"type":"number"},
				"topics":{"type":"array","items":{"type":"object","properties":{"topic":{"type":"string"},"weight":{"type":"number"}}}},
				"concerns":{"type":"array","items":{"type":"object","properties":{"code":{"type":"string"},"severity":{"type":"string"}}}},
				"follow_up":{"type":"boolean"},
				"follow_up_reasons":{"type":"array","items":{"type":"string"}},
				"confidence":{"type":"number"},
				"private_topics":{"type":"array","items":{"type":"string"}}}`),
		},
	}
}
