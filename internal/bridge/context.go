package bridge

import (
	"context"
	"fmt"
	"strings"

	"companion-voice/internal/lines"
	"companion-voice/internal/memories"
	"companion-voice/internal/reminders"
)

const (
	baseInstructions = "You are a warm, patient voice companion for an elderly caller. " +
		"Speak clearly and unhurried, one question at a time. Never pretend to be a person; " +
		"if asked, say plainly you are an automated companion. Never give medical, legal or " +
		"financial advice; suggest talking to family or a professional instead."

	// lowMinutesThreshold is the remaining-minutes level that gets a gentle
	// heads-up woven into the opening context.
	lowMinutesThreshold = 10

	contextMemoryLimit = 25
)

// CallContext is everything assembled at stream start for the agent.
type CallContext struct {
	Line    lines.Line
	Account lines.Account

	FirstCall bool
	Memories  []memories.Memory

	// Reminder is set on reminder-delivery calls.
	Reminder *reminders.Reminder
}

// AssembleContext gathers per-caller state. Memory failures degrade to an
// empty list; a companionship call without memories beats no call.
func AssembleContext(ctx context.Context, mems *memories.Service, rems reminders.Repository,
	line lines.Line, account lines.Account, reminderID string) CallContext {

	cc := CallContext{Line: line, Account: account, FirstCall: line.LastCallAt == nil}
	if mems != nil {
		if list, err := mems.ListActive(ctx, line.ID, contextMemoryLimit); err == nil {
			cc.Memories = list
		}
	}
	if reminderID != "" && rems != nil {
		if r, err := rems.Get(ctx, reminderID); err == nil {
			cc.Reminder = &r
		}
	}
	return cc
}

// Instructions renders the agent prompt for this call.
func (cc CallContext) Instructions() string {
	var b strings.Builder
	b.WriteString(baseInstructions)

	if cc.FirstCall {
		b.WriteString("\n\nThis is your first call with this person. Introduce yourself, " +
			"explain you can chat, set reminders and remember things they tell you, and ask " +
			"what they'd like to be called.")
	}

	if cc.Reminder != nil {
		b.WriteString("\n\nThis call is a reminder delivery. Near the start, gently deliver " +
			"this reminder: \"" + cc.Reminder.Message + "\". Offer to snooze it if now is a bad time.")
	}

	if len(cc.Line.SeedInterests) > 0 {
		b.WriteString("\n\nTopics they enjoy: " + strings.Join(cc.Line.SeedInterests, ", ") + ".")
	}
	if len(cc.Line.AvoidTopics) > 0 {
		b.WriteString("\nDo not bring up: " + strings.Join(cc.Line.AvoidTopics, ", ") + ".")
	}

	if len(cc.Memories) > 0 {
		b.WriteString("\n\nThings you remember about them:")
		for _, m := range cc.Memories {
			b.WriteString("\n- " + m.Key + ": " + m.Value)
		}
	}

	if cc.Account.Status == lines.AccountStatusTrial {
		if rem := cc.Account.MinutesRemaining(); rem > 0 && rem <= lowMinutesThreshold {
			b.WriteString(fmt.Sprintf("\n\nOnly about %d calling minutes remain this month. "+
				"If a natural moment comes, mention it kindly.", rem))
		}
	}
	return b.String()
}
