package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"companion-voice/internal/localtime"
	"companion-voice/internal/ratelimit"
	"companion-voice/internal/reminders"
)

const spokenTimeLayout = "Monday, January 2 at 3:04 PM"

type setReminderArgs struct {
	Date       string `json:"date"` // YYYY-MM-DD, caller-local
	Time       string `json:"time"` // HH:MM, caller-local
	Message    string `json:"message"`
	Recurrence string `json:"recurrence"` // FREQ=... rule, empty for one-shot
	Private    bool   `json:"private"`
}

func (d *Dispatcher) setReminder(ctx context.Context, inv invocation) (Result, map[string]any) {
	if !inv.line.AllowVoiceReminderControl {
		return fail(codeNotPermitted, "Reminder changes by phone are turned off for this line."), nil
	}

	var args setReminderArgs
	if err := unmarshalArgs(inv.args, &args); err != nil {
		return fail(codeInvalidArgs, "I couldn't make sense of that reminder."), nil
	}

	loc := inv.line.Location(d.cfg.DefaultTimezone)
	due, err := parseLocalDateTime(args.Date, args.Time, loc)
	if err != nil {
		return fail(codeInvalidArgs, "I couldn't make sense of that date and time."), nil
	}

	now := d.clock().UTC()
	if due.Before(now) {
		return fail("in_past", "That time has already passed."), nil
	}
	if due.Before(now.Add(d.cfg.MinReminderLead)) {
		return fail("too_soon", fmt.Sprintf("Reminders need at least %d minutes of lead time.",
			int(d.cfg.MinReminderLead.Minutes()))), nil
	}

	recur, err := reminders.ParseRule(args.Recurrence)
	if err != nil {
		return fail(codeInvalidArgs, "I couldn't make sense of that repeat pattern."), nil
	}

	msg := strings.TrimSpace(args.Message)
	if msg == "" {
		msg = reminders.DefaultMessage
	}
	if len(msg) > reminders.MaxMessageLen {
		return fail("message_too_long", "That reminder message is too long. Could you shorten it?"), nil
	}

	if d.limiter != nil {
		if dec := d.limiter.Check(ctx, ratelimit.ScopeSession, inv.session.ID); !dec.Allowed {
			return fail("reminder_limit", "We've set quite a few reminders this call. Let's do the rest next time."), nil
		}
	}

	r := reminders.Reminder{
		ID:               uuid.NewString(),
		AccountID:        inv.account.ID,
		LineID:           inv.line.ID,
		DueAt:            due,
		Timezone:         loc.String(),
		Message:          msg,
		Recur:            recur,
		Status:           reminders.StatusScheduled,
		Private:          args.Private,
		CreatedInSession: inv.session.ID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := d.reminders.Insert(ctx, r); err != nil {
		d.log.Error("reminder insert failed", "session_id", inv.session.ID, "err", err)
		return fail(codeInternal, "I couldn't save that reminder just now."), nil
	}
	d.auditReminder(ctx, inv, r.ID, "->scheduled")

	spoken := "Okay, I'll remind you on " + due.In(loc).Format(spokenTimeLayout) + "."
	if !recur.IsZero() {
		spoken = "Okay, I'll remind you starting " + due.In(loc).Format(spokenTimeLayout) + ", and it will repeat."
	}
	fields := map[string]any{"reminderId": r.ID, "dueAt": due, "recurring": !recur.IsZero()}
	if !recur.IsZero() {
		fields["frequency"] = string(recur.Frequency)
	}
	return ok(spoken, map[string]any{"reminder_id": r.ID}), fields
}

type snoozeArgs struct {
	ReminderID string `json:"reminder_id"`
	Minutes    int    `json:"minutes"`
}

func (d *Dispatcher) snoozeReminder(ctx context.Context, inv invocation) (Result, map[string]any) {
	if !inv.line.AllowVoiceReminderControl {
		return fail(codeNotPermitted, "Reminder changes by phone are turned off for this line."), nil
	}
	var args snoozeArgs
	if err := unmarshalArgs(inv.args, &args); err != nil {
		return fail(codeInvalidArgs, "I couldn't make sense of that."), nil
	}
	if !reminders.ValidSnooze(args.Minutes) {
		return fail(codeInvalidArgs, "I can snooze for 15 minutes, 30 minutes, an hour, two hours, or a day."), nil
	}

	r, res := d.ownedReminder(ctx, inv, args.ReminderID)
	if res != nil {
		return res, nil
	}
	if r.SnoozeCount >= d.cfg.SnoozesPerReminder {
		return fail("snooze_limit", "That reminder has been snoozed as many times as it can be."), nil
	}

	now := d.clock().UTC()
	if r.OriginalDueAt == nil {
		orig := r.DueAt
		r.OriginalDueAt = &orig
	}
	r.DueAt = r.DueAt.Add(time.Duration(args.Minutes) * time.Minute)
	r.SnoozeCount++
	r.UpdatedAt = now
	if err := d.reminders.Update(ctx, r); err != nil {
		return fail(codeInternal, "I couldn't snooze that just now."), nil
	}
	d.auditReminder(ctx, inv, r.ID, fmt.Sprintf("snooze+%dm", args.Minutes))

	loc := inv.line.Location(d.cfg.DefaultTimezone)
	spoken := "Alright, I'll remind you again at " + r.DueAt.In(loc).Format("3:04 PM") + "."
	return ok(spoken, nil), map[string]any{
		"reminderId": r.ID, "minutes": args.Minutes, "snoozeCount": r.SnoozeCount,
	}
}

type editReminderArgs struct {
	ReminderID string `json:"reminder_id"`
	Message    string `json:"message"`
	Date       string `json:"date"`
	Time       string `json:"time"`
}

func (d *Dispatcher) editReminder(ctx context.Context, inv invocation) (Result, map[string]any) {
	if !inv.line.AllowVoiceReminderControl {
		return fail(codeNotPermitted, "Reminder changes by phone are turned off for this line."), nil
	}
	var args editReminderArgs
	if err := unmarshalArgs(inv.args, &args); err != nil {
		return fail(codeInvalidArgs, "I couldn't make sense of that."), nil
	}
	r, res := d.ownedReminder(ctx, inv, args.ReminderID)
	if res != nil {
		return res, nil
	}

	var field string
	if msg := strings.TrimSpace(args.Message); msg != "" {
		if len(msg) > reminders.MaxMessageLen {
			return fail("message_too_long", "That reminder message is too long."), nil
		}
		r.Message = msg
		field = "message"
	}
	if args.Date != "" || args.Time != "" {
		if args.Date == "" || args.Time == "" {
			return fail(codeInvalidArgs, "I need both the new date and the new time."), nil
		}
		loc := inv.line.Location(d.cfg.DefaultTimezone)
		due, err := parseLocalDateTime(args.Date, args.Time, loc)
		if err != nil {
			return fail(codeInvalidArgs, "I couldn't make sense of that date and time."), nil
		}
		now := d.clock().UTC()
		if due.Before(now.Add(d.cfg.MinReminderLead)) {
			return fail("too_soon", "That's too soon. Reminders need a little lead time."), nil
		}
		r.DueAt = due
		r.OriginalDueAt = nil
		r.SnoozeCount = 0
		if field != "" {
			field = "message,time"
		} else {
			field = "time"
		}
	}
	if field == "" {
		return fail(codeInvalidArgs, "There was nothing to change."), nil
	}

	r.UpdatedAt = d.clock().UTC()
	if err := d.reminders.Update(ctx, r); err != nil {
		return fail(codeInternal, "I couldn't change that just now."), nil
	}
	d.auditReminder(ctx, inv, r.ID, "edit:"+field)
	return ok("Done, I've updated that reminder.", nil), map[string]any{"reminderId": r.ID, "field": field}
}

func (d *Dispatcher) pauseReminder(ctx context.Context, inv invocation) (Result, map[string]any) {
	return d.setPaused(ctx, inv, true)
}

func (d *Dispatcher) resumeReminder(ctx context.Context, inv invocation) (Result, map[string]any) {
	return d.setPaused(ctx, inv, false)
}

func (d *Dispatcher) setPaused(ctx context.Context, inv invocation, paused bool) (Result, map[string]any) {
	if !inv.line.AllowVoiceReminderControl {
		return fail(codeNotPermitted, "Reminder changes by phone are turned off for this line."), nil
	}
	var args struct {
		ReminderID string `json:"reminder_id"`
	}
	if err := unmarshalArgs(inv.args, &args); err != nil {
		return fail(codeInvalidArgs, "I couldn't make sense of that."), nil
	}
	r, res := d.ownedReminder(ctx, inv, args.ReminderID)
	if res != nil {
		return res, nil
	}

	verb := "resume"
	spoken := "Okay, that reminder is back on."
	if paused {
		verb = "pause"
		spoken = "Okay, I've paused that reminder."
	} else {
		// Resuming starts the snooze budget over.
		r.SnoozeCount = 0
		r.OriginalDueAt = nil
	}
	r.Paused = paused
	r.UpdatedAt = d.clock().UTC()
	if err := d.reminders.Update(ctx, r); err != nil {
		return fail(codeInternal, "I couldn't change that just now."), nil
	}
	d.auditReminder(ctx, inv, r.ID, verb)
	return ok(spoken, nil), map[string]any{"reminderId": r.ID}
}

func (d *Dispatcher) cancelReminder(ctx context.Context, inv invocation) (Result, map[string]any) {
	if !inv.line.AllowVoiceReminderControl {
		return fail(codeNotPermitted, "Reminder changes by phone are turned off for this line."), nil
	}
	var args struct {
		ReminderID string `json:"reminder_id"`
	}
	if err := unmarshalArgs(inv.args, &args); err != nil {
		return fail(codeInvalidArgs, "I couldn't make sense of that."), nil
	}
	r, res := d.ownedReminder(ctx, inv, args.ReminderID)
	if res != nil {
		return res, nil
	}

	before := string(r.Status)
	r.Status = reminders.StatusCanceled
	r.UpdatedAt = d.clock().UTC()
	if err := d.reminders.Update(ctx, r); err != nil {
		return fail(codeInternal, "I couldn't cancel that just now."), nil
	}
	d.auditReminder(ctx, inv, r.ID, before+"->canceled")
	return ok("Done, that reminder is canceled.", nil), map[string]any{"reminderId": r.ID}
}

// ownedReminder loads a reminder and enforces that it belongs to the call's
// line. A cross-line id is treated as not found; the caller learns nothing
// about other lines' reminders.
func (d *Dispatcher) ownedReminder(ctx context.Context, inv invocation, id string) (reminders.Reminder, Result) {
	if id == "" {
		return reminders.Reminder{}, fail(codeInvalidArgs, "Which reminder do you mean?")
	}
	r, err := d.reminders.Get(ctx, id)
	if errors.Is(err, reminders.ErrNotFound) {
		return reminders.Reminder{}, fail(codeNotFound, "I couldn't find that reminder.")
	}
	if err != nil {
		return reminders.Reminder{}, fail(codeInternal, "Something went wrong.")
	}
	if r.LineID != inv.line.ID {
		d.log.Error("cross-line reminder access blocked",
			"session_id", inv.session.ID, "line_id", inv.line.ID, "reminder_id", id)
		return reminders.Reminder{}, fail(codeForbidden, "I couldn't find that reminder.")
	}
	if r.Status.Terminal() {
		return reminders.Reminder{}, fail(codeNotFound, "That reminder is already done.")
	}
	return r, nil
}

func (d *Dispatcher) auditReminder(ctx context.Context, inv invocation, reminderID, change string) {
	if d.audit == nil {
		return
	}
	if err := d.audit.LogReminderMutation(ctx, inv.line.ID, inv.session.ID, reminderID, change); err != nil {
		d.log.Warn("audit append failed", "reminder_id", reminderID, "err", err)
	}
}

func parseLocalDateTime(date, clock string, loc *time.Location) (time.Time, error) {
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return time.Time{}, err
	}
	hm, err := time.Parse("15:04", clock)
	if err != nil {
		return time.Time{}, err
	}
	return localtime.ToUTC(day.Year(), day.Month(), day.Day(), hm.Hour(), hm.Minute(), loc), nil
}
