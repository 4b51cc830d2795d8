package schedule

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"companion-voice/internal/audit"
	"companion-voice/internal/calls"
	"companion-voice/internal/lines"
	"companion-voice/internal/reminders"
)

// Attempt outcomes recorded on the schedule row.
const (
	ResultPlaced         = "placed"
	ResultSkippedQuiet   = "skipped_quiet_hours"
	ResultSkippedOptOut  = "skipped_opt_out"
	ResultSkippedAccount = "skipped_account"
	ResultFailed         = "failed"
)

const (
	batchSize = 50

	// Failed schedule occurrences retry twice, 15 minutes apart, then the
	// occurrence is abandoned and the schedule advances. Reminders never
	// retry; a failed delivery is a miss.
	maxRetries   = 2
	retrySpacing = 15 * time.Minute
)

// Originator places an outbound call through the carrier and returns the
// carrier's call id.
type Originator interface {
	Place(ctx context.Context, call OriginateCall) (string, error)
}

type OriginateCall struct {
	To         string
	LineID     string
	ReminderID string
	ScheduleID string
}

// Worker polls for due schedules and due reminders and originates the calls.
//
// Run owns the loop: one goroutine, one pass at a time. A pass that overruns
// the interval delays the next pass instead of overlapping it.
type Worker struct {
	schedules Repository
	reminders reminders.Repository
	lines     lines.Repository
	calls     *calls.Manager
	origin    Originator
	guard     calls.LineGuard
	audit     *audit.Service
	log       *slog.Logger

	interval  time.Duration
	defaultTZ string
	clock     func() time.Time
}

type WorkerParams struct {
	Schedules Repository
	Reminders reminders.Repository
	Lines     lines.Repository
	Calls     *calls.Manager
	Origin    Originator
	Guard     calls.LineGuard
	Audit     *audit.Service
	Log       *slog.Logger

	Interval  time.Duration
	DefaultTZ string
}

func NewWorker(p WorkerParams) *Worker {
	if p.Log == nil {
		p.Log = slog.Default()
	}
	if p.Interval <= 0 {
		p.Interval = 30 * time.Second
	}
	return &Worker{
		schedules: p.Schedules,
		reminders: p.Reminders,
		lines:     p.Lines,
		calls:     p.Calls,
		origin:    p.Origin,
		guard:     p.Guard,
		audit:     p.Audit,
		log:       p.Log,
		interval:  p.Interval,
		defaultTZ: p.DefaultTZ,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for tests.
func (w *Worker) WithClock(clock func() time.Time) *Worker {
	w.clock = clock
	return w
}

// Run blocks until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info("scheduler started", "interval", w.interval)
	for {
		select {
		case <-ctx.Done():
			w.log.Info("scheduler stopped")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single pass over due schedules and due reminders.
func (w *Worker) RunOnce(ctx context.Context) {
	now := w.clock().UTC()
	w.runSchedules(ctx, now)
	w.runReminders(ctx, now)
}

func (w *Worker) runSchedules(ctx context.Context, now time.Time) {
	due, err := w.schedules.ListDue(ctx, now, batchSize)
	if err != nil {
		w.log.Error("list due schedules failed", "err", err)
		return
	}
	for _, s := range due {
		if err := w.attemptSchedule(ctx, s, now); err != nil {
			w.log.Error("schedule attempt failed", "schedule_id", s.ID, "err", err)
		}
	}
}

func (w *Worker) attemptSchedule(ctx context.Context, s Schedule, now time.Time) error {
	line, account, result := w.checkTargets(ctx, s.LineID, now)
	if result != "" {
		// Suppressed occurrences never retry; the schedule moves straight
		// to its next occurrence.
		return w.finishOccurrence(ctx, s, now, result)
	}

	if ok, err := w.acquireLine(ctx, line.ID); err != nil || !ok {
		if err != nil {
			return err
		}
		// Line already on a call; try again next tick without burning a
		// retry.
		return nil
	}

	callID, err := w.origin.Place(ctx, OriginateCall{To: line.PhoneNumber, LineID: line.ID, ScheduleID: s.ID})
	if err != nil {
		w.releaseLine(ctx, line.ID)
		return w.recordScheduleFailure(ctx, s, now, err)
	}
	if _, err := w.calls.Create(ctx, calls.CreateParams{
		AccountID:     account.ID,
		LineID:        line.ID,
		Direction:     calls.DirectionOutbound,
		CarrierCallID: callID,
	}); err != nil {
		// The carrier call is already live; leaving next_run_at in the
		// past would dial the line a second time on the next tick.
		w.log.Error("session create failed after placement",
			"schedule_id", s.ID, "carrier_call_id", callID, "err", err)
	}
	return w.finishOccurrence(ctx, s, now, ResultPlaced)
}

// finishOccurrence records the result and advances to the next occurrence.
func (w *Worker) finishOccurrence(ctx context.Context, s Schedule, now time.Time, result string) error {
	line, err := w.lines.GetLine(ctx, s.LineID)
	var loc *time.Location
	if err != nil {
		loc = time.UTC
	} else {
		loc = line.Location(w.defaultTZ)
	}
	// Advance from one minute past now so the occurrence just handled is
	// never picked again.
	next, err := s.NextRun(now.Add(time.Minute), loc)
	if err != nil {
		return err
	}
	at := now
	s.LastRunAt = &at
	s.LastResult = result
	s.RetryCount = 0
	s.NextRunAt = next
	s.UpdatedAt = now
	if result != ResultPlaced {
		w.log.Info("scheduled call suppressed",
			"schedule_id", s.ID, "line_id", s.LineID, "result", result, "next_run_at", next)
	}
	return w.schedules.Update(ctx, s)
}

func (w *Worker) recordScheduleFailure(ctx context.Context, s Schedule, now time.Time, cause error) error {
	if s.RetryCount < maxRetries {
		s.RetryCount++
		s.NextRunAt = now.Add(retrySpacing)
		s.LastResult = ResultFailed
		s.UpdatedAt = now
		w.log.Warn("call origination failed, will retry",
			"schedule_id", s.ID, "retry", s.RetryCount, "err", cause)
		return w.schedules.Update(ctx, s)
	}
	w.log.Error("call origination failed, occurrence abandoned", "schedule_id", s.ID, "err", cause)
	return w.finishOccurrence(ctx, s, now, ResultFailed)
}

func (w *Worker) runReminders(ctx context.Context, now time.Time) {
	due, err := w.reminders.ListDue(ctx, now, batchSize)
	if err != nil {
		w.log.Error("list due reminders failed", "err", err)
		return
	}
	for _, r := range due {
		if err := w.attemptReminder(ctx, r, now); err != nil {
			w.log.Error("reminder attempt failed", "reminder_id", r.ID, "err", err)
		}
	}
}

func (w *Worker) attemptReminder(ctx context.Context, r reminders.Reminder, now time.Time) error {
	if r.Status.Terminal() || r.Paused {
		return nil
	}

	line, account, result := w.checkTargets(ctx, r.LineID, now)
	switch result {
	case "":
	case ResultSkippedQuiet:
		// Delivery waits for the quiet window to end rather than being
		// dropped.
		return w.deferReminder(ctx, r, now)
	default:
		return w.missReminder(ctx, r, now, result)
	}

	if ok, err := w.acquireLine(ctx, line.ID); err != nil || !ok {
		if err != nil {
			return err
		}
		return nil
	}

	callID, err := w.origin.Place(ctx, OriginateCall{To: line.PhoneNumber, LineID: line.ID, ReminderID: r.ID})
	if err != nil {
		w.releaseLine(ctx, line.ID)
		return w.missReminder(ctx, r, now, ResultFailed)
	}
	if _, err := w.calls.Create(ctx, calls.CreateParams{
		AccountID:     account.ID,
		LineID:        line.ID,
		Direction:     calls.DirectionOutbound,
		CarrierCallID: callID,
		ReminderID:    r.ID,
	}); err != nil {
		// The reminder call is already ringing; settle rather than
		// redialing it next tick.
		w.log.Error("session create failed after placement",
			"reminder_id", r.ID, "carrier_call_id", callID, "err", err)
	}
	return w.settleReminder(ctx, r, now, reminders.StatusSent)
}

// deferReminder pushes the due time past the line's quiet window.
func (w *Worker) deferReminder(ctx context.Context, r reminders.Reminder, now time.Time) error {
	line, err := w.lines.GetLine(ctx, r.LineID)
	if err != nil {
		return err
	}
	next := now
	// Probe forward in quarter-hour steps; quiet windows are bounded by a
	// day, so the scan always terminates.
	for i := 0; i < 96 && line.InQuietHours(next, w.defaultTZ); i++ {
		next = next.Add(15 * time.Minute)
	}
	r.DueAt = next
	r.UpdatedAt = now
	w.log.Info("reminder deferred past quiet hours", "reminder_id", r.ID, "due_at", next)
	return w.reminders.Update(ctx, r)
}

// settleReminder marks the reminder's outcome and, for recurring reminders,
// schedules the next occurrence on the same row.
func (w *Worker) settleReminder(ctx context.Context, r reminders.Reminder, now time.Time, status reminders.Status) error {
	before := string(r.Status)
	if !r.Recur.IsZero() {
		loc := time.UTC
		if line, err := w.lines.GetLine(ctx, r.LineID); err == nil {
			loc = line.Location(w.defaultTZ)
		}
		if next, ok := r.Recur.NextAfter(r.DueAt, loc); ok {
			if status == reminders.StatusMissed {
				// The series continues, but this occurrence was missed;
				// keep that visible in the audit trail.
				w.auditReminder(ctx, r, before, string(status))
				before = string(status)
			}
			r.DueAt = next
			r.Status = reminders.StatusScheduled
			r.SnoozeCount = 0
			r.OriginalDueAt = nil
			r.UpdatedAt = now
			w.auditReminder(ctx, r, before, "scheduled")
			return w.reminders.Update(ctx, r)
		}
	}
	r.Status = status
	r.UpdatedAt = now
	w.auditReminder(ctx, r, before, string(status))
	return w.reminders.Update(ctx, r)
}

func (w *Worker) missReminder(ctx context.Context, r reminders.Reminder, now time.Time, reason string) error {
	w.log.Warn("reminder delivery missed", "reminder_id", r.ID, "reason", reason)
	return w.settleReminder(ctx, r, now, reminders.StatusMissed)
}

func (w *Worker) auditReminder(ctx context.Context, r reminders.Reminder, before, after string) {
	if w.audit == nil {
		return
	}
	if err := w.audit.LogReminderMutation(ctx, r.LineID, "", r.ID, before+"->"+after); err != nil {
		w.log.Warn("audit append failed", "reminder_id", r.ID, "err", err)
	}
}

// checkTargets resolves the line and account and applies the suppression
// rules shared by schedules and reminders. An empty result means the call
// may proceed.
func (w *Worker) checkTargets(ctx context.Context, lineID string, now time.Time) (lines.Line, lines.Account, string) {
	line, err := w.lines.GetLine(ctx, lineID)
	if err != nil {
		return lines.Line{}, lines.Account{}, ResultSkippedAccount
	}
	if line.DoNotCall || !line.Enabled || !line.Verified {
		return line, lines.Account{}, ResultSkippedOptOut
	}
	account, err := w.lines.GetAccount(ctx, line.AccountID)
	if err != nil || !account.Callable() || account.SpendingCapReached() {
		return line, account, ResultSkippedAccount
	}
	if account.Status == lines.AccountStatusTrial && account.MinutesRemaining() == 0 {
		return line, account, ResultSkippedAccount
	}
	if line.InQuietHours(now, w.defaultTZ) {
		return line, account, ResultSkippedQuiet
	}
	return line, account, ""
}

func (w *Worker) acquireLine(ctx context.Context, lineID string) (bool, error) {
	if w.guard == nil {
		return true, nil
	}
	ok, err := w.guard.Acquire(ctx, lineID)
	if err != nil {
		return false, errors.Join(errors.New("schedule: line guard acquire failed"), err)
	}
	return ok, nil
}

func (w *Worker) releaseLine(ctx context.Context, lineID string) {
	if w.guard != nil {
		w.guard.Release(ctx, lineID)
	}
}
