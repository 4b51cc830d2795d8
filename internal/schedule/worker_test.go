package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"companion-voice/internal/audit"
	"companion-voice/internal/calls"
	"companion-voice/internal/lines"
	"companion-voice/internal/reminders"
)

type fakeOriginator struct {
	placed []OriginateCall
	err    error
}

func (f *fakeOriginator) Place(_ context.Context, c OriginateCall) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.placed = append(f.placed, c)
	return "CA-test", nil
}

type fixture struct {
	worker    *Worker
	schedules *MemoryRepo
	reminders *reminders.MemoryRepo
	lines     *lines.MemoryRepo
	sessions  *calls.MemoryRepo
	origin    *fakeOriginator
	guard     *calls.MemoryLineGuard
	auditLog  *audit.MemoryRepo
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		schedules: NewMemoryRepo(),
		reminders: reminders.NewMemoryRepo(),
		lines:     lines.NewMemoryRepo(),
		sessions:  calls.NewMemoryRepo(),
		origin:    &fakeOriginator{},
		guard:     calls.NewMemoryLineGuard(),
		auditLog:  audit.NewMemoryRepo(),
		// A Monday, well clear of DST transitions.
		now: time.Date(2026, time.June, 15, 15, 0, 0, 0, time.UTC),
	}
	mgr := calls.NewManager(f.sessions, nil).WithClock(func() time.Time { return f.now })
	f.worker = NewWorker(WorkerParams{
		Schedules: f.schedules,
		Reminders: f.reminders,
		Lines:     f.lines,
		Calls:     mgr,
		Origin:    f.origin,
		Guard:     f.guard,
		Audit:     audit.NewService(f.auditLog),
		DefaultTZ: "UTC",
	}).WithClock(func() time.Time { return f.now })

	f.lines.PutLine(lines.Line{
		ID: "line-1", AccountID: "acct-1", PhoneNumber: "+15550100",
		Timezone: "UTC", Enabled: true, Verified: true,
	})
	f.lines.PutAccount(lines.Account{
		ID: "acct-1", Status: lines.AccountStatusActive, IncludedMinutes: 100,
	})
	return f
}

func (f *fixture) putSchedule(t *testing.T, s Schedule) {
	t.Helper()
	if err := f.schedules.Insert(context.Background(), s); err != nil {
		t.Fatalf("Insert schedule: %v", err)
	}
}

func dueSchedule(now time.Time) Schedule {
	return Schedule{
		ID: "sched-1", AccountID: "acct-1", LineID: "line-1",
		Days: []time.Weekday{time.Monday}, Hour: 15, Minute: 0,
		Enabled: true, NextRunAt: now,
	}
}

func TestWorkerPlacesDueSchedule(t *testing.T) {
	f := newFixture(t)
	f.putSchedule(t, dueSchedule(f.now))

	f.worker.RunOnce(context.Background())

	if len(f.origin.placed) != 1 {
		t.Fatalf("placed %d calls, want 1", len(f.origin.placed))
	}
	if f.origin.placed[0].ScheduleID != "sched-1" || f.origin.placed[0].To != "+15550100" {
		t.Fatalf("placed call = %+v", f.origin.placed[0])
	}

	s, _ := f.schedules.Get(context.Background(), "sched-1")
	if s.LastResult != ResultPlaced {
		t.Fatalf("LastResult = %q, want %q", s.LastResult, ResultPlaced)
	}
	if s.RetryCount != 0 {
		t.Fatalf("RetryCount = %d, want 0", s.RetryCount)
	}
	// Next Monday 15:00 UTC.
	want := time.Date(2026, time.June, 22, 15, 0, 0, 0, time.UTC)
	if !s.NextRunAt.Equal(want) {
		t.Fatalf("NextRunAt = %v, want %v", s.NextRunAt, want)
	}
}

func TestWorkerSuppressesOptOutAndQuietHours(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(l *lines.Line)
		wantResult string
	}{
		{"do not call", func(l *lines.Line) { l.DoNotCall = true }, ResultSkippedOptOut},
		{"disabled", func(l *lines.Line) { l.Enabled = false }, ResultSkippedOptOut},
		{"unverified", func(l *lines.Line) { l.Verified = false }, ResultSkippedOptOut},
		{"quiet hours", func(l *lines.Line) {
			l.QuietHoursStart = "00:00"
			l.QuietHoursEnd = "20:00"
		}, ResultSkippedQuiet},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			line, _ := f.lines.GetLine(context.Background(), "line-1")
			tc.mutate(&line)
			f.lines.PutLine(line)
			f.putSchedule(t, dueSchedule(f.now))

			f.worker.RunOnce(context.Background())

			if len(f.origin.placed) != 0 {
				t.Fatal("suppressed schedule still placed a call")
			}
			s, _ := f.schedules.Get(context.Background(), "sched-1")
			if s.LastResult != tc.wantResult {
				t.Fatalf("LastResult = %q, want %q", s.LastResult, tc.wantResult)
			}
			if !s.NextRunAt.After(f.now) {
				t.Fatal("suppressed schedule did not advance")
			}
		})
	}
}

func TestWorkerRetriesThenAbandons(t *testing.T) {
	f := newFixture(t)
	f.origin.err = errors.New("carrier 500")
	f.putSchedule(t, dueSchedule(f.now))
	ctx := context.Background()

	for attempt := 1; attempt <= maxRetries; attempt++ {
		f.worker.RunOnce(ctx)
		s, _ := f.schedules.Get(ctx, "sched-1")
		if s.RetryCount != attempt {
			t.Fatalf("after attempt %d: RetryCount = %d", attempt, s.RetryCount)
		}
		want := f.now.Add(retrySpacing)
		if !s.NextRunAt.Equal(want) {
			t.Fatalf("after attempt %d: NextRunAt = %v, want %v", attempt, s.NextRunAt, want)
		}
		f.now = f.now.Add(retrySpacing)
	}

	// Third failure abandons the occurrence and advances.
	f.worker.RunOnce(ctx)
	s, _ := f.schedules.Get(ctx, "sched-1")
	if s.RetryCount != 0 {
		t.Fatalf("RetryCount = %d, want 0 after abandon", s.RetryCount)
	}
	if s.LastResult != ResultFailed {
		t.Fatalf("LastResult = %q, want %q", s.LastResult, ResultFailed)
	}
	if !s.NextRunAt.After(f.now.Add(time.Hour)) {
		t.Fatalf("NextRunAt = %v, want next weekly occurrence", s.NextRunAt)
	}

	// The guard was released on every failure.
	if ok, _ := f.guard.Acquire(ctx, "line-1"); !ok {
		t.Fatal("line guard leaked after failed originations")
	}
}

func TestWorkerSkipsBusyLineWithoutBurningRetry(t *testing.T) {
	f := newFixture(t)
	f.guard.Acquire(context.Background(), "line-1")
	f.putSchedule(t, dueSchedule(f.now))

	f.worker.RunOnce(context.Background())

	if len(f.origin.placed) != 0 {
		t.Fatal("placed a call on a busy line")
	}
	s, _ := f.schedules.Get(context.Background(), "sched-1")
	if s.RetryCount != 0 || !s.NextRunAt.Equal(f.now) {
		t.Fatalf("busy line mutated schedule: %+v", s)
	}
}

func TestReminderDeliveryMarksSent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.reminders.Insert(ctx, reminders.Reminder{
		ID: "rem-1", AccountID: "acct-1", LineID: "line-1",
		DueAt: f.now.Add(-time.Minute), Timezone: "UTC",
		Message: "take your medication", Status: reminders.StatusScheduled,
	})

	f.worker.RunOnce(ctx)

	if len(f.origin.placed) != 1 || f.origin.placed[0].ReminderID != "rem-1" {
		t.Fatalf("placed = %+v, want one reminder call", f.origin.placed)
	}
	r, _ := f.reminders.Get(ctx, "rem-1")
	if r.Status != reminders.StatusSent {
		t.Fatalf("Status = %q, want sent", r.Status)
	}
}

func TestRecurringReminderReschedules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	recur, err := reminders.ParseRule("FREQ=DAILY")
	if err != nil {
		t.Fatalf("ParseRule: %v", err)
	}
	due := f.now.Add(-time.Minute)
	orig := due.Add(-time.Hour)
	f.reminders.Insert(ctx, reminders.Reminder{
		ID: "rem-1", AccountID: "acct-1", LineID: "line-1",
		DueAt: due, Timezone: "UTC", Message: "water the plants",
		Status: reminders.StatusScheduled, Recur: recur,
		SnoozeCount: 2, OriginalDueAt: &orig,
	})

	f.worker.RunOnce(ctx)

	r, _ := f.reminders.Get(ctx, "rem-1")
	if r.Status != reminders.StatusScheduled {
		t.Fatalf("Status = %q, want scheduled", r.Status)
	}
	if want := due.Add(24 * time.Hour); !r.DueAt.Equal(want) {
		t.Fatalf("DueAt = %v, want %v", r.DueAt, want)
	}
	if r.SnoozeCount != 0 || r.OriginalDueAt != nil {
		t.Fatal("snooze state not reset on recurrence advance")
	}
}

func TestReminderFailureMarksMissedWithoutRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.origin.err = errors.New("carrier 500")
	f.reminders.Insert(ctx, reminders.Reminder{
		ID: "rem-1", AccountID: "acct-1", LineID: "line-1",
		DueAt: f.now.Add(-time.Minute), Timezone: "UTC",
		Message: "call your daughter", Status: reminders.StatusScheduled,
	})

	f.worker.RunOnce(ctx)

	r, _ := f.reminders.Get(ctx, "rem-1")
	if r.Status != reminders.StatusMissed {
		t.Fatalf("Status = %q, want missed", r.Status)
	}
}

func TestReminderDeferredPastQuietHours(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	line, _ := f.lines.GetLine(ctx, "line-1")
	line.QuietHoursStart = "00:00"
	line.QuietHoursEnd = "20:00"
	f.lines.PutLine(line)

	f.reminders.Insert(ctx, reminders.Reminder{
		ID: "rem-1", AccountID: "acct-1", LineID: "line-1",
		DueAt: f.now.Add(-time.Minute), Timezone: "UTC",
		Message: "evening walk", Status: reminders.StatusScheduled,
	})

	f.worker.RunOnce(ctx)

	if len(f.origin.placed) != 0 {
		t.Fatal("placed a call during quiet hours")
	}
	r, _ := f.reminders.Get(ctx, "rem-1")
	if r.Status != reminders.StatusScheduled {
		t.Fatalf("Status = %q, want still scheduled", r.Status)
	}
	if r.DueAt.Before(time.Date(2026, time.June, 15, 20, 0, 0, 0, time.UTC)) {
		t.Fatalf("DueAt = %v, want at or after quiet-hours end", r.DueAt)
	}
}

type insertFailRepo struct {
	*calls.MemoryRepo
}

func (r *insertFailRepo) Insert(context.Context, calls.Session) error {
	return errors.New("store down")
}

func TestWorkerAdvancesScheduleWhenSessionInsertFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mgr := calls.NewManager(&insertFailRepo{MemoryRepo: f.sessions}, nil).
		WithClock(func() time.Time { return f.now })
	f.worker = NewWorker(WorkerParams{
		Schedules: f.schedules,
		Reminders: f.reminders,
		Lines:     f.lines,
		Calls:     mgr,
		Origin:    f.origin,
		Guard:     f.guard,
		DefaultTZ: "UTC",
	}).WithClock(func() time.Time { return f.now })
	f.putSchedule(t, dueSchedule(f.now))

	f.worker.RunOnce(ctx)

	// The carrier call went out; the occurrence must advance even though
	// the session row was lost.
	s, _ := f.schedules.Get(ctx, "sched-1")
	if s.LastResult != ResultPlaced {
		t.Fatalf("LastResult = %q, want %q", s.LastResult, ResultPlaced)
	}
	want := time.Date(2026, time.June, 22, 15, 0, 0, 0, time.UTC)
	if !s.NextRunAt.Equal(want) {
		t.Fatalf("NextRunAt = %v, want %v", s.NextRunAt, want)
	}

	f.worker.RunOnce(ctx)
	if len(f.origin.placed) != 1 {
		t.Fatalf("placed %d calls, want 1; the line would have been dialed twice", len(f.origin.placed))
	}
}

func TestMissedRecurringReminderKeepsMissOnRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.origin.err = errors.New("carrier 500")
	recur, err := reminders.ParseRule("FREQ=DAILY")
	if err != nil {
		t.Fatalf("ParseRule: %v", err)
	}
	due := f.now.Add(-time.Minute)
	f.reminders.Insert(ctx, reminders.Reminder{
		ID: "rem-1", AccountID: "acct-1", LineID: "line-1",
		DueAt: due, Timezone: "UTC", Message: "water the plants",
		Status: reminders.StatusScheduled, Recur: recur,
	})

	f.worker.RunOnce(ctx)

	r, _ := f.reminders.Get(ctx, "rem-1")
	if r.Status != reminders.StatusScheduled {
		t.Fatalf("Status = %q, want scheduled", r.Status)
	}
	if want := due.Add(24 * time.Hour); !r.DueAt.Equal(want) {
		t.Fatalf("DueAt = %v, want %v", r.DueAt, want)
	}

	var missed, rescheduled bool
	for _, e := range f.auditLog.All() {
		switch e.Metadata {
		case "scheduled->missed":
			missed = true
		case "missed->scheduled":
			rescheduled = true
		}
	}
	if !missed || !rescheduled {
		t.Fatalf("audit trail missing the missed occurrence: %+v", f.auditLog.All())
	}
}
