package reminders

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"companion-voice/internal/localtime"
)

// Recurrence is an RRULE-like descriptor:
//
//	FREQ=DAILY|WEEKLY|MONTHLY[;INTERVAL=n][;BYDAY=MO,WE][;BYMONTHDAY=n]
//
// Weekly recurrences honor an explicit weekday set; monthly ones an explicit
// day of month. A zero Recurrence means one-shot.
type Recurrence struct {
	Frequency Frequency      `json:"frequency,omitempty"`
	Interval  int            `json:"interval,omitempty"`
	Days      []time.Weekday `json:"days,omitempty"`
	MonthDay  int            `json:"month_day,omitempty"`
	EndsAt    *time.Time     `json:"ends_at,omitempty"`
}

type Frequency string

const (
	FreqDaily   Frequency = "DAILY"
	FreqWeekly  Frequency = "WEEKLY"
	FreqMonthly Frequency = "MONTHLY"
)

func (r Recurrence) IsZero() bool { return r.Frequency == "" }

func (r Recurrence) interval() int {
	if r.Interval < 1 {
		return 1
	}
	return r.Interval
}

var dayCodes = map[string]time.Weekday{
	"SU": time.Sunday, "MO": time.Monday, "TU": time.Tuesday, "WE": time.Wednesday,
	"TH": time.Thursday, "FR": time.Friday, "SA": time.Saturday,
}

var dayNames = map[time.Weekday]string{
	time.Sunday: "SU", time.Monday: "MO", time.Tuesday: "TU", time.Wednesday: "WE",
	time.Thursday: "TH", time.Friday: "FR", time.Saturday: "SA",
}

// ParseRule parses the textual rule form. Empty input is a one-shot.
func ParseRule(s string) (Recurrence, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Recurrence{}, nil
	}
	var r Recurrence
	for _, part := range strings.Split(s, ";") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return Recurrence{}, fmt.Errorf("reminders: malformed rule part %q", part)
		}
		switch strings.ToUpper(kv[0]) {
		case "FREQ":
			switch Frequency(strings.ToUpper(kv[1])) {
			case FreqDaily, FreqWeekly, FreqMonthly:
				r.Frequency = Frequency(strings.ToUpper(kv[1]))
			default:
				return Recurrence{}, fmt.Errorf("reminders: unsupported FREQ %q", kv[1])
			}
		case "INTERVAL":
			n, err := strconv.Atoi(kv[1])
			if err != nil || n < 1 {
				return Recurrence{}, fmt.Errorf("reminders: invalid INTERVAL %q", kv[1])
			}
			r.Interval = n
		case "BYDAY":
			for _, code := range strings.Split(kv[1], ",") {
				d, ok := dayCodes[strings.ToUpper(strings.TrimSpace(code))]
				if !ok {
					return Recurrence{}, fmt.Errorf("reminders: invalid BYDAY %q", code)
				}
				r.Days = append(r.Days, d)
			}
		case "BYMONTHDAY":
			n, err := strconv.Atoi(kv[1])
			if err != nil || n < 1 || n > 31 {
				return Recurrence{}, fmt.Errorf("reminders: invalid BYMONTHDAY %q", kv[1])
			}
			r.MonthDay = n
		default:
			return Recurrence{}, fmt.Errorf("reminders: unknown rule key %q", kv[0])
		}
	}
	if r.Frequency == "" {
		return Recurrence{}, fmt.Errorf("reminders: FREQ is required")
	}
	return r, nil
}

func (r Recurrence) String() string {
	if r.IsZero() {
		return ""
	}
	parts := []string{"FREQ=" + string(r.Frequency)}
	if r.Interval > 1 {
		parts = append(parts, fmt.Sprintf("INTERVAL=%d", r.Interval))
	}
	if len(r.Days) > 0 {
		days := append([]time.Weekday{}, r.Days...)
		sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
		codes := make([]string, len(days))
		for i, d := range days {
			codes[i] = dayNames[d]
		}
		parts = append(parts, "BYDAY="+strings.Join(codes, ","))
	}
	if r.MonthDay > 0 {
		parts = append(parts, fmt.Sprintf("BYMONTHDAY=%d", r.MonthDay))
	}
	return strings.Join(parts, ";")
}

// NextAfter computes the next due time strictly after current, preserving
// the local wall clock in loc. Returns false when the recurrence has ended.
func (r Recurrence) NextAfter(current time.Time, loc *time.Location) (time.Time, bool) {
	if r.IsZero() || loc == nil {
		return time.Time{}, false
	}
	local := current.In(loc)
	h, m := local.Hour(), local.Minute()

	var next time.Time
	switch r.Frequency {
	case FreqDaily:
		d := local.AddDate(0, 0, r.interval())
		next = localtime.Resolve(d.Year(), d.Month(), d.Day(), h, m, loc, localtime.SecondOccurrence)

	case FreqWeekly:
		days := r.Days
		if len(days) == 0 {
			days = []time.Weekday{local.Weekday()}
		}
		if r.interval() == 1 {
			n, err := localtime.NextWeekday(current.Add(time.Minute), days, h, m, loc)
			if err != nil {
				return time.Time{}, false
			}
			next = n
		} else {
			// remaining days this week first, then jump whole weeks
			n, err := localtime.NextWeekday(current.Add(time.Minute), days, h, m, loc)
			if err != nil {
				return time.Time{}, false
			}
			if sameWeek(local, n.In(loc)) {
				next = n
			} else {
				jump := local.AddDate(0, 0, 7*(r.interval()-1))
				n, err = localtime.NextWeekday(jump.Add(time.Minute), days, h, m, loc)
				if err != nil {
					return time.Time{}, false
				}
				next = n
			}
		}

	case FreqMonthly:
		day := r.MonthDay
		if day == 0 {
			day = local.Day()
		}
		for i := 0; i < 2; i++ { // retry once if the clamped day lands <= current
			// normalize year/month before resolving so the gap probe sees
			// real calendar components
			base := time.Date(local.Year(), local.Month()+time.Month(r.interval()*(i+1)), 1, 0, 0, 0, 0, time.UTC)
			y, mo2 := base.Year(), base.Month()
			d := clampDay(y, mo2, day)
			cand := localtime.Resolve(y, mo2, d, h, m, loc, localtime.SecondOccurrence)
			if cand.After(current) {
				next = cand
				break
			}
		}
		if next.IsZero() {
			return time.Time{}, false
		}

	default:
		return time.Time{}, false
	}

	if r.EndsAt != nil && next.After(*r.EndsAt) {
		return time.Time{}, false
	}
	return next, true
}

// sameWeek compares ISO weeks with Sunday as the first day, matching how the
// weekday sets are expressed.
func sameWeek(a, b time.Time) bool {
	startOf := func(t time.Time) (int, time.Month, int) {
		s := t.AddDate(0, 0, -int(t.Weekday()))
		return s.Year(), s.Month(), s.Day()
	}
	ay, am, ad := startOf(a)
	by, bm, bd := startOf(b)
	return ay == by && am == bm && ad == bd
}

// clampDay pins day to the last day of the month when needed (e.g. the 31st
// in February).
func clampDay(year int, month time.Month, day int) int {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		return last
	}
	return day
}
