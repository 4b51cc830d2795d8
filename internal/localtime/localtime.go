package localtime

// Package localtime resolves local wall-clock times to absolute instants
// with explicit DST policies.
//
// Two distinct policies exist on purpose:
//   - recurring schedule computation resolves an ambiguous fall-back time to
//     the SECOND (post-transition) occurrence;
//   - one-shot local-to-UTC conversion of reminders resolves it to the FIRST
//     occurrence.
// A nominal time inside the spring-forward gap does not exist and is shifted
// forward past the gap under both policies.

import (
	"errors"
	"sort"
	"time"
)

var (
	ErrEmptyWeekdaySet = errors.New("localtime: weekday set is empty")
	ErrInvalidZone     = errors.New("localtime: invalid timezone")
)

// AmbiguousPolicy selects which occurrence of an ambiguous local time wins.
type AmbiguousPolicy int

const (
	// FirstOccurrence picks the pre-transition instant.
	FirstOccurrence AmbiguousPolicy = iota
	// SecondOccurrence picks the post-transition instant.
	SecondOccurrence
)

// LoadZone wraps time.LoadLocation with a typed error. Invalid zones are
// hard input errors, never silently defaulted.
func LoadZone(name string) (*time.Location, error) {
	if name == "" {
		return nil, ErrInvalidZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, ErrInvalidZone
	}
	return loc, nil
}

// Resolve maps a local wall-clock time in loc to an absolute instant.
func Resolve(year int, month time.Month, day, hour, min int, loc *time.Location, policy AmbiguousPolicy) time.Time {
	t := time.Date(year, month, day, hour, min, 0, 0, loc)

	matches := func(x time.Time) bool {
		return x.Year() == year && x.Month() == month && x.Day() == day &&
			x.Hour() == hour && x.Minute() == min
	}

	if !matches(t) {
		// Nonexistent time: time.Date already normalized forward across the
		// gap (e.g. 02:30 EST -> 03:30 EDT), which is the required shift.
		return t
	}

	// Probe for a second instant with the same wall clock. DST deltas are
	// almost always 1h but 30m and 2h zones exist.
	candidates := []time.Time{t}
	for _, d := range []time.Duration{
		-2 * time.Hour, -time.Hour, -30 * time.Minute,
		30 * time.Minute, time.Hour, 2 * time.Hour,
	} {
		if alt := t.Add(d); matches(alt) {
			candidates = append(candidates, alt)
		}
	}
	if len(candidates) == 1 {
		return t
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Before(candidates[j]) })
	if policy == FirstOccurrence {
		return candidates[0]
	}
	return candidates[len(candidates)-1]
}

// NextWeekday returns the earliest instant >= ref whose local wall clock in
// loc is hour:min on one of the given weekdays. Ambiguous times resolve to
// the second occurrence (recurring-schedule policy).
func NextWeekday(ref time.Time, days []time.Weekday, hour, min int, loc *time.Location) (time.Time, error) {
	if len(days) == 0 {
		return time.Time{}, ErrEmptyWeekdaySet
	}
	if loc == nil {
		return time.Time{}, ErrInvalidZone
	}
	set := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		set[d] = true
	}

	local := ref.In(loc)
	// Two weeks bounds any weekday set; the extra day absorbs DST shifts.
	for i := 0; i <= 15; i++ {
		day := local.AddDate(0, 0, i)
		if !set[day.Weekday()] {
			continue
		}
		cand := Resolve(day.Year(), day.Month(), day.Day(), hour, min, loc, SecondOccurrence)
		if !cand.Before(ref) {
			return cand, nil
		}
	}
	return time.Time{}, errors.New("localtime: no occurrence found")
}

// ToUTC converts a one-shot local wall-clock time to UTC using the
// first-occurrence policy for ambiguous times.
func ToUTC(year int, month time.Month, day, hour, min int, loc *time.Location) time.Time {
	return Resolve(year, month, day, hour, min, loc, FirstOccurrence).UTC()
}
