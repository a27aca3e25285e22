// Package calendar supplies the working-day calendar hook spec.md §9 allows
// implementations to offer without requiring it.
package calendar

import "time"

// Calendar converts between instants and the day-granularity arithmetic used
// by PERT and critical-path computations.
type Calendar interface {
	// AddDays returns t shifted forward by n calendar/working days.
	AddDays(t time.Time, n float64) time.Time
	// DaysBetween returns the signed number of days (possibly fractional)
	// from start to end under this calendar's counting rule.
	DaysBetween(start, end time.Time) float64
}

// allDays counts every calendar day, including weekends — the spec's default
// ("the spec does not require working-day calendars").
type allDays struct{}

// AllDays is the default Calendar: every day counts.
var AllDays Calendar = allDays{}

func (allDays) AddDays(t time.Time, n float64) time.Time {
	return t.Add(time.Duration(n * float64(24*time.Hour)))
}

func (allDays) DaysBetween(start, end time.Time) float64 {
	return end.Sub(start).Hours() / 24
}

// weekdays skips Saturdays and Sundays when advancing, and excludes them when
// measuring elapsed duration.
type weekdays struct{}

// Weekdays is an optional Calendar that excludes Saturday/Sunday.
var Weekdays Calendar = weekdays{}

func (weekdays) AddDays(t time.Time, n float64) time.Time {
	whole := int(n)
	frac := n - float64(whole)
	cur := t
	step := 1
	if whole < 0 {
		step = -1
		whole = -whole
	}
	for i := 0; i < whole; i++ {
		cur = cur.AddDate(0, 0, step)
		for isWeekend(cur) {
			cur = cur.AddDate(0, 0, step)
		}
	}
	if frac != 0 {
		cur = cur.Add(time.Duration(frac * float64(24*time.Hour)))
	}
	return cur
}

func (weekdays) DaysBetween(start, end time.Time) float64 {
	if end.Before(start) {
		return -weekdays{}.DaysBetween(end, start)
	}
	days := 0.0
	cur := start
	for cur.Before(end) {
		next := cur.AddDate(0, 0, 1)
		if next.After(end) {
			next = end
		}
		if !isWeekend(cur) {
			days += next.Sub(cur).Hours() / 24
		}
		cur = next
	}
	return days
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// ForName resolves the config string ("all_days" or "weekdays") to a Calendar.
func ForName(name string) Calendar {
	if name == "weekdays" {
		return Weekdays
	}
	return AllDays
}
