package recur

import (
	"time"

	jnow "github.com/jinzhu/now"
)

// DefaultHorizonMonths is how far ahead portal views expand schedules.
const DefaultHorizonMonths = 3

// Horizon returns the expansion horizon `months` calendar months after now.
func Horizon(now time.Time, months int) time.Time {
	return AddMonths(now, months)
}

// AddMonths adds n calendar months to t, keeping the wall clock time and
// clamping the day to the last day of the target month (Jan 31 + 1 = Feb 29
// in a leap year). time.AddDate would overflow into the following month.
func AddMonths(t time.Time, n int) time.Time {
	loc := t.Location()
	first := time.Date(t.Year(), t.Month()+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)

	day := t.Day()
	if last := jnow.With(first).EndOfMonth().Day(); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}

// StartOfDay returns midnight of t's calendar day in t's location.
func StartOfDay(t time.Time) time.Time {
	return jnow.With(t).BeginningOfDay()
}

// SameDay reports whether t falls on ref's calendar day, as seen from ref's
// location.
func SameDay(t, ref time.Time) bool {
	ty, tm, td := t.In(ref.Location()).Date()
	ry, rm, rd := ref.Date()
	return ty == ry && tm == rm && td == rd
}
