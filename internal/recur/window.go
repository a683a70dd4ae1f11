package recur

import "time"

// Bound selects the lower edge of a short-term window.
type Bound int

const (
	// AfterNow keeps occurrences strictly after now (appointments).
	AfterNow Bound = iota
	// FromStartOfDay keeps occurrences after the start of today, plus any
	// occurrence on today's calendar day (refills).
	FromStartOfDay
)

func (b Bound) String() string {
	switch b {
	case AfterNow:
		return "after_now"
	case FromStartOfDay:
		return "from_start_of_day"
	default:
		return "unknown"
	}
}

// Window is the "next N days" range used by dashboard widgets.
type Window struct {
	Now   time.Time
	End   time.Time
	Lower Bound
}

// NewWindow returns the window from now to now + days calendar days.
func NewWindow(now time.Time, days int, lower Bound) Window {
	return Window{Now: now, End: now.AddDate(0, 0, days), Lower: lower}
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	switch w.Lower {
	case FromStartOfDay:
		if t.After(StartOfDay(w.Now)) && t.Before(w.End) {
			return true
		}
		return SameDay(t, w.Now)
	default:
		return t.After(w.Now) && t.Before(w.End)
	}
}

// FilterWithinNextNDays returns the elements of occ inside the next `days`
// days, preserving order. It does not assume occ came from a single record.
func FilterWithinNextNDays(occ []time.Time, now time.Time, days int, lower Bound) []time.Time {
	w := NewWindow(now, days, lower)
	out := make([]time.Time, 0, len(occ))
	for _, t := range occ {
		if w.Contains(t) {
			out = append(out, t)
		}
	}
	return out
}

// AppointmentsWithin filters appointment occurrences to (now, now+days).
func AppointmentsWithin(occ []time.Time, now time.Time, days int) []time.Time {
	return FilterWithinNextNDays(occ, now, days, AfterNow)
}

// RefillsWithin filters refill occurrences to today through now+days.
func RefillsWithin(occ []time.Time, now time.Time, days int) []time.Time {
	return FilterWithinNextNDays(occ, now, days, FromStartOfDay)
}
