package recur

import (
	"time"

	"github.com/teambition/rrule-go"

	appLog "carecal/internal/log"
)

// ExpandAppointment expands one appointment schedule into the occurrences
// strictly between cfg.Now and cfg.Horizon, and strictly before s.End when
// set.
//
//   - No cadence: the anchor alone, if it lies in (Now, Horizon).
//   - Weekly / Monthly: every step from the anchor until Horizon, or until a
//     step passes End.
//   - Unrecognised cadence: only the anchor is considered; stepping never
//     starts, so bad data cannot loop.
//
// The result is strictly increasing and never nil.
func ExpandAppointment(s Schedule, cfg ExpandConfig) []time.Time {
	out := make([]time.Time, 0)

	if !s.Cadence.Recurring() {
		if s.Anchor.After(cfg.Now) && s.Anchor.Before(cfg.Horizon) {
			out = append(out, s.Anchor)
		}
		return out
	}

	walk(s.Anchor, s.Cadence, cfg.Horizon, func(cur time.Time) bool {
		if s.End != nil && cur.After(*s.End) {
			return false
		}
		if cur.After(cfg.Now) && (s.End == nil || cur.Before(*s.End)) {
			out = append(out, cur)
		}
		return true
	})
	return out
}

// ExpandRefills expands a prescription's refill schedule up to cfg.Horizon.
// Unlike appointments, a refill anywhere on the same calendar day as
// cfg.Now is kept even when it is already past. s.End is ignored.
func ExpandRefills(s Schedule, cfg ExpandConfig) []time.Time {
	out := make([]time.Time, 0)
	today := StartOfDay(cfg.Now)

	walk(s.Anchor, s.Cadence, cfg.Horizon, func(cur time.Time) bool {
		if cur.After(today) || SameDay(cur, cfg.Now) {
			out = append(out, cur)
		}
		return true
	})
	return out
}

// walk calls visit for the anchor and each following occurrence while the
// occurrence is before horizon. visit returns false to stop early. An
// unknown cadence visits the anchor only.
func walk(anchor time.Time, c Cadence, horizon time.Time, visit func(time.Time) bool) {
	next := stepper(anchor, c)

	cur := anchor
	for cur.Before(horizon) {
		if !visit(cur) {
			return
		}
		if next == nil {
			return
		}
		var ok bool
		if cur, ok = next(); !ok {
			return
		}
	}
}

// stepper returns an iterator over the occurrences after the anchor, or nil
// when the cadence cannot be stepped.
func stepper(anchor time.Time, c Cadence) func() (time.Time, bool) {
	if !c.Known() || anchor.IsZero() {
		return nil
	}

	// Rules work at second precision; the remainder is re-applied below.
	last := anchor.Truncate(time.Second)
	frac := anchor.Sub(last)

	r, err := rrule.NewRRule(ruleOption(last, c))
	if err != nil {
		appLog.Error("recur: failed to build rule", err, "cadence", string(c), "anchor", anchor)
		return nil
	}

	hh, mm, ss := last.Clock()
	it := r.Iterator()
	return func() (time.Time, bool) {
		for {
			t, ok := it()
			if !ok {
				return time.Time{}, false
			}
			// The rule yields the anchor itself first.
			if t.After(last) {
				last = t
				return skipGap(t, hh, mm, ss).Add(frac), true
			}
		}
	}
}

// skipGap returns t unchanged when it shows the wall clock hh:mm:ss. A
// wall clock that does not exist on t's day (spring-forward gap) is read
// with the offset in force before the gap, which moves it forward by the
// gap length: 02:30 on a 02:00->03:00 day becomes 03:30.
func skipGap(t time.Time, hh, mm, ss int) time.Time {
	if h, m, s := t.Clock(); h == hh && m == mm && s == ss {
		return t
	}
	loc := t.Location()
	y, mo, d := t.Date()
	_, before := time.Date(y, mo, d, hh, mm, ss, 0, loc).Add(-6 * time.Hour).Zone()
	wall := time.Date(y, mo, d, hh, mm, ss, 0, time.UTC)
	return wall.Add(-time.Duration(before) * time.Second).In(loc)
}

// ruleOption describes the cadence as an RRULE anchored at anchor.
//
// Monthly rules anchored after the 28th select the last existing day among
// 28..anchorDay, so Jan 31 steps to Feb 29 (or 28), Mar 31, Apr 30, ...
func ruleOption(anchor time.Time, c Cadence) rrule.ROption {
	opt := rrule.ROption{
		Dtstart:  anchor,
		Interval: 1,
	}

	switch c {
	case Weekly:
		opt.Freq = rrule.WEEKLY
	case Monthly:
		opt.Freq = rrule.MONTHLY
		if day := anchor.Day(); day > 28 {
			for d := 28; d <= day; d++ {
				opt.Bymonthday = append(opt.Bymonthday, d)
			}
			opt.Bysetpos = []int{-1}
		}
	}
	return opt
}
