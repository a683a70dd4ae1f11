package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	appLog "carecal/internal/log"
	"carecal/internal/model"
	"carecal/internal/recur"
)

// ParseAppointments converts the VEVENTs of an ICS payload into appointment
// records for patientID.
//
//   - UID becomes the appointment ID, SUMMARY (or the organizer's CN) the
//     provider, DTSTART the series anchor.
//   - RRULE FREQ=WEEKLY / FREQ=MONTHLY with INTERVAL=1 and no BY-part beyond
//     what DTSTART implies map to the weekly and monthly cadences. Other
//     rules are kept as a descriptive cadence ("weekly on MO,WE") that
//     expands to the first occurrence only, and a warning is logged.
//   - EXDATE is not applied; events carrying it are logged.
//   - UNTIL and COUNT become the series end date.
//   - Overridden instances (RECURRENCE-ID) are skipped.
//
// Malformed events are logged and skipped.
func ParseAppointments(src Source, patientID string, body []byte) ([]model.Appointment, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "id", src.ID, "url", redactURL(src.URL))
		return nil, err
	}

	out := make([]model.Appointment, 0)
	skipped := 0
	for _, ve := range cal.Events() {
		if ve.GetProperty(ical.ComponentProperty("RECURRENCE-ID")) != nil {
			skipped++
			continue
		}
		apt, perr := parseVEvent(patientID, ve)
		if perr != nil {
			appLog.Error("ics vevent skipped", perr, "id", src.ID, "url", redactURL(src.URL))
			skipped++
			continue
		}
		if n := len(ve.GetProperties(ical.ComponentPropertyExdate)); n > 0 {
			appLog.Warn("ics EXDATE ignored; excluded dates will still appear",
				"id", src.ID, "uid", apt.ID, "exdates", n)
		}
		if apt.RepeatSchedule != "" && !recur.Cadence(apt.RepeatSchedule).Known() {
			appLog.Warn("ics rule kept as descriptive cadence; only the first occurrence expands",
				"id", src.ID, "uid", apt.ID, "cadence", apt.RepeatSchedule)
		}
		out = append(out, apt)
	}

	appLog.Info("ics import parsed", "id", src.ID, "url", redactURL(src.URL), "appointments", len(out), "skipped", skipped)
	return out, nil
}

func parseVEvent(patientID string, ve *ical.VEvent) (model.Appointment, error) {
	out := model.Appointment{PatientID: patientID}

	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || strings.TrimSpace(uid.Value) == "" {
		return out, errors.New("missing UID")
	}
	out.ID = strings.TrimSpace(uid.Value)

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Provider = strings.TrimSpace(p.Value)
	}
	if out.Provider == "" {
		if org := ve.GetProperty(ical.ComponentPropertyOrganizer); org != nil {
			if cn, ok := org.ICalParameters["CN"]; ok && len(cn) > 0 {
				out.Provider = cn[0]
			}
		}
	}

	if ve.GetProperty(ical.ComponentPropertyDtStart) == nil {
		return out, errors.New("missing DTSTART")
	}
	start, err := ve.GetStartAt()
	if err != nil {
		return out, fmt.Errorf("DTSTART: %w", err)
	}
	out.Datetime = start

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil && p.Value != "" {
		cadence, end, err := cadenceFromRRule(p.Value, start)
		if err != nil {
			return out, fmt.Errorf("RRULE %q: %w", p.Value, err)
		}
		out.RepeatSchedule = string(cadence)
		out.EndDate = end
	}

	return out, nil
}

// cadenceFromRRule maps an RRULE onto a cadence and an exclusive series end.
func cadenceFromRRule(raw string, start time.Time) (recur.Cadence, *time.Time, error) {
	opt, err := rrule.StrToROption(raw)
	if err != nil {
		return recur.None, nil, err
	}

	interval := opt.Interval
	if interval <= 0 {
		interval = 1
	}

	name := freqName(opt.Freq)
	if interval > 1 {
		name = fmt.Sprintf("every %d %s", interval, name)
	}
	if extra := ruleRestrictions(*opt, start); len(extra) > 0 {
		name += " " + strings.Join(extra, " ")
	}
	cadence := recur.Cadence(name)

	var end *time.Time
	switch {
	case !opt.Until.IsZero():
		// UNTIL is inclusive; the series end is exclusive.
		e := opt.Until.Add(time.Second)
		end = &e
	case opt.Count > 0 && cadence.Known():
		// The first occurrence past COUNT closes the series.
		var e time.Time
		if cadence == recur.Weekly {
			e = start.AddDate(0, 0, 7*opt.Count)
		} else {
			e = recur.AddMonths(start, opt.Count)
		}
		end = &e
	}
	return cadence, end, nil
}

// ruleRestrictions describes the BY-parts of opt that select dates other
// than the ones DTSTART already implies. A weekly rule with BYDAY equal to
// DTSTART's weekday, or a monthly rule with BYMONTHDAY equal to its day,
// adds nothing and yields no entry.
func ruleRestrictions(opt rrule.ROption, start time.Time) []string {
	var out []string

	if len(opt.Byweekday) > 0 {
		days := make([]string, 0, len(opt.Byweekday))
		for i := range opt.Byweekday {
			days = append(days, opt.Byweekday[i].String())
		}
		wd := opt.Byweekday[0]
		sameDay := len(opt.Byweekday) == 1 && wd.N() == 0 && wd.Day() == (int(start.Weekday())+6)%7
		if opt.Freq != rrule.WEEKLY || !sameDay {
			out = append(out, "on "+strings.Join(days, ","))
		}
	}
	if len(opt.Bymonthday) > 0 {
		if opt.Freq != rrule.MONTHLY || !(len(opt.Bymonthday) == 1 && opt.Bymonthday[0] == start.Day()) {
			out = append(out, "on day "+joinInts(opt.Bymonthday))
		}
	}

	restates := func(vals []int, v int) bool { return len(vals) == 0 || (len(vals) == 1 && vals[0] == v) }
	if !restates(opt.Byhour, start.Hour()) {
		out = append(out, "BYHOUR="+joinInts(opt.Byhour))
	}
	if !restates(opt.Byminute, start.Minute()) {
		out = append(out, "BYMINUTE="+joinInts(opt.Byminute))
	}
	if !restates(opt.Bysecond, start.Second()) {
		out = append(out, "BYSECOND="+joinInts(opt.Bysecond))
	}

	for _, part := range []struct {
		key  string
		vals []int
	}{
		{"BYMONTH", opt.Bymonth},
		{"BYSETPOS", opt.Bysetpos},
		{"BYYEARDAY", opt.Byyearday},
		{"BYWEEKNO", opt.Byweekno},
		{"BYEASTER", opt.Byeaster},
	} {
		if len(part.vals) > 0 {
			out = append(out, part.key+"="+joinInts(part.vals))
		}
	}
	return out
}

func joinInts(vals []int) string {
	parts := make([]string, 0, len(vals))
	for _, v := range vals {
		parts = append(parts, strconv.Itoa(v))
	}
	return strings.Join(parts, ",")
}

func freqName(f rrule.Frequency) string {
	switch f {
	case rrule.YEARLY:
		return "yearly"
	case rrule.MONTHLY:
		return "monthly"
	case rrule.WEEKLY:
		return "weekly"
	case rrule.DAILY:
		return "daily"
	case rrule.HOURLY:
		return "hourly"
	case rrule.MINUTELY:
		return "minutely"
	default:
		return "secondly"
	}
}
