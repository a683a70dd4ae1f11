package ics

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appLog "carecal/internal/log"
	"carecal/internal/model"
	"carecal/internal/recur"
)

func at(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func icsBody(events ...string) []byte {
	lines := []string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//test//EN"}
	for _, ev := range events {
		lines = append(lines, "BEGIN:VEVENT")
		lines = append(lines, strings.Split(ev, "\n")...)
		lines = append(lines, "END:VEVENT")
	}
	lines = append(lines, "END:VCALENDAR")
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

func TestExport(t *testing.T) {
	weekly := "weekly"
	out := Export(Feed{
		Name: "Emily Chen",
		Appointments: []model.AppointmentOccurrence{
			{AppointmentID: "a1", Date: at(2024, 1, 5, 14, 0), Provider: "Dr Kim"},
			{AppointmentID: "a2", Date: at(2024, 1, 8, 10, 0), Provider: "Dr Lin", RepeatSchedule: &weekly},
		},
		Refills: []model.RefillOccurrence{
			{PrescriptionID: "rx1", Date: at(2024, 1, 3, 8, 0), Medication: "Lexapro", Dosage: "5mg", Quantity: 2},
		},
		GeneratedAt: at(2024, 1, 3, 12, 0),
	})

	assert.Contains(t, out, "METHOD:PUBLISH")
	assert.Contains(t, out, "X-WR-CALNAME:Emily Chen")
	assert.Contains(t, out, "DTSTART;VALUE=DATE:20240103")
	assert.Contains(t, out, "SUMMARY:Appointment: Dr Kim")

	cal, err := ical.ParseCalendar(strings.NewReader(out))
	require.NoError(t, err)
	events := cal.Events()
	require.Len(t, events, 3)

	assert.Equal(t, OccurrenceUID("appointment", "a1", at(2024, 1, 5, 14, 0)), events[0].Id())
	start, err := events[0].GetStartAt()
	require.NoError(t, err)
	assert.True(t, start.Equal(at(2024, 1, 5, 14, 0)))
	end, err := events[0].GetEndAt()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, end.Sub(start))

	desc := events[1].GetProperty(ical.ComponentPropertyDescription)
	require.NotNil(t, desc)
	assert.Equal(t, "Repeats weekly", desc.Value)
}

func TestExportEmptyFeed(t *testing.T) {
	cal, err := ical.ParseCalendar(strings.NewReader(Export(Feed{})))
	require.NoError(t, err)
	assert.Empty(t, cal.Events())
}

func TestOccurrenceUID(t *testing.T) {
	a := OccurrenceUID("appointment", "a1", at(2024, 1, 5, 14, 0))
	assert.Equal(t, a, OccurrenceUID("appointment", "a1", at(2024, 1, 5, 14, 0).In(time.FixedZone("X", 3600))))
	assert.NotEqual(t, a, OccurrenceUID("appointment", "a1", at(2024, 1, 12, 14, 0)))
	assert.NotEqual(t, a, OccurrenceUID("refill", "a1", at(2024, 1, 5, 14, 0)))
	assert.True(t, strings.HasSuffix(a, "@carecal"))
}

func TestParseAppointments(t *testing.T) {
	body := icsBody(
		"UID:w1\nSUMMARY:Dr Lin\nDTSTART:20240101T100000Z\nRRULE:FREQ=WEEKLY;COUNT=4",
		"UID:m1\nSUMMARY:Dr Kim\nDTSTART:20240131T090000Z\nRRULE:FREQ=MONTHLY;UNTIL=20240331T090000Z",
		"UID:b1\nSUMMARY:Dr Odd\nDTSTART:20240102T090000Z\nRRULE:FREQ=WEEKLY;INTERVAL=2",
		"UID:o1\nORGANIZER;CN=Dr Solo:mailto:solo@example.com\nDTSTART:20240110T090000Z",
		"UID:d1\nSUMMARY:Dr Two\nDTSTART:20240101T090000Z\nRRULE:FREQ=WEEKLY;BYDAY=MO,WE",
		"UID:r1\nSUMMARY:Dr Mon\nDTSTART:20240101T090000Z\nRRULE:FREQ=WEEKLY;BYDAY=MO",
		"UID:r2\nSUMMARY:Dr Mid\nDTSTART:20240115T090000Z\nRRULE:FREQ=MONTHLY;BYMONTHDAY=15;COUNT=3",
		"UID:w1\nRECURRENCE-ID:20240108T100000Z\nSUMMARY:Dr Lin moved\nDTSTART:20240109T100000Z",
		"SUMMARY:No UID\nDTSTART:20240110T090000Z",
	)

	got, err := ParseAppointments(Source{ID: "test"}, "p1", body)
	require.NoError(t, err)
	require.Len(t, got, 7)

	w := got[0]
	assert.Equal(t, "w1", w.ID)
	assert.Equal(t, "p1", w.PatientID)
	assert.Equal(t, "Dr Lin", w.Provider)
	assert.Equal(t, "weekly", w.RepeatSchedule)
	require.NotNil(t, w.EndDate)
	assert.True(t, w.EndDate.Equal(at(2024, 1, 29, 10, 0)))

	occ := recur.ExpandAppointment(
		recur.Schedule{Anchor: w.Datetime, Cadence: recur.Cadence(w.RepeatSchedule), End: w.EndDate},
		recur.ExpandConfig{Now: at(2023, 12, 1, 0, 0), Horizon: at(2024, 6, 1, 0, 0)},
	)
	assert.Len(t, occ, 4)

	m := got[1]
	assert.Equal(t, "monthly", m.RepeatSchedule)
	require.NotNil(t, m.EndDate)
	assert.True(t, m.EndDate.Equal(at(2024, 3, 31, 9, 0).Add(time.Second)))

	assert.Equal(t, "every 2 weekly", got[2].RepeatSchedule)
	assert.False(t, recur.Cadence(got[2].RepeatSchedule).Known())
	assert.Nil(t, got[2].EndDate)

	assert.Equal(t, "Dr Solo", got[3].Provider)
	assert.Empty(t, got[3].RepeatSchedule)

	// Two weekdays is not a plain weekly series.
	assert.Equal(t, "weekly on MO,WE", got[4].RepeatSchedule)
	assert.False(t, recur.Cadence(got[4].RepeatSchedule).Known())

	// BY-parts that restate DTSTART keep the plain cadence.
	assert.Equal(t, "weekly", got[5].RepeatSchedule)
	assert.Equal(t, "monthly", got[6].RepeatSchedule)
	require.NotNil(t, got[6].EndDate)
	assert.True(t, got[6].EndDate.Equal(at(2024, 4, 15, 9, 0)))
}

func TestCadenceFromRRule(t *testing.T) {
	// 2024-01-01 is a Monday.
	start := at(2024, 1, 1, 9, 0)
	cases := []struct {
		rule string
		want string
	}{
		{"FREQ=WEEKLY", "weekly"},
		{"FREQ=WEEKLY;BYDAY=MO", "weekly"},
		{"FREQ=WEEKLY;BYDAY=TU", "weekly on TU"},
		{"FREQ=WEEKLY;BYDAY=MO,WE,FR", "weekly on MO,WE,FR"},
		{"FREQ=WEEKLY;INTERVAL=2;BYDAY=MO,WE", "every 2 weekly on MO,WE"},
		{"FREQ=MONTHLY", "monthly"},
		{"FREQ=MONTHLY;BYMONTHDAY=1", "monthly"},
		{"FREQ=MONTHLY;BYMONTHDAY=1,15", "monthly on day 1,15"},
		{"FREQ=MONTHLY;BYDAY=1MO", "monthly on +1MO"},
		{"FREQ=MONTHLY;BYDAY=MO;BYSETPOS=-1", "monthly on MO BYSETPOS=-1"},
		{"FREQ=WEEKLY;BYHOUR=9;BYMINUTE=0", "weekly"},
		{"FREQ=WEEKLY;BYHOUR=9,17", "weekly BYHOUR=9,17"},
		{"FREQ=DAILY", "daily"},
		{"FREQ=YEARLY;BYMONTH=6", "yearly BYMONTH=6"},
	}
	for _, tc := range cases {
		t.Run(tc.rule, func(t *testing.T) {
			got, _, err := cadenceFromRRule(tc.rule, start)
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(got))
		})
	}
}

func TestParseAppointmentsWarnsOnExdate(t *testing.T) {
	var buf bytes.Buffer
	appLog.SetOutput(&buf, true)
	appLog.SetLevel(appLog.LevelWarn)
	t.Cleanup(func() {
		appLog.SetOutput(os.Stderr, false)
		appLog.SetLevel(appLog.LevelInfo)
	})

	body := icsBody(
		"UID:x1\nSUMMARY:Dr Lin\nDTSTART:20240101T100000Z\nRRULE:FREQ=WEEKLY\nEXDATE:20240108T100000Z",
		"UID:x2\nSUMMARY:Dr Kim\nDTSTART:20240101T100000Z\nRRULE:FREQ=WEEKLY",
	)
	got, err := ParseAppointments(Source{ID: "clinic"}, "p1", body)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// EXDATE does not change the parsed series.
	assert.Equal(t, "weekly", got[0].RepeatSchedule)

	out := buf.String()
	assert.Contains(t, out, "EXDATE ignored")
	assert.Contains(t, out, `"uid":"x1"`)
	assert.NotContains(t, out, `"uid":"x2"`)
}

func TestParseAppointmentsRejectsEmptyBody(t *testing.T) {
	_, err := ParseAppointments(Source{}, "p1", nil)
	assert.Error(t, err)
}

func TestExportImportRoundTrip(t *testing.T) {
	out := Export(Feed{Appointments: []model.AppointmentOccurrence{
		{AppointmentID: "a1", Date: at(2024, 1, 5, 14, 0), Provider: "Dr Kim"},
	}})
	got, err := ParseAppointments(Source{ID: "self"}, "p1", []byte(out))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Appointment: Dr Kim", got[0].Provider)
	assert.True(t, got[0].Datetime.Equal(at(2024, 1, 5, 14, 0)))
}

func TestFetcherConditionalGet(t *testing.T) {
	body := icsBody("UID:x\nDTSTART:20240110T090000Z")
	var hits, notModified atomic.Int32
	var fail atomic.Bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if fail.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		if r.Header.Get("If-None-Match") == `"v1"` {
			notModified.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), srv.Client())
	src := Source{ID: "clinic", URL: srv.URL + "/private/secret.ics"}
	ctx := context.Background()

	res, err := f.Fetch(ctx, src)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, body, res.Body)

	res, err = f.Fetch(ctx, src)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, body, res.Body)
	assert.Equal(t, int32(1), notModified.Load())

	fail.Store(true)
	res, err = f.Fetch(ctx, src)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, body, res.Body)
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetcherErrorWithoutCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), srv.Client())
	_, err := f.Fetch(context.Background(), Source{ID: "x", URL: srv.URL})
	assert.ErrorContains(t, err, "404")

	_, err = f.Fetch(context.Background(), Source{ID: "empty"})
	assert.Error(t, err)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://cal.example.com/...(redacted)", redactURL("https://cal.example.com/private-abc/basic.ics?token=1"))
	assert.Equal(t, "", redactURL(""))
	assert.Equal(t, "ics://...(redacted)", redactURL("not a url"))
}
