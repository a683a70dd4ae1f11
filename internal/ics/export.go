package ics

import (
	"fmt"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"carecal/internal/model"
)

const (
	productID                  = "-//carecal//patient portal//EN"
	defaultAppointmentDuration = 30 * time.Minute
)

// uidNamespace scopes the name-based UUIDs used as event UIDs.
var uidNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:carecal:occurrence"))

// Feed is the content of one patient's calendar subscription.
type Feed struct {
	Name         string
	Appointments []model.AppointmentOccurrence
	Refills      []model.RefillOccurrence
	// GeneratedAt is written as DTSTAMP on every event.
	GeneratedAt time.Time
	// AppointmentDuration defaults to 30 minutes.
	AppointmentDuration time.Duration
}

// Export renders the feed as an iCalendar PUBLISH document. Appointment
// occurrences are timed events; refills are all-day events.
func Export(f Feed) string {
	if f.AppointmentDuration <= 0 {
		f.AppointmentDuration = defaultAppointmentDuration
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	if f.Name != "" {
		cal.SetName(f.Name)
		cal.SetXWRCalName(f.Name)
	}

	for _, occ := range f.Appointments {
		ev := cal.AddEvent(OccurrenceUID("appointment", occ.AppointmentID, occ.Date))
		ev.SetDtStampTime(f.GeneratedAt)
		ev.SetStartAt(occ.Date)
		ev.SetEndAt(occ.Date.Add(f.AppointmentDuration))
		ev.SetSummary("Appointment: " + occ.Provider)
		if occ.RepeatSchedule != nil {
			ev.SetDescription("Repeats " + *occ.RepeatSchedule)
		}
	}

	for _, occ := range f.Refills {
		ev := cal.AddEvent(OccurrenceUID("refill", occ.PrescriptionID, occ.Date))
		ev.SetDtStampTime(f.GeneratedAt)
		ev.SetAllDayStartAt(occ.Date)
		ev.SetAllDayEndAt(occ.Date.AddDate(0, 0, 1))
		ev.SetSummary(fmt.Sprintf("Refill: %s %s", occ.Medication, occ.Dosage))
		ev.SetDescription(fmt.Sprintf("Quantity: %d", occ.Quantity))
	}

	return cal.Serialize()
}

// OccurrenceUID derives a stable UID for one occurrence of a record, so
// subscribed clients update events in place across refreshes.
func OccurrenceUID(kind, recordID string, at time.Time) string {
	name := kind + "/" + recordID + "/" + at.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(uidNamespace, []byte(name)).String() + "@carecal"
}
