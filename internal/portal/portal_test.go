package portal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carecal/internal/model"
	"carecal/internal/recur"
	"carecal/internal/store"
)

func at(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

// now is Wednesday 2024-01-03 12:00 UTC.
var now = at(2024, 1, 3, 12, 0)

func testData() *store.Data {
	end := at(2024, 1, 20, 0, 0)
	return &store.Data{
		Patients: []model.Patient{
			{ID: "p1", Name: "Emily Chen", Email: "emily@example.com"},
			{ID: "p2", Name: "Mark Johnson", Email: "mark@example.com"},
			{ID: "p3", Name: "No Records", Email: "none@example.com"},
		},
		Appointments: map[string][]model.Appointment{
			"p1": {
				{ID: "a1", PatientID: "p1", Provider: "Dr Lin", Datetime: at(2024, 1, 1, 10, 0), RepeatSchedule: "weekly", EndDate: &end},
				{ID: "a2", PatientID: "p1", Provider: "Dr Kim", Datetime: at(2024, 1, 5, 14, 0)},
				{ID: "a3", PatientID: "p1", Provider: "Dr Past", Datetime: at(2023, 12, 1, 9, 0)},
			},
			"p2": {
				{ID: "b1", PatientID: "p2", Provider: "Dr Odd", Datetime: at(2024, 2, 1, 9, 0), RepeatSchedule: "fortnightly"},
			},
		},
		Prescriptions: map[string][]model.Prescription{
			"p1": {
				{ID: "rx1", PatientID: "p1", Medication: "Lexapro", Dosage: "5mg", Quantity: 2, RefillOn: at(2023, 12, 3, 8, 0), RefillSchedule: "monthly"},
				{ID: "rx2", PatientID: "p1", Medication: "Ozempic", Dosage: "1mg", Quantity: 1, RefillOn: at(2024, 1, 8, 8, 0), RefillSchedule: "weekly"},
			},
			"p2": {
				{ID: "rx3", PatientID: "p2", Medication: "Diovan", Dosage: "100mg", Quantity: 1, RefillOn: at(2024, 3, 1, 8, 0), RefillSchedule: "monthly"},
			},
		},
	}
}

func newTestService() *Service {
	return NewService(store.New(testData()), recur.FixedClock(now), Options{
		NotFound: func(err error) bool { return errors.Is(err, store.ErrNotFound) },
	})
}

func TestAppointments(t *testing.T) {
	got, err := newTestService().Appointments(context.Background(), "p1")
	require.NoError(t, err)

	dates := make([]time.Time, 0, len(got))
	for _, o := range got {
		dates = append(dates, o.Date)
	}
	assert.Equal(t, []time.Time{at(2024, 1, 5, 14, 0), at(2024, 1, 8, 10, 0), at(2024, 1, 15, 10, 0)}, dates)

	assert.Equal(t, "Dr Kim", got[0].Provider)
	assert.Nil(t, got[0].RepeatSchedule)
	assert.Equal(t, "a1", got[1].AppointmentID)
	require.NotNil(t, got[1].RepeatSchedule)
	assert.Equal(t, "weekly", *got[1].RepeatSchedule)
}

func TestAppointmentsUnknownCadence(t *testing.T) {
	got, err := newTestService().Appointments(context.Background(), "p2")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, at(2024, 2, 1, 9, 0), got[0].Date)
}

func TestPrescriptions(t *testing.T) {
	got, err := newTestService().Prescriptions(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "rx1", got[0].ID)
	assert.Equal(t, []time.Time{at(2024, 1, 3, 8, 0), at(2024, 2, 3, 8, 0), at(2024, 3, 3, 8, 0), at(2024, 4, 3, 8, 0)}, got[0].Refills)

	assert.Equal(t, "rx2", got[1].ID)
	assert.Len(t, got[1].Refills, 13)
	assert.Equal(t, at(2024, 1, 8, 8, 0), got[1].Refills[0])
}

func TestDashboard(t *testing.T) {
	d, err := newTestService().Dashboard(context.Background(), "p1")
	require.NoError(t, err)

	assert.Equal(t, "Emily Chen", d.Patient.Name)
	assert.Equal(t, now, d.GeneratedAt)

	require.Len(t, d.Appointments, 2)
	assert.Equal(t, at(2024, 1, 5, 14, 0), d.Appointments[0].Date)
	assert.Equal(t, at(2024, 1, 8, 10, 0), d.Appointments[1].Date)

	// Today's 08:00 refill is already past but stays visible.
	require.Len(t, d.Refills, 2)
	assert.Equal(t, model.RefillOccurrence{
		PrescriptionID: "rx1", Date: at(2024, 1, 3, 8, 0), Medication: "Lexapro", Dosage: "5mg", Quantity: 2,
	}, d.Refills[0])
	assert.Equal(t, "rx2", d.Refills[1].PrescriptionID)
}

func TestDashboardSharedInstantKeepsBothRecords(t *testing.T) {
	data := testData()
	data.Appointments["p1"] = append(data.Appointments["p1"],
		model.Appointment{ID: "a4", PatientID: "p1", Provider: "Dr Twin", Datetime: at(2024, 1, 5, 14, 0)})
	svc := NewService(store.New(data), recur.FixedClock(now), Options{})

	d, err := svc.Dashboard(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, d.Appointments, 3)
	assert.Equal(t, "Dr Kim", d.Appointments[0].Provider)
	assert.Equal(t, "Dr Twin", d.Appointments[1].Provider)
}

func TestUnknownPatient(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.Dashboard(ctx, "nobody")
	assert.ErrorIs(t, err, ErrPatientNotFound)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = svc.Patient(ctx, "nobody")
	assert.ErrorIs(t, err, ErrPatientNotFound)
	_, err = svc.Appointments(ctx, "nobody")
	assert.ErrorIs(t, err, ErrPatientNotFound)
	_, err = svc.Prescriptions(ctx, "nobody")
	assert.ErrorIs(t, err, ErrPatientNotFound)
	_, err = svc.Record(ctx, "nobody")
	assert.ErrorIs(t, err, ErrPatientNotFound)
}

func TestRecord(t *testing.T) {
	svc := newTestService()

	rec, err := svc.Record(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "Emily Chen", rec.Name)
	// Stored records come back unexpanded, past ones included.
	require.Len(t, rec.Appointments, 3)
	assert.Equal(t, "a3", rec.Appointments[2].ID)
	require.Len(t, rec.Prescriptions, 2)
	assert.Equal(t, at(2023, 12, 3, 8, 0), rec.Prescriptions[0].RefillOn)

	rec, err = svc.Record(context.Background(), "p3")
	require.NoError(t, err)
	assert.NotNil(t, rec.Appointments)
	assert.NotNil(t, rec.Prescriptions)
}

func TestUnknownPatientWithoutHook(t *testing.T) {
	svc := NewService(store.New(testData()), recur.FixedClock(now), Options{})
	_, err := svc.Dashboard(context.Background(), "nobody")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPatientNotFound)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPatientSummaries(t *testing.T) {
	got, err := newTestService().PatientSummaries(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 3)

	require.NotNil(t, got[0].NextAppointment)
	assert.Equal(t, at(2024, 1, 5, 14, 0), *got[0].NextAppointment)
	assert.Equal(t, 2, got[0].ActivePrescriptions)
	assert.Equal(t, 2, got[0].UpcomingRefills)

	require.NotNil(t, got[1].NextAppointment)
	assert.Equal(t, 1, got[1].ActivePrescriptions)
	assert.Equal(t, 0, got[1].UpcomingRefills)

	assert.Equal(t, PatientSummary{ID: "p3", Name: "No Records", Email: "none@example.com"}, got[2])
}

func TestServiceDefaults(t *testing.T) {
	svc := NewService(store.New(nil), nil, Options{})
	assert.Equal(t, 7, svc.WindowDays())
	assert.Equal(t, recur.DefaultHorizonMonths, svc.opts.HorizonMonths)
}
