// Package portal builds the patient and admin views on top of the
// recurrence engine: expand every stored record, flatten, sort, and cut
// the dashboard window.
package portal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	appLog "carecal/internal/log"
	"carecal/internal/model"
	"carecal/internal/recur"
)

// ErrPatientNotFound is returned for unknown patient IDs.
var ErrPatientNotFound = errors.New("patient not found")

// RecordSource supplies stored records. Implementations must return
// ErrNotFound-style errors that the NotFound hook recognises.
type RecordSource interface {
	Patients(ctx context.Context) ([]model.Patient, error)
	Patient(ctx context.Context, id string) (model.Patient, error)
	Appointments(ctx context.Context, patientID string) ([]model.Appointment, error)
	Prescriptions(ctx context.Context, patientID string) ([]model.Prescription, error)
}

// Options tune the views.
type Options struct {
	// HorizonMonths bounds expansion (default recur.DefaultHorizonMonths).
	HorizonMonths int
	// WindowDays is the dashboard window (default 7).
	WindowDays int
	// NotFound reports whether a RecordSource error means "unknown patient".
	NotFound func(error) bool
}

// Service composes the engine per request.
type Service struct {
	src   RecordSource
	clock recur.Clock
	opts  Options
}

// NewService constructs a Service. A nil clock reads the system clock.
func NewService(src RecordSource, clock recur.Clock, opts Options) *Service {
	if clock == nil {
		clock = recur.SystemClock{}
	}
	if opts.HorizonMonths <= 0 {
		opts.HorizonMonths = recur.DefaultHorizonMonths
	}
	if opts.WindowDays <= 0 {
		opts.WindowDays = 7
	}
	return &Service{src: src, clock: clock, opts: opts}
}

// WindowDays returns the configured dashboard window.
func (s *Service) WindowDays() int { return s.opts.WindowDays }

// Patients lists every known patient.
func (s *Service) Patients(ctx context.Context) ([]model.Patient, error) {
	patients, err := s.src.Patients(ctx)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	return patients, nil
}

// Patient looks up one patient.
func (s *Service) Patient(ctx context.Context, patientID string) (model.Patient, error) {
	p, err := s.src.Patient(ctx, patientID)
	if err != nil {
		return model.Patient{}, s.wrap(patientID, err)
	}
	return p, nil
}

// PatientRecord is one patient with the stored, unexpanded records.
type PatientRecord struct {
	model.Patient
	Appointments  []model.Appointment  `json:"appointments"`
	Prescriptions []model.Prescription `json:"prescriptions"`
}

// Record returns the patient's stored appointments and prescriptions as
// kept in the record store.
func (s *Service) Record(ctx context.Context, patientID string) (PatientRecord, error) {
	p, err := s.src.Patient(ctx, patientID)
	if err != nil {
		return PatientRecord{}, s.wrap(patientID, err)
	}
	apts, err := s.src.Appointments(ctx, patientID)
	if err != nil {
		return PatientRecord{}, s.wrap(patientID, err)
	}
	rxs, err := s.src.Prescriptions(ctx, patientID)
	if err != nil {
		return PatientRecord{}, s.wrap(patientID, err)
	}
	if apts == nil {
		apts = []model.Appointment{}
	}
	if rxs == nil {
		rxs = []model.Prescription{}
	}
	return PatientRecord{Patient: p, Appointments: apts, Prescriptions: rxs}, nil
}

// Dashboard is the patient landing view.
type Dashboard struct {
	Patient      model.Patient                 `json:"user"`
	Appointments []model.AppointmentOccurrence `json:"appointments7Days"`
	Refills      []model.RefillOccurrence      `json:"refills7Days"`
	GeneratedAt  time.Time                     `json:"generatedAt"`
}

// PrescriptionRefills is one prescription with its expanded refill dates.
type PrescriptionRefills struct {
	ID             string      `json:"id"`
	Medication     string      `json:"medication"`
	Dosage         string      `json:"dosage"`
	Quantity       int         `json:"quantity"`
	RefillSchedule string      `json:"refillSchedule"`
	Refills        []time.Time `json:"refills"`
}

// PatientSummary is one row of the admin patient list.
type PatientSummary struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	Email               string     `json:"email"`
	NextAppointment     *time.Time `json:"nextAppointment"`
	ActivePrescriptions int        `json:"activePrescriptions"`
	UpcomingRefills     int        `json:"upcomingRefills"`
}

// bounds captures one request's reference instants.
type bounds struct {
	now    time.Time
	expand recur.ExpandConfig
}

func (s *Service) bounds() bounds {
	now := s.clock.Now()
	return bounds{
		now:    now,
		expand: recur.ExpandConfig{Now: now, Horizon: recur.Horizon(now, s.opts.HorizonMonths)},
	}
}

// Appointments returns every appointment occurrence of the patient within
// the horizon, sorted by date.
func (s *Service) Appointments(ctx context.Context, patientID string) ([]model.AppointmentOccurrence, error) {
	apts, err := s.src.Appointments(ctx, patientID)
	if err != nil {
		return nil, s.wrap(patientID, err)
	}
	return expandAppointments(apts, s.bounds().expand), nil
}

// Prescriptions returns each prescription with its refill dates, in record
// order.
func (s *Service) Prescriptions(ctx context.Context, patientID string) ([]PrescriptionRefills, error) {
	rxs, err := s.src.Prescriptions(ctx, patientID)
	if err != nil {
		return nil, s.wrap(patientID, err)
	}

	b := s.bounds()
	out := make([]PrescriptionRefills, 0, len(rxs))
	for _, rx := range rxs {
		out = append(out, PrescriptionRefills{
			ID:             rx.ID,
			Medication:     rx.Medication,
			Dosage:         rx.Dosage,
			Quantity:       rx.Quantity,
			RefillSchedule: rx.RefillSchedule,
			Refills:        recur.ExpandRefills(refillSchedule(rx), b.expand),
		})
	}
	return out, nil
}

// Dashboard returns the appointments and refills falling in the next
// WindowDays days.
func (s *Service) Dashboard(ctx context.Context, patientID string) (Dashboard, error) {
	patient, err := s.src.Patient(ctx, patientID)
	if err != nil {
		return Dashboard{}, s.wrap(patientID, err)
	}
	apts, err := s.src.Appointments(ctx, patientID)
	if err != nil {
		return Dashboard{}, s.wrap(patientID, err)
	}
	rxs, err := s.src.Prescriptions(ctx, patientID)
	if err != nil {
		return Dashboard{}, s.wrap(patientID, err)
	}

	b := s.bounds()
	d := Dashboard{
		Patient:      patient,
		Appointments: appointmentsWithin(expandAppointments(apts, b.expand), b.now, s.opts.WindowDays),
		Refills:      refillsWithin(expandRefills(rxs, b.expand), b.now, s.opts.WindowDays),
		GeneratedAt:  b.now,
	}

	appLog.Debug("dashboard built",
		"patient_id", patientID,
		"appointments", len(d.Appointments),
		"refills", len(d.Refills),
	)
	return d, nil
}

// PatientSummaries returns the admin overview of every patient.
func (s *Service) PatientSummaries(ctx context.Context) ([]PatientSummary, error) {
	patients, err := s.src.Patients(ctx)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}

	b := s.bounds()
	out := make([]PatientSummary, 0, len(patients))
	for _, p := range patients {
		apts, err := s.src.Appointments(ctx, p.ID)
		if err != nil {
			return nil, s.wrap(p.ID, err)
		}
		rxs, err := s.src.Prescriptions(ctx, p.ID)
		if err != nil {
			return nil, s.wrap(p.ID, err)
		}

		sum := PatientSummary{
			ID:                  p.ID,
			Name:                p.Name,
			Email:               p.Email,
			ActivePrescriptions: len(rxs),
			UpcomingRefills:     len(refillsWithin(expandRefills(rxs, b.expand), b.now, s.opts.WindowDays)),
		}
		// Occurrences are already sorted and strictly after now.
		if occ := expandAppointments(apts, b.expand); len(occ) > 0 {
			next := occ[0].Date
			sum.NextAppointment = &next
		}
		out = append(out, sum)
	}
	return out, nil
}

func (s *Service) wrap(patientID string, err error) error {
	if s.opts.NotFound != nil && s.opts.NotFound(err) {
		return fmt.Errorf("%w: %w", ErrPatientNotFound, err)
	}
	return fmt.Errorf("patient %s: %w", patientID, err)
}

func appointmentSchedule(a model.Appointment) recur.Schedule {
	return recur.Schedule{Anchor: a.Datetime, Cadence: recur.Cadence(a.RepeatSchedule), End: a.EndDate}
}

func refillSchedule(rx model.Prescription) recur.Schedule {
	return recur.Schedule{Anchor: rx.RefillOn, Cadence: recur.Cadence(rx.RefillSchedule)}
}

func expandAppointments(apts []model.Appointment, cfg recur.ExpandConfig) []model.AppointmentOccurrence {
	out := make([]model.AppointmentOccurrence, 0)
	for _, a := range apts {
		var repeat *string
		if a.RepeatSchedule != "" {
			r := a.RepeatSchedule
			repeat = &r
		}
		for _, date := range recur.ExpandAppointment(appointmentSchedule(a), cfg) {
			out = append(out, model.AppointmentOccurrence{
				AppointmentID:  a.ID,
				Date:           date,
				Provider:       a.Provider,
				RepeatSchedule: repeat,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].AppointmentID < out[j].AppointmentID
	})
	return out
}

func expandRefills(rxs []model.Prescription, cfg recur.ExpandConfig) []model.RefillOccurrence {
	out := make([]model.RefillOccurrence, 0)
	for _, rx := range rxs {
		for _, date := range recur.ExpandRefills(refillSchedule(rx), cfg) {
			out = append(out, model.RefillOccurrence{
				PrescriptionID: rx.ID,
				Date:           date,
				Medication:     rx.Medication,
				Dosage:         rx.Dosage,
				Quantity:       rx.Quantity,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// appointmentsWithin and refillsWithin apply the engine's window to paired
// occurrences; records ride along by position rather than by timestamp.
func appointmentsWithin(occ []model.AppointmentOccurrence, now time.Time, days int) []model.AppointmentOccurrence {
	w := recur.NewWindow(now, days, recur.AfterNow)
	out := make([]model.AppointmentOccurrence, 0)
	for _, o := range occ {
		if w.Contains(o.Date) {
			out = append(out, o)
		}
	}
	return out
}

func refillsWithin(occ []model.RefillOccurrence, now time.Time, days int) []model.RefillOccurrence {
	w := recur.NewWindow(now, days, recur.FromStartOfDay)
	out := make([]model.RefillOccurrence, 0)
	for _, o := range occ {
		if w.Contains(o.Date) {
			out = append(out, o)
		}
	}
	return out
}
