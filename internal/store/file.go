package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"carecal/internal/model"
)

// fileFormat mirrors the on-disk YAML layout: patients with their
// appointments and prescriptions nested, plus form lookup lists.
type fileFormat struct {
	Patients    []patientRecord `yaml:"patients"`
	Medications []string        `yaml:"medications,omitempty"`
	Dosages     []string        `yaml:"dosages,omitempty"`
}

type patientRecord struct {
	ID            string               `yaml:"id"`
	Name          string               `yaml:"name"`
	Email         string               `yaml:"email"`
	Appointments  []AppointmentRecord  `yaml:"appointments,omitempty"`
	Prescriptions []prescriptionRecord `yaml:"prescriptions,omitempty"`
}

// AppointmentRecord is the YAML form of an appointment.
type AppointmentRecord struct {
	ID       string `yaml:"id"`
	Provider string `yaml:"provider"`
	Datetime string `yaml:"datetime"`
	Repeat   string `yaml:"repeat,omitempty"`
	EndDate  string `yaml:"end_date,omitempty"`
}

type prescriptionRecord struct {
	ID             string `yaml:"id"`
	Medication     string `yaml:"medication"`
	Dosage         string `yaml:"dosage"`
	Quantity       int    `yaml:"quantity"`
	RefillOn       string `yaml:"refill_on"`
	RefillSchedule string `yaml:"refill_schedule"`
}

// Data is a parsed, validated snapshot of the record file.
type Data struct {
	Patients      []model.Patient
	Appointments  map[string][]model.Appointment
	Prescriptions map[string][]model.Prescription
	Medications   []string
	Dosages       []string
}

// dateLayouts are tried in order. Layouts without an offset are read in
// the store's location.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	time.DateOnly,
}

func parseDate(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", v)
}

// Parse decodes and validates a record file body.
func Parse(body []byte, loc *time.Location) (*Data, error) {
	if loc == nil {
		loc = time.UTC
	}

	var f fileFormat
	if err := yaml.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}

	d := &Data{
		Patients:      make([]model.Patient, 0, len(f.Patients)),
		Appointments:  make(map[string][]model.Appointment),
		Prescriptions: make(map[string][]model.Prescription),
		Medications:   append([]string{}, f.Medications...),
		Dosages:       append([]string{}, f.Dosages...),
	}

	seen := make(map[string]struct{})
	claim := func(kind, id string) error {
		if id == "" {
			return fmt.Errorf("%s without id", kind)
		}
		key := kind + "/" + id
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate %s id %q", kind, id)
		}
		seen[key] = struct{}{}
		return nil
	}

	for _, p := range f.Patients {
		if err := claim("patient", p.ID); err != nil {
			return nil, err
		}
		d.Patients = append(d.Patients, model.Patient{ID: p.ID, Name: p.Name, Email: p.Email})

		for _, a := range p.Appointments {
			if err := claim("appointment", a.ID); err != nil {
				return nil, err
			}
			apt, err := a.toModel(p.ID, loc)
			if err != nil {
				return nil, fmt.Errorf("appointment %q: %w", a.ID, err)
			}
			d.Appointments[p.ID] = append(d.Appointments[p.ID], apt)
		}

		for _, rx := range p.Prescriptions {
			if err := claim("prescription", rx.ID); err != nil {
				return nil, err
			}
			refillOn, err := parseDate(rx.RefillOn, loc)
			if err != nil {
				return nil, fmt.Errorf("prescription %q refill_on: %w", rx.ID, err)
			}
			if rx.Quantity < 0 {
				return nil, fmt.Errorf("prescription %q: negative quantity", rx.ID)
			}
			d.Prescriptions[p.ID] = append(d.Prescriptions[p.ID], model.Prescription{
				ID:             rx.ID,
				PatientID:      p.ID,
				Medication:     rx.Medication,
				Dosage:         rx.Dosage,
				Quantity:       rx.Quantity,
				RefillOn:       refillOn,
				RefillSchedule: rx.RefillSchedule,
			})
		}
	}

	sort.Slice(d.Patients, func(i, j int) bool { return d.Patients[i].ID < d.Patients[j].ID })
	for id := range d.Appointments {
		apts := d.Appointments[id]
		sort.Slice(apts, func(i, j int) bool { return apts[i].ID < apts[j].ID })
	}
	for id := range d.Prescriptions {
		rxs := d.Prescriptions[id]
		sort.Slice(rxs, func(i, j int) bool { return rxs[i].ID < rxs[j].ID })
	}

	return d, nil
}

func (a AppointmentRecord) toModel(patientID string, loc *time.Location) (model.Appointment, error) {
	start, err := parseDate(a.Datetime, loc)
	if err != nil {
		return model.Appointment{}, fmt.Errorf("datetime: %w", err)
	}
	out := model.Appointment{
		ID:             a.ID,
		PatientID:      patientID,
		Provider:       a.Provider,
		Datetime:       start,
		RepeatSchedule: a.Repeat,
	}
	if a.EndDate != "" {
		end, err := parseDate(a.EndDate, loc)
		if err != nil {
			return model.Appointment{}, fmt.Errorf("end_date: %w", err)
		}
		out.EndDate = &end
	}
	return out, nil
}

// EncodeAppointments renders appointments as YAML records ready to paste
// under a patient's "appointments:" key.
func EncodeAppointments(apts []model.Appointment) ([]byte, error) {
	recs := make([]AppointmentRecord, 0, len(apts))
	for _, a := range apts {
		rec := AppointmentRecord{
			ID:       a.ID,
			Provider: a.Provider,
			Datetime: a.Datetime.Format(time.RFC3339),
			Repeat:   a.RepeatSchedule,
		}
		if a.EndDate != nil {
			rec.EndDate = a.EndDate.Format(time.RFC3339)
		}
		recs = append(recs, rec)
	}
	return yaml.Marshal(map[string][]AppointmentRecord{"appointments": recs})
}
