package model

import "time"

// Patient is a portal user whose appointments and prescriptions are expanded.
type Patient struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Email string `json:"email" yaml:"email"`
}

// Appointment is a stored appointment record. RepeatSchedule is "" for a
// one-time appointment, otherwise "weekly", "monthly" or an unrecognised
// value that expands to the first occurrence only.
type Appointment struct {
	ID        string `json:"id"`
	PatientID string `json:"-"`
	Provider  string `json:"provider"`

	// Datetime is the first occurrence of the appointment (series anchor).
	Datetime       time.Time `json:"datetime"`
	RepeatSchedule string    `json:"repeatSchedule,omitempty"`
	// EndDate caps a recurring series. Nil means open-ended.
	EndDate *time.Time `json:"endDate,omitempty"`
}

// Prescription is a stored prescription. RefillOn is the first refill date
// and RefillSchedule the refill cadence.
type Prescription struct {
	ID         string `json:"id"`
	PatientID  string `json:"-"`
	Medication string `json:"medication"`
	Dosage     string `json:"dosage"`
	Quantity   int    `json:"quantity"`

	RefillOn       time.Time `json:"refillOn"`
	RefillSchedule string    `json:"refillSchedule"`
}

// AppointmentOccurrence is one concrete appointment slot produced by
// recurrence expansion, paired with the fields of its originating record.
type AppointmentOccurrence struct {
	AppointmentID  string    `json:"appointmentId"`
	Date           time.Time `json:"date"`
	Provider       string    `json:"provider"`
	RepeatSchedule *string   `json:"repeatSchedule"`
}

// RefillOccurrence is one concrete refill date of a prescription.
type RefillOccurrence struct {
	PrescriptionID string    `json:"prescriptionId"`
	Date           time.Time `json:"date"`
	Medication     string    `json:"medication"`
	Dosage         string    `json:"dosage"`
	Quantity       int       `json:"quantity"`
}
