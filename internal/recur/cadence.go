package recur

import "time"

// Cadence is the repeat interval of a stored record. The zero value means
// the record does not repeat. Values other than Weekly and Monthly are
// accepted and expand to the anchor occurrence only.
type Cadence string

const (
	None    Cadence = ""
	Weekly  Cadence = "weekly"
	Monthly Cadence = "monthly"
)

// Recurring reports whether a cadence was given at all, recognised or not.
func (c Cadence) Recurring() bool { return c != None }

// Known reports whether the engine knows how to step the cadence.
func (c Cadence) Known() bool { return c == Weekly || c == Monthly }

// Schedule is the recurrence-relevant part of an appointment or prescription.
type Schedule struct {
	// Anchor is the first occurrence.
	Anchor  time.Time
	Cadence Cadence
	// End caps a recurring series (exclusive). Ignored for refills.
	End *time.Time
}

// ExpandConfig bounds an expansion.
type ExpandConfig struct {
	// Now is the caller's reference instant; the engine never reads the clock.
	Now time.Time
	// Horizon is the exclusive upper bound for generated occurrences.
	Horizon time.Time
}
