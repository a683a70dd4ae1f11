// Package reminder periodically walks every patient's dashboard window and
// hands the upcoming appointments and refills to a Notifier.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "carecal/internal/log"
	"carecal/internal/model"
	"carecal/internal/portal"
)

// Kind distinguishes reminder items.
type Kind string

const (
	KindAppointment Kind = "appointment"
	KindRefill      Kind = "refill"
)

// Reminder is one upcoming item for one patient.
type Reminder struct {
	PatientID   string    `json:"patientId"`
	PatientName string    `json:"patientName"`
	Kind        Kind      `json:"kind"`
	Date        time.Time `json:"date"`
	Text        string    `json:"text"`
}

// Notifier delivers reminders.
type Notifier interface {
	Notify(ctx context.Context, r Reminder) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, r Reminder) error

func (f NotifierFunc) Notify(ctx context.Context, r Reminder) error { return f(ctx, r) }

// LogNotifier writes each reminder as a structured log line.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, r Reminder) error {
	appLog.Info("reminder",
		"patient_id", r.PatientID,
		"patient", r.PatientName,
		"kind", string(r.Kind),
		"date", r.Date.Format(time.RFC3339),
		"text", r.Text,
	)
	return nil
}

// Source is the subset of portal.Service the job reads.
type Source interface {
	Patients(ctx context.Context) ([]model.Patient, error)
	Dashboard(ctx context.Context, patientID string) (portal.Dashboard, error)
}

// Config controls the schedule.
type Config struct {
	// Cron is a 5-field expression or a descriptor such as "@daily".
	Cron     string
	Location *time.Location
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Service runs RunOnce on the configured cron schedule.
type Service struct {
	src      Source
	notifier Notifier
	cfg      Config

	mu     sync.Mutex
	c      *cron.Cron
	cancel context.CancelFunc
}

// New validates the cron spec and builds an idle Service. A nil notifier
// logs reminders.
func New(src Source, notifier Notifier, cfg Config) (*Service, error) {
	spec := strings.TrimSpace(cfg.Cron)
	if spec == "" {
		return nil, errors.New("reminder cron spec is empty")
	}
	if _, err := parser.Parse(spec); err != nil {
		return nil, fmt.Errorf("reminder cron %q: %w", spec, err)
	}
	cfg.Cron = spec
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Service{src: src, notifier: notifier, cfg: cfg}, nil
}

// Start registers the job and starts the scheduler. Calling Start on a
// running Service is a no-op. Jobs run with a context derived from ctx.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithParser(parser), cron.WithLocation(s.cfg.Location))
	if _, err := c.AddFunc(s.cfg.Cron, func() {
		if err := s.RunOnce(runCtx); err != nil {
			appLog.Error("reminder run failed", err)
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("reminder cron %q: %w", s.cfg.Cron, err)
	}
	c.Start()
	s.c = c
	s.cancel = cancel

	appLog.Info("reminder scheduler started", "cron", s.cfg.Cron, "tz", s.cfg.Location.String())
	return nil
}

// Stop halts the scheduler and waits for a running job, or until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.cancel = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	done := c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		appLog.Error("reminder stop timed out", ctx.Err())
	}
	cancel()
	appLog.Info("reminder scheduler stopped")
}

// RunOnce sends the current window's reminders for every patient. A failing
// patient is logged and skipped; the joined errors are returned.
func (s *Service) RunOnce(ctx context.Context) error {
	patients, err := s.src.Patients(ctx)
	if err != nil {
		return err
	}

	var errs []error
	sent := 0
	for _, p := range patients {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		d, err := s.src.Dashboard(ctx, p.ID)
		if err != nil {
			appLog.Error("reminder dashboard failed", err, "patient_id", p.ID)
			errs = append(errs, err)
			continue
		}
		for _, r := range Build(d) {
			if err := s.notifier.Notify(ctx, r); err != nil {
				appLog.Error("reminder notify failed", err, "patient_id", p.ID, "kind", string(r.Kind))
				errs = append(errs, err)
				continue
			}
			sent++
		}
	}

	appLog.Debug("reminder run done", "patients", len(patients), "sent", sent, "errors", len(errs))
	return errors.Join(errs...)
}

// Build turns a dashboard into reminders, appointments first.
func Build(d portal.Dashboard) []Reminder {
	out := make([]Reminder, 0, len(d.Appointments)+len(d.Refills))
	for _, a := range d.Appointments {
		out = append(out, Reminder{
			PatientID:   d.Patient.ID,
			PatientName: d.Patient.Name,
			Kind:        KindAppointment,
			Date:        a.Date,
			Text:        fmt.Sprintf("Appointment with %s", a.Provider),
		})
	}
	for _, rx := range d.Refills {
		out = append(out, Reminder{
			PatientID:   d.Patient.ID,
			PatientName: d.Patient.Name,
			Kind:        KindRefill,
			Date:        rx.Date,
			Text:        fmt.Sprintf("Refill %s %s (quantity %d)", rx.Medication, rx.Dosage, rx.Quantity),
		})
	}
	return out
}
