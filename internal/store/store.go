package store

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	appLog "carecal/internal/log"
	"carecal/internal/model"
)

// ErrNotFound is returned for unknown patient IDs.
var ErrNotFound = errors.New("store: not found")

// Store serves read-only record snapshots. A file-backed Store swaps in a
// new snapshot on Reload; readers never observe a partial file.
type Store struct {
	path string
	loc  *time.Location

	mu       sync.RWMutex
	data     *Data
	lastHash [sha256.Size]byte
}

// New returns an in-memory Store over d.
func New(d *Data) *Store {
	if d == nil {
		d = &Data{}
	}
	return &Store{data: d, loc: time.UTC}
}

// Open loads the record file at path. Dates without an offset are read in
// loc.
func Open(path string, loc *time.Location) (*Store, error) {
	if path == "" {
		return nil, errors.New("store: data path is empty")
	}
	if loc == nil {
		loc = time.UTC
	}
	s := &Store{path: path, loc: loc}
	if _, err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file, or "" for an in-memory store.
func (s *Store) Path() string { return s.path }

// Reload re-reads the backing file. It reports whether the content changed.
// On error the previous snapshot stays in place.
func (s *Store) Reload() (bool, error) {
	if s.path == "" {
		return false, nil
	}

	body, err := os.ReadFile(s.path)
	if err != nil {
		return false, fmt.Errorf("read records: %w", err)
	}

	sum := sha256.Sum256(body)
	s.mu.RLock()
	unchanged := s.data != nil && sum == s.lastHash
	s.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	d, err := Parse(body, s.loc)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	s.data = d
	s.lastHash = sum
	s.mu.Unlock()

	appLog.Info("records loaded",
		"path", s.path,
		"patients", len(d.Patients),
		"appointments", countAll(d.Appointments),
		"prescriptions", countAll(d.Prescriptions),
	)
	return true, nil
}

func (s *Store) snapshot() *Data {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data
}

func (s *Store) Patients(_ context.Context) ([]model.Patient, error) {
	d := s.snapshot()
	return append([]model.Patient{}, d.Patients...), nil
}

func (s *Store) Patient(_ context.Context, id string) (model.Patient, error) {
	d := s.snapshot()
	for _, p := range d.Patients {
		if p.ID == id {
			return p, nil
		}
	}
	return model.Patient{}, fmt.Errorf("patient %q: %w", id, ErrNotFound)
}

func (s *Store) Appointments(ctx context.Context, patientID string) ([]model.Appointment, error) {
	if _, err := s.Patient(ctx, patientID); err != nil {
		return nil, err
	}
	return append([]model.Appointment{}, s.snapshot().Appointments[patientID]...), nil
}

func (s *Store) Prescriptions(ctx context.Context, patientID string) ([]model.Prescription, error) {
	if _, err := s.Patient(ctx, patientID); err != nil {
		return nil, err
	}
	return append([]model.Prescription{}, s.snapshot().Prescriptions[patientID]...), nil
}

func (s *Store) Medications(_ context.Context) ([]string, error) {
	return append([]string{}, s.snapshot().Medications...), nil
}

func (s *Store) Dosages(_ context.Context) ([]string, error) {
	return append([]string{}, s.snapshot().Dosages...), nil
}

func countAll[T any](m map[string][]T) int {
	n := 0
	for _, v := range m {
		n += len(v)
	}
	return n
}
