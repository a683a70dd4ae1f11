package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"carecal/internal/config"
	"carecal/internal/ics"
	appLog "carecal/internal/log"
	"carecal/internal/model"
	"carecal/internal/portal"
	"carecal/internal/recur"
)

// Portal is the read side the API serves. *portal.Service implements it.
type Portal interface {
	Patient(ctx context.Context, patientID string) (model.Patient, error)
	Dashboard(ctx context.Context, patientID string) (portal.Dashboard, error)
	Appointments(ctx context.Context, patientID string) ([]model.AppointmentOccurrence, error)
	Prescriptions(ctx context.Context, patientID string) ([]portal.PrescriptionRefills, error)
	PatientSummaries(ctx context.Context) ([]portal.PatientSummary, error)
	Record(ctx context.Context, patientID string) (portal.PatientRecord, error)
}

// Catalog supplies the admin lookup lists.
type Catalog interface {
	Medications(ctx context.Context) ([]string, error)
	Dosages(ctx context.Context) ([]string, error)
}

// Server provides the patient portal and admin JSON APIs plus the
// per-patient calendar feed.
type Server struct {
	cfg     *config.Config
	portal  Portal
	catalog Catalog
	mux     *http.ServeMux
	clock   recur.Clock
}

// NewServer constructs a new Server. clock stamps generated calendar
// feeds; nil reads the system clock.
func NewServer(cfg *config.Config, p Portal, catalog Catalog, clock recur.Clock) *Server {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if clock == nil {
		clock = recur.SystemClock{}
	}
	s := &Server{
		cfg:     cfg,
		portal:  p,
		catalog: catalog,
		mux:     http.NewServeMux(),
		clock:   clock,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials disable auth.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="CareCal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Run serves on cfg.Listen until ctx is cancelled, then shuts down
// gracefully, giving in-flight requests up to five seconds.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/portal/{patientID}/dashboard", s.handleDashboard)
	s.mux.HandleFunc("GET /api/portal/{patientID}/appointments", s.handleAppointments)
	s.mux.HandleFunc("GET /api/portal/{patientID}/prescriptions", s.handlePrescriptions)
	s.mux.HandleFunc("GET /api/portal/{patientID}/calendar.ics", s.handleCalendar)

	s.mux.HandleFunc("GET /api/admin/patients", s.handlePatients)
	s.mux.HandleFunc("GET /api/admin/patients/{patientID}", s.handlePatient)
	s.mux.HandleFunc("GET /api/admin/medications", s.handleMedications)
	s.mux.HandleFunc("GET /api/admin/dosages", s.handleDosages)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := s.portal.Dashboard(r.Context(), r.PathValue("patientID"))
	if err != nil {
		s.writeFailure(w, r, "dashboard", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type appointmentsResponse struct {
	Appointments []model.AppointmentOccurrence `json:"appointments"`
}

func (s *Server) handleAppointments(w http.ResponseWriter, r *http.Request) {
	occ, err := s.portal.Appointments(r.Context(), r.PathValue("patientID"))
	if err != nil {
		s.writeFailure(w, r, "appointments", err)
		return
	}
	writeJSON(w, http.StatusOK, appointmentsResponse{Appointments: occ})
}

type prescriptionsResponse struct {
	Prescriptions []portal.PrescriptionRefills `json:"prescriptions"`
}

func (s *Server) handlePrescriptions(w http.ResponseWriter, r *http.Request) {
	rxs, err := s.portal.Prescriptions(r.Context(), r.PathValue("patientID"))
	if err != nil {
		s.writeFailure(w, r, "prescriptions", err)
		return
	}
	writeJSON(w, http.StatusOK, prescriptionsResponse{Prescriptions: rxs})
}

// handleCalendar serves the patient's appointments and refills over the
// expansion horizon as an iCalendar subscription.
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	feed, err := BuildFeed(r.Context(), s.portal, r.PathValue("patientID"), s.clock.Now())
	if err != nil {
		s.writeFailure(w, r, "calendar", err)
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="calendar.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(ics.Export(feed)))
}

func (s *Server) handlePatients(w http.ResponseWriter, r *http.Request) {
	sums, err := s.portal.PatientSummaries(r.Context())
	if err != nil {
		s.writeFailure(w, r, "patients", err)
		return
	}
	writeJSON(w, http.StatusOK, sums)
}

// handlePatient returns the stored records of one patient, unexpanded.
func (s *Server) handlePatient(w http.ResponseWriter, r *http.Request) {
	rec, err := s.portal.Record(r.Context(), r.PathValue("patientID"))
	if err != nil {
		s.writeFailure(w, r, "patient", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleMedications(w http.ResponseWriter, r *http.Request) {
	s.writeList(w, r, "medications", s.catalog.Medications)
}

func (s *Server) handleDosages(w http.ResponseWriter, r *http.Request) {
	s.writeList(w, r, "dosages", s.catalog.Dosages)
}

func (s *Server) writeList(w http.ResponseWriter, r *http.Request, what string, list func(context.Context) ([]string, error)) {
	items, err := list(r.Context())
	if err != nil {
		s.writeFailure(w, r, what, err)
		return
	}
	if items == nil {
		items = []string{}
	}
	writeJSON(w, http.StatusOK, items)
}

// BuildFeed collects one patient's occurrences into a calendar feed.
func BuildFeed(ctx context.Context, p Portal, patientID string, generatedAt time.Time) (ics.Feed, error) {
	patient, err := p.Patient(ctx, patientID)
	if err != nil {
		return ics.Feed{}, err
	}
	apts, err := p.Appointments(ctx, patientID)
	if err != nil {
		return ics.Feed{}, err
	}
	rxs, err := p.Prescriptions(ctx, patientID)
	if err != nil {
		return ics.Feed{}, err
	}

	refills := make([]model.RefillOccurrence, 0)
	for _, rx := range rxs {
		for _, date := range rx.Refills {
			refills = append(refills, model.RefillOccurrence{
				PrescriptionID: rx.ID,
				Date:           date,
				Medication:     rx.Medication,
				Dosage:         rx.Dosage,
				Quantity:       rx.Quantity,
			})
		}
	}

	return ics.Feed{
		Name:         patient.Name,
		Appointments: apts,
		Refills:      refills,
		GeneratedAt:  generatedAt,
	}, nil
}

// writeFailure maps unknown patients to 404 and everything else to 500.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, what string, err error) {
	if errors.Is(err, portal.ErrPatientNotFound) {
		writeError(w, http.StatusNotFound, "patient not found")
		return
	}
	appLog.Error("api "+what+" failed", err, "path", r.URL.Path)
	writeError(w, http.StatusInternalServerError, "failed to load "+what)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
