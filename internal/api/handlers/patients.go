// Package handlers provides HTTP handlers for the adherence API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/adherence"
	"github.com/drfirst/go-adherence/internal/api/middleware"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/prescription"
	"github.com/drfirst/go-adherence/internal/scheduler"
)

// Sessions opens, looks up and closes patient sessions.
type Sessions interface {
	Open(ctx context.Context, patientID, doctorID string) (*scheduler.Scheduler, error)
	Get(patientID string) (*scheduler.Scheduler, bool)
	Close(patientID string) error
}

// Ingester schedules a prescription message.
type Ingester interface {
	Ingest(ctx context.Context, msg prescription.Message) (scheduler.IngestResult, error)
}

// IngestOutcomeFunc observes ingestion outcomes ("scheduled", "empty",
// "rejected", "failed").
type IngestOutcomeFunc func(outcome string)

// PatientHandler serves the per-patient session, prescription and dose endpoints.
type PatientHandler struct {
	sessions Sessions
	ingester Ingester
	stream   http.Handler
	outcome  IngestOutcomeFunc
	logger   *zap.Logger
}

// NewPatientHandler creates a handler. stream and outcome may be nil.
func NewPatientHandler(sessions Sessions, ingester Ingester, stream http.Handler, outcome IngestOutcomeFunc, logger *zap.Logger) *PatientHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if outcome == nil {
		outcome = func(string) {}
	}
	return &PatientHandler{
		sessions: sessions,
		ingester: ingester,
		stream:   stream,
		outcome:  outcome,
		logger:   logger,
	}
}

// Routes returns the handler routes, to be mounted under /patients.
func (h *PatientHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/{patientID}", func(r chi.Router) {
		r.Post("/session", h.OpenSession)
		r.Delete("/session", h.CloseSession)
		r.Post("/prescriptions", h.Ingest)
		r.Post("/prescriptions/fhir", h.IngestFHIR)
		r.Get("/doses", h.ListDoses)
		r.Post("/doses/{eventID}/confirm", h.Confirm)
		r.Post("/doses/{eventID}/snooze", h.Snooze)
		r.Get("/adherence", h.Adherence)
		if h.stream != nil {
			r.Get("/stream", h.stream.ServeHTTP)
		}
	})
	return r
}

// OpenSessionRequest is the body of POST /session
type OpenSessionRequest struct {
	DoctorID string `json:"doctor_id"`
}

// SessionResponse describes an open session.
type SessionResponse struct {
	PatientID   string            `json:"patient_id"`
	DoctorID    string            `json:"doctor_id,omitempty"`
	Events      []dose.Event      `json:"events"`
	ArmedTimers int               `json:"armed_timers"`
	Adherence   adherence.Summary `json:"adherence"`
}

// OpenSession handles POST /patients/{patientID}/session
func (h *PatientHandler) OpenSession(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")

	var req OpenSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	s, err := h.sessions.Open(r.Context(), patientID, req.DoctorID)
	if errors.Is(err, scheduler.ErrSessionActive) {
		h.jsonError(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		h.logger.Error("open session failed",
			zap.String("patient_id", patientID),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		h.jsonError(w, "failed to open session", http.StatusInternalServerError)
		return
	}

	events := s.Events()
	h.json(w, http.StatusCreated, SessionResponse{
		PatientID:   patientID,
		DoctorID:    s.DoctorID(),
		Events:      events,
		ArmedTimers: s.ArmedTimers(),
		Adherence:   adherence.Calculate(events),
	})
}

// CloseSession handles DELETE /patients/{patientID}/session
func (h *PatientHandler) CloseSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Close(chi.URLParam(r, "patientID")); err != nil {
		h.sessionError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Ingest handles POST /patients/{patientID}/prescriptions
func (h *PatientHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("patient-handler").Start(r.Context(), "ingest_prescription")
	defer span.End()

	patientID := chi.URLParam(r, "patientID")
	span.SetAttributes(attribute.String("patient_id", patientID))

	var payload prescription.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.outcome("rejected")
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if payload.PatientID == "" {
		payload.PatientID = patientID
	}
	if payload.PatientID != patientID {
		h.outcome("rejected")
		h.jsonError(w, mismatch(payload.PatientID).Error(), http.StatusUnprocessableEntity)
		return
	}

	msg, err := payload.ToMessage()
	if err != nil {
		h.outcome("rejected")
		span.RecordError(err)
		h.jsonError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	res, code, err := h.schedule(ctx, msg)
	if err != nil {
		span.RecordError(err)
		h.jsonError(w, err.Error(), code)
		return
	}
	h.json(w, code, res)
}

// mismatch reports a prescription addressed to another patient than the path.
func mismatch(patientID string) error {
	return fmt.Errorf("%w: %s", scheduler.ErrPatientMismatch, patientID)
}

// schedule ingests msg and reports the HTTP status for the outcome. Errors
// for 5xx responses are logged and replaced by a generic message.
func (h *PatientHandler) schedule(ctx context.Context, msg prescription.Message) (scheduler.IngestResult, int, error) {
	res, err := h.ingester.Ingest(ctx, msg)
	switch {
	case err == nil && res.Warning != "":
		h.outcome("empty")
		return res, http.StatusCreated, nil
	case err == nil:
		h.outcome("scheduled")
		return res, http.StatusCreated, nil
	case errors.Is(err, prescription.ErrInvalidFormat), errors.Is(err, scheduler.ErrPatientMismatch):
		h.outcome("rejected")
		return res, http.StatusUnprocessableEntity, err
	case errors.Is(err, scheduler.ErrSessionClosed):
		h.outcome("failed")
		return res, http.StatusConflict, err
	default:
		h.outcome("failed")
		h.logger.Error("ingest failed",
			zap.String("patient_id", msg.PatientID),
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
		return res, http.StatusInternalServerError, errors.New("failed to schedule prescription")
	}
}

// ListDoses handles GET /patients/{patientID}/doses
func (h *PatientHandler) ListDoses(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	h.json(w, http.StatusOK, s.Events())
}

// Confirm handles POST /patients/{patientID}/doses/{eventID}/confirm
func (h *PatientHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, (*scheduler.Scheduler).Confirm)
}

// Snooze handles POST /patients/{patientID}/doses/{eventID}/snooze
func (h *PatientHandler) Snooze(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, (*scheduler.Scheduler).Snooze)
}

// Adherence handles GET /patients/{patientID}/adherence
func (h *PatientHandler) Adherence(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	h.json(w, http.StatusOK, s.Adherence())
}

func (h *PatientHandler) transition(w http.ResponseWriter, r *http.Request, op func(*scheduler.Scheduler, string) (dose.Event, error)) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	ev, err := op(s, chi.URLParam(r, "eventID"))
	if err != nil {
		h.sessionError(w, r, err)
		return
	}
	h.json(w, http.StatusOK, ev)
}

func (h *PatientHandler) session(w http.ResponseWriter, r *http.Request) (*scheduler.Scheduler, bool) {
	s, ok := h.sessions.Get(chi.URLParam(r, "patientID"))
	if !ok {
		h.jsonError(w, scheduler.ErrNoSession.Error(), http.StatusNotFound)
		return nil, false
	}
	return s, true
}

func (h *PatientHandler) sessionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, scheduler.ErrNoSession), errors.Is(err, scheduler.ErrUnknownEvent):
		h.jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, dose.ErrInvalidTransition), errors.Is(err, scheduler.ErrSessionClosed):
		h.jsonError(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		h.jsonError(w, "internal error", http.StatusInternalServerError)
	}
}

func (h *PatientHandler) json(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encode response", zap.Error(err))
	}
}

func (h *PatientHandler) jsonError(w http.ResponseWriter, message string, code int) {
	h.json(w, code, map[string]string{"error": message})
}
