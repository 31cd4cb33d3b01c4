package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	fhir "github.com/drfirst/go-adherence/internal/fhir/r5"
)

const fhirContentType = "application/fhir+json"

// IngestFHIR handles POST /patients/{patientID}/prescriptions/fhir. The body
// is a MedicationRequest; errors are returned as an OperationOutcome.
func (h *PatientHandler) IngestFHIR(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("patient-handler").Start(r.Context(), "ingest_medication_request")
	defer span.End()

	patientID := chi.URLParam(r, "patientID")
	span.SetAttributes(attribute.String("patient_id", patientID))

	var req fhir.MedicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.outcome("rejected")
		h.fhirError(w, "structure", "invalid request body", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("medication_request_id", req.ID))

	msg, err := req.ToMessage()
	if err != nil {
		h.outcome("rejected")
		span.RecordError(err)
		h.fhirError(w, "invalid", err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if msg.PatientID == "" {
		msg.PatientID = patientID
	}
	if msg.PatientID != patientID {
		h.outcome("rejected")
		h.fhirError(w, "invalid", mismatch(msg.PatientID).Error(), http.StatusUnprocessableEntity)
		return
	}

	res, code, err := h.schedule(ctx, msg)
	if err != nil {
		span.RecordError(err)
		issue := "processing"
		if code == http.StatusInternalServerError {
			issue = "exception"
		}
		h.fhirError(w, issue, err.Error(), code)
		return
	}
	h.json(w, code, res)
}

func (h *PatientHandler) fhirError(w http.ResponseWriter, issue, diagnostics string, code int) {
	w.Header().Set("Content-Type", fhirContentType)
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(fhir.NewErrorOutcome(issue, diagnostics))
}
