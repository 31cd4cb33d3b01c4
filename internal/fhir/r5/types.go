// Package r5 accepts FHIR R5 MedicationRequest resources as a prescription
// source. Only the elements needed to build a dosing schedule are modelled.
package r5

import "time"

// Reference represents a reference to another resource.
type Reference struct {
	Reference string `json:"reference,omitempty"`
	Display   string `json:"display,omitempty"`
}

// CodeableConcept represents a concept with text and codings.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Coding represents a code from a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// CodeableReference is new in FHIR R5 - can be either a CodeableConcept or a Reference.
type CodeableReference struct {
	Concept   *CodeableConcept `json:"concept,omitempty"`
	Reference *Reference       `json:"reference,omitempty"`
}

// Period represents a time period.
type Period struct {
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

// Quantity represents a measured amount.
type Quantity struct {
	Value float64 `json:"value,omitempty"`
	Unit  string  `json:"unit,omitempty"`
	Code  string  `json:"code,omitempty"`
}

// Duration is a Quantity with a temporal unit.
type Duration struct {
	Value float64 `json:"value,omitempty"`
	Unit  string  `json:"unit,omitempty"`
	Code  string  `json:"code,omitempty"`
}

// MedicationRequest represents a FHIR R5 MedicationRequest resource.
type MedicationRequest struct {
	ResourceType      string              `json:"resourceType"`
	ID                string              `json:"id,omitempty"`
	Status            string              `json:"status"` // active | on-hold | cancelled | completed | entered-in-error | stopped | draft | unknown
	Intent            string              `json:"intent"`
	Medication        CodeableReference   `json:"medication"`
	Subject           Reference           `json:"subject"`
	AuthoredOn        time.Time           `json:"authoredOn"`
	Requester         *Reference          `json:"requester,omitempty"`
	Reason            []CodeableReference `json:"reason,omitempty"`
	DosageInstruction []Dosage            `json:"dosageInstruction,omitempty"`
}

// Dosage contains dosage instructions for the medication.
type Dosage struct {
	Text        string        `json:"text,omitempty"`
	Timing      *Timing       `json:"timing,omitempty"`
	AsNeeded    bool          `json:"asNeeded,omitempty"`
	DoseAndRate []DoseAndRate `json:"doseAndRate,omitempty"`
}

// DoseAndRate contains dose information.
type DoseAndRate struct {
	DoseQuantity *Quantity `json:"doseQuantity,omitempty"`
}

// Timing contains timing information for dosage.
type Timing struct {
	Repeat *TimingRepeat `json:"repeat,omitempty"`
}

// TimingRepeat contains repeat details for timing.
type TimingRepeat struct {
	BoundsDuration *Duration `json:"boundsDuration,omitempty"`
	BoundsPeriod   *Period   `json:"boundsPeriod,omitempty"`
	TimeOfDay      []string  `json:"timeOfDay,omitempty"`
}

// OperationOutcome represents errors and warnings from FHIR operations.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

// OperationOutcomeIssue represents a single issue in an OperationOutcome.
type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"` // fatal | error | warning | information
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

// NewErrorOutcome creates an OperationOutcome with a single error issue.
func NewErrorOutcome(code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{{
			Severity:    "error",
			Code:        code,
			Diagnostics: diagnostics,
		}},
	}
}

// Common medication request statuses
const (
	StatusActive = "active"
	StatusDraft  = "draft"
)

// ResourceMedicationRequest is the resourceType this package accepts.
const ResourceMedicationRequest = "MedicationRequest"
