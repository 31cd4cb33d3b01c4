package prescription

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the JSON shape of a prescription message on the wire.
// Exactly one of Structured and Text must be set.
type Payload struct {
	PatientID  string      `json:"patient_id"`
	DoctorID   string      `json:"doctor_id,omitempty"`
	Structured *Structured `json:"prescription,omitempty"`
	Text       string      `json:"prescription_text,omitempty"`
	IssuedAt   time.Time   `json:"issued_at"`
	Diagnosis  string      `json:"diagnosis,omitempty"`
}

// Decode unmarshals a wire payload into a Message.
func Decode(data []byte) (Message, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Message{}, &FormatError{Reason: fmt.Sprintf("decode payload: %v", err)}
	}
	return p.ToMessage()
}

// ToMessage selects the prescription variant carried by the payload.
func (p Payload) ToMessage() (Message, error) {
	msg := Message{
		PatientID: p.PatientID,
		DoctorID:  p.DoctorID,
		IssuedAt:  p.IssuedAt,
		Diagnosis: p.Diagnosis,
	}

	switch {
	case p.Structured != nil && p.Text != "":
		return Message{}, formatErr("", "both structured and text prescriptions present")
	case p.Structured != nil:
		msg.Prescription = *p.Structured
	case p.Text != "":
		msg.Prescription = FreeText(p.Text)
	default:
		return Message{}, formatErr("", "no prescription present")
	}
	return msg, nil
}
