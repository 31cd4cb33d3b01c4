package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/prescription"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/internal/scheduler"
	"github.com/drfirst/go-adherence/pkg/clock"
	"github.com/drfirst/go-adherence/pkg/idempotency"
)

var issued = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

type captured struct {
	topic string
	key   string
	value []byte
}

type capturePublisher struct {
	records []captured
	err     error
}

func (c *capturePublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	if c.err != nil {
		return c.err
	}
	c.records = append(c.records, captured{topic, key, value})
	return nil
}

type failingSessions struct{}

func (failingSessions) GetOrOpen(context.Context, string, string) (*scheduler.Scheduler, error) {
	return nil, errors.New("store unavailable")
}

func newRegistry(t *testing.T) *scheduler.Registry {
	t.Helper()
	reg := scheduler.NewRegistry(scheduler.DefaultConfig(), scheduler.Deps{Clock: clock.NewFake(issued)}, nil)
	t.Cleanup(reg.CloseAll)
	return reg
}

func record(t *testing.T, p prescription.Payload) *redpanda.ConsumedMessage {
	t.Helper()
	value, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	return &redpanda.ConsumedMessage{Topic: redpanda.TopicPrescriptionMessages, Key: []byte(p.PatientID), Value: value}
}

func TestHandleMessageSchedules(t *testing.T) {
	reg := newRegistry(t)
	dlq := &capturePublisher{}
	svc := NewService(reg, dlq, nil)

	msg := record(t, prescription.Payload{
		PatientID: "patient-1",
		DoctorID:  "doctor-1",
		Text:      "Paracetamol, 500mg, 08:00 AM and 06:00 PM, 3 days",
		IssuedAt:  issued,
	})
	if err := svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	sched, ok := reg.Get("patient-1")
	if !ok {
		t.Fatal("no session opened for patient-1")
	}
	if got := len(sched.Events()); got != 6 {
		t.Errorf("events = %d, want 6", got)
	}
	if sched.DoctorID() != "doctor-1" {
		t.Errorf("doctor = %q", sched.DoctorID())
	}

	// redelivery is harmless
	if err := svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("redelivery error = %v", err)
	}
	if got := len(sched.Events()); got != 6 {
		t.Errorf("events after redelivery = %d, want 6", got)
	}
	if len(dlq.records) != 0 {
		t.Errorf("dead letters = %d, want 0", len(dlq.records))
	}
}

func TestHandleMessageDeadLettersInvalid(t *testing.T) {
	tests := []struct {
		name  string
		value []byte
	}{
		{"not json", []byte("Paracetamol twice a day")},
		{"no prescription", []byte(`{"patient_id":"patient-1","issued_at":"2024-01-01T10:00:00Z"}`)},
		{"bad free text", []byte(`{"patient_id":"patient-1","prescription_text":"Paracetamol, 500mg","issued_at":"2024-01-01T10:00:00Z"}`)},
		{"no patient", []byte(`{"prescription_text":"Paracetamol, 500mg, 08:00 AM, 3 days","issued_at":"2024-01-01T10:00:00Z"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dlq := &capturePublisher{}
			svc := NewService(newRegistry(t), dlq, nil)
			msg := &redpanda.ConsumedMessage{Topic: redpanda.TopicPrescriptionMessages, Key: []byte("patient-1"), Value: tt.value}

			if err := svc.HandleMessage(context.Background(), msg); err != nil {
				t.Fatalf("HandleMessage() error = %v, want nil", err)
			}
			if len(dlq.records) != 1 || dlq.records[0].topic != redpanda.TopicDeadLetter {
				t.Fatalf("dead letters = %+v", dlq.records)
			}
			var envelope map[string]interface{}
			if err := json.Unmarshal(dlq.records[0].value, &envelope); err != nil {
				t.Fatalf("envelope is not JSON: %v", err)
			}
			if envelope["original_topic"] != redpanda.TopicPrescriptionMessages || envelope["error"] == "" {
				t.Errorf("envelope = %v", envelope)
			}
		})
	}
}

func TestDeadLetterStampedByClock(t *testing.T) {
	rejected := issued.Add(90 * time.Minute)
	dlq := &capturePublisher{}
	svc := NewService(newRegistry(t), dlq, nil).WithClock(clock.NewFake(rejected))

	msg := &redpanda.ConsumedMessage{Topic: redpanda.TopicPrescriptionMessages, Key: []byte("patient-1"), Value: []byte("garbage")}
	if err := svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if len(dlq.records) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dlq.records))
	}
	var envelope struct {
		RejectedAt time.Time `json:"rejected_at"`
	}
	if err := json.Unmarshal(dlq.records[0].value, &envelope); err != nil {
		t.Fatalf("envelope is not JSON: %v", err)
	}
	if !envelope.RejectedAt.Equal(rejected) {
		t.Errorf("rejected_at = %v, want %v", envelope.RejectedAt, rejected)
	}
}

func TestHandleMessageRetriesTransientFailures(t *testing.T) {
	dlq := &capturePublisher{}
	svc := NewService(failingSessions{}, dlq, nil)

	msg := record(t, prescription.Payload{
		PatientID: "patient-1",
		Text:      "Paracetamol, 500mg, 08:00 AM, 3 days",
		IssuedAt:  issued,
	})
	if err := svc.HandleMessage(context.Background(), msg); err == nil {
		t.Fatal("HandleMessage() error = nil, want redelivery")
	}
	if len(dlq.records) != 0 {
		t.Errorf("transient failure was dead-lettered")
	}
}

func TestHandleMessageDeadLetterFailureRedelivers(t *testing.T) {
	svc := NewService(newRegistry(t), &capturePublisher{err: errors.New("broker down")}, nil)
	msg := &redpanda.ConsumedMessage{Value: []byte("garbage")}
	if err := svc.HandleMessage(context.Background(), msg); err == nil {
		t.Fatal("HandleMessage() error = nil, want dead-letter failure")
	}
}

func TestIngestRequiresPatient(t *testing.T) {
	svc := NewService(newRegistry(t), nil, nil)
	_, err := svc.Ingest(context.Background(), prescription.Message{
		Prescription: prescription.FreeText("Paracetamol, 500mg, 08:00 AM, 3 days"),
		IssuedAt:     issued,
	})
	if !errors.Is(err, prescription.ErrInvalidFormat) {
		t.Errorf("Ingest() error = %v, want ErrInvalidFormat", err)
	}
}

// fakeInbox mirrors the inbox contract in memory.
type fakeInbox struct {
	done map[string]bool
	busy map[string]bool
	keys []string
}

func (f *fakeInbox) Process(ctx context.Context, key, _ string, _ json.RawMessage, fn idempotency.Func) (*idempotency.Result, error) {
	f.keys = append(f.keys, key)
	if f.done[key] {
		return nil, idempotency.ErrDuplicate
	}
	if f.busy[key] {
		return nil, idempotency.ErrInProgress
	}
	if err := fn(ctx); err != nil {
		if Rejected(err) {
			f.done[key] = true
		}
		return nil, err
	}
	f.done[key] = true
	return &idempotency.Result{IsNew: true}, nil
}

func TestHandleMessageWithInbox(t *testing.T) {
	reg := newRegistry(t)
	dlq := &capturePublisher{}
	inbox := &fakeInbox{done: map[string]bool{}, busy: map[string]bool{}}
	svc := NewService(reg, dlq, nil).WithInbox(inbox)
	ctx := context.Background()

	payload := prescription.Payload{
		PatientID: "patient-1",
		Text:      "Paracetamol, 500mg, 08:00 AM, 3 days",
		IssuedAt:  issued,
	}
	msg := record(t, payload)
	for i := 0; i < 2; i++ {
		if err := svc.HandleMessage(ctx, msg); err != nil {
			t.Fatalf("delivery %d: %v", i+1, err)
		}
	}
	if len(inbox.keys) != 2 || inbox.keys[0] != inbox.keys[1] {
		t.Errorf("inbox keys = %v, want the same key twice", inbox.keys)
	}
	if sched, _ := reg.Get("patient-1"); len(sched.Events()) != 3 {
		t.Errorf("events = %d, want 3", len(sched.Events()))
	}

	// a different prescription for the same patient gets its own key
	payload.Text = "Ibuprofen, 200mg, 09:00 PM, 2 days"
	other := record(t, payload)
	inbox.busy[MessageKey(mustDecode(t, other.Value), other.Value)] = true
	if err := svc.HandleMessage(ctx, other); !errors.Is(err, idempotency.ErrInProgress) {
		t.Errorf("in-progress record err = %v, want ErrInProgress", err)
	}

	bad := record(t, prescription.Payload{PatientID: "patient-1", Text: "Paracetamol twice daily", IssuedAt: issued})
	if err := svc.HandleMessage(ctx, bad); err != nil {
		t.Fatalf("invalid record: %v", err)
	}
	if len(dlq.records) != 1 {
		t.Errorf("dead letters = %d, want 1", len(dlq.records))
	}
}

func TestMessageKeyTruncatesIssueTime(t *testing.T) {
	raw := []byte(`{}`)
	a := prescription.Message{PatientID: "p", DoctorID: "d", IssuedAt: issued}
	b := a
	b.IssuedAt = issued.Add(30 * time.Second)
	if MessageKey(a, raw) != MessageKey(b, raw) {
		t.Error("keys differ within the same minute")
	}
	b.IssuedAt = issued.Add(time.Minute)
	if MessageKey(a, raw) == MessageKey(b, raw) {
		t.Error("keys equal across minutes")
	}
}

func mustDecode(t *testing.T, raw []byte) prescription.Message {
	t.Helper()
	msg, err := prescription.Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	return msg
}
