// Package ingest routes prescription messages to the patient's scheduler
// session, from HTTP or from the prescription topic.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/prescription"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/internal/scheduler"
	"github.com/drfirst/go-adherence/pkg/clock"
	"github.com/drfirst/go-adherence/pkg/idempotency"
)

// handlerName identifies this consumer in the inbox.
const handlerName = "prescription-ingest"

// Sessions resolves the scheduler session for a patient, opening it if needed.
type Sessions interface {
	GetOrOpen(ctx context.Context, patientID, doctorID string) (*scheduler.Scheduler, error)
}

// Inbox runs fn at most once per key.
type Inbox interface {
	Process(ctx context.Context, key, handler string, payload json.RawMessage, fn idempotency.Func) (*idempotency.Result, error)
}

// Service ingests prescriptions into scheduler sessions.
type Service struct {
	sessions   Sessions
	deadLetter redpanda.Publisher
	inbox      Inbox
	clock      clock.Clock
	logger     *zap.Logger
}

// NewService creates a service. deadLetter may be nil, in which case
// rejected records are only logged.
func NewService(sessions Sessions, deadLetter redpanda.Publisher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{sessions: sessions, deadLetter: deadLetter, clock: clock.Real(), logger: logger}
}

// WithInbox makes consumed records skip prescriptions that were already
// handled. HTTP ingestion is not deduplicated.
func (s *Service) WithInbox(inbox Inbox) *Service {
	s.inbox = inbox
	return s
}

// WithClock stamps dead letters from clk instead of the wall clock.
func (s *Service) WithClock(clk clock.Clock) *Service {
	s.clock = clk
	return s
}

// Ingest schedules msg for its patient.
func (s *Service) Ingest(ctx context.Context, msg prescription.Message) (scheduler.IngestResult, error) {
	if msg.PatientID == "" {
		return scheduler.IngestResult{}, &prescription.FormatError{Field: "patient_id", Reason: "missing"}
	}
	sched, err := s.sessions.GetOrOpen(ctx, msg.PatientID, msg.DoctorID)
	if err != nil {
		return scheduler.IngestResult{}, fmt.Errorf("open session: %w", err)
	}
	return sched.Ingest(ctx, msg)
}

// HandleMessage is a redpanda.MessageHandler. Records that can never be
// scheduled are dead-lettered and acknowledged; other failures are returned
// so the record is redelivered.
func (s *Service) HandleMessage(ctx context.Context, m *redpanda.ConsumedMessage) error {
	msg, err := prescription.Decode(m.Value)
	if err == nil {
		if err = s.consume(ctx, m, msg); err == nil {
			return nil
		}
	}
	if !Rejected(err) {
		return err
	}

	s.logger.Warn("prescription rejected",
		zap.String("topic", m.Topic),
		zap.Int32("partition", m.Partition),
		zap.Int64("offset", m.Offset),
		zap.Error(err))
	if s.deadLetter == nil {
		return nil
	}
	value, merr := json.Marshal(map[string]interface{}{
		"original_topic": m.Topic,
		"partition":      m.Partition,
		"offset":         m.Offset,
		"payload":        json.RawMessage(validJSON(m.Value)),
		"error":          err.Error(),
		"rejected_at":    s.clock.Now().UTC(),
	})
	if merr != nil {
		return fmt.Errorf("marshal dead letter: %w", merr)
	}
	if perr := s.deadLetter.Publish(ctx, redpanda.TopicDeadLetter, string(m.Key), value); perr != nil {
		return fmt.Errorf("dead-letter rejected prescription: %w", perr)
	}
	return nil
}

func (s *Service) consume(ctx context.Context, m *redpanda.ConsumedMessage, msg prescription.Message) error {
	run := func(ctx context.Context) error {
		res, err := s.Ingest(ctx, msg)
		if err != nil {
			return err
		}
		s.logger.Debug("prescription consumed",
			zap.String("patient_id", msg.PatientID),
			zap.Int64("offset", m.Offset),
			zap.Int("added", res.Added))
		return nil
	}
	if s.inbox == nil {
		return run(ctx)
	}

	key := MessageKey(msg, m.Value)
	_, err := s.inbox.Process(ctx, key, handlerName, m.Value, run)
	if errors.Is(err, idempotency.ErrDuplicate) {
		s.logger.Debug("duplicate prescription skipped",
			zap.String("patient_id", msg.PatientID),
			zap.Int64("offset", m.Offset))
		return nil
	}
	return err
}

// MessageKey is the inbox key of a consumed prescription: the patient, the
// prescriber, the issue minute and the raw record.
func MessageKey(msg prescription.Message, raw []byte) string {
	return idempotency.Key(
		msg.PatientID,
		msg.DoctorID,
		msg.IssuedAt.UTC().Truncate(time.Minute).Format(time.RFC3339),
		string(raw),
	)
}

// Rejected reports whether err means the message itself is unusable.
func Rejected(err error) bool {
	return errors.Is(err, prescription.ErrInvalidFormat) || errors.Is(err, scheduler.ErrPatientMismatch)
}

// validJSON returns raw when it is valid JSON, otherwise raw quoted as a string.
func validJSON(raw []byte) []byte {
	if json.Valid(raw) {
		return raw
	}
	quoted, _ := json.Marshal(string(raw))
	return quoted
}
