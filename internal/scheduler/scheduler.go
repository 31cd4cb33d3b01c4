// Package scheduler runs the per-patient dose lifecycle: it arms one timer per
// active dose event, opens a grace window when a dose falls due, resolves
// unconfirmed doses to missed and reacts to confirm and snooze requests.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/adherence"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/prescription"
	"github.com/drfirst/go-adherence/internal/formulary"
	"github.com/drfirst/go-adherence/internal/notify"
	"github.com/drfirst/go-adherence/pkg/clock"
)

var (
	ErrSessionActive   = errors.New("a scheduler session is already active for this patient")
	ErrSessionClosed   = errors.New("scheduler session is closed")
	ErrNoSession       = errors.New("no scheduler session for this patient")
	ErrUnknownEvent    = errors.New("unknown dose event")
	ErrPatientMismatch = errors.New("prescription addressed to another patient")
)

const (
	DefaultGraceWindow = 30 * time.Second
	DefaultSnoozeDelay = 10 * time.Minute
)

// Config holds the lifecycle timings.
type Config struct {
	GraceWindow time.Duration
	SnoozeDelay time.Duration
}

// DefaultConfig returns a 30s grace window and a 10m snooze delay.
func DefaultConfig() Config {
	return Config{GraceWindow: DefaultGraceWindow, SnoozeDelay: DefaultSnoozeDelay}
}

// Deps are the collaborators shared by every session. Only Clock is needed;
// the rest fall back to no-ops or in-memory defaults.
type Deps struct {
	Clock      clock.Clock
	Persister  Persister
	Dispatcher Dispatcher
	Templates  *notify.Templates
	Monitor    *adherence.Monitor
	Formulary  *formulary.Formulary
	Observers  []Observer
	Logger     *zap.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Templates == nil {
		d.Templates = notify.NewTemplates()
	}
	if d.Monitor == nil {
		d.Monitor = adherence.NewMonitor(adherence.DefaultThreshold, nil, d.Logger)
	}
	return d
}

// IngestResult describes what a prescription added to the schedule.
type IngestResult struct {
	Plan prescription.DosingPlan `json:"plan"`
	// Events are the generated events as currently held by the scheduler;
	// re-delivered doses keep their progressed state.
	Events []dose.Event `json:"events"`
	Added  int          `json:"added"`
	// Warning is set when every dose was already in the past.
	Warning string            `json:"warning,omitempty"`
	Verdict formulary.Verdict `json:"verdict,omitempty"`
}

type phase int

const (
	phaseDue phase = iota
	phaseGrace
)

type timerEntry struct {
	timer clock.Timer
	gen   uint64
	phase phase
}

type change struct {
	event dose.Event
	from  dose.Status
}

// effects are collected under the lock and emitted after it is released.
type effects struct {
	created []dose.Event
	changed []change
	due     []dose.Event
	log     []dose.Event
}

func (fx *effects) empty() bool {
	return len(fx.created) == 0 && len(fx.changed) == 0 && len(fx.due) == 0
}

// Scheduler owns the dose events of one patient session.
type Scheduler struct {
	patientID string
	doctorID  string
	cfg       Config
	deps      Deps
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	events map[string]*dose.Event
	timers map[string]timerEntry
	gen    uint64
	closed bool
}

// New creates a scheduler with no events. Use Restore or Ingest to load it.
func New(patientID, doctorID string, cfg Config, deps Deps) *Scheduler {
	deps = deps.withDefaults()
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	if cfg.SnoozeDelay <= 0 {
		cfg.SnoozeDelay = DefaultSnoozeDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		patientID: patientID,
		doctorID:  doctorID,
		cfg:       cfg,
		deps:      deps,
		logger:    deps.Logger.With(zap.String("patient_id", patientID)),
		tracer:    otel.Tracer("scheduler"),
		ctx:       ctx,
		cancel:    cancel,
		events:    make(map[string]*dose.Event),
		timers:    make(map[string]timerEntry),
	}
}

// PatientID returns the patient this session belongs to.
func (s *Scheduler) PatientID() string { return s.patientID }

// DoctorID returns the supervising doctor given when the session opened.
func (s *Scheduler) DoctorID() string { return s.doctorID }

// doctorFor returns the prescriber of ev, or the session's doctor for events
// ingested without one.
func (s *Scheduler) doctorFor(ev dose.Event) string {
	if ev.DoctorID != "" {
		return ev.DoctorID
	}
	return s.doctorID
}

// Ingest parses msg, generates its dose events and arms the new ones. Events
// whose id is already known are left untouched. An all-past schedule is not
// an error: the result carries a Warning instead.
func (s *Scheduler) Ingest(ctx context.Context, msg prescription.Message) (IngestResult, error) {
	_, span := s.tracer.Start(ctx, "scheduler.ingest",
		trace.WithAttributes(attribute.String("patient_id", s.patientID)))
	defer span.End()

	if msg.PatientID != "" && msg.PatientID != s.patientID {
		return IngestResult{}, fmt.Errorf("%w: %s", ErrPatientMismatch, msg.PatientID)
	}

	plan, err := prescription.Parse(msg)
	if err != nil {
		span.RecordError(err)
		return IngestResult{}, err
	}
	res := IngestResult{Plan: plan}

	if s.deps.Formulary != nil && plan.Diagnosis != "" {
		res.Verdict = s.deps.Formulary.Verify(plan.Diagnosis, plan.Medicine)
		if res.Verdict != formulary.Verified {
			s.logger.Warn("medicine does not match diagnosis",
				zap.String("medicine", plan.Medicine),
				zap.String("diagnosis", plan.Diagnosis),
				zap.String("verdict", string(res.Verdict)))
		}
	}

	generated, err := dose.Generate(plan, s.patientID, s.deps.Clock.Now())
	if errors.Is(err, dose.ErrEmptySchedule) {
		res.Warning = err.Error()
		res.Events = []dose.Event{}
		s.logger.Warn("prescription produced no future doses",
			zap.String("medicine", plan.Medicine),
			zap.Int("duration_days", plan.DurationDays))
		return res, nil
	}
	if err != nil {
		span.RecordError(err)
		return res, err
	}

	var fx effects
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return res, ErrSessionClosed
	}
	now := s.deps.Clock.Now()
	for _, ev := range generated {
		if cur, ok := s.events[ev.ID]; ok {
			res.Events = append(res.Events, *cur)
			continue
		}
		stored := ev
		stored.DoctorID = msg.DoctorID
		s.events[ev.ID] = &stored
		fx.created = append(fx.created, stored)
		s.armLocked(&stored, now, &fx)
		res.Events = append(res.Events, stored)
		res.Added++
	}
	fx.log = s.snapshotLocked()
	s.mu.Unlock()

	span.SetAttributes(attribute.Int("added", res.Added))
	s.logger.Info("prescription scheduled",
		zap.String("medicine", plan.Medicine),
		zap.Int("generated", len(generated)),
		zap.Int("added", res.Added))

	s.emit(fx)
	return res, nil
}

// Restore loads previously stored events and arms the active ones. A pending
// event already past its time is resolved to missed. A snoozed event past its
// time is reactivated: it opens the remaining grace window or, if that has
// elapsed too, is resolved to missed.
func (s *Scheduler) Restore(events []dose.Event) error {
	var fx effects
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	now := s.deps.Clock.Now()
	for _, ev := range events {
		if ev.PatientID != s.patientID {
			continue
		}
		if cur, ok := s.events[ev.ID]; ok && cur.Version >= ev.Version {
			continue
		}
		stored := ev
		s.events[ev.ID] = &stored
		s.armLocked(&stored, now, &fx)
	}
	fx.log = s.snapshotLocked()
	s.mu.Unlock()

	s.emit(fx)
	return nil
}

// Confirm records the dose as taken and cancels its timers.
func (s *Scheduler) Confirm(id string) (dose.Event, error) {
	var fx effects
	s.mu.Lock()
	ev, err := s.lookupLocked(id)
	if err != nil {
		s.mu.Unlock()
		return dose.Event{}, err
	}

	from := ev.Status
	s.cancelLocked(id)
	if err := ev.Confirm(s.deps.Clock.Now()); err != nil {
		s.mu.Unlock()
		return dose.Event{}, err
	}
	fx.changed = append(fx.changed, change{event: *ev, from: from})
	fx.log = s.snapshotLocked()
	out := *ev
	s.mu.Unlock()

	s.emit(fx)
	return out, nil
}

// Snooze pushes a pending dose back by the snooze delay and re-arms it.
func (s *Scheduler) Snooze(id string) (dose.Event, error) {
	var fx effects
	s.mu.Lock()
	ev, err := s.lookupLocked(id)
	if err != nil {
		s.mu.Unlock()
		return dose.Event{}, err
	}

	next := *ev
	if err := next.Snooze(s.deps.Clock.Now(), s.cfg.SnoozeDelay); err != nil {
		s.mu.Unlock()
		return dose.Event{}, err
	}
	from := ev.Status
	s.cancelLocked(id)
	*ev = next
	fx.changed = append(fx.changed, change{event: *ev, from: from})
	s.armLocked(ev, s.deps.Clock.Now(), &fx)
	fx.log = s.snapshotLocked()
	out := *ev
	s.mu.Unlock()

	s.emit(fx)
	return out, nil
}

// Event returns a copy of one event.
func (s *Scheduler) Event(id string) (dose.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return dose.Event{}, fmt.Errorf("%w: %s", ErrUnknownEvent, id)
	}
	return *ev, nil
}

// Events returns every event ordered by scheduled time.
func (s *Scheduler) Events() []dose.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Adherence computes the current summary.
func (s *Scheduler) Adherence() adherence.Summary {
	return adherence.Calculate(s.Events())
}

// ArmedTimers returns the number of outstanding timers.
func (s *Scheduler) ArmedTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close cancels every outstanding timer. Further operations fail with
// ErrSessionClosed. Close is idempotent.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, entry := range s.timers {
		entry.timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.cancel()
	s.logger.Debug("scheduler closed")
}

func (s *Scheduler) lookupLocked(id string) (*dose.Event, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	ev, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, id)
	}
	return ev, nil
}

func (s *Scheduler) snapshotLocked() []dose.Event {
	out := make([]dose.Event, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, *ev)
	}
	dose.SortChronologically(out)
	return out
}

func (s *Scheduler) cancelLocked(id string) {
	if entry, ok := s.timers[id]; ok {
		entry.timer.Stop()
		delete(s.timers, id)
	}
}

// scheduleLocked replaces any timer for id. Callbacks carry a generation so a
// timer that fires after being replaced or stopped is ignored.
func (s *Scheduler) scheduleLocked(id string, d time.Duration, p phase) {
	s.cancelLocked(id)
	s.gen++
	gen := s.gen
	t := s.deps.Clock.AfterFunc(d, func() { s.onTimer(id, gen) })
	s.timers[id] = timerEntry{timer: t, gen: gen, phase: p}
}

func (s *Scheduler) armLocked(ev *dose.Event, now time.Time, fx *effects) {
	s.cancelLocked(ev.ID)
	switch ev.Status {
	case dose.StatusPending:
		if ev.ScheduledTime.After(now) {
			s.scheduleLocked(ev.ID, ev.ScheduledTime.Sub(now), phaseDue)
			return
		}
		s.missLocked(ev, now, fx)

	case dose.StatusSnoozed:
		if ev.ScheduledTime.After(now) {
			s.scheduleLocked(ev.ID, ev.ScheduledTime.Sub(now), phaseDue)
			return
		}
		s.reactivateLocked(ev, now, fx)
		closes := ev.ScheduledTime.Add(s.cfg.GraceWindow)
		if now.Before(closes) {
			fx.due = append(fx.due, *ev)
			s.scheduleLocked(ev.ID, closes.Sub(now), phaseGrace)
			return
		}
		s.missLocked(ev, now, fx)
	}
}

func (s *Scheduler) onTimer(id string, gen uint64) {
	var fx effects
	s.mu.Lock()
	entry, ok := s.timers[id]
	if s.closed || !ok || entry.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	ev := s.events[id]
	now := s.deps.Clock.Now()

	switch entry.phase {
	case phaseDue:
		if ev.Status == dose.StatusSnoozed {
			s.reactivateLocked(ev, now, &fx)
		}
		if ev.Status == dose.StatusPending {
			fx.due = append(fx.due, *ev)
			s.scheduleLocked(id, s.cfg.GraceWindow, phaseGrace)
		}
	case phaseGrace:
		if ev.Status == dose.StatusPending {
			s.missLocked(ev, now, &fx)
		}
	}
	if !fx.empty() {
		fx.log = s.snapshotLocked()
	}
	s.mu.Unlock()

	s.emit(fx)
}

func (s *Scheduler) reactivateLocked(ev *dose.Event, now time.Time, fx *effects) {
	from := ev.Status
	if err := ev.Reactivate(now); err != nil {
		s.logger.Error("reactivate dose", zap.String("event_id", ev.ID), zap.Error(err))
		return
	}
	fx.changed = append(fx.changed, change{event: *ev, from: from})
}

func (s *Scheduler) missLocked(ev *dose.Event, now time.Time, fx *effects) {
	from := ev.Status
	if err := ev.Miss(now); err != nil {
		s.logger.Error("miss dose", zap.String("event_id", ev.ID), zap.Error(err))
		return
	}
	fx.changed = append(fx.changed, change{event: *ev, from: from})
}

// emit runs side effects outside the lock: persistence, observers,
// reminder delivery and escalation.
func (s *Scheduler) emit(fx effects) {
	for _, ev := range fx.created {
		s.persist(ev)
	}
	if len(fx.changed) > 0 {
		summary := adherence.Calculate(fx.log)
		for _, c := range fx.changed {
			s.persist(c.event)
			s.logger.Info("dose status changed",
				zap.String("event_id", c.event.ID),
				zap.String("from", string(c.from)),
				zap.String("status", string(c.event.Status)),
				zap.Float64("adherence_rate", summary.Rate))
			for _, o := range s.deps.Observers {
				o.StatusChanged(c.event, c.from, summary)
			}
		}
	}
	for _, ev := range fx.due {
		for _, o := range s.deps.Observers {
			o.ReminderDue(ev)
		}
		s.remind(ev)
	}
	if len(fx.changed) > 0 {
		s.escalate(fx.log)
	}
}

func (s *Scheduler) persist(ev dose.Event) {
	if s.deps.Persister == nil {
		return
	}
	if err := s.deps.Persister.Save(ev); err != nil {
		s.logger.Warn("queue dose persistence", zap.String("event_id", ev.ID), zap.Error(err))
	}
}

func (s *Scheduler) remind(ev dose.Event) {
	if s.deps.Dispatcher == nil {
		return
	}
	n, err := notify.Reminder(s.deps.Templates, ev, s.doctorFor(ev), s.deps.Clock.Now())
	if err != nil {
		s.logger.Error("render reminder", zap.String("event_id", ev.ID), zap.Error(err))
		return
	}
	if err := s.deps.Dispatcher.Dispatch(n); err != nil {
		s.logger.Warn("dispatch reminder", zap.String("event_id", ev.ID), zap.Error(err))
	}
}

func (s *Scheduler) escalate(log []dose.Event) {
	runs, err := s.deps.Monitor.Evaluate(s.ctx, s.patientID, log)
	if err != nil {
		s.logger.Error("evaluate escalation", zap.Error(err))
	}
	for _, run := range runs {
		for _, o := range s.deps.Observers {
			o.Escalated(s.patientID, run)
		}
		if s.deps.Dispatcher == nil {
			continue
		}
		n, err := notify.Escalation(s.deps.Templates, s.patientID, s.doctorFor(run.Trigger), run, s.deps.Clock.Now())
		if err != nil {
			s.logger.Error("render escalation", zap.String("run_key", run.Key), zap.Error(err))
			continue
		}
		if err := s.deps.Dispatcher.Dispatch(n); err != nil {
			s.logger.Warn("dispatch escalation", zap.String("run_key", run.Key), zap.Error(err))
		}
	}
}
