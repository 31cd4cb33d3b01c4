package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/drfirst/go-adherence/internal/adherence"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/prescription"
	"github.com/drfirst/go-adherence/internal/notify"
	"github.com/drfirst/go-adherence/pkg/clock"
)

var issued = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

const firstDose = "paracetamol_2024-01-02_0800"

type recorder struct {
	NopObserver
	mu          sync.Mutex
	due         []dose.Event
	changes     []dose.Event
	froms       []dose.Status
	summaries   []adherence.Summary
	escalations []adherence.Run
	saved       []dose.Event
	sent        []notify.Notification
}

func (r *recorder) ReminderDue(ev dose.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.due = append(r.due, ev)
}

func (r *recorder) StatusChanged(ev dose.Event, from dose.Status, s adherence.Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, ev)
	r.froms = append(r.froms, from)
	r.summaries = append(r.summaries, s)
}

func (r *recorder) Escalated(_ string, run adherence.Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.escalations = append(r.escalations, run)
}

func (r *recorder) Save(ev dose.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, ev)
	return nil
}

func (r *recorder) Dispatch(n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recorder) changesTo(id string, status dose.Status) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.changes {
		if ev.ID == id && ev.Status == status {
			n++
		}
	}
	return n
}

func (r *recorder) sentOfKind(kind notify.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

func newTestScheduler(t *testing.T) (*Scheduler, *clock.Fake, *recorder) {
	t.Helper()
	clk := clock.NewFake(issued)
	rec := &recorder{}
	s := New("patient-1", "doctor-1", DefaultConfig(), Deps{
		Clock:      clk,
		Persister:  rec,
		Dispatcher: rec,
		Observers:  []Observer{rec},
	})
	t.Cleanup(s.Close)
	return s, clk, rec
}

func paracetamol() prescription.Message {
	return prescription.Message{
		PatientID:    "patient-1",
		DoctorID:     "doctor-1",
		Prescription: prescription.FreeText("Paracetamol, 500mg, 08:00 AM and 06:00 PM, 3 days"),
		IssuedAt:     issued,
	}
}

func ingest(t *testing.T, s *Scheduler) IngestResult {
	t.Helper()
	res, err := s.Ingest(context.Background(), paracetamol())
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	return res
}

func status(t *testing.T, s *Scheduler, id string) dose.Status {
	t.Helper()
	ev, err := s.Event(id)
	if err != nil {
		t.Fatalf("Event(%s) error = %v", id, err)
	}
	return ev.Status
}

func TestIngestArmsEveryEvent(t *testing.T) {
	s, _, rec := newTestScheduler(t)

	res := ingest(t, s)
	if res.Added != 6 || len(res.Events) != 6 || res.Warning != "" {
		t.Fatalf("Ingest() = added %d, events %d, warning %q", res.Added, len(res.Events), res.Warning)
	}
	if s.ArmedTimers() != 6 {
		t.Errorf("ArmedTimers() = %d, want 6", s.ArmedTimers())
	}
	if len(rec.saved) != 6 {
		t.Errorf("persisted %d events, want 6", len(rec.saved))
	}

	// Re-delivery of the same prescription adds nothing.
	again := ingest(t, s)
	if again.Added != 0 || len(again.Events) != 6 {
		t.Errorf("re-Ingest() = added %d, events %d", again.Added, len(again.Events))
	}
	if s.ArmedTimers() != 6 {
		t.Errorf("ArmedTimers() after re-ingest = %d, want 6", s.ArmedTimers())
	}
}

func TestIngestEmptyScheduleWarns(t *testing.T) {
	s, clk, _ := newTestScheduler(t)
	clk.Set(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))

	res, err := s.Ingest(context.Background(), paracetamol())
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if res.Warning == "" || res.Added != 0 || len(res.Events) != 0 {
		t.Errorf("Ingest() = %+v, want warning and no events", res)
	}
}

func TestIngestRejectsInvalidFormat(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	msg := paracetamol()
	msg.Prescription = prescription.FreeText("Paracetamol, 500mg, 08:00 XM, 3 days")

	if _, err := s.Ingest(context.Background(), msg); !errors.Is(err, prescription.ErrInvalidFormat) {
		t.Fatalf("Ingest() error = %v, want ErrInvalidFormat", err)
	}
	if len(s.Events()) != 0 {
		t.Error("invalid prescription produced events")
	}
}

func TestIngestRejectsOtherPatient(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	msg := paracetamol()
	msg.PatientID = "patient-2"
	if _, err := s.Ingest(context.Background(), msg); !errors.Is(err, ErrPatientMismatch) {
		t.Fatalf("Ingest() error = %v, want ErrPatientMismatch", err)
	}
}

func TestFireOpensGraceWindow(t *testing.T) {
	s, clk, rec := newTestScheduler(t)
	ingest(t, s)

	clk.Set(time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC))
	if len(rec.due) != 1 || rec.due[0].ID != firstDose {
		t.Fatalf("due = %+v, want %s", rec.due, firstDose)
	}
	if rec.sentOfKind(notify.KindDoseReminder) != 1 {
		t.Errorf("sent %d reminders, want 1", rec.sentOfKind(notify.KindDoseReminder))
	}
	if status(t, s, firstDose) != dose.StatusPending {
		t.Errorf("status = %s, want pending during grace window", status(t, s, firstDose))
	}

	clk.Advance(29 * time.Second)
	if status(t, s, firstDose) != dose.StatusPending {
		t.Fatal("missed before grace window elapsed")
	}
	clk.Advance(time.Second)
	if status(t, s, firstDose) != dose.StatusMissed {
		t.Fatalf("status = %s, want missed", status(t, s, firstDose))
	}
	if n := rec.changesTo(firstDose, dose.StatusMissed); n != 1 {
		t.Errorf("missed transitions = %d, want exactly 1", n)
	}
}

func TestConfirmDuringGraceWindow(t *testing.T) {
	s, clk, rec := newTestScheduler(t)
	ingest(t, s)

	clk.Set(time.Date(2024, 1, 2, 8, 0, 10, 0, time.UTC))
	ev, err := s.Confirm(firstDose)
	if err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	if ev.Status != dose.StatusTaken || ev.ConfirmedAt == nil {
		t.Fatalf("Confirm() = %+v", ev)
	}
	if s.ArmedTimers() != 5 {
		t.Errorf("ArmedTimers() = %d, want 5", s.ArmedTimers())
	}

	clk.Advance(time.Hour)
	if status(t, s, firstDose) != dose.StatusTaken {
		t.Fatal("confirmed dose changed after grace window")
	}
	if rec.changesTo(firstDose, dose.StatusMissed) != 0 {
		t.Error("grace expiry fired after confirm")
	}

	last := rec.summaries[len(rec.summaries)-1]
	if last.TakenCount != 1 || last.TotalCount != 6 {
		t.Errorf("summary = %+v", last)
	}

	if _, err := s.Confirm(firstDose); !errors.Is(err, dose.ErrInvalidTransition) {
		t.Errorf("second Confirm() error = %v, want ErrInvalidTransition", err)
	}
}

func TestConfirmBeforeDue(t *testing.T) {
	s, clk, rec := newTestScheduler(t)
	ingest(t, s)

	if _, err := s.Confirm(firstDose); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	clk.Set(time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC))
	for _, ev := range rec.due {
		if ev.ID == firstDose {
			t.Fatal("reminder fired for a confirmed dose")
		}
	}
}

func TestSnoozeReschedules(t *testing.T) {
	s, clk, rec := newTestScheduler(t)
	ingest(t, s)

	due := time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC)
	clk.Set(due.Add(5 * time.Second))

	ev, err := s.Snooze(firstDose)
	if err != nil {
		t.Fatalf("Snooze() error = %v", err)
	}
	if ev.Status != dose.StatusSnoozed || ev.SnoozeCount != 1 || !ev.ScheduledTime.Equal(due.Add(10*time.Minute)) {
		t.Fatalf("Snooze() = %+v", ev)
	}
	if _, err := s.Snooze(firstDose); !errors.Is(err, dose.ErrInvalidTransition) {
		t.Errorf("Snooze() while snoozed error = %v, want ErrInvalidTransition", err)
	}

	// The original grace window must not resolve the dose.
	clk.Advance(time.Minute)
	if status(t, s, firstDose) != dose.StatusSnoozed {
		t.Fatalf("status = %s, want snoozed", status(t, s, firstDose))
	}

	// At the new time the dose is due again.
	clk.Set(due.Add(10 * time.Minute))
	if status(t, s, firstDose) != dose.StatusPending {
		t.Fatalf("status = %s, want pending after snooze elapsed", status(t, s, firstDose))
	}
	if len(rec.due) != 2 {
		t.Errorf("reminders = %d, want 2", len(rec.due))
	}

	// Snoozed doses can be confirmed.
	ev, err = s.Confirm(firstDose)
	if err != nil || ev.Status != dose.StatusTaken {
		t.Fatalf("Confirm() = %+v, %v", ev, err)
	}
}

func TestSnoozeThenMiss(t *testing.T) {
	s, clk, rec := newTestScheduler(t)
	ingest(t, s)

	due := time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC)
	clk.Set(due)
	if _, err := s.Snooze(firstDose); err != nil {
		t.Fatalf("Snooze() error = %v", err)
	}
	clk.Set(due.Add(10*time.Minute + 30*time.Second))
	if status(t, s, firstDose) != dose.StatusMissed {
		t.Fatalf("status = %s, want missed", status(t, s, firstDose))
	}
	if n := rec.changesTo(firstDose, dose.StatusMissed); n != 1 {
		t.Errorf("missed transitions = %d, want 1", n)
	}
}

func TestUnknownEvent(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	if _, err := s.Confirm("nope"); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("Confirm() error = %v, want ErrUnknownEvent", err)
	}
	if _, err := s.Snooze("nope"); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("Snooze() error = %v, want ErrUnknownEvent", err)
	}
}

func TestEscalationFiresOncePerRun(t *testing.T) {
	s, clk, rec := newTestScheduler(t)
	ingest(t, s)

	// Three consecutive doses lapse.
	clk.Set(time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC))
	if len(rec.escalations) != 1 {
		t.Fatalf("escalations = %d, want 1", len(rec.escalations))
	}
	if rec.escalations[0].Trigger.ID != "paracetamol_2024-01-03_0800" {
		t.Errorf("trigger = %s", rec.escalations[0].Trigger.ID)
	}
	if rec.sentOfKind(notify.KindEscalation) != 1 {
		t.Errorf("escalation notifications = %d, want 1", rec.sentOfKind(notify.KindEscalation))
	}

	// The run keeps growing without refiring.
	clk.Set(time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))
	if len(rec.escalations) != 1 || rec.sentOfKind(notify.KindEscalation) != 1 {
		t.Errorf("escalations = %d, want still 1", len(rec.escalations))
	}
	if sum := s.Adherence(); sum.MissedCount != 6 || sum.Rate != 0 {
		t.Errorf("Adherence() = %+v", sum)
	}
	if s.ArmedTimers() != 0 {
		t.Errorf("ArmedTimers() = %d after every dose resolved", s.ArmedTimers())
	}
}

func TestEscalationNotifiesPrescriber(t *testing.T) {
	clk := clock.NewFake(issued)
	rec := &recorder{}
	// session opened without a supervising doctor
	s := New("patient-1", "", DefaultConfig(), Deps{
		Clock:      clk,
		Persister:  rec,
		Dispatcher: rec,
		Observers:  []Observer{rec},
	})
	t.Cleanup(s.Close)

	res := ingest(t, s)
	if res.Events[0].DoctorID != "doctor-1" {
		t.Errorf("event doctor = %q, want doctor-1", res.Events[0].DoctorID)
	}

	clk.Set(time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var doctors []string
	for _, n := range rec.sent {
		if n.Kind == notify.KindEscalation || n.Kind == notify.KindDoseReminder {
			doctors = append(doctors, n.DoctorID)
		}
	}
	if len(doctors) == 0 {
		t.Fatal("no notifications sent")
	}
	for _, d := range doctors {
		if d != "doctor-1" {
			t.Errorf("notification doctor = %q, want doctor-1", d)
		}
	}
	for _, ev := range rec.saved {
		if ev.DoctorID != "doctor-1" {
			t.Errorf("saved %s with doctor %q", ev.ID, ev.DoctorID)
		}
	}
}

func TestTakenBreaksRun(t *testing.T) {
	s, clk, rec := newTestScheduler(t)
	ingest(t, s)

	clk.Set(time.Date(2024, 1, 2, 19, 0, 0, 0, time.UTC)) // two misses
	clk.Set(time.Date(2024, 1, 3, 8, 0, 0, 0, time.UTC))
	if _, err := s.Confirm("paracetamol_2024-01-03_0800"); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	clk.Set(time.Date(2024, 1, 4, 9, 0, 0, 0, time.UTC)) // two more misses
	if len(rec.escalations) != 0 {
		t.Errorf("escalations = %d, want 0", len(rec.escalations))
	}
	if sum := s.Adherence(); sum.TakenCount != 1 || sum.MissedCount != 4 || sum.Rate != 16.67 {
		t.Errorf("Adherence() = %+v", sum)
	}
}

func TestRestore(t *testing.T) {
	s, clk, rec := newTestScheduler(t)
	now := time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)
	clk.Set(now)

	past := dose.Event{ID: "a", PatientID: "patient-1", ScheduledTime: now.Add(-time.Hour), Status: dose.StatusPending, Version: 1}
	snoozed := dose.Event{ID: "b", PatientID: "patient-1", ScheduledTime: now.Add(-10 * time.Second), Status: dose.StatusSnoozed, SnoozeCount: 1, Version: 2}
	stale := dose.Event{ID: "c", PatientID: "patient-1", ScheduledTime: now.Add(-time.Hour), Status: dose.StatusSnoozed, SnoozeCount: 1, Version: 2}
	future := dose.Event{ID: "d", PatientID: "patient-1", ScheduledTime: now.Add(time.Hour), Status: dose.StatusPending, Version: 1}
	taken := dose.Event{ID: "e", PatientID: "patient-1", ScheduledTime: now.Add(-2 * time.Hour), Status: dose.StatusTaken, Version: 2}
	other := dose.Event{ID: "f", PatientID: "patient-2", ScheduledTime: now.Add(time.Hour), Status: dose.StatusPending, Version: 1}

	if err := s.Restore([]dose.Event{past, snoozed, stale, future, taken, other}); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	want := map[string]dose.Status{
		"a": dose.StatusMissed,
		"b": dose.StatusPending,
		"c": dose.StatusMissed,
		"d": dose.StatusPending,
		"e": dose.StatusTaken,
	}
	for id, st := range want {
		if got := status(t, s, id); got != st {
			t.Errorf("status(%s) = %s, want %s", id, got, st)
		}
	}
	if _, err := s.Event("f"); !errors.Is(err, ErrUnknownEvent) {
		t.Error("restored another patient's event")
	}
	// "b" is in its remaining grace window, "d" waits for its time.
	if s.ArmedTimers() != 2 {
		t.Errorf("ArmedTimers() = %d, want 2", s.ArmedTimers())
	}
	if len(rec.due) != 1 || rec.due[0].ID != "b" {
		t.Errorf("due = %+v, want b", rec.due)
	}

	clk.Advance(20 * time.Second)
	if got := status(t, s, "b"); got != dose.StatusMissed {
		t.Errorf("status(b) = %s after grace, want missed", got)
	}
}

func TestCloseCancelsTimers(t *testing.T) {
	s, clk, rec := newTestScheduler(t)
	ingest(t, s)

	s.Close()
	if s.ArmedTimers() != 0 {
		t.Errorf("ArmedTimers() = %d after Close", s.ArmedTimers())
	}
	if clk.Pending() != 0 {
		t.Errorf("clock still holds %d timers", clk.Pending())
	}

	clk.Set(time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))
	if len(rec.due) != 0 || len(rec.changes) != 0 {
		t.Error("closed scheduler fired")
	}
	if _, err := s.Confirm(firstDose); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Confirm() after Close error = %v, want ErrSessionClosed", err)
	}
	s.Close()
}
