package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/drfirst/go-adherence/internal/adherence"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/notify"
	"github.com/drfirst/go-adherence/internal/reminder"
	"github.com/drfirst/go-adherence/pkg/circuitbreaker"
)

func TestObserverCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ReminderDue(dose.Event{ID: "e1", Status: dose.StatusPending})
	m.StatusChanged(dose.Event{ID: "e1", Status: dose.StatusSnoozed}, dose.StatusPending, adherence.Summary{})
	m.StatusChanged(dose.Event{ID: "e1", Status: dose.StatusMissed}, dose.StatusPending, adherence.Summary{Rate: 50})
	m.StatusChanged(dose.Event{ID: "e2", Status: dose.StatusTaken}, dose.StatusPending, adherence.Summary{Rate: 66.67})
	m.Escalated("p1", adherence.Run{Key: "e1"})
	m.PersistenceFailed(&reminder.PersistenceError{EventID: "e1", Err: errors.New("down")})
	m.NotificationFailed(notify.Notification{Kind: notify.KindEscalation}, errors.New("down"))

	if got := testutil.ToFloat64(m.RemindersDue); got != 1 {
		t.Errorf("reminders = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DoseTransitions.WithLabelValues("missed")); got != 1 {
		t.Errorf("missed transitions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Escalations); got != 1 {
		t.Errorf("escalations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PersistenceFailures); got != 1 {
		t.Errorf("persistence failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.NotificationFailures.WithLabelValues(string(notify.KindEscalation))); got != 1 {
		t.Errorf("notification failures = %v, want 1", got)
	}
	// only resolved doses are sampled
	if got := sampleCount(t, reg, "adherence_rate_percent"); got != 2 {
		t.Errorf("adherence rate samples = %d, want 2", got)
	}
}

func TestGauges(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SessionsOpen(3)
	m.PersistQueue(7)
	m.BreakerStateChanged("notifications", circuitbreaker.StateOpen)

	if got := testutil.ToFloat64(m.ActiveSessions); got != 3 {
		t.Errorf("sessions = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.PersistQueueDepth); got != 7 {
		t.Errorf("persist queue = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("notifications")); got != 1 {
		t.Errorf("breaker state = %v, want 1", got)
	}
	m.BreakerStateChanged("notifications", circuitbreaker.StateClosed)
	if got := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("notifications")); got != 0 {
		t.Errorf("breaker state = %v, want 0", got)
	}
}

func sampleCount(t *testing.T, reg *prometheus.Registry, name string) uint64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name && len(mf.GetMetric()) == 1 {
			return mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	return 0
}

func TestHandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Escalated("p1", adherence.Run{})

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "missed_dose_escalations_total 1") {
		t.Error("escalation counter missing from exposition")
	}
}
