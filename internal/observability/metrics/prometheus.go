// Package metrics exposes Prometheus metrics for the adherence engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drfirst/go-adherence/internal/adherence"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/notify"
	"github.com/drfirst/go-adherence/internal/reminder"
	"github.com/drfirst/go-adherence/pkg/circuitbreaker"
)

// Metrics holds all application metrics. It doubles as a scheduler
// observer so lifecycle events are counted where they happen.
type Metrics struct {
	DoseTransitions       *prometheus.CounterVec
	RemindersDue          prometheus.Counter
	Escalations           prometheus.Counter
	PersistenceFailures   prometheus.Counter
	NotificationFailures  *prometheus.CounterVec
	ActiveSessions        prometheus.Gauge
	AdherenceRate         prometheus.Histogram
	PrescriptionsIngested *prometheus.CounterVec
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
	PersistQueueDepth     prometheus.Gauge
}

// New creates the metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		DoseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dose_transitions_total",
			Help: "Dose status transitions by resulting status",
		}, []string{"status"}),
		RemindersDue: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dose_reminders_due_total",
			Help: "Doses that fell due and opened a grace window",
		}),
		Escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "missed_dose_escalations_total",
			Help: "Missed-dose runs escalated to the supervising doctor",
		}),
		PersistenceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dose_persistence_failures_total",
			Help: "Dose writes dropped after exhausting retries",
		}),
		NotificationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_failures_total",
			Help: "Notifications that could not be delivered",
		}, []string{"kind"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scheduler_sessions_active",
			Help: "Currently open patient sessions",
		}),
		AdherenceRate: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "adherence_rate_percent",
			Help:    "Patient adherence rate observed after each resolved dose",
			Buckets: []float64{10, 25, 50, 60, 70, 80, 90, 95, 100},
		}),
		PrescriptionsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescriptions_ingested_total",
			Help: "Prescriptions ingested by outcome",
		}, []string{"outcome"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		PersistQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dose_persist_queue_depth",
			Help: "Dose writes waiting for a persistence worker",
		}),
	}

	reg.MustRegister(
		m.DoseTransitions,
		m.RemindersDue,
		m.Escalations,
		m.PersistenceFailures,
		m.NotificationFailures,
		m.ActiveSessions,
		m.AdherenceRate,
		m.PrescriptionsIngested,
		m.OutboxPending,
		m.CircuitBreakerState,
		m.PersistQueueDepth,
	)
	return m
}

// ReminderDue counts a dose falling due.
func (m *Metrics) ReminderDue(dose.Event) {
	m.RemindersDue.Inc()
}

// StatusChanged counts a transition and samples the adherence rate once a
// dose is resolved.
func (m *Metrics) StatusChanged(ev dose.Event, _ dose.Status, summary adherence.Summary) {
	m.DoseTransitions.WithLabelValues(string(ev.Status)).Inc()
	if ev.Status.Terminal() {
		m.AdherenceRate.Observe(summary.Rate)
	}
}

// Escalated counts an escalated run.
func (m *Metrics) Escalated(string, adherence.Run) {
	m.Escalations.Inc()
}

// PersistenceFailed is a reminder.FailureFunc.
func (m *Metrics) PersistenceFailed(*reminder.PersistenceError) {
	m.PersistenceFailures.Inc()
}

// NotificationFailed is a notify.FailureFunc.
func (m *Metrics) NotificationFailed(n notify.Notification, _ error) {
	m.NotificationFailures.WithLabelValues(string(n.Kind)).Inc()
}

// Ingested records an ingestion outcome: "scheduled", "empty", "rejected" or "failed".
func (m *Metrics) Ingested(outcome string) {
	m.PrescriptionsIngested.WithLabelValues(outcome).Inc()
}

// SessionsOpen sets the open session gauge.
func (m *Metrics) SessionsOpen(n int) {
	m.ActiveSessions.Set(float64(n))
}

// PersistQueue sets the pending dose write gauge.
func (m *Metrics) PersistQueue(depth int) {
	m.PersistQueueDepth.Set(float64(depth))
}

// BreakerStateChanged is a circuitbreaker.Config OnStateChange hook.
func (m *Metrics) BreakerStateChanged(name string, to circuitbreaker.State) {
	v := 0.0
	switch to {
	case circuitbreaker.StateOpen:
		v = 1
	case circuitbreaker.StateHalfOpen:
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// Handler returns the Prometheus HTTP handler for g. A nil g serves the
// default gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
