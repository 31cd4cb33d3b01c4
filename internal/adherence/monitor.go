package adherence

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/dose"
)

// DefaultThreshold is the number of consecutive misses that escalates.
const DefaultThreshold = 3

// Ledger records which runs have already been escalated. Claim returns true
// exactly once per (patient, run key).
type Ledger interface {
	Claim(ctx context.Context, patientID, runKey string) (bool, error)
}

// Run is a sequence of consecutive missed doses that reached the threshold.
type Run struct {
	// Key is the id of the first missed event of the run.
	Key string
	// Trigger is the event that made the run reach the threshold.
	Trigger dose.Event
	// Missed holds the missed events of the run up to Trigger.
	Missed []dose.Event
}

// Scan walks events in scheduled order and returns every run of at least
// threshold consecutive missed doses. Any other status resets the count.
func Scan(events []dose.Event, threshold int) []Run {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	ordered := make([]dose.Event, len(events))
	copy(ordered, events)
	dose.SortChronologically(ordered)

	var runs []Run
	var current []dose.Event
	for _, ev := range ordered {
		if ev.Status != dose.StatusMissed {
			current = nil
			continue
		}
		current = append(current, ev)
		if len(current) == threshold {
			missed := make([]dose.Event, len(current))
			copy(missed, current)
			runs = append(runs, Run{Key: current[0].ID, Trigger: ev, Missed: missed})
		}
	}
	return runs
}

// Monitor turns runs into escalations, claiming each run in the ledger so it
// is reported once.
type Monitor struct {
	threshold int
	ledger    Ledger
	logger    *zap.Logger
}

// NewMonitor creates a monitor. A nil ledger keeps claims in memory.
func NewMonitor(threshold int, ledger Ledger, logger *zap.Logger) *Monitor {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{threshold: threshold, ledger: ledger, logger: logger}
}

// Threshold returns the configured run length.
func (m *Monitor) Threshold() int { return m.threshold }

// Evaluate returns runs in events that have not been escalated before.
func (m *Monitor) Evaluate(ctx context.Context, patientID string, events []dose.Event) ([]Run, error) {
	var fresh []Run
	for _, run := range Scan(events, m.threshold) {
		claimed, err := m.ledger.Claim(ctx, patientID, run.Key)
		if err != nil {
			return fresh, fmt.Errorf("claim escalation run %s: %w", run.Key, err)
		}
		if !claimed {
			continue
		}
		m.logger.Info("missed dose run reached threshold",
			zap.String("patient_id", patientID),
			zap.String("run_key", run.Key),
			zap.String("event_id", run.Trigger.ID),
			zap.Int("threshold", m.threshold))
		fresh = append(fresh, run)
	}
	return fresh, nil
}

// MemoryLedger is a process-local Ledger.
type MemoryLedger struct {
	mu      sync.Mutex
	claimed map[string]map[string]struct{}
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{claimed: make(map[string]map[string]struct{})}
}

// Claim implements Ledger.
func (l *MemoryLedger) Claim(_ context.Context, patientID, runKey string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	keys, ok := l.claimed[patientID]
	if !ok {
		keys = make(map[string]struct{})
		l.claimed[patientID] = keys
	}
	if _, dup := keys[runKey]; dup {
		return false, nil
	}
	keys[runKey] = struct{}{}
	return true, nil
}
