package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/drfirst/go-adherence/internal/adherence"
	"github.com/drfirst/go-adherence/internal/domain/dose"
)

func TestLedgerClaimsOnce(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()
	ledger := NewLedger(s)

	first, err := ledger.Claim(ctx, "patient-1", "run-a")
	if err != nil || !first {
		t.Fatalf("first Claim() = %v, %v", first, err)
	}
	again, err := ledger.Claim(ctx, "patient-1", "run-a")
	if err != nil || again {
		t.Fatalf("second Claim() = %v, %v", again, err)
	}
	if other, _ := ledger.Claim(ctx, "patient-2", "run-a"); !other {
		t.Error("claim for another patient was rejected")
	}
}

func missedRun(n int) []dose.Event {
	at := time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC)
	events := make([]dose.Event, n)
	for i := range events {
		ev := event(fmt.Sprintf("paracetamol_%02d", i), at.Add(time.Duration(i)*12*time.Hour))
		ev.Status = dose.StatusMissed
		events[i] = ev
	}
	return events
}

func TestEscalatedRunSurvivesRestart(t *testing.T) {
	s, path := openTemp(t)
	ctx := context.Background()

	before := adherence.NewMonitor(3, NewLedger(s), nil)
	runs, err := before.Evaluate(ctx, "patient-1", missedRun(3))
	if err != nil || len(runs) != 1 {
		t.Fatalf("Evaluate() before restart = %d runs, %v; want 1", len(runs), err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer reopened.Close()

	// the run grows by one more miss after the restart
	after := adherence.NewMonitor(3, NewLedger(reopened), nil)
	runs, err = after.Evaluate(ctx, "patient-1", missedRun(4))
	if err != nil {
		t.Fatalf("Evaluate() after restart error = %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("run %s escalated again after restart", runs[0].Key)
	}
}
