// Package memory provides process-local adapters for tests and single-node
// deployments.
package memory

import (
	"context"
	"sync"

	"github.com/drfirst/go-adherence/internal/domain/dose"
)

// Store is an in-memory dose.Store namespaced by patient.
type Store struct {
	mu       sync.RWMutex
	patients map[string]map[string]dose.Event
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{patients: make(map[string]map[string]dose.Event)}
}

// Upsert implements dose.Store. Stale versions are ignored.
func (s *Store) Upsert(_ context.Context, ev dose.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, ok := s.patients[ev.PatientID]
	if !ok {
		events = make(map[string]dose.Event)
		s.patients[ev.PatientID] = events
	}
	if cur, ok := events[ev.ID]; ok && cur.Version >= ev.Version {
		return nil
	}
	events[ev.ID] = ev
	return nil
}

// Get implements dose.Store.
func (s *Store) Get(_ context.Context, patientID, id string) (dose.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.patients[patientID][id]
	if !ok {
		return dose.Event{}, dose.ErrNotFound
	}
	return ev, nil
}

// ListByPatient implements dose.Store.
func (s *Store) ListByPatient(_ context.Context, patientID string) ([]dose.Event, error) {
	s.mu.RLock()
	events := make([]dose.Event, 0, len(s.patients[patientID]))
	for _, ev := range s.patients[patientID] {
		events = append(events, ev)
	}
	s.mu.RUnlock()

	dose.SortChronologically(events)
	return events, nil
}
