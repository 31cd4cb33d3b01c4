package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Registry holds at most one Scheduler per patient.
type Registry struct {
	cfg    Config
	deps   Deps
	loader Loader
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Scheduler
	opening  map[string]struct{}
}

// NewRegistry creates an empty registry. loader may be nil, in which case
// sessions start empty.
func NewRegistry(cfg Config, deps Deps, loader Loader) *Registry {
	deps = deps.withDefaults()
	return &Registry{
		cfg:      cfg,
		deps:     deps,
		loader:   loader,
		logger:   deps.Logger,
		sessions: make(map[string]*Scheduler),
		opening:  make(map[string]struct{}),
	}
}

// Open starts a session for patientID, restoring its stored dose log. It
// fails with ErrSessionActive if one is already open or opening.
func (r *Registry) Open(ctx context.Context, patientID, doctorID string) (*Scheduler, error) {
	if patientID == "" {
		return nil, errors.New("patient id is required")
	}

	r.mu.Lock()
	_, active := r.sessions[patientID]
	_, opening := r.opening[patientID]
	if active || opening {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionActive, patientID)
	}
	r.opening[patientID] = struct{}{}
	r.mu.Unlock()

	s, err := r.start(ctx, patientID, doctorID)

	r.mu.Lock()
	delete(r.opening, patientID)
	if err == nil {
		r.sessions[patientID] = s
	}
	r.mu.Unlock()

	if err != nil {
		return nil, err
	}
	r.logger.Info("session opened",
		zap.String("patient_id", patientID),
		zap.Int("events", len(s.Events())),
		zap.Int("armed", s.ArmedTimers()))
	return s, nil
}

// GetOrOpen returns the open session or opens one.
func (r *Registry) GetOrOpen(ctx context.Context, patientID, doctorID string) (*Scheduler, error) {
	if s, ok := r.Get(patientID); ok {
		return s, nil
	}
	s, err := r.Open(ctx, patientID, doctorID)
	if errors.Is(err, ErrSessionActive) {
		// A concurrent Open may have finished in between.
		if s, ok := r.Get(patientID); ok {
			return s, nil
		}
	}
	return s, err
}

// Get returns the open session for patientID.
func (r *Registry) Get(patientID string) (*Scheduler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[patientID]
	return s, ok
}

// Close tears down the session for patientID.
func (r *Registry) Close(patientID string) error {
	r.mu.Lock()
	s, ok := r.sessions[patientID]
	delete(r.sessions, patientID)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, patientID)
	}
	s.Close()
	r.logger.Info("session closed", zap.String("patient_id", patientID))
	return nil
}

// CloseAll tears down every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Scheduler)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	r.logger.Info("all sessions closed", zap.Int("count", len(sessions)))
}

// Active returns the number of open sessions.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) start(ctx context.Context, patientID, doctorID string) (*Scheduler, error) {
	s := New(patientID, doctorID, r.cfg, r.deps)
	if r.loader == nil {
		return s, nil
	}
	stored, err := r.loader.Load(ctx, patientID)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("load dose log for %s: %w", patientID, err)
	}
	if err := s.Restore(stored); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}
