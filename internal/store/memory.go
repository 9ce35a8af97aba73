package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/runplane/runplane/internal/models"
	v1 "github.com/runplane/runplane/pkg/api/v1"
)

// MemoryStore provides in-memory storage operations
type MemoryStore struct {
	runs       map[string]*models.Run
	events     map[string]*models.CallbackEvent
	todos      map[string]map[string]*models.Todo      // runID -> todoID -> todo
	todoEvents map[string][]*models.TodoEvent          // runID -> timeline
	humanLoops map[string]map[string]*models.HumanLoop // runID -> questionID -> question
	workers    map[string]*v1.SessionWorker
	mu         sync.RWMutex
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:       make(map[string]*models.Run),
		events:     make(map[string]*models.CallbackEvent),
		todos:      make(map[string]map[string]*models.Todo),
		todoEvents: make(map[string][]*models.TodoEvent),
		humanLoops: make(map[string]map[string]*models.HumanLoop),
		workers:    make(map[string]*v1.SessionWorker),
	}
}

// Close is a no-op for in-memory store
func (s *MemoryStore) Close() error {
	return nil
}

// Run operations

func cloneRun(r *models.Run) *models.Run {
	cp := *r
	if r.Warnings != nil {
		cp.Warnings = append([]string(nil), r.Warnings...)
	}
	if r.Usage != nil {
		u := *r.Usage
		cp.Usage = &u
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

// CreateRun creates a new run record
func (s *MemoryStore) CreateRun(ctx context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.RunID]; ok {
		return ErrRunExists
	}
	now := time.Now().UTC()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	run.UpdatedAt = now
	s.runs[run.RunID] = cloneRun(run)
	return nil
}

// GetRun retrieves a run by ID
func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return cloneRun(run), nil
}

// UpdateRun updates an existing run record
func (s *MemoryStore) UpdateRun(ctx context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.runs[run.RunID]
	if !ok {
		return ErrRunNotFound
	}
	// Usage finalization is handled by FinalizeUsage only.
	run.Usage = existing.Usage
	run.UsageFinalized = existing.UsageFinalized
	run.UpdatedAt = time.Now().UTC()
	s.runs[run.RunID] = cloneRun(run)
	return nil
}

// ListRunsBySession returns all runs bound to a session
func (s *MemoryStore) ListRunsBySession(ctx context.Context, sessionID string) ([]*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Run
	for _, run := range s.runs {
		if run.SessionID == sessionID {
			result = append(result, cloneRun(run))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result, nil
}

// ListActiveRuns returns all non-terminal runs
func (s *MemoryStore) ListActiveRuns(ctx context.Context) ([]*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Run
	for _, run := range s.runs {
		if !run.Terminal() {
			result = append(result, cloneRun(run))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result, nil
}

// FinalizeUsage records usage exactly once per run; first writer wins
func (s *MemoryStore) FinalizeUsage(ctx context.Context, runID string, usage *v1.Usage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return false, ErrRunNotFound
	}
	if run.UsageFinalized {
		return false, nil
	}
	u := *usage
	run.Usage = &u
	run.UsageFinalized = true
	run.UpdatedAt = time.Now().UTC()
	return true, nil
}

// RecordEventIfNew stores the callback event unless already seen
func (s *MemoryStore) RecordEventIfNew(ctx context.Context, event *models.CallbackEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[event.EventID]; ok {
		return false, nil
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}
	cp := *event
	s.events[event.EventID] = &cp
	return true, nil
}

// Todo operations

// UpsertTodo creates or replaces a todo item for a run
func (s *MemoryStore) UpsertTodo(ctx context.Context, todo *models.Todo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.todos[todo.RunID]
	if !ok {
		byID = make(map[string]*models.Todo)
		s.todos[todo.RunID] = byID
	}
	todo.UpdatedAt = time.Now().UTC()
	cp := *todo
	byID[todo.TodoID] = &cp
	return nil
}

// ListTodos returns the todos of a run ordered by their position
func (s *MemoryStore) ListTodos(ctx context.Context, runID string) ([]*models.Todo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := s.todos[runID]
	result := make([]*models.Todo, 0, len(byID))
	for _, todo := range byID {
		cp := *todo
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Order != result[j].Order {
			return result[i].Order < result[j].Order
		}
		return result[i].TodoID < result[j].TodoID
	})
	return result, nil
}

func cloneTodoEvent(ev *models.TodoEvent) *models.TodoEvent {
	cp := *ev
	if ev.Payload != nil {
		p := *ev.Payload
		cp.Payload = &p
	}
	return &cp
}

// AppendTodoEvent adds one entry to a run's todo timeline
func (s *MemoryStore) AppendTodoEvent(ctx context.Context, event *models.TodoEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.todoEvents[event.RunID] {
		if existing.EventID == event.EventID {
			return nil
		}
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	s.todoEvents[event.RunID] = append(s.todoEvents[event.RunID], cloneTodoEvent(event))
	return nil
}

// ListTodoEvents returns the todo timeline of a run in append order
func (s *MemoryStore) ListTodoEvents(ctx context.Context, runID string) ([]*models.TodoEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	timeline := s.todoEvents[runID]
	result := make([]*models.TodoEvent, 0, len(timeline))
	for _, ev := range timeline {
		result = append(result, cloneTodoEvent(ev))
	}
	return result, nil
}

// Human loop operations

func cloneHumanLoop(hl *models.HumanLoop) *models.HumanLoop {
	cp := *hl
	if hl.Metadata != nil {
		cp.Metadata = make(map[string]any, len(hl.Metadata))
		for k, v := range hl.Metadata {
			cp.Metadata[k] = v
		}
	}
	if hl.ResolvedAt != nil {
		t := *hl.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// CreateHumanLoop records a new pending question
func (s *MemoryStore) CreateHumanLoop(ctx context.Context, hl *models.HumanLoop) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.humanLoops[hl.RunID]
	if !ok {
		byID = make(map[string]*models.HumanLoop)
		s.humanLoops[hl.RunID] = byID
	}
	if hl.RequestedAt.IsZero() {
		hl.RequestedAt = time.Now().UTC()
	}
	byID[hl.QuestionID] = cloneHumanLoop(hl)
	return nil
}

// GetHumanLoop retrieves a question by run and question ID
func (s *MemoryStore) GetHumanLoop(ctx context.Context, runID, questionID string) (*models.HumanLoop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := s.humanLoops[runID]
	hl, ok := byID[questionID]
	if !ok {
		return nil, ErrHumanLoopNotFound
	}
	return cloneHumanLoop(hl), nil
}

// GetPendingHumanLoop returns the oldest pending question of a run
func (s *MemoryStore) GetPendingHumanLoop(ctx context.Context, runID string) (*models.HumanLoop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var oldest *models.HumanLoop
	for _, hl := range s.humanLoops[runID] {
		if hl.Status != models.HumanLoopPending {
			continue
		}
		if oldest == nil || hl.RequestedAt.Before(oldest.RequestedAt) {
			oldest = hl
		}
	}
	if oldest == nil {
		return nil, ErrHumanLoopNotFound
	}
	return cloneHumanLoop(oldest), nil
}

// UpdateHumanLoop updates an existing question
func (s *MemoryStore) UpdateHumanLoop(ctx context.Context, hl *models.HumanLoop) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := s.humanLoops[hl.RunID]
	if _, ok := byID[hl.QuestionID]; !ok {
		return ErrHumanLoopNotFound
	}
	byID[hl.QuestionID] = cloneHumanLoop(hl)
	return nil
}

// ListPendingHumanLoopsBefore returns pending questions requested before cutoff
func (s *MemoryStore) ListPendingHumanLoopsBefore(ctx context.Context, cutoff time.Time) ([]*models.HumanLoop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.HumanLoop
	for _, byID := range s.humanLoops {
		for _, hl := range byID {
			if hl.Status == models.HumanLoopPending && hl.RequestedAt.Before(cutoff) {
				result = append(result, cloneHumanLoop(hl))
			}
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].RequestedAt.Before(result[j].RequestedAt)
	})
	return result, nil
}

// Session worker operations

func cloneWorker(w *v1.SessionWorker) *v1.SessionWorker {
	cp := *w
	if w.StoppedAt != nil {
		t := *w.StoppedAt
		cp.StoppedAt = &t
	}
	if w.LastSyncAt != nil {
		t := *w.LastSyncAt
		cp.LastSyncAt = &t
	}
	return &cp
}

// CreateWorker records a new session worker
func (s *MemoryStore) CreateWorker(ctx context.Context, w *v1.SessionWorker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workers[w.SessionID]; ok {
		return ErrWorkerExists
	}
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	s.workers[w.SessionID] = cloneWorker(w)
	return nil
}

// GetWorker retrieves a session worker by session ID
func (s *MemoryStore) GetWorker(ctx context.Context, sessionID string) (*v1.SessionWorker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.workers[sessionID]
	if !ok {
		return nil, ErrWorkerNotFound
	}
	return cloneWorker(w), nil
}

// UpdateWorker updates an existing session worker
func (s *MemoryStore) UpdateWorker(ctx context.Context, w *v1.SessionWorker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workers[w.SessionID]; !ok {
		return ErrWorkerNotFound
	}
	w.UpdatedAt = time.Now().UTC()
	s.workers[w.SessionID] = cloneWorker(w)
	return nil
}

// ListWorkers returns all session workers
func (s *MemoryStore) ListWorkers(ctx context.Context) ([]*v1.SessionWorker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*v1.SessionWorker, 0, len(s.workers))
	for _, w := range s.workers {
		result = append(result, cloneWorker(w))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].SessionID < result[j].SessionID
	})
	return result, nil
}

// ListWorkersByState returns session workers in the given state
func (s *MemoryStore) ListWorkersByState(ctx context.Context, state v1.WorkerState) ([]*v1.SessionWorker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*v1.SessionWorker
	for _, w := range s.workers {
		if w.State == state {
			result = append(result, cloneWorker(w))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].SessionID < result[j].SessionID
	})
	return result, nil
}
