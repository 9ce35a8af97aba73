// Package store provides persistence for runs, callbacks, human loop
// questions and session workers. Two implementations exist: in-memory for
// development and tests, and PostgreSQL for production.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/runplane/runplane/internal/models"
	v1 "github.com/runplane/runplane/pkg/api/v1"
)

var (
	ErrRunNotFound       = errors.New("run not found")
	ErrWorkerNotFound    = errors.New("session worker not found")
	ErrHumanLoopNotFound = errors.New("human loop question not found")
	ErrRunExists         = errors.New("run already exists")
	ErrWorkerExists      = errors.New("session worker already exists")
)

// Store defines the persistence operations of the control plane.
type Store interface {
	// Run operations
	CreateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	UpdateRun(ctx context.Context, run *models.Run) error
	ListRunsBySession(ctx context.Context, sessionID string) ([]*models.Run, error)
	ListActiveRuns(ctx context.Context) ([]*models.Run, error)

	// FinalizeUsage records usage for a run exactly once. It returns true
	// when this call performed the write; later writers get false.
	FinalizeUsage(ctx context.Context, runID string, usage *v1.Usage) (bool, error)

	// RecordEventIfNew stores the callback event unless its ID was already
	// seen. Returns true when the event is new.
	RecordEventIfNew(ctx context.Context, event *models.CallbackEvent) (bool, error)

	// Todo operations
	UpsertTodo(ctx context.Context, todo *models.Todo) error
	ListTodos(ctx context.Context, runID string) ([]*models.Todo, error)

	// AppendTodoEvent adds one entry to a run's todo timeline. Entries are
	// append-only; a repeated event ID is ignored.
	AppendTodoEvent(ctx context.Context, event *models.TodoEvent) error
	ListTodoEvents(ctx context.Context, runID string) ([]*models.TodoEvent, error)

	// Human loop operations
	CreateHumanLoop(ctx context.Context, hl *models.HumanLoop) error
	GetHumanLoop(ctx context.Context, runID, questionID string) (*models.HumanLoop, error)
	GetPendingHumanLoop(ctx context.Context, runID string) (*models.HumanLoop, error)
	UpdateHumanLoop(ctx context.Context, hl *models.HumanLoop) error
	ListPendingHumanLoopsBefore(ctx context.Context, cutoff time.Time) ([]*models.HumanLoop, error)

	// Session worker operations
	CreateWorker(ctx context.Context, w *v1.SessionWorker) error
	GetWorker(ctx context.Context, sessionID string) (*v1.SessionWorker, error)
	UpdateWorker(ctx context.Context, w *v1.SessionWorker) error
	ListWorkers(ctx context.Context) ([]*v1.SessionWorker, error)
	ListWorkersByState(ctx context.Context, state v1.WorkerState) ([]*v1.SessionWorker, error)

	Close() error
}
