package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/runplane/runplane/internal/common/database"
	"github.com/runplane/runplane/internal/models"
	v1 "github.com/runplane/runplane/pkg/api/v1"
)

// PostgresStore provides PostgreSQL-backed storage operations
type PostgresStore struct {
	db *database.DB
}

// Ensure PostgresStore implements Store interface
var _ Store = (*PostgresStore)(nil)

const storeSchema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id          TEXT PRIMARY KEY,
	session_id      TEXT NOT NULL DEFAULT '',
	provider        TEXT NOT NULL,
	status          TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	warnings        JSONB,
	streamed        BOOLEAN NOT NULL DEFAULT FALSE,
	usage           JSONB,
	usage_finalized BOOLEAN NOT NULL DEFAULT FALSE,
	started_at      TIMESTAMPTZ NOT NULL,
	ended_at        TIMESTAMPTZ,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_session ON runs (session_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs (status);

CREATE TABLE IF NOT EXISTS callback_events (
	event_id    TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	type        TEXT NOT NULL,
	received_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS run_todos (
	run_id     TEXT NOT NULL,
	todo_id    TEXT NOT NULL,
	content    TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	position   INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, todo_id)
);

CREATE TABLE IF NOT EXISTS todo_events (
	event_id    TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	todo_id     TEXT NOT NULL,
	content     TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	position    INTEGER NOT NULL DEFAULT 0,
	payload     JSONB,
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_todo_events_run ON todo_events (run_id, occurred_at);

CREATE TABLE IF NOT EXISTS human_loops (
	run_id       TEXT NOT NULL,
	question_id  TEXT NOT NULL,
	prompt       TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	answer       TEXT NOT NULL DEFAULT '',
	metadata     JSONB,
	requested_at TIMESTAMPTZ NOT NULL,
	resolved_at  TIMESTAMPTZ,
	PRIMARY KEY (run_id, question_id)
);
CREATE INDEX IF NOT EXISTS idx_human_loops_status ON human_loops (status, requested_at);

CREATE TABLE IF NOT EXISTS session_workers (
	session_id          TEXT PRIMARY KEY,
	container_id        TEXT NOT NULL DEFAULT '',
	workspace_s3_prefix TEXT NOT NULL DEFAULT '',
	state               TEXT NOT NULL,
	last_active_at      TIMESTAMPTZ NOT NULL,
	stopped_at          TIMESTAMPTZ,
	last_sync_at        TIMESTAMPTZ,
	last_sync_status    TEXT NOT NULL DEFAULT 'idle',
	last_sync_error     TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_workers_state ON session_workers (state);
`

// NewPostgresStore creates a PostgreSQL store and initializes the schema.
func NewPostgresStore(ctx context.Context, db *database.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if _, err := db.Exec(ctx, storeSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize store schema: %w", err)
	}
	return s, nil
}

// Close is a no-op; the shared pool is owned by the caller.
func (s *PostgresStore) Close() error {
	return nil
}

// Run operations

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.Run) error {
	now := time.Now().UTC()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	run.UpdatedAt = now

	warnings, err := json.Marshal(run.Warnings)
	if err != nil {
		return fmt.Errorf("failed to marshal warnings: %w", err)
	}
	usage, err := marshalNullable(run.Usage)
	if err != nil {
		return fmt.Errorf("failed to marshal usage: %w", err)
	}

	tag, err := s.db.Exec(ctx, `
		INSERT INTO runs (run_id, session_id, provider, status, reason, warnings, streamed, usage, usage_finalized, started_at, ended_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (run_id) DO NOTHING`,
		run.RunID, run.SessionID, run.Provider, run.Status, run.Reason,
		warnings, run.Streamed, usage, run.UsageFinalized, run.StartedAt, run.EndedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunExists
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	row := s.db.QueryRow(ctx, `
		SELECT run_id, session_id, provider, status, reason, warnings, streamed, usage, usage_finalized, started_at, ended_at, updated_at
		FROM runs WHERE run_id = $1`, runID)
	return scanRun(row)
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *models.Run) error {
	run.UpdatedAt = time.Now().UTC()

	warnings, err := json.Marshal(run.Warnings)
	if err != nil {
		return fmt.Errorf("failed to marshal warnings: %w", err)
	}

	// Usage columns are written only through FinalizeUsage.
	tag, err := s.db.Exec(ctx, `
		UPDATE runs
		SET session_id = $2, provider = $3, status = $4, reason = $5, warnings = $6, streamed = $7, ended_at = $8, updated_at = $9
		WHERE run_id = $1`,
		run.RunID, run.SessionID, run.Provider, run.Status, run.Reason, warnings, run.Streamed, run.EndedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *PostgresStore) ListRunsBySession(ctx context.Context, sessionID string) ([]*models.Run, error) {
	rows, err := s.db.Query(ctx, `
		SELECT run_id, session_id, provider, status, reason, warnings, streamed, usage, usage_finalized, started_at, ended_at, updated_at
		FROM runs WHERE session_id = $1 ORDER BY started_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (s *PostgresStore) ListActiveRuns(ctx context.Context) ([]*models.Run, error) {
	rows, err := s.db.Query(ctx, `
		SELECT run_id, session_id, provider, status, reason, warnings, streamed, usage, usage_finalized, started_at, ended_at, updated_at
		FROM runs WHERE status IN ('running', 'waiting_human') ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (s *PostgresStore) FinalizeUsage(ctx context.Context, runID string, usage *v1.Usage) (bool, error) {
	data, err := marshalNullable(usage)
	if err != nil {
		return false, fmt.Errorf("failed to marshal usage: %w", err)
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE runs SET usage = $2, usage_finalized = TRUE, updated_at = $3
		WHERE run_id = $1 AND usage_finalized = FALSE`,
		runID, data, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to finalize usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the run is missing or usage was already finalized.
		if _, getErr := s.GetRun(ctx, runID); getErr != nil {
			return false, getErr
		}
		return false, nil
	}
	return true, nil
}

func (s *PostgresStore) RecordEventIfNew(ctx context.Context, event *models.CallbackEvent) (bool, error) {
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}
	tag, err := s.db.Exec(ctx, `
		INSERT INTO callback_events (event_id, run_id, type, received_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING`,
		event.EventID, event.RunID, event.Type, event.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("failed to record callback event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Todo operations

func (s *PostgresStore) UpsertTodo(ctx context.Context, todo *models.Todo) error {
	todo.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(ctx, `
		INSERT INTO run_todos (run_id, todo_id, content, status, position, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id, todo_id) DO UPDATE
		SET content = EXCLUDED.content, status = EXCLUDED.status, position = EXCLUDED.position, updated_at = EXCLUDED.updated_at`,
		todo.RunID, todo.TodoID, todo.Content, todo.Status, todo.Order, todo.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert todo: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTodos(ctx context.Context, runID string) ([]*models.Todo, error) {
	rows, err := s.db.Query(ctx, `
		SELECT run_id, todo_id, content, status, position, updated_at
		FROM run_todos WHERE run_id = $1 ORDER BY position, todo_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list todos: %w", err)
	}
	defer rows.Close()

	result := make([]*models.Todo, 0)
	for rows.Next() {
		var t models.Todo
		if err := rows.Scan(&t.RunID, &t.TodoID, &t.Content, &t.Status, &t.Order, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan todo: %w", err)
		}
		result = append(result, &t)
	}
	return result, rows.Err()
}

func (s *PostgresStore) AppendTodoEvent(ctx context.Context, event *models.TodoEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	payload, err := marshalNullable(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal todo event payload: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO todo_events (event_id, run_id, todo_id, content, status, position, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO NOTHING`,
		event.EventID, event.RunID, event.TodoID, event.Content, event.Status, event.Order, payload, event.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to append todo event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTodoEvents(ctx context.Context, runID string) ([]*models.TodoEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT event_id, run_id, todo_id, content, status, position, payload, occurred_at
		FROM todo_events WHERE run_id = $1 ORDER BY occurred_at, event_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list todo events: %w", err)
	}
	defer rows.Close()

	result := make([]*models.TodoEvent, 0)
	for rows.Next() {
		var ev models.TodoEvent
		var payload []byte
		if err := rows.Scan(&ev.EventID, &ev.RunID, &ev.TodoID, &ev.Content, &ev.Status, &ev.Order, &payload, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan todo event: %w", err)
		}
		if len(payload) > 0 {
			ev.Payload = &v1.TodoUpdate{}
			if err := json.Unmarshal(payload, ev.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal todo event payload: %w", err)
			}
		}
		result = append(result, &ev)
	}
	return result, rows.Err()
}

// Human loop operations

func (s *PostgresStore) CreateHumanLoop(ctx context.Context, hl *models.HumanLoop) error {
	if hl.RequestedAt.IsZero() {
		hl.RequestedAt = time.Now().UTC()
	}
	metadata, err := marshalNullable(hl.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO human_loops (run_id, question_id, prompt, status, answer, metadata, requested_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, question_id) DO NOTHING`,
		hl.RunID, hl.QuestionID, hl.Prompt, hl.Status, hl.Answer, metadata, hl.RequestedAt, hl.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to create human loop: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetHumanLoop(ctx context.Context, runID, questionID string) (*models.HumanLoop, error) {
	row := s.db.QueryRow(ctx, `
		SELECT run_id, question_id, prompt, status, answer, metadata, requested_at, resolved_at
		FROM human_loops WHERE run_id = $1 AND question_id = $2`, runID, questionID)
	return scanHumanLoop(row)
}

func (s *PostgresStore) GetPendingHumanLoop(ctx context.Context, runID string) (*models.HumanLoop, error) {
	row := s.db.QueryRow(ctx, `
		SELECT run_id, question_id, prompt, status, answer, metadata, requested_at, resolved_at
		FROM human_loops WHERE run_id = $1 AND status = 'pending'
		ORDER BY requested_at LIMIT 1`, runID)
	return scanHumanLoop(row)
}

func (s *PostgresStore) UpdateHumanLoop(ctx context.Context, hl *models.HumanLoop) error {
	metadata, err := marshalNullable(hl.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE human_loops
		SET prompt = $3, status = $4, answer = $5, metadata = $6, resolved_at = $7
		WHERE run_id = $1 AND question_id = $2`,
		hl.RunID, hl.QuestionID, hl.Prompt, hl.Status, hl.Answer, metadata, hl.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to update human loop: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrHumanLoopNotFound
	}
	return nil
}

func (s *PostgresStore) ListPendingHumanLoopsBefore(ctx context.Context, cutoff time.Time) ([]*models.HumanLoop, error) {
	rows, err := s.db.Query(ctx, `
		SELECT run_id, question_id, prompt, status, answer, metadata, requested_at, resolved_at
		FROM human_loops WHERE status = 'pending' AND requested_at < $1
		ORDER BY requested_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending human loops: %w", err)
	}
	defer rows.Close()

	var result []*models.HumanLoop
	for rows.Next() {
		hl, err := scanHumanLoop(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, hl)
	}
	return result, rows.Err()
}

// Session worker operations

func (s *PostgresStore) CreateWorker(ctx context.Context, w *v1.SessionWorker) error {
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now

	tag, err := s.db.Exec(ctx, `
		INSERT INTO session_workers (session_id, container_id, workspace_s3_prefix, state, last_active_at, stopped_at, last_sync_at, last_sync_status, last_sync_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (session_id) DO NOTHING`,
		w.SessionID, w.ContainerID, w.WorkspaceS3Prefix, w.State, w.LastActiveAt,
		w.StoppedAt, w.LastSyncAt, w.LastSyncStatus, w.LastSyncError, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrWorkerExists
	}
	return nil
}

func (s *PostgresStore) GetWorker(ctx context.Context, sessionID string) (*v1.SessionWorker, error) {
	row := s.db.QueryRow(ctx, `
		SELECT session_id, container_id, workspace_s3_prefix, state, last_active_at, stopped_at, last_sync_at, last_sync_status, last_sync_error, created_at, updated_at
		FROM session_workers WHERE session_id = $1`, sessionID)
	return scanWorker(row)
}

func (s *PostgresStore) UpdateWorker(ctx context.Context, w *v1.SessionWorker) error {
	w.UpdatedAt = time.Now().UTC()
	tag, err := s.db.Exec(ctx, `
		UPDATE session_workers
		SET container_id = $2, workspace_s3_prefix = $3, state = $4, last_active_at = $5, stopped_at = $6, last_sync_at = $7, last_sync_status = $8, last_sync_error = $9, updated_at = $10
		WHERE session_id = $1`,
		w.SessionID, w.ContainerID, w.WorkspaceS3Prefix, w.State, w.LastActiveAt,
		w.StoppedAt, w.LastSyncAt, w.LastSyncStatus, w.LastSyncError, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update session worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrWorkerNotFound
	}
	return nil
}

func (s *PostgresStore) ListWorkers(ctx context.Context) ([]*v1.SessionWorker, error) {
	rows, err := s.db.Query(ctx, `
		SELECT session_id, container_id, workspace_s3_prefix, state, last_active_at, stopped_at, last_sync_at, last_sync_status, last_sync_error, created_at, updated_at
		FROM session_workers ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list session workers: %w", err)
	}
	defer rows.Close()
	return scanWorkers(rows)
}

func (s *PostgresStore) ListWorkersByState(ctx context.Context, state v1.WorkerState) ([]*v1.SessionWorker, error) {
	rows, err := s.db.Query(ctx, `
		SELECT session_id, container_id, workspace_s3_prefix, state, last_active_at, stopped_at, last_sync_at, last_sync_status, last_sync_error, created_at, updated_at
		FROM session_workers WHERE state = $1 ORDER BY session_id`, state)
	if err != nil {
		return nil, fmt.Errorf("failed to list session workers: %w", err)
	}
	defer rows.Close()
	return scanWorkers(rows)
}

// scan helpers

func marshalNullable(v any) ([]byte, error) {
	switch val := v.(type) {
	case *v1.Usage:
		if val == nil {
			return nil, nil
		}
	case *v1.TodoUpdate:
		if val == nil {
			return nil, nil
		}
	case map[string]any:
		if val == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func scanRun(row pgx.Row) (*models.Run, error) {
	var run models.Run
	var warnings, usage []byte

	err := row.Scan(&run.RunID, &run.SessionID, &run.Provider, &run.Status, &run.Reason,
		&warnings, &run.Streamed, &usage, &run.UsageFinalized, &run.StartedAt, &run.EndedAt, &run.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &run.Warnings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal warnings: %w", err)
		}
	}
	if len(usage) > 0 {
		run.Usage = &v1.Usage{}
		if err := json.Unmarshal(usage, run.Usage); err != nil {
			return nil, fmt.Errorf("failed to unmarshal usage: %w", err)
		}
	}
	return &run, nil
}

func scanRuns(rows pgx.Rows) ([]*models.Run, error) {
	var result []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

func scanHumanLoop(row pgx.Row) (*models.HumanLoop, error) {
	var hl models.HumanLoop
	var metadata []byte

	err := row.Scan(&hl.RunID, &hl.QuestionID, &hl.Prompt, &hl.Status, &hl.Answer,
		&metadata, &hl.RequestedAt, &hl.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrHumanLoopNotFound
		}
		return nil, fmt.Errorf("failed to scan human loop: %w", err)
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &hl.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &hl, nil
}

func scanWorker(row pgx.Row) (*v1.SessionWorker, error) {
	var w v1.SessionWorker
	err := row.Scan(&w.SessionID, &w.ContainerID, &w.WorkspaceS3Prefix, &w.State,
		&w.LastActiveAt, &w.StoppedAt, &w.LastSyncAt, &w.LastSyncStatus, &w.LastSyncError,
		&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWorkerNotFound
		}
		return nil, fmt.Errorf("failed to scan session worker: %w", err)
	}
	return &w, nil
}

func scanWorkers(rows pgx.Rows) ([]*v1.SessionWorker, error) {
	var result []*v1.SessionWorker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}
