package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/runplane/runplane/internal/common/database"
	v1 "github.com/runplane/runplane/pkg/api/v1"
)

// PostgresQueue provides a PostgreSQL-backed run queue. Claims use
// FOR UPDATE SKIP LOCKED so concurrent drainers never double-claim.
type PostgresQueue struct {
	db *database.DB
}

// Ensure PostgresQueue implements Queue interface
var _ Queue = (*PostgresQueue)(nil)

const queueSchema = `
CREATE TABLE IF NOT EXISTS run_queue (
	run_id          TEXT PRIMARY KEY,
	session_id      TEXT NOT NULL DEFAULT '',
	provider        TEXT NOT NULL,
	status          TEXT NOT NULL,
	lock_owner      TEXT,
	lock_expires_at TIMESTAMPTZ,
	attempts        INTEGER NOT NULL DEFAULT 0,
	max_attempts    INTEGER NOT NULL DEFAULT 3,
	payload         JSONB NOT NULL,
	error_message   TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_queue_claimable ON run_queue (status, lock_expires_at, created_at);
`

// NewPostgresQueue creates a PostgreSQL queue and initializes the schema.
func NewPostgresQueue(ctx context.Context, db *database.DB) (*PostgresQueue, error) {
	q := &PostgresQueue{db: db}
	if _, err := db.Exec(ctx, queueSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize queue schema: %w", err)
	}
	return q, nil
}

// Close is a no-op; the shared pool is owned by the caller.
func (q *PostgresQueue) Close() error {
	return nil
}

// Enqueue adds a run to the queue
func (q *PostgresQueue) Enqueue(ctx context.Context, item *v1.RunQueueItem) error {
	now := time.Now().UTC()
	item.Status = v1.QueueStatusQueued
	item.LockOwner = nil
	item.LockExpiresAt = nil
	item.Attempts = 0
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = DefaultMaxAttempts
	}
	item.ErrorMessage = ""
	item.CreatedAt = now
	item.UpdatedAt = now

	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	tag, err := q.db.Exec(ctx, `
		INSERT INTO run_queue (run_id, session_id, provider, status, attempts, max_attempts, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id) DO NOTHING`,
		item.RunID, item.SessionID, item.Provider, item.Status,
		item.Attempts, item.MaxAttempts, payload, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateRun
	}
	return nil
}

// Claim atomically claims the next eligible run using FOR UPDATE SKIP LOCKED
func (q *PostgresQueue) Claim(ctx context.Context, owner string, lockFor time.Duration) (*v1.RunQueueItem, error) {
	var claimed *v1.RunQueueItem

	err := q.db.WithTx(ctx, func(tx pgx.Tx) error {
		now := time.Now().UTC()

		row := tx.QueryRow(ctx, `
			SELECT run_id, session_id, provider, status, lock_owner, lock_expires_at, attempts, max_attempts, payload, error_message, created_at, updated_at
			FROM run_queue
			WHERE (status = 'queued' AND (lock_expires_at IS NULL OR lock_expires_at < $1))
			   OR (status = 'claimed' AND lock_expires_at < $1)
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED`, now)

		item, err := scanQueueItem(row)
		if err != nil {
			if errors.Is(err, ErrRunNotQueued) {
				return ErrNoRunsAvailable
			}
			return err
		}

		expires := now.Add(lockFor)
		_, err = tx.Exec(ctx, `
			UPDATE run_queue
			SET status = 'claimed', lock_owner = $2, lock_expires_at = $3, attempts = attempts + 1, error_message = '', updated_at = $4
			WHERE run_id = $1`,
			item.RunID, owner, expires, now)
		if err != nil {
			return fmt.Errorf("failed to claim run: %w", err)
		}

		item.Status = v1.QueueStatusClaimed
		item.LockOwner = &owner
		item.LockExpiresAt = &expires
		item.Attempts++
		item.ErrorMessage = ""
		item.UpdatedAt = now
		claimed = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkSucceeded resolves a claim as succeeded
func (q *PostgresQueue) MarkSucceeded(ctx context.Context, runID, owner string) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE run_queue
		SET status = 'succeeded', lock_owner = NULL, lock_expires_at = NULL, error_message = '', updated_at = $3
		WHERE run_id = $1 AND status = 'claimed' AND lock_owner = $2`,
		runID, owner, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark run succeeded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := q.Get(ctx, runID); getErr != nil {
			return getErr
		}
		return ErrNotClaimOwner
	}
	return nil
}

// MarkRetryOrFailed resolves a claim after a failed attempt
func (q *PostgresQueue) MarkRetryOrFailed(ctx context.Context, runID, owner, errMsg string, retryDelay time.Duration) (v1.QueueStatus, error) {
	var status v1.QueueStatus

	err := q.db.WithTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT run_id, session_id, provider, status, lock_owner, lock_expires_at, attempts, max_attempts, payload, error_message, created_at, updated_at
			FROM run_queue WHERE run_id = $1 FOR UPDATE`, runID)

		item, err := scanQueueItem(row)
		if err != nil {
			return err
		}
		if item.Status != v1.QueueStatusClaimed || item.LockOwner == nil || *item.LockOwner != owner {
			return ErrNotClaimOwner
		}

		now := time.Now().UTC()
		if item.Attempts >= item.MaxAttempts {
			status = v1.QueueStatusFailed
			_, err = tx.Exec(ctx, `
				UPDATE run_queue
				SET status = 'failed', lock_owner = NULL, lock_expires_at = NULL, error_message = $2, updated_at = $3
				WHERE run_id = $1`, runID, errMsg, now)
			return err
		}

		status = v1.QueueStatusQueued
		notBefore := now.Add(retryDelay)
		_, err = tx.Exec(ctx, `
			UPDATE run_queue
			SET status = 'queued', lock_owner = NULL, lock_expires_at = $2, error_message = $3, updated_at = $4
			WHERE run_id = $1`, runID, notBefore, errMsg, now)
		return err
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// Cancel marks a queued or claimed run canceled
func (q *PostgresQueue) Cancel(ctx context.Context, runID, reason string) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE run_queue
		SET status = 'canceled', lock_owner = NULL, lock_expires_at = NULL, error_message = $2, updated_at = $3
		WHERE run_id = $1 AND status IN ('queued', 'claimed')`,
		runID, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to cancel run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := q.Get(ctx, runID); getErr != nil {
			return getErr
		}
		// Already terminal.
	}
	return nil
}

// Get returns the queue entry for a run ID
func (q *PostgresQueue) Get(ctx context.Context, runID string) (*v1.RunQueueItem, error) {
	row := q.db.QueryRow(ctx, `
		SELECT run_id, session_id, provider, status, lock_owner, lock_expires_at, attempts, max_attempts, payload, error_message, created_at, updated_at
		FROM run_queue WHERE run_id = $1`, runID)
	return scanQueueItem(row)
}

// Summary returns aggregate counts by status
func (q *PostgresQueue) Summary(ctx context.Context) (*v1.QueueSummary, error) {
	rows, err := q.db.Query(ctx, `SELECT status, COUNT(*) FROM run_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize queue: %w", err)
	}
	defer rows.Close()

	summary := &v1.QueueSummary{}
	for rows.Next() {
		var status v1.QueueStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		switch status {
		case v1.QueueStatusQueued:
			summary.Queued = count
		case v1.QueueStatusClaimed:
			summary.Claimed = count
		case v1.QueueStatusSucceeded:
			summary.Succeeded = count
		case v1.QueueStatusFailed:
			summary.Failed = count
		case v1.QueueStatusCanceled:
			summary.Canceled = count
		}
	}
	return summary, rows.Err()
}

// ExpireStaleClaims forces expired claims back to queued or failed
func (q *PostgresQueue) ExpireStaleClaims(ctx context.Context, cutoff time.Time, reason string) ([]string, error) {
	rows, err := q.db.Query(ctx, `
		UPDATE run_queue
		SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'queued' END,
		    lock_owner = NULL, lock_expires_at = NULL, error_message = $2, updated_at = $3
		WHERE status = 'claimed' AND lock_expires_at < $1
		RETURNING run_id`,
		cutoff, reason, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to expire stale claims: %w", err)
	}
	defer rows.Close()

	var affected []string
	for rows.Next() {
		var runID string
		if err := rows.Scan(&runID); err != nil {
			return nil, fmt.Errorf("failed to scan expired claim: %w", err)
		}
		affected = append(affected, runID)
	}
	return affected, rows.Err()
}

func scanQueueItem(row pgx.Row) (*v1.RunQueueItem, error) {
	var item v1.RunQueueItem
	var payload []byte

	err := row.Scan(&item.RunID, &item.SessionID, &item.Provider, &item.Status,
		&item.LockOwner, &item.LockExpiresAt, &item.Attempts, &item.MaxAttempts,
		&payload, &item.ErrorMessage, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotQueued
		}
		return nil, fmt.Errorf("failed to scan queue item: %w", err)
	}

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &item.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	return &item, nil
}
