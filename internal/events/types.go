// Package events provides event types and subject helpers for the control
// plane event system.
package events

import "fmt"

// Event types for runs
const (
	RunStarted      = "run.started"
	RunFinished     = "run.finished"
	RunCanceled     = "run.canceled"
	RunBlocked      = "run.blocked"
	RunWaitingHuman = "run.waiting_human"
)

// Event types for the run queue
const (
	QueueEnqueued = "queue.enqueued"
	QueueClaimed  = "queue.claimed"
	QueueRetried  = "queue.retried"
	QueueFailed   = "queue.failed"
)

// Event types for session workers
const (
	WorkerCreated    = "worker.created"
	WorkerRestarted  = "worker.restarted"
	WorkerStopped    = "worker.stopped"
	WorkerRemoved    = "worker.removed"
	WorkerSyncFailed = "worker.sync_failed"
)

// Event types for reconciliation
const (
	ReconcileStaleClaim = "reconcile.stale_claim"
	ReconcileStaleSync  = "reconcile.stale_sync"
	ReconcileHumanLoop  = "reconcile.human_loop_timeout"
)

// RunSubject returns the per-run subject for the given event type.
func RunSubject(runID, eventType string) string {
	return fmt.Sprintf("runs.%s.%s", runID, eventType)
}

// WorkerSubject returns the per-session subject for the given event type.
func WorkerSubject(sessionID, eventType string) string {
	return fmt.Sprintf("workers.%s.%s", sessionID, eventType)
}
