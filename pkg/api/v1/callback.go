package v1

import "time"

// CallbackType enumerates the events an executor may post back to the
// control plane.
type CallbackType string

const (
	CallbackMessageStop       CallbackType = "message.stop"
	CallbackTodoUpdate        CallbackType = "todo.update"
	CallbackHumanLoopRequest  CallbackType = "human_loop.requested"
	CallbackHumanLoopResolved CallbackType = "human_loop.resolved"
	CallbackRunFinished       CallbackType = "run.finished"
)

// TodoStatus represents the state of a single todo item.
type TodoStatus string

const (
	TodoStatusTodo     TodoStatus = "todo"
	TodoStatusDoing    TodoStatus = "doing"
	TodoStatusDone     TodoStatus = "done"
	TodoStatusCanceled TodoStatus = "canceled"
)

// CallbackRequest is the body of POST /api/runs/:runId/callbacks.
// The variant fields are interpreted according to Type.
type CallbackRequest struct {
	EventID    string       `json:"eventId" binding:"required"`
	Type       CallbackType `json:"type" binding:"required"`
	OccurredAt time.Time    `json:"occurredAt"`

	// todo.update
	Todo *TodoUpdate `json:"todo,omitempty"`

	// human_loop.requested / human_loop.resolved
	QuestionID string         `json:"questionId,omitempty"`
	Prompt     string         `json:"prompt,omitempty"`
	Answer     string         `json:"answer,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`

	// run.finished
	Status RunStatus `json:"status,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Usage  *Usage    `json:"usage,omitempty"`
}

// CallbackAction names the outcome of processing a callback.
type CallbackAction string

const (
	ActionDuplicateIgnored  CallbackAction = "duplicate_ignored"
	ActionMissingRun        CallbackAction = "missing_run"
	ActionMessageStopSynced CallbackAction = "message_stop_synced"
	ActionTodoApplied       CallbackAction = "todo_applied"
	ActionHumanLoopPending  CallbackAction = "human_loop_pending"
	ActionHumanLoopResolved CallbackAction = "human_loop_resolved"
	ActionRunFinished       CallbackAction = "run_finished"
)

// CallbackResult is the response of the callback endpoint.
type CallbackResult struct {
	Processed bool           `json:"processed"`
	Duplicate bool           `json:"duplicate"`
	Action    CallbackAction `json:"action"`
}
