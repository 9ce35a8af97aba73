// Package models holds the persistent entities of the control plane.
package models

import (
	"time"

	v1 "github.com/runplane/runplane/pkg/api/v1"
)

// Run is the durable record of a run's lifecycle.
type Run struct {
	RunID     string          `json:"runId"`
	SessionID string          `json:"sessionId,omitempty"`
	Provider  v1.ProviderName `json:"provider"`
	Status    v1.RunStatus    `json:"status"`
	Reason    string          `json:"reason,omitempty"`
	Warnings  []string        `json:"warnings,omitempty"`

	// Streamed flips to true exactly once, when the run's provider stream
	// is consumed.
	Streamed bool `json:"streamed"`

	// Usage is finalized once; later writers are ignored.
	Usage          *v1.Usage `json:"usage,omitempty"`
	UsageFinalized bool      `json:"usageFinalized"`

	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Terminal reports whether the run has reached an absorbing status.
func (r *Run) Terminal() bool {
	return r.Status.Terminal()
}

// Todo is the current state of a single todo item within a run.
type Todo struct {
	RunID     string        `json:"runId"`
	TodoID    string        `json:"todoId"`
	Content   string        `json:"content"`
	Status    v1.TodoStatus `json:"status"`
	Order     int           `json:"order"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// TodoEvent is one accepted todo.update on a run's append-only timeline.
// The snapshot keeps what the event carried even after the todo row is
// overwritten by a later update.
type TodoEvent struct {
	EventID    string         `json:"eventId"`
	RunID      string         `json:"runId"`
	TodoID     string         `json:"todoId"`
	Content    string         `json:"content"`
	Status     v1.TodoStatus  `json:"status"`
	Order      int            `json:"order"`
	Payload    *v1.TodoUpdate `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// HumanLoopStatus tracks a pending question lifecycle.
type HumanLoopStatus string

const (
	HumanLoopPending  HumanLoopStatus = "pending"
	HumanLoopResolved HumanLoopStatus = "resolved"
	HumanLoopCanceled HumanLoopStatus = "canceled"
)

// HumanLoop is a question raised by the agent that requires a human answer.
type HumanLoop struct {
	RunID       string          `json:"runId"`
	QuestionID  string          `json:"questionId"`
	Prompt      string          `json:"prompt"`
	Status      HumanLoopStatus `json:"status"`
	Answer      string          `json:"answer,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	RequestedAt time.Time       `json:"requestedAt"`
	ResolvedAt  *time.Time      `json:"resolvedAt,omitempty"`
}

// CallbackEvent records a processed executor callback for idempotency.
// A callback whose event ID is already recorded is a duplicate.
type CallbackEvent struct {
	EventID    string          `json:"eventId"`
	RunID      string          `json:"runId"`
	Type       v1.CallbackType `json:"type"`
	ReceivedAt time.Time       `json:"receivedAt"`
}
