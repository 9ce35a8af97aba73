package v1

import "time"

// ProviderName identifies an agent provider behind the adapter layer.
type ProviderName string

const (
	ProviderClaudeCode ProviderName = "claude-code"
	ProviderOpenCode   ProviderName = "opencode"
	ProviderCodexCLI   ProviderName = "codex-cli"
)

// RunStatus represents the lifecycle status of a run.
type RunStatus string

const (
	RunStatusRunning      RunStatus = "running"
	RunStatusWaitingHuman RunStatus = "waiting_human"
	RunStatusSucceeded    RunStatus = "succeeded"
	RunStatusFailed       RunStatus = "failed"
	RunStatusCanceled     RunStatus = "canceled"
	RunStatusBlocked      RunStatus = "blocked"
)

// Terminal reports whether the status is absorbing.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled, RunStatusBlocked:
		return true
	}
	return false
}

// MessageRole is the role of a chat message in a run request.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is a single chat message handed to the provider.
type Message struct {
	Role    MessageRole `json:"role" binding:"required,oneof=system user assistant"`
	Content string      `json:"content" binding:"required"`
}

// StartRunRequest is the body of POST /api/runs/start.
type StartRunRequest struct {
	RunID            string         `json:"runId,omitempty"`
	SessionID        string         `json:"sessionId,omitempty"`
	Provider         ProviderName   `json:"provider" binding:"required"`
	Model            string         `json:"model" binding:"required"`
	Messages         []Message      `json:"messages" binding:"required,min=1,dive"`
	ResumeSessionID  string         `json:"resumeSessionId,omitempty"`
	ExecutionProfile string         `json:"executionProfile,omitempty"`
	Tools            []string       `json:"tools,omitempty"`
	ProviderOptions  map[string]any `json:"providerOptions,omitempty"`
	RequireHumanLoop bool           `json:"requireHumanLoop,omitempty"`
}

// StartRunResponse is the JSON (non-SSE) response of POST /api/runs/start.
type StartRunResponse struct {
	RunID    string       `json:"runId"`
	Accepted bool         `json:"accepted"`
	Warnings []string     `json:"warnings,omitempty"`
	Reason   string       `json:"reason,omitempty"`
	Events   []RunEvent   `json:"events"`
	Snapshot *RunSnapshot `json:"snapshot"`
}

// RunSnapshot is the queryable view of a run's context.
type RunSnapshot struct {
	RunID     string       `json:"runId"`
	SessionID string       `json:"sessionId,omitempty"`
	Provider  ProviderName `json:"provider"`
	Status    RunStatus    `json:"status"`
	Warnings  []string     `json:"warnings,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Streamed  bool         `json:"streamed"`
	StartedAt time.Time    `json:"startedAt"`
	EndedAt   *time.Time   `json:"endedAt,omitempty"`
}

// RunEventType enumerates the normalized orchestrator event types.
type RunEventType string

const (
	EventRunStatus    RunEventType = "run.status"
	EventRunWarning   RunEventType = "run.warning"
	EventMessageDelta RunEventType = "message.delta"
	EventTodoUpdate   RunEventType = "todo.update"
	EventRunClosed    RunEventType = "run.closed"
)

// RunEvent is a normalized event on a run stream. Every event carries the
// runId, provider and an ISO-8601 UTC timestamp; the remaining fields depend
// on the event type.
type RunEvent struct {
	Type     RunEventType `json:"type"`
	RunID    string       `json:"runId"`
	Provider ProviderName `json:"provider,omitempty"`
	TS       string       `json:"ts"`

	// run.status
	Status string `json:"status,omitempty"`
	Detail string `json:"detail,omitempty"`

	// run.warning
	Warning string `json:"warning,omitempty"`

	// message.delta
	Text string `json:"text,omitempty"`

	// todo.update
	Todo *TodoUpdate `json:"todo,omitempty"`
}

// TodoUpdate is the payload of a todo.update event.
type TodoUpdate struct {
	TodoID  string     `json:"todoId"`
	Content string     `json:"content"`
	Status  TodoStatus `json:"status"`
	Order   int        `json:"order"`
}

// Usage is the token accounting attached to a terminal run event.
// It is finalized once per run; later writers are ignored.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	TotalTokens  int64 `json:"totalTokens"`
}

// StopRunResponse is the body of POST /api/runs/:runId/stop.
type StopRunResponse struct {
	OK bool `json:"ok"`
}

// BindRunRequest binds a run to a session for callback routing.
type BindRunRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
}
