package v1

import "time"

// QueueStatus represents the status of a queued run.
type QueueStatus string

const (
	QueueStatusQueued    QueueStatus = "queued"
	QueueStatusClaimed   QueueStatus = "claimed"
	QueueStatusSucceeded QueueStatus = "succeeded"
	QueueStatusFailed    QueueStatus = "failed"
	QueueStatusCanceled  QueueStatus = "canceled"
)

// Terminal reports whether the queue status is absorbing.
func (s QueueStatus) Terminal() bool {
	switch s {
	case QueueStatusSucceeded, QueueStatusFailed, QueueStatusCanceled:
		return true
	}
	return false
}

// RunQueueItem is a durable queue entry keyed by run ID.
type RunQueueItem struct {
	RunID         string          `json:"runId"`
	SessionID     string          `json:"sessionId"`
	Provider      ProviderName    `json:"provider"`
	Status        QueueStatus     `json:"status"`
	LockOwner     *string         `json:"lockOwner,omitempty"`
	LockExpiresAt *time.Time      `json:"lockExpiresAt,omitempty"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"maxAttempts"`
	Payload       StartRunRequest `json:"payload"`
	ErrorMessage  string          `json:"errorMessage,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// EnqueueRequest is the body of POST /api/runs/queue/enqueue.
type EnqueueRequest struct {
	RunID       string          `json:"runId,omitempty"`
	SessionID   string          `json:"sessionId" binding:"required"`
	Provider    ProviderName    `json:"provider" binding:"required"`
	MaxAttempts int             `json:"maxAttempts,omitempty"`
	Payload     StartRunRequest `json:"payload"`
}

// EnqueueResponse reports whether the run was accepted into the queue.
type EnqueueResponse struct {
	Accepted bool   `json:"accepted"`
	RunID    string `json:"runId"`
}

// DrainRequest is the body of POST /api/runs/queue/drain.
type DrainRequest struct {
	Owner        string `json:"owner,omitempty"`
	Limit        int    `json:"limit,omitempty" binding:"omitempty,min=1,max=100"`
	LockMs       int64  `json:"lockMs,omitempty" binding:"omitempty,min=1,max=120000"`
	RetryDelayMs int64  `json:"retryDelayMs,omitempty" binding:"omitempty,min=1,max=300000"`
}

// DrainResult holds the counters of a single drain pass.
type DrainResult struct {
	Claimed   int `json:"claimed"`
	Succeeded int `json:"succeeded"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Canceled  int `json:"canceled"`
}

// QueueSummary is the aggregate view of the queue by status.
type QueueSummary struct {
	Queued    int `json:"queued"`
	Claimed   int `json:"claimed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Canceled  int `json:"canceled"`
}
