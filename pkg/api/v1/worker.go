package v1

import "time"

// WorkerState represents the lifecycle state of a session worker container.
type WorkerState string

const (
	WorkerStateRunning WorkerState = "running"
	WorkerStateStopped WorkerState = "stopped"
	WorkerStateDeleted WorkerState = "deleted"
)

// SyncStatus tracks the most recent workspace sync for a worker.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusRunning SyncStatus = "running"
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusFailed  SyncStatus = "failed"
)

// SyncReason names why a workspace sync was triggered.
type SyncReason string

const (
	SyncReasonMessageStop SyncReason = "message.stop"
	SyncReasonRunFinished SyncReason = "run.finished"
	SyncReasonPreStop     SyncReason = "pre.stop"
	SyncReasonPreRemove   SyncReason = "pre.remove"
)

// SessionWorker is the per-session container hosting an agent workspace.
type SessionWorker struct {
	SessionID         string      `json:"sessionId"`
	ContainerID       string      `json:"containerId,omitempty"`
	WorkspaceS3Prefix string      `json:"workspaceS3Prefix"`
	State             WorkerState `json:"state"`
	LastActiveAt      time.Time   `json:"lastActiveAt"`
	StoppedAt         *time.Time  `json:"stoppedAt,omitempty"`
	LastSyncAt        *time.Time  `json:"lastSyncAt,omitempty"`
	LastSyncStatus    SyncStatus  `json:"lastSyncStatus"`
	LastSyncError     string      `json:"lastSyncError,omitempty"`
	CreatedAt         time.Time   `json:"createdAt"`
	UpdatedAt         time.Time   `json:"updatedAt"`
}

// ActivateWorkerRequest is the body of POST /api/session-workers/:sessionId/activate.
type ActivateWorkerRequest struct {
	AppID          string           `json:"appId" binding:"required"`
	ProjectName    string           `json:"projectName,omitempty"`
	UserLoginName  string           `json:"userLoginName" binding:"required"`
	RuntimeVersion string           `json:"runtimeVersion,omitempty"`
	Manifest       *RestoreManifest `json:"manifest,omitempty"`
}

// ActivateOutcome names the result of a worker activation.
type ActivateOutcome string

const (
	ActivateAlreadyRunning ActivateOutcome = "already_running"
	ActivateRestarted      ActivateOutcome = "restarted"
	ActivateCreated        ActivateOutcome = "created"
)

// ActivateWorkerResponse is the response of the activate endpoint.
type ActivateWorkerResponse struct {
	Outcome ActivateOutcome `json:"outcome"`
	Worker  *SessionWorker  `json:"worker"`
}

// SyncWorkerRequest is the body of POST /api/session-workers/:sessionId/sync.
type SyncWorkerRequest struct {
	Reason SyncReason `json:"reason,omitempty"`
	RunID  string     `json:"runId,omitempty"`
}

// CleanupRequest bounds an idle-stop or long-stopped-remove sweep.
type CleanupRequest struct {
	IdleTimeoutMs int64 `json:"idleTimeoutMs,omitempty"`
	RemoveAfterMs int64 `json:"removeAfterMs,omitempty"`
	Limit         int   `json:"limit,omitempty"`
}

// CleanupResult holds the counters of a lifecycle sweep.
type CleanupResult struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}
