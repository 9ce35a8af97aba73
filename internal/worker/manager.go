// Package worker manages per-session workspace containers. A worker moves
// absent -> running -> stopped -> deleted; every transition out of running
// and every removal is preceded by a successful workspace sync.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/runplane/runplane/internal/apperr"
	"github.com/runplane/runplane/internal/common/config"
	"github.com/runplane/runplane/internal/common/logger"
	"github.com/runplane/runplane/internal/events"
	"github.com/runplane/runplane/internal/events/bus"
	"github.com/runplane/runplane/internal/executor"
	"github.com/runplane/runplane/internal/restore"
	"github.com/runplane/runplane/internal/store"
	v1 "github.com/runplane/runplane/pkg/api/v1"
)

const stopTimeout = 30 * time.Second

// ExecutorClient is the slice of the executor API the manager needs. A nil
// client turns restore and sync into no-ops for single-node development.
type ExecutorClient interface {
	RestoreWorkspace(ctx context.Context, sessionID string, plan *v1.RestorePlan, trace executor.Trace) error
	LinkAgentData(ctx context.Context, sessionID string, trace executor.Trace) error
	ValidateWorkspace(ctx context.Context, sessionID string, requiredPaths []string, trace executor.Trace) (*executor.ValidateResult, error)
	SyncWorkspace(ctx context.Context, sessionID, workspaceS3Prefix string, reason v1.SyncReason, runID string, trace executor.Trace) error
}

// SweepOptions bound one idle-stop or remove sweep.
type SweepOptions struct {
	Now         time.Time
	IdleTimeout time.Duration
	RemoveAfter time.Duration
	Limit       int
}

// Manager coordinates session worker lifecycle against the container
// runtime, the executor and the store.
type Manager struct {
	store    store.Store
	runtime  ContainerRuntime
	executor ExecutorClient
	bus      bus.EventBus
	cfg      config.WorkerConfig
	logger   *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewManager creates a session worker manager.
func NewManager(st store.Store, runtime ContainerRuntime, exec ExecutorClient, eventBus bus.EventBus, cfg config.WorkerConfig, log *logger.Logger) *Manager {
	return &Manager{
		store:    st,
		runtime:  runtime,
		executor: exec,
		bus:      eventBus,
		cfg:      cfg,
		logger:   log,
		stopCh:   make(chan struct{}),
	}
}

// Activate ensures a running worker for the session. An existing running
// worker is touched; a stopped one is restarted; otherwise a fresh
// container is created and, when a manifest is provided, its workspace is
// restored and validated through the executor.
func (m *Manager) Activate(ctx context.Context, sessionID string, req *v1.ActivateWorkerRequest) (*v1.ActivateWorkerResponse, error) {
	now := time.Now().UTC()
	log := m.logger.WithSessionID(sessionID)

	w, err := m.store.GetWorker(ctx, sessionID)
	if err != nil && !errors.Is(err, store.ErrWorkerNotFound) {
		return nil, err
	}

	if err == nil {
		switch w.State {
		case v1.WorkerStateRunning:
			w.LastActiveAt = now
			if err := m.store.UpdateWorker(ctx, w); err != nil {
				return nil, err
			}
			return &v1.ActivateWorkerResponse{Outcome: v1.ActivateAlreadyRunning, Worker: w}, nil

		case v1.WorkerStateStopped:
			if err := m.ensureContainerRunning(ctx, w); err != nil {
				return nil, err
			}
			w.State = v1.WorkerStateRunning
			w.StoppedAt = nil
			w.LastActiveAt = now
			if err := m.store.UpdateWorker(ctx, w); err != nil {
				return nil, err
			}
			m.publish(ctx, sessionID, events.WorkerRestarted, nil)
			log.Info("Session worker restarted", zap.String("container_id", w.ContainerID))
			return &v1.ActivateWorkerResponse{Outcome: v1.ActivateRestarted, Worker: w}, nil
		}
		// A deleted record is replaced by a fresh activation below.
	}

	id := restore.Identity{
		AppID:          req.AppID,
		ProjectName:    req.ProjectName,
		UserLoginName:  req.UserLoginName,
		SessionID:      sessionID,
		RuntimeVersion: req.RuntimeVersion,
	}

	containerID, err := m.runtime.CreateContainer(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.runtime.StartContainer(ctx, containerID); err != nil {
		return nil, err
	}

	fresh := &v1.SessionWorker{
		SessionID:         sessionID,
		ContainerID:       containerID,
		WorkspaceS3Prefix: id.WorkspaceS3Prefix(),
		State:             v1.WorkerStateRunning,
		LastActiveAt:      now,
		LastSyncStatus:    v1.SyncStatusIdle,
	}
	if err := m.persistWorker(ctx, fresh); err != nil {
		return nil, err
	}

	if req.Manifest != nil {
		if err := m.restoreWorkspace(ctx, id, req.Manifest); err != nil {
			return nil, err
		}
	}

	m.publish(ctx, sessionID, events.WorkerCreated, map[string]any{
		"containerId": containerID,
	})
	log.Info("Session worker created",
		zap.String("container_id", containerID),
		zap.String("workspace_prefix", fresh.WorkspaceS3Prefix))
	return &v1.ActivateWorkerResponse{Outcome: v1.ActivateCreated, Worker: fresh}, nil
}

// restoreWorkspace builds the layered plan and drives the executor through
// restore, agent-data linking and required-path validation.
func (m *Manager) restoreWorkspace(ctx context.Context, id restore.Identity, manifest *v1.RestoreManifest) error {
	plan, err := restore.BuildPlan(id, manifest)
	if err != nil {
		return err
	}
	if m.executor == nil {
		return nil
	}

	if err := m.executor.RestoreWorkspace(ctx, id.SessionID, plan, m.trace(id.SessionID, "workspace.restore", "")); err != nil {
		return err
	}
	if err := m.executor.LinkAgentData(ctx, id.SessionID, m.trace(id.SessionID, "workspace.link-agent-data", "")); err != nil {
		return err
	}

	if len(plan.RequiredPaths) > 0 {
		res, err := m.executor.ValidateWorkspace(ctx, id.SessionID, plan.RequiredPaths, m.trace(id.SessionID, "workspace.validate", ""))
		if err != nil {
			return err
		}
		if !res.OK {
			return apperr.Newf(apperr.KindValidation, "%s: %v",
				restore.ReasonRequiredPathsMissing, res.MissingRequiredPaths)
		}
	}
	return nil
}

// SyncSessionWorkspace uploads the worker's workspace to the object store
// and records the outcome on the worker. It returns an error when the sync
// failed; callers must not destroy the container in that case.
func (m *Manager) SyncSessionWorkspace(ctx context.Context, sessionID string, reason v1.SyncReason, at time.Time, runID string) error {
	w, err := m.store.GetWorker(ctx, sessionID)
	if err != nil {
		return err
	}
	log := m.logger.WithSessionID(sessionID)

	w.LastSyncStatus = v1.SyncStatusRunning
	if err := m.store.UpdateWorker(ctx, w); err != nil {
		return err
	}

	syncErr := m.doSync(ctx, w, reason, runID)

	w.LastSyncAt = &at
	if syncErr != nil {
		w.LastSyncStatus = v1.SyncStatusFailed
		w.LastSyncError = syncErr.Error()
	} else {
		w.LastSyncStatus = v1.SyncStatusSuccess
		w.LastSyncError = ""
	}
	if err := m.store.UpdateWorker(ctx, w); err != nil {
		return err
	}

	if syncErr != nil {
		m.publish(ctx, sessionID, events.WorkerSyncFailed, map[string]any{
			"reason": string(reason),
			"error":  syncErr.Error(),
		})
		log.WithError(syncErr).Warn("Workspace sync failed", zap.String("sync_reason", string(reason)))
		return syncErr
	}
	log.Debug("Workspace synced", zap.String("sync_reason", string(reason)))
	return nil
}

func (m *Manager) doSync(ctx context.Context, w *v1.SessionWorker, reason v1.SyncReason, runID string) error {
	if m.executor == nil {
		return nil
	}
	syncCtx := ctx
	if m.cfg.SyncTimeoutMs > 0 {
		var cancel context.CancelFunc
		syncCtx, cancel = context.WithTimeout(ctx, time.Duration(m.cfg.SyncTimeoutMs)*time.Millisecond)
		defer cancel()
	}
	return m.executor.SyncWorkspace(syncCtx, w.SessionID, w.WorkspaceS3Prefix, reason, runID,
		m.trace(w.SessionID, "workspace.sync", runID))
}

// StopIdleWorkers sweeps running workers idle past the timeout: each is
// synced and, only on sync success, stopped.
func (m *Manager) StopIdleWorkers(ctx context.Context, opts SweepOptions) (*v1.CleanupResult, error) {
	opts = m.sweepDefaults(opts)
	result := &v1.CleanupResult{}

	workers, err := m.store.ListWorkersByState(ctx, v1.WorkerStateRunning)
	if err != nil {
		return nil, err
	}
	cutoff := opts.Now.Add(-opts.IdleTimeout)

	for _, w := range workers {
		if result.Total >= opts.Limit {
			break
		}
		if !w.LastActiveAt.Before(cutoff) {
			continue
		}
		result.Total++
		log := m.logger.WithSessionID(w.SessionID)

		if err := m.SyncSessionWorkspace(ctx, w.SessionID, v1.SyncReasonPreStop, opts.Now, ""); err != nil {
			result.Failed++
			continue
		}
		if err := m.runtime.StopContainer(ctx, w.ContainerID, stopTimeout); err != nil {
			log.WithError(err).Warn("Failed to stop idle worker container")
			result.Failed++
			continue
		}

		w, err := m.store.GetWorker(ctx, w.SessionID)
		if err != nil {
			result.Failed++
			continue
		}
		stoppedAt := opts.Now
		w.State = v1.WorkerStateStopped
		w.StoppedAt = &stoppedAt
		if err := m.store.UpdateWorker(ctx, w); err != nil {
			result.Failed++
			continue
		}
		result.Succeeded++
		m.publish(ctx, w.SessionID, events.WorkerStopped, nil)
		log.Info("Idle session worker stopped")
	}
	return result, nil
}

// RemoveLongStoppedWorkers sweeps workers stopped past the retention
// window. A worker whose container already vanished is marked deleted
// without a sync; otherwise sync must succeed before removal.
func (m *Manager) RemoveLongStoppedWorkers(ctx context.Context, opts SweepOptions) (*v1.CleanupResult, error) {
	opts = m.sweepDefaults(opts)
	result := &v1.CleanupResult{}

	workers, err := m.store.ListWorkersByState(ctx, v1.WorkerStateStopped)
	if err != nil {
		return nil, err
	}
	cutoff := opts.Now.Add(-opts.RemoveAfter)

	for _, w := range workers {
		if result.Total >= opts.Limit {
			break
		}
		if w.StoppedAt == nil || !w.StoppedAt.Before(cutoff) {
			continue
		}
		result.Total++
		log := m.logger.WithSessionID(w.SessionID)

		exists, err := m.runtime.ContainerExists(ctx, w.ContainerID)
		if err != nil {
			log.WithError(err).Warn("Failed to inspect worker container")
			result.Failed++
			continue
		}
		if !exists {
			w.State = v1.WorkerStateDeleted
			if err := m.store.UpdateWorker(ctx, w); err != nil {
				result.Failed++
				continue
			}
			result.Skipped++
			m.publish(ctx, w.SessionID, events.WorkerRemoved, nil)
			log.Info("Worker container already gone, marked deleted")
			continue
		}

		if err := m.SyncSessionWorkspace(ctx, w.SessionID, v1.SyncReasonPreRemove, opts.Now, ""); err != nil {
			result.Failed++
			continue
		}
		if err := m.runtime.RemoveContainer(ctx, w.ContainerID, true); err != nil {
			log.WithError(err).Warn("Failed to remove worker container")
			result.Failed++
			continue
		}

		w, err := m.store.GetWorker(ctx, w.SessionID)
		if err != nil {
			result.Failed++
			continue
		}
		w.State = v1.WorkerStateDeleted
		if err := m.store.UpdateWorker(ctx, w); err != nil {
			result.Failed++
			continue
		}
		result.Succeeded++
		m.publish(ctx, w.SessionID, events.WorkerRemoved, nil)
		log.Info("Long-stopped session worker removed")
	}
	return result, nil
}

// Start launches the periodic cleanup loop.
func (m *Manager) Start(ctx context.Context) {
	if m.cfg.CleanupMs <= 0 {
		return
	}
	interval := time.Duration(m.cfg.CleanupMs) * time.Millisecond

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				if _, err := m.StopIdleWorkers(ctx, SweepOptions{}); err != nil && !errors.Is(err, context.Canceled) {
					m.logger.WithError(err).Warn("Idle worker sweep failed")
				}
				if _, err := m.RemoveLongStoppedWorkers(ctx, SweepOptions{}); err != nil && !errors.Is(err, context.Canceled) {
					m.logger.WithError(err).Warn("Stopped worker sweep failed")
				}
			}
		}
	}()
	m.logger.Info("Session worker cleanup loop started", zap.Duration("interval", interval))
}

// Stop terminates the cleanup loop and waits for it to exit.
func (m *Manager) Stop() {
	m.once.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *Manager) ensureContainerRunning(ctx context.Context, w *v1.SessionWorker) error {
	exists, err := m.runtime.ContainerExists(ctx, w.ContainerID)
	if err != nil {
		return err
	}
	if !exists {
		containerID, err := m.runtime.CreateContainer(ctx, w.SessionID)
		if err != nil {
			return err
		}
		w.ContainerID = containerID
	}
	return m.runtime.StartContainer(ctx, w.ContainerID)
}

func (m *Manager) persistWorker(ctx context.Context, w *v1.SessionWorker) error {
	err := m.store.CreateWorker(ctx, w)
	if errors.Is(err, store.ErrWorkerExists) {
		return m.store.UpdateWorker(ctx, w)
	}
	return err
}

func (m *Manager) sweepDefaults(opts SweepOptions) SweepOptions {
	if opts.Now.IsZero() {
		opts.Now = time.Now().UTC()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = time.Duration(m.cfg.IdleTimeoutMs) * time.Millisecond
	}
	if opts.RemoveAfter <= 0 {
		opts.RemoveAfter = time.Duration(m.cfg.RemoveAfterMs) * time.Millisecond
	}
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	return opts
}

func (m *Manager) trace(sessionID, operation, runID string) executor.Trace {
	return executor.Trace{
		TraceID:    uuid.New().String(),
		SessionID:  sessionID,
		ExecutorID: "control-plane",
		Operation:  operation,
		RunID:      runID,
	}
}

func (m *Manager) publish(ctx context.Context, sessionID, eventType string, data map[string]any) {
	if m.bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["sessionId"] = sessionID
	event := bus.NewEvent(eventType, "worker", data)
	if err := m.bus.Publish(ctx, events.WorkerSubject(sessionID, eventType), event); err != nil {
		m.logger.WithError(err).Debug("Failed to publish worker event")
	}
}
