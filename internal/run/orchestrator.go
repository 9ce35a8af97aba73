// Package run implements the run orchestrator: the per-run lifecycle state
// machine that consumes a provider handle and translates its chunks into
// normalized events on the stream bus.
package run

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/runplane/runplane/internal/common/logger"
	"github.com/runplane/runplane/internal/events"
	"github.com/runplane/runplane/internal/events/bus"
	"github.com/runplane/runplane/internal/models"
	"github.com/runplane/runplane/internal/provider"
	"github.com/runplane/runplane/internal/queue"
	"github.com/runplane/runplane/internal/store"
	"github.com/runplane/runplane/internal/stream"
	v1 "github.com/runplane/runplane/pkg/api/v1"
)

var (
	// ErrStreamConsumed indicates a second StreamRun call for the same run.
	ErrStreamConsumed = errors.New("run stream already consumed")

	// ErrRunNotActive indicates the run has no live provider handle.
	ErrRunNotActive = errors.New("run is not active")

	// ErrHumanLoopUnsupported indicates a reply was sent to a provider
	// without human loop support.
	ErrHumanLoopUnsupported = errors.New("provider does not support human loop replies")
)

const (
	reasonNoHumanLoop     = "provider does not support human loop"
	warnResumeUnsupported = "provider does not support resume; falling back to new session"
	reasonMissingTerminal = "provider stream closed without terminal event"
	reasonStoppedByClient = "stopped by client"
	sourceOrchestrator    = "orchestrator"
	statusDetailStarted   = "started"
	statusDetailFinished  = "finished"
)

// StartResult is the outcome of StartRun.
type StartResult struct {
	RunID    string
	Accepted bool
	Reason   string
	Warnings []string
}

type activeRun struct {
	provider v1.ProviderName
	handle   provider.Handle
	adapter  provider.Adapter
	warnings []string
	consumed bool
	stopped  bool
}

// Orchestrator owns run lifecycles. It is safe for concurrent use; each
// run's stream is pumped by exactly one goroutine.
type Orchestrator struct {
	store     store.Store
	streams   *stream.Bus
	providers *provider.Registry
	bus       bus.EventBus
	logger    *logger.Logger

	mu     sync.Mutex
	active map[string]*activeRun
}

// NewOrchestrator creates a run orchestrator.
func NewOrchestrator(st store.Store, streams *stream.Bus, providers *provider.Registry, eventBus bus.EventBus, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		store:     st,
		streams:   streams,
		providers: providers,
		bus:       eventBus,
		logger:    log,
		active:    make(map[string]*activeRun),
	}
}

// StartRun gates the request on provider capabilities, acquires a provider
// handle and persists the run as running. A blocked run is persisted but
// not accepted and gets no stream.
func (o *Orchestrator) StartRun(ctx context.Context, req *v1.StartRunRequest) (*StartResult, error) {
	if req.RunID == "" {
		req.RunID = uuid.New().String()
	}
	runID := req.RunID
	log := o.logger.WithRunID(runID)

	adapter, err := o.providers.Get(req.Provider)
	if err != nil {
		return nil, err
	}
	caps := adapter.Capabilities()
	now := time.Now().UTC()

	if req.RequireHumanLoop && !caps.HumanLoop {
		run := &models.Run{
			RunID:     runID,
			SessionID: req.SessionID,
			Provider:  req.Provider,
			Status:    v1.RunStatusBlocked,
			Reason:    reasonNoHumanLoop,
			StartedAt: now,
			EndedAt:   &now,
		}
		if err := o.persistRun(ctx, run); err != nil {
			return nil, err
		}
		o.publishBusEvent(ctx, runID, events.RunBlocked, map[string]any{"reason": run.Reason})
		log.Warn("Run blocked by capability gate", zap.String("provider", string(req.Provider)))
		return &StartResult{RunID: runID, Accepted: false, Reason: run.Reason}, nil
	}

	var warnings []string
	if req.ResumeSessionID != "" && !caps.Resume {
		warnings = append(warnings, warnResumeUnsupported)
		req.ResumeSessionID = ""
	}

	handle, err := adapter.Run(ctx, req)
	if err != nil {
		run := &models.Run{
			RunID:     runID,
			SessionID: req.SessionID,
			Provider:  req.Provider,
			Status:    v1.RunStatusFailed,
			Reason:    err.Error(),
			Warnings:  warnings,
			StartedAt: now,
			EndedAt:   &now,
		}
		if persistErr := o.persistRun(ctx, run); persistErr != nil {
			log.WithError(persistErr).Error("Failed to persist failed run")
		}
		return nil, err
	}

	run := &models.Run{
		RunID:     runID,
		SessionID: req.SessionID,
		Provider:  req.Provider,
		Status:    v1.RunStatusRunning,
		Warnings:  warnings,
		StartedAt: now,
	}
	if err := o.persistRun(ctx, run); err != nil {
		_ = handle.Stop(ctx)
		return nil, err
	}

	// A retry reuses the run ID; the previous attempt's closed stream must
	// make way for a fresh sequence.
	if o.streams.Closed(runID) {
		o.streams.Drop(runID)
	}

	o.mu.Lock()
	o.active[runID] = &activeRun{
		provider: req.Provider,
		handle:   handle,
		adapter:  adapter,
		warnings: warnings,
	}
	o.mu.Unlock()

	o.publishBusEvent(ctx, runID, events.RunStarted, map[string]any{"provider": string(req.Provider)})
	log.Info("Run started", zap.String("provider", string(req.Provider)),
		zap.Int("warnings", len(warnings)))

	return &StartResult{RunID: runID, Accepted: true, Warnings: warnings}, nil
}

// StreamRun pumps the provider stream to completion, publishing normalized
// events in order: one started status, the collected warnings, the provider
// chunks, then one finished status. It is single-consumer per run.
func (o *Orchestrator) StreamRun(ctx context.Context, runID string) error {
	o.mu.Lock()
	a, ok := o.active[runID]
	if !ok {
		o.mu.Unlock()
		return ErrRunNotActive
	}
	if a.consumed {
		o.mu.Unlock()
		return ErrStreamConsumed
	}
	a.consumed = true
	o.mu.Unlock()

	o.markStreamed(ctx, runID)

	o.publishStreamEvent(runID, a.provider, v1.RunEvent{
		Type:   v1.EventRunStatus,
		Status: statusDetailStarted,
	})
	for _, w := range a.warnings {
		o.publishStreamEvent(runID, a.provider, v1.RunEvent{
			Type:    v1.EventRunWarning,
			Warning: w,
		})
	}

	var (
		terminal bool
		status   v1.RunStatus
		reason   string
		usage    *v1.Usage
	)

pump:
	for {
		select {
		case <-ctx.Done():
			status, reason = v1.RunStatusFailed, ctx.Err().Error()
			_ = a.handle.Stop(context.Background())
			break pump

		case chunk, open := <-a.handle.Stream():
			if !open {
				break pump
			}
			switch chunk.Type {
			case provider.ChunkMessageDelta:
				o.publishStreamEvent(runID, a.provider, v1.RunEvent{
					Type: v1.EventMessageDelta,
					Text: chunk.Text,
				})
			case provider.ChunkTodoUpdate:
				o.publishStreamEvent(runID, a.provider, v1.RunEvent{
					Type: v1.EventTodoUpdate,
					Todo: chunk.Todo,
				})
			case provider.ChunkRunFinished:
				if terminal {
					continue
				}
				terminal = true
				status, reason, usage = chunk.Status, chunk.Reason, chunk.Usage
				if !status.Terminal() {
					status = v1.RunStatusFailed
				}
			}
		}
	}

	if !terminal && status == "" {
		if o.wasStopped(runID) {
			status, reason = v1.RunStatusCanceled, reasonStoppedByClient
		} else {
			status, reason = v1.RunStatusFailed, reasonMissingTerminal
		}
	}

	o.finish(ctx, runID, a.provider, status, reason, usage)
	return nil
}

// finish persists the terminal state, publishes the final status event and
// closes the stream.
func (o *Orchestrator) finish(ctx context.Context, runID string, prov v1.ProviderName, status v1.RunStatus, reason string, usage *v1.Usage) {
	log := o.logger.WithRunID(runID)
	now := time.Now().UTC()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		log.WithError(err).Error("Failed to load run for completion")
	} else {
		run.Status = status
		run.Reason = reason
		run.EndedAt = &now
		if err := o.store.UpdateRun(ctx, run); err != nil {
			log.WithError(err).Error("Failed to persist run completion")
		}
	}

	if usage != nil {
		if _, err := o.store.FinalizeUsage(ctx, runID, usage); err != nil {
			log.WithError(err).Warn("Failed to finalize usage")
		}
	}

	detail := string(status)
	if reason != "" {
		detail += ": " + reason
	}
	o.publishStreamEvent(runID, prov, v1.RunEvent{
		Type:   v1.EventRunStatus,
		Status: statusDetailFinished,
		Detail: detail,
	})
	o.streams.Close(runID)

	o.mu.Lock()
	delete(o.active, runID)
	o.mu.Unlock()

	eventType := events.RunFinished
	if status == v1.RunStatusCanceled {
		eventType = events.RunCanceled
	}
	o.publishBusEvent(ctx, runID, eventType, map[string]any{
		"status": string(status),
		"reason": reason,
	})
	log.Info("Run finished", zap.String("status", string(status)), zap.String("reason", reason))
}

// StopRun cancels a running run. Returns false when the run is unknown,
// already terminal or has no live handle.
func (o *Orchestrator) StopRun(ctx context.Context, runID string) (bool, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run.Status != v1.RunStatusRunning && run.Status != v1.RunStatusWaitingHuman {
		return false, nil
	}

	o.mu.Lock()
	a, ok := o.active[runID]
	if ok {
		a.stopped = true
	}
	o.mu.Unlock()
	if !ok {
		return false, nil
	}

	if err := a.handle.Stop(ctx); err != nil {
		return false, err
	}

	now := time.Now().UTC()
	run.Status = v1.RunStatusCanceled
	run.Reason = reasonStoppedByClient
	run.EndedAt = &now
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return false, err
	}
	return true, nil
}

// ReplyHumanLoop forwards a human answer to the provider and resolves the
// pending question. The run must still be in flight.
func (o *Orchestrator) ReplyHumanLoop(ctx context.Context, runID, questionID, answer string) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Terminal() {
		return ErrRunNotActive
	}

	o.mu.Lock()
	a, ok := o.active[runID]
	o.mu.Unlock()
	if !ok {
		return ErrRunNotActive
	}

	replier, canReply := a.adapter.(provider.Replier)
	if !a.adapter.Capabilities().HumanLoop || !canReply {
		return ErrHumanLoopUnsupported
	}

	if hl, err := o.store.GetHumanLoop(ctx, runID, questionID); err == nil && hl.Status == models.HumanLoopPending {
		now := time.Now().UTC()
		hl.Status = models.HumanLoopResolved
		hl.Answer = answer
		hl.ResolvedAt = &now
		if err := o.store.UpdateHumanLoop(ctx, hl); err != nil {
			return err
		}
	}

	if run.Status == v1.RunStatusWaitingHuman {
		run.Status = v1.RunStatusRunning
		if err := o.store.UpdateRun(ctx, run); err != nil {
			return err
		}
	}

	return replier.Reply(ctx, runID, questionID, answer)
}

// ProcessQueued adapts the orchestrator to the queue manager's RunFunc
// contract: start the queued payload, drain its stream and map the terminal
// status to the claim outcome.
func (o *Orchestrator) ProcessQueued(ctx context.Context, item *v1.RunQueueItem) error {
	req := item.Payload
	req.RunID = item.RunID
	if req.SessionID == "" {
		req.SessionID = item.SessionID
	}

	res, err := o.StartRun(ctx, &req)
	if err != nil {
		return err
	}
	if !res.Accepted {
		return queue.CanceledError(res.Reason)
	}
	if err := o.StreamRun(ctx, res.RunID); err != nil {
		return err
	}

	run, err := o.store.GetRun(ctx, res.RunID)
	if err != nil {
		return err
	}
	switch run.Status {
	case v1.RunStatusSucceeded:
		return nil
	case v1.RunStatusCanceled, v1.RunStatusBlocked:
		return queue.CanceledError(run.Reason)
	default:
		if run.Reason != "" {
			return errors.New(run.Reason)
		}
		return errors.New("run " + string(run.Status))
	}
}

// Snapshot returns the queryable view of a run.
func (o *Orchestrator) Snapshot(ctx context.Context, runID string) (*v1.RunSnapshot, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &v1.RunSnapshot{
		RunID:     run.RunID,
		SessionID: run.SessionID,
		Provider:  run.Provider,
		Status:    run.Status,
		Warnings:  run.Warnings,
		Reason:    run.Reason,
		Streamed:  run.Streamed,
		StartedAt: run.StartedAt,
		EndedAt:   run.EndedAt,
	}, nil
}

// Events returns the retained stream history for a run after the cursor.
func (o *Orchestrator) Events(runID string, afterSeq uint64) []stream.Envelope {
	return o.streams.History(runID, afterSeq)
}

// persistRun creates the run record, or resets an existing record when the
// run ID is reused by a queue retry. Usage survives the reset; it is
// finalized at most once per run ID.
func (o *Orchestrator) persistRun(ctx context.Context, run *models.Run) error {
	err := o.store.CreateRun(ctx, run)
	if errors.Is(err, store.ErrRunExists) {
		return o.store.UpdateRun(ctx, run)
	}
	return err
}

func (o *Orchestrator) markStreamed(ctx context.Context, runID string) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return
	}
	if !run.Streamed {
		run.Streamed = true
		if err := o.store.UpdateRun(ctx, run); err != nil {
			o.logger.WithRunID(runID).WithError(err).Warn("Failed to mark run streamed")
		}
	}
}

func (o *Orchestrator) wasStopped(runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.active[runID]
	return ok && a.stopped
}

func (o *Orchestrator) publishStreamEvent(runID string, prov v1.ProviderName, event v1.RunEvent) {
	event.RunID = runID
	event.Provider = prov
	event.TS = time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := o.streams.Publish(runID, event); err != nil {
		o.logger.WithRunID(runID).WithError(err).Debug("Dropped event for closed stream")
	}
}

func (o *Orchestrator) publishBusEvent(ctx context.Context, runID, eventType string, data map[string]any) {
	if o.bus == nil {
		return
	}
	data["runId"] = runID
	event := bus.NewEvent(eventType, sourceOrchestrator, data)
	if err := o.bus.Publish(ctx, events.RunSubject(runID, eventType), event); err != nil {
		o.logger.WithRunID(runID).WithError(err).Debug("Failed to publish run event")
	}
}
