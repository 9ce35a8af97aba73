// Package callback implements the idempotent ingestion pipeline for
// executor-emitted run events. Every event is keyed by eventId and applied
// at most once across process restarts.
package callback

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/runplane/runplane/internal/apperr"
	"github.com/runplane/runplane/internal/common/logger"
	"github.com/runplane/runplane/internal/events"
	"github.com/runplane/runplane/internal/events/bus"
	"github.com/runplane/runplane/internal/models"
	"github.com/runplane/runplane/internal/store"
	"github.com/runplane/runplane/internal/stream"
	v1 "github.com/runplane/runplane/pkg/api/v1"
)

// WorkspaceSyncer uploads a session workspace to the object store. The
// session worker manager implements it; a nil syncer disables the
// message.stop side effect.
type WorkspaceSyncer interface {
	SyncSessionWorkspace(ctx context.Context, sessionID string, reason v1.SyncReason, at time.Time, runID string) error
}

// Handler applies executor callbacks to run state.
type Handler struct {
	store   store.Store
	streams *stream.Bus
	syncer  WorkspaceSyncer
	bus     bus.EventBus
	logger  *logger.Logger
}

// NewHandler creates a callback handler.
func NewHandler(st store.Store, streams *stream.Bus, syncer WorkspaceSyncer, eventBus bus.EventBus, log *logger.Logger) *Handler {
	return &Handler{
		store:   st,
		streams: streams,
		syncer:  syncer,
		bus:     eventBus,
		logger:  log,
	}
}

// Handle processes one callback for a run. The eventId dedupe check runs
// first; a repeated eventId short-circuits before any state mutation.
func (h *Handler) Handle(ctx context.Context, runID string, req *v1.CallbackRequest) (*v1.CallbackResult, error) {
	log := h.logger.WithRunID(runID)

	isNew, err := h.store.RecordEventIfNew(ctx, &models.CallbackEvent{
		EventID:    req.EventID,
		RunID:      runID,
		Type:       req.Type,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	if !isNew {
		log.Debug("Ignored duplicate callback", zap.String("event_id", req.EventID))
		return &v1.CallbackResult{Duplicate: true, Action: v1.ActionDuplicateIgnored}, nil
	}

	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	switch req.Type {
	case v1.CallbackMessageStop:
		return h.handleMessageStop(ctx, runID, occurredAt)
	case v1.CallbackTodoUpdate:
		return h.handleTodoUpdate(ctx, runID, req, occurredAt)
	case v1.CallbackHumanLoopRequest:
		return h.handleHumanLoopRequested(ctx, runID, req, occurredAt)
	case v1.CallbackHumanLoopResolved:
		return h.handleHumanLoopResolved(ctx, runID, req, occurredAt)
	case v1.CallbackRunFinished:
		return h.handleRunFinished(ctx, runID, req, occurredAt)
	default:
		return nil, apperr.Newf(apperr.KindValidation, "unknown callback type %q", req.Type)
	}
}

func (h *Handler) handleMessageStop(ctx context.Context, runID string, occurredAt time.Time) (*v1.CallbackResult, error) {
	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			return &v1.CallbackResult{Action: v1.ActionMissingRun}, nil
		}
		return nil, err
	}

	if h.syncer != nil && run.SessionID != "" {
		if err := h.syncer.SyncSessionWorkspace(ctx, run.SessionID, v1.SyncReasonMessageStop, occurredAt, runID); err != nil {
			// The worker record carries the failure; the callback itself
			// is accepted either way.
			h.logger.WithRunID(runID).WithSessionID(run.SessionID).WithError(err).
				Warn("Workspace sync failed on message.stop")
		}
	}
	return &v1.CallbackResult{Processed: true, Action: v1.ActionMessageStopSynced}, nil
}

func (h *Handler) handleTodoUpdate(ctx context.Context, runID string, req *v1.CallbackRequest, occurredAt time.Time) (*v1.CallbackResult, error) {
	if req.Todo == nil {
		return nil, apperr.New(apperr.KindValidation, "todo.update callback requires a todo payload")
	}

	if err := h.store.UpsertTodo(ctx, &models.Todo{
		RunID:   runID,
		TodoID:  req.Todo.TodoID,
		Content: req.Todo.Content,
		Status:  req.Todo.Status,
		Order:   req.Todo.Order,
	}); err != nil {
		return nil, err
	}

	snapshot := *req.Todo
	if err := h.store.AppendTodoEvent(ctx, &models.TodoEvent{
		EventID:    req.EventID,
		RunID:      runID,
		TodoID:     req.Todo.TodoID,
		Content:    req.Todo.Content,
		Status:     req.Todo.Status,
		Order:      req.Todo.Order,
		Payload:    &snapshot,
		OccurredAt: occurredAt,
	}); err != nil {
		return nil, err
	}

	h.publishStreamEvent(runID, v1.RunEvent{
		Type: v1.EventTodoUpdate,
		Todo: req.Todo,
	})
	return &v1.CallbackResult{Processed: true, Action: v1.ActionTodoApplied}, nil
}

func (h *Handler) handleHumanLoopRequested(ctx context.Context, runID string, req *v1.CallbackRequest, occurredAt time.Time) (*v1.CallbackResult, error) {
	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			return &v1.CallbackResult{Action: v1.ActionMissingRun}, nil
		}
		return nil, err
	}

	if err := h.store.CreateHumanLoop(ctx, &models.HumanLoop{
		RunID:       runID,
		QuestionID:  req.QuestionID,
		Prompt:      req.Prompt,
		Status:      models.HumanLoopPending,
		Metadata:    req.Metadata,
		RequestedAt: occurredAt,
	}); err != nil {
		return nil, err
	}

	if !run.Terminal() && run.Status != v1.RunStatusWaitingHuman {
		run.Status = v1.RunStatusWaitingHuman
		if err := h.store.UpdateRun(ctx, run); err != nil {
			return nil, err
		}
	}

	h.publishBusEvent(ctx, runID, events.RunWaitingHuman, map[string]any{
		"questionId": req.QuestionID,
	})
	return &v1.CallbackResult{Processed: true, Action: v1.ActionHumanLoopPending}, nil
}

func (h *Handler) handleHumanLoopResolved(ctx context.Context, runID string, req *v1.CallbackRequest, occurredAt time.Time) (*v1.CallbackResult, error) {
	hl, err := h.store.GetHumanLoop(ctx, runID, req.QuestionID)
	if err != nil {
		if errors.Is(err, store.ErrHumanLoopNotFound) {
			return &v1.CallbackResult{Action: v1.ActionMissingRun}, nil
		}
		return nil, err
	}

	if hl.Status == models.HumanLoopPending {
		hl.Status = models.HumanLoopResolved
		hl.Answer = req.Answer
		hl.ResolvedAt = &occurredAt
		if err := h.store.UpdateHumanLoop(ctx, hl); err != nil {
			return nil, err
		}
	}

	run, err := h.store.GetRun(ctx, runID)
	if err == nil && run.Status == v1.RunStatusWaitingHuman {
		run.Status = v1.RunStatusRunning
		if err := h.store.UpdateRun(ctx, run); err != nil {
			return nil, err
		}
	}
	return &v1.CallbackResult{Processed: true, Action: v1.ActionHumanLoopResolved}, nil
}

func (h *Handler) handleRunFinished(ctx context.Context, runID string, req *v1.CallbackRequest, occurredAt time.Time) (*v1.CallbackResult, error) {
	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			return &v1.CallbackResult{Action: v1.ActionMissingRun}, nil
		}
		return nil, err
	}

	status := req.Status
	if !status.Terminal() {
		status = v1.RunStatusFailed
	}

	// The executor is authoritative for terminal status; a later event with
	// a distinct eventId may revise it. Usage stays first-writer-wins.
	run.Status = status
	run.Reason = req.Reason
	run.EndedAt = &occurredAt
	if err := h.store.UpdateRun(ctx, run); err != nil {
		return nil, err
	}

	if req.Usage != nil {
		wrote, err := h.store.FinalizeUsage(ctx, runID, req.Usage)
		if err != nil {
			return nil, err
		}
		if !wrote {
			h.logger.WithRunID(runID).Debug("Usage already finalized, ignoring")
		}
	}

	if !h.streams.Closed(runID) && h.streams.LastSeq(runID) > 0 {
		detail := string(status)
		if req.Reason != "" {
			detail += ": " + req.Reason
		}
		h.publishStreamEvent(runID, v1.RunEvent{
			Type:   v1.EventRunStatus,
			Status: "finished",
			Detail: detail,
		})
		h.streams.Close(runID)
	}

	h.publishBusEvent(ctx, runID, events.RunFinished, map[string]any{
		"status": string(status),
		"reason": req.Reason,
	})
	return &v1.CallbackResult{Processed: true, Action: v1.ActionRunFinished}, nil
}

func (h *Handler) publishStreamEvent(runID string, event v1.RunEvent) {
	event.RunID = runID
	event.TS = time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := h.streams.Publish(runID, event); err != nil {
		h.logger.WithRunID(runID).WithError(err).Debug("Dropped callback event for closed stream")
	}
}

func (h *Handler) publishBusEvent(ctx context.Context, runID, eventType string, data map[string]any) {
	if h.bus == nil {
		return
	}
	data["runId"] = runID
	event := bus.NewEvent(eventType, "callback", data)
	if err := h.bus.Publish(ctx, events.RunSubject(runID, eventType), event); err != nil {
		h.logger.WithRunID(runID).WithError(err).Debug("Failed to publish callback event")
	}
}
