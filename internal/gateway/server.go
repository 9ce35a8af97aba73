// Package gateway exposes the control plane over HTTP: run start and stream
// endpoints (SSE and WebSocket), the durable queue, executor callbacks,
// session worker lifecycle and restore plan building.
package gateway

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/runplane/runplane/internal/callback"
	"github.com/runplane/runplane/internal/common/config"
	"github.com/runplane/runplane/internal/common/httpmw"
	"github.com/runplane/runplane/internal/common/logger"
	"github.com/runplane/runplane/internal/queue"
	"github.com/runplane/runplane/internal/restore"
	"github.com/runplane/runplane/internal/run"
	"github.com/runplane/runplane/internal/store"
	"github.com/runplane/runplane/internal/stream"
	"github.com/runplane/runplane/internal/worker"
	v1 "github.com/runplane/runplane/pkg/api/v1"
)

// Server wires the control plane services into a Gin router.
type Server struct {
	orch      *run.Orchestrator
	queue     queue.Queue
	queueMgr  *queue.Manager
	callbacks *callback.Handler
	workers   *worker.Manager
	store     store.Store
	streams   *stream.Bus
	cfg       *config.Config
	logger    *logger.Logger
}

// NewServer creates the HTTP gateway. The worker manager may be nil when
// the container runtime is disabled.
func NewServer(
	orch *run.Orchestrator,
	q queue.Queue,
	queueMgr *queue.Manager,
	callbacks *callback.Handler,
	workers *worker.Manager,
	st store.Store,
	streams *stream.Bus,
	cfg *config.Config,
	log *logger.Logger,
) *Server {
	return &Server{
		orch:      orch,
		queue:     q,
		queueMgr:  queueMgr,
		callbacks: callbacks,
		workers:   workers,
		store:     st,
		streams:   streams,
		cfg:       cfg,
		logger:    log,
	}
}

// Router builds the Gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmw.RequestLogger(s.logger, "gateway"))
	r.Use(httpmw.OtelTracing("gateway"))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	{
		runs := api.Group("/runs")
		{
			runs.POST("/start", s.startRun)
			runs.POST("/restore-plan", s.restorePlan)
			runs.GET("/:runId", s.getRun)
			runs.POST("/:runId/stop", s.stopRun)
			runs.GET("/:runId/stream", s.streamRun)
			runs.GET("/:runId/stream/ws", s.streamRunWS)
			runs.POST("/:runId/callbacks", s.handleCallback)
			runs.POST("/:runId/bind", s.bindRun)
			runs.POST("/:runId/reply", s.replyHumanLoop)
			runs.GET("/:runId/todos", s.listTodos)

			queueGroup := runs.Group("/queue")
			{
				queueGroup.POST("/enqueue", s.enqueueRun)
				queueGroup.POST("/drain", s.drainQueue)
				queueGroup.GET("/summary", s.queueSummary)
				queueGroup.GET("/:runId", s.getQueueItem)
			}
		}

		sessions := api.Group("/session-workers")
		{
			sessions.POST("/:sessionId/activate", s.activateWorker)
			sessions.POST("/:sessionId/sync", s.syncWorker)
			sessions.GET("/:sessionId", s.getWorker)
			sessions.POST("/cleanup", s.cleanupWorkers)
			sessions.POST("/cleanup/idle", s.cleanupIdleWorkers)
			sessions.POST("/cleanup/stopped", s.cleanupStoppedWorkers)
		}
	}
	return r
}

// startRun accepts a run, then either streams it as SSE (when the client
// asks for text/event-stream) or drains it synchronously and returns the
// collected events as JSON. A blocked run is a 409 either way.
func (s *Server) startRun(c *gin.Context) {
	var req v1.StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	res, err := s.orch.StartRun(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	if !res.Accepted {
		c.JSON(http.StatusConflict, v1.StartRunResponse{
			RunID:    res.RunID,
			Accepted: false,
			Reason:   res.Reason,
		})
		return
	}

	if wantsSSE(c) {
		s.startRunSSE(c, res.RunID)
		return
	}

	if err := s.orch.StreamRun(c.Request.Context(), res.RunID); err != nil {
		writeError(c, err)
		return
	}

	snapshot, err := s.orch.Snapshot(c.Request.Context(), res.RunID)
	if err != nil {
		writeError(c, err)
		return
	}
	events := make([]v1.RunEvent, 0)
	for _, env := range s.orch.Events(res.RunID, 0) {
		events = append(events, env.Event)
	}
	c.JSON(http.StatusOK, v1.StartRunResponse{
		RunID:    res.RunID,
		Accepted: true,
		Warnings: res.Warnings,
		Events:   events,
		Snapshot: snapshot,
	})
}

func (s *Server) startRunSSE(c *gin.Context, runID string) {
	sub := s.streams.Subscribe(runID, 0)
	w, ok := newSSEWriter(c)
	if !ok {
		sub.Cancel()
		writeError(c, errNoFlusher())
		return
	}

	// The pump outlives the HTTP request: a disconnecting client does not
	// cancel the run unless cancelOnClientClose says so.
	go func() {
		if err := s.orch.StreamRun(context.Background(), runID); err != nil {
			s.logger.WithRunID(runID).WithError(err).Warn("Stream pump ended with error")
		}
	}()

	completed := w.pumpSSE(c, runID, sub, s.heartbeat())
	if !completed && s.cfg.Run.CancelOnClientClose {
		if _, err := s.orch.StopRun(context.Background(), runID); err != nil {
			s.logger.WithRunID(runID).WithError(err).Debug("Stop after client disconnect failed")
		}
	}
}

func (s *Server) getRun(c *gin.Context) {
	snapshot, err := s.orch.Snapshot(c.Request.Context(), c.Param("runId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) stopRun(c *gin.Context) {
	stopped, err := s.orch.StopRun(c.Request.Context(), c.Param("runId"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !stopped {
		c.JSON(http.StatusNotFound, gin.H{"error": "run is not running"})
		return
	}
	c.JSON(http.StatusOK, v1.StopRunResponse{OK: true})
}

// streamRun attaches to a run's event stream with cursor resumption. The
// cursor comes from ?cursor= or the Last-Event-ID header; events with
// sequence numbers above the cursor are replayed before live delivery.
func (s *Server) streamRun(c *gin.Context) {
	runID := c.Param("runId")
	if _, err := s.store.GetRun(c.Request.Context(), runID); err != nil {
		writeError(c, err)
		return
	}

	cursor := parseCursor(c)
	sub := s.streams.Subscribe(runID, cursor)
	w, ok := newSSEWriter(c)
	if !ok {
		sub.Cancel()
		writeError(c, errNoFlusher())
		return
	}
	w.pumpSSE(c, runID, sub, s.heartbeat())
}

func (s *Server) handleCallback(c *gin.Context) {
	var req v1.CallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	result, err := s.callbacks.Handle(c.Request.Context(), c.Param("runId"), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// bindRun attaches a run to a session so callbacks can route workspace
// syncs to the session's worker.
func (s *Server) bindRun(c *gin.Context) {
	var req v1.BindRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	runRec, err := s.store.GetRun(c.Request.Context(), c.Param("runId"))
	if err != nil {
		writeError(c, err)
		return
	}
	runRec.SessionID = req.SessionID
	if err := s.store.UpdateRun(c.Request.Context(), runRec); err != nil {
		writeError(c, err)
		return
	}

	snapshot, err := s.orch.Snapshot(c.Request.Context(), runRec.RunID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

type replyRequest struct {
	QuestionID string `json:"questionId" binding:"required"`
	Answer     string `json:"answer" binding:"required"`
}

func (s *Server) replyHumanLoop(c *gin.Context) {
	var req replyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	if err := s.orch.ReplyHumanLoop(c.Request.Context(), c.Param("runId"), req.QuestionID, req.Answer); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) listTodos(c *gin.Context) {
	todos, err := s.store.ListTodos(c.Request.Context(), c.Param("runId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"todos": todos})
}

// enqueueRun adds a run to the durable queue. Duplicate run IDs are a 409.
func (s *Server) enqueueRun(c *gin.Context) {
	var req v1.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.Queue.MaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = queue.DefaultMaxAttempts
	}

	payload := req.Payload
	payload.RunID = runID
	if payload.SessionID == "" {
		payload.SessionID = req.SessionID
	}
	if payload.Provider == "" {
		payload.Provider = req.Provider
	}

	item := &v1.RunQueueItem{
		RunID:       runID,
		SessionID:   req.SessionID,
		Provider:    req.Provider,
		MaxAttempts: maxAttempts,
		Payload:     payload,
	}
	if err := s.queue.Enqueue(c.Request.Context(), item); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, v1.EnqueueResponse{Accepted: true, RunID: runID})
}

func (s *Server) drainQueue(c *gin.Context) {
	var req v1.DrainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	result, err := s.queueMgr.DrainOnce(c.Request.Context(), queue.DrainOptions{
		Owner:      req.Owner,
		Limit:      req.Limit,
		LockFor:    time.Duration(req.LockMs) * time.Millisecond,
		RetryDelay: time.Duration(req.RetryDelayMs) * time.Millisecond,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) queueSummary(c *gin.Context) {
	summary, err := s.queue.Summary(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) getQueueItem(c *gin.Context) {
	item, err := s.queue.Get(c.Request.Context(), c.Param("runId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// restorePlan derives a workspace restore plan, optionally validating
// required paths against the caller-reported workspace contents. Validation
// failures come back as 422 with the missing paths and the plan.
func (s *Server) restorePlan(c *gin.Context) {
	var req v1.RestorePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	plan, err := restore.BuildPlan(restore.Identity{
		AppID:          req.AppID,
		ProjectName:    req.ProjectName,
		UserLoginName:  req.UserLoginName,
		SessionID:      req.SessionID,
		RuntimeVersion: req.RuntimeVersion,
	}, &req.Manifest)
	if err != nil {
		writeError(c, err)
		return
	}

	if req.Validate {
		if ok, missing := restore.ValidateRequiredPaths(plan.RequiredPaths, req.ExistingPaths); !ok {
			c.JSON(http.StatusUnprocessableEntity, v1.RestorePlanResponse{
				OK:                   false,
				Reason:               restore.ReasonRequiredPathsMissing,
				MissingRequiredPaths: missing,
				Plan:                 plan,
			})
			return
		}
	}
	c.JSON(http.StatusOK, v1.RestorePlanResponse{OK: true, Plan: plan})
}

func (s *Server) activateWorker(c *gin.Context) {
	if s.workers == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session workers are disabled"})
		return
	}
	var req v1.ActivateWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	resp, err := s.workers.Activate(c.Request.Context(), c.Param("sessionId"), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) syncWorker(c *gin.Context) {
	if s.workers == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session workers are disabled"})
		return
	}
	var req v1.SyncWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = v1.SyncReasonMessageStop
	}

	sessionID := c.Param("sessionId")
	if err := s.workers.SyncSessionWorkspace(c.Request.Context(), sessionID, reason, time.Now().UTC(), req.RunID); err != nil {
		writeError(c, err)
		return
	}
	w, err := s.store.GetWorker(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) getWorker(c *gin.Context) {
	w, err := s.store.GetWorker(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

// cleanupWorkers runs one idle-stop sweep followed by one remove sweep and
// returns the combined counters.
func (s *Server) cleanupWorkers(c *gin.Context) {
	opts, ok := s.bindSweepOptions(c)
	if !ok {
		return
	}

	stopped, err := s.workers.StopIdleWorkers(c.Request.Context(), opts)
	if err != nil {
		writeError(c, err)
		return
	}
	removed, err := s.workers.RemoveLongStoppedWorkers(c.Request.Context(), opts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": stopped, "removed": removed})
}

func (s *Server) cleanupIdleWorkers(c *gin.Context) {
	opts, ok := s.bindSweepOptions(c)
	if !ok {
		return
	}
	result, err := s.workers.StopIdleWorkers(c.Request.Context(), opts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) cleanupStoppedWorkers(c *gin.Context) {
	opts, ok := s.bindSweepOptions(c)
	if !ok {
		return
	}
	result, err := s.workers.RemoveLongStoppedWorkers(c.Request.Context(), opts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) bindSweepOptions(c *gin.Context) (worker.SweepOptions, bool) {
	if s.workers == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session workers are disabled"})
		return worker.SweepOptions{}, false
	}
	var req v1.CleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return worker.SweepOptions{}, false
	}
	return worker.SweepOptions{
		IdleTimeout: time.Duration(req.IdleTimeoutMs) * time.Millisecond,
		RemoveAfter: time.Duration(req.RemoveAfterMs) * time.Millisecond,
		Limit:       req.Limit,
	}, true
}

func (s *Server) heartbeat() time.Duration {
	return time.Duration(s.cfg.Stream.HeartbeatMs) * time.Millisecond
}

func wantsSSE(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), "text/event-stream")
}

// parseCursor reads the resume cursor from ?cursor= or Last-Event-ID.
func parseCursor(c *gin.Context) uint64 {
	raw := c.Query("cursor")
	if raw == "" {
		raw = c.GetHeader("Last-Event-ID")
	}
	if raw == "" {
		return 0
	}
	cursor, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return cursor
}
