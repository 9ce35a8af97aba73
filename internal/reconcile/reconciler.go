// Package reconcile periodically repairs drift between the store, the run
// queue and session workers: expired claims go back to queued, workers with
// stale workspaces are re-synced and overdue human loop questions expire.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/runplane/runplane/internal/common/config"
	"github.com/runplane/runplane/internal/common/logger"
	"github.com/runplane/runplane/internal/events"
	"github.com/runplane/runplane/internal/events/bus"
	"github.com/runplane/runplane/internal/models"
	"github.com/runplane/runplane/internal/queue"
	"github.com/runplane/runplane/internal/store"
	v1 "github.com/runplane/runplane/pkg/api/v1"
)

// ReasonStaleClaim is recorded on queue items whose lease expired without
// being resolved by the claiming drainer.
const ReasonStaleClaim = "reconciler_stale_claim_timeout"

const reasonHumanLoopTimeout = "human loop question timed out"

// Syncer uploads a session workspace. The worker manager satisfies this.
type Syncer interface {
	SyncSessionWorkspace(ctx context.Context, sessionID string, reason v1.SyncReason, at time.Time, runID string) error
}

// Result summarizes one reconciliation pass.
type Result struct {
	StaleClaims      int `json:"staleClaims"`
	StaleSyncs       int `json:"staleSyncs"`
	FailedSyncs      int `json:"failedSyncs"`
	ExpiredQuestions int `json:"expiredQuestions"`
}

// Reconciler runs the periodic repair jobs.
type Reconciler struct {
	store  store.Store
	queue  queue.Queue
	syncer Syncer
	bus    bus.EventBus
	cfg    config.ReconcileConfig
	runCfg config.RunConfig
	logger *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewReconciler creates a reconciler. The syncer may be nil, which disables
// the stale-sync job.
func NewReconciler(st store.Store, q queue.Queue, syncer Syncer, eventBus bus.EventBus, cfg config.ReconcileConfig, runCfg config.RunConfig, log *logger.Logger) *Reconciler {
	return &Reconciler{
		store:  st,
		queue:  q,
		syncer: syncer,
		bus:    eventBus,
		cfg:    cfg,
		runCfg: runCfg,
		logger: log,
		stopCh: make(chan struct{}),
	}
}

// ReconcileOnce runs the three repair jobs concurrently and aggregates their
// counters. Individual item failures are counted, not fatal; only store or
// queue level errors abort the pass.
func (r *Reconciler) ReconcileOnce(ctx context.Context, now time.Time) (*Result, error) {
	result := &Result{}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		n, err := r.expireStaleClaims(ctx, now)
		if err != nil {
			return err
		}
		mu.Lock()
		result.StaleClaims = n
		mu.Unlock()
		return nil
	})

	g.Go(func() error {
		synced, failed, err := r.syncStaleWorkers(ctx, now)
		if err != nil {
			return err
		}
		mu.Lock()
		result.StaleSyncs = synced
		result.FailedSyncs = failed
		mu.Unlock()
		return nil
	})

	g.Go(func() error {
		n, err := r.expireHumanLoops(ctx, now)
		if err != nil {
			return err
		}
		mu.Lock()
		result.ExpiredQuestions = n
		mu.Unlock()
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// expireStaleClaims returns claims with expired leases to the queue so
// another drainer can pick them up.
func (r *Reconciler) expireStaleClaims(ctx context.Context, now time.Time) (int, error) {
	if r.queue == nil {
		return 0, nil
	}
	cutoff := now
	if r.cfg.StaleClaimMs > 0 {
		cutoff = now.Add(-time.Duration(r.cfg.StaleClaimMs) * time.Millisecond)
	}

	runIDs, err := r.queue.ExpireStaleClaims(ctx, cutoff, ReasonStaleClaim)
	if err != nil {
		return 0, err
	}
	for _, runID := range runIDs {
		r.publish(ctx, events.RunSubject(runID, events.ReconcileStaleClaim), events.ReconcileStaleClaim, map[string]any{
			"runId":  runID,
			"reason": ReasonStaleClaim,
		})
		r.logger.WithRunID(runID).Warn("Requeued stale claim")
	}
	return len(runIDs), nil
}

// syncStaleWorkers re-syncs workers whose last workspace upload is older
// than the staleness window, or that have never synced at all.
func (r *Reconciler) syncStaleWorkers(ctx context.Context, now time.Time) (synced, failed int, err error) {
	if r.syncer == nil || r.cfg.StaleSyncMs <= 0 {
		return 0, 0, nil
	}
	cutoff := now.Add(-time.Duration(r.cfg.StaleSyncMs) * time.Millisecond)

	workers, err := r.listSyncCandidates(ctx)
	if err != nil {
		return 0, 0, err
	}

	processed := 0
	for _, w := range workers {
		if r.cfg.BatchLimit > 0 && processed >= r.cfg.BatchLimit {
			break
		}
		if w.LastSyncAt != nil && !w.LastSyncAt.Before(cutoff) {
			continue
		}
		processed++

		if err := r.syncer.SyncSessionWorkspace(ctx, w.SessionID, v1.SyncReasonRunFinished, now, ""); err != nil {
			failed++
			continue
		}
		synced++
		r.publish(ctx, events.WorkerSubject(w.SessionID, events.ReconcileStaleSync), events.ReconcileStaleSync, map[string]any{
			"sessionId": w.SessionID,
		})
	}
	return synced, failed, nil
}

func (r *Reconciler) listSyncCandidates(ctx context.Context) ([]*v1.SessionWorker, error) {
	running, err := r.store.ListWorkersByState(ctx, v1.WorkerStateRunning)
	if err != nil {
		return nil, err
	}
	stopped, err := r.store.ListWorkersByState(ctx, v1.WorkerStateStopped)
	if err != nil {
		return nil, err
	}
	return append(running, stopped...), nil
}

// expireHumanLoops cancels pending questions that went unanswered past the
// configured timeout and fails their runs.
func (r *Reconciler) expireHumanLoops(ctx context.Context, now time.Time) (int, error) {
	timeout := time.Duration(r.runCfg.HumanLoopTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-timeout)

	pending, err := r.store.ListPendingHumanLoopsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, hl := range pending {
		if r.cfg.BatchLimit > 0 && expired >= r.cfg.BatchLimit {
			break
		}
		log := r.logger.WithRunID(hl.RunID)

		hl.Status = models.HumanLoopCanceled
		resolvedAt := now
		hl.ResolvedAt = &resolvedAt
		if err := r.store.UpdateHumanLoop(ctx, hl); err != nil {
			log.WithError(err).Warn("Failed to cancel timed out human loop question")
			continue
		}

		if err := r.failTimedOutRun(ctx, hl.RunID, now); err != nil {
			log.WithError(err).Warn("Failed to fail timed out run")
		}

		expired++
		r.publish(ctx, events.RunSubject(hl.RunID, events.ReconcileHumanLoop), events.ReconcileHumanLoop, map[string]any{
			"runId":      hl.RunID,
			"questionId": hl.QuestionID,
		})
		log.Info("Canceled timed out human loop question", zap.String("question_id", hl.QuestionID))
	}
	return expired, nil
}

func (r *Reconciler) failTimedOutRun(ctx context.Context, runID string, now time.Time) error {
	run, err := r.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrRunNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if run.Terminal() {
		return nil
	}
	run.Status = v1.RunStatusFailed
	run.Reason = reasonHumanLoopTimeout
	endedAt := now
	run.EndedAt = &endedAt
	return r.store.UpdateRun(ctx, run)
}

// Start launches the periodic reconciliation loop.
func (r *Reconciler) Start(ctx context.Context) {
	if r.cfg.IntervalMs <= 0 {
		return
	}
	interval := time.Duration(r.cfg.IntervalMs) * time.Millisecond

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		if r.cfg.EnableOnStart {
			r.runPass(ctx)
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.runPass(ctx)
			}
		}
	}()
	r.logger.Info("Reconciler started", zap.Duration("interval", interval))
}

func (r *Reconciler) runPass(ctx context.Context) {
	result, err := r.ReconcileOnce(ctx, time.Now().UTC())
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			r.logger.WithError(err).Warn("Reconciliation pass failed")
		}
		return
	}
	if result.StaleClaims > 0 || result.StaleSyncs > 0 || result.FailedSyncs > 0 || result.ExpiredQuestions > 0 {
		r.logger.Info("Reconciliation pass completed",
			zap.Int("stale_claims", result.StaleClaims),
			zap.Int("stale_syncs", result.StaleSyncs),
			zap.Int("failed_syncs", result.FailedSyncs),
			zap.Int("expired_questions", result.ExpiredQuestions))
	}
}

// Stop terminates the loop and waits for the current pass to finish.
func (r *Reconciler) Stop() {
	r.once.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()
}

func (r *Reconciler) publish(ctx context.Context, subject, eventType string, data map[string]any) {
	if r.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "reconciler", data)
	if err := r.bus.Publish(ctx, subject, event); err != nil {
		r.logger.WithError(err).Debug("Failed to publish reconcile event")
	}
}
