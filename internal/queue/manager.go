package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/runplane/runplane/internal/common/config"
	"github.com/runplane/runplane/internal/common/logger"
	"github.com/runplane/runplane/internal/events"
	"github.com/runplane/runplane/internal/events/bus"
	v1 "github.com/runplane/runplane/pkg/api/v1"
)

// ErrRunCanceled is returned by a RunFunc when the run was canceled while
// claimed; the queue entry is resolved as canceled instead of retried.
var ErrRunCanceled = errors.New("run canceled")

// CanceledError builds an ErrRunCanceled carrying a reason. The reason ends
// up on the queue entry's error message when the claim is resolved.
func CanceledError(reason string) error {
	if reason == "" {
		return ErrRunCanceled
	}
	return fmt.Errorf("%w: %s", ErrRunCanceled, reason)
}

// cancelReason extracts the reason from an error built by CanceledError.
func cancelReason(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	prefix := ErrRunCanceled.Error() + ": "
	if strings.HasPrefix(msg, prefix) {
		return strings.TrimPrefix(msg, prefix)
	}
	return ""
}

// RunFunc executes one claimed run. A nil return resolves the claim as
// succeeded; ErrRunCanceled resolves it as canceled; any other error sends
// the run back for retry until its attempt budget runs out.
type RunFunc func(ctx context.Context, item *v1.RunQueueItem) error

// Manager drains the run queue, either on demand or on a background ticker.
type Manager struct {
	queue  Queue
	run    RunFunc
	cfg    config.QueueConfig
	bus    bus.EventBus
	logger *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewManager creates a queue manager.
func NewManager(q Queue, run RunFunc, cfg config.QueueConfig, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		queue:  q,
		run:    run,
		cfg:    cfg,
		bus:    eventBus,
		logger: log,
		stopCh: make(chan struct{}),
	}
}

// DrainOptions override the configured drain parameters for one pass.
type DrainOptions struct {
	Owner      string
	Limit      int
	LockFor    time.Duration
	RetryDelay time.Duration
}

func (m *Manager) applyDefaults(opts DrainOptions) DrainOptions {
	if opts.Owner == "" {
		opts.Owner = m.cfg.Owner
	}
	if opts.Limit <= 0 {
		opts.Limit = m.cfg.DrainLimit
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	if opts.LockFor <= 0 {
		opts.LockFor = m.cfg.LockDuration()
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = m.cfg.RetryDelay()
	}
	return opts
}

// DrainOnce claims and executes up to opts.Limit runs, resolving each claim
// before claiming the next.
func (m *Manager) DrainOnce(ctx context.Context, opts DrainOptions) (*v1.DrainResult, error) {
	opts = m.applyDefaults(opts)
	result := &v1.DrainResult{}

	for i := 0; i < opts.Limit; i++ {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		item, err := m.queue.Claim(ctx, opts.Owner, opts.LockFor)
		if err != nil {
			if errors.Is(err, ErrNoRunsAvailable) {
				break
			}
			return result, err
		}
		result.Claimed++
		m.publish(ctx, events.QueueClaimed, item)

		log := m.logger.WithRunID(item.RunID)
		runErr := m.run(ctx, item)
		switch {
		case runErr == nil:
			if err := m.queue.MarkSucceeded(ctx, item.RunID, opts.Owner); err != nil {
				log.WithError(err).Warn("Failed to mark run succeeded")
				continue
			}
			result.Succeeded++

		case errors.Is(runErr, ErrRunCanceled):
			if err := m.queue.Cancel(ctx, item.RunID, cancelReason(runErr)); err != nil {
				log.WithError(err).Warn("Failed to mark run canceled")
				continue
			}
			result.Canceled++

		default:
			status, err := m.queue.MarkRetryOrFailed(ctx, item.RunID, opts.Owner, runErr.Error(), opts.RetryDelay)
			if err != nil {
				log.WithError(err).Warn("Failed to resolve failed claim")
				continue
			}
			if status == v1.QueueStatusFailed {
				result.Failed++
				m.publish(ctx, events.QueueFailed, item)
				log.WithError(runErr).Error("Run failed permanently",
					zap.Int("attempts", item.Attempts))
			} else {
				result.Retried++
				m.publish(ctx, events.QueueRetried, item)
				log.WithError(runErr).Warn("Run attempt failed, requeued",
					zap.Int("attempts", item.Attempts),
					zap.Int("max_attempts", item.MaxAttempts))
			}
		}
	}
	return result, nil
}

// Start launches the background drain loop when drainIntervalMs is positive.
func (m *Manager) Start(ctx context.Context) {
	if m.cfg.DrainIntervalMs <= 0 {
		return
	}
	interval := time.Duration(m.cfg.DrainIntervalMs) * time.Millisecond

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
				if _, err := m.DrainOnce(ctx, DrainOptions{}); err != nil && !errors.Is(err, context.Canceled) {
					m.logger.WithError(err).Warn("Background drain pass failed")
				}
			}
		}
	}()
	m.logger.Info("Run queue drain loop started", zap.Duration("interval", interval))
}

// Stop terminates the background drain loop and waits for it to exit.
func (m *Manager) Stop() {
	m.once.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *Manager) publish(ctx context.Context, eventType string, item *v1.RunQueueItem) {
	if m.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "queue", map[string]any{
		"runId":    item.RunID,
		"attempts": item.Attempts,
	})
	if err := m.bus.Publish(ctx, events.RunSubject(item.RunID, eventType), event); err != nil {
		m.logger.WithError(err).Debug("Failed to publish queue event")
	}
}
