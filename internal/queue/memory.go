package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	v1 "github.com/runplane/runplane/pkg/api/v1"
)

// MemoryQueue provides an in-memory run queue
type MemoryQueue struct {
	items map[string]*v1.RunQueueItem
	mu    sync.Mutex
}

// Ensure MemoryQueue implements Queue interface
var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates a new in-memory run queue
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		items: make(map[string]*v1.RunQueueItem),
	}
}

// Close is a no-op for the in-memory queue
func (q *MemoryQueue) Close() error {
	return nil
}

func cloneItem(item *v1.RunQueueItem) *v1.RunQueueItem {
	cp := *item
	if item.LockOwner != nil {
		o := *item.LockOwner
		cp.LockOwner = &o
	}
	if item.LockExpiresAt != nil {
		t := *item.LockExpiresAt
		cp.LockExpiresAt = &t
	}
	return &cp
}

// Enqueue adds a run to the queue
func (q *MemoryQueue) Enqueue(ctx context.Context, item *v1.RunQueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.items[item.RunID]; ok {
		return ErrDuplicateRun
	}

	now := time.Now().UTC()
	item.Status = v1.QueueStatusQueued
	item.LockOwner = nil
	item.LockExpiresAt = nil
	item.Attempts = 0
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = DefaultMaxAttempts
	}
	item.ErrorMessage = ""
	item.CreatedAt = now
	item.UpdatedAt = now

	q.items[item.RunID] = cloneItem(item)
	return nil
}

// claimable reports whether the item can be claimed at now.
func claimable(item *v1.RunQueueItem, now time.Time) bool {
	switch item.Status {
	case v1.QueueStatusQueued:
		// A retry delay is expressed through lock_expires_at.
		return item.LockExpiresAt == nil || item.LockExpiresAt.Before(now)
	case v1.QueueStatusClaimed:
		// An expired lease means the previous holder crashed.
		return item.LockExpiresAt != nil && item.LockExpiresAt.Before(now)
	}
	return false
}

// Claim atomically claims the next eligible run FIFO by creation time
func (q *MemoryQueue) Claim(ctx context.Context, owner string, lockFor time.Duration) (*v1.RunQueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()

	var candidates []*v1.RunQueueItem
	for _, item := range q.items {
		if claimable(item, now) {
			candidates = append(candidates, item)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoRunsAvailable
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	item := candidates[0]
	expires := now.Add(lockFor)
	item.Status = v1.QueueStatusClaimed
	item.LockOwner = &owner
	item.LockExpiresAt = &expires
	item.Attempts++
	item.ErrorMessage = ""
	item.UpdatedAt = now

	return cloneItem(item), nil
}

// MarkSucceeded resolves a claim as succeeded
func (q *MemoryQueue) MarkSucceeded(ctx context.Context, runID, owner string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[runID]
	if !ok {
		return ErrRunNotQueued
	}
	if item.Status != v1.QueueStatusClaimed || item.LockOwner == nil || *item.LockOwner != owner {
		return ErrNotClaimOwner
	}

	item.Status = v1.QueueStatusSucceeded
	item.LockOwner = nil
	item.LockExpiresAt = nil
	item.ErrorMessage = ""
	item.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkRetryOrFailed resolves a claim after a failed attempt
func (q *MemoryQueue) MarkRetryOrFailed(ctx context.Context, runID, owner, errMsg string, retryDelay time.Duration) (v1.QueueStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[runID]
	if !ok {
		return "", ErrRunNotQueued
	}
	if item.Status != v1.QueueStatusClaimed || item.LockOwner == nil || *item.LockOwner != owner {
		return "", ErrNotClaimOwner
	}

	now := time.Now().UTC()
	item.ErrorMessage = errMsg
	item.LockOwner = nil
	item.UpdatedAt = now

	if item.Attempts >= item.MaxAttempts {
		item.Status = v1.QueueStatusFailed
		item.LockExpiresAt = nil
		return v1.QueueStatusFailed, nil
	}

	notBefore := now.Add(retryDelay)
	item.Status = v1.QueueStatusQueued
	item.LockExpiresAt = &notBefore
	return v1.QueueStatusQueued, nil
}

// Cancel marks a queued or claimed run canceled
func (q *MemoryQueue) Cancel(ctx context.Context, runID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[runID]
	if !ok {
		return ErrRunNotQueued
	}
	if item.Status.Terminal() {
		return nil
	}

	item.Status = v1.QueueStatusCanceled
	item.LockOwner = nil
	item.LockExpiresAt = nil
	item.ErrorMessage = reason
	item.UpdatedAt = time.Now().UTC()
	return nil
}

// Get returns the queue entry for a run ID
func (q *MemoryQueue) Get(ctx context.Context, runID string) (*v1.RunQueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[runID]
	if !ok {
		return nil, ErrRunNotQueued
	}
	return cloneItem(item), nil
}

// Summary returns aggregate counts by status
func (q *MemoryQueue) Summary(ctx context.Context) (*v1.QueueSummary, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	summary := &v1.QueueSummary{}
	for _, item := range q.items {
		switch item.Status {
		case v1.QueueStatusQueued:
			summary.Queued++
		case v1.QueueStatusClaimed:
			summary.Claimed++
		case v1.QueueStatusSucceeded:
			summary.Succeeded++
		case v1.QueueStatusFailed:
			summary.Failed++
		case v1.QueueStatusCanceled:
			summary.Canceled++
		}
	}
	return summary, nil
}

// ExpireStaleClaims forces expired claims back to queued or failed
func (q *MemoryQueue) ExpireStaleClaims(ctx context.Context, cutoff time.Time, reason string) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var affected []string
	now := time.Now().UTC()
	for _, item := range q.items {
		if item.Status != v1.QueueStatusClaimed {
			continue
		}
		if item.LockExpiresAt == nil || !item.LockExpiresAt.Before(cutoff) {
			continue
		}

		item.LockOwner = nil
		item.LockExpiresAt = nil
		item.ErrorMessage = reason
		item.UpdatedAt = now
		if item.Attempts >= item.MaxAttempts {
			item.Status = v1.QueueStatusFailed
		} else {
			item.Status = v1.QueueStatusQueued
		}
		affected = append(affected, item.RunID)
	}
	return affected, nil
}
