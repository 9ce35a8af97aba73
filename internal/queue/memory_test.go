package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/runplane/runplane/pkg/api/v1"
)

func queueItem(runID string) *v1.RunQueueItem {
	return &v1.RunQueueItem{
		RunID:     runID,
		SessionID: "s-1",
		Provider:  v1.ProviderClaudeCode,
		Payload: v1.StartRunRequest{
			RunID:    runID,
			Provider: v1.ProviderClaudeCode,
			Model:    "sonnet",
			Messages: []v1.Message{{Role: v1.RoleUser, Content: "hello"}},
		},
	}
}

func TestEnqueueClaimSucceed(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queueItem("r-1")))

	item, err := q.Claim(ctx, "owner-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "r-1", item.RunID)
	assert.Equal(t, v1.QueueStatusClaimed, item.Status)
	assert.Equal(t, 1, item.Attempts)
	require.NotNil(t, item.LockOwner)
	assert.Equal(t, "owner-a", *item.LockOwner)
	require.NotNil(t, item.LockExpiresAt)

	// The claim is exclusive while the lease holds.
	_, err = q.Claim(ctx, "owner-b", time.Minute)
	assert.ErrorIs(t, err, ErrNoRunsAvailable)

	require.NoError(t, q.MarkSucceeded(ctx, "r-1", "owner-a"))

	got, err := q.Get(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, v1.QueueStatusSucceeded, got.Status)
	assert.Nil(t, got.LockOwner)
	assert.Empty(t, got.ErrorMessage)
}

func TestEnqueueDuplicateRejected(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queueItem("r-1")))
	assert.ErrorIs(t, q.Enqueue(ctx, queueItem("r-1")), ErrDuplicateRun)

	// A terminal entry still holds the run ID.
	item, err := q.Claim(ctx, "owner-a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.MarkSucceeded(ctx, item.RunID, "owner-a"))
	assert.ErrorIs(t, q.Enqueue(ctx, queueItem("r-1")), ErrDuplicateRun)

	got, err := q.Get(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, v1.QueueStatusSucceeded, got.Status)
}

func TestClaimClearsPreviousError(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queueItem("r-1")))

	_, err := q.Claim(ctx, "owner-a", time.Minute)
	require.NoError(t, err)
	_, err = q.MarkRetryOrFailed(ctx, "r-1", "owner-a", "boom", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	item, err := q.Claim(ctx, "owner-a", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, item.ErrorMessage)

	got, err := q.Get(ctx, "r-1")
	require.NoError(t, err)
	assert.Empty(t, got.ErrorMessage)
}

func TestClaimFIFOOrder(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queueItem("r-1")))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, queueItem("r-2")))

	first, err := q.Claim(ctx, "owner-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "r-1", first.RunID)

	second, err := q.Claim(ctx, "owner-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "r-2", second.RunID)
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queueItem("r-1")))

	// First holder claims with a tiny lease and then disappears.
	_, err := q.Claim(ctx, "owner-a", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	item, err := q.Claim(ctx, "owner-b", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "r-1", item.RunID)
	assert.Equal(t, 2, item.Attempts)
	assert.Equal(t, "owner-b", *item.LockOwner)

	// The stale owner can no longer resolve the claim.
	assert.ErrorIs(t, q.MarkSucceeded(ctx, "r-1", "owner-a"), ErrNotClaimOwner)
}

func TestRetryThenFailedAtMaxAttempts(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	item := queueItem("r-1")
	item.MaxAttempts = 2
	require.NoError(t, q.Enqueue(ctx, item))

	// Attempt 1 fails: requeued with a retry delay.
	_, err := q.Claim(ctx, "owner-a", time.Minute)
	require.NoError(t, err)
	status, err := q.MarkRetryOrFailed(ctx, "r-1", "owner-a", "provider unavailable", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, v1.QueueStatusQueued, status)

	got, err := q.Get(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, "provider unavailable", got.ErrorMessage)

	time.Sleep(5 * time.Millisecond)

	// Attempt 2 fails: budget exhausted, run is failed.
	_, err = q.Claim(ctx, "owner-a", time.Minute)
	require.NoError(t, err)
	status, err = q.MarkRetryOrFailed(ctx, "r-1", "owner-a", "provider unavailable", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, v1.QueueStatusFailed, status)

	_, err = q.Claim(ctx, "owner-a", time.Minute)
	assert.ErrorIs(t, err, ErrNoRunsAvailable)
}

func TestRetryDelayDefersClaim(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queueItem("r-1")))
	_, err := q.Claim(ctx, "owner-a", time.Minute)
	require.NoError(t, err)

	_, err = q.MarkRetryOrFailed(ctx, "r-1", "owner-a", "boom", time.Hour)
	require.NoError(t, err)

	// Not claimable until the retry delay has elapsed.
	_, err = q.Claim(ctx, "owner-a", time.Minute)
	assert.ErrorIs(t, err, ErrNoRunsAvailable)
}

func TestCancelQueuedRun(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queueItem("r-1")))
	require.NoError(t, q.Cancel(ctx, "r-1", "stopped by client"))

	got, err := q.Get(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, v1.QueueStatusCanceled, got.Status)
	assert.Equal(t, "stopped by client", got.ErrorMessage)

	_, err = q.Claim(ctx, "owner-a", time.Minute)
	assert.ErrorIs(t, err, ErrNoRunsAvailable)

	// Canceling a terminal run is a no-op.
	assert.NoError(t, q.Cancel(ctx, "r-1", "again"))
	assert.ErrorIs(t, q.Cancel(ctx, "missing", ""), ErrRunNotQueued)
}

func TestSummaryCounts(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queueItem("r-1")))
	require.NoError(t, q.Enqueue(ctx, queueItem("r-2")))
	require.NoError(t, q.Enqueue(ctx, queueItem("r-3")))

	_, err := q.Claim(ctx, "owner-a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Cancel(ctx, "r-3", "stopped by client"))

	summary, err := q.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Queued)
	assert.Equal(t, 1, summary.Claimed)
	assert.Equal(t, 1, summary.Canceled)
}

func TestExpireStaleClaims(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	item := queueItem("r-1")
	item.MaxAttempts = 1
	require.NoError(t, q.Enqueue(ctx, item))
	require.NoError(t, q.Enqueue(ctx, queueItem("r-2")))

	_, err := q.Claim(ctx, "owner-a", time.Millisecond)
	require.NoError(t, err)
	_, err = q.Claim(ctx, "owner-a", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	affected, err := q.ExpireStaleClaims(ctx, time.Now().UTC(), "reconciler_stale_claim_timeout")
	require.NoError(t, err)
	assert.Len(t, affected, 2)

	// r-1 exhausted its single attempt; r-2 has budget left.
	got, err := q.Get(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, v1.QueueStatusFailed, got.Status)
	assert.Equal(t, "reconciler_stale_claim_timeout", got.ErrorMessage)

	got, err = q.Get(ctx, "r-2")
	require.NoError(t, err)
	assert.Equal(t, v1.QueueStatusQueued, got.Status)
}

func TestManagerDrainOnce(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queueItem("r-ok")))
	require.NoError(t, q.Enqueue(ctx, queueItem("r-cancel")))
	failing := queueItem("r-fail")
	failing.MaxAttempts = 1
	require.NoError(t, q.Enqueue(ctx, failing))

	run := func(ctx context.Context, item *v1.RunQueueItem) error {
		switch item.RunID {
		case "r-ok":
			return nil
		case "r-cancel":
			return CanceledError("stopped by client")
		default:
			return errors.New("provider exploded")
		}
	}

	mgr := NewManager(q, run, testQueueConfig(), nil, newTestLogger(t))
	result, err := mgr.DrainOnce(ctx, DrainOptions{Limit: 10})
	require.NoError(t, err)

	assert.Equal(t, 3, result.Claimed)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Canceled)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 0, result.Retried)

	got, err := q.Get(ctx, "r-fail")
	require.NoError(t, err)
	assert.Equal(t, v1.QueueStatusFailed, got.Status)
	assert.Equal(t, "provider exploded", got.ErrorMessage)

	got, err = q.Get(ctx, "r-cancel")
	require.NoError(t, err)
	assert.Equal(t, v1.QueueStatusCanceled, got.Status)
	assert.Equal(t, "stopped by client", got.ErrorMessage)
}

func TestManagerDrainRetries(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queueItem("r-1")))

	run := func(ctx context.Context, item *v1.RunQueueItem) error {
		return errors.New("transient")
	}

	mgr := NewManager(q, run, testQueueConfig(), nil, newTestLogger(t))
	result, err := mgr.DrainOnce(ctx, DrainOptions{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Retried)

	got, err := q.Get(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, v1.QueueStatusQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)
}
