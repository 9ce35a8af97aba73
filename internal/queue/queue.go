// Package queue implements the durable run queue. Enqueued runs are claimed
// under a time-bounded lease; a claim that is never resolved becomes
// claimable again once its lease expires, which is the sole crash recovery
// path.
package queue

import (
	"context"
	"errors"
	"time"

	v1 "github.com/runplane/runplane/pkg/api/v1"
)

// Sentinel errors for queue operations.
var (
	// ErrNoRunsAvailable indicates no claimable runs are in the queue.
	ErrNoRunsAvailable = errors.New("no runs available")

	// ErrRunNotQueued indicates the run ID is not present in the queue.
	ErrRunNotQueued = errors.New("run not queued")

	// ErrDuplicateRun indicates the run ID already has a queue entry.
	ErrDuplicateRun = errors.New("run already queued")

	// ErrNotClaimOwner indicates the caller's lease does not match.
	ErrNotClaimOwner = errors.New("not the claim owner")
)

// DefaultMaxAttempts bounds how many times a run is claimed before it is
// marked failed.
const DefaultMaxAttempts = 3

// Queue defines the durable run queue operations.
type Queue interface {
	// Enqueue adds a run to the queue. A run ID with any existing entry,
	// terminal included, is rejected with ErrDuplicateRun.
	Enqueue(ctx context.Context, item *v1.RunQueueItem) error

	// Claim atomically claims the next eligible run for owner, holding it
	// under a lease of lockFor. Eligible runs are queued items whose retry
	// delay has elapsed plus claimed items whose lease has expired. The
	// error message of any earlier attempt is cleared on claim.
	// Returns ErrNoRunsAvailable when nothing is claimable.
	Claim(ctx context.Context, owner string, lockFor time.Duration) (*v1.RunQueueItem, error)

	// MarkSucceeded resolves a claim as succeeded and clears any recorded
	// error message.
	MarkSucceeded(ctx context.Context, runID, owner string) error

	// MarkRetryOrFailed resolves a claim after a failed attempt: the run
	// goes back to queued (claimable after retryDelay) unless its attempt
	// budget is exhausted, in which case it is marked failed.
	MarkRetryOrFailed(ctx context.Context, runID, owner, errMsg string, retryDelay time.Duration) (v1.QueueStatus, error)

	// Cancel marks a queued or claimed run canceled, recording reason as
	// the entry's error message. Terminal runs are left untouched.
	Cancel(ctx context.Context, runID, reason string) error

	// Get returns the queue entry for a run ID.
	Get(ctx context.Context, runID string) (*v1.RunQueueItem, error)

	// Summary returns aggregate counts by status.
	Summary(ctx context.Context) (*v1.QueueSummary, error)

	// ExpireStaleClaims forces claims whose lease expired before cutoff
	// back to queued (or failed when out of attempts), recording reason.
	// Returns the run IDs affected.
	ExpireStaleClaims(ctx context.Context, cutoff time.Time, reason string) ([]string, error)

	Close() error
}
