package run

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runplane/runplane/internal/common/config"
	"github.com/runplane/runplane/internal/common/logger"
	"github.com/runplane/runplane/internal/models"
	"github.com/runplane/runplane/internal/provider"
	"github.com/runplane/runplane/internal/queue"
	"github.com/runplane/runplane/internal/store"
	"github.com/runplane/runplane/internal/stream"
	v1 "github.com/runplane/runplane/pkg/api/v1"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

type fixture struct {
	store     store.Store
	streams   *stream.Bus
	providers *provider.Registry
	orch      *Orchestrator
}

func newFixture(t *testing.T, adapters ...provider.Adapter) *fixture {
	t.Helper()
	log := newTestLogger(t)
	f := &fixture{
		store:     store.NewMemoryStore(),
		streams:   stream.NewBus(0, log),
		providers: provider.NewRegistry(),
	}
	for _, a := range adapters {
		f.providers.Register(a)
	}
	f.orch = NewOrchestrator(f.store, f.streams, f.providers, nil, log)
	return f
}

func startRequest(prov v1.ProviderName) *v1.StartRunRequest {
	return &v1.StartRunRequest{
		Provider:  prov,
		SessionID: "s1",
		Model:     "m",
		Messages:  []v1.Message{{Role: v1.RoleUser, Content: "hi there"}},
	}
}

// blockingAdapter emits deltas until the run is stopped, so tests that stop
// or reply mid-stream never race against the script draining first.
type blockingAdapter struct {
	name v1.ProviderName
	caps provider.Capabilities

	mu      sync.Mutex
	replies map[string]string
}

func newBlockingAdapter(name v1.ProviderName, caps provider.Capabilities) *blockingAdapter {
	return &blockingAdapter{name: name, caps: caps, replies: make(map[string]string)}
}

func (a *blockingAdapter) Name() v1.ProviderName { return a.name }

func (a *blockingAdapter) Capabilities() provider.Capabilities { return a.caps }

func (a *blockingAdapter) Run(ctx context.Context, req *v1.StartRunRequest) (provider.Handle, error) {
	h := &blockingHandle{
		ch:     make(chan provider.Chunk),
		stopCh: make(chan struct{}),
	}
	go func() {
		defer close(h.ch)
		for {
			select {
			case h.ch <- provider.Chunk{Type: provider.ChunkMessageDelta, Text: "x"}:
			case <-h.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return h, nil
}

func (a *blockingAdapter) Reply(ctx context.Context, runID, questionID, answer string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.replies[runID+"/"+questionID] = answer
	return nil
}

func (a *blockingAdapter) ReceivedReply(runID, questionID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	answer, ok := a.replies[runID+"/"+questionID]
	return answer, ok
}

type blockingHandle struct {
	ch     chan provider.Chunk
	stopCh chan struct{}
	once   sync.Once
}

func (h *blockingHandle) Stream() <-chan provider.Chunk { return h.ch }

func (h *blockingHandle) Stop(ctx context.Context) error {
	h.once.Do(func() { close(h.stopCh) })
	return nil
}

func eventTypes(envs []stream.Envelope) []v1.RunEventType {
	types := make([]v1.RunEventType, len(envs))
	for i, env := range envs {
		types[i] = env.Event.Type
	}
	return types
}

func TestStartAndStreamHappyPath(t *testing.T) {
	f := newFixture(t, provider.NewScripted(v1.ProviderOpenCode, provider.Capabilities{}, nil))
	ctx := context.Background()

	res, err := f.orch.StartRun(ctx, startRequest(v1.ProviderOpenCode))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	require.NotEmpty(t, res.RunID)

	require.NoError(t, f.orch.StreamRun(ctx, res.RunID))

	envs := f.orch.Events(res.RunID, 0)
	require.NotEmpty(t, envs)
	assert.Equal(t, v1.EventRunStatus, envs[0].Event.Type)
	assert.Equal(t, "started", envs[0].Event.Status)

	last := envs[len(envs)-1].Event
	assert.Equal(t, v1.EventRunStatus, last.Type)
	assert.Equal(t, "finished", last.Status)
	assert.Equal(t, "succeeded", last.Detail)

	// Deltas between the two status events reassemble the prompt echo.
	var text string
	for _, env := range envs[1 : len(envs)-1] {
		require.Equal(t, v1.EventMessageDelta, env.Event.Type)
		text += env.Event.Text
	}
	assert.Equal(t, "hi there", text)

	// Sequence numbers are contiguous from 1.
	for i, env := range envs {
		assert.Equal(t, uint64(i+1), env.Seq)
	}

	run, err := f.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, v1.RunStatusSucceeded, run.Status)
	assert.True(t, run.Streamed)
	assert.True(t, run.UsageFinalized)
	require.NotNil(t, run.Usage)
	assert.NotNil(t, run.EndedAt)
	assert.True(t, f.streams.Closed(res.RunID))
}

func TestStartRunBlockedWithoutHumanLoop(t *testing.T) {
	f := newFixture(t, provider.NewScripted(v1.ProviderOpenCode, provider.Capabilities{}, nil))
	ctx := context.Background()

	req := startRequest(v1.ProviderOpenCode)
	req.RequireHumanLoop = true

	res, err := f.orch.StartRun(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, "provider does not support human loop", res.Reason)

	run, err := f.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, v1.RunStatusBlocked, run.Status)
	assert.NotNil(t, run.EndedAt)

	// No stream is created for a blocked run.
	assert.Zero(t, f.streams.LastSeq(res.RunID))
	assert.Error(t, f.orch.StreamRun(ctx, res.RunID))
}

func TestResumeFallbackWarning(t *testing.T) {
	f := newFixture(t, provider.NewScripted(v1.ProviderOpenCode, provider.Capabilities{Resume: false}, nil))
	ctx := context.Background()

	req := startRequest(v1.ProviderOpenCode)
	req.ResumeSessionID = "old-session"

	res, err := f.orch.StartRun(ctx, req)
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "does not support resume")
	assert.Empty(t, req.ResumeSessionID)

	require.NoError(t, f.orch.StreamRun(ctx, res.RunID))
	envs := f.orch.Events(res.RunID, 0)
	require.True(t, len(envs) >= 2)
	assert.Equal(t, v1.EventRunWarning, envs[1].Event.Type)
	assert.Equal(t, res.Warnings[0], envs[1].Event.Warning)
}

func TestStreamRunIsSingleConsumer(t *testing.T) {
	f := newFixture(t, provider.NewScripted(v1.ProviderOpenCode, provider.Capabilities{}, nil))
	ctx := context.Background()

	res, err := f.orch.StartRun(ctx, startRequest(v1.ProviderOpenCode))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.orch.StreamRun(ctx, res.RunID) }()

	// The second consumer loses regardless of which goroutine wins the race.
	err2 := f.orch.StreamRun(ctx, res.RunID)
	first := <-done
	if first == nil {
		assert.ErrorIs(t, err2, ErrStreamConsumed)
	} else {
		assert.ErrorIs(t, first, ErrStreamConsumed)
		assert.NoError(t, err2)
	}
}

func TestMissingTerminalChunkFailsRun(t *testing.T) {
	noTerminal := func(req *v1.StartRunRequest) []provider.Chunk {
		return []provider.Chunk{{Type: provider.ChunkMessageDelta, Text: "partial"}}
	}
	f := newFixture(t, provider.NewScripted(v1.ProviderOpenCode, provider.Capabilities{}, noTerminal))
	ctx := context.Background()

	res, err := f.orch.StartRun(ctx, startRequest(v1.ProviderOpenCode))
	require.NoError(t, err)
	require.NoError(t, f.orch.StreamRun(ctx, res.RunID))

	run, err := f.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, v1.RunStatusFailed, run.Status)
	assert.Equal(t, "provider stream closed without terminal event", run.Reason)

	envs := f.orch.Events(res.RunID, 0)
	last := envs[len(envs)-1].Event
	assert.Equal(t, "failed: provider stream closed without terminal event", last.Detail)
}

func TestStopRunCancels(t *testing.T) {
	f := newFixture(t, newBlockingAdapter(v1.ProviderOpenCode, provider.Capabilities{}))
	ctx := context.Background()

	res, err := f.orch.StartRun(ctx, startRequest(v1.ProviderOpenCode))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.orch.StreamRun(ctx, res.RunID) }()

	// Give the pump a moment to start consuming.
	require.Eventually(t, func() bool {
		return f.streams.LastSeq(res.RunID) > 0
	}, 2*time.Second, time.Millisecond)

	ok, err := f.orch.StopRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, <-done)

	run, err := f.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, v1.RunStatusCanceled, run.Status)

	// Stopping a terminal run reports false.
	ok, err = f.orch.StopRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReplyHumanLoop(t *testing.T) {
	adapter := newBlockingAdapter(v1.ProviderClaudeCode, provider.Capabilities{HumanLoop: true})
	f := newFixture(t, adapter)
	ctx := context.Background()

	res, err := f.orch.StartRun(ctx, startRequest(v1.ProviderClaudeCode))
	require.NoError(t, err)

	require.NoError(t, f.store.CreateHumanLoop(ctx, &models.HumanLoop{
		RunID:      res.RunID,
		QuestionID: "q1",
		Prompt:     "proceed?",
		Status:     models.HumanLoopPending,
	}))
	run, err := f.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	run.Status = v1.RunStatusWaitingHuman
	require.NoError(t, f.store.UpdateRun(ctx, run))

	require.NoError(t, f.orch.ReplyHumanLoop(ctx, res.RunID, "q1", "yes"))

	answer, got := adapter.ReceivedReply(res.RunID, "q1")
	assert.True(t, got)
	assert.Equal(t, "yes", answer)

	hl, err := f.store.GetHumanLoop(ctx, res.RunID, "q1")
	require.NoError(t, err)
	assert.Equal(t, models.HumanLoopResolved, hl.Status)
	assert.Equal(t, "yes", hl.Answer)

	run, err = f.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, v1.RunStatusRunning, run.Status)

	_, err = f.orch.StopRun(ctx, res.RunID)
	require.NoError(t, err)
}

func TestReplyHumanLoopUnsupported(t *testing.T) {
	f := newFixture(t, provider.NewScripted(v1.ProviderOpenCode, provider.Capabilities{HumanLoop: false}, nil))
	ctx := context.Background()

	res, err := f.orch.StartRun(ctx, startRequest(v1.ProviderOpenCode))
	require.NoError(t, err)

	err = f.orch.ReplyHumanLoop(ctx, res.RunID, "q1", "yes")
	assert.ErrorIs(t, err, ErrHumanLoopUnsupported)
}

// Enqueue, drain with a failing provider, then drain again with a
// succeeding one; the queue entry tracks attempts and terminal status.
func TestQueueRetryThenSuccess(t *testing.T) {
	var attempt atomic.Int32
	script := func(req *v1.StartRunRequest) []provider.Chunk {
		if attempt.Add(1) == 1 {
			return []provider.Chunk{{
				Type:   provider.ChunkRunFinished,
				Status: v1.RunStatusFailed,
				Reason: "transient",
			}}
		}
		return []provider.Chunk{{
			Type:   provider.ChunkRunFinished,
			Status: v1.RunStatusSucceeded,
		}}
	}
	f := newFixture(t, provider.NewScripted(v1.ProviderOpenCode, provider.Capabilities{}, script))
	ctx := context.Background()
	log := newTestLogger(t)

	q := queue.NewMemoryQueue()
	cfg := config.QueueConfig{Owner: "test-owner", LockMs: 60000, RetryDelayMs: 1, MaxAttempts: 3, DrainLimit: 10}
	mgr := queue.NewManager(q, f.orch.ProcessQueued, cfg, nil, log)

	require.NoError(t, q.Enqueue(ctx, &v1.RunQueueItem{
		RunID:       "r1",
		SessionID:   "s1",
		Provider:    v1.ProviderOpenCode,
		MaxAttempts: 3,
		Payload:     *startRequest(v1.ProviderOpenCode),
	}))

	res, err := mgr.DrainOnce(ctx, queue.DrainOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)
	assert.Equal(t, 1, res.Retried)

	item, err := q.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, v1.QueueStatusQueued, item.Status)
	assert.Equal(t, 1, item.Attempts)

	// Wait out the retry delay before the second pass.
	time.Sleep(5 * time.Millisecond)

	res, err = mgr.DrainOnce(ctx, queue.DrainOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)
	assert.Equal(t, 1, res.Succeeded)

	item, err = q.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, v1.QueueStatusSucceeded, item.Status)
	assert.Equal(t, 2, item.Attempts)

	run, err := f.store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, v1.RunStatusSucceeded, run.Status)
}

func TestBlockedQueuedRunIsCanceled(t *testing.T) {
	f := newFixture(t, provider.NewScripted(v1.ProviderOpenCode, provider.Capabilities{}, nil))
	ctx := context.Background()
	log := newTestLogger(t)

	q := queue.NewMemoryQueue()
	cfg := config.QueueConfig{Owner: "test-owner", LockMs: 60000, RetryDelayMs: 1, MaxAttempts: 3, DrainLimit: 10}
	mgr := queue.NewManager(q, f.orch.ProcessQueued, cfg, nil, log)

	payload := *startRequest(v1.ProviderOpenCode)
	payload.RequireHumanLoop = true
	require.NoError(t, q.Enqueue(ctx, &v1.RunQueueItem{
		RunID:       "r-blocked",
		SessionID:   "s1",
		Provider:    v1.ProviderOpenCode,
		MaxAttempts: 3,
		Payload:     payload,
	}))

	res, err := mgr.DrainOnce(ctx, queue.DrainOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)
	assert.Equal(t, 1, res.Canceled)

	item, err := q.Get(ctx, "r-blocked")
	require.NoError(t, err)
	assert.Equal(t, v1.QueueStatusCanceled, item.Status)
	assert.Equal(t, "provider does not support human loop", item.ErrorMessage)
}

func TestEventTypesOrdering(t *testing.T) {
	script := func(req *v1.StartRunRequest) []provider.Chunk {
		return []provider.Chunk{
			{Type: provider.ChunkMessageDelta, Text: "a"},
			{Type: provider.ChunkTodoUpdate, Todo: &v1.TodoUpdate{TodoID: "t1", Content: "do it", Status: v1.TodoStatusDoing}},
			{Type: provider.ChunkRunFinished, Status: v1.RunStatusSucceeded},
		}
	}
	f := newFixture(t, provider.NewScripted(v1.ProviderOpenCode, provider.Capabilities{TodoStream: true}, script))
	ctx := context.Background()

	req := startRequest(v1.ProviderOpenCode)
	req.ResumeSessionID = "prev"
	res, err := f.orch.StartRun(ctx, req)
	require.NoError(t, err)
	require.NoError(t, f.orch.StreamRun(ctx, res.RunID))

	assert.Equal(t, []v1.RunEventType{
		v1.EventRunStatus,
		v1.EventRunWarning,
		v1.EventMessageDelta,
		v1.EventTodoUpdate,
		v1.EventRunStatus,
	}, eventTypes(f.orch.Events(res.RunID, 0)))
}
