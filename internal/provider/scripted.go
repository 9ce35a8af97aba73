package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	v1 "github.com/runplane/runplane/pkg/api/v1"
)

// ScriptFunc produces the chunk script for a request.
type ScriptFunc func(req *v1.StartRunRequest) []Chunk

// ScriptedAdapter replays a deterministic chunk script for every run. It
// backs the development providers and the orchestrator tests.
type ScriptedAdapter struct {
	name   v1.ProviderName
	caps   Capabilities
	script ScriptFunc

	mu      sync.Mutex
	replies map[string]string // runID/questionID -> answer
}

// NewScripted creates a scripted adapter. A nil script echoes the last user
// message and finishes succeeded.
func NewScripted(name v1.ProviderName, caps Capabilities, script ScriptFunc) *ScriptedAdapter {
	if script == nil {
		script = EchoScript
	}
	return &ScriptedAdapter{
		name:    name,
		caps:    caps,
		script:  script,
		replies: make(map[string]string),
	}
}

// EchoScript streams the last user message back in two deltas and finishes
// succeeded.
func EchoScript(req *v1.StartRunRequest) []Chunk {
	var last string
	for _, msg := range req.Messages {
		if msg.Role == v1.RoleUser {
			last = msg.Content
		}
	}

	chunks := []Chunk{}
	if last != "" {
		mid := len(last) / 2
		chunks = append(chunks,
			Chunk{Type: ChunkMessageDelta, Text: last[:mid]},
			Chunk{Type: ChunkMessageDelta, Text: last[mid:]},
		)
	}
	return append(chunks, Chunk{
		Type:   ChunkRunFinished,
		Status: v1.RunStatusSucceeded,
		Usage: &v1.Usage{
			InputTokens:  int64(len(promptText(req))),
			OutputTokens: int64(len(last)),
			TotalTokens:  int64(len(promptText(req)) + len(last)),
		},
	})
}

func promptText(req *v1.StartRunRequest) string {
	var b strings.Builder
	for _, msg := range req.Messages {
		b.WriteString(msg.Content)
	}
	return b.String()
}

// Name returns the provider name.
func (a *ScriptedAdapter) Name() v1.ProviderName {
	return a.name
}

// Capabilities returns the declared capability flags.
func (a *ScriptedAdapter) Capabilities() Capabilities {
	return a.caps
}

// Run starts replaying the script. Chunks are delivered on the handle's
// stream; the channel closes after the last chunk or on Stop.
func (a *ScriptedAdapter) Run(ctx context.Context, req *v1.StartRunRequest) (Handle, error) {
	if req == nil {
		return nil, fmt.Errorf("nil run request")
	}

	h := &scriptedHandle{
		ch:     make(chan Chunk),
		stopCh: make(chan struct{}),
	}

	go func() {
		defer close(h.ch)
		for _, chunk := range a.script(req) {
			select {
			case h.ch <- chunk:
			case <-h.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return h, nil
}

// Reply records the answer so tests can assert on it.
func (a *ScriptedAdapter) Reply(ctx context.Context, runID, questionID, answer string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.replies[runID+"/"+questionID] = answer
	return nil
}

// ReceivedReply returns the recorded answer for the question, if any.
func (a *ScriptedAdapter) ReceivedReply(runID, questionID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	answer, ok := a.replies[runID+"/"+questionID]
	return answer, ok
}

type scriptedHandle struct {
	ch     chan Chunk
	stopCh chan struct{}
	once   sync.Once
}

func (h *scriptedHandle) Stream() <-chan Chunk {
	return h.ch
}

func (h *scriptedHandle) Stop(ctx context.Context) error {
	h.once.Do(func() {
		close(h.stopCh)
	})
	return nil
}
