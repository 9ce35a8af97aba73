// Package provider defines the adapter contract between the control plane
// and agent providers, plus a registry and a scripted adapter for
// development and tests.
package provider

import (
	"context"
	"errors"

	v1 "github.com/runplane/runplane/pkg/api/v1"
)

var (
	// ErrUnknownProvider indicates no adapter is registered for the name.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrStopped indicates the run was stopped before the provider
	// finished streaming.
	ErrStopped = errors.New("run stopped")
)

// Capabilities declares what a provider adapter supports. The orchestrator
// gates requests on these flags instead of probing the provider.
type Capabilities struct {
	Resume        bool `json:"resume"`
	HumanLoop     bool `json:"humanLoop"`
	TodoStream    bool `json:"todoStream"`
	BuildPlanMode bool `json:"buildPlanMode"`
}

// ChunkType enumerates the normalized chunk kinds an adapter may emit.
type ChunkType string

const (
	ChunkMessageDelta ChunkType = "message.delta"
	ChunkTodoUpdate   ChunkType = "todo.update"
	ChunkRunFinished  ChunkType = "run.finished"
)

// Chunk is one normalized unit of provider output. run.finished is the
// terminal chunk; a stream that closes without one is treated as a
// provider failure.
type Chunk struct {
	Type ChunkType `json:"type"`

	// message.delta
	Text string `json:"text,omitempty"`

	// todo.update
	Todo *v1.TodoUpdate `json:"todo,omitempty"`

	// run.finished
	Status v1.RunStatus `json:"status,omitempty"`
	Reason string       `json:"reason,omitempty"`
	Usage  *v1.Usage    `json:"usage,omitempty"`
}

// Handle is a live provider run. Stream returns the chunk channel, closed
// when the provider is done; Stop aborts the run.
type Handle interface {
	Stream() <-chan Chunk
	Stop(ctx context.Context) error
}

// Adapter is one provider behind the control plane.
type Adapter interface {
	Name() v1.ProviderName
	Capabilities() Capabilities
	Run(ctx context.Context, req *v1.StartRunRequest) (Handle, error)
}

// Replier is implemented by adapters that can forward human loop answers
// into a live run. Only meaningful when Capabilities.HumanLoop is set.
type Replier interface {
	Reply(ctx context.Context, runID, questionID, answer string) error
}
