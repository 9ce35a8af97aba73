package worker

import (
	"context"
	"time"
)

// ContainerRuntime abstracts the container engine behind the session worker
// manager. The Docker implementation is the production runtime; tests use
// an in-memory fake.
type ContainerRuntime interface {
	// CreateContainer creates a worker container for the session and
	// returns its ID.
	CreateContainer(ctx context.Context, sessionID string) (string, error)

	// StartContainer starts a created or stopped container.
	StartContainer(ctx context.Context, containerID string) error

	// StopContainer stops a running container, waiting up to timeout for a
	// clean shutdown.
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error

	// RemoveContainer removes a container and its volumes.
	RemoveContainer(ctx context.Context, containerID string, force bool) error

	// ContainerExists reports whether the container is known to the engine.
	ContainerExists(ctx context.Context, containerID string) (bool, error)

	Close() error
}
