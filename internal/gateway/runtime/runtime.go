// Package runtime abstracts the container backend that recovery actions
// operate on: the gateway's supervised sidecar services (cache, mock
// upstreams, log shippers) run as labelled containers.
package runtime

import (
	"context"
	"fmt"
	"time"
)

// Container states as the gateway classifies them.
type State string

const (
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateExited   State = "exited"
	StateCreated  State = "created"
	StatePaused   State = "paused"
	StateRemoving State = "removing"
	StateUnknown  State = "unknown"
)

// ServiceSpec describes one supervised service container.
type ServiceSpec struct {
	// Name is the gateway-side component name ("redis", "mock-upstream").
	Name  string
	Image string
	Env   map[string]string
	// NetworkName overrides the default gateway network.
	NetworkName string
	Labels      map[string]string
}

// Handle identifies a running supervised container.
type Handle struct {
	Name          string
	ContainerID   string
	ContainerName string
}

// Status is a point-in-time view of a supervised container.
type Status struct {
	Name        string
	ContainerID string
	State       State
	StartedAt   time.Time
	FinishedAt  time.Time
	ExitCode    int
	Error       string
}

// Runtime is the container backend recovery actions drive.
type Runtime interface {
	// Spawn creates and starts a service container.
	Spawn(ctx context.Context, spec ServiceSpec) (Handle, error)

	// Stop gracefully stops the container.
	Stop(ctx context.Context, handle Handle) error

	// Restart stops and starts the container in place.
	Restart(ctx context.Context, handle Handle) error

	// Recreate removes the container and spawns a fresh one from spec.
	Recreate(ctx context.Context, handle Handle, spec ServiceSpec) (Handle, error)

	// Status inspects the container's current state.
	Status(ctx context.Context, handle Handle) (Status, error)

	// Logs returns the container's recent log tail for diagnostics.
	Logs(ctx context.Context, handle Handle, tail int) ([]byte, error)

	// List returns handles for every gateway-managed container.
	List(ctx context.Context) ([]Handle, error)

	// Remove stops and deletes the container.
	Remove(ctx context.Context, handle Handle) error
}

// DefaultNetwork is the bridge network supervised services attach to.
const DefaultNetwork = "toolgate"

// ContainerNameFor derives the deterministic container name for a service.
func ContainerNameFor(name string) string {
	return fmt.Sprintf("toolgate-%s", name)
}
