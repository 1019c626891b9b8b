package runtime

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
)

const (
	labelManagedBy = "toolgate.managed-by"
	labelService   = "toolgate.service"
	managedByValue = "toolgate"

	// stopTimeout is how long to wait for graceful stop before SIGKILL.
	stopTimeout = 10 * time.Second
)

// DockerRuntime implements Runtime against the Docker Engine API.
type DockerRuntime struct {
	client  *dockerclient.Client
	network string
}

// NewDocker creates the adapter using DOCKER_HOST or the default socket.
func NewDocker(networkName string) (*DockerRuntime, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("runtime: docker client: %w", err)
	}
	if networkName == "" {
		networkName = DefaultNetwork
	}
	return &DockerRuntime{client: cli, network: networkName}, nil
}

// EnsureNetwork creates the gateway bridge network if missing.
func (d *DockerRuntime) EnsureNetwork(ctx context.Context) error {
	nets, err := d.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", d.network)),
	})
	if err != nil {
		return fmt.Errorf("runtime: list networks: %w", err)
	}
	for _, n := range nets {
		if n.Name == d.network {
			return nil
		}
	}
	_, err = d.client.NetworkCreate(ctx, d.network, network.CreateOptions{
		Driver:     "bridge",
		Attachable: true,
		Labels:     map[string]string{labelManagedBy: managedByValue},
	})
	if err != nil {
		return fmt.Errorf("runtime: create network %q: %w", d.network, err)
	}
	return nil
}

// Spawn implements Runtime.
func (d *DockerRuntime) Spawn(ctx context.Context, spec ServiceSpec) (Handle, error) {
	if spec.Image == "" {
		return Handle{}, fmt.Errorf("runtime: spec.Image is required")
	}
	if spec.Name == "" {
		return Handle{}, fmt.Errorf("runtime: spec.Name is required")
	}

	networkName := spec.NetworkName
	if networkName == "" {
		networkName = d.network
	}
	containerName := ContainerNameFor(spec.Name)

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	labels := map[string]string{
		labelManagedBy: managedByValue,
		labelService:   spec.Name,
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	containerCfg := &container.Config{
		Image:  spec.Image,
		Env:    env,
		Labels: labels,
	}
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
	}
	networkCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			networkName: {},
		},
	}

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, containerName)
	if err != nil {
		return Handle{}, fmt.Errorf("runtime: create container: %w", err)
	}
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup
		_ = d.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return Handle{}, fmt.Errorf("runtime: start container: %w", err)
	}

	return Handle{
		Name:          spec.Name,
		ContainerID:   resp.ID,
		ContainerName: containerName,
	}, nil
}

// Stop implements Runtime.
func (d *DockerRuntime) Stop(ctx context.Context, handle Handle) error {
	timeout := int(stopTimeout.Seconds())
	if err := d.client.ContainerStop(ctx, handle.ContainerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("runtime: stop container %s: %w", handle.ContainerID, err)
	}
	return nil
}

// Restart implements Runtime.
func (d *DockerRuntime) Restart(ctx context.Context, handle Handle) error {
	timeout := int(stopTimeout.Seconds())
	if err := d.client.ContainerRestart(ctx, handle.ContainerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("runtime: restart container %s: %w", handle.ContainerID, err)
	}
	return nil
}

// Recreate implements Runtime.
func (d *DockerRuntime) Recreate(ctx context.Context, handle Handle, spec ServiceSpec) (Handle, error) {
	if err := d.Remove(ctx, handle); err != nil {
		return Handle{}, err
	}
	return d.Spawn(ctx, spec)
}

// Status implements Runtime.
func (d *DockerRuntime) Status(ctx context.Context, handle Handle) (Status, error) {
	inspect, err := d.client.ContainerInspect(ctx, handle.ContainerID)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return Status{
				Name:        handle.Name,
				ContainerID: handle.ContainerID,
				State:       StateUnknown,
			}, nil
		}
		return Status{}, fmt.Errorf("runtime: inspect container: %w", err)
	}

	startedAt, _ := time.Parse(time.RFC3339Nano, inspect.State.StartedAt)
	finishedAt, _ := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt)

	return Status{
		Name:        handle.Name,
		ContainerID: inspect.ID,
		State:       parseState(inspect.State.Status),
		StartedAt:   startedAt,
		FinishedAt:  finishedAt,
		ExitCode:    inspect.State.ExitCode,
		Error:       inspect.State.Error,
	}, nil
}

// Logs implements Runtime.
func (d *DockerRuntime) Logs(ctx context.Context, handle Handle, tail int) ([]byte, error) {
	if tail <= 0 {
		tail = 200
	}
	rc, err := d.client.ContainerLogs(ctx, handle.ContainerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: container logs: %w", err)
	}
	defer rc.Close()

	out, err := io.ReadAll(io.LimitReader(rc, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("runtime: read logs: %w", err)
	}
	return out, nil
}

// List implements Runtime.
func (d *DockerRuntime) List(ctx context.Context) ([]Handle, error) {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedByValue),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: list containers: %w", err)
	}

	handles := make([]Handle, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		handles = append(handles, Handle{
			Name:          c.Labels[labelService],
			ContainerID:   c.ID,
			ContainerName: name,
		})
	}
	return handles, nil
}

// Remove implements Runtime.
func (d *DockerRuntime) Remove(ctx context.Context, handle Handle) error {
	_ = d.Stop(ctx, handle) // best-effort graceful stop first
	if err := d.client.ContainerRemove(ctx, handle.ContainerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: false,
	}); err != nil {
		if !dockerclient.IsErrNotFound(err) {
			return fmt.Errorf("runtime: remove container: %w", err)
		}
	}
	return nil
}

func parseState(s string) State {
	switch strings.ToLower(s) {
	case "running":
		return StateRunning
	case "stopped":
		return StateStopped
	case "exited":
		return StateExited
	case "created":
		return StateCreated
	case "paused":
		return StatePaused
	case "removing":
		return StateRemoving
	default:
		return StateUnknown
	}
}
