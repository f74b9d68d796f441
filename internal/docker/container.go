package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// ContainerSpec describes a container to create. Port is the container's
// internal service port; it is always bound to a dynamically assigned host
// port.
type ContainerSpec struct {
	Name       string
	Image      string
	Cmd        []string
	Env        []string
	Labels     map[string]string
	WorkingDir string
	Port       nat.Port
	MemoryMB   int
	CPUShares  int
}

// ContainerState captures inspect results the services care about.
type ContainerState struct {
	Status  string
	Running bool
	Ports   nat.PortMap
}

// HostPort returns the host port bound to the given container port, or 0.
func (s ContainerState) HostPort(port nat.Port) int {
	bindings := s.Ports[port]
	if len(bindings) == 0 {
		return 0
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(bindings[0].HostPort))
	if err != nil {
		return 0
	}
	return parsed
}

// CreateContainer creates a container from the spec and returns its ID.
func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	if strings.TrimSpace(spec.Image) == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}
	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		Env:        spec.Env,
		Labels:     spec.Labels,
		WorkingDir: spec.WorkingDir,
		ExposedPorts: nat.PortSet{
			spec.Port: struct{}{},
		},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			spec.Port: []nat.PortBinding{{HostPort: ""}},
		},
		Resources: container.Resources{
			Memory:    int64(spec.MemoryMB) * 1024 * 1024,
			CPUShares: int64(spec.CPUShares),
		},
	}
	r, err := c.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	return r.ID, nil
}

// StartContainer starts an existing container.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	if err := c.inner.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start: %w", err)
	}
	return nil
}

// StopContainer stops a container. Stopping an already-stopped container is
// not an error.
func (c *Client) StopContainer(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	if err := c.inner.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		if errdefs.IsNotModified(err) {
			return nil
		}
		return fmt.Errorf("container stop: %w", err)
	}
	return nil
}

// RemoveContainer force-removes a container if it exists.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

// InspectContainer returns the container's live state and port bindings.
func (c *Client) InspectContainer(ctx context.Context, id string) (ContainerState, error) {
	inspect, err := c.inner.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ContainerState{}, ErrNotFound
		}
		return ContainerState{}, fmt.Errorf("container inspect: %w", err)
	}
	state := ContainerState{}
	if inspect.State != nil {
		state.Status = inspect.State.Status
		state.Running = inspect.State.Running
	}
	if inspect.NetworkSettings != nil && inspect.NetworkSettings.Ports != nil {
		state.Ports = inspect.NetworkSettings.Ports
	}
	return state, nil
}

// CommitContainer snapshots a container into an image and returns the tagged
// reference.
func (c *Client) CommitContainer(ctx context.Context, id, repo, tag string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("container id cannot be empty")
	}
	ref := fmt.Sprintf("%s:%s", repo, tag)
	if _, err := c.inner.ContainerCommit(ctx, id, container.CommitOptions{Reference: ref}); err != nil {
		return "", fmt.Errorf("container commit: %w", err)
	}
	return ref, nil
}

// ContainerLogs fetches combined, timestamped stdout and stderr, bounded by
// the tail line count.
func (c *Client) ContainerLogs(ctx context.Context, id string, tail int, timestamps bool) (string, error) {
	if tail <= 0 {
		tail = 100
	}
	reader, err := c.inner.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
		Timestamps: timestamps,
	})
	if err != nil {
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		return "", fmt.Errorf("read container logs: %w", err)
	}
	return buf.String(), nil
}

// PullImage fetches an image. Callers treat failures as non-fatal.
func (c *Client) PullImage(ctx context.Context, ref string) error {
	reader, err := c.inner.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull: %w", err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("drain image pull: %w", err)
	}
	return nil
}
