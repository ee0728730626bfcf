// Package docker implements a shell evaluation engine backed by one Docker
// container per user.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	// Container configuration.
	containerUser   = "65534"
	workingDir      = "/tmp"
	containerPrefix = "shsh-eval-"
	userLabel       = "shsh-eval.user"
	stopTimeoutSecs = 2

	// Resource limits.
	memoryLimitBytes = 256 * 1024 * 1024 // 256MB
	cpuQuota         = 50000             // 0.5 CPU
	pidsLimit        = 128
	tmpfsOptions     = "rw,nosuid,size=16m,mode=1777"

	createRetryAttempts = 20
	createRetryDelay    = 250 * time.Millisecond
)

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// Runtime is the container surface the engine needs.
type Runtime interface {
	// EnsureContainer ensures a running container exists for a user.
	EnsureContainer(ctx context.Context, userID string) (string, error)

	// Exec runs cmd inside the container, streaming its output into stdout
	// and stderr, and returns the exit code.
	Exec(ctx context.Context, containerID string, cmd []string, stdout, stderr io.Writer) (int, error)

	// StopContainer stops and removes a container.
	StopContainer(ctx context.Context, containerID string) error

	// IsRunning checks if a container is currently running.
	IsRunning(ctx context.Context, containerID string) (bool, error)
}

// DockerRuntime implements Runtime using the Docker API.
type DockerRuntime struct {
	cli     *client.Client
	image   string
	runtime string // Container runtime: "" = default (runc), "runsc" = gVisor
}

// NewDockerRuntime creates a Docker-backed runtime.
// runtime can be "" for default Docker runtime or "runsc" for gVisor.
func NewDockerRuntime(imageName, runtime string) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if runtime != "" {
		slog.Info("Docker client initialized", "runtime", runtime, "image", imageName)
	} else {
		slog.Info("Docker client initialized", "runtime", "default", "image", imageName)
	}
	return &DockerRuntime{cli: cli, image: imageName, runtime: runtime}, nil
}

// Ping checks that the Docker daemon is reachable.
func (r *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker daemon: %w", err)
	}
	return nil
}

// EnsureImage pulls the evaluation image when it is missing locally.
func (r *DockerRuntime) EnsureImage(ctx context.Context) error {
	if _, err := r.cli.ImageInspect(ctx, r.image); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", r.image, err)
	}

	slog.Info("Pulling evaluation image", "image", r.image)
	rc, err := r.cli.ImagePull(ctx, r.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", r.image, err)
	}
	defer rc.Close()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("read pull progress for %s: %w", r.image, err)
	}
	slog.Info("Evaluation image pulled", "image", r.image)
	return nil
}

// ContainerName returns the container name used for a user.
func ContainerName(userID string) string {
	return containerPrefix + invalidNameChars.ReplaceAllString(userID, "-")
}

// EnsureContainer ensures a container exists and is running for a user.
// A stopped container is replaced, since its shell state lived in tmpfs.
func (r *DockerRuntime) EnsureContainer(ctx context.Context, userID string) (string, error) {
	containerName := ContainerName(userID)

	inspect, err := r.cli.ContainerInspect(ctx, containerName)
	if err == nil {
		if inspect.State != nil && inspect.State.Running {
			slog.Info("Container already running", "container_id", inspect.ID, "user_id", userID)
			return inspect.ID, nil
		}
		slog.Info("Found stopped container, recreating", "container_id", inspect.ID, "user_id", userID)
		if err := r.StopContainer(ctx, inspect.ID); err != nil {
			slog.Warn("Failed to remove stopped container before recreation", "error", err, "container_id", inspect.ID)
		}
	} else if !errdefs.IsNotFound(err) {
		return "", fmt.Errorf("inspect container %s: %w", containerName, err)
	}

	slog.Info("Creating new container", "user_id", userID, "image", r.image)

	config := &container.Config{
		Image:      r.image,
		User:       containerUser,
		WorkingDir: workingDir,
		Cmd:        []string{"tail", "-f", "/dev/null"},
		Labels:     map[string]string{userLabel: userID},
	}

	hostConfig := &container.HostConfig{
		Runtime:        r.runtime,
		NetworkMode:    container.NetworkMode("none"),
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{workingDir: tmpfsOptions},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = r.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, containerName)
		if createErr == nil {
			break
		}

		if !errdefs.IsConflict(createErr) && !strings.Contains(strings.ToLower(createErr.Error()), "is already in use") {
			return "", fmt.Errorf("create container: %w", createErr)
		}

		// A concurrent or delayed cleanup can leave the old named container briefly.
		slog.Warn("Container name conflict during create, retrying",
			"user_id", userID,
			"container_name", containerName,
			"attempt", i+1,
			"error", createErr,
		)

		if inspect, inspectErr := r.cli.ContainerInspect(ctx, containerName); inspectErr == nil {
			if stopErr := r.StopContainer(ctx, inspect.ID); stopErr != nil {
				slog.Warn("Failed to stop conflicting container before retry", "container_id", inspect.ID, "error", stopErr)
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("create container after retries: %w", createErr)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := r.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			slog.Warn("Failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	slog.Info("Container created and started", "container_id", resp.ID, "user_id", userID)
	return resp.ID, nil
}

// Exec runs cmd in the container and demultiplexes its output.
// When ctx ends first the attached stream is closed and ctx.Err is returned.
func (r *DockerRuntime) Exec(ctx context.Context, containerID string, cmd []string, stdout, stderr io.Writer) (int, error) {
	resp, err := r.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
		User:         containerUser,
		WorkingDir:   workingDir,
	})
	if err != nil {
		return -1, fmt.Errorf("create exec in container %s: %w", containerID, err)
	}

	attach, err := r.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return -1, fmt.Errorf("attach to exec %s: %w", resp.ID, err)
	}
	defer attach.Close()

	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		copied <- err
	}()

	select {
	case err := <-copied:
		if err != nil {
			return -1, fmt.Errorf("read exec %s output: %w", resp.ID, err)
		}
	case <-ctx.Done():
		attach.Close()
		return -1, ctx.Err()
	}

	inspect, err := r.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return -1, fmt.Errorf("inspect exec %s: %w", resp.ID, err)
	}
	return inspect.ExitCode, nil
}

// StopContainer stops and removes a container.
// It is idempotent and handles concurrent calls gracefully.
func (r *DockerRuntime) StopContainer(ctx context.Context, containerID string) error {
	slog.Info("Stopping container", "container_id", containerID)

	timeout := stopTimeoutSecs
	if err := r.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already removed", "container_id", containerID)
			return nil
		}
		slog.Debug("Container stop returned error, continuing to remove", "container_id", containerID, "error", err)
	}

	if err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already removed", "container_id", containerID)
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			slog.Debug("Container removal already in progress", "container_id", containerID)
			return nil
		}
		if ctx.Err() != nil {
			slog.Debug("Context canceled during remove, container may still be removed", "container_id", containerID, "error", err)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}

	slog.Info("Container stopped and removed", "container_id", containerID)
	return nil
}

// IsRunning checks if a container is currently running.
func (r *DockerRuntime) IsRunning(ctx context.Context, containerID string) (bool, error) {
	inspect, err := r.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect container %s: %w", containerID, err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

// RemoveOrphans removes evaluation containers left behind by a previous
// process. Shell state does not survive a restart, so none are reused.
func (r *DockerRuntime) RemoveOrphans(ctx context.Context) (int, error) {
	list, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", userLabel)),
	})
	if err != nil {
		return 0, fmt.Errorf("list evaluation containers: %w", err)
	}

	removed := 0
	for _, c := range list {
		if err := r.StopContainer(ctx, c.ID); err != nil {
			slog.Warn("Failed to remove orphaned container", "container_id", c.ID, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Close releases the Docker client.
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

func ptr[T any](v T) *T {
	return &v
}
