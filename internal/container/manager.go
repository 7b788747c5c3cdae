// Package container provides Docker container management for agent session targets.
package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	// Container configuration.
	DefaultImage    = "shsh-pilot-target:latest"
	DefaultUser     = "1000"
	DefaultShell    = "/bin/bash"
	workingDir      = "/home/pilot/work"
	mountPath       = "/home/pilot/work"
	stopTimeoutSecs = 10

	// Resource limits.
	memoryLimitBytes = 512 * 1024 * 1024 // 512MB
	cpuQuota         = 50000             // 0.5 CPU
	pidsLimit        = 256

	// Exec defaults.
	defaultCols = 80
	defaultRows = 24

	// Restart grace period for stopped containers.
	restartGracePeriod = 60 * time.Minute

	// Target network configuration.
	targetNetwork = "shsh-pilot"
	targetSubnet  = "172.29.0.0/16"

	createRetryAttempts = 20
	createRetryDelay    = 250 * time.Millisecond
)

// Manager defines the interface for managing session target containers.
type Manager interface {
	// EnsureContainer ensures a container exists and is running for a session.
	EnsureContainer(ctx context.Context, sessionID string, currentContainerID string, lastSeenAt time.Time, env map[string]string) (string, error)

	// StopContainer stops and removes a container.
	StopContainer(ctx context.Context, containerID string) error

	// IsRunning checks if a container is currently running.
	IsRunning(ctx context.Context, containerID string) (bool, error)

	// RunCommand runs a shell command to completion and captures its output.
	RunCommand(ctx context.Context, req RunRequest) (RunResult, error)

	// CreateExecSession creates a new interactive exec session in a running container.
	CreateExecSession(ctx context.Context, containerID, shell, user string) (string, io.ReadWriteCloser, error)

	// ResizeExecSession resizes a running exec session.
	ResizeExecSession(ctx context.Context, execID string, cols, rows uint) error

	// EnsureNetwork creates the custom bridge network if it doesn't exist.
	EnsureNetwork(ctx context.Context) (string, error)
}

// RunRequest describes one batch command.
type RunRequest struct {
	ContainerID string
	Command     string
	Shell       string
	User        string
}

// RunResult is the captured outcome of a batch command. Output holds
// stdout followed by stderr.
type RunResult struct {
	Output   string
	ExitCode int
}

// Options configures a DockerManager.
type Options struct {
	// Runtime is "" for the default runtime (runc) or "runsc" for gVisor.
	Runtime string
	Image   string
	Logger  *slog.Logger
}

// DockerManager implements Manager using the Docker API.
type DockerManager struct {
	cli     *client.Client
	runtime string
	image   string
	logger  *slog.Logger
}

// NewDockerManager creates a new Docker-backed container manager.
func NewDockerManager(opts Options) (*DockerManager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	image := opts.Image
	if image == "" {
		image = DefaultImage
	}
	runtime := opts.Runtime
	if runtime == "" {
		logger.Info("Docker client initialized", "runtime", "default", "image", image)
	} else {
		logger.Info("Docker client initialized", "runtime", runtime, "image", image)
	}
	return &DockerManager{cli: cli, runtime: runtime, image: image, logger: logger}, nil
}

// Close releases the Docker client.
func (m *DockerManager) Close() error {
	return m.cli.Close()
}

// EnsureContainer ensures a container exists and is running for a session.
func (m *DockerManager) EnsureContainer(ctx context.Context, sessionID string, currentContainerID string, lastSeenAt time.Time, env map[string]string) (string, error) {
	containerName := ContainerName(sessionID)
	volumeName := containerName + "-data"

	inspect, err := m.cli.ContainerInspect(ctx, containerName)
	if err == nil {
		// A named container the store no longer points at is stale.
		if currentContainerID == "" {
			m.logger.Info("Found unbound container, recreating",
				"container_id", inspect.ID,
				"session_id", sessionID,
			)
			if err := m.StopContainer(ctx, inspect.ID); err != nil {
				m.logger.Warn("Failed to stop unbound container before recreation", "error", err, "container_id", inspect.ID)
			}
		} else {
			if inspect.State.Running {
				m.logger.Info("Container already running", "container_id", inspect.ID, "session_id", sessionID)
				return inspect.ID, nil
			}

			if time.Since(lastSeenAt) < restartGracePeriod {
				m.logger.Info("Restarting stopped container", "container_id", inspect.ID, "session_id", sessionID)
				if err := m.cli.ContainerStart(ctx, inspect.ID, container.StartOptions{}); err != nil {
					return "", fmt.Errorf("restart container %s: %w", inspect.ID, err)
				}
				return inspect.ID, nil
			}

			m.logger.Info("Container expired, recreating", "container_id", inspect.ID, "session_id", sessionID)
			if err := m.StopContainer(ctx, inspect.ID); err != nil {
				m.logger.Warn("Failed to stop container before recreation", "error", err, "container_id", inspect.ID)
			}
		}
	} else if !errdefs.IsNotFound(err) {
		return "", fmt.Errorf("inspect container %s: %w", containerName, err)
	}

	m.logger.Info("Creating new container", "session_id", sessionID, "volume", volumeName)

	config := &container.Config{
		Image:      m.image,
		User:       DefaultUser,
		WorkingDir: workingDir,
		Tty:        true,
		Env:        envList(env),
		Labels:     map[string]string{"shsh-pilot.session": sessionID},
	}

	hostConfig := &container.HostConfig{
		Runtime:     m.runtime,
		NetworkMode: container.NetworkMode(targetNetwork),
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: volumeName,
			Target: mountPath,
		}},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
		DNS: []string{"8.8.8.8", "8.8.4.4"},
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = m.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, containerName)
		if createErr == nil {
			break
		}
		if !isNameConflict(createErr) {
			return "", fmt.Errorf("create container: %w", createErr)
		}

		// A delayed cleanup can leave the old named container briefly.
		m.logger.Warn("Container name conflict during create, retrying",
			"session_id", sessionID,
			"container_name", containerName,
			"attempt", i+1,
			"error", createErr,
		)
		if inspect, inspectErr := m.cli.ContainerInspect(ctx, containerName); inspectErr == nil {
			if stopErr := m.StopContainer(ctx, inspect.ID); stopErr != nil {
				m.logger.Warn("Failed to stop conflicting container before retry", "container_id", inspect.ID, "error", stopErr)
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

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			m.logger.Warn("Failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	// gVisor netstack often fails against Docker's embedded DNS (127.0.0.11).
	if m.runtime == "runsc" {
		if err := m.fixDNS(ctx, resp.ID); err != nil {
			m.logger.Warn("Failed to apply DNS fix", "error", err, "container_id", resp.ID)
		}
	}

	m.logger.Info("Container created and started", "container_id", resp.ID, "session_id", sessionID)
	return resp.ID, nil
}

func (m *DockerManager) fixDNS(ctx context.Context, containerID string) error {
	res, err := m.RunCommand(ctx, RunRequest{
		ContainerID: containerID,
		Command:     "echo 'nameserver 8.8.8.8' > /etc/resolv.conf && echo 'nameserver 8.8.4.4' >> /etc/resolv.conf",
		Shell:       "sh",
		User:        "root",
	})
	if err != nil {
		return fmt.Errorf("dns fix: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("dns fix command failed with exit code %d", res.ExitCode)
	}
	return nil
}

// StopContainer stops and removes a container.
// It is idempotent and handles concurrent calls gracefully.
func (m *DockerManager) StopContainer(ctx context.Context, containerID string) error {
	m.logger.Info("Stopping container", "container_id", containerID)

	if _, err := m.cli.ContainerInspect(ctx, containerID); err != nil {
		if errdefs.IsNotFound(err) {
			m.logger.Debug("Container already removed", "container_id", containerID)
			return nil
		}
		return fmt.Errorf("inspect container %s: %w", containerID, err)
	}

	timeout := stopTimeoutSecs
	if err := m.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		switch {
		case errdefs.IsNotFound(err):
			m.logger.Debug("Container already stopped/removed", "container_id", containerID)
		case ctx.Err() != nil:
			m.logger.Debug("Context canceled during stop, continuing with force removal", "container_id", containerID)
		default:
			m.logger.Debug("Container stop returned error, continuing to remove", "container_id", containerID, "error", err)
		}
	}

	if err := m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			m.logger.Debug("Container already removed", "container_id", containerID)
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			m.logger.Debug("Container removal already in progress", "container_id", containerID)
			return nil
		}
		if ctx.Err() != nil {
			m.logger.Debug("Context canceled during remove, container may still be removed", "container_id", containerID, "error", err)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}

	m.logger.Info("Container stopped and removed", "container_id", containerID)
	return nil
}

// IsRunning checks if a container is currently running.
func (m *DockerManager) IsRunning(ctx context.Context, containerID string) (bool, error) {
	inspect, err := m.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect container %s: %w", containerID, err)
	}
	return inspect.State.Running, nil
}

// RunCommand runs req.Command through the shell without a TTY, waits for
// it to exit and returns its demultiplexed output and exit code.
func (m *DockerManager) RunCommand(ctx context.Context, req RunRequest) (RunResult, error) {
	execConfig := container.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          shellCommand(req.Shell, req.Command),
		User:         orDefault(req.User, DefaultUser),
		WorkingDir:   workingDir,
	}

	resp, err := m.cli.ContainerExecCreate(ctx, req.ContainerID, execConfig)
	if err != nil {
		return RunResult{}, fmt.Errorf("create exec in container %s: %w", req.ContainerID, err)
	}

	attachResp, err := m.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return RunResult{}, fmt.Errorf("attach exec %s: %w", resp.ID, err)
	}
	defer attachResp.Close()

	// The hijacked connection ignores ctx, so close it on cancellation.
	stop := context.AfterFunc(ctx, attachResp.Close)
	defer stop()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader); err != nil {
		if ctx.Err() != nil {
			return RunResult{}, ctx.Err()
		}
		return RunResult{}, fmt.Errorf("read exec %s output: %w", resp.ID, err)
	}

	inspect, err := m.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return RunResult{}, fmt.Errorf("inspect exec %s: %w", resp.ID, err)
	}

	return RunResult{
		Output:   joinStreams(stdout.String(), stderr.String()),
		ExitCode: inspect.ExitCode,
	}, nil
}

// CreateExecSession creates a new interactive exec session in a running container.
func (m *DockerManager) CreateExecSession(ctx context.Context, containerID, shell, user string) (string, io.ReadWriteCloser, error) {
	execConfig := container.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Cmd:          []string{orDefault(shell, DefaultShell)},
		User:         orDefault(user, DefaultUser),
		ConsoleSize:  &[2]uint{defaultRows, defaultCols},
	}

	resp, err := m.cli.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return "", nil, fmt.Errorf("create exec session in container %s: %w", containerID, err)
	}

	attachResp, err := m.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{Tty: true})
	if err != nil {
		return "", nil, fmt.Errorf("attach to exec session %s: %w", resp.ID, err)
	}

	m.logger.Info("Exec session created", "exec_id", resp.ID, "container_id", containerID)
	return resp.ID, attachResp.Conn, nil
}

// ResizeExecSession resizes a running exec session.
func (m *DockerManager) ResizeExecSession(ctx context.Context, execID string, cols, rows uint) error {
	if err := m.cli.ContainerExecResize(ctx, execID, container.ResizeOptions{
		Height: rows,
		Width:  cols,
	}); err != nil {
		return fmt.Errorf("resize exec session %s to %dx%d: %w", execID, cols, rows, err)
	}
	return nil
}

// EnsureNetwork creates the custom bridge network if it doesn't exist.
func (m *DockerManager) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := m.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}

	for _, nw := range networks {
		if nw.Name == targetNetwork {
			m.logger.Info("Target network already exists", "network_id", nw.ID)
			return nw.ID, nil
		}
	}

	createResp, err := m.cli.NetworkCreate(ctx, targetNetwork, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: targetSubnet}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", targetNetwork, err)
	}

	m.logger.Info("Target network created", "network_id", createResp.ID, "subnet", targetSubnet)
	return createResp.ID, nil
}

// ContainerName derives a Docker-safe container name from a session id.
func ContainerName(sessionID string) string {
	var b strings.Builder
	b.WriteString("pilot-")
	for _, r := range sessionID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

func shellCommand(shell, command string) []string {
	return []string{orDefault(shell, DefaultShell), "-lc", command}
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(out)
	return out
}

func joinStreams(stdout, stderr string) string {
	switch {
	case stderr == "":
		return stdout
	case stdout == "":
		return stderr
	case strings.HasSuffix(stdout, "\n"):
		return stdout + stderr
	default:
		return stdout + "\n" + stderr
	}
}

func isNameConflict(err error) bool {
	if errdefs.IsConflict(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "is already in use") || strings.Contains(msg, "conflict")
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func ptr[T any](v T) *T {
	return &v
}

var _ Manager = (*DockerManager)(nil)
