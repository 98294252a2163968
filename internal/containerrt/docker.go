// Package containerrt: Docker implementation.
package containerrt

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/ajaxzhan/omcp-sandbox/internal/logging"
	"github.com/ajaxzhan/omcp-sandbox/pkg/types"
	"github.com/docker/docker/api/types/container"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// Config holds the connection-level configuration for the Docker runtime.
type Config struct {
	// DockerHost overrides the Docker daemon socket address; empty uses
	// DOCKER_HOST from the environment or the default local socket.
	DockerHost string
}

// DockerRuntime implements Runtime against a real Docker daemon.
type DockerRuntime struct {
	client *client.Client
}

// New creates a DockerRuntime and verifies connectivity with a ping.
func New(cfg Config) (*DockerRuntime, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to connect to Docker daemon: %w", err)
	}

	return &DockerRuntime{client: cli}, nil
}

// Run creates and starts a hardened container per spec, pulling the image
// on first use if it isn't present locally.
func (r *DockerRuntime) Run(ctx context.Context, spec HardeningSpec) (*ContainerInfo, error) {
	containerConfig := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
		User:       spec.User,
		Labels:     spec.Labels,
	}

	hostConfig := &container.HostConfig{
		AutoRemove:     true,
		NetworkMode:    container.NetworkMode(spec.NetworkMode),
		ExtraHosts:     spec.ExtraHosts,
		ReadonlyRootfs: spec.ReadOnlyRootfs,
	}

	if spec.CapDropAll {
		hostConfig.CapDrop = []string{"ALL"}
	}
	if spec.NoNewPrivileges {
		hostConfig.SecurityOpt = append(hostConfig.SecurityOpt, "no-new-privileges")
	}
	if len(spec.Tmpfs) > 0 {
		hostConfig.Tmpfs = spec.Tmpfs
	}

	hostConfig.Resources = container.Resources{}
	if spec.MemoryBytes > 0 {
		hostConfig.Resources.Memory = spec.MemoryBytes
	}
	if spec.CPUQuota > 0 {
		hostConfig.Resources.CPUQuota = spec.CPUQuota
	}
	if spec.CPUPeriod > 0 {
		hostConfig.Resources.CPUPeriod = spec.CPUPeriod
	}
	if spec.PidsLimit > 0 {
		limit := spec.PidsLimit
		hostConfig.Resources.PidsLimit = &limit
	}

	if spec.Bind != nil {
		hostConfig.Mounts = []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: spec.Bind.Source,
				Target: spec.Bind.Target,
				BindOptions: &mount.BindOptions{
					Propagation: mount.PropagationRSlave,
				},
			},
		}
	}

	if spec.GuestPort != "" {
		port, err := nat.NewPort(portProto(spec.GuestPort), portNum(spec.GuestPort))
		if err != nil {
			return nil, fmt.Errorf("invalid guest port %q: %w", spec.GuestPort, err)
		}
		containerConfig.ExposedPorts = nat.PortSet{port: struct{}{}}
		hostConfig.PortBindings = nat.PortMap{port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}}}
	}

	resp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil {
		if strings.Contains(err.Error(), "No such image:") || strings.Contains(err.Error(), "not found") {
			if pullErr := r.pullImageIfNeeded(spec.Image); pullErr == nil {
				resp, err = r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create container: %w", err)
		}
	}

	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		r.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	info := &ContainerInfo{ID: resp.ID}
	if spec.GuestPort != "" {
		hostPort, err := r.discoverHostPort(ctx, resp.ID, spec.GuestPort)
		if err != nil {
			r.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
			return nil, fmt.Errorf("failed to discover evaluator host port: %w", err)
		}
		info.HostPort = hostPort
	}

	return info, nil
}

func (r *DockerRuntime) discoverHostPort(ctx context.Context, containerID, guestPort string) (int, error) {
	inspect, err := r.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return 0, err
	}
	port, err := nat.NewPort(portProto(guestPort), portNum(guestPort))
	if err != nil {
		return 0, err
	}
	bindings, ok := inspect.NetworkSettings.Ports[port]
	if !ok || len(bindings) == 0 {
		return 0, fmt.Errorf("no host binding found for %s", guestPort)
	}
	return strconv.Atoi(bindings[0].HostPort)
}

func portProto(guestPort string) string {
	parts := strings.SplitN(guestPort, "/", 2)
	if len(parts) == 2 {
		return parts[1]
	}
	return "tcp"
}

func portNum(guestPort string) string {
	parts := strings.SplitN(guestPort, "/", 2)
	return parts[0]
}

func (r *DockerRuntime) pullImageIfNeeded(image string) error {
	if image == "" {
		return fmt.Errorf("image is empty")
	}

	pullCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	reader, err := r.client.ImagePull(pullCtx, image, imagetypes.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, _ = io.Copy(io.Discard, reader)
	return nil
}

// Stop stops a running container, logging but not failing if it's already
// gone (matches close_session's idempotent-against-races requirement).
func (r *DockerRuntime) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	seconds := int(grace.Seconds())
	if err := r.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds}); err != nil {
		logging.Warn("failed to stop container",
			logging.String("container_id", containerID),
			logging.Err(err),
		)
	}
	return nil
}

// Remove force-removes a container and its volumes.
func (r *DockerRuntime) Remove(ctx context.Context, containerID string) error {
	if err := r.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		logging.Warn("failed to remove container",
			logging.String("container_id", containerID),
			logging.Err(err),
		)
	}
	return nil
}

// Exec runs argv (never a shell string) inside containerID, enforcing
// timeout as a wall-clock deadline on the round trip.
func (r *DockerRuntime) Exec(ctx context.Context, containerID string, argv []string, timeout time.Duration) (*types.ExecOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	execConfig := container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	}

	execResp, err := r.client.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return nil, types.NewRetryableError(types.CodeTransportError, "failed to create exec").WithDetails(map[string]interface{}{"reason": err.Error()})
	}

	attachResp, err := r.client.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, types.NewRetryableError(types.CodeTransportError, "failed to attach to exec").WithDetails(map[string]interface{}{"reason": err.Error()})
	}
	defer attachResp.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	_, copyErr := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, attachResp.Reader)
	if copyErr != nil && copyErr != io.EOF && ctx.Err() == context.DeadlineExceeded {
		return nil, types.NewSandboxError(types.CodeExecutionTimeout, "execution timed out")
	}
	if ctx.Err() == context.DeadlineExceeded {
		return nil, types.NewSandboxError(types.CodeExecutionTimeout, "execution timed out")
	}

	inspectResp, err := r.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, types.NewRetryableError(types.CodeTransportError, "failed to inspect exec").WithDetails(map[string]interface{}{"reason": err.Error()})
	}

	return &types.ExecOutcome{
		Output:      stdoutBuf.String() + stderrBuf.String(),
		ExitCode:    inspectResp.ExitCode,
		ElapsedSecs: time.Since(start).Seconds(),
	}, nil
}

// GetArchive fetches a tar stream rooted at path inside the container.
func (r *DockerRuntime) GetArchive(ctx context.Context, containerID, path string) (io.ReadCloser, error) {
	rc, _, err := r.client.CopyFromContainer(ctx, containerID, path)
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// PutArchive extracts the tar stream r into path inside the container.
func (r *DockerRuntime) PutArchive(ctx context.Context, containerID, path string, rdr io.Reader) error {
	return r.client.CopyToContainer(ctx, containerID, path, rdr, container.CopyToContainerOptions{})
}

// Close releases the underlying Docker client.
func (r *DockerRuntime) Close() error {
	return r.client.Close()
}

var _ Runtime = (*DockerRuntime)(nil)
