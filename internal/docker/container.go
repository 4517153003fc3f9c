package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// Labels applied to every deployment container. The reconciler and the
// cleanup pass rely on DeploymentIDLabel to map containers back to rows.
const (
	DeploymentIDLabel  = "devpush.deployment_id"
	ProjectIDLabel     = "devpush.project_id"
	EnvironmentIDLabel = "devpush.environment_id"
	BranchLabel        = "devpush.branch"
)

// PullOutputCallback is invoked with incremental pull progress lines.
type PullOutputCallback func(string)

// RunSpec describes a deployment container to create and start.
type RunSpec struct {
	Name    string
	Image   string
	Command []string
	Env     []string
	Labels  map[string]string
	// Networks are joined before start. The first carries proxy traffic,
	// the rest are isolation networks.
	Networks []string
	// Mounts are host bind-mounts; Source must be absolute.
	Mounts []MountSpec
	// User is the uid:gid the entrypoint runs as. Empty keeps the image default.
	User string
	// CPUs translates to CpuQuota over a fixed 100ms period. Zero means
	// unlimited.
	CPUs float64
	// MemoryMB caps container memory. Zero means unlimited.
	MemoryMB int
	// AppPort is exposed on the container for the proxy to reach.
	AppPort int
}

// MountSpec is one host bind-mount.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerState is the subset of inspect output the engine acts on.
type ContainerState struct {
	ID         string
	Status     string
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
}

const cpuPeriod = 100000

// PullIfAbsent pulls the image only when the host does not have it yet.
func (c *Client) PullIfAbsent(ctx context.Context, ref string, onOutput PullOutputCallback) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("image ref cannot be empty")
	}
	if _, _, err := c.inner.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect image: %w", err)
	}

	reader, err := c.inner.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	for {
		var msg pullMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("decode pull output: %w", err)
		}
		if strings.TrimSpace(msg.Error) != "" {
			return fmt.Errorf("pull image %s: %s", ref, strings.TrimSpace(msg.Error))
		}
		if line := msg.render(); line != "" && onOutput != nil {
			onOutput(line)
		}
	}
	return nil
}

type pullMessage struct {
	Status   string `json:"status"`
	ID       string `json:"id"`
	Progress string `json:"progress"`
	Error    string `json:"error"`
}

func (m pullMessage) render() string {
	parts := make([]string, 0, 3)
	if strings.TrimSpace(m.ID) != "" {
		parts = append(parts, strings.TrimSpace(m.ID))
	}
	if strings.TrimSpace(m.Status) != "" {
		parts = append(parts, strings.TrimSpace(m.Status))
	}
	if strings.TrimSpace(m.Progress) != "" {
		parts = append(parts, strings.TrimSpace(m.Progress))
	}
	return strings.Join(parts, " ")
}

// CreateAndStart creates the container described by spec and starts it.
// Deployment containers never restart on their own: exits are observed and
// handled by the monitor, not the daemon.
func (c *Client) CreateAndStart(ctx context.Context, spec RunSpec) (string, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}

	appPort, err := nat.NewPort("tcp", fmt.Sprintf("%d", spec.AppPort))
	if err != nil {
		return "", fmt.Errorf("invalid app port %d: %w", spec.AppPort, err)
	}

	config := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Command,
		Env:    spec.Env,
		Labels: spec.Labels,
		User:   spec.User,
		ExposedPorts: nat.PortSet{
			appPort: struct{}{},
		},
	}

	hostCfg := &container.HostConfig{
		SecurityOpt: []string{"no-new-privileges:true"},
		LogConfig: container.LogConfig{
			Type: "json-file",
			Config: map[string]string{
				"max-size": "10m",
				"max-file": "3",
			},
		},
	}
	if spec.CPUs > 0 {
		hostCfg.Resources.CPUQuota = int64(spec.CPUs * cpuPeriod)
		hostCfg.Resources.CPUPeriod = cpuPeriod
	}
	if spec.MemoryMB > 0 {
		hostCfg.Resources.Memory = int64(spec.MemoryMB) * 1024 * 1024
	}
	for _, m := range spec.Mounts {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	created, err := c.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}

	for _, networkName := range spec.Networks {
		if err := c.ConnectNetwork(ctx, networkName, created.ID); err != nil {
			return created.ID, err
		}
	}

	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return created.ID, fmt.Errorf("container start: %w", err)
	}
	return created.ID, nil
}

// Inspect returns the runtime state of one container.
func (c *Client) Inspect(ctx context.Context, containerID string) (ContainerState, error) {
	if strings.TrimSpace(containerID) == "" {
		return ContainerState{}, fmt.Errorf("container id cannot be empty")
	}
	info, err := c.inner.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ContainerState{}, ErrNotFound
		}
		return ContainerState{}, fmt.Errorf("container inspect: %w", err)
	}
	state := ContainerState{ID: info.ID}
	if info.State != nil {
		state.Status = info.State.Status
		state.ExitCode = info.State.ExitCode
		state.StartedAt = parseDockerTime(info.State.StartedAt)
		state.FinishedAt = parseDockerTime(info.State.FinishedAt)
	}
	return state, nil
}

// Stop stops a container, tolerating one that is already gone or stopped.
func (c *Client) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	if strings.TrimSpace(containerID) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	seconds := int(timeout.Seconds())
	if err := c.inner.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("container stop: %w", err)
	}
	return nil
}

// Remove force-removes a container, tolerating one that is already gone.
func (c *Client) Remove(ctx context.Context, containerID string) error {
	if strings.TrimSpace(containerID) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

// ListDeploymentStates returns the state of every container carrying the
// deployment id label, keyed by deployment id. Containers in any state are
// included so the reconciler sees exited and dead ones too.
func (c *Client) ListDeploymentStates(ctx context.Context) (map[string]ContainerState, error) {
	args := filters.NewArgs(filters.Arg("label", DeploymentIDLabel))
	containers, err := c.inner.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list deployment containers: %w", err)
	}

	states := make(map[string]ContainerState, len(containers))
	for _, ct := range containers {
		deploymentID := ct.Labels[DeploymentIDLabel]
		if deploymentID == "" {
			continue
		}
		state, err := c.Inspect(ctx, ct.ID)
		if err != nil {
			// Raced with a removal between list and inspect.
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		states[deploymentID] = state
	}
	return states, nil
}

func parseDockerTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	if t.Year() <= 1 {
		return time.Time{}
	}
	return t
}
