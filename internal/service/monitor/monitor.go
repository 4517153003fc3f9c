package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hunvreus/devpush/internal/docker"
	"github.com/hunvreus/devpush/internal/domain"
	"github.com/hunvreus/devpush/internal/repository"
	"github.com/hunvreus/devpush/pkg/config"
)

// lifecycle is the slice of the deployment coordinator the monitor drives.
type lifecycle interface {
	Finalize(ctx context.Context, deploymentID string) error
	Fail(ctx context.Context, deploymentID, stage, reason string) error
}

// probeRuntime is the slice of the container driver the monitor uses.
type probeRuntime interface {
	Inspect(ctx context.Context, containerID string) (docker.ContainerState, error)
	FindContainerByName(ctx context.Context, fragment string) (string, error)
	ConnectNetwork(ctx context.Context, networkName, containerID string) error
	ContainerIPOnNetwork(ctx context.Context, containerID, networkName string) (string, error)
	HasLiveDeployments(ctx context.Context, networkName, probeService string) (bool, error)
	RemoveNetworkIfUnused(ctx context.Context, networkName, probeService string) error
	ListNetworksByPrefix(ctx context.Context, prefix string) ([]string, error)
}

// Monitor polls deploy-stage deployments until their application answers on
// the app port, then hands them to finalize. Exactly one Monitor instance
// is assumed per installation: the probe guard below is process-local and
// does not coordinate across instances.
type Monitor struct {
	deployments repository.DeploymentRepository
	docker      probeRuntime
	deploy      lifecycle
	client      *http.Client
	logger      *slog.Logger
	cfg         config.EngineConfig
	now         func() time.Time

	mu      sync.Mutex
	probing map[string]struct{}
}

// New returns a readiness monitor.
func New(deployments repository.DeploymentRepository, dockerClient probeRuntime, deploy lifecycle, logger *slog.Logger, cfg config.EngineConfig) *Monitor {
	return &Monitor{
		deployments: deployments,
		docker:      dockerClient,
		deploy:      deploy,
		client:      &http.Client{Timeout: 3 * time.Second},
		logger:      logger.With("component", "monitor"),
		cfg:         cfg,
		now:         time.Now,
		probing:     make(map[string]struct{}),
	}
}

// Run drives the poll loop until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()

	m.logger.Info("monitor started", "interval", m.cfg.MonitorInterval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopped")
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one monitoring pass. Exported so tests and targeted operations
// can drive passes directly.
func (m *Monitor) Tick(ctx context.Context) {
	candidates, err := m.deployments.ListAwaitingReadiness(ctx)
	if err != nil {
		m.logger.Error("list candidates failed", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, d := range candidates {
		if !m.beginProbe(d.ID) {
			// A probe from an earlier tick is still in flight.
			continue
		}
		wg.Add(1)
		deployment := d
		go func() {
			defer wg.Done()
			defer m.endProbe(deployment.ID)
			m.check(ctx, &deployment)
		}()
	}
	wg.Wait()

	m.sweepStalled(ctx)
	m.sweepNetworks(ctx)
}

// sweepStalled fails in-flight deployments that ran out the deployment
// timeout without ever entering the readiness working set: stuck in
// prepare because their start job was lost, or in deploy with a container
// no longer tracked as running. Deployments the probe loop handles are
// skipped; their timeout is enforced in check.
func (m *Monitor) sweepStalled(ctx context.Context) {
	cutoff := m.now().UTC().Add(-m.cfg.DeploymentTimeout)
	stalled, err := m.deployments.ListInFlightCreatedBefore(ctx, cutoff)
	if err != nil {
		m.logger.Warn("stalled sweep list failed", "error", err)
		return
	}
	for _, d := range stalled {
		switch {
		case d.Status == domain.StatusPrepare:
			if err := m.deploy.Fail(ctx, d.ID, domain.StatusPrepare, "timed out before container start"); err != nil {
				m.logger.Error("fail transition failed", "deployment_id", d.ID, "error", err)
			}
		case d.Status == domain.StatusDeploy && d.ContainerStatus != domain.ContainerRunning:
			m.fail(ctx, d.ID, "timed out waiting for readiness")
		}
	}
}

func (m *Monitor) beginProbe(deploymentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.probing[deploymentID]; ok {
		return false
	}
	m.probing[deploymentID] = struct{}{}
	return true
}

func (m *Monitor) endProbe(deploymentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.probing, deploymentID)
}

// check runs the per-deployment decision chain: timeout, container state,
// readiness probe. An unexpected error fails this deployment only; the
// loop keeps going for the rest.
func (m *Monitor) check(ctx context.Context, d *domain.Deployment) {
	// Timeout is evaluated before the container is even inspected.
	if m.now().UTC().Sub(d.CreatedAt) > m.cfg.DeploymentTimeout {
		m.fail(ctx, d.ID, "timed out waiting for readiness")
		return
	}

	state, err := m.docker.Inspect(ctx, d.ContainerID)
	if err != nil {
		if docker.IsNotFound(err) {
			m.fail(ctx, d.ID, "container disappeared before becoming ready")
			return
		}
		m.fail(ctx, d.ID, fmt.Sprintf("container inspect failed: %v", err))
		return
	}

	switch state.Status {
	case "running":
		// fall through to the probe
	case "exited", "dead":
		m.fail(ctx, d.ID, exitReason(state.ExitCode))
		return
	default:
		// created/restarting/paused: not ready yet, try next tick.
		return
	}

	ready, err := m.probe(ctx, d)
	if err != nil {
		m.fail(ctx, d.ID, fmt.Sprintf("readiness probe error: %v", err))
		return
	}
	if !ready {
		return
	}

	m.logger.Info("deployment ready", "deployment_id", d.ID, "container_id", d.ContainerID)
	if err := m.deploy.Finalize(ctx, d.ID); err != nil {
		m.logger.Error("finalize failed", "deployment_id", d.ID, "error", err)
	}
}

// probe attaches the monitor's probe container to the deployment's
// isolation network and issues an HTTP GET against the app port. Any HTTP
// response counts as ready; a connect error only means not ready yet.
func (m *Monitor) probe(ctx context.Context, d *domain.Deployment) (bool, error) {
	networkName := m.cfg.WorkspaceNetworkPrefix + d.EnvironmentID

	probeID, err := m.docker.FindContainerByName(ctx, m.cfg.ProbeService)
	if err != nil {
		return false, fmt.Errorf("locate probe container: %w", err)
	}
	if err := m.docker.ConnectNetwork(ctx, networkName, probeID); err != nil {
		return false, err
	}

	ip, err := m.docker.ContainerIPOnNetwork(ctx, d.ContainerID, networkName)
	if err != nil {
		if docker.IsNotFound(err) {
			return false, fmt.Errorf("container gone during probe")
		}
		// Not attached yet; treat as not ready.
		m.logger.Info("container address not resolvable yet", "deployment_id", d.ID, "network", networkName)
		return false, nil
	}

	url := fmt.Sprintf("http://%s:%d/", ip, m.cfg.AppPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		// Connection refused and friends: the app is still starting.
		return false, nil
	}
	resp.Body.Close()
	return true, nil
}

func (m *Monitor) fail(ctx context.Context, deploymentID, reason string) {
	if err := m.deploy.Fail(ctx, deploymentID, domain.StatusDeploy, reason); err != nil {
		m.logger.Error("fail transition failed", "deployment_id", deploymentID, "error", err)
	}
}

// sweepNetworks detaches the probe from isolation networks that no longer
// carry live deployment containers and removes the empty ones.
func (m *Monitor) sweepNetworks(ctx context.Context) {
	networks, err := m.docker.ListNetworksByPrefix(ctx, m.cfg.WorkspaceNetworkPrefix)
	if err != nil {
		m.logger.Warn("network sweep list failed", "error", err)
		return
	}
	for _, name := range networks {
		live, err := m.docker.HasLiveDeployments(ctx, name, m.cfg.ProbeService)
		if err != nil {
			m.logger.Warn("network liveness check failed", "network", name, "error", err)
			continue
		}
		if live {
			continue
		}
		if err := m.docker.RemoveNetworkIfUnused(ctx, name, m.cfg.ProbeService); err != nil {
			m.logger.Warn("network removal failed", "network", name, "error", err)
			continue
		}
		m.logger.Info("workspace network removed", "network", name)
	}
}

func exitReason(code int) string {
	switch code {
	case 0:
		return "exited unexpectedly, expected long-running process"
	case 137:
		return "killed, likely out-of-memory"
	default:
		return fmt.Sprintf("exited with code %d", code)
	}
}
