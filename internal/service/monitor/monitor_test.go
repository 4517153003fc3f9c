package monitor

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/hunvreus/devpush/internal/docker"
	"github.com/hunvreus/devpush/internal/domain"
	"github.com/hunvreus/devpush/internal/repository"
	"github.com/hunvreus/devpush/pkg/config"
)

func TestTickFailsTimedOutDeployment(t *testing.T) {
	created := time.Now().UTC().Add(-10 * time.Minute)
	repo := &fakeDeploymentRepo{awaiting: []domain.Deployment{
		deployDeployment("dep-1", "cont-1", created),
	}}
	lc := &fakeLifecycle{}
	m := newTestMonitor(repo, &fakeProbeRuntime{}, lc)

	m.Tick(context.Background())

	if len(lc.failed) != 1 {
		t.Fatalf("expected one failure, got %+v", lc.failed)
	}
	if lc.failed[0].reason != "timed out waiting for readiness" {
		t.Fatalf("unexpected reason %q", lc.failed[0].reason)
	}
	if lc.failed[0].stage != domain.StatusDeploy {
		t.Fatalf("expected deploy stage, got %q", lc.failed[0].stage)
	}
}

func TestTickFailsOOMKilledContainer(t *testing.T) {
	repo := &fakeDeploymentRepo{awaiting: []domain.Deployment{
		deployDeployment("dep-1", "cont-1", time.Now().UTC()),
	}}
	probe := &fakeProbeRuntime{states: map[string]docker.ContainerState{
		"cont-1": {ID: "cont-1", Status: "exited", ExitCode: 137},
	}}
	lc := &fakeLifecycle{}
	m := newTestMonitor(repo, probe, lc)

	m.Tick(context.Background())

	if len(lc.failed) != 1 || lc.failed[0].reason != "killed, likely out-of-memory" {
		t.Fatalf("expected out-of-memory failure, got %+v", lc.failed)
	}
}

func TestTickFailsCleanExitAsUnexpected(t *testing.T) {
	repo := &fakeDeploymentRepo{awaiting: []domain.Deployment{
		deployDeployment("dep-1", "cont-1", time.Now().UTC()),
	}}
	probe := &fakeProbeRuntime{states: map[string]docker.ContainerState{
		"cont-1": {ID: "cont-1", Status: "exited", ExitCode: 0},
	}}
	lc := &fakeLifecycle{}
	m := newTestMonitor(repo, probe, lc)

	m.Tick(context.Background())

	if len(lc.failed) != 1 || lc.failed[0].reason != "exited unexpectedly, expected long-running process" {
		t.Fatalf("expected clean-exit failure, got %+v", lc.failed)
	}
}

func TestTickReportsNonZeroExitCode(t *testing.T) {
	repo := &fakeDeploymentRepo{awaiting: []domain.Deployment{
		deployDeployment("dep-1", "cont-1", time.Now().UTC()),
	}}
	probe := &fakeProbeRuntime{states: map[string]docker.ContainerState{
		"cont-1": {ID: "cont-1", Status: "dead", ExitCode: 2},
	}}
	lc := &fakeLifecycle{}
	m := newTestMonitor(repo, probe, lc)

	m.Tick(context.Background())

	if len(lc.failed) != 1 || lc.failed[0].reason != "exited with code 2" {
		t.Fatalf("expected exit-code failure, got %+v", lc.failed)
	}
}

func TestTickFailsVanishedContainer(t *testing.T) {
	repo := &fakeDeploymentRepo{awaiting: []domain.Deployment{
		deployDeployment("dep-1", "cont-1", time.Now().UTC()),
	}}
	probe := &fakeProbeRuntime{inspectErr: docker.ErrNotFound}
	lc := &fakeLifecycle{}
	m := newTestMonitor(repo, probe, lc)

	m.Tick(context.Background())

	if len(lc.failed) != 1 || lc.failed[0].reason != "container disappeared before becoming ready" {
		t.Fatalf("expected disappearance failure, got %+v", lc.failed)
	}
}

func TestTickFinalizesWhenAppAnswers(t *testing.T) {
	// Any HTTP response counts as ready, error statuses included.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	host, port := splitHostPort(t, srv.Listener.Addr().String())

	repo := &fakeDeploymentRepo{awaiting: []domain.Deployment{
		deployDeployment("dep-1", "cont-1", time.Now().UTC()),
	}}
	probe := &fakeProbeRuntime{
		states:      map[string]docker.ContainerState{"cont-1": {ID: "cont-1", Status: "running"}},
		probeID:     "probe-1",
		containerIP: host,
	}
	lc := &fakeLifecycle{}
	m := newTestMonitor(repo, probe, lc)
	m.cfg.AppPort = port

	m.Tick(context.Background())

	if len(lc.finalized) != 1 || lc.finalized[0] != "dep-1" {
		t.Fatalf("expected dep-1 finalized, got %v", lc.finalized)
	}
	if len(lc.failed) != 0 {
		t.Fatalf("expected no failures, got %+v", lc.failed)
	}
	if len(probe.connected) == 0 || probe.connected[0] != "devpush_workspace_env-prod" {
		t.Fatalf("expected probe attached to workspace network, got %v", probe.connected)
	}
}

func TestTickLeavesStartingAppAlone(t *testing.T) {
	// Grab a port with nothing listening so the probe gets connection refused.
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, port := splitHostPort(t, lis.Addr().String())
	lis.Close()

	repo := &fakeDeploymentRepo{awaiting: []domain.Deployment{
		deployDeployment("dep-1", "cont-1", time.Now().UTC()),
	}}
	probe := &fakeProbeRuntime{
		states:      map[string]docker.ContainerState{"cont-1": {ID: "cont-1", Status: "running"}},
		probeID:     "probe-1",
		containerIP: host,
	}
	lc := &fakeLifecycle{}
	m := newTestMonitor(repo, probe, lc)
	m.cfg.AppPort = port

	m.Tick(context.Background())

	if len(lc.finalized) != 0 || len(lc.failed) != 0 {
		t.Fatalf("expected deployment left alone, got finalized=%v failed=%+v", lc.finalized, lc.failed)
	}
}

func TestTickFailsDeploymentStalledInPrepare(t *testing.T) {
	stalled := domain.Deployment{
		ID:        "dep-stuck",
		ProjectID: "proj-1",
		Status:    domain.StatusPrepare,
		CreatedAt: time.Now().UTC().Add(-10 * time.Minute),
	}
	fresh := domain.Deployment{
		ID:        "dep-fresh",
		ProjectID: "proj-1",
		Status:    domain.StatusPrepare,
		CreatedAt: time.Now().UTC(),
	}
	repo := &fakeDeploymentRepo{inFlight: []domain.Deployment{stalled, fresh}}
	lc := &fakeLifecycle{}
	m := newTestMonitor(repo, &fakeProbeRuntime{}, lc)

	m.Tick(context.Background())

	if len(lc.failed) != 1 {
		t.Fatalf("expected exactly the stalled deployment failed, got %+v", lc.failed)
	}
	if lc.failed[0].deploymentID != "dep-stuck" {
		t.Fatalf("expected dep-stuck failed, got %q", lc.failed[0].deploymentID)
	}
	if lc.failed[0].stage != domain.StatusPrepare {
		t.Fatalf("expected prepare stage, got %q", lc.failed[0].stage)
	}
	if lc.failed[0].reason != "timed out before container start" {
		t.Fatalf("unexpected reason %q", lc.failed[0].reason)
	}
}

func TestTickFailsStalledDeployWithoutRunningContainer(t *testing.T) {
	stalled := domain.Deployment{
		ID:              "dep-lost",
		ProjectID:       "proj-1",
		Status:          domain.StatusDeploy,
		ContainerStatus: domain.ContainerStopped,
		CreatedAt:       time.Now().UTC().Add(-10 * time.Minute),
	}
	running := domain.Deployment{
		ID:              "dep-live",
		ProjectID:       "proj-1",
		Status:          domain.StatusDeploy,
		ContainerStatus: domain.ContainerRunning,
		CreatedAt:       time.Now().UTC().Add(-10 * time.Minute),
	}
	repo := &fakeDeploymentRepo{inFlight: []domain.Deployment{stalled, running}}
	lc := &fakeLifecycle{}
	m := newTestMonitor(repo, &fakeProbeRuntime{}, lc)

	m.Tick(context.Background())

	if len(lc.failed) != 1 || lc.failed[0].deploymentID != "dep-lost" {
		t.Fatalf("expected only dep-lost failed, got %+v", lc.failed)
	}
	if lc.failed[0].stage != domain.StatusDeploy {
		t.Fatalf("expected deploy stage, got %q", lc.failed[0].stage)
	}
}

func TestProbeGuardRejectsConcurrentProbes(t *testing.T) {
	m := newTestMonitor(&fakeDeploymentRepo{}, &fakeProbeRuntime{}, &fakeLifecycle{})

	if !m.beginProbe("dep-1") {
		t.Fatal("expected first probe claim to succeed")
	}
	if m.beginProbe("dep-1") {
		t.Fatal("expected second probe claim to be rejected")
	}
	m.endProbe("dep-1")
	if !m.beginProbe("dep-1") {
		t.Fatal("expected probe claim to succeed after release")
	}
}

func TestTickSweepsEmptyWorkspaceNetworks(t *testing.T) {
	probe := &fakeProbeRuntime{
		networks: []string{"devpush_workspace_env-old", "devpush_workspace_env-live"},
		live:     map[string]bool{"devpush_workspace_env-live": true},
	}
	m := newTestMonitor(&fakeDeploymentRepo{}, probe, &fakeLifecycle{})

	m.Tick(context.Background())

	if len(probe.removedNetworks) != 1 || probe.removedNetworks[0] != "devpush_workspace_env-old" {
		t.Fatalf("expected only the empty network removed, got %v", probe.removedNetworks)
	}
}

func newTestMonitor(repo repository.DeploymentRepository, probe probeRuntime, lc lifecycle) *Monitor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Monitor{
		deployments: repo,
		docker:      probe,
		deploy:      lc,
		client:      &http.Client{Timeout: time.Second},
		logger:      logger,
		cfg: config.EngineConfig{
			AppPort:                8000,
			DeploymentTimeout:      5 * time.Minute,
			MonitorInterval:        time.Second,
			WorkspaceNetworkPrefix: "devpush_workspace_",
			ProbeService:           "worker-monitor",
		},
		now:     time.Now,
		probing: make(map[string]struct{}),
	}
}

func deployDeployment(id, containerID string, created time.Time) domain.Deployment {
	return domain.Deployment{
		ID:              id,
		ProjectID:       "proj-1",
		EnvironmentID:   "env-prod",
		Status:          domain.StatusDeploy,
		ContainerID:     containerID,
		ContainerStatus: domain.ContainerRunning,
		CreatedAt:       created,
	}
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split addr %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port %q: %v", portStr, err)
	}
	return host, port
}

type failCall struct {
	deploymentID string
	stage        string
	reason       string
}

type fakeLifecycle struct {
	finalized []string
	failed    []failCall
}

func (f *fakeLifecycle) Finalize(_ context.Context, deploymentID string) error {
	f.finalized = append(f.finalized, deploymentID)
	return nil
}

func (f *fakeLifecycle) Fail(_ context.Context, deploymentID, stage, reason string) error {
	f.failed = append(f.failed, failCall{deploymentID: deploymentID, stage: stage, reason: reason})
	return nil
}

type fakeProbeRuntime struct {
	states          map[string]docker.ContainerState
	inspectErr      error
	probeID         string
	containerIP     string
	connected       []string
	networks        []string
	live            map[string]bool
	removedNetworks []string
}

func (f *fakeProbeRuntime) Inspect(_ context.Context, containerID string) (docker.ContainerState, error) {
	if f.inspectErr != nil {
		return docker.ContainerState{}, f.inspectErr
	}
	state, ok := f.states[containerID]
	if !ok {
		return docker.ContainerState{}, docker.ErrNotFound
	}
	return state, nil
}

func (f *fakeProbeRuntime) FindContainerByName(context.Context, string) (string, error) {
	return f.probeID, nil
}

func (f *fakeProbeRuntime) ConnectNetwork(_ context.Context, networkName, _ string) error {
	f.connected = append(f.connected, networkName)
	return nil
}

func (f *fakeProbeRuntime) ContainerIPOnNetwork(context.Context, string, string) (string, error) {
	if f.containerIP == "" {
		return "", docker.ErrNotFound
	}
	return f.containerIP, nil
}

func (f *fakeProbeRuntime) HasLiveDeployments(_ context.Context, networkName, _ string) (bool, error) {
	return f.live[networkName], nil
}

func (f *fakeProbeRuntime) RemoveNetworkIfUnused(_ context.Context, networkName, _ string) error {
	f.removedNetworks = append(f.removedNetworks, networkName)
	return nil
}

func (f *fakeProbeRuntime) ListNetworksByPrefix(context.Context, string) ([]string, error) {
	return f.networks, nil
}

type fakeDeploymentRepo struct {
	awaiting []domain.Deployment
	inFlight []domain.Deployment
}

func (f *fakeDeploymentRepo) CreateDeployment(context.Context, *domain.Deployment) error { return nil }

func (f *fakeDeploymentRepo) GetDeploymentByID(context.Context, string) (*domain.Deployment, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeDeploymentRepo) UpdateDeploymentStatus(context.Context, domain.DeploymentStatusUpdate) error {
	return nil
}

func (f *fakeDeploymentRepo) UpdateDeploymentObserved(context.Context, domain.ObservedUpdate) error {
	return nil
}

func (f *fakeDeploymentRepo) ListDeploymentsByProject(context.Context, string, int) ([]domain.Deployment, error) {
	return nil, nil
}

func (f *fakeDeploymentRepo) ListConcludedWithContainers(context.Context, int) ([]domain.Deployment, error) {
	return nil, nil
}

func (f *fakeDeploymentRepo) ListReconcilable(context.Context, int) ([]domain.Deployment, error) {
	return nil, nil
}

func (f *fakeDeploymentRepo) ListInFlightCreatedBefore(_ context.Context, cutoff time.Time) ([]domain.Deployment, error) {
	var out []domain.Deployment
	for _, d := range f.inFlight {
		if d.CreatedAt.Before(cutoff) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeDeploymentRepo) ListAwaitingReadiness(context.Context) ([]domain.Deployment, error) {
	return f.awaiting, nil
}

func (f *fakeDeploymentRepo) ListInFlightByEnvironment(context.Context, string, string) ([]domain.Deployment, error) {
	return nil, nil
}
