package reconcile

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hunvreus/devpush/internal/docker"
	"github.com/hunvreus/devpush/internal/domain"
	"github.com/hunvreus/devpush/internal/repository"
	"github.com/hunvreus/devpush/pkg/config"
)

func TestReconcileMissingContainerIncrementsCounter(t *testing.T) {
	repo := newFakeDeploymentRepo()
	d := trackedDeployment("dep-1", "cont-1")
	d.ObservedStatus = domain.ObservedRunning
	d.ObservedMissingCount = 2
	repo.add(d)
	pub := &fakeObservedPublisher{}
	r := newTestReconciler(repo, &fakeInventory{}, pub)

	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}

	if len(repo.observed) != 1 {
		t.Fatalf("expected one observed write, got %d", len(repo.observed))
	}
	update := repo.observed[0]
	if update.Status != domain.ObservedNotFound {
		t.Fatalf("expected not_found, got %q", update.Status)
	}
	if update.MissingCount != 3 {
		t.Fatalf("expected missing count 3, got %d", update.MissingCount)
	}
	if update.LastSeenAt != nil {
		t.Fatal("expected last-seen untouched while missing")
	}
	if update.ExitCode != nil {
		t.Fatal("expected no exit code while missing")
	}
	if pub.calls != 1 {
		t.Fatalf("expected one event for the change, got %d", pub.calls)
	}
}

func TestReconcileReappearanceResetsCounter(t *testing.T) {
	repo := newFakeDeploymentRepo()
	d := trackedDeployment("dep-1", "cont-1")
	d.ObservedStatus = domain.ObservedRunning
	d.ObservedMissingCount = 4
	repo.add(d)
	inv := &fakeInventory{states: map[string]docker.ContainerState{
		"dep-1": {ID: "cont-1", Status: "running"},
	}}
	pub := &fakeObservedPublisher{}
	r := newTestReconciler(repo, inv, pub)

	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}

	update := repo.observed[0]
	if update.Status != domain.ObservedRunning || update.MissingCount != 0 {
		t.Fatalf("expected running with counter reset, got %q/%d", update.Status, update.MissingCount)
	}
	if update.LastSeenAt == nil {
		t.Fatal("expected last-seen refreshed on resolution")
	}
	if pub.calls != 1 {
		t.Fatalf("expected one event for the counter reset, got %d", pub.calls)
	}
}

func TestReconcileUnchangedStateWritesButStaysQuiet(t *testing.T) {
	repo := newFakeDeploymentRepo()
	d := trackedDeployment("dep-1", "cont-1")
	d.ObservedStatus = domain.ObservedRunning
	repo.add(d)
	inv := &fakeInventory{states: map[string]docker.ContainerState{
		"dep-1": {ID: "cont-1", Status: "running"},
	}}
	pub := &fakeObservedPublisher{}
	r := newTestReconciler(repo, inv, pub)

	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}

	if len(repo.observed) != 1 {
		t.Fatalf("expected timestamps refreshed with a write, got %d writes", len(repo.observed))
	}
	if pub.calls != 0 {
		t.Fatalf("expected no event for unchanged state, got %d", pub.calls)
	}
}

func TestReconcileRecordsExitCode(t *testing.T) {
	repo := newFakeDeploymentRepo()
	repo.add(trackedDeployment("dep-1", "cont-1"))
	inv := &fakeInventory{states: map[string]docker.ContainerState{
		"dep-1": {ID: "cont-1", Status: "exited", ExitCode: 137},
	}}
	pub := &fakeObservedPublisher{}
	r := newTestReconciler(repo, inv, pub)

	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}

	update := repo.observed[0]
	if update.Status != domain.ObservedExited {
		t.Fatalf("expected exited, got %q", update.Status)
	}
	if update.ExitCode == nil || *update.ExitCode != 137 {
		t.Fatalf("expected exit code 137, got %v", update.ExitCode)
	}
}

func TestReconcileNormalizesUnknownRuntimeStatus(t *testing.T) {
	repo := newFakeDeploymentRepo()
	repo.add(trackedDeployment("dep-1", "cont-1"))
	inv := &fakeInventory{states: map[string]docker.ContainerState{
		"dep-1": {ID: "cont-1", Status: "restarting"},
	}}
	r := newTestReconciler(repo, inv, &fakeObservedPublisher{})

	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}

	update := repo.observed[0]
	if update.Status != domain.ObservedNotFound {
		t.Fatalf("expected unknown status normalized to not_found, got %q", update.Status)
	}
	// The container did resolve, so the missing counter does not advance.
	if update.MissingCount != 0 {
		t.Fatalf("expected missing count 0, got %d", update.MissingCount)
	}
}

func TestReconcileFallsBackToLabelIndexForStaleContainerID(t *testing.T) {
	repo := newFakeDeploymentRepo()
	d := trackedDeployment("dep-1", "cont-stale")
	repo.add(d)
	inv := &fakeInventory{states: map[string]docker.ContainerState{
		"dep-1": {ID: "cont-new", Status: "running"},
	}}
	r := newTestReconciler(repo, inv, &fakeObservedPublisher{})

	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}

	if len(repo.observed) != 1 || repo.observed[0].Status != domain.ObservedRunning {
		t.Fatalf("expected label fallback to resolve the container, got %+v", repo.observed)
	}
}

func TestReconcileSkipsNonCandidates(t *testing.T) {
	repo := newFakeDeploymentRepo()
	d := trackedDeployment("dep-1", "cont-1")
	d.ContainerStatus = domain.ContainerRemoved
	d.ObservedStatus = domain.ObservedNotFound
	repo.add(d)
	r := newTestReconciler(repo, &fakeInventory{}, &fakeObservedPublisher{})

	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if len(repo.observed) != 0 {
		t.Fatalf("expected no writes for removed container, got %+v", repo.observed)
	}
}

func TestReconcileExplicitIDs(t *testing.T) {
	repo := newFakeDeploymentRepo()
	repo.add(trackedDeployment("dep-1", "cont-1"))
	repo.add(trackedDeployment("dep-2", "cont-2"))
	inv := &fakeInventory{states: map[string]docker.ContainerState{
		"dep-1": {ID: "cont-1", Status: "running"},
		"dep-2": {ID: "cont-2", Status: "running"},
	}}
	r := newTestReconciler(repo, inv, &fakeObservedPublisher{})

	if err := r.Reconcile(context.Background(), "dep-2"); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if len(repo.observed) != 1 || repo.observed[0].DeploymentID != "dep-2" {
		t.Fatalf("expected only dep-2 reconciled, got %+v", repo.observed)
	}
}

func newTestReconciler(repo *fakeDeploymentRepo, inv *fakeInventory, pub *fakeObservedPublisher) *Reconciler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Reconciler{
		deployments: repo,
		docker:      inv,
		publisher:   pub,
		logger:      logger,
		cfg:         config.EngineConfig{ReconcileInterval: time.Minute},
		now:         time.Now,
	}
}

func trackedDeployment(id, containerID string) *domain.Deployment {
	return &domain.Deployment{
		ID:              id,
		ProjectID:       "proj-1",
		EnvironmentID:   "env-prod",
		Status:          domain.StatusCompleted,
		Conclusion:      domain.ConclusionSucceeded,
		ContainerID:     containerID,
		ContainerStatus: domain.ContainerRunning,
		CreatedAt:       time.Now().UTC(),
	}
}

type fakeInventory struct {
	states map[string]docker.ContainerState
}

func (f *fakeInventory) ListDeploymentStates(context.Context) (map[string]docker.ContainerState, error) {
	if f.states == nil {
		return map[string]docker.ContainerState{}, nil
	}
	return f.states, nil
}

type fakeObservedPublisher struct {
	calls int
	last  domain.ObservedUpdate
}

func (f *fakeObservedPublisher) ObservedUpdated(_ context.Context, _ string, update domain.ObservedUpdate) error {
	f.calls++
	f.last = update
	return nil
}

type fakeDeploymentRepo struct {
	deployments map[string]*domain.Deployment
	observed    []domain.ObservedUpdate
}

func newFakeDeploymentRepo() *fakeDeploymentRepo {
	return &fakeDeploymentRepo{deployments: make(map[string]*domain.Deployment)}
}

func (f *fakeDeploymentRepo) add(d *domain.Deployment) {
	f.deployments[d.ID] = d
}

func (f *fakeDeploymentRepo) CreateDeployment(_ context.Context, d *domain.Deployment) error {
	f.deployments[d.ID] = d
	return nil
}

func (f *fakeDeploymentRepo) GetDeploymentByID(_ context.Context, id string) (*domain.Deployment, error) {
	d, ok := f.deployments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	deploymentCopy := *d
	return &deploymentCopy, nil
}

func (f *fakeDeploymentRepo) UpdateDeploymentStatus(context.Context, domain.DeploymentStatusUpdate) error {
	return nil
}

func (f *fakeDeploymentRepo) UpdateDeploymentObserved(_ context.Context, update domain.ObservedUpdate) error {
	f.observed = append(f.observed, update)
	if d, ok := f.deployments[update.DeploymentID]; ok {
		d.ObservedStatus = update.Status
		d.ObservedExitCode = update.ExitCode
		d.ObservedMissingCount = update.MissingCount
	}
	return nil
}

func (f *fakeDeploymentRepo) ListDeploymentsByProject(context.Context, string, int) ([]domain.Deployment, error) {
	return nil, nil
}

func (f *fakeDeploymentRepo) ListConcludedWithContainers(context.Context, int) ([]domain.Deployment, error) {
	return nil, nil
}

func (f *fakeDeploymentRepo) ListReconcilable(context.Context, int) ([]domain.Deployment, error) {
	var out []domain.Deployment
	for _, d := range f.deployments {
		out = append(out, *d)
	}
	return out, nil
}

func (f *fakeDeploymentRepo) ListInFlightCreatedBefore(context.Context, time.Time) ([]domain.Deployment, error) {
	return nil, nil
}

func (f *fakeDeploymentRepo) ListAwaitingReadiness(context.Context) ([]domain.Deployment, error) {
	return nil, nil
}

func (f *fakeDeploymentRepo) ListInFlightByEnvironment(context.Context, string, string) ([]domain.Deployment, error) {
	return nil, nil
}
