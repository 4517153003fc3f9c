package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/hunvreus/devpush/internal/docker"
	"github.com/hunvreus/devpush/internal/domain"
	"github.com/hunvreus/devpush/internal/repository"
	"github.com/hunvreus/devpush/pkg/config"
)

// inventory is the slice of the container driver the reconciler uses: one
// batched listing per sweep instead of one inspect per deployment.
type inventory interface {
	ListDeploymentStates(ctx context.Context) (map[string]docker.ContainerState, error)
}

// publisher is the slice of the event publisher the reconciler uses.
type publisher interface {
	ObservedUpdated(ctx context.Context, projectID string, update domain.ObservedUpdate) error
}

// Reconciler periodically audits stored deployment state against actual
// container runtime state. It writes observed_* fields only and never
// touches status or conclusion: reacting to drift is operator policy, not
// engine behavior.
type Reconciler struct {
	deployments repository.DeploymentRepository
	docker      inventory
	publisher   publisher
	logger      *slog.Logger
	cfg         config.EngineConfig
	now         func() time.Time
	onTick      func()
}

// New returns a reconciler.
func New(deployments repository.DeploymentRepository, dockerClient inventory, pub publisher, logger *slog.Logger, cfg config.EngineConfig) *Reconciler {
	return &Reconciler{
		deployments: deployments,
		docker:      dockerClient,
		publisher:   pub,
		logger:      logger.With("component", "reconciler"),
		cfg:         cfg,
		now:         time.Now,
	}
}

// SetTickHook installs a callback invoked after every sweep, for metrics.
func (r *Reconciler) SetTickHook(fn func()) {
	r.onTick = fn
}

// Run drives the sweep schedule until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReconcileInterval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", "interval", r.cfg.ReconcileInterval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				r.logger.Error("reconcile sweep failed", "error", err)
			}
			if r.onTick != nil {
				r.onTick()
			}
		}
	}
}

// Reconcile runs one sweep. With explicit ids it reconciles exactly those
// deployments; otherwise every deployment whose container is tracked as
// running or stopped, or that was last observed running.
func (r *Reconciler) Reconcile(ctx context.Context, ids ...string) error {
	var candidates []domain.Deployment
	if len(ids) > 0 {
		for _, id := range ids {
			d, err := r.deployments.GetDeploymentByID(ctx, id)
			if err != nil {
				r.logger.Warn("candidate lookup failed", "deployment_id", id, "error", err)
				continue
			}
			candidates = append(candidates, *d)
		}
	} else {
		all, err := r.deployments.ListReconcilable(ctx, 0)
		if err != nil {
			return err
		}
		for _, d := range all {
			if r.isCandidate(&d) {
				candidates = append(candidates, d)
			}
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	byLabel, err := r.docker.ListDeploymentStates(ctx)
	if err != nil {
		return err
	}
	byContainerID := make(map[string]docker.ContainerState, len(byLabel))
	for _, state := range byLabel {
		byContainerID[state.ID] = state
	}

	for _, d := range candidates {
		r.reconcileOne(ctx, &d, byLabel, byContainerID)
	}
	return nil
}

func (r *Reconciler) isCandidate(d *domain.Deployment) bool {
	switch d.ContainerStatus {
	case domain.ContainerRunning, domain.ContainerStopped:
		return true
	}
	return d.ObservedStatus == domain.ObservedRunning
}

func (r *Reconciler) reconcileOne(ctx context.Context, d *domain.Deployment, byLabel, byContainerID map[string]docker.ContainerState) {
	observedAt := r.now().UTC()

	// Stored id first; the label index is the fallback for stale ids. The
	// label is keyed by this deployment's own id, so a container belonging
	// to another deployment can never be picked up here.
	state, found := byContainerID[d.ContainerID]
	if !found {
		state, found = byLabel[d.ID]
	}

	if !found {
		update := domain.ObservedUpdate{
			DeploymentID: d.ID,
			Status:       domain.ObservedNotFound,
			ObservedAt:   observedAt,
			MissingCount: d.ObservedMissingCount + 1,
		}
		r.apply(ctx, d, update)
		return
	}

	status := classify(state.Status)
	if status == domain.ObservedNotFound {
		r.logger.Warn("unknown container status", "deployment_id", d.ID, "container_status", state.Status)
	}

	update := domain.ObservedUpdate{
		DeploymentID: d.ID,
		Status:       status,
		ObservedAt:   observedAt,
		LastSeenAt:   &observedAt,
		MissingCount: 0,
	}
	if status == domain.ObservedExited || status == domain.ObservedDead {
		exitCode := state.ExitCode
		update.ExitCode = &exitCode
	}
	r.apply(ctx, d, update)
}

// apply persists the observation and emits one event per changed
// deployment. Unchanged deployments still refresh their timestamps but
// stay silent to bound event volume.
func (r *Reconciler) apply(ctx context.Context, d *domain.Deployment, update domain.ObservedUpdate) {
	changed := r.changed(d, update)
	if err := r.deployments.UpdateDeploymentObserved(ctx, update); err != nil {
		r.logger.Error("observed update failed", "deployment_id", d.ID, "error", err)
		return
	}
	if !changed {
		return
	}
	if err := r.publisher.ObservedUpdated(ctx, d.ProjectID, update); err != nil {
		r.logger.Warn("observed event publish failed", "deployment_id", d.ID, "error", err)
	}
	r.logger.Info("observed state recorded",
		"deployment_id", d.ID,
		"observed_status", update.Status,
		"missing_count", update.MissingCount,
	)
}

func (r *Reconciler) changed(d *domain.Deployment, update domain.ObservedUpdate) bool {
	if d.ObservedStatus != update.Status {
		return true
	}
	if d.ObservedMissingCount != update.MissingCount {
		return true
	}
	if (d.ObservedExitCode == nil) != (update.ExitCode == nil) {
		return true
	}
	if d.ObservedExitCode != nil && update.ExitCode != nil && *d.ObservedExitCode != *update.ExitCode {
		return true
	}
	// A fresh last-seen timestamp alone is not a change worth announcing.
	return false
}

func classify(status string) string {
	switch status {
	case "running":
		return domain.ObservedRunning
	case "exited":
		return domain.ObservedExited
	case "dead":
		return domain.ObservedDead
	case "paused":
		return domain.ObservedPaused
	default:
		return domain.ObservedNotFound
	}
}
