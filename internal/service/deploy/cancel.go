package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/hunvreus/devpush/internal/domain"
	"github.com/hunvreus/devpush/internal/repository"
)

const (
	stopTimeout      = 10 * time.Second
	cleanupBatchSize = 25
)

// Cancel concludes a deployment as canceled, aborts its running job and
// schedules deferred container deletion. A deployment already in finalize,
// fail or completed can no longer be canceled.
func (s *Service) Cancel(ctx context.Context, deploymentID string) error {
	d, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	if d.Concluded() {
		return ErrNotCancelable
	}
	switch d.Status {
	case domain.StatusFinalize, domain.StatusFail, domain.StatusCompleted:
		return ErrNotCancelable
	}

	if err := s.deployments.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: d.ID,
		Status:       domain.StatusCompleted,
		Conclusion:   domain.ConclusionCanceled,
	}); err != nil {
		if errors.Is(err, repository.ErrConcluded) {
			return ErrNotCancelable
		}
		return err
	}
	s.notifyConcluded(domain.ConclusionCanceled)

	if d.JobID != "" {
		if s.pool.Abort(d.JobID) {
			s.logger.Info("deployment job aborted", "deployment_id", d.ID, "job_id", d.JobID)
		}
	}

	if d.ContainerID != "" && d.ContainerStatus == domain.ContainerRunning {
		stopCtx := context.WithoutCancel(ctx)
		if err := s.docker.Stop(stopCtx, d.ContainerID, stopTimeout); err != nil {
			s.logger.Warn("container stop failed during cancel", "deployment_id", d.ID, "container_id", d.ContainerID, "error", err)
		}
		if err := s.deployments.UpdateDeploymentStatus(stopCtx, domain.DeploymentStatusUpdate{
			DeploymentID:    d.ID,
			ContainerStatus: domain.ContainerStopped,
		}); err != nil {
			s.logger.Warn("container status record failed", "deployment_id", d.ID, "error", err)
		}
		s.scheduleDelete(d.ID)
	}

	d.Status = domain.StatusCompleted
	d.Conclusion = domain.ConclusionCanceled
	if err := s.publisher.StatusUpdated(ctx, d); err != nil {
		s.logger.Warn("status event publish failed", "deployment_id", d.ID, "error", err)
	}

	s.logger.Info("deployment canceled", "deployment_id", d.ID)
	return nil
}

// scheduleDelete enqueues container deletion after the grace period so log
// drains can finish before the container disappears.
func (s *Service) scheduleDelete(deploymentID string) {
	s.pool.EnqueueAfter("deploy:delete-container", s.cfg.ContainerDeleteGrace, func(jobCtx context.Context) error {
		return s.DeleteContainer(jobCtx, deploymentID)
	})
}

// DeleteContainer stops and force-removes a deployment's container. A
// container that is already gone counts as success.
func (s *Service) DeleteContainer(ctx context.Context, deploymentID string) error {
	d, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	if d.ContainerID == "" || d.ContainerStatus == domain.ContainerRemoved {
		return nil
	}

	if err := s.docker.Stop(ctx, d.ContainerID, stopTimeout); err != nil {
		s.logger.Warn("container stop failed during delete", "deployment_id", d.ID, "container_id", d.ContainerID, "error", err)
	}
	if err := s.docker.Remove(ctx, d.ContainerID); err != nil {
		return fmt.Errorf("remove container %s: %w", d.ContainerID, err)
	}

	if err := s.deployments.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID:    d.ID,
		ContainerStatus: domain.ContainerRemoved,
	}); err != nil {
		return err
	}
	s.logger.Info("container removed", "deployment_id", d.ID, "container_id", d.ContainerID)
	return nil
}

// CleanupInactiveContainers stops and removes containers of the project's
// concluded deployments, sparing every deployment an alias still references
// (current or previous) so one-level rollback keeps a live target. Work is
// committed per batch with backoff; a batch that keeps failing is logged
// and skipped rather than blocking the rest.
func (s *Service) CleanupInactiveContainers(ctx context.Context, projectID string) error {
	protected, err := s.aliases.ListRoutedDeploymentIDs(ctx)
	if err != nil {
		return fmt.Errorf("list protected deployments: %w", err)
	}

	candidates, err := s.deployments.ListConcludedWithContainers(ctx, 0)
	if err != nil {
		return fmt.Errorf("list concluded deployments: %w", err)
	}

	var batch []domain.Deployment
	for _, d := range candidates {
		if d.ProjectID != projectID {
			continue
		}
		if _, ok := protected[d.ID]; ok {
			continue
		}
		batch = append(batch, d)
		if len(batch) == cleanupBatchSize {
			s.cleanupBatch(ctx, batch)
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		s.cleanupBatch(ctx, batch)
	}
	return nil
}

// CleanupAllProjects runs the inactive-container sweep over every active
// project. The per-project sweep after finalize stays targeted; this is the
// periodic safety net that also covers projects without recent deploys.
func (s *Service) CleanupAllProjects(ctx context.Context) error {
	projects, err := s.projects.ListActiveProjects(ctx)
	if err != nil {
		return fmt.Errorf("list active projects: %w", err)
	}
	for _, p := range projects {
		if err := s.CleanupInactiveContainers(ctx, p.ID); err != nil {
			s.logger.Warn("project cleanup failed", "project_id", p.ID, "error", err)
		}
	}
	return nil
}

// RunCleanup drives the periodic all-projects sweep until ctx is canceled.
func (s *Service) RunCleanup(ctx context.Context, interval time.Duration) {
	log := s.logger.With("component", "cleanup")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("cleanup sweep started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			log.Info("cleanup sweep stopped")
			return
		case <-ticker.C:
			if err := s.CleanupAllProjects(ctx); err != nil {
				log.Error("cleanup sweep failed", "error", err)
			}
		}
	}
}

func (s *Service) cleanupBatch(ctx context.Context, batch []domain.Deployment) {
	for _, d := range batch {
		if err := s.docker.Stop(ctx, d.ContainerID, stopTimeout); err != nil {
			s.logger.Warn("cleanup stop failed", "deployment_id", d.ID, "container_id", d.ContainerID, "error", err)
			continue
		}
		if err := s.docker.Remove(ctx, d.ContainerID); err != nil {
			s.logger.Warn("cleanup remove failed", "deployment_id", d.ID, "container_id", d.ContainerID, "error", err)
			continue
		}

		deploymentID := d.ID
		backoff := retry.WithMaxRetries(3, retry.NewFibonacci(200*time.Millisecond))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			err := s.deployments.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
				DeploymentID:    deploymentID,
				ContainerStatus: domain.ContainerRemoved,
			})
			if err != nil {
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			s.logger.Error("cleanup commit failed", "deployment_id", d.ID, "error", err)
			continue
		}
		s.logger.Info("inactive container cleaned up", "deployment_id", d.ID, "container_id", d.ContainerID)
	}
}
