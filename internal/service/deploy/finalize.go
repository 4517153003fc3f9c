package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/hunvreus/devpush/internal/domain"
	"github.com/hunvreus/devpush/internal/repository"
)

// Finalize publishes the deployment's aliases and routing, then concludes
// it succeeded. Routing is what makes a deployment user-visible, so a
// routing failure concludes the deployment failed — but the healthy,
// already-running container is deliberately left alone.
func (s *Service) Finalize(ctx context.Context, deploymentID string) error {
	d, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	if d.Concluded() {
		s.logger.Info("finalize skipped, already concluded", "deployment_id", d.ID, "conclusion", d.Conclusion)
		return nil
	}

	project, err := s.projects.GetProjectByID(ctx, d.ProjectID)
	if err != nil {
		return s.failWithoutCleanup(ctx, d.ID, fmt.Sprintf("project lookup failed: %v", err))
	}

	if err := s.deployments.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: d.ID,
		Status:       domain.StatusFinalize,
	}); err != nil {
		if errors.Is(err, repository.ErrConcluded) {
			return nil
		}
		return err
	}

	s.aliasSvc.SetupAliases(ctx, project, d)

	if err := s.aliasSvc.UpdateRoutingConfig(ctx, project, d.ID); err != nil {
		s.logger.Error("routing config failed during finalize", "deployment_id", d.ID, "error", err)
		return s.failWithoutCleanup(ctx, d.ID, fmt.Sprintf("routing configuration failed: %v", err))
	}

	if err := s.deployments.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: d.ID,
		Status:       domain.StatusCompleted,
		Conclusion:   domain.ConclusionSucceeded,
	}); err != nil {
		if errors.Is(err, repository.ErrConcluded) {
			return nil
		}
		return err
	}
	s.notifyConcluded(domain.ConclusionSucceeded)

	d.Status = domain.StatusCompleted
	d.Conclusion = domain.ConclusionSucceeded
	if err := s.publisher.StatusUpdated(ctx, d); err != nil {
		s.logger.Warn("status event publish failed", "deployment_id", d.ID, "error", err)
	}

	s.pool.Enqueue("deploy:cleanup", func(jobCtx context.Context) error {
		return s.CleanupInactiveContainers(jobCtx, project.ID)
	})

	s.logger.Info("deployment succeeded", "deployment_id", d.ID, "project_id", project.ID)
	return nil
}

// Fail concludes a deployment as failed with the originating stage and a
// human-readable reason. Idempotent: an already-concluded deployment is a
// no-op. A live container is best-effort stopped and scheduled for deferred
// deletion.
func (s *Service) Fail(ctx context.Context, deploymentID, stage, reason string) error {
	d, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	if d.Concluded() {
		s.logger.Info("fail skipped, already concluded", "deployment_id", d.ID, "conclusion", d.Conclusion)
		return nil
	}

	if d.ContainerID != "" && d.ContainerStatus == domain.ContainerRunning {
		stopCtx := context.WithoutCancel(ctx)
		if err := s.docker.Stop(stopCtx, d.ContainerID, stopTimeout); err != nil {
			s.logger.Warn("container stop failed during fail", "deployment_id", d.ID, "container_id", d.ContainerID, "error", err)
		}
		if err := s.deployments.UpdateDeploymentStatus(stopCtx, domain.DeploymentStatusUpdate{
			DeploymentID:    d.ID,
			ContainerStatus: domain.ContainerStopped,
		}); err != nil {
			s.logger.Warn("container status record failed", "deployment_id", d.ID, "error", err)
		}
		s.scheduleDelete(d.ID)
	}

	return s.conclude(ctx, d, domain.ConclusionFailed, &domain.DeploymentError{Stage: stage, Message: reason})
}

// failWithoutCleanup concludes failed but leaves any container untouched.
// Used for finalize-stage failures where the container itself is healthy.
func (s *Service) failWithoutCleanup(ctx context.Context, deploymentID, reason string) error {
	d, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	if d.Concluded() {
		return nil
	}
	return s.conclude(ctx, d, domain.ConclusionFailed, &domain.DeploymentError{Stage: domain.StatusFinalize, Message: reason})
}

func (s *Service) conclude(ctx context.Context, d *domain.Deployment, conclusion string, deployErr *domain.DeploymentError) error {
	err := s.deployments.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: d.ID,
		Status:       domain.StatusCompleted,
		Conclusion:   conclusion,
		Error:        deployErr,
	})
	if err != nil {
		// Lost a conclude race; the other path already recorded the outcome.
		if errors.Is(err, repository.ErrConcluded) {
			return nil
		}
		return err
	}
	s.notifyConcluded(conclusion)

	d.Status = domain.StatusCompleted
	d.Conclusion = conclusion
	d.Error = deployErr
	if err := s.publisher.StatusUpdated(ctx, d); err != nil {
		s.logger.Warn("status event publish failed", "deployment_id", d.ID, "error", err)
	}

	logFields := []any{"deployment_id", d.ID, "conclusion", conclusion}
	if deployErr != nil {
		logFields = append(logFields, "stage", deployErr.Stage, "reason", deployErr.Message)
	}
	s.logger.Info("deployment concluded", logFields...)
	return nil
}
