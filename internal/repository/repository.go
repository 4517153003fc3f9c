package repository

import (
	"context"
	"time"

	"github.com/hunvreus/devpush/internal/domain"
)

// ProjectRepository reads project configuration. The engine never mutates
// projects; their lifecycle is owned by the surrounding application.
type ProjectRepository interface {
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	ListActiveProjects(ctx context.Context) ([]domain.Project, error)
}

// DeploymentRepository stores deployment history and lifecycle state.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	// UpdateDeploymentStatus applies the non-zero fields of update. Writing
	// a conclusion or a status transition to a deployment that already has a
	// conclusion returns ErrConcluded.
	UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error
	// UpdateDeploymentObserved writes only the observed_* columns.
	UpdateDeploymentObserved(ctx context.Context, update domain.ObservedUpdate) error
	ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
	// ListConcludedWithContainers returns concluded deployments whose
	// container has not been removed yet, oldest first.
	ListConcludedWithContainers(ctx context.Context, limit int) ([]domain.Deployment, error)
	// ListReconcilable returns deployments the reconciler should inspect:
	// in flight, or concluded with a container still tracked.
	ListReconcilable(ctx context.Context, limit int) ([]domain.Deployment, error)
	// ListInFlightCreatedBefore returns unconcluded deployments created
	// before the cutoff, for timeout enforcement.
	ListInFlightCreatedBefore(ctx context.Context, cutoff time.Time) ([]domain.Deployment, error)
	// ListAwaitingReadiness returns deployments in the deploy stage whose
	// container is running, the readiness monitor's working set.
	ListAwaitingReadiness(ctx context.Context) ([]domain.Deployment, error)
	ListInFlightByEnvironment(ctx context.Context, projectID, environmentID string) ([]domain.Deployment, error)
}

// AliasRepository persists subdomain aliases with one level of history.
type AliasRepository interface {
	// UpsertAlias points subdomain at deploymentID. On update the previous
	// target is preserved in previous_deployment_id.
	UpsertAlias(ctx context.Context, alias *domain.Alias) error
	GetAliasBySubdomain(ctx context.Context, subdomain string) (*domain.Alias, error)
	ListAliasesByProject(ctx context.Context, projectID string) ([]domain.Alias, error)
	// SwapAlias exchanges deployment_id and previous_deployment_id for a
	// one-level rollback. Returns ErrNotFound when the alias has no history.
	SwapAlias(ctx context.Context, subdomain string) (*domain.Alias, error)
	// ListRoutedDeploymentIDs returns every deployment id referenced by any
	// alias, current or previous.
	ListRoutedDeploymentIDs(ctx context.Context) (map[string]struct{}, error)
	DeleteAliasesByEnvironment(ctx context.Context, projectID, environmentID string) error
}

// DomainRepository reads user-supplied hostnames bound to environments.
type DomainRepository interface {
	ListActiveDomainsByProject(ctx context.Context, projectID string) ([]domain.Domain, error)
}

// StorageRepository reads storage mounts attached to projects.
type StorageRepository interface {
	ListMountsByProject(ctx context.Context, projectID string) ([]domain.StorageMount, error)
}
