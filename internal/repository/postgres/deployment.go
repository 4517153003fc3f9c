package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hunvreus/devpush/internal/domain"
	"github.com/hunvreus/devpush/internal/repository"
)

const deploymentColumns = `id, project_id, environment_id, branch, commit_sha, commit_meta, repo_full_name,
	config, image, env_vars, trigger, status, conclusion, error, container_id, container_status, job_id,
	observed_status, observed_exit_code, observed_at, observed_last_seen_at, observed_missing_count,
	created_at, concluded_at`

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, project_id, environment_id, branch, commit_sha, commit_meta, repo_full_name,
			config, image, env_vars, trigger, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	commitMeta, err := marshalOrNil(deployment.CommitMeta)
	if err != nil {
		return err
	}
	config, err := marshalOrNil(deployment.Config)
	if err != nil {
		return err
	}
	envVars, err := marshalOrNil(deployment.EnvVars)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, query,
		deployment.ID,
		deployment.ProjectID,
		deployment.EnvironmentID,
		deployment.Branch,
		deployment.CommitSHA,
		commitMeta,
		deployment.RepoFullName,
		config,
		emptyToNil(deployment.Image),
		envVars,
		deployment.Trigger,
		deployment.Status,
		deployment.CreatedAt,
	)
	return err
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, deploymentID)
	d, err := scanDeployment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// UpdateDeploymentStatus applies the non-zero fields of update. A conclusion
// only lands when the row has none yet; a second conclusion write returns
// ErrConcluded so terminal outcomes stay immutable.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	errPayload, err := marshalErr(update.Error)
	if err != nil {
		return err
	}
	if update.Conclusion != "" {
		const query = `UPDATE deployments
			SET status = COALESCE($2, status),
				conclusion = $3,
				error = COALESCE($4, error),
				container_id = COALESCE($5, container_id),
				container_status = COALESCE($6, container_status),
				job_id = COALESCE($7, job_id),
				concluded_at = NOW()
			WHERE id = $1 AND conclusion IS NULL`
		tag, err := r.pool.Exec(ctx, query,
			update.DeploymentID,
			emptyToNil(update.Status),
			update.Conclusion,
			errPayload,
			emptyToNil(update.ContainerID),
			emptyToNil(update.ContainerStatus),
			emptyToNil(update.JobID),
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			if _, err := r.GetDeploymentByID(ctx, update.DeploymentID); err != nil {
				return err
			}
			return repository.ErrConcluded
		}
		return nil
	}

	if update.Status != "" {
		// Lifecycle transitions never apply to a concluded row; a cancel
		// racing the start stage must not flip the row back in flight.
		const query = `UPDATE deployments
			SET status = $2,
				error = COALESCE($3, error),
				container_id = COALESCE($4, container_id),
				container_status = COALESCE($5, container_status),
				job_id = COALESCE($6, job_id)
			WHERE id = $1 AND conclusion IS NULL`
		tag, err := r.pool.Exec(ctx, query,
			update.DeploymentID,
			update.Status,
			errPayload,
			emptyToNil(update.ContainerID),
			emptyToNil(update.ContainerStatus),
			emptyToNil(update.JobID),
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			if _, err := r.GetDeploymentByID(ctx, update.DeploymentID); err != nil {
				return err
			}
			return repository.ErrConcluded
		}
		return nil
	}

	const query = `UPDATE deployments
		SET error = COALESCE($2, error),
			container_id = COALESCE($3, container_id),
			container_status = COALESCE($4, container_status),
			job_id = COALESCE($5, job_id)
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query,
		update.DeploymentID,
		errPayload,
		emptyToNil(update.ContainerID),
		emptyToNil(update.ContainerStatus),
		emptyToNil(update.JobID),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateDeploymentObserved writes only the observed_* columns.
func (r *Repository) UpdateDeploymentObserved(ctx context.Context, update domain.ObservedUpdate) error {
	const query = `UPDATE deployments
		SET observed_status = $2,
			observed_exit_code = $3,
			observed_at = $4,
			observed_last_seen_at = COALESCE($5, observed_last_seen_at),
			observed_missing_count = $6
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query,
		update.DeploymentID,
		update.Status,
		intPtrToNil(update.ExitCode),
		update.ObservedAt,
		timePtrToNil(update.LastSeenAt),
		update.MissingCount,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListDeploymentsByProject fetches recent deployments for a project.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT ` + deploymentColumns + `
		FROM deployments WHERE project_id = $1 ORDER BY created_at DESC LIMIT $2`
	return r.listDeployments(ctx, query, projectID, limit)
}

// ListConcludedWithContainers returns concluded deployments whose container
// has not been removed, oldest first.
func (r *Repository) ListConcludedWithContainers(ctx context.Context, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT ` + deploymentColumns + `
		FROM deployments
		WHERE conclusion IS NOT NULL
			AND container_id IS NOT NULL
			AND container_status <> 'removed'
		ORDER BY concluded_at ASC
		LIMIT $1`
	return r.listDeployments(ctx, query, limit)
}

// ListReconcilable returns deployments the reconciler should inspect.
func (r *Repository) ListReconcilable(ctx context.Context, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 500
	}
	const query = `SELECT ` + deploymentColumns + `
		FROM deployments
		WHERE conclusion IS NULL
			OR (container_id IS NOT NULL AND container_status <> 'removed')
		ORDER BY created_at ASC
		LIMIT $1`
	return r.listDeployments(ctx, query, limit)
}

// ListInFlightCreatedBefore returns unconcluded deployments created before
// the cutoff.
func (r *Repository) ListInFlightCreatedBefore(ctx context.Context, cutoff time.Time) ([]domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + `
		FROM deployments WHERE conclusion IS NULL AND created_at < $1 ORDER BY created_at ASC`
	return r.listDeployments(ctx, query, cutoff)
}

// ListAwaitingReadiness returns deploy-stage deployments with a running
// container.
func (r *Repository) ListAwaitingReadiness(ctx context.Context) ([]domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + `
		FROM deployments
		WHERE status = 'deploy' AND container_status = 'running' AND conclusion IS NULL
		ORDER BY created_at ASC`
	return r.listDeployments(ctx, query)
}

// ListInFlightByEnvironment returns unconcluded deployments in one environment.
func (r *Repository) ListInFlightByEnvironment(ctx context.Context, projectID, environmentID string) ([]domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + `
		FROM deployments
		WHERE project_id = $1 AND environment_id = $2 AND conclusion IS NULL
		ORDER BY created_at ASC`
	return r.listDeployments(ctx, query, projectID, environmentID)
}

func (r *Repository) listDeployments(ctx context.Context, query string, args ...any) ([]domain.Deployment, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

func scanDeployment(row scanner) (*domain.Deployment, error) {
	var (
		d               domain.Deployment
		commitMeta      []byte
		config          []byte
		envVars         []byte
		errPayload      []byte
		conclusion      sql.NullString
		image           sql.NullString
		containerID     sql.NullString
		containerStatus sql.NullString
		jobID           sql.NullString
		observedStatus  sql.NullString
		exitCode        sql.NullInt32
		observedAt      sql.NullTime
		lastSeenAt      sql.NullTime
		concludedAt     sql.NullTime
	)
	if err := row.Scan(
		&d.ID,
		&d.ProjectID,
		&d.EnvironmentID,
		&d.Branch,
		&d.CommitSHA,
		&commitMeta,
		&d.RepoFullName,
		&config,
		&image,
		&envVars,
		&d.Trigger,
		&d.Status,
		&conclusion,
		&errPayload,
		&containerID,
		&containerStatus,
		&jobID,
		&observedStatus,
		&exitCode,
		&observedAt,
		&lastSeenAt,
		&d.ObservedMissingCount,
		&d.CreatedAt,
		&concludedAt,
	); err != nil {
		return nil, err
	}
	if len(commitMeta) > 0 {
		if err := json.Unmarshal(commitMeta, &d.CommitMeta); err != nil {
			return nil, err
		}
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &d.Config); err != nil {
			return nil, err
		}
	}
	if len(envVars) > 0 {
		if err := json.Unmarshal(envVars, &d.EnvVars); err != nil {
			return nil, err
		}
	}
	if len(errPayload) > 0 {
		var de domain.DeploymentError
		if err := json.Unmarshal(errPayload, &de); err != nil {
			return nil, err
		}
		d.Error = &de
	}
	d.Conclusion = conclusion.String
	d.Image = image.String
	d.ContainerID = containerID.String
	d.ContainerStatus = containerStatus.String
	d.JobID = jobID.String
	d.ObservedStatus = observedStatus.String
	if exitCode.Valid {
		value := int(exitCode.Int32)
		d.ObservedExitCode = &value
	}
	if observedAt.Valid {
		value := observedAt.Time.UTC()
		d.ObservedAt = &value
	}
	if lastSeenAt.Valid {
		value := lastSeenAt.Time.UTC()
		d.ObservedLastSeenAt = &value
	}
	if concludedAt.Valid {
		value := concludedAt.Time.UTC()
		d.ConcludedAt = &value
	}
	return &d, nil
}

func marshalErr(e *domain.DeploymentError) (any, error) {
	if e == nil {
		return nil, nil
	}
	return json.Marshal(e)
}
