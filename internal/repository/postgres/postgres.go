package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hunvreus/devpush/internal/domain"
	"github.com/hunvreus/devpush/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.AliasRepository      = (*Repository)(nil)
	_ repository.DomainRepository     = (*Repository)(nil)
	_ repository.StorageRepository    = (*Repository)(nil)
)

// GetProjectByID fetches project details.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT id, name, slug, team_id, repo_full_name, status, environments, config, created_at, updated_at
		FROM projects WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, projectID)
	project, err := scanProject(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return project, nil
}

// ListActiveProjects returns every project not marked deleted or paused.
func (r *Repository) ListActiveProjects(ctx context.Context) ([]domain.Project, error) {
	const query = `SELECT id, name, slug, team_id, repo_full_name, status, environments, config, created_at, updated_at
		FROM projects WHERE status = 'active' ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *project)
	}
	return projects, rows.Err()
}

// ListActiveDomainsByProject returns verified hostnames bound to the project.
func (r *Repository) ListActiveDomainsByProject(ctx context.Context, projectID string) ([]domain.Domain, error) {
	const query = `SELECT id, project_id, hostname, type, environment_id, status, created_at
		FROM domains WHERE project_id = $1 AND status = 'active' ORDER BY hostname`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	domains := make([]domain.Domain, 0)
	for rows.Next() {
		var d domain.Domain
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Hostname, &d.Type, &d.EnvironmentID, &d.Status, &d.CreatedAt); err != nil {
			return nil, err
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

// ListMountsByProject returns storage mounts attached to the project.
func (r *Repository) ListMountsByProject(ctx context.Context, projectID string) ([]domain.StorageMount, error) {
	const query = `SELECT s.id, s.name, s.type, s.team_id, ps.environment_ids
		FROM storages s
		INNER JOIN project_storages ps ON ps.storage_id = s.id
		WHERE ps.project_id = $1 AND s.status = 'active'
		ORDER BY s.name`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	mounts := make([]domain.StorageMount, 0)
	for rows.Next() {
		var (
			m      domain.StorageMount
			envIDs []byte
		)
		if err := rows.Scan(&m.StorageID, &m.Name, &m.Type, &m.TeamID, &envIDs); err != nil {
			return nil, err
		}
		if len(envIDs) > 0 {
			if err := json.Unmarshal(envIDs, &m.EnvironmentIDs); err != nil {
				return nil, err
			}
		}
		mounts = append(mounts, m)
	}
	return mounts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (*domain.Project, error) {
	var (
		project      domain.Project
		environments []byte
		config       []byte
	)
	if err := row.Scan(
		&project.ID,
		&project.Name,
		&project.Slug,
		&project.TeamID,
		&project.RepoFullName,
		&project.Status,
		&environments,
		&config,
		&project.CreatedAt,
		&project.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(environments) > 0 {
		if err := json.Unmarshal(environments, &project.Environments); err != nil {
			return nil, err
		}
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &project.Config); err != nil {
			return nil, err
		}
	}
	return &project, nil
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func intPtrToNil(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func timePtrToNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func marshalOrNil(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
