package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/hunvreus/devpush/internal/domain"
	"github.com/hunvreus/devpush/internal/repository"
)

// UpsertAlias points subdomain at alias.DeploymentID. When the row already
// exists the old target slides into previous_deployment_id, which is what
// one-level rollback swaps back.
func (r *Repository) UpsertAlias(ctx context.Context, alias *domain.Alias) error {
	const query = `INSERT INTO aliases (subdomain, deployment_id, type, value, environment_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (subdomain) DO UPDATE SET
			previous_deployment_id = CASE
				WHEN aliases.deployment_id <> EXCLUDED.deployment_id THEN aliases.deployment_id
				ELSE aliases.previous_deployment_id
			END,
			deployment_id = EXCLUDED.deployment_id,
			type = EXCLUDED.type,
			value = EXCLUDED.value,
			environment_id = EXCLUDED.environment_id,
			updated_at = NOW()
		RETURNING id, previous_deployment_id, created_at, updated_at`
	row := r.pool.QueryRow(ctx, query,
		alias.Subdomain,
		alias.DeploymentID,
		alias.Type,
		alias.Value,
		alias.EnvironmentID,
	)
	var previous sql.NullString
	if err := row.Scan(&alias.ID, &previous, &alias.CreatedAt, &alias.UpdatedAt); err != nil {
		return err
	}
	if previous.Valid {
		value := previous.String
		alias.PreviousDeploymentID = &value
	}
	return nil
}

// GetAliasBySubdomain fetches one alias.
func (r *Repository) GetAliasBySubdomain(ctx context.Context, subdomain string) (*domain.Alias, error) {
	const query = `SELECT id, subdomain, deployment_id, previous_deployment_id, type, value, environment_id, created_at, updated_at
		FROM aliases WHERE subdomain = $1`
	row := r.pool.QueryRow(ctx, query, subdomain)
	alias, err := scanAlias(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return alias, nil
}

// ListAliasesByProject returns aliases whose current deployment belongs to
// the project.
func (r *Repository) ListAliasesByProject(ctx context.Context, projectID string) ([]domain.Alias, error) {
	const query = `SELECT a.id, a.subdomain, a.deployment_id, a.previous_deployment_id, a.type, a.value, a.environment_id, a.created_at, a.updated_at
		FROM aliases a
		INNER JOIN deployments d ON d.id = a.deployment_id
		WHERE d.project_id = $1
		ORDER BY a.subdomain`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	aliases := make([]domain.Alias, 0)
	for rows.Next() {
		alias, err := scanAlias(rows)
		if err != nil {
			return nil, err
		}
		aliases = append(aliases, *alias)
	}
	return aliases, rows.Err()
}

// SwapAlias exchanges deployment_id and previous_deployment_id. An alias
// with no history cannot roll back and reports ErrNotFound.
func (r *Repository) SwapAlias(ctx context.Context, subdomain string) (*domain.Alias, error) {
	const query = `UPDATE aliases
		SET deployment_id = previous_deployment_id,
			previous_deployment_id = deployment_id,
			updated_at = NOW()
		WHERE subdomain = $1 AND previous_deployment_id IS NOT NULL
		RETURNING id, subdomain, deployment_id, previous_deployment_id, type, value, environment_id, created_at, updated_at`
	row := r.pool.QueryRow(ctx, query, subdomain)
	alias, err := scanAlias(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return alias, nil
}

// ListRoutedDeploymentIDs returns every deployment id any alias points at,
// current or previous. Cleanup treats these as protected.
func (r *Repository) ListRoutedDeploymentIDs(ctx context.Context) (map[string]struct{}, error) {
	const query = `SELECT deployment_id FROM aliases
		UNION
		SELECT previous_deployment_id FROM aliases WHERE previous_deployment_id IS NOT NULL`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// DeleteAliasesByEnvironment removes every alias scoped to an environment.
func (r *Repository) DeleteAliasesByEnvironment(ctx context.Context, projectID, environmentID string) error {
	const query = `DELETE FROM aliases a
		USING deployments d
		WHERE d.id = a.deployment_id AND d.project_id = $1 AND a.environment_id = $2`
	_, err := r.pool.Exec(ctx, query, projectID, environmentID)
	return err
}

func scanAlias(row scanner) (*domain.Alias, error) {
	var (
		alias    domain.Alias
		previous sql.NullString
	)
	if err := row.Scan(
		&alias.ID,
		&alias.Subdomain,
		&alias.DeploymentID,
		&previous,
		&alias.Type,
		&alias.Value,
		&alias.EnvironmentID,
		&alias.CreatedAt,
		&alias.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if previous.Valid {
		value := previous.String
		alias.PreviousDeploymentID = &value
	}
	return &alias, nil
}
