package alias

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/hunvreus/devpush/internal/domain"
	"github.com/hunvreus/devpush/internal/repository"
	"github.com/hunvreus/devpush/pkg/config"
)

// ErrNoRollbackTarget indicates an alias without rollback history.
var ErrNoRollbackTarget = errors.New("no previous deployment to roll back to")

// The production environment keeps the bare project slug as its subdomain.
const productionSlug = "production"

// publisher is the slice of the event publisher the alias service uses.
type publisher interface {
	RollbackPerformed(ctx context.Context, projectID, subdomain, fromDeploymentID, toDeploymentID string) error
}

// Service derives alias subdomains, persists alias rows and publishes the
// reverse proxy's dynamic routing configuration.
type Service struct {
	aliases     repository.AliasRepository
	domains     repository.DomainRepository
	deployments repository.DeploymentRepository
	publisher   publisher
	logger      *slog.Logger
	cfg         config.EngineConfig
}

// New returns an alias service.
func New(aliases repository.AliasRepository, domains repository.DomainRepository, deployments repository.DeploymentRepository, publisher publisher, logger *slog.Logger, cfg config.EngineConfig) *Service {
	return &Service{
		aliases:     aliases,
		domains:     domains,
		deployments: deployments,
		publisher:   publisher,
		logger:      logger,
		cfg:         cfg,
	}
}

var subdomainUnsafe = regexp.MustCompile(`[^a-zA-Z0-9-]`)

// Sanitize lowercases value and replaces anything outside [a-zA-Z0-9-].
func Sanitize(value string) string {
	return strings.ToLower(subdomainUnsafe.ReplaceAllString(value, "-"))
}

// BranchSubdomain derives the branch alias subdomain. An empty sanitized
// branch yields no alias.
func BranchSubdomain(projectSlug, branch string) string {
	sanitized := Sanitize(branch)
	if strings.Trim(sanitized, "-") == "" {
		return ""
	}
	return fmt.Sprintf("%s-branch-%s", projectSlug, sanitized)
}

// EnvironmentSubdomain derives the environment alias subdomain. Production
// keeps the bare project slug.
func EnvironmentSubdomain(projectSlug string, env domain.Environment) string {
	if env.Slug == productionSlug {
		return projectSlug
	}
	return fmt.Sprintf("%s-env-%s", projectSlug, Sanitize(env.Slug))
}

// EnvironmentIDSubdomain derives the rename-proof alias keyed to the
// environment's immutable id. Always present.
func EnvironmentIDSubdomain(projectSlug string, env domain.Environment) string {
	return fmt.Sprintf("%s-env-id-%s", projectSlug, Sanitize(env.ID))
}

// SetupAliases points the branch, environment and environment-id aliases at
// the deployment. Each upsert failure is logged and swallowed on its own so
// one bad row never blocks the others.
func (s *Service) SetupAliases(ctx context.Context, project *domain.Project, d *domain.Deployment) {
	env := project.EnvironmentByID(d.EnvironmentID)
	if env == nil {
		s.logger.Warn("environment missing, skipping aliases", "deployment_id", d.ID, "environment_id", d.EnvironmentID)
		return
	}

	type candidate struct {
		subdomain string
		aliasType string
		value     string
	}
	candidates := []candidate{
		{BranchSubdomain(project.Slug, d.Branch), domain.AliasBranch, d.Branch},
		{EnvironmentSubdomain(project.Slug, *env), domain.AliasEnvironment, env.Slug},
		{EnvironmentIDSubdomain(project.Slug, *env), domain.AliasEnvironmentID, env.ID},
	}

	for _, c := range candidates {
		if c.subdomain == "" {
			continue
		}
		alias := &domain.Alias{
			Subdomain:     c.subdomain,
			DeploymentID:  d.ID,
			Type:          c.aliasType,
			Value:         c.value,
			EnvironmentID: env.ID,
		}
		if err := s.aliases.UpsertAlias(ctx, alias); err != nil {
			s.logger.Warn("alias upsert failed", "subdomain", c.subdomain, "deployment_id", d.ID, "error", err)
			continue
		}
		s.logger.Info("alias set", "subdomain", c.subdomain, "deployment_id", d.ID, "type", c.aliasType)
	}
}

// RemoveEnvironmentAliases drops every alias scoped to an environment and
// regenerates the project's routing. Invoked when the surrounding
// application deletes an environment.
func (s *Service) RemoveEnvironmentAliases(ctx context.Context, project *domain.Project, environmentID string) error {
	if err := s.aliases.DeleteAliasesByEnvironment(ctx, project.ID, environmentID); err != nil {
		return fmt.Errorf("delete aliases for environment %s: %w", environmentID, err)
	}
	if err := s.UpdateRoutingConfig(ctx, project); err != nil {
		return fmt.Errorf("regenerate routing for project %s: %w", project.ID, err)
	}
	s.logger.Info("environment aliases removed", "project_id", project.ID, "environment_id", environmentID)
	return nil
}

// Rollback swaps an environment's canonical alias back to its previous
// deployment and regenerates routing. Swapping twice restores the original
// pair.
func (s *Service) Rollback(ctx context.Context, project *domain.Project, environmentID string) (*domain.Alias, error) {
	env := project.EnvironmentByID(environmentID)
	if env == nil {
		return nil, fmt.Errorf("environment %s not found on project %s", environmentID, project.ID)
	}

	subdomain := EnvironmentSubdomain(project.Slug, *env)
	current, err := s.aliases.GetAliasBySubdomain(ctx, subdomain)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("no alias for subdomain %s", subdomain)
		}
		return nil, err
	}
	if current.PreviousDeploymentID == nil {
		return nil, ErrNoRollbackTarget
	}

	swapped, err := s.aliases.SwapAlias(ctx, subdomain)
	if err != nil {
		return nil, fmt.Errorf("swap alias %s: %w", subdomain, err)
	}

	if err := s.UpdateRoutingConfig(ctx, project); err != nil {
		s.logger.Error("routing update after rollback failed", "project_id", project.ID, "error", err)
	}

	if err := s.publisher.RollbackPerformed(ctx, project.ID, subdomain, current.DeploymentID, swapped.DeploymentID); err != nil {
		s.logger.Warn("rollback event publish failed", "project_id", project.ID, "error", err)
	}

	s.logger.Info("rollback performed",
		"project_id", project.ID,
		"subdomain", subdomain,
		"from", current.DeploymentID,
		"to", swapped.DeploymentID,
	)
	return swapped, nil
}
