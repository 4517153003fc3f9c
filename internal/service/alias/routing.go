package alias

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-retry"
	"gopkg.in/yaml.v3"

	"github.com/hunvreus/devpush/internal/domain"
)

// Traefik dynamic-configuration document. Services are declared by the
// docker provider from container labels; this file only adds routers and
// middlewares, hence the @docker provider suffix on service references.
type dynamicConfig struct {
	HTTP httpConfig `yaml:"http"`
}

type httpConfig struct {
	Routers     map[string]routerConfig     `yaml:"routers,omitempty"`
	Middlewares map[string]middlewareConfig `yaml:"middlewares,omitempty"`
}

type routerConfig struct {
	Rule        string   `yaml:"rule"`
	Service     string   `yaml:"service"`
	Priority    int      `yaml:"priority,omitempty"`
	Middlewares []string `yaml:"middlewares,omitempty"`
}

type middlewareConfig struct {
	RedirectRegex *redirectRegexConfig `yaml:"redirectRegex,omitempty"`
}

type redirectRegexConfig struct {
	Regex       string `yaml:"regex"`
	Replacement string `yaml:"replacement"`
	Permanent   bool   `yaml:"permanent"`
}

const aliasRouterPriority = 20

// UpdateRoutingConfig regenerates the project's routing file from aliases of
// succeeded deployments plus includeIDs (the deployment mid-finalize, whose
// conclusion is not committed yet) and active user domains. Nothing to route
// removes the file; otherwise the new document lands via temp file + atomic
// rename so a file watcher never sees a partial write.
func (s *Service) UpdateRoutingConfig(ctx context.Context, project *domain.Project, includeIDs ...string) error {
	included := make(map[string]struct{}, len(includeIDs))
	for _, id := range includeIDs {
		included[id] = struct{}{}
	}

	aliases, err := s.aliases.ListAliasesByProject(ctx, project.ID)
	if err != nil {
		return fmt.Errorf("list aliases: %w", err)
	}

	routable := make([]domain.Alias, 0, len(aliases))
	envIDTarget := make(map[string]string) // environment id -> routable deployment id
	envAliasHost := make(map[string]string)
	for _, a := range aliases {
		if _, ok := included[a.DeploymentID]; !ok {
			d, err := s.deployments.GetDeploymentByID(ctx, a.DeploymentID)
			if err != nil {
				s.logger.Warn("alias target lookup failed", "subdomain", a.Subdomain, "deployment_id", a.DeploymentID, "error", err)
				continue
			}
			if d.Conclusion != domain.ConclusionSucceeded {
				continue
			}
		}
		routable = append(routable, a)
		if a.Type == domain.AliasEnvironmentID {
			envIDTarget[a.EnvironmentID] = a.DeploymentID
		}
		if a.Type == domain.AliasEnvironment {
			envAliasHost[a.EnvironmentID] = fmt.Sprintf("%s.%s", a.Subdomain, s.cfg.DeployDomain)
		}
	}

	domains, err := s.domains.ListActiveDomainsByProject(ctx, project.ID)
	if err != nil {
		return fmt.Errorf("list domains: %w", err)
	}

	cfg := dynamicConfig{HTTP: httpConfig{
		Routers:     make(map[string]routerConfig),
		Middlewares: make(map[string]middlewareConfig),
	}}

	for _, a := range routable {
		cfg.HTTP.Routers["alias-"+a.Subdomain] = routerConfig{
			Rule:     fmt.Sprintf("Host(`%s.%s`)", a.Subdomain, s.cfg.DeployDomain),
			Service:  fmt.Sprintf("deployment-%s@docker", a.DeploymentID),
			Priority: aliasRouterPriority,
		}
	}

	for _, d := range domains {
		name := "domain-" + Sanitize(d.Hostname)
		if d.Redirect() {
			target, ok := envAliasHost[d.EnvironmentID]
			if !ok {
				s.logger.Warn("redirect domain has no environment alias", "hostname", d.Hostname, "environment_id", d.EnvironmentID)
				continue
			}
			middlewareName := name + "-redirect"
			cfg.HTTP.Middlewares[middlewareName] = middlewareConfig{
				RedirectRegex: &redirectRegexConfig{
					Regex:       fmt.Sprintf("^https?://%s/(.*)", d.Hostname),
					Replacement: fmt.Sprintf("%s://%s/${1}", s.cfg.URLScheme, target),
					Permanent:   d.Permanent(),
				},
			}
			cfg.HTTP.Routers[name] = routerConfig{
				Rule:        fmt.Sprintf("Host(`%s`)", d.Hostname),
				Service:     "noop@internal",
				Middlewares: []string{middlewareName},
			}
			continue
		}

		deploymentID, ok := envIDTarget[d.EnvironmentID]
		if !ok {
			s.logger.Warn("route domain has no deployment", "hostname", d.Hostname, "environment_id", d.EnvironmentID)
			continue
		}
		cfg.HTTP.Routers[name] = routerConfig{
			Rule:    fmt.Sprintf("Host(`%s`)", d.Hostname),
			Service: fmt.Sprintf("deployment-%s@docker", deploymentID),
		}
	}

	path := s.routingPath(project.ID)
	if len(cfg.HTTP.Routers) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove routing config: %w", err)
		}
		s.logger.Info("routing config removed", "project_id", project.ID)
		return nil
	}

	payload, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal routing config: %w", err)
	}

	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(100*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		return retry.RetryableError(writeAtomic(path, payload))
	})
	if err != nil {
		return fmt.Errorf("write routing config: %w", err)
	}

	s.logger.Info("routing config written", "project_id", project.ID, "routers", len(cfg.HTTP.Routers))
	return nil
}

func (s *Service) routingPath(projectID string) string {
	return filepath.Join(s.cfg.TraefikDir, fmt.Sprintf("project_%s.yml", projectID))
}

// writeAtomic writes payload next to path and renames it into place. The
// temp file lives in the same directory so the rename stays on one
// filesystem.
func writeAtomic(path string, payload []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".routing-*.yml")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
