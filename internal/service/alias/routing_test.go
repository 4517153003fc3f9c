package alias

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/hunvreus/devpush/internal/domain"
)

func TestUpdateRoutingConfigWritesRoutersForSucceededAliases(t *testing.T) {
	dir := t.TempDir()
	aliasRepo := newFakeAliasRepo()
	depRepo := newFakeDeploymentRepo()
	depRepo.addSucceeded("dep-1", "proj-1")
	svc := newTestService(func(s *Service) {
		s.aliases = aliasRepo
		s.deployments = depRepo
		s.cfg.TraefikDir = dir
	})
	project := testProject()
	svc.SetupAliases(context.Background(), project, testDeployment("dep-1", "main", "env-prod"))

	if err := svc.UpdateRoutingConfig(context.Background(), project); err != nil {
		t.Fatalf("UpdateRoutingConfig returned error: %v", err)
	}

	doc := readRoutingDoc(t, filepath.Join(dir, "project_proj-1.yml"))
	router, ok := doc.HTTP.Routers["alias-acme"]
	if !ok {
		t.Fatalf("expected alias-acme router, got %v", routerNames(doc))
	}
	if router.Rule != "Host(`acme.devpu.sh`)" {
		t.Fatalf("unexpected rule %q", router.Rule)
	}
	if router.Service != "deployment-dep-1@docker" {
		t.Fatalf("unexpected service %q", router.Service)
	}
	if router.Priority != 20 {
		t.Fatalf("expected alias priority 20, got %d", router.Priority)
	}
}

func TestUpdateRoutingConfigSkipsUnconcludedAliasTargets(t *testing.T) {
	dir := t.TempDir()
	aliasRepo := newFakeAliasRepo()
	depRepo := newFakeDeploymentRepo()
	depRepo.deployments["dep-1"] = &domain.Deployment{
		ID: "dep-1", ProjectID: "proj-1", Status: domain.StatusDeploy,
	}
	svc := newTestService(func(s *Service) {
		s.aliases = aliasRepo
		s.deployments = depRepo
		s.cfg.TraefikDir = dir
	})
	project := testProject()
	svc.SetupAliases(context.Background(), project, testDeployment("dep-1", "main", "env-prod"))

	if err := svc.UpdateRoutingConfig(context.Background(), project); err != nil {
		t.Fatalf("UpdateRoutingConfig returned error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "project_proj-1.yml")); !os.IsNotExist(err) {
		t.Fatalf("expected no routing file for unconcluded target, stat err: %v", err)
	}

	// The same deployment becomes routable mid-finalize via an include.
	if err := svc.UpdateRoutingConfig(context.Background(), project, "dep-1"); err != nil {
		t.Fatalf("UpdateRoutingConfig with include returned error: %v", err)
	}
	doc := readRoutingDoc(t, filepath.Join(dir, "project_proj-1.yml"))
	if _, ok := doc.HTTP.Routers["alias-acme"]; !ok {
		t.Fatalf("expected included deployment routed, got %v", routerNames(doc))
	}
}

func TestUpdateRoutingConfigRegenerationIsByteIdentical(t *testing.T) {
	dir := t.TempDir()
	aliasRepo := newFakeAliasRepo()
	depRepo := newFakeDeploymentRepo()
	depRepo.addSucceeded("dep-1", "proj-1")
	domains := fakeDomainRepo{domains: []domain.Domain{
		{Hostname: "www.acme.dev", Type: domain.DomainRoute, EnvironmentID: "env-prod", ProjectID: "proj-1"},
		{Hostname: "old.acme.dev", Type: domain.DomainRedirect301, EnvironmentID: "env-prod", ProjectID: "proj-1"},
	}}
	svc := newTestService(func(s *Service) {
		s.aliases = aliasRepo
		s.deployments = depRepo
		s.domains = domains
		s.cfg.TraefikDir = dir
	})
	project := testProject()
	svc.SetupAliases(context.Background(), project, testDeployment("dep-1", "main", "env-prod"))

	path := filepath.Join(dir, "project_proj-1.yml")
	if err := svc.UpdateRoutingConfig(context.Background(), project); err != nil {
		t.Fatalf("first UpdateRoutingConfig returned error: %v", err)
	}
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read routing file: %v", err)
	}

	if err := svc.UpdateRoutingConfig(context.Background(), project); err != nil {
		t.Fatalf("second UpdateRoutingConfig returned error: %v", err)
	}
	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read routing file: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("expected regeneration from unchanged state to be byte-identical")
	}
}

func TestUpdateRoutingConfigRedirectDomains(t *testing.T) {
	dir := t.TempDir()
	aliasRepo := newFakeAliasRepo()
	depRepo := newFakeDeploymentRepo()
	depRepo.addSucceeded("dep-1", "proj-1")
	domains := fakeDomainRepo{domains: []domain.Domain{
		{Hostname: "old.acme.dev", Type: domain.DomainRedirect301, EnvironmentID: "env-prod", ProjectID: "proj-1"},
		{Hostname: "tmp.acme.dev", Type: domain.DomainRedirect302, EnvironmentID: "env-prod", ProjectID: "proj-1"},
	}}
	svc := newTestService(func(s *Service) {
		s.aliases = aliasRepo
		s.deployments = depRepo
		s.domains = domains
		s.cfg.TraefikDir = dir
	})
	project := testProject()
	svc.SetupAliases(context.Background(), project, testDeployment("dep-1", "main", "env-prod"))

	if err := svc.UpdateRoutingConfig(context.Background(), project); err != nil {
		t.Fatalf("UpdateRoutingConfig returned error: %v", err)
	}

	doc := readRoutingDoc(t, filepath.Join(dir, "project_proj-1.yml"))
	permanent, ok := doc.HTTP.Middlewares["domain-old-acme-dev-redirect"]
	if !ok || permanent.RedirectRegex == nil {
		t.Fatalf("expected redirect middleware for old.acme.dev, got %v", doc.HTTP.Middlewares)
	}
	if !permanent.RedirectRegex.Permanent {
		t.Fatal("expected 301 redirect marked permanent")
	}
	temporary := doc.HTTP.Middlewares["domain-tmp-acme-dev-redirect"]
	if temporary.RedirectRegex == nil || temporary.RedirectRegex.Permanent {
		t.Fatal("expected 302 redirect marked temporary")
	}
	if temporary.RedirectRegex.Replacement != "https://acme.devpu.sh/${1}" {
		t.Fatalf("unexpected replacement %q", temporary.RedirectRegex.Replacement)
	}
	router := doc.HTTP.Routers["domain-old-acme-dev"]
	if router.Service != "noop@internal" {
		t.Fatalf("expected redirect router on noop service, got %q", router.Service)
	}
}

func TestUpdateRoutingConfigRemovesFileWhenNothingRoutable(t *testing.T) {
	dir := t.TempDir()
	aliasRepo := newFakeAliasRepo()
	depRepo := newFakeDeploymentRepo()
	depRepo.addSucceeded("dep-1", "proj-1")
	svc := newTestService(func(s *Service) {
		s.aliases = aliasRepo
		s.deployments = depRepo
		s.cfg.TraefikDir = dir
	})
	project := testProject()
	svc.SetupAliases(context.Background(), project, testDeployment("dep-1", "main", "env-prod"))

	path := filepath.Join(dir, "project_proj-1.yml")
	if err := svc.UpdateRoutingConfig(context.Background(), project); err != nil {
		t.Fatalf("UpdateRoutingConfig returned error: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected routing file written first: %v", err)
	}

	// The only routable deployment loses its conclusion record.
	depRepo.deployments["dep-1"].Conclusion = domain.ConclusionFailed
	if err := svc.UpdateRoutingConfig(context.Background(), project); err != nil {
		t.Fatalf("UpdateRoutingConfig returned error: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected routing file removed, stat err: %v", err)
	}
}

func readRoutingDoc(t *testing.T, path string) dynamicConfig {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read routing file: %v", err)
	}
	var doc dynamicConfig
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("parse routing file: %v", err)
	}
	return doc
}

func routerNames(doc dynamicConfig) []string {
	names := make([]string, 0, len(doc.HTTP.Routers))
	for name := range doc.HTTP.Routers {
		names = append(names, name)
	}
	return names
}
