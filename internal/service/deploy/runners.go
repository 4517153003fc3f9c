package deploy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hunvreus/devpush/internal/domain"
)

// Catalog maps runner slugs to runtime images.
type Catalog map[string]domain.Runner

// LoadRunners reads the runner catalog from a YAML file.
func LoadRunners(path string) (Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read runners file: %w", err)
	}
	var doc struct {
		Runners []domain.Runner `yaml:"runners"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse runners file: %w", err)
	}
	catalog := make(Catalog, len(doc.Runners))
	for _, r := range doc.Runners {
		catalog[r.Slug] = r
	}
	return catalog, nil
}

// Resolve returns the runner for a slug, rejecting unknown, disabled and
// imageless entries with distinct reasons.
func (c Catalog) Resolve(slug string) (domain.Runner, error) {
	runner, ok := c[slug]
	if !ok {
		return domain.Runner{}, fmt.Errorf("runner %q not found in catalog", slug)
	}
	if !runner.Enabled {
		return domain.Runner{}, fmt.Errorf("runner %q is disabled", slug)
	}
	if runner.Image == "" {
		return domain.Runner{}, fmt.Errorf("runner %q has no image configured", slug)
	}
	return runner, nil
}
