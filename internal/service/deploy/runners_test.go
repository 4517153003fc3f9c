package deploy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadRunners(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runners.yml")
	payload := `runners:
  - slug: node-22
    image: devpush/runner-node:22
    enabled: true
  - slug: python-312
    image: devpush/runner-python:3.12
    enabled: false
`
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("write runners file: %v", err)
	}

	catalog, err := LoadRunners(path)
	if err != nil {
		t.Fatalf("LoadRunners returned error: %v", err)
	}
	if len(catalog) != 2 {
		t.Fatalf("expected 2 runners, got %d", len(catalog))
	}

	runner, err := catalog.Resolve("node-22")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if runner.Image != "devpush/runner-node:22" {
		t.Fatalf("unexpected image %q", runner.Image)
	}
}

func TestResolveRejectsUnknownAndDisabled(t *testing.T) {
	catalog := Catalog{
		"python-312": {Slug: "python-312", Image: "devpush/runner-python:3.12", Enabled: false},
		"broken":     {Slug: "broken", Enabled: true},
	}

	if _, err := catalog.Resolve("ghost"); err == nil {
		t.Fatal("expected error for unknown runner")
	}
	if _, err := catalog.Resolve("python-312"); err == nil {
		t.Fatal("expected error for disabled runner")
	}
	if _, err := catalog.Resolve("broken"); err == nil {
		t.Fatal("expected error for runner without image")
	}
}

func TestLoadRunnersMissingFile(t *testing.T) {
	if _, err := LoadRunners(filepath.Join(t.TempDir(), "absent.yml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
