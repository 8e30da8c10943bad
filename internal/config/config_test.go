package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default("proj-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Alerts.DefaultAssignee == "" || cfg.Alerts.CacheTTLSeconds <= 0 {
		t.Fatalf("defaults missing: %+v", cfg.Alerts)
	}
}

func TestFromYAMLRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"missing project": "workflow:\n  kind: construction\nalerts:\n  default_assignee: office-queue\n  cache_ttl_seconds: 60\n  cache_capacity: 100\n",
		"unknown role": `project:
  id: p1
workflow:
  kind: construction
alerts:
  default_assignee: office-queue
  cache_ttl_seconds: 60
  cache_capacity: 100
assignments:
  intern: alice
`,
		"empty assignee": `project:
  id: p1
workflow:
  kind: construction
alerts:
  default_assignee: office-queue
  cache_ttl_seconds: 60
  cache_capacity: 100
assignments:
  sales: ""
`,
		"zero ttl": `project:
  id: p1
workflow:
  kind: construction
alerts:
  default_assignee: office-queue
  cache_ttl_seconds: 0
  cache_capacity: 100
`,
		"webhook without url": `project:
  id: p1
workflow:
  kind: construction
alerts:
  default_assignee: office-queue
  cache_ttl_seconds: 60
  cache_capacity: 100
webhooks:
  - events: [alert.created]
`,
	}
	for name, yml := range cases {
		if _, err := FromYAML([]byte(yml)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("expected nil,nil for missing file, got %v %v", cfg, err)
	}
	path := filepath.Join(dir, "siteline.yml")
	if err := os.WriteFile(path, []byte(GenerateDefault("proj-2")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Project.ID != "proj-2" {
		t.Fatalf("project id %s", cfg.Project.ID)
	}
}
