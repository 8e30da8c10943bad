package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"siteline/internal/catalog"
)

// Config models siteline.yml. The workflow catalog itself lives in its own
// YAML document (see internal/catalog); this config carries everything around
// it: role assignments, alert defaults and webhook endpoints.
type Config struct {
	Project struct {
		ID string `yaml:"id"`
	} `yaml:"project"`
	Workflow struct {
		Kind string `yaml:"kind"`
	} `yaml:"workflow"`
	Alerts struct {
		// DefaultAssignee receives alerts whose responsible role has no
		// assignment for the project.
		DefaultAssignee string `yaml:"default_assignee"`
		CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
		CacheCapacity   int    `yaml:"cache_capacity"`
	} `yaml:"alerts"`
	// Assignments seeds the role directory: responsible role -> user id.
	Assignments map[string]string `yaml:"assignments"`
	Webhooks    []WebhookConfig   `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Validate fails fast on structural problems so a bad config never reaches
// request handling.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Workflow.Kind == "" {
		return fmt.Errorf("config.workflow.kind is required")
	}
	if c.Alerts.DefaultAssignee == "" {
		return fmt.Errorf("config.alerts.default_assignee is required")
	}
	if c.Alerts.CacheTTLSeconds <= 0 {
		return fmt.Errorf("config.alerts.cache_ttl_seconds must be positive")
	}
	if c.Alerts.CacheCapacity <= 0 {
		return fmt.Errorf("config.alerts.cache_capacity must be positive")
	}
	known := map[string]bool{}
	for _, r := range catalog.Roles {
		known[r] = true
	}
	for role, user := range c.Assignments {
		if !known[role] {
			return fmt.Errorf("config.assignments references unknown role %q", role)
		}
		if user == "" {
			return fmt.Errorf("config.assignments.%s has empty user id", role)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "siteline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with sl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

const defaultTemplate = `project:
  id: %s

workflow:
  kind: construction

alerts:
  default_assignee: office-queue
  cache_ttl_seconds: 60
  cache_capacity: 1000

assignments: {}
`
