// Package config loads the server-level rolloutd.yaml: infra hooks,
// artifact registry settings and notification targets. Pipeline
// definitions live in their own file, loaded by internal/pipeline.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"rolloutd/internal/infra"
	"rolloutd/internal/pipeline"
	"rolloutd/internal/security"
)

// RegistryConfig selects and configures the artifact registry.
type RegistryConfig struct {
	// Type is "github" or "static". Default "static".
	Type string `yaml:"type"`

	// TokenEnv names the environment variable holding the GitHub token.
	// The token itself never appears in the config file.
	TokenEnv string `yaml:"token_env"`

	// Repos maps service names to "owner/repo" release sources.
	Repos map[string]string `yaml:"repos"`
}

// NotifyConfig configures the terminal-state notifier.
type NotifyConfig struct {
	// WebhookURL receives JSON notifications. Empty means log-only.
	WebhookURL string `yaml:"webhook_url"`
}

// Config is the parsed rolloutd.yaml.
type Config struct {
	// Pipelines is the path to the pipeline definitions file.
	Pipelines string `yaml:"pipelines"`

	// PollInterval is the registry polling cadence. Default 30s.
	PollInterval pipeline.Duration `yaml:"poll_interval"`

	Infra    infra.HookSet  `yaml:"infra"`
	Registry RegistryConfig `yaml:"registry"`
	Notify   NotifyConfig   `yaml:"notify"`
}

// Load reads and validates the configuration from a YAML file.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates configuration YAML.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	applyDefaults(&cfg)

	if errors := Validate(&cfg); len(errors) > 0 {
		return nil, fmt.Errorf("invalid configuration:\n%s", strings.Join(errors, "\n"))
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Pipelines == "" {
		cfg.Pipelines = "pipelines.yaml"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = pipeline.Duration(30 * time.Second)
	}
	if cfg.Registry.Type == "" {
		cfg.Registry.Type = "static"
	}
}

// Validate collects every configuration problem rather than stopping at
// the first, so a broken config can be fixed in one pass.
func Validate(cfg *Config) []string {
	var errors []string

	switch cfg.Registry.Type {
	case "static":
		// Nothing to configure
	case "github":
		if cfg.Registry.TokenEnv == "" {
			errors = append(errors, "  - registry.token_env is required for the github registry")
		} else if os.Getenv(cfg.Registry.TokenEnv) == "" {
			errors = append(errors, fmt.Sprintf("  - environment variable %s is not set", cfg.Registry.TokenEnv))
		}
		if len(cfg.Registry.Repos) == 0 {
			errors = append(errors, "  - registry.repos must map at least one service to an owner/repo")
		}
		for service, repo := range cfg.Registry.Repos {
			if err := security.ValidateServiceName(service); err != nil {
				errors = append(errors, fmt.Sprintf("  - registry.repos: invalid service name '%s': %v", service, err))
			}
			if len(strings.Split(repo, "/")) != 2 {
				errors = append(errors, fmt.Sprintf("  - registry.repos[%s]: '%s' is not owner/repo", service, repo))
			}
		}
	default:
		errors = append(errors, fmt.Sprintf("  - registry.type must be 'github' or 'static', got '%s'", cfg.Registry.Type))
	}

	if cfg.Notify.WebhookURL != "" &&
		!strings.HasPrefix(cfg.Notify.WebhookURL, "https://") &&
		!strings.HasPrefix(cfg.Notify.WebhookURL, "http://") {
		errors = append(errors, "  - notify.webhook_url must be an http(s) URL")
	}

	if cfg.PollInterval.Std() < time.Second {
		errors = append(errors, "  - poll_interval must be at least 1s")
	}

	return errors
}
