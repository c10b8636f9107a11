// Package config loads and validates the gateway configuration.
//
// DESIGN: Configuration comes from one YAML file. Values may reference the
// environment with ${VAR} or ${VAR:-default}; a few AI_GATEWAY_* variables
// override fields after parsing. Anything left unset takes the defaults in
// defaults.go, then Validate rejects what cannot work.
//
// A loaded Config is never mutated. Reloads build a new one and swap it in
// through Holder, so a request that read a snapshot keeps seeing it.
//
// FILES:
//   - config.go:     Root Config struct, Load(), Validate()
//   - sections.go:   Per-section structs and their validation
//   - defaults.go:   Default values, ApplyDefaults()
//   - holder.go:     Atomic snapshot holder with reload subscribers
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the AI Gateway.
type Config struct {
	Server     ServerConfig     `yaml:"server"`     // HTTP listener
	Admission  AdmissionConfig  `yaml:"admission"`  // Who may call, how often, how big
	Upstreams  []UpstreamConfig `yaml:"upstreams"`  // Models behind the gateway
	Models     ModelsConfig     `yaml:"models"`     // Catalog policy
	Tools      ToolsConfig      `yaml:"tools"`      // Built-in and external tools
	Pipeline   PipelineConfig   `yaml:"pipeline"`   // Completion pipeline knobs
	Audit      AuditConfig      `yaml:"audit"`      // Audit trail
	Redaction  RedactionConfig  `yaml:"redaction"`  // Secret scrubbing
	Monitoring MonitoringConfig `yaml:"monitoring"` // Logging and alerts
}

// Environment variables that override parsed values.
const (
	EnvAPIKey   = "AI_GATEWAY_API_KEY"
	EnvAuditDir = "AI_GATEWAY_AUDIT_DIR"
	EnvPort     = "AI_GATEWAY_PORT"
)

// envPattern matches ${VAR:-default} or ${VAR}.
var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandEnvWithDefaults expands environment variables with support for default values.
// Supports both ${VAR} and ${VAR:-default} syntax.
func expandEnvWithDefaults(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) > 2 {
			return parts[2]
		}
		return ""
	})
}

// ExpandEnvWithDefaults is expandEnvWithDefaults for callers outside the
// package.
func ExpandEnvWithDefaults(s string) string {
	return expandEnvWithDefaults(s)
}

// Load reads configuration from a YAML file.
// Returns an error if the file doesn't exist or is invalid.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	cfg, err := LoadFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromBytes parses configuration from raw YAML bytes: env expansion,
// env overrides, defaults, then validation.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvWithDefaults(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides lets the environment win over the file for the values
// most often set per machine.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.Admission.APIKey = v
	}
	if v := os.Getenv(EnvAuditDir); v != "" {
		c.Audit.Dir = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid port %q", EnvPort, v)
		}
		c.Server.Port = port
	}
	return nil
}

// Validate checks if the configuration is valid. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(c.Server.Validate())
	add(c.Admission.Validate())
	add(c.validateUpstreams())
	add(c.Tools.Validate())
	add(c.Audit.Validate())
	add(c.Redaction.Validate())
	add(c.Monitoring.Validate())
	return errors.Join(errs...)
}

func (c *Config) validateUpstreams() error {
	if len(c.Upstreams) == 0 {
		return fmt.Errorf("upstreams: at least one upstream is required")
	}
	seen := make(map[string]bool, len(c.Upstreams))
	unnamed := 0
	for i := range c.Upstreams {
		u := &c.Upstreams[i]
		if err := u.Validate(); err != nil {
			return fmt.Errorf("upstreams[%d]: %w", i, err)
		}
		if u.Name == "" {
			unnamed++
			continue
		}
		if seen[u.Name] {
			return fmt.Errorf("upstreams[%d]: duplicate name %q", i, u.Name)
		}
		seen[u.Name] = true
	}
	if unnamed > 1 {
		return fmt.Errorf("upstreams: at most one upstream may omit name")
	}
	return nil
}
