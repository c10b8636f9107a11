package config

import (
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"time"

	"github.com/compresr/ai-gateway/internal/admission"
	"github.com/compresr/ai-gateway/internal/audit"
	"github.com/compresr/ai-gateway/internal/monitoring"
)

// =============================================================================
// SERVER
// =============================================================================

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`             // Bind address; loopback by default
	Port            int           `yaml:"port"`             // Port to listen on
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // Max time to read request
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // Max time to write response (0 = none, for streams)
	IdleTimeout     time.Duration `yaml:"idle_timeout"`     // Keep-alive idle time
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // Graceful drain on SIGTERM
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Validate checks the server section.
func (s ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d (must be 1-65535)", s.Port)
	}
	if s.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be positive")
	}
	return nil
}

// =============================================================================
// ADMISSION
// =============================================================================

// Per-connection policies.
const (
	PerConnectionReject = "reject"
	PerConnectionQueue  = "queue"
)

// AdmissionConfig controls who may call and how much. Zero disables a limit.
type AdmissionConfig struct {
	APIKey              string        `yaml:"api_key"`                // Shared secret; empty disables auth
	AllowedIPs          []string      `yaml:"allowed_ips"`            // IPs or CIDRs; empty allows all
	RequestsPerMinute   int           `yaml:"requests_per_minute"`    // Per-IP sliding window
	MaxConnectionsPerIP int           `yaml:"max_connections_per_ip"` // Open requests per IP
	MaxConcurrent       int           `yaml:"max_concurrent"`         // Open requests overall
	QueuePolicy         string        `yaml:"queue_policy"`           // reject | queue
	QueueTimeout        time.Duration `yaml:"queue_timeout"`          // Max wait when queueing
	MaxPayloadBytes     int64         `yaml:"max_payload_bytes"`      // Request body cap
	RequestTimeout      time.Duration `yaml:"request_timeout"`        // Whole-request deadline
	PerConnection       string        `yaml:"per_connection"`         // reject | queue a 2nd completion on one connection
	IdleEviction        time.Duration `yaml:"idle_eviction"`          // Forget idle per-IP state
	MaxTrackedIPs       int           `yaml:"max_tracked_ips"`        // Bound on per-IP state
}

// Validate checks the admission section.
func (a AdmissionConfig) Validate() error {
	if _, err := admission.ParseAllowList(a.AllowedIPs); err != nil {
		return fmt.Errorf("admission.allowed_ips: %w", err)
	}
	if a.RequestsPerMinute < 0 || a.MaxConnectionsPerIP < 0 || a.MaxConcurrent < 0 || a.MaxPayloadBytes < 0 {
		return fmt.Errorf("admission: limits must not be negative")
	}
	if a.QueuePolicy != admission.PolicyReject && a.QueuePolicy != admission.PolicyQueue {
		return fmt.Errorf("admission.queue_policy must be %q or %q, got %q", admission.PolicyReject, admission.PolicyQueue, a.QueuePolicy)
	}
	if a.PerConnection != PerConnectionReject && a.PerConnection != PerConnectionQueue {
		return fmt.Errorf("admission.per_connection must be %q or %q, got %q", PerConnectionReject, PerConnectionQueue, a.PerConnection)
	}
	return nil
}

// Limits converts the section into the controller's snapshot.
func (a AdmissionConfig) Limits() (admission.Limits, error) {
	allow, err := admission.ParseAllowList(a.AllowedIPs)
	if err != nil {
		return admission.Limits{}, fmt.Errorf("admission.allowed_ips: %w", err)
	}
	return admission.Limits{
		APIKey:              a.APIKey,
		AllowList:           allow,
		RequestsPerMinute:   a.RequestsPerMinute,
		MaxConnectionsPerIP: a.MaxConnectionsPerIP,
		MaxConcurrent:       a.MaxConcurrent,
		QueuePolicy:         a.QueuePolicy,
		QueueTimeout:        a.QueueTimeout,
		MaxPayloadBytes:     a.MaxPayloadBytes,
		RequestTimeout:      a.RequestTimeout,
	}, nil
}

// =============================================================================
// UPSTREAMS
// =============================================================================

// Upstream types.
const (
	UpstreamOpenAI    = "openai"
	UpstreamAnthropic = "anthropic"
	UpstreamGemini    = "gemini"
	UpstreamBedrock   = "bedrock"
	UpstreamStatic    = "static"
)

// UpstreamConfig describes one model backend. With several upstreams, each
// named one serves its models as "name/model".
type UpstreamConfig struct {
	Name            string            `yaml:"name"`
	Type            string            `yaml:"type"`              // openai | anthropic | gemini | bedrock | static
	BaseURL         string            `yaml:"base_url"`          // HTTP types only
	APIKey          string            `yaml:"api_key"`           // HTTP types only
	Headers         map[string]string `yaml:"headers"`           // Extra request headers
	Models          []string          `yaml:"models"`            // Pinned model list; required for bedrock/static
	BodyOverrides   map[string]any    `yaml:"body_overrides"`    // sjson path -> value set on every request
	Timeout         time.Duration     `yaml:"timeout"`           // Non-streaming call bound
	Region          string            `yaml:"region"`            // bedrock only
	Endpoint        string            `yaml:"endpoint"`          // bedrock endpoint override
	Reply           string            `yaml:"reply"`             // static only
	Echo            bool              `yaml:"echo"`              // static only
	TokensPerMinute int               `yaml:"tokens_per_minute"` // 0 = unlimited
}

var upstreamTypes = []string{UpstreamOpenAI, UpstreamAnthropic, UpstreamGemini, UpstreamBedrock, UpstreamStatic}

// Validate checks one upstream.
func (u UpstreamConfig) Validate() error {
	if !slices.Contains(upstreamTypes, u.Type) {
		return fmt.Errorf("type must be one of %v, got %q", upstreamTypes, u.Type)
	}
	switch u.Type {
	case UpstreamOpenAI, UpstreamAnthropic, UpstreamGemini:
		if u.BaseURL == "" {
			return fmt.Errorf("base_url is required for %s", u.Type)
		}
		if parsed, err := url.Parse(u.BaseURL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("invalid base_url %q", u.BaseURL)
		}
	case UpstreamBedrock, UpstreamStatic:
		if len(u.Models) == 0 {
			return fmt.Errorf("models is required for %s", u.Type)
		}
	}
	if u.TokensPerMinute < 0 {
		return fmt.Errorf("tokens_per_minute must not be negative")
	}
	return nil
}

// =============================================================================
// MODELS
// =============================================================================

// ModelsConfig controls model resolution.
type ModelsConfig struct {
	// DefaultModel is used when a request names no model. Empty rejects
	// such requests.
	DefaultModel string `yaml:"default_model"`
}

// =============================================================================
// TOOLS
// =============================================================================

// ToolsConfig controls the tool loop.
type ToolsConfig struct {
	Enabled       bool               `yaml:"enabled"`        // Expose gateway tools to models
	WorkspaceRoot string             `yaml:"workspace_root"` // Root for workspace tools; empty disables them
	MaxReadBytes  int64              `yaml:"max_read_bytes"` // workspace_read_file cap
	MaxIterations int                `yaml:"max_iterations"` // Model turns per completion
	CallTimeout   time.Duration      `yaml:"call_timeout"`   // Aggregate bound on one turn's tool calls
	Servers       []ToolServerConfig `yaml:"servers"`        // External tool servers
}

// ToolServerConfig is one external tool server.
type ToolServerConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"` // ws:// or wss://
	Headers map[string]string `yaml:"headers"`
}

// Validate checks the tools section.
func (t ToolsConfig) Validate() error {
	if t.MaxIterations < 1 {
		return fmt.Errorf("tools.max_iterations must be at least 1")
	}
	names := make(map[string]bool, len(t.Servers))
	for i, s := range t.Servers {
		if s.Name == "" {
			return fmt.Errorf("tools.servers[%d].name is required", i)
		}
		if names[s.Name] {
			return fmt.Errorf("tools.servers[%d]: duplicate name %q", i, s.Name)
		}
		names[s.Name] = true
		parsed, err := url.Parse(s.URL)
		if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") {
			return fmt.Errorf("tools.servers[%d].url must be a ws:// or wss:// URL", i)
		}
	}
	return nil
}

// =============================================================================
// PIPELINE
// =============================================================================

// PipelineConfig tunes the completion pipeline.
type PipelineConfig struct {
	// EstimateUsage fills token counts the upstream did not report.
	EstimateUsage bool `yaml:"estimate_usage"`
}

// =============================================================================
// AUDIT
// =============================================================================

// AuditConfig controls the audit trail.
type AuditConfig struct {
	Dir           string        `yaml:"dir"`            // Directory of audit-YYYY-MM-DD.jsonl files
	FlushInterval time.Duration `yaml:"flush_interval"` // Batch write period
	QueueSize     int           `yaml:"queue_size"`     // Entries buffered before drops
	CaptureBodies bool          `yaml:"capture_bodies"` // Persist redacted request/response bodies
	MaxBodyBytes  int           `yaml:"max_body_bytes"` // Truncate persisted bodies
	RetentionDays int           `yaml:"retention_days"` // Purge horizon; 0 keeps everything
}

// Validate checks the audit section.
func (a AuditConfig) Validate() error {
	if a.Dir == "" {
		return fmt.Errorf("audit.dir is required")
	}
	if a.RetentionDays < 0 {
		return fmt.Errorf("audit.retention_days must not be negative")
	}
	return nil
}

// SinkConfig converts the section for audit.New.
func (a AuditConfig) SinkConfig() audit.Config {
	return audit.Config{Dir: a.Dir, FlushInterval: a.FlushInterval, QueueSize: a.QueueSize, MaxBodyBytes: a.MaxBodyBytes}
}

// =============================================================================
// REDACTION
// =============================================================================

// RedactionConfig controls secret scrubbing. Audit bodies are always
// redacted; upstream content only with ApplyToUpstream.
type RedactionConfig struct {
	ApplyToUpstream bool            `yaml:"apply_to_upstream"`
	Disabled        []string        `yaml:"disabled"` // Built-in pattern ids to turn off
	Patterns        []PatternConfig `yaml:"patterns"` // User patterns, applied after built-ins
}

// PatternConfig is one user redaction pattern.
type PatternConfig struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Regex   string `yaml:"regex"`
	Enabled *bool  `yaml:"enabled"` // nil means enabled
}

// Validate compiles every user pattern.
func (r RedactionConfig) Validate() error {
	for i, p := range r.Patterns {
		if p.ID == "" {
			return fmt.Errorf("redaction.patterns[%d].id is required", i)
		}
		if _, err := regexp.Compile(p.Regex); err != nil {
			return fmt.Errorf("redaction.patterns[%d] (%s): %w", i, p.ID, err)
		}
	}
	return nil
}

// AuditPatterns converts the user patterns for the audit redactor.
func (r RedactionConfig) AuditPatterns() []audit.Pattern {
	out := make([]audit.Pattern, 0, len(r.Patterns))
	for _, p := range r.Patterns {
		out = append(out, audit.Pattern{
			ID:      p.ID,
			Name:    p.Name,
			Regex:   p.Regex,
			Enabled: p.Enabled == nil || *p.Enabled,
		})
	}
	return out
}

// Redactor builds the redactor this section describes.
func (r RedactionConfig) Redactor() (*audit.Redactor, error) {
	return audit.NewRedactor(r.AuditPatterns(), r.Disabled)
}

// =============================================================================
// MONITORING
// =============================================================================

// MonitoringConfig contains logging and alert settings.
type MonitoringConfig struct {
	LogLevel             string        `yaml:"log_level"`              // debug, info, warn, error
	LogFormat            string        `yaml:"log_format"`             // json, console
	LogOutput            string        `yaml:"log_output"`             // stdout, stderr, or file path
	HighLatencyThreshold time.Duration `yaml:"high_latency_threshold"` // Warn above this
}

// Validate checks the monitoring section.
func (m MonitoringConfig) Validate() error {
	switch m.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("monitoring.log_format must be json or console, got %q", m.LogFormat)
	}
	return nil
}

// Logger returns the logger settings.
func (m MonitoringConfig) Logger() monitoring.LoggerConfig {
	return monitoring.LoggerConfig{Level: m.LogLevel, Format: m.LogFormat, Output: m.LogOutput}
}

// Alerts returns the alert thresholds.
func (m MonitoringConfig) Alerts() monitoring.AlertConfig {
	return monitoring.AlertConfig{HighLatencyThreshold: m.HighLatencyThreshold}
}
