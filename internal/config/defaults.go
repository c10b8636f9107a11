package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/compresr/ai-gateway/internal/admission"
)

// Defaults applied to fields left unset.
const (
	DefaultHost            = "127.0.0.1"
	DefaultPort            = 18080
	DefaultReadTimeout     = 30 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	DefaultQueueTimeout    = 30 * time.Second
	DefaultMaxPayloadBytes = 10 * 1024 * 1024
	DefaultRequestTimeout  = 5 * time.Minute

	DefaultMaxIterations = 8
	DefaultCallTimeout   = 60 * time.Second
	DefaultMaxReadBytes  = 256 * 1024

	DefaultFlushInterval = 2 * time.Second
	DefaultQueueSize     = 1024
	DefaultMaxBodyBytes  = 64 * 1024

	DefaultLogLevel             = "info"
	DefaultLogFormat            = "json"
	DefaultLogOutput            = "stderr"
	DefaultHighLatencyThreshold = 30 * time.Second
)

// HomeDir is ~/.config/ai-gateway, or a relative .ai-gateway when the home
// directory is unknown.
func HomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".ai-gateway"
	}
	return filepath.Join(home, ".config", "ai-gateway")
}

// DefaultAuditDir is where audit files go when audit.dir is unset.
func DefaultAuditDir() string {
	return filepath.Join(HomeDir(), "audit")
}

// ApplyDefaults fills unset fields. Zero-valued limits stay zero: zero
// means unlimited there.
func (c *Config) ApplyDefaults() {
	s := &c.Server
	if s.Host == "" {
		s.Host = DefaultHost
	}
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}

	a := &c.Admission
	if a.QueuePolicy == "" {
		a.QueuePolicy = admission.PolicyReject
	}
	if a.QueueTimeout == 0 {
		a.QueueTimeout = DefaultQueueTimeout
	}
	if a.MaxPayloadBytes == 0 {
		a.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if a.RequestTimeout == 0 {
		a.RequestTimeout = DefaultRequestTimeout
	}
	if a.PerConnection == "" {
		a.PerConnection = PerConnectionReject
	}

	t := &c.Tools
	if t.MaxIterations == 0 {
		t.MaxIterations = DefaultMaxIterations
	}
	if t.CallTimeout == 0 {
		t.CallTimeout = DefaultCallTimeout
	}
	if t.MaxReadBytes == 0 {
		t.MaxReadBytes = DefaultMaxReadBytes
	}

	au := &c.Audit
	if au.Dir == "" {
		au.Dir = DefaultAuditDir()
	}
	if au.FlushInterval == 0 {
		au.FlushInterval = DefaultFlushInterval
	}
	if au.QueueSize == 0 {
		au.QueueSize = DefaultQueueSize
	}
	if au.MaxBodyBytes == 0 {
		au.MaxBodyBytes = DefaultMaxBodyBytes
	}

	m := &c.Monitoring
	if m.LogLevel == "" {
		m.LogLevel = DefaultLogLevel
	}
	if m.LogFormat == "" {
		m.LogFormat = DefaultLogFormat
	}
	if m.LogOutput == "" {
		m.LogOutput = DefaultLogOutput
	}
	if m.HighLatencyThreshold == 0 {
		m.HighLatencyThreshold = DefaultHighLatencyThreshold
	}
}
