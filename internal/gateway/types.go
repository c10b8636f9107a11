// Package gateway types - response shapes of the gateway's own endpoints.
//
// DESIGN: Completion endpoints speak each provider's wire format through the
// adapters. Everything else the gateway serves is plain JSON described here.
package gateway

import (
	"encoding/json"

	"github.com/compresr/ai-gateway/internal/admission"
	"github.com/compresr/ai-gateway/internal/audit"
)

// Headers.
const (
	HeaderRequestID = "X-Request-ID"
)

// Query bounds for the audit endpoints.
const (
	DefaultStatsDays    = 7
	MaxStatsDays        = 366
	DefaultPageSize     = 50
	MaxPageSize         = 500
	defaultOwner        = "ai-gateway"
	modelObject         = "model"
	listObject          = "list"
	healthStatusOK      = "ok"
	adminStatusReloaded = "reloaded"
)

// =============================================================================
// HEALTH
// =============================================================================

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string             `json:"status"`
	Version     string             `json:"version"`
	Time        string             `json:"time"`
	Uptime      string             `json:"uptime"`
	Admission   admission.Snapshot `json:"admission"`
	Connections int                `json:"connections"`
	Models      int                `json:"models"`
	Tools       int                `json:"tools"`
	Metrics     map[string]int64   `json:"metrics"`
	Rejections  map[string]int64   `json:"rejections"`
	Audit       *audit.SinkStats   `json:"audit,omitempty"`
}

// =============================================================================
// MODELS
// =============================================================================

// ModelList is the OpenAI list shape served by GET /v1/models.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// ModelInfo is one entry of ModelList.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// =============================================================================
// TOOLS
// =============================================================================

// ToolList is the body of GET /v1/tools.
type ToolList struct {
	Tools []ToolInfo `json:"tools"`
}

// ToolInfo describes one registry tool.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Provider    string          `json:"provider"`
	Builtin     bool            `json:"builtin"`
}

// ToolCallRequest is the body of POST /v1/tools/call.
type ToolCallRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCallResponse reports one direct tool call. Failed calls carry the
// error text as a JSON string result.
type ToolCallResponse struct {
	Name    string          `json:"name"`
	Result  json.RawMessage `json:"result"`
	IsError bool            `json:"is_error"`
}

// =============================================================================
// AUDIT & ADMIN
// =============================================================================

// AuditStatsResponse is the body of GET /v1/audit/stats.
type AuditStatsResponse struct {
	Days  int                `json:"days"`
	Stats []audit.DailyStats `json:"stats"`
}

// AdminResponse acknowledges an admin action.
type AdminResponse struct {
	Status string   `json:"status"`
	Models []string `json:"models,omitempty"`
}
