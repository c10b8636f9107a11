// Package adapters types - shared types for protocol translation.
package adapters

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/compresr/ai-gateway/internal/canonical"
)

// =============================================================================
// PROTOCOL
// =============================================================================

// Protocol identifies a wire format.
type Protocol string

const (
	ProtocolOpenAI    Protocol = "openai"
	ProtocolAnthropic Protocol = "anthropic"
	ProtocolGemini    Protocol = "gemini"
	ProtocolUnknown   Protocol = "unknown"
)

// String returns the protocol name.
func (p Protocol) String() string {
	return string(p)
}

// ProtocolFromString converts a string to a Protocol.
func ProtocolFromString(s string) Protocol {
	switch strings.ToLower(s) {
	case "openai":
		return ProtocolOpenAI
	case "anthropic":
		return ProtocolAnthropic
	case "gemini", "google":
		return ProtocolGemini
	default:
		return ProtocolUnknown
	}
}

// =============================================================================
// DECODE OPTIONS
// =============================================================================

// ModelLookup is the live model catalog as seen by adapters.
type ModelLookup interface {
	// Resolve maps a requested name to exactly one available model id.
	Resolve(name string) (string, bool)
	// Names lists the available model ids.
	Names() []string
}

// DecodeOptions carries per-request context that is not in the body.
type DecodeOptions struct {
	Models       ModelLookup
	DefaultModel string // used when the request omits a model; empty rejects omission
	PathModel    string // model named in the URL (Gemini)
	Stream       bool   // streaming selected by the URL (Gemini)
}

// StreamMeta identifies a streamed response.
type StreamMeta struct {
	ID      string
	Model   string
	Created time.Time
}

// =============================================================================
// HELPERS
// =============================================================================

// rawOrEmptyObject returns raw, or {} when raw is empty or null.
func rawOrEmptyObject(raw json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return json.RawMessage(`{}`)
	}
	return raw
}

// rawKind reports the first significant byte of a JSON value.
func rawKind(raw json.RawMessage) byte {
	for _, c := range raw {
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return c
	}
	return 0
}

// normalizeEffort maps reasoning-effort spellings onto the canonical set.
// Unknown values pass through unchanged.
func normalizeEffort(v string) string {
	lower := strings.ToLower(strings.TrimSpace(v))
	switch lower {
	case "":
		return ""
	case "none", "minimal", "low", "medium", "high":
		return lower
	case "xhigh", "max", "maximum":
		return "high"
	}
	return v
}

// Thinking budgets used where a protocol expresses effort as tokens.
const (
	budgetLow    = 1024
	budgetMedium = 8192
	budgetHigh   = 24576
)

func effortToBudget(effort string) (int, bool) {
	switch effort {
	case "minimal", "low":
		return budgetLow, true
	case "medium":
		return budgetMedium, true
	case "high":
		return budgetHigh, true
	}
	return 0, false
}

func budgetToEffort(budget int) string {
	switch {
	case budget <= 0:
		return "none"
	case budget <= budgetLow:
		return "low"
	case budget <= budgetMedium:
		return "medium"
	default:
		return "high"
	}
}

// unixTime is the creation timestamp for encoded responses.
func unixTime(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.Unix()
}

// errorMessage is the caller-facing text of err. ModelNotFound messages list
// the available models so that clients without structured parsing see them.
func errorMessage(err *canonical.Error) string {
	if err.Kind == canonical.KindModelNotFound {
		if len(err.Models) == 0 {
			return err.Message + "; no models are available"
		}
		return err.Message + "; available models: " + strings.Join(err.Models, ", ")
	}
	return err.Message
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
