// Package monitoring - request_logger.go logs the completion lifecycle.
//
// DESIGN: DEBUG-level trace of one completion, keyed by request_id:
//   - Incoming:     request accepted by a protocol handler
//   - LogDecoded:   request understood (protocol, model, stream)
//   - LogToolCall:  one tool executed inside the tool loop
//   - Completed:    final status, usage and latency
//
// Access logging of every HTTP request lives in the gateway middleware.
package monitoring

import (
	"net/http"
	"time"
)

// RequestLogger logs completion lifecycle events.
type RequestLogger struct {
	logger *Logger
}

// NewRequestLogger creates a new request logger.
func NewRequestLogger(logger *Logger) *RequestLogger {
	return &RequestLogger{logger: logger}
}

// Incoming logs a request entering the completion pipeline.
func (rl *RequestLogger) Incoming(r *http.Request, requestID string) {
	rl.logger.Debug().
		Str("request_id", requestID).
		Str("path", r.URL.Path).
		Str("remote", r.RemoteAddr).
		Int64("body_size", r.ContentLength).
		Msg("completion_start")
}

// DecodedInfo describes a decoded completion request.
type DecodedInfo struct {
	RequestID string
	Protocol  string
	Model     string
	Stream    bool
	Messages  int
	Tools     int
}

// LogDecoded logs a decoded completion request.
func (rl *RequestLogger) LogDecoded(info *DecodedInfo) {
	rl.logger.Debug().
		Str("request_id", info.RequestID).
		Str("protocol", info.Protocol).
		Str("model", info.Model).
		Bool("stream", info.Stream).
		Int("messages", info.Messages).
		Int("tools", info.Tools).
		Msg("decoded")
}

// ToolCallInfo describes one executed tool call.
type ToolCallInfo struct {
	RequestID string
	Tool      string
	Iteration int
	IsError   bool
	Duration  time.Duration
}

// LogToolCall logs one tool execution.
func (rl *RequestLogger) LogToolCall(info *ToolCallInfo) {
	rl.logger.Debug().
		Str("request_id", info.RequestID).
		Str("tool", info.Tool).
		Int("iteration", info.Iteration).
		Bool("is_error", info.IsError).
		Dur("duration", info.Duration).
		Msg("tool_call")
}

// Outcome summarises a finished completion.
type Outcome struct {
	Status    int
	Code      string // error code, empty on success
	TokensIn  int
	TokensOut int
	ToolCalls int
	Latency   time.Duration
}

// Completed logs the end of a completion.
func (rl *RequestLogger) Completed(requestID, model string, o Outcome) {
	ev := rl.logger.Debug().
		Str("request_id", requestID).
		Str("model", model).
		Int("status", o.Status).
		Int("tokens_in", o.TokensIn).
		Int("tokens_out", o.TokensOut).
		Int("tool_calls", o.ToolCalls).
		Dur("latency", o.Latency)
	if o.Code != "" {
		ev = ev.Str("code", o.Code)
	}
	ev.Msg("completion_done")
}
