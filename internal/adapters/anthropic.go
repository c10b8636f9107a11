package adapters

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/compresr/ai-gateway/internal/canonical"
)

// AnthropicAdapter handles the Messages API format.
//
// Anthropic carries tool results as tool_result blocks inside a user
// message. Decode splits them into one canonical tool message each, placed
// ahead of the user's own text; EncodeRequest merges consecutive tool
// messages (and a directly following user message) back into one user turn.
type AnthropicAdapter struct {
	BaseAdapter
}

var _ Adapter = (*AnthropicAdapter)(nil)

// defaultAnthropicMaxTokens is sent upstream when the caller set no limit;
// the Messages API rejects requests without max_tokens.
const defaultAnthropicMaxTokens = 4096

// NewAnthropicAdapter creates a new Anthropic adapter.
func NewAnthropicAdapter() *AnthropicAdapter {
	return &AnthropicAdapter{
		BaseAdapter: BaseAdapter{
			name:     "anthropic",
			protocol: ProtocolAnthropic,
		},
	}
}

// =============================================================================
// WIRE TYPES
// =============================================================================

type anthropicRequest struct {
	Model       string               `json:"model"`
	Messages    []anthropicMessage   `json:"messages"`
	System      json.RawMessage      `json:"system,omitempty"`
	MaxTokens   *int                 `json:"max_tokens,omitempty"`
	Temperature *float64             `json:"temperature,omitempty"`
	Stream      bool                 `json:"stream,omitempty"`
	Tools       []anthropicTool      `json:"tools,omitempty"`
	ToolChoice  *anthropicToolChoice `json:"tool_choice,omitempty"`
	Thinking    *anthropicThinking   `json:"thinking,omitempty"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature *string         `json:"signature,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type anthropicResponse struct {
	ID           string           `json:"id"`
	Type         string           `json:"type"`
	Role         string           `json:"role"`
	Model        string           `json:"model"`
	Content      []anthropicBlock `json:"content"`
	StopReason   *string          `json:"stop_reason"`
	StopSequence *string          `json:"stop_sequence"`
	Usage        anthropicUsage   `json:"usage"`
}

type anthropicUsage struct {
	InputTokens          int `json:"input_tokens"`
	OutputTokens         int `json:"output_tokens"`
	CacheReadInputTokens int `json:"cache_read_input_tokens,omitempty"`
}

// =============================================================================
// DECODE - wire request -> canonical
// =============================================================================

// Decode parses a Messages API request.
func (a *AnthropicAdapter) Decode(body []byte, opts DecodeOptions) (*canonical.Request, error) {
	var wire anthropicRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, canonical.DecodeErrorf("invalid JSON body: %v", err)
	}
	if len(wire.Messages) == 0 {
		return nil, canonical.DecodeErrorf("messages must not be empty")
	}

	req := &canonical.Request{
		MaxOutputTokens: wire.MaxTokens,
		Temperature:     wire.Temperature,
		Stream:          wire.Stream,
	}

	system, err := decodeAnthropicText(wire.System)
	if err != nil {
		return nil, canonical.DecodeErrorf("system: %v", err)
	}
	for _, b := range system {
		req.Messages = append(req.Messages, canonical.Message{Role: canonical.RoleSystem, Content: []canonical.Block{b}})
	}

	names := make(map[string]string)
	for i, m := range wire.Messages {
		blocks, err := decodeAnthropicBlocks(m.Content)
		if err != nil {
			return nil, canonical.DecodeErrorf("messages[%d]: %v", i, err)
		}
		switch m.Role {
		case "user":
			var content []canonical.Block
			for _, b := range blocks {
				switch b.Type {
				case "text":
					content = append(content, canonical.TextBlock(b.Text))
				case "tool_result":
					if b.ToolUseID == "" {
						return nil, canonical.DecodeErrorf("messages[%d]: tool_result.tool_use_id is required", i)
					}
					text, err := decodeAnthropicText(b.Content)
					if err != nil {
						return nil, canonical.DecodeErrorf("messages[%d]: tool_result: %v", i, err)
					}
					result := canonical.Message{Content: text}.Text()
					req.Messages = append(req.Messages, canonical.Message{
						Role:       canonical.RoleTool,
						ToolCallID: b.ToolUseID,
						Content:    []canonical.Block{canonical.ToolResultBlock(b.ToolUseID, names[b.ToolUseID], result, b.IsError)},
					})
				}
			}
			if len(content) > 0 {
				req.Messages = append(req.Messages, canonical.Message{Role: canonical.RoleUser, Content: content})
			}
		case "assistant":
			var content []canonical.Block
			for _, b := range blocks {
				switch b.Type {
				case "text":
					content = append(content, canonical.TextBlock(b.Text))
				case "thinking":
					content = append(content, canonical.ThinkingBlock(b.Thinking))
				case "tool_use":
					if b.ID == "" || b.Name == "" {
						return nil, canonical.DecodeErrorf("messages[%d]: tool_use requires id and name", i)
					}
					names[b.ID] = b.Name
					content = append(content, canonical.ToolUseBlock(b.ID, b.Name, rawOrEmptyObject(b.Input)))
				}
			}
			req.Messages = append(req.Messages, canonical.Message{Role: canonical.RoleAssistant, Content: content})
		default:
			return nil, canonical.DecodeErrorf("messages[%d]: unsupported role %q", i, m.Role)
		}
	}

	for i, t := range wire.Tools {
		if t.Name == "" {
			return nil, canonical.DecodeErrorf("tools[%d]: name is required", i)
		}
		req.Tools = append(req.Tools, canonical.ToolSpec{Name: t.Name, Description: t.Description, Schema: t.InputSchema})
	}

	if tc := wire.ToolChoice; tc != nil {
		switch tc.Type {
		case "auto", "none":
			req.ToolChoice = &canonical.ToolChoice{Mode: tc.Type}
		case "any":
			req.ToolChoice = &canonical.ToolChoice{Mode: canonical.ToolChoiceRequired}
		case "tool":
			if tc.Name == "" {
				return nil, canonical.DecodeErrorf("tool_choice.name is required")
			}
			req.ToolChoice = &canonical.ToolChoice{Mode: canonical.ToolChoiceTool, Name: tc.Name}
		case "":
			return nil, canonical.DecodeErrorf("tool_choice.type is required")
		default:
			req.ToolChoice = &canonical.ToolChoice{Mode: tc.Type}
		}
	}

	if th := wire.Thinking; th != nil {
		switch th.Type {
		case "enabled":
			req.ReasoningEffort = budgetToEffort(th.BudgetTokens)
		case "disabled":
			req.ReasoningEffort = canonical.EffortNone
		}
	}

	if err := canonical.ValidateToolPairs(req.Messages); err != nil {
		return nil, err
	}

	model, err := resolveModel(wire.Model, opts)
	if err != nil {
		return nil, err
	}
	req.Model = model
	return req, nil
}

// decodeAnthropicBlocks accepts either a string or an array of blocks.
func decodeAnthropicBlocks(raw json.RawMessage) ([]anthropicBlock, error) {
	switch rawKind(raw) {
	case 0, 'n':
		return nil, nil
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []anthropicBlock{{Type: "text", Text: s}}, nil
	case '[':
		var blocks []anthropicBlock
		if err := json.Unmarshal(raw, &blocks); err != nil {
			return nil, err
		}
		return blocks, nil
	}
	return nil, fmt.Errorf("content must be a string or an array of blocks")
}

// decodeAnthropicText keeps only the text blocks of a string-or-blocks field.
func decodeAnthropicText(raw json.RawMessage) ([]canonical.Block, error) {
	blocks, err := decodeAnthropicBlocks(raw)
	if err != nil {
		return nil, err
	}
	var out []canonical.Block
	for _, b := range blocks {
		if b.Type == "text" {
			out = append(out, canonical.TextBlock(b.Text))
		}
	}
	return out, nil
}

// =============================================================================
// ENCODE - canonical response -> wire
// =============================================================================

// Encode renders a message object.
func (a *AnthropicAdapter) Encode(resp *canonical.Response) ([]byte, error) {
	stop := string(stopOrDefault(resp))
	out := anthropicResponse{
		ID:         anthropicID(resp.ID),
		Type:       "message",
		Role:       "assistant",
		Model:      resp.Model,
		Content:    anthropicBlocksOf(resp.Content),
		StopReason: &stop,
		Usage:      anthropicUsageOf(resp.Usage),
	}
	return json.Marshal(out)
}

// EncodeError renders {"type":"error","error":{...}}.
func (a *AnthropicAdapter) EncodeError(err *canonical.Error) []byte {
	data, _ := json.Marshal(anthropicErrorEnvelope(err))
	return data
}

func anthropicErrorEnvelope(err *canonical.Error) map[string]any {
	body := map[string]any{
		"type":    anthropicErrorType(err.Status),
		"message": errorMessage(err),
		"code":    err.Code,
	}
	if err.Kind == canonical.KindModelNotFound {
		body["available_models"] = nonNilStrings(err.Models)
	}
	return map[string]any{"type": "error", "error": body}
}

func anthropicErrorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusForbidden:
		return "permission_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusRequestEntityTooLarge:
		return "request_too_large"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusServiceUnavailable:
		return "overloaded_error"
	case http.StatusGatewayTimeout:
		return "timeout_error"
	}
	return "api_error"
}

func anthropicBlocksOf(blocks []canonical.Block) []anthropicBlock {
	out := make([]anthropicBlock, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case canonical.BlockText:
			out = append(out, anthropicBlock{Type: "text", Text: b.Text})
		case canonical.BlockThinking:
			empty := ""
			out = append(out, anthropicBlock{Type: "thinking", Thinking: b.Text, Signature: &empty})
		case canonical.BlockToolUse:
			out = append(out, anthropicBlock{
				Type:  "tool_use",
				ID:    b.ToolUse.ID,
				Name:  b.ToolUse.Name,
				Input: rawOrEmptyObject(b.ToolUse.Arguments),
			})
		case canonical.BlockToolResult:
			content, _ := json.Marshal(b.ToolResult.Content)
			out = append(out, anthropicBlock{
				Type:      "tool_result",
				ToolUseID: b.ToolResult.ToolUseID,
				Content:   content,
				IsError:   b.ToolResult.IsError,
			})
		}
	}
	return out
}

func anthropicUsageOf(u canonical.Usage) anthropicUsage {
	return anthropicUsage{
		InputTokens:          u.InputTokens,
		OutputTokens:         u.OutputTokens,
		CacheReadInputTokens: u.CachedTokens,
	}
}

func anthropicID(id string) string {
	if id == "" {
		id = strings.ReplaceAll(uuid.New().String(), "-", "")
	}
	if strings.HasPrefix(id, "msg_") {
		return id
	}
	return "msg_" + id
}

func stopOrDefault(resp *canonical.Response) canonical.StopReason {
	if resp.StopReason != "" {
		return resp.StopReason
	}
	if len(resp.ToolUses()) > 0 {
		return canonical.StopToolUse
	}
	return canonical.StopEndTurn
}

// =============================================================================
// STREAM ENCODER
// =============================================================================

// NewStreamEncoder returns a Messages API event-stream encoder.
func (a *AnthropicAdapter) NewStreamEncoder(meta StreamMeta) StreamEncoder {
	return &orderedStream{
		contentType: ContentTypeSSE,
		sink:        &anthropicFrames{id: anthropicID(meta.ID), model: meta.Model},
	}
}

type anthropicFrames struct {
	id      string
	model   string
	started bool
	index   int
	open    string // type of the open content block, "" when none
}

func (f *anthropicFrames) start() [][]byte {
	if f.started {
		return nil
	}
	f.started = true
	return [][]byte{sseEvent("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            f.id,
			"type":          "message",
			"role":          "assistant",
			"model":         f.model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         anthropicUsage{},
		},
	})}
}

func (f *anthropicFrames) closeBlock() [][]byte {
	if f.open == "" {
		return nil
	}
	frame := sseEvent("content_block_stop", map[string]any{"type": "content_block_stop", "index": f.index})
	f.open = ""
	f.index++
	return [][]byte{frame}
}

func (f *anthropicFrames) delta(kind, field, deltaType, s string) [][]byte {
	frames := f.start()
	if f.open != kind {
		frames = append(frames, f.closeBlock()...)
		block := map[string]any{"type": kind, field: ""}
		if kind == "thinking" {
			block["signature"] = ""
		}
		frames = append(frames, sseEvent("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         f.index,
			"content_block": block,
		}))
		f.open = kind
	}
	return append(frames, sseEvent("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": f.index,
		"delta": map[string]any{"type": deltaType, field: s},
	}))
}

func (f *anthropicFrames) text(s string) [][]byte {
	return f.delta("text", "text", "text_delta", s)
}

func (f *anthropicFrames) thinking(s string) [][]byte {
	return f.delta("thinking", "thinking", "thinking_delta", s)
}

func (f *anthropicFrames) toolCalls(calls []canonical.ToolUse) [][]byte {
	frames := append(f.start(), f.closeBlock()...)
	for _, c := range calls {
		frames = append(frames,
			sseEvent("content_block_start", map[string]any{
				"type":  "content_block_start",
				"index": f.index,
				"content_block": map[string]any{
					"type": "tool_use", "id": c.ID, "name": c.Name, "input": map[string]any{},
				},
			}),
			sseEvent("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": f.index,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": string(rawOrEmptyObject(c.Arguments))},
			}),
			sseEvent("content_block_stop", map[string]any{"type": "content_block_stop", "index": f.index}),
		)
		f.index++
	}
	return frames
}

func (f *anthropicFrames) done(stop canonical.StopReason, usage canonical.Usage) [][]byte {
	frames := append(f.start(), f.closeBlock()...)
	return append(frames,
		sseEvent("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": string(stop), "stop_sequence": nil},
			"usage": anthropicUsageOf(usage),
		}),
		sseEvent("message_stop", map[string]any{"type": "message_stop"}),
	)
}

func (f *anthropicFrames) fail(err *canonical.Error) [][]byte {
	return [][]byte{sseEvent("error", anthropicErrorEnvelope(err))}
}

// =============================================================================
// CLIENT SIDE
// =============================================================================

// EncodeRequest renders a Messages API request.
func (a *AnthropicAdapter) EncodeRequest(req *canonical.Request) ([]byte, error) {
	maxTokens := defaultAnthropicMaxTokens
	if req.MaxOutputTokens != nil {
		maxTokens = *req.MaxOutputTokens
	}
	wire := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   &maxTokens,
		Temperature: req.Temperature,
		Stream:      req.Stream,
		Messages:    []anthropicMessage{},
	}

	var system []anthropicBlock
	var pending []anthropicBlock // tool_result blocks awaiting their user turn
	flush := func(extra []anthropicBlock) {
		blocks := append(pending, extra...)
		pending = nil
		if len(blocks) == 0 {
			return
		}
		content, _ := json.Marshal(blocks)
		wire.Messages = append(wire.Messages, anthropicMessage{Role: "user", Content: content})
	}

	for _, m := range req.Messages {
		switch m.Role {
		case canonical.RoleSystem:
			system = append(system, anthropicBlocksOf(m.Content)...)
		case canonical.RoleTool:
			pending = append(pending, anthropicBlocksOf(m.Content)...)
		case canonical.RoleUser:
			flush(anthropicBlocksOf(m.Content))
		case canonical.RoleAssistant:
			flush(nil)
			content, _ := json.Marshal(anthropicBlocksOf(m.Content))
			wire.Messages = append(wire.Messages, anthropicMessage{Role: "assistant", Content: content})
		default:
			return nil, fmt.Errorf("anthropic: unsupported role %q", m.Role)
		}
	}
	flush(nil)

	if len(system) == 1 {
		wire.System, _ = json.Marshal(system[0].Text)
	} else if len(system) > 1 {
		wire.System, _ = json.Marshal(system)
	}

	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: rawOrEmptyObject(t.Schema)})
	}

	if tc := req.ToolChoice; tc != nil {
		switch tc.Mode {
		case canonical.ToolChoiceRequired:
			wire.ToolChoice = &anthropicToolChoice{Type: "any"}
		case canonical.ToolChoiceTool:
			wire.ToolChoice = &anthropicToolChoice{Type: "tool", Name: tc.Name}
		default:
			wire.ToolChoice = &anthropicToolChoice{Type: tc.Mode}
		}
	}

	switch req.ReasoningEffort {
	case "":
	case canonical.EffortNone:
		wire.Thinking = &anthropicThinking{Type: "disabled"}
	default:
		if budget, ok := effortToBudget(req.ReasoningEffort); ok {
			wire.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: budget}
		}
	}

	return json.Marshal(wire)
}

// DecodeResponse parses a message object.
func (a *AnthropicAdapter) DecodeResponse(body []byte) (*canonical.Response, error) {
	if gjson.GetBytes(body, "type").String() == "error" {
		return nil, fmt.Errorf("anthropic: upstream error: %s", gjson.GetBytes(body, "error.message").String())
	}
	var wire anthropicResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("anthropic: failed to parse response: %w", err)
	}
	resp := &canonical.Response{
		ID:    wire.ID,
		Model: wire.Model,
		Usage: canonical.Usage{
			InputTokens:  wire.Usage.InputTokens,
			OutputTokens: wire.Usage.OutputTokens,
			CachedTokens: wire.Usage.CacheReadInputTokens,
		},
	}
	for _, b := range wire.Content {
		switch b.Type {
		case "text":
			resp.Content = append(resp.Content, canonical.TextBlock(b.Text))
		case "thinking":
			resp.Content = append(resp.Content, canonical.ThinkingBlock(b.Thinking))
		case "tool_use":
			resp.Content = append(resp.Content, canonical.ToolUseBlock(b.ID, b.Name, rawOrEmptyObject(b.Input)))
		}
	}
	if wire.StopReason != nil {
		resp.StopReason = canonical.StopReason(*wire.StopReason)
	}
	return resp, nil
}

// =============================================================================
// STREAM DECODER
// =============================================================================

// NewStreamDecoder parses Messages API stream events.
func (a *AnthropicAdapter) NewStreamDecoder() StreamDecoder {
	return &anthropicStreamDecoder{}
}

type anthropicStreamDecoder struct {
	tool   *canonical.ToolUse
	args   strings.Builder
	stop   canonical.StopReason
	usage  canonical.Usage
	closed bool
}

func (d *anthropicStreamDecoder) Feed(event string, data []byte) []canonical.Delta {
	if d.closed {
		return nil
	}
	if event == "" {
		event = gjson.GetBytes(data, "type").String()
	}

	switch event {
	case "message_start":
		u := gjson.GetBytes(data, "message.usage")
		d.usage.InputTokens = int(u.Get("input_tokens").Int())
		d.usage.CachedTokens = int(u.Get("cache_read_input_tokens").Int())
	case "content_block_start":
		block := gjson.GetBytes(data, "content_block")
		if block.Get("type").String() == "tool_use" {
			d.tool = &canonical.ToolUse{ID: block.Get("id").String(), Name: block.Get("name").String()}
			d.args.Reset()
		}
	case "content_block_delta":
		delta := gjson.GetBytes(data, "delta")
		switch delta.Get("type").String() {
		case "text_delta":
			return []canonical.Delta{canonical.TextDelta(delta.Get("text").String())}
		case "thinking_delta":
			return []canonical.Delta{{Kind: canonical.DeltaThinking, Text: delta.Get("thinking").String()}}
		case "input_json_delta":
			d.args.WriteString(delta.Get("partial_json").String())
		}
	case "content_block_stop":
		if d.tool != nil {
			call := *d.tool
			call.Arguments = rawOrEmptyObject(json.RawMessage(d.args.String()))
			d.tool = nil
			return []canonical.Delta{{Kind: canonical.DeltaToolCall, ToolCall: &call}}
		}
	case "message_delta":
		if s := gjson.GetBytes(data, "delta.stop_reason").String(); s != "" {
			d.stop = canonical.StopReason(s)
		}
		if out := gjson.GetBytes(data, "usage.output_tokens"); out.Exists() {
			d.usage.OutputTokens = int(out.Int())
		}
	case "message_stop":
		d.closed = true
		return []canonical.Delta{canonical.DoneDelta(d.stop, d.usage)}
	case "error":
		d.closed = true
		msg := gjson.GetBytes(data, "error.message").String()
		return []canonical.Delta{canonical.ErrorDelta(canonical.Upstream(fmt.Errorf("anthropic: %s", msg)))}
	}
	return nil
}

func (d *anthropicStreamDecoder) Finish() []canonical.Delta {
	if d.closed {
		return nil
	}
	d.closed = true
	return []canonical.Delta{canonical.ErrorDelta(canonical.Upstream(fmt.Errorf("anthropic: stream ended before message_stop")))}
}
