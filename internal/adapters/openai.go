package adapters

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/compresr/ai-gateway/internal/canonical"
)

// OpenAIAdapter handles the Chat Completions format.
//
// Parameter mapping:
//   - max_tokens (deprecated) and max_completion_tokens -> MaxOutputTokens,
//     max_completion_tokens wins when both are set
//   - role "developer" -> system
//   - reasoning_effort expanded onto the canonical levels, unknown values opaque
//   - role "tool" messages -> one canonical tool message per result
type OpenAIAdapter struct {
	BaseAdapter
}

var _ Adapter = (*OpenAIAdapter)(nil)

// NewOpenAIAdapter creates a new OpenAI adapter.
func NewOpenAIAdapter() *OpenAIAdapter {
	return &OpenAIAdapter{
		BaseAdapter: BaseAdapter{
			name:     "openai",
			protocol: ProtocolOpenAI,
		},
	}
}

// =============================================================================
// WIRE TYPES
// =============================================================================

type openAIRequest struct {
	Model               string               `json:"model"`
	Messages            []openAIMessage      `json:"messages"`
	MaxTokens           *int                 `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int                 `json:"max_completion_tokens,omitempty"`
	Temperature         *float64             `json:"temperature,omitempty"`
	Stream              bool                 `json:"stream,omitempty"`
	StreamOptions       *openAIStreamOptions `json:"stream_options,omitempty"`
	Tools               []openAITool         `json:"tools,omitempty"`
	ToolChoice          json.RawMessage      `json:"tool_choice,omitempty"`
	ReasoningEffort     string               `json:"reasoning_effort,omitempty"`
	ResponseFormat      json.RawMessage      `json:"response_format,omitempty"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role             string           `json:"role"`
	Content          json.RawMessage  `json:"content,omitempty"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	ToolCalls        []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string           `json:"tool_call_id,omitempty"`
	Name             string           `json:"name,omitempty"`
}

type openAIContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type openAIToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type openAITool struct {
	Type     string            `json:"type"`
	Function openAIFunctionDef `json:"function"`
}

type openAIFunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage,omitempty"`
}

type openAIChoice struct {
	Index        int                `json:"index"`
	Message      *openAIRespMessage `json:"message,omitempty"`
	Delta        *openAIRespMessage `json:"delta,omitempty"`
	FinishReason *string            `json:"finish_reason"`
}

type openAIRespMessage struct {
	Role             string           `json:"role,omitempty"`
	Content          *string          `json:"content,omitempty"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	ToolCalls        []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIUsage struct {
	PromptTokens        int                       `json:"prompt_tokens"`
	CompletionTokens    int                       `json:"completion_tokens"`
	TotalTokens         int                       `json:"total_tokens"`
	PromptTokensDetails *openAIPromptTokenDetails `json:"prompt_tokens_details,omitempty"`
}

type openAIPromptTokenDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

// =============================================================================
// DECODE - wire request -> canonical
// =============================================================================

// Decode parses a Chat Completions request.
func (a *OpenAIAdapter) Decode(body []byte, opts DecodeOptions) (*canonical.Request, error) {
	var wire openAIRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, canonical.DecodeErrorf("invalid JSON body: %v", err)
	}
	if len(wire.Messages) == 0 {
		return nil, canonical.DecodeErrorf("messages must not be empty")
	}

	req := &canonical.Request{
		Temperature:     wire.Temperature,
		Stream:          wire.Stream,
		ReasoningEffort: normalizeEffort(wire.ReasoningEffort),
		ResponseFormat:  wire.ResponseFormat,
	}
	req.MaxOutputTokens = wire.MaxTokens
	if wire.MaxCompletionTokens != nil {
		req.MaxOutputTokens = wire.MaxCompletionTokens
	}

	msgs, err := a.decodeMessages(wire.Messages)
	if err != nil {
		return nil, err
	}
	req.Messages = msgs

	for i, t := range wire.Tools {
		if t.Type != "" && t.Type != "function" {
			continue
		}
		if t.Function.Name == "" {
			return nil, canonical.DecodeErrorf("tools[%d]: function name is required", i)
		}
		req.Tools = append(req.Tools, canonical.ToolSpec{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Schema:      t.Function.Parameters,
		})
	}

	if len(wire.ToolChoice) > 0 {
		choice, err := decodeOpenAIToolChoice(wire.ToolChoice)
		if err != nil {
			return nil, err
		}
		req.ToolChoice = choice
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

func (a *OpenAIAdapter) decodeMessages(wire []openAIMessage) ([]canonical.Message, error) {
	msgs := make([]canonical.Message, 0, len(wire))
	names := make(map[string]string)

	for i, m := range wire {
		text, err := decodeOpenAIContent(m.Content)
		if err != nil {
			return nil, canonical.DecodeErrorf("messages[%d]: %v", i, err)
		}

		switch m.Role {
		case "system", "developer":
			msgs = append(msgs, canonical.Message{Role: canonical.RoleSystem, Content: text})
		case "user":
			msgs = append(msgs, canonical.Message{Role: canonical.RoleUser, Content: text})
		case "assistant":
			var blocks []canonical.Block
			if m.ReasoningContent != "" {
				blocks = append(blocks, canonical.ThinkingBlock(m.ReasoningContent))
			}
			blocks = append(blocks, text...)
			for j, tc := range m.ToolCalls {
				if tc.Function.Name == "" {
					return nil, canonical.DecodeErrorf("messages[%d].tool_calls[%d]: function name is required", i, j)
				}
				args := json.RawMessage(tc.Function.Arguments)
				if strings.TrimSpace(tc.Function.Arguments) == "" {
					args = json.RawMessage(`{}`)
				} else if !json.Valid(args) {
					return nil, canonical.DecodeErrorf("messages[%d].tool_calls[%d]: arguments must be JSON", i, j)
				}
				names[tc.ID] = tc.Function.Name
				blocks = append(blocks, canonical.ToolUseBlock(tc.ID, tc.Function.Name, args))
			}
			msgs = append(msgs, canonical.Message{Role: canonical.RoleAssistant, Content: blocks})
		case "tool":
			if m.ToolCallID == "" {
				return nil, canonical.DecodeErrorf("messages[%d]: tool_call_id is required", i)
			}
			content := canonical.Message{Content: text}.Text()
			msgs = append(msgs, canonical.Message{
				Role:       canonical.RoleTool,
				ToolCallID: m.ToolCallID,
				Content:    []canonical.Block{canonical.ToolResultBlock(m.ToolCallID, names[m.ToolCallID], content, false)},
			})
		default:
			return nil, canonical.DecodeErrorf("messages[%d]: unsupported role %q", i, m.Role)
		}
	}
	return msgs, nil
}

// decodeOpenAIContent accepts a string, an array of parts, or null.
// Non-text parts are dropped.
func decodeOpenAIContent(raw json.RawMessage) ([]canonical.Block, error) {
	switch rawKind(raw) {
	case 0, 'n':
		return nil, nil
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []canonical.Block{canonical.TextBlock(s)}, nil
	case '[':
		var parts []openAIContentPart
		if err := json.Unmarshal(raw, &parts); err != nil {
			return nil, err
		}
		var blocks []canonical.Block
		for _, p := range parts {
			if p.Type == "text" {
				blocks = append(blocks, canonical.TextBlock(p.Text))
			}
		}
		return blocks, nil
	}
	return nil, fmt.Errorf("content must be a string or an array of parts")
}

func decodeOpenAIToolChoice(raw json.RawMessage) (*canonical.ToolChoice, error) {
	if rawKind(raw) == '"' {
		var mode string
		_ = json.Unmarshal(raw, &mode)
		if mode == "" {
			return nil, canonical.DecodeErrorf("tool_choice must not be empty")
		}
		// auto, none, required; anything newer passes through opaque.
		return &canonical.ToolChoice{Mode: mode}, nil
	}
	name := gjson.GetBytes(raw, "function.name").String()
	if name == "" {
		return nil, canonical.DecodeErrorf("tool_choice.function.name is required")
	}
	return &canonical.ToolChoice{Mode: canonical.ToolChoiceTool, Name: name}, nil
}

// =============================================================================
// ENCODE - canonical response -> wire
// =============================================================================

// Encode renders a chat.completion object.
func (a *OpenAIAdapter) Encode(resp *canonical.Response) ([]byte, error) {
	msg := &openAIRespMessage{Role: "assistant"}
	var text, thinking strings.Builder
	for _, b := range resp.Content {
		switch b.Type {
		case canonical.BlockText:
			text.WriteString(b.Text)
		case canonical.BlockThinking:
			thinking.WriteString(b.Text)
		}
	}
	msg.ToolCalls = openAIToolCalls(resp.ToolUses(), false)
	if text.Len() > 0 || len(msg.ToolCalls) == 0 {
		s := text.String()
		msg.Content = &s
	}
	msg.ReasoningContent = thinking.String()

	finish := openAIFinishReason(resp.StopReason)
	out := openAIResponse{
		ID:      openAIID(resp.ID),
		Object:  "chat.completion",
		Created: unixTime(time.Time{}),
		Model:   resp.Model,
		Choices: []openAIChoice{{Index: 0, Message: msg, FinishReason: &finish}},
		Usage:   openAIUsageOf(resp.Usage),
	}
	return json.Marshal(out)
}

// EncodeError renders {"error":{...}}.
func (a *OpenAIAdapter) EncodeError(err *canonical.Error) []byte {
	data, _ := json.Marshal(map[string]any{"error": openAIErrorBody(err)})
	return data
}

func openAIErrorBody(err *canonical.Error) map[string]any {
	body := map[string]any{
		"message": errorMessage(err),
		"type":    string(err.Kind),
		"code":    err.Code,
		"param":   nil,
	}
	if err.Kind == canonical.KindModelNotFound {
		body["available_models"] = nonNilStrings(err.Models)
	}
	return body
}

func openAIToolCalls(calls []canonical.ToolUse, indexed bool) []openAIToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]openAIToolCall, len(calls))
	for i, c := range calls {
		out[i] = openAIToolCall{
			ID:       c.ID,
			Type:     "function",
			Function: openAIFunctionCall{Name: c.Name, Arguments: string(rawOrEmptyObject(c.Arguments))},
		}
		if indexed {
			idx := i
			out[i].Index = &idx
		}
	}
	return out
}

func openAIFinishReason(stop canonical.StopReason) string {
	switch stop {
	case canonical.StopEndTurn, canonical.StopStopSequence, "":
		return "stop"
	case canonical.StopMaxTokens:
		return "length"
	case canonical.StopToolUse:
		return "tool_calls"
	}
	return string(stop)
}

func stopFromOpenAI(reason string) canonical.StopReason {
	switch reason {
	case "stop", "":
		return canonical.StopEndTurn
	case "length":
		return canonical.StopMaxTokens
	case "tool_calls", "function_call":
		return canonical.StopToolUse
	}
	return canonical.StopReason(reason)
}

func openAIUsageOf(u canonical.Usage) *openAIUsage {
	out := &openAIUsage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
	}
	if u.CachedTokens > 0 {
		out.PromptTokensDetails = &openAIPromptTokenDetails{CachedTokens: u.CachedTokens}
	}
	return out
}

func openAIID(id string) string {
	if id == "" {
		id = uuid.New().String()
	}
	if strings.HasPrefix(id, "chatcmpl-") {
		return id
	}
	return "chatcmpl-" + id
}

// =============================================================================
// STREAM ENCODER
// =============================================================================

// NewStreamEncoder returns a chat.completion.chunk encoder ending in [DONE].
func (a *OpenAIAdapter) NewStreamEncoder(meta StreamMeta) StreamEncoder {
	return &orderedStream{
		contentType: ContentTypeSSE,
		sink: &openAIFrames{
			id:      openAIID(meta.ID),
			model:   meta.Model,
			created: unixTime(meta.Created),
		},
	}
}

type openAIFrames struct {
	id       string
	model    string
	created  int64
	roleSent bool
}

func (f *openAIFrames) chunk(delta *openAIRespMessage, finish *string, usage *openAIUsage) []byte {
	if delta == nil {
		delta = &openAIRespMessage{}
	}
	if !f.roleSent {
		delta.Role = "assistant"
		f.roleSent = true
	}
	return sseData(openAIResponse{
		ID:      f.id,
		Object:  "chat.completion.chunk",
		Created: f.created,
		Model:   f.model,
		Choices: []openAIChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		Usage:   usage,
	})
}

func (f *openAIFrames) text(s string) [][]byte {
	return [][]byte{f.chunk(&openAIRespMessage{Content: &s}, nil, nil)}
}

func (f *openAIFrames) thinking(s string) [][]byte {
	return [][]byte{f.chunk(&openAIRespMessage{ReasoningContent: s}, nil, nil)}
}

func (f *openAIFrames) toolCalls(calls []canonical.ToolUse) [][]byte {
	return [][]byte{f.chunk(&openAIRespMessage{ToolCalls: openAIToolCalls(calls, true)}, nil, nil)}
}

func (f *openAIFrames) done(stop canonical.StopReason, usage canonical.Usage) [][]byte {
	finish := openAIFinishReason(stop)
	return [][]byte{f.chunk(nil, &finish, openAIUsageOf(usage)), sseDone}
}

func (f *openAIFrames) fail(err *canonical.Error) [][]byte {
	return [][]byte{sseData(map[string]any{"error": openAIErrorBody(err)}), sseDone}
}

// =============================================================================
// CLIENT SIDE - canonical -> upstream request, upstream response -> canonical
// =============================================================================

// EncodeRequest renders a Chat Completions request.
func (a *OpenAIAdapter) EncodeRequest(req *canonical.Request) ([]byte, error) {
	wire := openAIRequest{
		Model:               req.Model,
		MaxCompletionTokens: req.MaxOutputTokens,
		Temperature:         req.Temperature,
		Stream:              req.Stream,
		ReasoningEffort:     req.ReasoningEffort,
		ResponseFormat:      req.ResponseFormat,
	}
	if req.Stream {
		wire.StreamOptions = &openAIStreamOptions{IncludeUsage: true}
	}

	for _, m := range req.Messages {
		msgs, err := encodeOpenAIMessage(m)
		if err != nil {
			return nil, err
		}
		wire.Messages = append(wire.Messages, msgs...)
	}

	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, openAITool{
			Type:     "function",
			Function: openAIFunctionDef{Name: t.Name, Description: t.Description, Parameters: t.Schema},
		})
	}

	if tc := req.ToolChoice; tc != nil {
		var raw []byte
		if tc.Mode == canonical.ToolChoiceTool {
			raw, _ = json.Marshal(map[string]any{"type": "function", "function": map[string]string{"name": tc.Name}})
		} else {
			raw, _ = json.Marshal(tc.Mode)
		}
		wire.ToolChoice = raw
	}

	return json.Marshal(wire)
}

func encodeOpenAIMessage(m canonical.Message) ([]openAIMessage, error) {
	switch m.Role {
	case canonical.RoleTool:
		var out []openAIMessage
		for _, b := range m.Content {
			if b.Type != canonical.BlockToolResult || b.ToolResult == nil {
				continue
			}
			content, _ := json.Marshal(b.ToolResult.Content)
			out = append(out, openAIMessage{Role: "tool", ToolCallID: b.ToolResult.ToolUseID, Content: content})
		}
		return out, nil
	case canonical.RoleAssistant:
		msg := openAIMessage{Role: "assistant"}
		var texts []canonical.Block
		var thinking strings.Builder
		var calls []canonical.ToolUse
		for _, b := range m.Content {
			switch b.Type {
			case canonical.BlockText:
				texts = append(texts, b)
			case canonical.BlockThinking:
				thinking.WriteString(b.Text)
			case canonical.BlockToolUse:
				calls = append(calls, *b.ToolUse)
			}
		}
		msg.Content = encodeOpenAIContent(texts)
		msg.ReasoningContent = thinking.String()
		msg.ToolCalls = openAIToolCalls(calls, false)
		return []openAIMessage{msg}, nil
	case canonical.RoleSystem, canonical.RoleUser:
		return []openAIMessage{{Role: string(m.Role), Content: encodeOpenAIContent(m.Content)}}, nil
	}
	return nil, fmt.Errorf("openai: unsupported role %q", m.Role)
}

// encodeOpenAIContent emits a plain string for one text block and an array
// of parts for several.
func encodeOpenAIContent(blocks []canonical.Block) json.RawMessage {
	var texts []openAIContentPart
	for _, b := range blocks {
		if b.Type == canonical.BlockText {
			texts = append(texts, openAIContentPart{Type: "text", Text: b.Text})
		}
	}
	var raw []byte
	switch len(texts) {
	case 0:
		return nil
	case 1:
		raw, _ = json.Marshal(texts[0].Text)
	default:
		raw, _ = json.Marshal(texts)
	}
	return raw
}

// DecodeResponse parses a chat.completion object.
func (a *OpenAIAdapter) DecodeResponse(body []byte) (*canonical.Response, error) {
	if msg := gjson.GetBytes(body, "error.message"); msg.Exists() {
		return nil, fmt.Errorf("openai: upstream error: %s", msg.String())
	}
	var wire openAIResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("openai: failed to parse response: %w", err)
	}
	if len(wire.Choices) == 0 || wire.Choices[0].Message == nil {
		return nil, fmt.Errorf("openai: response has no choices")
	}

	choice := wire.Choices[0]
	resp := &canonical.Response{ID: wire.ID, Model: wire.Model}
	if choice.Message.ReasoningContent != "" {
		resp.Content = append(resp.Content, canonical.ThinkingBlock(choice.Message.ReasoningContent))
	}
	if choice.Message.Content != nil && *choice.Message.Content != "" {
		resp.Content = append(resp.Content, canonical.TextBlock(*choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.Content = append(resp.Content, canonical.ToolUseBlock(tc.ID, tc.Function.Name, rawOrEmptyObject(json.RawMessage(tc.Function.Arguments))))
	}
	if choice.FinishReason != nil {
		resp.StopReason = stopFromOpenAI(*choice.FinishReason)
	}
	if wire.Usage != nil {
		resp.Usage = usageFromOpenAI(wire.Usage)
	}
	return resp, nil
}

func usageFromOpenAI(u *openAIUsage) canonical.Usage {
	out := canonical.Usage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens}
	if u.PromptTokensDetails != nil {
		out.CachedTokens = u.PromptTokensDetails.CachedTokens
	}
	return out
}

// =============================================================================
// STREAM DECODER
// =============================================================================

// NewStreamDecoder parses chat.completion.chunk events.
func (a *OpenAIAdapter) NewStreamDecoder() StreamDecoder {
	return &openAIStreamDecoder{calls: make(map[int64]*canonical.ToolUse)}
}

type openAIStreamDecoder struct {
	calls    map[int64]*canonical.ToolUse
	args     map[int64]*strings.Builder
	stop     canonical.StopReason
	usage    canonical.Usage
	finished bool
	closed   bool
}

func (d *openAIStreamDecoder) Feed(_ string, data []byte) []canonical.Delta {
	if d.closed {
		return nil
	}
	if strings.TrimSpace(string(data)) == "[DONE]" {
		return d.Finish()
	}
	if msg := gjson.GetBytes(data, "error.message"); msg.Exists() {
		d.closed = true
		return []canonical.Delta{canonical.ErrorDelta(canonical.Upstream(fmt.Errorf("%s", msg.String())))}
	}

	var out []canonical.Delta
	choice := gjson.GetBytes(data, "choices.0")
	if s := choice.Get("delta.reasoning_content"); s.Exists() && s.String() != "" {
		out = append(out, canonical.Delta{Kind: canonical.DeltaThinking, Text: s.String()})
	}
	if s := choice.Get("delta.content"); s.Exists() && s.String() != "" {
		out = append(out, canonical.TextDelta(s.String()))
	}
	choice.Get("delta.tool_calls").ForEach(func(_, tc gjson.Result) bool {
		idx := tc.Get("index").Int()
		call, ok := d.calls[idx]
		if !ok {
			call = &canonical.ToolUse{}
			d.calls[idx] = call
			if d.args == nil {
				d.args = make(map[int64]*strings.Builder)
			}
			d.args[idx] = &strings.Builder{}
		}
		if id := tc.Get("id").String(); id != "" {
			call.ID = id
		}
		if name := tc.Get("function.name").String(); name != "" {
			call.Name = name
		}
		d.args[idx].WriteString(tc.Get("function.arguments").String())
		return true
	})
	if fr := choice.Get("finish_reason"); fr.Exists() && fr.Type != gjson.Null {
		d.stop = stopFromOpenAI(fr.String())
		d.finished = true
	}
	if u := gjson.GetBytes(data, "usage"); u.Exists() && u.Type != gjson.Null {
		d.usage = canonical.Usage{
			InputTokens:  int(u.Get("prompt_tokens").Int()),
			OutputTokens: int(u.Get("completion_tokens").Int()),
			CachedTokens: int(u.Get("prompt_tokens_details.cached_tokens").Int()),
		}
	}
	return out
}

func (d *openAIStreamDecoder) Finish() []canonical.Delta {
	if d.closed {
		return nil
	}
	d.closed = true
	if !d.finished && len(d.calls) == 0 && d.stop == "" && d.usage.IsZero() {
		return []canonical.Delta{canonical.ErrorDelta(canonical.Upstream(fmt.Errorf("openai: stream ended before completion")))}
	}

	idxs := make([]int64, 0, len(d.calls))
	for idx := range d.calls {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })

	out := make([]canonical.Delta, 0, len(idxs)+1)
	for _, idx := range idxs {
		call := *d.calls[idx]
		call.Arguments = rawOrEmptyObject(json.RawMessage(d.args[idx].String()))
		out = append(out, canonical.Delta{Kind: canonical.DeltaToolCall, ToolCall: &call})
	}
	stop := d.stop
	if stop == "" {
		stop = canonical.StopEndTurn
	}
	return append(out, canonical.DoneDelta(stop, d.usage))
}
