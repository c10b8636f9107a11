package adapters

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/compresr/ai-gateway/internal/canonical"
)

// GeminiAdapter handles the generateContent format.
//
// The model and the streaming flag come from the URL
// (/v1beta/models/{model}:generateContent or :streamGenerateContent), never
// from the body. Streams are always framed as server-sent events.
//
// Function calls may arrive without ids. Decode assigns call_<n> ids in
// order, and a functionResponse without an id answers the earliest open
// call of the same name.
type GeminiAdapter struct {
	BaseAdapter
}

var _ Adapter = (*GeminiAdapter)(nil)

// NewGeminiAdapter creates a new Gemini adapter.
func NewGeminiAdapter() *GeminiAdapter {
	return &GeminiAdapter{
		BaseAdapter: BaseAdapter{
			name:     "gemini",
			protocol: ProtocolGemini,
		},
	}
}

// =============================================================================
// WIRE TYPES
// =============================================================================

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	ToolConfig        *geminiToolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	Thought          bool                    `json:"thought,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations,omitempty"`
}

type geminiFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiToolConfig struct {
	FunctionCallingConfig geminiFunctionCallingConfig `json:"functionCallingConfig"`
}

type geminiFunctionCallingConfig struct {
	Mode                 string   `json:"mode,omitempty"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens  *int                  `json:"maxOutputTokens,omitempty"`
	Temperature      *float64              `json:"temperature,omitempty"`
	ResponseMimeType string                `json:"responseMimeType,omitempty"`
	ResponseSchema   json.RawMessage       `json:"responseSchema,omitempty"`
	ThinkingConfig   *geminiThinkingConfig `json:"thinkingConfig,omitempty"`
}

type geminiThinkingConfig struct {
	ThinkingBudget  *int `json:"thinkingBudget,omitempty"`
	IncludeThoughts bool `json:"includeThoughts,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *geminiUsage      `json:"usageMetadata,omitempty"`
	ModelVersion  string            `json:"modelVersion,omitempty"`
	ResponseID    string            `json:"responseId,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
	Index        int           `json:"index"`
}

type geminiUsage struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	TotalTokenCount         int `json:"totalTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
}

// =============================================================================
// DECODE - wire request -> canonical
// =============================================================================

// Decode parses a generateContent request. opts.PathModel names the model.
func (a *GeminiAdapter) Decode(body []byte, opts DecodeOptions) (*canonical.Request, error) {
	var wire geminiRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, canonical.DecodeErrorf("invalid JSON body: %v", err)
	}
	if len(wire.Contents) == 0 {
		return nil, canonical.DecodeErrorf("contents must not be empty")
	}

	req := &canonical.Request{Stream: opts.Stream}

	if si := wire.SystemInstruction; si != nil {
		for _, p := range si.Parts {
			if p.Text != "" {
				req.Messages = append(req.Messages, canonical.Message{Role: canonical.RoleSystem, Content: []canonical.Block{canonical.TextBlock(p.Text)}})
			}
		}
	}

	calls := &geminiCallTracker{}
	for i, c := range wire.Contents {
		switch c.Role {
		case "user", "":
			var content []canonical.Block
			for _, p := range c.Parts {
				switch {
				case p.FunctionResponse != nil:
					fr := p.FunctionResponse
					id := calls.answer(fr.ID, fr.Name)
					if id == "" {
						return nil, canonical.DecodeErrorf("contents[%d]: functionResponse %q has no matching functionCall", i, fr.Name)
					}
					result, isError := decodeGeminiResponsePayload(fr.Response)
					req.Messages = append(req.Messages, canonical.Message{
						Role:       canonical.RoleTool,
						ToolCallID: id,
						Content:    []canonical.Block{canonical.ToolResultBlock(id, fr.Name, result, isError)},
					})
				case p.FunctionCall != nil:
					return nil, canonical.DecodeErrorf("contents[%d]: functionCall is only valid in model turns", i)
				default:
					content = append(content, canonical.TextBlock(p.Text))
				}
			}
			if len(content) > 0 {
				req.Messages = append(req.Messages, canonical.Message{Role: canonical.RoleUser, Content: content})
			}
		case "model":
			var content []canonical.Block
			for _, p := range c.Parts {
				switch {
				case p.FunctionCall != nil:
					fc := p.FunctionCall
					if fc.Name == "" {
						return nil, canonical.DecodeErrorf("contents[%d]: functionCall.name is required", i)
					}
					id := calls.call(fc.ID, fc.Name)
					content = append(content, canonical.ToolUseBlock(id, fc.Name, rawOrEmptyObject(fc.Args)))
				case p.Thought:
					content = append(content, canonical.ThinkingBlock(p.Text))
				case p.FunctionResponse != nil:
					return nil, canonical.DecodeErrorf("contents[%d]: functionResponse is only valid in user turns", i)
				default:
					content = append(content, canonical.TextBlock(p.Text))
				}
			}
			req.Messages = append(req.Messages, canonical.Message{Role: canonical.RoleAssistant, Content: content})
		default:
			return nil, canonical.DecodeErrorf("contents[%d]: unsupported role %q", i, c.Role)
		}
	}

	for _, t := range wire.Tools {
		for _, fd := range t.FunctionDeclarations {
			if fd.Name == "" {
				return nil, canonical.DecodeErrorf("functionDeclarations: name is required")
			}
			req.Tools = append(req.Tools, canonical.ToolSpec{Name: fd.Name, Description: fd.Description, Schema: fd.Parameters})
		}
	}

	if tc := wire.ToolConfig; tc != nil {
		fc := tc.FunctionCallingConfig
		switch strings.ToUpper(fc.Mode) {
		case "", "AUTO", "MODE_UNSPECIFIED":
			if fc.Mode != "" {
				req.ToolChoice = &canonical.ToolChoice{Mode: canonical.ToolChoiceAuto}
			}
		case "NONE":
			req.ToolChoice = &canonical.ToolChoice{Mode: canonical.ToolChoiceNone}
		case "ANY":
			if len(fc.AllowedFunctionNames) == 1 {
				req.ToolChoice = &canonical.ToolChoice{Mode: canonical.ToolChoiceTool, Name: fc.AllowedFunctionNames[0]}
			} else {
				req.ToolChoice = &canonical.ToolChoice{Mode: canonical.ToolChoiceRequired}
			}
		default:
			req.ToolChoice = &canonical.ToolChoice{Mode: fc.Mode}
		}
	}

	if gc := wire.GenerationConfig; gc != nil {
		req.MaxOutputTokens = gc.MaxOutputTokens
		req.Temperature = gc.Temperature
		if gc.ThinkingConfig != nil && gc.ThinkingConfig.ThinkingBudget != nil {
			if budget := *gc.ThinkingConfig.ThinkingBudget; budget >= 0 {
				req.ReasoningEffort = budgetToEffort(budget)
			}
		}
		if gc.ResponseMimeType == "application/json" {
			format := []byte(`{"type":"json_object"}`)
			if len(gc.ResponseSchema) > 0 {
				format = []byte(`{"type":"json_schema","json_schema":{"name":"response"}}`)
				format, _ = sjson.SetRawBytes(format, "json_schema.schema", gc.ResponseSchema)
			}
			req.ResponseFormat = format
		}
	}

	if err := canonical.ValidateToolPairs(req.Messages); err != nil {
		return nil, err
	}

	model, err := resolveModel(opts.PathModel, opts)
	if err != nil {
		return nil, err
	}
	req.Model = model
	return req, nil
}

// geminiCallTracker assigns ids to function calls and pairs responses.
type geminiCallTracker struct {
	n    int
	open []canonical.ToolUse // unanswered calls in order
}

func (t *geminiCallTracker) call(id, name string) string {
	t.n++
	if id == "" {
		id = "call_" + strconv.Itoa(t.n)
	}
	t.open = append(t.open, canonical.ToolUse{ID: id, Name: name})
	return id
}

func (t *geminiCallTracker) answer(id, name string) string {
	for i, c := range t.open {
		if (id != "" && c.ID == id) || (id == "" && c.Name == name) {
			t.open = append(t.open[:i], t.open[i+1:]...)
			return c.ID
		}
	}
	return id
}

// decodeGeminiResponsePayload unwraps {"content": "..."} and {"error": "..."}
// envelopes; any other payload is kept as JSON text.
func decodeGeminiResponsePayload(raw json.RawMessage) (string, bool) {
	obj := gjson.ParseBytes(raw)
	if obj.IsObject() {
		fields := obj.Map()
		if len(fields) == 1 {
			if v, ok := fields["content"]; ok && v.Type == gjson.String {
				return v.String(), false
			}
			if v, ok := fields["error"]; ok && v.Type == gjson.String {
				return v.String(), true
			}
		}
	}
	return string(raw), false
}

func encodeGeminiResponsePayload(result *canonical.ToolResult) json.RawMessage {
	key := "content"
	if result.IsError {
		key = "error"
	} else if gjson.Valid(result.Content) && gjson.Parse(result.Content).IsObject() {
		return json.RawMessage(result.Content)
	}
	raw, _ := json.Marshal(map[string]string{key: result.Content})
	return raw
}

// =============================================================================
// ENCODE - canonical response -> wire
// =============================================================================

// Encode renders a GenerateContentResponse.
func (a *GeminiAdapter) Encode(resp *canonical.Response) ([]byte, error) {
	stop := stopOrDefault(resp)
	out := geminiResponse{
		Candidates: []geminiCandidate{{
			Content:      geminiContent{Role: "model", Parts: geminiPartsOf(resp.Content)},
			FinishReason: geminiFinishReason(stop),
		}},
		UsageMetadata: geminiUsageOf(resp.Usage),
		ModelVersion:  resp.Model,
		ResponseID:    resp.ID,
	}
	return json.Marshal(out)
}

// EncodeError renders a google.rpc.Status envelope.
func (a *GeminiAdapter) EncodeError(err *canonical.Error) []byte {
	data, _ := json.Marshal(map[string]any{"error": geminiErrorBody(err)})
	return data
}

func geminiErrorBody(err *canonical.Error) map[string]any {
	info := map[string]any{
		"@type":  "type.googleapis.com/google.rpc.ErrorInfo",
		"reason": err.Code,
		"domain": "ai-gateway",
	}
	body := map[string]any{
		"code":    err.Status,
		"message": errorMessage(err),
		"status":  geminiStatus(err.Status),
	}
	if err.Kind == canonical.KindModelNotFound {
		models := nonNilStrings(err.Models)
		info["metadata"] = map[string]string{"available_models": strings.Join(models, ",")}
		body["available_models"] = models
	}
	body["details"] = []any{info}
	return body
}

func geminiStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return "INVALID_ARGUMENT"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "PERMISSION_DENIED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict, http.StatusLoopDetected:
		return "ABORTED"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case canonical.StatusClientClosedRequest:
		return "CANCELLED"
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	case http.StatusGatewayTimeout:
		return "DEADLINE_EXCEEDED"
	}
	return "INTERNAL"
}

func geminiPartsOf(blocks []canonical.Block) []geminiPart {
	parts := make([]geminiPart, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case canonical.BlockText:
			parts = append(parts, geminiPart{Text: b.Text})
		case canonical.BlockThinking:
			parts = append(parts, geminiPart{Text: b.Text, Thought: true})
		case canonical.BlockToolUse:
			parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{
				ID: b.ToolUse.ID, Name: b.ToolUse.Name, Args: rawOrEmptyObject(b.ToolUse.Arguments),
			}})
		case canonical.BlockToolResult:
			parts = append(parts, geminiPart{FunctionResponse: &geminiFunctionResponse{
				ID: b.ToolResult.ToolUseID, Name: b.ToolResult.Name, Response: encodeGeminiResponsePayload(b.ToolResult),
			}})
		}
	}
	return parts
}

func geminiFinishReason(stop canonical.StopReason) string {
	if stop == canonical.StopMaxTokens {
		return "MAX_TOKENS"
	}
	return "STOP"
}

func geminiUsageOf(u canonical.Usage) *geminiUsage {
	return &geminiUsage{
		PromptTokenCount:        u.InputTokens,
		CandidatesTokenCount:    u.OutputTokens,
		TotalTokenCount:         u.InputTokens + u.OutputTokens,
		CachedContentTokenCount: u.CachedTokens,
	}
}

// =============================================================================
// STREAM ENCODER
// =============================================================================

// NewStreamEncoder returns an SSE encoder of GenerateContentResponse chunks.
func (a *GeminiAdapter) NewStreamEncoder(meta StreamMeta) StreamEncoder {
	id := meta.ID
	if id == "" {
		id = uuid.New().String()
	}
	return &orderedStream{
		contentType: ContentTypeSSE,
		sink:        &geminiFrames{id: id, model: meta.Model},
	}
}

type geminiFrames struct {
	id    string
	model string
}

func (f *geminiFrames) chunk(parts []geminiPart, finish string, usage *geminiUsage) []byte {
	if parts == nil {
		parts = []geminiPart{}
	}
	return sseData(geminiResponse{
		Candidates:    []geminiCandidate{{Content: geminiContent{Role: "model", Parts: parts}, FinishReason: finish}},
		UsageMetadata: usage,
		ModelVersion:  f.model,
		ResponseID:    f.id,
	})
}

func (f *geminiFrames) text(s string) [][]byte {
	return [][]byte{f.chunk([]geminiPart{{Text: s}}, "", nil)}
}

func (f *geminiFrames) thinking(s string) [][]byte {
	return [][]byte{f.chunk([]geminiPart{{Text: s, Thought: true}}, "", nil)}
}

func (f *geminiFrames) toolCalls(calls []canonical.ToolUse) [][]byte {
	blocks := make([]canonical.Block, len(calls))
	for i, c := range calls {
		blocks[i] = canonical.ToolUseBlock(c.ID, c.Name, c.Arguments)
	}
	return [][]byte{f.chunk(geminiPartsOf(blocks), "", nil)}
}

func (f *geminiFrames) done(stop canonical.StopReason, usage canonical.Usage) [][]byte {
	return [][]byte{f.chunk(nil, geminiFinishReason(stop), geminiUsageOf(usage))}
}

func (f *geminiFrames) fail(err *canonical.Error) [][]byte {
	return [][]byte{sseData(map[string]any{"error": geminiErrorBody(err)})}
}

// =============================================================================
// CLIENT SIDE
// =============================================================================

// EncodeRequest renders a generateContent body. The model and streaming
// flag belong in the URL and are not encoded.
func (a *GeminiAdapter) EncodeRequest(req *canonical.Request) ([]byte, error) {
	wire := geminiRequest{Contents: []geminiContent{}}

	var system []geminiPart
	var pending []geminiPart
	flush := func(extra []geminiPart) {
		parts := append(pending, extra...)
		pending = nil
		if len(parts) > 0 {
			wire.Contents = append(wire.Contents, geminiContent{Role: "user", Parts: parts})
		}
	}

	for _, m := range req.Messages {
		switch m.Role {
		case canonical.RoleSystem:
			system = append(system, geminiPartsOf(m.Content)...)
		case canonical.RoleTool:
			pending = append(pending, geminiPartsOf(m.Content)...)
		case canonical.RoleUser:
			flush(geminiPartsOf(m.Content))
		case canonical.RoleAssistant:
			flush(nil)
			wire.Contents = append(wire.Contents, geminiContent{Role: "model", Parts: geminiPartsOf(m.Content)})
		default:
			return nil, fmt.Errorf("gemini: unsupported role %q", m.Role)
		}
	}
	flush(nil)

	if len(system) > 0 {
		wire.SystemInstruction = &geminiContent{Parts: system}
	}

	if len(req.Tools) > 0 {
		decls := make([]geminiFunctionDecl, len(req.Tools))
		for i, t := range req.Tools {
			decls[i] = geminiFunctionDecl{Name: t.Name, Description: t.Description, Parameters: t.Schema}
		}
		wire.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	if tc := req.ToolChoice; tc != nil {
		cfg := geminiFunctionCallingConfig{}
		switch tc.Mode {
		case canonical.ToolChoiceNone:
			cfg.Mode = "NONE"
		case canonical.ToolChoiceRequired:
			cfg.Mode = "ANY"
		case canonical.ToolChoiceTool:
			cfg.Mode = "ANY"
			cfg.AllowedFunctionNames = []string{tc.Name}
		default:
			cfg.Mode = strings.ToUpper(tc.Mode)
		}
		wire.ToolConfig = &geminiToolConfig{FunctionCallingConfig: cfg}
	}

	gc := &geminiGenerationConfig{MaxOutputTokens: req.MaxOutputTokens, Temperature: req.Temperature}
	switch req.ReasoningEffort {
	case "":
	case canonical.EffortNone:
		zero := 0
		gc.ThinkingConfig = &geminiThinkingConfig{ThinkingBudget: &zero}
	default:
		if budget, ok := effortToBudget(req.ReasoningEffort); ok {
			gc.ThinkingConfig = &geminiThinkingConfig{ThinkingBudget: &budget, IncludeThoughts: true}
		}
	}
	if len(req.ResponseFormat) > 0 {
		switch gjson.GetBytes(req.ResponseFormat, "type").String() {
		case "json_object":
			gc.ResponseMimeType = "application/json"
		case "json_schema":
			gc.ResponseMimeType = "application/json"
			if schema := gjson.GetBytes(req.ResponseFormat, "json_schema.schema"); schema.Exists() {
				gc.ResponseSchema = json.RawMessage(schema.Raw)
			}
		}
	}
	if gc.MaxOutputTokens != nil || gc.Temperature != nil || gc.ThinkingConfig != nil || gc.ResponseMimeType != "" {
		wire.GenerationConfig = gc
	}

	return json.Marshal(wire)
}

// DecodeResponse parses a GenerateContentResponse.
func (a *GeminiAdapter) DecodeResponse(body []byte) (*canonical.Response, error) {
	if msg := gjson.GetBytes(body, "error.message"); msg.Exists() {
		return nil, fmt.Errorf("gemini: upstream error: %s", msg.String())
	}
	var wire geminiResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("gemini: failed to parse response: %w", err)
	}
	if len(wire.Candidates) == 0 {
		return nil, fmt.Errorf("gemini: response has no candidates")
	}

	resp := &canonical.Response{ID: wire.ResponseID, Model: wire.ModelVersion}
	calls := &geminiCallTracker{}
	for _, p := range wire.Candidates[0].Content.Parts {
		switch {
		case p.FunctionCall != nil:
			id := calls.call(p.FunctionCall.ID, p.FunctionCall.Name)
			resp.Content = append(resp.Content, canonical.ToolUseBlock(id, p.FunctionCall.Name, rawOrEmptyObject(p.FunctionCall.Args)))
		case p.Thought:
			resp.Content = append(resp.Content, canonical.ThinkingBlock(p.Text))
		case p.Text != "":
			resp.Content = append(resp.Content, canonical.TextBlock(p.Text))
		}
	}
	resp.StopReason = stopFromGemini(wire.Candidates[0].FinishReason, len(calls.open) > 0)
	if u := wire.UsageMetadata; u != nil {
		resp.Usage = usageFromGemini(u)
	}
	return resp, nil
}

func stopFromGemini(reason string, hasCalls bool) canonical.StopReason {
	if reason == "MAX_TOKENS" {
		return canonical.StopMaxTokens
	}
	if hasCalls {
		return canonical.StopToolUse
	}
	return canonical.StopEndTurn
}

func usageFromGemini(u *geminiUsage) canonical.Usage {
	return canonical.Usage{
		InputTokens:  u.PromptTokenCount,
		OutputTokens: u.CandidatesTokenCount,
		CachedTokens: u.CachedContentTokenCount,
	}
}

// =============================================================================
// STREAM DECODER
// =============================================================================

// NewStreamDecoder parses SSE-framed GenerateContentResponse chunks.
func (a *GeminiAdapter) NewStreamDecoder() StreamDecoder {
	return &geminiStreamDecoder{}
}

type geminiStreamDecoder struct {
	calls    geminiCallTracker
	finish   string
	usage    canonical.Usage
	received bool
	closed   bool
}

func (d *geminiStreamDecoder) Feed(_ string, data []byte) []canonical.Delta {
	if d.closed {
		return nil
	}
	if msg := gjson.GetBytes(data, "error.message"); msg.Exists() {
		d.closed = true
		return []canonical.Delta{canonical.ErrorDelta(canonical.Upstream(fmt.Errorf("gemini: %s", msg.String())))}
	}
	var chunk geminiResponse
	if err := json.Unmarshal(data, &chunk); err != nil {
		d.closed = true
		return []canonical.Delta{canonical.ErrorDelta(canonical.Upstream(fmt.Errorf("gemini: malformed stream chunk: %w", err)))}
	}
	d.received = true
	if chunk.UsageMetadata != nil {
		d.usage = usageFromGemini(chunk.UsageMetadata)
	}
	if len(chunk.Candidates) == 0 {
		return nil
	}

	cand := chunk.Candidates[0]
	if cand.FinishReason != "" {
		d.finish = cand.FinishReason
	}
	var out []canonical.Delta
	for _, p := range cand.Content.Parts {
		switch {
		case p.FunctionCall != nil:
			id := d.calls.call(p.FunctionCall.ID, p.FunctionCall.Name)
			call := canonical.ToolUse{ID: id, Name: p.FunctionCall.Name, Arguments: rawOrEmptyObject(p.FunctionCall.Args)}
			out = append(out, canonical.Delta{Kind: canonical.DeltaToolCall, ToolCall: &call})
		case p.Thought:
			out = append(out, canonical.Delta{Kind: canonical.DeltaThinking, Text: p.Text})
		case p.Text != "":
			out = append(out, canonical.TextDelta(p.Text))
		}
	}
	return out
}

// Finish emits the terminal delta; Gemini streams have no end event.
func (d *geminiStreamDecoder) Finish() []canonical.Delta {
	if d.closed {
		return nil
	}
	d.closed = true
	if d.finish == "" && !d.received {
		return []canonical.Delta{canonical.ErrorDelta(canonical.Upstream(fmt.Errorf("gemini: stream ended without content")))}
	}
	return []canonical.Delta{canonical.DoneDelta(stopFromGemini(d.finish, d.calls.n > 0), d.usage)}
}
