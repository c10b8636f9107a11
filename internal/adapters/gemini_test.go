package adapters_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/compresr/ai-gateway/internal/adapters"
	"github.com/compresr/ai-gateway/internal/canonical"
)

// =============================================================================
// BASIC ADAPTER PROPERTIES
// =============================================================================

func TestGemini_Name(t *testing.T) {
	adapter := adapters.NewGeminiAdapter()
	assert.Equal(t, "gemini", adapter.Name())
	assert.Equal(t, adapters.ProtocolGemini, adapter.Protocol())
}

// =============================================================================
// DECODE
// =============================================================================

func TestGemini_Decode_ModelAndStreamFromPath(t *testing.T) {
	adapter := adapters.NewGeminiAdapter()

	body := []byte(`{
		"systemInstruction": {"parts": [{"text": "Be terse."}]},
		"contents": [{"role": "user", "parts": [{"text": "Say hi"}]}],
		"generationConfig": {
			"maxOutputTokens": 50,
			"temperature": 0.5,
			"thinkingConfig": {"thinkingBudget": 0},
			"responseMimeType": "application/json",
			"responseSchema": {"type": "object"}
		}
	}`)

	req, err := adapter.Decode(body, adapters.DecodeOptions{Models: testModels, PathModel: "llama3", Stream: true})
	require.NoError(t, err)

	assert.Equal(t, "llama3", req.Model)
	assert.True(t, req.Stream)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, canonical.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, 50, *req.MaxOutputTokens)
	assert.Equal(t, canonical.EffortNone, req.ReasoningEffort)
	assert.Equal(t, "json_schema", gjson.GetBytes(req.ResponseFormat, "type").String())
	assert.Equal(t, "object", gjson.GetBytes(req.ResponseFormat, "json_schema.schema.type").String())
}

func TestGemini_Decode_AssignsCallIDs(t *testing.T) {
	adapter := adapters.NewGeminiAdapter()

	body := []byte(`{
		"contents": [
			{"role": "user", "parts": [{"text": "Read both files"}]},
			{"role": "model", "parts": [
				{"functionCall": {"name": "read_file", "args": {"path": "a.txt"}}},
				{"functionCall": {"name": "read_file", "args": {"path": "b.txt"}}}
			]},
			{"role": "user", "parts": [
				{"functionResponse": {"name": "read_file", "response": {"content": "contents of file a"}}},
				{"functionResponse": {"name": "read_file", "response": {"temperature": 72}}},
				{"text": "Compare them"}
			]}
		],
		"tools": [{"functionDeclarations": [{"name": "read_file", "parameters": {"type": "object"}}]}],
		"toolConfig": {"functionCallingConfig": {"mode": "ANY", "allowedFunctionNames": ["read_file"]}}
	}`)

	req, err := adapter.Decode(body, adapters.DecodeOptions{Models: testModels, PathModel: "gpt-4o"})
	require.NoError(t, err)

	require.Len(t, req.Messages, 5)
	calls := req.Messages[1].Content
	assert.Equal(t, "call_1", calls[0].ToolUse.ID)
	assert.Equal(t, "call_2", calls[1].ToolUse.ID)

	first := req.Messages[2]
	assert.Equal(t, canonical.RoleTool, first.Role)
	assert.Equal(t, "call_1", first.ToolCallID)
	assert.Equal(t, "contents of file a", first.Content[0].ToolResult.Content)

	second := req.Messages[3]
	assert.Equal(t, "call_2", second.ToolCallID)
	assert.JSONEq(t, `{"temperature":72}`, second.Content[0].ToolResult.Content)

	assert.Equal(t, "Compare them", req.Messages[4].Text())
	assert.Equal(t, &canonical.ToolChoice{Mode: canonical.ToolChoiceTool, Name: "read_file"}, req.ToolChoice)
}

func TestGemini_Decode_Errors(t *testing.T) {
	adapter := adapters.NewGeminiAdapter()

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{invalid}`},
		{"no contents", `{}`},
		{"unanswerable response", `{"contents":[{"role":"user","parts":[{"functionResponse":{"name":"ls","response":{}}}]}]}`},
		{"call in user turn", `{"contents":[{"role":"user","parts":[{"functionCall":{"name":"ls"}}]}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := adapter.Decode([]byte(tt.body), adapters.DecodeOptions{Models: testModels, PathModel: "llama3"})
			var ce *canonical.Error
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, canonical.KindDecode, ce.Kind)
		})
	}
}

func TestGemini_Decode_UnknownModePassesThrough(t *testing.T) {
	adapter := adapters.NewGeminiAdapter()

	req, err := adapter.Decode([]byte(`{"contents":[{"role":"user","parts":[{"text":"x"}]}],"toolConfig":{"functionCallingConfig":{"mode":"VALIDATED"}}}`),
		adapters.DecodeOptions{Models: testModels, PathModel: "llama3"})
	require.NoError(t, err)
	assert.Equal(t, &canonical.ToolChoice{Mode: "VALIDATED"}, req.ToolChoice)
}

func TestGemini_Decode_UnknownModel(t *testing.T) {
	adapter := adapters.NewGeminiAdapter()

	_, err := adapter.Decode([]byte(`{"contents":[{"role":"user","parts":[{"text":"x"}]}]}`),
		adapters.DecodeOptions{Models: testModels, PathModel: "gemini-9"})

	var ce *canonical.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, canonical.KindModelNotFound, ce.Kind)

	data := adapter.EncodeError(ce)
	assert.Equal(t, int64(404), gjson.GetBytes(data, "error.code").Int())
	assert.Equal(t, "NOT_FOUND", gjson.GetBytes(data, "error.status").String())
	assert.Equal(t, "model_not_found", gjson.GetBytes(data, "error.details.0.reason").String())
	assert.Equal(t, "llama3,gpt-4o", gjson.GetBytes(data, "error.details.0.metadata.available_models").String())
}

// =============================================================================
// ENCODE
// =============================================================================

func TestGemini_Encode(t *testing.T) {
	adapter := adapters.NewGeminiAdapter()

	data, err := adapter.Encode(&canonical.Response{
		Model:      "llama3",
		Content:    []canonical.Block{canonical.TextBlock("hi!")},
		StopReason: canonical.StopMaxTokens,
		Usage:      canonical.Usage{InputTokens: 2, OutputTokens: 1},
	})
	require.NoError(t, err)

	assert.Equal(t, "model", gjson.GetBytes(data, "candidates.0.content.role").String())
	assert.Equal(t, "hi!", gjson.GetBytes(data, "candidates.0.content.parts.0.text").String())
	assert.Equal(t, "MAX_TOKENS", gjson.GetBytes(data, "candidates.0.finishReason").String())
	assert.Equal(t, int64(3), gjson.GetBytes(data, "usageMetadata.totalTokenCount").Int())
}

// =============================================================================
// STREAMING
// =============================================================================

func TestGemini_StreamEncoder(t *testing.T) {
	adapter := adapters.NewGeminiAdapter()
	enc := adapter.NewStreamEncoder(adapters.StreamMeta{Model: "llama3"})

	call := canonical.ToolUse{ID: "call_1", Name: "ls", Arguments: json.RawMessage(`{}`)}
	events := encodeStream(t, enc,
		canonical.TextDelta("Hel"),
		canonical.Delta{Kind: canonical.DeltaToolCall, ToolCall: &call},
		canonical.TextDelta("lo"),
		canonical.DoneDelta(canonical.StopToolUse, canonical.Usage{InputTokens: 1, OutputTokens: 1}),
	)

	require.Len(t, events, 4)
	assert.Equal(t, "Hel", gjson.Get(events[0].data, "candidates.0.content.parts.0.text").String())
	assert.Equal(t, "lo", gjson.Get(events[1].data, "candidates.0.content.parts.0.text").String())
	assert.Equal(t, "ls", gjson.Get(events[2].data, "candidates.0.content.parts.0.functionCall.name").String())
	assert.Equal(t, "STOP", gjson.Get(events[3].data, "candidates.0.finishReason").String())
	assert.Equal(t, int64(2), gjson.Get(events[3].data, "usageMetadata.totalTokenCount").Int())
}

func TestGemini_StreamDecoder(t *testing.T) {
	adapter := adapters.NewGeminiAdapter()

	deltas := feedStream(adapter.NewStreamDecoder(),
		sseEvent{data: `{"candidates":[{"content":{"role":"model","parts":[{"text":"Let me look"}]}}]}`},
		sseEvent{data: `{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"ls","args":{"path":"."}}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":6,"candidatesTokenCount":4}}`},
	)

	require.Len(t, deltas, 3)
	assert.Equal(t, "Let me look", deltas[0].Text)
	assert.Equal(t, "call_1", deltas[1].ToolCall.ID)
	assert.Equal(t, canonical.StopToolUse, deltas[2].StopReason)
	assert.Equal(t, 6, deltas[2].Usage.InputTokens)
	assert.Equal(t, 1, terminalCount(deltas))
}

func TestGemini_StreamDecoder_UpstreamError(t *testing.T) {
	adapter := adapters.NewGeminiAdapter()

	deltas := feedStream(adapter.NewStreamDecoder(),
		sseEvent{data: `{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`},
	)

	require.Len(t, deltas, 1)
	assert.Equal(t, canonical.DeltaError, deltas[0].Kind)
}

// =============================================================================
// CLIENT SIDE
// =============================================================================

func TestGemini_EncodeRequest(t *testing.T) {
	adapter := adapters.NewGeminiAdapter()

	data, err := adapter.EncodeRequest(&canonical.Request{
		Model: "gemini-2.0-flash",
		Messages: []canonical.Message{
			{Role: canonical.RoleSystem, Content: []canonical.Block{canonical.TextBlock("Be terse.")}},
			{Role: canonical.RoleUser, Content: []canonical.Block{canonical.TextBlock("List")}},
			{Role: canonical.RoleAssistant, Content: []canonical.Block{canonical.ToolUseBlock("c1", "ls", nil)}},
			{Role: canonical.RoleTool, ToolCallID: "c1", Content: []canonical.Block{canonical.ToolResultBlock("c1", "ls", "permission denied", true)}},
		},
		ToolChoice:      &canonical.ToolChoice{Mode: canonical.ToolChoiceTool, Name: "ls"},
		ReasoningEffort: "low",
		ResponseFormat:  json.RawMessage(`{"type":"json_object"}`),
	})
	require.NoError(t, err)

	assert.False(t, gjson.GetBytes(data, "model").Exists())
	assert.Equal(t, "Be terse.", gjson.GetBytes(data, "systemInstruction.parts.0.text").String())
	assert.Equal(t, "model", gjson.GetBytes(data, "contents.1.role").String())
	assert.Equal(t, "permission denied", gjson.GetBytes(data, "contents.2.parts.0.functionResponse.response.error").String())
	assert.Equal(t, "ANY", gjson.GetBytes(data, "toolConfig.functionCallingConfig.mode").String())
	assert.Equal(t, "ls", gjson.GetBytes(data, "toolConfig.functionCallingConfig.allowedFunctionNames.0").String())
	assert.Equal(t, int64(1024), gjson.GetBytes(data, "generationConfig.thinkingConfig.thinkingBudget").Int())
	assert.Equal(t, "application/json", gjson.GetBytes(data, "generationConfig.responseMimeType").String())
}

func TestGemini_DecodeResponse(t *testing.T) {
	adapter := adapters.NewGeminiAdapter()

	resp, err := adapter.DecodeResponse([]byte(`{
		"candidates": [{"content": {"role": "model", "parts": [
			{"text": "thinking...", "thought": true},
			{"text": "hi!"}
		]}, "finishReason": "STOP"}],
		"usageMetadata": {"promptTokenCount": 3, "candidatesTokenCount": 1, "totalTokenCount": 4},
		"modelVersion": "gemini-2.0-flash"
	}`))
	require.NoError(t, err)

	require.Len(t, resp.Content, 2)
	assert.Equal(t, canonical.BlockThinking, resp.Content[0].Type)
	assert.Equal(t, "hi!", resp.Text())
	assert.Equal(t, canonical.StopEndTurn, resp.StopReason)
	assert.Equal(t, "gemini-2.0-flash", resp.Model)
}
