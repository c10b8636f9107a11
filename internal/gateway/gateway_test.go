package gateway_test

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/compresr/ai-gateway/internal/gateway"
)

func do(t *testing.T, method, url, body string) (*http.Response, string) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

func TestHealth(t *testing.T) {
	s := newStack(t, "")

	resp, body := do(t, http.MethodGet, s.srv.URL+"/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health gateway.HealthResponse
	require.NoError(t, json.Unmarshal([]byte(body), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "test", health.Version)
	assert.Equal(t, 1, health.Models)
	assert.Equal(t, 1, health.Tools)
	assert.Zero(t, health.Admission.Active)
	require.NotNil(t, health.Audit)
	assert.NotEmpty(t, resp.Header.Get(gateway.HeaderRequestID))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestRequestIDIsEchoed(t *testing.T) {
	s := newStack(t, "")

	req, err := http.NewRequest(http.MethodGet, s.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set(gateway.HeaderRequestID, "req-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "req-123", resp.Header.Get(gateway.HeaderRequestID))
}

func TestChatCompletions_SayHi(t *testing.T) {
	s := newStack(t, "")

	resp, body := do(t, http.MethodPost, s.srv.URL+"/v1/chat/completions",
		`{"model":"test-model","messages":[{"role":"user","content":"Say hi"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "hi!", gjson.Get(body, "choices.0.message.content").String())

	s.flush(t)
	page, err := s.sink.RecentEntries(1, 10)
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, http.StatusOK, page.Entries[0].Status)
	assert.Equal(t, resp.Header.Get(gateway.HeaderRequestID), page.Entries[0].RequestID)
}

func TestChatCompletions_UnknownModel(t *testing.T) {
	s := newStack(t, "")

	resp, body := do(t, http.MethodPost, s.srv.URL+"/v1/chat/completions",
		`{"model":"nope","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, []any{"test-model"}, gjson.Get(body, "error.available_models").Value())
	assert.Equal(t, 0, s.inv.Calls())
}

func TestMessages_Anthropic(t *testing.T) {
	s := newStack(t, "")

	resp, body := do(t, http.MethodPost, s.srv.URL+"/v1/messages",
		`{"model":"test-model","max_tokens":32,"messages":[{"role":"user","content":"Say hi"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "message", gjson.Get(body, "type").String())
	assert.Equal(t, "hi!", gjson.Get(body, "content.0.text").String())
}

func TestGemini_Routes(t *testing.T) {
	s := newStack(t, "")
	payload := `{"contents":[{"role":"user","parts":[{"text":"Say hi"}]}]}`

	resp, body := do(t, http.MethodPost, s.srv.URL+"/v1beta/models/test-model:generateContent", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "hi!", gjson.Get(body, "candidates.0.content.parts.0.text").String())

	resp, body = do(t, http.MethodPost, s.srv.URL+"/v1beta/models/test-model:streamGenerateContent?alt=sse", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Contains(t, body, "data: ")

	resp, _ = do(t, http.MethodPost, s.srv.URL+"/v1beta/models/test-model:countTokens", payload)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, s.srv.URL+"/v1beta/models/other:generateContent", payload)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGemini_UnsupportedMethodIsAdmittedAndAudited(t *testing.T) {
	s := newStack(t, "admission:\n  api_key: secret\n")
	payload := `{"contents":[{"role":"user","parts":[{"text":"Say hi"}]}]}`

	resp, body := do(t, http.MethodPost, s.srv.URL+"/v1beta/models/test-model:countTokens", payload)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, body)

	resp, body = do(t, http.MethodPost, s.srv.URL+"/v1beta/models/no-method", payload)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, body)

	s.flush(t)
	page, err := s.sink.RecentEntries(1, 10)
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	for _, e := range page.Entries {
		assert.Equal(t, http.StatusUnauthorized, e.Status)
		assert.Equal(t, "gemini", e.Protocol)
	}
}

func TestModels(t *testing.T) {
	s := newStack(t, "")

	resp, body := do(t, http.MethodGet, s.srv.URL+"/v1/models", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "list", gjson.Get(body, "object").String())
	assert.Equal(t, "test-model", gjson.Get(body, "data.0.id").String())
	assert.Equal(t, "model", gjson.Get(body, "data.0.object").String())
	assert.Equal(t, "ai-gateway", gjson.Get(body, "data.0.owned_by").String())
}

func TestModels_RequiresAPIKey(t *testing.T) {
	s := newStack(t, "admission:\n  api_key: k1\n")

	resp, _ := do(t, http.MethodGet, s.srv.URL+"/v1/models", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, s.srv.URL+"/v1/models", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer k1")
	ok, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	ok.Body.Close()
	assert.Equal(t, http.StatusOK, ok.StatusCode)

	health, _ := do(t, http.MethodGet, s.srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, health.StatusCode, "health skips admission")
}

func TestTools_ListAndCall(t *testing.T) {
	s := newStack(t, "")

	resp, body := do(t, http.MethodGet, s.srv.URL+"/v1/tools", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "gateway_list_models", gjson.Get(body, "tools.0.name").String())
	assert.True(t, gjson.Get(body, "tools.0.builtin").Bool())

	resp, body = do(t, http.MethodPost, s.srv.URL+"/v1/tools/call", `{"name":"gateway_list_models","arguments":{}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "gateway_list_models", gjson.Get(body, "name").String())
	assert.False(t, gjson.Get(body, "is_error").Bool())
	assert.Equal(t, "test-model", gjson.Get(body, "result.models.0").String())

	resp, body = do(t, http.MethodPost, s.srv.URL+"/v1/tools/call", `{"name":"gateway_list_models","arguments":{"x":1}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.True(t, gjson.Get(body, "is_error").Bool(), "schema rejects extra properties")

	resp, body = do(t, http.MethodPost, s.srv.URL+"/v1/tools/call", `{"name":"missing"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "tool_not_found", gjson.Get(body, "error.code").String())

	resp, _ = do(t, http.MethodPost, s.srv.URL+"/v1/tools/call", `{"arguments":{}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, s.srv.URL+"/v1/tools/call", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuditEndpoints(t *testing.T) {
	s := newStack(t, "")

	resp, _ := do(t, http.MethodPost, s.srv.URL+"/v1/chat/completions",
		`{"model":"test-model","messages":[{"role":"user","content":"Say hi"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	s.flush(t)

	resp, body := do(t, http.MethodGet, s.srv.URL+"/v1/audit/stats?days=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, int64(1), gjson.Get(body, "days").Int())
	assert.Equal(t, int64(1), gjson.Get(body, "stats.0.requests").Int())

	resp, body = do(t, http.MethodGet, s.srv.URL+"/v1/audit/entries?page=1&page_size=10", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "/v1/chat/completions", gjson.Get(body, "entries.0.path").String())

	resp, _ = do(t, http.MethodGet, s.srv.URL+"/v1/audit/stats?days=0", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, s.srv.URL+"/v1/audit/entries?page_size=9999", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdmin_ReloadAndRefresh(t *testing.T) {
	s := newStack(t, "")
	before := s.holder.Current()

	resp, body := do(t, http.MethodPost, s.srv.URL+"/admin/reload", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "reloaded", gjson.Get(body, "status").String())
	assert.NotSame(t, before, s.holder.Current())

	s.inv.SetModels("test-model", "second-model")
	resp, body = do(t, http.MethodPost, s.srv.URL+"/admin/models/refresh", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.ElementsMatch(t, []string{"test-model", "second-model"}, s.catalog.Names())
}

func TestCORSPreflight(t *testing.T) {
	s := newStack(t, "")

	req, err := http.NewRequest(http.MethodOptions, s.srv.URL+"/v1/chat/completions", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}
