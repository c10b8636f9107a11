package tools_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/compresr/ai-gateway/internal/tools"
)

type rpcIn struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// toolServer answers tools/list and tools/call for "add" and "boom".
// Calls are answered concurrently to exercise out-of-order responses.
func toolServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tool-secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()

		ctx := r.Context()
		var writeMu sync.Mutex
		for {
			var req rpcIn
			if err := wsjson.Read(ctx, c, &req); err != nil {
				return
			}
			go func(req rpcIn) {
				resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
				switch req.Method {
				case "tools/list":
					resp["result"] = map[string]any{"tools": []map[string]any{{
						"name":        "add",
						"description": "Add two integers.",
						"inputSchema": map[string]any{"type": "object", "required": []string{"a", "b"}},
					}}}
				case "tools/call":
					name := gjson.GetBytes(req.Params, "name").String()
					args := gjson.GetBytes(req.Params, "arguments")
					switch name {
					case "add":
						sum := args.Get("a").Int() + args.Get("b").Int()
						resp["result"] = map[string]any{"content": []map[string]any{{"type": "text", "text": fmt.Sprint(sum)}}}
					case "boom":
						resp["result"] = map[string]any{"isError": true, "content": []map[string]any{{"type": "text", "text": "kaboom"}}}
					default:
						resp["error"] = map[string]any{"code": -32601, "message": "unknown tool " + name}
					}
				default:
					resp["error"] = map[string]any{"code": -32601, "message": "method not found"}
				}
				writeMu.Lock()
				defer writeMu.Unlock()
				_ = wsjson.Write(ctx, c, resp)
			}(req)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newWSProvider(t *testing.T, srv *httptest.Server) *tools.WSProvider {
	t.Helper()
	p := tools.NewWSProvider(tools.WSOptions{
		Name:   "calc",
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		Header: http.Header{"Authorization": []string{"Bearer tool-secret"}},
	})
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestWSProvider_ListTools(t *testing.T) {
	p := newWSProvider(t, toolServer(t))

	specs, err := p.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "add", specs[0].Name)
	assert.Equal(t, "Add two integers.", specs[0].Description)
	assert.JSONEq(t, `{"type":"object","required":["a","b"]}`, string(specs[0].Schema))
}

func TestWSProvider_Call(t *testing.T) {
	p := newWSProvider(t, toolServer(t))

	out, err := p.Call(context.Background(), "add", json.RawMessage(`{"a":2,"b":3}`))
	require.NoError(t, err)
	assert.JSONEq(t, `"5"`, string(out))

	_, err = p.Call(context.Background(), "boom", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Equal(t, "kaboom", err.Error())

	_, err = p.Call(context.Background(), "ghost", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rpc error -32601")
}

func TestWSProvider_ConcurrentCalls(t *testing.T) {
	p := newWSProvider(t, toolServer(t))

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	outs := make([]string, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := p.Call(context.Background(), "add", json.RawMessage(fmt.Sprintf(`{"a":%d,"b":1}`, i)))
			errs[i] = err
			outs[i] = string(out)
		}()
	}
	wg.Wait()
	for i := range n {
		require.NoError(t, errs[i])
		assert.JSONEq(t, fmt.Sprintf(`"%d"`, i+1), outs[i])
	}
}

func TestWSProvider_ThroughRegistry(t *testing.T) {
	p := newWSProvider(t, toolServer(t))
	r := tools.NewRegistry()
	r.Register(p, false)
	require.NoError(t, r.Refresh(context.Background()))

	out, err := r.Call(context.Background(), "add", json.RawMessage(`{"a":40,"b":2}`))
	require.NoError(t, err)
	assert.JSONEq(t, `"42"`, string(out))

	_, err = r.Call(context.Background(), "add", json.RawMessage(`{"a":1}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid arguments")
}

func TestWSProvider_DialFailure(t *testing.T) {
	srv := toolServer(t)
	p := tools.NewWSProvider(tools.WSOptions{Name: "calc", URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	defer p.Close()

	_, err := p.ListTools(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "calc: connect")
}

func TestWSProvider_Closed(t *testing.T) {
	p := newWSProvider(t, toolServer(t))
	_, err := p.ListTools(context.Background())
	require.NoError(t, err)
	_ = p.Close()

	_, err = p.ListTools(context.Background())
	assert.ErrorIs(t, err, tools.ErrProviderClosed)
}
