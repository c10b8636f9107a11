package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/compresr/ai-gateway/internal/canonical"
)

const (
	defaultDialTimeout = 10 * time.Second
	wsReadLimit        = 10 * 1024 * 1024
)

// ErrProviderClosed is returned by calls on a closed WSProvider.
var ErrProviderClosed = errors.New("tool provider closed")

// WSProvider is a tool server reached with JSON-RPC 2.0 over one websocket.
// The connection is dialed on first use and redialed after a failure.
// Requests are multiplexed by id, so concurrent calls share the socket.
type WSProvider struct {
	name        string
	url         string
	header      http.Header
	dialTimeout time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[int64]chan rpcResponse
	nextID  int64
	closed  bool
}

// WSOptions configures a WSProvider.
type WSOptions struct {
	Name        string
	URL         string
	Header      http.Header
	DialTimeout time.Duration
}

// NewWSProvider creates a provider. No connection is made until first use.
func NewWSProvider(opts WSOptions) *WSProvider {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	return &WSProvider{
		name:        opts.Name,
		url:         opts.URL,
		header:      opts.Header,
		dialTimeout: opts.DialTimeout,
		pending:     make(map[int64]chan rpcResponse),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`

	transportErr error
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (p *WSProvider) Name() string { return p.name }

// ListTools calls tools/list. Result shape: {"tools":[{name, description, inputSchema}]}.
func (p *WSProvider) ListTools(ctx context.Context) ([]canonical.ToolSpec, error) {
	raw, err := p.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%s: decode tools/list: %w", p.name, err)
	}
	specs := make([]canonical.ToolSpec, 0, len(out.Tools))
	for _, t := range out.Tools {
		specs = append(specs, canonical.ToolSpec{Name: t.Name, Description: t.Description, Schema: t.InputSchema})
	}
	return specs, nil
}

// Call invokes tools/call. A result flagged isError becomes an error
// carrying the server's text.
func (p *WSProvider) Call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	raw, err := p.call(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return nil, err
	}
	res := gjson.ParseBytes(raw)
	if res.Get("isError").Bool() {
		return nil, errors.New(resultText(res))
	}
	if content := res.Get("content"); content.IsArray() {
		return json.Marshal(resultText(res))
	}
	return raw, nil
}

// resultText joins the text parts of a tools/call result.
func resultText(res gjson.Result) string {
	var text string
	res.Get("content").ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() == "text" {
			if text != "" {
				text += "\n"
			}
			text += part.Get("text").String()
		}
		return true
	})
	if text == "" {
		text = res.Raw
	}
	return text
}

// Close drops the connection and fails pending calls.
func (p *WSProvider) Close() error {
	p.mu.Lock()
	p.closed = true
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "done")
}

func (p *WSProvider) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	conn, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.nextID++
	id := p.nextID
	ch := make(chan rpcResponse, 1)
	p.pending[id] = ch
	p.mu.Unlock()

	forget := func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		forget()
		return nil, fmt.Errorf("%s: write %s: %w", p.name, method, err)
	}

	select {
	case resp := <-ch:
		if resp.transportErr != nil {
			return nil, fmt.Errorf("%s: %s: %w", p.name, method, resp.transportErr)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %s: rpc error %d: %s", p.name, method, resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

func (p *WSProvider) connect(ctx context.Context) (*websocket.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrProviderClosed
	}
	if p.conn != nil {
		return p.conn, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()
	conn, resp, err := websocket.Dial(dialCtx, p.url, &websocket.DialOptions{HTTPHeader: p.header})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%s: connect: %w", p.name, err)
	}
	conn.SetReadLimit(wsReadLimit)
	p.conn = conn
	go p.readLoop(conn)
	log.Debug().Str("provider", p.name).Str("url", p.url).Msg("tools: connected to tool server")
	return conn, nil
}

// readLoop routes responses to their callers until the socket fails.
func (p *WSProvider) readLoop(conn *websocket.Conn) {
	for {
		var resp rpcResponse
		if err := wsjson.Read(context.Background(), conn, &resp); err != nil {
			p.fail(conn, err)
			return
		}
		p.mu.Lock()
		ch, ok := p.pending[resp.ID]
		delete(p.pending, resp.ID)
		p.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (p *WSProvider) fail(conn *websocket.Conn, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != conn {
		return
	}
	p.conn = nil
	for id, ch := range p.pending {
		ch <- rpcResponse{ID: id, transportErr: err}
		delete(p.pending, id)
	}
	if !p.closed {
		log.Warn().Err(err).Str("provider", p.name).Msg("tools: tool server connection lost")
	}
	_ = conn.CloseNow()
}
