package invoker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/compresr/ai-gateway/internal/adapters"
	"github.com/compresr/ai-gateway/internal/canonical"
)

const (
	// DefaultTimeout bounds one non-streaming upstream call.
	DefaultTimeout = 120 * time.Second

	anthropicVersion = "2023-06-01"
)

// HTTPConfig configures an HTTPInvoker.
type HTTPConfig struct {
	// Name labels the upstream in errors and logs.
	Name string
	// Protocol the upstream speaks.
	Protocol adapters.Protocol
	// BaseURL is the API root, e.g. http://localhost:11434/v1,
	// https://api.anthropic.com/v1 or
	// https://generativelanguage.googleapis.com/v1beta.
	BaseURL string
	APIKey  string
	Headers map[string]string
	// Models pins the served model list. Empty asks the upstream.
	Models []string
	// BodyOverrides are sjson paths set on every request body,
	// e.g. {"options.num_ctx": 8192}.
	BodyOverrides map[string]any
	// Timeout bounds non-streaming calls. Streams are bounded by ctx only.
	Timeout time.Duration
	Client  *http.Client
}

// HTTPInvoker talks to an upstream in one of the supported wire protocols.
type HTTPInvoker struct {
	cfg     HTTPConfig
	adapter adapters.Adapter
	client  *http.Client
}

// NewHTTPInvoker validates cfg and picks the protocol adapter.
func NewHTTPInvoker(cfg HTTPConfig, registry *adapters.Registry) (*HTTPInvoker, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("upstream %q: base_url is required", cfg.Name)
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("upstream %q: invalid base_url: %w", cfg.Name, err)
	}
	adapter := registry.ForProtocol(cfg.Protocol)
	if adapter == nil {
		return nil, fmt.Errorf("upstream %q: unsupported protocol %q", cfg.Name, cfg.Protocol)
	}
	if cfg.Name == "" {
		cfg.Name = string(cfg.Protocol)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	client := cfg.Client
	if client == nil {
		client = &http.Client{} // timeout via context, not client
	}
	return &HTTPInvoker{cfg: cfg, adapter: adapter, client: client}, nil
}

// Models returns the pinned list, or asks the upstream's model endpoint.
func (h *HTTPInvoker) Models(ctx context.Context) ([]string, error) {
	if len(h.cfg.Models) > 0 {
		return append([]string(nil), h.cfg.Models...), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.cfg.BaseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build models request: %w", h.cfg.Name, err)
	}
	h.setHeaders(req)
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: list models: %w", h.cfg.Name, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%s: read models: %w", h.cfg.Name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, upstreamStatusError(h.cfg.Name, resp.StatusCode, body)
	}

	var ids []string
	switch h.cfg.Protocol {
	case adapters.ProtocolGemini:
		gjson.GetBytes(body, "models.#.name").ForEach(func(_, v gjson.Result) bool {
			ids = append(ids, strings.TrimPrefix(v.String(), "models/"))
			return true
		})
	default:
		gjson.GetBytes(body, "data.#.id").ForEach(func(_, v gjson.Result) bool {
			ids = append(ids, v.String())
			return true
		})
	}
	sort.Strings(ids)
	return ids, nil
}

// Complete performs one non-streaming completion.
func (h *HTTPInvoker) Complete(ctx context.Context, req *canonical.Request) (*canonical.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	resp, err := h.do(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, failure(h.cfg.Name, fmt.Errorf("read response: %w", err))
	}
	out, err := h.adapter.DecodeResponse(body)
	if err != nil {
		return nil, failure(h.cfg.Name, err)
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	return out, nil
}

// Stream performs a streaming completion and decodes the upstream events.
func (h *HTTPInvoker) Stream(ctx context.Context, req *canonical.Request) (<-chan canonical.Delta, error) {
	resp, err := h.do(ctx, req, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan canonical.Delta, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		dec := h.adapter.NewStreamDecoder()
		terminated := false
		emit := func(deltas []canonical.Delta) bool {
			for _, d := range deltas {
				if terminated {
					return false
				}
				if !send(ctx, ch, d) {
					return false
				}
				terminated = d.Terminal()
			}
			return !terminated
		}

		errStop := errors.New("stop")
		readErr := adapters.ReadSSE(io.LimitReader(resp.Body, maxResponseSize), func(event string, data []byte) error {
			if !emit(dec.Feed(event, data)) {
				return errStop
			}
			return nil
		})
		if terminated || ctx.Err() != nil {
			return
		}
		if readErr != nil && !errors.Is(readErr, errStop) {
			log.Debug().Err(readErr).Str("upstream", h.cfg.Name).Msg("upstream stream read failed")
			send(ctx, ch, canonical.ErrorDelta(canonical.Upstream(fmt.Errorf("%s: stream interrupted: %w", h.cfg.Name, readErr))))
			return
		}
		emit(dec.Finish())
	}()
	return ch, nil
}

// do sends the request and returns a 2xx response or an upstream error.
func (h *HTTPInvoker) do(ctx context.Context, req *canonical.Request, stream bool) (*http.Response, error) {
	wireReq := *req
	wireReq.Stream = stream
	body, err := h.adapter.EncodeRequest(&wireReq)
	if err != nil {
		return nil, canonical.Internal(fmt.Errorf("%s: encode request: %w", h.cfg.Name, err))
	}
	for path, value := range h.cfg.BodyOverrides {
		if body, err = sjson.SetBytes(body, path, value); err != nil {
			return nil, canonical.Internal(fmt.Errorf("%s: apply body override %q: %w", h.cfg.Name, path, err))
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint(req.Model, stream), bytes.NewReader(body))
	if err != nil {
		return nil, canonical.Internal(fmt.Errorf("%s: build request: %w", h.cfg.Name, err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", adapters.ContentTypeSSE)
	}
	h.setHeaders(httpReq)

	start := time.Now()
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, failure(h.cfg.Name, err)
	}
	log.Debug().
		Str("upstream", h.cfg.Name).
		Str("model", req.Model).
		Bool("stream", stream).
		Int("status", resp.StatusCode).
		Dur("ttfb", time.Since(start)).
		Msg("upstream response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		return nil, upstreamStatusError(h.cfg.Name, resp.StatusCode, errBody)
	}
	return resp, nil
}

func (h *HTTPInvoker) endpoint(model string, stream bool) string {
	switch h.cfg.Protocol {
	case adapters.ProtocolAnthropic:
		return h.cfg.BaseURL + "/messages"
	case adapters.ProtocolGemini:
		if stream {
			return h.cfg.BaseURL + "/models/" + url.PathEscape(model) + ":streamGenerateContent?alt=sse"
		}
		return h.cfg.BaseURL + "/models/" + url.PathEscape(model) + ":generateContent"
	default:
		return h.cfg.BaseURL + "/chat/completions"
	}
}

func (h *HTTPInvoker) setHeaders(req *http.Request) {
	switch h.cfg.Protocol {
	case adapters.ProtocolAnthropic:
		if h.cfg.APIKey != "" {
			req.Header.Set("x-api-key", h.cfg.APIKey)
		}
		req.Header.Set("anthropic-version", anthropicVersion)
	case adapters.ProtocolGemini:
		if h.cfg.APIKey != "" {
			req.Header.Set("x-goog-api-key", h.cfg.APIKey)
		}
	default:
		if h.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
		}
	}
	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}
}
