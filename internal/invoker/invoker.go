// Package invoker reaches the model behind the gateway.
//
// DESIGN: The pipeline only sees the Invoker interface. Implementations:
//
//	HTTPInvoker     any OpenAI / Anthropic / Gemini compatible upstream,
//	                speaking the protocol through the adapters' client side
//	BedrockInvoker  Anthropic models on AWS Bedrock, SigV4-signed
//	StaticInvoker   fixed or scripted replies for local development and tests
//
// Wrappers compose: Router fans out over several named upstreams, RateLimited
// enforces a token-per-minute budget. The Catalog is the live model list the
// adapters resolve requested models against.
//
// Upstream failures become canonical UpstreamError (502) and are never
// retried here.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/compresr/ai-gateway/internal/canonical"
)

// Invoker is the model capability.
//
// Stream returns a channel that carries exactly one terminal delta and is
// then closed. If ctx ends first the channel is closed without one; callers
// check ctx.
type Invoker interface {
	Models(ctx context.Context) ([]string, error)
	Complete(ctx context.Context, req *canonical.Request) (*canonical.Response, error)
	Stream(ctx context.Context, req *canonical.Request) (<-chan canonical.Delta, error)
}

const (
	// maxResponseSize caps an upstream body (10MB).
	maxResponseSize = 10 * 1024 * 1024

	// maxErrorBodyLen limits upstream error text carried in errors.
	maxErrorBodyLen = 500
)

// upstreamStatusError builds the error for a non-2xx upstream reply. The
// provider's own error message is preferred over the raw body.
func upstreamStatusError(provider string, status int, body []byte) *canonical.Error {
	msg := ""
	for _, path := range []string{"error.message", "message", "error"} {
		if r := gjson.GetBytes(body, path); r.Exists() && r.Type == gjson.String {
			msg = r.String()
			break
		}
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if len(msg) > maxErrorBodyLen {
		msg = msg[:maxErrorBodyLen] + "... (truncated)"
	}
	return canonical.Upstream(fmt.Errorf("%s returned status %d: %s", provider, status, msg))
}

// streamResponse replays a complete response as a delta stream.
func streamResponse(resp *canonical.Response) <-chan canonical.Delta {
	deltas := canonical.Deltas(resp)
	ch := make(chan canonical.Delta, len(deltas))
	for _, d := range deltas {
		ch <- d
	}
	close(ch)
	return ch
}

// send delivers d unless ctx ends first.
func send(ctx context.Context, ch chan<- canonical.Delta, d canonical.Delta) bool {
	select {
	case ch <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

// failure wraps err as an upstream error unless it already classifies.
func failure(provider string, err error) error {
	var ce *canonical.Error
	if errors.As(err, &ce) {
		return ce
	}
	return canonical.Upstream(fmt.Errorf("%s: %w", provider, err))
}
