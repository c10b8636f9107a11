package invoker

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/compresr/ai-gateway/internal/canonical"
)

// StaticInvoker answers without a model. Script entries are served in order,
// then Reply (or an echo of the last user message when Echo is set).
type StaticInvoker struct {
	ModelIDs []string
	Reply    string
	Echo     bool
	// Delay is waited before each reply; ctx cancels it.
	Delay time.Duration

	mu     sync.Mutex
	script []*canonical.Response
	seen   []*canonical.Request
	calls  atomic.Int64
}

// NewStaticInvoker serves models with a fixed reply.
func NewStaticInvoker(models []string, reply string) *StaticInvoker {
	return &StaticInvoker{ModelIDs: append([]string(nil), models...), Reply: reply}
}

// Script queues responses served before the fixed reply.
func (s *StaticInvoker) Script(resps ...*canonical.Response) *StaticInvoker {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, resps...)
	return s
}

// Calls counts Complete and Stream invocations.
func (s *StaticInvoker) Calls() int { return int(s.calls.Load()) }

// Requests returns copies of the requests seen, in order.
func (s *StaticInvoker) Requests() []*canonical.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*canonical.Request(nil), s.seen...)
}

// SetModels replaces the served model list.
func (s *StaticInvoker) SetModels(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ModelIDs = append([]string(nil), ids...)
}

func (s *StaticInvoker) Models(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ModelIDs...), nil
}

func (s *StaticInvoker) Complete(ctx context.Context, req *canonical.Request) (*canonical.Response, error) {
	s.calls.Add(1)
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, canonical.AsError(ctx.Err())
		}
	}
	return s.next(req), nil
}

// Stream splits the reply text at word boundaries so callers see several
// text deltas.
func (s *StaticInvoker) Stream(ctx context.Context, req *canonical.Request) (<-chan canonical.Delta, error) {
	resp, err := s.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	var deltas []canonical.Delta
	for _, d := range canonical.Deltas(resp) {
		if d.Kind != canonical.DeltaText {
			deltas = append(deltas, d)
			continue
		}
		for _, word := range splitWords(d.Text) {
			deltas = append(deltas, canonical.TextDelta(word))
		}
	}

	ch := make(chan canonical.Delta)
	go func() {
		defer close(ch)
		for _, d := range deltas {
			if !send(ctx, ch, d) {
				return
			}
		}
	}()
	return ch, nil
}

func (s *StaticInvoker) next(req *canonical.Request) *canonical.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, req.Clone())

	if len(s.script) > 0 {
		resp := *s.script[0]
		s.script = s.script[1:]
		resp.Content = append([]canonical.Block(nil), resp.Content...)
		if resp.ID == "" {
			resp.ID = "static-" + uuid.NewString()
		}
		if resp.Model == "" {
			resp.Model = req.Model
		}
		if resp.StopReason == "" {
			resp.StopReason = canonical.StopEndTurn
			if len(resp.ToolUses()) > 0 {
				resp.StopReason = canonical.StopToolUse
			}
		}
		return &resp
	}

	text := s.Reply
	if s.Echo {
		text = lastUserText(req)
	}
	return &canonical.Response{
		ID:         "static-" + uuid.NewString(),
		Model:      req.Model,
		Content:    []canonical.Block{canonical.TextBlock(text)},
		StopReason: canonical.StopEndTurn,
		Usage: canonical.Usage{
			InputTokens:  EstimateTokens(req),
			OutputTokens: max(1, len(text)/charsPerToken),
		},
	}
}

func lastUserText(req *canonical.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == canonical.RoleUser {
			return req.Messages[i].Text()
		}
	}
	return ""
}

// splitWords keeps the separating spaces attached so the pieces concatenate
// back to s.
func splitWords(s string) []string {
	var out []string
	for s != "" {
		i := strings.IndexByte(s[1:], ' ')
		if i < 0 {
			out = append(out, s)
			break
		}
		out = append(out, s[:i+1])
		s = s[i+1:]
	}
	return out
}
