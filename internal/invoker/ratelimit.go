package invoker

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/compresr/ai-gateway/internal/canonical"
)

// charsPerToken is the rough ratio used when no tokenizer is wired.
const charsPerToken = 4

// EstimateTokens approximates the prompt size of req in tokens.
func EstimateTokens(req *canonical.Request) int {
	n := 0
	for _, m := range req.Messages {
		for _, b := range m.Content {
			switch b.Type {
			case canonical.BlockText, canonical.BlockThinking:
				n += len(b.Text)
			case canonical.BlockToolUse:
				n += len(b.ToolUse.Name) + len(b.ToolUse.Arguments)
			case canonical.BlockToolResult:
				n += len(b.ToolResult.Content)
			}
		}
	}
	for _, t := range req.Tools {
		n += len(t.Name) + len(t.Description) + len(t.Schema)
	}
	return max(1, n/charsPerToken)
}

// RateLimited spends a token-per-minute budget on every call. The estimate
// is taken up front; usage reported above the estimate is charged afterwards
// and delays later calls.
type RateLimited struct {
	next     Invoker
	limiter  *rate.Limiter
	Estimate func(*canonical.Request) int
}

// NewRateLimited wraps next with a tokensPerMinute budget. The burst equals
// one minute of budget.
func NewRateLimited(next Invoker, tokensPerMinute int) *RateLimited {
	return &RateLimited{
		next:     next,
		limiter:  rate.NewLimiter(rate.Limit(float64(tokensPerMinute)/60), tokensPerMinute),
		Estimate: EstimateTokens,
	}
}

func (r *RateLimited) Models(ctx context.Context) ([]string, error) {
	return r.next.Models(ctx)
}

func (r *RateLimited) Complete(ctx context.Context, req *canonical.Request) (*canonical.Response, error) {
	estimate, err := r.wait(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := r.next.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	r.settle(estimate, resp.Usage)
	return resp, nil
}

func (r *RateLimited) Stream(ctx context.Context, req *canonical.Request) (<-chan canonical.Delta, error) {
	estimate, err := r.wait(ctx, req)
	if err != nil {
		return nil, err
	}
	in, err := r.next.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make(chan canonical.Delta)
	go func() {
		defer close(out)
		for d := range in {
			if d.Kind == canonical.DeltaDone && d.Usage != nil {
				r.settle(estimate, *d.Usage)
			}
			if !send(ctx, out, d) {
				// Drain so the producer can exit.
				for range in {
				}
				return
			}
		}
	}()
	return out, nil
}

// wait blocks until the estimate fits the budget. Estimates above the burst
// are clamped so a single large prompt can still pass.
func (r *RateLimited) wait(ctx context.Context, req *canonical.Request) (int, error) {
	n := min(r.Estimate(req), r.limiter.Burst())
	start := time.Now()
	if err := r.limiter.WaitN(ctx, n); err != nil {
		if ce := canonical.FromContext(ctx); ce != nil {
			return 0, ce
		}
		// WaitN fails early when the wait would outlast the deadline.
		log.Debug().Err(err).Int("tokens", n).Msg("token budget exhausted")
		return 0, canonical.Reject(canonical.CodeRateLimited, http.StatusTooManyRequests, "upstream token budget exhausted")
	}
	if waited := time.Since(start); waited > 100*time.Millisecond {
		log.Debug().Dur("waited", waited).Int("tokens", n).Msg("token budget wait")
	}
	return n, nil
}

// settle charges usage beyond the estimate.
func (r *RateLimited) settle(estimate int, usage canonical.Usage) {
	extra := usage.InputTokens + usage.OutputTokens - estimate
	if extra <= 0 {
		return
	}
	extra = min(extra, r.limiter.Burst())
	r.limiter.ReserveN(time.Now(), extra)
}
