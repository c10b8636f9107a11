package pipeline

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"

	"github.com/compresr/ai-gateway/internal/canonical"
)

// Encoding is the tokenizer used for usage estimates.
const Encoding = "cl100k_base"

const charsPerToken = 4

// LoadEncoding fetches the default tokenizer. tiktoken may download the BPE
// ranks on first use.
func LoadEncoding() (*tiktoken.Tiktoken, error) {
	return tiktoken.GetEncoding(Encoding)
}

// Estimator counts tokens for upstreams that do not report usage. Without
// a tokenizer it falls back to one token per four bytes.
type Estimator struct {
	load func() (*tiktoken.Tiktoken, error)
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewEstimator loads the tokenizer lazily with load. A nil load always
// uses the byte heuristic.
func NewEstimator(load func() (*tiktoken.Tiktoken, error)) *Estimator {
	return &Estimator{load: load}
}

// Warm loads the tokenizer now instead of on the first estimate.
func (e *Estimator) Warm() {
	e.once.Do(func() {
		if e.load == nil {
			return
		}
		enc, err := e.load()
		if err != nil {
			log.Warn().Err(err).Str("encoding", Encoding).Msg("tokenizer unavailable, estimating by length")
			return
		}
		e.enc = enc
	})
}

// Count estimates the tokens in s.
func (e *Estimator) Count(s string) int {
	if s == "" {
		return 0
	}
	e.Warm()
	if e.enc == nil {
		return max(1, (len(s)+charsPerToken-1)/charsPerToken)
	}
	return len(e.enc.Encode(s, nil, nil))
}

// Request estimates the prompt tokens of req.
func (e *Estimator) Request(req *canonical.Request) int {
	n := 0
	for _, m := range req.Messages {
		n += e.blocks(m.Content)
	}
	for _, t := range req.Tools {
		n += e.Count(t.Name) + e.Count(t.Description) + e.Count(string(t.Schema))
	}
	return max(1, n)
}

// Response estimates the completion tokens of resp.
func (e *Estimator) Response(resp *canonical.Response) int {
	if resp == nil {
		return 0
	}
	return e.blocks(resp.Content)
}

func (e *Estimator) blocks(blocks []canonical.Block) int {
	n := 0
	for _, b := range blocks {
		switch b.Type {
		case canonical.BlockText, canonical.BlockThinking:
			n += e.Count(b.Text)
		case canonical.BlockToolUse:
			n += e.Count(b.ToolUse.Name) + e.Count(string(b.ToolUse.Arguments))
		case canonical.BlockToolResult:
			n += e.Count(b.ToolResult.Content)
		}
	}
	return n
}
