package canonical

import "fmt"

// DeltaKind tags a stream event.
type DeltaKind string

const (
	DeltaText     DeltaKind = "text"
	DeltaThinking DeltaKind = "thinking"
	DeltaToolCall DeltaKind = "tool_call"
	DeltaDone     DeltaKind = "done"
	DeltaError    DeltaKind = "error"
)

// Delta is one incremental stream event. ToolCall deltas carry a complete
// call; producers assemble partial argument fragments before emitting.
type Delta struct {
	Kind       DeltaKind
	Text       string
	ToolCall   *ToolUse
	StopReason StopReason
	Usage      *Usage
	Err        *Error
}

// Terminal reports whether d ends the stream.
func (d Delta) Terminal() bool {
	return d.Kind == DeltaDone || d.Kind == DeltaError
}

// TextDelta builds a text delta.
func TextDelta(s string) Delta { return Delta{Kind: DeltaText, Text: s} }

// DoneDelta builds the successful terminal delta.
func DoneDelta(stop StopReason, usage Usage) Delta {
	return Delta{Kind: DeltaDone, StopReason: stop, Usage: &usage}
}

// ErrorDelta builds the failing terminal delta.
func ErrorDelta(err *Error) Delta { return Delta{Kind: DeltaError, Err: err} }

// Deltas splits a complete response into the delta sequence a stream of it
// would carry: text, thinking, tool calls, then one done delta.
func Deltas(resp *Response) []Delta {
	out := make([]Delta, 0, len(resp.Content)+1)
	for _, b := range resp.Content {
		switch b.Type {
		case BlockText:
			if b.Text != "" {
				out = append(out, TextDelta(b.Text))
			}
		case BlockThinking:
			out = append(out, Delta{Kind: DeltaThinking, Text: b.Text})
		case BlockToolUse:
			tu := *b.ToolUse
			out = append(out, Delta{Kind: DeltaToolCall, ToolCall: &tu})
		}
	}
	return append(out, DoneDelta(resp.StopReason, resp.Usage))
}

// =============================================================================
// ACCUMULATOR - folds a delta stream back into a Response
// =============================================================================

// Accumulator rebuilds a Response from deltas. Adjacent text deltas merge
// into one block. Not safe for concurrent use.
type Accumulator struct {
	resp Response
	done bool
	err  *Error
}

// Add folds one delta. Deltas after the terminal one are ignored.
func (a *Accumulator) Add(d Delta) {
	if a.done {
		return
	}
	switch d.Kind {
	case DeltaText, DeltaThinking:
		typ := BlockText
		if d.Kind == DeltaThinking {
			typ = BlockThinking
		}
		if n := len(a.resp.Content); n > 0 && a.resp.Content[n-1].Type == typ {
			a.resp.Content[n-1].Text += d.Text
			return
		}
		a.resp.Content = append(a.resp.Content, Block{Type: typ, Text: d.Text})
	case DeltaToolCall:
		if d.ToolCall != nil {
			tu := *d.ToolCall
			a.resp.Content = append(a.resp.Content, Block{Type: BlockToolUse, ToolUse: &tu})
		}
	case DeltaDone:
		a.done = true
		a.resp.StopReason = d.StopReason
		if d.Usage != nil {
			a.resp.Usage = *d.Usage
		}
	case DeltaError:
		a.done = true
		a.err = d.Err
	}
}

// Done reports whether a terminal delta was seen.
func (a *Accumulator) Done() bool { return a.done }

// Result returns the folded response, or the stream's error.
// A stream that ended without a terminal delta is an upstream failure.
func (a *Accumulator) Result() (*Response, error) {
	if a.err != nil {
		return nil, a.err
	}
	if !a.done {
		return nil, Upstream(fmt.Errorf("stream ended without a terminal event"))
	}
	resp := a.resp
	if resp.StopReason == "" {
		resp.StopReason = StopEndTurn
		if len(resp.ToolUses()) > 0 {
			resp.StopReason = StopToolUse
		}
	}
	return &resp, nil
}
