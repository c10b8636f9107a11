package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/compresr/ai-gateway/internal/canonical"
)

// Loop defaults.
const (
	DefaultMaxIterations = 8
	DefaultCallTimeout   = 60 * time.Second
)

// State is a position in the tool loop.
//
//	Idle -> AwaitingModel -> Done
//	             |  ^
//	             v  |
//	        ExecutingTools
//
// Any state may move to Aborted on cancellation or the iteration ceiling.
type State int

const (
	StateIdle State = iota
	StateAwaitingModel
	StateExecutingTools
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingModel:
		return "awaiting_model"
	case StateExecutingTools:
		return "executing_tools"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// TurnFunc asks the model for one turn of the conversation.
type TurnFunc func(ctx context.Context, req *canonical.Request, iteration int) (*canonical.Response, error)

// Options configures the loop.
type Options struct {
	MaxIterations int           // model turns per request
	CallTimeout   time.Duration // aggregate budget for one turn's tool calls
	ExposeTools   bool          // advertise registry tools to the model
	// Observe, when set, is called after every tool call from the calling
	// goroutine. It must be safe for concurrent use.
	Observe func(CallEvent)
}

// CallEvent describes one finished tool call.
type CallEvent struct {
	Name      string
	CallID    string
	Iteration int
	IsError   bool
	Duration  time.Duration
}

// Result is the outcome of a loop run. It is returned alongside an error
// when the loop aborts, carrying the usage spent so far.
type Result struct {
	Response   *canonical.Response
	State      State
	Usage      canonical.Usage
	Iterations int
	ToolCalls  int
}

// Orchestrator runs the tool loop against a registry.
type Orchestrator struct {
	registry *Registry
	opts     Options
	tracer   trace.Tracer
}

// NewOrchestrator applies option defaults.
func NewOrchestrator(registry *Registry, opts Options) *Orchestrator {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	return &Orchestrator{
		registry: registry,
		opts:     opts,
		tracer:   otel.Tracer("github.com/compresr/ai-gateway/tools"),
	}
}

// Run drives the conversation until the model stops calling gateway tools.
//
// Tool calls resolved by the registry are executed here and fed back. A turn
// that calls a tool only the client declared ends the loop with stop reason
// tool_use so the client can execute it; gateway calls in that turn are
// dropped from the returned response and never run. Names known to neither
// side are answered with an error result.
func (o *Orchestrator) Run(ctx context.Context, req *canonical.Request, turn TurnFunc) (*Result, error) {
	res := &Result{State: StateIdle}
	conv := req.Clone()
	if o.exposes(conv) {
		conv.Tools = o.mergeTools(req.Tools)
	}

	for {
		res.State = StateAwaitingModel
		if ce := canonical.FromContext(ctx); ce != nil {
			res.State = StateAborted
			return res, ce
		}

		res.Iterations++
		resp, err := turn(ctx, conv, res.Iterations)
		if err != nil {
			res.State = StateAborted
			if ce := canonical.FromContext(ctx); ce != nil {
				return res, ce
			}
			return res, err
		}
		res.Usage.Add(resp.Usage)
		res.Response = resp

		calls := resp.ToolUses()
		if len(calls) == 0 {
			res.State = StateDone
			return res, nil
		}
		if o.handsBack(req, calls) {
			res.Response = o.clientCallsOnly(resp)
			res.State = StateDone
			return res, nil
		}

		if res.Iterations >= o.opts.MaxIterations {
			res.State = StateAborted
			log.Warn().Int("iterations", res.Iterations).Int("pending_calls", len(calls)).Msg("tools: loop ceiling reached")
			return res, canonical.ToolLoopExhausted(res.Iterations)
		}

		res.State = StateExecutingTools
		results := o.execute(ctx, calls, res.Iterations)
		res.ToolCalls += len(calls)
		if ce := canonical.FromContext(ctx); ce != nil {
			res.State = StateAborted
			return res, ce
		}

		conv.Messages = append(conv.Messages, resp.AssistantMessage())
		conv.Messages = append(conv.Messages, results...)
	}
}

func (o *Orchestrator) exposes(req *canonical.Request) bool {
	if !o.opts.ExposeTools || o.registry == nil {
		return false
	}
	return req.ToolChoice == nil || req.ToolChoice.Mode != canonical.ToolChoiceNone
}

// mergeTools advertises registry tools plus client tools the registry does
// not shadow.
func (o *Orchestrator) mergeTools(client []canonical.ToolSpec) []canonical.ToolSpec {
	out := o.registry.Specs()
	for _, t := range client {
		if _, ok := o.registry.Resolve(t.Name); !ok {
			out = append(out, t)
		}
	}
	return out
}

// handsBack reports whether the turn calls a tool only the client can run.
func (o *Orchestrator) handsBack(req *canonical.Request, calls []canonical.ToolUse) bool {
	for _, c := range calls {
		if o.resolves(c.Name) {
			continue
		}
		if req.HasTool(c.Name) {
			return true
		}
	}
	return false
}

// clientCallsOnly copies resp without the tool calls the gateway resolves.
func (o *Orchestrator) clientCallsOnly(resp *canonical.Response) *canonical.Response {
	out := *resp
	out.Content = make([]canonical.Block, 0, len(resp.Content))
	dropped := 0
	for _, b := range resp.Content {
		if b.Type == canonical.BlockToolUse && b.ToolUse != nil && o.resolves(b.ToolUse.Name) {
			dropped++
			continue
		}
		out.Content = append(out.Content, b)
	}
	if dropped > 0 {
		log.Debug().Int("dropped_calls", dropped).Msg("tools: gateway calls withheld from client hand-back")
	}
	return &out
}

func (o *Orchestrator) resolves(name string) bool {
	if o.registry == nil {
		return false
	}
	_, ok := o.registry.Resolve(name)
	return ok
}

// execute runs one turn's calls concurrently under the aggregate timeout and
// returns one tool message per call, in call order.
func (o *Orchestrator) execute(ctx context.Context, calls []canonical.ToolUse, iteration int) []canonical.Message {
	callCtx, cancel := context.WithTimeout(ctx, o.opts.CallTimeout)
	defer cancel()

	out := make([]canonical.Message, len(calls))
	var g errgroup.Group
	for i, c := range calls {
		g.Go(func() error {
			start := time.Now()
			content, isErr := o.callOne(callCtx, c)
			if o.opts.Observe != nil {
				o.opts.Observe(CallEvent{Name: c.Name, CallID: c.ID, Iteration: iteration, IsError: isErr, Duration: time.Since(start)})
			}
			out[i] = canonical.Message{
				Role:       canonical.RoleTool,
				ToolCallID: c.ID,
				Content:    []canonical.Block{canonical.ToolResultBlock(c.ID, c.Name, content, isErr)},
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (o *Orchestrator) callOne(ctx context.Context, c canonical.ToolUse) (string, bool) {
	ctx, span := o.tracer.Start(ctx, "tools.call",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("tool.name", c.Name),
			attribute.String("tool.call_id", c.ID),
		),
	)
	defer span.End()

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "cancelled")
		return "tool call cancelled: " + err.Error(), true
	}
	if !o.resolves(c.Name) {
		span.SetStatus(codes.Error, "missing tool")
		return "missing tool: " + c.Name, true
	}

	start := time.Now()
	raw, err := o.registry.Call(ctx, c.Name, c.Arguments)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("tool call timed out: %w", err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool failed")
		log.Debug().Err(err).Str("tool", c.Name).Str("call_id", c.ID).Msg("tools: call failed")
		return err.Error(), true
	}
	span.SetAttributes(attribute.Int64("tool.duration_ms", time.Since(start).Milliseconds()))
	return resultContent(raw), false
}

// resultContent renders a tool's JSON result as tool message text. JSON
// strings are unwrapped; anything else stays JSON.
func resultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	res := gjson.ParseBytes(raw)
	if res.Type == gjson.String {
		return res.String()
	}
	return string(raw)
}
