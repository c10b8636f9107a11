// Package pipeline runs one completion request end to end.
//
// DESIGN: Every completion goes through the same stages:
//
//	config snapshot -> connection gate -> admission -> body read -> decode
//	  -> outbound redaction (optional) -> tool loop against the invoker
//	  -> encode (JSON or stream frames) -> release slots -> audit
//
// The configuration snapshot is read once so a reload mid-request has no
// effect on it. Admission slots are released before the audit entry is
// recorded, and exactly one entry is recorded per request whatever the
// outcome, including panics and client disconnects.
//
// Streaming requests forward text as it arrives. Tool calls are held until
// the loop settles: calls the gateway executes never reach the client, and
// calls handed back are framed ahead of the final stop frame.
//
// FILES:
//   - pipeline.go:  Pipeline, Handle(), error rendering
//   - guard.go:     Guard() for non-completion endpoints
//   - exchange.go:  Per-request state and its audit entry
//   - conngate.go:  One in-flight completion per connection
//   - stream.go:    Lazily committed stream writer
//   - estimate.go:  Token estimates when upstreams omit usage
package pipeline

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/compresr/ai-gateway/internal/adapters"
	"github.com/compresr/ai-gateway/internal/admission"
	"github.com/compresr/ai-gateway/internal/audit"
	"github.com/compresr/ai-gateway/internal/canonical"
	"github.com/compresr/ai-gateway/internal/config"
	"github.com/compresr/ai-gateway/internal/invoker"
	"github.com/compresr/ai-gateway/internal/monitoring"
	"github.com/compresr/ai-gateway/internal/tools"
)

// Recorder receives one entry per request. Record must not block and
// reports whether the entry was kept.
type Recorder interface {
	Record(audit.Entry) bool
}

type discard struct{}

func (discard) Record(audit.Entry) bool { return true }

// Deps are the collaborators of a Pipeline. Config, Admission and Invoker
// are required.
type Deps struct {
	Config    *config.Holder
	Admission *admission.Controller
	Invoker   invoker.Invoker
	Catalog   adapters.ModelLookup
	Tools     *tools.Registry
	Audit     Recorder
	Redactor  *audit.Redactor
	Estimator *Estimator
	Logger    *monitoring.Logger
	Metrics   *monitoring.MetricsCollector
	Alerts    *monitoring.AlertManager
	Now       func() time.Time
}

// Route identifies the completion endpoint a request arrived on.
type Route struct {
	Adapter   adapters.Adapter
	PathModel string // Gemini: model named in the URL
	Stream    bool   // Gemini: streamGenerateContent

	// Refuse, when set, fails the request with this error once it has been
	// admitted. Used for paths the adapter cannot serve.
	Refuse *canonical.Error
}

// Pipeline handles completion requests.
type Pipeline struct {
	cfg       *config.Holder
	admission *admission.Controller
	invoker   invoker.Invoker
	catalog   adapters.ModelLookup
	tools     *tools.Registry
	audit     Recorder
	estimator *Estimator
	metrics   *monitoring.MetricsCollector
	alerts    *monitoring.AlertManager
	reqLog    *monitoring.RequestLogger
	gate      *ConnGate
	now       func() time.Time
	tracer    trace.Tracer

	redactor atomic.Pointer[audit.Redactor]
	snap     atomic.Pointer[snapshot]

	// errors outside a protocol endpoint use the OpenAI envelope
	plain adapters.Adapter
}

// snapshot pairs a config with the admission limits derived from it.
type snapshot struct {
	cfg    *config.Config
	limits admission.Limits
}

// New wires a Pipeline and fills optional dependencies.
func New(d Deps) *Pipeline {
	if d.Logger == nil {
		d.Logger = monitoring.Nop()
	}
	if d.Audit == nil {
		d.Audit = discard{}
	}
	if d.Estimator == nil {
		d.Estimator = NewEstimator(nil)
	}
	if d.Metrics == nil {
		d.Metrics = monitoring.NewMetricsCollector()
	}
	if d.Alerts == nil {
		d.Alerts = monitoring.NewAlertManager(d.Logger, monitoring.AlertConfig{})
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	p := &Pipeline{
		cfg:       d.Config,
		admission: d.Admission,
		invoker:   d.Invoker,
		catalog:   d.Catalog,
		tools:     d.Tools,
		audit:     d.Audit,
		estimator: d.Estimator,
		metrics:   d.Metrics,
		alerts:    d.Alerts,
		reqLog:    monitoring.NewRequestLogger(d.Logger),
		gate:      NewConnGate(),
		now:       d.Now,
		tracer:    otel.Tracer("github.com/compresr/ai-gateway/pipeline"),
		plain:     adapters.NewOpenAIAdapter(),
	}
	p.redactor.Store(d.Redactor)
	return p
}

// SetRedactor swaps the rules used for outbound redaction.
func (p *Pipeline) SetRedactor(r *audit.Redactor) {
	p.redactor.Store(r)
}

// Metrics exposes the pipeline counters.
func (p *Pipeline) Metrics() *monitoring.MetricsCollector { return p.metrics }

// Gate exposes the connection gate.
func (p *Pipeline) Gate() *ConnGate { return p.gate }

// snapshot reads the current config once and caches its parsed limits.
func (p *Pipeline) snapshot() (*snapshot, *canonical.Error) {
	cfg := p.cfg.Current()
	if s := p.snap.Load(); s != nil && s.cfg == cfg {
		return s, nil
	}
	limits, err := cfg.Admission.Limits()
	if err != nil {
		return nil, canonical.Internal(err)
	}
	s := &snapshot{cfg: cfg, limits: limits}
	p.snap.Store(s)
	return s, nil
}

// =============================================================================
// COMPLETIONS
// =============================================================================

// Handle serves one completion request on route.
func (p *Pipeline) Handle(w http.ResponseWriter, r *http.Request, route Route) {
	ad := route.Adapter
	ex := p.begin(r, ad.Protocol().String())
	defer p.finish(ex)

	ctx, span := p.tracer.Start(r.Context(), "pipeline.completion",
		trace.WithAttributes(attribute.String("protocol", ex.Protocol), attribute.String("request_id", ex.RequestID)))
	defer func() { endSpan(span, ex) }()
	r = r.WithContext(ctx)

	snap, cerr := p.snapshot()
	if cerr != nil {
		p.fail(w, ex, ad, cerr)
		return
	}
	cfg := snap.cfg
	ex.capture = cfg.Audit.CaptureBodies

	if id, ok := ConnID(ctx); ok {
		leave, cerr := p.gate.Enter(ctx, id, cfg.Admission.PerConnection == config.PerConnectionQueue)
		if cerr != nil {
			p.reject(w, ex, ad, cerr)
			return
		}
		defer leave()
	}

	ticket, cerr := p.admission.Admit(r, snap.limits)
	if cerr != nil {
		p.reject(w, ex, ad, cerr)
		return
	}
	defer ticket.Release()
	ctx = ticket.Context()

	body, cerr := admission.ReadBody(w, r, snap.limits.MaxPayloadBytes)
	if cerr != nil {
		p.reject(w, ex, ad, cerr)
		return
	}
	ex.requestBody = body

	if route.Refuse != nil {
		ex.Model = route.PathModel
		p.fail(w, ex, ad, route.Refuse)
		return
	}

	req, err := ad.Decode(body, adapters.DecodeOptions{
		Models:       p.catalog,
		DefaultModel: cfg.Models.DefaultModel,
		PathModel:    route.PathModel,
		Stream:       route.Stream,
	})
	if err != nil {
		p.fail(w, ex, ad, canonical.AsError(err))
		return
	}
	ex.Model = req.Model
	ex.Stream = req.Stream
	span.SetAttributes(attribute.String("model", req.Model), attribute.Bool("stream", req.Stream))
	p.reqLog.LogDecoded(&monitoring.DecodedInfo{
		RequestID: ex.RequestID,
		Protocol:  ex.Protocol,
		Model:     req.Model,
		Stream:    req.Stream,
		Messages:  len(req.Messages),
		Tools:     len(req.Tools),
	})

	if cfg.Redaction.ApplyToUpstream {
		redactRequest(req, p.redactor.Load())
	}

	orch := tools.NewOrchestrator(p.tools, tools.Options{
		MaxIterations: cfg.Tools.MaxIterations,
		CallTimeout:   cfg.Tools.CallTimeout,
		ExposeTools:   cfg.Tools.Enabled,
		Observe:       p.observe(ex.RequestID),
	})
	estimate := cfg.Pipeline.EstimateUsage

	if req.Stream {
		p.stream(ctx, w, ex, ad, orch, req, estimate)
		return
	}
	p.complete(ctx, w, ex, ad, orch, req, estimate)
}

func (p *Pipeline) complete(ctx context.Context, w http.ResponseWriter, ex *Exchange, ad adapters.Adapter,
	orch *tools.Orchestrator, req *canonical.Request, estimate bool) {
	turn := func(ctx context.Context, conv *canonical.Request, _ int) (*canonical.Response, error) {
		return p.invoker.Complete(ctx, conv)
	}
	res, err := orch.Run(ctx, req, turn)
	ex.absorb(res)
	if err != nil {
		p.fail(w, ex, ad, canonical.AsError(err))
		return
	}

	resp := *res.Response
	resp.Model = req.Model
	resp.Usage = p.usage(req, res, estimate)
	ex.Usage = resp.Usage

	data, err := ad.Encode(&resp)
	if err != nil {
		p.fail(w, ex, ad, canonical.Internal(err))
		return
	}
	ex.responseBody = data
	ex.Status = http.StatusOK
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (p *Pipeline) stream(ctx context.Context, w http.ResponseWriter, ex *Exchange, ad adapters.Adapter,
	orch *tools.Orchestrator, req *canonical.Request, estimate bool) {
	sw := newStreamWriter(w, ad.NewStreamEncoder(adapters.StreamMeta{
		ID:      ex.RequestID,
		Model:   req.Model,
		Created: ex.Start,
	}))

	turn := func(ctx context.Context, conv *canonical.Request, _ int) (*canonical.Response, error) {
		ch, err := p.invoker.Stream(ctx, conv)
		if err != nil {
			return nil, err
		}
		var acc canonical.Accumulator
		for d := range ch {
			acc.Add(d)
			if d.Kind == canonical.DeltaText || d.Kind == canonical.DeltaThinking {
				sw.Send(d)
			}
		}
		return acc.Result()
	}

	res, err := orch.Run(ctx, req, turn)
	ex.absorb(res)
	if err != nil {
		ce := canonical.AsError(err)
		if !sw.Started() {
			p.fail(w, ex, ad, ce)
			return
		}
		sw.Send(canonical.ErrorDelta(p.note(ex, ce)))
		return
	}

	resp := res.Response
	usage := p.usage(req, res, estimate)
	ex.Usage = usage
	for _, call := range resp.ToolUses() {
		sw.Send(canonical.Delta{Kind: canonical.DeltaToolCall, ToolCall: &call})
	}
	stop := resp.StopReason
	if stop == "" {
		stop = canonical.StopEndTurn
	}
	sw.Send(canonical.DoneDelta(stop, usage))
	ex.responseBody = []byte(resp.Text())
	ex.Status = http.StatusOK
}

// usage is the loop total, estimated when upstreams reported nothing.
func (p *Pipeline) usage(req *canonical.Request, res *tools.Result, estimate bool) canonical.Usage {
	if !res.Usage.IsZero() || !estimate {
		return res.Usage
	}
	return canonical.Usage{
		InputTokens:  p.estimator.Request(req),
		OutputTokens: p.estimator.Response(res.Response),
	}
}

func (p *Pipeline) observe(requestID string) func(tools.CallEvent) {
	return func(ev tools.CallEvent) {
		p.reqLog.LogToolCall(&monitoring.ToolCallInfo{
			RequestID: requestID,
			Tool:      ev.Name,
			Iteration: ev.Iteration,
			IsError:   ev.IsError,
			Duration:  ev.Duration,
		})
	}
}

// redactRequest masks secrets in text and tool results before they leave
// the machine. Tool-call arguments stay intact so they remain valid JSON.
func redactRequest(req *canonical.Request, r *audit.Redactor) {
	if r == nil {
		return
	}
	for i := range req.Messages {
		content := make([]canonical.Block, len(req.Messages[i].Content))
		copy(content, req.Messages[i].Content)
		for j := range content {
			b := &content[j]
			switch b.Type {
			case canonical.BlockText:
				b.Text = r.Redact(b.Text)
			case canonical.BlockToolResult:
				tr := *b.ToolResult
				tr.Content = r.Redact(tr.Content)
				b.ToolResult = &tr
			}
		}
		req.Messages[i].Content = content
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func (p *Pipeline) begin(r *http.Request, protocol string) *Exchange {
	requestID := monitoring.RequestIDFromContext(r.Context())
	if requestID == "" {
		requestID = uuid.New().String()
	}
	ex := newExchange(r, requestID, protocol, p.now())
	p.reqLog.Incoming(r, requestID)
	return ex
}

// finish records the exchange. It runs after every slot has been released.
func (p *Pipeline) finish(ex *Exchange) {
	if ex.Status == 0 {
		// Only reachable when a handler panicked.
		ex.Status = http.StatusInternalServerError
		if ex.Err == nil {
			ex.Err = canonical.Internal(nil)
		}
	}
	latency := p.now().Sub(ex.Start)

	if !p.audit.Record(ex.entry(latency)) {
		p.metrics.RecordAuditDrop()
		p.alerts.FlagAuditDrop(ex.RequestID)
	}
	p.metrics.RecordRequest(ex.succeeded(), latency)
	p.metrics.RecordUsage(ex.Usage.InputTokens, ex.Usage.OutputTokens, ex.ToolCalls)
	p.alerts.FlagHighLatency(ex.RequestID, latency, ex.Model, ex.Path)
	outcome := monitoring.Outcome{
		Status:    ex.Status,
		TokensIn:  ex.Usage.InputTokens,
		TokensOut: ex.Usage.OutputTokens,
		ToolCalls: ex.ToolCalls,
		Latency:   latency,
	}
	if ex.Err != nil {
		outcome.Code = ex.Err.Code
	}
	p.reqLog.Completed(ex.RequestID, ex.Model, outcome)
}

func endSpan(span trace.Span, ex *Exchange) {
	span.SetAttributes(attribute.Int("status", ex.Status), attribute.Int("tool_calls", ex.ToolCalls))
	if ex.Err != nil {
		span.SetStatus(codes.Error, ex.Err.Code)
	}
	span.End()
}

// =============================================================================
// ERRORS
// =============================================================================

// note records ce on the exchange and raises the matching alert. It returns
// the error as the caller may see it: upstream messages can echo provider
// bodies, so they pass through the redactor.
func (p *Pipeline) note(ex *Exchange, ce *canonical.Error) *canonical.Error {
	if ce.Kind == canonical.KindUpstream {
		p.alerts.FlagUpstreamError(ex.RequestID, ex.Model, ce)
		safe := *ce
		safe.Message = p.redactor.Load().Redact(ce.Message)
		ce = &safe
	} else if ce.Code == canonical.CodeToolLoopExhausted {
		p.alerts.FlagToolLoopAborted(ex.RequestID, ex.Model, ex.Iterations)
	}
	ex.Status = ce.Status
	ex.Err = ce
	return ce
}

func (p *Pipeline) fail(w http.ResponseWriter, ex *Exchange, ad adapters.Adapter, ce *canonical.Error) {
	writeError(w, ad, p.note(ex, ce))
}

// reject fails a request turned away before decode.
func (p *Pipeline) reject(w http.ResponseWriter, ex *Exchange, ad adapters.Adapter, ce *canonical.Error) {
	if ce.Kind == canonical.KindAdmission {
		p.metrics.RecordRejection(ce.Code)
		p.alerts.FlagAdmissionRejected(ex.RequestID, ex.IP, ce.Code)
	}
	p.fail(w, ex, ad, ce)
}

// writeError renders ce in the adapter's native envelope.
func writeError(w http.ResponseWriter, ad adapters.Adapter, ce *canonical.Error) {
	if ce.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(ce.RetryAfter.Seconds()))))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ce.Status)
	_, _ = w.Write(ad.EncodeError(ce))
}
