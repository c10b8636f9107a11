// Package gateway is the HTTP surface of the AI gateway.
//
// DESIGN: Routes select the protocol adapter; the pipeline does the rest.
//
//	POST /v1/chat/completions                     -> OpenAI adapter
//	POST /v1/messages                             -> Anthropic adapter
//	POST /v1beta/models/{model}:generateContent   -> Gemini adapter
//	POST /v1beta/models/{model}:streamGenerateContent
//	GET  /v1/models, /v1/tools, POST /v1/tools/call
//	GET  /v1/audit/stats, /v1/audit/entries
//	GET  /health                                  (no admission)
//	POST /admin/reload, /admin/models/refresh     (loopback only)
//
// Every /v1 endpoint runs behind admission and produces one audit entry.
package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/ai-gateway/internal/adapters"
	"github.com/compresr/ai-gateway/internal/admission"
	"github.com/compresr/ai-gateway/internal/audit"
	"github.com/compresr/ai-gateway/internal/canonical"
	"github.com/compresr/ai-gateway/internal/config"
	"github.com/compresr/ai-gateway/internal/invoker"
	"github.com/compresr/ai-gateway/internal/monitoring"
	"github.com/compresr/ai-gateway/internal/pipeline"
	"github.com/compresr/ai-gateway/internal/tools"
)

// Deps are the collaborators the gateway serves. Audit and Tools may be
// nil; Reload may be nil to disable POST /admin/reload.
type Deps struct {
	Config    *config.Holder
	Pipeline  *pipeline.Pipeline
	Admission *admission.Controller
	Catalog   *invoker.Catalog
	Tools     *tools.Registry
	Audit     *audit.Sink
	Alerts    *monitoring.AlertManager
	Reload    func(ctx context.Context) error
	Version   string
}

// Gateway owns the HTTP server.
type Gateway struct {
	cfg       *config.Holder
	pipeline  *pipeline.Pipeline
	admission *admission.Controller
	catalog   *invoker.Catalog
	tools     *tools.Registry
	audit     *audit.Sink
	alerts    *monitoring.AlertManager
	reload    func(ctx context.Context) error
	version   string
	started   time.Time

	openai    adapters.Adapter
	anthropic adapters.Adapter
	gemini    adapters.Adapter
	plain     adapters.Adapter

	handler http.Handler
	server  *http.Server
}

// New wires routes and middleware. The server is created but not started.
func New(d Deps) *Gateway {
	if d.Alerts == nil {
		d.Alerts = monitoring.NewAlertManager(monitoring.Nop(), monitoring.AlertConfig{})
	}
	reg := adapters.NewRegistry()
	g := &Gateway{
		cfg:       d.Config,
		pipeline:  d.Pipeline,
		admission: d.Admission,
		catalog:   d.Catalog,
		tools:     d.Tools,
		audit:     d.Audit,
		alerts:    d.Alerts,
		reload:    d.Reload,
		version:   d.Version,
		started:   time.Now(),
		openai:    reg.ForProtocol(adapters.ProtocolOpenAI),
		anthropic: reg.ForProtocol(adapters.ProtocolAnthropic),
		gemini:    reg.ForProtocol(adapters.ProtocolGemini),
	}
	g.plain = g.openai

	mux := http.NewServeMux()

	// Health
	mux.HandleFunc("GET /health", g.handleHealth)

	// Completions
	mux.HandleFunc("POST /v1/chat/completions", g.handleOpenAI)
	mux.HandleFunc("POST /v1/messages", g.handleAnthropic)
	mux.HandleFunc("POST /v1beta/models/{target...}", g.handleGemini)

	// Catalog and tools
	mux.HandleFunc("GET /v1/models", g.handleModels)
	mux.HandleFunc("GET /v1/tools", g.handleTools)
	mux.HandleFunc("POST /v1/tools/call", g.handleToolCall)

	// Audit
	mux.HandleFunc("GET /v1/audit/stats", g.handleAuditStats)
	mux.HandleFunc("GET /v1/audit/entries", g.handleAuditEntries)

	// Admin
	mux.HandleFunc("POST /admin/reload", g.loopbackOnly(g.handleReload))
	mux.HandleFunc("POST /admin/models/refresh", g.loopbackOnly(g.handleModelsRefresh))

	g.handler = g.loggingMiddleware(g.panicRecovery(g.security(mux)))

	srv := d.Config.Current().Server
	g.server = &http.Server{
		Addr:              srv.Addr(),
		Handler:           g.handler,
		ReadHeaderTimeout: srv.ReadTimeout,
		ReadTimeout:       srv.ReadTimeout,
		WriteTimeout:      srv.WriteTimeout,
		IdleTimeout:       srv.IdleTimeout,
		ConnContext:       pipeline.ConnContext,
	}
	return g
}

// Handler returns the routed handler with middleware applied.
func (g *Gateway) Handler() http.Handler { return g.handler }

// Addr is the configured listen address.
func (g *Gateway) Addr() string { return g.server.Addr }

// ListenAndServe listens on the configured address. It returns nil after
// Shutdown.
func (g *Gateway) ListenAndServe() error {
	ln, err := net.Listen("tcp", g.server.Addr)
	if err != nil {
		return err
	}
	return g.Serve(ln)
}

// Serve accepts connections on ln. It returns nil after Shutdown.
func (g *Gateway) Serve(ln net.Listener) error {
	log.Info().Str("addr", ln.Addr().String()).Msg("gateway listening")
	if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.server.Shutdown(ctx)
}

// =============================================================================
// COMPLETIONS
// =============================================================================

func (g *Gateway) handleOpenAI(w http.ResponseWriter, r *http.Request) {
	g.pipeline.Handle(w, r, pipeline.Route{Adapter: g.openai})
}

func (g *Gateway) handleAnthropic(w http.ResponseWriter, r *http.Request) {
	g.pipeline.Handle(w, r, pipeline.Route{Adapter: g.anthropic})
}

// handleGemini splits "{model}:{method}". Model ids may contain slashes.
// Unsupported methods still go through admission and audit.
func (g *Gateway) handleGemini(w http.ResponseWriter, r *http.Request) {
	target := r.PathValue("target")
	model, method, ok := splitGeminiTarget(target)
	route := pipeline.Route{Adapter: g.gemini, PathModel: model}
	switch {
	case !ok:
		route.Refuse = canonical.DecodeErrorf("unsupported method %q", target)
	case method == "generateContent":
	case method == "streamGenerateContent":
		route.Stream = true
	default:
		route.Refuse = &canonical.Error{
			Kind:    canonical.KindDecode,
			Code:    canonical.CodeInvalidRequest,
			Status:  http.StatusNotFound,
			Message: "unsupported method " + method,
		}
	}
	g.pipeline.Handle(w, r, route)
}

func splitGeminiTarget(target string) (model, method string, ok bool) {
	i := strings.LastIndexByte(target, ':')
	if i <= 0 || i == len(target)-1 {
		return "", "", false
	}
	return target[:i], target[i+1:], true
}

// writeJSONError renders ce in the adapter's envelope.
func writeJSONError(w http.ResponseWriter, ad adapters.Adapter, ce *canonical.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ce.Status)
	_, _ = w.Write(ad.EncodeError(ce))
}
