package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/compresr/ai-gateway/internal/canonical"
	"github.com/compresr/ai-gateway/internal/pipeline"
	"github.com/compresr/ai-gateway/internal/tools"
)

// handleHealth returns gateway health status. It is served without
// admission and always answers 200 while the server runs.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:      healthStatusOK,
		Version:     g.version,
		Time:        time.Now().UTC().Format(time.RFC3339),
		Uptime:      time.Since(g.started).Truncate(time.Second).String(),
		Admission:   g.admission.Snapshot(),
		Connections: g.pipeline.Gate().Active(),
		Metrics:     g.pipeline.Metrics().Stats(),
		Rejections:  g.pipeline.Metrics().Rejections(),
	}
	if g.catalog != nil {
		health.Models = len(g.catalog.Names())
	}
	if g.tools != nil {
		health.Tools = len(g.tools.List())
	}
	if g.audit != nil {
		stats := g.audit.Stats()
		health.Audit = &stats
	}
	writeJSON(w, http.StatusOK, health)
}

// handleModels lists the catalog in the OpenAI list shape.
func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	g.pipeline.Guard(w, r, func(context.Context, []byte, *pipeline.Exchange) (any, error) {
		list := ModelList{Object: listObject, Data: []ModelInfo{}}
		if g.catalog == nil {
			return list, nil
		}
		created := g.catalog.RefreshedAt().Unix()
		for _, id := range g.catalog.Names() {
			owner := defaultOwner
			if prefix, _, ok := strings.Cut(id, "/"); ok {
				owner = prefix
			}
			list.Data = append(list.Data, ModelInfo{ID: id, Object: modelObject, Created: created, OwnedBy: owner})
		}
		return list, nil
	})
}

// handleTools lists every registry tool.
func (g *Gateway) handleTools(w http.ResponseWriter, r *http.Request) {
	g.pipeline.Guard(w, r, func(context.Context, []byte, *pipeline.Exchange) (any, error) {
		out := ToolList{Tools: []ToolInfo{}}
		if g.tools == nil {
			return out, nil
		}
		for _, info := range g.tools.List() {
			out.Tools = append(out.Tools, ToolInfo{
				Name:        info.Spec.Name,
				Description: info.Spec.Description,
				InputSchema: info.Spec.Schema,
				Provider:    info.Provider,
				Builtin:     info.Builtin,
			})
		}
		return out, nil
	})
}

// handleToolCall runs one registry tool directly. Tool failures are results,
// not HTTP errors; only an unknown tool or a malformed body fails the call.
func (g *Gateway) handleToolCall(w http.ResponseWriter, r *http.Request) {
	g.pipeline.Guard(w, r, func(ctx context.Context, body []byte, ex *pipeline.Exchange) (any, error) {
		if !gjson.ValidBytes(body) {
			return nil, canonical.DecodeErrorf("request body is not valid JSON")
		}
		var req ToolCallRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, canonical.DecodeErrorf("invalid tool call: %v", err)
		}
		if req.Name == "" {
			return nil, canonical.DecodeErrorf("name is required")
		}
		if g.tools == nil {
			return nil, toolNotFound(req.Name)
		}
		if _, ok := g.tools.Resolve(req.Name); !ok {
			return nil, toolNotFound(req.Name)
		}

		timeout := g.cfg.Current().Tools.CallTimeout
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		ex.ToolCalls = 1
		raw, err := g.tools.Call(ctx, req.Name, req.Arguments)
		if err != nil {
			if errors.Is(err, tools.ErrToolNotFound) {
				return nil, toolNotFound(req.Name)
			}
			msg, _ := json.Marshal(err.Error())
			return ToolCallResponse{Name: req.Name, Result: msg, IsError: true}, nil
		}
		if len(raw) == 0 || !json.Valid(raw) {
			raw, _ = json.Marshal(string(raw))
		}
		return ToolCallResponse{Name: req.Name, Result: raw}, nil
	})
}

func toolNotFound(name string) *canonical.Error {
	return &canonical.Error{
		Kind:    canonical.KindToolExecution,
		Code:    canonical.CodeToolNotFound,
		Status:  http.StatusNotFound,
		Message: "tool " + strconv.Quote(name) + " not found",
	}
}

// =============================================================================
// AUDIT
// =============================================================================

func (g *Gateway) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	g.pipeline.Guard(w, r, func(context.Context, []byte, *pipeline.Exchange) (any, error) {
		if g.audit == nil {
			return nil, auditDisabled()
		}
		days, err := queryInt(r, "days", DefaultStatsDays, 1, MaxStatsDays)
		if err != nil {
			return nil, err
		}
		stats, serr := g.audit.DailyStats(days)
		if serr != nil {
			return nil, canonical.Internal(serr)
		}
		return AuditStatsResponse{Days: days, Stats: stats}, nil
	})
}

func (g *Gateway) handleAuditEntries(w http.ResponseWriter, r *http.Request) {
	g.pipeline.Guard(w, r, func(context.Context, []byte, *pipeline.Exchange) (any, error) {
		if g.audit == nil {
			return nil, auditDisabled()
		}
		page, err := queryInt(r, "page", 1, 1, 1<<20)
		if err != nil {
			return nil, err
		}
		size, err := queryInt(r, "page_size", DefaultPageSize, 1, MaxPageSize)
		if err != nil {
			return nil, err
		}
		out, serr := g.audit.RecentEntries(page, size)
		if serr != nil {
			return nil, canonical.Internal(serr)
		}
		return out, nil
	})
}

func auditDisabled() *canonical.Error {
	return &canonical.Error{Kind: canonical.KindInternal, Code: "audit_disabled", Status: http.StatusNotFound, Message: "audit trail is not configured"}
}

// queryInt reads an integer query parameter within [lo, hi].
func queryInt(r *http.Request, name string, def, lo, hi int) (int, *canonical.Error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		return 0, canonical.DecodeErrorf("%s must be an integer between %d and %d", name, lo, hi)
	}
	return n, nil
}

// =============================================================================
// ADMIN
// =============================================================================

func (g *Gateway) handleReload(w http.ResponseWriter, r *http.Request) {
	if g.reload == nil {
		writeJSONError(w, g.plain, canonical.DecodeErrorf("reload is not available"))
		return
	}
	if err := g.reload(r.Context()); err != nil {
		writeJSONError(w, g.plain, canonical.DecodeErrorf("reload failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, AdminResponse{Status: adminStatusReloaded})
}

func (g *Gateway) handleModelsRefresh(w http.ResponseWriter, r *http.Request) {
	if g.catalog == nil {
		writeJSONError(w, g.plain, canonical.DecodeErrorf("no model catalog"))
		return
	}
	if err := g.catalog.Refresh(r.Context()); err != nil {
		writeJSONError(w, g.plain, canonical.Upstream(err))
		return
	}
	writeJSON(w, http.StatusOK, AdminResponse{Status: "refreshed", Models: g.catalog.Names()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
