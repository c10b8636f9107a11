package pipeline

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/compresr/ai-gateway/internal/admission"
	"github.com/compresr/ai-gateway/internal/canonical"
)

// HandlerFunc serves a non-completion endpoint. The returned value is
// rendered as JSON with status 200; an error is rendered in the OpenAI
// error envelope.
type HandlerFunc func(ctx context.Context, body []byte, ex *Exchange) (any, error)

// Guard runs fn behind admission and audits the request like a completion.
// The connection gate does not apply.
func (p *Pipeline) Guard(w http.ResponseWriter, r *http.Request, fn HandlerFunc) {
	ex := p.begin(r, "")
	defer p.finish(ex)

	snap, cerr := p.snapshot()
	if cerr != nil {
		p.fail(w, ex, p.plain, cerr)
		return
	}
	ex.capture = snap.cfg.Audit.CaptureBodies

	ticket, cerr := p.admission.Admit(r, snap.limits)
	if cerr != nil {
		p.reject(w, ex, p.plain, cerr)
		return
	}
	defer ticket.Release()

	body, cerr := admission.ReadBody(w, r, snap.limits.MaxPayloadBytes)
	if cerr != nil {
		p.reject(w, ex, p.plain, cerr)
		return
	}
	ex.requestBody = body

	out, err := fn(ticket.Context(), body, ex)
	if err != nil {
		p.fail(w, ex, p.plain, canonical.AsError(err))
		return
	}
	data, err := json.Marshal(out)
	if err != nil {
		p.fail(w, ex, p.plain, canonical.Internal(err))
		return
	}
	ex.responseBody = data
	ex.Status = http.StatusOK
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
