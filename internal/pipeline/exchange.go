package pipeline

import (
	"net/http"
	"time"

	"github.com/compresr/ai-gateway/internal/admission"
	"github.com/compresr/ai-gateway/internal/audit"
	"github.com/compresr/ai-gateway/internal/canonical"
	"github.com/compresr/ai-gateway/internal/tools"
)

// =============================================================================
// EXCHANGE - Carries state through one request
// =============================================================================

// Exchange carries data through the processing pipeline. It is created when
// a request arrives and becomes exactly one audit entry when it leaves.
// Handlers passed to Guard may fill Model and ToolCalls.
type Exchange struct {
	// Request info
	RequestID string
	Method    string
	Path      string
	IP        string
	Protocol  string
	Start     time.Time

	// Decoded request
	Model  string
	Stream bool

	// Outcome
	Usage      canonical.Usage
	ToolCalls  int
	Iterations int
	Status     int
	Err        *canonical.Error

	capture      bool
	requestBody  []byte
	responseBody []byte
}

func newExchange(r *http.Request, requestID, protocol string, now time.Time) *Exchange {
	return &Exchange{
		RequestID: requestID,
		Method:    r.Method,
		Path:      r.URL.Path,
		IP:        admission.ClientIP(r),
		Protocol:  protocol,
		Start:     now,
	}
}

// absorb copies the loop accounting. res may be nil when the loop never ran.
func (ex *Exchange) absorb(res *tools.Result) {
	if res == nil {
		return
	}
	ex.Usage = res.Usage
	ex.ToolCalls = res.ToolCalls
	ex.Iterations = res.Iterations
}

func (ex *Exchange) succeeded() bool {
	return ex.Status > 0 && ex.Status < http.StatusBadRequest
}

// entry renders the exchange for the audit sink. Redaction happens there.
func (ex *Exchange) entry(latency time.Duration) audit.Entry {
	e := audit.Entry{
		Timestamp:    ex.Start,
		RequestID:    ex.RequestID,
		Method:       ex.Method,
		Path:         ex.Path,
		Status:       ex.Status,
		DurationMs:   latency.Milliseconds(),
		IP:           ex.IP,
		Protocol:     ex.Protocol,
		Model:        ex.Model,
		Stream:       ex.Stream,
		TokensIn:     ex.Usage.InputTokens,
		TokensOut:    ex.Usage.OutputTokens,
		CachedTokens: ex.Usage.CachedTokens,
		ToolCalls:    ex.ToolCalls,
		Iterations:   ex.Iterations,
	}
	if ex.Err != nil {
		e.Error = ex.Err.Message
		e.ErrorCode = ex.Err.Code
	}
	if ex.capture {
		e.RequestBody = string(ex.requestBody)
		e.ResponseBody = string(ex.responseBody)
	}
	return e
}
