package canonical

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// ErrorKind is the top-level error class.
type ErrorKind string

const (
	KindAdmission     ErrorKind = "admission_rejected"
	KindModelNotFound ErrorKind = "model_not_found"
	KindDecode        ErrorKind = "decode_error"
	KindToolExecution ErrorKind = "tool_execution_error"
	KindUpstream      ErrorKind = "upstream_error"
	KindCancelled     ErrorKind = "request_cancelled"
	KindInternal      ErrorKind = "internal_error"
)

// Machine-readable codes. Admission codes are distinct per check.
const (
	CodeIPNotAllowed       = "ip_not_allowed"
	CodeUnauthorized       = "unauthorized"
	CodeRateLimited        = "rate_limited"
	CodeTooManyConnections = "too_many_connections"
	CodeServerBusy         = "server_busy"
	CodePayloadTooLarge    = "payload_too_large"
	CodeTimeout            = "timeout"
	CodeConnectionBusy     = "connection_busy"
	CodeModelNotFound      = "model_not_found"
	CodeInvalidRequest     = "invalid_request"
	CodeToolNotFound       = "tool_not_found"
	CodeToolFailed         = "tool_failed"
	CodeToolLoopExhausted  = "tool_loop_exhausted"
	CodeUpstream           = "upstream_error"
	CodeClientClosed       = "client_closed_request"
	CodeInternal           = "internal_error"
)

// StatusClientClosedRequest is recorded when the caller goes away mid-request.
const StatusClientClosedRequest = 499

// internalMessage is the only text callers see for internal failures.
const internalMessage = "internal error"

// Error is a caller-visible failure with a stable code.
type Error struct {
	Kind       ErrorKind
	Code       string
	Message    string
	Status     int
	Models     []string      // ModelNotFound only
	RetryAfter time.Duration // rate limiting only
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Reject builds an admission rejection.
func Reject(code string, status int, msg string) *Error {
	return &Error{Kind: KindAdmission, Code: code, Status: status, Message: msg}
}

// ModelNotFound fails a request naming an unavailable model.
func ModelNotFound(model string, available []string) *Error {
	return &Error{
		Kind:    KindModelNotFound,
		Code:    CodeModelNotFound,
		Status:  http.StatusNotFound,
		Message: fmt.Sprintf("model %q not found", model),
		Models:  append([]string(nil), available...),
	}
}

// DecodeErrorf reports a malformed wire body.
func DecodeErrorf(format string, args ...any) *Error {
	return &Error{Kind: KindDecode, Code: CodeInvalidRequest, Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// Upstream wraps a Model Invoker failure.
func Upstream(err error) *Error {
	return &Error{Kind: KindUpstream, Code: CodeUpstream, Status: http.StatusBadGateway, Message: err.Error(), cause: err}
}

// Internal hides err behind a generic message.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Status: http.StatusInternalServerError, Message: internalMessage, cause: err}
}

// ToolLoopExhausted aborts a completion whose tool loop hit its ceiling.
func ToolLoopExhausted(iterations int) *Error {
	return &Error{
		Kind:    KindToolExecution,
		Code:    CodeToolLoopExhausted,
		Status:  http.StatusLoopDetected,
		Message: fmt.Sprintf("tool loop aborted after %d iterations", iterations),
	}
}

// Timeout reports that the configured request timeout fired.
func Timeout() *Error {
	return Reject(CodeTimeout, http.StatusGatewayTimeout, "request timed out")
}

// ClientClosed reports a caller disconnect.
func ClientClosed() *Error {
	return &Error{Kind: KindCancelled, Code: CodeClientClosed, Status: StatusClientClosedRequest, Message: "client closed request"}
}

// AsError classifies any error into the taxonomy.
// Context errors map to timeout or client-closed; anything unknown is internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout()
	case errors.Is(err, context.Canceled):
		return ClientClosed()
	}
	return Internal(err)
}

// FromContext classifies a finished context. Returns nil while ctx is live.
// A *Error installed as the cancellation cause wins.
func FromContext(ctx context.Context) *Error {
	if ctx.Err() == nil {
		return nil
	}
	var ce *Error
	if errors.As(context.Cause(ctx), &ce) {
		return ce
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Timeout()
	}
	return ClientClosed()
}
