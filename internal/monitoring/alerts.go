// Package monitoring - alerts.go flags anomalies and errors.
//
// DESIGN: AlertManager logs notable events at appropriate levels:
//   - FlagHighLatency:       Warn when a request exceeds the threshold
//   - FlagUpstreamError:     Warn when the model upstream fails
//   - FlagAdmissionRejected: Debug per rejected request (counted in metrics)
//   - FlagToolLoopAborted:   Warn when a completion hits the tool ceiling
//   - FlagAuditDrop:         Error when audit entries are lost
//   - FlagPanic:             Error on recovered panics
package monitoring

import "time"

// DefaultHighLatencyThreshold applies when none is configured.
const DefaultHighLatencyThreshold = 30 * time.Second

// AlertManager flags anomalies and errors.
type AlertManager struct {
	logger               *Logger
	highLatencyThreshold time.Duration
}

// NewAlertManager creates a new alert manager.
func NewAlertManager(logger *Logger, cfg AlertConfig) *AlertManager {
	threshold := cfg.HighLatencyThreshold
	if threshold == 0 {
		threshold = DefaultHighLatencyThreshold
	}
	return &AlertManager{logger: logger, highLatencyThreshold: threshold}
}

// FlagHighLatency logs when request latency exceeds threshold. Reports
// whether it fired.
func (am *AlertManager) FlagHighLatency(requestID string, latency time.Duration, model, path string) bool {
	if latency < am.highLatencyThreshold {
		return false
	}
	am.logger.Warn().
		Str("request_id", requestID).
		Dur("latency", latency).
		Str("model", model).
		Str("path", path).
		Msg("high_latency")
	return true
}

// FlagUpstreamError logs a failed model call.
func (am *AlertManager) FlagUpstreamError(requestID, model string, err error) {
	am.logger.Warn().
		Str("request_id", requestID).
		Str("model", model).
		Err(err).
		Msg("upstream_error")
}

// FlagAdmissionRejected logs a rejected request.
func (am *AlertManager) FlagAdmissionRejected(requestID, ip, code string) {
	am.logger.Debug().
		Str("request_id", requestID).
		Str("ip", ip).
		Str("code", code).
		Msg("admission_rejected")
}

// FlagToolLoopAborted logs a completion stopped at the iteration ceiling.
func (am *AlertManager) FlagToolLoopAborted(requestID, model string, iterations int) {
	am.logger.Warn().
		Str("request_id", requestID).
		Str("model", model).
		Int("iterations", iterations).
		Msg("tool_loop_aborted")
}

// FlagAuditDrop logs a lost audit entry.
func (am *AlertManager) FlagAuditDrop(requestID string) {
	am.logger.Error().
		Str("request_id", requestID).
		Msg("audit_dropped")
}

// FlagPanic logs recovered panic.
func (am *AlertManager) FlagPanic(requestID string, panicValue any, stack string) {
	am.logger.Error().
		Str("request_id", requestID).
		Interface("panic", panicValue).
		Str("stack", stack).
		Msg("panic_recovered")
}
