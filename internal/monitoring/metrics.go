// Package monitoring - metrics.go provides simple counters.
//
// DESIGN: Lightweight in-memory counters for operational metrics, served by
// /health:
//   - requests/successes/failures: completed requests by outcome
//   - rejections:                  admission rejections by code
//   - tool_calls/tokens:           work done on behalf of callers
//   - audit_dropped:               entries the audit sink could not keep
package monitoring

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector collects operational metrics.
type MetricsCollector struct {
	requests     atomic.Int64
	successes    atomic.Int64
	failures     atomic.Int64
	toolCalls    atomic.Int64
	tokensIn     atomic.Int64
	tokensOut    atomic.Int64
	auditDropped atomic.Int64
	totalMillis  atomic.Int64
	started      time.Time

	mu         sync.Mutex
	rejections map[string]int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{started: time.Now(), rejections: make(map[string]int64)}
}

// RecordRequest records a finished request.
func (mc *MetricsCollector) RecordRequest(success bool, latency time.Duration) {
	mc.requests.Add(1)
	mc.totalMillis.Add(latency.Milliseconds())
	if success {
		mc.successes.Add(1)
	} else {
		mc.failures.Add(1)
	}
}

// RecordRejection counts an admission rejection by code.
func (mc *MetricsCollector) RecordRejection(code string) {
	mc.mu.Lock()
	mc.rejections[code]++
	mc.mu.Unlock()
}

// RecordUsage records tokens and tool calls of one completion.
func (mc *MetricsCollector) RecordUsage(tokensIn, tokensOut, toolCalls int) {
	mc.tokensIn.Add(int64(tokensIn))
	mc.tokensOut.Add(int64(tokensOut))
	mc.toolCalls.Add(int64(toolCalls))
}

// RecordAuditDrop counts one lost audit entry.
func (mc *MetricsCollector) RecordAuditDrop() { mc.auditDropped.Add(1) }

// Stats returns current counters.
func (mc *MetricsCollector) Stats() map[string]int64 {
	requests := mc.requests.Load()
	avg := int64(0)
	if requests > 0 {
		avg = mc.totalMillis.Load() / requests
	}
	return map[string]int64{
		"requests":       requests,
		"successes":      mc.successes.Load(),
		"failures":       mc.failures.Load(),
		"tool_calls":     mc.toolCalls.Load(),
		"tokens_in":      mc.tokensIn.Load(),
		"tokens_out":     mc.tokensOut.Load(),
		"audit_dropped":  mc.auditDropped.Load(),
		"avg_latency_ms": avg,
		"uptime_seconds": int64(time.Since(mc.started).Seconds()),
	}
}

// Rejections returns rejection counts keyed by code.
func (mc *MetricsCollector) Rejections() map[string]int64 {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	out := make(map[string]int64, len(mc.rejections))
	for k, v := range mc.rejections {
		out[k] = v
	}
	return out
}

// RejectionCodes lists codes seen so far, sorted.
func (mc *MetricsCollector) RejectionCodes() []string {
	r := mc.Rejections()
	codes := make([]string, 0, len(r))
	for k := range r {
		codes = append(codes, k)
	}
	sort.Strings(codes)
	return codes
}
