// Package audit records one immutable entry per gateway request.
//
// DESIGN: Record is cheap and never blocks the request path:
//
//	Record(entry) -> redact bodies + error -> bounded queue -> flusher
//
// One flusher goroutine drains the queue on a fixed interval, groups the
// batch by UTC day and appends it to <dir>/audit-YYYY-MM-DD.jsonl, one JSON
// object per line. A failed flush is logged and the batch is dropped; a full
// queue drops the new entry. Both are counted, never retried.
//
// Unredacted bodies never reach the queue, so they never reach disk.
//
// Readers (DailyStats, RecentEntries) fold the day files directly and skip
// malformed lines. PurgeOlderThan deletes whole day files past the horizon.
package audit

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Entry is one audited request.
type Entry struct {
	Timestamp    time.Time `json:"timestamp"`
	RequestID    string    `json:"request_id"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	Status       int       `json:"status"`
	DurationMs   int64     `json:"duration_ms"`
	IP           string    `json:"ip,omitempty"`
	Protocol     string    `json:"protocol,omitempty"`
	Model        string    `json:"model,omitempty"`
	Stream       bool      `json:"stream,omitempty"`
	TokensIn     int       `json:"tokens_in,omitempty"`
	TokensOut    int       `json:"tokens_out,omitempty"`
	CachedTokens int       `json:"cached_tokens,omitempty"`
	ToolCalls    int       `json:"tool_calls,omitempty"`
	Iterations   int       `json:"iterations,omitempty"`
	Error        string    `json:"error,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
	RequestBody  string    `json:"request_body,omitempty"`
	ResponseBody string    `json:"response_body,omitempty"`
}

const (
	filePrefix = "audit-"
	fileSuffix = ".jsonl"
	dayLayout  = "2006-01-02"
)

// dayFile is the partition path for the UTC day containing t.
func dayFile(dir string, t time.Time) string {
	return filepath.Join(dir, filePrefix+t.UTC().Format(dayLayout)+fileSuffix)
}

// parseDayFile extracts the partition day from a file name.
func parseDayFile(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return time.Time{}, false
	}
	day, err := time.Parse(dayLayout, strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix))
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

// truncate shortens s to at most max bytes, marking the cut.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + fmt.Sprintf("...[truncated %d bytes]", len(s)-max)
}
