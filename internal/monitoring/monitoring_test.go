package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bufferLogger() (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return FromZerolog(zerolog.New(&buf)), &buf
}

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &out))
	return out
}

func TestLogger_ComponentTagsEvents(t *testing.T) {
	logger, buf := bufferLogger()

	logger.Component("pipeline").Info().Msg("hello")

	line := lastLine(t, buf)
	assert.Equal(t, "pipeline", line["component"])
	assert.Equal(t, "hello", line["message"])
}

func TestLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	logger := New(LoggerConfig{Level: "debug", Format: "json", Output: path})

	logger.Debug().Str("k", "v").Msg("to file")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"k":"v"`)
	assert.Contains(t, string(data), `"service":"ai-gateway"`)
}

func TestRequestIDContext(t *testing.T) {
	ctx := WithRequestIDContext(context.Background(), "req-1")
	assert.Equal(t, "req-1", RequestIDFromContext(ctx))
	assert.Empty(t, RequestIDFromContext(context.Background()))
}

func TestMetricsCollector(t *testing.T) {
	mc := NewMetricsCollector()

	mc.RecordRequest(true, 100*time.Millisecond)
	mc.RecordRequest(false, 300*time.Millisecond)
	mc.RecordUsage(10, 4, 2)
	mc.RecordAuditDrop()
	mc.RecordRejection("rate_limited")
	mc.RecordRejection("rate_limited")
	mc.RecordRejection("unauthorized")

	stats := mc.Stats()
	assert.Equal(t, int64(2), stats["requests"])
	assert.Equal(t, int64(1), stats["successes"])
	assert.Equal(t, int64(1), stats["failures"])
	assert.Equal(t, int64(10), stats["tokens_in"])
	assert.Equal(t, int64(4), stats["tokens_out"])
	assert.Equal(t, int64(2), stats["tool_calls"])
	assert.Equal(t, int64(1), stats["audit_dropped"])
	assert.Equal(t, int64(200), stats["avg_latency_ms"])

	assert.Equal(t, map[string]int64{"rate_limited": 2, "unauthorized": 1}, mc.Rejections())
	assert.Equal(t, []string{"rate_limited", "unauthorized"}, mc.RejectionCodes())
}

func TestAlertManager_HighLatencyThreshold(t *testing.T) {
	logger, buf := bufferLogger()
	am := NewAlertManager(logger, AlertConfig{HighLatencyThreshold: time.Second})

	assert.False(t, am.FlagHighLatency("r1", 500*time.Millisecond, "m", "/v1/messages"))
	assert.Empty(t, buf.String())

	assert.True(t, am.FlagHighLatency("r2", 2*time.Second, "m", "/v1/messages"))
	line := lastLine(t, buf)
	assert.Equal(t, "high_latency", line["message"])
	assert.Equal(t, "r2", line["request_id"])
}

func TestAlertManager_ToolLoopAborted(t *testing.T) {
	logger, buf := bufferLogger()
	am := NewAlertManager(logger, AlertConfig{})

	am.FlagToolLoopAborted("r3", "m", 8)

	line := lastLine(t, buf)
	assert.Equal(t, "tool_loop_aborted", line["message"])
	assert.Equal(t, float64(8), line["iterations"])
	assert.Equal(t, "warn", line["level"])
}

func TestRequestLogger_CompletedCarriesCodeOnlyOnError(t *testing.T) {
	logger, buf := bufferLogger()
	rl := NewRequestLogger(logger)

	rl.Completed("r1", "m", Outcome{Status: 200, TokensIn: 3, TokensOut: 2, Latency: time.Millisecond})
	line := lastLine(t, buf)
	assert.Equal(t, "completion_done", line["message"])
	assert.Equal(t, float64(3), line["tokens_in"])
	assert.NotContains(t, line, "code")

	rl.Completed("r2", "m", Outcome{Status: 404, Code: "model_not_found"})
	line = lastLine(t, buf)
	assert.Equal(t, "model_not_found", line["code"])
}
