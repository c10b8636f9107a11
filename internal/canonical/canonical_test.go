package canonical_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/ai-gateway/internal/canonical"
)

// =============================================================================
// ACCUMULATOR
// =============================================================================

func TestAccumulator_MergesAdjacentText(t *testing.T) {
	var acc canonical.Accumulator
	acc.Add(canonical.TextDelta("hel"))
	acc.Add(canonical.TextDelta("lo"))
	acc.Add(canonical.Delta{Kind: canonical.DeltaToolCall, ToolCall: &canonical.ToolUse{ID: "c1", Name: "ls", Arguments: json.RawMessage(`{}`)}})
	acc.Add(canonical.DoneDelta(canonical.StopToolUse, canonical.Usage{InputTokens: 3, OutputTokens: 2}))

	resp, err := acc.Result()
	require.NoError(t, err)
	require.Len(t, resp.Content, 2)
	assert.Equal(t, "hello", resp.Text())
	assert.Equal(t, "ls", resp.ToolUses()[0].Name)
	assert.Equal(t, canonical.StopToolUse, resp.StopReason)
	assert.Equal(t, 3, resp.Usage.InputTokens)
}

func TestAccumulator_IgnoresDeltasAfterTerminal(t *testing.T) {
	var acc canonical.Accumulator
	acc.Add(canonical.TextDelta("a"))
	acc.Add(canonical.DoneDelta(canonical.StopEndTurn, canonical.Usage{}))
	acc.Add(canonical.TextDelta("b"))

	resp, err := acc.Result()
	require.NoError(t, err)
	assert.Equal(t, "a", resp.Text())
}

func TestAccumulator_MissingTerminalIsUpstreamError(t *testing.T) {
	var acc canonical.Accumulator
	acc.Add(canonical.TextDelta("partial"))

	_, err := acc.Result()
	require.Error(t, err)
	assert.Equal(t, canonical.KindUpstream, canonical.AsError(err).Kind)
}

func TestAccumulator_ErrorTerminal(t *testing.T) {
	var acc canonical.Accumulator
	acc.Add(canonical.ErrorDelta(canonical.Upstream(errors.New("boom"))))

	_, err := acc.Result()
	require.Error(t, err)
	assert.True(t, acc.Done())
}

func TestDeltas_RoundTripsThroughAccumulator(t *testing.T) {
	resp := &canonical.Response{
		Content: []canonical.Block{
			canonical.TextBlock("hi"),
			canonical.ToolUseBlock("c1", "read", json.RawMessage(`{"path":"a"}`)),
		},
		StopReason: canonical.StopToolUse,
		Usage:      canonical.Usage{InputTokens: 1, OutputTokens: 1},
	}

	var acc canonical.Accumulator
	for _, d := range canonical.Deltas(resp) {
		acc.Add(d)
	}
	got, err := acc.Result()
	require.NoError(t, err)
	assert.Equal(t, resp.Content, got.Content)
	assert.Equal(t, resp.Usage, got.Usage)
}

// =============================================================================
// ERRORS
// =============================================================================

func TestAsError_Classification(t *testing.T) {
	assert.Equal(t, canonical.CodeTimeout, canonical.AsError(context.DeadlineExceeded).Code)
	assert.Equal(t, canonical.CodeClientClosed, canonical.AsError(context.Canceled).Code)

	internal := canonical.AsError(errors.New("disk on fire"))
	assert.Equal(t, canonical.KindInternal, internal.Kind)
	assert.Equal(t, "internal error", internal.Message)
	assert.Equal(t, http.StatusInternalServerError, internal.Status)

	wrapped := fmt.Errorf("decode: %w", canonical.DecodeErrorf("bad json"))
	assert.Equal(t, canonical.KindDecode, canonical.AsError(wrapped).Kind)
}

func TestModelNotFound_ListsModels(t *testing.T) {
	err := canonical.ModelNotFound("unknown", []string{"m1", "m2"})
	assert.Equal(t, http.StatusNotFound, err.Status)
	assert.Equal(t, []string{"m1", "m2"}, err.Models)
}

func TestFromContext_CauseWins(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	assert.Nil(t, canonical.FromContext(ctx))

	cancel(canonical.ToolLoopExhausted(3))
	got := canonical.FromContext(ctx)
	require.NotNil(t, got)
	assert.Equal(t, canonical.CodeToolLoopExhausted, got.Code)
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestValidateToolPairs(t *testing.T) {
	ok := []canonical.Message{
		{Role: canonical.RoleAssistant, Content: []canonical.Block{canonical.ToolUseBlock("c1", "ls", nil)}},
		{Role: canonical.RoleTool, ToolCallID: "c1", Content: []canonical.Block{canonical.ToolResultBlock("c1", "ls", "a b", false)}},
	}
	assert.NoError(t, canonical.ValidateToolPairs(ok))

	orphan := []canonical.Message{
		{Role: canonical.RoleTool, ToolCallID: "c9", Content: []canonical.Block{canonical.ToolResultBlock("c9", "", "x", false)}},
	}
	err := canonical.ValidateToolPairs(orphan)
	require.Error(t, err)
	assert.Equal(t, canonical.KindDecode, canonical.AsError(err).Kind)
}
