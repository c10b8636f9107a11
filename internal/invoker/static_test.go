package invoker_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/ai-gateway/internal/canonical"
	"github.com/compresr/ai-gateway/internal/invoker"
)

func TestStaticInvoker_Reply(t *testing.T) {
	inv := invoker.NewStaticInvoker([]string{"local"}, "hi!")

	resp, err := inv.Complete(context.Background(), userRequest("local", "Say hi"))
	require.NoError(t, err)
	assert.Equal(t, "hi!", resp.Text())
	assert.Equal(t, "local", resp.Model)
	assert.Equal(t, canonical.StopEndTurn, resp.StopReason)
	assert.Positive(t, resp.Usage.InputTokens)
	assert.Equal(t, 1, inv.Calls())

	models, err := inv.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"local"}, models)
}

func TestStaticInvoker_Echo(t *testing.T) {
	inv := invoker.NewStaticInvoker([]string{"local"}, "")
	inv.Echo = true
	resp, err := inv.Complete(context.Background(), userRequest("local", "repeat me"))
	require.NoError(t, err)
	assert.Equal(t, "repeat me", resp.Text())
}

func TestStaticInvoker_ScriptThenReply(t *testing.T) {
	inv := invoker.NewStaticInvoker([]string{"local"}, "final")
	inv.Script(&canonical.Response{Content: []canonical.Block{
		canonical.ToolUseBlock("call_1", "lookup", json.RawMessage(`{"q":"x"}`)),
	}})

	first, err := inv.Complete(context.Background(), userRequest("local", "go"))
	require.NoError(t, err)
	assert.Equal(t, canonical.StopToolUse, first.StopReason)
	require.Len(t, first.ToolUses(), 1)

	second, err := inv.Complete(context.Background(), userRequest("local", "go"))
	require.NoError(t, err)
	assert.Equal(t, "final", second.Text())
	assert.Len(t, inv.Requests(), 2)
}

func TestStaticInvoker_StreamSplitsWords(t *testing.T) {
	inv := invoker.NewStaticInvoker([]string{"local"}, "one two three")
	ch, err := inv.Stream(context.Background(), userRequest("local", "x"))
	require.NoError(t, err)

	deltas := collect(t, ch)
	require.Len(t, deltas, 4)
	assert.Equal(t, "one", deltas[0].Text)
	assert.Equal(t, " two", deltas[1].Text)
	assert.Equal(t, " three", deltas[2].Text)
	assert.Equal(t, canonical.DeltaDone, deltas[3].Kind)
}

func TestStaticInvoker_DelayHonorsContext(t *testing.T) {
	inv := invoker.NewStaticInvoker([]string{"local"}, "late")
	inv.Delay = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := inv.Complete(ctx, userRequest("local", "x"))
	require.Error(t, err)
	assert.Equal(t, canonical.CodeTimeout, canonical.AsError(err).Code)
}

func TestStaticInvoker_StreamStopsOnCancel(t *testing.T) {
	inv := invoker.NewStaticInvoker([]string{"local"}, "a b c d e f")
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := inv.Stream(ctx, userRequest("local", "x"))
	require.NoError(t, err)

	<-ch
	cancel()
	// Drain whatever was in flight; the channel must close.
	collect(t, ch)
}
