package pipeline_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/ai-gateway/internal/canonical"
	"github.com/compresr/ai-gateway/internal/pipeline"
)

func TestConnGate_RejectsSecondClaim(t *testing.T) {
	g := pipeline.NewConnGate()
	ctx := context.Background()

	leave, cerr := g.Enter(ctx, 1, false)
	require.Nil(t, cerr)

	_, cerr = g.Enter(ctx, 1, false)
	require.NotNil(t, cerr)
	assert.Equal(t, canonical.CodeConnectionBusy, cerr.Code)
	assert.Equal(t, http.StatusConflict, cerr.Status)

	other, cerr := g.Enter(ctx, 2, false)
	require.Nil(t, cerr, "connections are independent")
	other()

	leave()
	leave() // idempotent
	again, cerr := g.Enter(ctx, 1, false)
	require.Nil(t, cerr)
	again()
	assert.Zero(t, g.Active())
}

func TestConnGate_QueueWaitsForHolder(t *testing.T) {
	g := pipeline.NewConnGate()
	leave, cerr := g.Enter(context.Background(), 1, true)
	require.Nil(t, cerr)

	entered := make(chan func())
	go func() {
		next, cerr := g.Enter(context.Background(), 1, true)
		if cerr == nil {
			entered <- next
		}
	}()

	select {
	case <-entered:
		t.Fatal("second claim entered while the first was held")
	case <-time.After(50 * time.Millisecond):
	}

	leave()
	select {
	case next := <-entered:
		next()
	case <-time.After(5 * time.Second):
		t.Fatal("queued claim never entered")
	}
	assert.Zero(t, g.Active())
}

func TestConnGate_QueueHonorsContext(t *testing.T) {
	g := pipeline.NewConnGate()
	leave, cerr := g.Enter(context.Background(), 1, true)
	require.Nil(t, cerr)
	defer leave()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, cerr = g.Enter(ctx, 1, true)
	require.NotNil(t, cerr)
	assert.Equal(t, canonical.CodeTimeout, cerr.Code)
	assert.Equal(t, 1, g.Active())
}

func TestConnContext_AssignsDistinctIDs(t *testing.T) {
	a, ok := pipeline.ConnID(pipeline.ConnContext(context.Background(), nil))
	require.True(t, ok)
	b, ok := pipeline.ConnID(pipeline.ConnContext(context.Background(), nil))
	require.True(t, ok)
	assert.NotEqual(t, a, b)

	_, ok = pipeline.ConnID(context.Background())
	assert.False(t, ok)
}
