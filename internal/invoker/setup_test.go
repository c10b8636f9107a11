package invoker_test

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"

	"github.com/compresr/ai-gateway/internal/canonical"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	log.Logger = zerolog.New(io.Discard)
	os.Exit(m.Run())
}

func userRequest(model, text string) *canonical.Request {
	return &canonical.Request{
		Model:    model,
		Messages: []canonical.Message{{Role: canonical.RoleUser, Content: []canonical.Block{canonical.TextBlock(text)}}},
	}
}

// collect drains a stream, failing the test if it stalls.
func collect(t *testing.T, ch <-chan canonical.Delta) []canonical.Delta {
	t.Helper()
	var out []canonical.Delta
	timeout := time.After(5 * time.Second)
	for {
		select {
		case d, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, d)
		case <-timeout:
			require.FailNow(t, "stream did not close")
		}
	}
}

// fold accumulates a stream into a response.
func fold(t *testing.T, ch <-chan canonical.Delta) (*canonical.Response, error) {
	t.Helper()
	var acc canonical.Accumulator
	for _, d := range collect(t, ch) {
		acc.Add(d)
	}
	return acc.Result()
}
