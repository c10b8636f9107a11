package invoker_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/ai-gateway/internal/canonical"
	"github.com/compresr/ai-gateway/internal/invoker"
)

type failingModels struct{ invoker.StaticInvoker }

func (*failingModels) Models(context.Context) ([]string, error) {
	return nil, errors.New("unreachable")
}

func TestRouter_PrefixRouting(t *testing.T) {
	local := invoker.NewStaticInvoker([]string{"llama3"}, "from local")
	cloud := invoker.NewStaticInvoker([]string{"gpt-4o"}, "from cloud")
	r, err := invoker.NewRouter(
		invoker.Upstream{Name: "", Invoker: local},
		invoker.Upstream{Name: "cloud", Invoker: cloud},
	)
	require.NoError(t, err)

	models, err := r.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3", "cloud/gpt-4o"}, models)

	resp, err := r.Complete(context.Background(), userRequest("cloud/gpt-4o", "x"))
	require.NoError(t, err)
	assert.Equal(t, "from cloud", resp.Text())
	assert.Equal(t, "cloud/gpt-4o", resp.Model)
	require.Len(t, cloud.Requests(), 1)
	assert.Equal(t, "gpt-4o", cloud.Requests()[0].Model)

	ch, err := r.Stream(context.Background(), userRequest("llama3", "x"))
	require.NoError(t, err)
	streamed, err := fold(t, ch)
	require.NoError(t, err)
	assert.Equal(t, "from local", streamed.Text())
}

func TestRouter_UnknownPrefix(t *testing.T) {
	cloud := invoker.NewStaticInvoker([]string{"gpt-4o"}, "x")
	r, err := invoker.NewRouter(invoker.Upstream{Name: "cloud", Invoker: cloud})
	require.NoError(t, err)

	_, err = r.Complete(context.Background(), userRequest("other/gpt-4o", "x"))
	assert.Equal(t, canonical.KindModelNotFound, canonical.AsError(err).Kind)
	assert.Zero(t, cloud.Calls())
}

func TestRouter_PartialModelFailure(t *testing.T) {
	ok := invoker.NewStaticInvoker([]string{"a"}, "")
	r, err := invoker.NewRouter(
		invoker.Upstream{Name: "ok", Invoker: ok},
		invoker.Upstream{Name: "down", Invoker: &failingModels{}},
	)
	require.NoError(t, err)

	models, err := r.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ok/a"}, models)

	only, err := invoker.NewRouter(invoker.Upstream{Name: "down", Invoker: &failingModels{}})
	require.NoError(t, err)
	_, err = only.Models(context.Background())
	assert.Error(t, err)
}

func TestNewRouter_Validation(t *testing.T) {
	s := invoker.NewStaticInvoker(nil, "")
	_, err := invoker.NewRouter(invoker.Upstream{Name: "a", Invoker: s}, invoker.Upstream{Name: "a", Invoker: s})
	assert.ErrorContains(t, err, "duplicate name")

	_, err = invoker.NewRouter(invoker.Upstream{Name: "a/b", Invoker: s})
	assert.ErrorContains(t, err, "must not contain")

	_, err = invoker.NewRouter(invoker.Upstream{Name: "a"})
	assert.ErrorContains(t, err, "invoker is nil")
}
