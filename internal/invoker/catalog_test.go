package invoker_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/ai-gateway/internal/invoker"
)

func TestCatalog_Resolve(t *testing.T) {
	src := invoker.NewStaticInvoker([]string{"llama3", "cloud/gpt-4o", "other/gpt-4o", "llama3", ""}, "")
	c := invoker.NewCatalog(src)

	_, ok := c.Resolve("llama3")
	assert.False(t, ok, "empty before refresh")
	assert.True(t, c.RefreshedAt().IsZero())

	require.NoError(t, c.Refresh(context.Background()))
	assert.False(t, c.RefreshedAt().IsZero())
	assert.Equal(t, []string{"cloud/gpt-4o", "llama3", "other/gpt-4o"}, c.Names())

	tests := []struct {
		name string
		want string
		ok   bool
	}{
		{"llama3", "llama3", true},
		{"cloud/gpt-4o", "cloud/gpt-4o", true},
		{"gpt-4o", "cloud/gpt-4o", true},
		{"gpt-5", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := c.Resolve(tt.name)
		assert.Equal(t, tt.ok, ok, tt.name)
		assert.Equal(t, tt.want, got, tt.name)
	}
}

func TestCatalog_FailedRefreshKeepsSnapshot(t *testing.T) {
	src := &flakyModels{StaticInvoker: invoker.NewStaticInvoker([]string{"a"}, "")}
	c := invoker.NewCatalog(src)
	require.NoError(t, c.Refresh(context.Background()))

	src.fail = true
	assert.Error(t, c.Refresh(context.Background()))

	models, err := c.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, models)
	_, ok := c.Resolve("a")
	assert.True(t, ok)
}

type flakyModels struct {
	*invoker.StaticInvoker
	fail bool
}

func (f *flakyModels) Models(ctx context.Context) ([]string, error) {
	if f.fail {
		return nil, errors.New("upstream down")
	}
	return f.StaticInvoker.Models(ctx)
}
