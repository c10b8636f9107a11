package tools_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/ai-gateway/internal/canonical"
	"github.com/compresr/ai-gateway/internal/tools"
)

func TestRegistry_BuiltinBeatsExternal(t *testing.T) {
	r := tools.NewRegistry()
	r.Register(&fakeProvider{name: "builtin", specs: []canonical.ToolSpec{spec("search")}}, true)
	r.Register(&fakeProvider{name: "remote", specs: []canonical.ToolSpec{spec("search"), spec("fetch")}}, false)
	require.NoError(t, r.Refresh(context.Background()))

	out, err := r.Call(context.Background(), "search", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"builtin"`, string(out))

	out, err = r.Call(context.Background(), "fetch", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"remote"`, string(out))
}

func TestRegistry_LastExternalWins(t *testing.T) {
	r := tools.NewRegistry()
	r.Register(&fakeProvider{name: "first", specs: []canonical.ToolSpec{spec("search")}}, false)
	r.Register(&fakeProvider{name: "second", specs: []canonical.ToolSpec{spec("search")}}, false)
	require.NoError(t, r.Refresh(context.Background()))

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, "second", list[0].Provider)
	assert.False(t, list[0].Builtin)
}

func TestRegistry_SpecsSorted(t *testing.T) {
	r := tools.NewRegistry()
	r.Register(&fakeProvider{name: "p", specs: []canonical.ToolSpec{spec("b"), spec("a"), spec("c")}}, false)
	require.NoError(t, r.Refresh(context.Background()))

	var names []string
	for _, s := range r.Specs() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)

	_, ok := r.Resolve("b")
	assert.True(t, ok)
	_, ok = r.Resolve("z")
	assert.False(t, ok)
}

func TestRegistry_FailingProviderSkipped(t *testing.T) {
	r := tools.NewRegistry()
	r.Register(&fakeProvider{name: "down", listErr: errors.New("connection refused")}, false)
	r.Register(&fakeProvider{name: "up", specs: []canonical.ToolSpec{spec("ok")}}, false)

	err := r.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")

	_, ok := r.Resolve("ok")
	assert.True(t, ok)
}

func TestRegistry_InvalidSchemaSkipped(t *testing.T) {
	r := tools.NewRegistry()
	r.Register(&fakeProvider{name: "p", specs: []canonical.ToolSpec{
		{Name: "broken", Schema: json.RawMessage(`{"type":"nonsense"}`)},
		{Name: "open"},
	}}, false)
	require.NoError(t, r.Refresh(context.Background()))

	_, ok := r.Resolve("broken")
	assert.False(t, ok)
	_, ok = r.Resolve("open")
	assert.True(t, ok)
}

func TestRegistry_CallUnknown(t *testing.T) {
	r := tools.NewRegistry()
	_, err := r.Call(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, tools.ErrToolNotFound))
}

func TestRegistry_ValidatesArguments(t *testing.T) {
	called := false
	r := tools.NewRegistry()
	r.Register(&fakeProvider{
		name: "p",
		specs: []canonical.ToolSpec{{
			Name:   "add",
			Schema: json.RawMessage(`{"type":"object","properties":{"a":{"type":"integer"}},"required":["a"]}`),
		}},
		fn: func(_ context.Context, _ string, args json.RawMessage) (json.RawMessage, error) {
			called = true
			return args, nil
		},
	}, false)
	require.NoError(t, r.Refresh(context.Background()))

	tests := []struct {
		name    string
		args    string
		wantErr bool
	}{
		{"valid", `{"a":1}`, false},
		{"missing required", `{}`, true},
		{"wrong type", `{"a":"one"}`, true},
		{"not json", `{`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called = false
			_, err := r.Call(context.Background(), "add", json.RawMessage(tt.args))
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "invalid arguments for add")
				assert.False(t, called)
				return
			}
			require.NoError(t, err)
			assert.True(t, called)
		})
	}
}

func TestRegistry_EmptyArgumentsAreEmptyObject(t *testing.T) {
	var got json.RawMessage
	r := tools.NewRegistry()
	r.Register(&fakeProvider{
		name:  "p",
		specs: []canonical.ToolSpec{spec("noop")},
		fn: func(_ context.Context, _ string, args json.RawMessage) (json.RawMessage, error) {
			got = args
			return json.RawMessage(`null`), nil
		},
	}, false)
	require.NoError(t, r.Refresh(context.Background()))

	_, err := r.Call(context.Background(), "noop", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(got))
}
