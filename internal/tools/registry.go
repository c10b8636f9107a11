// Package tools holds the tool registry and the agentic tool loop.
//
// DESIGN: Tools come from providers. Built-in providers run in-process;
// external providers (WSProvider) are tool servers reached over JSON-RPC.
// Refresh merges every provider's list into one name -> tool map:
//
//   - external tools are merged in registration order, last one wins
//   - built-in tools are merged last and always win
//
// Every collision is logged. Arguments are validated against the tool's JSON
// schema before the provider sees them.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/compresr/ai-gateway/internal/canonical"
)

// ErrToolNotFound is returned by Call for names absent from the registry.
var ErrToolNotFound = errors.New("tool not found")

// Provider supplies and executes tools.
type Provider interface {
	Name() string
	ListTools(ctx context.Context) ([]canonical.ToolSpec, error)
	Call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

type registered struct {
	provider Provider
	builtin  bool
}

type tool struct {
	spec     canonical.ToolSpec
	provider Provider
	builtin  bool
	schema   *jsonschema.Schema
}

// Registry is the merged tool set. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers []registered
	tools     map[string]*tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*tool)}
}

// Register adds a provider. Its tools become visible on the next Refresh.
func (r *Registry) Register(p Provider, builtin bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, registered{provider: p, builtin: builtin})
}

// Refresh lists every provider and swaps in the merged set. A provider that
// fails to list is skipped; the error is returned after the swap.
func (r *Registry) Refresh(ctx context.Context) error {
	r.mu.RLock()
	providers := append([]registered(nil), r.providers...)
	r.mu.RUnlock()

	// External first so built-ins land on top.
	sort.SliceStable(providers, func(i, j int) bool {
		return !providers[i].builtin && providers[j].builtin
	})

	merged := make(map[string]*tool)
	var errs []error
	for _, rp := range providers {
		specs, err := rp.provider.ListTools(ctx)
		if err != nil {
			log.Warn().Err(err).Str("provider", rp.provider.Name()).Msg("tools: provider list failed")
			errs = append(errs, fmt.Errorf("%s: %w", rp.provider.Name(), err))
			continue
		}
		for _, spec := range specs {
			if spec.Name == "" {
				continue
			}
			schema, err := compileSchema(spec.Name, spec.Schema)
			if err != nil {
				log.Warn().Err(err).Str("tool", spec.Name).Str("provider", rp.provider.Name()).Msg("tools: invalid schema, tool skipped")
				continue
			}
			if prev, ok := merged[spec.Name]; ok {
				log.Warn().
					Str("tool", spec.Name).
					Str("previous", prev.provider.Name()).
					Str("winner", rp.provider.Name()).
					Msg("tools: duplicate tool name")
			}
			merged[spec.Name] = &tool{spec: spec, provider: rp.provider, builtin: rp.builtin, schema: schema}
		}
	}

	r.mu.Lock()
	r.tools = merged
	r.mu.Unlock()

	log.Debug().Int("tools", len(merged)).Int("providers", len(providers)).Msg("tools: registry refreshed")
	return errors.Join(errs...)
}

// Specs returns the merged tool specs sorted by name.
func (r *Registry) Specs() []canonical.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]canonical.ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve looks up a tool by name.
func (r *Registry) Resolve(name string) (canonical.ToolSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return canonical.ToolSpec{}, false
	}
	return t.spec, true
}

// Info describes one registered tool for listing endpoints.
type Info struct {
	Spec     canonical.ToolSpec
	Provider string
	Builtin  bool
}

// List returns every tool with its provider, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, Info{Spec: t.spec, Provider: t.provider.Name(), Builtin: t.builtin})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Spec.Name < out[j].Spec.Name })
	return out
}

// Call validates args and runs the tool.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}
	if t.schema != nil {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
		if err != nil {
			return nil, fmt.Errorf("invalid arguments for %s: %w", name, err)
		}
		if err := t.schema.Validate(doc); err != nil {
			return nil, fmt.Errorf("invalid arguments for %s: %w", name, err)
		}
	}
	return t.provider.Call(ctx, name, args)
}

// compileSchema compiles a tool input schema. An empty schema accepts any
// arguments.
func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	loc := "mem://tools/" + url.PathEscape(name) + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(loc, doc); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := c.Compile(loc)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}
