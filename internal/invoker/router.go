package invoker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/compresr/ai-gateway/internal/canonical"
)

// Upstream is one named invoker behind a Router. An empty Name serves its
// models unprefixed.
type Upstream struct {
	Name    string
	Invoker Invoker
}

// Router exposes several upstreams as one Invoker. Model ids are
// "name/model"; the prefix is stripped before the upstream is called.
type Router struct {
	upstreams []Upstream
	byName    map[string]Invoker
}

// NewRouter builds a router. Names must be unique.
func NewRouter(upstreams ...Upstream) (*Router, error) {
	r := &Router{byName: make(map[string]Invoker, len(upstreams))}
	for _, u := range upstreams {
		if u.Invoker == nil {
			return nil, fmt.Errorf("upstream %q: invoker is nil", u.Name)
		}
		if strings.Contains(u.Name, "/") {
			return nil, fmt.Errorf("upstream %q: name must not contain '/'", u.Name)
		}
		if _, dup := r.byName[u.Name]; dup {
			return nil, fmt.Errorf("upstream %q: duplicate name", u.Name)
		}
		r.byName[u.Name] = u.Invoker
		r.upstreams = append(r.upstreams, u)
	}
	return r, nil
}

// Models lists every upstream's models. A failing upstream is logged and
// skipped; the call fails only when every upstream fails.
func (r *Router) Models(ctx context.Context) ([]string, error) {
	var (
		ids  []string
		errs []error
	)
	for _, u := range r.upstreams {
		models, err := u.Invoker.Models(ctx)
		if err != nil {
			log.Warn().Err(err).Str("upstream", u.Name).Msg("failed to list upstream models")
			errs = append(errs, err)
			continue
		}
		for _, m := range models {
			if u.Name == "" {
				ids = append(ids, m)
			} else {
				ids = append(ids, u.Name+"/"+m)
			}
		}
	}
	if len(errs) > 0 && len(errs) == len(r.upstreams) {
		return nil, errors.Join(errs...)
	}
	return ids, nil
}

func (r *Router) Complete(ctx context.Context, req *canonical.Request) (*canonical.Response, error) {
	inv, routed, err := r.route(req)
	if err != nil {
		return nil, err
	}
	resp, err := inv.Complete(ctx, routed)
	if err != nil {
		return nil, err
	}
	resp.Model = req.Model
	return resp, nil
}

func (r *Router) Stream(ctx context.Context, req *canonical.Request) (<-chan canonical.Delta, error) {
	inv, routed, err := r.route(req)
	if err != nil {
		return nil, err
	}
	return inv.Stream(ctx, routed)
}

// route picks the upstream named by the model prefix, falling back to the
// unnamed upstream.
func (r *Router) route(req *canonical.Request) (Invoker, *canonical.Request, error) {
	if name, model, ok := strings.Cut(req.Model, "/"); ok {
		if inv, found := r.byName[name]; found && name != "" {
			routed := *req
			routed.Model = model
			return inv, &routed, nil
		}
	}
	if inv, ok := r.byName[""]; ok {
		return inv, req, nil
	}
	return nil, nil, canonical.ModelNotFound(req.Model, nil)
}
