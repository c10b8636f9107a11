package invoker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Catalog is the live model list. Lookups read an immutable snapshot;
// Refresh swaps in a new one.
type Catalog struct {
	source Invoker
	snap   atomic.Pointer[catalogSnapshot]
	mu     sync.Mutex // serializes Refresh
}

type catalogSnapshot struct {
	ids       []string
	exact     map[string]struct{}
	refreshed time.Time
}

// NewCatalog creates an empty catalog over source.
func NewCatalog(source Invoker) *Catalog {
	c := &Catalog{source: source}
	c.snap.Store(&catalogSnapshot{exact: map[string]struct{}{}})
	return c
}

// Refresh re-reads the model list from the source. On failure the previous
// snapshot stays live.
func (c *Catalog) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids, err := c.source.Models(ctx)
	if err != nil {
		return fmt.Errorf("refresh model catalog: %w", err)
	}

	snap := &catalogSnapshot{exact: make(map[string]struct{}, len(ids)), refreshed: time.Now()}
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := snap.exact[id]; dup {
			continue
		}
		snap.exact[id] = struct{}{}
		snap.ids = append(snap.ids, id)
	}
	c.snap.Store(snap)
	log.Info().Int("models", len(snap.ids)).Msg("model catalog refreshed")
	return nil
}

// Resolve maps a requested name to exactly one catalog id. An exact id wins;
// otherwise a bare name matches a "provider/name" id. When several providers
// serve the bare name, the first listed wins.
func (c *Catalog) Resolve(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	snap := c.snap.Load()
	if _, ok := snap.exact[name]; ok {
		return name, true
	}
	for _, id := range snap.ids {
		if _, bare, ok := strings.Cut(id, "/"); ok && bare == name {
			return id, true
		}
	}
	return "", false
}

// Names returns the catalog ids sorted.
func (c *Catalog) Names() []string {
	snap := c.snap.Load()
	out := append([]string(nil), snap.ids...)
	sort.Strings(out)
	return out
}

// RefreshedAt reports when the live snapshot was taken. Zero before the
// first successful Refresh.
func (c *Catalog) RefreshedAt() time.Time {
	return c.snap.Load().refreshed
}

// Models satisfies the built-in model listing tool.
func (c *Catalog) Models(context.Context) ([]string, error) {
	return c.Names(), nil
}
