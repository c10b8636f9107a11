package config

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Source produces a fresh, validated Config.
type Source func() (*Config, error)

// Holder serves the live Config snapshot. Readers call Current once per
// request and keep the pointer; Reload swaps in a new snapshot.
type Holder struct {
	source Source
	cur    atomic.Pointer[Config]

	mu   sync.Mutex // serializes Reload and guards subs
	subs []func(*Config)
}

// NewHolder loads the first snapshot from source.
func NewHolder(source Source) (*Holder, error) {
	cfg, err := source()
	if err != nil {
		return nil, err
	}
	h := &Holder{source: source}
	h.cur.Store(cfg)
	return h, nil
}

// Static holds a fixed Config. Reload re-publishes it.
func Static(cfg *Config) *Holder {
	h, _ := NewHolder(func() (*Config, error) { return cfg, nil })
	return h
}

// Current returns the live snapshot. Never nil.
func (h *Holder) Current() *Config {
	return h.cur.Load()
}

// OnReload registers fn to run after every successful Reload, in
// registration order.
func (h *Holder) OnReload(fn func(*Config)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = append(h.subs, fn)
}

// Reload re-reads the source. On failure the previous snapshot stays live.
func (h *Holder) Reload() (*Config, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cfg, err := h.source()
	if err != nil {
		log.Error().Err(err).Msg("config reload failed, keeping previous configuration")
		return nil, fmt.Errorf("reload config: %w", err)
	}
	h.cur.Store(cfg)
	for _, fn := range h.subs {
		fn(cfg)
	}
	log.Info().Int("upstreams", len(cfg.Upstreams)).Msg("configuration reloaded")
	return cfg, nil
}
