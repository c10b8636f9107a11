// Package admission decides whether an inbound request may proceed.
//
// DESIGN: Checks run before the body is decoded, in a fixed order, and stop
// at the first failure:
//
//  1. IP allow-list      exact IP or CIDR; empty list allows all
//  2. API key            bearer / x-api-key / x-goog-api-key / ?key=
//  3. Rate window        per-IP requests per rolling 60s
//  4. Per-IP connections open requests from one address
//  5. Global concurrency shared by all callers (reject or queue)
//  6. Payload size       Content-Length; unknown lengths are capped on read
//
// Every rejection is a *canonical.Error with its own code. The controller
// never retries.
//
// Checks 4 and 5 share one mutex: both counters move together, so two
// simultaneous requests can never both take the last slot. A Ticket returned
// by Admit owns the slots and frees them exactly once.
package admission

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/ai-gateway/internal/canonical"
)

// Queue policies for the global concurrency cap.
const (
	PolicyReject = "reject"
	PolicyQueue  = "queue"
)

// Limits is one immutable snapshot of admission settings.
// Zero values disable the corresponding check.
type Limits struct {
	APIKey              string
	AllowList           AllowList
	RequestsPerMinute   int
	MaxConnectionsPerIP int
	MaxConcurrent       int
	QueuePolicy         string
	QueueTimeout        time.Duration
	MaxPayloadBytes     int64
	RequestTimeout      time.Duration
}

// Options configures a Controller.
type Options struct {
	Now             func() time.Time // clock; defaults to time.Now
	IdleEviction    time.Duration    // drop per-IP state idle this long
	CleanupInterval time.Duration    // how often the sweeper runs
	MaxTrackedIPs   int              // oldest state evicted beyond this
}

// Default option values.
const (
	DefaultIdleEviction    = 10 * time.Minute
	DefaultCleanupInterval = time.Minute
	DefaultMaxTrackedIPs   = 10000
)

// Controller owns every cross-request admission counter.
type Controller struct {
	now     func() time.Time
	opts    Options
	window  *window
	mu      sync.Mutex
	active  int
	conns   map[string]*connState
	freed   chan struct{} // closed and replaced whenever a slot frees
	stop    chan struct{}
	stopped sync.Once
}

type connState struct {
	open     int
	lastSeen time.Time
}

// Snapshot reports live concurrency counters.
type Snapshot struct {
	Active     int            `json:"active"`
	PerIP      map[string]int `json:"per_ip,omitempty"`
	TrackedIPs int            `json:"tracked_ips"`
}

// New creates a Controller and starts its idle sweeper.
func New(opts Options) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.IdleEviction <= 0 {
		opts.IdleEviction = DefaultIdleEviction
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.MaxTrackedIPs <= 0 {
		opts.MaxTrackedIPs = DefaultMaxTrackedIPs
	}
	c := &Controller{
		now:    opts.Now,
		opts:   opts,
		window: newWindow(opts.MaxTrackedIPs),
		conns:  make(map[string]*connState),
		freed:  make(chan struct{}),
		stop:   make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Close stops the idle sweeper.
func (c *Controller) Close() {
	c.stopped.Do(func() { close(c.stop) })
}

// Admit runs every check against r. On success the returned Ticket holds a
// concurrency slot and a context bounded by the request timeout; the caller
// must Release it.
func (c *Controller) Admit(r *http.Request, limits Limits) (*Ticket, *canonical.Error) {
	ip := ClientIP(r)

	if !limits.AllowList.Allows(ip) {
		return nil, c.reject(ip, canonical.Reject(canonical.CodeIPNotAllowed, http.StatusForbidden, "client address is not allowed"))
	}

	if limits.APIKey != "" {
		token := requestToken(r)
		if subtle.ConstantTimeCompare([]byte(token), []byte(limits.APIKey)) != 1 {
			return nil, c.reject(ip, canonical.Reject(canonical.CodeUnauthorized, http.StatusUnauthorized, "invalid or missing API key"))
		}
	}

	if limits.RequestsPerMinute > 0 {
		if ok, retry := c.window.allow(ip, limits.RequestsPerMinute, c.now()); !ok {
			err := canonical.Reject(canonical.CodeRateLimited, http.StatusTooManyRequests, "rate limit exceeded")
			err.RetryAfter = retry
			return nil, c.reject(ip, err)
		}
	}

	if err := c.acquire(r.Context(), ip, limits); err != nil {
		return nil, c.reject(ip, err)
	}

	t := &Ticket{c: c, ip: ip}
	if limits.MaxPayloadBytes > 0 && r.ContentLength > limits.MaxPayloadBytes {
		t.Release()
		return nil, c.reject(ip, PayloadTooLarge(limits.MaxPayloadBytes))
	}

	if limits.RequestTimeout > 0 {
		t.ctx, t.cancel = context.WithTimeoutCause(r.Context(), limits.RequestTimeout, canonical.Timeout())
	} else {
		t.ctx, t.cancel = context.WithCancel(r.Context())
	}
	return t, nil
}

// PayloadTooLarge is the rejection for bodies over the configured cap.
func PayloadTooLarge(limit int64) *canonical.Error {
	return canonical.Reject(canonical.CodePayloadTooLarge, http.StatusRequestEntityTooLarge,
		fmt.Sprintf("request body exceeds the %d byte limit", limit))
}

func (c *Controller) reject(ip string, err *canonical.Error) *canonical.Error {
	log.Warn().Str("ip", ip).Str("code", err.Code).Msg("admission rejected")
	return err
}

// acquire takes one per-IP and one global slot together.
func (c *Controller) acquire(ctx context.Context, ip string, limits Limits) *canonical.Error {
	var deadline <-chan time.Time
	if limits.QueuePolicy == PolicyQueue && limits.QueueTimeout > 0 {
		timer := time.NewTimer(limits.QueueTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	c.mu.Lock()
	for {
		st := c.conns[ip]
		if limits.MaxConnectionsPerIP > 0 && st != nil && st.open >= limits.MaxConnectionsPerIP {
			c.mu.Unlock()
			return canonical.Reject(canonical.CodeTooManyConnections, http.StatusTooManyRequests, "too many open connections from this address")
		}
		if limits.MaxConcurrent <= 0 || c.active < limits.MaxConcurrent {
			break
		}
		if limits.QueuePolicy != PolicyQueue {
			c.mu.Unlock()
			return canonical.Reject(canonical.CodeServerBusy, http.StatusServiceUnavailable, "server is at capacity")
		}

		freed := c.freed
		c.mu.Unlock()
		select {
		case <-freed:
		case <-deadline:
			return canonical.Reject(canonical.CodeServerBusy, http.StatusServiceUnavailable, "server is at capacity")
		case <-ctx.Done():
			if err := canonical.FromContext(ctx); err != nil {
				return err
			}
			return canonical.ClientClosed()
		}
		c.mu.Lock()
	}

	st := c.conns[ip]
	if st == nil {
		if len(c.conns) >= c.opts.MaxTrackedIPs {
			c.evictIdleLocked()
		}
		st = &connState{}
		c.conns[ip] = st
	}
	st.open++
	st.lastSeen = c.now()
	c.active++
	c.mu.Unlock()
	return nil
}

func (c *Controller) release(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st := c.conns[ip]; st != nil && st.open > 0 {
		st.open--
		st.lastSeen = c.now()
	}
	if c.active > 0 {
		c.active--
	}
	close(c.freed)
	c.freed = make(chan struct{})
}

// evictIdleLocked drops the least recently seen idle address (c.mu held).
func (c *Controller) evictIdleLocked() {
	var oldestKey string
	var oldestTime time.Time
	for k, st := range c.conns {
		if st.open > 0 {
			continue
		}
		if oldestKey == "" || st.lastSeen.Before(oldestTime) {
			oldestKey = k
			oldestTime = st.lastSeen
		}
	}
	if oldestKey != "" {
		delete(c.conns, oldestKey)
	}
}

// Snapshot returns the current counters.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{Active: c.active, PerIP: make(map[string]int), TrackedIPs: len(c.conns)}
	for ip, st := range c.conns {
		if st.open > 0 {
			s.PerIP[ip] = st.open
		}
	}
	return s
}

// Sweep drops state for addresses idle longer than the eviction window.
func (c *Controller) Sweep() {
	cutoff := c.now().Add(-c.opts.IdleEviction)

	c.mu.Lock()
	for ip, st := range c.conns {
		if st.open == 0 && st.lastSeen.Before(cutoff) {
			delete(c.conns, ip)
		}
	}
	c.mu.Unlock()

	c.window.sweep(cutoff)
}

func (c *Controller) cleanup() {
	ticker := time.NewTicker(c.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stop:
			return
		}
	}
}

// requestToken extracts the caller's API key from any header the supported
// protocols use.
func requestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if k := r.Header.Get("x-api-key"); k != "" {
		return k
	}
	if k := r.Header.Get("x-goog-api-key"); k != "" {
		return k
	}
	return r.URL.Query().Get("key")
}

// =============================================================================
// TICKET
// =============================================================================

// Ticket is one admitted request.
type Ticket struct {
	c      *Controller
	ip     string
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// Context is cancelled by client disconnect, the request timeout, or Release.
func (t *Ticket) Context() context.Context { return t.ctx }

// IP is the client address the ticket was issued to.
func (t *Ticket) IP() string { return t.ip }

// Release frees the ticket's slots and cancels its context. Safe to call
// more than once.
func (t *Ticket) Release() {
	t.once.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		t.c.release(t.ip)
	})
}
