package admission

import (
	"sync"
	"time"
)

// Window is the span of the per-IP rate limit.
const Window = time.Minute

// window is a sliding-log rate limiter keyed by client IP. Each address keeps
// the timestamps of its admitted requests inside the last Window; rejected
// attempts are not recorded.
type window struct {
	mu      sync.Mutex
	hits    map[string]*hitLog
	maxKeys int
}

type hitLog struct {
	times    []time.Time
	lastSeen time.Time
}

func newWindow(maxKeys int) *window {
	return &window{hits: make(map[string]*hitLog), maxKeys: maxKeys}
}

// allow records a request at now if fewer than limit were admitted in the
// preceding Window. When refusing, it reports how long until one expires.
func (w *window) allow(ip string, limit int, now time.Time) (bool, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	h, ok := w.hits[ip]
	if !ok {
		if len(w.hits) >= w.maxKeys {
			w.evictOldest()
		}
		h = &hitLog{}
		w.hits[ip] = h
	}
	h.lastSeen = now

	cutoff := now.Add(-Window)
	keep := 0
	for keep < len(h.times) && !h.times[keep].After(cutoff) {
		keep++
	}
	h.times = h.times[keep:]

	if len(h.times) >= limit {
		retry := h.times[0].Add(Window).Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
		return false, retry
	}
	h.times = append(h.times, now)
	return true, 0
}

// evictOldest removes the least recently seen address (called with lock held).
func (w *window) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, h := range w.hits {
		if first || h.lastSeen.Before(oldestTime) {
			oldestKey = k
			oldestTime = h.lastSeen
			first = false
		}
	}
	if oldestKey != "" {
		delete(w.hits, oldestKey)
	}
}

// sweep drops addresses not seen since cutoff.
func (w *window) sweep(cutoff time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for ip, h := range w.hits {
		if h.lastSeen.Before(cutoff) {
			delete(w.hits, ip)
		}
	}
}

func (w *window) size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.hits)
}
