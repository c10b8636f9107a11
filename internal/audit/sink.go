package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultFlushInterval = 2 * time.Second
	DefaultQueueSize     = 1024
)

// Config configures a Sink.
type Config struct {
	Dir           string
	FlushInterval time.Duration
	QueueSize     int
	MaxBodyBytes  int // 0 keeps bodies whole
	Now           func() time.Time
}

// SinkStats is a point-in-time view of the sink counters.
type SinkStats struct {
	Written       int64 `json:"written"`
	Dropped       int64 `json:"dropped"`
	FailedBatches int64 `json:"failed_batches"`
	Queued        int   `json:"queued"`
}

// Sink is the write side of the audit trail. Reads go through the embedded
// Store against the same directory.
type Sink struct {
	*Store

	interval time.Duration
	maxBody  int
	queue    chan Entry
	redactor atomic.Pointer[Redactor]

	mu     sync.RWMutex
	closed bool

	flushReq chan chan struct{}
	stop     chan struct{}
	done     chan struct{}

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// New creates the audit directory and starts the flusher.
func New(cfg Config, redactor *Redactor) (*Sink, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("audit dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create audit dir: %w", err)
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	s := &Sink{
		Store:    NewStore(cfg.Dir, cfg.Now),
		interval: cfg.FlushInterval,
		maxBody:  cfg.MaxBodyBytes,
		queue:    make(chan Entry, cfg.QueueSize),
		flushReq: make(chan chan struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.redactor.Store(redactor)
	go s.run()
	return s, nil
}

// SetRedactor swaps the redaction rules used for subsequent entries.
func (s *Sink) SetRedactor(r *Redactor) {
	s.redactor.Store(r)
}

// Record redacts e and enqueues it without blocking. Entries recorded after
// Close, or while the queue is full, are dropped and counted; Record then
// reports false.
func (s *Sink) Record(e Entry) bool {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	e = s.redactor.Load().redactEntry(e)
	e.RequestBody = truncate(e.RequestBody, s.maxBody)
	e.ResponseBody = truncate(e.ResponseBody, s.maxBody)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return false
	}
	select {
	case s.queue <- e:
		return true
	default:
		n := s.dropped.Add(1)
		log.Warn().
			Str("request_id", e.RequestID).
			Int64("dropped_total", n).
			Msg("audit: queue full, entry dropped")
		return false
	}
}

// Flush writes everything queued so far. It returns once the batch has been
// handed to disk or ctx ends.
func (s *Sink) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case s.flushReq <- ack:
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting entries, flushes the queue and stops the flusher.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the sink counters.
func (s *Sink) Stats() SinkStats {
	return SinkStats{
		Written:       s.written.Load(),
		Dropped:       s.dropped.Load(),
		FailedBatches: s.failed.Load(),
		Queued:        len(s.queue),
	}
}

// =============================================================================
// FLUSHER
// =============================================================================

func (s *Sink) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flush(s.drain())
		case ack := <-s.flushReq:
			s.flush(s.drain())
			close(ack)
		case <-s.stop:
			s.flush(s.drain())
			return
		}
	}
}

func (s *Sink) drain() []Entry {
	var batch []Entry
	for {
		select {
		case e := <-s.queue:
			batch = append(batch, e)
		default:
			return batch
		}
	}
}

// flush appends batch to its day partitions. A partition that fails to
// write loses its share of the batch.
func (s *Sink) flush(batch []Entry) {
	if len(batch) == 0 {
		return
	}

	byFile := make(map[string][][]byte)
	for _, e := range batch {
		data, err := json.Marshal(e)
		if err != nil {
			log.Error().Err(err).Str("request_id", e.RequestID).Msg("audit: failed to encode entry")
			s.failed.Add(1)
			continue
		}
		path := dayFile(s.dir, e.Timestamp)
		byFile[path] = append(byFile[path], data)
	}

	paths := make([]string, 0, len(byFile))
	for p := range byFile {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		lines := byFile[path]
		if err := appendLines(path, lines); err != nil {
			log.Error().Err(err).Str("path", path).Int("entries", len(lines)).Msg("audit: failed to write batch")
			s.failed.Add(1)
			continue
		}
		s.written.Add(int64(len(lines)))
	}
}

// appendLines appends JSON lines to the file in a single write.
func appendLines(path string, lines [][]byte) error {
	size := 0
	for _, l := range lines {
		size += len(l) + 1
	}
	buf := make([]byte, 0, size)
	for _, l := range lines {
		buf = append(buf, l...)
		buf = append(buf, '\n')
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
