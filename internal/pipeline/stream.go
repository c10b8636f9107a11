package pipeline

import (
	"net/http"

	"github.com/compresr/ai-gateway/internal/adapters"
	"github.com/compresr/ai-gateway/internal/canonical"
)

// streamWriter frames deltas onto the response. Headers are committed on
// the first frame so a request that fails before producing output can still
// answer with a plain error status.
type streamWriter struct {
	w       http.ResponseWriter
	enc     adapters.StreamEncoder
	started bool
	broken  bool
	frames  int
}

func newStreamWriter(w http.ResponseWriter, enc adapters.StreamEncoder) *streamWriter {
	return &streamWriter{w: w, enc: enc}
}

// Send encodes d and flushes. Write failures mark the writer broken; the
// request context ends shortly after when the client is gone.
func (s *streamWriter) Send(d canonical.Delta) {
	frames := s.enc.Encode(d)
	if len(frames) == 0 || s.broken {
		return
	}
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", s.enc.ContentType())
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	for _, f := range frames {
		if _, err := s.w.Write(f); err != nil {
			s.broken = true
			return
		}
		s.frames++
	}
	if fl, ok := s.w.(http.Flusher); ok {
		fl.Flush()
	}
}

// Started reports whether the status line has been sent.
func (s *streamWriter) Started() bool { return s.started }
