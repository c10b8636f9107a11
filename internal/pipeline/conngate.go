package pipeline

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/compresr/ai-gateway/internal/canonical"
)

var connSeq atomic.Uint64

type connIDKey struct{}

// ConnContext tags every accepted connection with a process-unique id. It
// has the signature of http.Server.ConnContext.
func ConnContext(ctx context.Context, _ net.Conn) context.Context {
	return WithConnID(ctx, connSeq.Add(1))
}

// WithConnID attaches a connection id to ctx.
func WithConnID(ctx context.Context, id uint64) context.Context {
	return context.WithValue(ctx, connIDKey{}, id)
}

// ConnID returns the connection id set by ConnContext.
func ConnID(ctx context.Context) (uint64, bool) {
	id, ok := ctx.Value(connIDKey{}).(uint64)
	return id, ok
}

// ConnGate allows one in-flight completion per client connection.
type ConnGate struct {
	mu    sync.Mutex
	slots map[uint64]*connSlot
}

type connSlot struct {
	busy chan struct{}
	refs int
}

// NewConnGate creates an empty gate.
func NewConnGate() *ConnGate {
	return &ConnGate{slots: make(map[uint64]*connSlot)}
}

// Enter claims the connection. A busy connection is rejected with
// connection_busy, or when queue is set waits until the holder leaves or
// ctx ends. The returned func releases the claim.
func (g *ConnGate) Enter(ctx context.Context, id uint64, queue bool) (func(), *canonical.Error) {
	g.mu.Lock()
	s := g.slots[id]
	if s == nil {
		s = &connSlot{busy: make(chan struct{}, 1)}
		g.slots[id] = s
	}
	s.refs++
	g.mu.Unlock()

	select {
	case s.busy <- struct{}{}:
		return g.leaveFunc(id, s), nil
	default:
	}

	if !queue {
		g.drop(id, s)
		return nil, canonical.Reject(canonical.CodeConnectionBusy, http.StatusConflict,
			"a completion is already in progress on this connection")
	}

	select {
	case s.busy <- struct{}{}:
		return g.leaveFunc(id, s), nil
	case <-ctx.Done():
		g.drop(id, s)
		return nil, canonical.FromContext(ctx)
	}
}

// Active is the number of connections holding or waiting for a claim.
func (g *ConnGate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.slots)
}

func (g *ConnGate) leaveFunc(id uint64, s *connSlot) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.busy
			g.drop(id, s)
		})
	}
}

func (g *ConnGate) drop(id uint64, s *connSlot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(g.slots, id)
	}
}
