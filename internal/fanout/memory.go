package fanout

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ehrlich-b/a2alive/internal/metrics"
	"github.com/ehrlich-b/a2alive/internal/protocol"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("fanout: bus closed")

const memoryBuffer = 256

// MemoryHub connects MemoryBus nodes living in one process.
type MemoryHub struct {
	mu    sync.RWMutex
	nodes map[*MemoryBus]struct{}
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{nodes: make(map[*MemoryBus]struct{})}
}

// Node attaches a new bus endpoint identified by nodeID.
func (h *MemoryHub) Node(nodeID string) *MemoryBus {
	b := &MemoryBus{hub: h, node: nodeID, ch: make(chan message, memoryBuffer)}
	h.mu.Lock()
	h.nodes[b] = struct{}{}
	h.mu.Unlock()
	return b
}

func (h *MemoryHub) detach(b *MemoryBus) {
	h.mu.Lock()
	delete(h.nodes, b)
	h.mu.Unlock()
}

func (h *MemoryHub) broadcast(from *MemoryBus, m message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for b := range h.nodes {
		if b == from || b.node == m.Origin {
			continue
		}
		select {
		case b.ch <- m:
		default:
			slog.Warn("fanout: node buffer full, frame dropped", "node", b.node, "frame", m.Frame.Envelope.ID)
		}
	}
}

// MemoryBus is one node's endpoint on a MemoryHub.
type MemoryBus struct {
	hub  *MemoryHub
	node string
	ch   chan message

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func (b *MemoryBus) Publish(_ context.Context, f protocol.Frame) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	b.hub.broadcast(b, message{Origin: b.node, Frame: f})
	metrics.FanoutMessages.WithLabelValues("published").Inc()
	return nil
}

func (b *MemoryBus) Run(ctx context.Context, h Handler) error {
	s := newSerial(h)
	defer s.wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-b.ch:
			if !ok {
				return nil
			}
			metrics.FanoutMessages.WithLabelValues("delivered").Inc()
			s.dispatch(ctx, m.Frame)
		}
	}
}

func (b *MemoryBus) Close() error {
	b.closeOnce.Do(func() {
		b.hub.detach(b)
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
	})
	return nil
}
