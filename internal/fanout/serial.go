package fanout

import (
	"context"
	"sync"

	"github.com/ehrlich-b/a2alive/internal/protocol"
)

// serial runs a Handler on one goroutine per session. Frames of one session
// are handled in arrival order; different sessions do not wait on each other.
// A session's goroutine exits once its queue is empty.
type serial struct {
	h Handler

	mu     sync.Mutex
	queues map[string][]protocol.Frame // sessionID → frames waiting behind the running one
	wg     sync.WaitGroup
}

func newSerial(h Handler) *serial {
	return &serial{h: h, queues: make(map[string][]protocol.Frame)}
}

// dispatch queues f behind any frame of its session still being handled.
func (s *serial) dispatch(ctx context.Context, f protocol.Frame) {
	key := f.Envelope.SessionID
	s.mu.Lock()
	if q, busy := s.queues[key]; busy {
		s.queues[key] = append(q, f)
		s.mu.Unlock()
		return
	}
	s.queues[key] = nil
	s.mu.Unlock()

	s.wg.Add(1)
	go s.drain(ctx, key, f)
}

func (s *serial) drain(ctx context.Context, key string, f protocol.Frame) {
	defer s.wg.Done()
	for {
		s.h(ctx, f)

		s.mu.Lock()
		q := s.queues[key]
		if len(q) == 0 {
			delete(s.queues, key)
			s.mu.Unlock()
			return
		}
		f = q[0]
		s.queues[key] = q[1:]
		s.mu.Unlock()
	}
}

// wait blocks until every running handler has returned.
func (s *serial) wait() {
	s.wg.Wait()
}
