package session

import (
	"slices"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ehrlich-b/a2alive/internal/protocol"
)

// DefaultTTL is how long a session is valid after creation.
const DefaultTTL = time.Hour

// Store holds every session in the process. It is safe for concurrent use:
// the store lock covers the id → session map only, and each operation then
// holds that session's lock for its whole body.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	TTL   time.Duration
	Now   func() time.Time
	NewID func() string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		TTL:      DefaultTTL,
		Now:      time.Now,
		NewID:    protocol.NewSessionID,
	}
}

func (s *Store) lookup(id string) (*Session, error) {
	s.mu.RLock()
	sess := s.sessions[id]
	s.mu.RUnlock()
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// with runs fn under the session lock.
func (s *Store) with(id string, fn func(*Session) error) error {
	sess, err := s.lookup(id)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return fn(sess)
}

// Create starts a pending session between initiator and responder with the
// default capabilities overlaid by overrides.
func (s *Store) Create(initiator, responder string, overrides CapabilityOverrides) View {
	caps := DefaultCapabilities().Merge(overrides)
	sess := newSession(s.NewID(), initiator, responder, caps, s.Now(), s.TTL)

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess.view()
}

// Get returns a snapshot of the session.
func (s *Store) Get(id string) (View, error) {
	var v View
	err := s.with(id, func(sess *Session) error {
		v = sess.view()
		return nil
	})
	return v, err
}

// Transition moves the session to next if the state machine allows it.
func (s *Store) Transition(id string, next State) (View, error) {
	var v View
	err := s.with(id, func(sess *Session) error {
		if !CanTransition(sess.state, next) {
			return &TransitionError{From: sess.state, To: next}
		}
		sess.state = next
		v = sess.view()
		return nil
	})
	return v, err
}

// TouchThread appends messageID to the thread's history, creating it if
// needed.
func (s *Store) TouchThread(id, threadID, messageID string) error {
	return s.with(id, func(sess *Session) error {
		sess.threads[threadID] = append(sess.threads[threadID], messageID)
		return nil
	})
}

// ThreadMessages returns the thread's message ids in arrival order.
func (s *Store) ThreadMessages(id, threadID string) ([]string, error) {
	var out []string
	err := s.with(id, func(sess *Session) error {
		out = slices.Clone(sess.threads[threadID])
		return nil
	})
	return out, err
}

// IsDuplicate reports whether messageID has been seen in this session.
func (s *Store) IsDuplicate(id, messageID string) (bool, error) {
	var dup bool
	err := s.with(id, func(sess *Session) error {
		_, dup = sess.claims[messageID]
		return nil
	})
	return dup, err
}

// MarkSeen records messageID as seen without a response.
func (s *Store) MarkSeen(id, messageID string) error {
	return s.with(id, func(sess *Session) error {
		if _, ok := sess.claims[messageID]; !ok {
			sess.claims[messageID] = newClaim()
		}
		return nil
	})
}

// CacheResponse stores the frames emitted for messageID, marking it seen. An
// already cached response is left unchanged.
func (s *Store) CacheResponse(id, messageID string, frames []protocol.Frame) error {
	return s.with(id, func(sess *Session) error {
		c, ok := sess.claims[messageID]
		if !ok {
			c = newClaim()
			sess.claims[messageID] = c
		}
		c.Fill(frames)
		return nil
	})
}

// GetCachedResponse returns the cached frames for messageID, if any.
func (s *Store) GetCachedResponse(id, messageID string) ([]protocol.Frame, bool, error) {
	var (
		frames []protocol.Frame
		ok     bool
	)
	err := s.with(id, func(sess *Session) error {
		if c := sess.claims[messageID]; c != nil {
			frames, ok = c.Frames()
		}
		return nil
	})
	return frames, ok, err
}

// Claim atomically checks and marks messageID as seen. The first caller gets
// fresh == true and must Fill the claim once its side effects are done; every
// later caller gets the same claim with fresh == false and should Wait on it.
func (s *Store) Claim(id, messageID string) (c *Claim, fresh bool, err error) {
	err = s.with(id, func(sess *Session) error {
		if existing, ok := sess.claims[messageID]; ok {
			c = existing
			return nil
		}
		c = newClaim()
		sess.claims[messageID] = c
		fresh = true
		return nil
	})
	return c, fresh, err
}

// Release forgets an unfilled claim on messageID so that the next arrival of
// the id is processed afresh, and wakes its waiters with ErrReleased. A filled
// claim is kept.
func (s *Store) Release(id, messageID string) error {
	return s.with(id, func(sess *Session) error {
		c, ok := sess.claims[messageID]
		if !ok || c.Filled() {
			return nil
		}
		delete(sess.claims, messageID)
		c.release()
		return nil
	})
}

// OpenAction creates a pending approval raised by sourceMessageID.
func (s *Store) OpenAction(id, sourceMessageID string) (Action, error) {
	var a Action
	err := s.with(id, func(sess *Session) error {
		act := &Action{
			ID:              protocol.NewActionID(),
			State:           ActionPending,
			SourceMessageID: sourceMessageID,
		}
		sess.actions[act.ID] = act
		a = *act
		return nil
	})
	return a, err
}

// ResolveAction records decision for a pending action. Unknown ids fail with
// ErrActionNotFound and decided ones with ErrActionResolved.
func (s *Store) ResolveAction(id, actionID, decision string) (Action, error) {
	var a Action
	err := s.with(id, func(sess *Session) error {
		act, ok := sess.actions[actionID]
		if !ok {
			return ErrActionNotFound
		}
		if act.Resolved() {
			return ErrActionResolved
		}
		act.State = decision
		a = *act
		return nil
	})
	return a, err
}

// GetAction returns the current state of an action.
func (s *Store) GetAction(id, actionID string) (Action, error) {
	var a Action
	err := s.with(id, func(sess *Session) error {
		act, ok := sess.actions[actionID]
		if !ok {
			return ErrActionNotFound
		}
		a = *act
		return nil
	})
	return a, err
}

// Capabilities returns the negotiated capabilities.
func (s *Store) Capabilities(id string) (Capabilities, error) {
	var c Capabilities
	err := s.with(id, func(sess *Session) error {
		c = sess.caps
		return nil
	})
	return c, err
}

// StartStream opens an empty buffer for threadID, replacing any buffer already
// open on it. Opening a new thread past MaxConcurrentThreads fails with
// ErrThreadLimit.
func (s *Store) StartStream(id, threadID string) error {
	return s.with(id, func(sess *Session) error {
		_, open := sess.streams[threadID]
		limit := sess.caps.MaxConcurrentThreads
		if !open && limit > 0 && len(sess.streams) >= limit {
			return ErrThreadLimit
		}
		sess.streams[threadID] = &streamBuffer{}
		return nil
	})
}

// AppendStream adds chunk to the thread's buffer, creating it if missing, and
// returns the accumulated length in characters. Creating a buffer counts
// against MaxConcurrentThreads like StartStream.
func (s *Store) AppendStream(id, threadID, chunk string) (int, error) {
	var n int
	err := s.with(id, func(sess *Session) error {
		buf := sess.streams[threadID]
		if buf == nil {
			if limit := sess.caps.MaxConcurrentThreads; limit > 0 && len(sess.streams) >= limit {
				return ErrThreadLimit
			}
			buf = &streamBuffer{}
			sess.streams[threadID] = buf
		}
		buf.data = append(buf.data, chunk...)
		buf.runes += utf8.RuneCountInString(chunk)
		n = buf.runes
		return nil
	})
	return n, err
}

// EndStream removes the thread's buffer and returns its contents. A missing
// buffer reads as empty.
func (s *Store) EndStream(id, threadID string) (string, error) {
	var data string
	err := s.with(id, func(sess *Session) error {
		if buf := sess.streams[threadID]; buf != nil {
			data = string(buf.data)
		}
		delete(sess.streams, threadID)
		return nil
	})
	return data, err
}

// OpenStreams returns the number of buffers currently open.
func (s *Store) OpenStreams(id string) (int, error) {
	var n int
	err := s.with(id, func(sess *Session) error {
		n = len(sess.streams)
		return nil
	})
	return n, err
}

// Len returns the number of sessions held, terminal ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep drops sessions whose expiry is before now and that are terminal,
// idle or still pending. Active and suspended sessions are left alone even
// when expired; closing them is the peers' call.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		sess.mu.Lock()
		reap := now.After(sess.expiresAt) && sess.state != StateActive && sess.state != StateSuspended
		sess.mu.Unlock()
		if reap {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}
