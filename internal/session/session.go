// Package session owns live session state: the lifecycle state machine,
// thread history, the dedup/replay cache, pending approvals and stream
// reassembly buffers. State is process-local and volatile.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/a2alive/internal/protocol"
)

// State is a session lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StatePending   State = "pending"
	StateActive    State = "active"
	StateSuspended State = "suspended"
	StateRejected  State = "rejected"
	StateClosed    State = "closed"
)

var transitions = map[State][]State{
	StateIdle:      {StatePending},
	StatePending:   {StateActive, StateRejected},
	StateActive:    {StateSuspended, StateClosed},
	StateSuspended: {StateActive, StateClosed},
	StateRejected:  nil,
	StateClosed:    nil,
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateRejected || s == StateClosed
}

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrActionNotFound    = errors.New("action not found")
	ErrActionResolved    = errors.New("action already resolved")
	ErrThreadLimit       = errors.New("concurrent thread limit reached")
)

// TransitionError describes a rejected state change.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid_transition_%s_to_%s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Capabilities are the negotiated session features.
type Capabilities struct {
	Streaming            bool `json:"streaming"`
	Multimodal           bool `json:"multimodal"`
	MaxConcurrentThreads int  `json:"maxConcurrentThreads"`
}

// DefaultCapabilities returns the responder defaults.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		Streaming:            true,
		Multimodal:           false,
		MaxConcurrentThreads: 5,
	}
}

// CapabilityOverrides are the caller-supplied capabilities from a negotiate
// payload. Nil fields keep the default.
type CapabilityOverrides struct {
	Streaming            *bool `json:"streaming,omitempty"`
	Multimodal           *bool `json:"multimodal,omitempty"`
	MaxConcurrentThreads *int  `json:"maxConcurrentThreads,omitempty"`
}

// Merge applies o over c; overrides win.
func (c Capabilities) Merge(o CapabilityOverrides) Capabilities {
	if o.Streaming != nil {
		c.Streaming = *o.Streaming
	}
	if o.Multimodal != nil {
		c.Multimodal = *o.Multimodal
	}
	if o.MaxConcurrentThreads != nil {
		c.MaxConcurrentThreads = *o.MaxConcurrentThreads
	}
	return c
}

// View is a read-only snapshot of a session, as sent in negotiate_response.
type View struct {
	SessionID    string       `json:"sessionId"`
	Initiator    string       `json:"initiator"`
	Responder    string       `json:"responder"`
	CreatedAt    string       `json:"createdAt"`
	ExpiresAt    string       `json:"expiresAt"`
	State        State        `json:"state"`
	Capabilities Capabilities `json:"capabilities"`
}

// ActionPending is the state of an approval that has no decision yet.
const ActionPending = "pending"

// Action is a human-in-the-loop approval gate. State is ActionPending until a
// decision is recorded, then the decision itself.
type Action struct {
	ID              string `json:"id"`
	State           string `json:"state"`
	SourceMessageID string `json:"sourceMessageId"`
}

// Resolved reports whether a decision has been recorded.
func (a Action) Resolved() bool {
	return a.State != ActionPending
}

// Session is the aggregate for one negotiated conversation. Its fields are
// only reachable through Store methods, which hold mu for their duration.
type Session struct {
	mu sync.Mutex

	id        string
	initiator string
	responder string
	createdAt time.Time
	expiresAt time.Time
	state     State
	caps      Capabilities

	threads map[string][]string      // threadID → message ids, arrival order
	claims  map[string]*Claim        // seen message ids → cached response
	actions map[string]*Action       // actionID → approval
	streams map[string]*streamBuffer // threadID → open stream
}

type streamBuffer struct {
	data  []byte
	runes int
}

func newSession(id, initiator, responder string, caps Capabilities, now time.Time, ttl time.Duration) *Session {
	return &Session{
		id:        id,
		initiator: initiator,
		responder: responder,
		createdAt: now,
		expiresAt: now.Add(ttl),
		state:     StatePending,
		caps:      caps,
		threads:   make(map[string][]string),
		claims:    make(map[string]*Claim),
		actions:   make(map[string]*Action),
		streams:   make(map[string]*streamBuffer),
	}
}

func (s *Session) view() View {
	return View{
		SessionID:    s.id,
		Initiator:    s.initiator,
		Responder:    s.responder,
		CreatedAt:    protocol.Timestamp(s.createdAt),
		ExpiresAt:    protocol.Timestamp(s.expiresAt),
		State:        s.state,
		Capabilities: s.caps,
	}
}
