// Package engine decides what to send back for every inbound frame. It owns
// no transport: callers hand it raw frames and write out what it returns.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ehrlich-b/a2alive/internal/metrics"
	"github.com/ehrlich-b/a2alive/internal/protocol"
	"github.com/ehrlich-b/a2alive/internal/responder"
	"github.com/ehrlich-b/a2alive/internal/session"
)

// DefaultApproval matches messages that must stop for a human decision.
var DefaultApproval = regexp.MustCompile(`(?i)세금계산서|승인`)

const (
	DefaultApprovalLabel = "세금계산서 발행 승인"
	DefaultAgentURI      = "agent://demo.responder/a2a-live"
	DefaultReplayWait    = 30 * time.Second
)

// Peer is the connection bound to a session. Frames produced for the session
// outside a direct request (fanout redelivery) are delivered to it.
type Peer interface {
	Deliver(ctx context.Context, frames []protocol.Frame) error
}

// Forwarder hands a frame for a session this node does not hold to the
// other nodes.
type Forwarder interface {
	Publish(ctx context.Context, f protocol.Frame) error
}

// Options configures an Engine. Codec, Store and Generator are required.
type Options struct {
	AgentURI      string
	Codec         *protocol.Codec
	Store         *session.Store
	Generator     responder.Generator
	Policy        Policy         // default AutoAccept
	Approval      *regexp.Regexp // default DefaultApproval
	ApprovalLabel string
	ReplayWait    time.Duration // how long a duplicate waits for its in-flight original
	Forward       Forwarder     // optional
	Logger        *slog.Logger
}

// Engine is the protocol state machine. It is safe for concurrent use; one
// Engine serves every connection in the process.
type Engine struct {
	agentURI      string
	codec         *protocol.Codec
	store         *session.Store
	gen           responder.Generator
	policy        Policy
	approval      *regexp.Regexp
	approvalLabel string
	replayWait    time.Duration
	forward       Forwarder
	logger        *slog.Logger

	mu    sync.RWMutex
	peers map[string]Peer // sessionID → bound connection
}

// New creates an Engine, filling defaults for unset options.
func New(opts Options) *Engine {
	e := &Engine{
		agentURI:      opts.AgentURI,
		codec:         opts.Codec,
		store:         opts.Store,
		gen:           opts.Generator,
		policy:        opts.Policy,
		approval:      opts.Approval,
		approvalLabel: opts.ApprovalLabel,
		replayWait:    opts.ReplayWait,
		forward:       opts.Forward,
		logger:        opts.Logger,
		peers:         make(map[string]Peer),
	}
	if e.agentURI == "" {
		e.agentURI = DefaultAgentURI
	}
	if e.codec == nil {
		e.codec = protocol.NewCodec("")
	}
	if e.store == nil {
		e.store = session.NewStore()
	}
	if e.gen == nil {
		e.gen = responder.Echo{AgentURI: e.agentURI}
	}
	if e.policy == nil {
		e.policy = AutoAccept
	}
	if e.approval == nil {
		e.approval = DefaultApproval
	}
	if e.approvalLabel == "" {
		e.approvalLabel = DefaultApprovalLabel
	}
	if e.replayWait <= 0 {
		e.replayWait = DefaultReplayWait
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// AgentURI is the identity stamped in the from field of every outbound frame.
func (e *Engine) AgentURI() string { return e.agentURI }

// Store returns the session store the engine mutates.
func (e *Engine) Store() *session.Store { return e.store }

// Handle processes one inbound frame from peer and returns the frames to send
// back, in order. It never returns an error: every failure is an error frame.
func (e *Engine) Handle(ctx context.Context, peer Peer, data []byte) []protocol.Frame {
	f, err := protocol.Decode(data)
	if err != nil {
		return e.reject(peek(data), err.Error())
	}
	if !e.codec.Verify(f.Envelope, f.Signature) {
		return e.reject(f.Envelope, "invalid_signature")
	}
	metrics.FramesReceived.WithLabelValues(f.Envelope.Type).Inc()
	e.logger.Debug("frame received",
		"frame", f.Envelope.ID, "type", f.Envelope.Type, "session", f.Envelope.SessionID)

	out := e.dispatch(ctx, peer, f, true)
	for _, o := range out {
		metrics.FramesSent.WithLabelValues(o.Envelope.Type).Inc()
	}
	return out
}

// Redeliver processes a frame received from another node. It goes through
// the same idempotency gate as Handle; the output is delivered to the peer
// bound to the session. Frames for sessions not held here are dropped.
func (e *Engine) Redeliver(ctx context.Context, f protocol.Frame) {
	if err := protocol.Validate(f); err != nil {
		e.logger.Warn("redelivered frame invalid", "frame", f.Envelope.ID, "err", err)
		return
	}
	if !e.codec.Verify(f.Envelope, f.Signature) {
		e.logger.Warn("redelivered frame failed verification", "frame", f.Envelope.ID)
		return
	}
	if f.Envelope.Type == protocol.TypeNegotiate {
		return
	}
	peer := e.PeerFor(f.Envelope.SessionID)
	if peer == nil {
		return
	}
	out := e.dispatch(ctx, peer, f, false)
	if len(out) == 0 {
		return
	}
	if err := peer.Deliver(ctx, out); err != nil {
		e.logger.Warn("redelivery write failed", "session", f.Envelope.SessionID, "err", err)
		return
	}
	for _, o := range out {
		metrics.FramesSent.WithLabelValues(o.Envelope.Type).Inc()
	}
}

func (e *Engine) dispatch(ctx context.Context, peer Peer, f protocol.Frame, mayForward bool) []protocol.Frame {
	if f.Envelope.Type == protocol.TypeNegotiate {
		out, _ := e.guard(f, func() ([]protocol.Frame, error) {
			return e.negotiate(ctx, peer, f)
		})
		return out
	}
	return e.gate(ctx, f, mayForward)
}

// gate runs the idempotency check. The first arrival of a message id claims
// it and computes the response; every later arrival replays exactly what the
// first produced, waiting for it if it is still in flight. A response that
// depends on transient session state is not cached: the claim is released and
// the next arrival is processed again.
func (e *Engine) gate(ctx context.Context, f protocol.Frame, mayForward bool) []protocol.Frame {
	env := f.Envelope
	for {
		claim, fresh, err := e.store.Claim(env.SessionID, env.ID)
		if err != nil {
			if mayForward && e.forward != nil && errors.Is(err, session.ErrSessionNotFound) {
				e.publish(ctx, f)
			}
			return e.errorFrames(env, err)
		}

		if fresh {
			out, code := e.guard(f, func() ([]protocol.Frame, error) {
				return e.process(ctx, f)
			})
			if retryable(code) {
				if err := e.store.Release(env.SessionID, env.ID); err != nil {
					e.logger.Debug("release claim", "frame", env.ID, "err", err)
				}
				return out
			}
			claim.Fill(out)
			return out
		}

		frames, err := e.await(ctx, claim)
		if errors.Is(err, session.ErrReleased) {
			continue
		}
		if err != nil {
			e.logger.Warn("duplicate gave up waiting for original",
				"frame", env.ID, "session", env.SessionID, "err", err)
			return nil
		}
		metrics.Replays.Inc()
		e.logger.Debug("replaying cached response", "frame", env.ID, "frames", len(frames))
		return frames
	}
}

func (e *Engine) await(ctx context.Context, claim *session.Claim) ([]protocol.Frame, error) {
	wctx, cancel := context.WithTimeout(ctx, e.replayWait)
	defer cancel()
	return claim.Wait(wctx)
}

// publish hands a frame for a session held elsewhere to the other nodes. The
// sender still gets SESSION_NOT_FOUND from this node.
func (e *Engine) publish(ctx context.Context, f protocol.Frame) {
	if err := e.forward.Publish(ctx, f); err != nil {
		e.logger.Warn("forward failed", "frame", f.Envelope.ID, "err", err)
		return
	}
	e.logger.Debug("frame forwarded", "frame", f.Envelope.ID, "session", f.Envelope.SessionID)
}

// guard turns an error or a panic from fn into error frames, reporting the
// error code ("" on success).
func (e *Engine) guard(f protocol.Frame, fn func() ([]protocol.Frame, error)) (out []protocol.Frame, code string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic handling frame",
				"frame", f.Envelope.ID, "type", f.Envelope.Type, "panic", r, "stack", string(debug.Stack()))
			out, code = e.errorFrame(f.Envelope, CodeServerError, fmt.Sprint(r)), CodeServerError
		}
	}()
	frames, err := fn()
	if err != nil {
		code, msg := classify(err)
		return e.errorFrame(f.Envelope, code, msg), code
	}
	return frames, ""
}

// Bind associates a session with the connection that negotiated it.
func (e *Engine) Bind(sessionID string, p Peer) {
	if p == nil {
		return
	}
	e.mu.Lock()
	e.peers[sessionID] = p
	e.mu.Unlock()
}

// Unbind drops the association for one session.
func (e *Engine) Unbind(sessionID string) {
	e.mu.Lock()
	delete(e.peers, sessionID)
	e.mu.Unlock()
}

// UnbindPeer drops every association held by p, returning how many there were.
func (e *Engine) UnbindPeer(p Peer) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id, bound := range e.peers {
		if bound == p {
			delete(e.peers, id)
			n++
		}
	}
	return n
}

// PeerFor returns the connection bound to the session, or nil.
func (e *Engine) PeerFor(sessionID string) Peer {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.peers[sessionID]
}

// reply builds a frame answering req.
func (e *Engine) reply(req protocol.Envelope, typ string, payload any) (protocol.Frame, error) {
	return e.codec.Build(protocol.Fields{
		SessionID: req.SessionID,
		ThreadID:  req.ThreadID,
		Type:      typ,
		From:      e.agentURI,
		To:        req.From,
		ReplyTo:   req.ID,
		Payload:   payload,
	})
}

func (e *Engine) reject(req protocol.Envelope, reason string) []protocol.Frame {
	e.logger.Debug("frame rejected", "frame", req.ID, "reason", reason)
	return e.errorFrame(req, CodeInvalidFrame, reason)
}

func (e *Engine) errorFrames(req protocol.Envelope, err error) []protocol.Frame {
	code, msg := classify(err)
	return e.errorFrame(req, code, msg)
}

// errorFrame answers req with an error. Fields missing from a malformed
// request fall back to placeholders so the frame itself is always valid.
func (e *Engine) errorFrame(req protocol.Envelope, code, message string) []protocol.Frame {
	metrics.FrameErrors.WithLabelValues(code).Inc()
	if code == CodeServerError {
		e.logger.Error("server error", "frame", req.ID, "session", req.SessionID, "err", message)
	}
	sessionID := orDefault(req.SessionID, "unknown")
	threadID := orDefault(req.ThreadID, "thr_error")
	to := orDefault(req.From, "agent://unknown")
	f, err := e.codec.Build(protocol.Fields{
		SessionID: sessionID,
		ThreadID:  threadID,
		Type:      protocol.TypeError,
		From:      e.agentURI,
		To:        to,
		ReplyTo:   req.ID,
		Payload:   protocol.ErrorPayload{Code: code, Message: message},
	})
	if err != nil {
		e.logger.Error("build error frame", "err", err)
		return nil
	}
	return []protocol.Frame{f}
}

// peek pulls whatever envelope strings it can out of an invalid frame.
func peek(data []byte) protocol.Envelope {
	var loose struct {
		Envelope struct {
			ID        any `json:"id"`
			SessionID any `json:"sessionId"`
			ThreadID  any `json:"threadId"`
			From      any `json:"from"`
		} `json:"envelope"`
	}
	if err := json.Unmarshal(data, &loose); err != nil {
		return protocol.Envelope{}
	}
	str := func(v any) string {
		s, _ := v.(string)
		return s
	}
	return protocol.Envelope{
		ID:        str(loose.Envelope.ID),
		SessionID: str(loose.Envelope.SessionID),
		ThreadID:  str(loose.Envelope.ThreadID),
		From:      str(loose.Envelope.From),
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
