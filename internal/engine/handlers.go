package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/ehrlich-b/a2alive/internal/metrics"
	"github.com/ehrlich-b/a2alive/internal/protocol"
	"github.com/ehrlich-b/a2alive/internal/responder"
	"github.com/ehrlich-b/a2alive/internal/session"
)

type negotiatePayload struct {
	Capabilities session.CapabilityOverrides `json:"capabilities"`
}

type negotiateResponse struct {
	Accepted bool         `json:"accepted"`
	Reason   string       `json:"reason,omitempty"`
	Session  session.View `json:"session"`
}

// negotiate always creates a fresh session; it never looks one up.
func (e *Engine) negotiate(ctx context.Context, peer Peer, f protocol.Frame) ([]protocol.Frame, error) {
	env := f.Envelope
	var p negotiatePayload
	if err := f.ParsePayload(&p); err != nil {
		e.logger.Debug("negotiate capabilities ignored", "frame", env.ID, "err", err)
		p = negotiatePayload{}
	}

	view := e.store.Create(env.From, env.To, p.Capabilities)
	decision := e.policy.Decide(ctx, Negotiation{
		SessionID:    view.SessionID,
		Initiator:    view.Initiator,
		Responder:    view.Responder,
		Capabilities: view.Capabilities,
		Payload:      f.Payload,
	})

	next := session.StateRejected
	if decision.Accept {
		next = session.StateActive
	}
	view, err := e.store.Transition(view.SessionID, next)
	if err != nil {
		return nil, err
	}
	metrics.SessionsLive.Set(float64(e.store.Len()))

	if decision.Accept {
		e.Bind(view.SessionID, peer)
		metrics.SessionsNegotiated.WithLabelValues("accepted").Inc()
		e.logger.Info("session accepted",
			"session", view.SessionID, "initiator", view.Initiator)
	} else {
		metrics.SessionsNegotiated.WithLabelValues("rejected").Inc()
		e.logger.Info("session rejected",
			"session", view.SessionID, "initiator", view.Initiator, "reason", decision.Reason)
	}

	resp, err := e.codec.Build(protocol.Fields{
		SessionID: view.SessionID,
		ThreadID:  orDefault(env.ThreadID, "thr_0"),
		Type:      protocol.TypeNegotiateResponse,
		From:      e.agentURI,
		To:        env.From,
		ReplyTo:   env.ID,
		Payload: negotiateResponse{
			Accepted: decision.Accept,
			Reason:   decision.Reason,
			Session:  view,
		},
	})
	if err != nil {
		return nil, err
	}
	return []protocol.Frame{resp}, nil
}

// process handles a claimed, non-negotiate frame.
func (e *Engine) process(ctx context.Context, f protocol.Frame) ([]protocol.Frame, error) {
	env := f.Envelope
	view, err := e.store.Get(env.SessionID)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case protocol.TypeMessage, protocol.TypeStreamStart, protocol.TypeStreamChunk, protocol.TypeStreamEnd:
		if view.State.Terminal() {
			return nil, errorf(CodeSessionNotFound, "session %s is %s", env.SessionID, view.State)
		}
		if view.State == session.StateSuspended {
			return nil, errorf(CodeSessionSuspended, "session %s is suspended", env.SessionID)
		}
	}

	switch env.Type {
	case protocol.TypeMessage:
		return e.message(ctx, f)
	case protocol.TypeStreamStart:
		return e.streamStart(f, view)
	case protocol.TypeStreamChunk:
		return e.streamChunk(f)
	case protocol.TypeStreamEnd:
		return e.streamEnd(f)
	case protocol.TypeControl:
		return e.control(f, view)
	}
	return nil, errorf(CodeUnsupportedType, "Not implemented type=%s", env.Type)
}

func (e *Engine) message(ctx context.Context, f protocol.Frame) ([]protocol.Frame, error) {
	env := f.Envelope
	if err := e.store.TouchThread(env.SessionID, env.ThreadID, env.ID); err != nil {
		return nil, err
	}
	text := payloadString(f.Payload, "text")

	ack, err := e.reply(env, protocol.TypeAck, map[string]any{"received": true})
	if err != nil {
		return nil, err
	}

	if e.approval.MatchString(text) {
		action, err := e.store.OpenAction(env.SessionID, env.ID)
		if err != nil {
			return nil, err
		}
		metrics.ApprovalsRequested.Inc()
		e.logger.Info("approval requested", "session", env.SessionID, "action", action.ID)
		needsInput, err := e.reply(env, protocol.TypeControl, protocol.NeedsInputPayload{
			Event: protocol.EventNeedsInput,
			Actions: []protocol.Action{{
				ID:    action.ID,
				Type:  protocol.ActionApproval,
				Label: e.approvalLabel,
			}},
		})
		if err != nil {
			return nil, err
		}
		return []protocol.Frame{ack, needsInput}, nil
	}

	replyText, err := e.gen.Generate(ctx, responder.Request{
		SessionID: env.SessionID,
		ThreadID:  env.ThreadID,
		Text:      text,
	})
	if err != nil {
		return nil, fmt.Errorf("generate reply: %w", err)
	}
	answer, err := e.reply(env, protocol.TypeMessage, map[string]any{"text": replyText})
	if err != nil {
		return nil, err
	}
	return []protocol.Frame{ack, answer}, nil
}

func (e *Engine) streamStart(f protocol.Frame, view session.View) ([]protocol.Frame, error) {
	env := f.Envelope
	if !view.Capabilities.Streaming {
		return nil, errorf(CodeUnsupportedType, "streaming not negotiated for session %s", env.SessionID)
	}
	if err := e.store.StartStream(env.SessionID, env.ThreadID); err != nil {
		return nil, err
	}
	ack, err := e.reply(env, protocol.TypeAck, map[string]any{"stream": "started"})
	if err != nil {
		return nil, err
	}
	return []protocol.Frame{ack}, nil
}

func (e *Engine) streamChunk(f protocol.Frame) ([]protocol.Frame, error) {
	env := f.Envelope
	size, err := e.store.AppendStream(env.SessionID, env.ThreadID, payloadString(f.Payload, "chunk"))
	if err != nil {
		return nil, err
	}
	ack, err := e.reply(env, protocol.TypeAck, map[string]any{"stream": "chunk_received", "size": size})
	if err != nil {
		return nil, err
	}
	return []protocol.Frame{ack}, nil
}

func (e *Engine) streamEnd(f protocol.Frame) ([]protocol.Frame, error) {
	env := f.Envelope
	data, err := e.store.EndStream(env.SessionID, env.ThreadID)
	if err != nil {
		return nil, err
	}
	ack, err := e.reply(env, protocol.TypeAck, map[string]any{"stream": "ended"})
	if err != nil {
		return nil, err
	}
	summary, err := e.reply(env, protocol.TypeMessage, map[string]any{
		"text": fmt.Sprintf("stream completed (%d chars)", utf8.RuneCountInString(data)),
	})
	if err != nil {
		return nil, err
	}
	return []protocol.Frame{ack, summary}, nil
}

func (e *Engine) control(f protocol.Frame, view session.View) ([]protocol.Frame, error) {
	env := f.Envelope
	var p protocol.ControlPayload
	if err := f.ParsePayload(&p); err != nil {
		p = protocol.ControlPayload{Command: payloadString(f.Payload, "command")}
	}

	var payload map[string]any
	switch p.Command {
	case protocol.CommandCloseSession:
		if _, err := e.store.Transition(env.SessionID, session.StateClosed); err != nil {
			return nil, err
		}
		e.Unbind(env.SessionID)
		e.logger.Info("session closed", "session", env.SessionID)
		payload = map[string]any{"closed": true}

	case protocol.CommandSuspendSession:
		if _, err := e.store.Transition(env.SessionID, session.StateSuspended); err != nil {
			return nil, err
		}
		e.logger.Info("session suspended", "session", env.SessionID)
		payload = map[string]any{"suspended": true}

	case protocol.CommandResumeSession:
		if _, err := e.store.Transition(env.SessionID, session.StateActive); err != nil {
			return nil, err
		}
		e.logger.Info("session resumed", "session", env.SessionID)
		payload = map[string]any{"suspended": false}

	case protocol.CommandResumeAction:
		if view.State.Terminal() {
			return nil, errorf(CodeSessionNotFound, "session %s is %s", env.SessionID, view.State)
		}
		return e.resumeAction(env, p)

	default:
		return nil, errorf(CodeUnsupportedType, "Unknown control command=%s", p.Command)
	}

	ack, err := e.reply(env, protocol.TypeAck, payload)
	if err != nil {
		return nil, err
	}
	return []protocol.Frame{ack}, nil
}

func (e *Engine) resumeAction(env protocol.Envelope, p protocol.ControlPayload) ([]protocol.Frame, error) {
	decision := orDefault(p.Decision, protocol.DecisionApprove)
	action, err := e.store.ResolveAction(env.SessionID, p.ActionID, decision)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrActionNotFound):
		return nil, errorf(CodeActionNotFound, "Unknown actionId=%s", p.ActionID)
	case errors.Is(err, session.ErrActionResolved):
		return nil, errorf(CodeActionResolved, "actionId=%s already resolved", p.ActionID)
	default:
		return nil, err
	}
	e.logger.Info("action resolved", "session", env.SessionID, "action", action.ID, "decision", decision)

	ack, err := e.reply(env, protocol.TypeAck, map[string]any{
		"resumed":  true,
		"actionId": action.ID,
		"decision": decision,
	})
	if err != nil {
		return nil, err
	}
	resumed, err := e.reply(env, protocol.TypeMessage, map[string]any{
		"text": fmt.Sprintf("action %s %s. task resumed.", action.ID, decision),
	})
	if err != nil {
		return nil, err
	}
	return []protocol.Frame{ack, resumed}, nil
}

// payloadString reads a top-level payload field as text. Missing, null, false
// and empty values read as ""; other scalars use their JSON spelling.
func payloadString(payload json.RawMessage, key string) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ""
	}
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		if !x {
			return ""
		}
		return "true"
	case float64:
		if x == 0 {
			return ""
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return string(raw)
}
