// Package protocol defines the a2a-live wire format: frame types, the signed
// envelope, structural validation and HMAC signing.
package protocol

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Frame types carried in Envelope.Type.
const (
	// Session setup
	TypeNegotiate         = "negotiate"          // initiator → responder
	TypeNegotiateResponse = "negotiate_response" // responder → initiator

	// Turn-based exchange
	TypeMessage = "message"

	// Incremental output, scoped to one thread
	TypeStreamStart = "stream_start"
	TypeStreamChunk = "stream_chunk"
	TypeStreamEnd   = "stream_end"

	TypeAck     = "ack"
	TypeError   = "error"
	TypeControl = "control" // close_session, resume_action, needs_input, ...
)

var knownTypes = map[string]bool{
	TypeNegotiate:         true,
	TypeNegotiateResponse: true,
	TypeMessage:           true,
	TypeStreamStart:       true,
	TypeStreamChunk:       true,
	TypeStreamEnd:         true,
	TypeAck:               true,
	TypeError:             true,
	TypeControl:           true,
}

// KnownType reports whether t is one of the nine frame types.
func KnownType(t string) bool {
	return knownTypes[t]
}

// DefaultTTL is the advisory expiry, in milliseconds, stamped on built frames.
const DefaultTTL int64 = 30000

// TimeFormat is the envelope timestamp layout (UTC, millisecond precision).
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Envelope is the identity part of a frame. It is immutable once signed.
type Envelope struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	ThreadID  string `json:"threadId,omitempty"`
	Type      string `json:"type"`
	From      string `json:"from"`
	To        string `json:"to"`
	Timestamp string `json:"timestamp"`
	ReplyTo   string `json:"replyTo"`
	TTL       int64  `json:"ttl"`

	// emptyThread holds the literal ("" or null) of a threadId key that
	// arrived without a value, so it is signed the way the sender wrote it.
	emptyThread string
}

// canonicalEnvelope fixes the key order used for signing. An empty replyTo
// serializes as null. An empty threadId is left out unless the decoded
// frame carried the key.
type canonicalEnvelope struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	ThreadID  json.RawMessage `json:"threadId,omitempty"`
	Type      string          `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Timestamp string          `json:"timestamp"`
	ReplyTo   *string         `json:"replyTo"`
	TTL       int64           `json:"ttl"`
}

// Canonical returns the bytes the signature is computed over.
func (e Envelope) Canonical() []byte {
	c := canonicalEnvelope{
		ID:        e.ID,
		SessionID: e.SessionID,
		Type:      e.Type,
		From:      e.From,
		To:        e.To,
		Timestamp: e.Timestamp,
		TTL:       e.TTL,
	}
	switch {
	case e.ThreadID != "":
		c.ThreadID = encodeJSON(e.ThreadID)
	case e.emptyThread != "":
		c.ThreadID = json.RawMessage(e.emptyThread)
	}
	if e.ReplyTo != "" {
		r := e.ReplyTo
		c.ReplyTo = &r
	}
	return encodeJSON(c)
}

// encodeJSON marshals values that cannot fail to encode (strings, flat
// structs of strings and ints) without HTML escaping.
func encodeJSON(v any) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}

// MarshalJSON writes the envelope in canonical key order.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return e.Canonical(), nil
}

// Frame is the unit sent over the wire.
type Frame struct {
	Envelope  Envelope        `json:"envelope"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature,omitempty"`
}

// ParsePayload decodes the frame payload into v.
func (f Frame) ParsePayload(v any) error {
	return json.Unmarshal(f.Payload, v)
}

// Encode marshals the frame for the transport.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ControlPayload is the payload of a control frame sent by a peer.
type ControlPayload struct {
	Command  string `json:"command"`
	ActionID string `json:"actionId,omitempty"`
	Decision string `json:"decision,omitempty"`
}

// Action is one actionable item listed in a needs_input control frame.
type Action struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Label string `json:"label"`
}

// NeedsInputPayload is sent when a task halts for a human decision.
type NeedsInputPayload struct {
	Event   string   `json:"event"`
	Actions []Action `json:"actions"`
}

// Control commands and events.
const (
	CommandCloseSession   = "close_session"
	CommandResumeAction   = "resume_action"
	CommandSuspendSession = "suspend_session"
	CommandResumeSession  = "resume_session"

	EventNeedsInput = "needs_input"

	ActionApproval  = "approval"
	DecisionApprove = "approve"
)

// NewMessageID returns a fresh frame id.
func NewMessageID() string { return "msg_" + newUUID() }

// NewSessionID returns a fresh session id.
func NewSessionID() string { return "ses_" + newUUID() }

// NewActionID returns a fresh pending-action id.
func NewActionID() string { return "act_" + newUUID() }

func newUUID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Timestamp formats t as an envelope timestamp.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}
