package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Fields are the caller-supplied parts of a frame to build.
type Fields struct {
	SessionID string
	ThreadID  string
	Type      string
	From      string
	To        string
	ReplyTo   string
	TTL       int64 // 0 means DefaultTTL
	Payload   any   // nil means {}
}

// Codec builds and verifies frames with an optional shared secret. An empty
// secret turns signing off.
type Codec struct {
	secret []byte

	Now   func() time.Time
	NewID func() string
}

// NewCodec creates a Codec. Pass "" to disable signing.
func NewCodec(secret string) *Codec {
	c := &Codec{Now: time.Now, NewID: NewMessageID}
	if secret != "" {
		c.secret = []byte(secret)
	}
	return c
}

// Signing reports whether a shared secret is configured.
func (c *Codec) Signing() bool {
	return len(c.secret) > 0
}

// Build assigns a fresh id and timestamp, marshals the payload and signs the
// envelope when a secret is configured.
func (c *Codec) Build(f Fields) (Frame, error) {
	payload, err := marshalPayload(f.Payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", f.Type, err)
	}
	ttl := f.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	env := Envelope{
		ID:        c.NewID(),
		SessionID: f.SessionID,
		ThreadID:  f.ThreadID,
		Type:      f.Type,
		From:      f.From,
		To:        f.To,
		Timestamp: Timestamp(c.Now()),
		ReplyTo:   f.ReplyTo,
		TTL:       ttl,
	}
	return Frame{
		Envelope:  env,
		Payload:   payload,
		Signature: c.Sign(env),
	}, nil
}

// Sign returns the signature for env, or "" when signing is off.
func (c *Codec) Sign(env Envelope) string {
	return Sign(env, c.secret)
}

// Verify checks sig against env using the codec's secret.
func (c *Codec) Verify(env Envelope, sig string) bool {
	return Verify(env, sig, c.secret)
}

// Sign computes base64(HMAC-SHA256(secret, canonical envelope)). It returns ""
// for an empty secret.
func Sign(env Envelope, secret []byte) string {
	if len(secret) == 0 {
		return ""
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(env.Canonical())
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is the signature of env under secret. With no
// secret every envelope verifies. The comparison is constant-time.
func Verify(env Envelope, sig string, secret []byte) bool {
	if len(secret) == 0 {
		return true
	}
	if sig == "" {
		return false
	}
	expected := Sign(env, secret)
	return hmac.Equal([]byte(expected), []byte(sig))
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("{}"), nil
		}
		return p, nil
	}
	return json.Marshal(v)
}
