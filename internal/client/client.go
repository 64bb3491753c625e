// Package client is the initiator side of an a2a-live session: it dials a
// responder, negotiates a session and exchanges signed frames with it.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/a2alive/internal/protocol"
	"github.com/ehrlich-b/a2alive/internal/session"
)

var (
	// ErrAuthRejected is returned when the responder rejects the handshake with 401.
	ErrAuthRejected = errors.New("responder rejected authentication (401)")
	// ErrBadSignature is returned by Recv for a frame that fails verification.
	ErrBadSignature = errors.New("frame signature does not verify")
	// ErrNotNegotiated is returned when a session operation runs before Negotiate.
	ErrNotNegotiated = errors.New("no session negotiated")
)

const (
	writeTimeout     = 10 * time.Second
	readLimit        = 512 * 1024
	maxDialDelay     = 10 * time.Second
	defaultDialTries = 1
)

// RemoteError is an error frame received from the responder.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string { return e.Code + ": " + e.Message }

// Options configures Dial.
type Options struct {
	From      string // our agent URI
	To        string // responder agent URI
	Secret    string // HMAC shared secret, "" for unsigned
	Token     string // bearer token for the upgrade, optional
	DialTries int    // attempts before giving up, with exponential backoff
	Logger    *slog.Logger
}

// Client is one initiator connection. Send and Recv may be used from
// different goroutines; a single reader is assumed.
type Client struct {
	from   string
	to     string
	codec  *protocol.Codec
	logger *slog.Logger

	conn *websocket.Conn
	mu   sync.Mutex // serializes writes

	sessionID string
}

// Dial connects to a responder WebSocket endpoint.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	tries := opts.DialTries
	if tries <= 0 {
		tries = defaultDialTries
	}
	dialOpts := &websocket.DialOptions{HTTPHeader: make(http.Header)}
	if opts.Token != "" {
		dialOpts.HTTPHeader.Set("Authorization", "Bearer "+opts.Token)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	backoff := NewBackoff(250*time.Millisecond, maxDialDelay)
	backoff.Jitter = 0.2
	var lastErr error
	for attempt := 0; attempt < tries; attempt++ {
		if attempt > 0 {
			delay := backoff.Next()
			logger.Info("dial failed, retrying", "url", url, "err", lastErr, "in", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		conn, resp, err := websocket.Dial(ctx, url, dialOpts)
		if err == nil {
			conn.SetReadLimit(readLimit)
			return &Client{
				from:   opts.From,
				to:     opts.To,
				codec:  protocol.NewCodec(opts.Secret),
				logger: logger,
				conn:   conn,
			}, nil
		}
		if (resp != nil && resp.StatusCode == http.StatusUnauthorized) || isAuthError(err) {
			return nil, ErrAuthRejected
		}
		lastErr = err
	}
	return nil, fmt.Errorf("dial %s: %w", url, lastErr)
}

// isAuthError returns true if the error indicates a 401 handshake rejection.
func isAuthError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "401")
}

// SessionID returns the negotiated session id, or "" before Negotiate.
func (c *Client) SessionID() string { return c.sessionID }

// Codec returns the codec used to sign outbound frames.
func (c *Client) Codec() *protocol.Codec { return c.codec }

// Build creates a signed frame for the current session.
func (c *Client) Build(typ, threadID string, payload any) (protocol.Frame, error) {
	sessionID := c.sessionID
	if sessionID == "" {
		sessionID = protocol.NewSessionID()
	}
	return c.codec.Build(protocol.Fields{
		SessionID: sessionID,
		ThreadID:  threadID,
		Type:      typ,
		From:      c.from,
		To:        c.to,
		Payload:   payload,
	})
}

// Send writes one frame.
func (c *Client) Send(ctx context.Context, f protocol.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return c.SendRaw(ctx, data)
}

// SendRaw writes bytes as-is, for replaying a previously encoded frame.
func (c *Client) SendRaw(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Recv reads and validates the next frame.
func (c *Client) Recv(ctx context.Context) (protocol.Frame, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return protocol.Frame{}, fmt.Errorf("read frame: %w", err)
	}
	f, err := protocol.Decode(data)
	if err != nil {
		return protocol.Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if !c.codec.Verify(f.Envelope, f.Signature) {
		return f, ErrBadSignature
	}
	return f, nil
}

// Exchange sends f and collects the frames answering it until one that is not
// an ack arrives, or a lone ack when want is 1. Error frames become a
// *RemoteError.
func (c *Client) Exchange(ctx context.Context, f protocol.Frame, want int) ([]protocol.Frame, error) {
	if err := c.Send(ctx, f); err != nil {
		return nil, err
	}
	return c.Collect(ctx, f.Envelope.ID, want)
}

// Collect reads until want frames replying to id have arrived. Unrelated
// frames are logged and skipped.
func (c *Client) Collect(ctx context.Context, id string, want int) ([]protocol.Frame, error) {
	var out []protocol.Frame
	for len(out) < want {
		r, err := c.Recv(ctx)
		if err != nil {
			return out, err
		}
		if r.Envelope.ReplyTo != id {
			c.logger.Debug("skipping unrelated frame", "type", r.Envelope.Type, "replyTo", r.Envelope.ReplyTo)
			continue
		}
		out = append(out, r)
		if r.Envelope.Type == protocol.TypeError {
			var p protocol.ErrorPayload
			r.ParsePayload(&p)
			return out, &RemoteError{Code: p.Code, Message: p.Message}
		}
	}
	return out, nil
}

type negotiateResponse struct {
	Accepted bool         `json:"accepted"`
	Reason   string       `json:"reason"`
	Session  session.View `json:"session"`
}

// Negotiate opens a session with the given capability overrides.
func (c *Client) Negotiate(ctx context.Context, caps session.CapabilityOverrides) (session.View, error) {
	f, err := c.Build(protocol.TypeNegotiate, "thr_0", map[string]any{"capabilities": caps})
	if err != nil {
		return session.View{}, err
	}
	frames, err := c.Exchange(ctx, f, 1)
	if err != nil {
		return session.View{}, err
	}
	var resp negotiateResponse
	if err := frames[0].ParsePayload(&resp); err != nil {
		return session.View{}, fmt.Errorf("parse negotiate_response: %w", err)
	}
	if !resp.Accepted {
		return resp.Session, fmt.Errorf("session rejected: %s", resp.Reason)
	}
	c.sessionID = resp.Session.SessionID
	return resp.Session, nil
}

// Reply is the outcome of one message: the generated text, or the approval
// the responder is waiting on.
type Reply struct {
	Text       string
	NeedsInput []protocol.Action
	Frames     []protocol.Frame
}

// Say sends a text message on threadID and waits for the ack and the answer.
func (c *Client) Say(ctx context.Context, threadID, text string) (Reply, error) {
	if c.sessionID == "" {
		return Reply{}, ErrNotNegotiated
	}
	f, err := c.Build(protocol.TypeMessage, threadID, map[string]string{"text": text})
	if err != nil {
		return Reply{}, err
	}
	frames, err := c.Exchange(ctx, f, 2)
	if err != nil {
		return Reply{Frames: frames}, err
	}
	return parseReply(frames[1], frames)
}

// Resume answers a needs_input action.
func (c *Client) Resume(ctx context.Context, threadID, actionID, decision string) (Reply, error) {
	if c.sessionID == "" {
		return Reply{}, ErrNotNegotiated
	}
	f, err := c.Build(protocol.TypeControl, threadID, protocol.ControlPayload{
		Command:  protocol.CommandResumeAction,
		ActionID: actionID,
		Decision: decision,
	})
	if err != nil {
		return Reply{}, err
	}
	frames, err := c.Exchange(ctx, f, 2)
	if err != nil {
		return Reply{Frames: frames}, err
	}
	return parseReply(frames[1], frames)
}

// Stream sends chunks as one stream on threadID and returns the responder's
// summary text.
func (c *Client) Stream(ctx context.Context, threadID string, chunks []string) (string, error) {
	if c.sessionID == "" {
		return "", ErrNotNegotiated
	}
	start, err := c.Build(protocol.TypeStreamStart, threadID, nil)
	if err != nil {
		return "", err
	}
	if _, err := c.Exchange(ctx, start, 1); err != nil {
		return "", err
	}
	for _, chunk := range chunks {
		f, err := c.Build(protocol.TypeStreamChunk, threadID, map[string]string{"chunk": chunk})
		if err != nil {
			return "", err
		}
		if _, err := c.Exchange(ctx, f, 1); err != nil {
			return "", err
		}
	}
	end, err := c.Build(protocol.TypeStreamEnd, threadID, nil)
	if err != nil {
		return "", err
	}
	frames, err := c.Exchange(ctx, end, 2)
	if err != nil {
		return "", err
	}
	reply, err := parseReply(frames[1], frames)
	return reply.Text, err
}

// CloseSession closes the negotiated session.
func (c *Client) CloseSession(ctx context.Context) error {
	if c.sessionID == "" {
		return ErrNotNegotiated
	}
	f, err := c.Build(protocol.TypeControl, "", protocol.ControlPayload{Command: protocol.CommandCloseSession})
	if err != nil {
		return err
	}
	if _, err := c.Exchange(ctx, f, 1); err != nil {
		return err
	}
	c.sessionID = ""
	return nil
}

// Close closes the WebSocket.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}

func parseReply(f protocol.Frame, frames []protocol.Frame) (Reply, error) {
	r := Reply{Frames: frames}
	switch f.Envelope.Type {
	case protocol.TypeMessage:
		var p struct {
			Text string `json:"text"`
		}
		if err := f.ParsePayload(&p); err != nil {
			return r, fmt.Errorf("parse message: %w", err)
		}
		r.Text = p.Text
	case protocol.TypeControl:
		var p protocol.NeedsInputPayload
		if err := f.ParsePayload(&p); err != nil {
			return r, fmt.Errorf("parse control: %w", err)
		}
		r.NeedsInput = p.Actions
	default:
		return r, fmt.Errorf("unexpected %s frame", f.Envelope.Type)
	}
	return r, nil
}
