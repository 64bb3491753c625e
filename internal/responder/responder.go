// Package responder produces reply text for inbound messages. The engine
// only sees the Generator interface; concrete generators echo, shell out to
// an agent CLI, or wrap another generator with a deadline and a canned reply.
package responder

import (
	"context"
	"fmt"
)

// Request identifies the message a reply is generated for.
type Request struct {
	SessionID string
	ThreadID  string
	Text      string
}

// Generator turns a request into reply text.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Func adapts a plain function to Generator.
type Func func(ctx context.Context, req Request) (string, error)

func (f Func) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Echo replies with the received text, attributed to the agent URI.
type Echo struct {
	AgentURI string
}

func (e Echo) Generate(_ context.Context, req Request) (string, error) {
	return fmt.Sprintf("Responder(%s) received: %s", e.AgentURI, req.Text), nil
}
