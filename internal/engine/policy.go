package engine

import (
	"context"
	"encoding/json"

	"github.com/ehrlich-b/a2alive/internal/session"
)

// Negotiation is what a Policy sees when an initiator asks for a session.
type Negotiation struct {
	SessionID    string
	Initiator    string
	Responder    string
	Capabilities session.Capabilities
	Payload      json.RawMessage
}

// Decision is a Policy verdict. Reason is sent back on rejection.
type Decision struct {
	Accept bool
	Reason string
}

// Policy decides whether a negotiated session becomes active.
type Policy interface {
	Decide(ctx context.Context, n Negotiation) Decision
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, n Negotiation) Decision

func (f PolicyFunc) Decide(ctx context.Context, n Negotiation) Decision {
	return f(ctx, n)
}

// AutoAccept activates every session.
var AutoAccept Policy = PolicyFunc(func(context.Context, Negotiation) Decision {
	return Decision{Accept: true}
})

// AllowInitiators accepts only the listed initiator URIs. An empty list
// accepts everyone.
func AllowInitiators(uris ...string) Policy {
	allowed := make(map[string]bool, len(uris))
	for _, u := range uris {
		allowed[u] = true
	}
	return PolicyFunc(func(_ context.Context, n Negotiation) Decision {
		if len(allowed) == 0 || allowed[n.Initiator] {
			return Decision{Accept: true}
		}
		return Decision{Reason: "initiator not allowed: " + n.Initiator}
	})
}
