package session

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/ehrlich-b/a2alive/internal/protocol"
)

// ErrReleased is returned by Claim.Wait when the claim was dropped without a
// response. The waiter should claim the message id again.
var ErrReleased = errors.New("claim released without a response")

// Claim is the cache entry for one seen message id. It is installed, unfilled,
// at the moment the id is first seen and filled exactly once with the frames
// emitted for it. Later arrivals of the same id wait on it and replay them.
// A claim can instead be released, which forgets the id.
type Claim struct {
	once     sync.Once
	done     chan struct{}
	released bool
	frames   []protocol.Frame
}

func newClaim() *Claim {
	return &Claim{done: make(chan struct{})}
}

// Fill records the response frames. Only the first Fill or release has an
// effect, so a cached response never changes once set.
func (c *Claim) Fill(frames []protocol.Frame) {
	c.once.Do(func() {
		c.frames = slices.Clone(frames)
		close(c.done)
	})
}

func (c *Claim) release() {
	c.once.Do(func() {
		c.released = true
		close(c.done)
	})
}

// Filled reports whether the response is available.
func (c *Claim) Filled() bool {
	select {
	case <-c.done:
		return !c.released
	default:
		return false
	}
}

// Frames returns a copy of the cached response, or false if not filled yet.
func (c *Claim) Frames() ([]protocol.Frame, bool) {
	if !c.Filled() {
		return nil, false
	}
	return slices.Clone(c.frames), true
}

// Wait blocks until the claim is filled or released, or ctx is done.
func (c *Claim) Wait(ctx context.Context) ([]protocol.Frame, error) {
	select {
	case <-c.done:
		if c.released {
			return nil, ErrReleased
		}
		return slices.Clone(c.frames), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
