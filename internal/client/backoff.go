package client

import (
	"math/rand/v2"
	"time"
)

// Backoff yields exponentially growing delays capped at Max. A non-zero Jitter
// (0..1) shortens each delay by a random share of up to that fraction.
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	Jitter  float64
	attempt int
}

func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max}
}

func (b *Backoff) Next() time.Duration {
	d := b.Base << b.attempt
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	b.attempt++
	if b.Jitter > 0 {
		d -= time.Duration(rand.Float64() * min(b.Jitter, 1) * float64(d))
	}
	return d
}

func (b *Backoff) Reset() {
	b.attempt = 0
}
