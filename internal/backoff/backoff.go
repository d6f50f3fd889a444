// Package backoff implements capped exponential backoff with jitter, shared
// by the gateway reconnect path and the REST retry path.
package backoff

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff produces successive delays. Each call to Next doubles the base
// delay up to Max and adds up to Jitter fraction of random spread. Reset
// returns to the initial delay after a period of stability.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	mu      sync.Mutex
	attempt int
}

// New returns a backoff starting at base and capped at max with 25% jitter.
func New(base, max time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max, Jitter: 0.25}
}

// Next returns the delay for the next attempt.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.Base << b.attempt
	if d > b.Max || d <= 0 {
		d = b.Max
	} else {
		b.attempt++
	}

	if b.Jitter > 0 {
		spread := float64(d) * b.Jitter
		d += time.Duration(rand.Float64() * spread)
		if d > b.Max {
			d = b.Max
		}
	}
	return d
}

// Attempt returns the number of completed doublings.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

// Reset returns the backoff to its base delay.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}
