package ratelimit

import (
	"context"
	"time"
)

// bucket is one rate-limit scope. Created lazily on first use of a route key
// and kept for the life of the process. Counters are refreshed from response
// headers; unseen buckets start with an optimistic capacity of one so the
// first call on a new route is never blocked.
type bucket struct {
	key string

	// admission lock. Acquisition under one bucket is strictly serialized in
	// FIFO order: the holder flag plus an ordered waiter queue, not a
	// sync.Mutex, because mutex wakeup order is unspecified.
	locked bool
	queue  []chan struct{}

	remaining int
	limit     int
	resetAt   time.Time
	window    time.Duration
	updated   chan struct{} // closed and replaced on every counter update
}

func newBucket(key string) *bucket {
	return &bucket{
		key:       key,
		remaining: 1,
		limit:     1,
		updated:   make(chan struct{}),
	}
}

// lock acquires the bucket's admission lock, queueing FIFO behind earlier
// callers. The caller must hold no other lock. r.mu guards the queue fields.
func (r *RateLimiter) lock(ctx context.Context, b *bucket) error {
	r.mu.Lock()
	if !b.locked {
		b.locked = true
		r.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	b.queue = append(b.queue, ch)
	r.mu.Unlock()

	var cause error
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		cause = ctx.Err()
	case <-r.done:
		cause = errShutdown
	}

	// Withdraw from the queue. If the unlock signal raced with the
	// cancellation we now own the lock and must pass it on.
	r.mu.Lock()
	owned := false
	select {
	case <-ch:
		owned = true
	default:
		for i, w := range b.queue {
			if w == ch {
				b.queue = append(b.queue[:i], b.queue[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()
	if owned {
		r.unlock(b)
	}
	return cause
}

// unlock releases the admission lock, waking the oldest waiter if any.
func (r *RateLimiter) unlock(b *bucket) {
	r.mu.Lock()
	if len(b.queue) > 0 {
		ch := b.queue[0]
		b.queue = b.queue[1:]
		close(ch) // ownership transfers to the waiter
	} else {
		b.locked = false
	}
	r.mu.Unlock()
}

// signalUpdate wakes waiters re-evaluating the bucket's counters.
// Caller must hold r.mu.
func (b *bucket) signalUpdate() {
	close(b.updated)
	b.updated = make(chan struct{})
}
