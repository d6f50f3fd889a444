package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/pulsecord/pulse"
)

func newTestLimiter(clk clock.Clock) *RateLimiter {
	return New(NoGlobalThrottle(), clk, nil)
}

func headers(limit, remaining int, resetAfter string) http.Header {
	h := http.Header{}
	h.Set(pulse.HeaderLimit, fmt.Sprint(limit))
	h.Set(pulse.HeaderRemaining, fmt.Sprint(remaining))
	h.Set(pulse.HeaderResetAfter, resetAfter)
	return h
}

// TestFirstAcquireNeverBlocks tests the optimistic capacity of unseen buckets
func TestFirstAcquireNeverBlocks(t *testing.T) {
	t.Parallel()

	r := newTestLimiter(clock.NewMock())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := r.Acquire(ctx, "GET:/channels/1"); err != nil {
		t.Fatalf("Acquire() on fresh bucket error = %v", err)
	}
}

// TestRemainingNeverNegative tests that acquisition can never overdraw a bucket
func TestRemainingNeverNegative(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	r := newTestLimiter(clk)
	key := "GET:/channels/1"

	// establish real capacity: 3 per 60s window, all available
	require.NoError(t, r.Acquire(context.Background(), key))
	r.Release(key, headers(3, 3, "60"), http.StatusOK)

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		require.NoError(t, r.Acquire(ctx, key), "acquire %d within capacity", i)
		cancel()
	}

	b := r.bucketFor(key)
	r.mu.Lock()
	remaining := b.remaining
	r.mu.Unlock()
	require.Equal(t, 0, remaining)

	// fourth acquire must suspend, not overdraw
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := r.Acquire(ctx, key)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	r.mu.Lock()
	require.GreaterOrEqual(t, b.remaining, 0, "remaining went negative")
	r.mu.Unlock()
}

// TestWaitersReleasedFIFOAtReset tests that all waiters held on an exhausted
// bucket are admitted in submission order once the reset time elapses
func TestWaitersReleasedFIFOAtReset(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	r := newTestLimiter(clk)
	key := "POST:/channels/9"

	// exhaust the bucket: capacity 3, none remaining, reset in 2s
	require.NoError(t, r.Acquire(context.Background(), key))
	r.Release(key, headers(3, 0, "2"), http.StatusOK)

	b := r.bucketFor(key)
	order := make(chan int, 3)

	// enqueue three waiters one at a time so their FIFO positions are known
	for i := 0; i < 3; i++ {
		i := i
		go func() {
			if err := r.Acquire(context.Background(), key); err == nil {
				order <- i
			}
		}()
		waitFor(t, func() bool {
			r.mu.Lock()
			defer r.mu.Unlock()
			if i == 0 {
				return b.locked
			}
			return len(b.queue) == i
		})
	}

	// nobody admitted before the reset time
	select {
	case i := <-order:
		t.Fatalf("waiter %d admitted before reset", i)
	case <-time.After(50 * time.Millisecond):
	}

	clk.Add(2100 * time.Millisecond)

	for want := 0; want < 3; want++ {
		select {
		case got := <-order:
			require.Equal(t, want, got, "admission order")
		case <-time.After(time.Second):
			t.Fatalf("waiter %d not admitted after reset", want)
		}
	}
}

// TestExplicitRejectionForcesBucketToZero tests 429 handling
func TestExplicitRejectionForcesBucketToZero(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	r := newTestLimiter(clk)
	key := "PATCH:/guilds/5"

	require.NoError(t, r.Acquire(context.Background(), key))

	h := http.Header{}
	h.Set(pulse.HeaderRetryAfter, "3")
	r.Release(key, h, http.StatusTooManyRequests)

	b := r.bucketFor(key)
	r.mu.Lock()
	require.Equal(t, 0, b.remaining)
	require.Equal(t, clk.Now().Add(3*time.Second), b.resetAt)
	r.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- r.Acquire(context.Background(), key) }()

	select {
	case <-done:
		t.Fatal("acquire completed while retry delay pending")
	case <-time.After(50 * time.Millisecond):
	}

	clk.Add(3100 * time.Millisecond)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("acquire not released after retry delay")
	}
}

// TestGlobalRejectionGatesAllBuckets tests that a global 429 suspends
// acquisition on every bucket regardless of per-bucket state
func TestGlobalRejectionGatesAllBuckets(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	r := newTestLimiter(clk)

	require.NoError(t, r.Acquire(context.Background(), "GET:/a"))

	h := http.Header{}
	h.Set(pulse.HeaderRetryAfter, "2")
	h.Set(pulse.HeaderGlobal, "true")
	r.Release("GET:/a", h, http.StatusTooManyRequests)

	// a different, completely fresh bucket must also be gated
	done := make(chan error, 1)
	go func() { done <- r.Acquire(context.Background(), "GET:/b") }()

	select {
	case <-done:
		t.Fatal("acquire on unrelated bucket ignored global throttle")
	case <-time.After(50 * time.Millisecond):
	}

	clk.Add(2100 * time.Millisecond)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("acquire not released after global reset")
	}
}

// TestGlobalResetOnlyAdvances tests the global reset monotonicity invariant
func TestGlobalResetOnlyAdvances(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	r := newTestLimiter(clk)

	r.mu.Lock()
	r.advanceGlobalResetLocked(clk.Now().Add(5 * time.Second))
	first := r.globalReset
	r.advanceGlobalResetLocked(clk.Now().Add(1 * time.Second))
	second := r.globalReset
	r.mu.Unlock()

	require.Equal(t, first, second, "global reset moved backwards")
}

// TestServerBucketAlias tests that routes sharing a server bucket hash share
// one local bucket
func TestServerBucketAlias(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	r := newTestLimiter(clk)

	require.NoError(t, r.Acquire(context.Background(), "GET:/channels/1"))
	h := headers(5, 4, "10")
	h.Set(pulse.HeaderBucket, "abcd1234")
	r.Release("GET:/channels/1", h, http.StatusOK)

	b1 := r.bucketFor("GET:/channels/1")
	b2 := r.bucketFor("GET:/channels/1")
	require.Same(t, b1, b2)
	require.Equal(t, "abcd1234", func() string {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.aliases["GET:/channels/1"]
	}())
}

// TestCloseWakesWaiters tests that shutdown is observable at the acquire
// suspension point
func TestCloseWakesWaiters(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	r := newTestLimiter(clk)
	key := "GET:/c"

	require.NoError(t, r.Acquire(context.Background(), key))
	r.Release(key, headers(1, 0, "60"), http.StatusOK)

	done := make(chan error, 1)
	go func() { done <- r.Acquire(context.Background(), key) }()

	waitFor(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.bucketFor2(key).locked
	})

	r.Close()

	select {
	case err := <-done:
		require.ErrorIs(t, err, pulse.ErrShuttingDown)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by Close")
	}
}

// bucketFor2 is bucketFor without locking, for assertions that already hold r.mu.
func (r *RateLimiter) bucketFor2(key string) *bucket {
	lookup := key
	if hash, ok := r.aliases[key]; ok {
		lookup = hash
	}
	return r.buckets[lookup]
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
