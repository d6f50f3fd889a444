// Package ratelimit gates outbound REST calls behind named route buckets and
// a single process-wide throttle, tracking quota from response headers.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pulsecord/pulse"
)

var errShutdown = pulse.ErrShuttingDown

// Config defines the process-wide throttle that sits above all buckets.
type Config struct {
	// RequestsPerSecond defines the steady-state global call budget
	RequestsPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if the global throttle is active
	Enabled bool
}

// DefaultConfig returns the platform's published global budget:
// 50 requests per second.
func DefaultConfig() *Config {
	return &Config{
		RequestsPerSecond: 50,
		Burst:             50,
		Enabled:           true,
	}
}

// NoGlobalThrottle returns a configuration with the global throttle disabled.
// Per-bucket limits still apply.
func NoGlobalThrottle() *Config {
	return &Config{
		Enabled: false,
	}
}

// RateLimiter owns every bucket and the global throttle. It is the only
// component that mutates them.
type RateLimiter struct {
	clk    clock.Clock
	log    *zap.Logger
	global *rate.Limiter // nil when disabled

	mu          sync.Mutex
	buckets     map[string]*bucket
	aliases     map[string]string // route key -> server bucket hash
	globalReset time.Time
	globalCh    chan struct{} // closed and replaced when globalReset advances
	closed      bool
	done        chan struct{}
}

// New creates a rate limiter. If cfg is nil, DefaultConfig() is used.
func New(cfg *Config, clk clock.Clock, log *zap.Logger) *RateLimiter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}

	var global *rate.Limiter
	if cfg.Enabled {
		global = rate.NewLimiter(cfg.RequestsPerSecond, cfg.Burst)
	}

	return &RateLimiter{
		clk:      clk,
		log:      log,
		global:   global,
		buckets:  make(map[string]*bucket),
		aliases:  make(map[string]string),
		globalCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Acquire blocks until one call under the given bucket key is permitted,
// then reserves one unit of the bucket's remaining quota. Acquisition for
// different keys proceeds in parallel; acquisition for the same key is
// FIFO. The global throttle is checked before any bucket state.
func (r *RateLimiter) Acquire(ctx context.Context, key string) error {
	if err := r.waitGlobal(ctx); err != nil {
		return err
	}

	b := r.bucketFor(key)
	if err := r.lock(ctx, b); err != nil {
		return err
	}
	defer r.unlock(b)

	for {
		r.mu.Lock()
		now := r.clk.Now()
		if b.remaining == 0 && !now.Before(b.resetAt) {
			// window elapsed: replenish to last-known capacity
			b.remaining = b.limit
			if b.window > 0 {
				b.resetAt = now.Add(b.window)
			}
		}
		if b.remaining > 0 {
			b.remaining--
			r.mu.Unlock()
			return nil
		}
		wait := b.resetAt.Sub(now)
		updated := b.updated
		r.mu.Unlock()

		r.log.Debug("bucket exhausted, waiting",
			zap.String("bucket", b.key),
			zap.Duration("wait", wait))

		t := r.clk.Timer(wait)
		select {
		case <-t.C:
		case <-updated:
			t.Stop()
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-r.done:
			t.Stop()
			return errShutdown
		}

		// a global rejection may have landed while we slept
		if err := r.waitGlobal(ctx); err != nil {
			return err
		}
	}
}

// Release updates the bucket from the response's rate-limit headers. A 429
// status forces the bucket (or, when the global flag is set, the global
// throttle) to zero until the server-given retry delay elapses. Every call
// through the executor, success or failure, pairs with exactly one Release.
func (r *RateLimiter) Release(key string, h http.Header, status int) {
	b := r.bucketFor(key)

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clk.Now()

	if hash := h.Get(pulse.HeaderBucket); hash != "" && hash != b.key {
		// the server groups this route under a shared bucket: re-point the
		// alias so future acquires on this route land on the same bucket
		r.aliases[key] = hash
		if _, ok := r.buckets[hash]; !ok {
			r.buckets[hash] = b
		}
	}

	if status == http.StatusTooManyRequests {
		retry := retryAfter(h)
		if isGlobal(h) {
			r.advanceGlobalResetLocked(now.Add(retry))
			r.log.Warn("global rate limit hit", zap.Duration("retry_after", retry))
		} else {
			b.remaining = 0
			b.resetAt = now.Add(retry)
			b.signalUpdate()
			r.log.Warn("bucket rate limit hit",
				zap.String("bucket", b.key),
				zap.Duration("retry_after", retry))
		}
		return
	}

	if v := h.Get(pulse.HeaderLimit); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			b.limit = n
		}
	}
	if v := h.Get(pulse.HeaderRemaining); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			b.remaining = n
		}
	}
	if v := h.Get(pulse.HeaderResetAfter); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
			b.window = time.Duration(secs * float64(time.Second))
			b.resetAt = now.Add(b.window)
		}
	}
	b.signalUpdate()
}

// Close wakes every waiter with a shutdown error. The limiter must not be
// used afterwards.
func (r *RateLimiter) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	close(r.done)
}

// bucketFor returns the bucket for a route key, following the server-bucket
// alias when one is known, creating the bucket lazily.
func (r *RateLimiter) bucketFor(key string) *bucket {
	r.mu.Lock()
	defer r.mu.Unlock()

	lookup := key
	if hash, ok := r.aliases[key]; ok {
		lookup = hash
	}
	if b, ok := r.buckets[lookup]; ok {
		return b
	}
	b := newBucket(lookup)
	r.buckets[lookup] = b
	return b
}

// waitGlobal suspends while the global quota is exhausted, then spends one
// token of the steady-state budget.
func (r *RateLimiter) waitGlobal(ctx context.Context) error {
	for {
		r.mu.Lock()
		reset := r.globalReset
		ch := r.globalCh
		r.mu.Unlock()

		now := r.clk.Now()
		if !now.Before(reset) {
			break
		}

		t := r.clk.Timer(reset.Sub(now))
		select {
		case <-t.C:
		case <-ch:
			t.Stop()
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-r.done:
			t.Stop()
			return errShutdown
		}
	}

	if r.global != nil {
		if err := r.global.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// advanceGlobalResetLocked moves the global reset time forward. The reset
// time never moves backwards. Caller must hold r.mu.
func (r *RateLimiter) advanceGlobalResetLocked(at time.Time) {
	if at.After(r.globalReset) {
		r.globalReset = at
		close(r.globalCh)
		r.globalCh = make(chan struct{})
	}
}

// retryAfter extracts the server's retry delay from a 429 response.
func retryAfter(h http.Header) time.Duration {
	if v := h.Get(pulse.HeaderResetAfter); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	if v := h.Get(pulse.HeaderRetryAfter); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return time.Second
}

func isGlobal(h http.Header) bool {
	return h.Get(pulse.HeaderGlobal) == "true"
}
