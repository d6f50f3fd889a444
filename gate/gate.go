// Package gate is the public entry point: it assembles the rate limiter,
// REST executor, and shard coordinator into one client.
package gate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pulsecord/pulse"
	"github.com/pulsecord/pulse/internal/ratelimit"
	"github.com/pulsecord/pulse/internal/rest"
	"github.com/pulsecord/pulse/internal/shard"
)

// Client connects to the platform: REST calls through the rate limiter and
// one gateway session per shard. Construct it with New, then Start.
type Client struct {
	log        *zap.Logger
	rl         *ratelimit.RateLimiter
	exec       *rest.Executor
	coord      *shard.Coordinator
	dispatcher *Dispatcher
}

var _ pulse.Coordinator = (*Client)(nil)

// New assembles a client for one credential.
func New(token string, opts ...Option) (*Client, error) {
	if token == "" {
		return nil, fmt.Errorf("gate: token is required")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.shardCount < 0 {
		return nil, fmt.Errorf("gate: shard count must not be negative, got %d", o.shardCount)
	}

	log := o.logger
	if log == nil {
		log = zap.NewNop()
	}

	rl := ratelimit.New(o.globalCfg, o.clk, log)

	ecfg := rest.DefaultConfig()
	ecfg.BaseURL = o.apiURL
	ecfg.Token = token
	ecfg.UserAgent = o.userAgent
	ecfg.RequestTimeout = o.requestTimeout
	exec := rest.New(ecfg, o.httpClient, rl, o.clk, log)

	dispatcher := NewDispatcher()
	bus := o.bus
	if bus == nil {
		bus = dispatcher
	}

	scfg := shard.DefaultConfig(token)
	scfg.ShardCount = o.shardCount
	scfg.MaxConcurrency = o.maxConcurrency
	scfg.GatewayURL = o.gatewayURL
	scfg.Intents = o.intents
	scfg.Policy = o.policy
	coord := shard.New(scfg, exec, bus, o.dialer, o.clk, log)

	return &Client{
		log:        log,
		rl:         rl,
		exec:       exec,
		coord:      coord,
		dispatcher: dispatcher,
	}, nil
}

// On registers a handler for one event name, e.g. "MESSAGE_CREATE".
// Registration is safe at any time, including while connected.
func (c *Client) On(event string, h Handler) {
	c.dispatcher.On(event, h)
}

// OnAny registers a handler invoked for every event.
func (c *Client) OnAny(h Handler) {
	c.dispatcher.OnAny(h)
}

// OnReset registers a handler invoked when a shard discards its session
// state and the consumer should drop caches derived from it.
func (c *Client) OnReset(h ResetHandler) {
	c.dispatcher.OnReset(h)
}

// Start resolves the shard topology and connects every shard in the
// background. Use AwaitReady to wait for the first full handshake.
func (c *Client) Start(ctx context.Context) error {
	return c.coord.Start(ctx)
}

// Stop closes every session and releases the rate limiter.
func (c *Client) Stop(ctx context.Context) error {
	err := c.coord.Stop(ctx)
	c.rl.Close()
	return err
}

// AwaitReady blocks until every shard completed its first handshake, a
// fatal error occurred, or ctx is cancelled.
func (c *Client) AwaitReady(ctx context.Context) error {
	return c.coord.AwaitReady(ctx)
}

// Do performs one REST call through the rate limiter, with automatic retry
// of transient failures and explicit rejections.
func (c *Client) Do(ctx context.Context, method, path string, body []byte) (*rest.Response, error) {
	return c.exec.Execute(ctx, &rest.Request{Method: method, Path: path, Body: body})
}

// Coordinator exposes the shard coordinator for state inspection.
func (c *Client) Coordinator() *shard.Coordinator {
	return c.coord
}
