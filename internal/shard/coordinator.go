// Package shard manages the set of gateway sessions: shard count resolution,
// the identify-concurrency budget, aggregate readiness, and fatal-error
// surfacing.
package shard

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/pulsecord/pulse"
	"github.com/pulsecord/pulse/internal/gateway"
	"github.com/pulsecord/pulse/internal/rest"
)

// Config defines the coordinator.
type Config struct {
	// ShardCount is the total number of shards; zero queries the platform's
	// recommendation
	ShardCount int
	// MaxConcurrency bounds simultaneous identifies; zero queries the
	// platform, falling back to one
	MaxConcurrency int
	// GatewayURL overrides the queried connection URL
	GatewayURL string

	Token      string
	Intents    int
	Properties gateway.Properties
	Policy     pulse.CloseCodePolicy
}

// DefaultConfig returns a single-shard configuration with everything else
// queried from the platform.
func DefaultConfig(token string) *Config {
	return &Config{
		Token:      token,
		Properties: gateway.Properties{OS: "linux", Browser: "pulse", Device: "pulse"},
		Policy:     pulse.DefaultCloseCodePolicy(),
	}
}

// gatewayInfo is the response of the connection-info route.
type gatewayInfo struct {
	URL               string `json:"url"`
	Shards            int    `json:"shards"`
	SessionStartLimit struct {
		Total          int `json:"total"`
		Remaining      int `json:"remaining"`
		MaxConcurrency int `json:"max_concurrency"`
	} `json:"session_start_limit"`
}

// ticketPool lends identify tickets off a weighted semaphore: FIFO-fair,
// context-aware, at most N outstanding.
type ticketPool struct {
	sem *semaphore.Weighted
}

func newTicketPool(n int) *ticketPool {
	return &ticketPool{sem: semaphore.NewWeighted(int64(n))}
}

// AcquireTicket implements gateway.Ticketer. The returned release function
// is idempotent.
func (p *ticketPool) AcquireTicket(ctx context.Context) (func(), error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { p.sem.Release(1) }) }, nil
}

// Coordinator owns every gateway session for one credential.
type Coordinator struct {
	cfg    Config
	exec   *rest.Executor
	bus    pulse.EventBus
	dialer gateway.Dialer
	clk    clock.Clock
	log    *zap.Logger

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	sessions []*gateway.Session
	group    *errgroup.Group
	ready    map[int]bool
	readyCh  chan struct{}
	fatalErr error
	fatalCh  chan struct{}
}

// New creates a coordinator. exec may be nil when ShardCount,
// MaxConcurrency, and GatewayURL are all explicit.
func New(cfg *Config, exec *rest.Executor, bus pulse.EventBus, dialer gateway.Dialer, clk clock.Clock, log *zap.Logger) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if dialer == nil {
		dialer = gateway.WebsocketDialer{}
	}
	return &Coordinator{
		cfg:    *cfg,
		exec:   exec,
		bus:    bus,
		dialer: dialer,
		clk:    clk,
		log:    log,
	}
}

// ShardForGuild computes which shard owns a guild: the snowflake's timestamp
// bits modulo the shard count. Deterministic across restarts and processes.
func ShardForGuild(guildID uint64, shardCount int) int {
	if shardCount <= 0 {
		return 0
	}
	return int((guildID >> 22) % uint64(shardCount))
}

// Start resolves the shard topology and launches one session per shard.
// Sessions connect in the background; use AwaitReady to wait for them.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf(pulse.ErrMsgAlreadyRunning)
	}
	c.running = true
	c.mu.Unlock()

	count, concurrency, url, err := c.resolveTopology(ctx)
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return err
	}

	c.log.Info("starting shards",
		zap.Int("count", count),
		zap.Int("max_concurrency", concurrency),
		zap.String("url", url))

	runCtx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(runCtx)
	tickets := newTicketPool(concurrency)

	c.mu.Lock()
	c.cancel = cancel
	c.group = group
	c.ready = make(map[int]bool, count)
	c.readyCh = make(chan struct{})
	c.fatalCh = make(chan struct{})
	c.fatalErr = nil
	c.sessions = make([]*gateway.Session, count)
	c.mu.Unlock()

	for i := 0; i < count; i++ {
		scfg := gateway.DefaultConfig(i, count, c.cfg.Token, url)
		scfg.Intents = c.cfg.Intents
		scfg.Properties = c.cfg.Properties
		scfg.Policy = c.cfg.Policy
		scfg.OnReady = func(shardID int) { c.markReady(shardID, count) }

		s := gateway.New(scfg, c.dialer, c.bus, tickets, c.clk, c.log)

		c.mu.Lock()
		c.sessions[i] = s
		c.mu.Unlock()

		group.Go(func() error {
			if err := s.Run(groupCtx); err != nil {
				c.recordFatal(err)
				return err
			}
			return nil
		})
	}

	return nil
}

// Stop orders every session to close and waits for them, bounded by ctx.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel := c.cancel
	group := c.group
	c.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		group.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AwaitReady blocks until every shard completed its first handshake, a
// fatal error occurred, or ctx is cancelled.
func (c *Coordinator) AwaitReady(ctx context.Context) error {
	c.mu.Lock()
	readyCh, fatalCh := c.readyCh, c.fatalCh
	c.mu.Unlock()
	if readyCh == nil {
		return fmt.Errorf(pulse.ErrMsgNotRunning)
	}

	select {
	case <-readyCh:
		return nil
	case <-fatalCh:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.fatalErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// States returns a snapshot of every session's FSM state, indexed by shard.
func (c *Coordinator) States() []gateway.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	states := make([]gateway.State, len(c.sessions))
	for i, s := range c.sessions {
		states[i] = s.State()
	}
	return states
}

func (c *Coordinator) markReady(shardID, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready[shardID] {
		return
	}
	c.ready[shardID] = true
	if len(c.ready) == count {
		close(c.readyCh)
	}
}

// recordFatal keeps the first fatal error and stops every other shard:
// a credential-level failure on one shard dooms them all.
func (c *Coordinator) recordFatal(err error) {
	c.mu.Lock()
	first := c.fatalErr == nil
	if first {
		c.fatalErr = err
		close(c.fatalCh)
	}
	cancel := c.cancel
	c.mu.Unlock()

	if first {
		c.log.Error("shard failed fatally, stopping all", zap.Error(err))
		cancel()
	}
}

// resolveTopology fills in whatever the configuration left to the platform.
func (c *Coordinator) resolveTopology(ctx context.Context) (count, concurrency int, url string, err error) {
	count = c.cfg.ShardCount
	concurrency = c.cfg.MaxConcurrency
	url = c.cfg.GatewayURL

	if count > 0 && concurrency > 0 && url != "" {
		return count, concurrency, url, nil
	}

	if c.exec == nil {
		if count <= 0 {
			return 0, 0, "", fmt.Errorf("shard count is automatic but no executor is configured")
		}
		if url == "" {
			return 0, 0, "", fmt.Errorf("no gateway URL configured and no executor to query one")
		}
		if concurrency <= 0 {
			concurrency = 1
		}
		return count, concurrency, url, nil
	}

	resp, rerr := c.exec.Execute(ctx, &rest.Request{Method: "GET", Path: "/gateway/bot"})
	if rerr != nil {
		return 0, 0, "", fmt.Errorf("resolve gateway info: %w", rerr)
	}

	var info gatewayInfo
	if jerr := json.Unmarshal(resp.Body, &info); jerr != nil {
		return 0, 0, "", fmt.Errorf("resolve gateway info: %w", jerr)
	}

	if count <= 0 {
		count = info.Shards
	}
	if count <= 0 {
		count = 1
	}
	if concurrency <= 0 {
		concurrency = info.SessionStartLimit.MaxConcurrency
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if url == "" {
		url = info.URL
	}
	if url == "" {
		return 0, 0, "", fmt.Errorf("resolve gateway info: platform returned no connection URL")
	}
	return count, concurrency, url, nil
}
