package gate

import (
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pulsecord/pulse"
	"github.com/pulsecord/pulse/internal/gateway"
	"github.com/pulsecord/pulse/internal/ratelimit"
	"github.com/pulsecord/pulse/internal/rest"
)

// AutoShards asks the platform for its recommended shard count.
const AutoShards = 0

// Gateway intents. Each bit opts the session into one event group.
const (
	IntentGuilds           = 1 << 0
	IntentGuildMembers     = 1 << 1
	IntentGuildModeration  = 1 << 2
	IntentGuildVoiceStates = 1 << 7
	IntentGuildPresences   = 1 << 8
	IntentGuildMessages    = 1 << 9
	IntentGuildReactions   = 1 << 10
	IntentDirectMessages   = 1 << 12
	IntentMessageContent   = 1 << 15
)

const (
	defaultAPIURL    = "https://api.pulsecord.dev/v10"
	defaultUserAgent = "pulse (github.com/pulsecord/pulse)"
)

type options struct {
	shardCount     int
	maxConcurrency int
	intents        int
	gatewayURL     string
	apiURL         string
	userAgent      string
	requestTimeout time.Duration

	httpClient rest.Doer
	dialer     gateway.Dialer
	bus        pulse.EventBus
	logger     *zap.Logger
	clk        clock.Clock
	policy     pulse.CloseCodePolicy
	globalCfg  *ratelimit.Config
}

func defaultOptions() *options {
	return &options{
		shardCount:     AutoShards,
		apiURL:         defaultAPIURL,
		userAgent:      defaultUserAgent,
		requestTimeout: 15 * time.Second,
		httpClient:     http.DefaultClient,
		policy:         pulse.DefaultCloseCodePolicy(),
	}
}

// Option configures the client.
type Option func(*options)

// WithShardCount fixes the total shard count. Use AutoShards (the default)
// to query the platform's recommendation.
func WithShardCount(n int) Option {
	return func(o *options) { o.shardCount = n }
}

// WithMaxConcurrency overrides the platform's identify-concurrency budget.
// Only lower it; raising it above the advertised value trips server-side
// limits.
func WithMaxConcurrency(n int) Option {
	return func(o *options) { o.maxConcurrency = n }
}

// WithIntents selects which event groups the gateway delivers.
func WithIntents(intents int) Option {
	return func(o *options) { o.intents = intents }
}

// WithGatewayURL overrides the queried gateway endpoint.
func WithGatewayURL(url string) Option {
	return func(o *options) { o.gatewayURL = url }
}

// WithAPIBaseURL overrides the REST endpoint.
func WithAPIBaseURL(url string) Option {
	return func(o *options) { o.apiURL = url }
}

// WithHTTPClient swaps the HTTP transport used for REST calls.
func WithHTTPClient(c rest.Doer) Option {
	return func(o *options) { o.httpClient = c }
}

// WithDialer swaps the gateway transport. Used by tests.
func WithDialer(d gateway.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithEventBus replaces the built-in dispatcher with a custom bus. Handlers
// registered via On are ignored when a custom bus is set.
func WithEventBus(bus pulse.EventBus) Option {
	return func(o *options) { o.bus = bus }
}

// WithLogger attaches a structured logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.logger = log }
}

// WithClock swaps the time source. Used by tests.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clk = clk }
}

// WithCloseCodePolicy replaces the close-code classification. The set of
// fatal and non-resumable codes is platform configuration; override it when
// the platform revises its contract.
func WithCloseCodePolicy(p pulse.CloseCodePolicy) Option {
	return func(o *options) { o.policy = p }
}

// WithGlobalRate overrides the process-wide request budget. The default is
// the platform's published 50 requests per second.
func WithGlobalRate(requestsPerSecond float64, burst int) Option {
	return func(o *options) {
		o.globalCfg = &ratelimit.Config{
			RequestsPerSecond: rate.Limit(requestsPerSecond),
			Burst:             burst,
			Enabled:           true,
		}
	}
}

// WithoutGlobalThrottle disables the process-wide request budget. Per-bucket
// limits still apply.
func WithoutGlobalThrottle() Option {
	return func(o *options) { o.globalCfg = ratelimit.NoGlobalThrottle() }
}

// WithRequestTimeout bounds each REST attempt.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}
