// Package rest executes REST API calls behind the rate limiter, with retry
// and error classification.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pulsecord/pulse"
	"github.com/pulsecord/pulse/internal/backoff"
	"github.com/pulsecord/pulse/internal/ratelimit"
)

// Doer performs one HTTP round trip. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config defines executor behavior.
type Config struct {
	// BaseURL is prefixed to every request path
	BaseURL string
	// Token is sent as the Authorization header
	Token string
	// UserAgent identifies the client
	UserAgent string
	// MaxRetries bounds automatic retries of 5xx and transport failures
	MaxRetries int
	// MaxRateLimitRetries bounds automatic retries after explicit 429s
	MaxRateLimitRetries int
	// RequestTimeout bounds one attempt (acquire plus round trip); zero
	// disables the per-attempt deadline
	RequestTimeout time.Duration
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:          3,
		MaxRateLimitRetries: 3,
		RequestTimeout:      15 * time.Second,
	}
}

// Request is one logical API call.
type Request struct {
	Method string
	Path   string
	Body   []byte // JSON, may be nil
	Reason string // audit-log reason, forwarded as a header when set
}

// Response is the terminal outcome of a successful call.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Executor is the only component that talks to the request-response API.
// Every call acquires a rate-limit permit first and reports the observed
// headers back, success or failure.
type Executor struct {
	cfg  Config
	http Doer
	rl   *ratelimit.RateLimiter
	clk  clock.Clock
	log  *zap.Logger
}

// New creates an executor. If cfg is nil, DefaultConfig() is used.
func New(cfg *Config, doer Doer, rl *ratelimit.RateLimiter, clk clock.Clock, log *zap.Logger) *Executor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if doer == nil {
		doer = http.DefaultClient
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{cfg: *cfg, http: doer, rl: rl, clk: clk, log: log}
}

// rateLimitBody is the JSON body of an explicit rejection.
type rateLimitBody struct {
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

// apiErrorBody is the diagnostic payload of a client error.
type apiErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Execute performs one call: resolve the bucket, acquire a permit, round
// trip, release with the observed headers, classify. Transient failures and
// explicit rejections are retried within their budgets; the caller only ever
// observes terminal outcomes.
func (e *Executor) Execute(ctx context.Context, req *Request) (*Response, error) {
	key := BucketKey(req.Method, req.Path)
	reqID := uuid.New().String()
	log := e.log.With(zap.String("request_id", reqID), zap.String("bucket", key))

	bo := backoff.New(250*time.Millisecond, 5*time.Second)
	retries := 0
	rlRetries := 0

	for {
		resp, err := e.attempt(ctx, req, key)
		if err != nil {
			// transport-level failure: transient unless the caller is gone
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if retries >= e.cfg.MaxRetries {
				return nil, fmt.Errorf("%w: %v", pulse.ErrTransient, err)
			}
			retries++
			d := bo.Next()
			log.Warn("transport failure, retrying",
				zap.Error(err),
				zap.Duration("backoff", d),
				zap.Int("attempt", retries))
			if err := e.sleep(ctx, d); err != nil {
				return nil, err
			}
			continue
		}

		switch {
		case resp.Status >= 200 && resp.Status < 300:
			return resp, nil

		case resp.Status == http.StatusTooManyRequests:
			delay, global := rejectionDelay(resp)
			if rlRetries >= e.cfg.MaxRateLimitRetries {
				return nil, fmt.Errorf("%w: budget exhausted after %d attempts", pulse.ErrRateLimited, rlRetries)
			}
			rlRetries++
			log.Warn("rate limited, retrying after server delay",
				zap.Duration("retry_after", delay),
				zap.Bool("global", global))
			if err := e.sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue

		case resp.Status >= 500:
			if retries >= e.cfg.MaxRetries {
				return nil, fmt.Errorf("%w: status %d", pulse.ErrServerError, resp.Status)
			}
			retries++
			d := bo.Next()
			log.Warn("server error, retrying",
				zap.Int("status", resp.Status),
				zap.Duration("backoff", d))
			if err := e.sleep(ctx, d); err != nil {
				return nil, err
			}
			continue

		default:
			// non-retryable client error with the server's diagnostic payload
			apiErr := &pulse.APIError{Status: resp.Status, Body: resp.Body}
			var body apiErrorBody
			if json.Unmarshal(resp.Body, &body) == nil {
				apiErr.Code = body.Code
				apiErr.Message = body.Message
			}
			return nil, apiErr
		}
	}
}

// attempt performs one acquire-call-release cycle.
func (e *Executor) attempt(ctx context.Context, req *Request, key string) (*Response, error) {
	attemptCtx := ctx
	if e.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, e.cfg.RequestTimeout)
		defer cancel()
	}

	if err := e.rl.Acquire(attemptCtx, key); err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if req.Body != nil {
		bodyReader = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, e.cfg.BaseURL+req.Path, bodyReader)
	if err != nil {
		e.rl.Release(key, http.Header{}, 0)
		return nil, err
	}
	if e.cfg.Token != "" {
		httpReq.Header.Set("Authorization", e.cfg.Token)
	}
	if e.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", e.cfg.UserAgent)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.Reason != "" {
		httpReq.Header.Set("X-Audit-Log-Reason", req.Reason)
	}

	httpResp, err := e.http.Do(httpReq)
	if err != nil {
		e.rl.Release(key, http.Header{}, 0)
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	e.rl.Release(key, httpResp.Header, httpResp.StatusCode)
	if err != nil {
		return nil, err
	}

	return &Response{
		Status: httpResp.StatusCode,
		Header: httpResp.Header,
		Body:   body,
	}, nil
}

// rejectionDelay extracts the retry delay from an explicit rejection,
// preferring the body's precise value over the coarser header.
func rejectionDelay(resp *Response) (time.Duration, bool) {
	var body rateLimitBody
	if json.Unmarshal(resp.Body, &body) == nil && body.RetryAfter > 0 {
		return time.Duration(body.RetryAfter * float64(time.Second)), body.Global
	}
	if v := resp.Header.Get(pulse.HeaderRetryAfter); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second)), resp.Header.Get(pulse.HeaderGlobal) == "true"
		}
	}
	return time.Second, false
}

// sleep suspends for d, observing cancellation.
func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	t := e.clk.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
