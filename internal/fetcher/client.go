// Package fetcher performs proxy-rotated HTTP GETs with a bounded retry loop.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/anime-catalog-ingest/internal/metrics"
	"github.com/JakeFAU/anime-catalog-ingest/internal/proxy"
)

// Selector hands out a proxy endpoint per attempt.
type Selector interface {
	Select() (proxy.Endpoint, error)
}

// TransportFactory builds the round tripper used for one attempt through endpoint.
type TransportFactory func(endpoint proxy.Endpoint) (http.RoundTripper, error)

// Waiter throttles requests before they are sent.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Sleeper pauses between attempts and returns early when ctx ends.
type Sleeper func(ctx context.Context, d time.Duration) error

// Config holds request-level settings.
type Config struct {
	UserAgent    string
	MaxBodyBytes int64
	DialTimeout  time.Duration
}

// Response is the successful attempt of a logical fetch.
type Response struct {
	URL        string
	StatusCode int
	Body       []byte
	Attempts   int
	Proxy      proxy.Endpoint
	Duration   time.Duration
}

// Client rotates proxies across attempts of a logical fetch.
type Client struct {
	selector   Selector
	transports TransportFactory
	limiter    Waiter
	sleep      Sleeper
	cfg        Config
	logger     *zap.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithTransportFactory replaces the proxy transport builder.
func WithTransportFactory(f TransportFactory) Option {
	return func(c *Client) {
		if f != nil {
			c.transports = f
		}
	}
}

// WithLimiter throttles every attempt through w.
func WithLimiter(w Waiter) Option {
	return func(c *Client) { c.limiter = w }
}

// WithSleeper replaces the pause used between attempts.
func WithSleeper(s Sleeper) Option {
	return func(c *Client) {
		if s != nil {
			c.sleep = s
		}
	}
}

const defaultMaxBodyBytes = 8 << 20

// New builds a Client that selects proxies from selector.
func New(selector Selector, cfg Config, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	c := &Client{
		selector: selector,
		cfg:      cfg,
		logger:   logger,
		sleep:    sleepContext,
	}
	c.transports = func(endpoint proxy.Endpoint) (http.RoundTripper, error) {
		return proxy.Transport(endpoint, proxy.TransportConfig{DialTimeout: c.cfg.DialTimeout})
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Direct is the pseudo endpoint reported for attempts sent without a proxy.
var Direct = proxy.Endpoint{Kind: "direct"}

type directSelector struct{}

func (directSelector) Select() (proxy.Endpoint, error) { return Direct, nil }

// NewDirect builds a Client that reaches targets without a proxy, sharing one keep-alive transport
// across attempts.
func NewDirect(cfg Config, logger *zap.Logger, opts ...Option) *Client {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   timeout,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	base := []Option{WithTransportFactory(func(proxy.Endpoint) (http.RoundTripper, error) {
		return transport, nil
	})}
	return New(directSelector{}, cfg, logger, append(base, opts...)...)
}

// Fetch GETs rawURL through a freshly selected proxy per attempt until a 2xx arrives or
// policy.MaxAttempts attempts fail. An empty pool fails before any attempt is consumed.
func (c *Client) Fetch(ctx context.Context, rawURL string, policy RetryPolicy) (Response, error) {
	resp, err := c.fetch(ctx, rawURL, policy)
	if err == nil {
		metrics.ObserveFetchResult(rawURL, "ok")
	}
	return resp, err
}

// fetch runs the attempt loop. It records every failing result; success is recorded by the caller
// once the body has been accepted.
func (c *Client) fetch(ctx context.Context, rawURL string, policy RetryPolicy) (Response, error) {
	if err := policy.Validate(); err != nil {
		return Response{}, err
	}
	if c.selector == nil {
		return Response{}, fmt.Errorf("fetch %s: %w", rawURL, proxy.ErrNoProxies)
	}
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			metrics.ObserveFetchResult(rawURL, "canceled")
			return Response{Attempts: attempt - 1}, fmt.Errorf("fetch %s: %w", rawURL, err)
		}
		endpoint, err := c.selector.Select()
		if err != nil {
			metrics.ObserveFetchResult(rawURL, "no_proxies")
			return Response{Attempts: attempt - 1}, fmt.Errorf("fetch %s: %w", rawURL, err)
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, rawURL); err != nil {
				metrics.ObserveFetchResult(rawURL, "canceled")
				return Response{Attempts: attempt - 1}, fmt.Errorf("fetch %s: %w", rawURL, err)
			}
		}

		resp, err := c.attempt(ctx, rawURL, endpoint, policy.PerAttemptTimeout)
		if err == nil {
			resp.Attempts = attempt
			metrics.ObserveFetchAttempt(rawURL, "success")
			return resp, nil
		}

		var decodeErr *DecodeError
		if errors.As(err, &decodeErr) {
			metrics.ObserveFetchAttempt(rawURL, "decode")
			metrics.ObserveFetchResult(rawURL, "decode")
			return Response{Attempts: attempt}, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			metrics.ObserveFetchResult(rawURL, "canceled")
			return Response{Attempts: attempt}, fmt.Errorf("fetch %s: %w", rawURL, ctxErr)
		}

		outcome := "transport"
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			outcome = "status"
		}
		metrics.ObserveFetchAttempt(rawURL, outcome)
		c.logger.Debug("fetch attempt failed",
			zap.String("url", rawURL),
			zap.String("proxy", endpoint.URL()),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", policy.MaxAttempts),
			zap.Error(err),
		)
		lastErr = err

		if attempt < policy.MaxAttempts {
			if d := policy.delay(attempt); d > 0 {
				if err := c.sleep(ctx, d); err != nil {
					metrics.ObserveFetchResult(rawURL, "canceled")
					return Response{Attempts: attempt}, fmt.Errorf("fetch %s: %w", rawURL, err)
				}
			}
		}
	}
	metrics.ObserveFetchResult(rawURL, "exhausted")
	return Response{Attempts: policy.MaxAttempts}, &ExhaustedError{
		URL:      rawURL,
		Attempts: policy.MaxAttempts,
		Last:     lastErr,
	}
}

// FetchJSON fetches rawURL and decodes the body into dst. If dst has a Validate method,
// a validation failure is reported as a DecodeError.
func (c *Client) FetchJSON(ctx context.Context, rawURL string, policy RetryPolicy, dst any) (Response, error) {
	resp, err := c.fetch(ctx, rawURL, policy)
	if err != nil {
		return resp, err
	}
	if err := Decode(resp.Body, dst); err != nil {
		metrics.ObserveFetchResult(rawURL, "decode")
		return resp, &DecodeError{URL: rawURL, Err: err}
	}
	metrics.ObserveFetchResult(rawURL, "ok")
	return resp, nil
}

type validator interface {
	Validate() error
}

// Decode unmarshals body into dst and runs its Validate method when present.
func Decode(body []byte, dst any) error {
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if v, ok := dst.(validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("validate: %w", err)
		}
	}
	return nil
}

func (c *Client) attempt(
	ctx context.Context,
	rawURL string,
	endpoint proxy.Endpoint,
	timeout time.Duration,
) (Response, error) {
	rt, err := c.transports(endpoint)
	if err != nil {
		return Response{}, &TransportError{URL: rawURL, Proxy: endpoint.URL(), Err: err}
	}
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Response{}, &DecodeError{URL: rawURL, Err: fmt.Errorf("build request: %w", err)}
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	client := &http.Client{Transport: rt}
	resp, err := client.Do(req)
	if err != nil {
		return Response{}, &TransportError{URL: rawURL, Proxy: endpoint.URL(), Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return Response{}, &StatusError{URL: rawURL, Proxy: endpoint.URL(), StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes+1))
	if err != nil {
		return Response{}, &TransportError{URL: rawURL, Proxy: endpoint.URL(), Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(body)) > c.cfg.MaxBodyBytes {
		return Response{}, &DecodeError{URL: rawURL, Err: fmt.Errorf("body exceeds %d bytes", c.cfg.MaxBodyBytes)}
	}
	return Response{
		URL:        rawURL,
		StatusCode: resp.StatusCode,
		Body:       body,
		Proxy:      endpoint,
		Duration:   time.Since(start),
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry pause: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
