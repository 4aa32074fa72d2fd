// Package client is the resilient request layer: every call goes through
// request deduplication, a per-endpoint-group circuit breaker, an offline
// check, a timed transport attempt, retries with backoff, and an offline
// cache fallback.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"resilient-client/pkg/breaker"
	"resilient-client/pkg/dedup"
	"resilient-client/pkg/logging"
	"resilient-client/pkg/metrics"
	"resilient-client/pkg/network"
	"resilient-client/pkg/offline"
	"resilient-client/pkg/retry"
	memstore "resilient-client/pkg/storage/memory"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Config holds client-wide settings.
type Config struct {
	// BaseURL is prepended to relative request URLs.
	BaseURL string
	// Timeout bounds each transport attempt.
	Timeout time.Duration
	// Header is added to every request.
	Header http.Header
	// DisableCache turns off offline cache reads and writes.
	DisableCache bool
	// DisableDedup turns off request deduplication.
	DisableDedup bool
}

// DefaultConfig returns a 10s attempt timeout with caching and dedup on.
func DefaultConfig() Config {
	return Config{Timeout: 10 * time.Second}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Timeout < 0 {
		return errors.New("client: timeout must not be negative")
	}
	return nil
}

// RequestIDHeader carries the logical call's ID on every attempt.
const RequestIDHeader = "X-Request-ID"

// Client executes requests through the resilience pipeline. It is safe for concurrent use.
type Client struct {
	config    Config
	transport Transport
	breakers  *breaker.Registry
	dedup     *dedup.Deduplicator[*Response]
	cache     *offline.Cache
	monitor   *network.Monitor
	retry     *retry.Policy
	logger    *logging.Logger
	metrics   metrics.Collector

	sleep func(ctx context.Context, d time.Duration) error
	newID func() string

	unsubscribe func()
}

// Option configures a Client.
type Option func(*Client)

// WithTransport replaces the HTTP transport.
func WithTransport(t Transport) Option {
	return func(c *Client) { c.transport = t }
}

// WithBreakers injects the breaker registry.
func WithBreakers(r *breaker.Registry) Option {
	return func(c *Client) { c.breakers = r }
}

// WithDeduplicator injects the request deduplicator.
func WithDeduplicator(d *dedup.Deduplicator[*Response]) Option {
	return func(c *Client) { c.dedup = d }
}

// WithCache injects the offline cache.
func WithCache(cache *offline.Cache) Option {
	return func(c *Client) { c.cache = cache }
}

// WithMonitor injects the connectivity monitor.
func WithMonitor(m *network.Monitor) Option {
	return func(c *Client) { c.monitor = m }
}

// WithRetryPolicy injects the retry policy.
func WithRetryPolicy(p *retry.Policy) Option {
	return func(c *Client) { c.retry = p }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Collector) Option {
	return func(c *Client) { c.metrics = metrics.OrNoOp(m) }
}

// WithSleep replaces the backoff sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// WithRequestIDs replaces the request ID generator.
func WithRequestIDs(newID func() string) Option {
	return func(c *Client) {
		if newID != nil {
			c.newID = newID
		}
	}
}

// New creates a client. Collaborators that are not injected get defaults:
// an HTTP transport, fresh breaker registry and deduplicator, an in-memory
// offline cache, an always-online monitor and the default retry policy.
func New(config Config, opts ...Option) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}

	c := &Client{
		config:  config,
		metrics: metrics.NoOpCollector{},
		sleep:   retry.Sleep,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.logger = logging.Component(c.logger, "client")
	if c.transport == nil {
		c.transport = NewHTTPTransport(nil)
	}
	if c.breakers == nil {
		c.breakers = breaker.NewRegistry(breaker.DefaultConfig(),
			breaker.WithLogger(c.logger), breaker.WithMetrics(c.metrics))
	}
	if c.dedup == nil {
		c.dedup = dedup.New[*Response](dedup.DefaultConfig())
	}
	if c.cache == nil && !config.DisableCache {
		c.cache = offline.New(memstore.New(memstore.Config{}), offline.DefaultConfig(),
			offline.WithLogger(c.logger), offline.WithMetrics(c.metrics))
	}
	if c.monitor == nil {
		c.monitor = network.NewMonitor(network.WithLogger(c.logger), network.WithMetrics(c.metrics))
	}
	if c.retry == nil {
		c.retry = retry.New(retry.DefaultConfig())
	}

	c.unsubscribe = c.monitor.Subscribe(func(online bool) {
		if online {
			c.logger.Info("connectivity restored, resuming network requests")
			return
		}
		c.logger.Info("connectivity lost, idempotent requests will be served from the offline cache")
	})

	return c, nil
}

// Breakers returns the breaker registry.
func (c *Client) Breakers() *breaker.Registry { return c.breakers }

// Cache returns the offline cache, or nil when caching is disabled.
func (c *Client) Cache() *offline.Cache { return c.cache }

// Monitor returns the connectivity monitor.
func (c *Client) Monitor() *network.Monitor { return c.monitor }

// Get issues a GET.
func (c *Client) Get(ctx context.Context, url string, params map[string]string) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, URL: url, Params: params})
}

// Post issues a POST with body.
func (c *Client) Post(ctx context.Context, url string, body any) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodPost, URL: url, Body: body})
}

// Put issues a PUT with body.
func (c *Client) Put(ctx context.Context, url string, body any) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodPut, URL: url, Body: body})
}

// Patch issues a PATCH with body.
func (c *Client) Patch(ctx context.Context, url string, body any) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodPatch, URL: url, Body: body})
}

// Delete issues a DELETE.
func (c *Client) Delete(ctx context.Context, url string) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodDelete, URL: url})
}

// GetJSON issues a GET and decodes the body into T.
func GetJSON[T any](ctx context.Context, c *Client, url string, params map[string]string) (T, error) {
	var v T
	resp, err := c.Get(ctx, url, params)
	if err != nil {
		return v, err
	}
	err = resp.JSON(&v)
	return v, err
}

// GetWithRevalidate serves url from the offline cache when possible and
// refreshes stale entries in the background. A miss goes to the network.
func (c *Client) GetWithRevalidate(ctx context.Context, url string, params map[string]string, dest any) error {
	if c.cache == nil {
		resp, err := c.Get(ctx, url, params)
		if err != nil {
			return err
		}
		return resp.JSON(dest)
	}

	fetch := func(ctx context.Context) (any, error) {
		resp, err := c.Do(ctx, Request{Method: http.MethodGet, URL: url, Params: params, SkipCache: true})
		if err != nil {
			return nil, err
		}
		return cachedResponse{Status: resp.Status, Header: resp.Header, Body: resp.Body}, nil
	}

	var cached cachedResponse
	if err := c.cache.GetWithRevalidate(ctx, url, fetch, params, &cached); err != nil {
		return err
	}
	return json.Unmarshal(cached.Body, dest)
}

// Close stops connectivity notifications, waits for background refreshes
// and releases the cache backend and transport.
func (c *Client) Close() error {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}

	var err error
	if c.cache != nil {
		err = multierr.Append(err, c.cache.Close())
	}
	if closer, ok := c.transport.(io.Closer); ok {
		err = multierr.Append(err, closer.Close())
	}
	if err != nil {
		c.logger.Warn("client close reported errors", zap.Error(err))
	}
	return err
}
