package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"resilient-client/pkg/apierror"
	"resilient-client/pkg/dedup"
	"resilient-client/pkg/logging"
	"resilient-client/pkg/metrics"

	"go.uber.org/zap"
)

// call is the state of one logical request across its attempts.
type call struct {
	id       string
	method   string
	url      string // as given by the caller; keys the breaker group and cache
	target   string // resolved URL sent over the wire
	params   map[string]string
	header   http.Header
	body     []byte
	timeout  time.Duration
	group    string
	useCache bool
	logger   *logging.Logger
}

// Do executes req through the pipeline:
// dedup, circuit check, offline check, transport attempt, outcome
// classification, then retry, cache fallback, success or failure.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	cl, err := c.prepare(req)
	if err != nil {
		return nil, err
	}

	var resp *Response
	if idempotent(cl.method) && !req.SkipDedup && !c.config.DisableDedup {
		var shared bool
		key := dedup.Key(cl.method, cl.target, cl.body)
		resp, shared, err = c.dedup.GetOrCreate(ctx, key, func(ctx context.Context) (*Response, error) {
			return c.execute(ctx, cl)
		})
		c.metrics.RecordDedup(shared)
		if _, ok := apierror.As(err); err != nil && !ok {
			// A waiter gave up before the owner finished.
			err = c.fail(cl, 0, apierror.Canceled(err))
		}
		if shared && err == nil && resp.Source == SourceNetwork {
			// Cached results keep their provenance for joined callers.
			joined := *resp
			joined.Source = SourceDedup
			resp = &joined
			cl.logger.Debug("joined in-flight request")
		}
	} else {
		resp, err = c.execute(ctx, cl)
	}

	outcome := metrics.OutcomeError
	if err == nil {
		outcome = outcomeOf(resp.Source)
	}
	c.metrics.RecordRequest(cl.group, cl.method, outcome, time.Since(start))
	return resp, err
}

func outcomeOf(s Source) string {
	switch s {
	case SourceCache:
		return metrics.OutcomeCache
	case SourceCacheFallback:
		return metrics.OutcomeCacheFallback
	case SourceDedup:
		return metrics.OutcomeDedup
	default:
		return metrics.OutcomeNetwork
	}
}

func (c *Client) prepare(req Request) (*call, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	target, err := resolveURL(c.config.BaseURL, req.URL, req.Params)
	if err != nil {
		return nil, apierror.Transport(err)
	}

	body, isJSON, err := encodeBody(req.Body)
	if err != nil {
		return nil, apierror.Transport(err)
	}

	header := make(http.Header, len(c.config.Header)+len(req.Header)+2)
	for k, vs := range c.config.Header {
		header[k] = append([]string(nil), vs...)
	}
	for k, vs := range req.Header {
		header[k] = append([]string(nil), vs...)
	}
	if isJSON && header.Get("Content-Type") == "" {
		header.Set("Content-Type", "application/json")
	}
	if header.Get("Accept") == "" {
		header.Set("Accept", "application/json")
	}

	id := c.newID()
	header.Set(RequestIDHeader, id)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.config.Timeout
	}

	group := c.breakers.GroupOf(req.URL)
	return &call{
		id:       id,
		method:   method,
		url:      req.URL,
		target:   target,
		params:   req.Params,
		header:   header,
		body:     body,
		timeout:  timeout,
		group:    group,
		useCache: c.cache != nil && idempotent(method) && !req.SkipCache,
		logger: c.logger.With(
			zap.String("request_id", id),
			zap.String("method", method),
			zap.String("url", req.URL),
			zap.String("group", group),
		),
	}, nil
}

// execute runs the attempt loop. Attempts are strictly sequential.
func (c *Client) execute(ctx context.Context, cl *call) (*Response, error) {
	for attempt := 0; ; attempt++ {
		b := c.breakers.Get(cl.group)

		if !b.CanAttempt() {
			if resp, ok := c.fromCache(ctx, cl, attempt, SourceCache, metrics.SourceCircuitOpen); ok {
				return resp, nil
			}
			return nil, c.fail(cl, attempt, apierror.CircuitOpen(cl.group))
		}

		if cl.useCache && !c.monitor.Status() {
			if resp, ok := c.fromCache(ctx, cl, attempt, SourceCache, metrics.SourceOffline); ok {
				return resp, nil
			}
			return nil, c.fail(cl, attempt, apierror.NoConnection())
		}

		reply, apiErr := c.attempt(ctx, cl)
		if apiErr == nil {
			b.RecordSuccess()
			resp := &Response{
				Status:    reply.Status,
				Header:    reply.Header,
				Body:      reply.Body,
				Source:    SourceNetwork,
				Attempts:  attempt + 1,
				RequestID: cl.id,
			}
			if cl.useCache && reply.Status == http.StatusOK && cacheable(reply.Header) {
				c.store(ctx, cl, reply)
			}
			return resp, nil
		}

		if apiErr.Kind == apierror.KindCanceled {
			return nil, c.fail(cl, attempt+1, apiErr)
		}
		if apiErr.Kind != apierror.KindHTTP || apiErr.Status >= 500 {
			b.RecordFailure(apiErr)
		}

		if c.retry.ShouldRetry(apiErr, attempt) {
			delay := c.backoff(cl, attempt, apiErr, reply)
			cl.logger.Info("retrying request",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.String("error", apierror.Classify(apiErr)),
			)
			c.metrics.RecordRetry(cl.group, attempt+1)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, c.fail(cl, attempt+1, apierror.Canceled(err))
			}
			continue
		}

		// A deterministic client error is surfaced as-is; stale data would not fix it.
		if !clientError(apiErr) {
			if resp, ok := c.fromCache(ctx, cl, attempt+1, SourceCacheFallback, metrics.SourceFallback); ok {
				return resp, nil
			}
		}
		return nil, c.fail(cl, attempt+1, apiErr)
	}
}

// attempt performs one transport exchange under the per-attempt timeout.
// The reply is returned alongside an HTTP error so Retry-After can be read.
func (c *Client) attempt(ctx context.Context, cl *call) (*TransportResponse, *apierror.Error) {
	if err := ctx.Err(); err != nil {
		return nil, apierror.Canceled(err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, cl.timeout)
	defer cancel()

	reply, err := c.transport.Send(attemptCtx, &TransportRequest{
		Method: cl.method,
		URL:    cl.target,
		Header: cl.header,
		Body:   cl.body,
	})
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, apierror.Canceled(ctx.Err())
		case errors.Is(attemptCtx.Err(), context.DeadlineExceeded), isTimeout(err):
			return nil, apierror.Timeout(err)
		default:
			return nil, apierror.Transport(err)
		}
	}

	if reply.Status >= 400 {
		return reply, apierror.HTTP(reply.Status, errorMessage(reply.Body))
	}
	return reply, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func clientError(e *apierror.Error) bool {
	return e.Kind == apierror.KindHTTP && e.Status >= 400 && e.Status < 500 &&
		e.Status != http.StatusTooManyRequests && e.Status != http.StatusRequestTimeout
}

func (c *Client) backoff(cl *call, attempt int, apiErr *apierror.Error, reply *TransportResponse) time.Duration {
	if reply != nil && (apiErr.Status == http.StatusTooManyRequests || apiErr.Status == http.StatusServiceUnavailable) {
		if ra := c.retry.ParseRetryAfter(reply.Header.Get("Retry-After")); ra > 0 {
			cl.logger.Debug("honoring Retry-After", zap.Duration("retry_after", ra))
			return c.retry.DelayWithRetryAfter(attempt, ra)
		}
	}
	return c.retry.NextDelay(attempt)
}

// fromCache serves the call from the offline cache when it holds a live entry.
func (c *Client) fromCache(ctx context.Context, cl *call, attempts int, source Source, reason string) (*Response, bool) {
	if !cl.useCache {
		return nil, false
	}

	entry, ok := c.cache.Lookup(ctx, cl.url, cl.params)
	var cached cachedResponse
	if ok {
		ok = json.Unmarshal(entry.Data, &cached) == nil
	}
	c.metrics.RecordCacheRead(reason, ok)
	if !ok {
		return nil, false
	}

	cachedAt := time.UnixMilli(entry.Timestamp)
	cl.logger.Info("serving response from offline cache",
		zap.String("reason", reason),
		zap.Time("cached_at", cachedAt),
	)
	return &Response{
		Status:    cached.Status,
		Header:    cached.Header,
		Body:      cached.Body,
		Source:    source,
		Attempts:  attempts,
		RequestID: cl.id,
		CachedAt:  cachedAt,
	}, true
}

// store writes a successful response to the offline cache. Failures are
// logged and never reach the caller.
func (c *Client) store(ctx context.Context, cl *call, reply *TransportResponse) {
	err := c.cache.Set(ctx, cl.url, cachedResponse{
		Status: reply.Status,
		Header: reply.Header,
		Body:   reply.Body,
	}, cl.params)
	if err != nil {
		cl.logger.Warn("offline cache write failed", zap.Error(err))
	}
}

// fail decorates the error with the call's identity and the number of
// transport attempts made, and logs it.
func (c *Client) fail(cl *call, attempts int, e *apierror.Error) *apierror.Error {
	e.Method = cl.method
	e.URL = cl.url
	e.Group = cl.group
	e.Attempt = attempts
	e.RequestID = cl.id

	switch e.Kind {
	case apierror.KindCanceled:
		cl.logger.Debug("request canceled", zap.Int("attempt", e.Attempt))
	case apierror.KindCircuitOpen, apierror.KindNoConnection:
		cl.logger.Info("request rejected", zap.String("kind", e.Kind.String()))
	default:
		cl.logger.Warn("request failed",
			zap.String("kind", e.Kind.String()),
			zap.Int("status", e.Status),
			zap.Int("attempts", e.Attempt),
			zap.Error(e.Cause),
		)
	}
	return e
}
