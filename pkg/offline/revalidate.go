package offline

import (
	"context"
	"encoding/json"
	"fmt"

	"resilient-client/pkg/metrics"

	"go.uber.org/zap"
)

// Fetcher loads a fresh value for the cache.
type Fetcher func(ctx context.Context) (any, error)

// GetWithRevalidate decodes the cached value for url into dest. A hit older
// than StaleTime also starts a background refresh; concurrent callers share
// one refresh per key, and a failed refresh leaves the stale value in place.
// On a miss fetch runs synchronously and its result is cached.
func (c *Cache) GetWithRevalidate(ctx context.Context, url string, fetch Fetcher, params any, dest any) error {
	key := c.Key(url, params)

	if entry, ok := c.Lookup(ctx, url, params); ok {
		if err := json.Unmarshal(entry.Data, dest); err == nil {
			c.metrics.RecordCacheRead(metrics.SourceRevalidate, true)
			if entry.Age(c.now()) > c.config.StaleTime {
				c.revalidate(ctx, key, url, fetch, params)
			}
			return nil
		}
		c.discard(ctx, key, url, "undecodable")
	}
	c.metrics.RecordCacheRead(metrics.SourceRevalidate, false)

	v, err, _ := c.group.Do("fetch:"+key, func() (any, error) {
		data, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("offline: encode %s: %w", url, err)
		}
		if err := c.SetRaw(ctx, url, raw, params); err != nil {
			c.logger.Warn("offline cache write failed", zap.String("url", url), zap.Error(err))
		}
		return json.RawMessage(raw), nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(v.(json.RawMessage), dest)
}

// revalidate starts a background refresh unless one is already running for key.
func (c *Cache) revalidate(ctx context.Context, key, url string, fetch Fetcher, params any) {
	bg := context.WithoutCancel(ctx)

	c.refreshing.Add(1)
	ch := c.group.DoChan("refresh:"+key, func() (any, error) {
		ctx, cancel := context.WithTimeout(bg, c.config.RevalidateTimeout)
		defer cancel()

		data, err := fetch(ctx)
		if err == nil {
			err = c.Set(ctx, url, data, params)
		}
		c.metrics.RecordRevalidation(err == nil)
		if err != nil {
			c.logger.Debug("background revalidation failed, keeping stale entry",
				zap.String("url", url), zap.Error(err))
		}
		return nil, err
	})

	go func() {
		defer c.refreshing.Done()
		<-ch
	}()
}
