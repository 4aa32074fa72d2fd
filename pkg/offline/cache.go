// Package offline implements the versioned, TTL-bound response cache the
// client falls back to when the network or the service is unavailable.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"resilient-client/pkg/logging"
	"resilient-client/pkg/metrics"
	"resilient-client/pkg/storage"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Config holds the cache tunables.
type Config struct {
	// MaxAge is the hard expiry; older entries are removed on read.
	MaxAge time.Duration
	// StaleTime is the age after which GetWithRevalidate refreshes in the background.
	StaleTime time.Duration
	// Version tags every entry. Entries written under another version are discarded.
	Version string
	// KeyPrefix namespaces cache keys in the backend.
	KeyPrefix string
	// RevalidateTimeout bounds a background refresh.
	RevalidateTimeout time.Duration
}

// DefaultConfig returns a 24h max age and a 5 minute stale time.
func DefaultConfig() Config {
	return Config{
		MaxAge:            24 * time.Hour,
		StaleTime:         5 * time.Minute,
		Version:           "1.0.0",
		KeyPrefix:         "offline_cache_",
		RevalidateTimeout: 10 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxAge <= 0 {
		return errors.New("offline: max age must be positive")
	}
	if c.StaleTime < 0 || c.StaleTime > c.MaxAge {
		return fmt.Errorf("offline: stale time %v must be between 0 and max age %v", c.StaleTime, c.MaxAge)
	}
	if c.Version == "" {
		return errors.New("offline: version is required")
	}
	if c.KeyPrefix == "" {
		return errors.New("offline: key prefix is required")
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAge <= 0 {
		c.MaxAge = d.MaxAge
	}
	if c.StaleTime <= 0 {
		c.StaleTime = d.StaleTime
	}
	if c.StaleTime > c.MaxAge {
		c.StaleTime = c.MaxAge
	}
	if c.Version == "" {
		c.Version = d.Version
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
	if c.RevalidateTimeout <= 0 {
		c.RevalidateTimeout = d.RevalidateTimeout
	}
	return c
}

// Entry is the persisted envelope.
type Entry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"` // epoch milliseconds
	Version   string          `json:"version"`
	URL       string          `json:"url"`
}

// Age returns how old the entry is at now.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(e.Timestamp))
}

// Cache stores response payloads in a storage.Backend.
type Cache struct {
	backend storage.Backend
	config  Config
	now     func() time.Time
	logger  *logging.Logger
	metrics metrics.Collector

	group      singleflight.Group
	refreshing sync.WaitGroup
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithMetrics reports writes and revalidations to m.
func WithMetrics(m metrics.Collector) Option {
	return func(c *Cache) { c.metrics = metrics.OrNoOp(m) }
}

// New creates a cache over backend. Zero config fields take their defaults.
func New(backend storage.Backend, config Config, opts ...Option) *Cache {
	c := &Cache{
		backend: backend,
		config:  config.withDefaults(),
		now:     time.Now,
		metrics: metrics.NoOpCollector{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.Component(c.logger, "offline")
	return c
}

// Config returns the cache configuration.
func (c *Cache) Config() Config {
	return c.config
}

// Backend returns the underlying storage.
func (c *Cache) Backend() storage.Backend {
	return c.backend
}

// Key derives the backend key for url and params. Params are serialized as
// JSON, so maps hash the same regardless of insertion order; nil and empty
// params are equivalent.
func (c *Cache) Key(url string, params any) string {
	return c.config.KeyPrefix + hashKey(url, params)
}

func hashKey(url string, params any) string {
	h := xxhash.New()
	_, _ = h.WriteString(url)
	_, _ = h.WriteString("|")
	if params != nil {
		b, err := json.Marshal(params)
		switch {
		case err != nil:
			_, _ = fmt.Fprint(h, params)
		case string(b) != "null" && string(b) != "{}":
			_, _ = h.Write(b)
		}
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// Set stores data for url and params. Callers treat the error as best-effort.
func (c *Cache) Set(ctx context.Context, url string, data any, params any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		c.metrics.RecordCacheWrite(false)
		return fmt.Errorf("offline: encode %s: %w", url, err)
	}
	return c.SetRaw(ctx, url, raw, params)
}

// SetRaw stores an already encoded JSON payload.
func (c *Cache) SetRaw(ctx context.Context, url string, raw json.RawMessage, params any) error {
	envelope, err := json.Marshal(Entry{
		Data:      raw,
		Timestamp: c.now().UnixMilli(),
		Version:   c.config.Version,
		URL:       url,
	})
	if err != nil {
		c.metrics.RecordCacheWrite(false)
		return fmt.Errorf("offline: encode envelope for %s: %w", url, err)
	}

	if err := c.backend.Set(ctx, c.Key(url, params), string(envelope)); err != nil {
		c.metrics.RecordCacheWrite(false)
		return fmt.Errorf("offline: write %s: %w", url, err)
	}
	c.metrics.RecordCacheWrite(true)
	return nil
}

// Lookup returns the live entry for url and params. Entries that cannot be
// parsed, carry another version, or are too old (or from the future) are
// removed and reported absent. Backend failures are reported absent.
func (c *Cache) Lookup(ctx context.Context, url string, params any) (*Entry, bool) {
	key := c.Key(url, params)

	raw, err := c.backend.Get(ctx, key)
	if err != nil {
		if !storage.IsNotFound(err) {
			c.logger.Debug("offline cache read failed", zap.String("url", url), zap.Error(err))
		}
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		c.discard(ctx, key, url, "unparsable")
		return nil, false
	}
	if entry.Version != c.config.Version {
		c.discard(ctx, key, url, "version mismatch")
		return nil, false
	}
	if entry.URL != url {
		// Key collision: the entry belongs to another URL and stays.
		c.logger.Debug("offline cache key collision", zap.String("url", url), zap.String("stored_url", entry.URL))
		return nil, false
	}
	age := entry.Age(c.now())
	if age < 0 || age > c.config.MaxAge {
		c.discard(ctx, key, url, "expired")
		return nil, false
	}
	return &entry, true
}

func (c *Cache) discard(ctx context.Context, key, url, reason string) {
	if err := c.backend.Remove(ctx, key); err != nil {
		c.logger.Debug("offline cache discard failed", zap.String("url", url), zap.Error(err))
		return
	}
	c.logger.Debug("offline cache entry discarded", zap.String("url", url), zap.String("reason", reason))
}

// Get decodes the live entry for url and params into dest.
func (c *Cache) Get(ctx context.Context, url string, params any, dest any) bool {
	entry, ok := c.Lookup(ctx, url, params)
	if !ok {
		return false
	}
	if err := json.Unmarshal(entry.Data, dest); err != nil {
		c.discard(ctx, c.Key(url, params), url, "undecodable")
		return false
	}
	return true
}

// Remove deletes the entry for url and params.
func (c *Cache) Remove(ctx context.Context, url string, params any) error {
	return c.backend.Remove(ctx, c.Key(url, params))
}

// InvalidateRelated removes every entry whose URL starts with prefix and
// returns how many were removed.
func (c *Cache) InvalidateRelated(ctx context.Context, prefix string) (int, error) {
	return c.removeWhere(ctx, func(e *Entry) bool { return strings.HasPrefix(e.URL, prefix) })
}

// Clear removes every entry whose URL contains pattern, or every entry when
// pattern is empty.
func (c *Cache) Clear(ctx context.Context, pattern string) (int, error) {
	if pattern == "" {
		keys, err := c.backend.Keys(ctx, c.config.KeyPrefix)
		if err != nil {
			return 0, fmt.Errorf("offline: list keys: %w", err)
		}
		if err := storage.RemoveAll(ctx, c.backend, keys); err != nil {
			return 0, fmt.Errorf("offline: clear: %w", err)
		}
		return len(keys), nil
	}
	return c.removeWhere(ctx, func(e *Entry) bool { return strings.Contains(e.URL, pattern) })
}

func (c *Cache) removeWhere(ctx context.Context, match func(*Entry) bool) (int, error) {
	keys, err := c.backend.Keys(ctx, c.config.KeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("offline: list keys: %w", err)
	}

	var doomed []string
	for _, key := range keys {
		raw, err := c.backend.Get(ctx, key)
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		if match(&entry) {
			doomed = append(doomed, key)
		}
	}

	if len(doomed) == 0 {
		return 0, nil
	}
	if err := storage.RemoveAll(ctx, c.backend, doomed); err != nil {
		return 0, fmt.Errorf("offline: remove: %w", err)
	}
	c.logger.Debug("offline cache entries removed", zap.Int("count", len(doomed)))
	return len(doomed), nil
}

// Wait blocks until background refreshes started so far have finished.
func (c *Cache) Wait() {
	c.refreshing.Wait()
}

// Close waits for background refreshes and closes the backend.
func (c *Cache) Close() error {
	c.Wait()
	return c.backend.Close()
}

// GetAs reads and decodes a cached value of type T.
func GetAs[T any](ctx context.Context, c *Cache, url string, params any) (T, bool) {
	var v T
	ok := c.Get(ctx, url, params, &v)
	return v, ok
}

// SetAs stores a value of type T.
func SetAs[T any](ctx context.Context, c *Cache, url string, v T, params any) error {
	return c.Set(ctx, url, v, params)
}
