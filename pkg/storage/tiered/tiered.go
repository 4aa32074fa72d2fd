// Package tiered stacks storage backends from fastest to slowest. Reads fall
// through the tiers and warm the faster ones; writes go to every tier.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"resilient-client/pkg/logging"
	"resilient-client/pkg/metrics"
	"resilient-client/pkg/storage"
	"resilient-client/pkg/storage/resilient"
	"resilient-client/pkg/writer"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Store is a storage.Backend over several tiers, typically memory in front of
// a persistent store.
type Store struct {
	tiers   []storage.Backend
	writers []*writer.AsyncWriter
	sf      singleflight.Group
	logger  *logging.Logger
}

type options struct {
	metrics     metrics.Collector
	logger      *logging.Logger
	wrap        bool
	writeConfig writer.AsyncWriterConfig
}

// Option configures a Store.
type Option func(*options)

// WithMetrics reports tier operations and warm-up drops to c.
func WithMetrics(c metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithoutResilience uses the tiers as given instead of wrapping each in a
// resilient.Store.
func WithoutResilience() Option {
	return func(o *options) { o.wrap = false }
}

// WithWriterConfig sets the async warm-up writer configuration.
func WithWriterConfig(c writer.AsyncWriterConfig) Option {
	return func(o *options) { o.writeConfig = c }
}

// New creates a tiered store. Tiers are ordered from fastest to slowest.
func New(tiers []storage.Backend, opts ...Option) (*Store, error) {
	if len(tiers) == 0 {
		return nil, errors.New("tiered: at least one tier required")
	}

	o := options{
		wrap: true,
		writeConfig: writer.AsyncWriterConfig{
			QueueSize:   1000,
			Workers:     2,
			MaxWaitTime: 10 * time.Millisecond,
		},
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.Component(o.logger, "storage.tiered")

	wrapped := make([]storage.Backend, len(tiers))
	for i, tier := range tiers {
		if !o.wrap {
			wrapped[i] = tier
			continue
		}
		config := resilient.DefaultConfig()
		// The first tier is expected to be in-process and fast
		if i == 0 {
			config = config.WithTimeout(100 * time.Millisecond)
		} else {
			config = config.WithTimeout(time.Second)
		}
		wrapped[i] = resilient.New(tier, config, resilient.WithMetrics(o.metrics), resilient.WithLogger(o.logger))
	}

	// Only tiers above the slowest are ever warmed
	writers := make([]*writer.AsyncWriter, len(wrapped)-1)
	for i := range writers {
		writers[i] = writer.NewAsyncWriter(wrapped[i], o.writeConfig,
			writer.WithMetrics(o.metrics), writer.WithLogger(o.logger))
	}

	return &Store{
		tiers:   wrapped,
		writers: writers,
		logger:  logger,
	}, nil
}

// Get reads through the tiers. Concurrent reads of one key share a traversal.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	result, err, _ := s.sf.Do(key, func() (any, error) {
		return s.getWithFallback(ctx, key)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (s *Store) getWithFallback(ctx context.Context, key string) (string, error) {
	var lastErr error

	for i, tier := range s.tiers {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		value, err := tier.Get(ctx, key)
		if err != nil {
			// Misses and unhealthy tiers both fall through
			if !storage.IsNotFound(err) {
				s.logger.Debug("tier read failed", zap.String("tier", tier.Name()), zap.Error(err))
			}
			lastErr = err
			continue
		}

		if i > 0 {
			s.warmUpperTiers(ctx, key, value, i)
		}
		return value, nil
	}

	if lastErr != nil && !storage.IsNotFound(lastErr) {
		return "", lastErr
	}
	return "", storage.ErrNotFound
}

func (s *Store) warmUpperTiers(ctx context.Context, key, value string, hitIndex int) {
	for i := hitIndex - 1; i >= 0; i-- {
		// drops are counted by the writer
		_ = s.writers[i].Write(ctx, key, value)
	}
}

// Set writes to every tier once pending warm-ups have landed. The first
// failure does not stop later tiers.
func (s *Store) Set(ctx context.Context, key, value string) error {
	s.flushWarmUps()

	var errs error
	for _, tier := range s.tiers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := tier.Set(ctx, key, value); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", tier.Name(), err))
		}
	}
	return errs
}

// Remove deletes key from every tier after any pending warm-up writes land.
func (s *Store) Remove(ctx context.Context, key string) error {
	return s.RemoveMulti(ctx, []string{key})
}

// RemoveMulti deletes keys from every tier.
func (s *Store) RemoveMulti(ctx context.Context, keys []string) error {
	s.flushWarmUps()

	var errs error
	for _, tier := range s.tiers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := storage.RemoveAll(ctx, tier, keys); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", tier.Name(), err))
		}
	}
	return errs
}

// flushWarmUps keeps a queued warm-up from overwriting or resurrecting a key
// written or removed after it.
func (s *Store) flushWarmUps() {
	for _, w := range s.writers {
		if err := w.Flush(time.Second); err != nil {
			s.logger.Warn("warm-up flush timed out", zap.Error(err))
		}
	}
}

// Keys returns the union of keys across tiers. It fails only when every tier fails.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	seen := make(map[string]struct{})
	var errs error
	failed := 0

	for _, tier := range s.tiers {
		keys, err := tier.Keys(ctx, prefix)
		if err != nil {
			failed++
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", tier.Name(), err))
			continue
		}
		for _, k := range keys {
			seen[k] = struct{}{}
		}
	}
	if failed == len(s.tiers) {
		return nil, errs
	}

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Name describes the tiers, e.g. "tiered(memory>sqlite)".
func (s *Store) Name() string {
	names := make([]string, len(s.tiers))
	for i, tier := range s.tiers {
		names[i] = tier.Name()
	}
	return "tiered(" + strings.Join(names, ">") + ")"
}

// Close stops the warm-up writers, then closes every tier.
func (s *Store) Close() error {
	var errs error
	for _, w := range s.writers {
		errs = multierr.Append(errs, w.Close())
	}
	for _, tier := range s.tiers {
		errs = multierr.Append(errs, tier.Close())
	}
	return errs
}

// Flush waits for pending warm-up writes.
func (s *Store) Flush(timeout time.Duration) error {
	var errs error
	for _, w := range s.writers {
		errs = multierr.Append(errs, w.Flush(timeout))
	}
	return errs
}

// WarmUpStats reports the warm-up writer of every tier above the slowest.
func (s *Store) WarmUpStats() []writer.Stats {
	stats := make([]writer.Stats, len(s.writers))
	for i, w := range s.writers {
		stats[i] = w.Stats()
	}
	return stats
}

// Tiers returns a copy of the tier list for inspection.
func (s *Store) Tiers() []storage.Backend {
	return append([]storage.Backend(nil), s.tiers...)
}

var (
	_ storage.Backend      = (*Store)(nil)
	_ storage.BatchRemover = (*Store)(nil)
)
