package resilient

import (
	"context"
	"errors"
	"time"

	"resilient-client/pkg/logging"
	"resilient-client/pkg/metrics"
	"resilient-client/pkg/storage"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Store wraps a storage.Backend with a circuit breaker and per-operation
// timeout, so an unhealthy backend fails fast instead of stalling requests.
type Store struct {
	backend storage.Backend
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	metrics metrics.Collector
	logger  *logging.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithMetrics reports operations and breaker transitions to c.
func WithMetrics(c metrics.Collector) Option {
	return func(s *Store) { s.metrics = metrics.OrNoOp(c) }
}

// WithLogger sets the logger. The default is the global logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New wraps backend.
func New(backend storage.Backend, config Config, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		timeout: config.Timeout,
		metrics: metrics.NoOpCollector{},
		logger:  logging.Global(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("storage").Named(backend.Name())

	bc := config.Breaker
	settings := gobreaker.Settings{
		Name:        backend.Name(),
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if bc.ReadyToTrip != nil {
				return bc.ReadyToTrip(Counts{
					Requests:             counts.Requests,
					TotalSuccesses:       counts.TotalSuccesses,
					TotalFailures:        counts.TotalFailures,
					ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
					ConsecutiveFailures:  counts.ConsecutiveFailures,
				})
			}
			return counts.ConsecutiveFailures >= 5
		},
		// Misses and rejected keys are answers, not backend faults.
		IsSuccessful: func(err error) bool {
			return err == nil || storage.IsNotFound(err) || errors.Is(err, storage.ErrInvalidKey)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("storage circuit breaker state changed",
				zap.String("backend", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			s.metrics.RecordCircuitState("storage:"+name, toMetricsState(to))
		},
	}
	s.cb = gobreaker.NewCircuitBreaker(settings)

	s.logger.Debug("resilient storage initialized",
		zap.Duration("timeout", config.Timeout),
		zap.Uint32("max_requests", bc.MaxRequests),
		zap.Duration("breaker_timeout", bc.Timeout),
	)
	return s
}

func toMetricsState(state gobreaker.State) metrics.CircuitState {
	switch state {
	case gobreaker.StateOpen:
		return metrics.CircuitOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitHalfOpen
	default:
		return metrics.CircuitClosed
	}
}

// execute runs op through the breaker under the configured timeout and maps
// breaker and deadline failures onto the storage sentinels.
func (s *Store) execute(ctx context.Context, operation string, op func(ctx context.Context) (any, error)) (any, error) {
	start := time.Now()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	result, err := s.cb.Execute(func() (any, error) {
		return op(ctx)
	})

	duration := time.Since(start)
	ok := err == nil || storage.IsNotFound(err)
	s.metrics.RecordStorage(s.backend.Name(), operation, ok, duration)

	switch {
	case err == nil || storage.IsNotFound(err):
		return result, err
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		s.logger.Debug("storage circuit open, operation rejected", zap.String("operation", operation))
		return nil, storage.ErrCircuitOpen
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		s.logger.Warn("storage operation timeout",
			zap.String("operation", operation),
			zap.Duration("timeout", s.timeout),
			zap.Duration("elapsed", duration),
		)
		return nil, storage.WrapError(storage.ErrTimeout, s.backend.Name(), operation)
	default:
		s.logger.Warn("storage operation failed",
			zap.String("operation", operation),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return nil, err
	}
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	result, err := s.execute(ctx, "get", func(ctx context.Context) (any, error) {
		return s.backend.Get(ctx, key)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.execute(ctx, "set", func(ctx context.Context) (any, error) {
		return nil, s.backend.Set(ctx, key, value)
	})
	return err
}

func (s *Store) Remove(ctx context.Context, key string) error {
	_, err := s.execute(ctx, "remove", func(ctx context.Context) (any, error) {
		return nil, s.backend.Remove(ctx, key)
	})
	return err
}

// RemoveMulti forwards to the backend's batch removal when it has one.
func (s *Store) RemoveMulti(ctx context.Context, keys []string) error {
	_, err := s.execute(ctx, "remove_multi", func(ctx context.Context) (any, error) {
		return nil, storage.RemoveAll(ctx, s.backend, keys)
	})
	return err
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	result, err := s.execute(ctx, "keys", func(ctx context.Context) (any, error) {
		return s.backend.Keys(ctx, prefix)
	})
	if err != nil {
		return nil, err
	}
	keys, _ := result.([]string)
	return keys, nil
}

func (s *Store) Name() string {
	return s.backend.Name()
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// State returns the breaker state for inspection.
func (s *Store) State() metrics.CircuitState {
	return toMetricsState(s.cb.State())
}

var (
	_ storage.Backend      = (*Store)(nil)
	_ storage.BatchRemover = (*Store)(nil)
)
