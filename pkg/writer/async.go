package writer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"resilient-client/pkg/logging"
	"resilient-client/pkg/metrics"
	"resilient-client/pkg/storage"

	"go.uber.org/zap"
)

// AsyncWriter applies backend writes on a worker pool fed by a bounded queue,
// so callers on the read path never wait on a slow store. When the queue stays
// full for MaxWaitTime the write is dropped.
type AsyncWriter struct {
	backend    storage.Backend
	queue      chan writeOp
	workers    int
	wg         sync.WaitGroup
	ctx        context.Context
	cancelFunc context.CancelFunc
	closeOnce  sync.Once
	closeMu    sync.RWMutex
	closed     bool
	config     AsyncWriterConfig
	metrics    metrics.Collector
	logger     *logging.Logger
	name       string

	// Statistics (accessed atomically)
	droppedWrites atomic.Int64
	totalWrites   atomic.Int64
	failedWrites  atomic.Int64
	pending       atomic.Int64

	metricsTicker *time.Ticker
	metricsStop   chan struct{}
}

type writeOp struct {
	key   string
	value string
}

// AsyncWriterConfig configures the async writer behavior.
type AsyncWriterConfig struct {
	// QueueSize is the bounded queue size (default: 1000)
	QueueSize int

	// Workers is the number of concurrent workers (default: 2)
	Workers int

	// MaxWaitTime is the max time to wait if the queue is full (default: 10ms)
	MaxWaitTime time.Duration

	// WriteTimeout bounds each backend Set (default: 2s)
	WriteTimeout time.Duration

	// MetricsInterval is how often queue depth is reported (default: 5s)
	MetricsInterval time.Duration
}

// Option configures an AsyncWriter.
type Option func(*AsyncWriter)

// WithMetrics reports queue depth and drops to c.
func WithMetrics(c metrics.Collector) Option {
	return func(w *AsyncWriter) { w.metrics = metrics.OrNoOp(c) }
}

// WithLogger sets the logger used for failed writes.
func WithLogger(l *logging.Logger) Option {
	return func(w *AsyncWriter) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewAsyncWriter starts the worker pool. It must be closed with Close.
func NewAsyncWriter(backend storage.Backend, config AsyncWriterConfig, opts ...Option) *AsyncWriter {
	if config.QueueSize <= 0 {
		config.QueueSize = 1000
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.MaxWaitTime == 0 {
		config.MaxWaitTime = 10 * time.Millisecond
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 2 * time.Second
	}
	if config.MetricsInterval <= 0 {
		config.MetricsInterval = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &AsyncWriter{
		backend:       backend,
		queue:         make(chan writeOp, config.QueueSize),
		workers:       config.Workers,
		ctx:           ctx,
		cancelFunc:    cancel,
		config:        config,
		metrics:       metrics.NoOpCollector{},
		logger:        logging.Global(),
		name:          backend.Name(),
		metricsTicker: time.NewTicker(config.MetricsInterval),
		metricsStop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named("writer").With(zap.String("backend", w.name))

	for i := 0; i < config.Workers; i++ {
		w.wg.Add(1)
		go w.worker()
	}
	go w.reportMetrics()

	return w
}

// Write enqueues a write. It returns ErrQueueFull if the write was dropped
// due to backpressure and ErrWriterClosed after Close.
func (w *AsyncWriter) Write(ctx context.Context, key, value string) error {
	// Close waits for in-flight writes so nothing is enqueued after the drain.
	w.closeMu.RLock()
	defer w.closeMu.RUnlock()
	if w.closed {
		return ErrWriterClosed
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	timer := time.NewTimer(w.config.MaxWaitTime)
	defer timer.Stop()

	w.pending.Add(1)
	select {
	case w.queue <- writeOp{key: key, value: value}:
		w.totalWrites.Add(1)
		return nil
	case <-timer.C:
		w.pending.Add(-1)
		w.droppedWrites.Add(1)
		w.metrics.RecordWriteDropped(w.name)
		w.logger.Debug("async write dropped", zap.String("key", key))
		return ErrQueueFull
	case <-ctx.Done():
		w.pending.Add(-1)
		return ctx.Err()
	}
}

func (w *AsyncWriter) worker() {
	defer w.wg.Done()

	for {
		select {
		case op := <-w.queue:
			w.apply(op)
		case <-w.ctx.Done():
			// Drain remaining items before exiting
			for {
				select {
				case op := <-w.queue:
					w.apply(op)
				default:
					return
				}
			}
		}
	}
}

func (w *AsyncWriter) apply(op writeOp) {
	defer w.pending.Add(-1)

	ctx, cancel := context.WithTimeout(context.Background(), w.config.WriteTimeout)
	defer cancel()

	if err := w.backend.Set(ctx, op.key, op.value); err != nil {
		w.failedWrites.Add(1)
		w.logger.Warn("async write failed", zap.String("key", op.key), zap.Error(err))
	}
}

// Flush waits until every accepted write has been applied, or timeout elapses.
func (w *AsyncWriter) Flush(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		if w.pending.Load() == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrFlushTimeout
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Close stops accepting writes, applies what is queued, and waits for workers.
// It does not close the backend.
func (w *AsyncWriter) Close() error {
	w.closeOnce.Do(func() {
		w.closeMu.Lock()
		w.closed = true
		w.closeMu.Unlock()

		close(w.metricsStop)
		w.metricsTicker.Stop()
		w.cancelFunc()
		w.wg.Wait()
	})
	return nil
}

func (w *AsyncWriter) reportMetrics() {
	for {
		select {
		case <-w.metricsTicker.C:
			w.metrics.RecordQueueDepth(w.name, len(w.queue))
		case <-w.metricsStop:
			return
		}
	}
}

// Stats returns the writer's counters.
func (w *AsyncWriter) Stats() Stats {
	return Stats{
		Backend:    w.name,
		QueueDepth: len(w.queue),
		Pending:    w.pending.Load(),
		Accepted:   w.totalWrites.Load(),
		Dropped:    w.droppedWrites.Load(),
		Failed:     w.failedWrites.Load(),
	}
}
