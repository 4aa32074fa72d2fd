package prometheus

import (
	"strconv"
	"time"

	"resilient-client/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements metrics.Collector for Prometheus.
type PrometheusCollector struct {
	namespace string

	// Requests
	requests         *prometheus.CounterVec
	requestLatency   *prometheus.HistogramVec
	retries          *prometheus.CounterVec
	dedupLookups     *prometheus.CounterVec
	circuitOpens     *prometheus.CounterVec
	circuitState     *prometheus.GaugeVec
	connectivity     prometheus.Gauge
	connectivityFlip *prometheus.CounterVec

	// Offline cache
	cacheReads    *prometheus.CounterVec
	cacheWrites   *prometheus.CounterVec
	revalidations *prometheus.CounterVec

	// Storage
	storageOps     *prometheus.CounterVec
	storageLatency *prometheus.HistogramVec
	queueDepth     *prometheus.GaugeVec
	droppedWrites  *prometheus.CounterVec
}

// NewPrometheusCollector creates a collector. Call Register before use.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	return &PrometheusCollector{
		namespace: namespace,
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Logical requests by endpoint group, method and outcome",
			},
			[]string{"group", "method", "outcome"},
		),
		requestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Logical request latency including retries and backoff",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~32s
			},
			[]string{"group", "outcome"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Retry attempts by endpoint group and attempt number",
			},
			[]string{"group", "attempt"},
		),
		dedupLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dedup_lookups_total",
				Help:      "Deduplicator lookups by whether an in-flight result was shared",
			},
			[]string{"shared"},
		),
		circuitOpens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_opens_total",
				Help:      "Transitions to the open state per endpoint group",
			},
			[]string{"group"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_state",
				Help:      "Current breaker state per endpoint group (0=closed, 1=open, 2=half-open)",
			},
			[]string{"group"},
		),
		connectivity: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "online",
				Help:      "1 when the network monitor reports online",
			},
		),
		connectivityFlip: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connectivity_transitions_total",
				Help:      "Connectivity transitions by target state",
			},
			[]string{"to"},
		),
		cacheReads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "offline_cache_reads_total",
				Help:      "Offline cache reads by source and result",
			},
			[]string{"source", "result"},
		),
		cacheWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "offline_cache_writes_total",
				Help:      "Best-effort offline cache writes by status",
			},
			[]string{"status"},
		),
		revalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "revalidations_total",
				Help:      "Background stale-while-revalidate refreshes by status",
			},
			[]string{"status"},
		),
		storageOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_operations_total",
				Help:      "Storage backend operations by backend, operation and status",
			},
			[]string{"backend", "operation", "status"},
		),
		storageLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "storage_operation_duration_seconds",
				Help:      "Storage backend operation latency",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15), // 0.1ms to ~3s
			},
			[]string{"backend", "operation"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current async writer queue depth per backend",
			},
			[]string{"backend"},
		),
		droppedWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_writes_total",
				Help:      "Async writes dropped due to backpressure per backend",
			},
			[]string{"backend"},
		),
	}
}

// Register registers all metrics with the given registerer.
func (pc *PrometheusCollector) Register(registry prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		pc.requests,
		pc.requestLatency,
		pc.retries,
		pc.dedupLookups,
		pc.circuitOpens,
		pc.circuitState,
		pc.connectivity,
		pc.connectivityFlip,
		pc.cacheReads,
		pc.cacheWrites,
		pc.revalidations,
		pc.storageOps,
		pc.storageLatency,
		pc.queueDepth,
		pc.droppedWrites,
	}

	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}

	return nil
}

// RecordRequest records a finished logical request.
func (pc *PrometheusCollector) RecordRequest(group, method, outcome string, duration time.Duration) {
	pc.requests.WithLabelValues(group, method, outcome).Inc()
	pc.requestLatency.WithLabelValues(group, outcome).Observe(duration.Seconds())
}

// RecordRetry records a retry attempt.
func (pc *PrometheusCollector) RecordRetry(group string, attempt int) {
	pc.retries.WithLabelValues(group, strconv.Itoa(attempt)).Inc()
}

// RecordDedup records a deduplicator lookup.
func (pc *PrometheusCollector) RecordDedup(shared bool) {
	pc.dedupLookups.WithLabelValues(strconv.FormatBool(shared)).Inc()
}

// RecordCircuitState records a breaker transition.
func (pc *PrometheusCollector) RecordCircuitState(group string, state metrics.CircuitState) {
	pc.circuitState.WithLabelValues(group).Set(float64(state))
	if state == metrics.CircuitOpen {
		pc.circuitOpens.WithLabelValues(group).Inc()
	}
}

// RecordCacheRead records an offline cache lookup.
func (pc *PrometheusCollector) RecordCacheRead(source string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	pc.cacheReads.WithLabelValues(source, result).Inc()
}

// RecordCacheWrite records a best-effort cache write.
func (pc *PrometheusCollector) RecordCacheWrite(success bool) {
	pc.cacheWrites.WithLabelValues(status(success)).Inc()
}

// RecordRevalidation records a background refresh.
func (pc *PrometheusCollector) RecordRevalidation(success bool) {
	pc.revalidations.WithLabelValues(status(success)).Inc()
}

// RecordConnectivity records a connectivity transition.
func (pc *PrometheusCollector) RecordConnectivity(online bool) {
	if online {
		pc.connectivity.Set(1)
		pc.connectivityFlip.WithLabelValues("online").Inc()
		return
	}
	pc.connectivity.Set(0)
	pc.connectivityFlip.WithLabelValues("offline").Inc()
}

// RecordStorage records a storage backend operation.
func (pc *PrometheusCollector) RecordStorage(backend, operation string, success bool, duration time.Duration) {
	pc.storageOps.WithLabelValues(backend, operation, status(success)).Inc()
	pc.storageLatency.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// RecordQueueDepth records the current async writer queue depth.
func (pc *PrometheusCollector) RecordQueueDepth(backend string, depth int) {
	pc.queueDepth.WithLabelValues(backend).Set(float64(depth))
}

// RecordWriteDropped records a dropped async write.
func (pc *PrometheusCollector) RecordWriteDropped(backend string) {
	pc.droppedWrites.WithLabelValues(backend).Inc()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
