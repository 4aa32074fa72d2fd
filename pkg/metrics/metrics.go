package metrics

import (
	"time"
)

// Collector receives request-lifecycle observations from the client and its
// supporting components. Implementations export them to a backend.
type Collector interface {
	// Request lifecycle
	RecordRequest(group, method, outcome string, duration time.Duration)
	RecordRetry(group string, attempt int)
	RecordDedup(shared bool)

	// Circuit breaker
	RecordCircuitState(group string, state CircuitState)

	// Offline cache
	RecordCacheRead(source string, hit bool)
	RecordCacheWrite(success bool)
	RecordRevalidation(success bool)

	// Connectivity
	RecordConnectivity(online bool)

	// Storage backends
	RecordStorage(backend, operation string, success bool, duration time.Duration)
	RecordQueueDepth(backend string, depth int)
	RecordWriteDropped(backend string)
}

// Request outcomes reported through RecordRequest.
const (
	OutcomeNetwork       = "network"
	OutcomeCache         = "cache"
	OutcomeCacheFallback = "cache_fallback"
	OutcomeDedup         = "dedup"
	OutcomeError         = "error"
)

// Cache read sources reported through RecordCacheRead.
const (
	SourceCircuitOpen = "circuit_open"
	SourceOffline     = "offline"
	SourceFallback    = "fallback"
	SourceRevalidate  = "revalidate"
)

// CircuitState mirrors the breaker states without importing the breaker package.
type CircuitState int

const (
	// CircuitClosed means attempts flow normally.
	CircuitClosed CircuitState = iota
	// CircuitOpen means attempts are rejected.
	CircuitOpen
	// CircuitHalfOpen means a single probe is being allowed through.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NoOpCollector discards everything. It is the default collector.
type NoOpCollector struct{}

func (NoOpCollector) RecordRequest(group, method, outcome string, duration time.Duration) {}
func (NoOpCollector) RecordRetry(group string, attempt int)                               {}
func (NoOpCollector) RecordDedup(shared bool)                                             {}
func (NoOpCollector) RecordCircuitState(group string, state CircuitState)                 {}
func (NoOpCollector) RecordCacheRead(source string, hit bool)                             {}
func (NoOpCollector) RecordCacheWrite(success bool)                                       {}
func (NoOpCollector) RecordRevalidation(success bool)                                     {}
func (NoOpCollector) RecordConnectivity(online bool)                                      {}
func (NoOpCollector) RecordStorage(backend, operation string, success bool, duration time.Duration) {
}
func (NoOpCollector) RecordQueueDepth(backend string, depth int) {}
func (NoOpCollector) RecordWriteDropped(backend string)          {}

// OrNoOp returns c, or a NoOpCollector when c is nil.
func OrNoOp(c Collector) Collector {
	if c == nil {
		return NoOpCollector{}
	}
	return c
}
