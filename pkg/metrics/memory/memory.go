package memory

import (
	"maps"
	"sync"
	"time"

	"resilient-client/pkg/metrics"
)

// MemoryCollector implements metrics.Collector in memory. Tests use it to
// assert on what the client reported.
type MemoryCollector struct {
	mu sync.RWMutex

	groups   map[string]*GroupMetrics
	backends map[string]*BackendMetrics

	cacheHits      map[string]int64
	cacheMisses    map[string]int64
	cacheWrites    int64
	cacheWriteErrs int64

	revalidations    int64
	revalidationErrs int64

	dedupShared int64
	dedupOwned  int64

	online              bool
	connectivityChanges int64
}

// GroupMetrics holds metrics for a single endpoint group.
type GroupMetrics struct {
	Requests  int64
	Outcomes  map[string]int64
	Retries   int64
	Latencies []time.Duration

	CircuitState metrics.CircuitState
	CircuitOpens int64
}

// BackendMetrics holds metrics for a single storage backend.
type BackendMetrics struct {
	Operations    map[string]int64
	Errors        int64
	QueueDepth    int
	DroppedWrites int64
	Latencies     []time.Duration
}

// NewMemoryCollector creates a new in-memory metrics collector.
func NewMemoryCollector() *MemoryCollector {
	return &MemoryCollector{
		groups:      make(map[string]*GroupMetrics),
		backends:    make(map[string]*BackendMetrics),
		cacheHits:   make(map[string]int64),
		cacheMisses: make(map[string]int64),
		online:      true,
	}
}

// group must be called with mu held.
func (mc *MemoryCollector) group(name string) *GroupMetrics {
	gm, ok := mc.groups[name]
	if !ok {
		gm = &GroupMetrics{Outcomes: make(map[string]int64)}
		mc.groups[name] = gm
	}
	return gm
}

// backend must be called with mu held.
func (mc *MemoryCollector) backend(name string) *BackendMetrics {
	bm, ok := mc.backends[name]
	if !ok {
		bm = &BackendMetrics{Operations: make(map[string]int64)}
		mc.backends[name] = bm
	}
	return bm
}

func (mc *MemoryCollector) RecordRequest(group, method, outcome string, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	gm := mc.group(group)
	gm.Requests++
	gm.Outcomes[outcome]++
	gm.Latencies = append(gm.Latencies, duration)
}

func (mc *MemoryCollector) RecordRetry(group string, attempt int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.group(group).Retries++
}

func (mc *MemoryCollector) RecordDedup(shared bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if shared {
		mc.dedupShared++
	} else {
		mc.dedupOwned++
	}
}

func (mc *MemoryCollector) RecordCircuitState(group string, state metrics.CircuitState) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	gm := mc.group(group)
	old := gm.CircuitState
	gm.CircuitState = state

	// Count transitions to open
	if old != metrics.CircuitOpen && state == metrics.CircuitOpen {
		gm.CircuitOpens++
	}
}

func (mc *MemoryCollector) RecordCacheRead(source string, hit bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if hit {
		mc.cacheHits[source]++
	} else {
		mc.cacheMisses[source]++
	}
}

func (mc *MemoryCollector) RecordCacheWrite(success bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.cacheWrites++
	if !success {
		mc.cacheWriteErrs++
	}
}

func (mc *MemoryCollector) RecordRevalidation(success bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.revalidations++
	if !success {
		mc.revalidationErrs++
	}
}

func (mc *MemoryCollector) RecordConnectivity(online bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.online = online
	mc.connectivityChanges++
}

func (mc *MemoryCollector) RecordStorage(backend, operation string, success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	bm := mc.backend(backend)
	bm.Operations[operation]++
	if !success {
		bm.Errors++
	}
	bm.Latencies = append(bm.Latencies, duration)
}

func (mc *MemoryCollector) RecordQueueDepth(backend string, depth int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.backend(backend).QueueDepth = depth
}

func (mc *MemoryCollector) RecordWriteDropped(backend string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.backend(backend).DroppedWrites++
}

// Snapshot is a point-in-time copy of the collected metrics.
type Snapshot struct {
	Groups   map[string]GroupMetrics
	Backends map[string]BackendMetrics

	CacheHits        map[string]int64
	CacheMisses      map[string]int64
	CacheWrites      int64
	CacheWriteErrors int64

	Revalidations      int64
	RevalidationErrors int64

	DedupShared int64
	DedupOwned  int64

	Online              bool
	ConnectivityChanges int64
}

// Snapshot returns a copy of the current metrics state.
func (mc *MemoryCollector) Snapshot() Snapshot {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	s := Snapshot{
		Groups:              make(map[string]GroupMetrics, len(mc.groups)),
		Backends:            make(map[string]BackendMetrics, len(mc.backends)),
		CacheHits:           maps.Clone(mc.cacheHits),
		CacheMisses:         maps.Clone(mc.cacheMisses),
		CacheWrites:         mc.cacheWrites,
		CacheWriteErrors:    mc.cacheWriteErrs,
		Revalidations:       mc.revalidations,
		RevalidationErrors:  mc.revalidationErrs,
		DedupShared:         mc.dedupShared,
		DedupOwned:          mc.dedupOwned,
		Online:              mc.online,
		ConnectivityChanges: mc.connectivityChanges,
	}

	for name, gm := range mc.groups {
		c := *gm
		c.Outcomes = maps.Clone(gm.Outcomes)
		c.Latencies = append([]time.Duration(nil), gm.Latencies...)
		s.Groups[name] = c
	}
	for name, bm := range mc.backends {
		c := *bm
		c.Operations = maps.Clone(bm.Operations)
		c.Latencies = append([]time.Duration(nil), bm.Latencies...)
		s.Backends[name] = c
	}

	return s
}

// Reset clears all collected metrics.
func (mc *MemoryCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.groups = make(map[string]*GroupMetrics)
	mc.backends = make(map[string]*BackendMetrics)
	mc.cacheHits = make(map[string]int64)
	mc.cacheMisses = make(map[string]int64)
	mc.cacheWrites, mc.cacheWriteErrs = 0, 0
	mc.revalidations, mc.revalidationErrs = 0, 0
	mc.dedupShared, mc.dedupOwned = 0, 0
	mc.online = true
	mc.connectivityChanges = 0
}

// Group returns a copy of the metrics for one endpoint group, or nil.
func (mc *MemoryCollector) Group(name string) *GroupMetrics {
	s := mc.Snapshot()
	gm, ok := s.Groups[name]
	if !ok {
		return nil
	}
	return &gm
}

var _ metrics.Collector = (*MemoryCollector)(nil)
