package breaker

import (
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"resilient-client/pkg/logging"
	"resilient-client/pkg/metrics"

	"go.uber.org/zap"
)

// DefaultGroupSegments is the path depth that forms a group: /api/products/42 -> /api/products.
const DefaultGroupSegments = 2

// Registry owns one breaker per endpoint group. Breakers are created on first
// use and live as long as the registry.
type Registry struct {
	config        Config
	groupSegments int
	now           func() time.Time
	logger        *logging.Logger
	metrics       metrics.Collector

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithGroupSegments sets how many leading path segments form a group.
func WithGroupSegments(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.groupSegments = n
		}
	}
}

// WithRegistryClock replaces time.Now for every breaker in the registry.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the logger used for state transitions.
func WithLogger(l *logging.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics reports state transitions to c.
func WithMetrics(c metrics.Collector) RegistryOption {
	return func(r *Registry) { r.metrics = metrics.OrNoOp(c) }
}

// NewRegistry creates an empty registry whose breakers use config.
func NewRegistry(config Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		config:        config.withDefaults(),
		groupSegments: DefaultGroupSegments,
		now:           time.Now,
		metrics:       metrics.NoOpCollector{},
		breakers:      make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.Component(r.logger, "breaker")
	return r
}

// GroupOf returns the endpoint group for a URL or path. Query strings,
// fragments, scheme and host are ignored.
func (r *Registry) GroupOf(rawURL string) string {
	return Group(rawURL, r.groupSegments)
}

// Group returns the first n path segments of rawURL as "/a/b".
func Group(rawURL string, n int) string {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		path = u.Path
	}

	segments := make([]string, 0, n)
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			continue
		}
		segments = append(segments, seg)
		if len(segments) == n {
			break
		}
	}
	return "/" + strings.Join(segments, "/")
}

// For returns the breaker guarding rawURL's group, creating it on first use.
func (r *Registry) For(rawURL string) *Breaker {
	return r.Get(r.GroupOf(rawURL))
}

// Get returns the breaker for a group name, creating it on first use.
func (r *Registry) Get(group string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[group]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[group]; ok {
		return b
	}

	b = New(group, r.config, WithClock(r.now), OnStateChange(r.onStateChange))
	r.breakers[group] = b
	r.logger.Debug("circuit breaker created", zap.String("group", group))
	return b
}

func (r *Registry) onStateChange(group string, from, to State) {
	r.logger.Warn("circuit breaker state changed",
		zap.String("group", group),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	r.metrics.RecordCircuitState(group, toMetricsState(to))
}

func toMetricsState(s State) metrics.CircuitState {
	switch s {
	case Open:
		return metrics.CircuitOpen
	case HalfOpen:
		return metrics.CircuitHalfOpen
	default:
		return metrics.CircuitClosed
	}
}

// Lookup returns the breaker for group without creating one.
func (r *Registry) Lookup(group string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[group]
	return b, ok
}

// Reset closes the named group's breaker. It reports false for unknown groups.
func (r *Registry) Reset(group string) bool {
	b, ok := r.Lookup(group)
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// ResetAll closes every breaker.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	all := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		all = append(all, b)
	}
	r.mu.RUnlock()

	for _, b := range all {
		b.Reset()
	}
}

// Snapshot returns every breaker's state, sorted by group.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	all := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		all = append(all, b)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(all))
	for _, b := range all {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}

// Len returns the number of breakers created so far.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.breakers)
}
