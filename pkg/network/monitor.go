// Package network tracks connectivity and publishes online/offline transitions.
package network

import (
	"sync"

	"resilient-client/pkg/logging"
	"resilient-client/pkg/metrics"

	"go.uber.org/zap"
)

// Monitor holds the current connectivity state and fans transitions out to
// subscribers synchronously, in subscription order.
type Monitor struct {
	logger  *logging.Logger
	metrics metrics.Collector

	mu     sync.RWMutex
	online bool
	nextID int
	subs   []subscriber

	// publishMu serializes fan-out so subscribers observe transitions in order.
	publishMu sync.Mutex
}

type subscriber struct {
	id int
	fn func(online bool)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithMetrics reports transitions to c.
func WithMetrics(c metrics.Collector) Option {
	return func(m *Monitor) { m.metrics = metrics.OrNoOp(c) }
}

// NewMonitor creates a monitor that starts online.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{online: true, metrics: metrics.NoOpCollector{}}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.Component(m.logger, "network")
	return m
}

var (
	defaultOnce    sync.Once
	defaultMonitor *Monitor
)

// Default returns the process-wide monitor.
func Default() *Monitor {
	defaultOnce.Do(func() { defaultMonitor = NewMonitor() })
	return defaultMonitor
}

// Status reports whether the network is online.
func (m *Monitor) Status() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Subscribe registers fn for transitions and returns a function that removes it.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subs = append(m.subs, subscriber{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, s := range m.subs {
				if s.id == id {
					m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// SetOnline records the host's connectivity signal. Repeating the current
// state is a no-op. Subscribers must not call SetOnline.
func (m *Monitor) SetOnline(online bool) {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := append([]subscriber(nil), m.subs...)
	m.mu.Unlock()

	if online {
		m.logger.Info("network online")
	} else {
		m.logger.Info("network offline")
	}
	m.metrics.RecordConnectivity(online)

	for _, s := range subs {
		m.notify(s, online)
	}
}

func (m *Monitor) notify(s subscriber, online bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("connectivity subscriber panicked", zap.Any("panic", r))
		}
	}()
	s.fn(online)
}

// Subscribers returns the number of registered subscribers.
func (m *Monitor) Subscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}
