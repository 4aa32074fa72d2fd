package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"resilient-client/pkg/logging"

	"go.uber.org/zap"
)

// ProberConfig configures the active connectivity probe.
type ProberConfig struct {
	// ProbeURL receives a HEAD request each interval. Any response counts as online.
	ProbeURL string
	// ProbeAddr is dialed over TCP when ProbeURL is empty.
	ProbeAddr string

	Interval              time.Duration
	Timeout               time.Duration
	FailuresBeforeOffline int
}

// DefaultProberConfig returns a 15s interval, 3s timeout and two strikes.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Interval:              15 * time.Second,
		Timeout:               3 * time.Second,
		FailuresBeforeOffline: 2,
	}
}

// Validate checks the configuration.
func (c ProberConfig) Validate() error {
	if c.ProbeURL == "" && c.ProbeAddr == "" {
		return errors.New("network: probe URL or address is required")
	}
	if c.Interval <= 0 || c.Timeout <= 0 {
		return errors.New("network: probe interval and timeout must be positive")
	}
	if c.FailuresBeforeOffline < 1 {
		return fmt.Errorf("network: failures before offline must be at least 1, got %d", c.FailuresBeforeOffline)
	}
	return nil
}

// Prober periodically checks reachability and drives a Monitor.
type Prober struct {
	config  ProberConfig
	monitor *Monitor
	client  *http.Client
	dialer  *net.Dialer
	logger  *logging.Logger

	mu       sync.Mutex
	failures int
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewProber creates a prober for monitor. Zero config fields take their defaults.
func NewProber(monitor *Monitor, config ProberConfig, logger *logging.Logger) (*Prober, error) {
	d := DefaultProberConfig()
	if config.Interval <= 0 {
		config.Interval = d.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = d.Timeout
	}
	if config.FailuresBeforeOffline <= 0 {
		config.FailuresBeforeOffline = d.FailuresBeforeOffline
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Prober{
		config:  config,
		monitor: monitor,
		client:  &http.Client{Timeout: config.Timeout},
		dialer:  &net.Dialer{Timeout: config.Timeout},
		logger:  logging.Component(logger, "network").Named("prober"),
	}, nil
}

// Start probes once immediately and then every interval until ctx is done or Stop is called.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	go func() {
		defer close(done)

		ticker := time.NewTicker(p.config.Interval)
		defer ticker.Stop()

		p.ProbeOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.ProbeOnce(ctx)
			}
		}
	}()
}

// Stop halts probing and waits for the loop to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// ProbeOnce performs a single check and updates the monitor.
func (p *Prober) ProbeOnce(ctx context.Context) bool {
	err := p.probe(ctx)
	if ctx.Err() != nil {
		return p.monitor.Status()
	}

	p.mu.Lock()
	if err == nil {
		p.failures = 0
		p.mu.Unlock()
		p.monitor.SetOnline(true)
		return true
	}
	p.failures++
	failures := p.failures
	p.mu.Unlock()

	p.logger.Debug("connectivity probe failed", zap.Int("consecutive", failures), zap.Error(err))
	if failures >= p.config.FailuresBeforeOffline {
		p.monitor.SetOnline(false)
	}
	return p.monitor.Status()
}

func (p *Prober) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	if p.config.ProbeURL != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.config.ProbeURL, nil)
		if err != nil {
			return err
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		return resp.Body.Close()
	}

	conn, err := p.dialer.DialContext(ctx, "tcp", p.config.ProbeAddr)
	if err != nil {
		return err
	}
	return conn.Close()
}
