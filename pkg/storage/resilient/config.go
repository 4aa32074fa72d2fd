package resilient

import (
	"time"
)

// Config configures protection around a storage backend.
type Config struct {
	// Timeout bounds every backend operation (0 disables it)
	Timeout time.Duration

	Breaker BreakerConfig
}

// BreakerConfig configures the backend circuit breaker.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open. Default: 1
	MaxRequests uint32

	// Interval is the cyclic period of the closed state after which counts are
	// cleared. 0 never clears.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing. Default: 30s
	Timeout time.Duration

	// ReadyToTrip decides whether to open after a failure. If nil the breaker
	// opens after 5 consecutive failures.
	ReadyToTrip func(counts Counts) bool
}

// Counts holds request tallies for the current breaker generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// DefaultConfig suits a local or LAN backend holding best-effort cache data.
func DefaultConfig() Config {
	return Config{
		Timeout: 2 * time.Second,
		Breaker: BreakerConfig{
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts Counts) bool {
				if counts.ConsecutiveFailures >= 5 {
					return true
				}
				// Require a sample before considering error rate
				if counts.Requests < 20 {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
			},
		},
	}
}

// WithTimeout returns a copy of the config with the specified operation timeout.
func (c Config) WithTimeout(timeout time.Duration) Config {
	c.Timeout = timeout
	return c
}

// WithBreakerTimeout returns a copy of the config with the specified open-state duration.
func (c Config) WithBreakerTimeout(timeout time.Duration) Config {
	c.Breaker.Timeout = timeout
	return c
}
