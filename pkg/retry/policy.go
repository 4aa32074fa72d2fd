// Package retry decides whether a failed attempt is retried and how long to
// wait before the next one.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"resilient-client/pkg/apierror"
)

// Config holds the retry tunables.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseDelay is the backoff for attempt 0; it doubles every attempt.
	BaseDelay time.Duration
	// MaxDelay caps every delay, jitter and Retry-After included.
	MaxDelay time.Duration
	// MaxJitter is the upper bound of the uniform jitter added to each delay.
	// Zero disables jitter; DefaultConfig sets one second.
	MaxJitter time.Duration
}

// DefaultConfig returns 3 retries, 1s base, 30s cap and up to 1s of jitter.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		MaxJitter:  time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("retry: max retries must not be negative, got %d", c.MaxRetries)
	}
	if c.BaseDelay < 0 || c.MaxDelay < 0 || c.MaxJitter < 0 {
		return errors.New("retry: delays must not be negative")
	}
	if c.MaxDelay > 0 && c.BaseDelay > c.MaxDelay {
		return errors.New("retry: base delay exceeds max delay")
	}
	return nil
}

// RandSource yields jitter samples in [0, 1).
type RandSource interface {
	Float64() float64
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

// NewRandSource returns a randomly seeded source safe for concurrent use.
func NewRandSource() RandSource {
	return &lockedRand{r: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// FixedRand always returns the same sample. Values are clamped to [0, 1).
type FixedRand float64

func (f FixedRand) Float64() float64 {
	switch {
	case f < 0:
		return 0
	case f >= 1:
		return 0.9999999999
	default:
		return float64(f)
	}
}

// Policy implements the retry decision and backoff schedule.
type Policy struct {
	config Config
	rand   RandSource
	now    func() time.Time
}

// Option configures a Policy.
type Option func(*Policy)

// WithRandSource replaces the jitter source.
func WithRandSource(r RandSource) Option {
	return func(p *Policy) {
		if r != nil {
			p.rand = r
		}
	}
}

// WithClock replaces time.Now for Retry-After dates.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) {
		if now != nil {
			p.now = now
		}
	}
}

// New creates a policy. A zero MaxDelay or BaseDelay takes the default, but a
// zero MaxJitter is kept and means no jitter. Start from DefaultConfig to get
// the default jitter.
func New(config Config, opts ...Option) *Policy {
	d := DefaultConfig()
	if config.BaseDelay <= 0 {
		config.BaseDelay = d.BaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = d.MaxDelay
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	p := &Policy{config: config, rand: NewRandSource(), now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the policy configuration.
func (p *Policy) Config() Config {
	return p.config
}

// MaxRetries returns the number of retries allowed after the first attempt.
func (p *Policy) MaxRetries() int {
	return p.config.MaxRetries
}

// ShouldRetry reports whether err, observed on the zero-based attempt, should be retried.
func (p *Policy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.config.MaxRetries {
		return false
	}
	return Retryable(err)
}

// Retryable classifies err regardless of the attempt count. Client errors
// other than 408 and 429 are deterministic and never retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	if e, ok := apierror.As(err); ok {
		switch e.Kind {
		case apierror.KindTransport, apierror.KindTimeout:
			return true
		case apierror.KindHTTP:
			return RetryableStatus(e.Status)
		default:
			// Open circuits, offline and caller cancellation are settled elsewhere.
			return false
		}
	}

	switch {
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF):
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// RetryableStatus reports whether an HTTP status is worth retrying.
func RetryableStatus(status int) bool {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}

// Backoff returns the deterministic part of the delay: BaseDelay·2^attempt capped at MaxDelay.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := p.config.BaseDelay
	for i := 0; i < attempt; i++ {
		if delay >= p.config.MaxDelay {
			return p.config.MaxDelay
		}
		delay *= 2
	}
	return min(delay, p.config.MaxDelay)
}

// NextDelay returns the wait before retrying after the zero-based attempt:
// min(BaseDelay·2^attempt + jitter, MaxDelay).
func (p *Policy) NextDelay(attempt int) time.Duration {
	delay := p.Backoff(attempt)
	if p.config.MaxJitter > 0 {
		delay += time.Duration(p.rand.Float64() * float64(p.config.MaxJitter))
	}
	return min(delay, p.config.MaxDelay)
}

// DelayWithRetryAfter honors a server-provided Retry-After by waiting at
// least that long, still capped at MaxDelay.
func (p *Policy) DelayWithRetryAfter(attempt int, retryAfter time.Duration) time.Duration {
	delay := p.NextDelay(attempt)
	if retryAfter > delay {
		delay = retryAfter
	}
	return min(delay, p.config.MaxDelay)
}

// ParseRetryAfter parses a Retry-After header given as delta-seconds or an
// HTTP date. It returns 0 when the value is absent, malformed or in the past.
func (p *Policy) ParseRetryAfter(value string) time.Duration {
	return ParseRetryAfter(value, p.now())
}

// ParseRetryAfter parses a Retry-After value relative to now.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}

	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
