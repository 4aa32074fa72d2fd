// Package dedup collapses identical in-flight reads into one execution.
package dedup

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Config holds the coalescing window.
type Config struct {
	// Window is how long after start an in-flight call can be joined.
	Window time.Duration
	// Grace keeps a settled entry joinable for a short time after completion.
	Grace time.Duration
}

// DefaultConfig returns a 1s window and a 100ms grace.
func DefaultConfig() Config {
	return Config{
		Window: time.Second,
		Grace:  100 * time.Millisecond,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Window <= 0 {
		return errors.New("dedup: window must be positive")
	}
	if c.Grace < 0 {
		return errors.New("dedup: grace must not be negative")
	}
	return nil
}

var errFactoryPanicked = errors.New("dedup: factory panicked")

type pending[T any] struct {
	started time.Time
	done    chan struct{}
	value   T
	err     error
}

// Deduplicator maps a request key to its in-flight result.
type Deduplicator[T any] struct {
	config Config
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*pending[T]
}

// New creates a deduplicator. Zero config fields take their defaults.
func New[T any](config Config) *Deduplicator[T] {
	d := DefaultConfig()
	if config.Window <= 0 {
		config.Window = d.Window
	}
	if config.Grace < 0 {
		config.Grace = d.Grace
	}
	return &Deduplicator[T]{
		config:  config,
		now:     time.Now,
		entries: make(map[string]*pending[T]),
	}
}

// SetClock replaces time.Now. It must be called before first use.
func (d *Deduplicator[T]) SetClock(now func() time.Time) {
	if now != nil {
		d.now = now
	}
}

// Key builds the dedup key for a request: method, URL and a hash of the body.
func Key(method, url string, body []byte) string {
	var b strings.Builder
	b.Grow(len(method) + len(url) + 18)
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(':')
	b.WriteString(url)
	b.WriteByte(':')
	if len(body) > 0 {
		b.WriteString(strconv.FormatUint(xxhash.Sum64(body), 16))
	}
	return b.String()
}

// GetOrCreate returns the result of the live call registered under key, or
// runs factory and shares its result with callers arriving inside the window.
// shared reports whether the caller joined another caller's execution.
func (d *Deduplicator[T]) GetOrCreate(ctx context.Context, key string, factory func(context.Context) (T, error)) (value T, shared bool, err error) {
	for {
		p, owner := d.acquire(key)
		if owner {
			v, err := d.run(ctx, key, p, factory)
			return v, false, err
		}

		select {
		case <-p.done:
		case <-ctx.Done():
			var zero T
			return zero, true, ctx.Err()
		}

		// The owner gave up; a caller that is still interested runs its own call.
		if errors.Is(p.err, context.Canceled) && ctx.Err() == nil {
			d.forget(key, p)
			continue
		}
		return p.value, true, p.err
	}
}

func (d *Deduplicator[T]) acquire(key string) (*pending[T], bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.pruneLocked(now)

	if p, ok := d.entries[key]; ok && now.Sub(p.started) <= d.config.Window {
		return p, false
	}

	p := &pending[T]{started: now, done: make(chan struct{})}
	d.entries[key] = p
	return p, true
}

func (d *Deduplicator[T]) run(ctx context.Context, key string, p *pending[T], factory func(context.Context) (T, error)) (T, error) {
	settled := false
	defer func() {
		if !settled {
			p.err = errFactoryPanicked
			close(p.done)
			d.forget(key, p)
		}
	}()

	p.value, p.err = factory(ctx)
	settled = true
	close(p.done)

	if d.config.Grace > 0 {
		time.AfterFunc(d.config.Grace, func() { d.forget(key, p) })
	} else {
		d.forget(key, p)
	}
	return p.value, p.err
}

// forget removes key if it still maps to p.
func (d *Deduplicator[T]) forget(key string, p *pending[T]) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.entries[key] == p {
		delete(d.entries, key)
	}
}

// pruneLocked drops entries older than twice the window. Must be called with mu held.
func (d *Deduplicator[T]) pruneLocked(now time.Time) {
	stale := 2 * d.config.Window
	for key, p := range d.entries {
		if now.Sub(p.started) > stale {
			delete(d.entries, key)
		}
	}
}

// Len returns the number of tracked entries, settled ones in their grace period included.
func (d *Deduplicator[T]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
