package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"resilient-client/pkg/storage"
)

// Store is an in-process storage.Backend. Values live in a map guarded by an
// RWMutex; an optional MaxEntries bound evicts the least recently used entry.
type Store struct {
	// data stores the entries; nil after Close
	data map[string]*entry

	// mu protects data
	mu sync.RWMutex

	config Config
}

type entry struct {
	value      string
	accessedAt time.Time
}

// Config holds configuration for the memory store.
type Config struct {
	// Name is the backend identifier (default "memory")
	Name string

	// MaxEntries bounds the number of stored keys (0 = unlimited)
	MaxEntries int

	// MaxValueBytes rejects larger values with storage.ErrUnavailable, the way a
	// quota-limited host store would (0 = unlimited)
	MaxValueBytes int
}

// New creates an empty memory store.
func New(config Config) *Store {
	if config.Name == "" {
		config.Name = "memory"
	}
	return &Store{
		data:   make(map[string]*entry),
		config: config,
	}
}

// Get returns the value for key or storage.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	if err := storage.ValidateKey(key); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return "", storage.ErrUnavailable
	}
	e, ok := s.data[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	e.accessedAt = time.Now()
	return e.value, nil
}

// Set stores value under key, evicting the least recently used key when full.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	if s.config.MaxValueBytes > 0 && len(value) > s.config.MaxValueBytes {
		return storage.WrapError(storage.ErrUnavailable, s.config.Name, "set: quota exceeded")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return storage.ErrUnavailable
	}

	if _, exists := s.data[key]; !exists && s.config.MaxEntries > 0 && len(s.data) >= s.config.MaxEntries {
		s.evictLocked()
	}

	s.data[key] = &entry{value: value, accessedAt: time.Now()}
	return nil
}

// evictLocked removes the least recently used entry. Caller holds mu.
func (s *Store) evictLocked() {
	var lruKey string
	var lruTime time.Time

	for k, e := range s.data {
		if lruKey == "" || e.accessedAt.Before(lruTime) {
			lruKey = k
			lruTime = e.accessedAt
		}
	}

	if lruKey != "" {
		delete(s.data, lruKey)
	}
}

// Remove deletes key. Absent keys are ignored.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return storage.ErrUnavailable
	}
	delete(s.data, key)
	return nil
}

// RemoveMulti deletes every key under a single lock.
func (s *Store) RemoveMulti(ctx context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return storage.ErrUnavailable
	}
	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

// Keys lists stored keys with the given prefix in sorted order.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.data == nil {
		return nil, storage.ErrUnavailable
	}

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Name returns the backend name.
func (s *Store) Name() string {
	return s.config.Name
}

// Close drops all data. Later calls fail with storage.ErrUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	s.data = nil
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

var (
	_ storage.Backend      = (*Store)(nil)
	_ storage.BatchRemover = (*Store)(nil)
)
