package bloom

import (
	"context"
	"sync"

	"resilient-client/pkg/storage"

	"github.com/bits-and-blooms/bloom/v3"
)

// Store answers reads for keys that were never written without touching the
// wrapped backend. Until Seed succeeds every read passes through, since keys
// persisted by an earlier process are not yet in the filter.
type Store struct {
	backend storage.Backend
	filter  *bloom.BloomFilter
	mu      sync.RWMutex

	expectedItems     uint
	falsePositiveRate float64
	seeded            bool

	totalQueries   uint64
	bloomRejected  uint64
	falsePositives uint64
}

// New wraps backend with a filter sized for expectedItems.
func New(backend storage.Backend, expectedItems uint, falsePositiveRate float64) *Store {
	if expectedItems == 0 {
		expectedItems = 10000
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	return &Store{
		backend:           backend,
		filter:            bloom.NewWithEstimates(expectedItems, falsePositiveRate),
		expectedItems:     expectedItems,
		falsePositiveRate: falsePositiveRate,
	}
}

// Seed loads every key from the backend into the filter and enables rejection.
func (s *Store) Seed(ctx context.Context) error {
	keys, err := s.backend.Keys(ctx, "")
	if err != nil {
		return storage.WrapError(err, s.Name(), "seed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		s.filter.AddString(k)
	}
	s.seeded = true
	return nil
}

func (s *Store) Name() string {
	return "bloom(" + s.backend.Name() + ")"
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.totalQueries++
	if s.seeded && !s.filter.TestString(key) {
		s.bloomRejected++
		s.mu.Unlock()
		return "", storage.ErrNotFound
	}
	s.mu.Unlock()

	value, err := s.backend.Get(ctx, key)
	if storage.IsNotFound(err) {
		s.mu.Lock()
		s.falsePositives++
		s.mu.Unlock()
	}
	return value, err
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Added before the write so a concurrent Get never misses a stored key.
	s.mu.Lock()
	s.filter.AddString(key)
	s.mu.Unlock()

	return s.backend.Set(ctx, key, value)
}

// Remove deletes from the backend. The filter keeps the key; the next read
// falls through and counts as a false positive.
func (s *Store) Remove(ctx context.Context, key string) error {
	return s.backend.Remove(ctx, key)
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	return s.backend.Keys(ctx, prefix)
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// Reset clears the filter and disables rejection until the next Seed.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.filter = bloom.NewWithEstimates(s.expectedItems, s.falsePositiveRate)
	s.seeded = false
	s.totalQueries = 0
	s.bloomRejected = 0
	s.falsePositives = 0
}

// Stats returns statistics about the bloom filter.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rejectionRate := 0.0
	falsePositiveRate := 0.0

	if s.totalQueries > 0 {
		rejectionRate = float64(s.bloomRejected) / float64(s.totalQueries)
		queried := s.totalQueries - s.bloomRejected
		if queried > 0 {
			falsePositiveRate = float64(s.falsePositives) / float64(queried)
		}
	}

	return Stats{
		Seeded:            s.seeded,
		TotalQueries:      s.totalQueries,
		BloomRejected:     s.bloomRejected,
		FalsePositives:    s.falsePositives,
		RejectionRate:     rejectionRate,
		FalsePositiveRate: falsePositiveRate,
		FilterCapacity:    s.filter.Cap(),
	}
}

// Stats holds statistics about bloom filter performance.
type Stats struct {
	Seeded            bool
	TotalQueries      uint64
	BloomRejected     uint64
	FalsePositives    uint64
	RejectionRate     float64
	FalsePositiveRate float64
	FilterCapacity    uint
}

var _ storage.Backend = (*Store)(nil)
