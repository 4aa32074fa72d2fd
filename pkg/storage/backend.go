// Package storage defines the key/value contract the offline cache persists
// through, plus helpers shared by every backend implementation.
package storage

import (
	"context"
	"fmt"
)

// Backend is a string key/value store. Implementations must be safe for
// concurrent use and treat each key independently.
type Backend interface {
	// Get returns the stored value, or ErrNotFound when the key is absent.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// Keys lists every stored key starting with prefix. An empty prefix lists all keys.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Name identifies the backend in logs and metrics (e.g. "memory", "sqlite", "redis").
	Name() string

	// Close releases resources held by the backend.
	Close() error
}

// BatchRemover is implemented by backends that can delete many keys in one round trip.
type BatchRemover interface {
	RemoveMulti(ctx context.Context, keys []string) error
}

// RemoveAll deletes keys from b, in one call when b supports it.
func RemoveAll(ctx context.Context, b Backend, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if br, ok := b.(BatchRemover); ok {
		return br.RemoveMulti(ctx, keys)
	}

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.Remove(ctx, key); err != nil {
			return fmt.Errorf("remove %q: %w", key, err)
		}
	}
	return nil
}
