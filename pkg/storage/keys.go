package storage

import (
	"fmt"
	"strings"
	"unicode"
)

// MaxKeyLength is the longest key any backend accepts.
const MaxKeyLength = 250

// ValidateKey checks a key against the rules every backend enforces:
// non-empty, at most MaxKeyLength bytes, no control characters and no
// leading or trailing whitespace.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}

	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: key too long (max %d characters)", ErrInvalidKey, MaxKeyLength)
	}

	for _, r := range key {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: key contains control character", ErrInvalidKey)
		}
	}

	if strings.TrimSpace(key) != key {
		return fmt.Errorf("%w: key has leading or trailing whitespace", ErrInvalidKey)
	}

	return nil
}

// FilterPrefix returns the keys that start with prefix, preserving order.
func FilterPrefix(keys []string, prefix string) []string {
	if prefix == "" {
		return keys
	}
	out := keys[:0:0]
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}
