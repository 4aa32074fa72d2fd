package storage

import (
	"errors"
	"fmt"
	"strings"
)

// Common backend errors. Implementations return (or wrap) these.
var (
	// ErrNotFound is returned when a requested key does not exist
	ErrNotFound = errors.New("storage: key not found")

	// ErrInvalidKey is returned when a key is empty, too long, or contains invalid characters
	ErrInvalidKey = errors.New("storage: invalid key")

	// ErrUnavailable is returned when a backend is temporarily unavailable (quota, outage, closed)
	ErrUnavailable = errors.New("storage: backend unavailable")

	// ErrTimeout is returned when a backend operation times out
	ErrTimeout = errors.New("storage: operation timeout")

	// ErrCircuitOpen is returned when the backend's circuit breaker is open
	ErrCircuitOpen = errors.New("storage: circuit breaker open")
)

// IsNotFound reports whether err means the key was absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTimeout reports whether err is a backend timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsUnavailable reports whether err means the backend could not serve the call.
// Open circuits count as unavailable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrCircuitOpen)
}

// IsCircuitOpen reports whether err came from an open backend breaker.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// ClassifyError returns a short label for metrics dashboards.
func ClassifyError(err error) string {
	if err == nil {
		return "none"
	}

	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_breaker_open"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrNotFound):
		return "key_not_found"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrInvalidKey):
		return "invalid_key"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "connection", "connect", "dial"):
		return "connection"
	case containsAny(msg, "marshal", "unmarshal", "encode", "decode"):
		return "serialization"
	case containsAny(msg, "sql", "redis"):
		return "backend"
	default:
		return "other"
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// WrapError adds the backend name and operation to err.
func WrapError(err error, backend, operation string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("storage %s %s: %w", backend, operation, err)
}
