package mock

import (
	"context"
	"sync/atomic"

	"resilient-client/pkg/storage"
)

// Backend is a storage.Backend for tests. Each method can be overridden with a
// function hook, and calls are counted atomically.
type Backend struct {
	// Function hooks - set these to customize behavior
	GetFunc    func(ctx context.Context, key string) (string, error)
	SetFunc    func(ctx context.Context, key, value string) error
	RemoveFunc func(ctx context.Context, key string) error
	KeysFunc   func(ctx context.Context, prefix string) ([]string, error)
	NameFunc   func() string
	CloseFunc  func() error

	getCalls    atomic.Int64
	setCalls    atomic.Int64
	removeCalls atomic.Int64
	keysCalls   atomic.Int64
	closeCalls  atomic.Int64
}

// New creates a Backend where Get misses and every other operation succeeds.
func New(name string) *Backend {
	return &Backend{
		NameFunc: func() string { return name },
	}
}

// Unavailable creates a Backend that fails every operation with storage.ErrUnavailable.
func Unavailable(name string) *Backend {
	return &Backend{
		NameFunc: func() string { return name },
		GetFunc: func(ctx context.Context, key string) (string, error) {
			return "", storage.ErrUnavailable
		},
		SetFunc: func(ctx context.Context, key, value string) error {
			return storage.ErrUnavailable
		},
		RemoveFunc: func(ctx context.Context, key string) error {
			return storage.ErrUnavailable
		},
		KeysFunc: func(ctx context.Context, prefix string) ([]string, error) {
			return nil, storage.ErrUnavailable
		},
	}
}

func (m *Backend) Get(ctx context.Context, key string) (string, error) {
	m.getCalls.Add(1)
	if m.GetFunc != nil {
		return m.GetFunc(ctx, key)
	}
	return "", storage.ErrNotFound
}

func (m *Backend) Set(ctx context.Context, key, value string) error {
	m.setCalls.Add(1)
	if m.SetFunc != nil {
		return m.SetFunc(ctx, key, value)
	}
	return nil
}

func (m *Backend) Remove(ctx context.Context, key string) error {
	m.removeCalls.Add(1)
	if m.RemoveFunc != nil {
		return m.RemoveFunc(ctx, key)
	}
	return nil
}

func (m *Backend) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.keysCalls.Add(1)
	if m.KeysFunc != nil {
		return m.KeysFunc(ctx, prefix)
	}
	return nil, nil
}

func (m *Backend) Name() string {
	if m.NameFunc != nil {
		return m.NameFunc()
	}
	return "mock"
}

func (m *Backend) Close() error {
	m.closeCalls.Add(1)
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

// GetCalls returns the number of Get calls.
func (m *Backend) GetCalls() int { return int(m.getCalls.Load()) }

// SetCalls returns the number of Set calls.
func (m *Backend) SetCalls() int { return int(m.setCalls.Load()) }

// RemoveCalls returns the number of Remove calls.
func (m *Backend) RemoveCalls() int { return int(m.removeCalls.Load()) }

// KeysCalls returns the number of Keys calls.
func (m *Backend) KeysCalls() int { return int(m.keysCalls.Load()) }

// CloseCalls returns the number of Close calls.
func (m *Backend) CloseCalls() int { return int(m.closeCalls.Load()) }

var _ storage.Backend = (*Backend)(nil)
