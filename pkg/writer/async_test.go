package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	memmetrics "resilient-client/pkg/metrics/memory"
	"resilient-client/pkg/storage/mock"
)

// recordingBackend returns a mock that stores every Set in a map.
func recordingBackend() (*mock.Backend, func() map[string]string) {
	var mu sync.Mutex
	writes := make(map[string]string)

	backend := mock.New("recording")
	backend.SetFunc = func(ctx context.Context, key, value string) error {
		mu.Lock()
		defer mu.Unlock()
		writes[key] = value
		return nil
	}

	snapshot := func() map[string]string {
		mu.Lock()
		defer mu.Unlock()
		out := make(map[string]string, len(writes))
		for k, v := range writes {
			out[k] = v
		}
		return out
	}
	return backend, snapshot
}

func TestNewAsyncWriter_Defaults(t *testing.T) {
	w := NewAsyncWriter(mock.New("m"), AsyncWriterConfig{})
	defer w.Close()

	if cap(w.queue) != 1000 {
		t.Errorf("Expected default queue size 1000, got %d", cap(w.queue))
	}
	if w.workers != 2 {
		t.Errorf("Expected default workers 2, got %d", w.workers)
	}
	if w.config.MaxWaitTime != 10*time.Millisecond {
		t.Errorf("Expected default MaxWaitTime 10ms, got %v", w.config.MaxWaitTime)
	}
	if w.config.WriteTimeout != 2*time.Second {
		t.Errorf("Expected default WriteTimeout 2s, got %v", w.config.WriteTimeout)
	}
}

func TestAsyncWriter_Write(t *testing.T) {
	backend, writes := recordingBackend()
	w := NewAsyncWriter(backend, AsyncWriterConfig{QueueSize: 10, Workers: 1})
	defer w.Close()

	if err := w.Write(context.Background(), "key1", "value1"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Flush(time.Second); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if writes()["key1"] != "value1" {
		t.Errorf("Expected value1, got %q", writes()["key1"])
	}
	if w.Stats().Accepted != 1 {
		t.Errorf("Expected 1 total write, got %d", w.Stats().Accepted)
	}
}

func TestAsyncWriter_ConcurrentWrites(t *testing.T) {
	backend, writes := recordingBackend()
	w := NewAsyncWriter(backend, AsyncWriterConfig{QueueSize: 100, Workers: 4})
	defer w.Close()

	var wg sync.WaitGroup
	numWrites := 50
	for i := 0; i < numWrites; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := w.Write(context.Background(), fmt.Sprintf("key%d", i), "v"); err != nil {
				t.Errorf("Write %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if err := w.Flush(time.Second); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if len(writes()) != numWrites {
		t.Errorf("Expected %d writes, got %d", numWrites, len(writes()))
	}
}

func TestAsyncWriter_Backpressure(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once

	backend := mock.New("blocked")
	backend.SetFunc = func(ctx context.Context, key, value string) error {
		once.Do(func() {
			close(started)
			<-release
		})
		return nil
	}

	collector := memmetrics.NewMemoryCollector()
	w := NewAsyncWriter(backend, AsyncWriterConfig{QueueSize: 5, Workers: 1}, WithMetrics(collector))
	defer func() {
		close(release)
		w.Close()
	}()

	// First write occupies the only worker
	if err := w.Write(context.Background(), "key0", "v"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	<-started

	for i := 1; i <= 5; i++ {
		if err := w.Write(context.Background(), fmt.Sprintf("key%d", i), "v"); err != nil {
			t.Fatalf("Write %d failed unexpectedly: %v", i, err)
		}
	}

	if err := w.Write(context.Background(), "key-extra", "v"); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}

	stats := w.Stats()
	if stats.Dropped != 1 {
		t.Errorf("Expected 1 dropped write, got %d", stats.Dropped)
	}
	if stats.Accepted != 6 {
		t.Errorf("Expected 6 accepted writes, got %d", stats.Accepted)
	}
	if collector.Snapshot().Backends["blocked"].DroppedWrites != 1 {
		t.Error("Expected dropped write to be reported to metrics")
	}
}

func TestAsyncWriter_ContextCancellation(t *testing.T) {
	w := NewAsyncWriter(mock.New("m"), AsyncWriterConfig{QueueSize: 10, Workers: 1})
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := w.Write(ctx, "key", "value"); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if err := w.Flush(100 * time.Millisecond); err != nil {
		t.Errorf("Rejected write must not stay pending: %v", err)
	}
}

func TestAsyncWriter_ErrorHandling(t *testing.T) {
	var calls atomic.Int64
	backend := mock.New("failing")
	backend.SetFunc = func(ctx context.Context, key, value string) error {
		calls.Add(1)
		return fmt.Errorf("mock error")
	}

	w := NewAsyncWriter(backend, AsyncWriterConfig{QueueSize: 10, Workers: 1})
	defer w.Close()

	if err := w.Write(context.Background(), "key", "value"); err != nil {
		t.Fatalf("Write enqueue failed: %v", err)
	}
	if err := w.Flush(time.Second); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if calls.Load() != 1 {
		t.Errorf("Expected 1 backend call, got %d", calls.Load())
	}
	if w.Stats().Failed != 1 {
		t.Errorf("Expected 1 failed write in stats, got %d", w.Stats().Failed)
	}
}

func TestAsyncWriter_FlushWaitsForInFlight(t *testing.T) {
	backend, writes := recordingBackend()
	inner := backend.SetFunc
	backend.SetFunc = func(ctx context.Context, key, value string) error {
		time.Sleep(20 * time.Millisecond)
		return inner(ctx, key, value)
	}

	w := NewAsyncWriter(backend, AsyncWriterConfig{QueueSize: 10, Workers: 2})
	defer w.Close()

	for i := 0; i < 5; i++ {
		if err := w.Write(context.Background(), fmt.Sprintf("key%d", i), "v"); err != nil {
			t.Fatalf("Write %d failed: %v", i, err)
		}
	}

	if err := w.Flush(time.Second); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if len(writes()) != 5 {
		t.Errorf("Expected 5 writes after flush, got %d", len(writes()))
	}
}

func TestAsyncWriter_FlushTimeout(t *testing.T) {
	blocker := make(chan struct{})
	var once sync.Once

	backend := mock.New("stuck")
	backend.SetFunc = func(ctx context.Context, key, value string) error {
		once.Do(func() { <-blocker })
		return nil
	}

	w := NewAsyncWriter(backend, AsyncWriterConfig{QueueSize: 10, Workers: 1})
	defer func() {
		close(blocker)
		w.Close()
	}()

	for i := 0; i < 3; i++ {
		_ = w.Write(context.Background(), fmt.Sprintf("key%d", i), "v")
	}

	if err := w.Flush(50 * time.Millisecond); !errors.Is(err, ErrFlushTimeout) {
		t.Errorf("Expected ErrFlushTimeout, got %v", err)
	}
}

func TestAsyncWriter_CloseDrainsQueue(t *testing.T) {
	backend, writes := recordingBackend()
	w := NewAsyncWriter(backend, AsyncWriterConfig{QueueSize: 10, Workers: 2})

	for i := 0; i < 3; i++ {
		if err := w.Write(context.Background(), fmt.Sprintf("key%d", i), "v"); err != nil {
			t.Fatalf("Write %d failed: %v", i, err)
		}
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if len(writes()) != 3 {
		t.Errorf("Expected 3 writes after close, got %d", len(writes()))
	}
	if backend.CloseCalls() != 0 {
		t.Error("Close must not close the backend")
	}

	if err := w.Write(context.Background(), "late", "v"); !errors.Is(err, ErrWriterClosed) {
		t.Errorf("Expected ErrWriterClosed, got %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}
}

func TestAsyncWriter_WriteRacingCloseLeavesNothingPending(t *testing.T) {
	for round := 0; round < 50; round++ {
		backend, _ := recordingBackend()
		w := NewAsyncWriter(backend, AsyncWriterConfig{QueueSize: 100, Workers: 2})

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := w.Write(context.Background(), fmt.Sprintf("key%d", i), "v")
				if err != nil && !errors.Is(err, ErrWriterClosed) {
					t.Errorf("Unexpected error: %v", err)
				}
			}(i)
		}
		w.Close()
		wg.Wait()

		if err := w.Flush(100 * time.Millisecond); err != nil {
			t.Fatalf("Round %d: expected no pending writes after Close, got %d", round, w.Stats().Pending)
		}
	}
}
