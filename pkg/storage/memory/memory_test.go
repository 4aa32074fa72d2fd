package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"resilient-client/pkg/storage"
)

func TestStore_GetSet(t *testing.T) {
	s := New(Config{Name: "test"})
	defer s.Close()

	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !storage.IsNotFound(err) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	if err := s.Set(ctx, "key1", "value1"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	value, err := s.Get(ctx, "key1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if value != "value1" {
		t.Errorf("Expected 'value1', got %q", value)
	}

	if err := s.Set(ctx, "key1", "value2"); err != nil {
		t.Fatalf("Overwrite failed: %v", err)
	}
	if value, _ := s.Get(ctx, "key1"); value != "value2" {
		t.Errorf("Expected overwritten value, got %q", value)
	}
}

func TestStore_Remove(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()

	_ = s.Set(ctx, "key1", "v")
	if err := s.Remove(ctx, "key1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := s.Get(ctx, "key1"); !storage.IsNotFound(err) {
		t.Errorf("Expected ErrNotFound after remove, got %v", err)
	}
	if err := s.Remove(ctx, "never-set"); err != nil {
		t.Errorf("Removing an absent key should succeed, got %v", err)
	}
}

func TestStore_Keys(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()

	for _, k := range []string{"offline_b", "offline_a", "other_c"} {
		_ = s.Set(ctx, k, "v")
	}

	keys, err := s.Keys(ctx, "offline_")
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if strings.Join(keys, ",") != "offline_a,offline_b" {
		t.Errorf("Unexpected keys: %v", keys)
	}

	all, _ := s.Keys(ctx, "")
	if len(all) != 3 {
		t.Errorf("Expected 3 keys, got %d", len(all))
	}
}

func TestStore_InvalidKey(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()

	tests := []string{"", " padded", "tab\tkey", strings.Repeat("k", storage.MaxKeyLength+1)}
	for _, key := range tests {
		if err := s.Set(ctx, key, "v"); !errors.Is(err, storage.ErrInvalidKey) {
			t.Errorf("Set(%q): expected ErrInvalidKey, got %v", key, err)
		}
	}
}

func TestStore_MaxEntriesEvictsLRU(t *testing.T) {
	s := New(Config{MaxEntries: 2})
	ctx := context.Background()

	_ = s.Set(ctx, "a", "1")
	time.Sleep(time.Millisecond)
	_ = s.Set(ctx, "b", "2")
	time.Sleep(time.Millisecond)
	_, _ = s.Get(ctx, "a") // a is now more recent than b
	time.Sleep(time.Millisecond)
	_ = s.Set(ctx, "c", "3")

	if s.Len() != 2 {
		t.Fatalf("Expected 2 entries, got %d", s.Len())
	}
	if _, err := s.Get(ctx, "b"); !storage.IsNotFound(err) {
		t.Error("Expected b to be evicted")
	}
	if _, err := s.Get(ctx, "a"); err != nil {
		t.Error("Expected a to survive eviction")
	}
}

func TestStore_QuotaExceeded(t *testing.T) {
	s := New(Config{MaxValueBytes: 4})
	ctx := context.Background()

	err := s.Set(ctx, "big", "too large")
	if !storage.IsUnavailable(err) {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}
}

func TestStore_Closed(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()
	_ = s.Close()

	if _, err := s.Get(ctx, "k"); !storage.IsUnavailable(err) {
		t.Errorf("Expected ErrUnavailable after close, got %v", err)
	}
	if err := s.Set(ctx, "k", "v"); !storage.IsUnavailable(err) {
		t.Errorf("Expected ErrUnavailable after close, got %v", err)
	}
	if _, err := s.Keys(ctx, ""); !storage.IsUnavailable(err) {
		t.Errorf("Expected ErrUnavailable after close, got %v", err)
	}
}

func TestStore_RemoveAll(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = s.Set(ctx, fmt.Sprintf("k%d", i), "v")
	}
	if err := storage.RemoveAll(ctx, s, []string{"k0", "k1", "k2"}); err != nil {
		t.Fatalf("RemoveAll failed: %v", err)
	}
	if s.Len() != 2 {
		t.Errorf("Expected 2 remaining, got %d", s.Len())
	}
}

func TestStore_Concurrent(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", i%10)
			_ = s.Set(ctx, key, "v")
			_, _ = s.Get(ctx, key)
			_, _ = s.Keys(ctx, "key-")
		}(i)
	}
	wg.Wait()

	if s.Len() != 10 {
		t.Errorf("Expected 10 keys, got %d", s.Len())
	}
}
