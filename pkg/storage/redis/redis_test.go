package redis

import (
	"context"
	"sort"
	"testing"
	"time"

	"resilient-client/pkg/storage"
)

func setupTestRedis(t *testing.T) *Store {
	t.Helper()
	config := DefaultConfig()
	config.Name = "test-redis"
	config.KeyPrefix = "test:rc:"
	config.DialTimeout = 2 * time.Second

	s, err := New(config)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	ctx := context.Background()
	keys, err := s.Keys(ctx, "")
	if err != nil {
		s.Close()
		t.Skipf("Redis not usable: %v", err)
	}
	_ = s.RemoveMulti(ctx, keys)

	return s
}

func TestNew_NoAddress(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Fatal("Expected error without addresses")
	}
}

func TestEscapePattern(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"rc:offline_", "rc:offline_"},
		{"a*b", `a\*b`},
		{"q?[x]", `q\?\[x\]`},
		{`back\slash`, `back\\slash`},
	}
	for _, tt := range tests {
		if got := escapePattern(tt.in); got != tt.want {
			t.Errorf("escapePattern(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStore_SetGetRemove(t *testing.T) {
	s := setupTestRedis(t)
	defer s.Close()

	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !storage.IsNotFound(err) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	if err := s.Set(ctx, "key1", `{"data":1}`); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	value, err := s.Get(ctx, "key1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if value != `{"data":1}` {
		t.Errorf("Unexpected value %q", value)
	}

	if err := s.Remove(ctx, "key1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := s.Get(ctx, "key1"); !storage.IsNotFound(err) {
		t.Errorf("Expected ErrNotFound after remove, got %v", err)
	}
}

func TestStore_KeysStripsPrefix(t *testing.T) {
	s := setupTestRedis(t)
	defer s.Close()

	ctx := context.Background()
	for _, k := range []string{"offline_a", "offline_b", "other"} {
		if err := s.Set(ctx, k, "v"); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	keys, err := s.Keys(ctx, "offline_")
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "offline_a" || keys[1] != "offline_b" {
		t.Errorf("Unexpected keys: %v", keys)
	}

	if err := storage.RemoveAll(ctx, s, keys); err != nil {
		t.Fatalf("RemoveAll failed: %v", err)
	}
	left, _ := s.Keys(ctx, "")
	if len(left) != 1 {
		t.Errorf("Expected 1 key left, got %v", left)
	}
}

func TestStore_TTL(t *testing.T) {
	s := setupTestRedis(t)
	defer s.Close()
	s.config.TTL = time.Second

	ctx := context.Background()
	if err := s.Set(ctx, "short", "v"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	time.Sleep(1500 * time.Millisecond)
	if _, err := s.Get(ctx, "short"); !storage.IsNotFound(err) {
		t.Errorf("Expected key to expire, got %v", err)
	}
}
