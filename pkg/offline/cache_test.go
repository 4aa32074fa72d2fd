package offline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"resilient-client/pkg/metrics/memory"
	"resilient-client/pkg/storage"
	memstore "resilient-client/pkg/storage/memory"
	"resilient-client/pkg/storage/mock"
)

type product struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Price int    `json:"price"`
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(t *testing.T, opts ...Option) (*Cache, *memstore.Store, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	backend := memstore.New(memstore.Config{})
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	return New(backend, DefaultConfig(), opts...), backend, clk
}

func TestCache_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _, clk := newTestCache(t)

	want := product{ID: 42, Name: "Widget", Price: 999}
	if err := c.Set(ctx, "/api/products/42", want, nil); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	clk.Advance(time.Hour)
	var got product
	if !c.Get(ctx, "/api/products/42", nil, &got) {
		t.Fatal("Expected hit")
	}
	if got != want {
		t.Errorf("Expected %+v, got %+v", want, got)
	}
}

func TestCache_ParamsArePartOfKey(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t)

	c.Set(ctx, "/api/products", []int{1}, map[string]string{"page": "1", "sort": "asc"})
	c.Set(ctx, "/api/products", []int{2}, map[string]string{"page": "2"})

	var got []int
	if !c.Get(ctx, "/api/products", map[string]string{"sort": "asc", "page": "1"}, &got) || got[0] != 1 {
		t.Errorf("Expected page 1 entry, got %v", got)
	}
	if c.Get(ctx, "/api/products", nil, &got) {
		t.Error("Expected miss without params")
	}
	if c.Key("/a", nil) == c.Key("/b", nil) {
		t.Error("Expected distinct keys per URL")
	}
}

func TestCache_ExpiredEntryIsRemoved(t *testing.T) {
	ctx := context.Background()
	c, backend, clk := newTestCache(t)

	c.Set(ctx, "/api/orders", "data", nil)
	clk.Advance(24*time.Hour + time.Second)

	var got string
	if c.Get(ctx, "/api/orders", nil, &got) {
		t.Fatal("Expected miss after max age")
	}
	if backend.Len() != 0 {
		t.Errorf("Expected expired entry deleted, %d left", backend.Len())
	}
}

func TestCache_FutureEntryIsRemoved(t *testing.T) {
	ctx := context.Background()
	c, backend, clk := newTestCache(t)

	c.Set(ctx, "/x", "data", nil)
	clk.Advance(-time.Minute)

	var got string
	if c.Get(ctx, "/x", nil, &got) {
		t.Fatal("Expected negative age to be treated as absent")
	}
	if backend.Len() != 0 {
		t.Error("Expected entry deleted")
	}
}

func TestCache_VersionMismatchIsRemoved(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Now()}
	backend := memstore.New(memstore.Config{})

	old := New(backend, Config{Version: "1"}, WithClock(clk.Now))
	old.Set(ctx, "/x", "v1 data", nil)

	current := New(backend, Config{Version: "2"}, WithClock(clk.Now))
	var got string
	if current.Get(ctx, "/x", nil, &got) {
		t.Fatal("Expected version mismatch to miss")
	}
	if backend.Len() != 0 {
		t.Error("Expected mismatched entry deleted")
	}
}

func TestCache_CorruptEntryIsRemoved(t *testing.T) {
	ctx := context.Background()
	c, backend, _ := newTestCache(t)

	backend.Set(ctx, c.Key("/x", nil), "{not json")

	var got string
	if c.Get(ctx, "/x", nil, &got) {
		t.Fatal("Expected unparsable entry to miss")
	}
	if backend.Len() != 0 {
		t.Error("Expected unparsable entry deleted")
	}
}

func TestCache_EntryForAnotherURLMisses(t *testing.T) {
	ctx := context.Background()
	c, backend, _ := newTestCache(t)

	if err := c.Set(ctx, "/a", "body-a", nil); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	raw, _ := backend.Get(ctx, c.Key("/a", nil))
	backend.Set(ctx, c.Key("/b", nil), raw)

	if _, ok := c.Lookup(ctx, "/b", nil); ok {
		t.Fatal("Expected entry stored for /a to miss under /b")
	}
	if _, ok := c.Lookup(ctx, "/a", nil); !ok {
		t.Error("Expected /a entry to stay")
	}
}

func TestCache_Remove(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t)

	c.Set(ctx, "/x", 1, nil)
	if err := c.Remove(ctx, "/x", nil); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	var got int
	if c.Get(ctx, "/x", nil, &got) {
		t.Error("Expected miss after remove")
	}
}

func TestCache_UnavailableBackend(t *testing.T) {
	ctx := context.Background()
	mc := memory.NewMemoryCollector()
	c := New(mock.Unavailable("broken"), DefaultConfig(), WithMetrics(mc))

	err := c.Set(ctx, "/x", 1, nil)
	if !errors.Is(err, storage.ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable from Set, got %v", err)
	}
	var got int
	if c.Get(ctx, "/x", nil, &got) {
		t.Error("Expected miss when backend is down")
	}
	if s := mc.Snapshot(); s.CacheWriteErrors != 1 {
		t.Errorf("Expected 1 failed write recorded, got %d", s.CacheWriteErrors)
	}
}

func TestCache_InvalidateRelated(t *testing.T) {
	ctx := context.Background()
	c, backend, _ := newTestCache(t)

	c.Set(ctx, "/api/products/1", 1, nil)
	c.Set(ctx, "/api/products/2", 2, nil)
	c.Set(ctx, "/api/orders/1", 3, nil)
	backend.Set(ctx, "unrelated", "keep me")

	n, err := c.InvalidateRelated(ctx, "/api/products")
	if err != nil {
		t.Fatalf("InvalidateRelated failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 removed, got %d", n)
	}

	var got int
	if !c.Get(ctx, "/api/orders/1", nil, &got) {
		t.Error("Expected unrelated entry kept")
	}
	if _, err := backend.Get(ctx, "unrelated"); err != nil {
		t.Error("Expected keys outside the cache prefix untouched")
	}
}

func TestCache_Clear(t *testing.T) {
	ctx := context.Background()
	c, backend, _ := newTestCache(t)

	c.Set(ctx, "/api/products/1", 1, nil)
	c.Set(ctx, "/api/orders/1", 2, nil)
	c.Set(ctx, "/api/orders/2", 3, nil)
	backend.Set(ctx, "session", "keep me")

	n, err := c.Clear(ctx, "orders")
	if err != nil || n != 2 {
		t.Fatalf("Expected 2 removed by pattern, got %d (%v)", n, err)
	}

	n, err = c.Clear(ctx, "")
	if err != nil || n != 1 {
		t.Fatalf("Expected 1 removed by full clear, got %d (%v)", n, err)
	}
	if backend.Len() != 1 {
		t.Errorf("Expected only the foreign key left, got %d", backend.Len())
	}
}

func TestGetAsSetAs(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t)

	if err := SetAs(ctx, c, "/p", product{ID: 1}, nil); err != nil {
		t.Fatalf("SetAs failed: %v", err)
	}
	got, ok := GetAs[product](ctx, c, "/p", nil)
	if !ok || got.ID != 1 {
		t.Errorf("Expected product 1, got %+v (%v)", got, ok)
	}
	if _, ok := GetAs[product](ctx, c, "/missing", nil); ok {
		t.Error("Expected miss")
	}
}

func TestGetWithRevalidate_MissFetchesAndStores(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t)

	var calls atomic.Int32
	fetch := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return product{ID: 7}, nil
	}

	var got product
	if err := c.GetWithRevalidate(ctx, "/p/7", fetch, nil, &got); err != nil {
		t.Fatalf("GetWithRevalidate failed: %v", err)
	}
	if got.ID != 7 || calls.Load() != 1 {
		t.Fatalf("Expected fetched product, got %+v after %d calls", got, calls.Load())
	}

	got = product{}
	if err := c.GetWithRevalidate(ctx, "/p/7", fetch, nil, &got); err != nil {
		t.Fatalf("GetWithRevalidate failed: %v", err)
	}
	if got.ID != 7 || calls.Load() != 1 {
		t.Errorf("Expected fresh hit without fetch, got %d calls", calls.Load())
	}
}

func TestGetWithRevalidate_MissPropagatesFetchError(t *testing.T) {
	c, _, _ := newTestCache(t)
	boom := errors.New("boom")

	var got product
	err := c.GetWithRevalidate(context.Background(), "/p", func(ctx context.Context) (any, error) { return nil, boom }, nil, &got)
	if !errors.Is(err, boom) {
		t.Errorf("Expected fetch error, got %v", err)
	}
}

func TestGetWithRevalidate_StaleTriggersSingleRefresh(t *testing.T) {
	ctx := context.Background()
	mc := memory.NewMemoryCollector()
	c, _, clk := newTestCache(t, WithMetrics(mc))

	c.Set(ctx, "/p/1", product{ID: 1, Price: 100}, nil)
	clk.Advance(10 * time.Minute)

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (any, error) {
		calls.Add(1)
		<-release
		return product{ID: 1, Price: 200}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var got product
			if err := c.GetWithRevalidate(ctx, "/p/1", fetch, nil, &got); err != nil {
				t.Errorf("GetWithRevalidate failed: %v", err)
			}
			if got.Price != 100 {
				t.Errorf("Expected stale value served immediately, got %+v", got)
			}
		}()
	}
	wg.Wait()

	close(release)
	c.Wait()

	if n := calls.Load(); n != 1 {
		t.Fatalf("Expected exactly 1 refresh, got %d", n)
	}
	var got product
	if !c.Get(ctx, "/p/1", nil, &got) || got.Price != 200 {
		t.Errorf("Expected refreshed value, got %+v", got)
	}
	if s := mc.Snapshot(); s.Revalidations != 1 || s.RevalidationErrors != 0 {
		t.Errorf("Unexpected revalidation metrics: %+v", s)
	}
}

func TestGetWithRevalidate_FailedRefreshKeepsStale(t *testing.T) {
	ctx := context.Background()
	c, _, clk := newTestCache(t)

	c.Set(ctx, "/p/1", product{ID: 1, Price: 100}, nil)
	clk.Advance(10 * time.Minute)

	var got product
	err := c.GetWithRevalidate(ctx, "/p/1", func(ctx context.Context) (any, error) {
		return nil, errors.New("service down")
	}, nil, &got)
	if err != nil {
		t.Fatalf("GetWithRevalidate failed: %v", err)
	}
	c.Wait()

	got = product{}
	if !c.Get(ctx, "/p/1", nil, &got) || got.Price != 100 {
		t.Errorf("Expected stale value kept, got %+v", got)
	}
}

func TestGetWithRevalidate_FreshDoesNotRefresh(t *testing.T) {
	ctx := context.Background()
	c, _, clk := newTestCache(t)

	c.Set(ctx, "/p/1", product{ID: 1}, nil)
	clk.Advance(time.Minute)

	var calls atomic.Int32
	var got product
	c.GetWithRevalidate(ctx, "/p/1", func(ctx context.Context) (any, error) {
		calls.Add(1)
		return product{}, nil
	}, nil, &got)
	c.Wait()

	if calls.Load() != 0 {
		t.Errorf("Expected no refresh for fresh entry, got %d", calls.Load())
	}
}

func TestGetWithRevalidate_RefreshOutlivesCallerContext(t *testing.T) {
	c, _, clk := newTestCache(t)
	c.Set(context.Background(), "/p/1", product{ID: 1}, nil)
	clk.Advance(10 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	var sawCanceled atomic.Bool
	var got product
	c.GetWithRevalidate(ctx, "/p/1", func(ctx context.Context) (any, error) {
		time.Sleep(10 * time.Millisecond)
		sawCanceled.Store(ctx.Err() != nil)
		return product{ID: 1, Price: 5}, nil
	}, nil, &got)
	cancel()
	c.Wait()

	if sawCanceled.Load() {
		t.Error("Expected background refresh to be detached from the caller")
	}
}

func TestNew_StaleTimeClampedToMaxAge(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   time.Duration
	}{
		{"default stale time beyond short max age", Config{MaxAge: time.Minute}, time.Minute},
		{"explicit stale time beyond max age", Config{MaxAge: time.Minute, StaleTime: time.Hour}, time.Minute},
		{"stale time within max age", Config{MaxAge: time.Hour, StaleTime: time.Minute}, time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(memstore.New(memstore.Config{}), tt.config)
			if got := c.Config().StaleTime; got != tt.want {
				t.Errorf("Expected stale time %v, got %v", tt.want, got)
			}
			if err := c.Config().Validate(); err != nil {
				t.Errorf("Expected defaulted config to validate, got %v", err)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"default", DefaultConfig(), false},
		{"zero max age", Config{Version: "1", KeyPrefix: "p"}, true},
		{"stale beyond max", Config{MaxAge: time.Minute, StaleTime: time.Hour, Version: "1", KeyPrefix: "p"}, true},
		{"no version", Config{MaxAge: time.Hour, KeyPrefix: "p"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.config.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
