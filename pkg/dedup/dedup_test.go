package dedup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKey(t *testing.T) {
	if Key("get", "/x", nil) != "GET:/x:" {
		t.Errorf("Unexpected key %q", Key("get", "/x", nil))
	}
	if Key("POST", "/x", []byte(`{"a":1}`)) == Key("POST", "/x", []byte(`{"a":2}`)) {
		t.Error("Expected different bodies to produce different keys")
	}
	if Key("POST", "/x", []byte(`{"a":1}`)) != Key("POST", "/x", []byte(`{"a":1}`)) {
		t.Error("Expected identical requests to share a key")
	}
}

func TestGetOrCreate_ConcurrentCallersShareOneExecution(t *testing.T) {
	d := New[string](DefaultConfig())

	var calls atomic.Int32
	release := make(chan struct{})
	factory := func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "payload", nil
	}

	const callers = 2
	var wg sync.WaitGroup
	var sharedCount atomic.Int32
	results := make([]string, callers)
	started := make(chan struct{}, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started <- struct{}{}
			v, shared, err := d.GetOrCreate(context.Background(), "GET:/x:", factory)
			if err != nil {
				t.Errorf("GetOrCreate failed: %v", err)
			}
			if shared {
				sharedCount.Add(1)
			}
			results[i] = v
		}(i)
	}

	for i := 0; i < callers; i++ {
		<-started
	}
	// Let both goroutines register before the owner settles.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Fatalf("Expected 1 execution, got %d", n)
	}
	if sharedCount.Load() != callers-1 {
		t.Errorf("Expected %d shared callers, got %d", callers-1, sharedCount.Load())
	}
	for _, r := range results {
		if r != "payload" {
			t.Errorf("Expected shared payload, got %q", r)
		}
	}
}

func TestGetOrCreate_ErrorIsShared(t *testing.T) {
	d := New[int](DefaultConfig())
	boom := errors.New("boom")
	release := make(chan struct{})

	go func() {
		_, _, _ = d.GetOrCreate(context.Background(), "k", func(ctx context.Context) (int, error) {
			<-release
			return 0, boom
		})
	}()
	waitFor(t, func() bool { return d.Len() == 1 })

	done := make(chan error, 1)
	go func() {
		_, shared, err := d.GetOrCreate(context.Background(), "k", func(ctx context.Context) (int, error) {
			t.Error("Second factory should not run")
			return 0, nil
		})
		if !shared {
			t.Error("Expected shared result")
		}
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	close(release)
	if err := <-done; !errors.Is(err, boom) {
		t.Errorf("Expected shared error, got %v", err)
	}
}

func TestGetOrCreate_GraceRemovesEntry(t *testing.T) {
	d := New[int](Config{Window: time.Second, Grace: 20 * time.Millisecond})

	_, _, err := d.GetOrCreate(context.Background(), "k", func(ctx context.Context) (int, error) { return 1, nil })
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if d.Len() != 1 {
		t.Fatalf("Expected entry kept during grace, got %d", d.Len())
	}

	// A caller inside the grace period joins the settled result.
	v, shared, _ := d.GetOrCreate(context.Background(), "k", func(ctx context.Context) (int, error) { return 2, nil })
	if !shared || v != 1 {
		t.Errorf("Expected to join settled result, got v=%d shared=%v", v, shared)
	}

	waitFor(t, func() bool { return d.Len() == 0 })
}

func TestGetOrCreate_WindowExpiry(t *testing.T) {
	d := New[int](Config{Window: time.Second, Grace: time.Hour})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d.SetClock(func() time.Time { return now })

	var calls atomic.Int32
	factory := func(ctx context.Context) (int, error) { return int(calls.Add(1)), nil }

	d.GetOrCreate(context.Background(), "k", factory)
	now = now.Add(1500 * time.Millisecond)

	v, shared, _ := d.GetOrCreate(context.Background(), "k", factory)
	if shared || v != 2 {
		t.Errorf("Expected a fresh execution outside the window, got v=%d shared=%v", v, shared)
	}

	now = now.Add(5 * time.Second)
	d.GetOrCreate(context.Background(), "other", factory)
	if d.Len() != 1 {
		t.Errorf("Expected stale entries pruned, got %d", d.Len())
	}
}

func TestGetOrCreate_WaiterContextCanceled(t *testing.T) {
	d := New[int](DefaultConfig())
	release := make(chan struct{})
	defer close(release)

	go d.GetOrCreate(context.Background(), "k", func(ctx context.Context) (int, error) {
		<-release
		return 1, nil
	})
	waitFor(t, func() bool { return d.Len() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err := d.GetOrCreate(ctx, "k", func(ctx context.Context) (int, error) { return 2, nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected waiter deadline, got %v", err)
	}
}

func TestGetOrCreate_OwnerCanceledWaiterRunsItself(t *testing.T) {
	d := New[int](DefaultConfig())
	release := make(chan struct{})

	go d.GetOrCreate(context.Background(), "k", func(ctx context.Context) (int, error) {
		<-release
		return 0, context.Canceled
	})
	waitFor(t, func() bool { return d.Len() == 1 })

	done := make(chan int, 1)
	go func() {
		v, _, err := d.GetOrCreate(context.Background(), "k", func(ctx context.Context) (int, error) { return 7, nil })
		if err != nil {
			t.Errorf("Expected own execution to succeed, got %v", err)
		}
		done <- v
	}()

	time.Sleep(10 * time.Millisecond)
	close(release)
	if v := <-done; v != 7 {
		t.Errorf("Expected 7, got %d", v)
	}
}

func TestGetOrCreate_PanicReleasesWaiters(t *testing.T) {
	d := New[int](DefaultConfig())

	func() {
		defer func() { _ = recover() }()
		d.GetOrCreate(context.Background(), "k", func(ctx context.Context) (int, error) { panic("bad") })
	}()

	if d.Len() != 0 {
		t.Errorf("Expected panicked entry removed, got %d", d.Len())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}
