package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"resilient-client/pkg/apierror"
)

func TestShouldRetry(t *testing.T) {
	p := New(DefaultConfig())

	tests := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{"nil error", nil, 0, false},
		{"503 first attempt", apierror.HTTP(503, ""), 0, true},
		{"503 last allowed", apierror.HTTP(503, ""), 2, true},
		{"503 exhausted", apierror.HTTP(503, ""), 3, false},
		{"500", apierror.HTTP(500, ""), 1, true},
		{"404", apierror.HTTP(404, ""), 0, false},
		{"400", apierror.HTTP(400, ""), 0, false},
		{"401", apierror.HTTP(401, ""), 0, false},
		{"408", apierror.HTTP(408, ""), 0, true},
		{"429", apierror.HTTP(429, ""), 1, true},
		{"transport", apierror.Transport(errors.New("connection refused")), 0, true},
		{"timeout", apierror.Timeout(context.DeadlineExceeded), 0, true},
		{"circuit open", apierror.CircuitOpen("/api"), 0, false},
		{"no connection", apierror.NoConnection(), 0, false},
		{"canceled", apierror.Canceled(context.Canceled), 0, false},
		{"raw deadline", context.DeadlineExceeded, 0, true},
		{"raw canceled", context.Canceled, 0, false},
		{"unexpected eof", fmt.Errorf("read body: %w", io.ErrUnexpectedEOF), 0, true},
		{"net error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, 0, true},
		{"plain error", errors.New("bad json"), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.ShouldRetry(tt.err, tt.attempt); got != tt.want {
				t.Errorf("ShouldRetry(%v, %d) = %v, want %v", tt.err, tt.attempt, got, tt.want)
			}
		})
	}
}

func TestNextDelay_Schedule(t *testing.T) {
	p := New(DefaultConfig(), WithRandSource(FixedRand(0)))

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempt, w := range want {
		if got := p.NextDelay(attempt); got != w {
			t.Errorf("NextDelay(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestNextDelay_JitterBounds(t *testing.T) {
	p := New(DefaultConfig(), WithRandSource(FixedRand(0.5)))

	if got := p.NextDelay(0); got != 1500*time.Millisecond {
		t.Errorf("Expected 1.5s with half jitter, got %v", got)
	}
	if got := p.NextDelay(10); got != 30*time.Second {
		t.Errorf("Expected cap to absorb jitter, got %v", got)
	}
}

func TestNextDelay_NoJitter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxJitter = 0
	p := New(cfg, WithRandSource(FixedRand(0.9)))

	if got := p.NextDelay(1); got != 2*time.Second {
		t.Errorf("Expected 2s without jitter, got %v", got)
	}
}

func TestNew_PartialConfig(t *testing.T) {
	p := New(Config{MaxRetries: 5}, WithRandSource(FixedRand(0.9)))

	cfg := p.Config()
	if cfg.BaseDelay != time.Second || cfg.MaxDelay != 30*time.Second {
		t.Errorf("Expected default delays, got base=%v max=%v", cfg.BaseDelay, cfg.MaxDelay)
	}
	if cfg.MaxJitter != 0 {
		t.Errorf("Expected zero jitter to be kept, got %v", cfg.MaxJitter)
	}
	if got := p.NextDelay(0); got != time.Second {
		t.Errorf("Expected 1s without jitter, got %v", got)
	}
}

func TestDelayWithRetryAfter(t *testing.T) {
	p := New(DefaultConfig(), WithRandSource(FixedRand(0)))

	if got := p.DelayWithRetryAfter(0, 5*time.Second); got != 5*time.Second {
		t.Errorf("Expected Retry-After to win, got %v", got)
	}
	if got := p.DelayWithRetryAfter(2, time.Second); got != 4*time.Second {
		t.Errorf("Expected backoff to win, got %v", got)
	}
	if got := p.DelayWithRetryAfter(0, time.Hour); got != 30*time.Second {
		t.Errorf("Expected cap, got %v", got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"7", 7 * time.Second},
		{" 2 ", 2 * time.Second},
		{"0", 0},
		{"-3", 0},
		{"soon", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
	}

	for _, tt := range tests {
		if got := ParseRetryAfter(tt.value, now); got != tt.want {
			t.Errorf("ParseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestPolicy_ParseRetryAfterUsesClock(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	p := New(DefaultConfig(), WithClock(func() time.Time { return now }))

	if got := p.ParseRetryAfter(now.Add(3 * time.Second).Format(http.TimeFormat)); got != 3*time.Second {
		t.Errorf("Expected 3s, got %v", got)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"default", DefaultConfig(), false},
		{"negative retries", Config{MaxRetries: -1}, true},
		{"negative delay", Config{BaseDelay: -time.Second}, true},
		{"base above cap", Config{BaseDelay: time.Minute, MaxDelay: time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.config.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSleep(t *testing.T) {
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("Sleep failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
