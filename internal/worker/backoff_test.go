package worker

import (
	"errors"
	"math/rand"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		RetryBase:     100 * time.Millisecond,
		RetryMaxDelay: 2 * time.Second,
		RetryJitter:   0.2,
	}.withDefaults()
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.RetryJitter = 0 // deterministic

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{retry: 1, want: 100 * time.Millisecond},
		{retry: 2, want: 200 * time.Millisecond},
		{retry: 3, want: 400 * time.Millisecond},
		{retry: 10, want: 2 * time.Second}, // capped
	}
	for _, tt := range tests {
		if got := backoffDelay(cfg, tt.retry, nil); got != tt.want {
			t.Fatalf("backoffDelay(retry=%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 200; i++ {
		got := backoffDelay(cfg, 2, rng)
		lo := 160 * time.Millisecond // 200ms - 20%
		hi := 240 * time.Millisecond // 200ms + 20%
		if got < lo || got > hi {
			t.Fatalf("jittered delay %v outside [%v, %v]", got, lo, hi)
		}
	}
}

func TestBackoffHonorsRetryAfterHint(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.RetryJitter = 0

	err := RetryAfter(errors.New("rate limited"), 700*time.Millisecond)
	if got := backoffDelayWithHint(cfg, 1, err, nil); got != 700*time.Millisecond {
		t.Fatalf("hinted delay = %v, want 700ms", got)
	}

	// Hints are still bounded by the configured max.
	err = RetryAfter(errors.New("rate limited"), time.Minute)
	if got := backoffDelayWithHint(cfg, 1, err, nil); got != cfg.RetryMaxDelay {
		t.Fatalf("capped hinted delay = %v, want %v", got, cfg.RetryMaxDelay)
	}
}

func TestNoRetryWrapping(t *testing.T) {
	t.Parallel()
	base := errors.New("bad payload")
	wrapped := NoRetry(base)

	if !IsNoRetry(wrapped) {
		t.Fatal("IsNoRetry should detect the wrapper")
	}
	if !errors.Is(wrapped, base) {
		t.Fatal("wrapped error should unwrap to the original")
	}
	if IsNoRetry(base) {
		t.Fatal("plain error must not count as no-retry")
	}
	if NoRetry(nil) != nil {
		t.Fatal("NoRetry(nil) should stay nil")
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{}.withDefaults()
	if cfg.Concurrency != 1 {
		t.Fatalf("default concurrency = %d, want 1 (solo)", cfg.Concurrency)
	}
	if cfg.PollTimeout != 5*time.Second || cfg.RetryMax != 3 {
		t.Fatalf("defaults = %+v", cfg)
	}
}
