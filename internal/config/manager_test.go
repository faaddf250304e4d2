package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
logging:
  level: "DEBUG"
  console: true
broker:
  addr: "localhost:6379"
  result_ttl: "24h"
worker:
  concurrency: 1
  default_timeout: "30m"
beat:
  timezone: "Africa/Nairobi"
  entries:
    - name: "nightly"
      task: "custom.nightly"
      schedule: "@daily"
store:
  path: "./data/test.db"
`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "DEBUG" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Broker.Addr != "localhost:6379" || cfg.Broker.ResultTTL != "24h" {
		t.Fatalf("broker = %+v", cfg.Broker)
	}
	if cfg.Beat.Timezone != "Africa/Nairobi" {
		t.Fatalf("timezone = %q", cfg.Beat.Timezone)
	}
	if len(cfg.Beat.Entries) != 1 || cfg.Beat.Entries[0].Task != "custom.nightly" {
		t.Fatalf("entries = %+v", cfg.Beat.Entries)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"store": {"path": "./q.db"}, "worker": {"concurrency": 2}}`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Worker.Concurrency != 2 || cfg.Store.Path != "./q.db" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", "worker:\n  concurency: 3\n")

	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected unknown field error for typo")
	}
}

func TestParseRejectsBadDuration(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", "worker:\n  poll_timeout: \"soon\"\n")

	_, err := NewManager(path).Parse()
	if err == nil || !strings.Contains(err.Error(), "worker.poll_timeout") {
		t.Fatalf("expected poll_timeout error, got %v", err)
	}
}

func TestValidateRejectsDuplicateBeatEntries(t *testing.T) {
	t.Parallel()
	cfg := &Config{Beat: BeatConfig{Entries: []BeatEntry{
		{Name: "a", Task: "t", Schedule: "@hourly"},
		{Name: "a", Task: "t2", Schedule: "@daily"},
	}}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected duplicate entry name error")
	}
}

func TestValidateRejectsUnknownTimezone(t *testing.T) {
	t.Parallel()
	cfg := &Config{Beat: BeatConfig{Timezone: "Mars/Olympus"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected timezone error")
	}
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)

	cfg := &Config{}
	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Fatal("wrong config delivered")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive config")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after Unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	m.publish(cfg)
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: 0},
		{raw: "500ms", want: 500 * time.Millisecond},
		{raw: "1m30s", want: 90 * time.Second},
		{raw: "0s", want: 0},
		{raw: "-5s", wantErr: true},
		{raw: "fast", wantErr: true},
	}
	for _, tt := range tests {
		d, err := ParseDurationField("x", tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseDurationField(%q): expected error", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseDurationField(%q): %v", tt.raw, err)
		}
		if d != tt.want {
			t.Fatalf("ParseDurationField(%q) = %v, want %v", tt.raw, d, tt.want)
		}
	}
}
