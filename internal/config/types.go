package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full postqueued configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Files may be YAML or JSON; unknown fields are rejected so typos are
// caught at load/reload time.
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Broker  BrokerConfig  `json:"broker"`
	Worker  WorkerConfig  `json:"worker"`
	Beat    BeatConfig    `json:"beat"`
	Store   StoreConfig   `json:"store"`
	Publish PublishConfig `json:"publish"`
	Diag    DiagConfig    `json:"diag,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// BrokerConfig points at the Redis broker / result backend.
//
// Addr and Password fall back to the REDIS_ADDR / REDIS_PASSWORD environment
// variables so secrets can stay out of the config file.
type BrokerConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`

	// Namespace prefixes every key ("postqueue" by default).
	Namespace string `json:"namespace,omitempty"`
	// Queue is the logical queue name ("default" by default).
	Queue string `json:"queue,omitempty"`

	// ResultTTL bounds how long task results are kept (default "24h").
	ResultTTL string `json:"result_ttl,omitempty"`
	// DialTimeout for the initial connection (default "5s").
	DialTimeout string `json:"dial_timeout,omitempty"`
}

// WorkerConfig controls the queue consumer pool.
//
// Defaults (when fields are omitted/zero):
//   - concurrency: 1 (solo)
//   - poll_timeout: "5s"
//   - default_timeout: "30m"
//   - soft_timeout: "25m"
//   - retry_max: 3
//   - max_tasks_per_child: 1000
//   - history_size: 200
type WorkerConfig struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`

	// DefaultTimeout is the hard per-task time limit. "0s" disables it.
	DefaultTimeout string `json:"default_timeout,omitempty"`
	// SoftTimeout only logs a warning when exceeded.
	SoftTimeout string `json:"soft_timeout,omitempty"`

	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	// MaxTasksPerChild recycles a consumer loop after N tasks.
	// Omitted means 1000; any negative value disables recycling.
	MaxTasksPerChild int `json:"max_tasks_per_child,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
}

// BeatConfig controls the periodic enqueuer.
//
// The posts.check_scheduled sweep is built in and runs every minute unless
// overridden by an entry with the same name.
type BeatConfig struct {
	Enabled  *bool       `json:"enabled,omitempty"`
	Timezone string      `json:"timezone,omitempty"` // IANA TZ, e.g. "Africa/Nairobi"
	Entries  []BeatEntry `json:"entries,omitempty"`
}

// BeatEntry is one periodic enqueue definition.
type BeatEntry struct {
	Name     string `json:"name"`
	Task     string `json:"task"`
	Schedule string `json:"schedule"` // cron spec, @every descriptor, or Go duration
	Payload  string `json:"payload,omitempty"`
}

type StoreConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// PublishConfig controls the platform publisher.
type PublishConfig struct {
	// Endpoints maps a platform name to a webhook URL. Platforms without an
	// endpoint use the dry-run publisher (log only).
	Endpoints map[string]string `json:"endpoints,omitempty"`

	// RatePerSec limits outbound publishes per platform (0 = unlimited).
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Timeout    string  `json:"timeout,omitempty"` // per-request timeout, default "30s"
}

// DiagConfig controls the diagnostics HTTP server.
//
// Security note: prefer binding to loopback. Binding elsewhere requires a
// token or an explicit allow_insecure.
type DiagConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default ":10000"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// Validate applies cheap structural checks shared by Load and Watch.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("nil config")
	}
	seen := map[string]bool{}
	for i, e := range c.Beat.Entries {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			return fmt.Errorf("beat.entries[%d]: name required", i)
		}
		if seen[name] {
			return fmt.Errorf("beat.entries[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
		if strings.TrimSpace(e.Task) == "" {
			return fmt.Errorf("beat.entries[%d] (%s): task required", i, name)
		}
		if strings.TrimSpace(e.Schedule) == "" {
			return fmt.Errorf("beat.entries[%d] (%s): schedule required", i, name)
		}
	}
	if tz := strings.TrimSpace(c.Beat.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("beat.timezone: %w", err)
		}
	}
	for _, raw := range []struct{ path, v string }{
		{"broker.result_ttl", c.Broker.ResultTTL},
		{"broker.dial_timeout", c.Broker.DialTimeout},
		{"worker.poll_timeout", c.Worker.PollTimeout},
		{"worker.default_timeout", c.Worker.DefaultTimeout},
		{"worker.soft_timeout", c.Worker.SoftTimeout},
		{"worker.retry_base", c.Worker.RetryBase},
		{"worker.retry_max_delay", c.Worker.RetryMaxDelay},
		{"store.busy_timeout", c.Store.BusyTimeout},
		{"publish.timeout", c.Publish.Timeout},
		{"diag.read_timeout", c.Diag.ReadTimeout},
		{"diag.write_timeout", c.Diag.WriteTimeout},
		{"diag.idle_timeout", c.Diag.IdleTimeout},
	} {
		if _, err := ParseDurationField(raw.path, raw.v); err != nil {
			return err
		}
	}
	return nil
}
