package worker

import (
	"time"
)

// Config controls the queue consumer pool.
//
// The defaults mirror the deployment this replaces: one consumer ("solo"),
// a 30 minute hard time limit with a 25 minute soft warning, and consumer
// recycling after 1000 tasks.
type Config struct {
	Enabled     bool
	Concurrency int

	// PollTimeout bounds each blocking dequeue; idle consumers wake up this
	// often to observe shutdown.
	PollTimeout time.Duration

	// DefaultTimeout is the hard per-attempt time limit. 0 disables it.
	DefaultTimeout time.Duration
	// SoftTimeout logs a warning when an attempt runs past it. 0 disables it.
	SoftTimeout time.Duration

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// MaxTasksPerChild recycles a consumer loop after this many tasks.
	// 0 disables recycling.
	MaxTasksPerChild int

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 5 * time.Second
	}
	if c.DefaultTimeout < 0 {
		c.DefaultTimeout = 0
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// HistoryItem is one executed message, kept in a bounded ring for /status.
type HistoryItem struct {
	ID         string        `json:"id"`
	Task       string        `json:"task"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Task       string        `json:"task"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a point-in-time diagnostics view of the pool.
type Snapshot struct {
	Enabled     bool          `json:"enabled"`
	Concurrency int           `json:"concurrency"`
	InFlight    int32         `json:"in_flight"`
	Processed   uint64        `json:"processed"`
	Failed      uint64        `json:"failed"`
	Recycled    uint64        `json:"recycled"`
	History     []HistoryItem `json:"history"`
}
