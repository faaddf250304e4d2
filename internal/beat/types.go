package beat

import (
	"encoding/json"
	"time"

	"github.com/robfig/cron/v3"
)

// Config controls the periodic enqueuer (the beat process of the original
// deployment).
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Africa/Nairobi". Empty means UTC.
	Entries  []Entry
}

// Entry is one periodic enqueue definition.
//
// Schedule accepts robfig/cron specs ("* * * * *", "@hourly", "@every 55m")
// or a bare Go duration ("55m", "2h30m").
type Entry struct {
	Name     string
	Task     string
	Schedule string
	Payload  json.RawMessage
}

type entryState struct {
	def     Entry
	entryID cron.EntryID
}

// EntryInfo is the diagnostics view of one schedule.
type EntryInfo struct {
	Name     string    `json:"name"`
	Task     string    `json:"task"`
	Schedule string    `json:"schedule"`
	Prev     time.Time `json:"prev"`
	Next     time.Time `json:"next"`
}

type Snapshot struct {
	Enabled     bool        `json:"enabled"`
	Timezone    string      `json:"timezone"`
	Enqueued    uint64      `json:"enqueued"`
	EnqueueErrs uint64      `json:"enqueue_errors"`
	Entries     []EntryInfo `json:"entries"`
}
