package beat

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"postqueue/internal/broker"
	"postqueue/internal/eventbus"
	"postqueue/pkg/logx"
)

// CheckScheduledTask is the built-in sweep that finds due posts and fans
// them out as publish tasks. Beat enqueues it every minute unless a config
// entry overrides the schedule under the same name.
const (
	CheckScheduledTask  = "posts.check_scheduled"
	checkScheduledEntry = "check-scheduled-posts"
	checkScheduledEvery = "* * * * *"
)

const enqueueTimeout = 10 * time.Second

const enqWarnThrottle = time.Minute

// Service is the periodic enqueuer. Each tick builds an envelope and pushes
// it to the broker; execution always happens in the worker pool, possibly
// on another node.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus
	brk broker.Broker

	parser cron.Parser
	c      *cron.Cron
	defs   []entryState

	enqueued    uint64
	enqueueErrs uint64

	// Enqueue error throttling, keyed by entry name.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

func New(cfg Config, brk broker.Broker, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		bus: bus,
		brk: brk,
		// SecondOptional allows both 5-field and 6-field (with seconds) specs.
		parser:      cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		lastEnqWarn: map[string]time.Time{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// effectiveEntries returns config entries plus the built-in sweep, unless an
// entry already claims the built-in name.
func effectiveEntries(cfg Config) []Entry {
	out := make([]Entry, 0, len(cfg.Entries)+1)
	overridden := false
	for _, e := range cfg.Entries {
		if e.Name == checkScheduledEntry {
			overridden = true
		}
		out = append(out, e)
	}
	if !overridden {
		out = append(out, Entry{
			Name:     checkScheduledEntry,
			Task:     CheckScheduledTask,
			Schedule: checkScheduledEvery,
		})
	}
	return out
}

// Start begins triggering. Idempotent.
func (s *Service) Start(ctx context.Context) {
	_ = ctx // reserved: enqueues use their own bounded contexts

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	cfg := s.cfg
	if !cfg.Enabled {
		return
	}

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	s.defs = s.defs[:0]
	for _, e := range effectiveEntries(cfg) {
		if err := s.addEntryLocked(e); err != nil {
			s.log.Error("schedule rejected", logx.String("entry", e.Name), logx.String("schedule", e.Schedule), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("beat started", logx.String("tz", loc.String()), logx.Int("entries", len(s.defs)))
}

// Stop stops triggering. A tick already in flight finishes its enqueue.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}
	s.log.Info("beat stopped")
}

// Apply swaps config; timezone or entry changes restart the cron runtime.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.mu.Lock()
	changed := s.cfg.Timezone != cfg.Timezone || entriesChanged(s.cfg.Entries, cfg.Entries) || s.cfg.Enabled != cfg.Enabled
	s.cfg = cfg
	running := s.c != nil
	s.mu.Unlock()

	if !running || !changed {
		return
	}
	s.Stop(ctx)
	s.Start(ctx)
}

func entriesChanged(a, b []Entry) bool {
	if len(a) != len(b) {
		return true
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Task != b[i].Task || a[i].Schedule != b[i].Schedule || string(a[i].Payload) != string(b[i].Payload) {
			return true
		}
	}
	return false
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

func (s *Service) addEntryLocked(e Entry) error {
	spec, err := normalizeSchedule(e.Schedule)
	if err != nil {
		return err
	}
	def := e
	id, err := s.c.AddFunc(spec, func() { s.tick(def) })
	if err != nil {
		return err
	}
	s.defs = append(s.defs, entryState{def: e, entryID: id})
	return nil
}

// tick enqueues one envelope. Broker outages log (throttled) and drop the
// tick; due-post selection is state-based, so the next sweep recovers.
func (s *Service) tick(e Entry) {
	msg, err := broker.NewMessage(e.Task, nil)
	if err != nil {
		s.log.Error("beat envelope rejected", logx.String("entry", e.Name), logx.Err(err))
		return
	}
	if len(e.Payload) > 0 {
		msg.Payload = e.Payload
	}
	msg.Origin = "beat"

	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()

	if err := s.brk.Enqueue(ctx, msg); err != nil {
		atomic.AddUint64(&s.enqueueErrs, 1)
		s.warnEnqueue(e.Name, err)
		return
	}
	atomic.AddUint64(&s.enqueued, 1)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeBeatEnqueued, Data: map[string]string{"entry": e.Name, "task": e.Task, "id": msg.ID}})
	}
	s.log.Debug("beat enqueued", logx.String("entry", e.Name), logx.String("task", e.Task), logx.String("id", msg.ID))
}

func (s *Service) warnEnqueue(entry string, err error) {
	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[entry]
	throttled := now.Sub(last) < enqWarnThrottle
	if !throttled {
		s.lastEnqWarn[entry] = now
	}
	s.enqMu.Unlock()

	if throttled {
		s.log.Debug("beat enqueue failed (throttled)", logx.String("entry", entry), logx.Err(err))
		return
	}
	s.log.Warn("beat enqueue failed", logx.String("entry", entry), logx.Err(err))
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Enabled:     s.cfg.Enabled,
		Enqueued:    atomic.LoadUint64(&s.enqueued),
		EnqueueErrs: atomic.LoadUint64(&s.enqueueErrs),
	}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	} else if s.cfg.Timezone != "" {
		snap.Timezone = s.cfg.Timezone
	} else {
		snap.Timezone = "UTC"
	}

	for _, d := range s.defs {
		info := EntryInfo{Name: d.def.Name, Task: d.def.Task, Schedule: d.def.Schedule}
		if s.c != nil {
			e := s.c.Entry(d.entryID)
			info.Prev = e.Prev
			info.Next = e.Next
		}
		snap.Entries = append(snap.Entries, info)
	}
	return snap
}
