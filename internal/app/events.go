package app

import (
	"context"
	"sync"

	"postqueue/internal/eventbus"
	"postqueue/pkg/logx"
)

// eventLog is the bus consumer: every lifecycle event is logged and kept in
// a bounded ring that /status serves.
type eventLog struct {
	bus  eventbus.Bus
	log  logx.Logger
	size int

	mu   sync.Mutex
	ring []eventbus.Event
}

func newEventLog(bus eventbus.Bus, log logx.Logger, size int) *eventLog {
	if size <= 0 {
		size = 100
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &eventLog{bus: bus, log: log, size: size}
}

// run drains the bus until the context is canceled. Run it under the
// supervisor.
func (e *eventLog) run(ctx context.Context) error {
	events, unsub := e.bus.Subscribe(128)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			// Debug-level to keep per-task events out of the default output.
			e.log.Debug("event", logx.String("type", ev.Type), logx.Time("time", ev.Time))
			e.record(ev)
		}
	}
}

func (e *eventLog) record(ev eventbus.Event) {
	e.mu.Lock()
	e.ring = append(e.ring, ev)
	if len(e.ring) > e.size {
		e.ring = e.ring[len(e.ring)-e.size:]
	}
	e.mu.Unlock()
}

// recent returns the retained events, oldest first.
func (e *eventLog) recent() []eventbus.Event {
	e.mu.Lock()
	out := make([]eventbus.Event, len(e.ring))
	copy(out, e.ring)
	e.mu.Unlock()
	return out
}
