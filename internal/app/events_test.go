package app

import (
	"context"
	"fmt"
	"testing"
	"time"

	"postqueue/internal/eventbus"
	"postqueue/pkg/logx"
)

func waitEvents(t *testing.T, el *eventLog, n int, within time.Duration) []eventbus.Event {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if got := el.recent(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("fewer than %d events retained within %v", n, within)
	return nil
}

func TestEventLogConsumesPublishedEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	el := newEventLog(bus, logx.Nop(), 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = el.run(ctx)
		close(done)
	}()

	bus.Publish(eventbus.Event{Type: eventbus.TypeTaskStarted})
	bus.Publish(eventbus.Event{Type: eventbus.TypeTaskSucceeded})

	got := waitEvents(t, el, 2, 2*time.Second)
	if got[0].Type != eventbus.TypeTaskStarted || got[1].Type != eventbus.TypeTaskSucceeded {
		t.Fatalf("events = %v", got)
	}
	if got[0].Time.IsZero() {
		t.Fatal("published events must carry a timestamp")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not exit on cancel")
	}
}

func TestEventLogRingIsBounded(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	el := newEventLog(bus, logx.Nop(), 3)

	for i := 0; i < 10; i++ {
		el.record(eventbus.Event{Type: fmt.Sprintf("event.%d", i)})
	}

	got := el.recent()
	if len(got) != 3 {
		t.Fatalf("retained %d events, want 3", len(got))
	}
	if got[0].Type != "event.7" || got[2].Type != "event.9" {
		t.Fatalf("ring = %v, want the newest three", got)
	}
}
