// Package health watches the broker the way the original deployment's
// startup script checked its cache/broker service, continuously instead of
// once at boot.
package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"postqueue/internal/broker"
	"postqueue/internal/eventbus"
	"postqueue/pkg/logx"
)

// Config controls the broker watchdog.
type Config struct {
	Interval      time.Duration // default 10s
	PingTimeout   time.Duration // default 3s
	FailsToDown   int           // consecutive failures before not-ready, default 3
	NotifySystemd bool          // send READY=1 / WATCHDOG=1 when running under systemd
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 3 * time.Second
	}
	if c.FailsToDown <= 0 {
		c.FailsToDown = 3
	}
	return c
}

// Watchdog pings the broker and tracks readiness.
type Watchdog struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	brk broker.Broker

	ready    atomic.Bool
	failures int
}

func NewWatchdog(cfg Config, brk broker.Broker, log logx.Logger, bus eventbus.Bus) *Watchdog {
	if log.IsZero() {
		log = logx.Nop()
	}
	w := &Watchdog{cfg: cfg.withDefaults(), log: log, bus: bus, brk: brk}
	// Optimistic until the first ping says otherwise.
	w.ready.Store(true)
	return w
}

// Ready reports whether the broker answered recently.
func (w *Watchdog) Ready() bool { return w.ready.Load() }

// NotifyReady tells systemd startup finished. No-op outside systemd.
func (w *Watchdog) NotifyReady() {
	if !w.cfg.NotifySystemd {
		return
	}
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		w.log.Debug("sd_notify failed", logx.Err(err))
	} else if ok {
		w.log.Debug("systemd notified ready")
	}
}

// Run pings the broker until ctx is canceled. Intended to run under the app
// supervisor's restart policy.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

func (w *Watchdog) check(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, w.cfg.PingTimeout)
	err := w.brk.Ping(pctx)
	cancel()

	if err != nil {
		w.failures++
		w.log.Warn("broker ping failed", logx.Int("consecutive", w.failures), logx.Err(err))
		if w.failures >= w.cfg.FailsToDown && w.ready.CompareAndSwap(true, false) {
			w.log.Error("broker considered down")
			if w.bus != nil {
				w.bus.Publish(eventbus.Event{Type: eventbus.TypeBrokerDown})
			}
		}
		return
	}

	w.failures = 0
	if w.ready.CompareAndSwap(false, true) {
		w.log.Info("broker recovered")
		if w.bus != nil {
			w.bus.Publish(eventbus.Event{Type: eventbus.TypeBrokerUp})
		}
	}
	if w.cfg.NotifySystemd {
		_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
	}
}
