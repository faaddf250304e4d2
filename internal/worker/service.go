package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"postqueue/internal/broker"
	"postqueue/internal/eventbus"
	rtsup "postqueue/internal/runtime/supervisor"
	"postqueue/internal/task"
	"postqueue/pkg/logx"
)

// Service is the queue consumer pool: it dequeues envelopes from the broker,
// resolves handlers in the registry, and executes them with retries,
// timeouts and panic capture. The worker process of the original deployment,
// folded into the binary.
type Service struct {
	mu  sync.Mutex
	cfg Config

	log logx.Logger
	bus eventbus.Bus
	brk broker.Broker
	reg *task.Registry

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	inFlight  int32
	processed uint64
	failed    uint64
	recycled  uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, brk broker.Broker, reg *task.Registry, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		bus: bus,
		brk: brk,
		reg: reg,
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Supervisor returns the pool's internal supervisor (nil if not started).
// Used for operational visibility (/status).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// Start launches the consumer loops. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled || s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// Consumer failures self-heal via restart; they never hard-kill the app.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Concurrency; i++ {
		idx := i
		name := fmt.Sprintf("consumer.%d", idx)
		sup.GoRestart(name, func(c context.Context) error {
			// Recycling is routine, not a failure: restart the loop in place
			// so it pays no backoff and records no supervisor error.
			for {
				err := s.consume(c, stopCh, idx)
				if !errors.Is(err, errRecycled) {
					return err
				}
			}
		},
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	s.log.Info("worker started",
		logx.Int("concurrency", cfg.Concurrency),
		logx.Duration("default_timeout", cfg.DefaultTimeout),
		logx.Int("max_tasks_per_child", cfg.MaxTasksPerChild))
}

// Stop drains the pool: consumers finish their current task, then exit.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	// Warm drain: consumers observe stopCh after their current task (or poll)
	// and exit on their own. Cancel only when the drain deadline passes.
	select {
	case <-done:
		s.log.Info("worker stopped")
	case <-ctx.Done():
		s.log.Warn("worker drain timed out, canceling in-flight tasks", logx.Err(ctx.Err()))
		if sup != nil {
			sup.Cancel()
		}
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.log.Error("worker did not stop after cancel")
		}
	}
}

// Apply swaps the config; concurrency changes restart the pool.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if !running {
		return
	}
	if prev.Concurrency != cfg.Concurrency || prev.Enabled != cfg.Enabled {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	s.hmu.Lock()
	hist := make([]HistoryItem, len(s.history))
	copy(hist, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Enabled:     cfg.Enabled,
		Concurrency: cfg.Concurrency,
		InFlight:    atomic.LoadInt32(&s.inFlight),
		Processed:   atomic.LoadUint64(&s.processed),
		Failed:      atomic.LoadUint64(&s.failed),
		Recycled:    atomic.LoadUint64(&s.recycled),
		History:     hist,
	}
}

func (s *Service) appendHistory(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()
	if size <= 0 {
		size = 200
	}

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

var errRecycled = errors.New("consumer recycled after max tasks")

// stopRequested reports whether drain was requested.
func stopRequested(stopCh <-chan struct{}) bool {
	select {
	case <-stopCh:
		return true
	default:
		return false
	}
}

// contextOrStop mirrors the drain contract: a consumer treats either signal
// as "finish the current task and exit".
func contextOrStop(ctx context.Context, stopCh <-chan struct{}, d time.Duration) bool {
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-tmr.C:
		return true
	}
}
