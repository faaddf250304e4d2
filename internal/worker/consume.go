package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	"postqueue/internal/broker"
	"postqueue/internal/eventbus"
	"postqueue/pkg/logx"
)

// consume is one consumer loop. It exits on drain/cancel, or with
// errRecycled once the max-tasks budget is spent; the wrapper in Start then
// brings a fresh loop back immediately, the in-process analog of a worker
// child being replaced after its task budget.
func (s *Service) consume(ctx context.Context, stopCh <-chan struct{}, idx int) error {
	// Per-consumer RNG: avoids global lock contention when retries overlap.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))
	log := s.log.With(logx.Int("consumer", idx))

	handled := 0
	for {
		if ctx.Err() != nil || stopRequested(stopCh) {
			return nil
		}

		s.mu.Lock()
		cfg := s.cfg
		s.mu.Unlock()

		msg, err := s.brk.Dequeue(ctx, cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, broker.ErrMalformed) {
				// Drop it; the queue must keep moving.
				log.Warn("dropping malformed message", logx.Err(err))
				continue
			}
			// Broker-level failure: let the supervisor back off and retry.
			log.Warn("dequeue failed", logx.Err(err))
			return err
		}
		if msg == nil {
			continue // idle poll
		}

		atomic.AddInt32(&s.inFlight, 1)
		s.execOne(ctx, stopCh, cfg, msg, rng, log)
		atomic.AddInt32(&s.inFlight, -1)
		atomic.AddUint64(&s.processed, 1)

		handled++
		if cfg.MaxTasksPerChild > 0 && handled >= cfg.MaxTasksPerChild {
			atomic.AddUint64(&s.recycled, 1)
			log.Info("consumer recycling", logx.Int("handled", handled))
			return errRecycled
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, cfg Config, msg *broker.Message, rng *rand.Rand, log logx.Logger) {
	start := time.Now()
	queueDelay := time.Duration(0)
	if !msg.EnqueuedAt.IsZero() {
		if queueDelay = start.Sub(msg.EnqueuedAt); queueDelay < 0 {
			queueDelay = 0
		}
	}

	log.Debug("task.started", logx.String("task", msg.Task), logx.String("id", msg.ID), logx.Duration("queue_delay", queueDelay))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskStarted, Time: start, Data: TaskEvent{ID: msg.ID, Task: msg.Task, Started: start, QueueDelay: queueDelay}})
	}

	handler, err := s.reg.Get(msg.Task)
	if err != nil {
		// Unknown task: fail permanently, never retry.
		s.finish(ctx, msg, start, queueDelay, 0, nil, NoRetry(err), log)
		return
	}

	var value any
	attempts := 0
	maxAttempts := 1 + cfg.RetryMax

attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt

		runCtx := ctx
		var cancel context.CancelFunc
		if cfg.DefaultTimeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, cfg.DefaultTimeout)
		}

		var softTimer *time.Timer
		if cfg.SoftTimeout > 0 {
			taskName, taskID := msg.Task, msg.ID
			softTimer = time.AfterFunc(cfg.SoftTimeout, func() {
				log.Warn("task exceeded soft time limit", logx.String("task", taskName), logx.String("id", taskID), logx.Duration("soft_timeout", cfg.SoftTimeout))
			})
		}

		// Panic capture: one bad task must not take a consumer down.
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
					log.Error("task.panic", logx.String("task", msg.Task), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			value, err = handler.Execute(runCtx, msg.Payload)
		}()

		if softTimer != nil {
			softTimer.Stop()
		}
		if cancel != nil {
			cancel()
		}

		if err == nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt >= maxAttempts {
			break
		}

		delay := backoffDelayWithHint(cfg, attempt, err, rng)
		log.Debug("task retry scheduled", logx.String("task", msg.Task), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskRetried, Data: TaskEvent{ID: msg.ID, Task: msg.Task, Started: start, Attempts: attempt, Error: err.Error()}})
		}
		if delay > 0 && !contextOrStop(ctx, stopCh, delay) {
			err = errors.New("worker draining")
			break attemptLoop
		}
	}

	s.finish(ctx, msg, start, queueDelay, attempts, value, err, log)
}

func (s *Service) finish(ctx context.Context, msg *broker.Message, start time.Time, queueDelay time.Duration, attempts int, value any, err error, log logx.Logger) {
	dur := time.Since(start)

	item := HistoryItem{ID: msg.ID, Task: msg.Task, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	res := &broker.Result{
		ID:         msg.ID,
		Task:       msg.Task,
		Status:     broker.StatusSuccess,
		Attempts:   attempts,
		StartedAt:  start,
		FinishedAt: start.Add(dur),
	}

	if err != nil {
		atomic.AddUint64(&s.failed, 1)
		item.Error = err.Error()
		res.Status = broker.StatusFailure
		res.Error = err.Error()
		log.Warn("task.failed", logx.String("task", msg.Task), logx.String("id", msg.ID), logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskFailed, Data: TaskEvent{ID: msg.ID, Task: msg.Task, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts, Error: item.Error}})
		}
	} else {
		if value != nil {
			if b, merr := json.Marshal(value); merr == nil {
				res.Value = b
			} else {
				log.Warn("task result not serializable", logx.String("task", msg.Task), logx.Err(merr))
			}
		}
		if dur >= 750*time.Millisecond {
			log.Info("task.completed", logx.String("task", msg.Task), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		} else {
			log.Debug("task.completed", logx.String("task", msg.Task), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		}
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskSucceeded, Data: TaskEvent{ID: msg.ID, Task: msg.Task, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}})
		}
	}

	// Result writes use a short independent timeout so shutdown can't strand
	// a finished task without its result.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if serr := s.brk.StoreResult(rctx, res); serr != nil {
		log.Warn("store result failed", logx.String("id", msg.ID), logx.Err(serr))
	}

	s.appendHistory(item)
}

func backoffDelayWithHint(cfg Config, retry int, err error, rng *rand.Rand) time.Duration {
	// Respect explicit retry-after hints when the task provides one.
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
		}
		return jitter(d, cfg.RetryJitter, rng, cfg.RetryMaxDelay)
	}
	return backoffDelay(cfg, retry, rng)
}

func backoffDelay(cfg Config, retry int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	return jitter(d, cfg.RetryJitter, rng, cfg.RetryMaxDelay)
}

func jitter(d time.Duration, frac float64, rng *rand.Rand, max time.Duration) time.Duration {
	if frac > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * frac
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}
