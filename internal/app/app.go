package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"postqueue/internal/beat"
	"postqueue/internal/broker"
	"postqueue/internal/config"
	"postqueue/internal/diag"
	"postqueue/internal/eventbus"
	"postqueue/internal/health"
	"postqueue/internal/publish"
	rtsup "postqueue/internal/runtime/supervisor"
	"postqueue/internal/store"
	"postqueue/internal/task"
	"postqueue/internal/tasks"
	"postqueue/internal/worker"
	"postqueue/pkg/logx"
)

// Options selects which roles this process runs. The default ("all") folds
// the original worker + beat + watchdog process trio into one supervised
// binary; multi-node deployments run dedicated worker or beat processes.
type Options struct {
	Worker bool
	Beat   bool
}

type App struct {
	cfgPath string
	opts    Options

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	st  store.Store
	brk broker.Broker
	reg *task.Registry

	work   *worker.Service
	beats  *beat.Service
	watch  *health.Watchdog
	diags  *diag.Server
	events *eventLog
}

func New(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logs, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	log := logs.Logger()
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()
	events := newEventLog(bus, log.With(logx.String("comp", "events")), 100)

	brkCfg, err := brokerConfig(cfg)
	if err != nil {
		return nil, err
	}
	brk := broker.NewRedis(context.Background(), brkCfg, log.With(logx.String("comp", "broker")))

	stCfg, err := storeConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(stCfg, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	pubTimeout, err := config.ParseDurationOrDefault("publish.timeout", cfg.Publish.Timeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	webhook := publish.NewWebhook(publish.WebhookConfig{
		Endpoints:  lowerKeys(cfg.Publish.Endpoints),
		RatePerSec: cfg.Publish.RatePerSec,
		Timeout:    pubTimeout,
	}, log.With(logx.String("comp", "publish")))
	pub := publish.NewService(webhook, log.With(logx.String("comp", "publish")))

	reg := task.NewRegistry(log.With(logx.String("comp", "tasks")))
	tasks.NewPosts(st, pub, brk, log.With(logx.String("comp", "tasks"))).Register(reg)

	workCfg, err := workerConfig(cfg, opts)
	if err != nil {
		return nil, err
	}
	work := worker.New(workCfg, brk, reg, log.With(logx.String("comp", "worker")), bus)

	beats := beat.New(beatConfig(cfg, opts), brk, log.With(logx.String("comp", "beat")), bus)

	watch := health.NewWatchdog(health.Config{
		NotifySystemd: os.Getenv("NOTIFY_SOCKET") != "",
	}, brk, log.With(logx.String("comp", "health")), bus)

	a := &App{
		cfgPath: cfgPath,
		opts:    opts,
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     bus,
		st:      st,
		brk:     brk,
		reg:     reg,
		work:    work,
		beats:   beats,
		watch:   watch,
		events:  events,
	}

	dgCfg, err := diagConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.diags = diag.NewServer(dgCfg, diag.Sources{
		Ready:    watch.Ready,
		QueueLen: brk.Len,
		Supervisor: func() any {
			if a.sup == nil {
				return nil
			}
			return a.sup.Snapshot()
		},
		Worker: func() any { return work.Snapshot() },
		Beat:   func() any { return beats.Snapshot() },
		Events: func() any { return events.recent() },
	}, log.With(logx.String("comp", "diag")))

	return a, nil
}

// Start launches every enabled subsystem under the root supervisor.
//
// The supervisor deliberately detaches from ctx's cancellation: a signal must
// trigger the drain in Stop, not yank the context out from under in-flight
// tasks.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		rtsup.WithCancelOnError(true),
	)

	a.log.Info("starting",
		logx.Bool("worker", a.opts.Worker),
		logx.Bool("beat", a.opts.Beat),
		logx.Any("tasks", a.reg.Names()))

	a.work.Start(a.sup.Context())
	a.beats.Start(a.sup.Context())

	a.sup.GoRestart("health.watchdog", a.watch.Run)
	a.sup.Go("eventbus.log", a.events.run)

	if err := a.diags.Start(a.sup.Context()); err != nil {
		return err
	}
	a.sup.GoRestart("diag.server", a.diags.Serve,
		// A port conflict repeats forever; give up after a few tries but
		// keep the queue running.
		rtsup.WithMaxRestarts(5),
	)

	a.sup.GoRestart("config.watch", a.cfgm.Watch)
	a.sup.Go("config.apply", a.applyLoop)

	a.watch.NotifyReady()
	a.log.Info("started")
	return nil
}

// Done closes when a fatal error cancels the root supervisor.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Stop drains in dependency order: beat first (no new envelopes), then the
// worker (finish in-flight tasks), then everything else.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")

	if a.beats != nil {
		a.beats.Stop(ctx)
	}
	if a.work != nil {
		a.work.Stop(ctx)
	}
	if a.diags != nil {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = a.diags.Shutdown(sctx)
		cancel()
	}
	if a.sup != nil {
		_ = a.sup.Stop(ctx)
	}
	if a.brk != nil {
		_ = a.brk.Close()
	}
	var err error
	if a.st != nil {
		err = a.st.Close()
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// applyLoop reapplies live-reloadable config sections on change.
func (a *App) applyLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cfg, ok := <-sub:
			if !ok {
				return nil
			}
			if cfg == nil {
				continue
			}
			if err := a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			}); err != nil {
				a.log.Warn("logging config not applied", logx.Err(err))
			}
			if wc, err := workerConfig(cfg, a.opts); err == nil {
				a.work.Apply(ctx, wc)
			} else {
				a.log.Warn("worker config not applied", logx.Err(err))
			}
			a.beats.Apply(ctx, beatConfig(cfg, a.opts))
			a.log.Info("config applied")
		}
	}
}
