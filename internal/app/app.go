// Package app assembles the follow-back daemon: both scheduler drivers, the
// relationship store, the remote client, maintenance, metrics and the ops
// server, all running under one supervisor.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"followback/internal/clock"
	"followback/internal/config"
	"followback/internal/eventbus"
	"followback/internal/maintenance"
	"followback/internal/observability/metrics"
	"followback/internal/observability/ops"
	"followback/internal/policy/followback"
	"followback/internal/policy/idsync"
	rtsup "followback/internal/runtime/supervisor"
	"followback/internal/storage"
	logx "followback/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	cfg  *config.Config

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	metrics *metrics.Metrics
	ops     *ops.Server
	idsync  *idsync.Driver
	follow  *followback.Driver
	pruner  *maintenance.Pruner

	sup *rtsup.Supervisor
}

// New loads the config at cfgPath, validates it and builds every component.
// A missing consumer key/secret or database location fails here.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm, cfg, rt, err := LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logs, log, err := newLogging(cfg, rt)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*App, error) {
		log.Error("startup failed", logx.Err(err))
		_ = logs.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	bus := eventbus.New()
	m, err := metrics.New(reg, bus)
	if err != nil {
		return fail(err)
	}

	client, err := NewClient(cfg, rt, reg, log)
	if err != nil {
		return fail(err)
	}
	store, err := OpenStore(ctx, cfg, rt, log)
	if err != nil {
		return fail(err)
	}
	pruner, err := maintenance.NewPruner(store, maintenance.Config{
		Schedule:  cfg.Maintenance.PruneSchedule,
		Retention: rt.Retention,
	}, clock.Real(), log)
	if err != nil {
		_ = store.Close()
		return fail(err)
	}

	clk := clock.Real()
	var syncer *idsync.Driver
	if cfg.IDSync.Enabled {
		syncer = idsync.NewDriver(idsync.DriverConfig{
			Accounts: store,
			Policy: idsync.NewPolicy(idsync.PolicyConfig{
				Client:       client,
				Sink:         store,
				Clock:        clk,
				Log:          log.With(logx.String("comp", "idsync")),
				Bus:          bus,
				PersistRetry: rt.PersistRetry,
			}),
			Clock:     clk,
			Log:       log,
			Bus:       bus,
			Quantum:   rt.IDSyncQuantum,
			IdleDelay: rt.IDSyncIdleDelay,
			MinCycle:  rt.IDSyncMinCycle,
		})
	}
	var follow *followback.Driver
	if cfg.FollowBack.Enabled {
		follow = followback.NewDriver(followback.DriverConfig{
			Accounts: store,
			Planner: followback.NewPlanner(followback.PlannerConfig{
				Client: client,
				Store:  store,
				Log:    log.With(logx.String("comp", "followback")),
			}),
			Policy: followback.NewPolicy(followback.PolicyConfig{
				Client: client,
				Clock:  clk,
				Log:    log.With(logx.String("comp", "followback")),
				Bus:    bus,
				DryRun: cfg.FollowBack.DryRun,
			}),
			Clock:     clk,
			Log:       log,
			Bus:       bus,
			Quantum:   rt.FollowQuantum,
			Pause:     rt.FollowPause,
			IdleDelay: rt.FollowIdleDelay,
		})
	}

	a := &App{
		cfgm:    cfgm,
		cfg:     cfg,
		log:     log.With(logx.String("comp", "app")),
		logs:    logs,
		bus:     bus,
		store:   store,
		metrics: m,
		idsync:  syncer,
		follow:  follow,
		pruner:  pruner,
	}
	a.ops = ops.New(opsConfig(cfg, rt), ops.Deps{Gatherer: reg, Health: a.health}, log)
	return a, nil
}

func (a *App) health() rtsup.Snapshot { return a.sup.Snapshot() }

// Done is closed when the supervisor stops, either through Stop or a fatal
// goroutine error.
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

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		_, err := maintenance.ParseSchedule(cfg.Maintenance.PruneSchedule)
		return err
	})

	// The drivers never return an error of their own; restart them if they
	// panic so one bad cycle cannot stop the daemon.
	loop := rtsup.RestartPolicy{MinBackoff: time.Second, MaxBackoff: time.Minute, PublishErr: true}
	if a.idsync != nil {
		a.sup.GoRestart("idsync", a.idsync.Run, loop)
	}
	if a.follow != nil {
		a.sup.GoRestart("followback", a.follow.Run, loop)
	}
	a.sup.GoRestart("maintenance", a.pruner.Run, loop)
	a.sup.Go("metrics", a.metrics.Run)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("config.reload", a.reloadLoop)
	a.ops.Start(a.sup.Context())

	if iv, err := daemon.SdWatchdogEnabled(false); err == nil && iv > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			t := time.NewTicker(iv / 2)
			defer t.Stop()
			for {
				select {
				case <-c.Done():
					return nil
				case <-t.C:
					_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				}
			}
		})
	}
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}

	a.log.Info("followback started",
		logx.Bool("idsync", a.idsync != nil),
		logx.Bool("followback", a.follow != nil),
		logx.Bool("dry_run", a.cfg.FollowBack.DryRun),
		logx.String("storage", a.cfg.Storage.Driver),
	)
	return nil
}

// reloadLoop applies hot-reloadable settings: logging, the follow-back
// pause and the ops server. Everything else is logged as needing a restart.
func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	applied := a.cfgm.Get()
	for {
		var next *config.Config
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-sub:
			if !ok {
				return nil
			}
			next = c
		}
		// Coalesce a burst of reloads into the newest.
	drain:
		for {
			select {
			case c := <-sub:
				next = c
			default:
				break drain
			}
		}

		sections, fields := config.SummarizeChange(applied, next)
		if len(sections) == 0 {
			continue
		}
		if restart := config.RestartRequired(applied, next); len(restart) > 0 {
			a.log.Warn("config change requires restart", logx.Strings("sections", restart))
		}
		rt, err := next.Resolve()
		if err != nil {
			a.log.Warn("config reload ignored", logx.Err(err))
			continue
		}
		a.logs.Apply(logConfig(next))
		if a.follow != nil {
			a.follow.SetPause(rt.FollowPause)
		}
		a.ops.Reconfigure(ctx, opsConfig(next, rt))
		applied = next
		a.log.Info("config applied", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)...)
	}
}

// Stop cancels every loop, waits for them within ctx and releases the store
// and log sinks. Queued scheduler items are abandoned; the next start
// resyncs from the beginning.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		sctx, cancel := withTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		if err := fn(sctx); err != nil {
			a.log.Warn("stop step error", logx.String("step", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			return
		}
		a.log.Debug("stop step done", logx.String("step", name), logx.Duration("took", time.Since(start)))
	}
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("supervisor", 5*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && c.Err() != nil {
			return c.Err()
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	var err error
	if reason == StopFatalError {
		err = a.sup.Err()
	}
	a.log.Info("stopped", logx.Any("dropped_events", eventbus.Dropped(a.bus)))
	_ = a.logs.Close()
	return err
}

// Run starts the daemon and blocks until ctx is cancelled (a signal) or a
// loop fails fatally.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	reason := StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if a.Err() != nil {
			reason = StopFatalError
		} else {
			reason = StopAppStop
		}
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.Stop(stopCtx, reason)
}
