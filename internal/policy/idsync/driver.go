package idsync

import (
	"context"
	"time"

	"followback/internal/clock"
	"followback/internal/directory"
	"followback/internal/eventbus"
	"followback/internal/task/scheduler"
	logx "followback/pkg/logx"
)

// DefaultIdleDelay is the wait after a failed or empty account load.
const DefaultIdleDelay = 10 * time.Second

// AccountSource lists the accounts to sync.
type AccountSource interface {
	ListAccounts(ctx context.Context) ([]directory.Account, error)
}

type DriverConfig struct {
	Accounts AccountSource
	Policy   *Policy
	Clock    clock.Clock
	Log      logx.Logger
	Bus      eventbus.Bus
	Quantum  time.Duration
	// IdleDelay applies after a store error or an empty account list.
	IdleDelay time.Duration
	// MinCycle is the minimum wall time between cycle starts. Zero restarts
	// immediately.
	MinCycle time.Duration
}

// Driver repeats sync cycles until its context is cancelled.
type Driver struct {
	cfg DriverConfig
	log logx.Logger
}

func NewDriver(cfg DriverConfig) *Driver {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = DefaultIdleDelay
	}
	log := cfg.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Driver{cfg: cfg, log: log.With(logx.String("comp", "idsync"))}
}

// RunCycle syncs both listings of every account once.
func (d *Driver) RunCycle(ctx context.Context, accounts []directory.Account) (scheduler.Stats, error) {
	s := scheduler.New[Task](scheduler.Config{
		Name:    "idsync",
		Quantum: d.cfg.Quantum,
		Clock:   d.cfg.Clock,
		Log:     d.log,
		Bus:     d.cfg.Bus,
	}, d.cfg.Policy)

	now := d.cfg.Clock.Now()
	for _, acct := range accounts {
		for _, kind := range []directory.ResourceKind{directory.Followers, directory.Friends} {
			s.Submit(scheduler.Item[Task]{
				ReadyAt: now,
				Payload: Task{Account: acct, Kind: kind, Cursor: directory.CursorStart},
			})
		}
	}
	return s.RunCycle(ctx)
}

// Run loops: load accounts, run a cycle, repeat. It returns nil when ctx is
// cancelled.
func (d *Driver) Run(ctx context.Context) error {
	d.log.Info("id sync started", logx.Duration("min_cycle", d.cfg.MinCycle))
	for ctx.Err() == nil {
		accounts, err := d.cfg.Accounts.ListAccounts(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			d.log.Error("load accounts failed", logx.Err(err), logx.Duration("retry_in", d.cfg.IdleDelay))
			d.sleep(ctx, d.cfg.IdleDelay)
			continue
		}
		if len(accounts) == 0 {
			d.log.Debug("no accounts; idling", logx.Duration("retry_in", d.cfg.IdleDelay))
			d.sleep(ctx, d.cfg.IdleDelay)
			continue
		}

		start := d.cfg.Clock.Now()
		st, err := d.RunCycle(ctx, accounts)
		if err != nil {
			break
		}
		d.log.Info("id sync cycle finished",
			logx.String("cycle", st.CycleID),
			logx.Int("accounts", len(accounts)),
			logx.Int("attempts", st.Attempts),
			logx.Duration("took", st.Duration),
		)
		if rest := d.cfg.MinCycle - d.cfg.Clock.Now().Sub(start); rest > 0 {
			d.sleep(ctx, rest)
		}
	}
	d.log.Info("id sync stopped")
	return nil
}

func (d *Driver) sleep(ctx context.Context, dur time.Duration) {
	select {
	case <-ctx.Done():
	case <-d.cfg.Clock.After(dur):
	}
}
