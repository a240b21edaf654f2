package followback

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"followback/internal/clock"
	"followback/internal/directory"
	"followback/internal/eventbus"
	"followback/internal/task/scheduler"
	logx "followback/pkg/logx"
)

const (
	// DefaultPause separates follow-back cycles.
	DefaultPause = 5 * time.Minute
	// DefaultIdleDelay is the wait after a failed or empty account load.
	DefaultIdleDelay = 10 * time.Second
)

// AccountSource lists the accounts to act for.
type AccountSource interface {
	ListAccounts(ctx context.Context) ([]directory.Account, error)
}

type DriverConfig struct {
	Accounts  AccountSource
	Planner   *Planner
	Policy    *Policy
	Clock     clock.Clock
	Log       logx.Logger
	Bus       eventbus.Bus
	Quantum   time.Duration
	Pause     time.Duration
	IdleDelay time.Duration
}

// Driver plans and drains follow queues, pausing between cycles.
type Driver struct {
	cfg   DriverConfig
	log   logx.Logger
	pause atomic.Int64
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
	d := &Driver{cfg: cfg, log: log.With(logx.String("comp", "followback"))}
	d.SetPause(cfg.Pause)
	return d
}

// SetPause changes the inter-cycle pause; it applies from the next pause.
func (d *Driver) SetPause(p time.Duration) {
	if p <= 0 {
		p = DefaultPause
	}
	d.pause.Store(int64(p))
}

func (d *Driver) Pause() time.Duration { return time.Duration(d.pause.Load()) }

// RunCycle plans every account and drains the resulting follow queues.
// Accounts whose plan fails are skipped for this cycle.
func (d *Driver) RunCycle(ctx context.Context, accounts []directory.Account) (scheduler.Stats, error) {
	s := scheduler.New[Task](scheduler.Config{
		Name:    "followback",
		Quantum: d.cfg.Quantum,
		Clock:   d.cfg.Clock,
		Log:     d.log,
		Bus:     d.cfg.Bus,
	}, d.cfg.Policy)

	queued := 0
	for _, acct := range accounts {
		if err := ctx.Err(); err != nil {
			return scheduler.Stats{}, err
		}
		queue, err := d.cfg.Planner.Plan(ctx, acct)
		if err != nil {
			d.logPlanError(ctx, acct, err)
			continue
		}
		if len(queue) == 0 {
			continue
		}
		queued += len(queue)
		s.SubmitNow(Task{Account: acct, Queue: queue})
	}
	d.log.Info("follow queues planned", logx.Int("accounts", len(accounts)), logx.Int("tasks", s.Len()), logx.Int("peers", queued))
	return s.RunCycle(ctx)
}

func (d *Driver) logPlanError(ctx context.Context, acct directory.Account, err error) {
	if ctx.Err() != nil {
		return
	}
	log := d.log.With(logx.ID("account", acct.ID))
	var se *StoreError
	switch {
	case errors.As(err, &se):
		log.Error("plan skipped: store unavailable", logx.Err(err))
	case directory.Classify(err) == directory.ClassRateLimited:
		reset, _ := directory.ResetAt(err)
		log.Info("plan skipped: rate limited", logx.Time("reset", reset))
	case directory.Classify(err) == directory.ClassCredential:
		log.Warn("plan skipped: credential rejected", logx.Err(err))
	default:
		log.Error("plan skipped", logx.Err(err))
	}
}

// Run loops until ctx is cancelled and then returns nil.
func (d *Driver) Run(ctx context.Context) error {
	d.log.Info("follow-back started", logx.Duration("pause", d.Pause()))
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
			d.sleep(ctx, d.cfg.IdleDelay)
			continue
		}

		st, err := d.RunCycle(ctx, accounts)
		if err != nil {
			break
		}
		pause := d.Pause()
		d.log.Info("follow-back cycle finished",
			logx.String("cycle", st.CycleID),
			logx.Int("attempts", st.Attempts),
			logx.Duration("took", st.Duration),
			logx.Duration("next_in", pause),
		)
		d.sleep(ctx, pause)
	}
	d.log.Info("follow-back stopped")
	return nil
}

func (d *Driver) sleep(ctx context.Context, dur time.Duration) {
	select {
	case <-ctx.Done():
	case <-d.cfg.Clock.After(dur):
	}
}
