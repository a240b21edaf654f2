// Package maintenance runs periodic housekeeping against the relationship
// store on a cron schedule.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"followback/internal/clock"
	logx "followback/pkg/logx"
)

const (
	DefaultSchedule  = "@every 6h"
	DefaultRetention = 7 * 24 * time.Hour
)

// StaleRemover deletes relationships not refreshed since before.
type StaleRemover interface {
	PruneStale(ctx context.Context, before time.Time) (int64, error)
}

type Config struct {
	// Schedule as accepted by ParseSchedule; empty disables pruning.
	Schedule string
	// Retention is how long a relationship survives without being seen
	// by a sync.
	Retention time.Duration
	Timeout   time.Duration
	Location  *time.Location
}

// Pruner deletes relationships that stopped appearing in syncs, so peers who
// unfollowed eventually leave the follow-back candidate set.
type Pruner struct {
	store StaleRemover
	cfg   Config
	sched cron.Schedule
	clock clock.Clock
	log   logx.Logger
}

func NewPruner(store StaleRemover, cfg Config, clk clock.Clock, log logx.Logger) (*Pruner, error) {
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pruner{store: store, cfg: cfg, sched: sched, clock: clk, log: log.With(logx.String("comp", "maintenance"))}, nil
}

// Enabled reports whether a schedule is configured.
func (p *Pruner) Enabled() bool { return p.sched != nil }

// PruneOnce removes relationships older than the retention window.
func (p *Pruner) PruneOnce(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	before := p.clock.Now().Add(-p.cfg.Retention)
	start := p.clock.Now()
	n, err := p.store.PruneStale(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("prune stale relationships: %w", err)
	}
	p.log.Info("stale relationships pruned",
		logx.Int64("removed", n),
		logx.Time("before", before),
		logx.Duration("took", p.clock.Now().Sub(start)),
	)
	return n, nil
}

// Run drives PruneOnce from the schedule until ctx is cancelled. An
// overlapping run is skipped rather than queued.
func (p *Pruner) Run(ctx context.Context) error {
	if p.sched == nil {
		p.log.Info("pruning disabled")
		<-ctx.Done()
		return nil
	}
	cl := cronLogger{log: p.log}
	c := cron.New(
		cron.WithLocation(p.cfg.Location),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	c.Schedule(p.sched, cron.FuncJob(func() {
		if _, err := p.PruneOnce(ctx); err != nil && ctx.Err() == nil {
			p.log.Error("prune failed", logx.Err(err))
		}
	}))
	c.Start()
	p.log.Info("pruner started", logx.String("schedule", p.cfg.Schedule), logx.Duration("retention", p.cfg.Retention))

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
