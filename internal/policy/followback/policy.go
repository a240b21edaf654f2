package followback

import (
	"context"
	"fmt"
	"time"

	"followback/internal/clock"
	"followback/internal/directory"
	"followback/internal/eventbus"
	"followback/internal/task/scheduler"
	logx "followback/pkg/logx"
)

// DefaultCooldown is the fixed per-account gap after a successful follow.
const DefaultCooldown = 60 * time.Second

// Task is one account's remaining follow queue. Peers are taken from the end.
type Task struct {
	Account directory.Account
	Queue   []directory.UserID
}

func (t Task) String() string {
	return fmt.Sprintf("follow/%d[%d]", t.Account.ID, len(t.Queue))
}

type PolicyConfig struct {
	Client   directory.Client
	Clock    clock.Clock
	Log      logx.Logger
	Bus      eventbus.Bus
	Cooldown time.Duration
	// DryRun logs each follow instead of performing it.
	DryRun bool
}

// Policy is the scheduler.Policy for follow tasks.
type Policy struct {
	client   directory.Client
	clock    clock.Clock
	log      logx.Logger
	bus      eventbus.Bus
	cooldown time.Duration
	dryRun   bool
}

func NewPolicy(cfg PolicyConfig) *Policy {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	log := cfg.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Policy{
		client:   cfg.Client,
		clock:    cfg.Clock,
		log:      log,
		bus:      cfg.Bus,
		cooldown: cfg.Cooldown,
		dryRun:   cfg.DryRun,
	}
}

// Attempt follows the last peer in the queue.
//
// Success waits out the cooldown. A rate limit keeps the peer and waits for
// the reset. A rejected credential drops the account's task. Any other
// failure skips that peer and moves on without a cooldown.
func (p *Policy) Attempt(ctx context.Context, t Task) scheduler.Outcome[Task] {
	if len(t.Queue) == 0 {
		return scheduler.Drop[Task]()
	}
	last := len(t.Queue) - 1
	peer := t.Queue[last]
	rest := Task{Account: t.Account, Queue: t.Queue[:last]}
	log := p.log.With(logx.ID("account", t.Account.ID), logx.ID("peer", peer))

	if p.dryRun {
		log.Info("dry run: would follow", logx.Int("remaining", last))
		p.publishResult("dry_run")
		return p.next(rest)
	}

	err := p.client.Follow(ctx, t.Account.Credential, peer)
	if err == nil {
		log.Info("followed", logx.Int("remaining", last))
		p.publishResult("ok")
		// Requeue even when rest is empty so the cycle cannot end, and the
		// next cycle cannot start, inside the cooldown.
		return scheduler.RequeueAt(p.clock.Now().Add(p.cooldown), rest)
	}

	if ctx.Err() != nil {
		return scheduler.RequeueNow(t)
	}
	class := directory.Classify(err)
	p.publish(eventbus.TypeRemoteError, eventbus.RemoteErrorEvent{Op: "follow", Class: class.String()})
	switch class {
	case directory.ClassRateLimited:
		reset, _ := directory.ResetAt(err)
		log.Info("follow rate limited", logx.Time("reset", reset))
		p.publishResult("rate_limited")
		return scheduler.RequeueAt(reset, t)
	case directory.ClassCredential:
		log.Warn("credential rejected; abandoning follow queue", logx.Int("remaining", last), logx.Err(err))
		p.publishResult("failed")
		return scheduler.Drop[Task]()
	default:
		log.Warn("follow failed; skipping peer", logx.Err(err))
		p.publishResult("failed")
		return p.next(rest)
	}
}

// next requeues rest immediately, or drops it when exhausted.
func (p *Policy) next(rest Task) scheduler.Outcome[Task] {
	if len(rest.Queue) == 0 {
		return scheduler.Drop[Task]()
	}
	return scheduler.RequeueNow(rest)
}

func (p *Policy) publishResult(result string) {
	p.publish(eventbus.TypeFollow, eventbus.FollowEvent{Result: result})
}

func (p *Policy) publish(typ string, data any) {
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: typ, Time: p.clock.Now(), Data: data})
	}
}
