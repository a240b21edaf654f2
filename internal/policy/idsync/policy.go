// Package idsync pages through every account's follower and friend listings
// and persists each page as it arrives.
package idsync

import (
	"context"
	"fmt"
	"time"

	"followback/internal/clock"
	"followback/internal/directory"
	"followback/internal/eventbus"
	"followback/internal/storage"
	"followback/internal/task/scheduler"
	logx "followback/pkg/logx"
)

// DefaultPersistRetry is the delay before refetching a page whose ids could
// not be stored.
const DefaultPersistRetry = 5 * time.Second

// Task is the sync state of one (account, kind) listing.
type Task struct {
	Account directory.Account
	Kind    directory.ResourceKind
	Cursor  directory.Cursor
	Pages   int
}

func (t Task) String() string {
	return fmt.Sprintf("%s/%d@%d", t.Kind, t.Account.ID, t.Cursor)
}

// Sink receives persisted pages.
type Sink interface {
	UpsertFollowers(ctx context.Context, account directory.UserID, ids []directory.UserID) error
	UpsertFriends(ctx context.Context, account directory.UserID, ids []directory.UserID) error
}

type PolicyConfig struct {
	Client       directory.Client
	Sink         Sink
	Clock        clock.Clock
	Log          logx.Logger
	Bus          eventbus.Bus
	PersistRetry time.Duration
}

// Policy is the scheduler.Policy for sync tasks.
type Policy struct {
	client       directory.Client
	sink         Sink
	clock        clock.Clock
	log          logx.Logger
	bus          eventbus.Bus
	persistRetry time.Duration
}

func NewPolicy(cfg PolicyConfig) *Policy {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.PersistRetry <= 0 {
		cfg.PersistRetry = DefaultPersistRetry
	}
	log := cfg.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Policy{
		client:       cfg.Client,
		sink:         cfg.Sink,
		clock:        cfg.Clock,
		log:          log,
		bus:          cfg.Bus,
		persistRetry: cfg.PersistRetry,
	}
}

// Attempt verifies the credential, fetches the page at t.Cursor and stores
// it. Rate limits requeue the unchanged task at the reset instant.
func (p *Policy) Attempt(ctx context.Context, t Task) scheduler.Outcome[Task] {
	log := p.log.With(
		logx.ID("account", t.Account.ID),
		logx.String("kind", t.Kind.String()),
		logx.ID("cursor", t.Cursor),
	)

	if _, err := p.client.VerifyCredential(ctx, t.Account.Credential); err != nil {
		return p.onRemoteError(ctx, log, "verify", t, err)
	}

	page, err := p.client.ListIDs(ctx, t.Account, t.Kind, t.Cursor)
	if err != nil {
		return p.onRemoteError(ctx, log, "list", t, err)
	}

	if err := p.persist(ctx, t, page.IDs); err != nil {
		retry := p.clock.Now().Add(p.persistRetry)
		log.Error("persist page failed", logx.Err(err), logx.Int("ids", len(page.IDs)), logx.Time("retry_at", retry))
		p.publish(eventbus.TypeStoreError, nil)
		return scheduler.RequeueAt(retry, t)
	}
	p.publish(eventbus.TypeIDsPersisted, eventbus.IDsEvent{Kind: t.Kind.String(), Count: len(page.IDs)})

	t.Pages++
	if page.Next.Terminal() {
		log.Info("listing synced", logx.Int("pages", t.Pages))
		return scheduler.Drop[Task]()
	}
	log.Debug("page stored", logx.Int("ids", len(page.IDs)), logx.ID("next", page.Next))
	t.Cursor = page.Next
	return scheduler.RequeueNow(t)
}

func (p *Policy) persist(ctx context.Context, t Task, ids []directory.UserID) error {
	switch t.Kind {
	case directory.Followers:
		return p.sink.UpsertFollowers(ctx, t.Account.ID, ids)
	case directory.Friends:
		return p.sink.UpsertFriends(ctx, t.Account.ID, ids)
	default:
		return fmt.Errorf("unknown resource kind %d", t.Kind)
	}
}

// onRemoteError maps a failed call to an outcome. Only a done ctx keeps the
// task for later; timeouts and other failures drop the listing this cycle.
func (p *Policy) onRemoteError(ctx context.Context, log logx.Logger, op string, t Task, err error) scheduler.Outcome[Task] {
	if ctx.Err() != nil {
		return scheduler.RequeueNow(t)
	}
	class := directory.Classify(err)
	p.publish(eventbus.TypeRemoteError, eventbus.RemoteErrorEvent{Op: op, Class: class.String()})

	switch class {
	case directory.ClassRateLimited:
		reset, _ := directory.ResetAt(err)
		log.Info("rate limited", logx.String("op", op), logx.Time("reset", reset))
		return scheduler.RequeueAt(reset, t)
	case directory.ClassCredential:
		log.Warn("credential rejected; skipping account this cycle", logx.String("op", op), logx.Err(err))
		return scheduler.Drop[Task]()
	default:
		log.Error("remote call failed", logx.String("op", op), logx.Err(err))
		return scheduler.Drop[Task]()
	}
}

func (p *Policy) publish(typ string, data any) {
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: typ, Time: p.clock.Now(), Data: data})
	}
}

var _ Sink = (storage.RelationshipStore)(nil)
