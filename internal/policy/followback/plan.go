// Package followback follows back accounts that follow a managed account but
// are not yet followed by it, one peer per account per cooldown.
package followback

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"followback/internal/directory"
	logx "followback/pkg/logx"
)

// Candidates returns followers that are not friends, in follower order and
// without duplicates. Friends absent from followers are simply ignored.
func Candidates(followers, friends []directory.UserID) []directory.UserID {
	exclude := make(map[directory.UserID]struct{}, len(friends)+len(followers))
	for _, id := range friends {
		exclude[id] = struct{}{}
	}
	out := make([]directory.UserID, 0, len(followers))
	for _, id := range followers {
		if _, ok := exclude[id]; ok {
			continue
		}
		exclude[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Sample returns up to limit ids chosen uniformly at random. ids is not
// modified.
func Sample(ids []directory.UserID, limit int, rng *rand.Rand) []directory.UserID {
	out := append([]directory.UserID(nil), ids...)
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// RelationshipReader is the read side of the relationship store.
type RelationshipReader interface {
	FindFollowers(ctx context.Context, account directory.UserID) ([]directory.UserID, error)
	FindFriends(ctx context.Context, account directory.UserID) ([]directory.UserID, error)
}

// StoreError marks a plan failure caused by the relationship store.
type StoreError struct{ Err error }

func (e *StoreError) Error() string { return "load relationships: " + e.Err.Error() }
func (e *StoreError) Unwrap() error { return e.Err }

type PlannerConfig struct {
	Client directory.Client
	Store  RelationshipReader
	Log    logx.Logger
	// Rand drives sampling. nil seeds a PCG source from the runtime.
	Rand *rand.Rand
	// LookupLimit caps the sample size; 0 uses directory.LookupLimit.
	LookupLimit int
}

// Planner builds per-account follow queues from persisted relationships and
// a live relationship lookup.
type Planner struct {
	client directory.Client
	store  RelationshipReader
	log    logx.Logger
	limit  int

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewPlanner(cfg PlannerConfig) *Planner {
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	limit := cfg.LookupLimit
	if limit <= 0 || limit > directory.LookupLimit {
		limit = directory.LookupLimit
	}
	log := cfg.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Planner{client: cfg.Client, store: cfg.Store, log: log, limit: limit, rng: rng}
}

// Plan returns the peers acct should follow this cycle: a random sample of
// stored followers minus stored friends, narrowed to peers the remote still
// reports as following acct and not yet followed by it.
func (p *Planner) Plan(ctx context.Context, acct directory.Account) ([]directory.UserID, error) {
	if _, err := p.client.VerifyCredential(ctx, acct.Credential); err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}
	followers, err := p.store.FindFollowers(ctx, acct.ID)
	if err != nil {
		return nil, &StoreError{Err: err}
	}
	friends, err := p.store.FindFriends(ctx, acct.ID)
	if err != nil {
		return nil, &StoreError{Err: err}
	}

	cands := Candidates(followers, friends)
	if len(cands) == 0 {
		return nil, nil
	}
	p.rngMu.Lock()
	sample := Sample(cands, p.limit, p.rng)
	p.rngMu.Unlock()

	rels, err := p.client.LookupRelationships(ctx, acct.Credential, sample)
	if err != nil {
		return nil, fmt.Errorf("lookup: %w", err)
	}
	queue := make([]directory.UserID, 0, len(rels))
	for _, r := range rels {
		if r.FollowedBy && !r.Following {
			queue = append(queue, r.ID)
		}
	}
	p.log.Debug("follow plan built",
		logx.ID("account", acct.ID),
		logx.Int("candidates", len(cands)),
		logx.Int("sampled", len(sample)),
		logx.Int("queued", len(queue)),
	)
	return queue, nil
}
