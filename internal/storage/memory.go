package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"followback/internal/directory"
)

type relKey struct {
	source directory.UserID
	kind   Kind
}

// Memory is a process-local Store.
type Memory struct {
	mu       sync.RWMutex
	now      func() time.Time
	accounts map[directory.UserID]directory.Account
	rels     map[relKey]map[directory.UserID]time.Time
}

func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		now:      now,
		accounts: map[directory.UserID]directory.Account{},
		rels:     map[relKey]map[directory.UserID]time.Time{},
	}
}

func (m *Memory) ListAccounts(context.Context) ([]directory.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]directory.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) FindAccount(_ context.Context, id directory.UserID) (directory.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return directory.Account{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) SaveAccount(_ context.Context, acct directory.Account) error {
	m.mu.Lock()
	m.accounts[acct.ID] = acct
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteAccount(_ context.Context, id directory.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[id]; !ok {
		return ErrNotFound
	}
	delete(m.accounts, id)
	return nil
}

func (m *Memory) UpsertFollowers(ctx context.Context, account directory.UserID, ids []directory.UserID) error {
	return m.upsert(account, KindFollower, ids)
}

func (m *Memory) UpsertFriends(ctx context.Context, account directory.UserID, ids []directory.UserID) error {
	return m.upsert(account, KindFriend, ids)
}

func (m *Memory) upsert(account directory.UserID, kind Kind, ids []directory.UserID) error {
	if len(ids) == 0 {
		return nil
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	k := relKey{source: account, kind: kind}
	set := m.rels[k]
	if set == nil {
		set = map[directory.UserID]time.Time{}
		m.rels[k] = set
	}
	for _, id := range ids {
		if prev, ok := set[id]; ok && prev.After(now) {
			continue
		}
		set[id] = now
	}
	return nil
}

func (m *Memory) FindFollowers(_ context.Context, account directory.UserID) ([]directory.UserID, error) {
	return m.find(account, KindFollower), nil
}

func (m *Memory) FindFriends(_ context.Context, account directory.UserID) ([]directory.UserID, error) {
	return m.find(account, KindFriend), nil
}

func (m *Memory) find(account directory.UserID, kind Kind) []directory.UserID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.rels[relKey{source: account, kind: kind}]
	out := make([]directory.UserID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Memory) Stats(_ context.Context, account directory.UserID) (RelationshipStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return RelationshipStats{
		Followers: len(m.rels[relKey{source: account, kind: KindFollower}]),
		Friends:   len(m.rels[relKey{source: account, kind: KindFriend}]),
	}, nil
}

func (m *Memory) PruneStale(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, set := range m.rels {
		for id, at := range set {
			if at.Before(before) {
				delete(set, id)
				n++
			}
		}
	}
	return n, nil
}

func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
