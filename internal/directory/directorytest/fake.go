// Package directorytest provides an in-memory directory.Client for tests.
package directorytest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"followback/internal/directory"
)

// Op names used for scripted failures and call accounting.
const (
	OpList   = "list"
	OpLookup = "lookup"
	OpFollow = "follow"
	OpVerify = "verify"
)

// FollowCall records one Follow invocation.
type FollowCall struct {
	Account directory.UserID
	Target  directory.UserID
	At      time.Time
}

type remoteAccount struct {
	id        directory.UserID
	token     string
	followers []directory.UserID
	friends   []directory.UserID
	relations map[directory.UserID]directory.Relation
}

// Fake is a scripted, thread-safe directory.Client.
type Fake struct {
	mu       sync.Mutex
	now      func() time.Time
	pageSize int
	accounts map[string]*remoteAccount
	invalid  map[string]bool
	failures map[string][]error
	calls    map[string]int
	lookups  [][]directory.UserID
	follows  []FollowCall
}

// New returns an empty Fake. now stamps follow calls; nil uses time.Now.
func New(now func() time.Time) *Fake {
	if now == nil {
		now = time.Now
	}
	return &Fake{
		now:      now,
		pageSize: directory.PageSize,
		accounts: map[string]*remoteAccount{},
		invalid:  map[string]bool{},
		failures: map[string][]error{},
		calls:    map[string]int{},
	}
}

// SetPageSize overrides the listing page size.
func (f *Fake) SetPageSize(n int) {
	f.mu.Lock()
	f.pageSize = n
	f.mu.Unlock()
}

// AddAccount registers a remote account and returns its local Account.
func (f *Fake) AddAccount(id directory.UserID, followers, friends []directory.UserID) directory.Account {
	tok := fmt.Sprintf("tok-%d", id)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[tok] = &remoteAccount{
		id:        id,
		token:     tok,
		followers: append([]directory.UserID(nil), followers...),
		friends:   append([]directory.UserID(nil), friends...),
		relations: map[directory.UserID]directory.Relation{},
	}
	return directory.Account{ID: id, Credential: directory.Credential{Token: tok, Secret: "secret"}}
}

// SetRelation overrides the lookup answer for one peer of an account.
func (f *Fake) SetRelation(acct directory.UserID, rel directory.Relation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.id == acct {
			a.relations[rel.ID] = rel
		}
	}
}

// Revoke makes every call with the account's credential fail with
// ErrCredentialInvalid.
func (f *Fake) Revoke(acct directory.Account) {
	f.mu.Lock()
	f.invalid[acct.Credential.Token] = true
	f.mu.Unlock()
}

// FailNext queues err as the result of the next call to op.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	f.failures[op] = append(f.failures[op], err)
	f.mu.Unlock()
}

// Calls reports how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Follows returns every recorded follow call.
func (f *Fake) Follows() []FollowCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FollowCall(nil), f.follows...)
}

// Lookups returns the id batches passed to LookupRelationships.
func (f *Fake) Lookups() [][]directory.UserID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]directory.UserID, len(f.lookups))
	for i, b := range f.lookups {
		out[i] = append([]directory.UserID(nil), b...)
	}
	return out
}

// begin accounts for a call and returns the scripted failure, if any.
func (f *Fake) begin(op string, cred directory.Credential) (*remoteAccount, error) {
	f.calls[op]++
	if q := f.failures[op]; len(q) > 0 {
		err := q[0]
		f.failures[op] = q[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.invalid[cred.Token] {
		return nil, directory.ErrCredentialInvalid
	}
	a, ok := f.accounts[cred.Token]
	if !ok {
		return nil, directory.ErrCredentialInvalid
	}
	return a, nil
}

func (f *Fake) ListIDs(ctx context.Context, acct directory.Account, kind directory.ResourceKind, cursor directory.Cursor) (directory.Page, error) {
	if err := ctx.Err(); err != nil {
		return directory.Page{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	a, err := f.begin(OpList, acct.Credential)
	if err != nil {
		return directory.Page{}, err
	}
	var all []directory.UserID
	switch kind {
	case directory.Followers:
		all = a.followers
	case directory.Friends:
		all = a.friends
	default:
		return directory.Page{}, &directory.RemoteError{Op: OpList, Detail: "unknown kind"}
	}

	offset := 0
	if cursor != directory.CursorStart {
		offset = int(cursor)
	}
	if offset > len(all) {
		offset = len(all)
	}
	end := offset + f.pageSize
	if end > len(all) {
		end = len(all)
	}
	page := directory.Page{IDs: append([]directory.UserID(nil), all[offset:end]...), Next: directory.CursorEnd}
	if end < len(all) {
		page.Next = directory.Cursor(end)
	}
	return page, nil
}

func (f *Fake) LookupRelationships(ctx context.Context, cred directory.Credential, ids []directory.UserID) ([]directory.Relation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	a, err := f.begin(OpLookup, cred)
	if err != nil {
		return nil, err
	}
	if len(ids) > directory.LookupLimit {
		return nil, &directory.RemoteError{Op: OpLookup, Status: 400, Detail: "too many ids"}
	}
	f.lookups = append(f.lookups, append([]directory.UserID(nil), ids...))

	out := make([]directory.Relation, 0, len(ids))
	for _, id := range ids {
		if rel, ok := a.relations[id]; ok {
			out = append(out, rel)
			continue
		}
		out = append(out, directory.Relation{
			ID:         id,
			FollowedBy: contains(a.followers, id),
			Following:  contains(a.friends, id),
		})
	}
	return out, nil
}

func (f *Fake) Follow(ctx context.Context, cred directory.Credential, id directory.UserID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	a, err := f.begin(OpFollow, cred)
	if err != nil {
		return err
	}
	f.follows = append(f.follows, FollowCall{Account: a.id, Target: id, At: f.now()})
	if !contains(a.friends, id) {
		a.friends = append(a.friends, id)
	}
	return nil
}

func (f *Fake) VerifyCredential(ctx context.Context, cred directory.Credential) (directory.Identity, error) {
	if err := ctx.Err(); err != nil {
		return directory.Identity{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	a, err := f.begin(OpVerify, cred)
	if err != nil {
		return directory.Identity{}, err
	}
	return directory.Identity{ID: a.id, ScreenName: fmt.Sprintf("user%d", a.id)}, nil
}

func contains(ids []directory.UserID, id directory.UserID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

var _ directory.Client = (*Fake)(nil)
