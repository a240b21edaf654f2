package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"followback/internal/directory"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("storage: not found")

// Error wraps a driver failure with the store operation that hit it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// Kind is the relationship direction stored for a source account.
type Kind string

const (
	KindFollower Kind = "follower"
	KindFriend   Kind = "friend"
)

// KindOf maps a listing kind to its stored relationship kind.
func KindOf(k directory.ResourceKind) (Kind, bool) {
	switch k {
	case directory.Followers:
		return KindFollower, true
	case directory.Friends:
		return KindFriend, true
	default:
		return "", false
	}
}

// Config configures storage.
//
// Driver values:
//   - "postgres": DSN is a PostgreSQL connection URL
//   - "sqlite": DSN is a database file path
//   - "memory": process-local, for tests and dry runs
type Config struct {
	Driver      string
	DSN         string
	BusyTimeout time.Duration // sqlite only
	MaxConns    int32         // postgres only; 0 keeps the pool default
	// Now stamps upserts. nil uses time.Now.
	Now func() time.Time
}

// RelationshipStats counts stored relationships for one account.
type RelationshipStats struct {
	Followers int
	Friends   int
}

// AccountStore holds locally managed accounts and their credentials.
type AccountStore interface {
	ListAccounts(ctx context.Context) ([]directory.Account, error)
	FindAccount(ctx context.Context, id directory.UserID) (directory.Account, error)
	SaveAccount(ctx context.Context, acct directory.Account) error
	DeleteAccount(ctx context.Context, id directory.UserID) error
}

// RelationshipStore holds the follower and friend id sets of each account.
// Upserts are idempotent and last-write-wins on the update stamp.
type RelationshipStore interface {
	UpsertFollowers(ctx context.Context, account directory.UserID, ids []directory.UserID) error
	UpsertFriends(ctx context.Context, account directory.UserID, ids []directory.UserID) error
	FindFollowers(ctx context.Context, account directory.UserID) ([]directory.UserID, error)
	FindFriends(ctx context.Context, account directory.UserID) ([]directory.UserID, error)
	Stats(ctx context.Context, account directory.UserID) (RelationshipStats, error)
	// PruneStale deletes relationships not refreshed since before.
	PruneStale(ctx context.Context, before time.Time) (int64, error)
}

type Store interface {
	AccountStore
	RelationshipStore
	Close() error
}

// uniqueIDs drops duplicates, keeping first occurrences in order.
func uniqueIDs(ids []directory.UserID) []directory.UserID {
	seen := make(map[directory.UserID]struct{}, len(ids))
	out := make([]directory.UserID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
