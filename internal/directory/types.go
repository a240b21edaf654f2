package directory

import (
	"context"
	"strconv"
)

// UserID is a remote account identifier.
type UserID int64

func (id UserID) String() string { return strconv.FormatInt(int64(id), 10) }

// Credential is a long-lived per-account access token pair.
type Credential struct {
	Token  string
	Secret string
}

// Valid reports whether both halves are present.
func (c Credential) Valid() bool { return c.Token != "" && c.Secret != "" }

// Account is a locally managed account.
type Account struct {
	ID         UserID
	Credential Credential
}

// Identity is what the remote service reports for a verified credential.
type Identity struct {
	ID         UserID
	ScreenName string
}

// ResourceKind selects which relationship listing to page through.
type ResourceKind int

const (
	Followers ResourceKind = iota + 1
	Friends
)

func (k ResourceKind) String() string {
	switch k {
	case Followers:
		return "followers"
	case Friends:
		return "friends"
	default:
		return "unknown"
	}
}

// Cursor is the remote pagination token.
type Cursor int64

const (
	// CursorStart requests the first page.
	CursorStart Cursor = -1
	// CursorEnd is returned with the last page.
	CursorEnd Cursor = 0
)

// Terminal reports whether no further pages exist.
func (c Cursor) Terminal() bool { return c == CursorEnd }

// Page is one slice of a listing.
type Page struct {
	IDs  []UserID
	Next Cursor
}

// Relation is the connection state between the caller and one peer.
//
// FollowedBy is set when the peer follows the caller or has a pending request
// to. Following is set when the caller follows the peer or has a pending
// request to.
type Relation struct {
	ID         UserID
	FollowedBy bool
	Following  bool
}

const (
	// PageSize is the number of ids requested per listing page.
	PageSize = 5000
	// LookupLimit is the maximum number of ids per relationship lookup.
	LookupLimit = 100
)

// Client talks to the remote directory service. Implementations must be safe
// for concurrent use across accounts.
type Client interface {
	ListIDs(ctx context.Context, acct Account, kind ResourceKind, cursor Cursor) (Page, error)
	LookupRelationships(ctx context.Context, cred Credential, ids []UserID) ([]Relation, error)
	Follow(ctx context.Context, cred Credential, id UserID) error
	VerifyCredential(ctx context.Context, cred Credential) (Identity, error)
}
