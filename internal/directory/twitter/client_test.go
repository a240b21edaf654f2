package twitter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"followback/internal/directory"
	logx "followback/pkg/logx"
)

var testCred = directory.Credential{Token: "tok", Secret: "sec"}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, ConsumerKey: "ck", ConsumerSecret: "cs", Timeout: 2 * time.Second}, logx.Nop())
	require.NoError(t, err)
	c.now = func() time.Time { return time.Unix(1000, 0) }
	return c
}

func TestListIDsFollowers(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/followers/ids.json", r.URL.Path)
		assert.Equal(t, "42", r.URL.Query().Get("user_id"))
		assert.Equal(t, "-1", r.URL.Query().Get("cursor"))
		assert.Equal(t, "5000", r.URL.Query().Get("count"))
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "OAuth "))
		fmt.Fprint(w, `{"ids":[1,2,3],"next_cursor":1234,"previous_cursor":0}`)
	})

	page, err := c.ListIDs(context.Background(), directory.Account{ID: 42, Credential: testCred}, directory.Followers, directory.CursorStart)
	require.NoError(t, err)
	require.Equal(t, []directory.UserID{1, 2, 3}, page.IDs)
	require.Equal(t, directory.Cursor(1234), page.Next)
}

func TestListIDsFriendsLastPage(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/friends/ids.json", r.URL.Path)
		assert.Equal(t, "77", r.URL.Query().Get("cursor"))
		fmt.Fprint(w, `{"ids":[9],"next_cursor":0}`)
	})

	page, err := c.ListIDs(context.Background(), directory.Account{ID: 1, Credential: testCred}, directory.Friends, 77)
	require.NoError(t, err)
	require.True(t, page.Next.Terminal())
	require.Equal(t, []directory.UserID{9}, page.IDs)
}

func TestRateLimitedUsesResetHeader(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-rate-limit-reset", "1700000030")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"errors":[{"code":88,"message":"Rate limit exceeded"}]}`)
	})

	_, err := c.ListIDs(context.Background(), directory.Account{ID: 1, Credential: testCred}, directory.Followers, directory.CursorStart)
	require.Equal(t, directory.ClassRateLimited, directory.Classify(err))
	reset, ok := directory.ResetAt(err)
	require.True(t, ok)
	require.Equal(t, time.Unix(1700000030, 0), reset)
}

func TestRateLimitedWithoutHeaderFallsBack(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	err := c.Follow(context.Background(), testCred, 5)
	reset, ok := directory.ResetAt(err)
	require.True(t, ok)
	require.Equal(t, time.Unix(1000, 0).Add(defaultRateLimitWindow), reset)
}

func TestUnauthorizedIsCredentialInvalid(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"errors":[{"code":89,"message":"Invalid or expired token."}]}`)
	})

	_, err := c.VerifyCredential(context.Background(), testCred)
	require.True(t, errors.Is(err, directory.ErrCredentialInvalid))
}

func TestVerifyCredentialEmptyTokenSkipsRemote(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s", r.URL.Path)
	})

	_, err := c.VerifyCredential(context.Background(), directory.Credential{})
	require.ErrorIs(t, err, directory.ErrCredentialInvalid)
}

func TestVerifyCredential(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/account/verify_credentials.json", r.URL.Path)
		fmt.Fprint(w, `{"id":42,"screen_name":"alice"}`)
	})

	id, err := c.VerifyCredential(context.Background(), testCred)
	require.NoError(t, err)
	require.Equal(t, directory.Identity{ID: 42, ScreenName: "alice"}, id)
}

func TestServerErrorIsRemoteError(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"errors":[{"code":161,"message":"You are unable to follow more people at this time."}]}`)
	})

	err := c.Follow(context.Background(), testCred, 5)
	var re *directory.RemoteError
	require.ErrorAs(t, err, &re)
	require.Equal(t, http.StatusForbidden, re.Status)
	require.Equal(t, 161, re.Code)
	require.Equal(t, directory.ClassTransient, directory.Classify(err))
}

func TestFollowPostsForm(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/friendships/create.json", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "5", r.PostForm.Get("user_id"))
		fmt.Fprint(w, `{"id":5}`)
	})

	require.NoError(t, c.Follow(context.Background(), testCred, 5))
}

func TestLookupRelationships(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/friendships/lookup.json", r.URL.Path)
		assert.Equal(t, "1,2,3", r.URL.Query().Get("user_id"))
		fmt.Fprint(w, `[
			{"id":1,"connections":["followed_by"]},
			{"id":2,"connections":["following","followed_by"]},
			{"id":3,"connections":["following_requested"]}
		]`)
	})

	rels, err := c.LookupRelationships(context.Background(), testCred, []directory.UserID{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, []directory.Relation{
		{ID: 1, FollowedBy: true},
		{ID: 2, FollowedBy: true, Following: true},
		{ID: 3, Following: true},
	}, rels)
}

func TestLookupRejectsOversizedBatch(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s", r.URL.Path)
	})

	ids := make([]directory.UserID, directory.LookupLimit+1)
	_, err := c.LookupRelationships(context.Background(), testCred, ids)
	require.Error(t, err)
}

func TestNewRequiresConsumerKeys(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, logx.Nop())
	require.Error(t, err)
}

func TestClientTimeoutIsTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, ConsumerKey: "ck", ConsumerSecret: "cs", Timeout: 50 * time.Millisecond}, logx.Nop())
	require.NoError(t, err)

	_, err = c.ListIDs(context.Background(), directory.Account{ID: 42, Credential: testCred}, directory.Followers, directory.CursorStart)
	require.Error(t, err)
	var re *directory.RemoteError
	require.True(t, errors.As(err, &re), "err = %v", err)
	assert.Equal(t, directory.ClassTransient, directory.Classify(err))
}
