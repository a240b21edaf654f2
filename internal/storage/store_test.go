package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"followback/internal/directory"
	logx "followback/pkg/logx"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type storeFactory func(t *testing.T, now func() time.Time) Store

func openForTest(driver, dsn string) storeFactory {
	return func(t *testing.T, now func() time.Time) Store {
		t.Helper()
		st, err := Open(context.Background(), Config{Driver: driver, DSN: dsn, Now: now}, logx.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		return st
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	runStoreSuite(t, openForTest("memory", ""))
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	runStoreSuite(t, func(t *testing.T, now func() time.Time) Store {
		return openForTest("sqlite", filepath.Join(t.TempDir(), "followback.db"))(t, now)
	})
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("FOLLOWBACK_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("FOLLOWBACK_TEST_DATABASE_URL not set")
	}
	runStoreSuite(t, func(t *testing.T, now func() time.Time) Store {
		st := openForTest("postgres", dsn)(t, now)
		ps := st.(*postgresStore)
		_, err := ps.pool.Exec(context.Background(), `TRUNCATE accounts, relationships`)
		require.NoError(t, err)
		return st
	})
}

func runStoreSuite(t *testing.T, open storeFactory) {
	t.Run("accounts", func(t *testing.T) {
		clk := &testClock{now: time.Unix(1700000000, 0)}
		st := open(t, clk.Now)
		ctx := context.Background()

		_, err := st.FindAccount(ctx, 1)
		require.ErrorIs(t, err, ErrNotFound)

		a := directory.Account{ID: 2, Credential: directory.Credential{Token: "t2", Secret: "s2"}}
		b := directory.Account{ID: 1, Credential: directory.Credential{Token: "t1", Secret: "s1"}}
		require.NoError(t, st.SaveAccount(ctx, a))
		require.NoError(t, st.SaveAccount(ctx, b))

		b.Credential.Secret = "rotated"
		require.NoError(t, st.SaveAccount(ctx, b))

		got, err := st.ListAccounts(ctx)
		require.NoError(t, err)
		require.Equal(t, []directory.Account{b, a}, got)

		found, err := st.FindAccount(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, "rotated", found.Credential.Secret)

		require.NoError(t, st.DeleteAccount(ctx, 2))
		require.ErrorIs(t, st.DeleteAccount(ctx, 2), ErrNotFound)
	})

	t.Run("upsert is idempotent", func(t *testing.T) {
		clk := &testClock{now: time.Unix(1700000000, 0)}
		st := open(t, clk.Now)
		ctx := context.Background()

		require.NoError(t, st.UpsertFollowers(ctx, 42, []directory.UserID{1, 2, 3}))
		clk.Advance(time.Minute)
		require.NoError(t, st.UpsertFollowers(ctx, 42, []directory.UserID{1, 2, 3}))

		got, err := st.FindFollowers(ctx, 42)
		require.NoError(t, err)
		require.Equal(t, []directory.UserID{1, 2, 3}, got)

		// Refreshed rows survive a prune at the first write's stamp.
		n, err := st.PruneStale(ctx, time.Unix(1700000000, 0).Add(time.Second))
		require.NoError(t, err)
		require.Zero(t, n)
	})

	t.Run("kinds are independent", func(t *testing.T) {
		clk := &testClock{now: time.Unix(1700000000, 0)}
		st := open(t, clk.Now)
		ctx := context.Background()

		require.NoError(t, st.UpsertFollowers(ctx, 42, []directory.UserID{1, 2, 3}))
		require.NoError(t, st.UpsertFriends(ctx, 42, []directory.UserID{2, 9, 9}))
		require.NoError(t, st.UpsertFriends(ctx, 7, []directory.UserID{5}))
		require.NoError(t, st.UpsertFriends(ctx, 42, nil))

		friends, err := st.FindFriends(ctx, 42)
		require.NoError(t, err)
		require.Equal(t, []directory.UserID{2, 9}, friends)

		stats, err := st.Stats(ctx, 42)
		require.NoError(t, err)
		require.Equal(t, RelationshipStats{Followers: 3, Friends: 2}, stats)

		empty, err := st.FindFollowers(ctx, 7)
		require.NoError(t, err)
		require.Empty(t, empty)
	})

	t.Run("prune stale", func(t *testing.T) {
		clk := &testClock{now: time.Unix(1700000000, 0)}
		st := open(t, clk.Now)
		ctx := context.Background()

		require.NoError(t, st.UpsertFollowers(ctx, 42, []directory.UserID{1, 2}))
		clk.Advance(time.Hour)
		require.NoError(t, st.UpsertFollowers(ctx, 42, []directory.UserID{2}))

		n, err := st.PruneStale(ctx, clk.Now().Add(-time.Minute))
		require.NoError(t, err)
		require.EqualValues(t, 1, n)

		got, err := st.FindFollowers(ctx, 42)
		require.NoError(t, err)
		require.Equal(t, []directory.UserID{2}, got)
	})
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), Config{Driver: "oracle"}, logx.Nop())
	require.Error(t, err)
	_, err = Open(context.Background(), Config{}, logx.Nop())
	require.Error(t, err)
}

func TestKindOf(t *testing.T) {
	t.Parallel()
	k, ok := KindOf(directory.Followers)
	require.True(t, ok)
	require.Equal(t, KindFollower, k)
	k, ok = KindOf(directory.Friends)
	require.True(t, ok)
	require.Equal(t, KindFriend, k)
	_, ok = KindOf(directory.ResourceKind(0))
	require.False(t, ok)
}

func TestUniqueIDs(t *testing.T) {
	t.Parallel()
	require.Equal(t, []directory.UserID{3, 1, 2}, uniqueIDs([]directory.UserID{3, 1, 3, 2, 1}))
}
