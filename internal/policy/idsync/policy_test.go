package idsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"followback/internal/clock"
	"followback/internal/directory"
	"followback/internal/directory/directorytest"
	"followback/internal/storage"
	"followback/internal/task/scheduler"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func ids(from, to int) []directory.UserID {
	out := make([]directory.UserID, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, directory.UserID(i))
	}
	return out
}

type fixture struct {
	clk    *clock.FakeClock
	remote *directorytest.Fake
	store  *storage.Memory
	policy *Policy
}

func newFixture() *fixture {
	clk := clock.Fake(t0)
	f := &fixture{clk: clk, remote: directorytest.New(clk.Now), store: storage.NewMemory(clk.Now)}
	f.policy = NewPolicy(PolicyConfig{Client: f.remote, Sink: f.store, Clock: clk})
	return f
}

func TestRunCyclePaginatesToEnd(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.remote.SetPageSize(2)
	acct := f.remote.AddAccount(42, ids(1, 5), ids(6, 7))

	d := NewDriver(DriverConfig{Policy: f.policy, Clock: f.clk})
	st, err := d.RunCycle(context.Background(), []directory.Account{acct})
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}

	followers, _ := f.store.FindFollowers(context.Background(), 42)
	friends, _ := f.store.FindFriends(context.Background(), 42)
	if len(followers) != 5 || len(friends) != 2 {
		t.Fatalf("stored followers=%v friends=%v", followers, friends)
	}
	// 3 follower pages + 1 friend page.
	if got := f.remote.Calls(directorytest.OpList); got != 4 {
		t.Fatalf("list calls = %d, want 4", got)
	}
	if got := f.remote.Calls(directorytest.OpVerify); got != 4 {
		t.Fatalf("verify calls = %d, want 4 (one per attempt)", got)
	}
	if st.Dropped != 2 {
		t.Fatalf("dropped = %d, want 2 exhausted listings", st.Dropped)
	}
}

func TestAttemptRateLimitedRequeuesAtReset(t *testing.T) {
	t.Parallel()
	f := newFixture()
	acct := f.remote.AddAccount(42, ids(1, 3), nil)
	reset := t0.Add(30 * time.Second)
	f.remote.FailNext(directorytest.OpList, &directory.RateLimitedError{Op: "followers/ids", Reset: reset})

	task := Task{Account: acct, Kind: directory.Followers, Cursor: directory.CursorStart}
	out := f.policy.Attempt(context.Background(), task)
	at, ok := out.ReadyAt()
	if !ok || !at.Equal(reset) {
		t.Fatalf("outcome ReadyAt = %v, %v, want %v", at, ok, reset)
	}
	if got := out.Payload(); got.Cursor != directory.CursorStart || got.Kind != directory.Followers {
		t.Fatalf("payload changed: %+v", got)
	}
	if got, _ := f.store.FindFollowers(context.Background(), 42); len(got) != 0 {
		t.Fatalf("persisted %v on rate limit", got)
	}
}

func TestRateLimitedRetryNeverBeforeReset(t *testing.T) {
	t.Parallel()
	f := newFixture()
	acct := f.remote.AddAccount(42, ids(1, 3), nil)
	reset := t0.Add(30 * time.Second)
	f.remote.FailNext(directorytest.OpList, &directory.RateLimitedError{Reset: reset})

	var attempts []time.Time
	s := scheduler.New[Task](scheduler.Config{Clock: f.clk}, scheduler.PolicyFunc[Task](func(ctx context.Context, task Task) scheduler.Outcome[Task] {
		attempts = append(attempts, f.clk.Now())
		return f.policy.Attempt(ctx, task)
	}))
	s.SubmitNow(Task{Account: acct, Kind: directory.Followers, Cursor: directory.CursorStart})
	if _, err := s.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(attempts))
	}
	if attempts[1].Before(reset) {
		t.Fatalf("retried at %v, before reset %v", attempts[1], reset)
	}
	if got, _ := f.store.FindFollowers(context.Background(), 42); len(got) != 3 {
		t.Fatalf("followers = %v after retry", got)
	}
}

func TestAttemptRevokedCredentialDrops(t *testing.T) {
	t.Parallel()
	f := newFixture()
	bad := f.remote.AddAccount(1, ids(10, 12), nil)
	good := f.remote.AddAccount(2, ids(20, 21), nil)
	f.remote.Revoke(bad)

	d := NewDriver(DriverConfig{Policy: f.policy, Clock: f.clk})
	if _, err := d.RunCycle(context.Background(), []directory.Account{bad, good}); err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if got, _ := f.store.FindFollowers(context.Background(), 1); len(got) != 0 {
		t.Fatalf("revoked account persisted %v", got)
	}
	if got, _ := f.store.FindFollowers(context.Background(), 2); len(got) != 2 {
		t.Fatalf("healthy account followers = %v", got)
	}
	if got := f.remote.Calls(directorytest.OpList); got != 2 {
		t.Fatalf("list calls = %d, want 2 (healthy account only)", got)
	}
}

func TestAttemptTransientErrorDrops(t *testing.T) {
	t.Parallel()
	f := newFixture()
	acct := f.remote.AddAccount(42, ids(1, 3), nil)
	f.remote.FailNext(directorytest.OpList, &directory.RemoteError{Op: "followers/ids", Status: 503})

	out := f.policy.Attempt(context.Background(), Task{Account: acct, Kind: directory.Followers, Cursor: directory.CursorStart})
	if !out.IsDrop() {
		t.Fatal("transient error should drop the task")
	}
}

func TestAttemptTimeoutDropsWithLiveContext(t *testing.T) {
	t.Parallel()
	f := newFixture()
	acct := f.remote.AddAccount(42, ids(1, 3), nil)
	f.remote.FailNext(directorytest.OpList, &directory.RemoteError{Op: "followers/ids", Err: context.DeadlineExceeded})

	out := f.policy.Attempt(context.Background(), Task{Account: acct, Kind: directory.Followers, Cursor: directory.CursorStart})
	if !out.IsDrop() {
		t.Fatal("timed out call should drop the listing for this cycle")
	}
}

func TestAttemptCanceledContextKeepsTask(t *testing.T) {
	t.Parallel()
	f := newFixture()
	acct := f.remote.AddAccount(42, ids(1, 3), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := f.policy.Attempt(ctx, Task{Account: acct, Kind: directory.Followers, Cursor: 7})
	if !out.Immediate() {
		t.Fatal("cancelled attempt should requeue now")
	}
	if got := out.Payload().Cursor; got != 7 {
		t.Fatalf("cursor = %d, want unchanged 7", got)
	}
}

type failingSink struct{ err error }

func (s failingSink) UpsertFollowers(context.Context, directory.UserID, []directory.UserID) error {
	return s.err
}

func (s failingSink) UpsertFriends(context.Context, directory.UserID, []directory.UserID) error {
	return s.err
}

func TestAttemptPersistFailureRetriesSamePage(t *testing.T) {
	t.Parallel()
	clk := clock.Fake(t0)
	remote := directorytest.New(clk.Now)
	remote.SetPageSize(1)
	acct := remote.AddAccount(42, ids(1, 3), nil)
	p := NewPolicy(PolicyConfig{Client: remote, Sink: failingSink{err: errors.New("db down")}, Clock: clk})

	task := Task{Account: acct, Kind: directory.Followers, Cursor: 1}
	out := p.Attempt(context.Background(), task)
	at, ok := out.ReadyAt()
	if !ok || !at.Equal(t0.Add(DefaultPersistRetry)) {
		t.Fatalf("ReadyAt = %v, %v, want %v", at, ok, t0.Add(DefaultPersistRetry))
	}
	if got := out.Payload().Cursor; got != 1 {
		t.Fatalf("cursor = %d, want unchanged 1", got)
	}
}

func TestAttemptAdvancesCursor(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.remote.SetPageSize(2)
	acct := f.remote.AddAccount(42, nil, ids(1, 3))

	out := f.policy.Attempt(context.Background(), Task{Account: acct, Kind: directory.Friends, Cursor: directory.CursorStart})
	if !out.Immediate() {
		t.Fatal("non-terminal page should requeue now")
	}
	next := out.Payload()
	if next.Cursor != 2 || next.Pages != 1 {
		t.Fatalf("next task = %+v", next)
	}
	if got, _ := f.store.FindFriends(context.Background(), 42); len(got) != 2 {
		t.Fatalf("friends = %v", got)
	}
}
