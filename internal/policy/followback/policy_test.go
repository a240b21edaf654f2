package followback

import (
	"context"
	"testing"
	"time"

	"followback/internal/clock"
	"followback/internal/directory"
	"followback/internal/directory/directorytest"
	"followback/internal/task/scheduler"
)

func runQueue(t *testing.T, clk *clock.FakeClock, p *Policy, tasks ...Task) scheduler.Stats {
	t.Helper()
	s := scheduler.New[Task](scheduler.Config{Name: "test", Clock: clk}, p)
	for _, task := range tasks {
		s.SubmitNow(task)
	}
	st, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	return st
}

func TestFollowCooldownPerAccount(t *testing.T) {
	t.Parallel()
	clk := clock.Fake(t0)
	remote := directorytest.New(clk.Now)
	a := remote.AddAccount(1, nil, nil)
	b := remote.AddAccount(2, nil, nil)
	p := NewPolicy(PolicyConfig{Client: remote, Clock: clk})

	runQueue(t, clk, p,
		Task{Account: a, Queue: []directory.UserID{10, 11, 12}},
		Task{Account: b, Queue: []directory.UserID{20, 21}},
	)

	byAccount := map[directory.UserID][]directorytest.FollowCall{}
	for _, c := range remote.Follows() {
		byAccount[c.Account] = append(byAccount[c.Account], c)
	}
	if len(byAccount[1]) != 3 || len(byAccount[2]) != 2 {
		t.Fatalf("follows = %v", remote.Follows())
	}
	// LIFO order.
	if byAccount[1][0].Target != 12 || byAccount[1][2].Target != 10 {
		t.Fatalf("account 1 order = %v", byAccount[1])
	}
	for acct, calls := range byAccount {
		for i := 1; i < len(calls); i++ {
			if gap := calls[i].At.Sub(calls[i-1].At); gap < DefaultCooldown {
				t.Fatalf("account %d follows %v apart, want >= %v", acct, gap, DefaultCooldown)
			}
		}
	}
	// Accounts interleave instead of serializing behind each other.
	if !byAccount[2][0].At.Equal(t0) {
		t.Fatalf("account 2 first follow at %v, want %v", byAccount[2][0].At, t0)
	}
}

func TestFollowScenarioSingleCall(t *testing.T) {
	t.Parallel()
	clk := clock.Fake(t0)
	remote := directorytest.New(clk.Now)
	acct := remote.AddAccount(42, []directory.UserID{1, 2, 3}, []directory.UserID{2})
	p := NewPolicy(PolicyConfig{Client: remote, Clock: clk})

	runQueue(t, clk, p, Task{Account: acct, Queue: []directory.UserID{1}})
	follows := remote.Follows()
	if len(follows) != 1 || follows[0].Target != 1 {
		t.Fatalf("follows = %v, want exactly one follow of 1", follows)
	}
}

func TestFollowFailureSkipsPeerWithoutCooldown(t *testing.T) {
	t.Parallel()
	clk := clock.Fake(t0)
	remote := directorytest.New(clk.Now)
	acct := remote.AddAccount(42, nil, nil)
	remote.FailNext(directorytest.OpFollow, &directory.RemoteError{Op: "friendships/create", Status: 403})
	p := NewPolicy(PolicyConfig{Client: remote, Clock: clk})

	runQueue(t, clk, p, Task{Account: acct, Queue: []directory.UserID{1, 2}})
	follows := remote.Follows()
	if len(follows) != 1 || follows[0].Target != 1 {
		t.Fatalf("follows = %v, want peer 2 skipped and peer 1 followed", follows)
	}
	if !follows[0].At.Equal(t0) {
		t.Fatalf("follow after failure at %v, want immediately at %v", follows[0].At, t0)
	}
}

func TestFollowTimeoutSkipsPeer(t *testing.T) {
	t.Parallel()
	clk := clock.Fake(t0)
	remote := directorytest.New(clk.Now)
	acct := remote.AddAccount(42, nil, nil)
	remote.FailNext(directorytest.OpFollow, &directory.RemoteError{Op: "friendships/create", Err: context.DeadlineExceeded})
	p := NewPolicy(PolicyConfig{Client: remote, Clock: clk})

	out := p.Attempt(context.Background(), Task{Account: acct, Queue: []directory.UserID{1, 2}})
	if !out.Immediate() {
		t.Fatal("timed out follow should move to the next peer now")
	}
	if got := out.Payload().Queue; len(got) != 1 || got[0] != 1 {
		t.Fatalf("remaining queue = %v, want [1]", got)
	}
}

func TestFollowCanceledContextKeepsPeer(t *testing.T) {
	t.Parallel()
	remote := directorytest.New(nil)
	acct := remote.AddAccount(42, nil, nil)
	p := NewPolicy(PolicyConfig{Client: remote, Clock: clock.Fake(t0)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := p.Attempt(ctx, Task{Account: acct, Queue: []directory.UserID{1, 2}})
	if got := out.Payload().Queue; !out.Immediate() || len(got) != 2 {
		t.Fatalf("outcome immediate=%v queue=%v, want unchanged queue requeued", out.Immediate(), got)
	}
}

func TestFollowRateLimitedKeepsPeer(t *testing.T) {
	t.Parallel()
	clk := clock.Fake(t0)
	remote := directorytest.New(clk.Now)
	acct := remote.AddAccount(42, nil, nil)
	reset := t0.Add(15 * time.Minute)
	remote.FailNext(directorytest.OpFollow, &directory.RateLimitedError{Reset: reset})
	p := NewPolicy(PolicyConfig{Client: remote, Clock: clk})

	runQueue(t, clk, p, Task{Account: acct, Queue: []directory.UserID{7}})
	follows := remote.Follows()
	if len(follows) != 1 || follows[0].Target != 7 {
		t.Fatalf("follows = %v, want peer 7 retried", follows)
	}
	if follows[0].At.Before(reset) {
		t.Fatalf("retried at %v, before reset %v", follows[0].At, reset)
	}
}

func TestFollowRevokedCredentialDropsTask(t *testing.T) {
	t.Parallel()
	clk := clock.Fake(t0)
	remote := directorytest.New(clk.Now)
	acct := remote.AddAccount(42, nil, nil)
	remote.Revoke(acct)
	p := NewPolicy(PolicyConfig{Client: remote, Clock: clk})

	st := runQueue(t, clk, p, Task{Account: acct, Queue: []directory.UserID{1, 2, 3}})
	if st.Attempts != 1 || st.Dropped != 1 {
		t.Fatalf("stats = %+v, want a single dropped attempt", st)
	}
}

func TestFollowDryRun(t *testing.T) {
	t.Parallel()
	clk := clock.Fake(t0)
	remote := directorytest.New(clk.Now)
	acct := remote.AddAccount(42, nil, nil)
	p := NewPolicy(PolicyConfig{Client: remote, Clock: clk, DryRun: true})

	st := runQueue(t, clk, p, Task{Account: acct, Queue: []directory.UserID{1, 2}})
	if got := remote.Calls(directorytest.OpFollow); got != 0 {
		t.Fatalf("follow calls = %d in dry run", got)
	}
	if st.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", st.Attempts)
	}
}

func TestAttemptEmptyQueueDrops(t *testing.T) {
	t.Parallel()
	p := NewPolicy(PolicyConfig{Client: directorytest.New(nil), Clock: clock.Fake(t0)})
	if out := p.Attempt(context.Background(), Task{}); !out.IsDrop() {
		t.Fatal("empty queue should drop")
	}
}

func TestAttemptSuccessRequeuesAfterCooldown(t *testing.T) {
	t.Parallel()
	clk := clock.Fake(t0)
	remote := directorytest.New(clk.Now)
	acct := remote.AddAccount(42, nil, nil)
	p := NewPolicy(PolicyConfig{Client: remote, Clock: clk})

	out := p.Attempt(context.Background(), Task{Account: acct, Queue: []directory.UserID{1}})
	at, ok := out.ReadyAt()
	if !ok || !at.Equal(t0.Add(DefaultCooldown)) {
		t.Fatalf("ReadyAt = %v, %v, want %v", at, ok, t0.Add(DefaultCooldown))
	}
	if len(out.Payload().Queue) != 0 {
		t.Fatalf("remaining queue = %v", out.Payload().Queue)
	}
}
