package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGoCancelOnError(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")

	s.Go("blocker", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.Go("failer", func(context.Context) error { return boom })

	err := s.Wait(waitCtx(t))
	if !errors.Is(err, boom) {
		t.Fatalf("Wait = %v, want %v", err, boom)
	}
	snap := s.Snapshot()
	if snap.Active != 0 || snap.Started != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("panicky", func(context.Context) error { panic("oops") })

	if err := s.Wait(waitCtx(t)); err == nil {
		t.Fatal("Wait = nil, want panic error")
	}
	snap := s.Snapshot()
	if len(snap.Tasks) != 1 || snap.Tasks[0].Panics != 1 {
		t.Fatalf("tasks = %+v", snap.Tasks)
	}
}

func TestGoRestartUntilSuccess(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, RestartPolicy{MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, PublishErr: true})

	if err := s.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait = %v, want nil after recovery", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
	snap := s.Snapshot()
	st := snap.Tasks[0]
	if st.Restarts != 2 || st.Runs != 3 {
		t.Fatalf("stats = %+v", st)
	}
	if st.Failing || len(snap.Degraded) != 0 {
		t.Fatalf("degraded = %v after a clean exit", snap.Degraded)
	}
}

func TestPublishedFailureClearsAfterHealthyRun(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.healthyRun = 200 * time.Millisecond
	defer s.Stop(waitCtx(t))

	var runs atomic.Int32
	s.GoRestart("loop", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("bad cycle")
		}
		<-ctx.Done()
		return ctx.Err()
	}, RestartPolicy{MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, PublishErr: true})

	waitFor(t, func() bool { return runs.Load() == 2 })
	snap := s.Snapshot()
	if len(snap.Degraded) != 1 || snap.Degraded[0] != "loop" {
		t.Fatalf("degraded = %v right after the restart, want [loop]", snap.Degraded)
	}
	if snap.FirstError != "" {
		t.Fatalf("first error = %q, want none for a recovered loop", snap.FirstError)
	}

	waitFor(t, func() bool { return len(s.Snapshot().Degraded) == 0 })
	if st := s.Snapshot().Tasks[0]; st.Panics != 1 || st.LastErr == "" {
		t.Fatalf("stats = %+v, want the panic kept in history", st)
	}
}

func TestGoRestartGivesUpPublishesError(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.GoRestart("broken", func(context.Context) error {
		return errors.New("nope")
	}, RestartPolicy{MinBackoff: time.Millisecond, MaxRestarts: 1, PublishErr: true})

	if err := s.Wait(waitCtx(t)); err == nil {
		t.Fatal("Wait = nil, want the final error")
	}
	if got := s.Snapshot().Degraded; len(got) != 1 {
		t.Fatalf("degraded = %v, want [broken]", got)
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("broken", func(context.Context) error {
		runs.Add(1)
		return errors.New("nope")
	}, RestartPolicy{MinBackoff: time.Millisecond, MaxRestarts: 2})

	if err := s.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait = %v, want nil without PublishErr", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestStopCancelsLoops(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.GoRestart("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, RestartPolicy{})

	if err := s.Stop(waitCtx(t)); err != nil {
		t.Fatalf("Stop = %v", err)
	}
}
