package eventbus

import "time"

// Scheduler event types.
const (
	TypeAttempt   = "task.attempt"
	TypeRequeued  = "task.requeued"
	TypeDropped   = "task.dropped"
	TypePanic     = "task.panic"
	TypeCycleDone = "cycle.finished"
)

// Domain event types published by the policies.
const (
	TypeIDsPersisted = "ids.persisted"
	TypeFollow       = "follow.result"
	TypeRemoteError  = "remote.error"
	TypeStoreError   = "store.error"
)

// TaskEvent describes one scheduler step.
type TaskEvent struct {
	Scheduler string
	Task      string
	ReadyAt   time.Time
	Pending   int
}

// CycleEvent is published when a scheduler drains its queue.
type CycleEvent struct {
	Scheduler string
	CycleID   string
	Attempts  int
	Duration  time.Duration
}

// IDsEvent reports a persisted page of relationship ids.
type IDsEvent struct {
	Kind  string
	Count int
}

// FollowEvent reports the outcome of one follow action.
type FollowEvent struct {
	Result string // ok, failed, rate_limited, dry_run
}

// RemoteErrorEvent reports a classified remote failure.
type RemoteErrorEvent struct {
	Op    string
	Class string
}
