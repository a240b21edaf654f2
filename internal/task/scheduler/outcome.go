package scheduler

import (
	"context"
	"time"
)

type outcomeKind int

const (
	outcomeDrop outcomeKind = iota
	outcomeRequeueAt
	outcomeRequeueNow
)

func (k outcomeKind) String() string {
	switch k {
	case outcomeRequeueAt:
		return "requeue_at"
	case outcomeRequeueNow:
		return "requeue_now"
	default:
		return "drop"
	}
}

// Outcome is a policy's decision for one attempt. The zero value drops.
type Outcome[P any] struct {
	kind    outcomeKind
	at      time.Time
	payload P
}

// RequeueAt reinserts p to become ready at t.
func RequeueAt[P any](t time.Time, p P) Outcome[P] {
	return Outcome[P]{kind: outcomeRequeueAt, at: t, payload: p}
}

// RequeueNow reinserts p ready at the current time.
func RequeueNow[P any](p P) Outcome[P] {
	return Outcome[P]{kind: outcomeRequeueNow, payload: p}
}

// Drop discards the payload.
func Drop[P any]() Outcome[P] { return Outcome[P]{} }

// IsDrop reports whether the outcome discards the payload.
func (o Outcome[P]) IsDrop() bool { return o.kind == outcomeDrop }

// ReadyAt returns the requeue instant for RequeueAt outcomes.
func (o Outcome[P]) ReadyAt() (time.Time, bool) {
	return o.at, o.kind == outcomeRequeueAt
}

// Immediate reports whether the outcome is RequeueNow.
func (o Outcome[P]) Immediate() bool { return o.kind == outcomeRequeueNow }

// Payload returns the payload carried by a requeue outcome.
func (o Outcome[P]) Payload() P { return o.payload }

// Policy decides what happens to a payload after one attempt. Attempt must
// not block indefinitely without honouring ctx.
type Policy[P any] interface {
	Attempt(ctx context.Context, p P) Outcome[P]
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc[P any] func(ctx context.Context, p P) Outcome[P]

func (f PolicyFunc[P]) Attempt(ctx context.Context, p P) Outcome[P] { return f(ctx, p) }
