package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"followback/internal/clock"
	"followback/internal/eventbus"
	logx "followback/pkg/logx"
)

// DefaultQuantum bounds how long the loop sleeps before re-checking the head.
const DefaultQuantum = time.Second

type Config struct {
	// Name identifies the scheduler in logs and events.
	Name    string
	Quantum time.Duration
	Clock   clock.Clock
	Log     logx.Logger
	// Bus receives task and cycle events. nil disables publishing.
	Bus eventbus.Bus
}

// Item is a payload together with the instant it becomes eligible.
type Item[P any] struct {
	ReadyAt time.Time
	Payload P
}

// Stats summarises one RunCycle.
type Stats struct {
	CycleID  string
	Attempts int
	Requeued int
	Dropped  int
	Panics   int
	Duration time.Duration
}

type Scheduler[P any] struct {
	cfg    Config
	policy Policy[P]
	log    logx.Logger

	mu  sync.Mutex
	h   itemHeap[P]
	seq uint64
}

func New[P any](cfg Config, policy Policy[P]) *Scheduler[P] {
	if cfg.Quantum <= 0 {
		cfg.Quantum = DefaultQuantum
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Name == "" {
		cfg.Name = "scheduler"
	}
	log := cfg.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler[P]{
		cfg:    cfg,
		policy: policy,
		log:    log.With(logx.String("scheduler", cfg.Name)),
	}
}

// Submit enqueues an item. It never fails and may be called while RunCycle
// is running.
func (s *Scheduler[P]) Submit(it Item[P]) {
	s.mu.Lock()
	s.push(it.ReadyAt, it.Payload)
	s.mu.Unlock()
}

// SubmitNow enqueues p ready at the current time.
func (s *Scheduler[P]) SubmitNow(p P) {
	s.Submit(Item[P]{ReadyAt: s.cfg.Clock.Now(), Payload: p})
}

func (s *Scheduler[P]) push(at time.Time, p P) {
	s.seq++
	heap.Push(&s.h, entry[P]{readyAt: at, seq: s.seq, payload: p})
}

// Len reports the number of live items.
func (s *Scheduler[P]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h.Len()
}

// NextReadyAt returns the earliest ReadyAt, if any item is queued.
func (s *Scheduler[P]) NextReadyAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h.Len() == 0 {
		return time.Time{}, false
	}
	return s.h[0].readyAt, true
}

// RunCycle processes items until the heap is empty or ctx is cancelled. On
// cancellation it returns ctx.Err() and leaves remaining items queued.
func (s *Scheduler[P]) RunCycle(ctx context.Context) (Stats, error) {
	clk := s.cfg.Clock
	start := clk.Now()
	st := Stats{CycleID: uuid.NewString()}
	log := s.log.With(logx.String("cycle", st.CycleID))
	log.Debug("cycle started", logx.Int("pending", s.Len()))

	for {
		if err := ctx.Err(); err != nil {
			st.Duration = clk.Now().Sub(start)
			return st, err
		}

		s.mu.Lock()
		if s.h.Len() == 0 {
			s.mu.Unlock()
			break
		}
		now := clk.Now()
		if head := s.h[0].readyAt; now.Before(head) {
			s.mu.Unlock()
			wait := s.cfg.Quantum
			if d := head.Sub(now); d < wait {
				wait = d
			}
			select {
			case <-ctx.Done():
			case <-clk.After(wait):
			}
			continue
		}
		e := heap.Pop(&s.h).(entry[P])
		pending := s.h.Len()
		s.mu.Unlock()

		st.Attempts++
		label := describe(e.payload)
		s.publish(eventbus.TypeAttempt, eventbus.TaskEvent{Scheduler: s.cfg.Name, Task: label, ReadyAt: e.readyAt, Pending: pending})

		out, panicked := s.attempt(ctx, log, label, e.payload)
		if panicked {
			st.Panics++
		}
		switch out.kind {
		case outcomeRequeueAt, outcomeRequeueNow:
			at := out.at
			if out.kind == outcomeRequeueNow {
				at = clk.Now()
			}
			s.mu.Lock()
			s.push(at, out.payload)
			pending = s.h.Len()
			s.mu.Unlock()
			st.Requeued++
			log.Trace("task requeued", logx.String("task", label), logx.String("outcome", out.kind.String()), logx.Time("ready_at", at))
			s.publish(eventbus.TypeRequeued, eventbus.TaskEvent{Scheduler: s.cfg.Name, Task: label, ReadyAt: at, Pending: pending})
		default:
			st.Dropped++
			log.Debug("task dropped", logx.String("task", label))
			s.publish(eventbus.TypeDropped, eventbus.TaskEvent{Scheduler: s.cfg.Name, Task: label, Pending: pending})
		}
	}

	st.Duration = clk.Now().Sub(start)
	log.Debug("cycle finished",
		logx.Int("attempts", st.Attempts),
		logx.Int("requeued", st.Requeued),
		logx.Int("dropped", st.Dropped),
		logx.Duration("took", st.Duration),
	)
	s.publish(eventbus.TypeCycleDone, eventbus.CycleEvent{Scheduler: s.cfg.Name, CycleID: st.CycleID, Attempts: st.Attempts, Duration: st.Duration})
	return st, nil
}

// attempt runs the policy; a panic is logged and converted to Drop so one bad
// payload cannot stop the loop.
func (s *Scheduler[P]) attempt(ctx context.Context, log logx.Logger, label string, p P) (out Outcome[P], panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", logx.String("task", label), logx.Panic(r))
			s.publish(eventbus.TypePanic, eventbus.TaskEvent{Scheduler: s.cfg.Name, Task: label})
			out = Drop[P]()
			panicked = true
		}
	}()
	return s.policy.Attempt(ctx, p), false
}

func (s *Scheduler[P]) publish(typ string, data any) {
	if s.cfg.Bus == nil {
		return
	}
	s.cfg.Bus.Publish(eventbus.Event{Type: typ, Time: s.cfg.Clock.Now(), Data: data})
}

func describe(p any) string {
	if st, ok := p.(fmt.Stringer); ok {
		return st.String()
	}
	return fmt.Sprintf("%T", p)
}
