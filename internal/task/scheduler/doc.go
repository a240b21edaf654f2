// Package scheduler is the ready-time priority scheduler shared by the
// id-sync and follow-back loops.
//
// A Scheduler owns a min-heap of items keyed by ReadyAt. RunCycle pops the
// earliest item once its ReadyAt has passed, hands the payload to a Policy
// and applies the returned Outcome: requeue at an instant, requeue now, or
// drop. The cycle ends when the heap is empty. One Scheduler runs at most one
// attempt at a time; interleaving N accounts needs no goroutine per account.
package scheduler
