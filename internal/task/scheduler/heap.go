package scheduler

import "time"

type entry[P any] struct {
	readyAt time.Time
	seq     uint64
	payload P
}

// itemHeap is a container/heap min-heap on (readyAt, seq).
type itemHeap[P any] []entry[P]

func (h itemHeap[P]) Len() int { return len(h) }

func (h itemHeap[P]) Less(i, j int) bool {
	if h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].readyAt.Before(h[j].readyAt)
}

func (h itemHeap[P]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap[P]) Push(x any) { *h = append(*h, x.(entry[P])) }

func (h *itemHeap[P]) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	var zero entry[P]
	old[n-1] = zero
	*h = old[:n-1]
	return it
}
