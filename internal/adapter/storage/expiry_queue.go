// internal/adapter/storage/expiry_queue.go

package storage

import (
	"container/heap"
	"sync"
	"time"
)

// deadline is a heap entry pointing at one version of a record
type deadline struct {
	id      string
	at      time.Time
	version uint64
}

type deadlineHeap []deadline

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x any)        { *h = append(*h, x.(deadline)) }
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// deadlineQueue is a min-heap of deadlines with lazy deletion: superseded
// entries stay in the heap until they surface and fail the liveness check.
type deadlineQueue struct {
	mu sync.Mutex
	h  deadlineHeap
}

func (q *deadlineQueue) push(id string, at time.Time, version uint64) {
	q.mu.Lock()
	heap.Push(&q.h, deadline{id: id, at: at, version: version})
	q.mu.Unlock()
}

// due returns up to limit live entries with at <= cutoff without removing
// them. Dead entries found on the way are dropped.
func (q *deadlineQueue) due(cutoff time.Time, limit int, live func(deadline) bool) []deadline {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []deadline
	for q.h.Len() > 0 && len(out) < limit {
		top := q.h[0]
		if top.at.After(cutoff) {
			break
		}
		heap.Pop(&q.h)
		if live(top) {
			out = append(out, top)
		}
	}
	for _, d := range out {
		heap.Push(&q.h, d)
	}
	return out
}

// compact rebuilds the heap keeping only live entries
func (q *deadlineQueue) compact(live func(deadline) bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.h[:0]
	for _, d := range q.h {
		if live(d) {
			kept = append(kept, d)
		}
	}
	clear(q.h[len(kept):])
	q.h = kept
	heap.Init(&q.h)
}

func (q *deadlineQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}
