// Package pqueue provides the bounded priority queue that ranks eviction
// candidates by age while holding at most a fixed number of them.
package pqueue

import (
	"container/heap"
	"sort"
	"sync"

	htcachesweep "github.com/wolfeidau/htcache-sweep"
)

// Queue keeps the N most evictable candidates seen so far. Insertions come
// from all walker workers concurrently; a single mutex is enough because
// per-insert work is tiny compared to the disk I/O that produced the
// candidate. Once the walk has finished the queue is drained exactly once.
type Queue struct {
	mu       sync.Mutex
	capacity int
	items    candidateHeap
}

// DefaultCapacity bounds queue memory on multi-million entry caches.
const DefaultCapacity = 1000000

// New creates a queue holding at most capacity candidates. A zero or
// negative capacity retains nothing, leaving only the walker's
// direct-delete path active.
func New(capacity int) *Queue {
	return &Queue{capacity: capacity}
}

// Push inserts a candidate. When the queue is full the least evictable
// retained candidate is replaced if the new one is older, otherwise the
// new candidate is dropped silently.
func (q *Queue) Push(c htcachesweep.Candidate) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.capacity <= 0 {
		return
	}
	if q.items.Len() < q.capacity {
		heap.Push(&q.items, c)
		return
	}
	// items[0] is the youngest retained candidate.
	if c.EvictBefore(q.items[0]) {
		q.items[0] = c
		heap.Fix(&q.items, 0)
	}
}

// Len returns the number of retained candidates.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Drain empties the queue and returns the retained candidates ordered
// oldest first. Must only be called after all producers have stopped.
func (q *Queue) Drain() []htcachesweep.Candidate {
	q.mu.Lock()
	items := []htcachesweep.Candidate(q.items)
	q.items = nil
	q.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].EvictBefore(items[j])
	})
	return items
}

// candidateHeap is a min-heap whose root is the least evictable (youngest)
// retained candidate, so a full queue can replace it in O(log n).
type candidateHeap []htcachesweep.Candidate

func (h candidateHeap) Len() int { return len(h) }

func (h candidateHeap) Less(i, j int) bool { return h[j].EvictBefore(h[i]) }

func (h candidateHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *candidateHeap) Push(x any) { *h = append(*h, x.(htcachesweep.Candidate)) }

func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
