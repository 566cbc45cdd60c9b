package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/hootmeow/bf1942-ingest/internal/addr"
)

// Entry is one scheduled poll: the address and the time it is due. seq
// makes ordering among equal due times stable.
type Entry struct {
	Due  time.Time
	Addr addr.Addr
	seq  uint64
}

// PollQueue is a blocking, thread-safe min-heap of poll entries ordered by
// due time. Workers pop the earliest entry and wait out any remaining delay
// themselves, so a worker holding an early entry never blocks dispatch of
// later ones.
type PollQueue struct {
	mu     sync.Mutex
	pq     entryHeap
	seq    uint64
	notify chan struct{}
}

func NewPollQueue() *PollQueue {
	h := entryHeap{}
	heap.Init(&h)
	return &PollQueue{pq: h, notify: make(chan struct{}, 1)}
}

// Push inserts an entry for the given address due at the given time.
func (q *PollQueue) Push(due time.Time, a addr.Addr) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.pq, &Entry{Due: due, Addr: a, seq: q.seq})
	q.mu.Unlock()
	q.wake()
}

// Pop removes and returns the earliest entry, blocking while the queue is
// empty. The entry is returned even if its due time is in the future; the
// caller owns the wait.
func (q *PollQueue) Pop(ctx context.Context) (Entry, error) {
	for {
		q.mu.Lock()
		if q.pq.Len() > 0 {
			e := heap.Pop(&q.pq).(*Entry)
			if q.pq.Len() > 0 {
				// More waiters may be parked; pass the wakeup on.
				q.wake()
			}
			q.mu.Unlock()
			return *e, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *PollQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pq.Len()
}

func (q *PollQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// entryHeap implements heap.Interface ordered by due time then seq.
type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].Due.Equal(h[j].Due) {
		return h[i].seq < h[j].seq
	}
	return h[i].Due.Before(h[j].Due)
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*Entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
