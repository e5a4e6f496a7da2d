package queue

import (
	"container/heap"
	"sync"

	gateway "github.com/eugener/gatewayd/internal"
)

// item wraps one queued request with its fallback chain.
type item struct {
	request       *gateway.Request
	fallbackChain []string
	index         int // heap bookkeeping
}

// priorityHeap orders items by (priority desc, submitted-at asc), per §4.3.
type priorityHeap []*item

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].request.Priority != h[j].request.Priority {
		return h[i].request.Priority > h[j].request.Priority
	}
	return h[i].request.SubmittedAt.Before(h[j].request.SubmittedAt)
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is the global priority queue of queued request ids (§4.3). It is
// safe for concurrent use by multiple workers.
type Queue struct {
	mu        sync.Mutex
	heap      priorityHeap
	maxDepth  int
	skipAhead int
}

// New returns an empty Queue bounded by maxDepth, with the given skip-ahead
// bound for head-of-line blocking avoidance (default 8 per spec).
func New(maxDepth, skipAhead int) *Queue {
	if maxDepth <= 0 {
		maxDepth = 1000
	}
	if skipAhead <= 0 {
		skipAhead = 8
	}
	q := &Queue{maxDepth: maxDepth, skipAhead: skipAhead}
	heap.Init(&q.heap)
	return q
}

// Enqueue adds a request to the queue. Returns gateway.ErrQueueFull if the
// queue is already at maxDepth.
func (q *Queue) Enqueue(req *gateway.Request, fallbackChain []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) >= q.maxDepth {
		return gateway.ErrQueueFull
	}
	heap.Push(&q.heap, &item{request: req, fallbackChain: fallbackChain})
	return nil
}

// Depth returns the current queue length.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Remove removes a queued request by id, for cancellation of a still-queued
// request. Returns true if found and removed.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.heap {
		if it.request.ID == id {
			heap.Remove(&q.heap, i)
			return true
		}
	}
	return false
}

// dequeueRunnable pops the highest-priority request for which runnable
// returns true, scanning at most skipAhead+1 items in priority order before
// giving up (head-of-line blocking avoidance, §4.3 step 1). Items skipped
// over are pushed back unchanged.
func (q *Queue) dequeueRunnable(runnable func(*item) bool) *item {
	q.mu.Lock()
	defer q.mu.Unlock()

	limit := q.skipAhead + 1
	if limit > len(q.heap) {
		limit = len(q.heap)
	}
	var skipped []*item
	for i := 0; i < limit; i++ {
		it := heap.Pop(&q.heap).(*item)
		if runnable(it) {
			for _, s := range skipped {
				heap.Push(&q.heap, s)
			}
			return it
		}
		skipped = append(skipped, it)
	}
	for _, s := range skipped {
		heap.Push(&q.heap, s)
	}
	return nil
}

// requeue reinserts an item that lost a race for its semaphore/rate-limit
// slot after being dequeued as runnable.
func (q *Queue) requeue(it *item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.heap, it)
}
