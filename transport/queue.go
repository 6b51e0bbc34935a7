package transport

import (
	"container/heap"
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Dispatcher bounds concurrent in-flight fetches and orders dispatch by
// Priority (metadata before content before delta parts, spec §5), the same
// shape as the teacher's cmd/zoekt-sourcegraph-indexserver/queue.go
// container/heap priority queue, combined with the
// golang.org/x/sync/semaphore bound used by shards/sched.go.
//
// Submit never blocks the caller beyond enqueueing; completions are
// delivered asynchronously via the callback passed to Submit, which the
// pull engine's cooperative event loop schedules back onto itself (spec
// §9 "dynamic dispatch in completion callbacks").
type Dispatcher struct {
	sem *semaphore.Weighted

	mu   sync.Mutex
	cond *sync.Cond
	pq   dispatchHeap
	seq  int64

	closed bool
}

// NewDispatcher creates a Dispatcher allowing at most maxConcurrency
// in-flight work items at a time.
func NewDispatcher(maxConcurrency int64) *Dispatcher {
	d := &Dispatcher{
		sem: semaphore.NewWeighted(maxConcurrency),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.pump()
	return d
}

type dispatchItem struct {
	priority Priority
	seq      int64
	work     func()
	heapIdx  int
}

type dispatchHeap []*dispatchItem

func (h dispatchHeap) Len() int { return len(h) }
func (h dispatchHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h dispatchHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}
func (h *dispatchHeap) Push(x interface{}) {
	it := x.(*dispatchItem)
	it.heapIdx = len(*h)
	*h = append(*h, it)
}
func (h *dispatchHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	it.heapIdx = -1
	return it
}

// Submit enqueues work to run once a concurrency slot is available,
// ordered by priority among everything currently queued.
func (d *Dispatcher) Submit(priority Priority, work func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	heap.Push(&d.pq, &dispatchItem{priority: priority, seq: d.seq, work: work})
	d.cond.Signal()
}

// Close stops the dispatcher's pump goroutine. Pending items are dropped.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Signal()
	d.mu.Unlock()
}

func (d *Dispatcher) pump() {
	for {
		d.mu.Lock()
		for len(d.pq) == 0 && !d.closed {
			d.cond.Wait()
		}
		if d.closed {
			d.mu.Unlock()
			return
		}
		item := heap.Pop(&d.pq).(*dispatchItem)
		d.mu.Unlock()

		if err := d.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		go func() {
			defer d.sem.Release(1)
			item.work()
		}()
	}
}
