// Package queue holds not-yet-due tasks in a delay set ordered by due
// time and promotes them into an execution queue once due. Cancellation
// of an already-promoted entry races with the consuming worker; whichever
// wins is authoritative and the loser's operation is a no-op.
package queue

import (
	"container/heap"
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle is the opaque reference returned by enqueue operations. A stale
// handle (the task was consumed or re-enqueued since) cancels nothing.
type Handle struct {
	taskID uuid.UUID
	seq    uint64
}

// TaskID exposes the task the handle points at.
func (h Handle) TaskID() uuid.UUID { return h.taskID }

// MetricsSink records queue metrics. All methods must be non-blocking and
// fire-and-forget.
type MetricsSink interface {
	PromotionCompleted(promoted int, duration time.Duration)
	DelaySetSize(n int)
	ExecutionQueueDepth(n int)
	PromotionStalled()
}

type item struct {
	taskID   uuid.UUID
	due      time.Time
	seq      uint64
	heapIdx  int
	promoted bool
}

// delayHeap orders by due time, FIFO on ties via insertion sequence.
type delayHeap []*item

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}
func (h delayHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}
func (h *delayHeap) Push(x any) {
	it := x.(*item)
	it.heapIdx = len(*h)
	*h = append(*h, it)
}
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.heapIdx = -1
	*h = old[:n-1]
	return it
}

type Config struct {
	// PromoteInterval is the tick at which due entries move from the delay
	// set to the execution queue.
	PromoteInterval time.Duration
	// Buffer is the execution queue capacity.
	Buffer int
}

// Queue is safe for concurrent use by the controller, the promoter and
// the worker pool.
type Queue struct {
	mu        sync.Mutex
	heap      delayHeap
	index     map[uuid.UUID]*item
	tombstone map[uuid.UUID]struct{}
	seq       uint64

	ready   chan uuid.UUID
	config  Config
	clock   func() time.Time
	metrics MetricsSink // optional, nil = disabled
}

func New(config Config) *Queue {
	if config.Buffer <= 0 {
		config.Buffer = 100
	}
	return &Queue{
		index:     make(map[uuid.UUID]*item),
		tombstone: make(map[uuid.UUID]struct{}),
		ready:     make(chan uuid.UUID, config.Buffer),
		config:    config,
		clock:     time.Now,
	}
}

// WithMetrics attaches a metrics sink to the queue.
func (q *Queue) WithMetrics(sink MetricsSink) *Queue {
	q.metrics = sink
	return q
}

// EnqueueAt inserts a task into the delay set at an absolute due time.
// A due time in the past is promoted on the next tick, never rejected.
// Re-enqueueing a task that already has a pending entry replaces it.
func (q *Queue) EnqueueAt(taskID uuid.UUID, due time.Time) Handle {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.removeLocked(taskID)

	q.seq++
	it := &item{taskID: taskID, due: due.UTC(), seq: q.seq}
	heap.Push(&q.heap, it)
	q.index[taskID] = it

	if q.metrics != nil {
		q.metrics.DelaySetSize(len(q.heap))
	}
	return Handle{taskID: taskID, seq: it.seq}
}

// EnqueueIn inserts a task due after the given delay.
func (q *Queue) EnqueueIn(delay time.Duration, taskID uuid.UUID) Handle {
	return q.EnqueueAt(taskID, q.clock().Add(delay))
}

// Cancel removes the handle's entry from whichever collection currently
// holds it. It reports false, with no other effect, when the entry was
// already consumed by a worker; that race is expected.
func (q *Queue) Cancel(h Handle) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.index[h.taskID]
	if !ok || it.seq != h.seq {
		return false
	}
	return q.removeLocked(h.taskID)
}

// CancelTask is Cancel keyed by task ID, for callers that do not hold a
// handle (admin cancel after a restart).
func (q *Queue) CancelTask(taskID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(taskID)
}

// Reschedule moves a task to a new due time, inserting it if it has no
// pending entry (retry of a failed task).
func (q *Queue) Reschedule(taskID uuid.UUID, due time.Time) Handle {
	return q.EnqueueAt(taskID, due)
}

// removeLocked drops the task's pending entry. Promoted entries cannot be
// pulled back out of the channel, so they get a tombstone that Pop skips.
func (q *Queue) removeLocked(taskID uuid.UUID) bool {
	it, ok := q.index[taskID]
	if !ok {
		return false
	}
	delete(q.index, taskID)
	if it.promoted {
		q.tombstone[taskID] = struct{}{}
	} else {
		heap.Remove(&q.heap, it.heapIdx)
	}
	if q.metrics != nil {
		q.metrics.DelaySetSize(len(q.heap))
	}
	return true
}

// Pending reports whether the task currently has an entry in the delay
// set or the execution queue.
func (q *Queue) Pending(taskID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[taskID]
	return ok
}

// DelaySetLen returns the number of not-yet-promoted entries.
func (q *Queue) DelaySetLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Run promotes due entries on a fixed tick until ctx is cancelled. It is
// the only queue component that polls on a timer.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.config.PromoteInterval)
	defer ticker.Stop()

	log.Printf("queue: promoter started, tick=%s", q.config.PromoteInterval)

	for {
		select {
		case <-ctx.Done():
			log.Println("queue: promoter stopped")
			return
		case <-ticker.C:
			q.Promote()
		}
	}
}

// Promote moves every entry whose due time has elapsed into the execution
// queue, in due-time order. If the execution queue is full the remaining
// entries stay in the delay set for the next tick.
func (q *Queue) Promote() int {
	start := q.clock()
	now := start.UTC()

	q.mu.Lock()
	promoted := 0
	for len(q.heap) > 0 && !q.heap[0].due.After(now) {
		it := q.heap[0]
		select {
		case q.ready <- it.taskID:
			heap.Pop(&q.heap)
			it.promoted = true
			promoted++
		default:
			if q.metrics != nil {
				q.metrics.PromotionStalled()
			}
			q.mu.Unlock()
			q.reportPromotion(promoted, start)
			return promoted
		}
	}
	q.mu.Unlock()

	q.reportPromotion(promoted, start)
	return promoted
}

func (q *Queue) reportPromotion(promoted int, start time.Time) {
	if q.metrics == nil {
		return
	}
	q.metrics.PromotionCompleted(promoted, q.clock().Sub(start))
	q.metrics.DelaySetSize(q.DelaySetLen())
	q.metrics.ExecutionQueueDepth(len(q.ready))
}

// Pop blocks until a due task is available or ctx is cancelled. Entries
// cancelled after promotion are skipped silently.
func (q *Queue) Pop(ctx context.Context) (uuid.UUID, bool) {
	for {
		select {
		case <-ctx.Done():
			return uuid.Nil, false
		case taskID := <-q.ready:
			q.mu.Lock()
			if _, dead := q.tombstone[taskID]; dead {
				delete(q.tombstone, taskID)
				q.mu.Unlock()
				continue
			}
			delete(q.index, taskID)
			q.mu.Unlock()
			if q.metrics != nil {
				q.metrics.ExecutionQueueDepth(len(q.ready))
			}
			return taskID, true
		}
	}
}
