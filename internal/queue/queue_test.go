package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testQueue(buffer int) *Queue {
	return New(Config{PromoteInterval: time.Second, Buffer: buffer})
}

func mustPop(t *testing.T, q *Queue) uuid.UUID {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	id, ok := q.Pop(ctx)
	if !ok {
		t.Fatal("Pop returned no task")
	}
	return id
}

func TestPromoteOrdersByDueTime(t *testing.T) {
	q := testQueue(10)
	now := time.Now()

	late := uuid.New()
	early := uuid.New()
	q.EnqueueAt(late, now.Add(-time.Minute))
	q.EnqueueAt(early, now.Add(-2*time.Minute))

	if n := q.Promote(); n != 2 {
		t.Fatalf("Promote() = %d, want 2", n)
	}
	if got := mustPop(t, q); got != early {
		t.Errorf("first pop = %s, want earlier task %s", got, early)
	}
	if got := mustPop(t, q); got != late {
		t.Errorf("second pop = %s, want later task %s", got, late)
	}
}

func TestPromoteBreaksTiesFIFO(t *testing.T) {
	q := testQueue(10)
	due := time.Now().Add(-time.Minute)

	first := uuid.New()
	second := uuid.New()
	q.EnqueueAt(first, due)
	q.EnqueueAt(second, due)

	q.Promote()
	if got := mustPop(t, q); got != first {
		t.Errorf("first pop = %s, want insertion-order first %s", got, first)
	}
}

func TestPromoteLeavesFutureEntries(t *testing.T) {
	q := testQueue(10)

	q.EnqueueAt(uuid.New(), time.Now().Add(time.Hour))
	if n := q.Promote(); n != 0 {
		t.Errorf("Promote() = %d, want 0 for future entry", n)
	}
	if q.DelaySetLen() != 1 {
		t.Errorf("DelaySetLen() = %d, want 1", q.DelaySetLen())
	}
}

func TestPastDueIsImmediatelyPromotable(t *testing.T) {
	q := testQueue(10)
	id := uuid.New()

	q.EnqueueAt(id, time.Now().Add(-24*time.Hour))
	if n := q.Promote(); n != 1 {
		t.Fatalf("Promote() = %d, want 1", n)
	}
	if got := mustPop(t, q); got != id {
		t.Errorf("pop = %s, want %s", got, id)
	}
}

func TestEnqueueReplacesExistingEntry(t *testing.T) {
	q := testQueue(10)
	id := uuid.New()

	q.EnqueueAt(id, time.Now().Add(time.Hour))
	q.EnqueueAt(id, time.Now().Add(-time.Minute))

	if q.DelaySetLen() != 1 {
		t.Fatalf("DelaySetLen() = %d, want 1 after replace", q.DelaySetLen())
	}
	if n := q.Promote(); n != 1 {
		t.Errorf("Promote() = %d, want 1 after moving due time into the past", n)
	}
}

func TestCancelBeforePromotion(t *testing.T) {
	q := testQueue(10)
	id := uuid.New()

	h := q.EnqueueAt(id, time.Now().Add(time.Hour))
	if !q.Cancel(h) {
		t.Fatal("Cancel should succeed for a pending entry")
	}
	if q.Cancel(h) {
		t.Error("second Cancel should report false")
	}
	if q.Pending(id) {
		t.Error("cancelled task should not be pending")
	}
}

func TestCancelWithStaleHandle(t *testing.T) {
	q := testQueue(10)
	id := uuid.New()

	stale := q.EnqueueAt(id, time.Now().Add(time.Hour))
	q.EnqueueAt(id, time.Now().Add(2*time.Hour)) // supersedes the handle

	if q.Cancel(stale) {
		t.Error("Cancel with a superseded handle should report false")
	}
	if !q.Pending(id) {
		t.Error("the replacing entry must survive a stale cancel")
	}
}

func TestCancelAfterPromotionTombstones(t *testing.T) {
	q := testQueue(10)
	victim := uuid.New()
	survivor := uuid.New()

	q.EnqueueAt(victim, time.Now().Add(-time.Minute))
	q.EnqueueAt(survivor, time.Now())
	q.Promote()

	if !q.CancelTask(victim) {
		t.Fatal("CancelTask should succeed for a promoted entry")
	}

	// Pop must skip the tombstoned task and deliver the survivor.
	if got := mustPop(t, q); got != survivor {
		t.Errorf("pop = %s, want survivor %s", got, survivor)
	}
}

func TestPromoteStopsWhenBufferFull(t *testing.T) {
	q := testQueue(1)
	due := time.Now().Add(-time.Minute)

	q.EnqueueAt(uuid.New(), due)
	q.EnqueueAt(uuid.New(), due)

	if n := q.Promote(); n != 1 {
		t.Fatalf("Promote() = %d, want 1 with buffer of 1", n)
	}
	if q.DelaySetLen() != 1 {
		t.Errorf("DelaySetLen() = %d, want 1 entry held back", q.DelaySetLen())
	}

	// Draining the channel frees room for the next tick.
	mustPop(t, q)
	if n := q.Promote(); n != 1 {
		t.Errorf("second Promote() = %d, want 1", n)
	}
}

func TestPopReturnsFalseOnCancelledContext(t *testing.T) {
	q := testQueue(10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, ok := q.Pop(ctx); ok {
		t.Error("Pop should report false once the context is cancelled")
	}
}

func TestHandleTaskID(t *testing.T) {
	q := testQueue(10)
	id := uuid.New()

	h := q.EnqueueAt(id, time.Now())
	if h.TaskID() != id {
		t.Errorf("Handle.TaskID() = %s, want %s", h.TaskID(), id)
	}
}
