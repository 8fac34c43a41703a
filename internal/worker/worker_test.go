package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/carpentries/mailsched/internal/domain"
	"github.com/carpentries/mailsched/internal/store"
)

type transition struct {
	from, to domain.TaskStatus
	details  string
}

type fakeTransitionStore struct {
	mu          sync.Mutex
	task        domain.ScheduledTask
	transitions []transition
	claimErr    error
}

func (s *fakeTransitionStore) TransitionTask(ctx context.Context, id uuid.UUID, from, to domain.TaskStatus, details string) (domain.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if from == domain.TaskStatusScheduled && s.claimErr != nil {
		return domain.ScheduledTask{}, s.claimErr
	}
	if s.task.Status != from {
		return domain.ScheduledTask{}, fmt.Errorf("%w: status is %s", store.ErrConflict, s.task.Status)
	}
	s.task.Status = to
	s.transitions = append(s.transitions, transition{from: from, to: to, details: details})
	return s.task, nil
}

func (s *fakeTransitionStore) statuses() []domain.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TaskStatus, len(s.transitions))
	for i, tr := range s.transitions {
		out[i] = tr.to
	}
	return out
}

type fakeSender struct {
	result SendResult
	sent   []Message
}

func (s *fakeSender) Send(ctx context.Context, msg Message) SendResult {
	s.sent = append(s.sent, msg)
	return s.result
}

type recordedOutcome struct {
	signal  string
	outcome string
}

type fakeAnalytics struct {
	records []recordedOutcome
}

func (a *fakeAnalytics) Record(ctx context.Context, signal string, outcome string) {
	a.records = append(a.records, recordedOutcome{signal: signal, outcome: outcome})
}

func newTestTask() domain.ScheduledTask {
	return domain.ScheduledTask{
		ID:      uuid.New(),
		Status:  domain.TaskStatusScheduled,
		Subject: "Congratulations",
		Body:    "You earned a badge.",
		To:      []string{"ada@example.org"},
		From:    "team@example.org",
		Signal:  domain.SignalInstructorBadgeAwarded,
	}
}

func TestProcessSuccess(t *testing.T) {
	st := &fakeTransitionStore{task: newTestTask()}
	sender := &fakeSender{result: SendResult{StatusCode: 200, ProviderID: "msg-123"}}
	analytics := &fakeAnalytics{}
	pool := New(st, nil, sender, 1).WithAnalytics(analytics)

	if err := pool.Process(st.task.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	want := []domain.TaskStatus{
		domain.TaskStatusLocked,
		domain.TaskStatusRunning,
		domain.TaskStatusSucceeded,
	}
	got := st.statuses()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, got[i], want[i])
		}
	}

	if len(sender.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sender.sent))
	}
	if sender.sent[0].Subject != "Congratulations" {
		t.Errorf("message subject = %q", sender.sent[0].Subject)
	}
	if !strings.Contains(st.transitions[2].details, "msg-123") {
		t.Errorf("success details = %q, want provider id", st.transitions[2].details)
	}
	if len(analytics.records) != 1 || analytics.records[0].outcome != "succeeded" {
		t.Errorf("analytics = %+v", analytics.records)
	}
}

func TestProcessFailureSticksAsFailed(t *testing.T) {
	st := &fakeTransitionStore{task: newTestTask()}
	sender := &fakeSender{result: SendResult{StatusCode: 502}}
	analytics := &fakeAnalytics{}
	pool := New(st, nil, sender, 1).WithAnalytics(analytics)

	if err := pool.Process(st.task.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if st.task.Status != domain.TaskStatusFailed {
		t.Errorf("final status = %s, want failed", st.task.Status)
	}
	// No retry: one send, full stop.
	if len(sender.sent) != 1 {
		t.Errorf("sent %d messages, want exactly 1", len(sender.sent))
	}
	if !strings.Contains(st.transitions[2].details, "status=502") {
		t.Errorf("failure details = %q", st.transitions[2].details)
	}
	if len(analytics.records) != 1 || analytics.records[0].outcome != "failed" {
		t.Errorf("analytics = %+v", analytics.records)
	}
}

func TestProcessClaimConflictDropsQuietly(t *testing.T) {
	st := &fakeTransitionStore{task: newTestTask(), claimErr: store.ErrConflict}
	sender := &fakeSender{}
	pool := New(st, nil, sender, 1)

	if err := pool.Process(st.task.ID); err != nil {
		t.Fatalf("Process should swallow a claim conflict, got %v", err)
	}
	if len(sender.sent) != 0 {
		t.Error("nothing may be sent after a lost claim")
	}
	if st.task.Status != domain.TaskStatusScheduled {
		t.Errorf("task status = %s, must stay untouched", st.task.Status)
	}
}

type poppingQueue struct {
	ids chan uuid.UUID
}

func (q *poppingQueue) Pop(ctx context.Context) (uuid.UUID, bool) {
	select {
	case <-ctx.Done():
		return uuid.Nil, false
	case id := <-q.ids:
		return id, true
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	st := &fakeTransitionStore{task: newTestTask()}
	q := &poppingQueue{ids: make(chan uuid.UUID)}
	pool := New(st, q, &fakeSender{result: SendResult{StatusCode: 200}}, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
