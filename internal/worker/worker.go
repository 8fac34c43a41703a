// Package worker consumes due tasks from the execution queue and delivers
// them. Every step is mirrored in the store through guarded transitions;
// a task whose status changed underneath a worker (cancelled, edited) is
// dropped without delivery. There are no automatic retries: a failed task
// stays failed until a user reschedules it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carpentries/mailsched/internal/domain"
	"github.com/carpentries/mailsched/internal/store"
)

// taskTimeout bounds one claim-send-record cycle so shutdown never leaves
// a task stuck mid-flight.
const taskTimeout = 2 * time.Minute

type Store interface {
	// TransitionTask moves the task from one status to the other, appends
	// details to its execution log and writes the audit entry, all in one
	// transaction. It returns store.ErrConflict when the task is no longer
	// in the expected status; the task is untouched in that case.
	TransitionTask(ctx context.Context, id uuid.UUID, from, to domain.TaskStatus, details string) (domain.ScheduledTask, error)
}

// Sender delivers one rendered message.
type Sender interface {
	Send(ctx context.Context, msg Message) SendResult
}

// AnalyticsSink records delivery outcomes per signal. Best effort; the
// sink handles its own errors.
type AnalyticsSink interface {
	Record(ctx context.Context, signal string, outcome string)
}

// MetricsSink defines the interface for recording worker metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	TaskCompleted(signal, outcome string, duration time.Duration)
	ClaimConflict()
	TasksInFlightIncr()
	TasksInFlightDecr()
}

// Message is the wire-independent form of one outgoing notification.
type Message struct {
	TaskID  string
	Subject string
	Body    string

	To      []string
	CC      []string
	BCC     []string
	From    string
	ReplyTo string
}

type SendResult struct {
	StatusCode int
	ProviderID string
	Error      error
	Duration   time.Duration
}

func (r SendResult) IsSuccess() bool {
	return r.Error == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// JobQueue is the consuming side of the execution queue.
type JobQueue interface {
	Pop(ctx context.Context) (uuid.UUID, bool)
}

type Pool struct {
	store     Store
	queue     JobQueue
	sender    Sender
	analytics AnalyticsSink // optional, nil = disabled
	metrics   MetricsSink   // optional, nil = disabled
	size      int
}

func New(st Store, q JobQueue, sender Sender, size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{store: st, queue: q, sender: sender, size: size}
}

func (p *Pool) WithAnalytics(sink AnalyticsSink) *Pool {
	p.analytics = sink
	return p
}

// WithMetrics attaches a metrics sink to the pool.
func (p *Pool) WithMetrics(sink MetricsSink) *Pool {
	p.metrics = sink
	return p
}

// Run starts the workers and blocks until context is cancelled and every
// in-flight task has finished.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.loop(ctx, n)
		}(i)
	}
	log.Printf("worker: pool started, size=%d", p.size)
	wg.Wait()
	log.Println("worker: pool stopped")
}

func (p *Pool) loop(ctx context.Context, n int) {
	for {
		taskID, ok := p.queue.Pop(ctx)
		if !ok {
			return
		}
		if err := p.Process(taskID); err != nil {
			log.Printf("worker[%d]: task=%s: %v", n, taskID, err)
		}
	}
}

// Process runs one task through the lock-run-record cycle. It uses its own
// deadline, detached from the pool context, so a shutdown signal never
// aborts a transition half-way.
func (p *Pool) Process(taskID uuid.UUID) error {
	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()

	if p.metrics != nil {
		p.metrics.TasksInFlightIncr()
		defer p.metrics.TasksInFlightDecr()
	}

	task, err := p.store.TransitionTask(ctx, taskID, domain.TaskStatusScheduled, domain.TaskStatusLocked, "claimed for execution")
	if errors.Is(err, store.ErrConflict) {
		// Cancelled or rescheduled between promotion and claim. The store
		// is the authority; drop the stale queue entry.
		log.Printf("worker: task=%s no longer scheduled, dropping", taskID)
		if p.metrics != nil {
			p.metrics.ClaimConflict()
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}

	task, err = p.store.TransitionTask(ctx, taskID, domain.TaskStatusLocked, domain.TaskStatusRunning, "sending")
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}

	msg := Message{
		TaskID:  task.ID.String(),
		Subject: task.Subject,
		Body:    task.Body,
		To:      task.To,
		CC:      task.CC,
		BCC:     task.BCC,
		From:    task.From,
		ReplyTo: task.ReplyTo,
	}

	result := p.sender.Send(ctx, msg)

	if result.IsSuccess() {
		details := fmt.Sprintf("delivered, provider id %s", result.ProviderID)
		if result.ProviderID == "" {
			details = "delivered"
		}
		if _, err := p.store.TransitionTask(ctx, taskID, domain.TaskStatusRunning, domain.TaskStatusSucceeded, details); err != nil {
			return fmt.Errorf("record success: %w", err)
		}
		p.report(ctx, task.Signal, "succeeded", result.Duration)
		log.Printf("worker: task=%s delivered signal=%s", taskID, task.Signal)
		return nil
	}

	details := fmt.Sprintf("delivery failed, status=%d", result.StatusCode)
	if result.Error != nil {
		details = fmt.Sprintf("delivery failed: %v", result.Error)
	}
	if _, err := p.store.TransitionTask(ctx, taskID, domain.TaskStatusRunning, domain.TaskStatusFailed, details); err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	p.report(ctx, task.Signal, "failed", result.Duration)
	log.Printf("worker: task=%s failed signal=%s status=%d err=%v", taskID, task.Signal, result.StatusCode, result.Error)
	return nil
}

func (p *Pool) report(ctx context.Context, signal, outcome string, duration time.Duration) {
	if p.metrics != nil {
		p.metrics.TaskCompleted(signal, outcome, duration)
	}
	if p.analytics != nil {
		p.analytics.Record(ctx, signal, outcome)
	}
}
