// Package reconciler repairs tasks stranded between the store and the
// in-memory queue.
//
// A task is stale when it sits in locked or running with no progress: the
// worker that claimed it crashed, or the process restarted while the task
// was in the execution queue. The reconciler periodically returns such
// tasks to the scheduled state and re-enqueues them as immediately due.
// The workers' status guards keep a concurrent finish from being undone.
package reconciler

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/carpentries/mailsched/internal/domain"
	"github.com/carpentries/mailsched/internal/queue"
	"github.com/carpentries/mailsched/internal/store"
)

// Store defines the interface for finding and repairing stale tasks.
type Store interface {
	ListStaleTasks(ctx context.Context, olderThan time.Time, maxResults int) ([]domain.ScheduledTask, error)
	TransitionTask(ctx context.Context, id uuid.UUID, from, to domain.TaskStatus, details string) (domain.ScheduledTask, error)
}

// Jobs is the enqueue side of the delay set.
type Jobs interface {
	EnqueueAt(taskID uuid.UUID, due time.Time) queue.Handle
}

// MetricsSink records reconciler metrics.
type MetricsSink interface {
	TasksRequeued(count int)
}

// Config holds reconciler configuration.
type Config struct {
	// Interval is how often the reconciler runs.
	// Default: 5 minutes.
	Interval time.Duration

	// Threshold is the age after which a locked or running task is
	// considered stale. Must exceed the worst-case execution time.
	// Default: 10 minutes.
	Threshold time.Duration

	// BatchSize is the maximum number of stale tasks to repair per cycle.
	// Default: 100.
	BatchSize int
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		Threshold: 10 * time.Minute,
		BatchSize: 100,
	}
}

// Reconciler detects stale tasks and returns them to the queue.
type Reconciler struct {
	config  Config
	store   Store
	jobs    Jobs
	metrics MetricsSink // optional, nil = disabled
	clock   func() time.Time
}

// New creates a new Reconciler.
func New(config Config, st Store, jobs Jobs) *Reconciler {
	return &Reconciler{
		config: config,
		store:  st,
		jobs:   jobs,
		clock:  time.Now,
	}
}

// WithMetrics attaches a metrics sink.
func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

// WithClock replaces the wall clock, for tests.
func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	log.Printf("reconciler: started (interval=%s, threshold=%s, batch=%d)",
		r.config.Interval, r.config.Threshold, r.config.BatchSize)

	// Run immediately on startup, then on ticker
	r.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("reconciler: stopped")
			return
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}

// runCycle executes one reconciliation cycle.
func (r *Reconciler) runCycle(ctx context.Context) {
	now := r.clock().UTC()
	threshold := now.Add(-r.config.Threshold)

	stale, err := r.store.ListStaleTasks(ctx, threshold, r.config.BatchSize)
	if err != nil {
		// DB error: log and abort cycle. Will retry next interval.
		log.Printf("reconciler: failed to fetch stale tasks: %v", err)
		return
	}

	if len(stale) == 0 {
		return
	}

	log.Printf("reconciler: found %d stale tasks", len(stale))

	requeued := 0
	skipped := 0

	for _, task := range stale {
		// Check context before each repair to allow graceful shutdown
		if ctx.Err() != nil {
			log.Printf("reconciler: cycle interrupted, processed %d/%d stale tasks", requeued+skipped, len(stale))
			return
		}

		details := "requeued after stale " + string(task.Status)
		_, err := r.store.TransitionTask(ctx, task.ID, task.Status, domain.TaskStatusScheduled, details)
		if errors.Is(err, store.ErrConflict) {
			// The worker finished after our snapshot. Nothing to repair.
			skipped++
			continue
		}
		if err != nil {
			log.Printf("reconciler: failed to requeue task=%s: %v", task.ID, err)
			skipped++
			continue
		}

		r.jobs.EnqueueAt(task.ID, now)
		log.Printf("reconciler: requeued task=%s signal=%s (stale for %s)",
			task.ID, task.Signal, now.Sub(task.UpdatedAt).Round(time.Second))
		requeued++
	}

	if r.metrics != nil {
		r.metrics.TasksRequeued(requeued)
	}
	log.Printf("reconciler: cycle complete, requeued=%d, skipped=%d", requeued, skipped)
}
