// Package controller owns the lifecycle of scheduled tasks: creation from
// a rendered template, content edits, reschedules and cancellations. Every
// mutation is written through the store with its audit entry before the
// in-memory queue learns about it; the store is the authority when the two
// disagree.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/carpentries/mailsched/internal/domain"
	"github.com/carpentries/mailsched/internal/queue"
	"github.com/carpentries/mailsched/internal/render"
	"github.com/carpentries/mailsched/internal/store"
)

// ErrMissingRecipients is returned when a notification would be scheduled
// with an empty recipient list. Nothing is persisted in that case.
var ErrMissingRecipients = errors.New("no recipients for scheduled notification")

// ErrTaskNotFound is returned when an operation names a task that does not
// exist, or an update finds no pending task for a linked record.
var ErrTaskNotFound = errors.New("scheduled task not found")

// Store is the slice of the persistence layer the controller drives. Writes
// that carry an audit entry commit both in the same transaction.
type Store interface {
	CreateTask(ctx context.Context, task domain.ScheduledTask, entry domain.AuditEntry) error
	GetTask(ctx context.Context, id uuid.UUID) (domain.ScheduledTask, error)
	// UpdateTask writes the task's mutable fields if its current status is
	// in allowed, returning store.ErrConflict otherwise.
	UpdateTask(ctx context.Context, task domain.ScheduledTask, allowed []domain.TaskStatus, entry domain.AuditEntry) error
	ListTasksByRecord(ctx context.Context, signal string, linked domain.RecordRef, statuses []domain.TaskStatus) ([]domain.ScheduledTask, error)
}

// Templates resolves the active template for a signal.
type Templates interface {
	GetTemplateBySignal(ctx context.Context, signal string) (domain.MessageTemplate, error)
}

// Jobs is the delay-set surface the controller mirrors store writes into.
type Jobs interface {
	EnqueueAt(taskID uuid.UUID, due time.Time) queue.Handle
	Reschedule(taskID uuid.UUID, due time.Time) queue.Handle
	CancelTask(taskID uuid.UUID) bool
}

// MetricsSink records controller metrics. Methods must not block.
type MetricsSink interface {
	TaskScheduled(signal string)
	TaskCancelled(signal string)
}

type Controller struct {
	store     Store
	templates Templates
	renderer  *render.Renderer
	jobs      Jobs
	clock     func() time.Time
	metrics   MetricsSink // optional, nil = disabled
}

func New(st Store, templates Templates, renderer *render.Renderer, jobs Jobs) *Controller {
	return &Controller{
		store:     st,
		templates: templates,
		renderer:  renderer,
		jobs:      jobs,
		clock:     time.Now,
	}
}

// WithClock replaces the wall clock, for tests.
func (c *Controller) WithClock(clock func() time.Time) *Controller {
	c.clock = clock
	return c
}

// WithMetrics attaches a metrics sink.
func (c *Controller) WithMetrics(sink MetricsSink) *Controller {
	c.metrics = sink
	return c
}

// Schedule renders the active template for the signal and persists a new
// task in the scheduled state. The recipient check happens before any
// write, so a missing-recipients outcome leaves no trace.
func (c *Controller) Schedule(ctx context.Context, signal string, tctx domain.Context, scheduledAt time.Time, to []string, linked domain.RecordRef) (domain.ScheduledTask, error) {
	tpl, err := c.lookupTemplate(ctx, signal)
	if err != nil {
		return domain.ScheduledTask{}, err
	}

	subject, body, err := c.renderer.Render(tpl, tctx)
	if err != nil {
		return domain.ScheduledTask{}, err
	}

	if len(to) == 0 {
		return domain.ScheduledTask{}, fmt.Errorf("%w: signal=%s", ErrMissingRecipients, signal)
	}

	now := c.clock().UTC()
	task := domain.ScheduledTask{
		ID:          uuid.New(),
		Status:      domain.TaskStatusScheduled,
		ScheduledAt: scheduledAt.UTC(),
		Subject:     subject,
		Body:        body,
		To:          to,
		CC:          tpl.CCHeader,
		BCC:         tpl.BCCHeader,
		From:        tpl.FromHeader,
		ReplyTo:     tpl.ReplyToHeader,
		TemplateID:  tpl.ID,
		Signal:      signal,
		Linked:      linked,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	entry := domain.AuditEntry{
		ID:         uuid.New(),
		TaskID:     task.ID,
		Details:    fmt.Sprintf("scheduled to run at %s", task.ScheduledAt.Format(time.RFC3339)),
		StateAfter: domain.TaskStatusScheduled,
		CreatedAt:  now,
	}

	if err := c.store.CreateTask(ctx, task, entry); err != nil {
		return domain.ScheduledTask{}, fmt.Errorf("create task: %w", err)
	}

	c.jobs.EnqueueAt(task.ID, task.ScheduledAt)
	if c.metrics != nil {
		c.metrics.TaskScheduled(signal)
	}
	log.Printf("controller: scheduled task=%s signal=%s at=%s", task.ID, signal, task.ScheduledAt.Format(time.RFC3339))
	return task, nil
}

// Update re-renders every still-scheduled task linked to the record and
// moves it to the new due time. ErrTaskNotFound means there was nothing
// pending to update.
func (c *Controller) Update(ctx context.Context, signal string, linked domain.RecordRef, tctx domain.Context, scheduledAt time.Time, to []string) (domain.ScheduledTask, error) {
	tpl, err := c.lookupTemplate(ctx, signal)
	if err != nil {
		return domain.ScheduledTask{}, err
	}

	subject, body, err := c.renderer.Render(tpl, tctx)
	if err != nil {
		return domain.ScheduledTask{}, err
	}

	if len(to) == 0 {
		return domain.ScheduledTask{}, fmt.Errorf("%w: signal=%s", ErrMissingRecipients, signal)
	}

	tasks, err := c.store.ListTasksByRecord(ctx, signal, linked, []domain.TaskStatus{domain.TaskStatusScheduled})
	if err != nil {
		return domain.ScheduledTask{}, fmt.Errorf("list tasks by record: %w", err)
	}
	if len(tasks) == 0 {
		return domain.ScheduledTask{}, fmt.Errorf("%w: signal=%s %s/%d", ErrTaskNotFound, signal, linked.Kind, linked.ID)
	}

	now := c.clock().UTC()
	updated := domain.ScheduledTask{}
	for _, task := range tasks {
		task.Subject = subject
		task.Body = body
		task.To = to
		task.CC = tpl.CCHeader
		task.BCC = tpl.BCCHeader
		task.From = tpl.FromHeader
		task.ReplyTo = tpl.ReplyToHeader
		task.TemplateID = tpl.ID
		task.ScheduledAt = scheduledAt.UTC()
		task.UpdatedAt = now

		entry := domain.AuditEntry{
			ID:          uuid.New(),
			TaskID:      task.ID,
			Details:     fmt.Sprintf("updated, now scheduled to run at %s", task.ScheduledAt.Format(time.RFC3339)),
			StateBefore: domain.TaskStatusScheduled,
			StateAfter:  domain.TaskStatusScheduled,
			CreatedAt:   now,
		}

		err := c.store.UpdateTask(ctx, task, []domain.TaskStatus{domain.TaskStatusScheduled}, entry)
		if errors.Is(err, store.ErrConflict) {
			// A worker claimed it between the list and the write.
			log.Printf("controller: task=%s no longer scheduled, skipping update", task.ID)
			continue
		}
		if err != nil {
			return domain.ScheduledTask{}, fmt.Errorf("update task %s: %w", task.ID, err)
		}

		c.jobs.Reschedule(task.ID, task.ScheduledAt)
		updated = task
	}
	if updated.ID == uuid.Nil {
		return domain.ScheduledTask{}, fmt.Errorf("%w: signal=%s %s/%d", ErrTaskNotFound, signal, linked.Kind, linked.ID)
	}
	return updated, nil
}

// Cancel moves a task to the cancelled state. Only scheduled and failed
// tasks are cancellable; anything else returns ErrInvalidTransition.
func (c *Controller) Cancel(ctx context.Context, id uuid.UUID) (domain.ScheduledTask, error) {
	task, err := c.getTask(ctx, id)
	if err != nil {
		return domain.ScheduledTask{}, err
	}
	if !task.Status.Cancellable() {
		return domain.ScheduledTask{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, task.Status, domain.TaskStatusCancelled)
	}

	now := c.clock().UTC()
	before := task.Status
	task.Status = domain.TaskStatusCancelled
	task.UpdatedAt = now

	entry := domain.AuditEntry{
		ID:          uuid.New(),
		TaskID:      task.ID,
		Details:     "cancelled",
		StateBefore: before,
		StateAfter:  domain.TaskStatusCancelled,
		CreatedAt:   now,
	}

	err = c.store.UpdateTask(ctx, task, []domain.TaskStatus{domain.TaskStatusScheduled, domain.TaskStatusFailed}, entry)
	if errors.Is(err, store.ErrConflict) {
		return domain.ScheduledTask{}, fmt.Errorf("%w: task %s changed concurrently", domain.ErrInvalidTransition, id)
	}
	if err != nil {
		return domain.ScheduledTask{}, fmt.Errorf("cancel task %s: %w", id, err)
	}

	c.jobs.CancelTask(task.ID)
	if c.metrics != nil {
		c.metrics.TaskCancelled(task.Signal)
	}
	log.Printf("controller: cancelled task=%s signal=%s", task.ID, task.Signal)
	return task, nil
}

// Reschedule moves a task's due time. For a failed task this is the retry
// path: it returns to the scheduled state and re-enters the delay set.
func (c *Controller) Reschedule(ctx context.Context, id uuid.UUID, at time.Time) (domain.ScheduledTask, error) {
	task, err := c.getTask(ctx, id)
	if err != nil {
		return domain.ScheduledTask{}, err
	}
	if !task.Status.Reschedulable() {
		return domain.ScheduledTask{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, task.Status, domain.TaskStatusScheduled)
	}

	now := c.clock().UTC()
	before := task.Status
	task.Status = domain.TaskStatusScheduled
	task.ScheduledAt = at.UTC()
	task.UpdatedAt = now

	entry := domain.AuditEntry{
		ID:          uuid.New(),
		TaskID:      task.ID,
		Details:     fmt.Sprintf("rescheduled to run at %s", task.ScheduledAt.Format(time.RFC3339)),
		StateBefore: before,
		StateAfter:  domain.TaskStatusScheduled,
		CreatedAt:   now,
	}

	err = c.store.UpdateTask(ctx, task, []domain.TaskStatus{domain.TaskStatusScheduled, domain.TaskStatusFailed}, entry)
	if errors.Is(err, store.ErrConflict) {
		return domain.ScheduledTask{}, fmt.Errorf("%w: task %s changed concurrently", domain.ErrInvalidTransition, id)
	}
	if err != nil {
		return domain.ScheduledTask{}, fmt.Errorf("reschedule task %s: %w", id, err)
	}

	c.jobs.Reschedule(task.ID, task.ScheduledAt)
	log.Printf("controller: rescheduled task=%s to=%s", task.ID, task.ScheduledAt.Format(time.RFC3339))
	return task, nil
}

// TaskEdit is a partial update of a task's rendered content. Nil fields
// are left as they are.
type TaskEdit struct {
	Subject *string
	Body    *string
	To      []string
	CC      []string
	BCC     []string
}

// Edit changes the frozen content of a scheduled or failed task. The task
// keeps its status and due time.
func (c *Controller) Edit(ctx context.Context, id uuid.UUID, edit TaskEdit) (domain.ScheduledTask, error) {
	task, err := c.getTask(ctx, id)
	if err != nil {
		return domain.ScheduledTask{}, err
	}
	if !task.Status.Editable() {
		return domain.ScheduledTask{}, fmt.Errorf("%w: task %s is %s", domain.ErrInvalidTransition, id, task.Status)
	}

	if edit.Subject != nil {
		task.Subject = *edit.Subject
	}
	if edit.Body != nil {
		task.Body = *edit.Body
	}
	if edit.To != nil {
		if len(edit.To) == 0 {
			return domain.ScheduledTask{}, fmt.Errorf("%w: task %s", ErrMissingRecipients, id)
		}
		task.To = edit.To
	}
	if edit.CC != nil {
		task.CC = edit.CC
	}
	if edit.BCC != nil {
		task.BCC = edit.BCC
	}

	now := c.clock().UTC()
	task.UpdatedAt = now

	entry := domain.AuditEntry{
		ID:          uuid.New(),
		TaskID:      task.ID,
		Details:     "content edited",
		StateBefore: task.Status,
		StateAfter:  task.Status,
		CreatedAt:   now,
	}

	err = c.store.UpdateTask(ctx, task, []domain.TaskStatus{domain.TaskStatusScheduled, domain.TaskStatusFailed}, entry)
	if errors.Is(err, store.ErrConflict) {
		return domain.ScheduledTask{}, fmt.Errorf("%w: task %s changed concurrently", domain.ErrInvalidTransition, id)
	}
	if err != nil {
		return domain.ScheduledTask{}, fmt.Errorf("edit task %s: %w", id, err)
	}
	return task, nil
}

// CancelByRecord cancels every still-cancellable task linked to the record
// for the signal, returning how many were cancelled. Races with workers
// are skipped, not reported.
func (c *Controller) CancelByRecord(ctx context.Context, signal string, linked domain.RecordRef) (int, error) {
	statuses := []domain.TaskStatus{domain.TaskStatusScheduled, domain.TaskStatusFailed}
	tasks, err := c.store.ListTasksByRecord(ctx, signal, linked, statuses)
	if err != nil {
		return 0, fmt.Errorf("list tasks by record: %w", err)
	}

	now := c.clock().UTC()
	cancelled := 0
	for _, task := range tasks {
		before := task.Status
		task.Status = domain.TaskStatusCancelled
		task.UpdatedAt = now

		entry := domain.AuditEntry{
			ID:          uuid.New(),
			TaskID:      task.ID,
			Details:     fmt.Sprintf("cancelled, %s %s/%d changed", signal, linked.Kind, linked.ID),
			StateBefore: before,
			StateAfter:  domain.TaskStatusCancelled,
			CreatedAt:   now,
		}

		err := c.store.UpdateTask(ctx, task, statuses, entry)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return cancelled, fmt.Errorf("cancel task %s: %w", task.ID, err)
		}

		c.jobs.CancelTask(task.ID)
		if c.metrics != nil {
			c.metrics.TaskCancelled(task.Signal)
		}
		cancelled++
	}
	return cancelled, nil
}

func (c *Controller) getTask(ctx context.Context, id uuid.UUID) (domain.ScheduledTask, error) {
	task, err := c.store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.ScheduledTask{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return domain.ScheduledTask{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

func (c *Controller) lookupTemplate(ctx context.Context, signal string) (domain.MessageTemplate, error) {
	tpl, err := c.templates.GetTemplateBySignal(ctx, signal)
	if errors.Is(err, store.ErrNotFound) {
		return domain.MessageTemplate{}, fmt.Errorf("%w: %s", render.ErrTemplateNotFound, signal)
	}
	if err != nil {
		return domain.MessageTemplate{}, fmt.Errorf("lookup template for %s: %w", signal, err)
	}
	return tpl, nil
}
