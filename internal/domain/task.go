package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusScheduled TaskStatus = "scheduled"
	TaskStatusLocked    TaskStatus = "locked"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// ErrInvalidTransition is returned when a status change would leave the
// allowed edges of the task state machine. The record is never mutated in
// that case.
var ErrInvalidTransition = errors.New("invalid task status transition")

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusCancelled
}

// Editable reports whether a user may change the rendered headers/body.
func (s TaskStatus) Editable() bool {
	return s == TaskStatusScheduled || s == TaskStatusFailed
}

// Reschedulable reports whether a user may move the due time.
func (s TaskStatus) Reschedulable() bool {
	return s == TaskStatusScheduled || s == TaskStatusFailed
}

// Cancellable reports whether a user may cancel the task.
func (s TaskStatus) Cancellable() bool {
	return s == TaskStatusScheduled || s == TaskStatusFailed
}

// CanTransitionTo reports whether the edge s -> next exists.
// scheduled -> scheduled is the reschedule self-edge; failed -> scheduled
// is a user-initiated retry. locked/running edges belong to workers only.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskStatusScheduled:
		return next == TaskStatusScheduled ||
			next == TaskStatusLocked ||
			next == TaskStatusCancelled
	case TaskStatusLocked:
		return next == TaskStatusRunning
	case TaskStatusRunning:
		return next == TaskStatusSucceeded || next == TaskStatusFailed
	case TaskStatusFailed:
		return next == TaskStatusScheduled || next == TaskStatusCancelled
	default:
		return false
	}
}

// ScheduledTask is the durable record of one pending or completed
// notification. Subject and body are frozen at creation time so execution
// never depends on later mutation of the source records.
type ScheduledTask struct {
	ID uuid.UUID

	Status      TaskStatus
	ScheduledAt time.Time // UTC

	Subject string
	Body    string

	To      []string
	CC      []string
	BCC     []string
	From    string
	ReplyTo string

	TemplateID uuid.UUID
	Signal     string

	// Linked is the domain record whose change caused this task, used for
	// cancel-on-edit semantics. Zero value means no link.
	Linked RecordRef

	Log string // free-text execution log, appended by workers

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RecordRef identifies a domain record outside this subsystem.
type RecordRef struct {
	Kind string
	ID   int64
}

// IsZero reports whether the reference points at nothing.
func (r RecordRef) IsZero() bool {
	return r.Kind == "" && r.ID == 0
}
