package domain

import (
	"time"

	"github.com/google/uuid"
)

// AuditEntry records one significant transition of a scheduled task
// (created, rescheduled, cancelled, executed, failed). Append-only.
type AuditEntry struct {
	ID     uuid.UUID
	TaskID uuid.UUID

	Details     string
	StateBefore TaskStatus // empty on creation
	StateAfter  TaskStatus

	CreatedAt time.Time
}
