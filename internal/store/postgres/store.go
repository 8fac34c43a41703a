// Package postgres implements the persistence layer on PostgreSQL using
// database/sql and lib/pq. Status guards live in WHERE clauses, so every
// concurrent mutation serializes on the row lock and losers see a
// conflict instead of overwriting.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/carpentries/mailsched/internal/api"
	"github.com/carpentries/mailsched/internal/controller"
	"github.com/carpentries/mailsched/internal/domain"
	"github.com/carpentries/mailsched/internal/reconciler"
	"github.com/carpentries/mailsched/internal/store"
	"github.com/carpentries/mailsched/internal/worker"
)

type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

// New creates a PostgreSQL store with the given database connection.
// opTimeout bounds each operation; zero disables the bound.
func New(db *sql.DB, opTimeout time.Duration) *Store {
	return &Store{db: db, opTimeout: opTimeout}
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// CreateTask inserts the task and its creation audit entry in one
// transaction.
func (s *Store) CreateTask(ctx context.Context, task domain.ScheduledTask, entry domain.AuditEntry) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, queryInsertTask,
		task.ID,
		string(task.Status),
		task.ScheduledAt,
		task.Subject,
		task.Body,
		pq.Array(task.To),
		pq.Array(task.CC),
		pq.Array(task.BCC),
		task.From,
		task.ReplyTo,
		task.TemplateID,
		task.Signal,
		task.Linked.Kind,
		task.Linked.ID,
		task.Log,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return err
	}

	if err := insertAudit(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

// GetTask returns a task by its ID, or store.ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (domain.ScheduledTask, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, queryGetTask, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return domain.ScheduledTask{}, store.ErrNotFound
	}
	return task, err
}

// UpdateTask writes the task's mutable fields and the audit entry in one
// transaction, guarded by the allowed status set. A guard miss returns
// store.ErrConflict (or store.ErrNotFound if the row is gone).
func (s *Store) UpdateTask(ctx context.Context, task domain.ScheduledTask, allowed []domain.TaskStatus, entry domain.AuditEntry) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, queryUpdateTask,
		task.ID,
		string(task.Status),
		task.ScheduledAt,
		task.Subject,
		task.Body,
		pq.Array(task.To),
		pq.Array(task.CC),
		pq.Array(task.BCC),
		task.UpdatedAt,
		pq.Array(statusStrings(allowed)),
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM scheduled_tasks WHERE id = $1`, task.ID).Scan(&current)
		if err == sql.ErrNoRows {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: status is %s", store.ErrConflict, current)
	}

	if err := insertAudit(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

// TransitionTask atomically moves the task between two statuses, appends
// a line to its execution log and writes the audit entry. The guard is
// the expected current status; a miss returns store.ErrConflict.
func (s *Store) TransitionTask(ctx context.Context, id uuid.UUID, from, to domain.TaskStatus, details string) (domain.ScheduledTask, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ScheduledTask{}, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	logLine := fmt.Sprintf("[%s] %s -> %s: %s\n", now.Format(time.RFC3339), from, to, details)

	row := tx.QueryRowContext(ctx, queryTransitionTask, id, string(from), string(to), logLine, now)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		// Row missing or the status moved on. Either way the caller's view
		// is stale.
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM scheduled_tasks WHERE id = $1`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return domain.ScheduledTask{}, store.ErrNotFound
		}
		if err != nil {
			return domain.ScheduledTask{}, err
		}
		return domain.ScheduledTask{}, fmt.Errorf("%w: status is %s", store.ErrConflict, current)
	}
	if err != nil {
		return domain.ScheduledTask{}, err
	}

	entry := domain.AuditEntry{
		ID:          uuid.New(),
		TaskID:      id,
		Details:     details,
		StateBefore: from,
		StateAfter:  to,
		CreatedAt:   now,
	}
	if err := insertAudit(ctx, tx, entry); err != nil {
		return domain.ScheduledTask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ScheduledTask{}, err
	}
	return task, nil
}

// ListTasksByRecord returns tasks for a signal and linked record in the
// given statuses, oldest first.
func (s *Store) ListTasksByRecord(ctx context.Context, signal string, linked domain.RecordRef, statuses []domain.TaskStatus) ([]domain.ScheduledTask, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListTasksByRecord,
		signal, linked.Kind, linked.ID, pq.Array(statusStrings(statuses)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListTasks returns tasks in the given statuses, newest due first,
// paginated by limit and offset.
func (s *Store) ListTasks(ctx context.Context, statuses []domain.TaskStatus, limit, offset int) ([]domain.ScheduledTask, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListTasks, pq.Array(statusStrings(statuses)), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListPendingTasks returns the ID and due time of every scheduled task,
// soonest first. Used to rebuild the delay set at startup.
func (s *Store) ListPendingTasks(ctx context.Context) ([]domain.ScheduledTask, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListPendingTasks)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.ScheduledTask
	for rows.Next() {
		var task domain.ScheduledTask
		if err := rows.Scan(&task.ID, &task.ScheduledAt); err != nil {
			return nil, err
		}
		task.Status = domain.TaskStatusScheduled
		result = append(result, task)
	}
	return result, rows.Err()
}

// ListStaleTasks returns locked or running tasks untouched since the
// threshold, oldest first and limited to maxResults.
func (s *Store) ListStaleTasks(ctx context.Context, olderThan time.Time, maxResults int) ([]domain.ScheduledTask, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListStaleTasks, olderThan, maxResults)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// PurgeTerminal deletes succeeded and cancelled tasks untouched since the
// threshold, with their audit trail, and returns how many were deleted.
func (s *Store) PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryPurgeTasks, olderThan)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ListAudit returns the audit trail of a task, oldest first.
func (s *Store) ListAudit(ctx context.Context, taskID uuid.UUID) ([]domain.AuditEntry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListAudit, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.AuditEntry
	for rows.Next() {
		var entry domain.AuditEntry
		var before, after string
		err := rows.Scan(&entry.ID, &entry.TaskID, &entry.Details, &before, &after, &entry.CreatedAt)
		if err != nil {
			return nil, err
		}
		entry.StateBefore = domain.TaskStatus(before)
		entry.StateAfter = domain.TaskStatus(after)
		result = append(result, entry)
	}
	return result, rows.Err()
}

// CreateTemplate inserts a template. A second active template for the
// same signal violates a partial unique index and returns
// store.ErrDuplicate.
func (s *Store) CreateTemplate(ctx context.Context, tpl domain.MessageTemplate) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryInsertTemplate,
		tpl.ID,
		tpl.Name,
		tpl.Signal,
		tpl.Active,
		tpl.Subject,
		tpl.Body,
		tpl.FromHeader,
		tpl.ReplyToHeader,
		pq.Array(tpl.CCHeader),
		pq.Array(tpl.BCCHeader),
		tpl.CreatedAt,
		tpl.UpdatedAt,
	)
	if isDuplicateKeyError(err) {
		return store.ErrDuplicate
	}
	return err
}

// UpdateTemplate overwrites a template's mutable fields.
func (s *Store) UpdateTemplate(ctx context.Context, tpl domain.MessageTemplate) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryUpdateTemplate,
		tpl.ID,
		tpl.Name,
		tpl.Active,
		tpl.Subject,
		tpl.Body,
		tpl.FromHeader,
		tpl.ReplyToHeader,
		pq.Array(tpl.CCHeader),
		pq.Array(tpl.BCCHeader),
		tpl.UpdatedAt,
	)
	if isDuplicateKeyError(err) {
		return store.ErrDuplicate
	}
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetTemplate returns a template by its ID, or store.ErrNotFound.
func (s *Store) GetTemplate(ctx context.Context, id uuid.UUID) (domain.MessageTemplate, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return scanTemplate(s.db.QueryRowContext(ctx, queryGetTemplate, id))
}

// GetTemplateBySignal returns the active template for a signal, or
// store.ErrNotFound.
func (s *Store) GetTemplateBySignal(ctx context.Context, signal string) (domain.MessageTemplate, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return scanTemplate(s.db.QueryRowContext(ctx, queryGetTemplateBySignal, signal))
}

// ListTemplates returns all templates ordered by signal and name.
func (s *Store) ListTemplates(ctx context.Context) ([]domain.MessageTemplate, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListTemplates)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.MessageTemplate
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tpl)
	}
	return result, rows.Err()
}

// DeleteTemplate removes a template, or returns store.ErrNotFound.
func (s *Store) DeleteTemplate(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var deletedID uuid.UUID
	err := s.db.QueryRowContext(ctx, queryDeleteTemplate, id).Scan(&deletedID)
	if err == sql.ErrNoRows {
		return store.ErrNotFound
	}
	return err
}

func insertAudit(ctx context.Context, tx *sql.Tx, entry domain.AuditEntry) error {
	_, err := tx.ExecContext(ctx, queryInsertAudit,
		entry.ID,
		entry.TaskID,
		entry.Details,
		string(entry.StateBefore),
		string(entry.StateAfter),
		entry.CreatedAt,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.ScheduledTask, error) {
	var task domain.ScheduledTask
	var status string

	err := row.Scan(
		&task.ID,
		&status,
		&task.ScheduledAt,
		&task.Subject,
		&task.Body,
		pq.Array(&task.To),
		pq.Array(&task.CC),
		pq.Array(&task.BCC),
		&task.From,
		&task.ReplyTo,
		&task.TemplateID,
		&task.Signal,
		&task.Linked.Kind,
		&task.Linked.ID,
		&task.Log,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return domain.ScheduledTask{}, err
	}
	task.Status = domain.TaskStatus(status)
	return task, nil
}

func scanTasks(rows *sql.Rows) ([]domain.ScheduledTask, error) {
	var result []domain.ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, rows.Err()
}

func scanTemplate(row rowScanner) (domain.MessageTemplate, error) {
	var tpl domain.MessageTemplate
	err := row.Scan(
		&tpl.ID,
		&tpl.Name,
		&tpl.Signal,
		&tpl.Active,
		&tpl.Subject,
		&tpl.Body,
		&tpl.FromHeader,
		&tpl.ReplyToHeader,
		pq.Array(&tpl.CCHeader),
		pq.Array(&tpl.BCCHeader),
		&tpl.CreatedAt,
		&tpl.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return domain.MessageTemplate{}, store.ErrNotFound
	}
	return tpl, err
}

func statusStrings(statuses []domain.TaskStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// isDuplicateKeyError checks if the error is a PostgreSQL unique
// violation (code 23505).
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// Compile-time interface assertions
var (
	_ controller.Store      = (*Store)(nil)
	_ controller.Templates  = (*Store)(nil)
	_ worker.Store          = (*Store)(nil)
	_ reconciler.Store      = (*Store)(nil)
	_ reconciler.PurgeStore = (*Store)(nil)
	_ api.Store             = (*Store)(nil)
)
