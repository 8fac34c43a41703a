package postgres

const taskColumns = `
    id, status, scheduled_at,
    subject, body,
    to_header, cc_header, bcc_header, from_header, reply_to_header,
    template_id, signal, linked_kind, linked_id, log,
    created_at, updated_at`

const queryInsertTask = `
INSERT INTO scheduled_tasks (
    id, status, scheduled_at,
    subject, body,
    to_header, cc_header, bcc_header, from_header, reply_to_header,
    template_id, signal, linked_kind, linked_id, log,
    created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
`

const queryGetTask = `
SELECT` + taskColumns + `
FROM scheduled_tasks
WHERE id = $1
`

const queryUpdateTask = `
UPDATE scheduled_tasks
SET status = $2,
    scheduled_at = $3,
    subject = $4,
    body = $5,
    to_header = $6,
    cc_header = $7,
    bcc_header = $8,
    updated_at = $9
WHERE id = $1
  AND status = ANY($10)
`

const queryTransitionTask = `
UPDATE scheduled_tasks
SET status = $3,
    log = log || $4,
    updated_at = $5
WHERE id = $1
  AND status = $2
RETURNING` + taskColumns + `
`

const queryListTasksByRecord = `
SELECT` + taskColumns + `
FROM scheduled_tasks
WHERE signal = $1
  AND linked_kind = $2
  AND linked_id = $3
  AND status = ANY($4)
ORDER BY created_at ASC
`

const queryListTasks = `
SELECT` + taskColumns + `
FROM scheduled_tasks
WHERE status = ANY($1)
ORDER BY scheduled_at DESC
LIMIT $2 OFFSET $3
`

const queryListPendingTasks = `
SELECT id, scheduled_at
FROM scheduled_tasks
WHERE status = 'scheduled'
ORDER BY scheduled_at ASC
`

const queryListStaleTasks = `
SELECT` + taskColumns + `
FROM scheduled_tasks
WHERE status IN ('locked', 'running')
  AND updated_at < $1
ORDER BY updated_at ASC
LIMIT $2
`

const queryPurgeTasks = `
WITH purged AS (
    SELECT id FROM scheduled_tasks
    WHERE status IN ('succeeded', 'cancelled')
      AND updated_at < $1
),
deleted_audit AS (
    DELETE FROM task_audit
    WHERE task_id IN (SELECT id FROM purged)
)
DELETE FROM scheduled_tasks
WHERE id IN (SELECT id FROM purged)
`

const queryInsertAudit = `
INSERT INTO task_audit (id, task_id, details, state_before, state_after, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`

const queryListAudit = `
SELECT id, task_id, details, state_before, state_after, created_at
FROM task_audit
WHERE task_id = $1
ORDER BY created_at ASC
`

const templateColumns = `
    id, name, signal, active,
    subject, body,
    from_header, reply_to_header, cc_header, bcc_header,
    created_at, updated_at`

const queryInsertTemplate = `
INSERT INTO message_templates (
    id, name, signal, active,
    subject, body,
    from_header, reply_to_header, cc_header, bcc_header,
    created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`

const queryUpdateTemplate = `
UPDATE message_templates
SET name = $2,
    active = $3,
    subject = $4,
    body = $5,
    from_header = $6,
    reply_to_header = $7,
    cc_header = $8,
    bcc_header = $9,
    updated_at = $10
WHERE id = $1
`

const queryGetTemplate = `
SELECT` + templateColumns + `
FROM message_templates
WHERE id = $1
`

const queryGetTemplateBySignal = `
SELECT` + templateColumns + `
FROM message_templates
WHERE signal = $1
  AND active = true
`

const queryListTemplates = `
SELECT` + templateColumns + `
FROM message_templates
ORDER BY signal ASC, name ASC
`

const queryDeleteTemplate = `
DELETE FROM message_templates
WHERE id = $1
RETURNING id
`
